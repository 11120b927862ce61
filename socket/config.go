// SPDX-License-Identifier: GPL-3.0-or-later

package socket

import (
	"errors"
	"log/slog"
)

// DefaultBufferSize is the default capacity in bytes of both
// the input and the output buffer.
const DefaultBufferSize = 131072

// Config contains the settings shared by every [*Socket].
//
// Construct using [DefaultConfig] and then adjust the fields.
type Config struct {
	// InputBufferSize is the input buffer capacity in bytes.
	InputBufferSize int

	// OutputBufferSize is the output buffer capacity in bytes.
	OutputBufferSize int

	// Interfaces is the OPTIONAL [InterfaceLookup] notified when a
	// socket has data to send. When nil, notifications are skipped.
	Interfaces InterfaceLookup

	// Logger is the OPTIONAL structured logger.
	Logger *slog.Logger

	// NewHandle is the OPTIONAL allocator of descriptor handles
	// used by variants that create sockets on their own, for
	// example when a listener accepts a connection.
	NewHandle func() int
}

// DefaultConfig returns a [*Config] using [DefaultBufferSize]
// for both buffers and no interfaces, logger or handle allocator.
func DefaultConfig() *Config {
	return &Config{
		InputBufferSize:  DefaultBufferSize,
		OutputBufferSize: DefaultBufferSize,
	}
}

// validate returns an error if the configuration is not valid.
func (cfg *Config) validate() error {
	if cfg.InputBufferSize < 0 {
		return errors.New("socket: negative input buffer size")
	}
	if cfg.OutputBufferSize < 0 {
		return errors.New("socket: negative output buffer size")
	}
	return nil
}
