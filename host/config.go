// SPDX-License-Identifier: GPL-3.0-or-later

package host

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/rbmk-project/simsock/socket"
)

// LoopbackAddress is the address of the loopback interface
// every [*Host] creates.
var LoopbackAddress = netip.MustParseAddr("127.0.0.1")

// Route selects the source address for a destination prefix.
type Route struct {
	// Prefix is the destination prefix.
	Prefix netip.Prefix

	// Source is the local source address.
	Source netip.Addr
}

// Config contains the [*Host] configuration.
//
// Construct using [NewConfig] and then adjust the fields.
type Config struct {
	// Addresses contains the host addresses, one per interface.
	Addresses []netip.Addr

	// BufferSize is the size of the input and output buffer
	// of every socket created by the host.
	BufferSize int

	// Logger is the OPTIONAL structured logger.
	Logger *slog.Logger

	// Name is the host name used in logs.
	Name string

	// Routes contains the OPTIONAL source address selection rules.
	Routes []Route
}

// NewConfig returns a [*Config] with the given name and addresses
// using [socket.DefaultBufferSize] and no logger.
func NewConfig(name string, addrs ...netip.Addr) *Config {
	return &Config{
		Addresses:  addrs,
		BufferSize: socket.DefaultBufferSize,
		Name:       name,
	}
}

// Validate returns an error if the configuration is not valid.
func (cfg *Config) Validate() error {
	if cfg.Name == "" {
		return errors.New("host: empty name")
	}
	if cfg.BufferSize < 0 {
		return fmt.Errorf("host %s: negative buffer size", cfg.Name)
	}
	seen := map[netip.Addr]bool{LoopbackAddress: true}
	for _, addr := range cfg.Addresses {
		if !addr.IsValid() || addr.IsUnspecified() {
			return fmt.Errorf("host %s: invalid address %s", cfg.Name, addr)
		}
		if seen[addr] {
			return fmt.Errorf("host %s: duplicate address %s", cfg.Name, addr)
		}
		seen[addr] = true
	}
	for _, route := range cfg.Routes {
		if !route.Prefix.IsValid() {
			return fmt.Errorf("host %s: invalid route prefix %s", cfg.Name, route.Prefix)
		}
		if !seen[route.Source] {
			return fmt.Errorf("host %s: route source %s is not local", cfg.Name, route.Source)
		}
	}
	return nil
}
