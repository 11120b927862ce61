// SPDX-License-Identifier: GPL-3.0-or-later

package socket

import (
	"net/netip"

	"github.com/rbmk-project/simsock/packet"
)

// Variant is the protocol-specific behavior of a [*Socket].
//
// A [*Socket] owns the buffers and the endpoint identity while the
// [Variant] makes every protocol decision. Each socket has its own
// [Variant] value, which may therefore carry per-socket state.
type Variant interface {
	// Close finalizes the protocol state. The socket remains usable
	// until Free, so the variant may flush queued data first.
	Close(s *Socket) error

	// Free releases the protocol state. The socket buffers have
	// already been drained when this method is called.
	Free(s *Socket)

	// Send accepts up to len(buf) bytes for transmission to dst, which
	// is the zero value when the caller did not specify a destination.
	Send(s *Socket, buf []byte, dst netip.AddrPort) (int, error)

	// Receive copies received bytes into buf and returns the sender.
	Receive(s *Socket, buf []byte) (int, netip.AddrPort, error)

	// IsFamilySupported returns whether the address family is supported.
	IsFamilySupported(s *Socket, family Family) bool

	// ConnectToPeer starts the connection to the given peer.
	ConnectToPeer(s *Socket, peer netip.AddrPort, family Family) error

	// Dropped is called when a packet sent by s was discarded
	// before reaching its destination.
	Dropped(s *Socket, pkt *packet.Packet)

	// Process decides whether to accept an inbound packet and returns
	// true if it took ownership of the packet reference.
	Process(s *Socket, pkt *packet.Packet) bool
}
