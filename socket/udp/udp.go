// SPDX-License-Identifier: GPL-3.0-or-later

// Package udp implements the datagram [socket.Variant].
package udp

import (
	"log/slog"
	"net/netip"

	"github.com/rbmk-project/common/runtimex"
	"github.com/rbmk-project/simsock/descriptor"
	"github.com/rbmk-project/simsock/packet"
	"github.com/rbmk-project/simsock/socket"
)

// MaxPayloadSize is the largest datagram payload in bytes.
const MaxPayloadSize = 65507

// DefaultTTL is the TTL of outgoing datagrams.
const DefaultTTL = 64

// Variant is the datagram [socket.Variant].
//
// The zero value is ready to use.
type Variant struct {
	// dropped counts the datagrams discarded upstream.
	dropped int
}

var _ socket.Variant = &Variant{}

// New creates a new datagram [*socket.Socket].
func New(handle int, cfg *socket.Config) *socket.Socket {
	return socket.New(&Variant{}, descriptor.TypeDatagramSocket, handle, cfg)
}

// DroppedCount returns the number of datagrams discarded upstream.
func (v *Variant) DroppedCount() int {
	return v.dropped
}

// Close implements [socket.Variant].
func (v *Variant) Close(s *socket.Socket) error {
	s.MarkClosed()
	return nil
}

// Free implements [socket.Variant].
func (v *Variant) Free(s *socket.Socket) {
	// nothing
}

// Send implements [socket.Variant].
//
// The destination is dst or, when dst is the zero value, the
// connected peer. Each call enqueues exactly one datagram.
func (v *Variant) Send(s *socket.Socket, buf []byte, dst netip.AddrPort) (int, error) {
	if !dst.IsValid() {
		peer, err := s.PeerName()
		if err != nil {
			return 0, socket.EDESTADDRREQ
		}
		dst = peer
	}
	local, err := s.SocketName()
	if !s.IsBound() || err != nil {
		return 0, socket.EINVAL
	}
	if len(buf) > MaxPayloadSize {
		return 0, socket.EMSGSIZE
	}
	if len(buf) > s.OutputBufferSpace() {
		return 0, socket.EWOULDBLOCK
	}
	pkt := &packet.Packet{
		TTL:        DefaultTTL,
		SrcAddr:    s.SourceAddress(dst.Addr()),
		DstAddr:    dst.Addr(),
		IPProtocol: packet.IPProtocolUDP,
		SrcPort:    local.Port(),
		DstPort:    dst.Port(),
		Payload:    append([]byte{}, buf...),
	}
	runtimex.Assert(s.AddToOutputBuffer(pkt), "udp: output buffer rejected a datagram that fits")
	return len(buf), nil
}

// Receive implements [socket.Variant].
//
// Each call consumes exactly one datagram, truncating it when buf
// is too small, and returns the datagram source.
func (v *Variant) Receive(s *socket.Socket, buf []byte) (int, netip.AddrPort, error) {
	pkt := s.RemoveFromInputBuffer()
	if pkt == nil {
		return 0, netip.AddrPort{}, socket.EWOULDBLOCK
	}
	count := copy(buf, pkt.Payload)
	from := netip.AddrPortFrom(pkt.SrcAddr, pkt.SrcPort)
	pkt.Unref()
	return count, from, nil
}

// IsFamilySupported implements [socket.Variant].
func (v *Variant) IsFamilySupported(s *socket.Socket, family socket.Family) bool {
	return family == socket.FamilyInet || family == socket.FamilyInet6
}

// ConnectToPeer implements [socket.Variant].
//
// Connecting a datagram socket only records the default destination.
func (v *Variant) ConnectToPeer(s *socket.Socket, peer netip.AddrPort, family socket.Family) error {
	if !v.IsFamilySupported(s, family) {
		return socket.EAFNOSUPPORT
	}
	s.SetPeerName(peer.Addr(), peer.Port())
	return nil
}

// Dropped implements [socket.Variant].
//
// Datagrams are unreliable, so a dropped one is only accounted for.
func (v *Variant) Dropped(s *socket.Socket, pkt *packet.Packet) {
	v.dropped++
	if logger := s.Logger(); logger != nil {
		logger.Debug(
			"udpDropped",
			slog.String("localAddr", s.BoundString()),
			slog.String("packet", pkt.String()),
		)
	}
}

// Process implements [socket.Variant].
func (v *Variant) Process(s *socket.Socket, pkt *packet.Packet) bool {
	if pkt.IPProtocol != packet.IPProtocolUDP {
		return false
	}
	return s.AddToInputBuffer(pkt)
}
