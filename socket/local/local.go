// SPDX-License-Identifier: GPL-3.0-or-later

// Package local implements the host-local [socket.Variant], which
// connects two sockets of the same host like a socketpair.
//
// Bytes never reach an interface: Send pushes them straight into
// the input buffer of the peer, which provides the backpressure.
package local

import (
	"net/netip"

	"github.com/rbmk-project/common/runtimex"
	"github.com/rbmk-project/simsock/descriptor"
	"github.com/rbmk-project/simsock/packet"
	"github.com/rbmk-project/simsock/socket"
)

// Endpoint is the local [socket.Variant].
//
// Construct using [Pair].
type Endpoint struct {
	// closed is set once Close has been called.
	closed bool

	// peer is the other end or nil once it has been freed.
	peer *socket.Socket

	// peerClosed is set once the other end has been closed.
	peerClosed bool
}

var _ socket.Variant = &Endpoint{}

// Pair creates two connected local sockets using the given handles.
func Pair(first, second int, cfg *socket.Config) (*socket.Socket, *socket.Socket) {
	firstEp, secondEp := &Endpoint{}, &Endpoint{}
	a := socket.New(firstEp, descriptor.TypeLocalSocket, first, cfg)
	b := socket.New(secondEp, descriptor.TypeLocalSocket, second, cfg)
	firstEp.peer, secondEp.peer = b, a
	return a, b
}

// Close implements [socket.Variant].
func (ep *Endpoint) Close(s *socket.Socket) error {
	if ep.closed {
		return nil
	}
	ep.closed = true
	if ep.peer != nil {
		ep.peer.Variant().(*Endpoint).peerClosed = true
		ep.peer.AdjustStatus(descriptor.StatusEOF, true)
	}
	s.MarkClosed()
	return nil
}

// Free implements [socket.Variant].
func (ep *Endpoint) Free(s *socket.Socket) {
	if ep.peer != nil {
		peerEp := ep.peer.Variant().(*Endpoint)
		peerEp.peer, peerEp.peerClosed = nil, true
		if !ep.peer.Freed() {
			ep.peer.AdjustStatus(descriptor.StatusEOF, true)
		}
		ep.peer = nil
	}
}

// Send implements [socket.Variant].
//
// The bytes are split into chunks that fit in the peer input buffer;
// the count of bytes delivered may be less than len(buf).
func (ep *Endpoint) Send(s *socket.Socket, buf []byte, dst netip.AddrPort) (int, error) {
	if ep.closed || ep.peerClosed || ep.peer == nil {
		return 0, socket.EPIPE
	}
	var total int
	for total < len(buf) {
		size := min(len(buf)-total, ep.peer.InputBufferSpace())
		if size <= 0 {
			break
		}
		pkt := &packet.Packet{
			IPProtocol: packet.IPProtocolLocal,
			Payload:    append([]byte{}, buf[total:total+size]...),
		}
		runtimex.Assert(ep.peer.PushInPacket(pkt), "local: peer rejected a chunk that fits")
		total += size
	}
	if total <= 0 && len(buf) > 0 {
		return 0, socket.EWOULDBLOCK
	}
	return total, nil
}

// Receive implements [socket.Variant].
//
// A zero count with a nil error means the peer closed its side.
func (ep *Endpoint) Receive(s *socket.Socket, buf []byte) (int, netip.AddrPort, error) {
	total := s.ReadInputBuffer(buf)
	if total <= 0 && len(buf) > 0 && !ep.peerClosed {
		return 0, netip.AddrPort{}, socket.EWOULDBLOCK
	}
	return total, netip.AddrPort{}, nil
}

// IsFamilySupported implements [socket.Variant].
func (ep *Endpoint) IsFamilySupported(s *socket.Socket, family socket.Family) bool {
	return family == socket.FamilyUnix
}

// ConnectToPeer implements [socket.Variant].
//
// Local sockets are connected at creation.
func (ep *Endpoint) ConnectToPeer(s *socket.Socket, peer netip.AddrPort, family socket.Family) error {
	return socket.EOPNOTSUPP
}

// Dropped implements [socket.Variant].
func (ep *Endpoint) Dropped(s *socket.Socket, pkt *packet.Packet) {
	// nothing: local chunks never cross an interface
}

// Process implements [socket.Variant].
func (ep *Endpoint) Process(s *socket.Socket, pkt *packet.Packet) bool {
	if pkt.IPProtocol != packet.IPProtocolLocal || ep.closed {
		return false
	}
	return s.AddToInputBuffer(pkt)
}
