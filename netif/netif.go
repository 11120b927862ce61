// SPDX-License-Identifier: GPL-3.0-or-later

/*
Package netif models the network interface of a simulated host.

An [*Interface] owns one address. It demultiplexes inbound packets to
the sockets associated with it using their [socket.AssociationKey] and
schedules outbound packets from the sockets that announced pending
output through [*Interface.WantsSend].

Scheduling is round robin: each call to [*Interface.Send] takes at
most one packet per socket per turn, in the order in which sockets
asked to send, until the byte budget is exhausted. A packet the
[Transmitter] refuses is reported to its socket as dropped and the
round ends, since the link is full.
*/
package netif

import (
	"log/slog"
	"net/netip"

	"github.com/rbmk-project/simsock/packet"
	"github.com/rbmk-project/simsock/socket"
)

// Transmitter moves packets away from an [*Interface].
type Transmitter interface {
	// Transmit takes ownership of pkt and returns true, or
	// returns false, leaving the reference to the caller.
	Transmit(pkt *packet.Packet) bool
}

// Stats contains the interface counters.
type Stats struct {
	// Sent is the number of packets transmitted.
	Sent int

	// SentBytes is the payload bytes transmitted.
	SentBytes int

	// Received is the number of packets delivered to sockets.
	Received int

	// ReceivedBytes is the payload bytes delivered to sockets.
	ReceivedBytes int

	// Dropped is the number of packets discarded in either direction.
	Dropped int
}

// Interface is a simulated network interface.
//
// Construct using [New] or [NewLoopback].
type Interface struct {
	// addr is the interface address.
	addr netip.Addr

	// associations maps association keys to sockets.
	associations map[socket.AssociationKey]*socket.Socket

	// logger is the possibly-nil logger.
	logger *slog.Logger

	// pending contains the sockets in sendq.
	pending map[*socket.Socket]bool

	// sendq contains the sockets with pending output in FIFO order.
	sendq []*socket.Socket

	// stats contains the counters.
	stats Stats

	// tx is the possibly-nil transmitter.
	tx Transmitter
}

var _ socket.Interface = &Interface{}

// New creates a new [*Interface] with the given address. The
// transmitter may be nil and configured later with SetTransmitter;
// until then, every outbound packet is dropped.
func New(addr netip.Addr, tx Transmitter, logger *slog.Logger) *Interface {
	return &Interface{
		addr:         addr,
		associations: make(map[socket.AssociationKey]*socket.Socket),
		logger:       logger,
		pending:      make(map[*socket.Socket]bool),
		tx:           tx,
	}
}

// loopback is the [Transmitter] of a loopback interface.
type loopback struct {
	iface *Interface
}

// Transmit implements [Transmitter].
func (lo loopback) Transmit(pkt *packet.Packet) bool {
	lo.iface.Receive(pkt)
	return true
}

// NewLoopback creates an [*Interface] that delivers to itself.
func NewLoopback(addr netip.Addr, logger *slog.Logger) *Interface {
	iface := New(addr, nil, logger)
	iface.tx = loopback{iface}
	return iface
}

// Address returns the interface address.
func (iface *Interface) Address() netip.Addr {
	return iface.addr
}

// SetTransmitter replaces the transmitter.
func (iface *Interface) SetTransmitter(tx Transmitter) {
	iface.tx = tx
}

// Stats returns a copy of the counters.
func (iface *Interface) Stats() Stats {
	return iface.stats
}

// Associate routes inbound packets matching the association key of s
// to s. This method returns [socket.EADDRINUSE] if the key is taken.
func (iface *Interface) Associate(s *socket.Socket) error {
	key := s.AssociationKey()
	if _, found := iface.associations[key]; found {
		return socket.EADDRINUSE
	}
	iface.associations[key] = s
	return nil
}

// Disassociate removes the association with the given key, if any.
func (iface *Interface) Disassociate(key socket.AssociationKey) {
	delete(iface.associations, key)
}

// IsAssociated returns whether the key is associated.
func (iface *Interface) IsAssociated(key socket.AssociationKey) bool {
	_, found := iface.associations[key]
	return found
}

// Lookup returns the socket associated with the key or nil.
func (iface *Interface) Lookup(key socket.AssociationKey) *socket.Socket {
	return iface.associations[key]
}

// WantsSend implements [socket.Interface].
func (iface *Interface) WantsSend(s *socket.Socket) {
	if iface.pending[s] {
		return
	}
	iface.pending[s] = true
	iface.sendq = append(iface.sendq, s)
}

// Receive delivers an inbound packet to the associated socket and
// returns true, or releases the packet and returns false when it is
// not addressed to the interface, no socket is associated or the
// socket does not accept it.
func (iface *Interface) Receive(pkt *packet.Packet) bool {
	if pkt.DstAddr != iface.addr {
		iface.drop("receiveDropped", "misaddressed", pkt)
		pkt.Unref()
		return false
	}
	key := socket.DemuxKey(pkt.IPProtocol, pkt.DstPort)
	s := iface.associations[key]
	if s == nil || s.Freed() {
		iface.drop("receiveDropped", "unassociated", pkt)
		pkt.Unref()
		return false
	}
	length := pkt.PayloadLength()
	if !s.PushInPacket(pkt) {
		iface.drop("receiveDropped", "rejected", pkt)
		pkt.Unref()
		return false
	}
	iface.stats.Received++
	iface.stats.ReceivedBytes += length
	return true
}

// drop accounts for a dropped packet.
func (iface *Interface) drop(event, reason string, pkt *packet.Packet) {
	iface.stats.Dropped++
	if iface.logger != nil {
		iface.logger.Debug(
			event,
			slog.String("ifaceAddr", iface.addr.String()),
			slog.String("packet", pkt.String()),
			slog.String("reason", reason),
		)
	}
}

// popSender removes and returns the first socket in the send queue.
func (iface *Interface) popSender() *socket.Socket {
	s := iface.sendq[0]
	iface.sendq[0] = nil
	iface.sendq = iface.sendq[1:]
	delete(iface.pending, s)
	return s
}

// Send transmits queued packets round robin until budget bytes have
// been sent, the send queue is empty, or the transmitter refuses a
// packet, and returns the number of bytes sent. Each packet costs at
// least one byte of budget and at least one packet is always tried.
func (iface *Interface) Send(budget int) int {
	var spent, sent int
	for len(iface.sendq) > 0 {
		s := iface.sendq[0]
		if s.Freed() {
			iface.popSender()
			continue
		}
		pkt := s.PeekNextPacket()
		if pkt == nil {
			iface.popSender()
			continue
		}
		cost := max(pkt.PayloadLength(), 1)
		if spent > 0 && spent+cost > budget {
			break
		}
		iface.popSender()
		pkt = s.RemoveFromOutputBuffer()
		length := pkt.PayloadLength()
		spent += cost

		if iface.tx == nil || !iface.tx.Transmit(pkt) {
			iface.drop("sendDropped", "refused", pkt)
			s.DroppedPacket(pkt)
			pkt.Unref()
			if s.PeekNextPacket() != nil {
				iface.WantsSend(s)
			}
			break
		}
		iface.stats.Sent++
		iface.stats.SentBytes += length
		sent += length

		if s.PeekNextPacket() != nil {
			iface.WantsSend(s)
		}
	}
	return sent
}

// Pending returns the number of sockets waiting to send.
func (iface *Interface) Pending() int {
	return len(iface.sendq)
}
