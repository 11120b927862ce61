// SPDX-License-Identifier: GPL-3.0-or-later

// Package link models a point-to-point network link.
//
// Each direction holds at most a configured number of payload bytes
// in flight. Packets leave in FIFO order when [*Link.Deliver] runs,
// which lets the caller decide when simulated time advances.
package link

import (
	"github.com/rbmk-project/common/runtimex"
	"github.com/rbmk-project/simsock/netif"
	"github.com/rbmk-project/simsock/packet"
)

// DefaultCapacity is the default per-direction capacity in bytes.
const DefaultCapacity = 1 << 16

// Endpoint is the [*netif.Interface] as seen by a [*Link].
type Endpoint interface {
	Receive(pkt *packet.Packet) bool
	SetTransmitter(tx netif.Transmitter)
}

// direction is one way of a [*Link].
type direction struct {
	// bytes is the payload in flight.
	bytes int

	// capacity is the maximum payload in flight.
	capacity int

	// inflight contains the packets in FIFO order.
	inflight []*packet.Packet

	// to receives the packets.
	to Endpoint
}

var _ netif.Transmitter = &direction{}

// Transmit implements [netif.Transmitter].
//
// An empty direction always accepts a packet, so that packets
// larger than the capacity still make progress.
func (d *direction) Transmit(pkt *packet.Packet) bool {
	length := pkt.PayloadLength()
	if len(d.inflight) > 0 && d.bytes+length > d.capacity {
		return false
	}
	d.inflight = append(d.inflight, pkt)
	d.bytes += length
	return true
}

// deliver moves every in-flight packet to the far endpoint.
func (d *direction) deliver() (count int) {
	pkts := d.inflight
	d.inflight, d.bytes = nil, 0
	for _, pkt := range pkts {
		if d.to.Receive(pkt) {
			count++
		}
	}
	return
}

// release drops every in-flight packet.
func (d *direction) release() {
	for _, pkt := range d.inflight {
		pkt.Unref()
	}
	d.inflight, d.bytes = nil, 0
}

// Link models a link between two [Endpoint] instances.
//
// The zero value is not ready to use; construct using [New].
type Link struct {
	// leftToRight carries the packets sent by the left endpoint.
	leftToRight *direction

	// rightToLeft carries the packets sent by the right endpoint.
	rightToLeft *direction
}

// New creates a new [*Link] between left and right and installs it
// as the transmitter of both. A capacity <= 0 means [DefaultCapacity].
func New(left, right Endpoint, capacity int) *Link {
	runtimex.Assert(left != nil && right != nil, "link: nil endpoint")
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	lnk := &Link{
		leftToRight: &direction{capacity: capacity, to: right},
		rightToLeft: &direction{capacity: capacity, to: left},
	}
	left.SetTransmitter(lnk.leftToRight)
	right.SetTransmitter(lnk.rightToLeft)
	return lnk
}

// Deliver moves the packets in flight in both directions to the far
// endpoints and returns how many of them were accepted.
func (lnk *Link) Deliver() int {
	return lnk.leftToRight.deliver() + lnk.rightToLeft.deliver()
}

// InFlight returns the payload bytes in flight in both directions.
func (lnk *Link) InFlight() int {
	return lnk.leftToRight.bytes + lnk.rightToLeft.bytes
}

// Close detaches the link from both endpoints and releases the
// packets still in flight.
func (lnk *Link) Close() error {
	lnk.leftToRight.release()
	lnk.rightToLeft.release()
	lnk.leftToRight.to.SetTransmitter(nil)
	lnk.rightToLeft.to.SetTransmitter(nil)
	return nil
}
