// SPDX-License-Identifier: GPL-3.0-or-later

// Package router forwards packets between the interfaces of
// several simulated hosts.
//
// Each attached interface transmits into its own ingress queue,
// bounded in bytes like a [link.Link] direction. [*Router.Deliver]
// forwards the queued packets using a static routing table that
// maps destination addresses to attached interfaces.
package router

import (
	"errors"
	"log/slog"
	"net/netip"

	"github.com/rbmk-project/common/errclass"
	"github.com/rbmk-project/simsock/netif"
	"github.com/rbmk-project/simsock/packet"
)

// DefaultCapacity is the default ingress capacity in bytes.
const DefaultCapacity = 1 << 16

// Endpoint is the [*netif.Interface] as seen by a [*Router].
type Endpoint interface {
	Address() netip.Addr
	Receive(pkt *packet.Packet) bool
	SetTransmitter(tx netif.Transmitter)
}

// Stats contains the router counters.
type Stats struct {
	// Forwarded is the number of packets handed to an endpoint.
	Forwarded int

	// Dropped is the number of packets discarded while routing.
	Dropped int
}

var (
	// errTTLExceeded is returned when a packet's TTL is exceeded.
	errTTLExceeded = errors.New("TTL exceeded in transit")

	// errNoRouteToHost is returned when there is no route to the host.
	errNoRouteToHost = errors.New("no route to host")
)

// port is the ingress queue of an attached endpoint.
type port struct {
	// bytes is the queued payload.
	bytes int

	// queue contains the packets in FIFO order.
	queue []*packet.Packet

	// router is the owning router.
	router *Router
}

var _ netif.Transmitter = &port{}

// Transmit implements [netif.Transmitter].
func (p *port) Transmit(pkt *packet.Packet) bool {
	length := pkt.PayloadLength()
	if len(p.queue) > 0 && p.bytes+length > p.router.capacity {
		return false
	}
	p.queue = append(p.queue, pkt)
	p.bytes += length
	return true
}

// Router provides routing capabilities.
//
// Construct using [New].
type Router struct {
	// capacity is the per-port ingress capacity.
	capacity int

	// devs tracks the attached endpoints.
	devs []Endpoint

	// logger is the possibly-nil logger.
	logger *slog.Logger

	// ports contains the ingress queues in attach order.
	ports []*port

	// srt is the static routing table.
	srt map[netip.Addr]Endpoint

	// stats contains the counters.
	stats Stats
}

// New creates a new [*Router]. A capacity <= 0 means [DefaultCapacity].
func New(capacity int, logger *slog.Logger) *Router {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Router{
		capacity: capacity,
		logger:   logger,
		srt:      make(map[netip.Addr]Endpoint),
	}
}

// Attach attaches an [Endpoint] to the [*Router], which becomes its
// transmitter, and routes the endpoint address to it.
func (r *Router) Attach(dev Endpoint) {
	p := &port{router: r}
	r.devs = append(r.devs, dev)
	r.ports = append(r.ports, p)
	dev.SetTransmitter(p)
	r.AddRoute(dev.Address(), dev)
}

// AddRoute routes packets for addr to the given [Endpoint].
func (r *Router) AddRoute(addr netip.Addr, dev Endpoint) {
	r.srt[addr] = dev
}

// Stats returns a copy of the counters.
func (r *Router) Stats() Stats {
	return r.stats
}

// Deliver forwards every queued packet and returns how many
// packets the next hops accepted.
func (r *Router) Deliver() (count int) {
	for _, p := range r.ports {
		pkts := p.queue
		p.queue, p.bytes = nil, 0
		for _, pkt := range pkts {
			if r.route(pkt) {
				count++
			}
		}
	}
	return
}

// route forwards a given packet to its destination.
func (r *Router) route(pkt *packet.Packet) bool {
	// Decrement TTL.
	if pkt.TTL <= 0 {
		r.drop(pkt, errTTLExceeded)
		return false
	}
	pkt.TTL--

	// Find next hop.
	nextHop := r.srt[pkt.DstAddr]
	if nextHop == nil {
		r.drop(pkt, errNoRouteToHost)
		return false
	}

	// The next hop releases the packets it does not accept.
	r.stats.Forwarded++
	return nextHop.Receive(pkt)
}

// drop releases a packet that cannot be routed.
func (r *Router) drop(pkt *packet.Packet, err error) {
	r.stats.Dropped++
	if r.logger != nil {
		r.logger.Debug(
			"routeDropped",
			slog.Any("err", err),
			slog.String("errClass", errclass.New(err)),
			slog.String("packet", pkt.String()),
		)
	}
	pkt.Unref()
}

// Close detaches every endpoint and releases the queued packets.
func (r *Router) Close() error {
	for _, p := range r.ports {
		for _, pkt := range p.queue {
			pkt.Unref()
		}
		p.queue, p.bytes = nil, 0
	}
	for _, dev := range r.devs {
		dev.SetTransmitter(nil)
	}
	return nil
}
