// SPDX-License-Identifier: GPL-3.0-or-later

/*
Package host models a simulated host owning sockets and interfaces.

A [*Host] creates one [*netif.Interface] per configured address plus a
loopback interface, and keeps a descriptor table mapping handles to
sockets. Applications use handles the way they would use file
descriptors: bind, connect, listen, accept, send, receive and close them.

Nothing blocks and nothing runs in the background. Each call to
[*Host.Step] lets every interface send up to a byte budget, and a
[link.Link] or a loopback interface moves the packets.

A closed stream socket stays associated with its interfaces until its
connection finishes, so that the final segments are still delivered.
[*Host.Step] releases such sockets once they are done.
*/
package host

import (
	"errors"
	"log/slog"
	"math"
	"net/netip"
	"slices"

	"github.com/rbmk-project/common/errclass"
	"github.com/rbmk-project/common/runtimex"
	"github.com/rbmk-project/simsock/descriptor"
	"github.com/rbmk-project/simsock/netif"
	"github.com/rbmk-project/simsock/netipx"
	"github.com/rbmk-project/simsock/packet"
	"github.com/rbmk-project/simsock/socket"
	"github.com/rbmk-project/simsock/socket/local"
	"github.com/rbmk-project/simsock/socket/tcp"
	"github.com/rbmk-project/simsock/socket/udp"
)

// firstHandle is the first descriptor handle.
const firstHandle = 3

// firstEphemeralPort is the first automatically assigned port.
const firstEphemeralPort = 49152

// Host is a simulated host.
//
// Construct using [New].
type Host struct {
	// addrs contains the configured addresses.
	addrs []netip.Addr

	// bufferSize is the socket buffer size.
	bufferSize int

	// descriptors maps open handles to sockets.
	descriptors map[int]*socket.Socket

	// ifaces contains the interfaces, loopback last.
	ifaces []*netif.Interface

	// lingering contains closed stream sockets not released yet.
	lingering []*socket.Socket

	// logger is the possibly-nil logger.
	logger *slog.Logger

	// name is the host name.
	name string

	// nextHandle is the next handle to allocate.
	nextHandle int

	// nextport tracks the next ephemeral port per protocol.
	nextport map[packet.IPProtocol]uint16

	// order contains the open handles in creation order.
	order []int

	// routes contains the source address selection rules.
	routes []Route
}

var _ socket.InterfaceLookup = &Host{}

// New creates a new [*Host].
//
// This function panics if the configuration is invalid.
func New(cfg *Config) *Host {
	runtimex.Try0(cfg.Validate())
	h := &Host{
		addrs:       append([]netip.Addr{}, cfg.Addresses...),
		bufferSize:  cfg.BufferSize,
		descriptors: make(map[int]*socket.Socket),
		logger:      cfg.Logger,
		name:        cfg.Name,
		nextHandle:  firstHandle,
		nextport: map[packet.IPProtocol]uint16{
			packet.IPProtocolTCP: firstEphemeralPort,
			packet.IPProtocolUDP: firstEphemeralPort,
		},
		routes: append([]Route{}, cfg.Routes...),
	}
	for _, addr := range h.addrs {
		h.ifaces = append(h.ifaces, netif.New(addr, nil, h.logger))
	}
	h.ifaces = append(h.ifaces, netif.NewLoopback(LoopbackAddress, h.logger))
	return h
}

// Name returns the host name.
func (h *Host) Name() string {
	return h.name
}

// Addresses returns the configured addresses.
func (h *Host) Addresses() []netip.Addr {
	return append([]netip.Addr{}, h.addrs...)
}

// Interface returns the interface owning addr or nil.
func (h *Host) Interface(addr netip.Addr) *netif.Interface {
	for _, iface := range h.ifaces {
		if iface.Address() == addr {
			return iface
		}
	}
	return nil
}

// LookupInterface implements [socket.InterfaceLookup].
func (h *Host) LookupInterface(addr netip.Addr) socket.Interface {
	if iface := h.Interface(addr); iface != nil {
		return iface
	}
	return nil
}

// Route implements [socket.InterfaceLookup].
//
// IPv4 loopback destinations use the loopback interface. Otherwise,
// the longest matching route wins, then the first configured address
// of the same family, then the first configured address. There is no
// IPv6 loopback interface: [*Host.Connect] and [*Host.SendTo] reject
// ::1 with [socket.EADDRNOTAVAIL] before routing.
func (h *Host) Route(dst netip.Addr) netip.Addr {
	if dst.Is4() && dst.IsLoopback() {
		return LoopbackAddress
	}
	var (
		best Route
		bits = -1
	)
	for _, route := range h.routes {
		if route.Prefix.Contains(dst) && route.Prefix.Bits() > bits {
			best, bits = route, route.Prefix.Bits()
		}
	}
	if bits >= 0 {
		return best.Source
	}
	for _, addr := range h.addrs {
		if addr.Is4() == dst.Is4() {
			return addr
		}
	}
	if len(h.addrs) > 0 {
		return h.addrs[0]
	}
	return LoopbackAddress
}

// socketConfig returns the config of the sockets created by the host.
func (h *Host) socketConfig() *socket.Config {
	return &socket.Config{
		InputBufferSize:  h.bufferSize,
		OutputBufferSize: h.bufferSize,
		Interfaces:       h,
		Logger:           h.logger,
		NewHandle:        h.newHandle,
	}
}

// newHandle allocates a descriptor handle.
func (h *Host) newHandle() int {
	handle := h.nextHandle
	h.nextHandle++
	return handle
}

// register adds s to the descriptor table.
func (h *Host) register(s *socket.Socket) int {
	h.descriptors[s.Handle()] = s
	h.order = append(h.order, s.Handle())
	return s.Handle()
}

// NewStreamSocket creates a stream socket and returns its handle.
func (h *Host) NewStreamSocket() int {
	return h.register(tcp.New(h.newHandle(), h.socketConfig()))
}

// NewDatagramSocket creates a datagram socket and returns its handle.
func (h *Host) NewDatagramSocket() int {
	return h.register(udp.New(h.newHandle(), h.socketConfig()))
}

// NewLocalPair creates two connected local sockets and returns
// their handles.
func (h *Host) NewLocalPair() (int, int) {
	a, b := local.Pair(h.newHandle(), h.newHandle(), h.socketConfig())
	return h.register(a), h.register(b)
}

// Socket returns the open socket with the given handle
// or [socket.EBADF].
func (h *Host) Socket(handle int) (*socket.Socket, error) {
	s := h.descriptors[handle]
	if s == nil {
		return nil, socket.EBADF
	}
	return s, nil
}

// Handles returns the open handles in creation order.
func (h *Host) Handles() []int {
	return append([]int{}, h.order...)
}

// Lingering returns the number of closed sockets not yet released.
func (h *Host) Lingering() int {
	return len(h.lingering)
}

// Bind binds the socket to addr. An unspecified address binds on
// every interface and a zero port selects an ephemeral port.
func (h *Host) Bind(handle int, addr netip.AddrPort) error {
	err := h.bind(handle, addr)
	if h.logger != nil {
		h.logger.Info(
			"bindDone",
			slog.Any("err", err),
			slog.String("errClass", errclass.New(err)),
			slog.Int("handle", handle),
			slog.String("host", h.name),
			slog.String("localAddr", addr.String()),
		)
	}
	return err
}

func (h *Host) bind(handle int, addr netip.AddrPort) error {
	s, err := h.Socket(handle)
	if err != nil {
		return err
	}
	if !s.IsFamilySupported(socket.FamilyOf(addr.Addr())) {
		return socket.EAFNOSUPPORT
	}
	if s.IsBound() {
		return socket.EINVAL
	}
	targets := h.ifaces
	if !addr.Addr().IsUnspecified() {
		iface := h.Interface(addr.Addr())
		if iface == nil {
			return socket.EADDRNOTAVAIL
		}
		targets = []*netif.Interface{iface}
	}
	port := addr.Port()
	if port == 0 {
		if port, err = h.ephemeralPort(s.Protocol(), targets); err != nil {
			return err
		}
	}
	key := socket.DemuxKey(s.Protocol(), port)
	for _, iface := range targets {
		if iface.IsAssociated(key) {
			return socket.EADDRINUSE
		}
	}
	s.SetBinding(addr.Addr(), port)
	for _, iface := range targets {
		runtimex.Try0(iface.Associate(s))
	}
	return nil
}

// ephemeralPort returns the next port free on every target.
func (h *Host) ephemeralPort(protocol packet.IPProtocol, targets []*netif.Interface) (uint16, error) {
	for {
		port := h.nextport[protocol]
		if port >= math.MaxUint16 {
			return 0, socket.EADDRINUSE
		}
		h.nextport[protocol]++
		key := socket.DemuxKey(protocol, port)
		if !slices.ContainsFunc(targets, func(iface *netif.Interface) bool {
			return iface.IsAssociated(key)
		}) {
			return port, nil
		}
	}
}

// Connect connects the socket to peer, binding it first to the
// source address routing selects when it is not bound.
func (h *Host) Connect(handle int, peer netip.AddrPort) error {
	err := h.connect(handle, peer)
	if h.logger != nil {
		h.logger.Info(
			"connectDone",
			slog.Any("err", err),
			slog.String("errClass", errclass.New(err)),
			slog.Int("handle", handle),
			slog.String("host", h.name),
			slog.String("remoteAddr", peer.String()),
		)
	}
	return err
}

func (h *Host) connect(handle int, peer netip.AddrPort) error {
	s, err := h.Socket(handle)
	if err != nil {
		return err
	}
	family := socket.FamilyOf(peer.Addr())
	if !s.IsFamilySupported(family) {
		return socket.EAFNOSUPPORT
	}
	if isLoopback6(peer.Addr()) {
		return socket.EADDRNOTAVAIL
	}
	if !s.IsBound() {
		src := netip.AddrPortFrom(h.Route(peer.Addr()), 0)
		if err := h.bind(handle, src); err != nil {
			return err
		}
	}
	return s.ConnectToPeer(peer, family)
}

// Listen makes a bound stream socket accept connections.
func (h *Host) Listen(handle, backlog int) error {
	s, err := h.Socket(handle)
	if err != nil {
		return err
	}
	return tcp.Listen(s, backlog)
}

// Accept returns the handle and the peer of the next established
// connection of a listener or [socket.EWOULDBLOCK].
func (h *Host) Accept(handle int) (int, netip.AddrPort, error) {
	s, err := h.Socket(handle)
	if err != nil {
		return -1, netip.AddrPort{}, err
	}
	child, err := tcp.Accept(s)
	if err != nil {
		return -1, netip.AddrPort{}, err
	}
	peer, _ := child.PeerName()
	return h.register(child), peer, nil
}

// SendTo sends buf to dst, which may be the zero value for
// connected sockets. An unbound datagram socket is first bound
// to the unspecified address and an ephemeral port.
func (h *Host) SendTo(handle int, buf []byte, dst netip.AddrPort) (int, error) {
	count, err := h.sendTo(handle, buf, dst)
	if h.logger != nil {
		h.logger.Debug(
			"sendDone",
			slog.Any("err", err),
			slog.String("errClass", errclass.New(err)),
			slog.Int("handle", handle),
			slog.String("host", h.name),
			slog.Int("ioBufferSize", len(buf)),
			slog.Int("ioBytesCount", count),
			slog.String("remoteAddr", dst.String()),
		)
	}
	return count, err
}

func (h *Host) sendTo(handle int, buf []byte, dst netip.AddrPort) (int, error) {
	s, err := h.Socket(handle)
	if err != nil {
		return 0, err
	}
	if isLoopback6(dst.Addr()) {
		return 0, socket.EADDRNOTAVAIL
	}
	if s.Kind() == descriptor.TypeDatagramSocket && !s.IsBound() && dst.IsValid() {
		if err := h.bind(handle, netip.AddrPortFrom(netipx.Unspecified(dst.Addr()), 0)); err != nil {
			return 0, err
		}
	}
	return s.SendUserData(buf, dst)
}

// RecvFrom reads into buf and returns the count and the source.
func (h *Host) RecvFrom(handle int, buf []byte) (int, netip.AddrPort, error) {
	count, from, err := h.recvFrom(handle, buf)
	if h.logger != nil {
		h.logger.Debug(
			"recvDone",
			slog.Any("err", err),
			slog.String("errClass", errclass.New(err)),
			slog.Int("handle", handle),
			slog.String("host", h.name),
			slog.Int("ioBufferSize", len(buf)),
			slog.Int("ioBytesCount", count),
			slog.String("remoteAddr", from.String()),
		)
	}
	return count, from, err
}

// isLoopback6 reports whether addr is the IPv6 loopback address.
func isLoopback6(addr netip.Addr) bool {
	return addr.Is6() && !addr.Is4In6() && addr.IsLoopback()
}

func (h *Host) recvFrom(handle int, buf []byte) (int, netip.AddrPort, error) {
	s, err := h.Socket(handle)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	return s.ReceiveUserData(buf)
}

// CloseSocket closes the socket and removes it from the descriptor
// table. Stream sockets linger until their connection is done.
func (h *Host) CloseSocket(handle int) error {
	s, err := h.Socket(handle)
	if err == nil {
		delete(h.descriptors, handle)
		h.order = slices.DeleteFunc(h.order, func(v int) bool { return v == handle })
		err = s.Close()
		if h.done(s) {
			h.release(s)
		} else {
			h.lingering = append(h.lingering, s)
		}
	}
	if h.logger != nil {
		h.logger.Info(
			"closeDone",
			slog.Any("err", err),
			slog.String("errClass", errclass.New(err)),
			slog.Int("handle", handle),
			slog.String("host", h.name),
		)
	}
	return err
}

// done returns whether a closed socket may be released.
func (h *Host) done(s *socket.Socket) bool {
	if s.Kind() != descriptor.TypeStreamSocket {
		return true
	}
	return tcp.StateOf(s) == tcp.StateClosed && s.OutputBufferLength() <= 0 && !tcp.HasConnections(s)
}

// release disassociates and frees a closed socket.
func (h *Host) release(s *socket.Socket) {
	if s.Kind() != descriptor.TypeLocalSocket && s.IsBound() {
		key := s.AssociationKey()
		for _, iface := range h.ifaces {
			if iface.Lookup(key) == s {
				iface.Disassociate(key)
			}
		}
	}
	s.Free()
}

// reap releases the lingering sockets that are done.
func (h *Host) reap() {
	h.lingering = slices.DeleteFunc(h.lingering, func(s *socket.Socket) bool {
		if !h.done(s) {
			return false
		}
		h.release(s)
		return true
	})
}

// Step lets every interface send up to budget bytes, releases the
// closed sockets that are done and returns the bytes sent.
func (h *Host) Step(budget int) int {
	var sent int
	for _, iface := range h.ifaces {
		sent += iface.Send(budget)
	}
	h.reap()
	return sent
}

// Pending returns whether any interface has sockets waiting to send.
func (h *Host) Pending() bool {
	return slices.ContainsFunc(h.ifaces, func(iface *netif.Interface) bool {
		return iface.Pending() > 0
	})
}

// Close closes every open socket in reverse creation order, then
// releases every lingering socket, and returns the joined errors.
func (h *Host) Close() error {
	var errv []error
	for _, handle := range slices.Backward(h.Handles()) {
		if err := h.CloseSocket(handle); err != nil {
			errv = append(errv, err)
		}
	}
	for _, s := range h.lingering {
		h.release(s)
	}
	h.lingering = nil
	return errors.Join(errv...)
}
