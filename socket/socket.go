// SPDX-License-Identifier: GPL-3.0-or-later

/*
Package socket implements the protocol-agnostic core of a simulated socket.

A [*Socket] owns two bounded FIFO packet buffers, the local and remote
endpoint identity, and the [AssociationKey] used to demultiplex inbound
packets. Protocol decisions are delegated to a [Variant].

# Buffers

Both buffers have a capacity fixed at construction. Admission is all or
nothing: a packet whose payload does not fit in the remaining space is
rejected and the caller keeps its reference. The readiness bits of the
embedded [descriptor.Descriptor] always satisfy:

1. readable if and only if the input buffer is not empty;

2. writable if and only if the output buffer is not full.

# Identity

A socket is bound once [*Socket.SetBinding] or [*Socket.SetSocketName]
has been called. Binding derives the association key from the protocol
and the port. [*Socket.SetSocketName] additionally clears the key, so a
connection accepted by a listener never shares its parent's key, which
would otherwise remove the parent's routing entry on close.

# Concurrency

A [*Socket] is owned by its host event loop and is not goroutine safe.
*/
package socket

import (
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/rbmk-project/common/runtimex"
	"github.com/rbmk-project/simsock/descriptor"
	"github.com/rbmk-project/simsock/packet"
)

// flags contains the socket flags.
type flags uint32

const (
	// flagBound is set once the socket has been bound.
	flagBound = flags(1 << iota)
)

// Socket is a simulated socket.
//
// Construct using [New].
type Socket struct {
	descriptor.Descriptor

	// boundAddr is the bound address.
	boundAddr netip.Addr

	// boundPort is the bound port.
	boundPort uint16

	// boundString caches the formatted bound name; empty when stale.
	boundString string

	// flags contains the socket flags.
	flags flags

	// ifaces is the possibly-nil interface lookup.
	ifaces InterfaceLookup

	// input is the input buffer.
	input queue

	// inputLength is the number of unread payload bytes in input.
	inputLength int

	// inputOffset is the number of bytes already read from the
	// packet at the head of input.
	inputOffset int

	// inputSize is the input buffer capacity.
	inputSize int

	// key is the association key.
	key AssociationKey

	// logger is the possibly-nil logger.
	logger *slog.Logger

	// newHandle is the possibly-nil handle allocator.
	newHandle func() int

	// output is the output buffer.
	output queue

	// outputLength is the number of payload bytes in output.
	outputLength int

	// outputSize is the output buffer capacity.
	outputSize int

	// peerAddr is the peer address.
	peerAddr netip.Addr

	// peerPort is the peer port.
	peerPort uint16

	// peerString caches the formatted peer name; empty when stale.
	peerString string

	// protocol is the demultiplexing protocol derived from the kind.
	protocol packet.IPProtocol

	// variant implements the protocol behavior.
	variant Variant
}

// ProtocolOf returns the demultiplexing protocol for the given kind.
//
// This function panics if kind is not a socket type.
func ProtocolOf(kind descriptor.Type) packet.IPProtocol {
	switch kind {
	case descriptor.TypeStreamSocket:
		return packet.IPProtocolTCP
	case descriptor.TypeDatagramSocket:
		return packet.IPProtocolUDP
	case descriptor.TypeLocalSocket:
		return packet.IPProtocolLocal
	default:
		panic(fmt.Sprintf("socket: not a socket type: %s", kind))
	}
}

// New creates a new [*Socket] with empty buffers whose capacities
// are taken from cfg, which may be nil to use [DefaultConfig].
//
// This function panics if variant is nil or cfg is invalid.
func New(variant Variant, kind descriptor.Type, handle int, cfg *Config) *Socket {
	runtimex.Assert(variant != nil, "socket: nil variant")
	if cfg == nil {
		cfg = DefaultConfig()
	}
	runtimex.Try0(cfg.validate())
	s := &Socket{
		ifaces:     cfg.Interfaces,
		inputSize:  cfg.InputBufferSize,
		logger:     cfg.Logger,
		newHandle:  cfg.NewHandle,
		outputSize: cfg.OutputBufferSize,
		protocol:   ProtocolOf(kind),
		variant:    variant,
	}
	s.Descriptor.Init(kind, handle)
	if s.outputSize > 0 {
		s.AdjustStatus(descriptor.StatusWritable, true)
	}
	return s
}

// Config returns a [*Config] equivalent to the one used to
// create the socket, for creating sibling sockets.
func (s *Socket) Config() *Config {
	return &Config{
		InputBufferSize:  s.inputSize,
		OutputBufferSize: s.outputSize,
		Interfaces:       s.ifaces,
		Logger:           s.logger,
		NewHandle:        s.newHandle,
	}
}

// Logger returns the possibly-nil logger.
func (s *Socket) Logger() *slog.Logger {
	return s.logger
}

// Kind returns the socket kind.
func (s *Socket) Kind() descriptor.Type {
	return s.Type()
}

// Protocol returns the demultiplexing protocol.
func (s *Socket) Protocol() packet.IPProtocol {
	return s.protocol
}

// Variant returns the socket variant.
func (s *Socket) Variant() Variant {
	return s.variant
}

// NewHandle allocates a new descriptor handle or returns
// false when the socket has no handle allocator.
func (s *Socket) NewHandle() (int, bool) {
	if s.newHandle == nil {
		return 0, false
	}
	return s.newHandle(), true
}

// Close delegates to the variant, which may still use the socket.
func (s *Socket) Close() error {
	return s.variant.Close(s)
}

// Free releases every queued packet, forgets the endpoint identity,
// invokes the variant Free and finally frees the descriptor base.
func (s *Socket) Free() {
	for pkt := s.input.PopFront(); pkt != nil; pkt = s.input.PopFront() {
		pkt.Unref()
	}
	s.inputLength, s.inputOffset = 0, 0
	for pkt := s.output.PopFront(); pkt != nil; pkt = s.output.PopFront() {
		pkt.Unref()
	}
	s.outputLength = 0
	s.boundString, s.peerString = "", ""
	s.flags, s.key = 0, 0
	s.variant.Free(s)
	s.Descriptor.Free()
}

// SendUserData delegates to the variant send. The zero dst means
// that the caller did not specify a destination.
func (s *Socket) SendUserData(buf []byte, dst netip.AddrPort) (int, error) {
	return s.variant.Send(s, buf, dst)
}

// ReceiveUserData delegates to the variant receive.
func (s *Socket) ReceiveUserData(buf []byte) (int, netip.AddrPort, error) {
	return s.variant.Receive(s, buf)
}

// IsFamilySupported delegates to the variant.
func (s *Socket) IsFamilySupported(family Family) bool {
	return s.variant.IsFamilySupported(s, family)
}

// ConnectToPeer delegates to the variant.
func (s *Socket) ConnectToPeer(peer netip.AddrPort, family Family) error {
	return s.variant.ConnectToPeer(s, peer, family)
}

// DroppedPacket tells the variant that pkt was discarded upstream.
func (s *Socket) DroppedPacket(pkt *packet.Packet) {
	s.variant.Dropped(s, pkt)
}

// PushInPacket hands an inbound packet to the variant and returns
// whether the variant took ownership of the reference.
func (s *Socket) PushInPacket(pkt *packet.Packet) bool {
	return s.variant.Process(s, pkt)
}

// InputBufferSize returns the input buffer capacity.
func (s *Socket) InputBufferSize() int {
	return s.inputSize
}

// InputBufferLength returns the bytes queued in the input buffer.
func (s *Socket) InputBufferLength() int {
	return s.inputLength
}

// InputBufferSpace returns the free space in the input buffer.
func (s *Socket) InputBufferSpace() int {
	runtimex.Assert(s.inputSize >= s.inputLength, "socket: input buffer overflow")
	return s.inputSize - s.inputLength
}

// AddToInputBuffer appends pkt to the input buffer and returns true,
// or returns false without taking the reference when it does not fit.
func (s *Socket) AddToInputBuffer(pkt *packet.Packet) bool {
	length := pkt.PayloadLength()
	if length > s.InputBufferSpace() {
		return false
	}
	s.input.PushBack(pkt)
	s.inputLength += length
	if s.inputLength > 0 {
		s.AdjustStatus(descriptor.StatusReadable, true)
	}
	return true
}

// RemoveFromInputBuffer pops the head of the input buffer or returns nil.
// The caller owns the returned reference. Bytes of the head packet
// already consumed by [*Socket.ReadInputBuffer] are not counted twice.
func (s *Socket) RemoveFromInputBuffer() *packet.Packet {
	pkt := s.input.PopFront()
	if pkt != nil {
		s.inputLength -= pkt.PayloadLength() - s.inputOffset
		s.inputOffset = 0
		if s.inputLength <= 0 {
			s.AdjustStatus(descriptor.StatusReadable, false)
		}
	}
	return pkt
}

// PeekInputBuffer returns the head of the input buffer without removing it.
func (s *Socket) PeekInputBuffer() *packet.Packet {
	return s.input.Front()
}

// ReadInputBuffer copies the queued payloads into buf as a byte stream
// and returns the number of bytes copied. A packet read only in part
// stays at the head of the input buffer with its unread bytes still
// counted, so the socket remains readable until they are consumed.
func (s *Socket) ReadInputBuffer(buf []byte) int {
	var total int
	for total < len(buf) {
		pkt := s.PeekInputBuffer()
		if pkt == nil {
			break
		}
		count := copy(buf[total:], pkt.Payload[s.inputOffset:])
		total += count
		s.inputOffset += count
		s.inputLength -= count
		if s.inputOffset >= pkt.PayloadLength() {
			s.RemoveFromInputBuffer().Unref()
		}
	}
	return total
}

// OutputBufferSize returns the output buffer capacity.
func (s *Socket) OutputBufferSize() int {
	return s.outputSize
}

// OutputBufferLength returns the bytes queued in the output buffer.
func (s *Socket) OutputBufferLength() int {
	return s.outputLength
}

// OutputBufferSpace returns the free space in the output buffer.
func (s *Socket) OutputBufferSpace() int {
	runtimex.Assert(s.outputSize >= s.outputLength, "socket: output buffer overflow")
	return s.outputSize - s.outputLength
}

// AddToOutputBuffer appends pkt to the output buffer, notifies the
// interface owning the packet source address and returns true, or
// returns false without taking the reference when it does not fit.
//
// This method panics when the configured [InterfaceLookup] does
// not know the packet source address.
func (s *Socket) AddToOutputBuffer(pkt *packet.Packet) bool {
	length := pkt.PayloadLength()
	if length > s.OutputBufferSpace() {
		return false
	}
	s.output.PushBack(pkt)
	s.outputLength += length
	if s.OutputBufferSpace() <= 0 {
		s.AdjustStatus(descriptor.StatusWritable, false)
	}
	if s.ifaces != nil {
		iface := s.ifaces.LookupInterface(pkt.SrcAddr)
		runtimex.Assert(iface != nil, "socket: no interface for source address")
		iface.WantsSend(s)
	}
	return true
}

// RemoveFromOutputBuffer pops the head of the output buffer or returns nil.
// The caller owns the returned reference.
func (s *Socket) RemoveFromOutputBuffer() *packet.Packet {
	pkt := s.output.PopFront()
	if pkt != nil {
		s.outputLength -= pkt.PayloadLength()
		if s.OutputBufferSpace() > 0 {
			s.AdjustStatus(descriptor.StatusWritable, true)
		}
	}
	return pkt
}

// PullOutPacket is an alias for [*Socket.RemoveFromOutputBuffer].
func (s *Socket) PullOutPacket() *packet.Packet {
	return s.RemoveFromOutputBuffer()
}

// PeekNextPacket returns the head of the output buffer without removing it.
func (s *Socket) PeekNextPacket() *packet.Packet {
	return s.output.Front()
}

// Binding returns the bound address or the zero address when unbound.
func (s *Socket) Binding() netip.Addr {
	if s.flags&flagBound != 0 {
		return s.boundAddr
	}
	return netip.Addr{}
}

// IsBound returns whether the socket is bound.
func (s *Socket) IsBound() bool {
	return s.flags&flagBound != 0
}

// SetBinding binds the socket replacing any previous binding
// and derives the association key from the port.
func (s *Socket) SetBinding(addr netip.Addr, port uint16) {
	s.boundAddr = addr
	s.boundPort = port
	s.boundString = ""
	s.key = DemuxKey(s.protocol, port)
	s.flags |= flagBound
}

// SocketName returns the bound endpoint or [ENOTCONN] when the
// bound port is zero. The address may legitimately be unspecified.
func (s *Socket) SocketName() (netip.AddrPort, error) {
	if s.boundPort == 0 {
		return netip.AddrPort{}, ENOTCONN
	}
	return netip.AddrPortFrom(s.boundAddr, s.boundPort), nil
}

// SetSocketName binds the socket like [*Socket.SetBinding] and then
// clears the association key, so that a socket created by a listener
// does not share the listener's routing entry.
func (s *Socket) SetSocketName(addr netip.Addr, port uint16) {
	s.SetBinding(addr, port)
	s.key = 0
}

// PeerName returns the peer endpoint or [ENOTCONN] when unset.
func (s *Socket) PeerName() (netip.AddrPort, error) {
	if !s.peerAddr.IsValid() || s.peerAddr.IsUnspecified() || s.peerPort == 0 {
		return netip.AddrPort{}, ENOTCONN
	}
	return netip.AddrPortFrom(s.peerAddr, s.peerPort), nil
}

// SetPeerName records the peer endpoint.
func (s *Socket) SetPeerName(addr netip.Addr, port uint16) {
	s.peerAddr = addr
	s.peerPort = port
	s.peerString = ""
}

// AssociationKey returns the demultiplexing key, which is zero after
// [*Socket.SetSocketName].
//
// This method panics if the socket is not bound.
func (s *Socket) AssociationKey() AssociationKey {
	runtimex.Assert(s.flags&flagBound != 0, "socket: association key of unbound socket")
	return s.key
}

// BoundString returns "<address>:<port> (descriptor <handle>)".
func (s *Socket) BoundString() string {
	if s.boundString == "" {
		s.boundString = fmt.Sprintf("%s:%d (descriptor %d)", addrString(s.boundAddr), s.boundPort, s.Handle())
	}
	return s.boundString
}

// PeerString returns "<address>:<port>".
func (s *Socket) PeerString() string {
	if s.peerString == "" {
		s.peerString = fmt.Sprintf("%s:%d", addrString(s.peerAddr), s.peerPort)
	}
	return s.peerString
}

// addrString formats addr mapping the zero value to the IPv4 any address.
func addrString(addr netip.Addr) string {
	if !addr.IsValid() {
		return netip.IPv4Unspecified().String()
	}
	return addr.String()
}

// SourceAddress returns the local address to use for packets sent to
// dst: the bound address or, when that is unspecified, the routed one.
func (s *Socket) SourceAddress(dst netip.Addr) netip.Addr {
	addr := s.Binding()
	if (!addr.IsValid() || addr.IsUnspecified()) && s.ifaces != nil {
		addr = s.ifaces.Route(dst)
	}
	return addr
}
