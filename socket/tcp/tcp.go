// SPDX-License-Identifier: GPL-3.0-or-later

/*
Package tcp implements the stream [socket.Variant].

The model is deliberately small: a three-way handshake, ordered byte
delivery with a reassembly map for out-of-order segments, flow control
through the advertised receive window, and retransmission of every
segment the interface reports as dropped. There is no congestion
control and no retransmission timer, because the simulated network
only loses packets it reports through [*socket.Socket.DroppedPacket].

# Listening

A listening socket owns the connections it creates. A connection has
no association key of its own (see [*socket.Socket.SetSocketName]),
so its packets reach the listener, which forwards them using the
four-tuple. Established connections wait in the accept queue until
[Accept] returns them.
*/
package tcp

import (
	"log/slog"
	"net/netip"

	"github.com/rbmk-project/common/runtimex"
	"github.com/rbmk-project/simsock/descriptor"
	"github.com/rbmk-project/simsock/packet"
	"github.com/rbmk-project/simsock/socket"
	"github.com/smallnest/ringbuffer"
)

const (
	// MSS is the maximum segment payload size in bytes.
	MSS = 1460

	// DefaultTTL is the TTL of outgoing segments.
	DefaultTTL = 64

	// MaxBacklog is the upper bound of the listen backlog.
	MaxBacklog = 128
)

// fourTuple identifies a connection accepted by a listener.
type fourTuple struct {
	local  netip.AddrPort
	remote netip.AddrPort
}

// Endpoint is the stream [socket.Variant].
//
// Construct using [New], which creates the [*socket.Socket] as well.
type Endpoint struct {
	// acceptq contains the established connections not yet accepted.
	acceptq []*socket.Socket

	// accepted is set once Accept has returned this connection.
	accepted bool

	// backlog is the maximum number of pending connections.
	backlog int

	// children contains the connections created by a listener.
	children map[fourTuple]*socket.Socket

	// finAcked is set once the peer acknowledged our FIN.
	finAcked bool

	// finPending is set when our FIN follows the staged data.
	finPending bool

	// finSent is set once our FIN has been queued.
	finSent bool

	// key identifies this connection inside its parent.
	key fourTuple

	// lastWindow is the receive window we advertised last.
	lastWindow int

	// localClosed is set once Close has been called.
	localClosed bool

	// ooo contains the out-of-order segments keyed by sequence number.
	ooo map[uint32]*packet.Packet

	// oooBytes is the payload size of the segments in ooo.
	oooBytes int

	// parent is the listener that created this connection or nil.
	parent *Endpoint

	// peerFin is set once the peer's FIN has been received in order.
	peerFin bool

	// rcvNxt is the next sequence number we expect.
	rcvNxt uint32

	// retransmissions counts the segments sent again after a drop.
	retransmissions int

	// retransmitq contains dropped segments waiting for output space.
	retransmitq []*packet.Packet

	// self is the socket using this endpoint.
	self *socket.Socket

	// sndNxt is the next sequence number we will send.
	sndNxt uint32

	// sndUna is the oldest unacknowledged sequence number.
	sndUna uint32

	// sndWnd is the receive window advertised by the peer.
	sndWnd uint32

	// staging contains the bytes accepted by Send and not yet segmented.
	staging *ringbuffer.RingBuffer

	// state is the connection state.
	state State
}

var _ socket.Variant = &Endpoint{}

// New creates a new stream [*socket.Socket].
func New(handle int, cfg *socket.Config) *socket.Socket {
	ep := &Endpoint{}
	s := socket.New(ep, descriptor.TypeStreamSocket, handle, cfg)
	ep.init(s)
	return s
}

// init binds the endpoint to s and allocates the staging buffer
// sized after the output buffer.
func (ep *Endpoint) init(s *socket.Socket) {
	ep.self = s
	ep.staging = ringbuffer.New(max(s.OutputBufferSize(), 1))
	ep.ooo = make(map[uint32]*packet.Packet)
}

// endpointOf returns the [*Endpoint] of s or [socket.EOPNOTSUPP].
func endpointOf(s *socket.Socket) (*Endpoint, error) {
	ep, ok := s.Variant().(*Endpoint)
	if !ok {
		return nil, socket.EOPNOTSUPP
	}
	return ep, nil
}

// StateOf returns the connection state of a stream socket
// or [StateClosed] for any other socket.
func StateOf(s *socket.Socket) State {
	ep, err := endpointOf(s)
	if err != nil {
		return StateClosed
	}
	return ep.state
}

// Retransmissions returns the number of segments of a stream
// socket sent again after being dropped.
func Retransmissions(s *socket.Socket) int {
	ep, err := endpointOf(s)
	if err != nil {
		return 0
	}
	return ep.retransmissions
}

// HasConnections returns whether a listener still routes packets
// to connections it created that are not closed or still have
// segments to send.
func HasConnections(s *socket.Socket) bool {
	ep, err := endpointOf(s)
	if err != nil {
		return false
	}
	for _, child := range ep.children {
		if StateOf(child) != StateClosed || child.OutputBufferLength() > 0 {
			return true
		}
	}
	return false
}

// Listen makes a bound stream socket accept connections.
func Listen(s *socket.Socket, backlog int) error {
	ep, err := endpointOf(s)
	if err != nil {
		return err
	}
	if !s.IsBound() || ep.localClosed {
		return socket.EINVAL
	}
	switch ep.state {
	case StateClosed, StateListen:
	default:
		return socket.EISCONN
	}
	ep.backlog = min(max(backlog, 1), MaxBacklog)
	if ep.children == nil {
		ep.children = make(map[fourTuple]*socket.Socket)
	}
	ep.setState(s, StateListen)
	return nil
}

// Accept returns the next established connection of a listener
// or [socket.EWOULDBLOCK] when there is none.
func Accept(s *socket.Socket) (*socket.Socket, error) {
	ep, err := endpointOf(s)
	if err != nil {
		return nil, err
	}
	if ep.state != StateListen {
		return nil, socket.EINVAL
	}
	if len(ep.acceptq) <= 0 {
		return nil, socket.EWOULDBLOCK
	}
	child := ep.acceptq[0]
	ep.acceptq = ep.acceptq[1:]
	if len(ep.acceptq) <= 0 {
		s.AdjustStatus(descriptor.StatusAcceptable, false)
	}
	child.Variant().(*Endpoint).accepted = true
	return child, nil
}

// setState transitions to st and logs the transition.
func (ep *Endpoint) setState(s *socket.Socket, st State) {
	if logger := s.Logger(); logger != nil && ep.state != st {
		logger.Debug(
			"tcpState",
			slog.String("localAddr", s.BoundString()),
			slog.String("remoteAddr", s.PeerString()),
			slog.String("from", ep.state.String()),
			slog.String("to", st.String()),
		)
	}
	ep.state = st
}

// window returns the receive window we can advertise.
func (ep *Endpoint) window(s *socket.Socket) int {
	return max(s.InputBufferSpace()-ep.oooBytes, 0)
}

// initialSequence returns a deterministic initial sequence number.
func initialSequence(s *socket.Socket) uint32 {
	return uint32(s.Handle())*64000 + 1
}

// newSegment builds a segment addressed to the peer.
func (ep *Endpoint) newSegment(s *socket.Socket, flags packet.TCPFlags, seq uint32, payload []byte) *packet.Packet {
	local, _ := s.SocketName()
	peer, _ := s.PeerName()
	win := ep.window(s)
	ep.lastWindow = win
	return &packet.Packet{
		TTL:        DefaultTTL,
		SrcAddr:    s.SourceAddress(peer.Addr()),
		DstAddr:    peer.Addr(),
		IPProtocol: packet.IPProtocolTCP,
		SrcPort:    local.Port(),
		DstPort:    peer.Port(),
		Flags:      flags,
		Seq:        seq,
		Ack:        ep.rcvNxt,
		Window:     uint32(win),
		Payload:    payload,
	}
}

// sendControl queues a payload-less segment. SYN and FIN
// consume one sequence number.
func (ep *Endpoint) sendControl(s *socket.Socket, flags packet.TCPFlags) {
	pkt := ep.newSegment(s, flags, ep.sndNxt, nil)
	if flags&(packet.TCPFlagSYN|packet.TCPFlagFIN) != 0 {
		ep.sndNxt++
	}
	runtimex.Assert(s.AddToOutputBuffer(pkt), "tcp: output buffer rejected an empty segment")
}

// sendAck acknowledges everything received in order so far.
func (ep *Endpoint) sendAck(s *socket.Socket) {
	ep.sendControl(s, packet.TCPFlagACK)
}

// flush queues dropped segments first, then segments the staged
// bytes within the peer window, then sends a pending FIN.
func (ep *Endpoint) flush(s *socket.Socket) {
	for len(ep.retransmitq) > 0 {
		if !s.AddToOutputBuffer(ep.retransmitq[0]) {
			return
		}
		ep.retransmitq[0] = nil
		ep.retransmitq = ep.retransmitq[1:]
	}
	switch ep.state {
	case StateEstablished, StateCloseWait:
	default:
		return
	}
	for !ep.staging.IsEmpty() {
		inflight := int(ep.sndNxt - ep.sndUna)
		size := min(MSS, ep.staging.Length(), int(ep.sndWnd)-inflight, s.OutputBufferSpace())
		if size <= 0 {
			break
		}
		payload := make([]byte, size)
		count, _ := ep.staging.Read(payload)
		runtimex.Assert(count == size, "tcp: short read from staging buffer")
		pkt := ep.newSegment(s, packet.TCPFlagACK|packet.TCPFlagPSH, ep.sndNxt, payload)
		runtimex.Assert(s.AddToOutputBuffer(pkt), "tcp: output buffer rejected a segment that fits")
		ep.sndNxt += uint32(size)
	}
	if ep.finPending && !ep.finSent && ep.staging.IsEmpty() {
		ep.finSent = true
		ep.sendControl(s, packet.TCPFlagFIN|packet.TCPFlagACK)
		if ep.state == StateEstablished {
			ep.setState(s, StateFinWait)
		} else {
			ep.setState(s, StateLastAck)
		}
	}
}

// Close implements [socket.Variant].
//
// A connection sends its FIN once the staged bytes have been sent.
func (ep *Endpoint) Close(s *socket.Socket) error {
	if ep.localClosed {
		return nil
	}
	ep.localClosed = true
	switch ep.state {
	case StateListen:
		for _, child := range ep.children {
			if !child.Variant().(*Endpoint).accepted {
				child.Close()
			}
		}
		ep.acceptq = nil
		s.AdjustStatus(descriptor.StatusAcceptable, false)
		ep.setState(s, StateClosed)
	case StateSynSent, StateSynReceived:
		ep.setState(s, StateClosed)
	case StateEstablished, StateCloseWait:
		ep.finPending = true
		ep.flush(s)
	}
	s.MarkClosed()
	return nil
}

// Free implements [socket.Variant].
//
// Freeing a listener frees the connections nobody accepted.
func (ep *Endpoint) Free(s *socket.Socket) {
	for _, pkt := range ep.retransmitq {
		pkt.Unref()
	}
	ep.retransmitq = nil
	for seq, pkt := range ep.ooo {
		delete(ep.ooo, seq)
		pkt.Unref()
	}
	ep.oooBytes = 0
	ep.staging.Reset()
	for _, child := range ep.children {
		childEp := child.Variant().(*Endpoint)
		if childEp.accepted {
			childEp.parent = nil
			continue
		}
		child.Close()
		child.Free()
	}
	ep.children, ep.acceptq = nil, nil
	if ep.parent != nil {
		delete(ep.parent.children, ep.key)
		ep.parent = nil
	}
}

// Send implements [socket.Variant].
//
// The destination is ignored because the connection has a peer.
func (ep *Endpoint) Send(s *socket.Socket, buf []byte, dst netip.AddrPort) (int, error) {
	if ep.localClosed {
		return 0, socket.EPIPE
	}
	switch ep.state {
	case StateEstablished, StateCloseWait:
	default:
		return 0, socket.ENOTCONN
	}
	if len(buf) <= 0 {
		return 0, nil
	}
	free := ep.staging.Free()
	if free <= 0 {
		return 0, socket.EWOULDBLOCK
	}
	count, _ := ep.staging.Write(buf[:min(len(buf), free)])
	ep.flush(s)
	return count, nil
}

// Receive implements [socket.Variant].
//
// A zero count with a nil error means the peer closed its side.
func (ep *Endpoint) Receive(s *socket.Socket, buf []byte) (int, netip.AddrPort, error) {
	peer, err := s.PeerName()
	switch ep.state {
	case StateEstablished, StateFinWait, StateCloseWait, StateLastAck:
	case StateClosed:
		if err != nil {
			return 0, netip.AddrPort{}, socket.ENOTCONN
		}
	default:
		return 0, netip.AddrPort{}, socket.ENOTCONN
	}
	total := s.ReadInputBuffer(buf)
	if total <= 0 {
		if ep.peerFin || len(buf) <= 0 {
			return 0, peer, nil
		}
		return 0, peer, socket.EWOULDBLOCK
	}
	ep.maybeUpdateWindow(s)
	return total, peer, nil
}

// maybeUpdateWindow tells the peer that the window reopened
// enough for it to resume sending.
func (ep *Endpoint) maybeUpdateWindow(s *socket.Socket) {
	switch ep.state {
	case StateEstablished, StateFinWait:
	default:
		return
	}
	threshold := min(MSS, max(s.InputBufferSize()/2, 1))
	if ep.window(s)-ep.lastWindow >= threshold {
		ep.sendAck(s)
	}
}

// IsFamilySupported implements [socket.Variant].
func (ep *Endpoint) IsFamilySupported(s *socket.Socket, family socket.Family) bool {
	return family == socket.FamilyInet || family == socket.FamilyInet6
}

// ConnectToPeer implements [socket.Variant].
//
// This method queues the SYN and returns immediately; the
// connection is usable once [StateOf] is [StateEstablished].
func (ep *Endpoint) ConnectToPeer(s *socket.Socket, peer netip.AddrPort, family socket.Family) error {
	if !ep.IsFamilySupported(s, family) {
		return socket.EAFNOSUPPORT
	}
	switch {
	case ep.localClosed || ep.state == StateListen:
		return socket.EINVAL
	case ep.state != StateClosed:
		return socket.EISCONN
	case !s.IsBound():
		return socket.EINVAL
	}
	s.SetPeerName(peer.Addr(), peer.Port())
	ep.sndUna = initialSequence(s)
	ep.sndNxt = ep.sndUna
	ep.setState(s, StateSynSent)
	ep.sendControl(s, packet.TCPFlagSYN)
	return nil
}

// Dropped implements [socket.Variant].
//
// The segment is kept and queued again, right away when it fits
// in the output buffer or at the next flush otherwise.
func (ep *Endpoint) Dropped(s *socket.Socket, pkt *packet.Packet) {
	ep.retransmissions++
	pkt.Ref()
	if len(ep.retransmitq) > 0 || !s.AddToOutputBuffer(pkt) {
		ep.retransmitq = append(ep.retransmitq, pkt)
	}
	if logger := s.Logger(); logger != nil {
		logger.Debug(
			"tcpRetransmit",
			slog.String("localAddr", s.BoundString()),
			slog.String("packet", pkt.String()),
			slog.Int("retransmissions", ep.retransmissions),
		)
	}
}

// Process implements [socket.Variant].
func (ep *Endpoint) Process(s *socket.Socket, pkt *packet.Packet) bool {
	if pkt.IPProtocol != packet.IPProtocolTCP {
		return false
	}
	switch ep.state {
	case StateListen:
		return ep.processListen(s, pkt)
	case StateSynSent:
		return ep.processSynSent(s, pkt)
	case StateClosed:
		if len(ep.children) > 0 {
			return ep.forward(pkt)
		}
		return false
	default:
		return ep.processConnected(s, pkt)
	}
}

// forward hands pkt to the connection it belongs to, if any.
func (ep *Endpoint) forward(pkt *packet.Packet) bool {
	child := ep.children[fourTuple{
		local:  netip.AddrPortFrom(pkt.DstAddr, pkt.DstPort),
		remote: netip.AddrPortFrom(pkt.SrcAddr, pkt.SrcPort),
	}]
	if child == nil {
		return false
	}
	return child.PushInPacket(pkt)
}

// pending returns the number of connections not yet accepted.
func (ep *Endpoint) pending() (count int) {
	for _, child := range ep.children {
		if !child.Variant().(*Endpoint).accepted {
			count++
		}
	}
	return
}

// processListen forwards packets of known connections and creates
// a new connection for each SYN within the backlog.
func (ep *Endpoint) processListen(s *socket.Socket, pkt *packet.Packet) bool {
	key := fourTuple{
		local:  netip.AddrPortFrom(pkt.DstAddr, pkt.DstPort),
		remote: netip.AddrPortFrom(pkt.SrcAddr, pkt.SrcPort),
	}
	if child := ep.children[key]; child != nil {
		return child.PushInPacket(pkt)
	}
	if pkt.Flags&(packet.TCPFlagSYN|packet.TCPFlagACK) != packet.TCPFlagSYN {
		return false
	}
	if ep.pending() >= ep.backlog {
		return false
	}
	handle, _ := s.NewHandle()
	childEp := &Endpoint{key: key, parent: ep}
	child := socket.New(childEp, descriptor.TypeStreamSocket, handle, s.Config())
	childEp.init(child)
	child.SetSocketName(pkt.DstAddr, pkt.DstPort)
	child.SetPeerName(pkt.SrcAddr, pkt.SrcPort)
	childEp.rcvNxt = pkt.Seq + 1
	childEp.sndWnd = pkt.Window
	childEp.sndUna = initialSequence(child)
	childEp.sndNxt = childEp.sndUna
	childEp.setState(child, StateSynReceived)
	childEp.sendControl(child, packet.TCPFlagSYN|packet.TCPFlagACK)
	ep.children[key] = child
	pkt.Unref()
	return true
}

// processSynSent completes the handshake on SYN|ACK.
func (ep *Endpoint) processSynSent(s *socket.Socket, pkt *packet.Packet) bool {
	const synAck = packet.TCPFlagSYN | packet.TCPFlagACK
	if pkt.Flags&synAck != synAck || pkt.Ack != ep.sndNxt {
		return false
	}
	ep.rcvNxt = pkt.Seq + 1
	ep.sndUna = pkt.Ack
	ep.sndWnd = pkt.Window
	pkt.Unref()
	ep.setState(s, StateEstablished)
	ep.sendAck(s)
	ep.flush(s)
	return true
}

// processAck handles the acknowledgement and window of pkt.
func (ep *Endpoint) processAck(s *socket.Socket, pkt *packet.Packet) {
	if ep.state == StateSynReceived {
		if pkt.Ack != ep.sndNxt {
			return
		}
		ep.setState(s, StateEstablished)
		if ep.parent != nil {
			ep.parent.acceptq = append(ep.parent.acceptq, s)
			ep.parent.self.AdjustStatus(descriptor.StatusAcceptable, true)
		}
	}
	if seqLT(ep.sndUna, pkt.Ack) && seqLE(pkt.Ack, ep.sndNxt) {
		ep.sndUna = pkt.Ack
	}
	if pkt.Ack == ep.sndUna {
		ep.sndWnd = pkt.Window
	}
	if ep.finSent && !ep.finAcked && ep.sndUna == ep.sndNxt {
		ep.finAcked = true
		switch {
		case ep.state == StateLastAck:
			ep.setState(s, StateClosed)
		case ep.state == StateFinWait && ep.peerFin:
			ep.setState(s, StateClosed)
		}
	}
}

// receiveFin records the in-order FIN of the peer.
func (ep *Endpoint) receiveFin(s *socket.Socket) {
	if ep.peerFin {
		return
	}
	ep.peerFin = true
	ep.rcvNxt++
	s.AdjustStatus(descriptor.StatusEOF, true)
	switch ep.state {
	case StateEstablished, StateSynReceived:
		ep.setState(s, StateCloseWait)
	case StateFinWait:
		if ep.finAcked {
			ep.setState(s, StateClosed)
		}
	}
}

// deliver moves an in-order segment into the input buffer and
// reports whether the segment could be consumed.
func (ep *Endpoint) deliver(s *socket.Socket, pkt *packet.Packet) bool {
	length := pkt.PayloadLength()
	if length > 0 && !s.AddToInputBuffer(pkt) {
		return false
	}
	ep.rcvNxt += uint32(length)
	if pkt.Flags&packet.TCPFlagFIN != 0 {
		ep.receiveFin(s)
	}
	if length <= 0 {
		pkt.Unref()
	}
	return true
}

// reassemble delivers the held segments that are now in order.
func (ep *Endpoint) reassemble(s *socket.Socket) {
	for {
		pkt, found := ep.ooo[ep.rcvNxt]
		if !found {
			return
		}
		delete(ep.ooo, ep.rcvNxt)
		ep.oooBytes -= pkt.PayloadLength()
		if !ep.deliver(s, pkt) {
			pkt.Unref()
			return
		}
	}
}

// processConnected handles segments of a synchronized connection.
func (ep *Endpoint) processConnected(s *socket.Socket, pkt *packet.Packet) bool {
	if pkt.Flags&(packet.TCPFlagSYN|packet.TCPFlagRST) != 0 {
		if pkt.Flags&packet.TCPFlagSYN != 0 {
			ep.sendAck(s)
		}
		return false
	}
	if pkt.Flags&packet.TCPFlagACK != 0 {
		ep.processAck(s, pkt)
	}
	length := pkt.PayloadLength()
	if length <= 0 && pkt.Flags&packet.TCPFlagFIN == 0 {
		pkt.Unref()
		ep.flush(s)
		return true
	}
	var accepted bool
	switch {
	case seqLT(pkt.Seq, ep.rcvNxt) || ep.peerFin:
		// duplicate

	case pkt.Seq == ep.rcvNxt:
		if accepted = ep.deliver(s, pkt); accepted {
			ep.reassemble(s)
		}

	default:
		if _, dup := ep.ooo[pkt.Seq]; !dup && length <= ep.window(s) {
			ep.ooo[pkt.Seq] = pkt
			ep.oooBytes += length
			accepted = true
		}
	}
	ep.sendAck(s)
	ep.flush(s)
	return accepted
}
