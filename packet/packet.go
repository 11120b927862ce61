// SPDX-License-Identifier: GPL-3.0-or-later

// Package packet contains [*Packet] and the related definitions.
package packet

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync/atomic"
)

// IPProtocol is the protocol number of an IP packet.
type IPProtocol uint8

// String returns the string representation of the IP protocol.
func (p IPProtocol) String() string {
	switch p {
	case IPProtocolTCP:
		return "tcp"

	case IPProtocolUDP:
		return "udp"

	case IPProtocolLocal:
		return "local"

	default:
		return "unknown"
	}
}

const (
	// IPProtocolTCP is the TCP protocol number.
	IPProtocolTCP = IPProtocol(6)

	// IPProtocolUDP is the UDP protocol number.
	IPProtocolUDP = IPProtocol(17)

	// IPProtocolLocal is the simulator-private protocol number
	// used by host-local sockets, which never reach a link.
	IPProtocolLocal = IPProtocol(255)
)

// TCPFlags is a set of TCP flags.
type TCPFlags uint8

// String returns the string representation of the TCP flags.
func (flags TCPFlags) String() string {
	var builder strings.Builder
	for _, entry := range []struct {
		flag   TCPFlags
		letter string
	}{
		{TCPFlagFIN, "F"},
		{TCPFlagSYN, "S"},
		{TCPFlagRST, "R"},
		{TCPFlagPSH, "P"},
		{TCPFlagACK, "A"},
	} {
		if flags&entry.flag != 0 {
			builder.WriteString(entry.letter)
		} else {
			builder.WriteString(".")
		}
	}
	return builder.String()
}

const (
	// TCPFlagFIN is the FIN flag.
	TCPFlagFIN = TCPFlags(1)

	// TCPFlagSYN is the SYN flag.
	TCPFlagSYN = TCPFlags(2)

	// TCPFlagRST is the RST flag.
	TCPFlagRST = TCPFlags(4)

	// TCPFlagPSH is the PSH flag.
	TCPFlagPSH = TCPFlags(8)

	// TCPFlagACK is the ACK flag.
	TCPFlagACK = TCPFlags(16)
)

// Packet is a reference-counted network packet.
//
// Whoever constructs a [*Packet] owns its first reference. Call Ref
// to take an additional reference and Unref to release one. The
// zero value is a valid packet with a single reference.
type Packet struct {
	// TTL is the time to live.
	TTL uint8

	// SrcAddr is the source address.
	SrcAddr netip.Addr

	// DstAddr is the destination address.
	DstAddr netip.Addr

	// IPProtocol is the protocol number.
	IPProtocol IPProtocol

	// SrcPort is the source port.
	SrcPort uint16

	// DstPort is the destination port.
	DstPort uint16

	// Flags contains the TCP flags.
	Flags TCPFlags

	// Seq is the TCP sequence number.
	Seq uint32

	// Ack is the TCP acknowledgement number.
	Ack uint32

	// Window is the TCP receive window advertised by the sender.
	Window uint32

	// Payload is the packet payload.
	Payload []byte

	// OnFree is an optional hook invoked once when the
	// last reference to the packet is released.
	OnFree func(pkt *Packet)

	// extra counts the references beyond the owner's one;
	// it becomes -1 once the packet has been freed.
	extra atomic.Int32
}

// PayloadLength returns the length of the payload in bytes.
func (p *Packet) PayloadLength() int {
	return len(p.Payload)
}

// Ref takes an additional reference to the packet.
//
// This method panics if the packet has already been freed.
func (p *Packet) Ref() {
	if p.extra.Add(1) <= 0 {
		panic(fmt.Sprintf("packet: ref after free: %s", p))
	}
}

// Unref releases a reference to the packet and invokes
// OnFree when the last reference goes away.
//
// This method panics on double release.
func (p *Packet) Unref() {
	switch left := p.extra.Add(-1); {
	case left == -1:
		if p.OnFree != nil {
			p.OnFree(p)
		}
	case left < -1:
		panic(fmt.Sprintf("packet: double release: %s", p))
	}
}

// Refs returns the number of live references, which is
// zero once the packet has been freed.
func (p *Packet) Refs() int {
	return int(p.extra.Load()) + 1
}

// String returns the string representation of the packet.
func (p *Packet) String() string {
	switch p.IPProtocol {
	case IPProtocolTCP:
		return p.stringTCP()
	default:
		return p.stringOtherwise()
	}
}

// stringOtherwise returns the string representation of the packet for non-TCP protocols.
func (p *Packet) stringOtherwise() string {
	return fmt.Sprintf(
		"%s -> %s %s length=%d",
		net.JoinHostPort(p.SrcAddr.String(), fmt.Sprintf("%d", p.SrcPort)),
		net.JoinHostPort(p.DstAddr.String(), fmt.Sprintf("%d", p.DstPort)),
		p.IPProtocol.String(),
		len(p.Payload),
	)
}

// stringTCP returns the string representation of the packet for TCP protocol.
func (p *Packet) stringTCP() string {
	return fmt.Sprintf(
		"%s -> %s %s flags=%s seq=%d ack=%d win=%d length=%d",
		net.JoinHostPort(p.SrcAddr.String(), fmt.Sprintf("%d", p.SrcPort)),
		net.JoinHostPort(p.DstAddr.String(), fmt.Sprintf("%d", p.DstPort)),
		p.IPProtocol.String(),
		p.Flags.String(),
		p.Seq,
		p.Ack,
		p.Window,
		len(p.Payload),
	)
}
