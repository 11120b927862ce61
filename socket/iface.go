// SPDX-License-Identifier: GPL-3.0-or-later

package socket

import "net/netip"

// Interface is the network interface as seen by a [*Socket].
type Interface interface {
	// WantsSend tells the interface that the socket has queued
	// output and should be included in the next send round.
	WantsSend(s *Socket)
}

// InterfaceLookup maps local addresses to their [Interface].
type InterfaceLookup interface {
	// LookupInterface returns the interface owning addr or nil.
	LookupInterface(addr netip.Addr) Interface

	// Route returns the local address used to reach dst.
	Route(dst netip.Addr) netip.Addr
}
