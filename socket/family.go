// SPDX-License-Identifier: GPL-3.0-or-later

package socket

import "net/netip"

// Family is an address family.
type Family int

const (
	// FamilyUnspecified is the zero family.
	FamilyUnspecified = Family(iota)

	// FamilyInet is the IPv4 family.
	FamilyInet

	// FamilyInet6 is the IPv6 family.
	FamilyInet6

	// FamilyUnix is the host-local family.
	FamilyUnix
)

// String returns the string representation of the family.
func (f Family) String() string {
	switch f {
	case FamilyInet:
		return "inet"
	case FamilyInet6:
		return "inet6"
	case FamilyUnix:
		return "unix"
	default:
		return "unspec"
	}
}

// FamilyOf returns the family of the given address.
func FamilyOf(addr netip.Addr) Family {
	switch {
	case !addr.IsValid():
		return FamilyUnspecified
	case addr.Is4() || addr.Is4In6():
		return FamilyInet
	default:
		return FamilyInet6
	}
}
