// SPDX-License-Identifier: GPL-3.0-or-later

// Package netipx contains [net/netip] extensions.
package netipx

import (
	"fmt"
	"net/netip"
)

// Unspecified returns the unspecified address of the same family
// as addr. The zero [netip.Addr] maps to the IPv4 unspecified address.
func Unspecified(addr netip.Addr) netip.Addr {
	if addr.Is6() && !addr.Is4In6() {
		return netip.IPv6Unspecified()
	}
	return netip.IPv4Unspecified()
}

// ParseAddrs parses a list of textual addresses, unmapping any
// IPv4-mapped IPv6 address.
//
// The returned error names the offending entry.
func ParseAddrs(values ...string) ([]netip.Addr, error) {
	addrs := make([]netip.Addr, 0, len(values))
	for idx, value := range values {
		addr, err := netip.ParseAddr(value)
		if err != nil {
			return nil, fmt.Errorf("address #%d: %w", idx, err)
		}
		addrs = append(addrs, addr.Unmap())
	}
	return addrs, nil
}

// ParsePrefix parses a textual prefix and returns its masked form.
func ParsePrefix(value string) (netip.Prefix, error) {
	prefix, err := netip.ParsePrefix(value)
	if err != nil {
		return netip.Prefix{}, err
	}
	return prefix.Masked(), nil
}
