// SPDX-License-Identifier: GPL-3.0-or-later

package socket

import "github.com/rbmk-project/simsock/packet"

// AssociationKey routes inbound packets to a bound [*Socket].
//
// The zero value means that the socket has no key of its own.
type AssociationKey int32

// DemuxKey returns the [AssociationKey] for the given protocol and port.
func DemuxKey(protocol packet.IPProtocol, port uint16) AssociationKey {
	return AssociationKey(int32(protocol)<<16 | int32(port))
}
