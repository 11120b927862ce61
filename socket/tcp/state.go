// SPDX-License-Identifier: GPL-3.0-or-later

package tcp

import "fmt"

// State is the connection state.
type State int

const (
	// StateClosed is the initial and final state.
	StateClosed = State(iota)

	// StateListen means the socket accepts connections.
	StateListen

	// StateSynSent means we sent a SYN and wait for SYN|ACK.
	StateSynSent

	// StateSynReceived means we replied with SYN|ACK and wait for ACK.
	StateSynReceived

	// StateEstablished means the connection is open.
	StateEstablished

	// StateFinWait means we sent our FIN.
	StateFinWait

	// StateCloseWait means the peer sent its FIN.
	StateCloseWait

	// StateLastAck means both sides sent FIN and ours is unacknowledged.
	StateLastAck
)

// String returns the string representation of the state.
func (st State) String() string {
	switch st {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynReceived:
		return "SYN_RECEIVED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait:
		return "FIN_WAIT"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateLastAck:
		return "LAST_ACK"
	default:
		return fmt.Sprintf("State(%d)", int(st))
	}
}

// seqLT returns whether a precedes b in sequence space.
func seqLT(a, b uint32) bool {
	return int32(a-b) < 0
}

// seqLE returns whether a precedes or equals b in sequence space.
func seqLE(a, b uint32) bool {
	return int32(a-b) <= 0
}
