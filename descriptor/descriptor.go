// SPDX-License-Identifier: GPL-3.0-or-later

/*
Package descriptor contains the file-descriptor-like base type that every
simulated socket extends.

A [*Descriptor] has a handle, a [Type], and a [Status] bit set. Changes to
the status bits are published through a [waiter.Queue], so that an
epoll-like component can register interest in readability, writability,
and hang-up events without polling.

[StatusReadable] only tracks buffered data. End of file and pending
connections have their own bits, which also count as readable events.

# Design Documents

This package is experimental and has no design documents for now.
*/
package descriptor

import (
	"fmt"
	"strings"

	"gvisor.dev/gvisor/pkg/waiter"
)

// Type is the descriptor type.
type Type int

const (
	// TypeStreamSocket is a stream (TCP-like) socket.
	TypeStreamSocket = Type(iota + 1)

	// TypeDatagramSocket is a datagram (UDP-like) socket.
	TypeDatagramSocket

	// TypeLocalSocket is a host-local (socketpair-like) socket.
	TypeLocalSocket
)

// String returns the string representation of the descriptor type.
func (t Type) String() string {
	switch t {
	case TypeStreamSocket:
		return "stream"
	case TypeDatagramSocket:
		return "datagram"
	case TypeLocalSocket:
		return "local"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// Status is the descriptor status bit set.
type Status uint32

const (
	// StatusActive is set while the descriptor is open.
	StatusActive = Status(1 << iota)

	// StatusReadable is set when a read would not block.
	StatusReadable

	// StatusWritable is set when a write would not block.
	StatusWritable

	// StatusClosed is set once the descriptor has been closed.
	StatusClosed

	// StatusEOF is set once the peer closed its side, so that a
	// read returns end of file instead of blocking.
	StatusEOF

	// StatusAcceptable is set while a listener has connections
	// waiting to be accepted.
	StatusAcceptable
)

// String returns the string representation of the status bits.
func (s Status) String() string {
	var names []string
	for _, entry := range []struct {
		bit  Status
		name string
	}{
		{StatusActive, "ACTIVE"},
		{StatusReadable, "READABLE"},
		{StatusWritable, "WRITABLE"},
		{StatusClosed, "CLOSED"},
		{StatusEOF, "EOF"},
		{StatusAcceptable, "ACCEPTABLE"},
	} {
		if s&entry.bit != 0 {
			names = append(names, entry.name)
		}
	}
	if len(names) <= 0 {
		return "NONE"
	}
	return strings.Join(names, "|")
}

// events maps status bits to the [waiter.EventMask] they signal.
//
// End of file and pending connections signal [waiter.EventIn] like
// buffered data does, since a read or an accept would not block.
func (s Status) events() waiter.EventMask {
	var mask waiter.EventMask
	if s&(StatusReadable|StatusEOF|StatusAcceptable) != 0 {
		mask |= waiter.EventIn
	}
	if s&StatusWritable != 0 {
		mask |= waiter.EventOut
	}
	if s&StatusClosed != 0 {
		mask |= waiter.EventHUp
	}
	return mask
}

// Descriptor is the base of every simulated descriptor.
//
// The zero value is not ready to use; initialize with [*Descriptor.Init].
//
// A [*Descriptor] is owned by a single host event loop and is not
// safe for concurrent use by multiple goroutines.
type Descriptor struct {
	// freed is set once Free has been called.
	freed bool

	// handle is the descriptor handle.
	handle int

	// queue notifies registered waiters of status changes.
	queue waiter.Queue

	// status contains the status bits.
	status Status

	// typ is the descriptor type.
	typ Type
}

// Init initializes the descriptor with the given type and handle
// and marks it active.
func (d *Descriptor) Init(typ Type, handle int) {
	d.freed = false
	d.handle = handle
	d.status = StatusActive
	d.typ = typ
}

// Handle returns the descriptor handle.
func (d *Descriptor) Handle() int {
	return d.handle
}

// Type returns the descriptor type.
func (d *Descriptor) Type() Type {
	return d.typ
}

// Status returns the current status bits.
func (d *Descriptor) Status() Status {
	return d.status
}

// HasStatus returns whether all the given status bits are set.
func (d *Descriptor) HasStatus(bits Status) bool {
	return d.status&bits == bits
}

// AdjustStatus sets or clears the given status bits. Waiters
// registered for the events corresponding to bits that have just
// been set are notified before this method returns.
func (d *Descriptor) AdjustStatus(bits Status, on bool) {
	old := d.status
	if on {
		d.status |= bits
	} else {
		d.status &^= bits
	}
	if raised := d.status &^ old; raised != 0 {
		if mask := raised.events(); mask != 0 {
			d.queue.Notify(mask)
		}
	}
}

// Readiness returns the subset of mask that is currently ready.
func (d *Descriptor) Readiness(mask waiter.EventMask) waiter.EventMask {
	return d.status.events() & mask
}

// EventRegister registers a waiter for status change events.
func (d *Descriptor) EventRegister(e *waiter.Entry) {
	d.queue.EventRegister(e)
}

// EventUnregister unregisters a previously registered waiter.
func (d *Descriptor) EventUnregister(e *waiter.Entry) {
	d.queue.EventUnregister(e)
}

// MarkClosed clears the active bit and sets the closed bit.
func (d *Descriptor) MarkClosed() {
	d.AdjustStatus(StatusActive, false)
	d.AdjustStatus(StatusClosed, true)
}

// Free releases the descriptor base. Freeing twice is a
// programmer error and causes a panic.
func (d *Descriptor) Free() {
	if d.freed {
		panic(fmt.Sprintf("descriptor: double free of handle %d", d.handle))
	}
	d.freed = true
	d.status = 0
}

// Freed returns whether Free has been called.
func (d *Descriptor) Freed() bool {
	return d.freed
}
