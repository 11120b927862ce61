// SPDX-License-Identifier: GPL-3.0-or-later

package socket

import "github.com/rbmk-project/simsock/packet"

// queue is a FIFO of packets.
//
// The zero value is ready to use.
type queue struct {
	// head is the index of the first live element in items.
	head int

	// items contains the packets.
	items []*packet.Packet
}

// Len returns the number of queued packets.
func (q *queue) Len() int {
	return len(q.items) - q.head
}

// PushBack appends pkt to the tail.
func (q *queue) PushBack(pkt *packet.Packet) {
	q.items = append(q.items, pkt)
}

// Front returns the head without removing it or nil.
func (q *queue) Front() *packet.Packet {
	if q.Len() <= 0 {
		return nil
	}
	return q.items[q.head]
}

// PopFront removes and returns the head or nil.
func (q *queue) PopFront() *packet.Packet {
	if q.Len() <= 0 {
		return nil
	}
	pkt := q.items[q.head]
	q.items[q.head] = nil
	q.head++
	if q.head >= len(q.items) {
		q.head, q.items = 0, q.items[:0]
	} else if q.head >= 64 && q.head*2 >= len(q.items) {
		count := copy(q.items, q.items[q.head:])
		clear(q.items[count:])
		q.head, q.items = 0, q.items[:count]
	}
	return pkt
}
