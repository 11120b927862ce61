// SPDX-License-Identifier: GPL-3.0-or-later

package socket

import (
	"testing"

	"github.com/rbmk-project/simsock/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue(t *testing.T) {
	var q queue
	assert.Nil(t, q.Front())
	assert.Nil(t, q.PopFront())

	// Interleave pushes and pops long enough to trigger compaction.
	var pending []*packet.Packet
	for round := 0; round < 500; round++ {
		for idx := 0; idx < 3; idx++ {
			pkt := &packet.Packet{SrcPort: uint16(round*3 + idx)}
			q.PushBack(pkt)
			pending = append(pending, pkt)
		}
		for idx := 0; idx < 2; idx++ {
			require.Same(t, pending[0], q.Front())
			require.Same(t, pending[0], q.PopFront())
			pending = pending[1:]
		}
		require.Equal(t, len(pending), q.Len())
	}
	for len(pending) > 0 {
		require.Same(t, pending[0], q.PopFront())
		pending = pending[1:]
	}
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 0, q.head)
}
