// SPDX-License-Identifier: GPL-3.0-or-later

package link_test

import (
	"testing"

	"github.com/rbmk-project/simsock/link"
	"github.com/rbmk-project/simsock/netif"
	"github.com/rbmk-project/simsock/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// endpoint is a [link.Endpoint] recording what it receives.
type endpoint struct {
	received []*packet.Packet
	tx       netif.Transmitter
}

func (ep *endpoint) Receive(pkt *packet.Packet) bool {
	ep.received = append(ep.received, pkt)
	return true
}

func (ep *endpoint) SetTransmitter(tx netif.Transmitter) {
	ep.tx = tx
}

func newPacket(size int, port uint16) *packet.Packet {
	return &packet.Packet{IPProtocol: packet.IPProtocolUDP, DstPort: port, Payload: make([]byte, size)}
}

func TestTransmitAndDeliver(t *testing.T) {
	left, right := &endpoint{}, &endpoint{}
	lnk := link.New(left, right, 1000)
	require.NotNil(t, left.tx)
	require.NotNil(t, right.tx)

	require.True(t, left.tx.Transmit(newPacket(600, 1)))
	require.True(t, left.tx.Transmit(newPacket(400, 2)))
	require.True(t, right.tx.Transmit(newPacket(10, 3)))
	assert.Equal(t, 1010, lnk.InFlight())

	t.Run("capacity is per direction", func(t *testing.T) {
		assert.False(t, left.tx.Transmit(newPacket(1, 4)))
		assert.True(t, right.tx.Transmit(newPacket(990, 5)))
	})

	t.Run("delivery preserves order", func(t *testing.T) {
		assert.Equal(t, 4, lnk.Deliver())
		assert.Equal(t, 0, lnk.InFlight())
		require.Len(t, right.received, 2)
		assert.Equal(t, uint16(1), right.received[0].DstPort)
		assert.Equal(t, uint16(2), right.received[1].DstPort)
		require.Len(t, left.received, 2)
		assert.Equal(t, uint16(3), left.received[0].DstPort)
	})
}

func TestOversizedPacket(t *testing.T) {
	left, right := &endpoint{}, &endpoint{}
	lnk := link.New(left, right, 100)
	assert.True(t, left.tx.Transmit(newPacket(500, 1)))
	assert.False(t, left.tx.Transmit(newPacket(1, 2)))
	assert.Equal(t, 1, lnk.Deliver())
}

func TestClose(t *testing.T) {
	left, right := &endpoint{}, &endpoint{}
	lnk := link.New(left, right, 0)
	freed := 0
	pkt := newPacket(10, 1)
	pkt.OnFree = func(*packet.Packet) { freed++ }
	require.True(t, left.tx.Transmit(pkt))

	require.NoError(t, lnk.Close())
	assert.Equal(t, 1, freed)
	assert.Nil(t, left.tx)
	assert.Nil(t, right.tx)
	assert.Equal(t, 0, lnk.Deliver())
}
