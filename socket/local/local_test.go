// SPDX-License-Identifier: GPL-3.0-or-later

package local_test

import (
	"net/netip"
	"testing"

	"github.com/rbmk-project/simsock/descriptor"
	"github.com/rbmk-project/simsock/packet"
	"github.com/rbmk-project/simsock/socket"
	"github.com/rbmk-project/simsock/socket/local"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gvisor.dev/gvisor/pkg/waiter"
)

// newPair creates a pair whose input buffers hold size bytes.
func newPair(size int) (*socket.Socket, *socket.Socket) {
	cfg := socket.DefaultConfig()
	cfg.InputBufferSize = size
	return local.Pair(3, 4, cfg)
}

func TestSendReceive(t *testing.T) {
	a, b := newPair(1024)
	assert.Equal(t, descriptor.TypeLocalSocket, a.Kind())
	assert.Equal(t, packet.IPProtocolLocal, b.Protocol())

	count, err := a.SendUserData([]byte("hello, world"), netip.AddrPort{})
	require.NoError(t, err)
	assert.Equal(t, 12, count)
	assert.True(t, b.HasStatus(descriptor.StatusReadable))
	assert.Equal(t, 0, a.OutputBufferLength())

	t.Run("partial reads keep the remainder", func(t *testing.T) {
		buf := make([]byte, 5)
		count, _, err := b.ReceiveUserData(buf)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(buf[:count]))
		assert.True(t, b.HasStatus(descriptor.StatusReadable))
		assert.Equal(t, 7, b.InputBufferLength())

		buf = make([]byte, 64)
		count, _, err = b.ReceiveUserData(buf)
		require.NoError(t, err)
		assert.Equal(t, ", world", string(buf[:count]))
		assert.False(t, b.HasStatus(descriptor.StatusReadable))
	})

	t.Run("reading an empty socket", func(t *testing.T) {
		_, _, err := b.ReceiveUserData(make([]byte, 8))
		require.ErrorIs(t, err, socket.EWOULDBLOCK)
	})

	t.Run("the other direction", func(t *testing.T) {
		_, err := b.SendUserData([]byte("pong"), netip.AddrPort{})
		require.NoError(t, err)
		buf := make([]byte, 8)
		count, _, err := a.ReceiveUserData(buf)
		require.NoError(t, err)
		assert.Equal(t, "pong", string(buf[:count]))
	})
}

func TestBackpressure(t *testing.T) {
	a, b := newPair(100)

	count, err := a.SendUserData(make([]byte, 150), netip.AddrPort{})
	require.NoError(t, err)
	assert.Equal(t, 100, count)
	assert.Equal(t, 0, b.InputBufferSpace())

	_, err = a.SendUserData(make([]byte, 1), netip.AddrPort{})
	require.ErrorIs(t, err, socket.EWOULDBLOCK)

	count, _, err = b.ReceiveUserData(make([]byte, 40))
	require.NoError(t, err)
	assert.Equal(t, 40, count)
	assert.Equal(t, 40, b.InputBufferSpace())

	count, err = a.SendUserData(make([]byte, 150), netip.AddrPort{})
	require.NoError(t, err)
	assert.Equal(t, 40, count)
}

func TestClose(t *testing.T) {
	a, b := newPair(100)
	_, err := a.SendUserData([]byte("last"), netip.AddrPort{})
	require.NoError(t, err)
	assert.False(t, b.HasStatus(descriptor.StatusEOF))
	require.NoError(t, a.Close())
	assert.True(t, a.HasStatus(descriptor.StatusClosed))
	assert.True(t, b.HasStatus(descriptor.StatusEOF))
	assert.Equal(t, waiter.EventIn, b.Readiness(waiter.EventIn))

	t.Run("the peer drains then reads end of file", func(t *testing.T) {
		buf := make([]byte, 16)
		count, _, err := b.ReceiveUserData(buf)
		require.NoError(t, err)
		assert.Equal(t, "last", string(buf[:count]))
		count, _, err = b.ReceiveUserData(buf)
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})

	t.Run("writing to a closed peer", func(t *testing.T) {
		_, err := b.SendUserData([]byte("x"), netip.AddrPort{})
		require.ErrorIs(t, err, socket.EPIPE)
	})

	t.Run("writing after close", func(t *testing.T) {
		_, err := a.SendUserData([]byte("x"), netip.AddrPort{})
		require.ErrorIs(t, err, socket.EPIPE)
	})

	t.Run("freeing both ends", func(t *testing.T) {
		a.Free()
		require.NoError(t, b.Close())
		b.Free()
		assert.True(t, a.Freed())
		assert.True(t, b.Freed())
	})
}

func TestUnsupported(t *testing.T) {
	a, _ := newPair(100)
	assert.True(t, a.IsFamilySupported(socket.FamilyUnix))
	assert.False(t, a.IsFamilySupported(socket.FamilyInet))
	require.ErrorIs(t, a.ConnectToPeer(netip.MustParseAddrPort("10.0.0.1:80"), socket.FamilyUnix), socket.EOPNOTSUPP)
	assert.False(t, a.PushInPacket(&packet.Packet{IPProtocol: packet.IPProtocolUDP}))
}
