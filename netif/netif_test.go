// SPDX-License-Identifier: GPL-3.0-or-later

package netif_test

import (
	"net/netip"
	"testing"

	"github.com/rbmk-project/simsock/netif"
	"github.com/rbmk-project/simsock/packet"
	"github.com/rbmk-project/simsock/socket"
	"github.com/rbmk-project/simsock/socket/udp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ifaceAddr = netip.MustParseAddr("10.0.0.1")

// capture is a [netif.Transmitter] recording packets up to a limit.
type capture struct {
	limit int
	pkts  []*packet.Packet
}

func (c *capture) Transmit(pkt *packet.Packet) bool {
	if len(c.pkts) >= c.limit {
		return false
	}
	c.pkts = append(c.pkts, pkt)
	return true
}

// lookup is the [socket.InterfaceLookup] for a single interface.
type lookup struct {
	iface *netif.Interface
}

func (l lookup) LookupInterface(addr netip.Addr) socket.Interface {
	if addr != l.iface.Address() {
		return nil
	}
	return l.iface
}

func (l lookup) Route(dst netip.Addr) netip.Addr {
	return l.iface.Address()
}

// newSocket creates a datagram socket bound to port on iface.
func newSocket(t *testing.T, iface *netif.Interface, handle int, port uint16) (*socket.Socket, *udp.Variant) {
	t.Helper()
	cfg := socket.DefaultConfig()
	cfg.Interfaces = lookup{iface}
	s := udp.New(handle, cfg)
	s.SetBinding(iface.Address(), port)
	require.NoError(t, iface.Associate(s))
	return s, s.Variant().(*udp.Variant)
}

func TestAssociation(t *testing.T) {
	iface := netif.New(ifaceAddr, nil, nil)
	s, _ := newSocket(t, iface, 3, 53)
	key := s.AssociationKey()
	assert.True(t, iface.IsAssociated(key))
	assert.Same(t, s, iface.Lookup(key))

	t.Run("duplicate keys are refused", func(t *testing.T) {
		dup := udp.New(4, nil)
		dup.SetBinding(ifaceAddr, 53)
		require.ErrorIs(t, iface.Associate(dup), socket.EADDRINUSE)
	})

	t.Run("disassociation", func(t *testing.T) {
		iface.Disassociate(key)
		assert.False(t, iface.IsAssociated(key))
		assert.Nil(t, iface.Lookup(key))
	})
}

func TestReceive(t *testing.T) {
	iface := netif.New(ifaceAddr, nil, nil)
	s, _ := newSocket(t, iface, 3, 53)

	t.Run("demultiplexes by protocol and port", func(t *testing.T) {
		pkt := &packet.Packet{IPProtocol: packet.IPProtocolUDP, DstAddr: ifaceAddr, DstPort: 53, Payload: []byte("q")}
		require.True(t, iface.Receive(pkt))
		assert.Equal(t, 1, s.InputBufferLength())
	})

	t.Run("unknown keys and foreign addresses are dropped and released", func(t *testing.T) {
		for _, pkt := range []*packet.Packet{
			{IPProtocol: packet.IPProtocolUDP, DstAddr: ifaceAddr, DstPort: 54},
			{IPProtocol: packet.IPProtocolTCP, DstAddr: ifaceAddr, DstPort: 53},
			{IPProtocol: packet.IPProtocolUDP, DstAddr: netip.MustParseAddr("10.0.0.2"), DstPort: 53},
		} {
			require.False(t, iface.Receive(pkt))
			assert.Equal(t, 0, pkt.Refs())
		}
	})

	t.Run("rejected packets are dropped and released", func(t *testing.T) {
		pkt := &packet.Packet{IPProtocol: packet.IPProtocolUDP, DstAddr: ifaceAddr, DstPort: 53, Payload: make([]byte, s.InputBufferSpace()+1)}
		require.False(t, iface.Receive(pkt))
		assert.Equal(t, 0, pkt.Refs())
	})

	stats := iface.Stats()
	assert.Equal(t, 1, stats.Received)
	assert.Equal(t, 1, stats.ReceivedBytes)
	assert.Equal(t, 4, stats.Dropped)
}

func TestSendRoundRobin(t *testing.T) {
	tx := &capture{limit: 100}
	iface := netif.New(ifaceAddr, tx, nil)
	first, _ := newSocket(t, iface, 3, 1000)
	second, _ := newSocket(t, iface, 4, 2000)
	dst := netip.MustParseAddrPort("10.0.0.2:53")

	for idx := 0; idx < 3; idx++ {
		_, err := first.SendUserData(make([]byte, 100), dst)
		require.NoError(t, err)
	}
	_, err := second.SendUserData(make([]byte, 100), dst)
	require.NoError(t, err)
	assert.Equal(t, 2, iface.Pending())

	t.Run("the budget limits a round", func(t *testing.T) {
		assert.Equal(t, 200, iface.Send(250))
		require.Len(t, tx.pkts, 2)
		assert.Equal(t, uint16(1000), tx.pkts[0].SrcPort)
		assert.Equal(t, uint16(2000), tx.pkts[1].SrcPort)
	})

	t.Run("the remaining packets follow", func(t *testing.T) {
		assert.Equal(t, 200, iface.Send(1000))
		require.Len(t, tx.pkts, 4)
		assert.Equal(t, 0, iface.Pending())
		assert.Equal(t, 0, first.OutputBufferLength())
	})

	t.Run("at least one packet is tried", func(t *testing.T) {
		_, err := first.SendUserData(make([]byte, 100), dst)
		require.NoError(t, err)
		assert.Equal(t, 100, iface.Send(1))
	})

	assert.Equal(t, 5, iface.Stats().Sent)
}

func TestSendRefused(t *testing.T) {
	tx := &capture{limit: 1}
	iface := netif.New(ifaceAddr, tx, nil)
	s, v := newSocket(t, iface, 3, 1000)
	dst := netip.MustParseAddrPort("10.0.0.2:53")

	for idx := 0; idx < 3; idx++ {
		_, err := s.SendUserData(make([]byte, 10), dst)
		require.NoError(t, err)
	}
	assert.Equal(t, 10, iface.Send(1000))
	assert.Equal(t, 1, v.DroppedCount())
	assert.Equal(t, 1, iface.Stats().Dropped)
	assert.Equal(t, 1, iface.Pending())

	t.Run("without a transmitter every packet is dropped", func(t *testing.T) {
		iface.SetTransmitter(nil)
		assert.Equal(t, 0, iface.Send(1000))
		assert.Equal(t, 2, v.DroppedCount())
		assert.Equal(t, 0, iface.Pending())
	})
}

func TestLoopback(t *testing.T) {
	iface := netif.NewLoopback(netip.MustParseAddr("127.0.0.1"), nil)
	client, _ := newSocket(t, iface, 3, 1000)
	server, _ := newSocket(t, iface, 4, 53)

	_, err := client.SendUserData([]byte("ping"), netip.MustParseAddrPort("127.0.0.1:53"))
	require.NoError(t, err)
	assert.Equal(t, 4, iface.Send(1000))

	buf := make([]byte, 8)
	count, from, err := server.ReceiveUserData(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:count]))
	assert.Equal(t, netip.MustParseAddrPort("127.0.0.1:1000"), from)
}
