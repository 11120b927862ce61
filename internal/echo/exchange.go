// SPDX-License-Identifier: GPL-3.0-or-later

package echo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/rbmk-project/simsock/host"
	"github.com/rbmk-project/simsock/netipx"
	"github.com/rbmk-project/simsock/scenario"
	"github.com/rbmk-project/simsock/socket"
	"github.com/rbmk-project/simsock/socket/tcp"
)

// Result summarizes an echo exchange.
type Result struct {
	// Bytes is the number of bytes echoed.
	Bytes int

	// Dropped is the number of packets the interfaces dropped.
	Dropped int

	// Retransmissions is the number of stream segments sent again.
	Retransmissions int

	// Rounds is the number of simulation rounds.
	Rounds int
}

// errMismatch indicates that the echoed bytes differ from the sent ones.
var errMismatch = errors.New("echo: echoed data does not match")

// exchange runs an echo exchange between two hosts.
type exchange struct {
	// budget is the per-interface byte budget of a round.
	budget int

	// client is the client host.
	client *host.Host

	// ctx allows interrupting the exchange.
	ctx context.Context

	// dst is the server endpoint.
	dst netip.AddrPort

	// maxRounds is the maximum number of rounds.
	maxRounds int

	// rounds is the number of rounds run so far.
	rounds int

	// sc is the simulated network.
	sc *scenario.Scenario

	// server is the server host.
	server *host.Host
}

// step runs a single round.
func (ex *exchange) step() error {
	if err := ex.ctx.Err(); err != nil {
		return err
	}
	if ex.rounds >= ex.maxRounds {
		return scenario.ErrNotIdle
	}
	ex.rounds++
	ex.sc.Step(ex.budget)
	return nil
}

// settle runs rounds until the network is idle.
func (ex *exchange) settle() error {
	if err := ex.ctx.Err(); err != nil {
		return err
	}
	if ex.rounds >= ex.maxRounds {
		return scenario.ErrNotIdle
	}
	rounds, err := ex.sc.RunUntilIdle(ex.maxRounds-ex.rounds, ex.budget)
	ex.rounds += rounds
	return err
}

// ignoreWouldBlock returns nil for [socket.EWOULDBLOCK].
func ignoreWouldBlock(err error) error {
	if errors.Is(err, socket.EWOULDBLOCK) {
		return nil
	}
	return err
}

// stream echoes payload over a stream connection, writing at
// most chunk bytes per round.
func (ex *exchange) stream(payload []byte, chunk int) (*Result, error) {
	ls := ex.server.NewStreamSocket()
	if err := ex.server.Bind(ls, netip.AddrPortFrom(netipx.Unspecified(ex.dst.Addr()), ex.dst.Port())); err != nil {
		return nil, err
	}
	if err := ex.server.Listen(ls, 1); err != nil {
		return nil, err
	}
	cs := ex.client.NewStreamSocket()
	if err := ex.client.Connect(cs, ex.dst); err != nil {
		return nil, err
	}
	if err := ex.settle(); err != nil {
		return nil, err
	}
	conn, _, err := ex.server.Accept(ls)
	if err != nil {
		return nil, fmt.Errorf("echo: accept: %w", err)
	}

	var (
		backlog []byte
		buf     = make([]byte, max(chunk, 4096))
		echoed  []byte
		sent    int
	)
	for len(echoed) < len(payload) {
		if sent < len(payload) {
			count, err := ex.client.SendTo(cs, payload[sent:min(sent+chunk, len(payload))], netip.AddrPort{})
			if err := ignoreWouldBlock(err); err != nil {
				return nil, err
			}
			sent += count
		}
		if len(backlog) <= 0 {
			count, _, err := ex.server.RecvFrom(conn, buf)
			if err := ignoreWouldBlock(err); err != nil {
				return nil, err
			}
			backlog = append(backlog, buf[:count]...)
		}
		if len(backlog) > 0 {
			count, err := ex.server.SendTo(conn, backlog, netip.AddrPort{})
			if err := ignoreWouldBlock(err); err != nil {
				return nil, err
			}
			backlog = backlog[count:]
		}
		count, _, err := ex.client.RecvFrom(cs, buf)
		if err := ignoreWouldBlock(err); err != nil {
			return nil, err
		}
		echoed = append(echoed, buf[:count]...)
		if err := ex.step(); err != nil {
			return nil, err
		}
	}
	if !bytes.Equal(payload, echoed) {
		return nil, errMismatch
	}

	result := &Result{Bytes: len(echoed)}
	for _, end := range []struct {
		h      *host.Host
		handle int
	}{{ex.client, cs}, {ex.server, conn}} {
		if s, err := end.h.Socket(end.handle); err == nil {
			result.Retransmissions += tcp.Retransmissions(s)
		}
	}

	for _, err := range []error{
		ex.client.CloseSocket(cs),
		ex.server.CloseSocket(conn),
		ex.server.CloseSocket(ls),
	} {
		if err != nil {
			return nil, err
		}
	}
	if err := ex.settle(); err != nil {
		return nil, err
	}
	result.Dropped = dropped(ex.client) + dropped(ex.server)
	result.Rounds = ex.rounds
	return result, nil
}

// datagram echoes payload as datagrams of size bytes, one at a time.
func (ex *exchange) datagram(payload []byte, size int) (*Result, error) {
	srv := ex.server.NewDatagramSocket()
	if err := ex.server.Bind(srv, netip.AddrPortFrom(netipx.Unspecified(ex.dst.Addr()), ex.dst.Port())); err != nil {
		return nil, err
	}
	clnt := ex.client.NewDatagramSocket()
	buf := make([]byte, size)
	var echoed []byte
	for off := 0; off < len(payload); off += size {
		msg := payload[off:min(off+size, len(payload))]
		if _, err := ex.client.SendTo(clnt, msg, ex.dst); err != nil {
			return nil, err
		}
		if err := ex.settle(); err != nil {
			return nil, err
		}
		count, from, err := ex.server.RecvFrom(srv, buf)
		if err != nil {
			return nil, fmt.Errorf("echo: server: %w", err)
		}
		if _, err := ex.server.SendTo(srv, buf[:count], from); err != nil {
			return nil, err
		}
		if err := ex.settle(); err != nil {
			return nil, err
		}
		count, _, err = ex.client.RecvFrom(clnt, buf)
		if err != nil {
			return nil, fmt.Errorf("echo: client: %w", err)
		}
		echoed = append(echoed, buf[:count]...)
	}
	if !bytes.Equal(payload, echoed) {
		return nil, errMismatch
	}
	if err := errors.Join(ex.client.CloseSocket(clnt), ex.server.CloseSocket(srv)); err != nil {
		return nil, err
	}
	return &Result{
		Bytes:   len(echoed),
		Dropped: dropped(ex.client) + dropped(ex.server),
		Rounds:  ex.rounds,
	}, nil
}
