// SPDX-License-Identifier: GPL-3.0-or-later

// Package echo implements the echo subcommand, which runs an echo
// exchange between two hosts of a simulated network.
package echo

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"strings"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	"github.com/peterbourgon/ff/v3/ffyaml"
	"github.com/rbmk-project/simsock/host"
	"github.com/rbmk-project/simsock/scenario"
)

// DefaultTopology is the topology used without -scenario.
const DefaultTopology = `
hosts:
  - name: client
    addresses: [10.0.0.1]
  - name: server
    addresses: [10.0.0.2]
links:
  - left: client
    right: server
    capacity: 65536
`

// Command is the echo subcommand.
type Command struct {
	flags struct {
		budget   int
		client   string
		messages int
		port     uint
		protocol string
		rounds   int
		scenario string
		server   string
		size     int
		verbose  bool
	}

	// stdout receives the summary.
	stdout io.Writer

	// stderr receives the logs.
	stderr io.Writer

	ffcli.Command
}

// NewCommand creates the echo subcommand writing the summary
// to stdout and the logs to stderr.
func NewCommand(stdout, stderr io.Writer) *ffcli.Command {
	c := &Command{stdout: stdout, stderr: stderr}

	c.Name = "echo"
	c.ShortUsage = "simsock echo [flags]"
	c.ShortHelp = "run an echo exchange over a simulated network"
	c.LongHelp = strings.TrimSpace(`
Runs an echo exchange between a client host and a server host of a
simulated network. The client sends the given number of messages and
the server echoes them back, using either stream or datagram sockets.

Flags may also be set through SIMSOCK_* environment variables or
through a YAML file passed with -config.

Examples:

  # Echo ten 512-byte messages over stream sockets
  simsock echo

  # Echo over datagram sockets using a custom topology
  simsock echo -protocol udp -scenario topology.yaml
`)

	c.FlagSet = flag.NewFlagSet("echo", flag.ContinueOnError)
	c.FlagSet.SetOutput(stderr)
	c.FlagSet.String("config", "", "YAML file containing flag values")
	c.FlagSet.IntVar(&c.flags.budget, "budget", 1<<16, "bytes each interface sends per round")
	c.FlagSet.StringVar(&c.flags.client, "client", "client", "name of the client host")
	c.FlagSet.IntVar(&c.flags.messages, "messages", 10, "number of messages to echo")
	c.FlagSet.UintVar(&c.flags.port, "port", 7, "server port")
	c.FlagSet.StringVar(&c.flags.protocol, "protocol", "tcp", "transport protocol: tcp or udp")
	c.FlagSet.IntVar(&c.flags.rounds, "rounds", 100000, "maximum number of simulation rounds")
	c.FlagSet.StringVar(&c.flags.scenario, "scenario", "", "YAML topology file (default: two linked hosts)")
	c.FlagSet.StringVar(&c.flags.server, "server", "server", "name of the server host")
	c.FlagSet.IntVar(&c.flags.size, "size", 512, "size of each message in bytes")
	c.FlagSet.BoolVar(&c.flags.verbose, "verbose", false, "log every socket operation")

	c.Options = []ff.Option{
		ff.WithEnvVarPrefix("SIMSOCK"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ffyaml.Parser),
	}
	c.Exec = c.exec
	return &c.Command
}

// loadTopology returns the configured or the default topology.
func (c *Command) loadTopology() (*scenario.Config, error) {
	if c.flags.scenario == "" {
		return scenario.Load(strings.NewReader(DefaultTopology))
	}
	filep, err := os.Open(c.flags.scenario)
	if err != nil {
		return nil, err
	}
	defer filep.Close()
	return scenario.Load(filep)
}

// newLogger returns the logger selected by -verbose.
func (c *Command) newLogger() *slog.Logger {
	level := slog.LevelWarn
	if c.flags.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(c.stderr, &slog.HandlerOptions{Level: level}))
}

func (c *Command) exec(ctx context.Context, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("unexpected arguments: %v", args)
	}
	if c.flags.messages <= 0 || c.flags.size <= 0 {
		return errors.New("-messages and -size must be positive")
	}
	if c.flags.port <= 0 || c.flags.port > 65535 {
		return fmt.Errorf("invalid -port %d", c.flags.port)
	}

	cfg, err := c.loadTopology()
	if err != nil {
		return err
	}
	sc, err := scenario.New(cfg, c.newLogger())
	if err != nil {
		return err
	}
	defer sc.Close()

	client, server := sc.Host(c.flags.client), sc.Host(c.flags.server)
	if client == nil || server == nil {
		return fmt.Errorf("no such hosts: %q and %q", c.flags.client, c.flags.server)
	}
	addrs := server.Addresses()
	if len(addrs) <= 0 {
		return fmt.Errorf("host %q has no addresses", c.flags.server)
	}

	ex := &exchange{
		budget:    c.flags.budget,
		client:    client,
		ctx:       ctx,
		dst:       netip.AddrPortFrom(addrs[0], uint16(c.flags.port)),
		maxRounds: c.flags.rounds,
		sc:        sc,
		server:    server,
	}
	payload := makePayload(c.flags.messages * c.flags.size)

	var result *Result
	switch c.flags.protocol {
	case "tcp":
		result, err = ex.stream(payload, c.flags.size)
	case "udp":
		result, err = ex.datagram(payload, c.flags.size)
	default:
		return fmt.Errorf("unknown -protocol %q", c.flags.protocol)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(c.stdout, "protocol=%s messages=%d bytes=%d rounds=%d retransmissions=%d dropped=%d\n",
		c.flags.protocol, c.flags.messages, result.Bytes, result.Rounds,
		result.Retransmissions, result.Dropped)
	return nil
}

// makePayload returns size bytes of printable data.
func makePayload(size int) []byte {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	payload := make([]byte, size)
	for idx := range payload {
		payload[idx] = alphabet[idx%len(alphabet)]
	}
	return payload
}

// dropped returns the packets dropped by the interfaces of h.
func dropped(h *host.Host) (count int) {
	for _, addr := range append(h.Addresses(), host.LoopbackAddress) {
		count += h.Interface(addr).Stats().Dropped
	}
	return
}
