// SPDX-License-Identifier: GPL-3.0-or-later

/*
Package scenario builds a simulated network from a YAML topology.

A topology lists hosts, each with its addresses, and point-to-point
links between hosts:

	hosts:
	  - name: client
	    addresses: [10.0.0.1]
	  - name: server
	    addresses: [10.0.0.2]
	    bufferSize: 65536
	links:
	  - left: client
	    right: server
	    capacity: 65536

Routers join more than two hosts, forwarding by destination address:

	routers:
	  - name: r1
	    ports:
	      - host: client
	      - host: server
	        address: 10.0.1.2

An interface attaches to at most one link or router. A [*Scenario]
advances in rounds: every host sends up to a byte budget per interface
and then every link and router delivers what it holds.
*/
package scenario

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/rbmk-project/simsock/closepool"
	"github.com/rbmk-project/simsock/host"
	"github.com/rbmk-project/simsock/link"
	"github.com/rbmk-project/simsock/netif"
	"github.com/rbmk-project/simsock/netipx"
	"github.com/rbmk-project/simsock/router"
)

// ErrNotIdle indicates that the network kept moving packets
// for more rounds than allowed.
var ErrNotIdle = errors.New("scenario: network not idle")

// Scenario is a simulated network of hosts and links.
//
// Construct using [New].
type Scenario struct {
	// byName maps host names to hosts.
	byName map[string]*host.Host

	// hosts contains the hosts in configuration order.
	hosts []*host.Host

	// links contains the links in configuration order.
	links []*link.Link

	// pool closes hosts, links and routers in reverse order.
	pool closepool.Pool

	// routers contains the routers in configuration order.
	routers []*router.Router
}

// New creates the hosts and the links described by cfg. The
// logger may be nil, in which case nothing is logged.
func New(cfg *Config, logger *slog.Logger) (*Scenario, error) {
	if len(cfg.Hosts) <= 0 {
		return nil, errNoHosts
	}
	sc := &Scenario{byName: make(map[string]*host.Host)}
	for _, hc := range cfg.Hosts {
		if err := sc.addHost(hc, logger); err != nil {
			sc.Close()
			return nil, err
		}
	}
	attached := make(map[*netif.Interface]bool)
	for idx, lc := range cfg.Links {
		if err := sc.addLink(lc, attached); err != nil {
			sc.Close()
			return nil, fmt.Errorf("scenario: link #%d: %w", idx, err)
		}
	}
	for _, rc := range cfg.Routers {
		if err := sc.addRouter(rc, attached, logger); err != nil {
			sc.Close()
			return nil, fmt.Errorf("scenario: router %q: %w", rc.Name, err)
		}
	}
	if logger != nil {
		logger.Info(
			"scenarioReady",
			slog.Int("hosts", len(sc.hosts)),
			slog.Int("links", len(sc.links)),
			slog.Int("routers", len(sc.routers)),
		)
	}
	return sc, nil
}

// addHost creates the host described by hc.
func (sc *Scenario) addHost(hc HostConfig, logger *slog.Logger) error {
	if _, found := sc.byName[hc.Name]; found {
		return fmt.Errorf("scenario: duplicate host %q", hc.Name)
	}
	addrs, err := netipx.ParseAddrs(hc.Addresses...)
	if err != nil {
		return fmt.Errorf("scenario: host %q: %w", hc.Name, err)
	}
	hcfg := host.NewConfig(hc.Name, addrs...)
	if hc.BufferSize != 0 {
		hcfg.BufferSize = hc.BufferSize
	}
	hcfg.Logger = logger
	for _, rc := range hc.Routes {
		prefix, err := netipx.ParsePrefix(rc.Prefix)
		if err != nil {
			return fmt.Errorf("scenario: host %q: %w", hc.Name, err)
		}
		source, err := netip.ParseAddr(rc.Source)
		if err != nil {
			return fmt.Errorf("scenario: host %q: %w", hc.Name, err)
		}
		hcfg.Routes = append(hcfg.Routes, host.Route{Prefix: prefix, Source: source})
	}
	if err := hcfg.Validate(); err != nil {
		return fmt.Errorf("scenario: %w", err)
	}
	h := host.New(hcfg)
	sc.byName[hc.Name] = h
	sc.hosts = append(sc.hosts, h)
	sc.pool.Add("host "+hc.Name, h)
	return nil
}

// endpoint returns the interface of the named host with the given
// address, or with the first host address when address is empty.
func (sc *Scenario) endpoint(name, address string) (*netif.Interface, error) {
	h := sc.byName[name]
	if h == nil {
		return nil, fmt.Errorf("unknown host %q", name)
	}
	if address == "" {
		addrs := h.Addresses()
		if len(addrs) <= 0 {
			return nil, fmt.Errorf("host %q has no addresses", name)
		}
		return h.Interface(addrs[0]), nil
	}
	addr, err := netip.ParseAddr(address)
	if err != nil {
		return nil, err
	}
	iface := h.Interface(addr)
	if iface == nil || addr == host.LoopbackAddress {
		return nil, fmt.Errorf("host %q has no address %s", name, addr)
	}
	return iface, nil
}

// addLink creates the link described by lc.
func (sc *Scenario) addLink(lc LinkConfig, attached map[*netif.Interface]bool) error {
	left, err := sc.endpoint(lc.Left, lc.LeftAddress)
	if err != nil {
		return err
	}
	right, err := sc.endpoint(lc.Right, lc.RightAddress)
	if err != nil {
		return err
	}
	if left == right {
		return errors.New("both ends use the same interface")
	}
	for _, iface := range []*netif.Interface{left, right} {
		if err := attach(attached, iface); err != nil {
			return err
		}
	}
	lnk := link.New(left, right, lc.Capacity)
	sc.links = append(sc.links, lnk)
	sc.pool.Add(fmt.Sprintf("link %s-%s", lc.Left, lc.Right), lnk)
	return nil
}

// attach marks iface as attached to a link or router.
func attach(attached map[*netif.Interface]bool, iface *netif.Interface) error {
	if attached[iface] {
		return fmt.Errorf("interface %s is already attached", iface.Address())
	}
	attached[iface] = true
	return nil
}

// addRouter creates the router described by rc.
func (sc *Scenario) addRouter(
	rc RouterConfig, attached map[*netif.Interface]bool, logger *slog.Logger) error {
	if len(rc.Ports) < 2 {
		return errors.New("a router needs at least two ports")
	}
	var ifaces []*netif.Interface
	for _, pc := range rc.Ports {
		iface, err := sc.endpoint(pc.Host, pc.Address)
		if err != nil {
			return err
		}
		if err := attach(attached, iface); err != nil {
			return err
		}
		ifaces = append(ifaces, iface)
	}
	r := router.New(rc.Capacity, logger)
	for _, iface := range ifaces {
		r.Attach(iface)
	}
	sc.routers = append(sc.routers, r)
	sc.pool.Add("router "+rc.Name, r)
	return nil
}

// Host returns the host with the given name or nil.
func (sc *Scenario) Host(name string) *host.Host {
	return sc.byName[name]
}

// Hosts returns the hosts in configuration order.
func (sc *Scenario) Hosts() []*host.Host {
	return append([]*host.Host{}, sc.hosts...)
}

// Router returns the router at the given configuration index or nil.
func (sc *Scenario) Router(idx int) *router.Router {
	if idx < 0 || idx >= len(sc.routers) {
		return nil
	}
	return sc.routers[idx]
}

// Step runs a single round and returns the bytes sent by hosts
// plus the packets delivered by links and routers.
func (sc *Scenario) Step(budget int) int {
	var moved int
	for _, h := range sc.hosts {
		moved += h.Step(budget)
	}
	for _, lnk := range sc.links {
		moved += lnk.Deliver()
	}
	for _, r := range sc.routers {
		moved += r.Deliver()
	}
	return moved
}

// Run runs the given number of rounds and returns what moved.
func (sc *Scenario) Run(rounds, budget int) int {
	var moved int
	for range rounds {
		moved += sc.Step(budget)
	}
	return moved
}

// idle returns whether no interface has pending output.
func (sc *Scenario) idle() bool {
	for _, h := range sc.hosts {
		if h.Pending() {
			return false
		}
	}
	return true
}

// RunUntilIdle runs rounds until one moves nothing and leaves
// no pending output, and returns the number of rounds run. It
// returns [ErrNotIdle] after maxRounds rounds.
func (sc *Scenario) RunUntilIdle(maxRounds, budget int) (int, error) {
	for round := 1; round <= maxRounds; round++ {
		if sc.Step(budget) <= 0 && sc.idle() {
			return round, nil
		}
	}
	return maxRounds, ErrNotIdle
}

// Close closes the routers, then the links and then the hosts.
func (sc *Scenario) Close() error {
	return sc.pool.Close()
}
