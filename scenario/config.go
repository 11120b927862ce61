// SPDX-License-Identifier: GPL-3.0-or-later

package scenario

import (
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Config describes the topology of a simulated network.
type Config struct {
	// Hosts contains the hosts.
	Hosts []HostConfig `yaml:"hosts"`

	// Links contains the links between hosts.
	Links []LinkConfig `yaml:"links,omitempty"`

	// Routers contains the routers joining several hosts.
	Routers []RouterConfig `yaml:"routers,omitempty"`
}

// HostConfig describes a host.
type HostConfig struct {
	// Addresses contains the host addresses.
	Addresses []string `yaml:"addresses"`

	// BufferSize is the OPTIONAL socket buffer size.
	BufferSize int `yaml:"bufferSize,omitempty"`

	// Name is the unique host name.
	Name string `yaml:"name"`

	// Routes contains the OPTIONAL source address selection rules.
	Routes []RouteConfig `yaml:"routes,omitempty"`
}

// RouteConfig describes a source address selection rule.
type RouteConfig struct {
	// Prefix is the destination prefix.
	Prefix string `yaml:"prefix"`

	// Source is the local source address.
	Source string `yaml:"source"`
}

// LinkConfig describes a link between two hosts.
type LinkConfig struct {
	// Capacity is the OPTIONAL per-direction capacity in bytes.
	Capacity int `yaml:"capacity,omitempty"`

	// Left is the name of the first host.
	Left string `yaml:"left"`

	// LeftAddress is the OPTIONAL address of the first host to
	// attach the link to, which defaults to its first address.
	LeftAddress string `yaml:"leftAddress,omitempty"`

	// Right is the name of the second host.
	Right string `yaml:"right"`

	// RightAddress is like LeftAddress for the second host.
	RightAddress string `yaml:"rightAddress,omitempty"`
}

// RouterConfig describes a router.
type RouterConfig struct {
	// Capacity is the OPTIONAL per-port ingress capacity in bytes.
	Capacity int `yaml:"capacity,omitempty"`

	// Name is the router name, used in error messages.
	Name string `yaml:"name"`

	// Ports contains the attached host interfaces.
	Ports []PortConfig `yaml:"ports"`
}

// PortConfig describes a host interface attached to a router.
type PortConfig struct {
	// Address is the OPTIONAL interface address, which defaults
	// to the first host address.
	Address string `yaml:"address,omitempty"`

	// Host is the host name.
	Host string `yaml:"host"`
}

// Load parses a YAML [*Config] rejecting unknown fields.
func Load(r io.Reader) (*Config, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("scenario: cannot parse config: %w", err)
	}
	return &cfg, nil
}

// Marshal serializes the [*Config] to YAML.
func (cfg *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(cfg)
}

// errNoHosts indicates a config without hosts.
var errNoHosts = errors.New("scenario: no hosts")
