// SPDX-License-Identifier: GPL-3.0-or-later

// Package closepool tears down the components of a simulated
// network in the reverse order of their creation.
package closepool

import (
	"errors"
	"fmt"
	"io"
	"slices"
)

// component is a named [io.Closer] registered with a [Pool].
type component struct {
	name   string
	closer io.Closer
}

// Pool collects the components of a simulated network, such as
// hosts and links, and closes them in a single operation.
//
// The zero value is ready to use. A pool belongs to the goroutine
// driving the simulation, like the components it closes.
type Pool struct {
	components []component
}

// Add registers c under the given name. The name labels any
// error returned when closing c (e.g., "host client").
func (p *Pool) Add(name string, c io.Closer) {
	p.components = append(p.components, component{name: name, closer: c})
}

// Len returns the number of components still in the pool.
func (p *Pool) Len() int {
	return len(p.components)
}

// Names returns the names of the components still in the pool
// in the order in which they would be closed.
func (p *Pool) Names() []string {
	names := make([]string, 0, len(p.components))
	for _, comp := range slices.Backward(p.components) {
		names = append(names, comp.name)
	}
	return names
}

// Close closes all the components iterating in backward order, so
// that a link registered after its hosts is closed before them.
//
// Each failure is wrapped with the component name and the returned
// error joins all of them. The pool is empty afterwards.
func (p *Pool) Close() error {
	components := p.components
	p.components = nil
	var errv []error
	for _, comp := range slices.Backward(components) {
		if err := comp.closer.Close(); err != nil {
			errv = append(errv, fmt.Errorf("%s: %w", comp.name, err))
		}
	}
	return errors.Join(errv...)
}
