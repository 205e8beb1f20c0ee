// Licensed to the Apache Software Foundation (ASF) under one or more
// contributor license agreements.  See the NOTICE file distributed with
// this work for additional information regarding copyright ownership.
// The ASF licenses this file to You under the Apache License, Version 2.0
// (the "License"); you may not use this file except in compliance with
// the License.  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package state

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// cellKey identifies one buffered piece of state within a bundle.
type cellKey struct {
	stateID string
	userKey string
	window  string
}

// cell buffers all reads and mutations for one (state id, user key, window)
// triple for the lifetime of a bundle. The remote store is consulted at most
// once per cell.
type cell struct {
	key Key

	loaded bool   // remote contents fetched
	remote []byte // concatenated encoded values as stored remotely

	cleared bool     // a clear precedes the pending appends
	pending [][]byte // individually encoded appends, in issue order
	dirty   bool

	// finalize, when set, rewrites the pending mutations into their flushed
	// form just before the flush emits them. Combining state uses it to
	// collapse remote and local accumulators into one.
	finalize func(ctx context.Context) error
}

// Provider buffers state access for one transform over one bundle. Reads go
// through per-cell caches, mutations accumulate in memory, and Flush sends
// the net effect to the store when the bundle finishes cleanly. A bundle that
// fails never flushes, so no partial mutations reach the store.
//
// Provider is not safe for concurrent use; a bundle processes elements one at
// a time.
type Provider struct {
	client      Client
	transformID string
	reg         *Registry

	cells map[cellKey]*cell
	// order records cells in the order their first mutation was issued.
	// Flush replays mutations in this order.
	order []*cell

	fetches int // remote Get calls issued, for introspection
}

// NewProvider returns a provider for one transform's state over one bundle.
func NewProvider(client Client, transformID string, reg *Registry) *Provider {
	return &Provider{
		client:      client,
		transformID: transformID,
		reg:         reg,
		cells:       map[cellKey]*cell{},
	}
}

// Scope binds the provider to one element's user key and window. Accessor
// methods on the typed views take a Scope.
func (p *Provider) Scope(ctx context.Context, userKey, window []byte) *Scope {
	return &Scope{p: p, ctx: ctx, userKey: userKey, window: window}
}

// Scope is a provider bound to one element's user key and window. It is
// valid only while that element (or a timer callback for that key) is being
// processed.
type Scope struct {
	p       *Provider
	ctx     context.Context
	userKey []byte
	window  []byte
}

// cell returns the buffered cell for a state id in this scope, creating it
// on first access. The declared kind is checked so a view bound to the wrong
// id fails on first use rather than corrupting state.
func (s *Scope) cell(id string, kind Kind) (*cell, error) {
	declared, ok := s.p.reg.Kind(id)
	if !ok {
		return nil, errors.Errorf("state id %q not declared by transform %v", id, s.p.transformID)
	}
	if declared != kind {
		return nil, errors.Errorf("state id %q declared as %v, accessed as %v", id, declared, kind)
	}
	ck := cellKey{stateID: id, userKey: string(s.userKey), window: string(s.window)}
	c, ok := s.p.cells[ck]
	if !ok {
		c = &cell{key: Key{
			TransformID: s.p.transformID,
			StateID:     id,
			UserKey:     s.userKey,
			Window:      s.window,
		}}
		s.p.cells[ck] = c
	}
	return c, nil
}

// load fetches the cell's remote contents if they have not been fetched and
// are still relevant. A cell cleared before any read never touches the store.
func (s *Scope) load(c *cell) error {
	return s.p.load(s.ctx, c)
}

func (p *Provider) load(ctx context.Context, c *cell) error {
	if c.loaded || c.cleared {
		return nil
	}
	data, err := p.client.Get(ctx, c.key)
	if err != nil {
		return errors.Wrapf(err, "reading state %v", c.key)
	}
	p.fetches++
	c.remote = data
	c.loaded = true
	return nil
}

// mark registers the cell as mutated, recording flush order on the first
// mutation.
func (s *Scope) mark(c *cell) {
	if !c.dirty {
		c.dirty = true
		s.p.order = append(s.p.order, c)
	}
}

// Fetches reports how many remote reads the provider has issued. A key that
// is only written, or whose reads were all served from pending mutations,
// costs no fetch.
func (p *Provider) Fetches() int {
	return p.fetches
}

// Flush sends the net buffered mutations to the store, in the order each
// key's first mutation was issued within the bundle. Keys that were only
// read are skipped. Errors on individual keys do not stop the flush; all
// failures are combined into the returned error.
func (p *Provider) Flush(ctx context.Context) error {
	var errs error
	for _, c := range p.order {
		if c.finalize != nil {
			if err := c.finalize(ctx); err != nil {
				errs = multierr.Append(errs, errors.Wrapf(err, "finalizing state %v", c.key))
				continue
			}
		}
		if c.cleared {
			if err := p.client.Clear(ctx, c.key); err != nil {
				errs = multierr.Append(errs, errors.Wrapf(err, "clearing state %v", c.key))
				continue
			}
		}
		if len(c.pending) > 0 {
			var data []byte
			for _, b := range c.pending {
				data = append(data, b...)
			}
			if err := p.client.Append(ctx, c.key, data); err != nil {
				errs = multierr.Append(errs, errors.Wrapf(err, "appending state %v", c.key))
			}
		}
	}
	return errs
}
