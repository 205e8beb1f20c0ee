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

	"github.com/flowfn/harness/coders"
)

// Value is a typed view over last-write-wins scalar state. The zero Value is
// not usable; declare views through MakeValue at transform construction.
type Value[T any] struct {
	id    string
	coder coders.Coder[T]
}

// MakeValue declares a value state id on the registry and returns its view.
func MakeValue[T any](r *Registry, id string, c coders.Coder[T]) Value[T] {
	r.add(id, KindValue)
	return Value[T]{id: id, coder: c}
}

// ID returns the declared state id.
func (v Value[T]) ID() string { return v.id }

// Read returns the current value for the scoped key and window. The second
// return is false when the value has never been written or was cleared. A
// write earlier in the bundle is visible without a store round trip.
func (v Value[T]) Read(s *Scope) (T, bool, error) {
	var zero T
	c, err := s.cell(v.id, KindValue)
	if err != nil {
		return zero, false, err
	}
	if len(c.pending) > 0 {
		got, err := coders.DecodeFromBytes(v.coder, c.pending[len(c.pending)-1])
		if err != nil {
			return zero, false, errors.Wrapf(err, "decoding buffered value %v", c.key)
		}
		return got, true, nil
	}
	if c.cleared {
		return zero, false, nil
	}
	if err := s.load(c); err != nil {
		return zero, false, err
	}
	if len(c.remote) == 0 {
		return zero, false, nil
	}
	got, err := coders.DecodeFromBytes(v.coder, c.remote)
	if err != nil {
		return zero, false, errors.Wrapf(err, "decoding value %v", c.key)
	}
	return got, true, nil
}

// Write buffers a new value. The store sees a clear followed by a single
// append at flush; a key that is only ever written costs no remote read.
func (v Value[T]) Write(s *Scope, val T) error {
	c, err := s.cell(v.id, KindValue)
	if err != nil {
		return err
	}
	data, err := coders.EncodeToBytes(v.coder, val)
	if err != nil {
		return errors.Wrapf(err, "encoding value %v", c.key)
	}
	c.cleared = true
	c.pending = [][]byte{data}
	s.mark(c)
	return nil
}

// Clear buffers removal of the value.
func (v Value[T]) Clear(s *Scope) error {
	c, err := s.cell(v.id, KindValue)
	if err != nil {
		return err
	}
	c.cleared = true
	c.pending = nil
	s.mark(c)
	return nil
}

// Bag is a typed view over ordered append-only sequence state.
type Bag[T any] struct {
	id    string
	coder coders.Coder[T]
}

// MakeBag declares a bag state id on the registry and returns its view.
func MakeBag[T any](r *Registry, id string, c coders.Coder[T]) Bag[T] {
	r.add(id, KindBag)
	return Bag[T]{id: id, coder: c}
}

// ID returns the declared state id.
func (b Bag[T]) ID() string { return b.id }

// Read returns the bag's contents: the stored elements in append order,
// followed by elements appended earlier in this bundle, in issue order.
func (b Bag[T]) Read(s *Scope) ([]T, error) {
	c, err := s.cell(b.id, KindBag)
	if err != nil {
		return nil, err
	}
	var out []T
	if !c.cleared {
		if err := s.load(c); err != nil {
			return nil, err
		}
		out, err = coders.DecodeAll(b.coder, c.remote)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding bag %v", c.key)
		}
	}
	for _, p := range c.pending {
		got, err := coders.DecodeFromBytes(b.coder, p)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding buffered bag element %v", c.key)
		}
		out = append(out, got)
	}
	return out, nil
}

// Append buffers one element onto the end of the bag.
func (b Bag[T]) Append(s *Scope, val T) error {
	c, err := s.cell(b.id, KindBag)
	if err != nil {
		return err
	}
	data, err := coders.EncodeToBytes(b.coder, val)
	if err != nil {
		return errors.Wrapf(err, "encoding bag element %v", c.key)
	}
	c.pending = append(c.pending, data)
	s.mark(c)
	return nil
}

// Clear buffers removal of the bag's contents. Elements appended after the
// clear survive it.
func (b Bag[T]) Clear(s *Scope) error {
	c, err := s.cell(b.id, KindBag)
	if err != nil {
		return err
	}
	c.cleared = true
	c.pending = nil
	s.mark(c)
	return nil
}

// Combining is a typed view over accumulator state driven by a Combiner.
// Inputs added during the bundle fold into a local accumulator; the stored
// accumulator is only fetched when the result is read or at flush, where the
// two are merged into a single stored accumulator.
type Combining[A, I, O any] struct {
	id       string
	coder    coders.Coder[A]
	combiner Combiner[A, I, O]
}

// MakeCombining declares a combining state id on the registry and returns
// its view. The coder encodes accumulators, not inputs or outputs.
func MakeCombining[A, I, O any](r *Registry, id string, c coders.Coder[A], comb Combiner[A, I, O]) Combining[A, I, O] {
	r.add(id, KindCombining)
	return Combining[A, I, O]{id: id, coder: c, combiner: comb}
}

// ID returns the declared state id.
func (cb Combining[A, I, O]) ID() string { return cb.id }

// localAccum decodes the buffered local accumulator, or creates a fresh one
// when nothing has been added this bundle.
func (cb Combining[A, I, O]) localAccum(c *cell) (A, error) {
	if len(c.pending) == 0 {
		return cb.combiner.CreateAccumulator(), nil
	}
	return coders.DecodeFromBytes(cb.coder, c.pending[0])
}

// remoteAccum merges every accumulator stored under the key into one. The
// store may hold several when prior bundles appended without compaction.
func (cb Combining[A, I, O]) remoteAccum(s *Scope, c *cell) (A, error) {
	if c.cleared {
		return cb.combiner.CreateAccumulator(), nil
	}
	if err := s.load(c); err != nil {
		var zero A
		return zero, err
	}
	accums, err := coders.DecodeAll(cb.coder, c.remote)
	if err != nil {
		var zero A
		return zero, errors.Wrapf(err, "decoding accumulators %v", c.key)
	}
	merged := cb.combiner.CreateAccumulator()
	for _, a := range accums {
		merged = cb.combiner.MergeAccumulators(merged, a)
	}
	return merged, nil
}

// Add folds one input into the local accumulator. No store round trip is
// made; merging with the stored accumulator is deferred to Read or flush.
func (cb Combining[A, I, O]) Add(s *Scope, in I) error {
	c, err := s.cell(cb.id, KindCombining)
	if err != nil {
		return err
	}
	a, err := cb.localAccum(c)
	if err != nil {
		return errors.Wrapf(err, "decoding buffered accumulator %v", c.key)
	}
	a = cb.combiner.AddInput(a, in)
	enc, err := coders.EncodeToBytes(cb.coder, a)
	if err != nil {
		return errors.Wrapf(err, "encoding accumulator %v", c.key)
	}
	c.pending = [][]byte{enc}
	s.mark(c)
	if c.finalize == nil {
		c.finalize = func(ctx context.Context) error {
			return cb.compact(s.p, ctx, c)
		}
	}
	return nil
}

// Read merges the stored and local accumulators and extracts the output.
func (cb Combining[A, I, O]) Read(s *Scope) (O, error) {
	var zero O
	c, err := s.cell(cb.id, KindCombining)
	if err != nil {
		return zero, err
	}
	remote, err := cb.remoteAccum(s, c)
	if err != nil {
		return zero, err
	}
	local, err := cb.localAccum(c)
	if err != nil {
		return zero, errors.Wrapf(err, "decoding buffered accumulator %v", c.key)
	}
	return cb.combiner.ExtractOutput(cb.combiner.MergeAccumulators(remote, local)), nil
}

// Clear buffers removal of the accumulator, discarding local additions.
func (cb Combining[A, I, O]) Clear(s *Scope) error {
	c, err := s.cell(cb.id, KindCombining)
	if err != nil {
		return err
	}
	c.cleared = true
	c.pending = nil
	c.finalize = nil
	s.mark(c)
	return nil
}

// compact rewrites the cell so the flush replaces the stored accumulators
// with the single merged accumulator.
func (cb Combining[A, I, O]) compact(p *Provider, ctx context.Context, c *cell) error {
	local, err := cb.localAccum(c)
	if err != nil {
		return err
	}
	merged := local
	if !c.cleared {
		if err := p.load(ctx, c); err != nil {
			return err
		}
		accums, err := coders.DecodeAll(cb.coder, c.remote)
		if err != nil {
			return err
		}
		for _, a := range accums {
			merged = cb.combiner.MergeAccumulators(merged, a)
		}
	}
	enc, err := coders.EncodeToBytes(cb.coder, merged)
	if err != nil {
		return err
	}
	c.cleared = true
	c.pending = [][]byte{enc}
	return nil
}
