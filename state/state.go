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

// Package state implements typed views over a keyed remote state store with
// per-bundle write buffering. Reads fetch through a cache scoped to the
// bundle; writes, appends and clears are buffered in memory and sent to the
// store in one flush when the bundle finishes.
package state

import (
	"context"
	"fmt"
)

// Key uniquely addresses one piece of keyed state: a state id declared by a
// transform, scoped to one user key in one window. State for two different
// keys within the same window never interferes.
type Key struct {
	TransformID string
	StateID     string
	UserKey     []byte
	Window      []byte
}

func (k Key) String() string {
	return fmt.Sprintf("%v/%v key:%q win:%q", k.TransformID, k.StateID, k.UserKey, k.Window)
}

// Client is the remote state store collaborator. Bytes are opaque to the
// store; encoding and decoding of typed values happens at the accessor
// boundary. Get returns the concatenation of every value appended under the
// key, or an empty slice when the key is absent.
type Client interface {
	Get(ctx context.Context, key Key) ([]byte, error)
	Append(ctx context.Context, key Key, data []byte) error
	Clear(ctx context.Context, key Key) error
}

// Kind discriminates the merge discipline of a state id.
type Kind int

const (
	// KindValue is last-write-wins scalar state.
	KindValue Kind = iota
	// KindBag is ordered append-only sequence state.
	KindBag
	// KindCombining is commutative-associative accumulator state.
	KindCombining
)

func (k Kind) String() string {
	switch k {
	case KindValue:
		return "value"
	case KindBag:
		return "bag"
	case KindCombining:
		return "combining"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Registry is the table of state ids a transform declares, built once at
// transform construction. Accessors are looked up by string id at bind time;
// accessing an undeclared id is a programming error surfaced on first use.
type Registry struct {
	kinds map[string]Kind
}

// NewRegistry returns an empty state registry.
func NewRegistry() *Registry {
	return &Registry{kinds: map[string]Kind{}}
}

func (r *Registry) add(id string, k Kind) {
	if id == "" {
		panic("state id must not be empty")
	}
	if prev, ok := r.kinds[id]; ok {
		panic(fmt.Sprintf("state id %q already declared as %v", id, prev))
	}
	r.kinds[id] = k
}

// Kind returns the declared kind for a state id.
func (r *Registry) Kind(id string) (Kind, bool) {
	k, ok := r.kinds[id]
	return k, ok
}

// IDs returns the declared state ids, in no particular order.
func (r *Registry) IDs() []string {
	out := make([]string, 0, len(r.kinds))
	for id := range r.kinds {
		out = append(out, id)
	}
	return out
}

// Combiner folds inputs of type I into an accumulator A and extracts an
// output O. MergeAccumulators must be commutative and associative; the
// accessor relies on that to fold locally buffered inputs independently of
// the remotely stored accumulator.
type Combiner[A, I, O any] interface {
	CreateAccumulator() A
	AddInput(a A, i I) A
	MergeAccumulators(a, b A) A
	ExtractOutput(a A) O
}
