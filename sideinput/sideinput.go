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

// Package sideinput reads window-keyed auxiliary datasets during element
// processing. Reads map the element's window through the side input's
// windowing mapping function, then go through a read-through cache over the
// multimap-shaped state store. Side inputs are read-only; nothing is ever
// written back.
package sideinput

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/flowfn/harness/coders"
	"github.com/flowfn/harness/state"
	"github.com/flowfn/harness/window"
)

// DefaultCacheSize bounds the number of (side input, access window) entries
// a cache holds before evicting least recently used ones.
const DefaultCacheSize = 100

type cacheKey struct {
	id     string
	window string
}

// Cache is a bundle-scoped read-through cache of side input contents, keyed
// by (side input id, access window). Each pair is fetched from the state
// store at most once while it stays resident.
type Cache struct {
	client      state.Client
	transformID string
	entries     *lru.Cache[cacheKey, []byte]
	fetches     int
}

// NewCache returns a cache over the given state client. size bounds the
// resident entries; pass DefaultCacheSize unless profiling says otherwise.
func NewCache(client state.Client, transformID string, size int) (*Cache, error) {
	entries, err := lru.New[cacheKey, []byte](size)
	if err != nil {
		return nil, errors.Wrap(err, "creating side input cache")
	}
	return &Cache{client: client, transformID: transformID, entries: entries}, nil
}

// fetch returns the raw concatenated contents for a side input in one access
// window, consulting the store only on a cache miss.
func (c *Cache) fetch(ctx context.Context, id string, accessWindow []byte) ([]byte, error) {
	ck := cacheKey{id: id, window: string(accessWindow)}
	if data, ok := c.entries.Get(ck); ok {
		return data, nil
	}
	key := state.Key{
		TransformID: c.transformID,
		StateID:     id,
		Window:      accessWindow,
	}
	data, err := c.client.Get(ctx, key)
	if err != nil {
		return nil, errors.Wrapf(err, "reading side input %v", key)
	}
	c.fetches++
	c.entries.Add(ck, data)
	return data, nil
}

// Fetches reports how many remote reads the cache has issued.
func (c *Cache) Fetches() int {
	return c.fetches
}

// access resolves the element window to the side input's access window and
// returns that window's raw contents.
func (c *Cache) access(ctx context.Context, id string, mapping window.MappingFn, w window.Window) ([]byte, error) {
	accessWindow, err := window.Encode(mapping(w))
	if err != nil {
		return nil, errors.Wrapf(err, "encoding access window for side input %q", id)
	}
	return c.fetch(ctx, id, accessWindow)
}

// Singleton is a side input holding at most one value per access window.
type Singleton[T any] struct {
	id         string
	coder      coders.Coder[T]
	mapping    window.MappingFn
	def        T
	hasDefault bool
}

// NewSingleton declares a singleton side input. mapping converts an element
// window into the side input's access window; use window.IdentityMapping
// when both sides share a windowing strategy.
func NewSingleton[T any](id string, c coders.Coder[T], mapping window.MappingFn) Singleton[T] {
	return Singleton[T]{id: id, coder: c, mapping: mapping}
}

// WithDefault returns a copy of the view that resolves an empty access
// window to the given value instead of an error.
func (s Singleton[T]) WithDefault(def T) Singleton[T] {
	s.def = def
	s.hasDefault = true
	return s
}

// ID returns the declared side input id.
func (s Singleton[T]) ID() string { return s.id }

// Read returns the side input's value for the element window. An access
// window with no backing data yields the declared default, or an error when
// no default was declared.
func (s Singleton[T]) Read(ctx context.Context, c *Cache, w window.Window) (T, error) {
	var zero T
	data, err := c.access(ctx, s.id, s.mapping, w)
	if err != nil {
		return zero, err
	}
	if len(data) == 0 {
		if s.hasDefault {
			return s.def, nil
		}
		return zero, errors.Errorf("side input %q empty in window %v and no default declared", s.id, w)
	}
	got, err := coders.DecodeFromBytes(s.coder, data)
	if err != nil {
		return zero, errors.Wrapf(err, "decoding side input %q", s.id)
	}
	return got, nil
}

// Iterable is a side input holding an ordered sequence per access window.
type Iterable[T any] struct {
	id      string
	coder   coders.Coder[T]
	mapping window.MappingFn
}

// NewIterable declares an iterable side input.
func NewIterable[T any](id string, c coders.Coder[T], mapping window.MappingFn) Iterable[T] {
	return Iterable[T]{id: id, coder: c, mapping: mapping}
}

// ID returns the declared side input id.
func (it Iterable[T]) ID() string { return it.id }

// Read returns the side input's contents for the element window, in stored
// order. An access window with no backing data yields an empty sequence.
func (it Iterable[T]) Read(ctx context.Context, c *Cache, w window.Window) ([]T, error) {
	data, err := c.access(ctx, it.id, it.mapping, w)
	if err != nil {
		return nil, err
	}
	out, err := coders.DecodeAll(it.coder, data)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding side input %q", it.id)
	}
	return out, nil
}
