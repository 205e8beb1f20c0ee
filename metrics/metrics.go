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

// Package metrics counts per-step element throughput and user-defined
// counters. Updates are local in-memory operations attributed to the active
// step; snapshots are taken atomically for export, and a sink pushes counter
// deltas into a Prometheus registry.
package metrics

import (
	"sync"

	"go.uber.org/atomic"
)

// ElementCount is the counter name under which the runner records elements
// dispatched to each output. The output id is carried in Key.Output.
const ElementCount = "element_count"

// Key attributes one counter: the step (transform) it was incremented under,
// the counter name, and for throughput counters the output id.
type Key struct {
	Step   string
	Name   string
	Output string
}

// Store holds counter cells. Increments are wait-free on the hot path; the
// cell map itself is guarded for the rare first-touch insert. A Store may be
// read by a progress reporter while a bundle is incrementing.
type Store struct {
	mu    sync.RWMutex
	cells map[Key]*atomic.Int64
}

// NewStore returns an empty metrics store.
func NewStore() *Store {
	return &Store{cells: map[Key]*atomic.Int64{}}
}

func (s *Store) cell(k Key) *atomic.Int64 {
	s.mu.RLock()
	c, ok := s.cells[k]
	s.mu.RUnlock()
	if ok {
		return c
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.cells[k]; ok {
		return c
	}
	c = atomic.NewInt64(0)
	s.cells[k] = c
	return c
}

// Counter returns an increment handle for a user counter on a step. Handles
// are cheap and need not be retained.
func (s *Store) Counter(step, name string) Counter {
	return Counter{cell: s.cell(Key{Step: step, Name: name})}
}

// ElementCounter returns the throughput counter for one output of a step.
func (s *Store) ElementCounter(step, outputID string) Counter {
	return Counter{cell: s.cell(Key{Step: step, Name: ElementCount, Output: outputID})}
}

// Snapshot returns a point-in-time copy of every counter. Cells incremented
// concurrently may or may not have the concurrent increment included, but
// each cell's value is itself consistent.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Snapshot{Counters: make(map[Key]int64, len(s.cells))}
	for k, c := range s.cells {
		out.Counters[k] = c.Load()
	}
	return out
}

// Counter increments one cell.
type Counter struct {
	cell *atomic.Int64
}

// Inc adds one to the counter.
func (c Counter) Inc() {
	c.cell.Inc()
}

// Add adds n to the counter.
func (c Counter) Add(n int64) {
	c.cell.Add(n)
}

// Value returns the counter's current value.
func (c Counter) Value() int64 {
	return c.cell.Load()
}

// Snapshot is an exported point-in-time view of a store.
type Snapshot struct {
	Counters map[Key]int64
}
