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

// Package timers schedules and receives timers keyed by (transform, timer
// family, user key, window). Each declared family gets one logical channel
// to the timer service; sets and clears are sent outbound immediately, and
// inbound firings are handed back to the bundle in arrival order.
package timers

import (
	"fmt"
	"time"

	"github.com/flowfn/harness/mtime"
)

// Domain distinguishes when a timer family's timers fire: against the event
// time watermark or against the processing time clock.
type Domain int

const (
	EventTimeDomain Domain = iota
	ProcessingTimeDomain
)

func (d Domain) String() string {
	switch d {
	case EventTimeDomain:
		return "event-time"
	case ProcessingTimeDomain:
		return "processing-time"
	default:
		return fmt.Sprintf("domain(%d)", int(d))
	}
}

// Data is one timer record on the wire. Setting a timer for the same
// (user key, window) in a family replaces any previously set, not-yet-fired
// timer; the service delivers each set at most once. A record with Clear set
// removes the pending timer instead.
type Data struct {
	TransformID string
	Family      string
	UserKey     []byte
	Window      []byte

	// Hold is the output timestamp: outputs emitted from the firing
	// callback default to it, and the watermark is held at it until the
	// timer fires.
	Hold mtime.Time
	// Fire is when the timer fires, in the family's domain.
	Fire  mtime.Time
	Clear bool
}

func (d Data) String() string {
	if d.Clear {
		return fmt.Sprintf("clear %v key:%q win:%q", d.Family, d.UserKey, d.Window)
	}
	return fmt.Sprintf("set %v key:%q win:%q fire:%v hold:%v", d.Family, d.UserKey, d.Window, d.Fire, d.Hold)
}

// Registry is the table of timer families a transform declares, built once
// at transform construction and looked up by family name when timers are set
// or fire.
type Registry struct {
	domains map[string]Domain
	order   []string
}

// NewRegistry returns an empty timer family registry.
func NewRegistry() *Registry {
	return &Registry{domains: map[string]Domain{}}
}

func (r *Registry) add(family string, d Domain) {
	if family == "" {
		panic("timer family must not be empty")
	}
	if prev, ok := r.domains[family]; ok {
		panic(fmt.Sprintf("timer family %q already declared as %v", family, prev))
	}
	r.domains[family] = d
	r.order = append(r.order, family)
}

// Domain returns the declared domain for a family.
func (r *Registry) Domain(family string) (Domain, bool) {
	d, ok := r.domains[family]
	return d, ok
}

// Families returns the declared family names, in declaration order.
func (r *Registry) Families() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// EventTime is a typed view over an event time timer family.
type EventTime struct {
	family string
}

// MakeEventTime declares an event time timer family and returns its view.
func MakeEventTime(r *Registry, family string) EventTime {
	r.add(family, EventTimeDomain)
	return EventTime{family: family}
}

// Family returns the declared family name.
func (t EventTime) Family() string { return t.family }

// Set schedules the timer to fire when the event time watermark passes fire.
// The hold timestamp defaults to the fire timestamp. A fire timestamp behind
// the current watermark is accepted and forwarded unchanged; admission policy
// belongs to the timer service.
func (t EventTime) Set(s *Scope, fire mtime.Time) error {
	return s.set(t.family, EventTimeDomain, fire, fire)
}

// SetWithHold schedules the timer with an explicit output hold timestamp.
func (t EventTime) SetWithHold(s *Scope, fire, hold mtime.Time) error {
	return s.set(t.family, EventTimeDomain, fire, hold)
}

// Clear removes any pending timer for the scoped key and window.
func (t EventTime) Clear(s *Scope) error {
	return s.clear(t.family, EventTimeDomain)
}

// ProcessingTime is a typed view over a processing time timer family.
type ProcessingTime struct {
	family string
}

// MakeProcessingTime declares a processing time timer family and returns its
// view.
func MakeProcessingTime(r *Registry, family string) ProcessingTime {
	r.add(family, ProcessingTimeDomain)
	return ProcessingTime{family: family}
}

// Family returns the declared family name.
func (t ProcessingTime) Family() string { return t.family }

// Set schedules the timer to fire at an absolute processing time.
func (t ProcessingTime) Set(s *Scope, fire mtime.Time) error {
	return s.set(t.family, ProcessingTimeDomain, fire, fire)
}

// SetWithHold schedules the timer with an explicit output hold timestamp.
func (t ProcessingTime) SetWithHold(s *Scope, fire, hold mtime.Time) error {
	return s.set(t.family, ProcessingTimeDomain, fire, hold)
}

// Clear removes any pending timer for the scoped key and window.
func (t ProcessingTime) Clear(s *Scope) error {
	return s.clear(t.family, ProcessingTimeDomain)
}

// Offset prepares a relative timer. The fire timestamp is resolved against
// the controller's clock when SetRelative is called, not when Offset is.
func (t ProcessingTime) Offset(d time.Duration) ProcessingTimeOffset {
	return ProcessingTimeOffset{family: t.family, offset: d}
}

// ProcessingTimeOffset is a processing time timer with a relative fire delay.
type ProcessingTimeOffset struct {
	family string
	offset time.Duration
}

// SetRelative schedules the timer to fire the configured offset after the
// controller clock's current time.
func (o ProcessingTimeOffset) SetRelative(s *Scope) error {
	fire := mtime.FromTime(s.c.clock.Now()).Add(o.offset)
	return s.set(o.family, ProcessingTimeDomain, fire, fire)
}
