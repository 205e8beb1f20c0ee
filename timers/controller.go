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

package timers

import (
	"github.com/pkg/errors"
	"github.com/zoobzio/clockz"
	"go.uber.org/multierr"

	"github.com/flowfn/harness/mtime"
)

// Channel is the logical endpoint for one (transform, timer family) pair.
// Sends are synchronous; Receive returns ok=false when no timer is ready,
// which with IsInboundClosed lets the caller distinguish "drained for now"
// from "no more timers will ever arrive".
type Channel interface {
	Send(d Data) error
	Receive() (Data, bool, error)
	CloseOutbound() error
	IsOutboundClosed() bool
	IsInboundClosed() bool
}

// Controller multiplexes a bundle's timer traffic over one channel per
// declared family. It is scoped to one bundle; CloseOutbound is part of the
// bundle's finish and must happen exactly once.
//
// Controller is not safe for concurrent use; a bundle processes elements one
// at a time.
type Controller struct {
	transformID string
	reg         *Registry
	clock       clockz.Clock
	channels    map[string]Channel
	closed      bool
}

// NewController returns a controller over the given per-family channels.
// Every declared family must be given a channel. Pass clockz.RealClock
// outside of tests; the clock resolves relative processing time timers.
func NewController(transformID string, reg *Registry, clock clockz.Clock, channels map[string]Channel) (*Controller, error) {
	for _, family := range reg.Families() {
		if _, ok := channels[family]; !ok {
			return nil, errors.Errorf("no channel for declared timer family %q", family)
		}
	}
	for family := range channels {
		if _, ok := reg.Domain(family); !ok {
			return nil, errors.Errorf("channel for undeclared timer family %q", family)
		}
	}
	return &Controller{
		transformID: transformID,
		reg:         reg,
		clock:       clock,
		channels:    channels,
	}, nil
}

// Scope binds the controller to one element's user key and window. Timer
// views take a Scope, the same shape as state access.
func (c *Controller) Scope(userKey, window []byte) *Scope {
	return &Scope{c: c, userKey: userKey, window: window}
}

// Receive returns the next inbound timer for a family, in arrival order.
// ok is false when none is pending; check Quiescent to learn whether more
// can still arrive.
func (c *Controller) Receive(family string) (Data, bool, error) {
	ch, ok := c.channels[family]
	if !ok {
		return Data{}, false, errors.Errorf("timer family %q not declared", family)
	}
	return ch.Receive()
}

// Quiescent reports whether every family's inbound side has been closed by
// the remote end, meaning no further timers will arrive for this bundle.
func (c *Controller) Quiescent() bool {
	for _, ch := range c.channels {
		if !ch.IsInboundClosed() {
			return false
		}
	}
	return true
}

// CloseOutbound closes every family's outbound side. It is called once when
// the bundle finishes; closing twice is a lifecycle error.
func (c *Controller) CloseOutbound() error {
	if c.closed {
		return errors.New("timer controller outbound already closed")
	}
	c.closed = true
	var errs error
	for family, ch := range c.channels {
		if err := ch.CloseOutbound(); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "closing outbound timer channel %q", family))
		}
	}
	return errs
}

// Scope is a controller bound to one element's user key and window.
type Scope struct {
	c       *Controller
	userKey []byte
	window  []byte
}

func (s *Scope) send(family string, domain Domain, d Data) error {
	declared, ok := s.c.reg.Domain(family)
	if !ok {
		return errors.Errorf("timer family %q not declared by transform %v", family, s.c.transformID)
	}
	if declared != domain {
		return errors.Errorf("timer family %q declared as %v, used as %v", family, declared, domain)
	}
	if s.c.closed {
		return errors.Errorf("timer set on family %q after outbound close", family)
	}
	if err := s.c.channels[family].Send(d); err != nil {
		return errors.Wrapf(err, "sending timer on family %q", family)
	}
	return nil
}

// set sends a timer immediately rather than buffering it to bundle end, so
// the service observes it as soon as processing yields.
func (s *Scope) set(family string, domain Domain, fire, hold mtime.Time) error {
	return s.send(family, domain, Data{
		TransformID: s.c.transformID,
		Family:      family,
		UserKey:     s.userKey,
		Window:      s.window,
		Fire:        fire,
		Hold:        hold,
	})
}

func (s *Scope) clear(family string, domain Domain) error {
	return s.send(family, domain, Data{
		TransformID: s.c.transformID,
		Family:      family,
		UserKey:     s.userKey,
		Window:      s.window,
		Clear:       true,
	})
}
