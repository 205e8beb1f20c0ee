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

// Package exec runs a user transform against a stream of windowed values:
// the bundle lifecycle (start, process, finish, teardown), the per-element
// context binding state, timers and side inputs, and the splittable element
// stages (pair with restriction, split and size, process with checkpointing).
package exec

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/flowfn/harness/element"
	"github.com/flowfn/harness/mtime"
	"github.com/flowfn/harness/sdf"
	"github.com/flowfn/harness/state"
	"github.com/flowfn/harness/timers"
)

// ProcessFn is the main-path user function, invoked once per single-window
// element.
type ProcessFn func(ctx context.Context, ec *ElementContext) error

// TimerFn is a timer firing callback. It binds the same state and timer
// context as element processing, so it may mutate state or set more timers.
type TimerFn func(ctx context.Context, ec *ElementContext, t timers.Data) error

// Transform describes one user transform: its declarations (states, timer
// families, outputs), its user functions, and for splittable transforms the
// restriction hooks. It is built once and shared by every bundle; all
// per-bundle mutable context lives on Bundle. Declarations are explicit
// registration tables, looked up by string id at bind time.
type Transform struct {
	ID string

	// Outputs lists the declared output ids. The first is the main output.
	Outputs []string

	// States and Timers are the declared state ids and timer families.
	// Either may be nil for a transform that declares none.
	States *state.Registry
	Timers *timers.Registry

	// EncodeKey extracts the encoded user key from an element value. When
	// nil, element.KV keys of type []byte or string are handled; other
	// keyed values need an explicit encoder.
	EncodeKey func(value any) ([]byte, error)

	// Lifecycle functions. Any may be nil. Setup runs once per transform
	// instance, StartBundle and FinishBundle once per bundle, Teardown once
	// at end of the instance's life.
	Setup        func(ctx context.Context) error
	StartBundle  func(ctx context.Context, bc *BundleContext) error
	Process      ProcessFn
	OnTimer      map[string]TimerFn
	FinishBundle func(ctx context.Context, bc *BundleContext) error
	Teardown     func(ctx context.Context) error

	// Splittable holds the restriction hooks; nil for ordinary transforms.
	Splittable *SplittableHooks

	setupDone bool
	tornDown  bool
}

// SplittableHooks are the user-declared functions of a splittable transform.
// Only CreateRestriction and Process are required; the others default to the
// offset range policies.
type SplittableHooks struct {
	// CreateRestriction produces the initial restriction for a raw element.
	CreateRestriction func(value element.WindowedValue) (any, error)

	// InitialEstimatorState produces the watermark estimator state paired
	// with the initial restriction. Defaults to the minimum timestamp.
	InitialEstimatorState func(value element.WindowedValue, restriction any) (any, error)

	// SplitRestriction partitions an initial restriction into
	// sub-restrictions. Defaults to bisecting offset ranges.
	SplitRestriction func(value element.WindowedValue, restriction any) ([]any, error)

	// RestrictionSize weighs one restriction. Defaults to the offset range
	// span.
	RestrictionSize func(value element.WindowedValue, restriction any) (float64, error)

	// CreateTracker builds the tracker the process stage claims against.
	// Defaults to the offset range tracker.
	CreateTracker func(restriction any) (sdf.RTracker, error)

	// CreateEstimator rebuilds a watermark estimator from persisted state.
	// Defaults to a manual estimator starting at the state's timestamp.
	CreateEstimator func(estimatorState any) (sdf.WatermarkEstimator, error)

	// Process consumes the restriction, claiming positions on the tracker
	// before emitting the outputs tied to them.
	Process func(ctx context.Context, ec *ElementContext) (sdf.ProcessContinuation, error)
}

// Receiver accepts dispatched output values. Dispatch is immediate and
// synchronous; the runner never buffers outputs.
type Receiver interface {
	Receive(ctx context.Context, outputID string, value element.WindowedValue) error
}

// SplitListener accepts split results. Primary applications are committed as
// done; residual applications are rescheduled by the collaborator.
type SplitListener interface {
	OnSplit(primaries []Application, residuals []DelayedApplication)
}

// BundleFinalizer registers callbacks to run after the bundle's results are
// committed. Registration is a pass-through to the collaborator.
type BundleFinalizer interface {
	RegisterCallback(f func(ctx context.Context) error)
}

// Application is the deferred remainder of one splittable element: enough to
// process the residual restriction as if it were a fresh element.
type Application struct {
	TransformID    string
	InputID        string
	Element        element.WindowedValue
	Restriction    any
	EstimatorState any

	// OutputWatermarks holds, per output id, the watermark the residual's
	// outputs are held at: the estimator's watermark at the split.
	OutputWatermarks map[string]mtime.Time
}

// DelayedApplication is a residual application with an explicit delay before
// it should be rescheduled.
type DelayedApplication struct {
	Application Application
	ResumeDelay time.Duration
}

// PairedElement is a raw element paired with its initial restriction and
// estimator state by the pair-with-restriction stage.
type PairedElement struct {
	Element        element.WindowedValue
	Restriction    any
	EstimatorState any
}

// SizedElement is one sub-restriction with its size estimate, produced by
// the split-and-size stage and consumed by the process stage.
type SizedElement struct {
	PairedElement
	Size float64
}

// TeardownTransform runs the user teardown exactly once for the transform
// instance. The transform is unusable afterwards; creating a bundle on a
// torn down transform fails.
func (t *Transform) TeardownTransform(ctx context.Context) error {
	if t.tornDown {
		return errors.Errorf("transform %v already torn down", t.ID)
	}
	t.tornDown = true
	if t.Teardown != nil {
		if err := t.Teardown(ctx); err != nil {
			return errors.Wrapf(err, "teardown of transform %v", t.ID)
		}
	}
	return nil
}

// setupOnce runs the user setup the first time a bundle starts.
func (t *Transform) setupOnce(ctx context.Context) error {
	if t.setupDone {
		return nil
	}
	t.setupDone = true
	if t.Setup != nil {
		if err := t.Setup(ctx); err != nil {
			return errors.Wrapf(err, "setup of transform %v", t.ID)
		}
	}
	return nil
}

// encodeKey resolves the encoded user key for an element value.
func (t *Transform) encodeKey(value any) ([]byte, error) {
	if t.EncodeKey != nil {
		return t.EncodeKey(value)
	}
	kv, ok := value.(element.KV)
	if !ok {
		return nil, nil
	}
	switch k := kv.Key.(type) {
	case []byte:
		return k, nil
	case string:
		return []byte(k), nil
	default:
		return nil, errors.Errorf("transform %v: no key encoder for key type %T", t.ID, kv.Key)
	}
}

// mainOutput returns the main output id.
func (t *Transform) mainOutput() string {
	if len(t.Outputs) == 0 {
		return ""
	}
	return t.Outputs[0]
}

func (t *Transform) hasOutput(id string) bool {
	for _, o := range t.Outputs {
		if o == id {
			return true
		}
	}
	return false
}
