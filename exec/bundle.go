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

package exec

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"

	"github.com/flowfn/harness/element"
	"github.com/flowfn/harness/metrics"
	"github.com/flowfn/harness/mtime"
	"github.com/flowfn/harness/sdf"
	"github.com/flowfn/harness/sideinput"
	"github.com/flowfn/harness/state"
	"github.com/flowfn/harness/timers"
	"github.com/flowfn/harness/window"
)

// Status is the lifecycle state of a bundle.
type Status int

const (
	// Created means the bundle exists but Start has not run.
	Created Status = iota
	// Started means elements and timers may be processed.
	Started
	// Finished means state was flushed and outbound timers closed.
	Finished
	// Broken means a processing or lifecycle error terminated the bundle;
	// nothing was flushed and no further calls are accepted.
	Broken
)

func (s Status) String() string {
	switch s {
	case Created:
		return "Created"
	case Started:
		return "Started"
	case Finished:
		return "Finished"
	case Broken:
		return "Broken"
	default:
		return "Invalid"
	}
}

// BundleOptions wires a bundle to its collaborators. Receiver and
// StateClient are required when the transform outputs or declares state;
// everything else has a usable default.
type BundleOptions struct {
	StateClient   state.Client
	TimerChannels map[string]timers.Channel
	Receiver      Receiver
	Splits        SplitListener
	Finalizer     BundleFinalizer
	Metrics       *metrics.Store
	Clock         clockz.Clock
	Logger        *zap.Logger

	// SideInputCacheSize bounds the side input cache; 0 means the default.
	SideInputCacheSize int

	// InputID names the input this bundle consumes, carried into split
	// applications.
	InputID string
}

// Bundle executes one unit of work against a transform: Start, any number
// of ProcessElement and FireTimer calls, then Finish. Each bundle has its
// own buffered state provider and timer controller; nothing is shared with
// concurrent bundles except the remote services.
//
// All methods except TrySplit must be called from one goroutine.
type Bundle struct {
	id        string
	transform *Transform
	status    Status
	err       error

	stateProvider   *state.Provider
	timerController *timers.Controller
	sideInputs      *sideinput.Cache
	store           *metrics.Store
	receiver        Receiver
	splits          SplitListener
	finalizer       BundleFinalizer
	clock           clockz.Clock
	logger          *zap.Logger
	inputID         string

	// active is the splittable element currently being processed; guarded
	// so TrySplit may run from another goroutine.
	activeMu sync.Mutex
	active   *activeRestriction
}

// NewBundle creates a bundle for the transform. The transform's user setup
// runs on the first bundle's Start, not here.
func NewBundle(t *Transform, opts BundleOptions) (*Bundle, error) {
	if t.tornDown {
		return nil, errors.Errorf("transform %v already torn down", t.ID)
	}
	if opts.Clock == nil {
		opts.Clock = clockz.RealClock
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewStore()
	}
	if opts.SideInputCacheSize == 0 {
		opts.SideInputCacheSize = sideinput.DefaultCacheSize
	}

	b := &Bundle{
		id:        uuid.NewString(),
		transform: t,
		store:     opts.Metrics,
		receiver:  opts.Receiver,
		splits:    opts.Splits,
		finalizer: opts.Finalizer,
		clock:     opts.Clock,
		inputID:   opts.InputID,
	}
	b.logger = opts.Logger.With(zap.String("transform", t.ID), zap.String("bundle", b.id))

	if t.States != nil || opts.StateClient != nil {
		if opts.StateClient == nil {
			return nil, errors.Errorf("transform %v declares state but no state client was given", t.ID)
		}
		reg := t.States
		if reg == nil {
			reg = state.NewRegistry()
		}
		b.stateProvider = state.NewProvider(opts.StateClient, t.ID, reg)
		cache, err := sideinput.NewCache(opts.StateClient, t.ID, opts.SideInputCacheSize)
		if err != nil {
			return nil, err
		}
		b.sideInputs = cache
	}
	if t.Timers != nil {
		tc, err := timers.NewController(t.ID, t.Timers, opts.Clock, opts.TimerChannels)
		if err != nil {
			return nil, err
		}
		b.timerController = tc
	}
	return b, nil
}

// ID returns the bundle's unique id.
func (b *Bundle) ID() string { return b.id }

// Status returns the bundle's lifecycle state.
func (b *Bundle) Status() Status { return b.status }

// Err returns the error that broke the bundle, if any.
func (b *Bundle) Err() error { return b.err }

func (b *Bundle) fail(err error) error {
	b.status = Broken
	if b.err == nil {
		b.err = err
	}
	b.logger.Error("bundle broken", zap.Error(err))
	return err
}

// Start transitions the bundle to Started, running the transform's setup on
// the instance's first bundle and the user's start-bundle function.
func (b *Bundle) Start(ctx context.Context) error {
	if b.status != Created {
		return errors.Errorf("invalid status for bundle %v: %v, want Created", b.id, b.status)
	}
	b.status = Started
	b.logger.Debug("bundle started")

	if err := b.transform.setupOnce(ctx); err != nil {
		return b.fail(err)
	}
	if b.transform.StartBundle != nil {
		if err := b.transform.StartBundle(ctx, &BundleContext{ctx: ctx, b: b}); err != nil {
			return b.fail(errors.Wrap(err, "start bundle"))
		}
	}
	return nil
}

// ProcessElement runs the user function on one windowed value, expanding
// multi-window values into one invocation per window. Elements are processed
// to completion in arrival order. For a splittable transform the value must
// be a SizedElement produced by the split-and-size stage.
func (b *Bundle) ProcessElement(ctx context.Context, wv element.WindowedValue) error {
	if b.status != Started {
		return errors.Errorf("invalid status for bundle %v: %v, want Started", b.id, b.status)
	}
	if b.transform.Splittable != nil {
		return b.processRestriction(ctx, wv)
	}
	if b.transform.Process == nil {
		return b.fail(errors.Errorf("transform %v has no process function", b.transform.ID))
	}
	for _, single := range wv.Explode() {
		ec, err := b.elementContext(ctx, single)
		if err != nil {
			return b.fail(err)
		}
		if err := b.transform.Process(ctx, ec); err != nil {
			return b.fail(errors.Wrapf(err, "processing element %v", single))
		}
	}
	return nil
}

// FireTimer reenters bundle processing for one fired timer. The callback
// binds the same state and timer scopes as element processing for the
// timer's key and window; outputs it emits default to the hold timestamp.
func (b *Bundle) FireTimer(ctx context.Context, t timers.Data) error {
	if b.status != Started {
		return errors.Errorf("invalid status for bundle %v: %v, want Started", b.id, b.status)
	}
	callback, ok := b.transform.OnTimer[t.Family]
	if !ok {
		return b.fail(errors.Errorf("no callback for timer family %q", t.Family))
	}
	w, err := window.Decode(t.Window)
	if err != nil {
		return b.fail(errors.Wrapf(err, "decoding window of timer %v", t))
	}
	ec := &ElementContext{
		Timestamp:  t.Hold,
		Window:     w,
		Pane:       window.NoFiringPane(),
		Key:        t.UserKey,
		SideInputs: b.sideInputs,
		ctx:        ctx,
		b:          b,
	}
	b.bindScopes(ctx, ec, t.UserKey, t.Window)
	if err := callback(ctx, ec, t); err != nil {
		return b.fail(errors.Wrapf(err, "firing timer %v", t))
	}
	return nil
}

// DrainTimers receives and fires inbound timers family by family until none
// is pending, processing each family's timers in arrival order. Timers set
// by the callbacks themselves go outbound and do not fire in this bundle.
func (b *Bundle) DrainTimers(ctx context.Context) error {
	if b.timerController == nil {
		return nil
	}
	for _, family := range b.transform.Timers.Families() {
		for {
			t, ok, err := b.timerController.Receive(family)
			if err != nil {
				return b.fail(err)
			}
			if !ok {
				break
			}
			if err := b.FireTimer(ctx, t); err != nil {
				return err
			}
		}
	}
	return nil
}

// Finish completes the bundle: the user's finish-bundle function runs, then
// all buffered state flushes, then every outbound timer channel closes. It
// must be called exactly once; a broken bundle cannot finish, so an aborted
// bundle never flushes partial state.
func (b *Bundle) Finish(ctx context.Context) error {
	if b.status != Started {
		return errors.Errorf("invalid status for bundle %v: %v, want Started", b.id, b.status)
	}
	if b.transform.FinishBundle != nil {
		if err := b.transform.FinishBundle(ctx, &BundleContext{ctx: ctx, b: b}); err != nil {
			return b.fail(errors.Wrap(err, "finish bundle"))
		}
	}
	if b.stateProvider != nil {
		if err := b.stateProvider.Flush(ctx); err != nil {
			return b.fail(errors.Wrap(err, "flushing state"))
		}
	}
	if b.timerController != nil {
		if err := b.timerController.CloseOutbound(); err != nil {
			return b.fail(err)
		}
	}
	b.status = Finished
	b.logger.Debug("bundle finished")
	return nil
}

// elementContext builds the per-element context for one single-window value.
func (b *Bundle) elementContext(ctx context.Context, single element.WindowedValue) (*ElementContext, error) {
	key, err := b.transform.encodeKey(single.Value)
	if err != nil {
		return nil, err
	}
	// Side inputs are window-keyed, so they bind regardless of whether the
	// element carries a user key.
	ec := &ElementContext{
		Value:      single,
		Timestamp:  single.Timestamp,
		Window:     single.Windows[0],
		Pane:       single.Pane,
		Key:        key,
		SideInputs: b.sideInputs,
		ctx:        ctx,
		b:          b,
	}
	if key != nil {
		encWindow, err := window.Encode(ec.Window)
		if err != nil {
			return nil, errors.Wrap(err, "encoding element window")
		}
		b.bindScopes(ctx, ec, key, encWindow)
	}
	return ec, nil
}

func (b *Bundle) bindScopes(ctx context.Context, ec *ElementContext, key, encWindow []byte) {
	if b.stateProvider != nil {
		ec.State = b.stateProvider.Scope(ctx, key, encWindow)
	}
	if b.timerController != nil {
		ec.Timers = b.timerController.Scope(key, encWindow)
	}
}

// dispatch sends one output value to the receiver and counts it.
func (b *Bundle) dispatch(ctx context.Context, outputID string, wv element.WindowedValue) error {
	if !b.transform.hasOutput(outputID) {
		return errors.Errorf("transform %v has no output %q", b.transform.ID, outputID)
	}
	if b.receiver == nil {
		return errors.Errorf("transform %v has no receiver bound", b.transform.ID)
	}
	if err := b.receiver.Receive(ctx, outputID, wv); err != nil {
		return errors.Wrapf(err, "dispatching to output %q", outputID)
	}
	b.store.ElementCounter(b.transform.ID, outputID).Inc()
	return nil
}

// ElementContext is the invocation context bound to one single-window
// element or one fired timer: a plain struct of the element's envelope and
// the scoped accessors, not a polymorphic hierarchy.
type ElementContext struct {
	// Value is the element being processed. Zero for timer firings.
	Value     element.WindowedValue
	Timestamp mtime.Time
	Window    window.Window
	Pane      window.PaneInfo

	// Key is the encoded user key; nil for unkeyed elements.
	Key []byte

	// State and Timers are bound to this element's key and window; nil when
	// the transform declares none or the element is unkeyed.
	State  *state.Scope
	Timers *timers.Scope

	// SideInputs serves declared side input views.
	SideInputs *sideinput.Cache

	// Tracker and Estimator are set only in a splittable transform's
	// process stage.
	Tracker   sdf.RTracker
	Estimator sdf.WatermarkEstimator

	ctx context.Context
	b   *Bundle
}

// Output emits a value on an output at the element's timestamp, in the
// element's window and pane. Dispatch is synchronous.
func (ec *ElementContext) Output(outputID string, value any) error {
	return ec.OutputAt(outputID, value, ec.Timestamp)
}

// OutputAt emits a value on an output at an explicit timestamp.
func (ec *ElementContext) OutputAt(outputID string, value any, ts mtime.Time) error {
	if ec.Estimator != nil {
		ec.Estimator.ObserveTimestamp(ts)
	}
	return ec.b.dispatch(ec.ctx, outputID, element.WindowedValue{
		Value:     value,
		Timestamp: ts,
		Windows:   []window.Window{ec.Window},
		Pane:      ec.Pane,
	})
}

// Counter returns a user counter attributed to this transform.
func (ec *ElementContext) Counter(name string) metrics.Counter {
	return ec.b.store.Counter(ec.b.transform.ID, name)
}

// RegisterFinalizer registers a callback to run after the bundle's results
// are committed. It fails the element when no finalizer collaborator is
// bound.
func (ec *ElementContext) RegisterFinalizer(f func(ctx context.Context) error) error {
	if ec.b.finalizer == nil {
		return errors.Errorf("transform %v has no bundle finalizer bound", ec.b.transform.ID)
	}
	ec.b.finalizer.RegisterCallback(f)
	return nil
}

// BundleContext is the restricted context passed to the user's start-bundle
// and finish-bundle functions, which run outside any element's window.
type BundleContext struct {
	ctx context.Context
	b   *Bundle
}

// Output emits a value with an explicit timestamp and window.
func (bc *BundleContext) Output(outputID string, value any, ts mtime.Time, w window.Window) error {
	return bc.b.dispatch(bc.ctx, outputID, element.In(value, ts, w))
}

// Counter returns a user counter attributed to this transform.
func (bc *BundleContext) Counter(name string) metrics.Counter {
	return bc.b.store.Counter(bc.b.transform.ID, name)
}
