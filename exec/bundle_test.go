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
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/zoobzio/clockz"

	"github.com/flowfn/harness/coders"
	"github.com/flowfn/harness/element"
	"github.com/flowfn/harness/metrics"
	"github.com/flowfn/harness/mtime"
	"github.com/flowfn/harness/sideinput"
	"github.com/flowfn/harness/state"
	"github.com/flowfn/harness/timers"
	"github.com/flowfn/harness/window"
)

func interval(start, end mtime.Time) window.IntervalWindow {
	return window.IntervalWindow{Start: start, End: end}
}

// memStateClient is an in-memory state store for bundle tests.
type memStateClient struct {
	data   map[string][]byte
	writes int
}

func newMemStateClient() *memStateClient {
	return &memStateClient{data: map[string][]byte{}}
}

func stateKeyOf(key state.Key) string {
	return fmt.Sprintf("%v/%q/%q", key.StateID, key.UserKey, key.Window)
}

func (m *memStateClient) Get(ctx context.Context, key state.Key) ([]byte, error) {
	return m.data[stateKeyOf(key)], nil
}

func (m *memStateClient) Append(ctx context.Context, key state.Key, data []byte) error {
	m.writes++
	k := stateKeyOf(key)
	m.data[k] = append(m.data[k], data...)
	return nil
}

func (m *memStateClient) Clear(ctx context.Context, key state.Key) error {
	m.writes++
	delete(m.data, stateKeyOf(key))
	return nil
}

func (m *memStateClient) seedStrings(t *testing.T, key state.Key, vals ...string) {
	t.Helper()
	var data []byte
	for _, v := range vals {
		b, err := coders.EncodeToBytes(coders.String(), v)
		if err != nil {
			t.Fatalf("encoding %q: %v", v, err)
		}
		data = append(data, b...)
	}
	m.data[stateKeyOf(key)] = data
}

func (m *memStateClient) readStrings(t *testing.T, key state.Key) []string {
	t.Helper()
	out, err := coders.DecodeAll(coders.String(), m.data[stateKeyOf(key)])
	if err != nil {
		t.Fatalf("decoding stored state %v: %v", key, err)
	}
	return out
}

// collectReceiver records dispatched outputs in order.
type collectReceiver struct {
	got []string
}

func (r *collectReceiver) Receive(ctx context.Context, outputID string, wv element.WindowedValue) error {
	r.got = append(r.got, fmt.Sprintf("%v:%v@%v", outputID, wv.Value, wv.Timestamp))
	return nil
}

// values strips the output id and timestamp decoration.
func (r *collectReceiver) values() []string {
	out := make([]string, len(r.got))
	for i, g := range r.got {
		out[i] = g[strings.Index(g, ":")+1 : strings.LastIndex(g, "@")]
	}
	return out
}

// concatCombiner joins strings with commas; merging is concatenation.
type concatCombiner struct{}

func (concatCombiner) CreateAccumulator() string { return "" }
func (concatCombiner) AddInput(a, i string) string {
	return concatCombiner{}.MergeAccumulators(a, i)
}
func (concatCombiner) MergeAccumulators(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "," + b
	}
}
func (concatCombiner) ExtractOutput(a string) string { return a }

func kvIn(key, value string, ts mtime.Time) element.WindowedValue {
	return element.TimestampedInGlobalWindow(element.KV{Key: key, Value: value}, ts)
}

// TestStatefulScenario drives a bundle over keyed elements reading and
// mutating value, bag and combining state: every reading reflects the key's
// state before that element's own mutation, and the flush leaves the net
// result per key.
func TestStatefulScenario(t *testing.T) {
	ctx := context.Background()
	client := newMemStateClient()

	states := state.NewRegistry()
	valueView := state.MakeValue[string](states, "value", coders.String())
	bagView := state.MakeBag[string](states, "bag", coders.String())
	combineView := state.MakeCombining[string, string, string](states, "combine", coders.String(), concatCombiner{})

	client.seedStrings(t, state.Key{TransformID: "stateful", StateID: "bag", UserKey: []byte("X")}, "X0")

	tr := &Transform{
		ID:      "stateful",
		Outputs: []string{"main"},
		States:  states,
		Process: func(ctx context.Context, ec *ElementContext) error {
			elem := ec.Value.Value.(element.KV).Value.(string)
			v, _, err := valueView.Read(ec.State)
			if err != nil {
				return err
			}
			if err := ec.Output("main", "value:"+v); err != nil {
				return err
			}
			bag, err := bagView.Read(ec.State)
			if err != nil {
				return err
			}
			if err := ec.Output("main", "bag:"+strings.Join(bag, ",")); err != nil {
				return err
			}
			combined, err := combineView.Read(ec.State)
			if err != nil {
				return err
			}
			if err := ec.Output("main", "combine:"+combined); err != nil {
				return err
			}
			if err := valueView.Write(ec.State, elem); err != nil {
				return err
			}
			if err := bagView.Append(ec.State, elem); err != nil {
				return err
			}
			return combineView.Add(ec.State, elem)
		},
	}

	recv := &collectReceiver{}
	b, err := NewBundle(tr, BundleOptions{StateClient: client, Receiver: recv})
	if err != nil {
		t.Fatalf("NewBundle failed: %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	for i, in := range []element.WindowedValue{
		kvIn("X", "X1", 1000),
		kvIn("Y", "Y1", 1100),
		kvIn("X", "X2", 1200),
		kvIn("Y", "Y2", 1300),
	} {
		if err := b.ProcessElement(ctx, in); err != nil {
			t.Fatalf("ProcessElement %v failed: %v", i, err)
		}
	}
	if err := b.Finish(ctx); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	want := []string{
		"value:", "bag:X0", "combine:",
		"value:", "bag:", "combine:",
		"value:X1", "bag:X0,X1", "combine:X1",
		"value:Y1", "bag:Y1", "combine:Y1",
	}
	if d := cmp.Diff(want, recv.values()); d != "" {
		t.Errorf("outputs mismatch (-want +got):\n%v", d)
	}

	// Net stored state after the flush.
	for _, tc := range []struct {
		stateID string
		key     string
		want    []string
	}{
		{"bag", "X", []string{"X0", "X1", "X2"}},
		{"bag", "Y", []string{"Y1", "Y2"}},
		{"value", "X", []string{"X2"}},
		{"value", "Y", []string{"Y2"}},
		{"combine", "X", []string{"X1,X2"}},
		{"combine", "Y", []string{"Y1,Y2"}},
	} {
		got := client.readStrings(t, state.Key{TransformID: "stateful", StateID: tc.stateID, UserKey: []byte(tc.key)})
		if d := cmp.Diff(tc.want, got); d != "" {
			t.Errorf("stored %v[%v] mismatch (-want +got):\n%v", tc.stateID, tc.key, d)
		}
	}
}

// TestSideInputDuringProcessing reads a singleton side input from the element
// context. Side inputs are keyed by window alone, so the view resolves for
// keyed and unkeyed elements alike.
func TestSideInputDuringProcessing(t *testing.T) {
	ctx := context.Background()
	view := sideinput.NewSingleton[string]("greeting", coders.String(), window.IdentityMapping).WithDefault("hello")

	tests := []struct {
		name string
		in   element.WindowedValue
		seed []string
		want string
	}{
		{
			name: "unkeyedDefault",
			in:   element.InGlobalWindow("raw"),
			want: "hello",
		},
		{
			name: "keyedBacked",
			in:   kvIn("X", "X1", 0),
			seed: []string{"bonjour"},
			want: "bonjour",
		},
		{
			name: "unkeyedBacked",
			in:   element.InGlobalWindow("raw"),
			seed: []string{"bonjour"},
			want: "bonjour",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			client := newMemStateClient()
			if test.seed != nil {
				client.seedStrings(t, state.Key{TransformID: "enriched", StateID: "greeting"}, test.seed...)
			}
			tr := &Transform{
				ID:      "enriched",
				Outputs: []string{"main"},
				Process: func(ctx context.Context, ec *ElementContext) error {
					got, err := view.Read(ctx, ec.SideInputs, ec.Window)
					if err != nil {
						return err
					}
					return ec.Output("main", got)
				},
			}
			recv := &collectReceiver{}
			b, err := NewBundle(tr, BundleOptions{StateClient: client, Receiver: recv})
			if err != nil {
				t.Fatalf("NewBundle failed: %v", err)
			}
			if err := b.Start(ctx); err != nil {
				t.Fatalf("Start failed: %v", err)
			}
			if err := b.ProcessElement(ctx, test.in); err != nil {
				t.Fatalf("ProcessElement failed: %v", err)
			}
			if err := b.Finish(ctx); err != nil {
				t.Fatalf("Finish failed: %v", err)
			}
			if d := cmp.Diff([]string{test.want}, recv.values()); d != "" {
				t.Errorf("outputs mismatch (-want +got):\n%v", d)
			}
		})
	}
}

// TestTimerScenario covers timer scheduling and reentrant firing: element
// processing sets an event timer with an explicit hold and a relative
// processing time timer; fired timers reenter with the same state bindings
// and output at the hold timestamp.
func TestTimerScenario(t *testing.T) {
	ctx := context.Background()
	clock := clockz.NewFakeClock()
	client := newMemStateClient()

	states := state.NewRegistry()
	firedView := state.MakeBag[string](states, "fired", coders.String())

	timerReg := timers.NewRegistry()
	eventTimer := timers.MakeEventTime(timerReg, "event")
	processingTimer := timers.MakeProcessingTime(timerReg, "processing")
	eventCh := timers.NewMemChannel()
	processingCh := timers.NewMemChannel()

	tr := &Transform{
		ID:      "timed",
		Outputs: []string{"main"},
		States:  states,
		Timers:  timerReg,
		Process: func(ctx context.Context, ec *ElementContext) error {
			if err := eventTimer.SetWithHold(ec.Timers, ec.Timestamp.Add(time.Second), ec.Timestamp); err != nil {
				return err
			}
			if err := processingTimer.Offset(2 * time.Second).SetRelative(ec.Timers); err != nil {
				return err
			}
			return ec.Output("main", "processed")
		},
		OnTimer: map[string]TimerFn{
			"event": func(ctx context.Context, ec *ElementContext, td timers.Data) error {
				// The callback sees the same state bindings as element
				// processing and may set further timers.
				if err := firedView.Append(ec.State, fmt.Sprintf("fired@%v", td.Fire)); err != nil {
					return err
				}
				if err := eventTimer.Set(ec.Timers, td.Fire.Add(time.Minute)); err != nil {
					return err
				}
				return ec.Output("main", "event-fired")
			},
			"processing": func(ctx context.Context, ec *ElementContext, td timers.Data) error {
				return ec.Output("main", "processing-fired")
			},
		},
	}

	recv := &collectReceiver{}
	b, err := NewBundle(tr, BundleOptions{
		StateClient: client,
		Receiver:    recv,
		Clock:       clock,
		TimerChannels: map[string]timers.Channel{
			"event":      eventCh,
			"processing": processingCh,
		},
	})
	if err != nil {
		t.Fatalf("NewBundle failed: %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := b.ProcessElement(ctx, kvIn("X", "X1", 10000)); err != nil {
		t.Fatalf("ProcessElement failed: %v", err)
	}

	// The event timer carries the explicit hold; the relative timer fires
	// the offset past the clock's current time.
	sent := eventCh.Sent()
	if len(sent) != 1 || sent[0].Fire != 11000 || sent[0].Hold != 10000 {
		t.Fatalf("event timer sent %v, want fire=11000 hold=10000", sent)
	}
	wantFire := mtime.FromTime(clock.Now()).Add(2 * time.Second)
	if got := processingCh.Sent()[0].Fire; got != wantFire {
		t.Errorf("relative timer fired at %v, want %v", got, wantFire)
	}

	// Fire pending timers in order; the event callback's own timer must
	// stay pending rather than firing in the same drain.
	eventCh.FirePending()
	processingCh.FirePending()
	if err := b.DrainTimers(ctx); err != nil {
		t.Fatalf("DrainTimers failed: %v", err)
	}
	if got := eventCh.Pending(); len(got) != 1 || got[0].Fire != mtime.Time(11000).Add(time.Minute) {
		t.Errorf("callback timer pending = %v, want one firing a minute later", got)
	}

	if err := b.Finish(ctx); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if !eventCh.IsOutboundClosed() || !processingCh.IsOutboundClosed() {
		t.Error("outbound timer channels not closed on Finish")
	}

	// The event callback's output carries the hold timestamp.
	wantOutputs := []string{
		"main:processed@10000",
		"main:event-fired@10000",
		fmt.Sprintf("main:processing-fired@%v", wantFire),
	}
	if d := cmp.Diff(wantOutputs, recv.got); d != "" {
		t.Errorf("outputs mismatch (-want +got):\n%v", d)
	}

	// The callback's state mutation flushed with the bundle.
	got := client.readStrings(t, state.Key{TransformID: "timed", StateID: "fired", UserKey: []byte("X")})
	if d := cmp.Diff([]string{"fired@11000"}, got); d != "" {
		t.Errorf("callback state mismatch (-want +got):\n%v", d)
	}
}

// TestTimerOrdering verifies timers delivered [t1, t2, t3] on one family
// fire in exactly that order.
func TestTimerOrdering(t *testing.T) {
	ctx := context.Background()
	timerReg := timers.NewRegistry()
	timers.MakeEventTime(timerReg, "event")
	eventCh := timers.NewMemChannel()

	var fired []string
	tr := &Transform{
		ID:      "ordered",
		Outputs: []string{"main"},
		Timers:  timerReg,
		OnTimer: map[string]TimerFn{
			"event": func(ctx context.Context, ec *ElementContext, td timers.Data) error {
				fired = append(fired, string(td.UserKey))
				return nil
			},
		},
	}
	b, err := NewBundle(tr, BundleOptions{
		TimerChannels: map[string]timers.Channel{"event": eventCh},
	})
	if err != nil {
		t.Fatalf("NewBundle failed: %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	for _, key := range []string{"t1", "t2", "t3"} {
		eventCh.Deliver(timers.Data{Family: "event", UserKey: []byte(key)})
	}
	if err := b.DrainTimers(ctx); err != nil {
		t.Fatalf("DrainTimers failed: %v", err)
	}
	if d := cmp.Diff([]string{"t1", "t2", "t3"}, fired); d != "" {
		t.Errorf("firing order mismatch (-want +got):\n%v", d)
	}
}

func TestLifecycleMisuse(t *testing.T) {
	ctx := context.Background()
	newTestBundle := func(t *testing.T) *Bundle {
		t.Helper()
		tr := &Transform{
			ID:      "plain",
			Outputs: []string{"main"},
			Process: func(ctx context.Context, ec *ElementContext) error {
				return ec.Output("main", ec.Value.Value)
			},
		}
		b, err := NewBundle(tr, BundleOptions{Receiver: &collectReceiver{}})
		if err != nil {
			t.Fatalf("NewBundle failed: %v", err)
		}
		return b
	}

	t.Run("processBeforeStart", func(t *testing.T) {
		b := newTestBundle(t)
		if err := b.ProcessElement(ctx, element.InGlobalWindow("e")); err == nil {
			t.Error("ProcessElement before Start succeeded")
		}
	})
	t.Run("finishBeforeStart", func(t *testing.T) {
		b := newTestBundle(t)
		if err := b.Finish(ctx); err == nil {
			t.Error("Finish before Start succeeded")
		}
	})
	t.Run("doubleStart", func(t *testing.T) {
		b := newTestBundle(t)
		if err := b.Start(ctx); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if err := b.Start(ctx); err == nil {
			t.Error("second Start succeeded")
		}
	})
	t.Run("doubleFinish", func(t *testing.T) {
		b := newTestBundle(t)
		if err := b.Start(ctx); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if err := b.Finish(ctx); err != nil {
			t.Fatalf("Finish failed: %v", err)
		}
		if err := b.Finish(ctx); err == nil {
			t.Error("second Finish succeeded")
		}
	})
}

// TestAbortedBundleNeverFlushes verifies the all-or-nothing flush contract:
// a user error breaks the bundle, Finish refuses to run and the store sees
// no writes.
func TestAbortedBundleNeverFlushes(t *testing.T) {
	ctx := context.Background()
	client := newMemStateClient()
	states := state.NewRegistry()
	valueView := state.MakeValue[string](states, "value", coders.String())

	boom := fmt.Errorf("user function exploded")
	calls := 0
	tr := &Transform{
		ID:      "aborting",
		Outputs: []string{"main"},
		States:  states,
		Process: func(ctx context.Context, ec *ElementContext) error {
			calls++
			if err := valueView.Write(ec.State, "pending"); err != nil {
				return err
			}
			if calls == 2 {
				return boom
			}
			return nil
		},
	}
	b, err := NewBundle(tr, BundleOptions{StateClient: client, Receiver: &collectReceiver{}})
	if err != nil {
		t.Fatalf("NewBundle failed: %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := b.ProcessElement(ctx, kvIn("X", "X1", 0)); err != nil {
		t.Fatalf("first element failed: %v", err)
	}
	err = b.ProcessElement(ctx, kvIn("X", "X2", 0))
	if !strings.Contains(fmt.Sprint(err), "exploded") {
		t.Fatalf("ProcessElement error = %v, want the user error", err)
	}
	if b.Status() != Broken {
		t.Errorf("bundle status = %v, want Broken", b.Status())
	}
	if err := b.Finish(ctx); err == nil {
		t.Error("Finish on a broken bundle succeeded")
	}
	if client.writes != 0 {
		t.Errorf("broken bundle wrote %v times to the store, want 0", client.writes)
	}
}

func TestTeardownOnce(t *testing.T) {
	ctx := context.Background()
	torn := 0
	tr := &Transform{
		ID:       "plain",
		Outputs:  []string{"main"},
		Process:  func(ctx context.Context, ec *ElementContext) error { return nil },
		Teardown: func(ctx context.Context) error { torn++; return nil },
	}
	if err := tr.TeardownTransform(ctx); err != nil {
		t.Fatalf("TeardownTransform failed: %v", err)
	}
	if err := tr.TeardownTransform(ctx); err == nil {
		t.Error("second TeardownTransform succeeded")
	}
	if torn != 1 {
		t.Errorf("user teardown ran %v times, want 1", torn)
	}
	if _, err := NewBundle(tr, BundleOptions{Receiver: &collectReceiver{}}); err == nil {
		t.Error("NewBundle on a torn down transform succeeded")
	}
}

func TestSetupOncePerInstance(t *testing.T) {
	ctx := context.Background()
	setups := 0
	tr := &Transform{
		ID:      "plain",
		Outputs: []string{"main"},
		Setup:   func(ctx context.Context) error { setups++; return nil },
		Process: func(ctx context.Context, ec *ElementContext) error { return nil },
	}
	for i := 0; i < 3; i++ {
		b, err := NewBundle(tr, BundleOptions{Receiver: &collectReceiver{}})
		if err != nil {
			t.Fatalf("NewBundle %v failed: %v", i, err)
		}
		if err := b.Start(ctx); err != nil {
			t.Fatalf("Start %v failed: %v", i, err)
		}
		if err := b.Finish(ctx); err != nil {
			t.Fatalf("Finish %v failed: %v", i, err)
		}
	}
	if setups != 1 {
		t.Errorf("user setup ran %v times over 3 bundles, want 1", setups)
	}
}

// TestMultiWindowExpansion verifies a value in N windows is processed once
// per window.
func TestMultiWindowExpansion(t *testing.T) {
	ctx := context.Background()
	var windows []string
	tr := &Transform{
		ID:      "windowed",
		Outputs: []string{"main"},
		Process: func(ctx context.Context, ec *ElementContext) error {
			windows = append(windows, fmt.Sprint(ec.Window))
			return ec.Output("main", ec.Value.Value)
		},
	}
	recv := &collectReceiver{}
	store := metrics.NewStore()
	b, err := NewBundle(tr, BundleOptions{Receiver: recv, Metrics: store})
	if err != nil {
		t.Fatalf("NewBundle failed: %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	multi := element.In("e", 500, interval(0, 1000))
	multi.Windows = append(multi.Windows, interval(1000, 2000), interval(2000, 3000))
	if err := b.ProcessElement(ctx, multi); err != nil {
		t.Fatalf("ProcessElement failed: %v", err)
	}
	if len(windows) != 3 {
		t.Fatalf("processed %v windows, want 3: %v", len(windows), windows)
	}
	if got := store.ElementCounter("windowed", "main").Value(); got != 3 {
		t.Errorf("element count = %v, want 3", got)
	}
}

func TestUndeclaredOutput(t *testing.T) {
	ctx := context.Background()
	tr := &Transform{
		ID:      "plain",
		Outputs: []string{"main"},
		Process: func(ctx context.Context, ec *ElementContext) error {
			return ec.Output("sidechannel", "x")
		},
	}
	b, err := NewBundle(tr, BundleOptions{Receiver: &collectReceiver{}})
	if err != nil {
		t.Fatalf("NewBundle failed: %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := b.ProcessElement(ctx, element.InGlobalWindow("e")); err == nil {
		t.Error("output to an undeclared id succeeded")
	}
}

// recordingFinalizer collects registered post-commit callbacks.
type recordingFinalizer struct {
	callbacks []func(ctx context.Context) error
}

func (f *recordingFinalizer) RegisterCallback(cb func(ctx context.Context) error) {
	f.callbacks = append(f.callbacks, cb)
}

func TestBundleFinalization(t *testing.T) {
	ctx := context.Background()
	fin := &recordingFinalizer{}
	tr := &Transform{
		ID:      "finalizing",
		Outputs: []string{"main"},
		Process: func(ctx context.Context, ec *ElementContext) error {
			return ec.RegisterFinalizer(func(ctx context.Context) error { return nil })
		},
	}
	b, err := NewBundle(tr, BundleOptions{Receiver: &collectReceiver{}, Finalizer: fin})
	if err != nil {
		t.Fatalf("NewBundle failed: %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := b.ProcessElement(ctx, element.InGlobalWindow("e")); err != nil {
		t.Fatalf("ProcessElement failed: %v", err)
	}
	if len(fin.callbacks) != 1 {
		t.Errorf("registered %v finalization callbacks, want 1", len(fin.callbacks))
	}
}
