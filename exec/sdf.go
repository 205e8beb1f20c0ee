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

	"github.com/pkg/errors"

	"github.com/flowfn/harness/element"
	"github.com/flowfn/harness/mtime"
	"github.com/flowfn/harness/sdf"
	"github.com/flowfn/harness/sdf/offsetrange"
)

// PairWithRestriction pairs each raw element with its initial restriction
// and watermark estimator state. It is the first of the three splittable
// stages and holds no per-bundle state of its own.
type PairWithRestriction struct {
	Transform *Transform
	Out       Receiver
}

// ProcessElement emits one PairedElement per assigned window of the input.
func (n *PairWithRestriction) ProcessElement(ctx context.Context, wv element.WindowedValue) error {
	hooks := n.Transform.Splittable
	if hooks == nil {
		return errors.Errorf("transform %v is not splittable", n.Transform.ID)
	}
	for _, single := range wv.Explode() {
		rest, err := hooks.CreateRestriction(single)
		if err != nil {
			return errors.Wrapf(err, "creating restriction for %v", single)
		}
		estState, err := hooks.initialEstimatorState(single, rest)
		if err != nil {
			return errors.Wrapf(err, "creating estimator state for %v", single)
		}
		out := single.WithValue(PairedElement{
			Element:        single,
			Restriction:    rest,
			EstimatorState: estState,
		})
		if err := n.Out.Receive(ctx, n.Transform.mainOutput(), out); err != nil {
			return err
		}
	}
	return nil
}

// SplitAndSizeRestrictions partitions each initial restriction into sized
// sub-restrictions ahead of processing. The default policy bisects offset
// ranges and weighs each part by its span.
type SplitAndSizeRestrictions struct {
	Transform *Transform
	Out       Receiver
}

// ProcessElement emits one SizedElement per sub-restriction.
func (n *SplitAndSizeRestrictions) ProcessElement(ctx context.Context, wv element.WindowedValue) error {
	hooks := n.Transform.Splittable
	if hooks == nil {
		return errors.Errorf("transform %v is not splittable", n.Transform.ID)
	}
	pe, ok := wv.Value.(PairedElement)
	if !ok {
		return errors.Errorf("split stage expects a PairedElement, got %T", wv.Value)
	}
	splits, err := hooks.splitRestriction(pe.Element, pe.Restriction)
	if err != nil {
		return errors.Wrapf(err, "splitting restriction %v", pe.Restriction)
	}
	if len(splits) == 0 {
		return errors.Errorf("restriction %v split into zero sub-restrictions", pe.Restriction)
	}
	for _, rest := range splits {
		size, err := hooks.restrictionSize(pe.Element, rest)
		if err != nil {
			return errors.Wrapf(err, "sizing restriction %v", rest)
		}
		if size < 0 {
			return errors.Errorf("restriction %v has negative size %v", rest, size)
		}
		out := wv.WithValue(SizedElement{
			PairedElement: PairedElement{
				Element:        pe.Element,
				Restriction:    rest,
				EstimatorState: pe.EstimatorState,
			},
			Size: size,
		})
		if err := n.Out.Receive(ctx, n.Transform.mainOutput(), out); err != nil {
			return err
		}
	}
	return nil
}

// activeRestriction is the splittable element currently under the user
// function, retained so an external split can reach its tracker.
type activeRestriction struct {
	tracker   *sdf.LockRTracker
	estimator sdf.WatermarkEstimator
	elem      element.WindowedValue
}

// processRestriction is the process stage for one sized element: build the
// tracker and estimator, run the user function, then resolve its
// continuation into either completion or a checkpointed residual.
func (b *Bundle) processRestriction(ctx context.Context, wv element.WindowedValue) error {
	hooks := b.transform.Splittable
	se, ok := wv.Value.(SizedElement)
	if !ok {
		return b.fail(errors.Errorf("process stage expects a SizedElement, got %T", wv.Value))
	}
	if hooks.Process == nil {
		return b.fail(errors.Errorf("transform %v has no splittable process function", b.transform.ID))
	}

	rt, err := hooks.createTracker(se.Restriction)
	if err != nil {
		return b.fail(err)
	}
	tracker := sdf.NewLockRTracker(rt)
	estimator, err := hooks.createEstimator(se.EstimatorState)
	if err != nil {
		return b.fail(err)
	}

	ec, err := b.elementContext(ctx, se.Element)
	if err != nil {
		return b.fail(err)
	}
	ec.Tracker = tracker
	ec.Estimator = estimator

	b.activeMu.Lock()
	b.active = &activeRestriction{tracker: tracker, estimator: estimator, elem: se.Element}
	b.activeMu.Unlock()

	cont, err := hooks.Process(ctx, ec)

	b.activeMu.Lock()
	b.active = nil
	b.activeMu.Unlock()

	if err != nil {
		return b.fail(errors.Wrapf(err, "processing restriction %v", se.Restriction))
	}
	if claimErr := tracker.GetError(); claimErr != nil {
		return b.fail(errors.Wrap(claimErr, "restriction tracker"))
	}

	if cont.ShouldResume() {
		// Checkpoint: the claimed prefix is the primary and is already
		// fully processed; only the residual goes back to the scheduler.
		_, residual, err := tracker.TrySplit(0)
		if err != nil {
			return b.fail(errors.Wrap(err, "checkpointing restriction"))
		}
		if residual == nil {
			// Nothing unclaimed remains; the resume request degrades to
			// a plain stop.
			b.logger.Debug("resume requested with no remaining work")
			return nil
		}
		if b.splits == nil {
			return b.fail(errors.Errorf("transform %v checkpointed but no split listener is bound", b.transform.ID))
		}
		app := b.residualApplication(se.Element, residual, estimator)
		b.splits.OnSplit(nil, []DelayedApplication{{
			Application: app,
			ResumeDelay: cont.ResumeDelay(),
		}})
		b.logger.Debug("restriction checkpointed")
		return nil
	}

	if !tracker.IsDone() {
		return b.fail(errors.Errorf("user function stopped with unclaimed work in restriction %v", tracker.GetRestriction()))
	}
	return nil
}

// TrySplit requests a split of the restriction currently being processed at
// the given fraction of its remaining work. It is safe to call from another
// goroutine while ProcessElement runs. It reports false without error when
// no splittable element is active or no remainder exists to split off;
// split results go to the bundle's split listener.
func (b *Bundle) TrySplit(fraction float64) (bool, error) {
	b.activeMu.Lock()
	a := b.active
	b.activeMu.Unlock()
	if a == nil {
		return false, nil
	}
	primary, residual, err := a.tracker.TrySplit(fraction)
	if err != nil {
		return false, errors.Wrap(err, "splitting active restriction")
	}
	if residual == nil {
		return false, nil
	}
	if b.splits == nil {
		return false, errors.Errorf("transform %v split but no split listener is bound", b.transform.ID)
	}
	watermarks := b.outputWatermarks(a.estimator)
	primaryApp := Application{
		TransformID:      b.transform.ID,
		InputID:          b.inputID,
		Element:          a.elem,
		Restriction:      primary,
		EstimatorState:   a.estimator.State(),
		OutputWatermarks: watermarks,
	}
	residualApp := b.residualApplication(a.elem, residual, a.estimator)
	b.splits.OnSplit([]Application{primaryApp}, []DelayedApplication{{Application: residualApp}})
	b.logger.Debug("restriction split externally")
	return true, nil
}

// residualApplication packages unprocessed work for rescheduling, holding
// each output's watermark at the estimator's watermark at split time.
func (b *Bundle) residualApplication(elem element.WindowedValue, residual any, estimator sdf.WatermarkEstimator) Application {
	return Application{
		TransformID:      b.transform.ID,
		InputID:          b.inputID,
		Element:          elem,
		Restriction:      residual,
		EstimatorState:   estimator.State(),
		OutputWatermarks: b.outputWatermarks(estimator),
	}
}

func (b *Bundle) outputWatermarks(estimator sdf.WatermarkEstimator) map[string]mtime.Time {
	hold := estimator.CurrentWatermark()
	out := make(map[string]mtime.Time, len(b.transform.Outputs))
	for _, id := range b.transform.Outputs {
		out[id] = hold
	}
	return out
}

// Hook defaults. A transform only has to declare CreateRestriction and
// Process; offset range restrictions get the standard tracker, bisection
// splitter, span size and manual estimator for free.

func (h *SplittableHooks) initialEstimatorState(value element.WindowedValue, rest any) (any, error) {
	if h.InitialEstimatorState != nil {
		return h.InitialEstimatorState(value, rest)
	}
	return mtime.MinTimestamp, nil
}

func (h *SplittableHooks) splitRestriction(value element.WindowedValue, rest any) ([]any, error) {
	if h.SplitRestriction != nil {
		return h.SplitRestriction(value, rest)
	}
	r, ok := rest.(offsetrange.Restriction)
	if !ok {
		return []any{rest}, nil
	}
	parts := r.EvenSplits(2)
	out := make([]any, 0, len(parts))
	for _, p := range parts {
		out = append(out, p)
	}
	return out, nil
}

func (h *SplittableHooks) restrictionSize(value element.WindowedValue, rest any) (float64, error) {
	if h.RestrictionSize != nil {
		return h.RestrictionSize(value, rest)
	}
	r, ok := rest.(offsetrange.Restriction)
	if !ok {
		return 0, errors.Errorf("no size function for restriction type %T", rest)
	}
	return r.Size(), nil
}

func (h *SplittableHooks) createTracker(rest any) (sdf.RTracker, error) {
	if h.CreateTracker != nil {
		return h.CreateTracker(rest)
	}
	r, ok := rest.(offsetrange.Restriction)
	if !ok {
		return nil, errors.Errorf("no tracker factory for restriction type %T", rest)
	}
	return offsetrange.NewTracker(r), nil
}

func (h *SplittableHooks) createEstimator(estState any) (sdf.WatermarkEstimator, error) {
	if h.CreateEstimator != nil {
		return h.CreateEstimator(estState)
	}
	switch s := estState.(type) {
	case nil:
		return sdf.NewManualEstimator(mtime.MinTimestamp), nil
	case mtime.Time:
		return sdf.NewManualEstimator(s), nil
	default:
		return nil, errors.Errorf("no estimator factory for state type %T", estState)
	}
}
