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

package sdf

import (
	"github.com/zoobzio/clockz"

	"github.com/flowfn/harness/mtime"
)

// WatermarkEstimator tracks a lower bound on the timestamps still to be
// produced by an in-progress splittable element. Its current watermark
// becomes the output hold on any residual produced by a split.
type WatermarkEstimator interface {
	// CurrentWatermark returns the estimator's current lower bound.
	CurrentWatermark() mtime.Time

	// ObserveTimestamp is called with each output timestamp as the user
	// function advances through the restriction.
	ObserveTimestamp(ts mtime.Time)

	// State returns the value persisted with a residual so a later bundle
	// can reconstruct an equivalent estimator.
	State() any
}

// ManualEstimator is a watermark estimator advanced explicitly by the user
// function through SetWatermark. ObserveTimestamp is a no-op.
type ManualEstimator struct {
	watermark mtime.Time
}

// NewManualEstimator returns a manual estimator starting at the given
// watermark, typically restored from a residual's estimator state.
func NewManualEstimator(start mtime.Time) *ManualEstimator {
	return &ManualEstimator{watermark: start}
}

// CurrentWatermark returns the last explicitly set watermark.
func (e *ManualEstimator) CurrentWatermark() mtime.Time { return e.watermark }

// ObserveTimestamp does nothing; manual estimators only move on SetWatermark.
func (e *ManualEstimator) ObserveTimestamp(ts mtime.Time) {}

// SetWatermark advances the watermark. Moving it backwards is permitted but
// the runner only ever reports the value current at split time.
func (e *ManualEstimator) SetWatermark(ts mtime.Time) { e.watermark = ts }

// State returns the current watermark.
func (e *ManualEstimator) State() any { return e.watermark }

// TimestampObservingEstimator advances the watermark to the largest output
// timestamp observed so far, floored at the starting watermark. It suits
// sources whose outputs are emitted in timestamp order.
type TimestampObservingEstimator struct {
	watermark mtime.Time
	observed  bool
}

// NewTimestampObservingEstimator returns an estimator that follows observed
// output timestamps, starting at the given watermark.
func NewTimestampObservingEstimator(start mtime.Time) *TimestampObservingEstimator {
	return &TimestampObservingEstimator{watermark: start}
}

// CurrentWatermark returns the watermark implied by observed timestamps.
func (e *TimestampObservingEstimator) CurrentWatermark() mtime.Time { return e.watermark }

// ObserveTimestamp advances the watermark monotonically toward ts.
func (e *TimestampObservingEstimator) ObserveTimestamp(ts mtime.Time) {
	if !e.observed || ts > e.watermark {
		e.watermark = ts
		e.observed = true
	}
}

// State returns the current watermark.
func (e *TimestampObservingEstimator) State() any { return e.watermark }

// WallTimeEstimator reports the clock's current time as the watermark. It is
// appropriate for sources whose output timestamps track real time.
type WallTimeEstimator struct {
	clock clockz.Clock
}

// NewWallTimeEstimator returns a wall time estimator on the given clock.
// Pass clockz.RealClock outside of tests.
func NewWallTimeEstimator(clock clockz.Clock) *WallTimeEstimator {
	return &WallTimeEstimator{clock: clock}
}

// CurrentWatermark returns the clock's current time.
func (e *WallTimeEstimator) CurrentWatermark() mtime.Time {
	return mtime.FromTime(e.clock.Now())
}

// ObserveTimestamp does nothing; wall time estimators follow the clock.
func (e *WallTimeEstimator) ObserveTimestamp(ts mtime.Time) {}

// State returns the clock's current time.
func (e *WallTimeEstimator) State() any { return e.CurrentWatermark() }
