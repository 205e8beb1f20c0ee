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

// Package offsetrange defines a restriction and restriction tracker for
// offset ranges. An offset range is a half-closed interval [start, end),
// commonly used to represent byte ranges in files or indices in iterable
// containers.
package offsetrange

import (
	"math"

	"github.com/pkg/errors"
)

// Restriction represents a range of integers as a half-closed interval with
// boundaries [start, end).
type Restriction struct {
	Start, End int64
}

// EvenSplits splits a restriction into a number of evenly sized restrictions.
// Each split restriction is guaranteed to not be empty, and each unit from
// the original restriction is guaranteed to be contained in exactly one split
// restriction.
//
// Num should be greater than 0. Otherwise there is no way to split the
// restriction and this function returns the original restriction.
func (r Restriction) EvenSplits(num int64) (splits []Restriction) {
	if num <= 1 {
		return append(splits, r)
	}

	offset := r.Start
	size := r.End - r.Start
	for i := int64(0); i < num; i++ {
		split := Restriction{
			Start: offset + (i * size / num),
			End:   offset + ((i + 1) * size / num),
		}
		// Skip restrictions that end up empty.
		if split.End-split.Start <= 0 {
			continue
		}
		splits = append(splits, split)
	}
	return splits
}

// Size returns the restriction's size as the difference between Start and End.
func (r Restriction) Size() float64 {
	return float64(r.End - r.Start)
}

// Tracker tracks a restriction that can be represented as a range of integer
// values, for example byte offsets in a file, or indices in an array. The
// tracker makes no assumptions about the positions of blocks within the
// range, so users must handle validation of block positions if needed.
type Tracker struct {
	rest    Restriction
	claimed int64 // Last claimed position.
	stopped bool  // Whether TryClaim has indicated to stop processing elements.
	err     error
}

// NewTracker returns a Tracker for the given restriction.
func NewTracker(rest Restriction) *Tracker {
	return &Tracker{
		rest:    rest,
		claimed: rest.Start - 1,
	}
}

// TryClaim accepts an int64 position representing the starting position of a
// block of work. It successfully claims it if the position is greater than
// the previously claimed position and within the restriction. Claiming a
// position at or beyond the end of the restriction signals that the entire
// restriction has been processed and is now done, at which point this method
// signals to end processing.
//
// The tracker stops with an error if a claim is attempted after the tracker
// has signalled to stop, if a position is claimed before the start of the
// restriction, or if a position is claimed before the latest successfully
// claimed.
func (t *Tracker) TryClaim(rawPos any) bool {
	if t.stopped {
		t.err = errors.New("cannot claim work after restriction tracker returns false")
		return false
	}

	pos, ok := rawPos.(int64)
	if !ok {
		t.stopped = true
		t.err = errors.Errorf("expected int64 position, got %T", rawPos)
		return false
	}

	if pos < t.rest.Start {
		t.stopped = true
		t.err = errors.New("position claimed is out of bounds of the restriction")
		return false
	}
	if pos <= t.claimed {
		t.stopped = true
		t.err = errors.New("cannot claim a position lower than the previously claimed position")
		return false
	}

	t.claimed = pos
	if pos >= t.rest.End {
		t.stopped = true
		return false
	}
	return true
}

// GetError returns the error that caused the tracker to stop, if there is one.
func (t *Tracker) GetError() error {
	return t.err
}

// TrySplit splits at the nearest integer greater than the given fraction of
// the remainder. If the fraction given is outside of the [0, 1] range, it is
// clamped to 0 or 1.
func (t *Tracker) TrySplit(fraction float64) (primary, residual any, err error) {
	if t.stopped || t.IsDone() {
		return t.rest, nil, nil
	}
	if fraction < 0 {
		fraction = 0
	} else if fraction > 1 {
		fraction = 1
	}

	// Use Ceil to always round up from float split point.
	splitPt := t.claimed + int64(math.Ceil(fraction*float64(t.rest.End-t.claimed)))
	if splitPt <= t.claimed {
		splitPt = t.claimed + 1
	}
	if splitPt >= t.rest.End {
		return t.rest, nil, nil
	}
	res := Restriction{Start: splitPt, End: t.rest.End}
	t.rest.End = splitPt
	return t.rest, res, nil
}

// GetProgress reports progress based on the claimed size and unclaimed sizes
// of the restriction.
func (t *Tracker) GetProgress() (done, remaining float64) {
	done = float64(t.claimed - t.rest.Start)
	if done < 0 {
		done = 0
	}
	remaining = float64(t.rest.End - t.claimed)
	return
}

// IsDone returns true if the most recent claimed position is past the end of
// the restriction. The final claim in a processing loop fails at or beyond
// End, which is what marks the restriction complete.
func (t *Tracker) IsDone() bool {
	return t.err == nil && t.claimed >= t.rest.End
}

// GetRestriction returns the restriction this tracker currently covers.
func (t *Tracker) GetRestriction() any {
	return t.rest
}
