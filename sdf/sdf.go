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

// Package sdf contains the interfaces a splittable transform interacts with
// while processing one element: the restriction tracker it claims work
// against, the watermark estimator it reports progress to, and the
// continuation it returns.
package sdf

import "time"

// RTracker tracks the restriction of one in-progress element. Each
// implementation is expected to be used for tracking a single restriction
// type, which is the type used to create the RTracker and output by TrySplit.
type RTracker interface {
	// TryClaim attempts to claim the block of work located at a given
	// position. The user function must claim a block before performing the
	// work or emitting the outputs tied to it. If the claim fails, the user
	// function must return without doing either.
	//
	// Claims must be monotonically increasing with respect to the
	// restriction's ordering; once TryClaim returns false every subsequent
	// claim on this tracker fails.
	TryClaim(pos any) bool

	// GetError returns the error that made this RTracker stop executing, or
	// nil. A tracker with a non-nil error fails the element.
	GetError() error

	// TrySplit splits the current restriction into a primary and residual at
	// the first valid split point after the given fraction of remaining work.
	// Fraction 0 checkpoints at the earliest opportunity.
	//
	// The primary replaces the tracker's current restriction. If no residual
	// remains, residual is nil with a nil error; the union of primary and
	// residual always reconstructs the original restriction exactly.
	TrySplit(fraction float64) (primary, residual any, err error)

	// GetProgress returns two abstract scalars representing completed and
	// remaining work. The values have no unit; only their ratio matters.
	GetProgress() (done, remaining float64)

	// IsDone returns whether every block in the restriction has been claimed.
	// The runner validates this before declaring an element complete.
	IsDone() bool

	// GetRestriction returns the restriction this tracker currently covers.
	GetRestriction() any
}

// ProcessContinuation is the two-variant result a splittable user function
// returns: stop (all claimed work consumed) or resume after a delay
// (checkpoint now, reschedule the remainder).
type ProcessContinuation struct {
	resumes bool
	delay   time.Duration
}

// StopProcessing returns the continuation indicating the restriction needs
// no further processing beyond what was claimed.
func StopProcessing() ProcessContinuation {
	return ProcessContinuation{}
}

// ResumeProcessingIn returns the continuation requesting a checkpoint, with
// the residual rescheduled after the given delay.
func ResumeProcessingIn(delay time.Duration) ProcessContinuation {
	return ProcessContinuation{resumes: true, delay: delay}
}

// ShouldResume reports whether the user function asked to checkpoint.
func (c ProcessContinuation) ShouldResume() bool {
	return c.resumes
}

// ResumeDelay returns the requested delay before the residual is retried.
func (c ProcessContinuation) ResumeDelay() time.Duration {
	return c.delay
}
