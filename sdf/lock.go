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

import "sync"

// NewLockRTracker wraps a restriction tracker in a LockRTracker.
func NewLockRTracker(rt RTracker) *LockRTracker {
	return &LockRTracker{rt: rt}
}

// LockRTracker makes another restriction tracker thread safe by locking a
// mutex around every method. The runner wraps the active element's tracker
// with it so an externally requested split can race the processing loop.
type LockRTracker struct {
	mu sync.Mutex
	rt RTracker
}

// TryClaim delegates to the underlying tracker under the lock.
func (t *LockRTracker) TryClaim(pos any) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rt.TryClaim(pos)
}

// GetError delegates to the underlying tracker under the lock.
func (t *LockRTracker) GetError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rt.GetError()
}

// TrySplit delegates to the underlying tracker under the lock.
func (t *LockRTracker) TrySplit(fraction float64) (any, any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rt.TrySplit(fraction)
}

// GetProgress delegates to the underlying tracker under the lock.
func (t *LockRTracker) GetProgress() (float64, float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rt.GetProgress()
}

// IsDone delegates to the underlying tracker under the lock.
func (t *LockRTracker) IsDone() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rt.IsDone()
}

// GetRestriction delegates to the underlying tracker under the lock.
func (t *LockRTracker) GetRestriction() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rt.GetRestriction()
}
