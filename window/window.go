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

// Package window defines the windows elements are assigned to, pane metadata,
// and the byte encoding used to address per-window state.
package window

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"github.com/flowfn/harness/mtime"
)

// Window represents a concrete window an element is assigned to.
type Window interface {
	// MaxTimestamp returns the inclusive upper bound of timestamps for values
	// in this window.
	MaxTimestamp() mtime.Time

	// Equals returns true iff the windows are identical.
	Equals(o Window) bool
}

var (
	// SingleGlobalWindow is a slice of a single global window. Convenience value.
	SingleGlobalWindow = []Window{GlobalWindow{}}
)

// GlobalWindow represents the singleton, global window.
type GlobalWindow struct{}

// MaxTimestamp returns the maximum timestamp in the window.
func (GlobalWindow) MaxTimestamp() mtime.Time {
	return mtime.EndOfGlobalWindowTime
}

// Equals returns true iff the other window is also the global window.
func (GlobalWindow) Equals(o Window) bool {
	_, ok := o.(GlobalWindow)
	return ok
}

func (GlobalWindow) String() string {
	return "[*]"
}

// IntervalWindow represents a half-open bounded window [start,end).
type IntervalWindow struct {
	Start, End mtime.Time
}

// MaxTimestamp returns the maximum timestamp in the window.
func (w IntervalWindow) MaxTimestamp() mtime.Time {
	return w.End - 1
}

// Equals returns true iff the other window is an interval window sharing
// the start and end timestamps.
func (w IntervalWindow) Equals(o Window) bool {
	ow, ok := o.(IntervalWindow)
	return ok && w.Start == ow.Start && w.End == ow.End
}

func (w IntervalWindow) String() string {
	return fmt.Sprintf("[%v:%v)", w.Start, w.End)
}

// IsEqualList returns true iff the lists of windows are equal.
// Note that ordering matters and that this is not set equality.
func IsEqualList(from, to []Window) bool {
	if len(from) != len(to) {
		return false
	}
	for i, w := range from {
		if !w.Equals(to[i]) {
			return false
		}
	}
	return true
}

// Encode returns the byte form of a window, used to build state keys.
// The global window encodes to the empty string; interval windows encode
// their end and duration as big-endian fixed64 millis.
func Encode(w Window) ([]byte, error) {
	switch w := w.(type) {
	case GlobalWindow:
		return []byte{}, nil
	case IntervalWindow:
		buf := make([]byte, 16)
		binary.BigEndian.PutUint64(buf[:8], uint64(w.End.Milliseconds()))
		binary.BigEndian.PutUint64(buf[8:], uint64((w.End - w.Start).Milliseconds()))
		return buf, nil
	default:
		return nil, errors.Errorf("unknown window type: %T", w)
	}
}

// Decode reverses Encode. Empty input decodes to the global window.
func Decode(data []byte) (Window, error) {
	switch len(data) {
	case 0:
		return GlobalWindow{}, nil
	case 16:
		end := mtime.Time(int64(binary.BigEndian.Uint64(data[:8])))
		dur := mtime.Time(int64(binary.BigEndian.Uint64(data[8:])))
		return IntervalWindow{Start: end - dur, End: end}, nil
	default:
		return nil, errors.Errorf("malformed window encoding: %d bytes", len(data))
	}
}

// MappingFn maps a main input window to the window a side input should be
// read in. The identity mapping is the common case; windowing strategies
// with differing window fns substitute their own.
type MappingFn func(Window) Window

// IdentityMapping returns the window unchanged.
func IdentityMapping(w Window) Window { return w }
