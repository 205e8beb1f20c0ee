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

// Package element defines the windowed value envelope that flows between
// transforms: a payload with its event timestamp, assigned windows and pane.
package element

import (
	"fmt"

	"github.com/flowfn/harness/mtime"
	"github.com/flowfn/harness/window"
)

// WindowedValue is the full runtime value for a data element, including the
// implicit context the runner needs. A value assigned to N windows is
// logically equivalent to N single-window values sharing the payload;
// Explode performs that expansion.
type WindowedValue struct {
	Value     any
	Timestamp mtime.Time
	Windows   []window.Window
	Pane      window.PaneInfo
}

// KV is a key/value payload. Keyed transforms (user state, timers) expect
// the element value to be a KV.
type KV struct {
	Key, Value any
}

// In returns a windowed value in the given window at the given timestamp,
// with a no-firing pane.
func In(value any, ts mtime.Time, w window.Window) WindowedValue {
	return WindowedValue{
		Value:     value,
		Timestamp: ts,
		Windows:   []window.Window{w},
		Pane:      window.NoFiringPane(),
	}
}

// InGlobalWindow returns a windowed value in the global window at the epoch.
func InGlobalWindow(value any) WindowedValue {
	return TimestampedInGlobalWindow(value, mtime.ZeroTimestamp)
}

// TimestampedInGlobalWindow returns a windowed value in the global window at
// the given timestamp.
func TimestampedInGlobalWindow(value any, ts mtime.Time) WindowedValue {
	return WindowedValue{
		Value:     value,
		Timestamp: ts,
		Windows:   window.SingleGlobalWindow,
		Pane:      window.NoFiringPane(),
	}
}

// Explode expands a multi-window value into one single-window value per
// assigned window. Single window values are returned unchanged.
func (wv WindowedValue) Explode() []WindowedValue {
	if len(wv.Windows) <= 1 {
		return []WindowedValue{wv}
	}
	out := make([]WindowedValue, 0, len(wv.Windows))
	for _, w := range wv.Windows {
		out = append(out, WindowedValue{
			Value:     wv.Value,
			Timestamp: wv.Timestamp,
			Windows:   []window.Window{w},
			Pane:      wv.Pane,
		})
	}
	return out
}

// WithValue returns a copy of the envelope carrying a different payload.
func (wv WindowedValue) WithValue(value any) WindowedValue {
	wv.Value = value
	return wv
}

func (wv WindowedValue) String() string {
	return fmt.Sprintf("%v [@%v %v %v]", wv.Value, wv.Timestamp, wv.Windows, wv.Pane)
}
