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

package window

import "fmt"

// PaneTiming indicates where in the window lifecycle a pane was produced.
type PaneTiming int8

const (
	// PaneEarly occurs before the watermark passes the end of the window.
	PaneEarly PaneTiming = 0
	// PaneOnTime occurs when the watermark passes the end of the window.
	PaneOnTime PaneTiming = 1
	// PaneLate occurs after the watermark passes the end of the window.
	PaneLate PaneTiming = 2
	// PaneUnknown is used when the timing is unknown.
	PaneUnknown PaneTiming = 3
)

func (p PaneTiming) String() string {
	switch p {
	case PaneEarly:
		return "early"
	case PaneOnTime:
		return "on-time"
	case PaneLate:
		return "late"
	default:
		return "unknown"
	}
}

// PaneInfo describes the pane an element belongs to: which firing of the
// window produced it and where that firing sits relative to the watermark.
// The runner carries panes through unchanged; trigger evaluation happens
// upstream.
type PaneInfo struct {
	Timing                     PaneTiming
	IsFirst, IsLast            bool
	Index, NonSpeculativeIndex int64
}

// NoFiringPane returns the pane used for elements that are not part of a
// triggered firing, such as elements before a GroupByKey.
func NoFiringPane() PaneInfo {
	return PaneInfo{IsFirst: true, IsLast: true}
}

func (p PaneInfo) String() string {
	return fmt.Sprintf("{%v first:%v last:%v index:%v}", p.Timing, p.IsFirst, p.IsLast, p.Index)
}
