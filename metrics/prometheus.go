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

package metrics

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// PromSink exports store snapshots into a Prometheus registry. Prometheus
// counters only move forward, so the sink pushes the delta between the last
// flushed snapshot and the current one; flushing the same snapshot twice
// pushes nothing.
type PromSink struct {
	user     *prometheus.CounterVec
	elements *prometheus.CounterVec
	last     map[Key]int64
}

// NewPromSink registers the runner's counter families with reg and returns
// the sink.
func NewPromSink(reg prometheus.Registerer) (*PromSink, error) {
	user := prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "runner",
		Name:      "user_counter_total",
		Help:      "User-defined counters by step and counter name",
	}, []string{"step", "name"})
	elements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "runner",
		Name:      "elements_total",
		Help:      "Elements dispatched by step and output",
	}, []string{"step", "output"})
	for _, c := range []prometheus.Collector{user, elements} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "registering runner metrics")
		}
	}
	return &PromSink{user: user, elements: elements, last: map[Key]int64{}}, nil
}

// Flush pushes the delta since the previous flush for every counter in the
// snapshot. A counter absent from the snapshot keeps its exported value.
func (p *PromSink) Flush(snap Snapshot) {
	for k, v := range snap.Counters {
		delta := v - p.last[k]
		if delta <= 0 {
			continue
		}
		p.last[k] = v
		if k.Name == ElementCount {
			p.elements.WithLabelValues(k.Step, k.Output).Add(float64(delta))
			continue
		}
		p.user.WithLabelValues(k.Step, k.Name).Add(float64(delta))
	}
}
