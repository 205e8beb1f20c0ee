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

package timers

import (
	"sync"

	"github.com/pkg/errors"
)

// MemChannel is an in-memory Channel that models the timer service's pending
// set: a set for a (user key, window) replaces the previous unfired set in
// that family, a clear removes it, and FirePending delivers each pending
// timer inbound at most once.
type MemChannel struct {
	mu sync.Mutex

	pending      map[string]Data
	pendingOrder []string
	sent         []Data
	inbound      []Data

	outClosed bool
	inClosed  bool
}

// NewMemChannel returns an open in-memory timer channel.
func NewMemChannel() *MemChannel {
	return &MemChannel{pending: map[string]Data{}}
}

func pendingKey(d Data) string {
	return string(d.UserKey) + "\x00" + string(d.Window)
}

// Send records an outbound set or clear.
func (m *MemChannel) Send(d Data) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outClosed {
		return errors.New("send on closed outbound timer channel")
	}
	m.sent = append(m.sent, d)
	k := pendingKey(d)
	if d.Clear {
		if _, ok := m.pending[k]; ok {
			delete(m.pending, k)
			m.pendingOrder = remove(m.pendingOrder, k)
		}
		return nil
	}
	if _, ok := m.pending[k]; !ok {
		m.pendingOrder = append(m.pendingOrder, k)
	}
	m.pending[k] = d
	return nil
}

func remove(keys []string, k string) []string {
	out := keys[:0]
	for _, v := range keys {
		if v != k {
			out = append(out, v)
		}
	}
	return out
}

// Receive pops the next inbound timer in arrival order.
func (m *MemChannel) Receive() (Data, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.inbound) == 0 {
		return Data{}, false, nil
	}
	d := m.inbound[0]
	m.inbound = m.inbound[1:]
	return d, true, nil
}

// Deliver enqueues a timer on the inbound side, as the service would when a
// timer fires.
func (m *MemChannel) Deliver(d Data) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbound = append(m.inbound, d)
}

// FirePending moves every pending timer to the inbound side, in the order
// each (key, window) was first set, and empties the pending set.
func (m *MemChannel) FirePending() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.pendingOrder {
		m.inbound = append(m.inbound, m.pending[k])
		delete(m.pending, k)
	}
	m.pendingOrder = nil
}

// CloseOutbound closes the sending side.
func (m *MemChannel) CloseOutbound() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outClosed {
		return errors.New("outbound timer channel already closed")
	}
	m.outClosed = true
	return nil
}

// CloseInbound marks that no further timers will be delivered.
func (m *MemChannel) CloseInbound() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inClosed = true
}

// IsOutboundClosed reports whether the sending side has been closed.
func (m *MemChannel) IsOutboundClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outClosed
}

// IsInboundClosed reports whether the remote side has closed delivery and
// the inbound queue has been drained.
func (m *MemChannel) IsInboundClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inClosed && len(m.inbound) == 0
}

// Sent returns the full outbound log, sets and clears, in send order.
func (m *MemChannel) Sent() []Data {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Data, len(m.sent))
	copy(out, m.sent)
	return out
}

// Pending returns the unfired timers, in the order each key was first set.
func (m *MemChannel) Pending() []Data {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Data, 0, len(m.pendingOrder))
	for _, k := range m.pendingOrder {
		out = append(out, m.pending[k])
	}
	return out
}
