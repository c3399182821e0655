// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package modbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Counter is a simple atomic counter.
type Counter struct {
	value int64
}

// Add adds delta to the counter.
func (c *Counter) Add(delta int64) {
	atomic.AddInt64(&c.value, delta)
}

// Value returns the current counter value.
func (c *Counter) Value() int64 {
	return atomic.LoadInt64(&c.value)
}

// Reset resets the counter to zero.
func (c *Counter) Reset() {
	atomic.StoreInt64(&c.value, 0)
}

var latencyLabels = []string{"1ms", "5ms", "10ms", "25ms", "50ms", "100ms", "250ms", "500ms", "1s", "5s+"}

// LatencyHistogram tracks latency distribution.
type LatencyHistogram struct {
	mu      sync.Mutex
	buckets []int64   // count per bucket
	bounds  []float64 // upper bounds in ms
	sum     float64
	count   int64
	min     float64
	max     float64
}

// NewLatencyHistogram creates a new latency histogram with default buckets.
func NewLatencyHistogram() *LatencyHistogram {
	return &LatencyHistogram{
		buckets: make([]int64, len(latencyLabels)),
		bounds:  []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		min:     -1,
		max:     -1,
	}
}

// Observe records a latency observation.
func (h *LatencyHistogram) Observe(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000.0

	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += ms
	h.count++

	if h.min < 0 || ms < h.min {
		h.min = ms
	}
	if ms > h.max {
		h.max = ms
	}

	for i, bound := range h.bounds {
		if ms <= bound {
			h.buckets[i]++
			return
		}
	}
	h.buckets[len(h.buckets)-1]++
}

// Stats returns histogram statistics.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := LatencyStats{
		Count:   h.count,
		Sum:     h.sum,
		Buckets: make(map[string]int64, len(h.buckets)),
	}
	if h.count > 0 {
		stats.Avg = h.sum / float64(h.count)
		stats.Min = h.min
		stats.Max = h.max
	}
	for i, count := range h.buckets {
		stats.Buckets[latencyLabels[i]] = count
	}
	return stats
}

// Reset resets the histogram.
func (h *LatencyHistogram) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := range h.buckets {
		h.buckets[i] = 0
	}
	h.sum = 0
	h.count = 0
	h.min = -1
	h.max = -1
}

// LatencyStats holds latency statistics.
type LatencyStats struct {
	Count   int64            `json:"count" yaml:"count"`
	Sum     float64          `json:"sum" yaml:"sum"`
	Avg     float64          `json:"avg" yaml:"avg"`
	Min     float64          `json:"min" yaml:"min"`
	Max     float64          `json:"max" yaml:"max"`
	Buckets map[string]int64 `json:"buckets" yaml:"buckets"`
}

// FunctionMetrics holds metrics for a specific function code.
type FunctionMetrics struct {
	Requests Counter
	Errors   Counter
	Latency  *LatencyHistogram
}

// functionTable lazily creates per-function metrics.
type functionTable struct {
	m sync.Map // FunctionCode -> *FunctionMetrics
}

func (t *functionTable) get(fc FunctionCode) *FunctionMetrics {
	if val, ok := t.m.Load(fc); ok {
		return val.(*FunctionMetrics)
	}
	fm := &FunctionMetrics{Latency: NewLatencyHistogram()}
	actual, _ := t.m.LoadOrStore(fc, fm)
	return actual.(*FunctionMetrics)
}

func (t *functionTable) collect() map[string]interface{} {
	stats := make(map[string]interface{})
	t.m.Range(func(key, value interface{}) bool {
		fc := key.(FunctionCode)
		fm := value.(*FunctionMetrics)
		stats[fc.String()] = map[string]interface{}{
			"requests": fm.Requests.Value(),
			"errors":   fm.Errors.Value(),
			"latency":  fm.Latency.Stats(),
		}
		return true
	})
	return stats
}

func (t *functionTable) reset() {
	t.m.Range(func(_, value interface{}) bool {
		fm := value.(*FunctionMetrics)
		fm.Requests.Reset()
		fm.Errors.Reset()
		fm.Latency.Reset()
		return true
	})
}

// Metrics holds all client metrics.
type Metrics struct {
	RequestsTotal   Counter
	RequestsSuccess Counter
	RequestsErrors  Counter
	Exceptions      Counter
	Disconnects     Counter
	ActiveConns     Counter
	Latency         *LatencyHistogram

	funcs functionTable
}

// NewMetrics creates a new Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{
		Latency: NewLatencyHistogram(),
	}
}

// ForFunction returns metrics for a specific function code.
func (m *Metrics) ForFunction(fc FunctionCode) *FunctionMetrics {
	return m.funcs.get(fc)
}

// Collect returns all metrics as a map (compatible with expvar/prometheus).
func (m *Metrics) Collect() map[string]interface{} {
	result := map[string]interface{}{
		"requests_total":   m.RequestsTotal.Value(),
		"requests_success": m.RequestsSuccess.Value(),
		"requests_errors":  m.RequestsErrors.Value(),
		"exceptions":       m.Exceptions.Value(),
		"disconnects":      m.Disconnects.Value(),
		"active_conns":     m.ActiveConns.Value(),
		"latency":          m.Latency.Stats(),
	}
	if funcStats := m.funcs.collect(); len(funcStats) > 0 {
		result["functions"] = funcStats
	}
	return result
}

// Reset resets all metrics.
func (m *Metrics) Reset() {
	m.RequestsTotal.Reset()
	m.RequestsSuccess.Reset()
	m.RequestsErrors.Reset()
	m.Exceptions.Reset()
	m.Disconnects.Reset()
	m.Latency.Reset()
	m.funcs.reset()
}

// ServerMetrics holds server-side metrics.
type ServerMetrics struct {
	RequestsTotal  Counter
	Exceptions     Counter
	DroppedFrames  Counter
	ActiveSessions Counter
	TotalSessions  Counter
	Evictions      Counter
	Rejected       Counter
	EventsDropped  Counter
	Latency        *LatencyHistogram

	funcs functionTable
}

// NewServerMetrics creates a new ServerMetrics instance.
func NewServerMetrics() *ServerMetrics {
	return &ServerMetrics{
		Latency: NewLatencyHistogram(),
	}
}

// ForFunction returns metrics for a specific function code.
func (m *ServerMetrics) ForFunction(fc FunctionCode) *FunctionMetrics {
	return m.funcs.get(fc)
}

// Collect returns all server metrics as a map.
func (m *ServerMetrics) Collect() map[string]interface{} {
	result := map[string]interface{}{
		"requests_total":  m.RequestsTotal.Value(),
		"exceptions":      m.Exceptions.Value(),
		"dropped_frames":  m.DroppedFrames.Value(),
		"active_sessions": m.ActiveSessions.Value(),
		"total_sessions":  m.TotalSessions.Value(),
		"evictions":       m.Evictions.Value(),
		"rejected":        m.Rejected.Value(),
		"events_dropped":  m.EventsDropped.Value(),
		"latency":         m.Latency.Stats(),
	}
	if funcStats := m.funcs.collect(); len(funcStats) > 0 {
		result["functions"] = funcStats
	}
	return result
}

// Reset resets all counters except the active session gauge.
func (m *ServerMetrics) Reset() {
	m.RequestsTotal.Reset()
	m.Exceptions.Reset()
	m.DroppedFrames.Reset()
	m.TotalSessions.Reset()
	m.Evictions.Reset()
	m.Rejected.Reset()
	m.EventsDropped.Reset()
	m.Latency.Reset()
	m.funcs.reset()
}
