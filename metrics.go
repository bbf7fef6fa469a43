package esi

import (
	"sync/atomic"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
)

// Metrics accumulates per-Client.Request latency and request/retry/
// reconnect/page-split counters across the lifetime of a Client. Nil-safe: every method is a
// no-op on a nil *Metrics, so callers can leave Config.Metrics unset.
type Metrics struct {
	latency *hdrhistogram.Histogram

	retries      atomic.Int64
	reconnects   atomic.Int64
	pageSplits   atomic.Int64
	requestsOK   atomic.Int64
	requestsFail atomic.Int64
}

// NewMetrics builds a Metrics tracking latencies from 1 microsecond to one
// minute with 3 significant digits of precision.
func NewMetrics() *Metrics {
	return &Metrics{latency: hdrhistogram.New(1, 60_000_000, 3)}
}

func (m *Metrics) observeLatencyMicros(us int64) {
	if m == nil {
		return
	}
	_ = m.latency.RecordValue(us)
}

func (m *Metrics) incRetry() {
	if m != nil {
		m.retries.Add(1)
	}
}

func (m *Metrics) incReconnect() {
	if m != nil {
		m.reconnects.Add(1)
	}
}

func (m *Metrics) incPageSplit() {
	if m != nil {
		m.pageSplits.Add(1)
	}
}

func (m *Metrics) incSuccess() {
	if m != nil {
		m.requestsOK.Add(1)
	}
}

func (m *Metrics) incFailure() {
	if m != nil {
		m.requestsFail.Add(1)
	}
}

// Snapshot is a point-in-time copy of Metrics' counters and latency
// percentiles (all latencies in microseconds).
type Snapshot struct {
	LatencyP50   int64
	LatencyP90   int64
	LatencyP99   int64
	Retries      int64
	Reconnects   int64
	PageSplits   int64
	RequestsOK   int64
	RequestsFail int64
}

// Snapshot returns the current counter values, safe to read without racing
// further updates.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		LatencyP50:   m.latency.ValueAtQuantile(50),
		LatencyP90:   m.latency.ValueAtQuantile(90),
		LatencyP99:   m.latency.ValueAtQuantile(99),
		Retries:      m.retries.Load(),
		Reconnects:   m.reconnects.Load(),
		PageSplits:   m.pageSplits.Load(),
		RequestsOK:   m.requestsOK.Load(),
		RequestsFail: m.requestsFail.Load(),
	}
}
