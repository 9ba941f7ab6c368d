// Package diagnostics implements the diagnostic event stream (C13): a correlation-ID-tagged
// trace ring buffer, data-quality counters, and Prometheus metrics, per spec §4 and §6.
package diagnostics

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// TraceEvent is one correlation-ID-tagged diagnostic record.
type TraceEvent struct {
	CorrelationID string
	Component     string
	Message       string
	TimestampMs   int64
}

// Tracer is a single bounded ring buffer shared by all callers. Record and Drain both take a
// mutex, so appends are not lock-free and there is no separate buffer per worker.
type Tracer struct {
	mu     sync.Mutex
	buf    []TraceEvent
	cap    int
	next   int
	filled bool
}

// NewTracer constructs a ring buffer holding up to capacity events.
func NewTracer(capacity int) *Tracer {
	return &Tracer{buf: make([]TraceEvent, capacity), cap: capacity}
}

// Record appends an event, overwriting the oldest entry once the buffer is full.
func (t *Tracer) Record(ev TraceEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf[t.next] = ev
	t.next = (t.next + 1) % t.cap
	if t.next == 0 {
		t.filled = true
	}
}

// Drain returns all currently buffered events in chronological order.
func (t *Tracer) Drain() []TraceEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.filled {
		out := make([]TraceEvent, t.next)
		copy(out, t.buf[:t.next])
		return out
	}
	out := make([]TraceEvent, t.cap)
	copy(out, t.buf[t.next:])
	copy(out[t.cap-t.next:], t.buf[:t.next])
	return out
}

// QualityCounters tracks the data-quality diagnostics referenced throughout spec §5 and §7:
// gaps, OHLC invariant violations, duplicates, and out-of-order trades.
type QualityCounters struct {
	gapCount          atomic.Int64
	ohlcViolations    atomic.Int64
	duplicateCount    atomic.Int64
	outOfOrderDropped atomic.Int64
}

func (q *QualityCounters) RecordGap()              { q.gapCount.Add(1) }
func (q *QualityCounters) RecordOHLCViolation()     { q.ohlcViolations.Add(1) }
func (q *QualityCounters) RecordDuplicate()         { q.duplicateCount.Add(1) }
func (q *QualityCounters) RecordOutOfOrderDropped() { q.outOfOrderDropped.Add(1) }

// Snapshot is a point-in-time read of all quality counters.
type Snapshot struct {
	Gaps              int64
	OHLCViolations    int64
	Duplicates        int64
	OutOfOrderDropped int64
}

func (q *QualityCounters) Snapshot() Snapshot {
	return Snapshot{
		Gaps: q.gapCount.Load(), OHLCViolations: q.ohlcViolations.Load(),
		Duplicates: q.duplicateCount.Load(), OutOfOrderDropped: q.outOfOrderDropped.Load(),
	}
}

// Metrics wires the engine's Prometheus counters and histograms, grounded on the pack's
// svyatogor45-abitrage repo, which wires prometheus/client_golang to real consumers rather than
// listing it unused.
type Metrics struct {
	SignalsGenerated  prometheus.Counter
	SignalsRejected   *prometheus.CounterVec
	PositionsOpened   prometheus.Counter
	PositionsClosed   *prometheus.CounterVec
	OrderLatency      prometheus.Histogram
	PhaseDuration     *prometheus.HistogramVec
	DataQualityEvents *prometheus.CounterVec
}

// NewMetrics registers the engine's metrics against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SignalsGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "breakout_engine_signals_generated_total", Help: "Total accepted signals.",
		}),
		SignalsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "breakout_engine_signals_rejected_total", Help: "Rejected signal candidates by reason.",
		}, []string{"reason"}),
		PositionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "breakout_engine_positions_opened_total", Help: "Total positions opened.",
		}),
		PositionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "breakout_engine_positions_closed_total", Help: "Total positions closed by exit rule.",
		}, []string{"rule"}),
		OrderLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "breakout_engine_order_latency_seconds", Help: "Exchange order round-trip latency.",
			Buckets: prometheus.DefBuckets,
		}),
		PhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "breakout_engine_phase_duration_seconds", Help: "Orchestrator phase iteration duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"phase"}),
		DataQualityEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "breakout_engine_data_quality_events_total", Help: "Data-quality violations by kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.SignalsGenerated, m.SignalsRejected, m.PositionsOpened, m.PositionsClosed, m.OrderLatency, m.PhaseDuration, m.DataQualityEvents)
	return m
}
