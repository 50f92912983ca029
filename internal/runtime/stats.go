package runtime

import (
	"math"
	"slices"
	"sync"
	"time"

	"github.com/drblury/busflow/internal/runtime/pipeline"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// ChannelStats aggregates dispatch results for one channel. All methods are
// safe for concurrent use.
type ChannelStats struct {
	mu sync.Mutex

	completed    uint64
	abandoned    uint64
	cancelled    uint64
	deadLettered uint64
	settleErrors uint64
	inFlight     uint64
	maxInFlight  uint64
	totalTime    time.Duration
	lastAt       time.Time
	lastError    string
	maxDelivery  int

	latency    *latencyWindow
	throughput *throughputWindow
}

// ChannelStatsSnapshot is the JSON view served by the diagnostics endpoint.
type ChannelStatsSnapshot struct {
	Completed         uint64            `json:"completed"`
	Abandoned         uint64            `json:"abandoned"`
	Cancelled         uint64            `json:"cancelled"`
	DeadLettered      uint64            `json:"dead_lettered"`
	SettleErrors      uint64            `json:"settle_errors"`
	InFlight          uint64            `json:"in_flight"`
	MaxInFlight       uint64            `json:"max_in_flight"`
	MaxDeliveryCount  int               `json:"max_delivery_count"`
	LastProcessedAt   time.Time         `json:"last_processed_at"`
	LastError         string            `json:"last_error,omitempty"`
	Latency           LatencyMetrics    `json:"latency"`
	Throughput        ThroughputMetrics `json:"throughput"`
	TotalProcessingNs int64             `json:"total_processing_ns"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow int     `json:"messages_in_window"`
}

func newChannelStats() *ChannelStats {
	return &ChannelStats{
		latency:    newLatencyWindow(latencySampleSize),
		throughput: newThroughputWindow(throughputWindowSize),
	}
}

func (c *ChannelStats) begin() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight++
	c.maxInFlight = max(c.maxInFlight, c.inFlight)
}

// observe is registered as the dispatcher's outcome observer.
func (c *ChannelStats) observe(res pipeline.Result) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inFlight > 0 {
		c.inFlight--
	}
	switch res.Outcome {
	case pipeline.OutcomeCompleted:
		c.completed++
		if res.Err != nil {
			c.settleErrors++
		}
	case pipeline.OutcomeDeadLettered:
		c.deadLettered++
		if res.Err != nil {
			c.settleErrors++
		}
	case pipeline.OutcomeAbandoned:
		c.abandoned++
	case pipeline.OutcomeCancelled:
		c.cancelled++
	}
	if res.Err != nil {
		c.lastError = res.Err.Error()
	}
	c.maxDelivery = max(c.maxDelivery, res.DeliveryCount)
	c.totalTime += res.Duration
	c.lastAt = now.UTC()
	c.latency.Add(res.Duration)
	c.throughput.Add(now)
}

func (c *ChannelStats) Snapshot() ChannelStatsSnapshot {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	snap := ChannelStatsSnapshot{
		Completed:         c.completed,
		Abandoned:         c.abandoned,
		Cancelled:         c.cancelled,
		DeadLettered:      c.deadLettered,
		SettleErrors:      c.settleErrors,
		InFlight:          c.inFlight,
		MaxInFlight:       c.maxInFlight,
		MaxDeliveryCount:  c.maxDelivery,
		LastProcessedAt:   c.lastAt,
		LastError:         c.lastError,
		Latency:           c.latency.Snapshot(),
		Throughput:        c.throughput.Snapshot(now),
		TotalProcessingNs: int64(c.totalTime),
	}
	return snap
}

// latencyWindow keeps the last N durations in a ring.
type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	m := LatencyMetrics{LastNs: lw.last}
	if lw.filled == 0 {
		return m
	}
	sorted := slices.Clone(lw.samples[:lw.filled])
	slices.Sort(sorted)

	var sum int64
	for _, v := range sorted {
		sum += v
	}
	m.SampleSize = lw.filled
	m.AverageNs = sum / int64(lw.filled)
	m.P50Ns = percentile(sorted, 0.50)
	m.P95Ns = percentile(sorted, 0.95)
	m.P99Ns = percentile(sorted, 0.99)
	return m
}

// percentile interpolates linearly between the two closest ranks.
func percentile(sorted []int64, q float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lower, upper := int(math.Floor(pos)), int(math.Ceil(pos))
	if lower == upper {
		return sorted[lower]
	}
	frac := pos - float64(lower)
	return sorted[lower] + int64(float64(sorted[upper]-sorted[lower])*frac)
}

// throughputWindow counts completions inside a sliding horizon.
type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{horizon: horizon, samples: make([]time.Time, 0, 64)}
}

func (tw *throughputWindow) Add(now time.Time) {
	tw.samples = append(tw.samples, now)
	tw.trim(now)
}

func (tw *throughputWindow) trim(now time.Time) {
	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		tw.samples = slices.Delete(tw.samples, 0, idx)
	}
}

func (tw *throughputWindow) Snapshot(now time.Time) ThroughputMetrics {
	tw.trim(now)
	if len(tw.samples) == 0 {
		return ThroughputMetrics{}
	}
	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	return ThroughputMetrics{
		CurrentRPS:       float64(len(tw.samples)) / span.Seconds(),
		WindowSeconds:    span.Seconds(),
		MessagesInWindow: len(tw.samples),
	}
}
