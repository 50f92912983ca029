package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

// ProcessUsage is a coarse view of the host process for the diagnostics API.
type ProcessUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	HeapBytes   uint64  `json:"heap_bytes"`
	Goroutines  int     `json:"goroutines"`
	SampledOver float64 `json:"sampled_over_seconds"`
}

const cpuMetric = "/cpu/classes/total:cpu-seconds"

// processSampler turns the cumulative CPU counter into a percentage of all
// cores since the previous call.
type processSampler struct {
	mu       sync.Mutex
	samples  []metrics.Sample
	lastCPU  float64
	lastWall time.Time
	numCPU   float64
	now      func() time.Time
}

func newProcessSampler() *processSampler {
	return &processSampler{
		samples: []metrics.Sample{{Name: cpuMetric}, {Name: "/memory/classes/heap/objects:bytes"}},
		numCPU:  float64(runtime.NumCPU()),
		now:     time.Now,
	}
}

func (p *processSampler) Sample() ProcessUsage {
	p.mu.Lock()
	defer p.mu.Unlock()

	metrics.Read(p.samples)
	now := p.now()
	usage := ProcessUsage{Goroutines: runtime.NumGoroutine()}

	if heap := p.samples[1].Value; heap.Kind() == metrics.KindUint64 {
		usage.HeapBytes = heap.Uint64()
	}
	if cpu := p.samples[0].Value; cpu.Kind() == metrics.KindFloat64 {
		seconds := cpu.Float64()
		if !p.lastWall.IsZero() {
			wall := now.Sub(p.lastWall).Seconds()
			if wall > 0 && p.numCPU > 0 {
				usage.CPUPercent = (seconds - p.lastCPU) / wall / p.numCPU * 100
				usage.SampledOver = wall
			}
		}
		p.lastCPU = seconds
	}
	p.lastWall = now
	return usage
}
