package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProcessSamplerFirstSampleHasNoCPU(t *testing.T) {
	sampler := newProcessSampler()

	usage := sampler.Sample()

	assert.Zero(t, usage.CPUPercent)
	assert.Zero(t, usage.SampledOver)
	assert.NotZero(t, usage.HeapBytes)
	assert.Positive(t, usage.Goroutines)
}

func TestProcessSamplerMeasuresSincePreviousSample(t *testing.T) {
	sampler := newProcessSampler()
	start := time.Now()
	sampler.now = func() time.Time { return start }
	sampler.Sample()

	sampler.now = func() time.Time { return start.Add(2 * time.Second) }
	usage := sampler.Sample()

	assert.InDelta(t, 2.0, usage.SampledOver, 0.001)
	assert.GreaterOrEqual(t, usage.CPUPercent, 0.0)
}
