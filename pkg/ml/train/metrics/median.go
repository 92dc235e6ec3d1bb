package metrics

import (
	"math/rand/v2"
	"slices"
)

// StreamingMedian keeps an approximate median of a stream of values, using reservoir sampling
// once more than the configured sample size was seen.
type StreamingMedian struct {
	baseMetric
	maxNumSamples, samplesSeen int
	samples                    []float64
	rng                        *rand.Rand
}

// NewStreamingMedian creates a streaming median metric.
//
// `prettyPrintFn` can be left as nil, and a default will be used.
func NewStreamingMedian(name, shortName, metricType string, prettyPrintFn PrettyPrintFn) *StreamingMedian {
	return &StreamingMedian{
		baseMetric: baseMetric{
			name:       name,
			shortName:  shortName,
			metricType: metricType,
			pPrintFn:   prettyPrintFn,
		},
		maxNumSamples: 10_001,
	}
}

// WithSampleSize configures the default number of random samples to keep to estimate the median.
func (m *StreamingMedian) WithSampleSize(n int) *StreamingMedian {
	m.maxNumSamples = n
	return m
}

// WithSeed makes the reservoir sampling deterministic.
func (m *StreamingMedian) WithSeed(seed uint64) *StreamingMedian {
	m.rng = rand.New(rand.NewPCG(seed, seed))
	return m
}

// Update adds one value to the stream.
func (m *StreamingMedian) Update(x float64) {
	if m.samples == nil {
		m.samples = make([]float64, 0, min(m.maxNumSamples, 1024))
		m.samplesSeen = 0
		if m.rng == nil {
			m.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
		}
	}
	m.samplesSeen++

	// Simple case: we have space to simply store the new sampled x.
	if len(m.samples) < m.maxNumSamples {
		m.samples = append(m.samples, x)
		return
	}

	// We must decide whether to keep x:
	if m.rng.Float64() >= float64(m.maxNumSamples)/float64(m.samplesSeen) {
		return
	}
	// We replace the new sampled x in a random position.
	pos := m.rng.IntN(m.maxNumSamples)
	m.samples[pos] = x
}

// Median returns the current estimate, or 0 if no value was seen.
func (m *StreamingMedian) Median() float64 {
	if len(m.samples) == 0 {
		return 0
	}
	slices.Sort(m.samples)
	return m.samples[len(m.samples)/2]
}

// Count returns the number of values seen since the last Reset.
func (m *StreamingMedian) Count() int {
	return m.samplesSeen
}

// Reset discards all samples.
func (m *StreamingMedian) Reset() {
	m.samples = nil
	m.samplesSeen = 0
}
