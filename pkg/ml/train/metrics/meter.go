// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import "fmt"

// Meter keeps the running weighted average of a scalar, along with the last value seen.
//
// The weight is usually the number of samples the value was averaged over, so that
// Meter.Average is the per-sample mean over everything seen since the last Reset.
//
// A Meter is owned by one worker and is not safe for concurrent use.
type Meter struct {
	baseMetric

	// Value is the last value given to Update.
	Value float64

	// WeightedSum is the sum of value*weight over all updates.
	WeightedSum float64

	// TotalWeight is the sum of all weights, it never decreases between resets.
	TotalWeight float64

	// Average is WeightedSum/TotalWeight, or 0 if TotalWeight is 0.
	Average float64
}

// NewMeter creates a Meter with the given names. `prettyPrintFn` can be left nil, and a default will be used.
func NewMeter(name, shortName, metricType string, prettyPrintFn PrettyPrintFn) *Meter {
	return &Meter{baseMetric: baseMetric{
		name:       name,
		shortName:  shortName,
		metricType: metricType,
		pPrintFn:   prettyPrintFn,
	}}
}

// NewLossMeter creates a Meter for a loss.
func NewLossMeter(name, shortName string) *Meter {
	return NewMeter(name, shortName, LossMetricType, lossPPrint)
}

// NewAccuracyMeter creates a Meter for an accuracy given in percent.
func NewAccuracyMeter(name, shortName string) *Meter {
	return NewMeter(name, shortName, AccuracyMetricType, accuracyPPrint)
}

// NewTimeMeter creates a Meter for durations given in seconds.
func NewTimeMeter(name, shortName string) *Meter {
	return NewMeter(name, shortName, TimeMetricType, secondsPPrint)
}

// Reset all counters to zero.
func (m *Meter) Reset() {
	m.Value = 0
	m.WeightedSum = 0
	m.TotalWeight = 0
	m.Average = 0
}

// Update sets the current value and accumulates it with the given weight.
func (m *Meter) Update(value, weight float64) {
	m.Value = value
	m.WeightedSum += value * weight
	m.TotalWeight += weight
	if m.TotalWeight == 0 {
		m.Average = 0
		return
	}
	m.Average = m.WeightedSum / m.TotalWeight
}

// String prints the last value and the running average, e.g. "0.1234 (0.2345)".
func (m *Meter) String() string {
	return fmt.Sprintf("%s (%s)", m.PrettyPrint(m.Value), m.PrettyPrint(m.Average))
}
