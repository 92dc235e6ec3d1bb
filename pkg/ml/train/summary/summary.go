// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package summary implements the metrics sinks of a training run: scalar values and histograms indexed by
// a global step.
//
// Only the coordinator writes metrics: every other worker gets a Nop writer, decided once when the run is
// set up.
package summary

import (
	"github.com/pkg/errors"
)

// Writer is a metrics sink.
type Writer interface {
	// AddScalar records value for the metric name at step.
	AddScalar(name string, value float64, step int)

	// AddHistogram records the distribution of samples for the metric name at step.
	AddHistogram(name string, samples []float64, step int)

	// Close flushes and releases the writer. It reports any error that happened while writing.
	Close() error
}

// Nop is a Writer that discards everything.
type Nop struct{}

var _ Writer = Nop{}

// AddScalar implements Writer.
func (Nop) AddScalar(string, float64, int) {}

// AddHistogram implements Writer.
func (Nop) AddHistogram(string, []float64, int) {}

// Close implements Writer.
func (Nop) Close() error { return nil }

// MultiWriter writes to all its writers.
type MultiWriter []Writer

// Multi returns a Writer that duplicates its writes to all writers, skipping nil ones.
// If there is only one writer, it's returned directly. If there are none, it returns Nop.
func Multi(writers ...Writer) Writer {
	var m MultiWriter
	for _, w := range writers {
		if w != nil {
			m = append(m, w)
		}
	}
	switch len(m) {
	case 0:
		return Nop{}
	case 1:
		return m[0]
	}
	return m
}

// AddScalar implements Writer.
func (m MultiWriter) AddScalar(name string, value float64, step int) {
	for _, w := range m {
		w.AddScalar(name, value, step)
	}
}

// AddHistogram implements Writer.
func (m MultiWriter) AddHistogram(name string, samples []float64, step int) {
	for _, w := range m {
		w.AddHistogram(name, samples, step)
	}
}

// Close implements Writer. All writers are closed, and the first error is returned.
func (m MultiWriter) Close() error {
	var firstErr error
	for _, w := range m {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return errors.WithMessage(firstErr, "closing summary writers")
}
