// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package summary

import (
	"encoding/json"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"

	"github.com/gomlx/disttrain/pkg/support/fsutil"
)

// PointsFileName is the default file name within the log directory to store the points collected
// during training.
const PointsFileName = "training_points.json"

// Metric types, used to group similar metrics when plotting.
const (
	LossType         = "loss"
	AccuracyType     = "accuracy"
	LearningRateType = "learning_rate"
	HistogramType    = "histogram"
	OtherType        = "other"
)

// Point is one metric value at one step. It's the unit saved (as one JSON line) by PointsWriter.
type Point struct {
	// MetricName of this point, e.g.: "train/loss".
	MetricName string

	// Short name, the last part of the MetricName.
	Short string

	// MetricType typically will be "loss", "accuracy".
	// It's used in plotting to aggregate similar metric types in the same plot.
	MetricType string

	// Step is the global step this metric was measured.
	Step float64

	// Value is the metric captured. For histograms, it's the mean.
	Value float64

	// Histogram summarizes the samples, for histogram points only.
	Histogram *HistogramSummary `json:",omitempty"`
}

// HistogramSummary holds the summary statistics of a histogram.
type HistogramSummary struct {
	Count                       int
	Min, Max, Mean, StdDev, P50 float64
}

// Summarize computes the HistogramSummary of samples.
func Summarize(samples []float64) HistogramSummary {
	if len(samples) == 0 {
		return HistogramSummary{}
	}
	h := HistogramSummary{
		Count: len(samples),
		Min:   floats.Min(samples),
		Max:   floats.Max(samples),
	}
	h.Mean, h.StdDev = stat.PopMeanStdDev(samples, nil)
	sorted := slices.Clone(samples)
	slices.Sort(sorted)
	h.P50 = stat.Quantile(0.5, stat.Empirical, sorted, nil)
	return h
}

// MetricTypeOf guesses the metric type from its name.
func MetricTypeOf(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "loss"):
		return LossType
	case strings.Contains(lower, "top") || strings.Contains(lower, "acc") || strings.Contains(lower, "prec"):
		return AccuracyType
	case strings.HasSuffix(lower, "/lr") || strings.Contains(lower, "learning_rate"):
		return LearningRateType
	}
	return OtherType
}

func newPoint(name string, value float64, step int) Point {
	short := name
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		short = name[idx+1:]
	}
	return Point{MetricName: name, Short: short, MetricType: MetricTypeOf(name), Step: float64(step), Value: value}
}

// PointsWriter is a Writer that appends the points, one JSON line each, to a file. Writing happens in a
// background goroutine, so Add* calls don't block on the file system.
type PointsWriter struct {
	filePath  string
	points    chan Point
	errReport chan error
	closeOnce sync.Once
	err       error
}

var _ Writer = (*PointsWriter)(nil)

// NewPointsWriter creates (or appends to) the file PointsFileName in dir.
func NewPointsWriter(dir string) (*PointsWriter, error) {
	dir, err := fsutil.EnsureDir(dir)
	if err != nil {
		return nil, err
	}
	filePath := filepath.Join(dir, PointsFileName)
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open points file %q for append", filePath)
	}
	w := &PointsWriter{
		filePath:  filePath,
		points:    make(chan Point, 100),
		errReport: make(chan error, 1),
	}
	go w.writeLoop(f)
	return w, nil
}

// FilePath where points are written.
func (w *PointsWriter) FilePath() string {
	return w.filePath
}

// isFinite returns whether all values of the point can be encoded in JSON.
func (p *Point) isFinite() bool {
	values := []float64{p.Step, p.Value}
	if h := p.Histogram; h != nil {
		values = append(values, h.Min, h.Max, h.Mean, h.StdDev, h.P50)
	}
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// writeLoop writes points until the points channel is closed, and then reports back the first error.
// Points with non-finite values are skipped.
func (w *PointsWriter) writeLoop(f *os.File) {
	enc := json.NewEncoder(f)
	var firstErr error
	for point := range w.points {
		if !point.isFinite() {
			klog.Warningf("skipping non-finite point %q at step %g: %g", point.MetricName, point.Step, point.Value)
			continue
		}
		if err := enc.Encode(point); err != nil {
			klog.Errorf("failed to encode point %q at step %g: %+v", point.MetricName, point.Step, err)
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "failed to encode point %v", point)
			}
		}
	}
	if err := f.Close(); err != nil && firstErr == nil {
		firstErr = errors.Wrapf(err, "failed to close points file %q", w.filePath)
	}
	w.errReport <- firstErr
}

// AddScalar implements Writer.
func (w *PointsWriter) AddScalar(name string, value float64, step int) {
	w.points <- newPoint(name, value, step)
}

// AddHistogram implements Writer.
func (w *PointsWriter) AddHistogram(name string, samples []float64, step int) {
	h := Summarize(samples)
	point := newPoint(name, h.Mean, step)
	point.MetricType = HistogramType
	point.Histogram = &h
	w.points <- point
}

// Close implements Writer. It waits for all points to be written.
func (w *PointsWriter) Close() error {
	w.closeOnce.Do(func() {
		close(w.points)
		w.err = <-w.errReport
	})
	return w.err
}

// LoadPoints parses all points saved in the given file.
func LoadPoints(filePath string) ([]Point, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read points file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	dec := json.NewDecoder(f)
	var points []Point
	for {
		var point Point
		err := dec.Decode(&point)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "error while decoding points file %q", filePath)
		}
		points = append(points, point)
	}
	return points, nil
}
