/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package metrics holds the running statistics used by the training and evaluation loops:
// running-average meters, a streaming median and the top-k accuracy scorer.
//
// All values are plain float64 held by one worker. Combining them across workers is the job of
// the distributed.Aggregator, which feeds the already global values into the meters here.
package metrics

import (
	"fmt"

	"github.com/pkg/errors"
)

// Interface for a Metric.
type Interface interface {
	// Name of the metric.
	Name() string

	// ShortName is a shortened version of the name (preferably a few characters) to display in progress bars or
	// similar UIs.
	ShortName() string

	// MetricType is a key for metrics that share the same quantity or semantics. Eg.:
	// "Moving-Average-Accuracy" and "Batch-Accuracy" would both have the same
	// "accuracy" metric type, and for instance, can be displayed on the same plot, sharing
	// the Y-axis.
	MetricType() string

	// PrettyPrint is used to pretty-print a metric value, usually in a short form.
	PrettyPrint(value float64) string

	// Reset metrics internal counters when starting a new reporting phase.
	Reset()
}

const (
	// LossMetricType is the type of loss metrics.
	// Used to aggregate metrics of the same  type in the same plot.
	LossMetricType = "loss"

	// AccuracyMetricType is the type of accuracy metrics, reported in percent.
	AccuracyMetricType = "accuracy"

	// TimeMetricType is the type of metrics measuring durations in seconds.
	TimeMetricType = "time"
)

// ErrInvalidArgument is returned when a metric is requested with arguments that can never be satisfied,
// e.g. a top-k accuracy with k larger than the number of classes.
var ErrInvalidArgument = errors.New("invalid metric argument")

// PrettyPrintFn is a function to convert a metric value to a string.
type PrettyPrintFn func(value float64) string

func defaultPPrint(value float64) string {
	return fmt.Sprintf("%.3f", value)
}

func lossPPrint(value float64) string {
	return fmt.Sprintf("%.4f", value)
}

func accuracyPPrint(value float64) string {
	return fmt.Sprintf("%.2f%%", value)
}

func secondsPPrint(value float64) string {
	return fmt.Sprintf("%.3fs", value)
}

// baseMetric holds the naming shared by all metrics.
type baseMetric struct {
	name, shortName, metricType string
	pPrintFn                    PrettyPrintFn // if nil will display default.
}

func (m *baseMetric) Name() string {
	return m.name
}

func (m *baseMetric) ShortName() string {
	return m.shortName
}

func (m *baseMetric) MetricType() string {
	return m.metricType
}

func (m *baseMetric) PrettyPrint(value float64) string {
	if m.pPrintFn == nil {
		return defaultPPrint(value)
	}
	return m.pPrintFn(value)
}
