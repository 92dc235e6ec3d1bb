package summary

import (
	"io"
	"math"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	scalars  map[string]float64
	closeErr error
	closed   bool
}

func (r *recorder) AddScalar(name string, value float64, _ int) {
	if r.scalars == nil {
		r.scalars = make(map[string]float64)
	}
	r.scalars[name] = value
}

func (r *recorder) AddHistogram(string, []float64, int) {}

func (r *recorder) Close() error {
	r.closed = true
	return r.closeErr
}

func TestMulti(t *testing.T) {
	assert.Equal(t, Nop{}, Multi())
	assert.Equal(t, Nop{}, Multi(nil, nil))

	a := &recorder{}
	assert.Same(t, a, Multi(nil, a))

	b := &recorder{closeErr: errors.New("disk full")}
	m := Multi(a, b)
	m.AddScalar("train/loss", 0.5, 1)
	assert.Equal(t, 0.5, a.scalars["train/loss"])
	assert.Equal(t, 0.5, b.scalars["train/loss"])
	err := m.Close()
	require.ErrorContains(t, err, "disk full")
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestMetricTypeOf(t *testing.T) {
	assert.Equal(t, LossType, MetricTypeOf("train/loss"))
	assert.Equal(t, AccuracyType, MetricTypeOf("val/top1"))
	assert.Equal(t, LearningRateType, MetricTypeOf("train/lr"))
	assert.Equal(t, OtherType, MetricTypeOf("train/step_time"))
}

func TestPointsWriter(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	w, err := NewPointsWriter(dir)
	require.NoError(t, err)
	w.AddScalar("train/loss", 2.5, 1)
	w.AddScalar("val/top1", 50, 10)
	w.AddHistogram("hist/fc.weight", []float64{1, 2, 3, 4}, 10)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	points, err := LoadPoints(w.FilePath())
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.Equal(t, Point{MetricName: "train/loss", Short: "loss", MetricType: LossType, Step: 1, Value: 2.5}, points[0])
	assert.Equal(t, "top1", points[1].Short)
	assert.Equal(t, AccuracyType, points[1].MetricType)
	hist := points[2]
	assert.Equal(t, HistogramType, hist.MetricType)
	assert.Equal(t, 2.5, hist.Value)
	require.NotNil(t, hist.Histogram)
	assert.Equal(t, 4, hist.Histogram.Count)
	assert.Equal(t, 1.0, hist.Histogram.Min)
	assert.Equal(t, 4.0, hist.Histogram.Max)
	assert.Equal(t, 2.0, hist.Histogram.P50)

	// Reopening appends.
	w, err = NewPointsWriter(dir)
	require.NoError(t, err)
	w.AddScalar("train/loss", 1.5, 2)
	require.NoError(t, w.Close())
	points, err = LoadPoints(w.FilePath())
	require.NoError(t, err)
	assert.Len(t, points, 4)

	_, err = LoadPoints(filepath.Join(dir, "missing.json"))
	require.Error(t, err)
}

func TestPointsWriterSkipsNonFinite(t *testing.T) {
	w, err := NewPointsWriter(t.TempDir())
	require.NoError(t, err)
	w.AddScalar("train/loss", math.NaN(), 1)
	w.AddScalar("train/loss", math.Inf(1), 2)
	w.AddHistogram("hist/fc.weight", []float64{1, math.NaN()}, 2)
	w.AddScalar("train/loss", 0.5, 3)
	w.AddScalar("val/top1", 75, 3)
	require.NoError(t, w.Close())

	points, err := LoadPoints(w.FilePath())
	require.NoError(t, err)
	require.Len(t, points, 2, "points after a non-finite one are still written")
	assert.Equal(t, 3.0, points[0].Step)
	assert.Equal(t, 0.5, points[0].Value)
	assert.Equal(t, "val/top1", points[1].MetricName)
}

func TestPlotPoints(t *testing.T) {
	points := []Point{
		newPoint("train/loss", 2, 1),
		newPoint("val/loss", 2.5, 1),
		newPoint("train/loss", 1, 2),
		newPoint("val/top1", 40, 2),
		{MetricName: "hist/w", MetricType: HistogramType, Step: 2},
	}
	plots, err := PlotPoints(points)
	require.NoError(t, err)
	require.Len(t, plots, 2)
	assert.Equal(t, AccuracyType, plots[0].Title.Text)
	assert.Equal(t, LossType, plots[1].Title.Text)

	filePath := filepath.Join(t.TempDir(), "metrics.png")
	require.NoError(t, SavePlot(points, filePath))
	assert.FileExists(t, filePath)

	require.Error(t, SavePlot(points[4:], filePath))
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, HistogramSummary{}, Summarize(nil))
	h := Summarize([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	assert.Equal(t, 8, h.Count)
	assert.InDelta(t, 5.0, h.Mean, 1e-9)
	assert.InDelta(t, 2.0, h.StdDev, 1e-9)
}

func TestPrometheus(t *testing.T) {
	p := NewPrometheus("run-1")
	p.AddScalar("train/loss", 0.25, 3)
	p.AddScalar("train/loss", 0.125, 4)
	p.AddHistogram("hist/fc.weight", []float64{-0.2, 0, 0.3}, 4)

	assert.Equal(t, 0.125, testutil.ToFloat64(p.scalars.WithLabelValues("train/loss")))
	assert.Equal(t, 4.0, testutil.ToFloat64(p.steps.WithLabelValues("train/loss")))
	assert.Equal(t, 1, testutil.CollectAndCount(p.hists))

	addr, err := p.Serve("127.0.0.1:0")
	require.NoError(t, err)
	defer func() { require.NoError(t, p.Close()) }()

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `disttrain_train_scalar{name="train/loss",run_id="run-1"} 0.125`)
	assert.Contains(t, string(body), `disttrain_train_histogram_count{name="hist/fc.weight",run_id="run-1"} 3`)

	resp, err = http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
