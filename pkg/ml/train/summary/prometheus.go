package summary

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"
)

// Namespace of the exported Prometheus metrics.
const Namespace = "disttrain"

// Prometheus is a Writer that exports the latest value of each scalar as a gauge, and the samples of histograms
// as a Prometheus histogram, on its own registry.
type Prometheus struct {
	registry *prometheus.Registry
	scalars  *prometheus.GaugeVec
	steps    *prometheus.GaugeVec
	hists    *prometheus.HistogramVec

	server   *http.Server
	listener net.Listener
}

var _ Writer = (*Prometheus)(nil)

// NewPrometheus creates the metrics. runID is added as a constant label.
func NewPrometheus(runID string) *Prometheus {
	p := &Prometheus{registry: prometheus.NewRegistry()}
	constLabels := prometheus.Labels{"run_id": runID}
	p.scalars = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   Namespace,
			Subsystem:   "train",
			Name:        "scalar",
			Help:        "Latest value of a training or evaluation scalar metric",
			ConstLabels: constLabels,
		},
		[]string{"name"},
	)
	p.steps = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   Namespace,
			Subsystem:   "train",
			Name:        "scalar_step",
			Help:        "Global step of the latest value of a scalar metric",
			ConstLabels: constLabels,
		},
		[]string{"name"},
	)
	p.hists = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   Namespace,
			Subsystem:   "train",
			Name:        "histogram",
			Help:        "Distribution of model parameters",
			ConstLabels: constLabels,
			Buckets:     []float64{-1, -0.5, -0.25, -0.1, -0.05, -0.01, 0, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"name"},
	)
	p.registry.MustRegister(p.scalars, p.steps, p.hists)
	return p
}

// Registry returns the registry holding the metrics.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler returns the HTTP handler serving /metrics and /health.
func (p *Prometheus) Handler() http.Handler {
	mux := chi.NewRouter()
	mux.Handle("/metrics", promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry}))
	mux.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// Serve starts serving Handler on address (e.g.: ":9090") in the background, until Close is called.
// It returns the address actually listened on.
func (p *Prometheus) Serve(address string) (string, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return "", errors.Wrapf(err, "failed to listen on %q for metrics", address)
	}
	p.listener = listener
	p.server = &http.Server{Handler: p.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := p.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.Errorf("metrics server on %s failed: %+v", listener.Addr(), err)
		}
	}()
	klog.V(1).Infof("serving metrics on http://%s/metrics", listener.Addr())
	return listener.Addr().String(), nil
}

// AddScalar implements Writer.
func (p *Prometheus) AddScalar(name string, value float64, step int) {
	p.scalars.WithLabelValues(name).Set(value)
	p.steps.WithLabelValues(name).Set(float64(step))
}

// AddHistogram implements Writer.
func (p *Prometheus) AddHistogram(name string, samples []float64, _ int) {
	observer := p.hists.WithLabelValues(name)
	for _, x := range samples {
		observer.Observe(x)
	}
}

// Close implements Writer: it stops the server, if one was started.
func (p *Prometheus) Close() error {
	if p.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.server.Shutdown(ctx)
	p.server = nil
	return errors.Wrap(err, "failed to shut down metrics server")
}
