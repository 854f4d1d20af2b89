// Package telemetry exposes the control plane's counters and histograms in
// Prometheus format and carries decision events to subscribers. Everything
// here is write-only from the controller's perspective: a slow scrape or a
// full sink never blocks or fails a containment decision.
package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the agent's Prometheus instruments.
type Metrics struct {
	registry *prometheus.Registry

	TransitionsTotal     *prometheus.CounterVec
	BudgetDecisionsTotal *prometheus.CounterVec
	BudgetBalance        prometheus.Gauge
	ContainmentLatency   prometheus.Histogram
	EnforcementTotal     *prometheus.CounterVec
	SignalsTotal         *prometheus.CounterVec
	SignalsDropped       prometheus.Counter
	TrackedProcesses     prometheus.Gauge
	FPREstimate          prometheus.Gauge
	AnomalyScore         prometheus.Histogram
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "octoreflex_transitions_total",
			Help: "Containment state transitions executed.",
		}, []string{"from", "to"}),
		BudgetDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "octoreflex_budget_decisions_total",
			Help: "Token bucket spend decisions.",
		}, []string{"outcome"}),
		BudgetBalance: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "octoreflex_budget_balance",
			Help: "Current token bucket balance.",
		}),
		ContainmentLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "octoreflex_containment_latency_us",
			Help:    "Signal-to-decision latency in microseconds.",
			Buckets: prometheus.ExponentialBuckets(25, 2, 12),
		}),
		EnforcementTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "octoreflex_enforcement_attempts_total",
			Help: "Kernel map programming attempts.",
		}, []string{"result"}),
		SignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "octoreflex_signals_total",
			Help: "Behavioral signals consumed by the anomaly engine.",
		}, []string{"type"}),
		SignalsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "octoreflex_signals_dropped_total",
			Help: "Signals dropped due to a full ingest queue or sink.",
		}),
		TrackedProcesses: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "octoreflex_tracked_processes",
			Help: "Live containment records.",
		}),
		FPREstimate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "octoreflex_fpr_estimate",
			Help: "Most recent false-positive-rate estimate from validation runs.",
		}),
		AnomalyScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "octoreflex_anomaly_score",
			Help:    "Anomaly score distribution.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
	}
	reg.MustRegister(
		m.TransitionsTotal, m.BudgetDecisionsTotal, m.BudgetBalance,
		m.ContainmentLatency, m.EnforcementTotal, m.SignalsTotal,
		m.SignalsDropped, m.TrackedProcesses, m.FPREstimate, m.AnomalyScore,
	)
	return m
}

// Handler returns the /metrics handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs the metrics HTTP server until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	r := chi.NewRouter()
	r.Handle("/metrics", m.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
