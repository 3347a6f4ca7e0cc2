// Package metrics exposes run counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/gaia-runner/gaia/answering"
)

// Metrics holds the run collectors on a private registry.
type Metrics struct {
	Registry     *prometheus.Registry
	Attempts     *prometheus.CounterVec
	Questions    *prometheus.CounterVec
	AgentLatency prometheus.Histogram
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gaiarun_attempts_total",
				Help: "Answer attempts by result",
			},
			[]string{"result"},
		),
		Questions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gaiarun_questions_total",
				Help: "Finished questions by status",
			},
			[]string{"status"},
		),
		AgentLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gaiarun_agent_seconds",
				Help:    "Duration of one agent invocation",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
			},
		),
	}
	m.Registry.MustRegister(m.Attempts, m.Questions, m.AgentLatency)
	return m
}

// OnAttempt implements answering.Observer.
func (m *Metrics) OnAttempt(_ context.Context, ev answering.AttemptEvent) {
	m.Attempts.WithLabelValues(strings.ToLower(string(ev.State))).Inc()
	m.AgentLatency.Observe(ev.AgentLatency.Seconds())
}

// OnOutcome implements answering.Observer.
func (m *Metrics) OnOutcome(_ context.Context, o answering.Outcome) {
	m.Questions.WithLabelValues(string(o.Status)).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	logger.Info().Str("addr", ln.Addr().String()).Msg("metrics listening")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	return nil
}

var _ answering.Observer = (*Metrics)(nil)
