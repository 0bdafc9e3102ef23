// Package metrics holds the Prometheus collectors for the gapscope pipeline and the
// HTTP endpoint that exposes them.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yiyibain/V-AI-workbench-sub001/internal/logger"
)

var (
	// CacheRequests counts store lookups by result (hit, miss).
	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gapscope_store_cache_requests_total",
		Help: "Tabular store cache lookups by result",
	}, []string{"result"})

	// SourceLoads counts fetches against the ingestion boundary by outcome.
	SourceLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gapscope_store_loads_total",
		Help: "Source loads by outcome",
	}, []string{"outcome"})

	// CompletionCalls counts completion endpoint round-trips.
	CompletionCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gapscope_completion_calls_total",
		Help: "Completion endpoint calls by provider and outcome",
	}, []string{"provider", "outcome"})

	// CompletionDuration tracks completion latency.
	CompletionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gapscope_completion_duration_seconds",
		Help:    "Completion endpoint latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
	}, []string{"provider"})

	// ToolCalls counts dispatcher executions by tool and result status.
	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gapscope_tool_calls_total",
		Help: "Dispatcher tool executions by tool and status",
	}, []string{"tool", "status"})

	// DeepDiveOutcomes counts finished deep-dive sessions.
	DeepDiveOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gapscope_deep_dive_outcomes_total",
		Help: "Deep-dive sessions by outcome",
	}, []string{"outcome"})

	// DeepDiveTurns tracks how many turns a session used.
	DeepDiveTurns = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gapscope_deep_dive_turns",
		Help:    "Turns used per deep-dive session",
		Buckets: []float64{1, 2, 3, 4, 6, 8, 12, 16},
	})
)

// Server serves /metrics until its context is cancelled.
type Server struct {
	srv *http.Server
}

// NewServer creates a metrics server bound to addr.
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Run listens until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Metrics endpoint listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}
