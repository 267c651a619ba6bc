package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/bagua/internal/metrics"
	"github.com/roach88/bagua/internal/store"
)

// newRegistry returns a registry holding the bagua collectors and the
// pool's connection statistics.
func newRegistry(pool *store.Pool) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg, metrics.NewPoolCollector(pool.Stats)); err != nil {
		return nil, err
	}
	return reg, nil
}

// serveMetrics exposes reg on addr under /metrics until ctx ends.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		slog.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "error", err)
		}
	}()
}

// counterTotals sums every counter family in reg by name.
func counterTotals(reg prometheus.Gatherer) (map[string]float64, error) {
	families, err := reg.Gather()
	if err != nil {
		return nil, err
	}
	totals := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if c := m.GetCounter(); c != nil {
				totals[mf.GetName()] += c.GetValue()
			}
		}
	}
	return totals, nil
}
