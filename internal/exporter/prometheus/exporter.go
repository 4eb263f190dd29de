// SPDX-FileCopyrightText: 2025 The Hybridsched Authors
// SPDX-License-Identifier: Apache-2.0

// Package prometheus exposes the scheduler daemon's decision telemetry
// on an HTTP /metrics endpoint. Disabled by default; the daemon works
// the same without it.
package prometheus

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/K0toulas/hybridsched/internal/sched"
)

// Exporter serves the metrics endpoint as a service.
type Exporter struct {
	logger *slog.Logger
	stats  *sched.Stats
	addr   string

	registry *prometheus.Registry
	server   *http.Server
}

type OptionFn func(*Exporter)

func WithLogger(logger *slog.Logger) OptionFn {
	return func(e *Exporter) { e.logger = logger }
}

func NewExporter(stats *sched.Stats, addr string, applyOpts ...OptionFn) *Exporter {
	e := &Exporter{
		logger: slog.Default(),
		stats:  stats,
		addr:   addr,
	}
	for _, apply := range applyOpts {
		apply(e)
	}
	e.logger = e.logger.With("service", "prometheus")
	return e
}

func (e *Exporter) Name() string {
	return "prometheus"
}

func (e *Exporter) Init() error {
	e.registry = prometheus.NewRegistry()
	e.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		newStatsCollector(e.stats),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))
	e.server = &http.Server{
		Addr:        e.addr,
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
	}
	return nil
}

func (e *Exporter) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", e.addr)
	if err != nil {
		return err
	}
	e.logger.Info("metrics endpoint up", "addr", e.addr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- e.server.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (e *Exporter) Shutdown() error {
	if e.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return e.server.Shutdown(ctx)
}
