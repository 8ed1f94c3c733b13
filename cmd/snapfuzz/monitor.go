package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"snapfuzz/internal/events"
	"snapfuzz/internal/monitor"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const metricsShutdownTimeout = 5 * time.Second

// newBroker builds the broker with every configured monitor. stop releases the
// metrics endpoint.
func (r *Runner) newBroker() (*events.Broker, func(), error) {
	mons := monitor.Fanout{monitor.NewMultiMonitor(func(line string) { fmt.Println(line) })}
	if r.redis != nil {
		mons = append(mons, monitor.NewRedisExporter(r.redis, r.runID, r.logger))
	}

	stop := func() {}
	if addr := r.cfg.MetricsAddr; addr != "" {
		reg := prometheus.NewRegistry()
		pm, err := monitor.NewPrometheusMonitor(reg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		mons = append(mons, pm)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			r.logger.Info("serving metrics", zap.String("addr", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		stop = func() {
			ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancel()
			srv.Shutdown(ctx)
		}
	}

	broker := events.NewBroker(mons, r.logger)
	broker.SetStaleAfter(r.cfg.Campaign.ClientStaleAfter)
	return broker, stop, nil
}
