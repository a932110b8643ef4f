package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/livechat/internal/cache"
	"github.com/haasonsaas/livechat/internal/config"
	"github.com/haasonsaas/livechat/internal/observability"
	"github.com/haasonsaas/livechat/internal/session"
	"github.com/haasonsaas/livechat/internal/transport"
)

// runtime holds everything a session command builds from its config.
type runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	cache   *cache.Cache

	closers []func(context.Context) error
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

func newRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	rt := &runtime{
		cfg: cfg,
		logger: observability.NewLogger(observability.LogConfig{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
		}),
	}

	reg := prometheus.NewRegistry()
	rt.metrics = observability.NewMetrics(reg)
	if cfg.Metrics.Enabled {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		rt.serveMetrics(reg)
	}

	if cfg.Tracing.Enabled {
		tracer, shutdown, err := observability.NewTracer(ctx, observability.TraceConfig{
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: cfg.Tracing.ServiceVersion,
			Endpoint:       cfg.Tracing.Endpoint,
			SamplingRate:   cfg.Tracing.SamplingRate,
			EnableInsecure: cfg.Tracing.Insecure,
		})
		if err != nil {
			rt.logger.Warn("tracing disabled", "error", err)
		}
		rt.tracer = tracer
		rt.closers = append(rt.closers, shutdown)
	} else {
		rt.tracer = observability.NoopTracer()
	}

	store, err := cache.Open(ctx, cache.Config{Backend: cfg.Cache.Backend, Path: cfg.Cache.Path})
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("open cache: %w", err)
	}
	rt.cache = store
	rt.closers = append(rt.closers, func(context.Context) error { return store.Close() })
	return rt, nil
}

func (rt *runtime) serveMetrics(reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	server := &http.Server{
		Addr:              rt.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.Error("metrics server stopped", "addr", server.Addr, "error", err)
		}
	}()
	rt.logger.Info("serving metrics", "addr", server.Addr)
	rt.closers = append(rt.closers, server.Shutdown)
}

// sessionConfig maps file settings onto a session.Config.
func (rt *runtime) sessionConfig(notify func(session.Event)) session.Config {
	cfg := rt.cfg
	return session.Config{
		WebSocketURL: cfg.Server.WebSocketURL,
		APIURL:       cfg.Server.APIURL,
		Credential:   cfg.Server.Credential,
		DisplayName:  cfg.Client.DisplayName,
		Profile:      cfg.Client.Profile(),
		Reconnect: transport.ReconnectPolicy{
			Interval:    cfg.Transport.RetryInterval,
			MaxAttempts: cfg.Transport.MaxAttempts,
			Factor:      cfg.Transport.BackoffFactor,
			MaxInterval: cfg.Transport.MaxRetryInterval,
		},
		DialTimeout:      cfg.Transport.DialTimeout,
		PingInterval:     cfg.Transport.PingInterval,
		WriteTimeout:     cfg.Transport.WriteTimeout,
		HandshakeTimeout: cfg.Identity.HandshakeTimeout,
		DedupTolerance:   cfg.Delivery.DedupTolerance,
		KeepFailed:       cfg.Delivery.KeepFailed,
		RefreshSchedule:  cfg.Directory.Refresh,
		Cache:            rt.cache,
		Notify:           notify,
		Logger:           rt.logger,
		Metrics:          rt.metrics,
		Tracer:           rt.tracer,
	}
}

func (rt *runtime) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			rt.logger.Warn("shutdown step failed", "error", err)
		}
	}
	rt.closers = nil
}
