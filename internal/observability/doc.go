// Package observability carries the ambient concerns shared by every
// livechat component: structured slog logging with credential redaction,
// Prometheus counters for the connection and send pipeline, and optional
// OpenTelemetry spans around sends and REST calls.
//
// Metrics methods are safe on a nil *Metrics. A nil registerer keeps the
// collectors in a private registry that nothing scrapes:
//
//	reg := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(reg)
//	metrics.MessageSent(models.RoleStaff)
//
// Tracing is disabled unless an OTLP endpoint is configured:
//
//	tracer, shutdown, err := observability.NewTracer(ctx, observability.TraceConfig{
//		ServiceName: "livechat",
//		Endpoint:    "localhost:4317",
//	})
//	if err != nil {
//		logger.Warn("tracing disabled", "error", err)
//	}
//	defer shutdown(ctx)
package observability
