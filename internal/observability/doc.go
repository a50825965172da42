// Package observability provides the tracing, metrics, logging and health
// check infrastructure shared by the hub, the router and the agents.
//
// # Overview
//
// The package wires OpenTelemetry for every relay process:
//   - Distributed tracing exported over OTLP/gRPC (optional)
//   - Metrics exported through the Prometheus exporter
//   - Structured JSON logging through log/slog with trace correlation
//   - Health and readiness endpoints
//
// # Quick Start
//
//	config := observability.DefaultConfig("relay-hub")
//	obs, err := observability.NewObservability(config)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer obs.Shutdown(context.Background())
//
//	metrics, _ := observability.NewMetricsManager(obs.Meter)
//	traces := observability.NewTraceManager(config.ServiceName)
//
// # Tracing across hops
//
// Envelopes cross process boundaries through queues, so the span context
// travels inside the envelope's trace map. Ingress injects it with
// InjectTraceContext; every later hop extracts it with ExtractTraceContext
// and starts a child span with StartHopSpan. A message can then be followed
// from the producer through the router to the agent that answered it.
//
// # Metrics
//
// MetricsManager implements the recorder interfaces of the pipeline and
// status packages and the presence.Notifier interface, so it can be handed
// directly to hops, to the broadcaster and to the registry:
//
//	envelopes_ingested_total{kind,source}
//	envelopes_routed_total{status}
//	hop_forwards_total{hop}, hop_duration_seconds{hop}
//	duplicates_dropped_total{hop}, hop_errors_total{hop,error}
//	registry_transitions_total{from_state,to_state}
//	status_snapshots_total{audience,kind}, status_snapshots_dropped_total{audience}
//	status_observers{audience}, live_connections{transport}
//	reconnect_attempts_total{component}
//
// # Logging
//
// ObservabilityHandler buffers records and writes them as JSON lines from a
// background goroutine. When the buffer is full records are dropped and
// counted in logs_dropped_total rather than blocking the caller. Records
// logged with a context holding a span carry trace_id and span_id.
//
// # Health Checks
//
// HealthServer exposes /health, /ready and /metrics. The hub mounts its
// Handler into the admin HTTP server; the router and agents run it
// standalone on their health address.
package observability
