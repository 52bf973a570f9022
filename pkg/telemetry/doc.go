// Package telemetry provides observability for mintflow pipeline runs.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and in-process event publishing.
// The pieces meet in Sink, the engine.TelemetrySink that every pipeline run
// reports its audit event to.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	tel.StartMetricsServer()
//
//	pipeline := engine.NewPipeline(tel.Logger.Zerolog(), append(
//	    tel.PipelineOptions(auditStore),
//	    engine.WithGuard(guard),
//	)...)
//
// # Events
//
// Subscribers receive every engine.Event that passes their filter:
//
//	tel.Events.Subscribe(func(ev engine.Event) {
//	    alert(ev)
//	}, telemetry.FilterFailures())
//
// Filters: FilterFailures, FilterByDisposition, FilterByOperation,
// FilterByCorrelationID.
//
// # Metrics
//
// Metrics are exposed at /metrics on the configured listen address:
//
//   - pipeline_runs_total{operation,disposition}
//   - pipeline_run_duration_seconds{operation}
//   - pipeline_stage_outcomes_total{stage,outcome}
//   - pipeline_failures_total{kind,code}
//   - retry_decisions_total{policy}
//   - idempotency_hits_total{operation}
//   - deployment_transitions_total{from,to}
//   - idempotency_records_swept_total
//
// # Graceful Shutdown
//
// Shutdown delivers buffered events, exports pending spans and stops the
// metrics server.
package telemetry
