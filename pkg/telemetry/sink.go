package telemetry

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/mintflow/mintflow/pkg/engine"
)

// Sink is the engine.TelemetrySink that feeds pipeline events into metrics,
// logs, the active span and the event publisher before forwarding them to
// the next sink, usually the audit store.
type Sink struct {
	logger    zerolog.Logger
	metrics   *Metrics
	publisher *EventPublisher
	next      engine.TelemetrySink
}

var _ engine.TelemetrySink = (*Sink)(nil)

// NewSink creates a sink. Any of metrics, publisher and next may be nil.
func NewSink(logger zerolog.Logger, metrics *Metrics, publisher *EventPublisher, next engine.TelemetrySink) *Sink {
	return &Sink{
		logger:    logger.With().Str("component", "telemetry").Logger(),
		metrics:   metrics,
		publisher: publisher,
		next:      next,
	}
}

// Emit implements engine.TelemetrySink.
func (s *Sink) Emit(ctx context.Context, ev engine.Event) error {
	if s.metrics != nil {
		s.metrics.RecordRun(ev)
	}

	annotateSpan(trace.SpanFromContext(ctx), ev)
	s.log(ctx, ev)

	if s.publisher != nil {
		if err := s.publisher.Publish(ev); err != nil {
			s.logger.Warn().Err(err).Str("event_id", ev.ID).Msg("Failed to publish event")
		}
	}

	if s.next == nil {
		return nil
	}
	return s.next.Emit(ctx, ev)
}

func (s *Sink) log(ctx context.Context, ev engine.Event) {
	var e *zerolog.Event
	switch ev.Disposition {
	case engine.DispositionSucceeded:
		e = s.logger.Info()
	case engine.DispositionAttempted:
		e = s.logger.Error()
	default:
		e = s.logger.Warn()
	}

	e = e.Str("event_id", ev.ID).
		Str("operation", ev.OperationType).
		Str("correlation_id", ev.CorrelationID).
		Str("disposition", string(ev.Disposition)).
		Bool("idempotency_hit", ev.IdempotencyHit).
		Dur("duration", ev.Duration)
	if ev.DeploymentID != "" {
		e = e.Str("deployment_id", ev.DeploymentID)
	}
	if id := TraceID(ctx); id != "" {
		e = e.Str("trace_id", id)
	}
	if ev.FailureKind != "" {
		e = e.Str("failure_kind", string(ev.FailureKind)).
			Str("error_code", ev.ErrorCode).
			Str("retry_policy", string(ev.RetryPolicy))
	}
	e.Msg("Pipeline run finished")
}

func annotateSpan(span trace.Span, ev engine.Event) {
	if !span.IsRecording() {
		return
	}
	span.SetAttributes(
		AttrCorrelationID.String(ev.CorrelationID),
		AttrOperationType.String(ev.OperationType),
	)
	if ev.DeploymentID != "" {
		span.SetAttributes(AttrDeploymentID.String(ev.DeploymentID))
	}
	if ev.FailureKind != "" {
		span.SetAttributes(
			AttrFailureKind.String(string(ev.FailureKind)),
			AttrErrorCode.String(ev.ErrorCode),
			AttrRetryPolicy.String(string(ev.RetryPolicy)),
		)
	}
}
