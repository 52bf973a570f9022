package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/mintflow/mintflow/pkg/idempotency"
	"github.com/mintflow/mintflow/pkg/lifecycle"
	"github.com/mintflow/mintflow/pkg/retry"
)

// TransitionCheck is the lifecycle transition an operation implies. When
// DeploymentID is set, the current state is read from the DeploymentStore
// and From is ignored.
type TransitionCheck struct {
	DeploymentID string
	From         lifecycle.State
	To           lifecycle.State
}

// Steps are the caller-supplied delegates of one pipeline run. Only
// Operation is required.
type Steps[Req, T any] struct {
	// Validate is a pure check over the request.
	Validate Gate[Req]

	// CheckPreconditions consults external gating conditions.
	CheckPreconditions Gate[Req]

	// Transition returns the transition the operation implies, or nil.
	Transition func(req Req) *TransitionCheck

	// Fingerprint selects the logically significant request fields. The
	// whole request is fingerprinted when nil.
	Fingerprint func(req Req) any

	// Operation performs the side effect.
	Operation func(ctx context.Context, req Req) (T, error)

	// VerifyPostCommit confirms the operation reached its expected effect.
	VerifyPostCommit func(ctx context.Context, req Req, payload T) error

	// Subject returns the deployment ID the run concerns, for telemetry.
	Subject func(req Req, payload T) string

	// SuccessStatus is the HTTP-equivalent status of a successful run.
	// Defaults to 200.
	SuccessStatus int

	// IdempotencyTTL overrides the guard TTL for this operation.
	IdempotencyTTL time.Duration
}

// Pipeline sequences validation, preconditions, guarded execution, post-commit
// verification and telemetry into one auditable run.
type Pipeline struct {
	guard      *idempotency.Guard
	store      DeploymentStore
	sink       TelemetrySink
	classifier *retry.Classifier
	logger     zerolog.Logger
	tracer     trace.Tracer
	now        func() time.Time
	newID      func() string
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithGuard sets the idempotency guard. Without one, every run executes.
func WithGuard(g *idempotency.Guard) Option {
	return func(p *Pipeline) { p.guard = g }
}

// WithDeploymentStore sets the store used for transition checks and records.
func WithDeploymentStore(s DeploymentStore) Option {
	return func(p *Pipeline) { p.store = s }
}

// WithTelemetrySink sets the sink that receives run events.
func WithTelemetrySink(s TelemetrySink) Option {
	return func(p *Pipeline) { p.sink = s }
}

// WithClassifier sets the retry classifier.
func WithClassifier(c *retry.Classifier) Option {
	return func(p *Pipeline) { p.classifier = c }
}

// WithTracer sets the tracer used for run and stage spans.
func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) { p.tracer = t }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithIDGenerator sets the generator for correlation, record and event IDs.
func WithIDGenerator(newID func() string) Option {
	return func(p *Pipeline) { p.newID = newID }
}

// NewPipeline creates a pipeline.
func NewPipeline(logger zerolog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		classifier: retry.NewClassifier(nil),
		logger:     logger.With().Str("component", "pipeline").Logger(),
		tracer:     noop.NewTracerProvider().Tracer("mintflow/engine"),
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Store returns the pipeline's deployment store, or nil.
func (p *Pipeline) Store() DeploymentStore {
	return p.store
}

// run accumulates stage markers for one execution.
type run struct {
	p       *Pipeline
	markers []StageMarker
}

// begin opens a stage span and returns a function that records the marker.
func (r *run) begin(ctx context.Context, stage Stage) (context.Context, func(Outcome)) {
	start := r.p.now()
	ctx, span := r.p.tracer.Start(ctx, "pipeline."+string(stage))
	return ctx, func(o Outcome) {
		r.markers = append(r.markers, StageMarker{
			Stage:     stage,
			Entered:   true,
			Outcome:   o,
			Timestamp: start,
			Duration:  r.p.now().Sub(start),
		})
		span.SetAttributes(attribute.String("stage.outcome", string(o)))
		span.End()
	}
}

// gate runs a validation or precondition stage.
func (r *run) gate(ctx context.Context, stage Stage, kind FailureKind, check func(context.Context) error) *Failure {
	ctx, end := r.begin(ctx, stage)
	if err := ctx.Err(); err != nil {
		end(OutcomeCancelled)
		return cancelled(stage, err, false)
	}
	if check == nil {
		end(OutcomeSkipped)
		return nil
	}
	if err := check(ctx); err != nil {
		if ctx.Err() != nil && isContextErr(err) {
			end(OutcomeCancelled)
			return cancelled(stage, err, false)
		}
		end(OutcomeFailed)
		code, class := CodeOf(err, "")
		f := newFailure(kind, stage, code, err)
		f.category = string(class)
		return f
	}
	end(OutcomePassed)
	return nil
}

// Execute runs req through the five pipeline stages and returns the result.
// Failures never panic or escape as errors; they are reported in the result
// together with the stage markers reached.
func Execute[Req, T any](ctx context.Context, p *Pipeline, oc OperationContext, req Req, steps Steps[Req, T]) *Result[T] {
	start := p.now()
	if oc.CorrelationID == "" {
		oc.CorrelationID = p.newID()
		oc.CorrelationGenerated = true
	}

	ctx = withOperationContext(ctx, oc)

	ctx, span := p.tracer.Start(ctx, "pipeline.execute", trace.WithAttributes(
		attribute.String("operation.type", oc.OperationType),
		attribute.String("correlation.id", oc.CorrelationID),
		attribute.Bool("idempotency.key_present", oc.IdempotencyKey != ""),
	))
	defer span.End()

	logger := p.logger.With().
		Str("operation", oc.OperationType).
		Str("correlation_id", oc.CorrelationID).
		Logger()
	if oc.CorrelationGenerated {
		logger.Debug().Msg("No correlation ID supplied, generated one")
	}

	successStatus := steps.SuccessStatus
	if successStatus == 0 {
		successStatus = http.StatusOK
	}

	res := &Result[T]{oc: oc, successStatus: successStatus}
	r := &run{p: p}

	res.failure = executeStages(ctx, p, r, res, oc, req, steps, successStatus, logger)

	if res.failure != nil {
		d := p.classifier.Classify(res.failure.Code, res.failure.category, retry.Context{Operation: oc.OperationType})
		res.decision = &d
	}

	// Validation failures end the run with no side effects at all.
	if res.failure == nil || res.failure.Kind != FailureValidation {
		emitCtx := context.WithoutCancel(ctx)
		_, end := r.begin(emitCtx, StageTelemetry)
		end(p.emit(emitCtx, logger, buildEvent(p, oc, res, r.markers, req, steps, start)))
	}
	res.markers = r.markers

	if f := res.failure; f != nil {
		span.SetStatus(codes.Error, f.Message)
		span.SetAttributes(
			attribute.String("failure.kind", string(f.Kind)),
			attribute.String("failure.code", f.Code),
		)
		logger.Warn().
			Str("failure_kind", string(f.Kind)).
			Str("code", f.Code).
			Str("stage", string(f.Stage)).
			Str("disposition", string(f.Disposition)).
			Str("retry_policy", string(res.decision.Policy)).
			Msg(f.Message)
	} else {
		span.SetStatus(codes.Ok, "")
		logger.Info().
			Bool("idempotency_hit", res.hit).
			Dur("duration", p.now().Sub(start)).
			Msg("Operation completed")
	}

	return res
}

// executeStages runs stages 1 through 4, appending markers to r and the
// payload to res. It returns the failure that stopped the run, if any.
func executeStages[Req, T any](ctx context.Context, p *Pipeline, r *run, res *Result[T], oc OperationContext, req Req, steps Steps[Req, T], successStatus int, logger zerolog.Logger) *Failure {
	var validate, preconditions func(context.Context) error
	if steps.Validate != nil {
		validate = func(ctx context.Context) error { return steps.Validate(ctx, oc, req) }
	}
	if steps.CheckPreconditions != nil {
		preconditions = func(ctx context.Context) error { return steps.CheckPreconditions(ctx, oc, req) }
	}

	if f := r.gate(ctx, StageValidate, FailureValidation, validate); f != nil {
		return f
	}
	if f := r.gate(ctx, StagePreconditions, FailurePrecondition, preconditions); f != nil {
		return f
	}

	// Stage 3: guarded execution.
	execCtx, end := r.begin(ctx, StageExecute)
	if err := execCtx.Err(); err != nil {
		end(OutcomeCancelled)
		return cancelled(StageExecute, err, false)
	}

	var (
		live      T
		produced  bool
		opStarted bool
	)
	producer := func(ctx context.Context) (idempotency.Snapshot, error) {
		if steps.Transition != nil {
			if tc := steps.Transition(req); tc != nil {
				if err := p.checkTransition(ctx, oc, *tc); err != nil {
					return idempotency.Snapshot{}, &idempotency.ProducerError{Err: err}
				}
			}
		}

		opStarted = true
		v, err := callOperation(ctx, steps.Operation, req)
		if err != nil {
			return idempotency.Snapshot{}, err
		}
		live, produced = v, true

		data, err := json.Marshal(v)
		if err != nil {
			logger.Warn().Err(err).Msg("Operation result is not serializable, storing null snapshot")
			data = json.RawMessage("null")
		}
		return idempotency.Snapshot{StatusCode: successStatus, Payload: data}, nil
	}

	fingerprintOf := func() any {
		if steps.Fingerprint != nil {
			return steps.Fingerprint(req)
		}
		return req
	}
	snap, hit, err := p.guarded(execCtx, oc.IdempotencyKey, fingerprintOf, steps.IdempotencyTTL, producer)
	if err != nil {
		f := p.executionFailure(execCtx, err, opStarted)
		if f.Kind == FailureCancelled {
			end(OutcomeCancelled)
		} else {
			end(OutcomeFailed)
		}
		return f
	}

	payload := live
	if !produced {
		if err := json.Unmarshal(snap.Payload, &payload); err != nil {
			end(OutcomeFailed)
			f := newFailure(FailureExecution, StageExecute, ErrCodeInternal,
				fmt.Errorf("failed to decode stored result: %w", err))
			f.Disposition = DispositionRejected
			return f
		}
	}
	res.payload, res.hasPayload, res.hit = payload, true, hit
	end(OutcomePassed)

	// The side effect is durable from here on; cancellation no longer applies.
	verifyCtx, end := r.begin(context.WithoutCancel(ctx), StageVerify)
	if steps.VerifyPostCommit == nil || hit {
		end(OutcomeSkipped)
		return nil
	}
	if err := callVerify(verifyCtx, steps.VerifyPostCommit, req, payload); err != nil {
		end(OutcomeFailed)
		code, class := CodeOf(err, ErrCodePostCommitVerification)
		f := newFailure(FailurePostCommit, StageVerify, code, err)
		f.category = string(class)
		return f
	}
	end(OutcomePassed)
	return nil
}

// guarded runs producer through the idempotency guard when one is configured
// and the request carries a key.
func (p *Pipeline) guarded(ctx context.Context, key string, fingerprintOf func() any, ttl time.Duration, producer idempotency.Producer) (idempotency.Snapshot, bool, error) {
	if p.guard == nil || key == "" {
		snap, err := producer(ctx)
		return snap, false, err
	}

	var opts []idempotency.CallOption
	if ttl > 0 {
		opts = append(opts, idempotency.WithTTL(ttl))
	}
	return p.guard.Execute(ctx, key, idempotency.Fingerprint(fingerprintOf()), producer, opts...)
}

// executionFailure maps an Execute-stage error onto the failure taxonomy.
// opStarted covers this run's operation; a failure shared from a concurrent
// run under the same key carries its own.
func (p *Pipeline) executionFailure(ctx context.Context, err error, opStarted bool) *Failure {
	opStarted = opStarted || idempotency.Attempted(err)

	var te *TransitionError
	var f *Failure

	switch {
	case errors.Is(err, idempotency.ErrKeyMismatch):
		f = newFailure(FailureKeyMismatch, StageExecute, ErrCodeKeyMismatch, err)
	case errors.As(err, &te):
		f = newFailure(FailureInvalidTransition, StageExecute, ErrCodeInvalidTransition, err)
		f.TransitionReason = te.Verdict.ReasonCode
		f.ValidAlternatives = te.Verdict.ValidAlternatives
	case ctx.Err() != nil && isContextErr(err):
		return cancelled(StageExecute, err, opStarted)
	case errors.Is(err, ErrNotFound):
		f = newFailure(FailureExecution, StageExecute, ErrCodeNotFound, err)
		f.StatusCode = http.StatusNotFound
	case errors.Is(err, idempotency.ErrStoreUnavailable):
		f = newFailure(FailureExecution, StageExecute, ErrCodeStorageUnavailable, err)
		f.StatusCode = http.StatusServiceUnavailable
	default:
		code, class := CodeOf(err, ErrCodeInternal)
		f = newFailure(FailureExecution, StageExecute, code, err)
		f.category = string(class)
	}

	if opStarted {
		f.Disposition = DispositionAttempted
	} else {
		f.Disposition = DispositionRejected
	}
	return f
}

// checkTransition validates tc against the lifecycle before the operation runs.
func (p *Pipeline) checkTransition(ctx context.Context, oc OperationContext, tc TransitionCheck) error {
	current := tc.From
	if tc.DeploymentID != "" {
		if p.store == nil {
			return NewPermanentError("no deployment store configured", nil).WithCode(retry.CodeMissingConfiguration)
		}
		rec, err := p.store.GetDeployment(ctx, tc.DeploymentID)
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("failed to load deployment %s: %w", tc.DeploymentID, err)
		}
		if err != nil {
			return NewTransientError("failed to load deployment", err).
				WithCode(ErrCodeStorageUnavailable).
				WithResource(tc.DeploymentID)
		}
		current = rec.CurrentState
	}

	verdict := lifecycle.Validate(current, tc.To, lifecycle.TransitionContext{
		DeploymentID:  tc.DeploymentID,
		CorrelationID: oc.CorrelationID,
	})
	if !verdict.Allowed {
		return &TransitionError{DeploymentID: tc.DeploymentID, From: current, To: tc.To, Verdict: verdict}
	}
	return nil
}

// emit hands the event to the sink. Sink errors and panics are logged and
// reported only through the telemetry marker.
func (p *Pipeline) emit(ctx context.Context, logger zerolog.Logger, ev Event) (outcome Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().Interface("panic", rec).Msg("Telemetry sink panicked")
			outcome = OutcomeFailed
		}
	}()

	logger.Debug().
		Str("event_id", ev.ID).
		Str("disposition", string(ev.Disposition)).
		Msg("Emitting orchestration event")

	if p.sink == nil {
		return OutcomePassed
	}
	if err := p.sink.Emit(ctx, ev); err != nil {
		logger.Warn().Err(err).Msg("Failed to emit telemetry event")
		return OutcomeFailed
	}
	return OutcomePassed
}

func buildEvent[Req, T any](p *Pipeline, oc OperationContext, res *Result[T], markers []StageMarker, req Req, steps Steps[Req, T], start time.Time) Event {
	ev := Event{
		ID:             p.newID(),
		Type:           EventTypeOrchestration,
		OperationType:  oc.OperationType,
		CorrelationID:  oc.CorrelationID,
		IdempotencyKey: oc.IdempotencyKey,
		UserID:         oc.UserID,
		Disposition:    res.Disposition(),
		IdempotencyHit: res.hit,
		Markers:        append([]StageMarker(nil), markers...),
		Timestamp:      p.now(),
		Duration:       p.now().Sub(start),
	}
	if steps.Subject != nil && res.hasPayload {
		ev.DeploymentID = steps.Subject(req, res.payload)
	}
	if f := res.failure; f != nil {
		ev.FailureKind = f.Kind
		ev.ErrorCode = f.Code
		ev.Message = f.Message
	}
	if res.decision != nil {
		ev.RetryPolicy = res.decision.Policy
	}
	return ev
}

func cancelled(stage Stage, err error, attempted bool) *Failure {
	code := ErrCodeCancelled
	if errors.Is(err, context.DeadlineExceeded) {
		code = ErrCodeTimeout
	}
	f := newFailure(FailureCancelled, stage, code, err)
	if !attempted {
		f.Disposition = DispositionRejected
	}
	return f
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// callOperation runs op, converting a panic into an INTERNAL_ERROR.
func callOperation[Req, T any](ctx context.Context, op func(context.Context, Req) (T, error), req Req) (v T, err error) {
	if op == nil {
		return v, NewPermanentError("no operation configured", nil).WithCode(retry.CodeMissingConfiguration)
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = NewPermanentError("operation panicked", fmt.Errorf("%v", rec)).WithCode(ErrCodeInternal)
		}
	}()
	return op(ctx, req)
}

func callVerify[Req, T any](ctx context.Context, verify func(context.Context, Req, T) error, req Req, payload T) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = NewPermanentError("post-commit verification panicked", fmt.Errorf("%v", rec)).WithCode(ErrCodeInternal)
		}
	}()
	return verify(ctx, req, payload)
}
