package deploy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/mintflow/mintflow/pkg/config"
	"github.com/mintflow/mintflow/pkg/engine"
	"github.com/mintflow/mintflow/pkg/lifecycle"
	"github.com/mintflow/mintflow/pkg/policy"
	"github.com/mintflow/mintflow/pkg/retry"
	"github.com/mintflow/mintflow/pkg/telemetry"
)

var validate = validator.New()

// TransitionHook observes every state change the service records. from is
// empty for the creation of a record.
type TransitionHook func(from, to lifecycle.State)

// Service runs token deployments and externally driven state changes
// through the orchestration pipeline.
type Service struct {
	pipeline     *engine.Pipeline
	registry     *Registry
	schemas      *config.SchemaRegistry
	policies     *policy.Engine
	compliance   ComplianceSource
	entitlements EntitlementSource
	verifier     Verifier
	onTransition TransitionHook
	tracer       *telemetry.Tracer
	logger       zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithSchemas sets the CUE schema registry used to validate requests.
func WithSchemas(sr *config.SchemaRegistry) Option {
	return func(s *Service) { s.schemas = sr }
}

// WithPolicyEngine enables precondition policies.
func WithPolicyEngine(e *policy.Engine) Option {
	return func(s *Service) { s.policies = e }
}

// WithCompliance sets the KYC source consulted by policies.
func WithCompliance(c ComplianceSource) Option {
	return func(s *Service) { s.compliance = c }
}

// WithEntitlements sets the subscription source consulted by policies.
func WithEntitlements(e EntitlementSource) Option {
	return func(s *Service) { s.entitlements = e }
}

// WithVerifier adds a post-commit check run after every deployment.
func WithVerifier(v Verifier) Option {
	return func(s *Service) { s.verifier = v }
}

// WithTransitionHook sets a hook called after every recorded state change.
func WithTransitionHook(h TransitionHook) Option {
	return func(s *Service) { s.onTransition = h }
}

// WithTracer wraps the work on each deployment record in a span.
func WithTracer(t *telemetry.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// NewService creates a deployment service. The pipeline must have a
// deployment store.
func NewService(pipeline *engine.Pipeline, registry *Registry, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		pipeline: pipeline,
		registry: registry,
		logger:   logger.With().Str("component", "deploy").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.schemas == nil {
		s.schemas = config.NewSchemaRegistry()
	}
	return s
}

// Deploy validates, gates and executes a token deployment. The record moves
// queued -> submitted -> confirmed -> completed, or to failed with the
// deployer's error.
func (s *Service) Deploy(ctx context.Context, req DeployRequest, opts DeployOptions) *engine.Result[Receipt] {
	return engine.Execute(ctx, s.pipeline, opts.operationContext(OperationDeploy), req, engine.Steps[DeployRequest, Receipt]{
		Validate: engine.Chain[DeployRequest](
			validateStruct[DeployRequest],
			s.validateSchema,
		),
		CheckPreconditions: engine.Chain[DeployRequest](
			engine.RequireUser[DeployRequest](),
			s.policyGate(),
		),
		Operation:        s.executeDeploy,
		VerifyPostCommit: s.verifyDeploy,
		Subject:          func(_ DeployRequest, r Receipt) string { return r.DeploymentID },
		SuccessStatus:    http.StatusCreated,
	})
}

// Advance moves deployment id to state to. The move is checked against the
// stored state before anything is written.
func (s *Service) Advance(ctx context.Context, id string, to lifecycle.State, reason string, opts DeployOptions) *engine.Result[engine.DeploymentRecord] {
	req := AdvanceRequest{DeploymentID: id, To: to, Reason: reason}
	return engine.Execute(ctx, s.pipeline, opts.operationContext(OperationAdvance), req, engine.Steps[AdvanceRequest, engine.DeploymentRecord]{
		Validate: engine.Chain[AdvanceRequest](
			validateStruct[AdvanceRequest],
			engine.Predicate(engine.ErrCodeValidation, func(req AdvanceRequest) string {
				if err := req.To.Validate(); err != nil {
					return err.Error()
				}
				return ""
			}),
		),
		Transition: func(req AdvanceRequest) *engine.TransitionCheck {
			return &engine.TransitionCheck{DeploymentID: req.DeploymentID, To: req.To}
		},
		Operation:        s.executeAdvance,
		VerifyPostCommit: s.verifyAdvance,
		Subject:          func(req AdvanceRequest, _ engine.DeploymentRecord) string { return req.DeploymentID },
	})
}

// Get returns a deployment record.
func (s *Service) Get(ctx context.Context, id string) (*engine.DeploymentRecord, error) {
	store, err := s.store()
	if err != nil {
		return nil, err
	}
	return store.GetDeployment(ctx, id)
}

// List returns deployment records newest first.
func (s *Service) List(ctx context.Context, limit, offset int) ([]*engine.DeploymentRecord, error) {
	store, err := s.store()
	if err != nil {
		return nil, err
	}
	return store.ListDeployments(ctx, limit, offset)
}

func (s *Service) store() (engine.DeploymentStore, error) {
	store := s.pipeline.Store()
	if store == nil {
		return nil, engine.NewPermanentError("no deployment store configured", nil).WithCode(retry.CodeMissingConfiguration)
	}
	return store, nil
}

func validateStruct[Req any](_ context.Context, _ engine.OperationContext, req Req) error {
	if err := validate.Struct(req); err != nil {
		return engine.NewPermanentError(formatValidationError(err), nil).WithCode(engine.ErrCodeValidation)
	}
	return nil
}

func formatValidationError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed on '%s'", fe.Field(), fe.Tag()))
	}
	return "invalid request: " + strings.Join(msgs, "; ")
}

func (s *Service) validateSchema(_ context.Context, _ engine.OperationContext, req DeployRequest) error {
	err := s.schemas.Validate(config.SchemaTokenDeployment, req)
	if err == nil {
		return nil
	}
	var se *config.SchemaError
	if errors.As(err, &se) {
		return engine.NewPermanentError(se.Error(), nil).
			WithCode(retry.CodeInvalidTokenParameters).
			WithDetail("fields", se.Fields)
	}
	return engine.NewPermanentError("schema validation failed", err).WithCode(engine.ErrCodeInternal)
}

func (s *Service) policyGate() engine.Gate[DeployRequest] {
	if s.policies == nil {
		return nil
	}
	return policy.Gate(s.policies, s.policyInput)
}

// policyInput gathers the facts policies decide on. Missing sources leave
// their facts empty, which the built-in policies deny.
func (s *Service) policyInput(ctx context.Context, oc engine.OperationContext, req DeployRequest) (policy.Input, error) {
	doc, err := policy.RequestDocument(req)
	if err != nil {
		return policy.Input{}, err
	}
	input := policy.Input{Request: doc}

	if s.compliance != nil {
		status, err := s.compliance.KYCStatus(ctx, oc.UserID)
		if err != nil {
			return policy.Input{}, fmt.Errorf("failed to load KYC status: %w", err)
		}
		input.Facts.KYC.Status = status
	}
	if s.entitlements != nil {
		sub, err := s.entitlements.Subscription(ctx, oc.UserID)
		if err != nil {
			return policy.Input{}, fmt.Errorf("failed to load subscription: %w", err)
		}
		input.Facts.Subscription = sub
	}
	return input, nil
}

func (s *Service) executeDeploy(ctx context.Context, req DeployRequest) (Receipt, error) {
	oc, _ := engine.OperationContextFrom(ctx)

	deployer, err := s.registry.Get(req.Network)
	if err != nil {
		return Receipt{}, err
	}

	// Step 1: Record the deployment
	rec, err := s.pipeline.CreateRecord(ctx, oc, req)
	if err != nil {
		return Receipt{}, err
	}
	s.observe("", lifecycle.StateQueued)

	ctx, span := s.startSpan(ctx, OperationDeploy, rec.ID)
	defer span.End()

	logger := s.logger.With().
		Str("deployment_id", rec.ID).
		Str("correlation_id", oc.CorrelationID).
		Str("network", req.Network).
		Logger()
	logger.Info().Str("symbol", req.Symbol).Msg("Starting token deployment")

	// Step 2: Broadcast the transaction
	sub, err := deployer.Submit(ctx, req)
	if err != nil {
		return Receipt{}, s.fail(ctx, oc, rec.ID, "submit", err)
	}
	if _, err := s.transition(ctx, oc, rec.ID, lifecycle.StateSubmitted, engine.TransitionDetails{
		Reason: "transaction submitted",
		TxHash: sub.TxHash,
	}); err != nil {
		return Receipt{}, s.fail(ctx, oc, rec.ID, "record submission", err)
	}

	logger.Info().Str("tx_hash", sub.TxHash).Msg("Deployment transaction submitted")

	// Step 3: Wait for the transaction to be mined
	conf, err := deployer.AwaitConfirmation(ctx, req.Network, sub.TxHash)
	if err != nil {
		return Receipt{}, s.fail(ctx, oc, rec.ID, "confirm", err)
	}
	if _, err := s.transition(ctx, oc, rec.ID, lifecycle.StateConfirmed, engine.TransitionDetails{
		Reason: fmt.Sprintf("confirmed in block %d", conf.BlockNumber),
	}); err != nil {
		return Receipt{}, s.fail(ctx, oc, rec.ID, "record confirmation", err)
	}

	logger.Info().
		Str("contract_address", conf.ContractAddress).
		Uint64("block", conf.BlockNumber).
		Msg("Deployment transaction confirmed")

	// Step 4: Finalize
	if usage, ok := s.entitlements.(UsageRecorder); ok {
		if err := usage.RecordUsage(ctx, oc.UserID); err != nil {
			logger.Warn().Err(err).Msg("Failed to record subscription usage")
		}
	}
	final, err := s.transition(ctx, oc, rec.ID, lifecycle.StateCompleted, engine.TransitionDetails{
		Reason: "deployment finalized",
	})
	if err != nil {
		return Receipt{}, s.fail(ctx, oc, rec.ID, "finalize", err)
	}

	logger.Info().Msg("Token deployment completed")

	return Receipt{
		DeploymentID:    final.ID,
		State:           final.CurrentState,
		Network:         req.Network,
		TxHash:          final.TxHash,
		ContractAddress: conf.ContractAddress,
		BlockNumber:     conf.BlockNumber,
	}, nil
}

// fail moves the deployment to failed and returns cause in classified form.
// Cancellation leaves the record in its last state, since the transaction
// may still be mined.
func (s *Service) fail(ctx context.Context, oc engine.OperationContext, id, step string, cause error) error {
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		s.logger.Warn().Err(cause).Str("deployment_id", id).Str("step", step).Msg("Deployment interrupted")
		return cause
	}

	telemetry.RecordError(trace.SpanFromContext(ctx), cause)
	s.logger.Error().
		Err(cause).
		Str("deployment_id", id).
		Str("step", step).
		Bool("retryable", engine.IsRetryable(cause)).
		Msg("Token deployment failed")

	if _, err := s.transition(context.WithoutCancel(ctx), oc, id, lifecycle.StateFailed, engine.TransitionDetails{
		Reason:    step + " failed",
		LastError: cause.Error(),
	}); err != nil {
		s.logger.Error().Err(err).Str("deployment_id", id).Msg("Failed to record deployment failure")
	}

	var ee *engine.EngineError
	if errors.As(cause, &ee) {
		return cause
	}
	return engine.NewTransientError(step+" failed", cause).
		WithCode(retry.CodeNetworkError).
		WithResource(id)
}

func (s *Service) transition(ctx context.Context, oc engine.OperationContext, id string, to lifecycle.State, details engine.TransitionDetails) (*engine.DeploymentRecord, error) {
	rec, err := s.pipeline.Transition(ctx, oc, id, to, details)
	if err != nil {
		return nil, err
	}
	last := rec.StatusHistory[len(rec.StatusHistory)-1]
	s.observe(last.From, last.To)
	return rec, nil
}

// startSpan starts a span for work on deployment id. Without a tracer the
// span is a no-op and ctx is returned unchanged.
func (s *Service) startSpan(ctx context.Context, operation, id string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(context.Background())
	}
	return s.tracer.StartDeploymentSpan(ctx, operation, id)
}

func (s *Service) observe(from, to lifecycle.State) {
	if s.onTransition != nil {
		s.onTransition(from, to)
	}
}

func (s *Service) verifyDeploy(ctx context.Context, req DeployRequest, receipt Receipt) error {
	rec, err := s.Get(ctx, receipt.DeploymentID)
	if err != nil {
		return err
	}
	if rec.CurrentState != lifecycle.StateCompleted {
		return engine.NewTransientError(
			fmt.Sprintf("deployment is %s, expected %s", rec.CurrentState, lifecycle.StateCompleted), nil).
			WithCode(engine.ErrCodePostCommitVerification).
			WithResource(rec.ID)
	}
	if rec.TxHash != receipt.TxHash {
		return engine.NewPermanentError(
			fmt.Sprintf("stored transaction %s does not match %s", rec.TxHash, receipt.TxHash), nil).
			WithCode(engine.ErrCodePostCommitVerification).
			WithResource(rec.ID)
	}

	if s.verifier == nil {
		return nil
	}
	if err := s.verifier.Verify(ctx, verifySubject(req, receipt, rec)); err != nil {
		return engine.NewPermanentError(fmt.Sprintf("verifier %s rejected the deployment", s.verifier.Name()), err).
			WithCode(engine.ErrCodePostCommitVerification).
			WithResource(rec.ID)
	}
	return nil
}

// verifySubject is the document verification scripts receive.
func verifySubject(req DeployRequest, receipt Receipt, rec *engine.DeploymentRecord) map[string]interface{} {
	states := make([]string, len(rec.StatusHistory))
	for i, e := range rec.StatusHistory {
		states[i] = string(e.To)
	}
	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}

	return map[string]interface{}{
		"request": map[string]interface{}{
			"token_name":     req.TokenName,
			"symbol":         req.Symbol,
			"network":        req.Network,
			"initial_supply": req.InitialSupply,
			"decimals":       req.Decimals,
			"owner_address":  req.OwnerAddress,
			"metadata":       metadata,
		},
		"receipt": map[string]interface{}{
			"deployment_id":    receipt.DeploymentID,
			"tx_hash":          receipt.TxHash,
			"contract_address": receipt.ContractAddress,
			"block_number":     receipt.BlockNumber,
		},
		"record": map[string]interface{}{
			"id":             rec.ID,
			"state":          string(rec.CurrentState),
			"correlation_id": rec.CorrelationID,
			"history":        states,
			"created_at":     rec.CreatedAt,
		},
	}
}

func (s *Service) executeAdvance(ctx context.Context, req AdvanceRequest) (engine.DeploymentRecord, error) {
	oc, _ := engine.OperationContextFrom(ctx)
	ctx, span := s.startSpan(ctx, OperationAdvance, req.DeploymentID)
	defer span.End()

	details := engine.TransitionDetails{Reason: req.Reason, TxHash: req.TxHash}
	if req.To == lifecycle.StateFailed {
		details.LastError = req.Reason
	}
	rec, err := s.transition(ctx, oc, req.DeploymentID, req.To, details)
	if err != nil {
		telemetry.RecordError(span, err)
		return engine.DeploymentRecord{}, err
	}

	s.logger.Info().
		Str("deployment_id", rec.ID).
		Str("state", string(rec.CurrentState)).
		Str("correlation_id", oc.CorrelationID).
		Msg("Deployment advanced")
	return *rec, nil
}

func (s *Service) verifyAdvance(ctx context.Context, req AdvanceRequest, rec engine.DeploymentRecord) error {
	stored, err := s.Get(ctx, req.DeploymentID)
	if err != nil {
		return err
	}
	n := len(rec.StatusHistory)
	if n == 0 || len(stored.StatusHistory) < n || stored.StatusHistory[n-1].To != req.To {
		return engine.NewTransientError(fmt.Sprintf("transition to %s was not recorded", req.To), nil).
			WithCode(engine.ErrCodePostCommitVerification).
			WithResource(req.DeploymentID)
	}
	return nil
}
