package deploy

import (
	"context"

	"github.com/mintflow/mintflow/pkg/engine"
	"github.com/mintflow/mintflow/pkg/lifecycle"
	"github.com/mintflow/mintflow/pkg/policy"
)

// Operation types recorded on deployment records and audit events.
const (
	OperationDeploy  = "token.deploy"
	OperationAdvance = "deployment.advance"
)

// DeployRequest describes a token contract to deploy.
type DeployRequest struct {
	TokenName string `json:"token_name" validate:"required,max=64"`
	Symbol    string `json:"symbol" validate:"required,min=2,max=11,uppercase"`
	Network   string `json:"network" validate:"required"`

	// InitialSupply is a whole-token amount as a decimal string.
	InitialSupply string `json:"initial_supply" validate:"required,numeric"`

	Decimals     int               `json:"decimals" validate:"gte=0,lte=18"`
	OwnerAddress string            `json:"owner_address" validate:"required,eth_addr"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// DeployOptions carry the transport-level attributes of a request.
type DeployOptions struct {
	IdempotencyKey string
	CorrelationID  string
	UserID         string
}

func (o DeployOptions) operationContext(operationType string) engine.OperationContext {
	return engine.BuildContext(operationType, o.CorrelationID, o.IdempotencyKey, o.UserID)
}

// Receipt is the payload of a successful deployment.
type Receipt struct {
	DeploymentID    string          `json:"deployment_id"`
	State           lifecycle.State `json:"state"`
	Network         string          `json:"network"`
	TxHash          string          `json:"tx_hash"`
	ContractAddress string          `json:"contract_address"`
	BlockNumber     uint64          `json:"block_number"`
}

// AdvanceRequest moves an existing deployment to another state.
type AdvanceRequest struct {
	DeploymentID string          `json:"deployment_id" validate:"required"`
	To           lifecycle.State `json:"to" validate:"required"`
	Reason       string          `json:"reason,omitempty"`
	TxHash       string          `json:"tx_hash,omitempty"`
}

// Submission is the network's acknowledgement of a deployment transaction.
type Submission struct {
	TxHash string `json:"tx_hash"`
}

// Confirmation describes a mined deployment transaction.
type Confirmation struct {
	ContractAddress string `json:"contract_address"`
	BlockNumber     uint64 `json:"block_number"`
}

// Deployer broadcasts token deployments to one network.
type Deployer interface {
	// Submit broadcasts the deployment transaction.
	Submit(ctx context.Context, req DeployRequest) (Submission, error)

	// AwaitConfirmation blocks until the transaction is mined.
	AwaitConfirmation(ctx context.Context, network, txHash string) (Confirmation, error)
}

// ComplianceSource reports a user's identity verification status.
type ComplianceSource interface {
	KYCStatus(ctx context.Context, userID string) (string, error)
}

// EntitlementSource reports a user's subscription plan and usage.
type EntitlementSource interface {
	Subscription(ctx context.Context, userID string) (policy.SubscriptionFacts, error)
}

// UsageRecorder is implemented by entitlement sources that count completed
// deployments against the user's quota.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, userID string) error
}

// Verifier checks a completed deployment. verify.ScriptVerifier satisfies it.
type Verifier interface {
	Name() string
	Verify(ctx context.Context, subject map[string]interface{}) error
}
