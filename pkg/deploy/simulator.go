package deploy

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/mintflow/mintflow/pkg/engine"
	"github.com/mintflow/mintflow/pkg/policy"
	"github.com/mintflow/mintflow/pkg/retry"
)

// Steps at which a SimulatedDeployer can be told to fail.
const (
	FailAtSubmit  = "submit"
	FailAtConfirm = "confirm"
)

// simulatedBaseBlock is the block number of the first simulated confirmation.
const simulatedBaseBlock = 1_000_000

// SimulatedDeployer is an in-process Deployer with deterministic transaction
// hashes and contract addresses. It is used by the CLI and in tests.
type SimulatedDeployer struct {
	// FailCode makes the step selected by FailAt fail with this error code.
	FailCode string

	// FailAt is FailAtSubmit or FailAtConfirm. Empty means submit.
	FailAt string

	// ConfirmationDelay is how long AwaitConfirmation blocks.
	ConfirmationDelay time.Duration

	mu    sync.Mutex
	nonce uint64
	txs   map[string]simulatedTx
}

type simulatedTx struct {
	nonce   uint64
	network string
	owner   string
}

// NewSimulatedDeployer creates a simulator that always succeeds.
func NewSimulatedDeployer() *SimulatedDeployer {
	return &SimulatedDeployer{}
}

// Submit implements Deployer.
func (d *SimulatedDeployer) Submit(ctx context.Context, req DeployRequest) (Submission, error) {
	if err := ctx.Err(); err != nil {
		return Submission{}, err
	}
	if d.failsAt(FailAtSubmit) {
		return Submission{}, simulatedError(d.FailCode, FailAtSubmit)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.nonce++
	hash := keccakHex(req.Network, req.Symbol, req.OwnerAddress, req.InitialSupply, strconv.FormatUint(d.nonce, 10))
	if d.txs == nil {
		d.txs = make(map[string]simulatedTx)
	}
	d.txs[hash] = simulatedTx{nonce: d.nonce, network: req.Network, owner: req.OwnerAddress}

	return Submission{TxHash: hash}, nil
}

// AwaitConfirmation implements Deployer.
func (d *SimulatedDeployer) AwaitConfirmation(ctx context.Context, network, txHash string) (Confirmation, error) {
	if d.ConfirmationDelay > 0 {
		timer := time.NewTimer(d.ConfirmationDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Confirmation{}, ctx.Err()
		case <-timer.C:
		}
	}
	if d.failsAt(FailAtConfirm) {
		return Confirmation{}, simulatedError(d.FailCode, FailAtConfirm)
	}

	d.mu.Lock()
	tx, ok := d.txs[txHash]
	d.mu.Unlock()
	if !ok || tx.network != network {
		return Confirmation{}, engine.NewPermanentError(fmt.Sprintf("transaction %s not found on %s", txHash, network), nil).
			WithCode(retry.CodeNotFound).
			WithResource(txHash)
	}

	// Contract addresses derive from the deployer and its nonce.
	addr := keccakHex(tx.owner, strconv.FormatUint(tx.nonce, 10))
	return Confirmation{
		ContractAddress: "0x" + addr[len(addr)-40:],
		BlockNumber:     simulatedBaseBlock + tx.nonce,
	}, nil
}

func (d *SimulatedDeployer) failsAt(step string) bool {
	if d.FailCode == "" {
		return false
	}
	at := d.FailAt
	if at == "" {
		at = FailAtSubmit
	}
	return at == step
}

// simulatedError builds an error whose class agrees with the retry policy of
// code.
func simulatedError(code, step string) error {
	msg := fmt.Sprintf("simulated %s failure: %s", step, code)

	var err *engine.EngineError
	switch retry.Classify(code, "", retry.Context{}).Policy {
	case retry.PolicyWithCooldown:
		err = engine.NewThrottledError(msg, nil)
	case retry.PolicyImmediate:
		err = engine.NewConflictError(msg, nil)
	case retry.PolicyWithDelay:
		err = engine.NewTransientError(msg, nil)
	default:
		err = engine.NewPermanentError(msg, nil)
	}
	return err.WithCode(code).WithDetail("step", step)
}

func keccakHex(parts ...string) string {
	h := sha3.NewLegacyKeccak256()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// StaticCompliance serves fixed KYC and subscription facts and counts
// completed deployments per user against Quota.
type StaticCompliance struct {
	KYC   string
	Plan  string
	Quota int

	mu   sync.Mutex
	used map[string]int
}

// KYCStatus implements ComplianceSource.
func (s *StaticCompliance) KYCStatus(ctx context.Context, userID string) (string, error) {
	return s.KYC, nil
}

// Subscription implements EntitlementSource.
func (s *StaticCompliance) Subscription(ctx context.Context, userID string) (policy.SubscriptionFacts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return policy.SubscriptionFacts{
		Plan:  s.Plan,
		Used:  s.used[userID],
		Quota: s.Quota,
	}, nil
}

// RecordUsage implements UsageRecorder.
func (s *StaticCompliance) RecordUsage(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.used == nil {
		s.used = make(map[string]int)
	}
	s.used[userID]++
	return nil
}
