package stores

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mintflow/mintflow/pkg/engine"
	"github.com/mintflow/mintflow/pkg/engine/deploymentstoretest"
	"github.com/mintflow/mintflow/pkg/idempotency"
	"github.com/mintflow/mintflow/pkg/idempotency/storetest"
	"github.com/mintflow/mintflow/pkg/lifecycle"
	"github.com/mintflow/mintflow/pkg/retry"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: MemoryPath,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: MemoryPath,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	// Check that tables exist by querying them
	tables := []string{"deployments", "deployment_transitions", "idempotency_records", "audit_events"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Migrating an up-to-date database is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("second migration failed: %v", err)
	}
}

func TestSQLiteDeploymentStoreContract(t *testing.T) {
	deploymentstoretest.Run(t, func(t *testing.T) engine.DeploymentStore {
		return setupTestStore(t)
	})
}

func TestSQLiteIdempotencyStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) idempotency.Store {
		return setupTestStore(t)
	})
}

func TestMemoryDeploymentStoreContract(t *testing.T) {
	deploymentstoretest.Run(t, func(t *testing.T) engine.DeploymentStore {
		return NewMemoryDeploymentStore()
	})
}

// TestFileBackedStore checks that records survive reopening the database.
func TestFileBackedStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mintflow.db")
	ctx := context.Background()

	open := func() *SQLiteStore {
		store, err := NewSQLiteStore(Config{Path: path})
		if err != nil {
			t.Fatalf("failed to create store: %v", err)
		}
		if err := store.Init(ctx); err != nil {
			t.Fatalf("failed to initialize store: %v", err)
		}
		if err := store.Migrate(ctx); err != nil {
			t.Fatalf("failed to migrate store: %v", err)
		}
		return store
	}

	now := time.Now()
	store := open()
	rec := &engine.DeploymentRecord{
		ID:            "d1",
		OperationType: "token.deploy",
		CorrelationID: "corr-1",
		CurrentState:  lifecycle.StateQueued,
		StatusHistory: []lifecycle.TransitionEntry{{Sequence: 1, To: lifecycle.StateQueued, OccurredAt: now}},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := store.CreateDeployment(ctx, rec); err != nil {
		t.Fatalf("failed to create deployment: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	store = open()
	defer store.Close()

	got, err := store.GetDeployment(ctx, "d1")
	if err != nil {
		t.Fatalf("failed to get deployment after reopen: %v", err)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, now)
	}
	if got.Payload != nil {
		t.Errorf("Payload = %s, want nil", got.Payload)
	}
}

func TestAuditOperations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	events := []engine.Event{
		{
			ID:            "ev-1",
			Type:          engine.EventTypeOrchestration,
			OperationType: "token.deploy",
			CorrelationID: "corr-1",
			DeploymentID:  "d1",
			Disposition:   engine.DispositionSucceeded,
			Markers: []engine.StageMarker{
				{Stage: engine.StageValidate, Entered: true, Outcome: engine.OutcomePassed, Timestamp: now},
			},
			Timestamp: now,
			Duration:  150 * time.Millisecond,
		},
		{
			ID:             "ev-2",
			Type:           engine.EventTypeOrchestration,
			OperationType:  "token.deploy",
			CorrelationID:  "corr-2",
			IdempotencyKey: "abc",
			Disposition:    engine.DispositionRejected,
			FailureKind:    engine.FailurePrecondition,
			ErrorCode:      retry.CodeKYCRequired,
			RetryPolicy:    retry.PolicyAfterRemediation,
			Markers:        []engine.StageMarker{},
			Timestamp:      now.Add(time.Second),
		},
		{
			ID:             "ev-3",
			Type:           engine.EventTypeOrchestration,
			OperationType:  "deployment.advance",
			CorrelationID:  "corr-1",
			DeploymentID:   "d1",
			Disposition:    engine.DispositionSucceeded,
			IdempotencyHit: true,
			Markers:        []engine.StageMarker{},
			Timestamp:      now.Add(2 * time.Second),
		},
	}

	for _, ev := range events {
		if err := store.Emit(ctx, ev); err != nil {
			t.Fatalf("failed to emit event %s: %v", ev.ID, err)
		}
	}

	tests := []struct {
		name    string
		filter  AuditFilter
		wantIDs []string
	}{
		{"all newest first", AuditFilter{}, []string{"ev-3", "ev-2", "ev-1"}},
		{"by correlation", AuditFilter{CorrelationID: "corr-1"}, []string{"ev-3", "ev-1"}},
		{"by operation", AuditFilter{OperationType: "token.deploy"}, []string{"ev-2", "ev-1"}},
		{"by deployment", AuditFilter{DeploymentID: "d1", OperationType: "deployment.advance"}, []string{"ev-3"}},
		{"no match", AuditFilter{CorrelationID: "missing"}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ListAuditEvents(ctx, tt.filter, 10, 0)
			if err != nil {
				t.Fatalf("failed to list audit events: %v", err)
			}
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("expected %d events, got %d", len(tt.wantIDs), len(got))
			}
			for i, id := range tt.wantIDs {
				if got[i].ID != id {
					t.Errorf("event %d: expected %s, got %s", i, id, got[i].ID)
				}
			}
		})
	}

	all, err := store.ListAuditEvents(ctx, AuditFilter{}, 0, 0)
	if err != nil {
		t.Fatalf("failed to list audit events: %v", err)
	}
	first := all[2]
	if first.Duration != 150*time.Millisecond {
		t.Errorf("expected duration 150ms, got %v", first.Duration)
	}
	if len(first.Markers) != 1 || first.Markers[0].Stage != engine.StageValidate {
		t.Errorf("markers not round-tripped: %+v", first.Markers)
	}
	if all[1].RetryPolicy != retry.PolicyAfterRemediation || all[1].FailureKind != engine.FailurePrecondition {
		t.Errorf("failure fields not round-tripped: %+v", all[1])
	}
	if !all[0].IdempotencyHit {
		t.Error("expected idempotency hit to be stored")
	}

	if err := store.Emit(ctx, events[0]); err == nil {
		t.Error("expected duplicate event ID to be rejected")
	}
}

// TestPipelineOnSQLite runs a guarded pipeline against a single SQLite store
// acting as deployment store, idempotency store and audit sink.
func TestPipelineOnSQLite(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	guard := idempotency.NewGuard(store, idempotency.Config{}, zerolog.Nop())
	defer guard.Close()
	p := engine.NewPipeline(zerolog.Nop(),
		engine.WithGuard(guard),
		engine.WithDeploymentStore(store),
		engine.WithTelemetrySink(store),
	)

	type req struct {
		Name string `json:"name"`
	}
	steps := engine.Steps[req, *engine.DeploymentRecord]{
		Operation: func(ctx context.Context, r req) (*engine.DeploymentRecord, error) {
			return p.CreateRecord(ctx, engine.BuildContext("token.deploy", "corr-1", "", ""), r)
		},
		Subject: func(_ req, rec *engine.DeploymentRecord) string { return rec.ID },
	}

	oc := engine.BuildContext("token.deploy", "corr-1", "abc", "")
	first := engine.Execute(ctx, p, oc, req{Name: "Mint"}, steps)
	second := engine.Execute(ctx, p, oc, req{Name: "Mint"}, steps)
	if !first.Succeeded() || !second.Succeeded() {
		t.Fatalf("runs failed: %v / %v", first.Failure(), second.Failure())
	}

	a, _ := first.Payload()
	b, _ := second.Payload()
	if a.ID != b.ID || !second.IdempotencyHit() {
		t.Errorf("replay returned %s (hit=%v), want %s", b.ID, second.IdempotencyHit(), a.ID)
	}

	records, err := store.ListDeployments(ctx, 0, 0)
	if err != nil {
		t.Fatalf("failed to list deployments: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("expected 1 deployment, got %d", len(records))
	}
	var payload req
	if err := json.Unmarshal(records[0].Payload, &payload); err != nil || payload.Name != "Mint" {
		t.Errorf("payload = %s (%v)", records[0].Payload, err)
	}

	audit, err := store.ListAuditEvents(ctx, AuditFilter{DeploymentID: a.ID}, 0, 0)
	if err != nil {
		t.Fatalf("failed to list audit events: %v", err)
	}
	if len(audit) != 2 {
		t.Errorf("expected 2 audit events, got %d", len(audit))
	}
}
