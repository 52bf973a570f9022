// Package deploymentstoretest provides contract tests for
// [engine.DeploymentStore] implementations.
package deploymentstoretest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mintflow/mintflow/pkg/engine"
	"github.com/mintflow/mintflow/pkg/lifecycle"
)

// Factory creates a fresh [engine.DeploymentStore] for each test.
type Factory func(t *testing.T) engine.DeploymentStore

// Run exercises the [engine.DeploymentStore] contract.
func Run(t *testing.T, factory Factory) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	sampleRecord := func(id string) *engine.DeploymentRecord {
		return &engine.DeploymentRecord{
			ID:            id,
			OperationType: "token.deploy",
			CorrelationID: "corr-" + id,
			CurrentState:  lifecycle.StateQueued,
			StatusHistory: []lifecycle.TransitionEntry{{
				Sequence:      1,
				To:            lifecycle.StateQueued,
				Reason:        "created",
				CorrelationID: "corr-" + id,
				OccurredAt:    base,
			}},
			Payload:   json.RawMessage(`{"token_name":"Mint"}`),
			CreatedAt: base,
			UpdatedAt: base,
		}
	}

	update := func(from, to lifecycle.State, at time.Time) engine.TransitionUpdate {
		return engine.TransitionUpdate{Entry: lifecycle.TransitionEntry{
			From:          from,
			To:            to,
			Reason:        "advance",
			CorrelationID: "corr-d1",
			OccurredAt:    at,
		}}
	}

	t.Run("CreateAndGet", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		if err := s.CreateDeployment(ctx, sampleRecord("d1")); err != nil {
			t.Fatalf("CreateDeployment: %v", err)
		}

		got, err := s.GetDeployment(ctx, "d1")
		if err != nil {
			t.Fatalf("GetDeployment: %v", err)
		}
		if got.CurrentState != lifecycle.StateQueued {
			t.Errorf("CurrentState = %q, want %q", got.CurrentState, lifecycle.StateQueued)
		}
		if got.CorrelationID != "corr-d1" {
			t.Errorf("CorrelationID = %q, want corr-d1", got.CorrelationID)
		}
		if len(got.StatusHistory) != 1 || got.StatusHistory[0].To != lifecycle.StateQueued {
			t.Errorf("StatusHistory = %+v, want one queued entry", got.StatusHistory)
		}
		if string(got.Payload) != `{"token_name":"Mint"}` {
			t.Errorf("Payload = %s", got.Payload)
		}
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		_ = s.CreateDeployment(ctx, sampleRecord("d1"))
		err := s.CreateDeployment(ctx, sampleRecord("d1"))
		if !errors.Is(err, engine.ErrAlreadyExists) {
			t.Fatalf("second CreateDeployment: got %v, want ErrAlreadyExists", err)
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		s := factory(t)
		_, err := s.GetDeployment(context.Background(), "nonexistent")
		if !errors.Is(err, engine.ErrNotFound) {
			t.Fatalf("GetDeployment: got %v, want ErrNotFound", err)
		}
	})

	t.Run("AppendTransition", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		if err := s.CreateDeployment(ctx, sampleRecord("d1")); err != nil {
			t.Fatalf("CreateDeployment: %v", err)
		}

		u := update(lifecycle.StateQueued, lifecycle.StateSubmitted, base.Add(time.Second))
		u.TxHash = "0xabc"
		got, err := s.AppendTransition(ctx, "d1", u)
		if err != nil {
			t.Fatalf("AppendTransition: %v", err)
		}
		if got.CurrentState != lifecycle.StateSubmitted {
			t.Errorf("CurrentState = %q, want submitted", got.CurrentState)
		}
		if got.TxHash != "0xabc" {
			t.Errorf("TxHash = %q, want 0xabc", got.TxHash)
		}
		if len(got.StatusHistory) != 2 {
			t.Fatalf("StatusHistory length = %d, want 2", len(got.StatusHistory))
		}
		last := got.StatusHistory[1]
		if last.Sequence != 2 || last.From != lifecycle.StateQueued || last.To != lifecycle.StateSubmitted {
			t.Errorf("last entry = %+v", last)
		}

		reloaded, err := s.GetDeployment(ctx, "d1")
		if err != nil {
			t.Fatalf("GetDeployment: %v", err)
		}
		if reloaded.CurrentState != lifecycle.StateSubmitted || len(reloaded.StatusHistory) != 2 {
			t.Errorf("reloaded record = %+v", reloaded)
		}
		if reloaded.StatusHistory[0].To != lifecycle.StateQueued {
			t.Error("earlier history entry was modified")
		}
	})

	t.Run("AppendTransitionStale", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		if err := s.CreateDeployment(ctx, sampleRecord("d1")); err != nil {
			t.Fatalf("CreateDeployment: %v", err)
		}

		_, err := s.AppendTransition(ctx, "d1", update(lifecycle.StatePending, lifecycle.StateConfirmed, base))
		if !errors.Is(err, engine.ErrStaleState) {
			t.Fatalf("AppendTransition: got %v, want ErrStaleState", err)
		}

		got, _ := s.GetDeployment(ctx, "d1")
		if got.CurrentState != lifecycle.StateQueued || len(got.StatusHistory) != 1 {
			t.Errorf("stale append modified record: %+v", got)
		}
	})

	t.Run("AppendTransitionNotFound", func(t *testing.T) {
		s := factory(t)
		_, err := s.AppendTransition(context.Background(), "missing", update(lifecycle.StateQueued, lifecycle.StateSubmitted, base))
		if !errors.Is(err, engine.ErrNotFound) {
			t.Fatalf("AppendTransition: got %v, want ErrNotFound", err)
		}
	})

	t.Run("ConcurrentAppendSingleWinner", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		if err := s.CreateDeployment(ctx, sampleRecord("d1")); err != nil {
			t.Fatalf("CreateDeployment: %v", err)
		}

		const workers = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.AppendTransition(ctx, "d1", update(lifecycle.StateQueued, lifecycle.StateSubmitted, base))
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				} else if !errors.Is(err, engine.ErrStaleState) {
					t.Errorf("AppendTransition: unexpected error %v", err)
				}
			}()
		}
		wg.Wait()

		if wins != 1 {
			t.Fatalf("wins = %d, want exactly 1", wins)
		}
		got, _ := s.GetDeployment(ctx, "d1")
		if len(got.StatusHistory) != 2 {
			t.Errorf("StatusHistory length = %d, want 2", len(got.StatusHistory))
		}
	})

	t.Run("List", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			rec := sampleRecord(fmt.Sprintf("d%d", i))
			rec.CreatedAt = base.Add(time.Duration(i) * time.Minute)
			rec.UpdatedAt = rec.CreatedAt
			if err := s.CreateDeployment(ctx, rec); err != nil {
				t.Fatalf("CreateDeployment: %v", err)
			}
		}

		all, err := s.ListDeployments(ctx, 10, 0)
		if err != nil {
			t.Fatalf("ListDeployments: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("len = %d, want 3", len(all))
		}
		if all[0].ID != "d2" || all[2].ID != "d0" {
			t.Errorf("order = %s,%s,%s, want newest first", all[0].ID, all[1].ID, all[2].ID)
		}

		page, err := s.ListDeployments(ctx, 1, 1)
		if err != nil {
			t.Fatalf("ListDeployments page: %v", err)
		}
		if len(page) != 1 || page[0].ID != "d1" {
			t.Errorf("page = %+v, want [d1]", page)
		}
	})
}
