package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mintflow/mintflow/pkg/engine"
)

// MemoryDeploymentStore is an in-process engine.DeploymentStore.
type MemoryDeploymentStore struct {
	mu      sync.RWMutex
	records map[string]*engine.DeploymentRecord
}

// NewMemoryDeploymentStore creates an empty store.
func NewMemoryDeploymentStore() *MemoryDeploymentStore {
	return &MemoryDeploymentStore{records: make(map[string]*engine.DeploymentRecord)}
}

// CreateDeployment implements engine.DeploymentStore.
func (s *MemoryDeploymentStore) CreateDeployment(ctx context.Context, rec *engine.DeploymentRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.ID]; ok {
		return fmt.Errorf("deployment %s: %w", rec.ID, engine.ErrAlreadyExists)
	}
	s.records[rec.ID] = rec.Clone()
	return nil
}

// GetDeployment implements engine.DeploymentStore.
func (s *MemoryDeploymentStore) GetDeployment(ctx context.Context, id string) (*engine.DeploymentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("deployment %s: %w", id, engine.ErrNotFound)
	}
	return rec.Clone(), nil
}

// AppendTransition implements engine.DeploymentStore.
func (s *MemoryDeploymentStore) AppendTransition(ctx context.Context, id string, u engine.TransitionUpdate) (*engine.DeploymentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("deployment %s: %w", id, engine.ErrNotFound)
	}
	if rec.CurrentState != u.Entry.From {
		return nil, fmt.Errorf("deployment %s is %s, not %s: %w", id, rec.CurrentState, u.Entry.From, engine.ErrStaleState)
	}

	entry := u.Entry
	entry.Sequence = len(rec.StatusHistory) + 1
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now()
	}

	rec.StatusHistory = append(rec.StatusHistory, entry)
	rec.CurrentState = entry.To
	rec.UpdatedAt = entry.OccurredAt
	if u.TxHash != "" {
		rec.TxHash = u.TxHash
	}
	if u.LastError != "" {
		rec.LastError = u.LastError
	}
	return rec.Clone(), nil
}

// ListDeployments implements engine.DeploymentStore.
func (s *MemoryDeploymentStore) ListDeployments(ctx context.Context, limit, offset int) ([]*engine.DeploymentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]*engine.DeploymentRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if offset >= len(out) {
		return []*engine.DeploymentRecord{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}
