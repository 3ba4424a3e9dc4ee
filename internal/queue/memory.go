package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/field-sync/field-sync/internal/syncerr"
)

// MemoryStore is an in-memory Store implementation. It backs tests and
// callers that embed the engine without durable storage.
type MemoryStore struct {
	mu      sync.RWMutex
	ops     map[string]*Operation
	nextSeq int64
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ops: make(map[string]*Operation),
	}
}

// Enqueue persists a new operation
func (s *MemoryStore) Enqueue(ctx context.Context, op *Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.ops[op.ID]; exists {
		return syncerr.New(syncerr.CodeStorage, "operation %s already queued", op.ID)
	}

	s.nextSeq++
	op.Seq = s.nextSeq

	stored := *op
	s.ops[op.ID] = &stored
	return nil
}

// Get returns the operation with the given id
func (s *MemoryStore) Get(ctx context.Context, id string) (*Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	op, ok := s.ops[id]
	if !ok {
		return nil, syncerr.New(syncerr.CodeNotFound, "operation %s not found", id)
	}
	copied := *op
	return &copied, nil
}

// Update applies a patch atomically
func (s *MemoryStore) Update(ctx context.Context, id string, patch Patch) (*Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.ops[id]
	if !ok {
		return nil, syncerr.New(syncerr.CodeNotFound, "operation %s not found", id)
	}

	if patch.Status != nil && *patch.Status != op.Status {
		if !CanTransition(op.Status, *patch.Status) {
			return nil, syncerr.New(syncerr.CodeState,
				"illegal transition %s -> %s for operation %s", op.Status, *patch.Status, id)
		}
		op.Status = *patch.Status
	}
	if patch.RetryCount != nil {
		op.RetryCount = *patch.RetryCount
	}
	if patch.LastError != nil {
		op.LastError = *patch.LastError
	}
	if patch.Forced != nil {
		op.Forced = *patch.Forced
	}
	if patch.Tentative != nil {
		op.Tentative = *patch.Tentative
	}
	if patch.NextAttempt != nil {
		op.NextAttempt = *patch.NextAttempt
	}
	op.UpdatedAt = time.Now().UTC()

	copied := *op
	return &copied, nil
}

// NextBatch returns the oldest due PENDING operation per free scope
func (s *MemoryStore) NextBatch(ctx context.Context, now time.Time, limit int) ([]*Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	busy := make(map[string]bool)
	for _, op := range s.ops {
		if op.Status == StatusSyncing {
			busy[op.ScopeKey] = true
		}
	}

	// Oldest pending per scope, skipping scopes with an in-flight operation
	candidates := make(map[string]*Operation)
	for _, op := range s.ops {
		if op.Status != StatusPending || busy[op.ScopeKey] {
			continue
		}
		if best, ok := candidates[op.ScopeKey]; !ok || op.Seq < best.Seq {
			candidates[op.ScopeKey] = op
		}
	}

	batch := make([]*Operation, 0, len(candidates))
	for _, op := range candidates {
		if op.NextAttempt.After(now) {
			// The scope's head operation is in a backoff window; later
			// operations in the scope must wait behind it
			continue
		}
		copied := *op
		batch = append(batch, &copied)
	}

	sort.Slice(batch, func(i, j int) bool { return batch[i].Seq < batch[j].Seq })
	if limit > 0 && len(batch) > limit {
		batch = batch[:limit]
	}
	return batch, nil
}

// ListByStatus returns operations in a status, oldest first
func (s *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Operation
	for _, op := range s.ops {
		if op.Status == status {
			copied := *op
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Snapshot returns current counts by status
func (s *MemoryStore) Snapshot(ctx context.Context) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var snap Snapshot
	for _, op := range s.ops {
		switch op.Status {
		case StatusPending:
			snap.Pending++
		case StatusSyncing:
			snap.Syncing++
		case StatusSynced:
			snap.Synced++
		case StatusFailed:
			snap.Failed++
		case StatusConflict:
			snap.Conflicts++
		case StatusDiscarded:
			snap.Discarded++
		}
	}
	return snap, nil
}

// RecoverInFlight resets SYNCING operations back to PENDING
func (s *MemoryStore) RecoverInFlight(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	now := time.Now().UTC()
	for _, op := range s.ops {
		if op.Status == StatusSyncing {
			op.Status = StatusPending
			op.NextAttempt = now
			op.UpdatedAt = now
			count++
		}
	}
	return count, nil
}

// Prune removes terminal operations last touched before the cutoff
func (s *MemoryStore) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, op := range s.ops {
		if op.Status.IsTerminal() && op.UpdatedAt.Before(olderThan) {
			delete(s.ops, id)
			count++
		}
	}
	return count, nil
}
