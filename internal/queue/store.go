package queue

import (
	"context"
	"time"
)

// Store is the storage port for the durable operation queue. The SQLite
// implementation lives in internal/database; MemoryStore below serves
// tests and embedded callers.
//
// Implementations must keep one invariant themselves: Update rejects
// status changes that CanTransition does not allow. Everything else
// (per-scope ordering, single in-flight per scope) is enforced by the
// dispatcher on top of NextBatch.
type Store interface {
	// Enqueue persists a new operation. It does not deduplicate: content
	// dedup happens before this call, double-submit protection is the
	// caller's idempotency key inside the payload. Failures are
	// syncerr.CodeStorage.
	Enqueue(ctx context.Context, op *Operation) error

	// Get returns the operation with the given id, or syncerr.CodeNotFound
	Get(ctx context.Context, id string) (*Operation, error)

	// Update applies a patch atomically and returns the updated operation.
	// Illegal status transitions are rejected with syncerr.CodeState.
	Update(ctx context.Context, id string, patch Patch) (*Operation, error)

	// NextBatch returns up to limit dispatchable operations: the oldest
	// PENDING operation per scope key, due at or before now, excluding
	// scopes that already have a SYNCING operation in flight.
	NextBatch(ctx context.Context, now time.Time, limit int) ([]*Operation, error)

	// ListByStatus returns operations in a status, oldest first
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Operation, error)

	// Snapshot returns current counts by status
	Snapshot(ctx context.Context) (Snapshot, error)

	// RecoverInFlight resets operations left SYNCING by a previous session
	// back to PENDING and returns how many were reset
	RecoverInFlight(ctx context.Context) (int, error)

	// Prune removes terminal operations last touched before the cutoff
	Prune(ctx context.Context, olderThan time.Time) (int, error)
}
