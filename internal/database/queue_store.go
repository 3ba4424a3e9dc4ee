package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/field-sync/field-sync/internal/queue"
	"github.com/field-sync/field-sync/internal/syncerr"
)

// QueueStore is the SQLite-backed implementation of queue.Store
type QueueStore struct {
	db *DB
}

// NewQueueStore creates a queue store over an open database
func NewQueueStore(db *DB) *QueueStore {
	return &QueueStore{db: db}
}

const operationColumns = `seq, op_id, op_type, entity_type, scope_key, payload,
	content_hash, status, retry_count, last_error, forced, tentative,
	next_attempt_at, created_at, updated_at`

// Enqueue persists a new operation
func (s *QueueStore) Enqueue(ctx context.Context, op *queue.Operation) error {
	query := `
	INSERT INTO operations (
		op_id, op_type, entity_type, scope_key, payload, content_hash,
		status, retry_count, last_error, forced, tentative,
		next_attempt_at, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.GetDB().ExecContext(ctx, query,
		op.ID, string(op.Type), op.EntityType, op.ScopeKey, []byte(op.Payload),
		nullString(op.ContentHash), string(op.Status), op.RetryCount,
		nullString(op.LastError), boolToInt(op.Forced), boolToInt(op.Tentative),
		toUnix(op.NextAttempt), toUnix(op.CreatedAt), toUnix(op.UpdatedAt),
	)
	if err != nil {
		// Quota exhaustion, corruption, and constraint violations all
		// surface as hard storage errors to the enqueue caller
		return syncerr.Wrap(syncerr.CodeStorage, err, "failed to persist operation %s", op.ID)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return syncerr.Wrap(syncerr.CodeStorage, err, "failed to read sequence for operation %s", op.ID)
	}
	op.Seq = seq

	return nil
}

// Get returns the operation with the given id
func (s *QueueStore) Get(ctx context.Context, id string) (*queue.Operation, error) {
	row := s.db.GetDB().QueryRowContext(ctx,
		`SELECT `+operationColumns+` FROM operations WHERE op_id = ?`, id)

	op, err := scanOperation(row)
	if err == sql.ErrNoRows {
		return nil, syncerr.New(syncerr.CodeNotFound, "operation %s not found", id)
	}
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CodeStorage, err, "failed to load operation %s", id)
	}
	return op, nil
}

// Update applies a patch atomically, validating status transitions
func (s *QueueStore) Update(ctx context.Context, id string, patch queue.Patch) (*queue.Operation, error) {
	tx, err := s.db.GetDB().BeginTx(ctx, nil)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CodeStorage, err, "failed to begin update for operation %s", id)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+operationColumns+` FROM operations WHERE op_id = ?`, id)
	op, err := scanOperation(row)
	if err == sql.ErrNoRows {
		return nil, syncerr.New(syncerr.CodeNotFound, "operation %s not found", id)
	}
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CodeStorage, err, "failed to load operation %s", id)
	}

	if patch.Status != nil && *patch.Status != op.Status {
		if !queue.CanTransition(op.Status, *patch.Status) {
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

	_, err = tx.ExecContext(ctx, `
	UPDATE operations SET
		status = ?, retry_count = ?, last_error = ?, forced = ?,
		tentative = ?, next_attempt_at = ?, updated_at = ?
	WHERE op_id = ?`,
		string(op.Status), op.RetryCount, nullString(op.LastError),
		boolToInt(op.Forced), boolToInt(op.Tentative),
		toUnix(op.NextAttempt), toUnix(op.UpdatedAt), id,
	)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CodeStorage, err, "failed to update operation %s", id)
	}

	if err := tx.Commit(); err != nil {
		return nil, syncerr.Wrap(syncerr.CodeStorage, err, "failed to commit update for operation %s", id)
	}
	return op, nil
}

// NextBatch returns the oldest due PENDING operation per free scope.
// A scope whose head operation waits in a backoff window yields nothing:
// later operations in the scope queue behind it.
func (s *QueueStore) NextBatch(ctx context.Context, now time.Time, limit int) ([]*queue.Operation, error) {
	query := `
	SELECT ` + operationColumns + ` FROM operations o
	WHERE o.status = 'PENDING'
	  AND o.next_attempt_at <= ?
	  AND o.scope_key NOT IN (SELECT scope_key FROM operations WHERE status = 'SYNCING')
	  AND o.seq = (
		SELECT MIN(i.seq) FROM operations i
		WHERE i.scope_key = o.scope_key AND i.status = 'PENDING'
	  )
	ORDER BY o.seq ASC
	LIMIT ?
	`

	rows, err := s.db.GetDB().QueryContext(ctx, query, toUnix(now), limit)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CodeStorage, err, "failed to query dispatchable operations")
	}
	defer rows.Close()

	return scanOperations(rows)
}

// ListByStatus returns operations in a status, oldest first
func (s *QueueStore) ListByStatus(ctx context.Context, status queue.Status, limit int) ([]*queue.Operation, error) {
	rows, err := s.db.GetDB().QueryContext(ctx,
		`SELECT `+operationColumns+` FROM operations WHERE status = ? ORDER BY seq ASC LIMIT ?`,
		string(status), limit)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CodeStorage, err, "failed to list operations by status")
	}
	defer rows.Close()

	return scanOperations(rows)
}

// Snapshot returns current counts by status
func (s *QueueStore) Snapshot(ctx context.Context) (queue.Snapshot, error) {
	rows, err := s.db.GetDB().QueryContext(ctx,
		`SELECT status, COUNT(*) FROM operations GROUP BY status`)
	if err != nil {
		return queue.Snapshot{}, syncerr.Wrap(syncerr.CodeStorage, err, "failed to snapshot queue")
	}
	defer rows.Close()

	var snap queue.Snapshot
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return queue.Snapshot{}, syncerr.Wrap(syncerr.CodeStorage, err, "failed to scan snapshot row")
		}
		switch queue.Status(status) {
		case queue.StatusPending:
			snap.Pending = count
		case queue.StatusSyncing:
			snap.Syncing = count
		case queue.StatusSynced:
			snap.Synced = count
		case queue.StatusFailed:
			snap.Failed = count
		case queue.StatusConflict:
			snap.Conflicts = count
		case queue.StatusDiscarded:
			snap.Discarded = count
		}
	}
	if err := rows.Err(); err != nil {
		return queue.Snapshot{}, syncerr.Wrap(syncerr.CodeStorage, err, "error iterating snapshot rows")
	}
	return snap, nil
}

// RecoverInFlight resets operations left SYNCING by a previous session.
// An in-flight call from a dead session may or may not have reached the
// server; re-dispatching under the same idempotency key makes the retry a
// no-op if it did.
func (s *QueueStore) RecoverInFlight(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	result, err := s.db.GetDB().ExecContext(ctx, `
	UPDATE operations SET status = 'PENDING', next_attempt_at = ?, updated_at = ?
	WHERE status = 'SYNCING'`,
		toUnix(now), toUnix(now))
	if err != nil {
		return 0, syncerr.Wrap(syncerr.CodeStorage, err, "failed to recover in-flight operations")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, syncerr.Wrap(syncerr.CodeStorage, err, "failed to count recovered operations")
	}
	return int(affected), nil
}

// Prune removes terminal operations last touched before the cutoff
func (s *QueueStore) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	result, err := s.db.GetDB().ExecContext(ctx, `
	DELETE FROM operations
	WHERE status IN ('SYNCED', 'FAILED', 'DISCARDED') AND updated_at < ?`,
		toUnix(olderThan))
	if err != nil {
		return 0, syncerr.Wrap(syncerr.CodeStorage, err, "failed to prune terminal operations")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, syncerr.Wrap(syncerr.CodeStorage, err, "failed to count pruned operations")
	}
	return int(affected), nil
}

// rowScanner covers both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOperation(row rowScanner) (*queue.Operation, error) {
	var op queue.Operation
	var opType, status string
	var payload []byte
	var contentHash, lastError sql.NullString
	var forced, tentative int
	var nextAttempt, createdAt, updatedAt float64

	err := row.Scan(
		&op.Seq, &op.ID, &opType, &op.EntityType, &op.ScopeKey, &payload,
		&contentHash, &status, &op.RetryCount, &lastError, &forced, &tentative,
		&nextAttempt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	op.Type = queue.OpType(opType)
	op.Status = queue.Status(status)
	op.Payload = payload
	if contentHash.Valid {
		op.ContentHash = contentHash.String
	}
	if lastError.Valid {
		op.LastError = lastError.String
	}
	op.Forced = forced != 0
	op.Tentative = tentative != 0
	op.NextAttempt = fromUnix(nextAttempt)
	op.CreatedAt = fromUnix(createdAt)
	op.UpdatedAt = fromUnix(updatedAt)

	return &op, nil
}

func scanOperations(rows *sql.Rows) ([]*queue.Operation, error) {
	var ops []*queue.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, syncerr.Wrap(syncerr.CodeStorage, err, "failed to scan operation row")
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Wrap(syncerr.CodeStorage, err, "error iterating operation rows")
	}
	return ops, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
