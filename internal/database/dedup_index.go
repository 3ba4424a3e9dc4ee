package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DedupIndex is the local recent-uploads index consulted by the dedup
// fast path. It is advisory only; the server's duplicate check remains
// authoritative.
type DedupIndex struct {
	db *DB
}

// NewDedupIndex creates a dedup index over an open database
func NewDedupIndex(db *DB) *DedupIndex {
	return &DedupIndex{db: db}
}

// Record remembers a synced upload for future fast-path lookups
func (i *DedupIndex) Record(ctx context.Context, contentHash, scopeKey, opID string, syncedAt time.Time) error {
	_, err := i.db.GetDB().ExecContext(ctx, `
	INSERT INTO dedup_index (content_hash, scope_key, op_id, synced_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(content_hash, scope_key) DO UPDATE SET
		op_id = excluded.op_id, synced_at = excluded.synced_at`,
		contentHash, scopeKey, opID, toUnix(syncedAt))
	if err != nil {
		return fmt.Errorf("failed to record dedup entry: %w", err)
	}
	return nil
}

// Lookup returns the operation that previously synced this content in
// this scope, if any
func (i *DedupIndex) Lookup(ctx context.Context, contentHash, scopeKey string) (string, bool, error) {
	var opID string
	err := i.db.GetDB().QueryRowContext(ctx, `
	SELECT op_id FROM dedup_index WHERE content_hash = ? AND scope_key = ?`,
		contentHash, scopeKey).Scan(&opID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up dedup entry: %w", err)
	}
	return opID, true, nil
}

// Prune removes index entries older than the cutoff
func (i *DedupIndex) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	result, err := i.db.GetDB().ExecContext(ctx,
		`DELETE FROM dedup_index WHERE synced_at < ?`, toUnix(olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to prune dedup index: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned dedup entries: %w", err)
	}
	return int(affected), nil
}
