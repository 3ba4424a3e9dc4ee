package database

import (
	"context"
	"fmt"
	"time"
)

// LeaseStore grants time-bounded exclusive leases to coordinate multiple
// agent processes sharing one queue database. Only the lease holder may
// actively drain; everyone else observes status.
type LeaseStore struct {
	db *DB
}

// NewLeaseStore creates a lease store over an open database
func NewLeaseStore(db *DB) *LeaseStore {
	return &LeaseStore{db: db}
}

// Acquire takes or renews a lease. It succeeds when the lease is free,
// expired, or already held by this holder.
func (l *LeaseStore) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	expires := now.Add(ttl)

	result, err := l.db.GetDB().ExecContext(ctx, `
	INSERT INTO leases (name, holder, expires_at) VALUES (?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET
		holder = excluded.holder, expires_at = excluded.expires_at
	WHERE leases.expires_at < ? OR leases.holder = excluded.holder`,
		name, holder, toUnix(expires), toUnix(now))
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", name, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check lease %s: %w", name, err)
	}
	return affected > 0, nil
}

// Release frees a lease if this holder still owns it
func (l *LeaseStore) Release(ctx context.Context, name, holder string) error {
	_, err := l.db.GetDB().ExecContext(ctx,
		`DELETE FROM leases WHERE name = ? AND holder = ?`, name, holder)
	if err != nil {
		return fmt.Errorf("failed to release lease %s: %w", name, err)
	}
	return nil
}

// Holder returns the current unexpired holder of a lease, if any
func (l *LeaseStore) Holder(ctx context.Context, name string) (string, bool, error) {
	var holder string
	var expiresAt float64
	err := l.db.GetDB().QueryRowContext(ctx,
		`SELECT holder, expires_at FROM leases WHERE name = ?`, name).Scan(&holder, &expiresAt)
	if err != nil {
		return "", false, nil
	}
	if fromUnix(expiresAt).Before(time.Now().UTC()) {
		return "", false, nil
	}
	return holder, true, nil
}
