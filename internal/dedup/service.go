// Package dedup detects duplicate binary content (photo uploads) before
// it is queued, so the same bytes are not uploaded twice into the same
// record scope.
package dedup

import (
	"context"
	"time"

	"github.com/field-sync/field-sync/internal/observability"
	"github.com/field-sync/field-sync/internal/syncerr"
	"go.uber.org/zap"
)

// LocalIndex is the recent-uploads index used as the fast path
type LocalIndex interface {
	Lookup(ctx context.Context, contentHash, scopeKey string) (string, bool, error)
	Record(ctx context.Context, contentHash, scopeKey, opID string, syncedAt time.Time) error
}

// ServerChecker consults the server's authoritative duplicate-check endpoint
type ServerChecker interface {
	DedupCheck(ctx context.Context, contentHash, scopeKey string) (bool, string, error)
}

// Result is the outcome of a duplicate check
type Result struct {
	// Duplicate reports that equivalent content already exists in scope
	Duplicate bool
	// ExistingID identifies the operation that synced the duplicate, when known
	ExistingID string
	// Tentative means the authoritative server check was deferred
	// (offline or unreachable) and must be repeated at dispatch time
	Tentative bool
}

// Service screens binary payloads before they enter the queue
type Service struct {
	index   LocalIndex
	server  ServerChecker
	online  func() bool
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewService creates a dedup service
func NewService(index LocalIndex, server ServerChecker, online func() bool, logger *observability.Logger, metrics *observability.Metrics) *Service {
	return &Service{
		index:   index,
		server:  server,
		online:  online,
		logger:  logger,
		metrics: metrics,
	}
}

// Check determines whether content with this hash already exists in the
// scope. The local index answers first; when online the server's answer
// replaces it (the index is advisory, never binding). When the server
// cannot be reached the result is tentative and the dispatcher repeats
// the check before upload.
func (s *Service) Check(ctx context.Context, contentHash, scopeKey string) (Result, error) {
	s.metrics.DedupChecks.Add(ctx, 1)

	localID, localHit, err := s.index.Lookup(ctx, contentHash, scopeKey)
	if err != nil {
		// A broken fast path must not block enqueue; fall through to the
		// server check
		s.logger.Warn("dedup index lookup failed", zap.Error(err))
		localHit = false
	}

	if !s.online() {
		if localHit {
			// The index only holds content this device already synced, so
			// an offline hit is safe to surface as a duplicate now
			return Result{Duplicate: true, ExistingID: localID}, nil
		}
		return Result{Tentative: true}, nil
	}

	duplicate, existingID, err := s.server.DedupCheck(ctx, contentHash, scopeKey)
	if err != nil {
		if syncerr.IsTransient(err) {
			s.logger.Warn("dedup server check unreachable, deferring",
				zap.String("scope_key", scopeKey), zap.Error(err))
			if localHit {
				return Result{Duplicate: true, ExistingID: localID, Tentative: true}, nil
			}
			return Result{Tentative: true}, nil
		}
		return Result{}, err
	}

	return Result{Duplicate: duplicate, ExistingID: existingID}, nil
}

// RecordSynced remembers a completed upload for future fast-path hits
func (s *Service) RecordSynced(ctx context.Context, contentHash, scopeKey, opID string) {
	if contentHash == "" {
		return
	}
	if err := s.index.Record(ctx, contentHash, scopeKey, opID, time.Now().UTC()); err != nil {
		s.logger.Warn("failed to record synced upload in dedup index",
			zap.String("operation_id", opID), zap.Error(err))
	}
}
