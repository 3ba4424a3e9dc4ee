// Package queue defines the durable operation queue: the unit of queued
// work, its status state machine, and the storage port it is persisted
// through.
package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OpType represents the kind of mutation an operation carries
type OpType string

const (
	OpCreate OpType = "CREATE"
	OpUpdate OpType = "UPDATE"
	OpDelete OpType = "DELETE"
)

// Status represents the lifecycle state of a queued operation
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSyncing   Status = "SYNCING"
	StatusSynced    Status = "SYNCED"
	StatusFailed    Status = "FAILED"
	StatusConflict  Status = "CONFLICT"
	StatusDiscarded Status = "DISCARDED"
)

// IsTerminal reports whether the status ends the operation's lifecycle
func (s Status) IsTerminal() bool {
	return s == StatusSynced || s == StatusFailed || s == StatusDiscarded
}

// Operation represents a single queued mutation awaiting synchronization
type Operation struct {
	Seq         int64           `json:"seq"`
	ID          string          `json:"id"` // idempotency key, never reused
	Type        OpType          `json:"type"`
	EntityType  string          `json:"entity_type"`
	ScopeKey    string          `json:"scope_key"` // entity type + target record
	Payload     json.RawMessage `json:"payload"`
	ContentHash string          `json:"content_hash,omitempty"`
	Status      Status          `json:"status"`
	RetryCount  int             `json:"retry_count"`
	LastError   string          `json:"last_error,omitempty"`
	Forced      bool            `json:"forced"`
	Tentative   bool            `json:"tentative"` // dedup check deferred until dispatch
	NextAttempt time.Time       `json:"next_attempt"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// NewOperation creates an operation in PENDING with a fresh idempotency key
func NewOperation(opType OpType, entityType, scopeKey string, payload json.RawMessage) *Operation {
	now := time.Now().UTC()
	return &Operation{
		ID:          uuid.New().String(),
		Type:        opType,
		EntityType:  entityType,
		ScopeKey:    scopeKey,
		Payload:     payload,
		Status:      StatusPending,
		NextAttempt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// validTransitions holds the status state machine. Terminal statuses
// (SYNCED, FAILED, DISCARDED) have no outgoing edges.
// PENDING -> CONFLICT covers operations enqueued offline with a deferred
// duplicate check that resolves to a duplicate at dispatch time.
var validTransitions = map[Status][]Status{
	StatusPending:  {StatusSyncing, StatusConflict},
	StatusSyncing:  {StatusSynced, StatusPending, StatusFailed},
	StatusConflict: {StatusDiscarded, StatusPending},
}

// CanTransition reports whether moving from one status to another is legal
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Patch describes a partial update to an operation's mutable fields
type Patch struct {
	Status      *Status
	RetryCount  *int
	LastError   *string
	Forced      *bool
	Tentative   *bool
	NextAttempt *time.Time
}

// Snapshot holds queue counts by status, for the status publisher
type Snapshot struct {
	Pending   int `json:"pending"`
	Syncing   int `json:"syncing"`
	Synced    int `json:"synced"`
	Failed    int `json:"failed"`
	Conflicts int `json:"conflicts"`
	Discarded int `json:"discarded"`
}

// NonTerminal returns the number of operations still awaiting an outcome
func (s Snapshot) NonTerminal() int {
	return s.Pending + s.Syncing + s.Conflicts
}
