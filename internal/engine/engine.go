// Package engine assembles the sync agent: queue store, dedup service,
// connectivity monitor, dispatcher, status publisher, and background
// trigger behind one service object with an explicit lifecycle.
package engine

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/field-sync/field-sync/internal/connectivity"
	"github.com/field-sync/field-sync/internal/dedup"
	"github.com/field-sync/field-sync/internal/dispatch"
	"github.com/field-sync/field-sync/internal/observability"
	"github.com/field-sync/field-sync/internal/queue"
	"github.com/field-sync/field-sync/internal/status"
	"github.com/field-sync/field-sync/internal/syncerr"
	"github.com/field-sync/field-sync/internal/trigger"
	"go.uber.org/zap"
)

// Decision resolves a CONFLICT operation
type Decision string

const (
	DecisionSkip  Decision = "skip"
	DecisionForce Decision = "force"
)

// EnqueueRequest describes a mutation to queue
type EnqueueRequest struct {
	Type       queue.OpType
	EntityType string
	ScopeKey   string
	Payload    json.RawMessage
	// Attachment carries binary content (photo bytes) to be hashed for
	// duplicate detection; nil for plain record mutations
	Attachment []byte
	// AttachmentReader streams binary content too large to buffer in the
	// request body; takes precedence over Attachment
	AttachmentReader io.Reader
	// Forced bypasses duplicate detection, set by an explicit user decision
	Forced bool
}

// Handle identifies a durably queued operation
type Handle struct {
	ID     string       `json:"id"`
	Status queue.Status `json:"status"`
}

// Deps are the collaborators the engine is constructed with
type Deps struct {
	Store      queue.Store
	Dedup      *dedup.Service
	Monitor    *connectivity.Monitor
	Dispatcher *dispatch.Dispatcher
	Trigger    *trigger.Trigger
	Publisher  *status.Publisher
	Logger     *observability.Logger
	Metrics    *observability.Metrics
}

// Engine is the sync agent service object. Construct once per session,
// inject where needed, and drive it through Start and Stop.
type Engine struct {
	deps Deps

	mu          sync.Mutex
	started     bool
	unsubscribe func()
}

// NewEngine creates an engine from its collaborators
func NewEngine(deps Deps) *Engine {
	return &Engine{deps: deps}
}

// Start recovers interrupted work and launches the monitor and trigger.
// Operations left SYNCING by a previous session return to PENDING first:
// an unacknowledged in-flight call is never assumed to have completed.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return nil
	}

	if err := e.deps.Dispatcher.Recover(ctx); err != nil {
		return err
	}

	// Connectivity transitions feed the publisher, and a restored
	// connection wakes the dispatcher immediately
	e.unsubscribe = e.deps.Monitor.Subscribe(func(online bool) {
		e.deps.Publisher.SetConnectivity(online)
		if online {
			e.deps.Trigger.Wake()
		}
	})

	e.deps.Monitor.Start(ctx)
	e.deps.Trigger.Start(ctx)
	e.started = true

	e.deps.Logger.Info("sync engine started")
	return nil
}

// Stop halts background work. Queued operations stay durable and resume
// on the next Start.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return nil
	}

	e.deps.Trigger.Stop()
	e.deps.Monitor.Stop()
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
	e.started = false

	e.deps.Logger.Info("sync engine stopped")
	return nil
}

// Enqueue durably queues a mutation and returns once it is persisted
// locally, not once it is synced. Binary attachments are hashed and
// screened for duplicates before persistence; the hash never changes
// afterwards. Local storage failure is returned as a hard error.
func (e *Engine) Enqueue(ctx context.Context, req EnqueueRequest) (*Handle, error) {
	if req.EntityType == "" {
		return nil, syncerr.New(syncerr.CodeValidation, "entity type is required")
	}
	if req.ScopeKey == "" {
		return nil, syncerr.New(syncerr.CodeValidation, "scope key is required")
	}
	switch req.Type {
	case queue.OpCreate, queue.OpUpdate, queue.OpDelete:
	default:
		return nil, syncerr.New(syncerr.CodeValidation, "unknown operation type %q", req.Type)
	}

	op := queue.NewOperation(req.Type, req.EntityType, req.ScopeKey, req.Payload)
	op.Forced = req.Forced

	if req.AttachmentReader != nil {
		hash, err := dedup.HashReaderString(req.AttachmentReader)
		if err != nil {
			return nil, syncerr.Wrap(syncerr.CodeStorage, err, "failed to hash attachment")
		}
		op.ContentHash = hash
	} else if len(req.Attachment) > 0 {
		op.ContentHash = dedup.HashString(req.Attachment)
	}

	if op.ContentHash != "" {
		if !req.Forced && e.deps.Dedup != nil {
			result, err := e.deps.Dedup.Check(ctx, op.ContentHash, op.ScopeKey)
			if err != nil {
				return nil, err
			}
			if result.Duplicate && !result.Tentative {
				op.Status = queue.StatusConflict
				e.deps.Metrics.ConflictsDetected.Add(ctx, 1)
				e.deps.Logger.WithOperationID(op.ID).WithEntityType(op.EntityType).Info("duplicate content detected at enqueue",
					zap.String("existing_id", result.ExistingID))
			}
			op.Tentative = result.Tentative
		}
	}

	if err := e.deps.Store.Enqueue(ctx, op); err != nil {
		return nil, err
	}

	e.deps.Metrics.OperationsEnqueued.Add(ctx, 1)
	e.deps.Dispatcher.PushSnapshot(ctx)

	if op.Status == queue.StatusPending && e.deps.Monitor.IsOnline() {
		e.deps.Trigger.Wake()
	}

	return &Handle{ID: op.ID, Status: op.Status}, nil
}

// ResolveConflict applies the user's decision to a CONFLICT operation:
// skip discards it, force re-queues it with duplicate detection bypassed.
func (e *Engine) ResolveConflict(ctx context.Context, operationID string, decision Decision) (*queue.Operation, error) {
	op, err := e.deps.Store.Get(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if op.Status != queue.StatusConflict {
		return nil, syncerr.New(syncerr.CodeState,
			"operation %s is %s, not %s", operationID, op.Status, queue.StatusConflict)
	}

	var patch queue.Patch
	switch decision {
	case DecisionSkip:
		discarded := queue.StatusDiscarded
		patch.Status = &discarded
	case DecisionForce:
		pending := queue.StatusPending
		forced := true
		tentative := false
		now := time.Now().UTC()
		patch.Status = &pending
		patch.Forced = &forced
		patch.Tentative = &tentative
		patch.NextAttempt = &now
	default:
		return nil, syncerr.New(syncerr.CodeValidation, "unknown decision %q", decision)
	}

	updated, err := e.deps.Store.Update(ctx, operationID, patch)
	if err != nil {
		return nil, err
	}

	e.deps.Metrics.ConflictsResolved.Add(ctx, 1)
	e.deps.Logger.WithOperationID(operationID).Info("conflict resolved",
		zap.String("decision", string(decision)))
	e.deps.Dispatcher.PushSnapshot(ctx)

	if decision == DecisionForce && e.deps.Monitor.IsOnline() {
		e.deps.Trigger.Wake()
	}

	return updated, nil
}

// SubscribeStatus registers a status callback and returns an unsubscribe
// function. The current status is pushed immediately.
func (e *Engine) SubscribeStatus(fn func(status.SyncStatus)) func() {
	return e.deps.Publisher.Subscribe(fn)
}

// Status returns the current aggregate sync status
func (e *Engine) Status() status.SyncStatus {
	return e.deps.Publisher.Current()
}

// Operation returns a queued operation by id
func (e *Engine) Operation(ctx context.Context, id string) (*queue.Operation, error) {
	return e.deps.Store.Get(ctx, id)
}

// ListOperations returns operations in a status, oldest first
func (e *Engine) ListOperations(ctx context.Context, st queue.Status, limit int) ([]*queue.Operation, error) {
	if limit <= 0 {
		limit = 100
	}
	return e.deps.Store.ListByStatus(ctx, st, limit)
}

// Snapshot returns current queue counts
func (e *Engine) Snapshot(ctx context.Context) (queue.Snapshot, error) {
	return e.deps.Store.Snapshot(ctx)
}
