// Package dispatch drains the operation queue against the sync server:
// bounded concurrency across record scopes, strict ordering within a
// scope, retry with backoff, and terminal-status bookkeeping.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/field-sync/field-sync/internal/dedup"
	"github.com/field-sync/field-sync/internal/observability"
	"github.com/field-sync/field-sync/internal/queue"
	"github.com/field-sync/field-sync/internal/status"
	"github.com/field-sync/field-sync/internal/syncerr"
	"go.uber.org/zap"
)

// drainLeaseName serializes drain cycles across processes sharing a queue
const drainLeaseName = "dispatcher-drain"

// Syncer delivers one operation to the server
type Syncer interface {
	SyncOperation(ctx context.Context, op *queue.Operation) error
}

// OnlineChecker is the dispatcher's loop guard
type OnlineChecker interface {
	IsOnline() bool
}

// Rechecker repeats deferred duplicate checks at dispatch time. A nil
// Rechecker disables duplicate detection.
type Rechecker interface {
	Check(ctx context.Context, contentHash, scopeKey string) (dedup.Result, error)
	RecordSynced(ctx context.Context, contentHash, scopeKey, opID string)
}

// Leaser grants drain leadership. A nil Leaser means single-process mode.
type Leaser interface {
	Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name, holder string) error
}

// Options configures the dispatcher
type Options struct {
	MaxConcurrentScopes int
	MaxRetries          int
	BackoffBase         time.Duration
	BackoffMax          time.Duration
	CallTimeout         time.Duration
	LeaseTTL            time.Duration
	HolderID            string
}

// Dispatcher drains PENDING operations to the server
type Dispatcher struct {
	store     queue.Store
	client    Syncer
	dedup     Rechecker
	connected OnlineChecker
	leases    Leaser
	publisher *status.Publisher
	logger    *observability.Logger
	metrics   *observability.Metrics
	opts      Options

	drainMu sync.Mutex // one drain cycle at a time within this process
}

// NewDispatcher creates a dispatcher
func NewDispatcher(store queue.Store, client Syncer, dedupSvc Rechecker, connected OnlineChecker,
	leases Leaser, publisher *status.Publisher, logger *observability.Logger,
	metrics *observability.Metrics, opts Options) *Dispatcher {

	if opts.MaxConcurrentScopes <= 0 {
		opts.MaxConcurrentScopes = 4
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 60 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 30 * time.Second
	}

	return &Dispatcher{
		store:     store,
		client:    client,
		dedup:     dedupSvc,
		connected: connected,
		leases:    leases,
		publisher: publisher,
		logger:    logger,
		metrics:   metrics,
		opts:      opts,
	}
}

// Recover resets operations left SYNCING by a previous session back to
// PENDING. Must run before the first drain: the dispatcher never assumes
// an in-flight call from a dead session completed.
func (d *Dispatcher) Recover(ctx context.Context) error {
	count, err := d.store.RecoverInFlight(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		d.logger.Info("recovered in-flight operations from previous session",
			zap.Int("count", count))
	}
	d.PushSnapshot(ctx)
	return nil
}

// Drain processes dispatchable operations until the queue has no due
// work or connectivity drops. Both the foreground loop and the
// background trigger call this same entry point.
func (d *Dispatcher) Drain(ctx context.Context) error {
	d.drainMu.Lock()
	defer d.drainMu.Unlock()

	if !d.connected.IsOnline() {
		return nil
	}

	if d.leases != nil {
		acquired, err := d.leases.Acquire(ctx, drainLeaseName, d.opts.HolderID, d.opts.LeaseTTL)
		if err != nil {
			return err
		}
		if !acquired {
			// Another process is draining; this one only observes
			d.logger.Debug("drain lease held elsewhere, skipping cycle")
			return nil
		}
		defer func() {
			if err := d.leases.Release(context.Background(), drainLeaseName, d.opts.HolderID); err != nil {
				d.logger.Warn("failed to release drain lease", zap.Error(err))
			}
		}()
	}

	started := time.Now()
	draining := false
	defer func() {
		if draining {
			d.publisher.SetDraining(false)
			d.PushSnapshot(ctx)
		}
		d.metrics.DrainCycleDuration.Record(ctx, time.Since(started).Seconds())
	}()

	for d.connected.IsOnline() && ctx.Err() == nil {
		if d.leases != nil {
			renewed, err := d.leases.Acquire(ctx, drainLeaseName, d.opts.HolderID, d.opts.LeaseTTL)
			if err != nil {
				return err
			}
			if !renewed {
				// Lease expired mid-cycle and another process took it.
				// Stop dispatching; the new leader carries on.
				d.logger.Warn("drain lease lost mid-cycle, stopping")
				return nil
			}
		}

		batch, err := d.store.NextBatch(ctx, time.Now().UTC(), d.opts.MaxConcurrentScopes)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			// Nothing due: either drained or every scope waits in backoff.
			// The background trigger re-drains; no busy waiting here.
			return nil
		}

		// Flip to SYNCING only once there is real work, so periodic
		// empty drains do not flicker subscriber status.
		if !draining {
			draining = true
			d.publisher.SetDraining(true)
		}

		var wg sync.WaitGroup
		for _, op := range batch {
			wg.Add(1)
			go func(op *queue.Operation) {
				defer wg.Done()
				d.dispatchOne(ctx, op)
			}(op)
		}
		wg.Wait()
		d.PushSnapshot(ctx)
	}
	return nil
}

// PushSnapshot publishes current queue counts
func (d *Dispatcher) PushSnapshot(ctx context.Context) {
	snap, err := d.store.Snapshot(ctx)
	if err != nil {
		d.logger.Warn("failed to snapshot queue", zap.Error(err))
		return
	}
	d.publisher.SetSnapshot(snap)
}

// dispatchOne runs the state machine for a single operation
func (d *Dispatcher) dispatchOne(ctx context.Context, op *queue.Operation) {
	log := d.logger.WithOperationID(op.ID).WithScopeKey(op.ScopeKey).WithEntityType(op.EntityType)

	// A deferred duplicate check runs before the operation leaves
	// PENDING; a confirmed duplicate becomes a CONFLICT instead of an
	// upload
	if op.Tentative && op.ContentHash != "" && !op.Forced && d.dedup != nil {
		result, err := d.dedup.Check(ctx, op.ContentHash, op.ScopeKey)
		if err == nil && !result.Tentative {
			cleared := false
			if result.Duplicate {
				conflict := queue.StatusConflict
				if _, err := d.store.Update(ctx, op.ID, queue.Patch{Status: &conflict, Tentative: &cleared}); err != nil {
					log.Error("failed to mark deferred duplicate as conflict", zap.Error(err))
					return
				}
				d.metrics.ConflictsDetected.Add(ctx, 1)
				log.Info("deferred duplicate check matched existing content",
					zap.String("existing_id", result.ExistingID))
				return
			}
			if _, err := d.store.Update(ctx, op.ID, queue.Patch{Tentative: &cleared}); err != nil {
				log.Warn("failed to clear tentative flag", zap.Error(err))
			}
			op.Tentative = false
		}
		// Still tentative means the server is unreachable; the sync call
		// below will fail transient and reschedule
	}

	syncing := queue.StatusSyncing
	if _, err := d.store.Update(ctx, op.ID, queue.Patch{Status: &syncing}); err != nil {
		log.Error("failed to mark operation in flight", zap.Error(err))
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, d.opts.CallTimeout)
	callStart := time.Now()
	err := d.client.SyncOperation(callCtx, op)
	cancel()
	d.metrics.DispatchDuration.Record(ctx, time.Since(callStart).Seconds())

	switch {
	case err == nil:
		d.complete(ctx, op, log)
	case syncerr.IsValidation(err):
		d.fail(ctx, op, err, log)
	default:
		d.reschedule(ctx, op, err, log)
	}
}

// complete marks an acknowledged operation SYNCED
func (d *Dispatcher) complete(ctx context.Context, op *queue.Operation, log *observability.Logger) {
	synced := queue.StatusSynced
	empty := ""
	if _, err := d.store.Update(ctx, op.ID, queue.Patch{Status: &synced, LastError: &empty}); err != nil {
		log.Error("failed to mark operation synced", zap.Error(err))
		return
	}
	d.metrics.OperationsSynced.Add(ctx, 1)
	if d.dedup != nil {
		d.dedup.RecordSynced(ctx, op.ContentHash, op.ScopeKey, op.ID)
	}
	log.Info("operation synced", zap.Int("retry_count", op.RetryCount))
}

// fail marks an operation terminally FAILED, surfacing the server message
func (d *Dispatcher) fail(ctx context.Context, op *queue.Operation, cause error, log *observability.Logger) {
	failed := queue.StatusFailed
	msg := cause.Error()
	if _, err := d.store.Update(ctx, op.ID, queue.Patch{Status: &failed, LastError: &msg}); err != nil {
		log.Error("failed to mark operation failed", zap.Error(err))
		return
	}
	d.metrics.OperationsFailed.Add(ctx, 1)
	log.Warn("operation failed permanently", zap.String("cause", msg))
}

// reschedule returns a transiently failed operation to PENDING with
// backoff, or fails it once the retry limit is exhausted
func (d *Dispatcher) reschedule(ctx context.Context, op *queue.Operation, cause error, log *observability.Logger) {
	retries := op.RetryCount + 1
	msg := cause.Error()

	if retries >= d.opts.MaxRetries {
		failed := queue.StatusFailed
		if _, err := d.store.Update(ctx, op.ID, queue.Patch{
			Status: &failed, RetryCount: &retries, LastError: &msg,
		}); err != nil {
			log.Error("failed to mark operation failed", zap.Error(err))
			return
		}
		d.metrics.OperationsFailed.Add(ctx, 1)
		log.Warn("operation failed after exhausting retries",
			zap.Int("retries", retries), zap.String("cause", msg))
		return
	}

	pending := queue.StatusPending
	next := time.Now().UTC().Add(backoffWithJitter(d.opts.BackoffBase, d.opts.BackoffMax, retries))
	if _, err := d.store.Update(ctx, op.ID, queue.Patch{
		Status: &pending, RetryCount: &retries, LastError: &msg, NextAttempt: &next,
	}); err != nil {
		log.Error("failed to reschedule operation", zap.Error(err))
		return
	}
	d.metrics.OperationRetries.Add(ctx, 1)
	log.Info("operation rescheduled",
		zap.Int("retry", retries),
		zap.Time("next_attempt", next),
		zap.String("cause", msg))
}
