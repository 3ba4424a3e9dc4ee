package dispatch_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/field-sync/field-sync/internal/dedup"
	"github.com/field-sync/field-sync/internal/dispatch"
	"github.com/field-sync/field-sync/internal/observability"
	"github.com/field-sync/field-sync/internal/queue"
	"github.com/field-sync/field-sync/internal/status"
	"github.com/field-sync/field-sync/internal/syncerr"
	"github.com/stretchr/testify/require"
)

// fakeSyncer records dispatched operations and fails on demand
type fakeSyncer struct {
	mu    sync.Mutex
	calls []string // operation ids in dispatch order
	errs  map[string][]error
}

func newFakeSyncer() *fakeSyncer {
	return &fakeSyncer{errs: make(map[string][]error)}
}

// failWith queues errors to return for an operation, one per call
func (f *fakeSyncer) failWith(opID string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[opID] = append(f.errs[opID], errs...)
}

func (f *fakeSyncer) SyncOperation(ctx context.Context, op *queue.Operation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op.ID)
	if pending := f.errs[op.ID]; len(pending) > 0 {
		err := pending[0]
		f.errs[op.ID] = pending[1:]
		return err
	}
	return nil
}

func (f *fakeSyncer) callOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeOnline struct{ online bool }

func (f *fakeOnline) IsOnline() bool { return f.online }

type staticRechecker struct{ result dedup.Result }

func (s *staticRechecker) Check(ctx context.Context, contentHash, scopeKey string) (dedup.Result, error) {
	return s.result, nil
}

func (s *staticRechecker) RecordSynced(ctx context.Context, contentHash, scopeKey, opID string) {}

type testHarness struct {
	store      *queue.MemoryStore
	syncer     *fakeSyncer
	publisher  *status.Publisher
	dispatcher *dispatch.Dispatcher
}

func newHarness(t *testing.T, rechecker dispatch.Rechecker, opts dispatch.Options) *testHarness {
	t.Helper()
	store := queue.NewMemoryStore()
	syncer := newFakeSyncer()
	publisher := status.NewPublisher()
	dispatcher := dispatch.NewDispatcher(store, syncer, rechecker, &fakeOnline{online: true},
		nil, publisher, observability.NewNopLogger(), observability.NewNopMetrics(), opts)
	return &testHarness{store: store, syncer: syncer, publisher: publisher, dispatcher: dispatcher}
}

func enqueue(t *testing.T, store queue.Store, scopeKey string) *queue.Operation {
	t.Helper()
	op := queue.NewOperation(queue.OpCreate, "inspection", scopeKey, json.RawMessage(`{}`))
	require.NoError(t, store.Enqueue(context.Background(), op))
	return op
}

func opStatus(t *testing.T, store queue.Store, id string) queue.Status {
	t.Helper()
	op, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	return op.Status
}

func TestDrainSyncsInOrder(t *testing.T) {
	h := newHarness(t, nil, dispatch.Options{})
	h.publisher.SetConnectivity(true)
	ctx := context.Background()

	first := enqueue(t, h.store, "site-1")
	second := enqueue(t, h.store, "site-1")
	third := enqueue(t, h.store, "site-1")

	require.NoError(t, h.dispatcher.Drain(ctx))

	require.Equal(t, []string{first.ID, second.ID, third.ID}, h.syncer.callOrder())
	for _, op := range []*queue.Operation{first, second, third} {
		require.Equal(t, queue.StatusSynced, opStatus(t, h.store, op.ID))
	}
	require.Equal(t, status.StateSynced, h.publisher.Current().State)
}

func TestDrainOfflineIsNoOp(t *testing.T) {
	store := queue.NewMemoryStore()
	syncer := newFakeSyncer()
	dispatcher := dispatch.NewDispatcher(store, syncer, nil, &fakeOnline{online: false},
		nil, status.NewPublisher(), observability.NewNopLogger(), observability.NewNopMetrics(),
		dispatch.Options{})

	op := enqueue(t, store, "site-1")
	require.NoError(t, dispatcher.Drain(context.Background()))

	require.Empty(t, syncer.callOrder())
	require.Equal(t, queue.StatusPending, opStatus(t, store, op.ID))
}

func TestDrainValidationFailureIsTerminal(t *testing.T) {
	h := newHarness(t, nil, dispatch.Options{})
	ctx := context.Background()

	op := enqueue(t, h.store, "site-1")
	h.syncer.failWith(op.ID, syncerr.New(syncerr.CodeValidation, "bad payload"))

	require.NoError(t, h.dispatcher.Drain(ctx))

	got, err := h.store.Get(ctx, op.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusFailed, got.Status)
	require.Contains(t, got.LastError, "bad payload")

	// A failed operation is never retried
	require.NoError(t, h.dispatcher.Drain(ctx))
	require.Len(t, h.syncer.callOrder(), 1)
}

func TestDrainTransientFailureReschedules(t *testing.T) {
	h := newHarness(t, nil, dispatch.Options{
		BackoffBase: 50 * time.Millisecond,
		BackoffMax:  time.Second,
	})
	ctx := context.Background()

	op := enqueue(t, h.store, "site-1")
	h.syncer.failWith(op.ID, syncerr.New(syncerr.CodeTransient, "connection reset"))

	require.NoError(t, h.dispatcher.Drain(ctx))

	got, err := h.store.Get(ctx, op.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusPending, got.Status)
	require.Equal(t, 1, got.RetryCount)
	require.Contains(t, got.LastError, "connection reset")
	require.True(t, got.NextAttempt.After(time.Now()), "retry must wait out the backoff")

	// The next drain succeeds once the backoff elapses
	require.Eventually(t, func() bool {
		require.NoError(t, h.dispatcher.Drain(ctx))
		return opStatus(t, h.store, op.ID) == queue.StatusSynced
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDrainExhaustedRetriesFail(t *testing.T) {
	h := newHarness(t, nil, dispatch.Options{
		MaxRetries:  2,
		BackoffBase: time.Millisecond,
		BackoffMax:  2 * time.Millisecond,
	})
	ctx := context.Background()

	op := enqueue(t, h.store, "site-1")
	h.syncer.failWith(op.ID,
		syncerr.New(syncerr.CodeTransient, "timeout"),
		syncerr.New(syncerr.CodeTransient, "timeout"),
		syncerr.New(syncerr.CodeTransient, "timeout"))

	require.Eventually(t, func() bool {
		require.NoError(t, h.dispatcher.Drain(ctx))
		return opStatus(t, h.store, op.ID) == queue.StatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	got, err := h.store.Get(ctx, op.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.RetryCount)
}

func TestDrainFailureBlocksScopeSuccessors(t *testing.T) {
	h := newHarness(t, nil, dispatch.Options{
		BackoffBase: time.Hour,
		BackoffMax:  2 * time.Hour,
	})
	ctx := context.Background()

	head := enqueue(t, h.store, "site-1")
	successor := enqueue(t, h.store, "site-1")
	other := enqueue(t, h.store, "site-2")
	h.syncer.failWith(head.ID, syncerr.New(syncerr.CodeTransient, "timeout"))

	require.NoError(t, h.dispatcher.Drain(ctx))

	// The failed head parks its scope; the other scope is unaffected
	require.Equal(t, queue.StatusPending, opStatus(t, h.store, head.ID))
	require.Equal(t, queue.StatusPending, opStatus(t, h.store, successor.ID))
	require.Equal(t, queue.StatusSynced, opStatus(t, h.store, other.ID))
	require.NotContains(t, h.syncer.callOrder(), successor.ID)
}

func TestDrainDeferredDuplicateBecomesConflict(t *testing.T) {
	rechecker := &staticRechecker{result: dedup.Result{Duplicate: true, ExistingID: "op-0"}}
	h := newHarness(t, rechecker, dispatch.Options{})
	ctx := context.Background()

	op := queue.NewOperation(queue.OpCreate, "photo", "site-1", json.RawMessage(`{}`))
	op.ContentHash = "h1"
	op.Tentative = true
	require.NoError(t, h.store.Enqueue(ctx, op))

	require.NoError(t, h.dispatcher.Drain(ctx))

	require.Equal(t, queue.StatusConflict, opStatus(t, h.store, op.ID))
	require.Empty(t, h.syncer.callOrder(), "a confirmed duplicate must not be uploaded")
}

func TestDrainDeferredCheckClearsTentative(t *testing.T) {
	rechecker := &staticRechecker{result: dedup.Result{Duplicate: false}}
	h := newHarness(t, rechecker, dispatch.Options{})
	ctx := context.Background()

	op := queue.NewOperation(queue.OpCreate, "photo", "site-1", json.RawMessage(`{}`))
	op.ContentHash = "h1"
	op.Tentative = true
	require.NoError(t, h.store.Enqueue(ctx, op))

	require.NoError(t, h.dispatcher.Drain(ctx))

	got, err := h.store.Get(ctx, op.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusSynced, got.Status)
	require.False(t, got.Tentative)
}

func TestDrainForcedOperationSkipsRecheck(t *testing.T) {
	rechecker := &staticRechecker{result: dedup.Result{Duplicate: true}}
	h := newHarness(t, rechecker, dispatch.Options{})
	ctx := context.Background()

	op := queue.NewOperation(queue.OpCreate, "photo", "site-1", json.RawMessage(`{}`))
	op.ContentHash = "h1"
	op.Tentative = true
	op.Forced = true
	require.NoError(t, h.store.Enqueue(ctx, op))

	require.NoError(t, h.dispatcher.Drain(ctx))
	require.Equal(t, queue.StatusSynced, opStatus(t, h.store, op.ID))
}

func TestRecoverResetsInFlight(t *testing.T) {
	h := newHarness(t, nil, dispatch.Options{})
	ctx := context.Background()

	op := enqueue(t, h.store, "site-1")
	syncing := queue.StatusSyncing
	_, err := h.store.Update(ctx, op.ID, queue.Patch{Status: &syncing})
	require.NoError(t, err)

	require.NoError(t, h.dispatcher.Recover(ctx))
	require.Equal(t, queue.StatusPending, opStatus(t, h.store, op.ID))

	// The recovered operation re-dispatches under its original id, so a
	// server that saw the first attempt treats the retry as a no-op
	require.NoError(t, h.dispatcher.Drain(ctx))
	require.Equal(t, []string{op.ID}, h.syncer.callOrder())
	require.Equal(t, queue.StatusSynced, opStatus(t, h.store, op.ID))
}

// fakeLeaser hands the lease to a fixed holder
type fakeLeaser struct {
	mu     sync.Mutex
	owner  string
	grants int
}

func (f *fakeLeaser) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.owner == "" || f.owner == holder {
		f.owner = holder
		f.grants++
		return true, nil
	}
	return false, nil
}

func (f *fakeLeaser) Release(ctx context.Context, name, holder string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.owner == holder {
		f.owner = ""
	}
	return nil
}

func TestDrainRequiresLease(t *testing.T) {
	store := queue.NewMemoryStore()
	syncer := newFakeSyncer()
	leaser := &fakeLeaser{owner: "other-process"}
	dispatcher := dispatch.NewDispatcher(store, syncer, nil, &fakeOnline{online: true},
		leaser, status.NewPublisher(), observability.NewNopLogger(), observability.NewNopMetrics(),
		dispatch.Options{HolderID: "this-process"})

	op := enqueue(t, store, "site-1")
	require.NoError(t, dispatcher.Drain(context.Background()))

	// The lease holder elsewhere means this process must not dispatch
	require.Empty(t, syncer.callOrder())
	require.Equal(t, queue.StatusPending, opStatus(t, store, op.ID))

	// Once the lease frees up the same drain proceeds
	leaser.mu.Lock()
	leaser.owner = ""
	leaser.mu.Unlock()
	require.NoError(t, dispatcher.Drain(context.Background()))
	require.Equal(t, queue.StatusSynced, opStatus(t, store, op.ID))
}

// expiringLeaser grants a fixed number of acquires, then behaves as if
// the lease expired and another process took it over
type expiringLeaser struct {
	mu     sync.Mutex
	grants int
}

func (f *expiringLeaser) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.grants > 0 {
		f.grants--
		return true, nil
	}
	return false, nil
}

func (f *expiringLeaser) Release(ctx context.Context, name, holder string) error { return nil }

func TestLeaseLossMidCycleStopsDispatch(t *testing.T) {
	store := queue.NewMemoryStore()
	syncer := newFakeSyncer()
	// Initial acquire plus one renewal succeed; the next renewal finds
	// the lease taken over after expiry
	leaser := &expiringLeaser{grants: 2}
	dispatcher := dispatch.NewDispatcher(store, syncer, nil, &fakeOnline{online: true},
		leaser, status.NewPublisher(), observability.NewNopLogger(), observability.NewNopMetrics(),
		dispatch.Options{HolderID: "this-process", MaxConcurrentScopes: 1})

	first := enqueue(t, store, "site-1")
	second := enqueue(t, store, "site-2")

	require.NoError(t, dispatcher.Drain(context.Background()))

	// One batch went out under the renewed lease; losing it stops the
	// cycle before the next batch reaches the server
	require.Equal(t, []string{first.ID}, syncer.callOrder())
	require.Equal(t, queue.StatusSynced, opStatus(t, store, first.ID))
	require.Equal(t, queue.StatusPending, opStatus(t, store, second.ID))
}

func TestEmptyDrainDoesNotPublishSyncing(t *testing.T) {
	h := newHarness(t, nil, dispatch.Options{})
	h.publisher.SetConnectivity(true)

	var mu sync.Mutex
	var phases []status.Phase
	unsubscribe := h.publisher.Subscribe(func(s status.SyncStatus) {
		mu.Lock()
		phases = append(phases, s.Phase)
		mu.Unlock()
	})
	defer unsubscribe()

	require.NoError(t, h.dispatcher.Drain(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.NotContains(t, phases, status.PhaseSyncing)
}
