package queue_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/field-sync/field-sync/internal/queue"
	"github.com/field-sync/field-sync/internal/syncerr"
	"github.com/stretchr/testify/require"
)

func enqueueOp(t *testing.T, store queue.Store, scopeKey string) *queue.Operation {
	t.Helper()
	op := queue.NewOperation(queue.OpCreate, "inspection", scopeKey, json.RawMessage(`{}`))
	require.NoError(t, store.Enqueue(context.Background(), op))
	return op
}

func TestMemoryStoreEnqueueGet(t *testing.T) {
	store := queue.NewMemoryStore()
	ctx := context.Background()

	op := enqueueOp(t, store, "site-1")

	got, err := store.Get(ctx, op.ID)
	require.NoError(t, err)
	require.Equal(t, op.ID, got.ID)
	require.Equal(t, queue.StatusPending, got.Status)
	require.NotZero(t, got.Seq)

	// Duplicate ids are rejected
	err = store.Enqueue(ctx, op)
	require.Error(t, err)
	require.Equal(t, syncerr.CodeStorage, syncerr.CodeOf(err))

	_, err = store.Get(ctx, "no-such-op")
	require.Equal(t, syncerr.CodeNotFound, syncerr.CodeOf(err))
}

func TestMemoryStoreUpdateRejectsIllegalTransition(t *testing.T) {
	store := queue.NewMemoryStore()
	ctx := context.Background()
	op := enqueueOp(t, store, "site-1")

	synced := queue.StatusSynced
	_, err := store.Update(ctx, op.ID, queue.Patch{Status: &synced})
	require.Error(t, err)
	require.Equal(t, syncerr.CodeState, syncerr.CodeOf(err))

	// The legal path passes through SYNCING
	syncing := queue.StatusSyncing
	_, err = store.Update(ctx, op.ID, queue.Patch{Status: &syncing})
	require.NoError(t, err)
	updated, err := store.Update(ctx, op.ID, queue.Patch{Status: &synced})
	require.NoError(t, err)
	require.Equal(t, queue.StatusSynced, updated.Status)
}

func TestMemoryStoreNextBatchOnePerScope(t *testing.T) {
	store := queue.NewMemoryStore()
	ctx := context.Background()

	first := enqueueOp(t, store, "site-1")
	enqueueOp(t, store, "site-1")
	other := enqueueOp(t, store, "site-2")

	batch, err := store.NextBatch(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)

	// Oldest operation per scope, ordered by queue position
	require.Equal(t, first.ID, batch[0].ID)
	require.Equal(t, other.ID, batch[1].ID)
}

func TestMemoryStoreNextBatchSkipsBusyScope(t *testing.T) {
	store := queue.NewMemoryStore()
	ctx := context.Background()

	first := enqueueOp(t, store, "site-1")
	enqueueOp(t, store, "site-1")

	syncing := queue.StatusSyncing
	_, err := store.Update(ctx, first.ID, queue.Patch{Status: &syncing})
	require.NoError(t, err)

	// The scope has an in-flight operation; nothing else from it is due
	batch, err := store.NextBatch(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Empty(t, batch)
}

func TestMemoryStoreNextBatchBackoffBlocksScope(t *testing.T) {
	store := queue.NewMemoryStore()
	ctx := context.Background()

	first := enqueueOp(t, store, "site-1")
	enqueueOp(t, store, "site-1")

	// Push the head of the scope into a backoff window
	future := time.Now().Add(time.Hour)
	_, err := store.Update(ctx, first.ID, queue.Patch{NextAttempt: &future})
	require.NoError(t, err)

	// The newer operation must wait behind the delayed head
	batch, err := store.NextBatch(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Empty(t, batch)

	batch, err = store.NextBatch(ctx, future.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, first.ID, batch[0].ID)
}

func TestMemoryStoreNextBatchLimit(t *testing.T) {
	store := queue.NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		enqueueOp(t, store, string(rune('a'+i)))
	}

	batch, err := store.NextBatch(ctx, time.Now(), 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
}

func TestMemoryStoreRecoverInFlight(t *testing.T) {
	store := queue.NewMemoryStore()
	ctx := context.Background()

	op := enqueueOp(t, store, "site-1")
	syncing := queue.StatusSyncing
	_, err := store.Update(ctx, op.ID, queue.Patch{Status: &syncing})
	require.NoError(t, err)

	n, err := store.RecoverInFlight(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := store.Get(ctx, op.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusPending, got.Status)
}

func TestMemoryStoreSnapshotAndPrune(t *testing.T) {
	store := queue.NewMemoryStore()
	ctx := context.Background()

	stay := enqueueOp(t, store, "site-1")
	done := enqueueOp(t, store, "site-2")

	syncing := queue.StatusSyncing
	synced := queue.StatusSynced
	_, err := store.Update(ctx, done.ID, queue.Patch{Status: &syncing})
	require.NoError(t, err)
	_, err = store.Update(ctx, done.ID, queue.Patch{Status: &synced})
	require.NoError(t, err)

	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, snap.Pending)
	require.Equal(t, 1, snap.Synced)

	// Only terminal operations older than the cutoff are pruned
	n, err := store.Prune(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = store.Get(ctx, stay.ID)
	require.NoError(t, err)
	_, err = store.Get(ctx, done.ID)
	require.Equal(t, syncerr.CodeNotFound, syncerr.CodeOf(err))
}
