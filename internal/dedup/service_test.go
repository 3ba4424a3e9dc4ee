package dedup_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/field-sync/field-sync/internal/dedup"
	"github.com/field-sync/field-sync/internal/observability"
	"github.com/field-sync/field-sync/internal/syncerr"
	"github.com/stretchr/testify/require"
)

type fakeIndex struct {
	entries map[string]string // hash|scope -> opID
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{entries: make(map[string]string)}
}

func (f *fakeIndex) Lookup(ctx context.Context, contentHash, scopeKey string) (string, bool, error) {
	opID, ok := f.entries[contentHash+"|"+scopeKey]
	return opID, ok, nil
}

func (f *fakeIndex) Record(ctx context.Context, contentHash, scopeKey, opID string, syncedAt time.Time) error {
	f.entries[contentHash+"|"+scopeKey] = opID
	return nil
}

type fakeServer struct {
	duplicate  bool
	existingID string
	err        error
	calls      int
}

func (f *fakeServer) DedupCheck(ctx context.Context, contentHash, scopeKey string) (bool, string, error) {
	f.calls++
	return f.duplicate, f.existingID, f.err
}

func newService(index dedup.LocalIndex, server dedup.ServerChecker, online bool) *dedup.Service {
	return dedup.NewService(index, server, func() bool { return online },
		observability.NewNopLogger(), observability.NewNopMetrics())
}

func TestCheckOfflineLocalHitIsDuplicate(t *testing.T) {
	index := newFakeIndex()
	require.NoError(t, index.Record(context.Background(), "h1", "site-1", "op-1", time.Now()))
	server := &fakeServer{}

	svc := newService(index, server, false)
	result, err := svc.Check(context.Background(), "h1", "site-1")
	require.NoError(t, err)
	require.True(t, result.Duplicate)
	require.False(t, result.Tentative)
	require.Equal(t, "op-1", result.ExistingID)
	require.Zero(t, server.calls, "server must not be consulted offline")
}

func TestCheckOfflineMissIsTentative(t *testing.T) {
	svc := newService(newFakeIndex(), &fakeServer{}, false)

	result, err := svc.Check(context.Background(), "h1", "site-1")
	require.NoError(t, err)
	require.False(t, result.Duplicate)
	require.True(t, result.Tentative)
}

func TestCheckOnlineServerIsAuthoritative(t *testing.T) {
	// The local index says duplicate, the server disagrees; the server wins
	index := newFakeIndex()
	require.NoError(t, index.Record(context.Background(), "h1", "site-1", "op-1", time.Now()))
	server := &fakeServer{duplicate: false}

	svc := newService(index, server, true)
	result, err := svc.Check(context.Background(), "h1", "site-1")
	require.NoError(t, err)
	require.False(t, result.Duplicate)
	require.False(t, result.Tentative)
	require.Equal(t, 1, server.calls)
}

func TestCheckOnlineServerDuplicate(t *testing.T) {
	server := &fakeServer{duplicate: true, existingID: "op-7"}

	svc := newService(newFakeIndex(), server, true)
	result, err := svc.Check(context.Background(), "h1", "site-1")
	require.NoError(t, err)
	require.True(t, result.Duplicate)
	require.Equal(t, "op-7", result.ExistingID)
}

func TestCheckServerUnreachableDefers(t *testing.T) {
	server := &fakeServer{err: syncerr.New(syncerr.CodeTransient, "connection refused")}

	svc := newService(newFakeIndex(), server, true)
	result, err := svc.Check(context.Background(), "h1", "site-1")
	require.NoError(t, err)
	require.True(t, result.Tentative)
}

func TestHashIsStable(t *testing.T) {
	a := dedup.HashString([]byte("field photo bytes"))
	b := dedup.HashString([]byte("field photo bytes"))
	c := dedup.HashString([]byte("different bytes"))

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.Len(t, a, 64) // 256-bit digest, hex encoded
}

func TestHashReaderMatchesHashBytes(t *testing.T) {
	data := []byte("streamed field photo bytes")

	fromReader, err := dedup.HashReaderString(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, dedup.HashString(data), fromReader)

	_, err = dedup.HashReaderString(nil)
	require.Error(t, err)
}
