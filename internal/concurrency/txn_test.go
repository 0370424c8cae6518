package concurrency_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wangjc1996/rocksdb/internal/concurrency"
	"github.com/wangjc1996/rocksdb/internal/storage/memstore"
)

// countingStore wraps memstore.Store to count UpdateNearbyNodeSeq calls,
// so DoInsert's commit-gated nearby-node update can be observed without
// reaching into storage internals.
type countingStore struct {
	*memstore.Store
	mu    sync.Mutex
	calls int
}

func newCountingStore() *countingStore { return &countingStore{Store: memstore.New()} }

func (s *countingStore) UpdateNearbyNodeSeq(cf concurrency.CFID, key concurrency.Key, isHead bool) error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.Store.UpdateNearbyNodeSeq(cf, key, isHead)
}

func (s *countingStore) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// TestDoInsertUpdatesNearbyNodeOnlyOnCommit guards against the nearby-key
// bookkeeping DoInsert discovers being applied as a durable side effect
// that survives rollback: it must fire exactly once, and only once the
// inserting transaction actually commits.
func TestDoInsertUpdatesNearbyNodeOnlyOnCommit(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore()
	opts := concurrency.DefaultOptions()
	opts.DirtyBufferSize = 64
	opts.StateMapNumStripes = 16
	engine := concurrency.NewEngine(store, opts)

	seed := engine.Begin(0, opts)
	require.NoError(t, seed.DoPut(ctx, cf, []byte("a"), []byte("seed")))
	require.NoError(t, seed.Commit(ctx))

	t1 := engine.Begin(0, opts)
	require.NoError(t, t1.DoInsert(ctx, cf, []byte("b"), []byte("v1")))
	require.Equal(t, 0, store.Calls(), "UpdateNearbyNodeSeq must not fire before commit")

	require.NoError(t, t1.Rollback(ctx))
	require.Equal(t, 0, store.Calls(), "a rolled back insert must leave nearby-node bookkeeping untouched")

	t2 := engine.Begin(0, opts)
	require.NoError(t, t2.DoInsert(ctx, cf, []byte("c"), []byte("v2")))
	require.NoError(t, t2.Commit(ctx))
	require.Equal(t, 1, store.Calls(), "a committed insert must update nearby-node bookkeeping exactly once")
}

func TestSavePointNoWritesSinceCanRollback(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine()
	opts := concurrency.DefaultOptions()

	t1 := engine.Begin(0, opts)
	require.NoError(t, t1.DoPut(ctx, cf, []byte("k1"), []byte("v1")))
	t1.SetSavePoint()
	require.NoError(t, t1.RollbackToSavePoint())
}

func TestSavePointWritesSinceRejectsRollback(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine()
	opts := concurrency.DefaultOptions()

	t1 := engine.Begin(0, opts)
	require.NoError(t, t1.DoPut(ctx, cf, []byte("k1"), []byte("v1")))
	t1.SetSavePoint()
	require.NoError(t, t1.DoPut(ctx, cf, []byte("k2"), []byte("v2")))

	err := t1.RollbackToSavePoint()
	require.Error(t, err)
	require.ErrorIs(t, err, concurrency.ErrInvalidArgument)
}

func TestPrepareThenCommit(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine()
	opts := concurrency.DefaultOptions()

	t1 := engine.Begin(0, opts)
	require.NoError(t, t1.Prepare(ctx))
	require.NoError(t, t1.Commit(ctx))
}

func TestPrepareTwiceIsRejected(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine()
	opts := concurrency.DefaultOptions()

	t1 := engine.Begin(0, opts)
	require.NoError(t, t1.Prepare(ctx))
	err := t1.Prepare(ctx)
	require.Error(t, err)
	require.ErrorIs(t, err, concurrency.ErrInvalidArgument)
}
