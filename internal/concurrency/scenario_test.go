package concurrency_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wangjc1996/rocksdb/internal/concurrency"
	"github.com/wangjc1996/rocksdb/internal/storage/memstore"
)

const cf = concurrency.CFID(0)

func newTestEngine() *concurrency.Engine {
	opts := concurrency.DefaultOptions()
	opts.DirtyBufferSize = 64
	opts.StateMapNumStripes = 16
	opts.LockTimeout = 2 * time.Second
	return concurrency.NewEngine(memstore.New(), opts)
}

// TestScenarioWriteWriteBlocksViaDependency is §8 scenario S1: T2's OCC
// write over a key T1 already wrote dirty must make T2 depend on T1, and
// T2's Commit must block until T1 commits.
func TestScenarioWriteWriteBlocksViaDependency(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine()
	opts := concurrency.DefaultOptions()

	t1 := engine.Begin(0, opts)
	require.NoError(t, t1.DoPut(ctx, cf, []byte("k"), []byte("v1")))

	t2 := engine.Begin(0, opts)
	require.NoError(t, t2.DoPut(ctx, cf, []byte("k"), []byte("v2")))

	t2Done := make(chan error, 1)
	go func() { t2Done <- t2.Commit(ctx) }()

	select {
	case <-t2Done:
		t.Fatal("T2 committed before T1, but T2 depends on T1's uncommitted write")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, t1.Commit(ctx))

	select {
	case err := <-t2Done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("T2 never unblocked after T1 committed")
	}
}

// TestScenarioDirtyReadCascadesThroughValidation is §8 scenario S2: T2
// dirty-reads T1's uncommitted write, creating a dependency; once T1
// commits, T2's commit-time validation must see a resolved dependent and
// succeed rather than aborting on an unresolved dirty read.
func TestScenarioDirtyReadCascadesThroughValidation(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine()
	opts := concurrency.DefaultOptions()

	t1 := engine.Begin(0, opts)
	require.NoError(t, t1.DoPut(ctx, cf, []byte("k"), []byte("v1")))

	t2 := engine.Begin(0, opts)
	v, found, err := t2.DoGet(ctx, cf, []byte("k"), true, true)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v1"), v)

	t2Done := make(chan error, 1)
	go func() { t2Done <- t2.Commit(ctx) }()

	select {
	case <-t2Done:
		t.Fatal("T2 committed before T1, despite a dirty-read dependency on T1")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, t1.Commit(ctx))

	select {
	case err := <-t2Done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("T2 never unblocked after T1 committed")
	}
}

// TestScenarioOccReadInvalidatedByConcurrentCommit covers OCC read
// validation failure: T1 takes an optimistic (non-dirty) read of a
// committed value; T2 commits a new value for that key; T1's own commit
// must then fail validation.
func TestScenarioOccReadInvalidatedByConcurrentCommit(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine()
	opts := concurrency.DefaultOptions()

	seed := engine.Begin(0, opts)
	require.NoError(t, seed.DoPut(ctx, cf, []byte("k"), []byte("v0")))
	require.NoError(t, seed.Commit(ctx))

	t1 := engine.Begin(0, opts)
	_, found, err := t1.DoGet(ctx, cf, []byte("k"), true, false)
	require.NoError(t, err)
	require.True(t, found)

	t2 := engine.Begin(0, opts)
	require.NoError(t, t2.DoPut(ctx, cf, []byte("k"), []byte("v2")))
	require.NoError(t, t2.Commit(ctx))

	err = t1.Commit(ctx)
	require.Error(t, err)
	require.ErrorIs(t, err, concurrency.ErrAborted)
}

// TestScenarioPessimisticUpgradeRejectedUnderSharedSharing is §8 scenario
// S5: two transactions both hold a shared pessimistic lock on the same
// key; one of them attempting to upgrade to exclusive must be rejected
// with a conflict rather than silently re-queued.
func TestScenarioPessimisticUpgradeRejectedUnderSharedSharing(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine()
	opts := concurrency.DefaultOptions()
	opts.LockTimeout = 20 * time.Millisecond

	t1 := engine.Begin(0, opts)
	require.NoError(t, t1.DoPessimisticLock(ctx, cf, []byte("k"), true, false, false))

	t2 := engine.Begin(0, opts)
	require.NoError(t, t2.DoPessimisticLock(ctx, cf, []byte("k"), true, false, false))

	err := t1.DoPessimisticLock(ctx, cf, []byte("k"), false, true, false)
	require.Error(t, err)
	require.True(t, concurrency.IsConflict(err))
}

// TestScenarioRollbackReleasesLocksAndDirtyState verifies that a rolled
// back transaction releases its pessimistic lock and dirty buffer entries
// so a subsequent transaction observes neither.
func TestScenarioRollbackReleasesLocksAndDirtyState(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine()
	opts := concurrency.DefaultOptions()

	t1 := engine.Begin(0, opts)
	require.NoError(t, t1.DoPut(ctx, cf, []byte("k"), []byte("v1")))
	require.NoError(t, t1.DoPessimisticLock(ctx, cf, []byte("other"), false, true, false))
	require.NoError(t, t1.Rollback(ctx))

	t2 := engine.Begin(0, opts)
	_, found, err := t2.DoGet(ctx, cf, []byte("k"), true, true)
	require.NoError(t, err)
	require.False(t, found, "rolled back write must not be visible as a dirty read")

	require.NoError(t, t2.DoPessimisticLock(ctx, cf, []byte("other"), false, true, false))
}
