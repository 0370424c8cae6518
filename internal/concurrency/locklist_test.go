package concurrency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLockListSoleSharedUpgrade(t *testing.T) {
	// S4: a lone Shared owner upgrades to Exclusive immediately.
	ll := NewLockList()
	held, grant, err := ll.Grab(1, false, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.True(t, held)
	require.Nil(t, grant)

	held, grant, err = ll.Grab(1, true, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.True(t, held)
	require.Nil(t, grant)
	require.Equal(t, Exclusive, ll.Holder())
}

func TestLockListUpgradeBlockedByOtherSharedOwner(t *testing.T) {
	// S5: two shared owners, one requests exclusive upgrade and must be
	// rejected rather than silently re-queued (§9 Open Question).
	ll := NewLockList()
	_, _, err := ll.Grab(1, false, time.Now().Add(time.Second))
	require.NoError(t, err)
	_, _, err = ll.Grab(2, false, time.Now().Add(time.Second))
	require.NoError(t, err)

	held, _, err := ll.Grab(1, true, time.Now().Add(time.Second))
	require.Error(t, err)
	require.False(t, held)
	require.True(t, IsConflict(err))
}

func TestLockListFIFOSharedBatching(t *testing.T) {
	ll := NewLockList()
	_, _, err := ll.Grab(1, true, time.Now().Add(time.Second))
	require.NoError(t, err)

	// Two shared waiters queue behind the exclusive owner.
	held2, grant2, err := ll.Grab(2, false, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.False(t, held2)
	held3, grant3, err := ll.Grab(3, false, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.False(t, held3)

	ll.Drop(1)

	select {
	case <-grant2:
	case <-time.After(time.Second):
		t.Fatal("waiter 2 was not granted")
	}
	select {
	case <-grant3:
	case <-time.After(time.Second):
		t.Fatal("waiter 3 was not granted")
	}
	require.Equal(t, Shared, ll.Holder())
}

func TestLockListExclusiveWaiterNotSkippedBySharedBatch(t *testing.T) {
	ll := NewLockList()
	_, _, err := ll.Grab(1, false, time.Now().Add(time.Second)) // owner: shared
	require.NoError(t, err)
	held2, grant2, err := ll.Grab(2, true, time.Now().Add(time.Second)) // waiter: exclusive
	require.NoError(t, err)
	require.False(t, held2)
	held3, grant3, err := ll.Grab(3, false, time.Now().Add(time.Second)) // waiter: shared, behind the exclusive waiter
	require.NoError(t, err)
	require.False(t, held3)

	ll.Drop(1)

	select {
	case <-grant2:
	case <-time.After(time.Second):
		t.Fatal("exclusive waiter 2 was not granted")
	}
	require.Equal(t, Exclusive, ll.Holder())

	select {
	case <-grant3:
		t.Fatal("shared waiter 3 must not be granted while 2 holds Exclusive")
	case <-time.After(50 * time.Millisecond):
	}

	ll.Drop(2)
	select {
	case <-grant3:
	case <-time.After(time.Second):
		t.Fatal("shared waiter 3 was not granted after exclusive holder dropped")
	}
}

func TestLockListIdleAfterDrop(t *testing.T) {
	ll := NewLockList()
	_, _, err := ll.Grab(1, true, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.False(t, ll.Idle())
	ll.Drop(1)
	require.True(t, ll.Idle())
	require.Equal(t, NotHeld, ll.Holder())
}

func TestLockListReentrantGrabExtendsExpiration(t *testing.T) {
	ll := NewLockList()
	_, _, err := ll.Grab(1, false, time.Now().Add(time.Millisecond))
	require.NoError(t, err)
	held, _, err := ll.Grab(1, false, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.True(t, held)
}
