package concurrency

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// LockMode is the mode under which a key is locked or requested.
type LockMode int

const (
	// NotHeld means the LockList currently has no owners.
	NotHeld LockMode = iota
	Shared
	Exclusive
)

// lockEntry is an intrusive node in either the owners or the waiters
// list of a LockList. The container (LockList) owns every node it
// links; a node is linked into at most one of the two lists at a time.
// Drop moves a granted waiter's node from the waiters list to the
// owners list; any other unlinked node is discarded.
type lockEntry struct {
	txn        TxnID
	mode       LockMode
	expiration time.Time
	// grant is closed exactly once, when this waiter is handed
	// ownership. A closed channel is the oneshot signal described in
	// §9's design notes for "callback grant".
	grant chan struct{}

	prev, next *lockEntry
}

// lockList is a doubly-linked list of lockEntry nodes with a sentinel
// head/tail pair, matching the prev/next-symmetry invariant tested in
// §8 property 1.
type lockList struct {
	head, tail *lockEntry // sentinels; never carry a txn
	len        int
}

func newLockEntryList() *lockList {
	head := &lockEntry{}
	tail := &lockEntry{}
	head.next = tail
	tail.prev = head
	return &lockList{head: head, tail: tail}
}

func (l *lockList) empty() bool { return l.len == 0 }

func (l *lockList) front() *lockEntry {
	if l.len == 0 {
		return nil
	}
	return l.head.next
}

func (l *lockList) pushBack(e *lockEntry) {
	last := l.tail.prev
	last.next = e
	e.prev = last
	e.next = l.tail
	l.tail.prev = e
	l.len++
}

func (l *lockList) unlink(e *lockEntry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	e.prev, e.next = nil, nil
	l.len--
}

func (l *lockList) find(txn TxnID) *lockEntry {
	for e := l.head.next; e != l.tail; e = e.next {
		if e.txn == txn {
			return e
		}
	}
	return nil
}

// LockList is the per-key S/X lock queue from §4.1: a holder mode plus
// doubly-linked owners/waiters lists, granting waiters on release in
// FIFO order while batching a run of Shared entries at the head.
type LockList struct {
	mu         sync.Mutex
	holder     LockMode
	owners     *lockList
	waiters    *lockList
	expiration time.Time
}

// NewLockList constructs an empty, unheld LockList.
func NewLockList() *LockList {
	return &LockList{
		holder:  NotHeld,
		owners:  newLockEntryList(),
		waiters: newLockEntryList(),
	}
}

// Grab implements LockList.grab from §4.1. It returns true if the lock is
// held immediately by txn after the call, false if txn was enqueued as a
// waiter and must wait on grantCh for its turn. grantCh is nil when the
// lock was granted immediately.
func (l *LockList) Grab(
	txn TxnID, exclusive bool, newExpiration time.Time,
) (held bool, grantCh <-chan struct{}, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	requested := Shared
	if exclusive {
		requested = Exclusive
	}

	if owner := l.owners.find(txn); owner != nil {
		if owner.mode == Exclusive || requested == Shared {
			owner.expiration = newExpiration
			return true, nil, nil
		}
		// Shared owner requesting Exclusive: upgrade only if txn is the
		// sole owner. §9 flags the teacher's own source as asserting
		// false here instead of safely re-queueing; this spec requires
		// rejecting the upgrade with a conflict rather than silently
		// demoting the owner to a waiter, which would be ACID-unsafe
		// (it could let another Shared owner's reads interleave with
		// the in-place upgrade).
		if l.owners.len == 1 {
			owner.mode = Exclusive
			owner.expiration = newExpiration
			l.holder = Exclusive
			return true, nil, nil
		}
		return false, nil, errors.Wrapf(ErrBusy, "lock upgrade for txn %d blocked by %d other shared owners", txn, l.owners.len-1)
	}

	if waiter := l.waiters.find(txn); waiter != nil {
		if waiter.mode != requested {
			panic(errors.AssertionFailedf("txn %d re-requested lock with mode %d, queued as %d", txn, requested, waiter.mode))
		}
		return false, waiter.grant, nil
	}

	e := &lockEntry{txn: txn, mode: requested, expiration: newExpiration, grant: make(chan struct{})}
	switch l.holder {
	case NotHeld:
		l.owners.pushBack(e)
		l.holder = requested
		l.expiration = newExpiration
		return true, nil, nil
	case Shared:
		if requested == Shared && l.waiters.empty() {
			l.owners.pushBack(e)
			if newExpiration.After(l.expiration) {
				l.expiration = newExpiration
			}
			return true, nil, nil
		}
	case Exclusive:
	}
	l.waiters.pushBack(e)
	return false, e.grant, nil
}

// Drop implements LockList.drop from §4.1: unlink txn from owners (or
// waiters, if it never became an owner) and grant the next batch of
// waiters if this was the last owner.
func (l *LockList) Drop(txn TxnID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e := l.owners.find(txn); e != nil {
		l.owners.unlink(e)
	} else if e := l.waiters.find(txn); e != nil {
		l.waiters.unlink(e)
		return
	} else {
		return
	}

	if !l.owners.empty() {
		return
	}
	if l.waiters.empty() {
		l.holder = NotHeld
		return
	}

	head := l.waiters.front()
	l.waiters.unlink(head)
	l.owners.pushBack(head)
	l.holder = head.mode
	l.expiration = head.expiration
	close(head.grant)

	if head.mode == Shared {
		for {
			next := l.waiters.front()
			if next == nil || next.mode != Shared {
				break
			}
			l.waiters.unlink(next)
			l.owners.pushBack(next)
			if next.expiration.After(l.expiration) {
				l.expiration = next.expiration
			}
			close(next.grant)
		}
	}
}

// CancelWait removes txn from the waiters list without granting it
// anything, used when a LockManager acquisition times out.
func (l *LockList) CancelWait(txn TxnID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e := l.waiters.find(txn); e != nil {
		l.waiters.unlink(e)
	}
}

// Idle reports whether the LockList currently has no owners and no
// waiters, making it eligible for pooling by the owning LockManager.
func (l *LockList) Idle() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder == NotHeld && l.owners.empty() && l.waiters.empty()
}

// Holder reports the current holder mode, for debug/introspection.
func (l *LockList) Holder() LockMode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder
}
