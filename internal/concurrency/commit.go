package concurrency

import (
	"context"

	"github.com/cockroachdb/errors"
)

// Prepare implements the §6/§3 Prepare API: it flips the transaction
// into AWAITING_PREPARE/PREPARED. This core does not implement a
// two-phase commit protocol of its own (that lives in the top-level
// transaction API layer, out of scope per §1); Prepare here only
// advances the state machine so that layer can drive it.
func (t *Transaction) Prepare(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.meta.State() != Started {
		return errors.Wrapf(ErrInvalidArgument, "cannot prepare transaction %d in state %s", t.ID, t.meta.State())
	}
	t.meta.SetState(AwaitingPrepare)
	t.meta.SetState(Prepared)
	return nil
}

// Commit implements the write-committed commit path from §4.7: wait on
// dependencies, upgrade OCC writes to 2PL locks, validate OCC reads
// inside the storage write callback, write through, publish the commit
// sequence, clear tracked keys, flip to COMMITTED, then release in the
// prescribed order.
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	state := t.meta.State()
	t.mu.Unlock()
	if state == LocksStolen {
		return ErrExpired
	}
	if state != Started && state != Prepared {
		return errors.Wrapf(ErrInvalidArgument, "cannot commit transaction %d in state %s", t.ID, state)
	}

	if err := t.waitForDependencies(ctx); err != nil {
		return t.abort(ctx, err)
	}

	if err := t.doLockAll(ctx); err != nil {
		return t.abort(ctx, err)
	}

	if err := t.updateNearbyNodeSeqs(); err != nil {
		return t.abort(ctx, err)
	}

	commitSeq, err := t.engine.storage.WriteImpl(ctx, t.batch, t.validate)
	if err != nil {
		return t.abort(ctx, err)
	}

	t.publishWrites(commitSeq)
	t.meta.SetCommitSeq(commitSeq)

	tracked := t.clearTrackedState()
	t.meta.SetState(Committed)
	logCommit(t.ID, commitSeq)
	if t.engine.metrics != nil {
		t.engine.metrics.Commits.Inc()
	}

	t.release(tracked)
	return nil
}

// waitForDependencies implements commit step 1, §4.7's
// WaitForDependency: sort depend_txn_ids, wait on each, cascading an
// abort if any dependency aborted or the 15s cap is hit.
func (t *Transaction) waitForDependencies(ctx context.Context) error {
	if t.engine.metrics != nil {
		t.engine.metrics.DependencyWaits.Inc()
	}
	if err := t.deps.WaitForTermination(ctx, t.engine.registry); err != nil {
		if t.engine.metrics != nil && errors.Is(err, ErrTimedOut) {
			t.engine.metrics.DependencyTimeouts.Inc()
		}
		return err
	}
	return nil
}

// doLockAll implements commit step 2: for every tracked key with
// OCC_WRITE set and PESSIMISTIC unset, acquire an exclusive pessimistic
// lock via the same path as 2PL. Keys already pessimistic-locked are
// skipped.
func (t *Transaction) doLockAll(ctx context.Context) error {
	for _, info := range t.trackedSnapshot() {
		if info.KeyState&OccWrite == 0 || info.KeyState&Pessimistic != 0 {
			continue
		}
		if err := t.engine.locks.Acquire(ctx, info.CF, info.Key, t.ID, true, t.opts.LockTimeout, false); err != nil {
			return err
		}
		t.mu.Lock()
		info.KeyState |= Pessimistic
		info.Exclusive = true
		t.mu.Unlock()
	}
	return nil
}

// updateNearbyNodeSeqs implements the commit-time half of DoInsert's
// nearby-key bookkeeping, mirroring the original source's
// UpdateNearbySeqForInsert: once a transaction is known to be
// proceeding (dependencies resolved, locks upgraded), loop over every
// tracked key flagged IsNearbyKey and update storage's nearby-node
// sequence for it. Run here rather than eagerly in DoInsert so an
// aborted transaction never leaves a durable trace in storage.
func (t *Transaction) updateNearbyNodeSeqs() error {
	for _, info := range t.trackedSnapshot() {
		if !info.IsNearbyKey {
			continue
		}
		if err := t.engine.storage.UpdateNearbyNodeSeq(info.CF, info.Key, info.IsHeadNode); err != nil {
			return err
		}
	}
	return nil
}

// validate is the PreCommitFunc passed to Storage.WriteImpl,
// implementing commit step 3's OCC validation: every OCC-read tracked
// key must show no committed write after the key was tracked, unless
// the read was a dirty read whose dependent transaction is known (and
// by this point has already been waited on to completion in step 1).
func (t *Transaction) validate(baseSeq uint64) error {
	for _, info := range t.trackedSnapshot() {
		if info.KeyState&OccRead == 0 {
			continue
		}
		if info.IsDirtyRead {
			if info.DependentTxn == 0 {
				logValidationFailed(t.ID, info.CF, info.Key)
				if t.engine.metrics != nil {
					t.engine.metrics.ValidationFailures.Inc()
				}
				return errors.Wrapf(ErrAborted, "dirty read of %q observed conflicting writers", info.Key)
			}
			continue
		}
		latest := t.engine.validation.GetLatestSequenceNumber(info.CF, info.Key)
		if latest != NoRecentWrite && latest > info.TrackedAtSeq {
			logValidationFailed(t.ID, info.CF, info.Key)
			if t.engine.metrics != nil {
				t.engine.metrics.ValidationFailures.Inc()
			}
			return errors.Wrapf(ErrAborted, "read of %q at seq %d invalidated by commit at seq %d", info.Key, info.TrackedAtSeq, latest)
		}
	}
	return nil
}

// publishWrites implements commit step 4-5's publication: every
// OCC_WRITE or exclusive-PESSIMISTIC tracked key gets its commit
// sequence published to the ValidationMap, and pessimistic writes are
// additionally recorded in the AccessList for 2PL chaining.
func (t *Transaction) publishWrites(commitSeq uint64) {
	for _, info := range t.trackedSnapshot() {
		isWrite := info.KeyState&OccWrite != 0 || (info.KeyState&Pessimistic != 0 && info.Exclusive)
		if !isWrite {
			continue
		}
		t.engine.validation.Put(info.CF, info.Key, commitSeq)
		if info.KeyState&Pessimistic != 0 {
			t.engine.access.Add(info.CF, info.Key, t.ID, commitSeq)
		}
	}
}

// clearTrackedState detaches the tracked-keys map from the live
// transaction (returning a snapshot for the release path) before
// flipping the registry state, per §4.7 commit step 5's "then clear
// tracked keys; then atomically set state = COMMITTED" ordering.
func (t *Transaction) clearTrackedState() []*TrackedKeyInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*TrackedKeyInfo, 0, len(t.tracked))
	for _, info := range t.tracked {
		out = append(out, info)
	}
	t.tracked = make(map[trackedKeyID]*TrackedKeyInfo)
	return out
}

// release implements commit/rollback step 6's strict release order: (a)
// LockManager.UnLock on every key that holds a pessimistic lock, (b)
// DirtyBuffer.Remove of every dirty version and read marker the
// transaction left under an OCC-tracked key, plus
// RemoveScanInfo for every scanned cf, (c) clearing transaction-local
// state.
func (t *Transaction) release(tracked []*TrackedKeyInfo) {
	byCF := make(map[CFID][]Key)
	for _, info := range tracked {
		if info.KeyState&Pessimistic != 0 {
			byCF[info.CF] = append(byCF[info.CF], info.Key)
		}
	}
	for cf, keys := range byCF {
		t.engine.locks.Release(cf, t.ID, keys)
	}

	if t.opts.TrackState {
		for _, info := range tracked {
			if info.KeyState&Pessimistic == 0 {
				continue
			}
			if info.Exclusive {
				t.engine.state.Dec(info.CF, info.Key, ClassPessimisticWrite)
				t.engine.state.SetPessimisticWriteExclusive(info.CF, info.Key, false)
			} else {
				t.engine.state.Dec(info.CF, info.Key, ClassPessimisticRead)
			}
		}
	}

	for _, info := range tracked {
		if info.KeyState&(OccWrite|OccRead) == 0 {
			continue
		}
		buf := t.engine.dirtyBufferFor(info.CF)
		for buf.Remove(info.Key, t.ID) == nil {
		}
	}

	t.mu.Lock()
	scanned := make([]CFID, 0, len(t.scannedCFs))
	for cf := range t.scannedCFs {
		scanned = append(scanned, cf)
	}
	t.scannedCFs = make(map[CFID]struct{})
	t.mu.Unlock()
	for _, cf := range scanned {
		t.engine.dirtyBufferFor(cf).RemoveScanInfo(t.ID)
	}

	if t.engine.metrics != nil {
		t.engine.metrics.LiveTransactionCount.Dec()
	}
}

// Rollback implements the §4.7 rollback path: equivalent to commit
// steps 5-6 but publishing ROLLED_BACK instead of COMMITTED, and
// skipping write-through/validation entirely. It returns nil once the
// transaction is rolled back.
func (t *Transaction) Rollback(ctx context.Context) error {
	if err := t.abort(ctx, ErrAborted); !errors.Is(err, ErrAborted) {
		return err
	}
	return nil
}

func (t *Transaction) abort(ctx context.Context, cause error) error {
	t.mu.Lock()
	state := t.meta.State()
	t.mu.Unlock()
	if state == Committed || state == RolledBack {
		return errors.Wrapf(ErrInvalidArgument, "cannot roll back transaction %d already in state %s", t.ID, state)
	}

	tracked := t.clearTrackedState()
	t.meta.SetState(RolledBack)
	logAbort(t.ID, cause)
	if t.engine.metrics != nil {
		t.engine.metrics.Rollbacks.Inc()
	}
	t.release(tracked)

	if errors.Is(cause, ErrAborted) || errors.Is(cause, ErrTimedOut) {
		return ErrAborted
	}
	return cause
}

// SetSavePoint records the current length of the local write batch as
// the single-level savepoint this core supports; a later call replaces
// it.
func (t *Transaction) SetSavePoint() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.savepointLen = t.batch.Len()
}

// RollbackToSavePoint returns nil, changing nothing, when no write has
// been added to the local batch since the last SetSavePoint. Otherwise
// it returns ErrInvalidArgument and discards nothing: the write batch,
// the tracked keys and the dirty-buffer entries are left as they are.
func (t *Transaction) RollbackToSavePoint() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.batch.Len() <= t.savepointLen {
		return nil
	}
	return errors.Wrapf(ErrInvalidArgument, "partial write-batch truncation is not supported by this engine's WriteBatch implementation")
}
