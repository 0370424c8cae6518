package concurrency

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// trackedKeyID is the composite key into a Transaction's tracked-keys
// map.
type trackedKeyID struct {
	cf  CFID
	key string
}

// TrackedKeyInfo is the per-(cf,key) per-transaction bookkeeping from
// §3: the earliest known sequence at tracking time, read/write counts,
// the exclusivity flag, the OCC_READ/OCC_WRITE/PESSIMISTIC bitset, and
// the dirty-read/nearby-key/head-node flags plus the dependent writer.
type TrackedKeyInfo struct {
	CF  CFID
	Key Key

	TrackedAtSeq uint64
	ReadCount    int
	WriteCount   int
	Exclusive    bool
	KeyState     KeyStateBit

	IsDirtyRead bool
	IsNearbyKey bool
	IsHeadNode  bool

	// DependentTxn is the writer whose dirty version this read observed,
	// or 0 if unknown/conflicting (which forces validation to fail).
	DependentTxn TxnID
}

// Transaction is the per-operation routing façade from §4.7: every read
// or write goes through it, which routes to LockManager (2PL) or
// DirtyBuffer (OCC), records the key into tracked keys, and accumulates
// dependency ids; on commit it orchestrates WaitForDependency, lock
// upgrade, OCC validation, write-through, and release.
type Transaction struct {
	ID   TxnID
	meta *TxnMetadata

	engine *Engine
	opts   Options

	mu          sync.Mutex
	name        string
	batch       WriteBatch
	snapshotSeq uint64
	tracked     map[trackedKeyID]*TrackedKeyInfo
	scannedCFs  map[CFID]struct{}

	deps *DependencyEngine

	savepointLen int
}

func newTransaction(e *Engine, typ TxnType, opts Options) *Transaction {
	if opts.LockTimeout < 0 {
		opts.LockTimeout = e.opts.LockTimeout
	}
	id := NextTxnID()
	var expiration time.Time
	if opts.Expiration > 0 {
		expiration = time.Now().Add(opts.Expiration)
	}
	meta := NewTxnMetadata(id, typ, expiration)
	e.registry.Register(meta)
	if e.metrics != nil {
		e.metrics.LiveTransactionCount.Inc()
	}
	return &Transaction{
		ID:          id,
		meta:        meta,
		engine:      e,
		opts:        opts,
		batch:       e.storage.NewWriteBatch(),
		snapshotSeq: e.storage.GetLatestSequenceNumber(),
		tracked:     make(map[trackedKeyID]*TrackedKeyInfo),
		scannedCFs:  make(map[CFID]struct{}),
		deps:        NewDependencyEngine(),
	}
}

// SetTxnType implements the §6 API surface entry of the same name.
func (t *Transaction) SetTxnType(typ TxnType) { t.meta.Type = typ }

// SetTxnPieceIdx implements SetTxnPieceIdx from §6/§4.8.
func (t *Transaction) SetTxnPieceIdx(p PieceIdx) { t.meta.SetCurrentPiece(p) }

// SetName implements SetName from §6: a transaction may only be named
// while still STARTED.
func (t *Transaction) SetName(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.meta.State() != Started {
		return errors.Wrapf(ErrInvalidArgument, "cannot name transaction %d in state %s", t.ID, t.meta.State())
	}
	t.name = name
	return nil
}

func (t *Transaction) track(cf CFID, key Key) *TrackedKeyInfo {
	id := trackedKeyID{cf: cf, key: string(key)}
	info, ok := t.tracked[id]
	if !ok {
		info = &TrackedKeyInfo{CF: cf, Key: append(Key(nil), key...)}
		t.tracked[id] = info
	}
	return info
}

func (t *Transaction) trackOccRead(cf CFID, key Key, seq uint64) *TrackedKeyInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	info := t.track(cf, key)
	info.ReadCount++
	info.KeyState |= OccRead
	if info.KeyState&OccRead == 0 || info.ReadCount == 1 {
		info.TrackedAtSeq = seq
	}
	return info
}

// trackOccReadDirty records a dirty read: the tracked key's
// dependent_txn is set to writer, unless a previous dirty read already
// resolved to a different writer, in which case it is forced to 0,
// marking validation-must-fail (§4.7 DoGet).
func (t *Transaction) trackOccReadDirty(cf CFID, key Key, writer TxnID) *TrackedKeyInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	info := t.track(cf, key)
	info.ReadCount++
	info.KeyState |= OccRead
	info.IsDirtyRead = true
	if info.ReadCount == 1 {
		info.DependentTxn = writer
	} else if info.DependentTxn != writer {
		info.DependentTxn = 0
	}
	return info
}

func (t *Transaction) trackOccWrite(cf CFID, key Key) *TrackedKeyInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	info := t.track(cf, key)
	info.WriteCount++
	info.KeyState |= OccWrite
	return info
}

func (t *Transaction) trackPessimistic(cf CFID, key Key, exclusive bool, seq uint64) *TrackedKeyInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	info := t.track(cf, key)
	info.KeyState |= Pessimistic
	if exclusive {
		info.Exclusive = true
		info.WriteCount++
	} else {
		info.ReadCount++
	}
	if info.TrackedAtSeq == 0 {
		info.TrackedAtSeq = seq
	}
	return info
}

func (t *Transaction) alreadyPessimistic(cf CFID, key Key) (exclusive, held bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := trackedKeyID{cf: cf, key: string(key)}
	info, ok := t.tracked[id]
	if !ok || info.KeyState&Pessimistic == 0 {
		return false, false
	}
	return info.Exclusive, true
}

// DoPessimisticLock implements §4.7's DoPessimisticLock: acquire via
// LockManager if not previously locked, or if upgrading from shared to
// exclusive; set tracked_at_seq to the engine's current sequence if
// unknown, and mark the tracked-key state PESSIMISTIC.
func (t *Transaction) DoPessimisticLock(ctx context.Context, cf CFID, key Key, readOnly, exclusive, failFast bool) error {
	want := exclusive || !readOnly
	if cur, held := t.alreadyPessimistic(cf, key); held && (cur || !want) {
		return nil
	}
	timeout := t.opts.LockTimeout
	if err := t.engine.locks.Acquire(ctx, cf, key, t.ID, want, timeout, failFast); err != nil {
		return err
	}
	t.trackPessimistic(cf, key, want, t.engine.storage.GetLatestSequenceNumber())
	if t.opts.TrackState {
		class := ClassPessimisticRead
		if want {
			class = ClassPessimisticWrite
			t.engine.state.SetPessimisticWriteExclusive(cf, key, true)
		}
		if _, err := t.engine.state.Inc(cf, key, class); err != nil {
			return err
		}
	}
	return nil
}

// DoGet implements §4.7's DoGet.
func (t *Transaction) DoGet(ctx context.Context, cf CFID, key Key, optimistic, isDirtyRead bool) ([]byte, bool, error) {
	if optimistic && isDirtyRead {
		if v, ok := t.engine.storage.GetFromBatch(t.batch, cf, key); ok {
			return v, true, nil
		}
		buf := t.engine.dirtyBufferFor(cf)
		gctx, err := buf.Get(key, t.ID)
		if err == nil && gctx.FoundDirty {
			t.deps.Add(gctx.WriterTxn)
			t.trackOccReadDirty(cf, key, gctx.WriterTxn)
			if gctx.Deletion {
				return nil, false, nil
			}
			return gctx.Value, true, nil
		}
		// No dirty version visible for this key: fall back to a
		// committed snapshot read, tracked as a plain (non-dirty) OCC
		// read for validation.
		return t.readTracked(ctx, cf, key, true)
	}
	if optimistic {
		return t.readTracked(ctx, cf, key, true)
	}
	if err := t.DoPessimisticLock(ctx, cf, key, true, false, false); err != nil {
		return nil, false, err
	}
	return t.readTracked(ctx, cf, key, false)
}

func (t *Transaction) readTracked(ctx context.Context, cf CFID, key Key, occ bool) ([]byte, bool, error) {
	v, seq, found, err := t.engine.storage.Get(ctx, cf, key, t.snapshotSeq)
	if err != nil {
		return nil, false, err
	}
	if occ {
		t.trackOccRead(cf, key, seq)
	}
	return v, found, nil
}

// DoPut implements §4.7's DoPut for the OCC path: track the key as an
// OCC write, append to the local batch, and merge the dependencies the
// dirty-buffer write observed.
func (t *Transaction) DoPut(ctx context.Context, cf CFID, key Key, value []byte) error {
	t.trackOccWrite(cf, key)
	t.batch.Put(cf, key, value)
	buf := t.engine.dirtyBufferFor(cf)
	pctx := buf.Put(key, value, 0, t.ID)
	t.mergeDeps(pctx)
	return nil
}

// DoDelete implements §4.7's DoDelete for the OCC path.
func (t *Transaction) DoDelete(ctx context.Context, cf CFID, key Key) error {
	t.trackOccWrite(cf, key)
	t.batch.Delete(cf, key)
	buf := t.engine.dirtyBufferFor(cf)
	pctx := buf.Delete(key, 0, t.ID)
	t.mergeDeps(pctx)
	return nil
}

func (t *Transaction) mergeDeps(pctx *PutCtx) {
	if pctx.WriteTxnID != 0 {
		t.deps.Add(pctx.WriteTxnID)
	}
	t.deps.AddAll(pctx.ReadTxnIDs)
}

// DoInsert implements §4.7's DoInsert: as DoPut, additionally querying
// storage for the nearby key (predecessor) of key and, if found,
// tracking it as an OCC read with IsNearbyKey (and IsHeadNode if it is
// the list head). This closes the phantom window for range scans.
// Updating storage's nearby-node bookkeeping is deferred to commit time
// (see commit.go's updateNearbyNodeSeqs), since it is a durable side
// effect and must not survive a rollback.
func (t *Transaction) DoInsert(ctx context.Context, cf CFID, key Key, value []byte) error {
	if err := t.DoPut(ctx, cf, key, value); err != nil {
		return err
	}
	nearby, err := t.engine.storage.GetNearbyInfo(cf, key)
	if err != nil {
		return err
	}
	if !nearby.Found {
		return nil
	}
	info := t.trackOccRead(cf, nearby.Key, nearby.Seq)
	info.IsNearbyKey = true
	info.IsHeadNode = nearby.IsHead
	return nil
}

// TrackScanKey implements §4.7's TrackScanKey: for every key a scan
// observes, add an OCC-read track with the returned sequence.
func (t *Transaction) TrackScanKey(cf CFID, key Key, seq uint64) {
	t.trackOccRead(cf, key, seq)
}

// Scan performs a consistent range scan against both the storage layer
// and the DirtyBuffer, tracking every key returned by storage and merging
// the DirtyBuffer's scan-dependency ids, per §4.3/§4.7. Keys seen only in
// the DirtyBuffer are not tracked.
func (t *Transaction) Scan(ctx context.Context, cf CFID, lower, upper Key, visit func(key Key, value []byte) error) error {
	t.mu.Lock()
	t.scannedCFs[cf] = struct{}{}
	t.mu.Unlock()

	if err := t.engine.storage.Scan(ctx, cf, lower, upper, t.snapshotSeq, func(key Key, value []byte, seq uint64) error {
		t.TrackScanKey(cf, key, seq)
		return visit(key, value)
	}); err != nil {
		return err
	}

	buf := t.engine.dirtyBufferFor(cf)
	cmp := t.engine.storage.Comparator(cf)
	sctx, err := buf.Scan(lower, upper, cmp, t.ID, scanCallbackFunc{
		onValue: func(key Key, value []byte) error { return visit(key, value) },
		onDel:   func(key Key) error { return nil },
	})
	if err != nil {
		return err
	}
	t.deps.AddAll(sctx.TxnIDs)
	if t.engine.metrics != nil {
		t.engine.metrics.DirtyBufferScans.Inc()
	}
	return nil
}

type scanCallbackFunc struct {
	onValue func(key Key, value []byte) error
	onDel   func(key Key) error
}

func (f scanCallbackFunc) Invoke(key Key, value []byte) error { return f.onValue(key, value) }
func (f scanCallbackFunc) InvokeDeletion(key Key) error        { return f.onDel(key) }

// DoWait implements the §6 DoWait API surface entry by delegating to the
// DependencyEngine's piece-wise wait for the transaction's current type
// and piece index.
func (t *Transaction) DoWait(ctx context.Context) error {
	return t.deps.DoWait(ctx, t.engine.registry, t.engine.conflictTable, t.meta.Type, t.meta.CurrentPiece())
}

// trackedSnapshot returns the tracked-keys map's entries, safe to use
// after Commit/Rollback has cleared the live map.
func (t *Transaction) trackedSnapshot() []*TrackedKeyInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*TrackedKeyInfo, 0, len(t.tracked))
	for _, info := range t.tracked {
		out = append(out, info)
	}
	return out
}
