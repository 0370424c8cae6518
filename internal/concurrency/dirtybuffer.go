package concurrency

import (
	"hash/maphash"
	"sync"

	"github.com/cockroachdb/errors"
)

// versionKind distinguishes a dirty write/delete record from a read
// marker in the same bucket chain.
type versionKind uint8

const (
	writeRecord versionKind = iota
	readMarker
)

// DirtyVersion is a single node in a DirtyBuffer bucket chain: either a
// write record (value, sequence, deletion flag) or a read marker,
// doubly-linked within the bucket per §3.
type DirtyVersion struct {
	key      Key
	kind     versionKind
	value    []byte
	seq      uint64
	deletion bool

	writerTxn TxnID // set for writeRecord
	readerTxn TxnID // set for readMarker

	older, newer *DirtyVersion
}

// versionList is a doubly-linked, newest-first chain of DirtyVersion
// nodes sharing a bucket. head and tail are sentinels; head.newer is
// the newest entry, and following the newer links from there walks
// toward older entries until tail. Entries of different keys interleave
// freely, per §3.
type versionList struct {
	head, tail *DirtyVersion // sentinels
	len        int
}

func newVersionList() *versionList {
	head := &DirtyVersion{}
	tail := &DirtyVersion{}
	head.newer = tail
	tail.older = head
	return &versionList{head: head, tail: tail}
}

// pushFront inserts v at the head of the list (newest position), O(1).
func (l *versionList) pushFront(v *DirtyVersion) {
	first := l.head.newer
	v.older = l.head
	v.newer = first
	l.head.newer = v
	first.older = v
	l.len++
}

// remove unlinks v, O(1).
func (l *versionList) remove(v *DirtyVersion) {
	v.older.newer = v.newer
	v.newer.older = v.older
	v.older, v.newer = nil, nil
	l.len--
}

// iterFromHead walks from the newest entry to the oldest, invoking fn
// until it returns false.
func (l *versionList) iterFromHead(fn func(v *DirtyVersion) bool) {
	for v := l.head.newer; v != l.tail; v = v.newer {
		if !fn(v) {
			return
		}
	}
}

// PutCtx accumulates dependency ids discovered while a write or delete
// walks a bucket, per §4.3 step 3-4.
type PutCtx struct {
	// WriteTxnID is the most recent other-writer visible for the key
	// (write-write dependency), or 0 if none.
	WriteTxnID TxnID
	// ReadTxnIDs are scan-list ids, in scan-list registration order, and
	// anti-dependency reader ids, in bucket order (newest first). The
	// slice as a whole is not sorted.
	ReadTxnIDs []TxnID
}

// GetCtx carries both the input self-transaction id and the output of a
// dirty Get.
type GetCtx struct {
	SelfTxnID TxnID

	FoundDirty bool
	Deletion   bool
	Value      []byte
	Seq        uint64
	WriterTxn  TxnID
}

// ScanCtx accumulates the other-writer ids a range scan observed.
type ScanCtx struct {
	SelfTxnID TxnID
	TxnIDs    []TxnID
}

// ScanCallback receives each dirty write/delete record a Scan visits
// within its bounds.
type ScanCallback interface {
	Invoke(key Key, value []byte) error
	InvokeDeletion(key Key) error
}

// DirtyBuffer is the per-column-family concurrent buffer of dirty
// versions and read markers from §4.3: a fixed array of buckets, one
// mutex per bucket, a buffer-wide RW latch (shared for point ops,
// exclusive for Scan), and a dedicated scan-list mutex.
type DirtyBuffer struct {
	seed     maphash.Seed
	buckets  []*versionList
	bucketMu []sync.Mutex
	rw       sync.RWMutex

	scanMu   sync.Mutex
	scanList []TxnID // oldest-first; append to tail on entry
}

// NewDirtyBuffer constructs a DirtyBuffer with the given bucket count.
func NewDirtyBuffer(size int) *DirtyBuffer {
	if size <= 0 {
		size = defaultDirtyBufferStripes
	}
	b := &DirtyBuffer{
		seed:     maphash.MakeSeed(),
		buckets:  make([]*versionList, size),
		bucketMu: make([]sync.Mutex, size),
	}
	for i := range b.buckets {
		b.buckets[i] = newVersionList()
	}
	return b
}

func (b *DirtyBuffer) bucketIdx(key Key) int {
	var h maphash.Hash
	h.SetSeed(b.seed)
	h.Write(key)
	return int(h.Sum64() % uint64(len(b.buckets)))
}

// recordScanDeps appends every scan_list id other than self that
// appears before self in the list (oldest scan first, stopping at the
// first occurrence of self), per §4.3 step 3.
func (b *DirtyBuffer) recordScanDeps(self TxnID, out *PutCtx) {
	b.scanMu.Lock()
	defer b.scanMu.Unlock()
	for _, id := range b.scanList {
		if id == self {
			break
		}
		out.ReadTxnIDs = append(out.ReadTxnIDs, id)
	}
}

func (b *DirtyBuffer) putOrDelete(key Key, value []byte, seq uint64, txn TxnID, deletion bool) *PutCtx {
	b.rw.RLock()
	defer b.rw.RUnlock()

	idx := b.bucketIdx(key)
	b.bucketMu[idx].Lock()
	defer b.bucketMu[idx].Unlock()

	ctx := &PutCtx{}
	b.recordScanDeps(txn, ctx)

	b.buckets[idx].iterFromHead(func(v *DirtyVersion) bool {
		if string(v.key) != string(key) {
			return true
		}
		switch v.kind {
		case writeRecord:
			if v.writerTxn == txn {
				return true
			}
			// First other-writer encountered: record the W-W dependency
			// and stop, since anti-deps are bounded to readers recorded
			// after this writer (i.e. nearer the head).
			ctx.WriteTxnID = v.writerTxn
			return false
		case readMarker:
			if v.readerTxn != txn {
				ctx.ReadTxnIDs = append(ctx.ReadTxnIDs, v.readerTxn)
			}
			return true
		}
		return true
	})

	v := &DirtyVersion{key: append(Key(nil), key...), kind: writeRecord, value: value, seq: seq, deletion: deletion, writerTxn: txn}
	b.buckets[idx].pushFront(v)
	return ctx
}

// Put implements DirtyBuffer.Put from §4.3.
func (b *DirtyBuffer) Put(key Key, value []byte, seq uint64, txn TxnID) *PutCtx {
	return b.putOrDelete(key, value, seq, txn, false)
}

// Delete implements DirtyBuffer.Delete from §4.3.
func (b *DirtyBuffer) Delete(key Key, seq uint64, txn TxnID) *PutCtx {
	return b.putOrDelete(key, nil, seq, txn, true)
}

// Get implements DirtyBuffer.Get from §4.3: it always prepends a read
// marker for the caller, then looks for the most recent write record for
// key. Returns ErrNotFound if no dirty write exists for key.
func (b *DirtyBuffer) Get(key Key, self TxnID) (*GetCtx, error) {
	b.rw.RLock()
	defer b.rw.RUnlock()

	idx := b.bucketIdx(key)
	b.bucketMu[idx].Lock()
	defer b.bucketMu[idx].Unlock()

	marker := &DirtyVersion{key: append(Key(nil), key...), kind: readMarker, readerTxn: self}
	b.buckets[idx].pushFront(marker)

	ctx := &GetCtx{SelfTxnID: self}
	var found *DirtyVersion
	b.buckets[idx].iterFromHead(func(v *DirtyVersion) bool {
		if v.kind == writeRecord && string(v.key) == string(key) {
			found = v
			return false
		}
		return true
	})
	if found == nil {
		return ctx, ErrNotFound
	}
	ctx.FoundDirty = true
	ctx.Deletion = found.deletion
	ctx.Value = found.value
	ctx.Seq = found.seq
	ctx.WriterTxn = found.writerTxn
	return ctx, nil
}

// Scan implements DirtyBuffer.Scan from §4.3. It takes the buffer-wide
// exclusive latch, registers self in the scan list, and walks every
// bucket invoking callback for write records within [lower, upper).
func (b *DirtyBuffer) Scan(lower, upper Key, cmp Comparator, self TxnID, cb ScanCallback) (*ScanCtx, error) {
	b.rw.Lock()
	defer b.rw.Unlock()

	b.scanMu.Lock()
	present := false
	for _, id := range b.scanList {
		if id == self {
			present = true
			break
		}
	}
	if !present {
		b.scanList = append(b.scanList, self)
	}
	b.scanMu.Unlock()

	ctx := &ScanCtx{SelfTxnID: self}
	seen := make(map[TxnID]bool)
	for _, bucket := range b.buckets {
		var walkErr error
		bucket.iterFromHead(func(v *DirtyVersion) bool {
			if v.kind != writeRecord {
				return true
			}
			if cmp.Compare(v.key, lower) < 0 || (upper != nil && cmp.Compare(v.key, upper) >= 0) {
				return true
			}
			if v.writerTxn != self && !seen[v.writerTxn] {
				seen[v.writerTxn] = true
				ctx.TxnIDs = append(ctx.TxnIDs, v.writerTxn)
			}
			if v.deletion {
				walkErr = cb.InvokeDeletion(v.key)
			} else {
				walkErr = cb.Invoke(v.key, v.value)
			}
			return walkErr == nil
		})
		if walkErr != nil {
			return ctx, walkErr
		}
	}
	return ctx, nil
}

// Remove implements DirtyBuffer.Remove from §4.3: it deletes the single
// record matching (key, txn), used after the writer commits or aborts,
// or by a reader sweeping its own read markers.
func (b *DirtyBuffer) Remove(key Key, txn TxnID) error {
	b.rw.RLock()
	defer b.rw.RUnlock()

	idx := b.bucketIdx(key)
	b.bucketMu[idx].Lock()
	defer b.bucketMu[idx].Unlock()

	var target *DirtyVersion
	b.buckets[idx].iterFromHead(func(v *DirtyVersion) bool {
		if string(v.key) != string(key) {
			return true
		}
		owner := v.writerTxn
		if v.kind == readMarker {
			owner = v.readerTxn
		}
		if owner == txn {
			target = v
			return false
		}
		return true
	})
	if target == nil {
		return errors.Wrapf(ErrNotFound, "no dirty entry for key under txn %d", txn)
	}
	b.buckets[idx].remove(target)
	return nil
}

// RemoveScanInfo implements DirtyBuffer.RemoveScanInfo from §4.3.
func (b *DirtyBuffer) RemoveScanInfo(txn TxnID) {
	b.scanMu.Lock()
	defer b.scanMu.Unlock()
	for i, id := range b.scanList {
		if id == txn {
			b.scanList = append(b.scanList[:i], b.scanList[i+1:]...)
			return
		}
	}
}
