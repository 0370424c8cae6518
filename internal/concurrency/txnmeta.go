package concurrency

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// TxnMetadata is the process-wide-visible slice of a transaction's state
// from §3: atomic state, current piece index, type, and commit sequence.
// It is published into the MetadataRegistry at transaction creation and
// remains readable by dependents until reclaimed, per §3's Lifecycle.
type TxnMetadata struct {
	ID         TxnID
	InstanceID uuid.UUID
	Type       TxnType
	Expiration time.Time

	state        atomic.Int32
	currentPiece atomic.Int32
	commitSeq    atomic.Uint64
}

// NewTxnMetadata constructs a TxnMetadata in the STARTED state.
func NewTxnMetadata(id TxnID, typ TxnType, expiration time.Time) *TxnMetadata {
	m := &TxnMetadata{ID: id, InstanceID: uuid.New(), Type: typ, Expiration: expiration}
	m.state.Store(int32(Started))
	return m
}

func (m *TxnMetadata) State() TxnState { return TxnState(m.state.Load()) }

// SetState performs the unconditional registry-state flip described in
// §3's Lifecycle: "Commit path flips registry state last... dependents
// unblock on that atomic transition."
func (m *TxnMetadata) SetState(s TxnState) { m.state.Store(int32(s)) }

// CompareAndSwapState is used for the LOCKS_STOLEN race in §5: another
// goroutine may CAS STARTED -> LOCKS_STOLEN to reclaim an expired
// transaction's locks.
func (m *TxnMetadata) CompareAndSwapState(old, new TxnState) bool {
	return m.state.CompareAndSwap(int32(old), int32(new))
}

func (m *TxnMetadata) CurrentPiece() PieceIdx { return PieceIdx(m.currentPiece.Load()) }

func (m *TxnMetadata) SetCurrentPiece(p PieceIdx) { m.currentPiece.Store(int32(p)) }

func (m *TxnMetadata) CommitSeq() uint64 { return m.commitSeq.Load() }

func (m *TxnMetadata) SetCommitSeq(seq uint64) { m.commitSeq.Store(seq) }

// Expired reports whether now is past this transaction's deadline. A
// zero Expiration means expiration is disabled (§6 "expiration (ms; ≤0
// disables)").
func (m *TxnMetadata) Expired(now time.Time) bool {
	return !m.Expiration.IsZero() && !now.Before(m.Expiration)
}

// MetadataRegistry is the process-wide table of live transactions from
// §3/§9: "represent as long-lived, process-scoped objects... expose via
// explicit handles rather than ambient globals." It is append-only
// during a transaction's life and entries are reclaimed only after all
// dependents have observed terminal state.
type MetadataRegistry struct {
	mu   sync.RWMutex
	txns map[TxnID]*TxnMetadata
}

// NewMetadataRegistry constructs an empty registry.
func NewMetadataRegistry() *MetadataRegistry {
	return &MetadataRegistry{txns: make(map[TxnID]*TxnMetadata)}
}

// Register publishes meta into the registry.
func (r *MetadataRegistry) Register(meta *TxnMetadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txns[meta.ID] = meta
}

// Get returns the TxnMetadata for id, or false if it is not (or no
// longer) registered.
func (r *MetadataRegistry) Get(id TxnID) (*TxnMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.txns[id]
	return m, ok
}

// Unregister removes id's entry. Called on transaction destroy, after
// all waiters have observed its terminal state.
func (r *MetadataRegistry) Unregister(id TxnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.txns, id)
}

// Len reports the number of live registry entries, for tests/metrics.
func (r *MetadataRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.txns)
}
