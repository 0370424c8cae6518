package concurrency

import (
	"sync"
	"time"
)

// Engine wires together every component from §2's table into the
// process-scoped object the spec's §9 design notes call for: long-lived,
// exposed via explicit handles rather than ambient globals.
type Engine struct {
	opts    Options
	storage Storage

	locks         *LockManager
	validation    *ValidationMap
	access        *AccessList
	state         *TxnStateMgr
	registry      *MetadataRegistry
	conflictTable ConflictTable
	metrics       *Metrics

	dirtyMu sync.RWMutex
	dirty   map[CFID]*DirtyBuffer
}

// NewEngine constructs an Engine backed by storage, using opts for its
// per-transaction defaults and striping configuration.
func NewEngine(storage Storage, opts Options) *Engine {
	metrics := NewMetrics()
	return &Engine{
		opts:          opts,
		storage:       storage,
		locks:         NewLockManager(opts.StateMapNumStripes, metrics),
		validation:    NewValidationMap(),
		access:        NewAccessList(opts.StateMapNumStripes),
		state:         NewTxnStateMgr(opts.StateMapNumStripes),
		registry:      NewMetadataRegistry(),
		conflictTable: DefaultConflictTable(),
		metrics:       metrics,
		dirty:         make(map[CFID]*DirtyBuffer),
	}
}

// WithConflictTable overrides the default conflict table, per §6's
// "loaded as a static lookup... the specification treats it as a
// pluggable data table".
func (e *Engine) WithConflictTable(t ConflictTable) *Engine {
	e.conflictTable = t
	return e
}

// Metrics returns the Engine's Prometheus metrics set, mirroring the
// teacher's own LatchMetrics()/MetricExporter introspection surface.
func (e *Engine) Metrics() *Metrics { return e.metrics }

func (e *Engine) dirtyBufferFor(cf CFID) *DirtyBuffer {
	e.dirtyMu.RLock()
	buf, ok := e.dirty[cf]
	e.dirtyMu.RUnlock()
	if ok {
		return buf
	}
	e.dirtyMu.Lock()
	defer e.dirtyMu.Unlock()
	if buf, ok = e.dirty[cf]; ok {
		return buf
	}
	buf = NewDirtyBuffer(e.opts.DirtyBufferSize)
	e.dirty[cf] = buf
	return buf
}

// Begin implements the §6 Begin(opts) -> Transaction API entry.
func (e *Engine) Begin(typ TxnType, opts Options) *Transaction {
	return newTransaction(e, typ, opts)
}

// StealExpiredLocks implements the §5 expiration race: if txn's
// deadline has passed and it is still STARTED or PREPARED, CAS its
// state to LOCKS_STOLEN and release its locks and dirty entries on its
// behalf. The original owner's Commit then returns ErrExpired; its
// other operations do not check for LOCKS_STOLEN.
func (e *Engine) StealExpiredLocks(txn *Transaction, now time.Time) (bool, error) {
	if !txn.meta.Expired(now) {
		return false, nil
	}
	state := txn.meta.State()
	if state != Started && state != Prepared {
		return false, nil
	}
	if !txn.meta.CompareAndSwapState(state, LocksStolen) {
		return false, nil
	}
	tracked := txn.clearTrackedState()
	txn.release(tracked)
	return true, nil
}

// Destroy implements the §3 Lifecycle "on destroy" step: release any
// remaining locks and dirty entries and unregister the transaction's
// metadata if it was never committed or rolled back through the normal
// path (e.g. the caller is giving up on a STARTED transaction).
func (e *Engine) Destroy(txn *Transaction) {
	state := txn.meta.State()
	if state == Started || state == Prepared || state == AwaitingPrepare {
		tracked := txn.clearTrackedState()
		txn.release(tracked)
		txn.meta.SetState(RolledBack)
	}
	e.registry.Unregister(txn.ID)
}

// GetDependents returns the transaction ids whose dependency sets
// currently include id. This core does not maintain a reverse index, so
// this always returns nil; cross-engine dependency queries belong to
// the top-level transaction API layer this core treats as an external
// collaborator (§1).
func (e *Engine) GetDependents(id TxnID) []TxnID { return nil }
