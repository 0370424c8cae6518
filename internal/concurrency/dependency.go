package concurrency

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"
)

// ConflictNone and ConflictTerminal are the two sentinel conflict-piece
// values from §4.8: 0 means "no conflict at this piece, don't wait" and
// ∞ means "wait for the dependent's full termination".
const (
	ConflictNone     PieceIdx = 0
	ConflictTerminal PieceIdx = math.MaxInt32
)

// conflictKey is the (self_type, piece_idx, dep_type) lookup key from
// §4.8.
type conflictKey struct {
	selfType TxnType
	piece    PieceIdx
	depType  TxnType
}

// ConflictTable is the pluggable data table §6 describes: a closed
// lookup from (self_type, piece, dep_type) to a conflict piece number.
// Unknown tuples return ConflictTerminal.
type ConflictTable interface {
	Lookup(selfType TxnType, piece PieceIdx, depType TxnType) PieceIdx
}

type staticConflictTable map[conflictKey]PieceIdx

func (t staticConflictTable) Lookup(selfType TxnType, piece PieceIdx, depType TxnType) PieceIdx {
	if c, ok := t[conflictKey{selfType, piece, depType}]; ok {
		return c
	}
	return ConflictTerminal
}

// DefaultConflictTable builds the reference conflict table covering
// types {0,1,2} and piece indices 1..8, per §6. Same-type dependencies
// at piece 1 never conflict (pieces run in parallel across independent
// transactions of the same type before their first synchronization
// point); same-type dependencies at piece >= 2 must wait for the
// dependent to reach that same piece index; cross-type dependencies
// always wait for full termination, since piece numbering is not
// comparable across transaction types. This reproduces §8 scenario S6
// literally: (0,1,0)=0 and (0,2,0)=2.
func DefaultConflictTable() ConflictTable {
	t := make(staticConflictTable)
	for selfType := TxnType(0); selfType <= 2; selfType++ {
		for depType := TxnType(0); depType <= 2; depType++ {
			for piece := PieceIdx(1); piece <= 8; piece++ {
				switch {
				case selfType != depType:
					t[conflictKey{selfType, piece, depType}] = ConflictTerminal
				case piece == 1:
					t[conflictKey{selfType, piece, depType}] = ConflictNone
				default:
					t[conflictKey{selfType, piece, depType}] = piece
				}
			}
		}
	}
	return t
}

// spinInterval is how often the wait loops below re-check dependency
// state. §5 specifies bounded busy-wait ("cpu_relax") against atomics;
// a short sleep achieves the same effect without burning a core per
// waiter, which matters once hundreds of transactions are waiting
// concurrently in a single process.
const spinInterval = 200 * time.Microsecond

// DependencyEngine tracks a single transaction's accumulated dependency
// ids and implements the piece-wise wait from §4.8.
type DependencyEngine struct {
	mu   sync.Mutex
	deps map[TxnID]struct{}
}

// NewDependencyEngine constructs an empty DependencyEngine.
func NewDependencyEngine() *DependencyEngine {
	return &DependencyEngine{deps: make(map[TxnID]struct{})}
}

// Add merges id into the dependency set.
func (d *DependencyEngine) Add(id TxnID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deps[id] = struct{}{}
}

// AddAll merges every id in ids into the dependency set.
func (d *DependencyEngine) AddAll(ids []TxnID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range ids {
		d.deps[id] = struct{}{}
	}
}

// Remove drops id from the dependency set.
func (d *DependencyEngine) Remove(id TxnID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.deps, id)
}

// Sorted returns the dependency set as a sorted slice. §5 requires
// sorting dependency ids before waiting, both to make waits
// deterministic and to avoid 2PL cycles at commit time.
func (d *DependencyEngine) Sorted() []TxnID {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]TxnID, 0, len(d.deps))
	for id := range d.deps {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Empty reports whether the dependency set currently has no entries.
func (d *DependencyEngine) Empty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.deps) == 0
}

// WaitForTermination implements commit step 1, §4.7's WaitForDependency:
// sort the dependency ids, then for each, spin reading its TxnMetadata
// state until COMMITTED (continue), ABORTED (cascade abort), or the
// hard 15s cap expires (TimedOut -> abort).
func (d *DependencyEngine) WaitForTermination(ctx context.Context, registry *MetadataRegistry) error {
	deadline := time.Now().Add(DependencyWaitTimeout)
	for _, id := range d.Sorted() {
		for {
			meta, ok := registry.Get(id)
			if !ok {
				break // dependent already reclaimed: treat as resolved
			}
			state := meta.State()
			if state == Committed {
				break
			}
			if state == RolledBack {
				return ErrAborted
			}
			if time.Now().After(deadline) {
				logDependencyTimeout(0, id)
				return ErrTimedOut
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(spinInterval):
			}
		}
	}
	return nil
}

// DoWait implements DependencyEngine.DoWait from §4.8: for each
// dependency id (sorted), compute the conflict piece via table and spin
// CheckTransactionState until it resolves to OK, abort, or timeout. A
// dependency resolved with conflict piece ConflictTerminal is removed
// from the set; one resolved with a finite conflict piece is kept, since
// it may trigger again on a later piece.
func (d *DependencyEngine) DoWait(
	ctx context.Context, registry *MetadataRegistry, table ConflictTable, selfType TxnType, piece PieceIdx,
) error {
	deadline := time.Now().Add(DependencyWaitTimeout)
	for _, id := range d.Sorted() {
		for {
			meta, ok := registry.Get(id)
			if !ok {
				d.Remove(id)
				break
			}
			c := table.Lookup(selfType, piece, meta.Type)
			state := meta.State()
			if state == RolledBack {
				return ErrAborted
			}
			if state == Committed {
				if c == ConflictTerminal {
					d.Remove(id)
				}
				break
			}
			if c != ConflictTerminal && PieceIdx(meta.CurrentPiece()) >= c {
				break
			}
			if time.Now().After(deadline) {
				logDependencyTimeout(0, id)
				return ErrTimedOut
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(spinInterval):
			}
		}
	}
	return nil
}
