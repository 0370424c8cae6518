package concurrency

import "context"

// Comparator is the total order on byte strings used by DirtyBuffer.Scan
// and nearby-key lookups, per §6.
type Comparator interface {
	Compare(a, b []byte) int
}

// ByteComparator is the default Comparator: plain lexicographic order,
// matching the default comparator a storage engine would supply absent
// an application-specific key encoding.
type ByteComparator struct{}

func (ByteComparator) Compare(a, b []byte) int {
	switch {
	case string(a) < string(b):
		return -1
	case string(a) > string(b):
		return 1
	default:
		return 0
	}
}

// WriteBatch is the accumulated set of writes a transaction has staged
// locally, handed to Storage.WriteImpl at commit time.
type WriteBatch interface {
	Put(cf CFID, key Key, value []byte)
	Delete(cf CFID, key Key)
	Len() int
}

// PreCommitFunc is invoked by Storage.WriteImpl with the base sequence
// number about to be assigned to the batch, before the write is made
// durable. It performs §4.7 step 3's OCC validation and returns a
// non-nil error to reject the write.
type PreCommitFunc func(baseSeq uint64) error

// NearbyInfo is the result of Storage.GetNearbyInfo: the in-storage
// predecessor of a key about to be inserted, used to close the phantom
// window for range scans (§4.7 DoInsert).
type NearbyInfo struct {
	Key    Key
	Seq    uint64
	Found  bool
	IsHead bool
}

// Storage is the set of external collaborators this package consumes
// from the underlying LSM/memtable/WAL layer, per §6. The concurrency
// core treats it as an opaque dependency; production callers back it
// with the real storage engine, tests back it with internal/storage's
// in-memory reference implementation.
type Storage interface {
	// NewWriteBatch constructs an empty WriteBatch for a transaction to
	// stage its local writes into.
	NewWriteBatch() WriteBatch

	// WriteImpl performs an atomic write of batch, invoking precommit
	// with the base sequence number the batch is about to be assigned
	// before making it durable. It returns the last sequence number
	// assigned to the batch.
	WriteImpl(ctx context.Context, batch WriteBatch, precommit PreCommitFunc) (commitSeq uint64, err error)

	// GetLatestSequenceNumber returns the engine's current sequence
	// number, used as a transaction's default snapshot sequence.
	GetLatestSequenceNumber() uint64

	// GetNearbyInfo returns the predecessor of key in cf, used by
	// DoInsert to track the phantom-closing nearby key.
	GetNearbyInfo(cf CFID, key Key) (NearbyInfo, error)

	// UpdateNearbyNodeSeq records that isHead's nearby-key tracking
	// observed the given key at the engine's current sequence.
	UpdateNearbyNodeSeq(cf CFID, key Key, isHead bool) error

	// GetFromBatch looks up key within a transaction's own uncommitted
	// local batch.
	GetFromBatch(batch WriteBatch, cf CFID, key Key) (value []byte, found bool)

	// Get performs a committed read from the storage layer at the given
	// snapshot sequence.
	Get(ctx context.Context, cf CFID, key Key, snapshotSeq uint64) (value []byte, seq uint64, found bool, err error)

	// Scan performs a committed range scan [lower, upper) at the given
	// snapshot sequence, invoking visit for each key observed with that
	// key's committing sequence.
	Scan(ctx context.Context, cf CFID, lower, upper Key, snapshotSeq uint64, visit func(key Key, value []byte, seq uint64) error) error

	// Comparator returns the total order Storage uses for cf.
	Comparator(cf CFID) Comparator
}
