package concurrency

import "time"

// Options enumerates the per-transaction and per-engine knobs from §6 of
// the concurrency core's specification. It intentionally carries no
// cluster-settings machinery: the teacher's own `settings.RegisterXSetting`
// layer pulls in a whole gossip/cluster-membership stack this core is
// scoped (§1) to treat as an external collaborator, so Options is a plain,
// directly-constructed struct instead.
type Options struct {
	// DeadlockDetect is advisory; this core performs no cycle detection
	// of its own (see Non-goals), relying instead on the bounded
	// dependency-wait timeout below.
	DeadlockDetect bool
	// DeadlockDetectDepth bounds how deep an (unused) external detector
	// would walk a wait-for graph. Carried for API compatibility.
	DeadlockDetectDepth int

	// LockTimeout bounds how long a pessimistic lock acquisition blocks
	// before returning ErrTimedOut. A negative value means "use the
	// engine default".
	LockTimeout time.Duration

	// Expiration, if positive, is the duration after which another
	// goroutine may steal this transaction's locks (LOCKS_STOLEN).
	// Non-positive disables expiration.
	Expiration time.Duration

	SetSnapshot bool

	// MaxWriteBatchSize is carried for API compatibility. Nothing reads
	// it, so the local write batch size is not bounded.
	MaxWriteBatchSize int64

	// TrackState enables the fast cross-class conflict probe
	// (TxnStateMgr). Disabling it saves the CAS-loop overhead on the hot
	// path for workloads that don't mix OCC and 2PL on the same keys.
	TrackState bool

	UseOnlyLastCommitBatchForRecovery bool

	// DirtyBufferSize is the bucket count for each column family's
	// DirtyBuffer.
	DirtyBufferSize int

	// StateMapNumStripes is the stripe count for TxnStateMgr and
	// LockManager's per-cf maps.
	StateMapNumStripes int
}

// DefaultOptions returns the engine defaults used when a caller does not
// override a given knob.
func DefaultOptions() Options {
	return Options{
		DeadlockDetect:                     false,
		DeadlockDetectDepth:                0,
		LockTimeout:                        1 * time.Second,
		Expiration:                         0,
		SetSnapshot:                        true,
		MaxWriteBatchSize:                  0,
		TrackState:                         true,
		UseOnlyLastCommitBatchForRecovery:  false,
		DirtyBufferSize:                    4096,
		StateMapNumStripes:                 256,
	}
}

// DependencyWaitTimeout is the hard cap from §5: commit-time dependency
// waits (both WaitForDependency and DependencyEngine.DoWait) give up and
// abort after this long regardless of Options.LockTimeout.
const DependencyWaitTimeout = 15 * time.Second

// defaultLockStripes and defaultDirtyBufferStripes mirror the teacher's
// own hard-coded stripe counts (10,000 / 40,000), called out in §9 as
// configuration rather than constants; DefaultOptions above supersedes
// them for new engines, these remain as the historical fallback used by
// NewEngine when Options zero-values are passed through un-defaulted.
const (
	defaultLockStripes        = 10000
	defaultDirtyBufferStripes = 40000
)
