package concurrency

import (
	"context"
	"hash/maphash"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// lockStripe is a single shard of a LockMap: a mutex-protected
// key->LockList table, per §4.2.
type lockStripe struct {
	mu    sync.Mutex
	lists map[string]*LockList
}

// lockMap is the per-cf array of N stripes from §4.2.
type lockMap struct {
	seed    maphash.Seed
	stripes []*lockStripe
}

func newLockMap(numStripes int) *lockMap {
	if numStripes <= 0 {
		numStripes = defaultLockStripes
	}
	stripes := make([]*lockStripe, numStripes)
	for i := range stripes {
		stripes[i] = &lockStripe{lists: make(map[string]*LockList)}
	}
	return &lockMap{seed: maphash.MakeSeed(), stripes: stripes}
}

func (m *lockMap) stripeFor(key Key) *lockStripe {
	var h maphash.Hash
	h.SetSeed(m.seed)
	h.Write(key)
	return m.stripes[h.Sum64()%uint64(len(m.stripes))]
}

// getOrCreate returns the LockList for key, creating it if absent, and
// prunes it from the stripe afterward if found idle on a subsequent
// Release (see LockManager.Release).
func (s *lockStripe) getOrCreate(key Key) *LockList {
	s.mu.Lock()
	defer s.mu.Unlock()
	ll, ok := s.lists[string(key)]
	if !ok {
		ll = NewLockList()
		s.lists[string(key)] = ll
	}
	return ll
}

func (s *lockStripe) pruneIfIdle(key Key, ll *LockList) {
	if !ll.Idle() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.lists[string(key)]; ok && cur == ll && ll.Idle() {
		delete(s.lists, string(key))
	}
}

// LockManager maintains cf_id -> LockMap (§4.2) and exposes
// Acquire/Release/Holder used by both the 2PL path and OCC's
// commit-time lock acquisition.
type LockManager struct {
	mu  sync.RWMutex
	cfs map[CFID]*lockMap

	numStripes int
	metrics    *Metrics
}

// NewLockManager constructs a LockManager whose per-cf LockMaps use
// numStripes stripes, reporting contention through metrics (nil
// disables metrics recording).
func NewLockManager(numStripes int, metrics *Metrics) *LockManager {
	return &LockManager{cfs: make(map[CFID]*lockMap), numStripes: numStripes, metrics: metrics}
}

func (m *LockManager) mapFor(cf CFID) *lockMap {
	m.mu.RLock()
	lm, ok := m.cfs[cf]
	m.mu.RUnlock()
	if ok {
		return lm
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if lm, ok = m.cfs[cf]; ok {
		return lm
	}
	lm = newLockMap(m.numStripes)
	m.cfs[cf] = lm
	return lm
}

// Acquire implements LockManager.Acquire from §4.2. With failFast set, a
// lock that cannot be granted immediately returns ErrBusy instead of
// waiting. Otherwise the caller blocks on the grant signal up to
// timeout; OCC's commit-time acquisition (doLockAll) also takes this
// blocking path.
func (m *LockManager) Acquire(
	ctx context.Context, cf CFID, key Key, txn TxnID, exclusive bool, timeout time.Duration, failFast bool,
) error {
	lm := m.mapFor(cf)
	stripe := lm.stripeFor(key)
	ll := stripe.getOrCreate(key)

	held, grantCh, err := ll.Grab(txn, exclusive, time.Now().Add(timeout))
	if err != nil {
		if failFast {
			if m.metrics != nil {
				m.metrics.LockBusyRejections.Inc()
			}
			return errors.Mark(err, ErrBusy)
		}
		return err
	}
	if held {
		return nil
	}
	if failFast {
		ll.CancelWait(txn)
		logLockBusy(txn, cf, key)
		if m.metrics != nil {
			m.metrics.LockBusyRejections.Inc()
		}
		return ErrBusy
	}

	if m.metrics != nil {
		m.metrics.LockWaits.Inc()
	}

	var timer *time.Timer
	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case <-grantCh:
		return nil
	case <-timeoutC:
		ll.CancelWait(txn)
		logLockTimeout(txn, cf, key)
		if m.metrics != nil {
			m.metrics.LockTimeouts.Inc()
		}
		return ErrTimedOut
	case <-ctx.Done():
		ll.CancelWait(txn)
		return ctx.Err()
	}
}

// Release drops txn's hold (owner or waiter) on every key in keys within
// cf. If a LockList becomes fully idle it is pruned from the stripe map
// rather than retained forever, bounding memory use; §4.2 permits either
// choice ("may be retained (pooled)").
func (m *LockManager) Release(cf CFID, txn TxnID, keys []Key) {
	lm := m.mapFor(cf)
	for _, key := range keys {
		stripe := lm.stripeFor(key)
		stripe.mu.Lock()
		ll, ok := stripe.lists[string(key)]
		stripe.mu.Unlock()
		if !ok {
			continue
		}
		ll.Drop(txn)
		stripe.pruneIfIdle(key, ll)
	}
}

// Holder reports the current LockMode of cf/key, or NotHeld if no
// LockList has ever been created for it. Exposed for tests and debug
// tooling.
func (m *LockManager) Holder(cf CFID, key Key) LockMode {
	lm := m.mapFor(cf)
	stripe := lm.stripeFor(key)
	stripe.mu.Lock()
	ll, ok := stripe.lists[string(key)]
	stripe.mu.Unlock()
	if !ok {
		return NotHeld
	}
	return ll.Holder()
}
