package concurrency

import (
	"math"
	"sync"
)

// NoRecentWrite is returned by GetLatestSequenceNumber for a key that has
// never been published to the ValidationMap, meaning "not recently
// written" per §4.4.
const NoRecentWrite = uint64(math.MaxUint64)

// validationShard is one cf's key->seq table.
type validationShard struct {
	mu   sync.RWMutex
	seqs map[string]uint64
}

// ValidationMap is the per-cf last-committed-sequence map from §4.4,
// used by OCC commit validation to detect whether a tracked read's key
// has been overwritten since the read was taken.
type ValidationMap struct {
	mu   sync.RWMutex
	cfs  map[CFID]*validationShard
}

// NewValidationMap constructs an empty ValidationMap.
func NewValidationMap() *ValidationMap {
	return &ValidationMap{cfs: make(map[CFID]*validationShard)}
}

func (m *ValidationMap) shard(cf CFID) *validationShard {
	m.mu.RLock()
	s, ok := m.cfs[cf]
	m.mu.RUnlock()
	if ok {
		return s
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok = m.cfs[cf]; ok {
		return s
	}
	s = &validationShard{seqs: make(map[string]uint64)}
	m.cfs[cf] = s
	return s
}

// Put publishes seq as the latest committed sequence for cf/key. Writers
// call this when their commit sequence is assigned, before releasing
// locks (§4.4).
func (m *ValidationMap) Put(cf CFID, key Key, seq uint64) {
	s := m.shard(cf)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.seqs[string(key)]; !ok || seq > cur {
		s.seqs[string(key)] = seq
	}
}

// GetLatestSequenceNumber returns the latest committed sequence recorded
// for cf/key, or NoRecentWrite if none has been published.
func (m *ValidationMap) GetLatestSequenceNumber(cf CFID, key Key) uint64 {
	s := m.shard(cf)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if seq, ok := s.seqs[string(key)]; ok {
		return seq
	}
	return NoRecentWrite
}
