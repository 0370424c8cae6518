package concurrency

import "sync"

// AccessInfo is a single entry in an AccessList key chain: a committed
// accessor of a key, per §4.5.
type AccessInfo struct {
	TxnID TxnID
	Seq   uint64

	prev, next *AccessInfo
}

type accessChain struct {
	head *AccessInfo // newest
}

// accessShard is one stripe of an AccessList: key -> newest-first chain,
// protected by its own RWMutex.
type accessShard struct {
	mu     sync.RWMutex
	chains map[string]*accessChain
}

// AccessList is the per-cf bucketed map from §4.5 providing Add/Get/
// Remove over a newest-first linked history of committed accesses per
// key. It is a 2PL-side debugging/chaining aid, not on the hot OCC path.
type AccessList struct {
	mu      sync.RWMutex
	cfs     map[CFID]*accessShard
	stripes int
}

// NewAccessList constructs an empty AccessList. numStripes is recorded
// but not used: each column family has a single shard guarded by one
// RW mutex.
func NewAccessList(numStripes int) *AccessList {
	if numStripes <= 0 {
		numStripes = 1
	}
	return &AccessList{cfs: make(map[CFID]*accessShard), stripes: numStripes}
}

func (l *AccessList) shard(cf CFID) *accessShard {
	l.mu.RLock()
	s, ok := l.cfs[cf]
	l.mu.RUnlock()
	if ok {
		return s
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok = l.cfs[cf]; ok {
		return s
	}
	s = &accessShard{chains: make(map[string]*accessChain)}
	l.cfs[cf] = s
	return s
}

// Add records a new committed access of cf/key by txn at seq, prepending
// it to the key's chain.
func (l *AccessList) Add(cf CFID, key Key, txn TxnID, seq uint64) {
	s := l.shard(cf)
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chains[string(key)]
	if !ok {
		c = &accessChain{}
		s.chains[string(key)] = c
	}
	info := &AccessInfo{TxnID: txn, Seq: seq, next: c.head}
	if c.head != nil {
		c.head.prev = info
	}
	c.head = info
}

// Get returns the newest accessor of cf/key. §9 flags the teacher
// source's AccessList.Get as asserting on a missing key; this
// implementation surfaces ErrNotFound instead, as the design notes
// direct.
func (l *AccessList) Get(cf CFID, key Key) (AccessInfo, error) {
	s := l.shard(cf)
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chains[string(key)]
	if !ok || c.head == nil {
		return AccessInfo{}, ErrNotFound
	}
	return *c.head, nil
}

// Remove splices the node matching (key, txn) out of the chain, if
// present.
func (l *AccessList) Remove(cf CFID, key Key, txn TxnID) {
	s := l.shard(cf)
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chains[string(key)]
	if !ok {
		return
	}
	for n := c.head; n != nil; n = n.next {
		if n.TxnID != txn {
			continue
		}
		if n.prev != nil {
			n.prev.next = n.next
		} else {
			c.head = n.next
		}
		if n.next != nil {
			n.next.prev = n.prev
		}
		return
	}
}
