// Package memstore is a minimal in-memory stand-in for the LSM/memtable
// storage layer the concurrency core treats as an external collaborator
// (§6 of the specification). It exists for tests and the txnctl demo
// CLI; it is not part of the concurrency control core itself.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/wangjc1996/rocksdb/internal/concurrency"
)

type op struct {
	cf       concurrency.CFID
	key      []byte
	value    []byte
	deletion bool
}

// batch is the concurrency.WriteBatch implementation used by
// transactions to stage local writes before WriteImpl.
type batch struct {
	ops []op
}

func (b *batch) Put(cf concurrency.CFID, key concurrency.Key, value []byte) {
	b.ops = append(b.ops, op{cf: cf, key: append([]byte(nil), key...), value: append([]byte(nil), value...)})
}

func (b *batch) Delete(cf concurrency.CFID, key concurrency.Key) {
	b.ops = append(b.ops, op{cf: cf, key: append([]byte(nil), key...), deletion: true})
}

func (b *batch) Len() int { return len(b.ops) }

type record struct {
	value    []byte
	seq      uint64
	deleted  bool
}

// Store is a trivial in-memory, single-mutex key-value store: every
// column family is a sorted map, writes bump a single monotonic
// sequence counter. It favors obvious correctness over the concurrency
// the real LSM engine would provide, since that engine is exactly what
// this package stands in for.
type Store struct {
	mu  sync.Mutex
	seq uint64
	cfs map[concurrency.CFID]map[string]record
}

// New constructs an empty Store.
func New() *Store {
	return &Store{cfs: make(map[concurrency.CFID]map[string]record)}
}

func (s *Store) cfMap(cf concurrency.CFID) map[string]record {
	m, ok := s.cfs[cf]
	if !ok {
		m = make(map[string]record)
		s.cfs[cf] = m
	}
	return m
}

func (s *Store) NewWriteBatch() concurrency.WriteBatch { return &batch{} }

// WriteImpl implements concurrency.Storage.WriteImpl: it reserves a
// contiguous range of sequence numbers for the batch, invokes precommit
// with the base of that range, and only applies the batch if precommit
// approves.
func (s *Store) WriteImpl(ctx context.Context, wb concurrency.WriteBatch, precommit concurrency.PreCommitFunc) (uint64, error) {
	b, ok := wb.(*batch)
	if !ok || len(b.ops) == 0 {
		s.mu.Lock()
		base := s.seq
		s.mu.Unlock()
		if err := precommit(base); err != nil {
			return 0, err
		}
		return base, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	base := s.seq + 1
	if err := precommit(base); err != nil {
		return 0, err
	}
	commitSeq := base
	for i, o := range b.ops {
		commitSeq = base + uint64(i)
		m := s.cfMap(o.cf)
		if o.deletion {
			m[string(o.key)] = record{seq: commitSeq, deleted: true}
		} else {
			m[string(o.key)] = record{value: o.value, seq: commitSeq}
		}
	}
	s.seq = commitSeq
	return commitSeq, nil
}

func (s *Store) GetLatestSequenceNumber() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

func (s *Store) GetNearbyInfo(cf concurrency.CFID, key concurrency.Key) (concurrency.NearbyInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := s.sortedKeys(cf)
	idx := sort.SearchStrings(keys, string(key))
	if idx == 0 {
		if len(keys) == 0 {
			return concurrency.NearbyInfo{}, nil
		}
		return concurrency.NearbyInfo{Key: []byte(keys[0]), Seq: s.cfMap(cf)[keys[0]].seq, Found: true, IsHead: true}, nil
	}
	predecessor := keys[idx-1]
	return concurrency.NearbyInfo{Key: []byte(predecessor), Seq: s.cfMap(cf)[predecessor].seq, Found: true}, nil
}

func (s *Store) sortedKeys(cf concurrency.CFID) []string {
	m := s.cfMap(cf)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Store) UpdateNearbyNodeSeq(cf concurrency.CFID, key concurrency.Key, isHead bool) error {
	return nil
}

func (s *Store) GetFromBatch(wb concurrency.WriteBatch, cf concurrency.CFID, key concurrency.Key) ([]byte, bool) {
	b, ok := wb.(*batch)
	if !ok {
		return nil, false
	}
	for i := len(b.ops) - 1; i >= 0; i-- {
		o := b.ops[i]
		if o.cf != cf || string(o.key) != string(key) {
			continue
		}
		if o.deletion {
			return nil, false
		}
		return o.value, true
	}
	return nil, false
}

func (s *Store) Get(ctx context.Context, cf concurrency.CFID, key concurrency.Key, snapshotSeq uint64) ([]byte, uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.cfMap(cf)[string(key)]
	if !ok || r.seq > snapshotSeq || r.deleted {
		return nil, 0, false, nil
	}
	return r.value, r.seq, true, nil
}

func (s *Store) Scan(
	ctx context.Context, cf concurrency.CFID, lower, upper concurrency.Key, snapshotSeq uint64,
	visit func(key concurrency.Key, value []byte, seq uint64) error,
) error {
	s.mu.Lock()
	keys := s.sortedKeys(cf)
	m := s.cfMap(cf)
	s.mu.Unlock()

	cmp := Comparator{}
	for _, k := range keys {
		if cmp.Compare([]byte(k), lower) < 0 {
			continue
		}
		if upper != nil && cmp.Compare([]byte(k), upper) >= 0 {
			break
		}
		r := m[k]
		if r.seq > snapshotSeq || r.deleted {
			continue
		}
		if err := visit([]byte(k), r.value, r.seq); err != nil {
			return err
		}
	}
	return nil
}

// Comparator is the default byte-lexicographic order memstore uses.
type Comparator struct{}

func (Comparator) Compare(a, b []byte) int {
	switch {
	case string(a) < string(b):
		return -1
	case string(a) > string(b):
		return 1
	default:
		return 0
	}
}

func (s *Store) Comparator(cf concurrency.CFID) concurrency.Comparator { return Comparator{} }
