package concurrency

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTxnStateMgrIncDecRoundTrip(t *testing.T) {
	m := NewTxnStateMgr(4)
	sw, err := m.Inc(0, []byte("k"), ClassPessimisticRead)
	require.NoError(t, err)
	require.Equal(t, uint32(1), sw.counts[ClassPessimisticRead])

	sw = m.Dec(0, []byte("k"), ClassPessimisticRead)
	require.Equal(t, uint32(0), sw.counts[ClassPessimisticRead])
}

func TestTxnStateMgrClassesAreIndependent(t *testing.T) {
	m := NewTxnStateMgr(4)
	_, err := m.Inc(0, []byte("k"), ClassOccRead)
	require.NoError(t, err)
	_, err = m.Inc(0, []byte("k"), ClassPessimisticWrite)
	require.NoError(t, err)

	sw := m.Peek(0, []byte("k"))
	require.Equal(t, uint32(1), sw.counts[ClassOccRead])
	require.Equal(t, uint32(1), sw.counts[ClassPessimisticWrite])
	require.Equal(t, uint32(0), sw.counts[ClassOccWrite])
}

func TestTxnStateMgrExclusivityBit(t *testing.T) {
	m := NewTxnStateMgr(4)
	m.SetPessimisticWriteExclusive(0, []byte("k"), true)
	require.True(t, m.Peek(0, []byte("k")).exclusive)
	m.SetPessimisticWriteExclusive(0, []byte("k"), false)
	require.False(t, m.Peek(0, []byte("k")).exclusive)
}

func TestTxnStateMgrDecFloorsAtZero(t *testing.T) {
	m := NewTxnStateMgr(4)
	sw := m.Dec(0, []byte("k"), ClassOccWrite)
	require.Equal(t, uint32(0), sw.counts[ClassOccWrite])
}
