package concurrency

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAccessListAddGetNewestFirst(t *testing.T) {
	l := NewAccessList(4)
	l.Add(0, []byte("k"), 1, 10)
	l.Add(0, []byte("k"), 2, 20)

	info, err := l.Get(0, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, TxnID(2), info.TxnID)
	require.Equal(t, uint64(20), info.Seq)
}

func TestAccessListGetMissingReturnsNotFound(t *testing.T) {
	l := NewAccessList(4)
	_, err := l.Get(0, []byte("missing"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAccessListRemoveMiddleOfChain(t *testing.T) {
	l := NewAccessList(4)
	l.Add(0, []byte("k"), 1, 10)
	l.Add(0, []byte("k"), 2, 20)
	l.Add(0, []byte("k"), 3, 30)

	l.Remove(0, []byte("k"), 2)

	info, err := l.Get(0, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, TxnID(3), info.TxnID)
}
