package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flexraft/consensus/raft/proto"
)

func msg(term, index uint64, payload string) *raftpd.ReplicateMsg {
	return &raftpd.ReplicateMsg{Id: raftpd.OpId{Term: term, Index: index}, Payload: []byte(payload)}
}

func TestReadRangeContiguousPrefix(t *testing.T) {
	c := New(nil, false)
	c.Append(msg(1, 1, "a"), raftpd.OpId{})
	c.Append(msg(1, 2, "b"), raftpd.OpId{Term: 1, Index: 1})
	c.Append(msg(1, 3, "c"), raftpd.OpId{Term: 1, Index: 2})

	ops, preceding, ok := c.ReadRange(0, 1<<20)
	require.True(t, ok)
	require.Equal(t, raftpd.OpId{}, preceding)
	require.Len(t, ops, 3)
	require.Equal(t, "a", string(ops[0].Payload))
	require.Equal(t, "c", string(ops[2].Payload))
}

func TestReadRangeMissingStartIsMiss(t *testing.T) {
	c := New(nil, false)
	c.Append(msg(1, 5, "x"), raftpd.OpId{Term: 1, Index: 4})

	_, _, ok := c.ReadRange(0, 1<<20)
	require.False(t, ok)
}

func TestReadRangeRespectsMaxBytesButAlwaysReturnsOne(t *testing.T) {
	c := New(nil, false)
	c.Append(msg(1, 1, "aaaa"), raftpd.OpId{})
	c.Append(msg(1, 2, "bbbb"), raftpd.OpId{Term: 1, Index: 1})

	ops, _, ok := c.ReadRange(0, 1)
	require.True(t, ok)
	require.Len(t, ops, 1, "at least one op is always returned even if it exceeds maxBytes alone")
}

func TestBlockingReadRangeWakesOnAppend(t *testing.T) {
	c := New(nil, false)
	done := make(chan struct{})
	var ops []raftpd.ReplicateMsg
	go func() {
		ops, _, _ = c.BlockingReadRange(0, 1<<20, time.Second)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	c.Append(msg(1, 1, "a"), raftpd.OpId{})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("blocking read did not wake on append")
	}
	require.Len(t, ops, 1)
}

func TestEvictDropsBelowFloor(t *testing.T) {
	c := New(nil, false)
	for i := uint64(1); i <= 5; i++ {
		c.Append(msg(1, i, "x"), raftpd.OpId{Term: 1, Index: i - 1})
	}
	c.Evict(3)
	require.False(t, c.Has(1))
	require.False(t, c.Has(2))
	require.True(t, c.Has(3))
	require.True(t, c.Has(4))
}

func TestTruncateAfterDropsSuffix(t *testing.T) {
	c := New(nil, false)
	for i := uint64(1); i <= 5; i++ {
		c.Append(msg(1, i, "x"), raftpd.OpId{Term: 1, Index: i - 1})
	}
	c.TruncateAfter(3)
	require.True(t, c.Has(3))
	require.False(t, c.Has(4))
	require.False(t, c.Has(5))
}
