// Package cache implements LogCache (§4.3): an in-memory buffer of recently
// appended operations so per-peer request assembly can avoid the durable
// log on the hot path. Adapted from the teacher's holder.LogHolder
// (raft/core/holder/log.go), whose `entries []raftpd.Entry` slice-with-
// dummy-head layout is generalized here to a map keyed by index so
// eviction (which the teacher's holder never does -- it only compacts on
// snapshot) can drop an arbitrary prefix without shifting a slice.
package cache

import (
	"sync"
	"time"

	"github.com/flexraft/consensus/raft/proto"
)

// Codec optionally (de)compresses payloads, per §4.3's "optional payload
// compression with a configurable codec".
type Codec interface {
	Compress([]byte) []byte
	Decompress([]byte) []byte
}

type entry struct {
	msg         *raftpd.ReplicateMsg
	compressed  bool
}

// Cache buffers ReplicateMsg by index.
type Cache struct {
	mu sync.Mutex

	entries map[uint64]*entry
	// precedingOf[idx] is the OpId of the entry immediately before idx, so
	// ReadRange can report "the OpId immediately preceding them" even when
	// the range starts mid-cache.
	precedingOf map[uint64]raftpd.OpId

	lowest, highest uint64
	codec           Codec
	compressOnWrite bool

	waiters map[uint64][]chan struct{}
}

// New returns an empty Cache. If codec is non-nil and compressOnWrite is
// true, payloads are compressed at Append time; otherwise compression (if
// any) happens lazily on a cache miss fallback by the caller.
func New(codec Codec, compressOnWrite bool) *Cache {
	return &Cache{
		entries:         make(map[uint64]*entry),
		precedingOf:     make(map[uint64]raftpd.OpId),
		codec:           codec,
		compressOnWrite: compressOnWrite,
		waiters:         make(map[uint64][]chan struct{}),
	}
}

// Append takes shared ownership of msg and stores it by index, waking any
// blocking readers waiting on this index.
func (c *Cache) Append(msg *raftpd.ReplicateMsg, preceding raftpd.OpId) {
	c.mu.Lock()
	e := &entry{msg: msg}
	if c.codec != nil && c.compressOnWrite {
		e.msg = &raftpd.ReplicateMsg{
			Id:      msg.Id,
			OpType:  msg.OpType,
			Payload: c.codec.Compress(msg.Payload),
		}
		e.compressed = true
	}
	idx := msg.Id.Index
	c.entries[idx] = e
	c.precedingOf[idx] = preceding
	if c.lowest == 0 || idx < c.lowest {
		c.lowest = idx
	}
	if idx > c.highest {
		c.highest = idx
	}
	ws := c.waiters[idx]
	delete(c.waiters, idx)
	c.mu.Unlock()

	for _, w := range ws {
		close(w)
	}
}

// ReadRange implements §4.3's read_range: a contiguous prefix of available
// operations starting at fromIdxExclusive+1, total payload <= maxBytes
// (except that the first op is always included, even if it alone exceeds
// maxBytes), and the OpId immediately preceding them.
func (c *Cache) ReadRange(fromIdxExclusive uint64, maxBytes int) (ops []raftpd.ReplicateMsg, preceding raftpd.OpId, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := fromIdxExclusive + 1
	pre, ok := c.precedingOf[start]
	if !ok {
		return nil, raftpd.OpId{}, false
	}

	size := 0
	idx := start
	for {
		e, present := c.entries[idx]
		if !present {
			break
		}
		payload := e.msg.Payload
		if e.compressed && c.codec != nil {
			payload = c.codec.Decompress(payload)
		}
		if size+len(payload) > maxBytes && len(ops) > 0 {
			break
		}
		msg := *e.msg
		msg.Payload = payload
		ops = append(ops, msg)
		size += len(payload)
		idx++
	}
	return ops, pre, true
}

// BlockingReadRange waits up to timeout for fromIdxExclusive+1 to become
// available, then behaves like ReadRange. It may return fewer ops than
// requested (possibly zero) on timeout.
func (c *Cache) BlockingReadRange(fromIdxExclusive uint64, maxBytes int, timeout time.Duration) ([]raftpd.ReplicateMsg, raftpd.OpId, bool) {
	start := fromIdxExclusive + 1

	c.mu.Lock()
	if _, ok := c.precedingOf[start]; ok {
		c.mu.Unlock()
		return c.ReadRange(fromIdxExclusive, maxBytes)
	}
	waitCh := make(chan struct{})
	c.waiters[start] = append(c.waiters[start], waitCh)
	c.mu.Unlock()

	select {
	case <-waitCh:
	case <-time.After(timeout):
	}
	return c.ReadRange(fromIdxExclusive, maxBytes)
}

// TruncateAfter drops every cached entry with index > idx.
func (c *Cache) TruncateAfter(idx uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := idx + 1; i <= c.highest; i++ {
		delete(c.entries, i)
		delete(c.precedingOf, i)
	}
	if c.highest > idx {
		c.highest = idx
	}
}

// Evict drops every cached entry with index strictly less than floor,
// implementing §4.3's retention policy: callers pass
// min(allReplicatedIndex, durableIndex) - retentionMargin.
func (c *Cache) Evict(floor uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := c.lowest; i < floor; i++ {
		delete(c.entries, i)
		delete(c.precedingOf, i)
	}
	if floor > c.lowest {
		c.lowest = floor
	}
}

// Has reports whether idx is currently cached.
func (c *Cache) Has(idx uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[idx]
	return ok
}
