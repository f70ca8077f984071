// Package pending implements PendingRounds (§4.2): operations appended to
// the local log but not yet committed, indexed by log index. Adapted from
// the teacher's holder.LogHolder commit/apply bookkeeping
// (raft/core/holder/log.go's lastApplied/commitIndex fields), generalized
// from "apply to state machine" to "deliver a completion callback", since
// this module does not own a state machine (§1 non-goals).
package pending

import (
	"sort"
	"sync"

	"github.com/flexraft/consensus/raft/errs"
	"github.com/flexraft/consensus/raft/proto"
)

// Result is passed to a round's completion callback.
type Result int

const (
	Success Result = iota
	AbortedResult
)

// Round is one admitted, not-yet-committed operation.
type Round struct {
	Id       raftpd.OpId
	Msg      *raftpd.ReplicateMsg
	BoundTerm uint64
	Callback func(Result, error)
}

// Rounds holds the contiguous suffix of the log between last-committed+1
// and last-appended.
type Rounds struct {
	mu sync.Mutex

	lastCommitted uint64
	lastAdmitted  raftpd.OpId
	byIndex       map[uint64]*Round
}

// New returns an empty Rounds positioned at the genesis id.
func New() *Rounds {
	return &Rounds{byIndex: make(map[uint64]*Round)}
}

// Reset repositions Rounds at (lastCommitted, lastAdmitted) with no pending
// rounds, used when bootstrapping from a durable log.
func (p *Rounds) Reset(lastCommitted uint64, lastAdmitted raftpd.OpId) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastCommitted = lastCommitted
	p.lastAdmitted = lastAdmitted
	p.byIndex = make(map[uint64]*Round)
}

// Admit implements §4.2's admit: round.Id must be strictly greater than the
// previous admitted round's id, with contiguous indexes.
func (p *Rounds) Admit(round *Round) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !(p.lastAdmitted.Less(round.Id) && round.Id.Index == p.lastAdmitted.Index+1) {
		return errs.New(errs.OutOfSequence, "round id out of sequence")
	}
	p.byIndex[round.Id.Index] = round
	p.lastAdmitted = round.Id
	return nil
}

// AdvanceCommittedTo implements §4.2's advance_committed_to: idempotent,
// monotone, and delivers each pending round with index <= idx exactly once.
func (p *Rounds) AdvanceCommittedTo(idx uint64) {
	p.mu.Lock()
	if idx <= p.lastCommitted {
		p.mu.Unlock()
		return
	}
	var toDeliver []*Round
	for i := p.lastCommitted + 1; i <= idx; i++ {
		if r, ok := p.byIndex[i]; ok {
			toDeliver = append(toDeliver, r)
			delete(p.byIndex, i)
		}
	}
	p.lastCommitted = idx
	p.mu.Unlock()

	for _, r := range toDeliver {
		if r.Callback != nil {
			r.Callback(Success, nil)
		}
	}
}

// AbortAfter implements §4.2's abort_after: removes every pending round
// with index > idx, invoking callbacks with AbortedResult in reverse order.
// newLastAdmitted is the caller's authoritative OpId for the new frontier
// (the log-matching path's preceding_op'), so Admit's ordering check stays
// correct after the truncation.
func (p *Rounds) AbortAfter(idx uint64, newLastAdmitted raftpd.OpId) {
	p.mu.Lock()
	var indexes []uint64
	for i := range p.byIndex {
		if i > idx {
			indexes = append(indexes, i)
		}
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] > indexes[j] })
	var toAbort []*Round
	for _, i := range indexes {
		toAbort = append(toAbort, p.byIndex[i])
		delete(p.byIndex, i)
	}
	if len(indexes) > 0 {
		p.lastAdmitted = newLastAdmitted
	}
	p.mu.Unlock()

	for _, r := range toAbort {
		if r.Callback != nil {
			r.Callback(AbortedResult, errs.New(errs.Aborted, "round aborted"))
		}
	}
}

// CheckBoundTerm implements §4.2's check_bound_term: a round admitted at
// term T must not be committed at any term T' != T.
func (p *Rounds) CheckBoundTerm(round *Round, currentTerm uint64) bool {
	if round.BoundTerm != currentTerm {
		if round.Callback != nil {
			round.Callback(AbortedResult, errs.New(errs.Aborted, "term mismatch at commit"))
		}
		return false
	}
	return true
}

// LastCommitted returns the last committed index.
func (p *Rounds) LastCommitted() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastCommitted
}

// LastAdmitted returns the last admitted OpId.
func (p *Rounds) LastAdmitted() raftpd.OpId {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastAdmitted
}

// Len returns the number of pending (not yet committed) rounds.
func (p *Rounds) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byIndex)
}

// TermAt returns the term of the pending round admitted at idx, and whether
// one exists -- used by the log-matching check (§4.8 step 6) to tell a true
// term conflict (round present, term differs) from a follower that is
// simply behind (no round at idx at all, e.g. it was already committed and
// delivered, or never admitted).
func (p *Rounds) TermAt(idx uint64) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.byIndex[idx]
	if !ok {
		return 0, false
	}
	return r.Id.Term, true
}
