// Package election implements ElectionDriver and the two VoteCounter
// variants (§4.6). Adapted from the teacher's candidate-path fields
// (core.core.vote, resetNodesVoteState in raft/core/core_internal.go) and
// its peer.VoteState enum (raft/core/peer/state.go), generalized from a
// flat yes/no tally to the region-aware FlexibleVoteCounter the spec
// requires.
package election

import (
	"sync"

	"github.com/google/uuid"

	"github.com/flexraft/consensus/raft/errs"
)

// Decision is a VoteCounter's outcome.
type Decision int

const (
	Undecided Decision = iota
	Granted
	Denied
)

func (d Decision) String() string {
	switch d {
	case Granted:
		return "GRANTED"
	case Denied:
		return "DENIED"
	default:
		return "UNDECIDED"
	}
}

// HistoryEntry mirrors raftpd.VoteHistoryEntry without importing raftpd, so
// the election package's core algorithms stay free of wire-type coupling.
type HistoryEntry struct {
	Candidate     uuid.UUID
	GrantedToTerm uint64
}

// VoteExtra carries the flexible-quorum diagnostic fields a VoteResponse
// adds on top of the classic grant/deny bit; the classic Counter above
// never looks at it.
type VoteExtra struct {
	VoterRegion         string
	ResponderTerm       uint64
	LastKnownLeaderTerm uint64
	LastKnownLeaderUUID uuid.UUID
	VoteHistory         map[uint64]HistoryEntry
	LastPrunedTerm      uint64
}

// Counter is the classic majority VoteCounter (§4.6).
type Counter struct {
	mu sync.Mutex

	majoritySize int
	voterCount   int

	votes map[uuid.UUID]bool
	yes   int
	no    int
}

// NewCounter returns a Counter requiring majoritySize granted votes out of
// voterCount total voters (including self).
func NewCounter(majoritySize, voterCount int) *Counter {
	return &Counter{majoritySize: majoritySize, voterCount: voterCount, votes: make(map[uuid.UUID]bool)}
}

// RegisterVote implements §4.6's vote-registration contract: rejects a
// voter whose second vote differs from its first, ignores duplicates
// identically voted.
func (c *Counter) RegisterVote(voterUUID uuid.UUID, granted bool) (Decision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prior, ok := c.votes[voterUUID]; ok {
		if prior != granted {
			return c.decisionLocked(), errs.New(errs.IllegalState, "voter switched its vote mid-election")
		}
		return c.decisionLocked(), nil
	}

	c.votes[voterUUID] = granted
	if granted {
		c.yes++
	} else {
		c.no++
	}
	return c.decisionLocked(), nil
}

func (c *Counter) decisionLocked() Decision {
	if c.yes >= c.majoritySize {
		return Granted
	}
	if c.no > c.voterCount-c.majoritySize {
		return Denied
	}
	return Undecided
}

// Decision returns the counter's current decision without registering a
// vote.
func (c *Counter) Decision() Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.decisionLocked()
}
