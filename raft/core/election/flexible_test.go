package election

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/flexraft/consensus/raft/core/conf"
)

func TestFlexibleCounterGrantsWhenNonCandidateRegionsSatisfied(t *testing.T) {
	now := time.Unix(0, 0)
	dist := conf.VoterDistribution{"R1": 3, "R2": 3}
	c := NewFlexibleCounter(5, "R1", uuid.New(), dist, time.Second, now)
	c.AlwaysIncludeCandidateRegion = false

	a, b := uuid.New(), uuid.New()
	d := c.RegisterVote(a, true, "R2", VoteExtra{})
	require.Equal(t, Undecided, d)
	d = c.RegisterVote(b, true, "R2", VoteExtra{})
	require.Equal(t, Granted, d, "with AlwaysIncludeCandidateRegion off, R1 is the candidate's own region and is skipped; only R2's majority is required")
}

func TestFlexibleCounterDeniesWhenRegionBecomesImpossible(t *testing.T) {
	now := time.Unix(0, 0)
	dist := conf.VoterDistribution{"R1": 3, "R2": 3}
	c := NewFlexibleCounter(5, "R1", uuid.New(), dist, time.Second, now)

	a, b := uuid.New(), uuid.New()
	d := c.RegisterVote(a, false, "R2", VoteExtra{})
	require.Equal(t, Undecided, d)
	d = c.RegisterVote(b, false, "R2", VoteExtra{})
	require.Equal(t, Denied, d, "2 of 3 R2 voters denied: 1 remaining can never reach a 2-vote majority")
}

func TestFlexibleCounterUnknownRegionIgnored(t *testing.T) {
	now := time.Unix(0, 0)
	dist := conf.VoterDistribution{"R1": 3}
	c := NewFlexibleCounter(5, "R1", uuid.New(), dist, time.Second, now)

	stray := uuid.New()
	d := c.RegisterVote(stray, true, "R3", VoteExtra{})
	require.Equal(t, Undecided, d)
}

func TestFlexibleCounterDuplicateVoteIsNoOp(t *testing.T) {
	now := time.Unix(0, 0)
	dist := conf.VoterDistribution{"R1": 3, "R2": 3}
	c := NewFlexibleCounter(5, "R1", uuid.New(), dist, time.Second, now)

	a := uuid.New()
	c.RegisterVote(a, true, "R2", VoteExtra{})
	d := c.RegisterVote(a, true, "R2", VoteExtra{})
	require.Equal(t, Undecided, d)
}

func TestFlexibleCounterPollStaysUndecidedPastDeadlineWithoutImpossibility(t *testing.T) {
	now := time.Unix(0, 0)
	dist := conf.VoterDistribution{"R1": 3, "R2": 3}
	c := NewFlexibleCounter(5, "R1", uuid.New(), dist, time.Second, now)

	a := uuid.New()
	c.RegisterVote(a, true, "R2", VoteExtra{})

	require.Equal(t, Undecided, c.Poll(now.Add(2*time.Second)))
}

func TestFastPathApplicableStrictLEQ(t *testing.T) {
	c := NewFlexibleCounter(5, "R1", uuid.New(), conf.VoterDistribution{"R1": 1}, time.Second, time.Unix(0, 0))
	require.True(t, c.FastPathApplicable(4))
	require.False(t, c.FastPathApplicable(3))
	require.False(t, c.FastPathApplicable(5))
}

func TestReconstructVote(t *testing.T) {
	candidate := uuid.New()
	history := map[uint64]HistoryEntry{5: {Candidate: candidate, GrantedToTerm: 5}}

	granted, determinable := ReconstructVote(5, candidate, history, 0)
	require.True(t, determinable)
	require.True(t, granted)

	granted, determinable = ReconstructVote(5, uuid.New(), history, 0)
	require.True(t, determinable)
	require.False(t, granted)

	_, determinable = ReconstructVote(5, candidate, history, 5)
	require.False(t, determinable, "pruned past candidateTerm makes the history unusable")

	granted, determinable = ReconstructVote(7, candidate, map[uint64]HistoryEntry{}, 0)
	require.True(t, determinable)
	require.True(t, granted, "no entry at all for a later term means it never voted against this candidate")
}
