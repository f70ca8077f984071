package state

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/flexraft/consensus/raft/core/conf"
	"github.com/flexraft/consensus/raft/durable"
	"github.com/flexraft/consensus/raft/proto"
)

func newReplica(t *testing.T) (*Replica, uuid.UUID) {
	t.Helper()
	store, err := durable.Open(t.TempDir())
	require.NoError(t, err)
	self := uuid.New()
	cfg := &conf.RaftConfig{
		Peers: []conf.PeerSpec{{UUID: self, Membership: raftpd.Voter, Region: "r"}},
		Rule:  conf.CommitRule{Kind: conf.ClassicMajority},
	}
	r, err := New(self, "r", store, cfg)
	require.NoError(t, err)
	return r, self
}

func TestBecomeCandidateAdvancesTermAndVotesSelf(t *testing.T) {
	r, self := newReplica(t)
	require.NoError(t, r.BecomeCandidate())
	require.Equal(t, uint64(1), r.CurrentTerm())
	require.Equal(t, Candidate, r.Role())
	require.Equal(t, self, *r.VotedFor())
}

func TestBecomeLeaderRequiresCandidateRole(t *testing.T) {
	r, self := newReplica(t)
	require.NoError(t, r.BecomeCandidate())
	r.BecomeLeader()
	require.Equal(t, Leader, r.Role())
	require.Equal(t, self, *r.LeaderUUID())
}

func TestAdvanceTermClearsVoteAndLeader(t *testing.T) {
	r, candidate := newReplica(t)
	require.NoError(t, r.RecordVote(candidate))
	r.SetLeader(candidate)

	require.NoError(t, r.AdvanceTerm(5, Flush))
	require.Equal(t, uint64(5), r.CurrentTerm())
	require.Nil(t, r.VotedFor())
	require.Nil(t, r.LeaderUUID())
}

func TestAdvanceTermRejectsNonIncreasing(t *testing.T) {
	r, _ := newReplica(t)
	require.NoError(t, r.AdvanceTerm(3, Flush))
	require.Error(t, r.AdvanceTerm(3, Flush))
	require.Error(t, r.AdvanceTerm(2, Flush))
}

func TestAdvanceTermStepsDownALeader(t *testing.T) {
	r, _ := newReplica(t)
	require.NoError(t, r.BecomeCandidate())
	r.BecomeLeader()

	stepDownCalled := false
	r.SetOnLeaderStepDown(func() { stepDownCalled = true })

	require.NoError(t, r.AdvanceTerm(10, Flush))
	require.Equal(t, Follower, r.Role())
	require.True(t, stepDownCalled)
}

func TestRecordVoteRejectsSecondVoteSameTerm(t *testing.T) {
	r, a := newReplica(t)
	require.NoError(t, r.RecordVote(a))
	require.Error(t, r.RecordVote(uuid.New()))
}

func TestVoteHistoryIsPrunedPastCapacity(t *testing.T) {
	r, _ := newReplica(t)
	r.maxVoteHistory = 2
	require.NoError(t, r.AdvanceTerm(1, Flush))
	require.NoError(t, r.RecordVote(uuid.New()))
	require.NoError(t, r.AdvanceTerm(2, Flush))
	require.NoError(t, r.RecordVote(uuid.New()))
	require.NoError(t, r.AdvanceTerm(3, Flush))
	require.NoError(t, r.RecordVote(uuid.New()))

	hist, pruned := r.VoteHistory()
	require.LessOrEqual(t, len(hist), 2)
	require.Greater(t, pruned, uint64(0))
}

func TestSetPendingConfigRejectsConcurrentChange(t *testing.T) {
	r, self := newReplica(t)
	next := &conf.RaftConfig{
		Peers: []conf.PeerSpec{{UUID: self, Membership: raftpd.Voter, Region: "r"}, {UUID: uuid.New(), Membership: raftpd.Voter, Region: "r"}},
		Rule:  conf.CommitRule{Kind: conf.ClassicMajority},
	}
	require.NoError(t, r.SetPendingConfig(next, false))
	require.Error(t, r.SetPendingConfig(next, false))
	require.NoError(t, r.SetPendingConfig(next, true))
}

func TestCommitPendingConfigRequiresMatchingCasIndex(t *testing.T) {
	r, self := newReplica(t)
	next := &conf.RaftConfig{
		Peers:     []conf.PeerSpec{{UUID: self, Membership: raftpd.Voter, Region: "r"}},
		Rule:      conf.CommitRule{Kind: conf.ClassicMajority},
		OpIdIndex: 5,
	}
	require.NoError(t, r.SetPendingConfig(next, false))

	mismatched := *next
	mismatched.OpIdIndex = 6
	require.Error(t, r.CommitPendingConfig(&mismatched, false))
	require.NoError(t, r.CommitPendingConfig(next, false))
	require.Nil(t, r.PendingConfig())
}

func TestReplicaPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := durable.Open(dir)
	require.NoError(t, err)
	self := uuid.New()
	cfg := &conf.RaftConfig{
		Peers: []conf.PeerSpec{{UUID: self, Membership: raftpd.Voter, Region: "r"}},
		Rule:  conf.CommitRule{Kind: conf.ClassicMajority},
	}
	r, err := New(self, "r", store, cfg)
	require.NoError(t, err)
	require.NoError(t, r.AdvanceTerm(7, Flush))

	store2, err := durable.Open(dir)
	require.NoError(t, err)
	reopened, err := New(self, "r", store2, cfg)
	require.NoError(t, err)
	require.Equal(t, uint64(7), reopened.CurrentTerm())
}
