package election

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/flexraft/consensus/raft/core/conf"
	"github.com/flexraft/consensus/raft/core/state"
	"github.com/flexraft/consensus/raft/durable"
	"github.com/flexraft/consensus/raft/proto"
)

func newTestReplica(t *testing.T, self uuid.UUID, voters ...uuid.UUID) *state.Replica {
	t.Helper()
	store, err := durable.Open(t.TempDir())
	require.NoError(t, err)

	peers := []conf.PeerSpec{{UUID: self, Membership: raftpd.Voter, Region: "r"}}
	for _, v := range voters {
		peers = append(peers, conf.PeerSpec{UUID: v, Membership: raftpd.Voter, Region: "r"})
	}
	cfg := &conf.RaftConfig{Peers: peers, Rule: conf.CommitRule{Kind: conf.ClassicMajority}}

	r, err := state.New(self, "r", store, cfg)
	require.NoError(t, err)
	return r
}

func noOpLastReceived() raftpd.OpId { return raftpd.OpId{} }

func TestHandleRejectsUnknownCandidate(t *testing.T) {
	self := uuid.New()
	r := newTestReplica(t, self)

	resp := Handle(r, noOpLastReceived, &raftpd.VoteRequest{CandidateUUID: uuid.New(), CandidateTerm: 1})
	require.False(t, resp.Granted)
}

func TestHandleRejectsStaleTerm(t *testing.T) {
	self, candidate := uuid.New(), uuid.New()
	r := newTestReplica(t, self, candidate)
	require.NoError(t, r.AdvanceTerm(5, state.Flush))

	resp := Handle(r, noOpLastReceived, &raftpd.VoteRequest{CandidateUUID: candidate, CandidateTerm: 3})
	require.False(t, resp.Granted)
	require.Equal(t, uint64(5), resp.Term)
}

func TestHandleRejectsWhenLeaderIsAlive(t *testing.T) {
	self, candidate, leader := uuid.New(), uuid.New(), uuid.New()
	r := newTestReplica(t, self, candidate, leader)
	r.SetLeader(leader)

	resp := Handle(r, noOpLastReceived, &raftpd.VoteRequest{CandidateUUID: candidate, CandidateTerm: 1, IsPreElection: true})
	require.False(t, resp.Granted)

	resp = Handle(r, noOpLastReceived, &raftpd.VoteRequest{CandidateUUID: candidate, CandidateTerm: 1})
	require.False(t, resp.Granted, "leader-is-alive applies to real elections too, not just pre-elections")
}

func TestHandleGrantsRealElectionAndRecordsVote(t *testing.T) {
	self, candidate := uuid.New(), uuid.New()
	r := newTestReplica(t, self, candidate)

	resp := Handle(r, noOpLastReceived, &raftpd.VoteRequest{CandidateUUID: candidate, CandidateTerm: 1})
	require.True(t, resp.Granted)
	require.Equal(t, state.Follower, r.Role())
	require.Equal(t, candidate, *r.VotedFor())
}

func TestHandleRejectsSecondVoteSameTerm(t *testing.T) {
	self, a, b := uuid.New(), uuid.New(), uuid.New()
	r := newTestReplica(t, self, a, b)

	first := Handle(r, noOpLastReceived, &raftpd.VoteRequest{CandidateUUID: a, CandidateTerm: 1})
	require.True(t, first.Granted)

	second := Handle(r, noOpLastReceived, &raftpd.VoteRequest{CandidateUUID: b, CandidateTerm: 1})
	require.False(t, second.Granted)
}

func TestHandleGrantsPreElectionWithoutRecordingVote(t *testing.T) {
	self, candidate := uuid.New(), uuid.New()
	r := newTestReplica(t, self, candidate)

	resp := Handle(r, noOpLastReceived, &raftpd.VoteRequest{CandidateUUID: candidate, CandidateTerm: 1, IsPreElection: true})
	require.True(t, resp.Granted)
	require.Nil(t, r.VotedFor(), "pre-elections must not mutate persisted vote state")
}
