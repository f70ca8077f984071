package queue

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/flexraft/consensus/raft/core/cache"
	"github.com/flexraft/consensus/raft/core/conf"
	"github.com/flexraft/consensus/raft/core/router"
	"github.com/flexraft/consensus/raft/proto"
)

type fakeObserver struct {
	commitAdvances []uint64
	healthChanges  int
}

func (f *fakeObserver) OnCommitIndexAdvanced(idx uint64)               { f.commitAdvances = append(f.commitAdvances, idx) }
func (f *fakeObserver) OnTermChanged(uint64)                           {}
func (f *fakeObserver) OnPeerFailed(uuid.UUID, uint64, string)         {}
func (f *fakeObserver) OnPeerReadyForPromotion(uuid.UUID)              {}
func (f *fakeObserver) OnPeerReadyToStartElection(uuid.UUID, []byte)   {}
func (f *fakeObserver) OnPeerHealthChanged()                           { f.healthChanges++ }

func threeVoterConfig(self uuid.UUID) (*conf.RaftConfig, uuid.UUID, uuid.UUID) {
	b, c := uuid.New(), uuid.New()
	return &conf.RaftConfig{
		Peers: []conf.PeerSpec{
			{UUID: self, Membership: raftpd.Voter, Region: "r"},
			{UUID: b, Membership: raftpd.Voter, Region: "r"},
			{UUID: c, Membership: raftpd.Voter, Region: "r"},
		},
		Rule: conf.CommitRule{Kind: conf.ClassicMajority},
	}, b, c
}

func TestHandlePeerResponseAdvancesMajorityCommit(t *testing.T) {
	self := uuid.New()
	cfg, b, c := threeVoterConfig(self)

	ca := cache.New(nil, false)
	obs := &fakeObserver{}
	q := New(self, "r", ca, router.Direct{}, obs)
	q.SetLeaderMode(0, 1, cfg)

	q.Append(&raftpd.ReplicateMsg{Id: raftpd.OpId{Term: 1, Index: 1}})

	higher, err := q.HandlePeerResponse(b, &raftpd.UpdateResponse{Status: raftpd.ExchangeOK, LastReceived: raftpd.OpId{Term: 1, Index: 1}})
	require.NoError(t, err)
	require.False(t, higher)

	require.Equal(t, uint64(1), q.CommittedIndex())
	require.Contains(t, obs.commitAdvances, uint64(1))

	_, err = q.HandlePeerResponse(c, &raftpd.UpdateResponse{Status: raftpd.ExchangeOK, LastReceived: raftpd.OpId{Term: 1, Index: 1}})
	require.NoError(t, err)
	require.Equal(t, uint64(1), q.CommittedIndex())
}

func TestHandlePeerResponseHigherTermStopsLeadership(t *testing.T) {
	self := uuid.New()
	cfg, b, _ := threeVoterConfig(self)

	ca := cache.New(nil, false)
	q := New(self, "r", ca, router.Direct{}, &fakeObserver{})
	q.SetLeaderMode(0, 1, cfg)

	higher, err := q.HandlePeerResponse(b, &raftpd.UpdateResponse{Status: raftpd.ExchangeInvalidTerm, CurrentTerm: 5})
	require.NoError(t, err)
	require.True(t, higher)
}

func TestHandlePeerResponseFromUntrackedPeerErrors(t *testing.T) {
	self := uuid.New()
	cfg, _, _ := threeVoterConfig(self)

	ca := cache.New(nil, false)
	q := New(self, "r", ca, router.Direct{}, &fakeObserver{})
	q.SetLeaderMode(0, 1, cfg)

	_, err := q.HandlePeerResponse(uuid.New(), &raftpd.UpdateResponse{Status: raftpd.ExchangeOK})
	require.Error(t, err)
}

func TestBuildRequestForNeedsCopyWhenBehindRetainedLog(t *testing.T) {
	self := uuid.New()
	cfg, b, _ := threeVoterConfig(self)

	ca := cache.New(nil, false)
	q := New(self, "r", ca, router.Direct{}, &fakeObserver{})
	q.SetLeaderMode(0, 1, cfg)
	q.Append(&raftpd.ReplicateMsg{Id: raftpd.OpId{Term: 1, Index: 1}})
	q.Append(&raftpd.ReplicateMsg{Id: raftpd.OpId{Term: 1, Index: 2}})

	// b acks index 1, so its NextIndex becomes 2; then the cache entry it
	// would need next is evicted out from under it, simulating a peer that
	// fell behind the leader's retention window.
	_, err := q.HandlePeerResponse(b, &raftpd.UpdateResponse{Status: raftpd.ExchangeOK, LastReceived: raftpd.OpId{Term: 1, Index: 1}})
	require.NoError(t, err)
	ca.Evict(3)

	built, err := q.BuildRequestFor(context.Background(), b, 1<<20)
	require.NoError(t, err)
	require.True(t, built.NeedsCopy)
}
