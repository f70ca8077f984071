package conf

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/flexraft/consensus/raft/proto"
)

func TestValidateRejectsDuplicatePeers(t *testing.T) {
	id := uuid.New()
	cfg := &RaftConfig{Peers: []PeerSpec{
		{UUID: id, Membership: raftpd.Voter},
		{UUID: id, Membership: raftpd.Voter},
	}}
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsNoVoters(t *testing.T) {
	cfg := &RaftConfig{Peers: []PeerSpec{{UUID: uuid.New(), Membership: raftpd.NonVoter}}}
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsEmptyStaticPredicates(t *testing.T) {
	cfg := &RaftConfig{
		Peers: []PeerSpec{{UUID: uuid.New(), Membership: raftpd.Voter}},
		Rule:  CommitRule{Kind: StaticDisjunction},
	}
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsOversizedSubset(t *testing.T) {
	cfg := &RaftConfig{
		Peers: []PeerSpec{{UUID: uuid.New(), Membership: raftpd.Voter}},
		Rule: CommitRule{
			Kind:       StaticConjunction,
			Predicates: []RulePredicate{{Regions: []string{"r1"}, RegionsSubsetSize: 2}},
		},
	}
	require.Error(t, cfg.Validate())
}

func TestVotersFiltersNonVoters(t *testing.T) {
	voter, nonVoter := uuid.New(), uuid.New()
	cfg := &RaftConfig{Peers: []PeerSpec{
		{UUID: voter, Membership: raftpd.Voter},
		{UUID: nonVoter, Membership: raftpd.NonVoter},
	}}
	voters := cfg.Voters()
	require.Len(t, voters, 1)
	require.Equal(t, voter, voters[0].UUID)
}

func TestFindPeer(t *testing.T) {
	id := uuid.New()
	cfg := &RaftConfig{Peers: []PeerSpec{{UUID: id, Membership: raftpd.Voter}}}

	found, ok := cfg.FindPeer(id)
	require.True(t, ok)
	require.Equal(t, id, found.UUID)

	_, ok = cfg.FindPeer(uuid.New())
	require.False(t, ok)
}

func TestDiffersInMoreThanOneVoter(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	base := &RaftConfig{Peers: []PeerSpec{
		{UUID: a, Membership: raftpd.Voter},
		{UUID: b, Membership: raftpd.Voter},
		{UUID: c, Membership: raftpd.Voter},
	}}

	oneChange := &RaftConfig{Peers: []PeerSpec{
		{UUID: a, Membership: raftpd.Voter},
		{UUID: b, Membership: raftpd.NonVoter},
		{UUID: c, Membership: raftpd.Voter},
	}}
	require.False(t, base.DiffersInMoreThanOneVoter(oneChange))

	twoChanges := &RaftConfig{Peers: []PeerSpec{
		{UUID: a, Membership: raftpd.Voter},
		{UUID: b, Membership: raftpd.NonVoter},
		{UUID: c, Membership: raftpd.NonVoter},
	}}
	require.True(t, base.DiffersInMoreThanOneVoter(twoChanges))
}
