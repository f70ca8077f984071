package durable

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/flexraft/consensus/raft/core/conf"
	"github.com/flexraft/consensus/raft/proto"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)

	self := uuid.New()
	rec := &Record{
		CurrentTerm: 3,
		VotedFor:    &self,
		CommittedConfig: &conf.RaftConfig{
			Peers: []conf.PeerSpec{{UUID: self, Membership: raftpd.Voter, Region: "r"}},
			Rule:  conf.CommitRule{Kind: conf.ClassicMajority},
		},
	}
	require.NoError(t, store.Save(rec))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, rec.CurrentTerm, loaded.CurrentTerm)
	require.Equal(t, *rec.VotedFor, *loaded.VotedFor)
	require.Equal(t, rec.CommittedConfig.Peers[0].UUID, loaded.CommittedConfig.Peers[0].UUID)
}

func TestLoadOnEmptyDirReturnsZeroRecord(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)

	rec, err := store.Load()
	require.NoError(t, err)
	require.Nil(t, rec.CommittedConfig)
	require.Equal(t, uint64(0), rec.CurrentTerm)
}

func TestLoadDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, store.Save(&Record{CurrentTerm: 1}))

	path := filepath.Join(dir, "consensus-meta")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = store.Load()
	require.Error(t, err)
}

func TestVarsRoundTrip(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)

	token := "abc"
	require.NoError(t, store.SaveVars(&Vars{AllowStartElection: true, RPCToken: &token}))

	loaded, err := store.LoadVars()
	require.NoError(t, err)
	require.True(t, loaded.AllowStartElection)
	require.Equal(t, "abc", *loaded.RPCToken)
}
