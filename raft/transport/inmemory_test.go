package transport

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/flexraft/consensus/raft/proto"
)

func TestSendUpdateDeliversToRegisteredHandler(t *testing.T) {
	hub := NewHub()
	a, b := uuid.New(), uuid.New()
	epA := hub.Join(a)
	epB := hub.Join(b)

	var received uuid.UUID
	epB.Handle(func(ctx context.Context, from uuid.UUID, req *raftpd.UpdateRequest) (*raftpd.UpdateResponse, error) {
		received = from
		return &raftpd.UpdateResponse{Status: raftpd.ExchangeOK}, nil
	}, nil)

	resp, err := epA.SendUpdate(context.Background(), b, &raftpd.UpdateRequest{})
	require.NoError(t, err)
	require.Equal(t, raftpd.ExchangeOK, resp.Status)
	require.Equal(t, a, received)
}

func TestSendToUnknownPeerErrors(t *testing.T) {
	hub := NewHub()
	a := hub.Join(uuid.New())

	_, err := a.SendUpdate(context.Background(), uuid.New(), &raftpd.UpdateRequest{})
	require.Error(t, err)
}

func TestSendToPeerWithNoHandlerErrors(t *testing.T) {
	hub := NewHub()
	a := hub.Join(uuid.New())
	b := uuid.New()
	hub.Join(b)

	_, err := a.SendUpdate(context.Background(), b, &raftpd.UpdateRequest{})
	require.Error(t, err)
}

func TestCutLinkBlocksSendUntilRestored(t *testing.T) {
	hub := NewHub()
	a, b := uuid.New(), uuid.New()
	epA := hub.Join(a)
	epB := hub.Join(b)
	epB.Handle(nil, func(ctx context.Context, from uuid.UUID, req *raftpd.VoteRequest) (*raftpd.VoteResponse, error) {
		return &raftpd.VoteResponse{Granted: true}, nil
	})

	epA.CutLink(b, true)
	_, err := epA.SendVoteRequest(context.Background(), b, &raftpd.VoteRequest{})
	require.Error(t, err)

	epA.CutLink(b, false)
	resp, err := epA.SendVoteRequest(context.Background(), b, &raftpd.VoteRequest{})
	require.NoError(t, err)
	require.True(t, resp.Granted)
}
