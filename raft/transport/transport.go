// Package transport defines PeerTransport (§2), the boundary between the
// consensus core and whatever RPC mechanism carries UpdateRequest/
// VoteRequest/TimeoutNowRequest to a peer. Adapted from the teacher's
// raft.Transport (raft/transport.go), which wraps utils/pd.Message in a
// single Send method; split here into per-RPC methods because each request
// has a distinct response shape and the core dispatches them from
// different packages (pipeline vs election vs the Node's own transfer
// logic).
package transport

import (
	"context"

	"github.com/google/uuid"

	"github.com/flexraft/consensus/raft/proto"
)

// PeerTransport sends the three core RPCs to a named peer and returns its
// response. Implementations own connection management, retries and
// timeouts are the caller's responsibility via ctx.
type PeerTransport interface {
	SendUpdate(ctx context.Context, peer uuid.UUID, req *raftpd.UpdateRequest) (*raftpd.UpdateResponse, error)
	SendVoteRequest(ctx context.Context, peer uuid.UUID, req *raftpd.VoteRequest) (*raftpd.VoteResponse, error)
	SendTimeoutNow(ctx context.Context, peer uuid.UUID, req *raftpd.TimeoutNowRequest) (*raftpd.TimeoutNowResponse, error)
}
