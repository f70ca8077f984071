package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/flexraft/consensus/raft/proto"
)

// UpdateHandler, VoteHandler and TimeoutNowHandler are the server-side
// callbacks a replica registers with an InMemory hub to receive the three
// RPCs.
type UpdateHandler func(ctx context.Context, from uuid.UUID, req *raftpd.UpdateRequest) (*raftpd.UpdateResponse, error)
type VoteHandler func(ctx context.Context, from uuid.UUID, req *raftpd.VoteRequest) (*raftpd.VoteResponse, error)
type TimeoutNowHandler func(ctx context.Context, from uuid.UUID, req *raftpd.TimeoutNowRequest) (*raftpd.TimeoutNowResponse, error)

// InMemory is a PeerTransport backed by direct in-process calls between
// registered endpoints, adapted from the teacher's simu/raft.Application
// callback wiring (simu/raft/app_callback.go) but without the external
// network-simulator dependency that package builds on: this hub is plain
// Go, suited for unit tests and cmd/demo rather than fault injection.
// Scenario-level partition/delay injection lives in package sim.
type InMemory struct {
	mu            sync.RWMutex
	self          uuid.UUID
	hub           *Hub
	onUpdate      UpdateHandler
	onVote        VoteHandler
	onTimeoutNow  TimeoutNowHandler
	cut           map[uuid.UUID]bool
}

// Hub is the shared registry every InMemory endpoint in a cluster joins.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[uuid.UUID]*InMemory
}

func NewHub() *Hub {
	return &Hub{endpoints: make(map[uuid.UUID]*InMemory)}
}

// Join registers self with the hub and returns its PeerTransport handle.
func (h *Hub) Join(self uuid.UUID) *InMemory {
	ep := &InMemory{self: self, hub: h, cut: make(map[uuid.UUID]bool)}
	h.mu.Lock()
	h.endpoints[self] = ep
	h.mu.Unlock()
	return ep
}

// Handle registers the endpoint's Update/Vote RPC callbacks; must be
// called before any peer sends to it.
func (ep *InMemory) Handle(onUpdate UpdateHandler, onVote VoteHandler) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.onUpdate = onUpdate
	ep.onVote = onVote
}

// HandleTimeoutNow registers the endpoint's TimeoutNow callback, used for
// graceful leadership transfer (§4.4/§6). Kept separate from Handle so
// callers that don't drive transfers never need to pass a nil third arg.
func (ep *InMemory) HandleTimeoutNow(onTimeoutNow TimeoutNowHandler) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.onTimeoutNow = onTimeoutNow
}

// CutLink simulates a one-directional network partition: with cut true,
// Send* to dest fails until CutLink(dest, false) restores the link.
func (ep *InMemory) CutLink(dest uuid.UUID, cut bool) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.cut[dest] = cut
}

func (ep *InMemory) peer(dest uuid.UUID) (*InMemory, error) {
	ep.mu.RLock()
	cut := ep.cut[dest]
	ep.mu.RUnlock()
	if cut {
		return nil, fmt.Errorf("transport: link to %s is cut", dest)
	}
	ep.hub.mu.RLock()
	defer ep.hub.mu.RUnlock()
	target, ok := ep.hub.endpoints[dest]
	if !ok {
		return nil, fmt.Errorf("transport: unknown peer %s", dest)
	}
	return target, nil
}

func (ep *InMemory) SendUpdate(ctx context.Context, dest uuid.UUID, req *raftpd.UpdateRequest) (*raftpd.UpdateResponse, error) {
	target, err := ep.peer(dest)
	if err != nil {
		return nil, err
	}
	target.mu.RLock()
	handler := target.onUpdate
	target.mu.RUnlock()
	if handler == nil {
		return nil, fmt.Errorf("transport: peer %s has no update handler", dest)
	}
	return handler(ctx, ep.self, req)
}

func (ep *InMemory) SendVoteRequest(ctx context.Context, dest uuid.UUID, req *raftpd.VoteRequest) (*raftpd.VoteResponse, error) {
	target, err := ep.peer(dest)
	if err != nil {
		return nil, err
	}
	target.mu.RLock()
	handler := target.onVote
	target.mu.RUnlock()
	if handler == nil {
		return nil, fmt.Errorf("transport: peer %s has no vote handler", dest)
	}
	return handler(ctx, ep.self, req)
}

func (ep *InMemory) SendTimeoutNow(ctx context.Context, dest uuid.UUID, req *raftpd.TimeoutNowRequest) (*raftpd.TimeoutNowResponse, error) {
	target, err := ep.peer(dest)
	if err != nil {
		return nil, err
	}
	target.mu.RLock()
	handler := target.onTimeoutNow
	target.mu.RUnlock()
	if handler == nil {
		return nil, fmt.Errorf("transport: peer %s has no timeout-now handler", dest)
	}
	return handler(ctx, ep.self, req)
}

var _ PeerTransport = (*InMemory)(nil)
