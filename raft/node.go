// Package raft wires the core/{state,pending,cache,queue,election,
// pipeline,fd} packages into a single replica handle, the way the
// teacher's raft.Raft wires core.Raft + a WAL + a timer + a transport
// (raft/raft.go). This module's split across more packages than the
// teacher's single core.Raft interface, so Node's job is purely
// composition -- every piece of consensus logic itself lives in the
// package that owns it.
package raft

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/google/uuid"

	"github.com/flexraft/consensus/raft/core/cache"
	"github.com/flexraft/consensus/raft/core/conf"
	"github.com/flexraft/consensus/raft/core/election"
	"github.com/flexraft/consensus/raft/core/fd"
	"github.com/flexraft/consensus/raft/core/pending"
	"github.com/flexraft/consensus/raft/core/pipeline"
	"github.com/flexraft/consensus/raft/core/queue"
	"github.com/flexraft/consensus/raft/core/router"
	"github.com/flexraft/consensus/raft/core/state"
	"github.com/flexraft/consensus/raft/durable"
	"github.com/flexraft/consensus/raft/errs"
	"github.com/flexraft/consensus/raft/proto"
	"github.com/flexraft/consensus/raft/transport"
)

// ElectionTimeoutBase and ElectionTimeoutJitter parameterize the §5
// failure detector, mirroring the teacher's electionTick/heartbeatTick
// configuration knobs (raft/core/conf.Config.ElectionTick).
const (
	ElectionTimeoutBase   = 500 * time.Millisecond
	ElectionTimeoutJitter = 500 * time.Millisecond
)

// Node is one replica: the composition root tying ReplicaState,
// PendingRounds, LogCache, ReplicationQueue, the election driver, the
// failure detector and the (possibly absent) leader pipeline together.
type Node struct {
	mu sync.Mutex

	replica *state.Replica
	rounds  *pending.Rounds
	cache   *cache.Cache
	q       *queue.Queue
	xport   transport.PeerTransport
	timer   *fd.Timer
	driver  *election.Driver
	handler *pipeline.Handler

	pipeline *pipeline.Pipeline

	tabletID string
	stopped  bool
}

// New builds a Node for selfUUID/region, persisting consensus metadata
// through store, bootstrapping initial as the committed configuration if
// store has no prior record, and communicating over xport.
func New(selfUUID uuid.UUID, region, tabletID string, store *durable.MetadataStore, initial *conf.RaftConfig, xport transport.PeerTransport, r router.Router) (*Node, error) {
	replica, err := state.New(selfUUID, region, store, initial)
	if err != nil {
		return nil, err
	}
	rounds := pending.New()
	c := cache.New(nil, false)

	n := &Node{
		replica:  replica,
		rounds:   rounds,
		cache:    c,
		xport:    xport,
		tabletID: tabletID,
	}

	q := queue.New(selfUUID, region, c, r, &nodeObserver{n: n})
	n.q = q
	n.timer = fd.New(ElectionTimeoutBase, ElectionTimeoutJitter, n.onTimerExpired)
	n.handler = pipeline.NewHandler(replica, rounds, q, c, n.timer)
	n.driver = election.NewDriver(replica, xport, n.lastReceived, tabletID)

	replica.SetOnLeaderStepDown(n.onStepDown)
	return n, nil
}

func (n *Node) lastReceived() raftpd.OpId { return n.rounds.LastAdmitted() }

// Start enters RUNNING and, if this replica is currently a VOTER, arms
// the failure detector, mirroring the teacher's MakeRaft immediately
// scheduling its first tick.
func (n *Node) Start() {
	n.replica.TransitionLifecycle(state.Initialized)
	n.replica.TransitionLifecycle(state.Running)
	if n.isVoter() {
		n.timer.Enable()
	}
}

func (n *Node) isVoter() bool {
	cfg := n.replica.ActiveConfig()
	p, ok := cfg.FindPeer(n.replica.SelfUUID())
	return ok && p.Membership == raftpd.Voter
}

// HandleUpdate services an incoming UpdateRequest (follower path, §4.8).
func (n *Node) HandleUpdate(_ context.Context, _ uuid.UUID, req *raftpd.UpdateRequest) (*raftpd.UpdateResponse, error) {
	return n.handler.Update(req), nil
}

// HandleVoteRequest services an incoming VoteRequest (§4.6).
func (n *Node) HandleVoteRequest(_ context.Context, _ uuid.UUID, req *raftpd.VoteRequest) (*raftpd.VoteResponse, error) {
	return election.Handle(n.replica, n.lastReceived, req), nil
}

// HandleTimeoutNow services an incoming TimeoutNowRequest: the leader-side
// counterpart to TransferLeadership, telling this replica to start a real
// election right now instead of waiting out its own failure-detector
// timeout (§4.4/§6's graceful transfer).
func (n *Node) HandleTimeoutNow(_ context.Context, _ uuid.UUID, req *raftpd.TimeoutNowRequest) (*raftpd.TimeoutNowResponse, error) {
	currentTerm := n.replica.CurrentTerm()
	if req.CallerTerm < currentTerm {
		return &raftpd.TimeoutNowResponse{CurrentTerm: currentTerm, Accepted: false, ErrorCode: string(errs.InvalidTerm)}, nil
	}
	if !n.isVoter() || n.replica.Role() == state.Leader {
		return &raftpd.TimeoutNowResponse{CurrentTerm: currentTerm, Accepted: false, ErrorCode: string(errs.IllegalState)}, nil
	}
	go n.runTransferElection()
	return &raftpd.TimeoutNowResponse{CurrentTerm: currentTerm, Accepted: true}, nil
}

// runTransferElection is onTimerExpired's counterpart for the transfer
// path: the outgoing leader already vouched for this replica being caught
// up, so it skips the pre-election round and campaigns directly.
func (n *Node) runTransferElection() {
	n.replica.ClearLeader()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	outcome, err := n.driver.RunElection(ctx, false)
	if err != nil {
		log.Warnf("%s transfer election failed: %v", n.replica.SelfUUID(), err)
		return
	}
	if outcome.Decision != election.Granted {
		n.replica.IncFailedElections()
		n.timer.Snooze()
		return
	}
	n.becomeLeader()
}

func (n *Node) onTimerExpired() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	n.replica.ClearLeader()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	outcome, err := n.driver.RunElection(ctx, true)
	if err != nil {
		log.Warnf("%s pre-election failed: %v", n.replica.SelfUUID(), err)
		return
	}
	if outcome.Decision != election.Granted {
		n.replica.IncFailedElections()
		n.timer.Snooze()
		return
	}

	outcome, err = n.driver.RunElection(ctx, false)
	if err != nil {
		log.Warnf("%s election failed: %v", n.replica.SelfUUID(), err)
		return
	}
	if outcome.Decision != election.Granted {
		n.replica.IncFailedElections()
		n.timer.Snooze()
		return
	}

	n.becomeLeader()
}

func (n *Node) becomeLeader() {
	n.replica.BecomeLeader()
	n.timer.Disable()

	n.mu.Lock()
	p := pipeline.New(n.replica, n.rounds, n.q, n.xport)
	n.pipeline = p
	n.mu.Unlock()

	p.Start(context.Background())
}

func (n *Node) onStepDown() {
	n.mu.Lock()
	p := n.pipeline
	n.pipeline = nil
	n.mu.Unlock()

	if p != nil {
		p.Close()
	}
	n.q.SetNonLeaderMode(n.replica.ActiveConfig())
	if n.isVoter() {
		n.timer.Enable()
	}
}

// Propose submits a client operation, valid only while this Node is
// leader.
func (n *Node) Propose(payload []byte, callback func(pending.Result, error)) error {
	n.mu.Lock()
	p := n.pipeline
	n.mu.Unlock()
	if p == nil {
		return errs.New(errs.IllegalState, "not leader")
	}
	return p.Propose(raftpd.OpData, payload, callback)
}

// TransferLeadership implements §4.4/§6's external transfer_leadership():
// begins watching a successor (a specific target, or the first tracked
// peer satisfying filter) for log catch-up; once it catches up, the queue
// notifies nodeObserver.OnPeerReadyToStartElection, which sends it
// TimeoutNow. Returns an error only if this Node isn't currently leader --
// the transfer itself proceeds asynchronously.
func (n *Node) TransferLeadership(target *uuid.UUID, filter func(*queue.Peer) bool) error {
	if n.replica.Role() != state.Leader {
		return errs.New(errs.IllegalState, "only the leader may transfer leadership")
	}
	transferCtx := []byte(n.replica.SelfUUID().String())
	n.q.BeginWatchForSuccessor(target, filter, transferCtx)
	return nil
}

// CancelTransfer implements §4.4/§6's cancel_transfer(): clears any pending
// successor watch, leaving this Node as leader.
func (n *Node) CancelTransfer() {
	n.q.CancelWatch()
}

// StepDown implements §4.4/§6's step_down(): an unconditional abdication
// with no successor lined up, reusing the same FOLLOWER transition
// (and onStepDown pipeline teardown) a higher-term loss already drives.
func (n *Node) StepDown() error {
	if n.replica.Role() != state.Leader {
		return errs.New(errs.IllegalState, "not leader")
	}
	n.replica.BecomeFollower(n.replica.CurrentTerm(), nil)
	return nil
}

// Stop transitions the node to STOPPED, disabling the timer and closing
// any active pipeline.
func (n *Node) Stop() {
	n.mu.Lock()
	n.stopped = true
	p := n.pipeline
	n.mu.Unlock()

	n.timer.Disable()
	if p != nil {
		p.Close()
	}
	n.replica.TransitionLifecycle(state.Stopping)
	n.replica.TransitionLifecycle(state.Stopped)
}

// Replica exposes the underlying ReplicaState for diagnostics (status
// pages, tests).
func (n *Node) Replica() *state.Replica { return n.replica }

// Queue exposes the underlying ReplicationQueue for diagnostics.
func (n *Node) Queue() *queue.Queue { return n.q }

// nodeObserver implements state.Observer (§6) on Node's behalf: queue
// notifications flow into PendingRounds' commit advancement and into the
// logs, never back into queue_lock, per §5's ordering rule.
type nodeObserver struct {
	n *Node
}

func (o *nodeObserver) OnCommitIndexAdvanced(idx uint64) {
	o.n.rounds.AdvanceCommittedTo(idx)
}

func (o *nodeObserver) OnTermChanged(term uint64) {
	log.Debugf("%s observed term change to %d", o.n.replica.SelfUUID(), term)
}

func (o *nodeObserver) OnPeerFailed(id uuid.UUID, term uint64, reason string) {
	log.Warnf("%s peer %s failed at term %d: %s", o.n.replica.SelfUUID(), id, term, reason)
}

func (o *nodeObserver) OnPeerReadyForPromotion(id uuid.UUID) {
	log.Infof("%s peer %s caught up and is ready for voter promotion", o.n.replica.SelfUUID(), id)
}

// OnPeerReadyToStartElection fires once the successor watched via
// begin_watch_for_successor has caught up: it sends that successor
// TimeoutNow so it campaigns immediately instead of waiting out its own
// failure-detector timeout, completing the graceful transfer.
func (o *nodeObserver) OnPeerReadyToStartElection(id uuid.UUID, transferCtx []byte) {
	log.Infof("%s successor %s is ready to start an election (transfer)", o.n.replica.SelfUUID(), id)

	req := &raftpd.TimeoutNowRequest{
		CallerUUID:  o.n.replica.SelfUUID(),
		CallerTerm:  o.n.replica.CurrentTerm(),
		TransferCtx: transferCtx,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := o.n.xport.SendTimeoutNow(ctx, id, req); err != nil {
		log.Warnf("%s transfer-leadership timeout-now to %s failed: %v", o.n.replica.SelfUUID(), id, err)
	}
}

func (o *nodeObserver) OnPeerHealthChanged() {
	log.Debugf("%s peer health changed", o.n.replica.SelfUUID())
}
