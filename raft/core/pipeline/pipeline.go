// Package pipeline implements the leader-side replication loop (§4.7) and
// the follower update handler (§4.8). Adapted from the teacher's
// core.sendAppend/core.handleAppendEntries pair (raft/core/core_internal.go,
// raft/core/core_handle.go): the teacher drives one goroutine per message
// send through raw_node's ready loop, whereas this module gives each
// tracked peer its own single-outstanding-request goroutine directly on
// top of transport.PeerTransport, since there is no surrounding Ready()
// batching layer here to piggyback on.
package pipeline

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/google/uuid"

	"github.com/flexraft/consensus/raft/core/cache"
	"github.com/flexraft/consensus/raft/core/conf"
	"github.com/flexraft/consensus/raft/core/fd"
	"github.com/flexraft/consensus/raft/core/pending"
	"github.com/flexraft/consensus/raft/core/queue"
	"github.com/flexraft/consensus/raft/core/state"
	"github.com/flexraft/consensus/raft/errs"
	"github.com/flexraft/consensus/raft/proto"
	"github.com/flexraft/consensus/raft/transport"
	"github.com/flexraft/consensus/utils"
)

// HeartbeatInterval is how often the pipeline sends an empty request to a
// peer with nothing new to replicate (§4.7).
const HeartbeatInterval = 200 * time.Millisecond

const maxRequestBytes = 1 << 20

// Pipeline drives replication for a replica that is currently LEADER. One
// Pipeline exists per leadership tenure; it is closed and discarded on
// step-down (§4.7, §5's "cancelled whenever the replica leaves LEADER").
type Pipeline struct {
	replica *state.Replica
	rounds  *pending.Rounds
	q       *queue.Queue
	xport   transport.PeerTransport

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

func New(replica *state.Replica, rounds *pending.Rounds, q *queue.Queue, xport transport.PeerTransport) *Pipeline {
	return &Pipeline{replica: replica, rounds: rounds, q: q, xport: xport}
}

// Start implements §4.7's becoming-leader sequence: drain/rebuild per-peer
// state, enter leader mode on the queue, append a NO_OP so
// first_index_in_current_term is defined, then launch one goroutine per
// other voter in the active config. Non-voter peers get no goroutine and
// are not replicated to.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true
	p.mu.Unlock()

	cfg := p.replica.ActiveConfig()
	term := p.replica.CurrentTerm()
	p.q.SetLeaderMode(p.rounds.LastCommitted(), term, cfg)

	noop := &raftpd.ReplicateMsg{
		Id:     raftpd.OpId{Term: term, Index: p.rounds.LastAdmitted().Index + 1},
		OpType: raftpd.OpNoOp,
	}
	p.appendLocal(noop, term)

	for _, voter := range cfg.Voters() {
		if voter.UUID == p.replica.SelfUUID() {
			continue
		}
		go p.runPeerLoop(runCtx, voter.UUID)
	}
}

// Close implements §4.7/§5's "cancelled whenever the replica leaves
// LEADER".
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	p.cancel()
	p.q.Close()
}

// Propose admits a new client operation for replication, implementing the
// leader side of §4.2's admit + §4.4's append, wired together: the round
// is admitted to PendingRounds (so its commit can be awaited) and the
// message is appended to the queue (so peers can replicate it) atomically
// with respect to other proposers.
func (p *Pipeline) Propose(opType raftpd.OpType, payload []byte, callback func(pending.Result, error)) error {
	term := p.replica.CurrentTerm()
	if p.replica.Role() != state.Leader {
		return errs.New(errs.IllegalState, "only the leader may propose")
	}
	idx := p.rounds.LastAdmitted().Index + 1
	msg := &raftpd.ReplicateMsg{Id: raftpd.OpId{Term: term, Index: idx}, OpType: opType, Payload: payload}
	round := &pending.Round{Id: msg.Id, Msg: msg, BoundTerm: term, Callback: callback}
	if err := p.rounds.Admit(round); err != nil {
		return err
	}
	p.q.Append(msg)
	return nil
}

func (p *Pipeline) appendLocal(msg *raftpd.ReplicateMsg, term uint64) {
	round := &pending.Round{Id: msg.Id, Msg: msg, BoundTerm: term}
	_ = p.rounds.Admit(round)
	p.q.Append(msg)
}

// ProposeConfigChange implements §4.7's configuration-change rules: single
// pending change, structural validation, single-voter-change invariant,
// and a current-term precondition: the leader's last appended op must be
// from its current term. Whether that op has committed is not checked.
func (p *Pipeline) ProposeConfigChange(next *conf.RaftConfig, casOpIdIndex uint64) error {
	committed := p.replica.CommittedConfig()
	if committed.OpIdIndex != casOpIdIndex {
		return errs.New(errs.CasFailed, "committed config does not match requester's expectation")
	}
	if p.replica.PendingConfig() != nil {
		return errs.New(errs.PendingConfigChange, "a configuration change is already pending")
	}
	if err := next.Validate(); err != nil {
		return errs.New(errs.InvalidConfig, err.Error())
	}
	if committed.DiffersInMoreThanOneVoter(next) {
		return errs.New(errs.InvalidConfig, "configuration change alters more than one voter")
	}
	if self, ok := next.FindPeer(p.replica.SelfUUID()); ok && self.Membership != raftpd.Voter {
		return errs.New(errs.InvalidConfig, "a leader cannot remove or demote itself")
	}
	firstIdx := p.q.LastAppendedOpId()
	if firstIdx.Term != p.replica.CurrentTerm() {
		return errs.New(errs.IllegalState, "leader must append an op in its current term before a config change")
	}

	if err := p.replica.SetPendingConfig(next, false); err != nil {
		return err
	}
	callback := func(result pending.Result, err error) {
		if result == pending.Success {
			_ = p.replica.CommitPendingConfig(next, false)
		} else {
			_ = p.replica.AbortPendingConfig()
		}
	}
	return p.Propose(raftpd.OpChangeConfig, nil, callback)
}

// runPeerLoop is the single-outstanding-request loop for one peer: issue a
// request, wait for the response, and if the queue reports more to send,
// immediately issue the next one with no delay; otherwise wait for the
// heartbeat interval.
func (p *Pipeline) runPeerLoop(ctx context.Context, peerID uuid.UUID) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		built, err := p.q.BuildRequestFor(ctx, peerID, maxRequestBytes)
		if err != nil {
			log.Warnf("pipeline: build request for %s: %v", peerID, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(HeartbeatInterval):
			}
			continue
		}
		if built.NeedsCopy {
			// A tablet/snapshot copy is required before normal replication
			// can resume; this module does not drive that transfer itself
			// (§1 non-goals), so it backs off and retries, leaving the
			// decision to trigger a copy to the embedder.
			select {
			case <-ctx.Done():
				return
			case <-time.After(HeartbeatInterval):
			}
			continue
		}

		reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		resp, err := p.xport.SendUpdate(reqCtx, built.NextHop, built.Request)
		cancel()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(HeartbeatInterval):
			}
			continue
		}

		higherTerm, err := p.q.HandlePeerResponse(peerID, resp)
		if err != nil {
			log.Warnf("pipeline: handle response from %s: %v", peerID, err)
		}
		if higherTerm {
			if err := p.replica.AdvanceTerm(resp.CurrentTerm, state.Flush); err != nil {
				log.Errorf("pipeline: advance term on higher peer response: %v", err)
			}
			return
		}
		p.rounds.AdvanceCommittedTo(p.q.CommittedIndex())

		if p.q.NeedsMoreSends(peerID) {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(HeartbeatInterval):
		}
	}
}

// Handler is the follower-side, shared by every non-leader replica.
// Adapted from the teacher's core.handleAppendEntries
// (raft/core/core_handle.go), generalized from the teacher's
// single-entries-slice log-matching check to §4.8's explicit 11-step
// dedup/log-match/early-commit/durable-wait sequence.
type Handler struct {
	replica *state.Replica
	rounds  *pending.Rounds
	q       *queue.Queue
	cache   *cache.Cache
	timer   *fd.Timer

	// AwaitDurable is invoked after admitting ops, standing in for the
	// external durable log this module does not itself implement (§1 non-
	// goals: no segmented WAL). It must return once every admitted op
	// through upTo is fsynced.
	AwaitDurable func(upTo raftpd.OpId) error

	// MemoryPressureExceeded reports the soft-memory-limit check in step 8.
	MemoryPressureExceeded func() bool
}

func NewHandler(replica *state.Replica, rounds *pending.Rounds, q *queue.Queue, c *cache.Cache, timer *fd.Timer) *Handler {
	return &Handler{replica: replica, rounds: rounds, q: q, cache: c, timer: timer}
}

// Update implements §4.8's update().
func (h *Handler) Update(req *raftpd.UpdateRequest) *raftpd.UpdateResponse {
	currentTerm := h.replica.CurrentTerm()

	// 1. reject stale term.
	if req.CallerTerm < currentTerm {
		return &raftpd.UpdateResponse{CurrentTerm: currentTerm, Status: raftpd.ExchangeInvalidTerm, ErrorCode: string(errs.InvalidTerm)}
	}

	// 2. advance term if newer.
	if req.CallerTerm > currentTerm {
		if err := h.replica.AdvanceTerm(req.CallerTerm, state.SkipFlush); err != nil {
			return &raftpd.UpdateResponse{CurrentTerm: h.replica.CurrentTerm(), Status: raftpd.ExchangeInvalidTerm, ErrorCode: string(errs.IllegalTerm)}
		}
	}

	// 3. snooze the failure detector.
	if h.timer != nil {
		h.timer.Snooze()
	}

	// 4. set/verify leader identity.
	leader := h.replica.LeaderUUID()
	if leader == nil {
		h.replica.BecomeFollower(h.replica.CurrentTerm(), &req.CallerUUID)
	} else {
		utils.Assert(*leader == req.CallerUUID, "two distinct leaders claimed the same term")
	}

	// 5. dedup against last_committed and already-admitted ops.
	lastCommitted := h.rounds.LastCommitted()
	ops := req.Ops
	precedingOp := req.PrecedingOp
	for len(ops) > 0 && ops[0].Id.Index <= lastCommitted {
		precedingOp = ops[0].Id
		ops = ops[1:]
	}

	// 6. log-matching: abort pending rounds that diverge from precedingOp.
	// Truncation is gated on an actual term mismatch at precedingOp.Index,
	// not merely on its being behind the current frontier -- an index below
	// lastCommitted is already agreed (nothing to check), and an index
	// within the pending window that simply isn't tracked anymore means the
	// follower is genuinely behind rather than in conflict, which gets
	// rejected without touching its existing rounds.
	lastAdmitted := h.rounds.LastAdmitted()
	if precedingOp.Index < lastAdmitted.Index {
		if precedingOp.Index > lastCommitted {
			storedTerm, ok := h.rounds.TermAt(precedingOp.Index)
			switch {
			case !ok:
				return &raftpd.UpdateResponse{CurrentTerm: h.replica.CurrentTerm(), Status: raftpd.ExchangeLMPMismatch, LastReceived: lastAdmitted, ErrorCode: string(errs.PrecedingEntryMismatch)}
			case storedTerm != precedingOp.Term:
				h.rounds.AbortAfter(precedingOp.Index, precedingOp)
				h.cache.TruncateAfter(precedingOp.Index)
			}
		}
	} else if precedingOp != lastAdmitted && precedingOp.Index == lastAdmitted.Index {
		h.rounds.AbortAfter(precedingOp.Index-1, precedingOp)
		h.cache.TruncateAfter(precedingOp.Index - 1)
	}

	// 7. early commit: computed from state known before this request's own
	// ops are admitted below (admission alone doesn't prove durability --
	// that's step 9/10), using the pre-admission frontier captured above.
	earlyTarget := utils.MinUint64(req.CommittedIndex, utils.MinUint64(precedingOp.Index, lastAdmitted.Index))
	h.rounds.AdvanceCommittedTo(earlyTarget)

	// 8. memory-pressure rejection, before admitting any op.
	if h.MemoryPressureExceeded != nil && h.MemoryPressureExceeded() {
		return &raftpd.UpdateResponse{CurrentTerm: h.replica.CurrentTerm(), Status: raftpd.ExchangeCannotPrepare, ErrorCode: string(errs.ConsensusBusy)}
	}

	preceding := precedingOp
	for _, op := range ops {
		msg := op
		round := &pending.Round{Id: msg.Id, Msg: &msg, BoundTerm: msg.Id.Term}
		if err := h.rounds.Admit(round); err != nil {
			return &raftpd.UpdateResponse{CurrentTerm: h.replica.CurrentTerm(), Status: raftpd.ExchangeLMPMismatch, LastReceived: h.rounds.LastAdmitted(), ErrorCode: string(errs.PrecedingEntryMismatch)}
		}
		h.cache.Append(&msg, preceding)
		preceding = msg.Id
	}

	// 9. wait for durable append, snoozing the failure detector
	// periodically so our own write latency doesn't trip our election
	// timeout.
	if h.AwaitDurable != nil {
		done := make(chan error, 1)
		go func() { done <- h.AwaitDurable(h.rounds.LastAdmitted()) }()
		stopSnooze := utils.StartTimer(50, func(time.Time) {
			if h.timer != nil {
				h.timer.Snooze()
			}
		})
		err := <-done
		close(stopSnooze)
		if err != nil {
			return &raftpd.UpdateResponse{CurrentTerm: h.replica.CurrentTerm(), Status: raftpd.ExchangeCannotPrepare, ErrorCode: string(errs.CannotPrepare)}
		}
	}

	// 10. final committed-index advance. The request's all-replicated and
	// region-durable watermarks are not applied on the follower.
	finalTarget := utils.MinUint64(req.CommittedIndex, h.rounds.LastAdmitted().Index)
	h.rounds.AdvanceCommittedTo(finalTarget)

	// 11. respond.
	lastReceived := h.rounds.LastAdmitted()
	return &raftpd.UpdateResponse{
		CurrentTerm:               h.replica.CurrentTerm(),
		LastReceived:              lastReceived,
		LastReceivedCurrentLeader: lastReceived,
		LastCommitted:             h.rounds.LastCommitted(),
		Status:                    raftpd.ExchangeOK,
	}
}
