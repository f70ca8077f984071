// Package queue implements ReplicationQueue (§4.4): per-peer progress
// tracking, the three watermarks, and observer notifications. Adapted from
// the teacher's core.core fields (nodes []*peer.Node, the poll() quorum
// helper in raft/core/core_internal.go) generalized from a single
// classic-majority quorum() call to the pluggable commit-rule engine of
// commitrule.go, and from the teacher's single notify-by-direct-call style
// to an explicit Observer interface (§9's cyclic-reference redesign: all
// "notify X" calls flow queue -> observer, never the reverse).
package queue

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/google/uuid"

	"github.com/flexraft/consensus/raft/core/cache"
	"github.com/flexraft/consensus/raft/core/conf"
	"github.com/flexraft/consensus/raft/core/router"
	"github.com/flexraft/consensus/raft/core/state"
	"github.com/flexraft/consensus/raft/errs"
	"github.com/flexraft/consensus/raft/proto"
	"github.com/flexraft/consensus/utils"
)

// Mode is the queue's LEADER/NON_LEADER semantics switch.
type Mode int

const (
	NonLeader Mode = iota
	Leader
)

// OpenState is the queue's OPEN/CLOSED lifecycle switch.
type OpenState int

const (
	Open OpenState = iota
	Closed
)

// successorWatch is the bookkeeping for §4.4's begin_watch_for_successor.
type successorWatch struct {
	target       *uuid.UUID
	filter       func(*Peer) bool
	transferCtx  []byte
	notified     bool
}

// Queue is ReplicationQueue.
type Queue struct {
	mu sync.Mutex

	selfUUID   uuid.UUID
	selfRegion string

	mode  Mode
	state OpenState

	activeConfig *conf.RaftConfig
	peers        map[uuid.UUID]*Peer

	cache *cache.Cache
	retentionMargin uint64

	allReplicatedIndex      uint64
	majorityReplicatedIndex uint64
	committedIndex          uint64
	regionDurableIndex      uint64

	lastIdxAppendedToLeader uint64
	lastAppendedOpId        raftpd.OpId
	currentTerm             uint64
	firstIndexInCurrentTerm *uint64

	majoritySize int

	router   router.Router
	observer state.Observer

	watch *successorWatch

	// healthUnreachableAfter / healthLagBehind implement §4.4's proxy-peer
	// health rule.
	healthUnreachableAfter time.Duration
	healthLagBehind        uint64
}

// New builds a Queue for selfUUID/selfRegion, sharing c for request
// assembly.
func New(selfUUID uuid.UUID, selfRegion string, c *cache.Cache, r router.Router, observer state.Observer) *Queue {
	if r == nil {
		r = router.Direct{}
	}
	return &Queue{
		selfUUID:               selfUUID,
		selfRegion:              selfRegion,
		mode:                    NonLeader,
		state:                   Open,
		peers:                   make(map[uuid.UUID]*Peer),
		cache:                   c,
		retentionMargin:         64,
		router:                  r,
		observer:                observer,
		healthUnreachableAfter:  3 * time.Second,
		healthLagBehind:         1000,
	}
}

// SetLeaderMode implements §4.4's set_leader_mode.
func (q *Queue) SetLeaderMode(committedIndex, currentTerm uint64, activeConfig *conf.RaftConfig) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.mode = Leader
	q.state = Open
	q.committedIndex = committedIndex
	q.currentTerm = currentTerm
	q.activeConfig = activeConfig
	q.firstIndexInCurrentTerm = nil
	q.majoritySize = quorumSize(len(activeConfig.Voters()))

	for id := range q.peers {
		_, ok := activeConfig.FindPeer(id)
		utils.Assert(ok, "tracked peer %s is not a member of active config", id)
	}
	q.reconcilePeersLocked(activeConfig)
}

// SetNonLeaderMode implements §4.4's set_non_leader_mode.
func (q *Queue) SetNonLeaderMode(activeConfig *conf.RaftConfig) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.mode = NonLeader
	q.activeConfig = activeConfig
}

// Close stops the queue (§4.7: the pipeline is cancelled whenever the
// replica leaves LEADER).
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.state = Closed
}

func (q *Queue) reconcilePeersLocked(cfg *conf.RaftConfig) {
	wanted := make(map[uuid.UUID]struct{}, len(cfg.Peers))
	next := q.lastAppendedOpId.Index + 1
	for _, spec := range cfg.Peers {
		wanted[spec.UUID] = struct{}{}
		if spec.UUID == q.selfUUID {
			continue
		}
		if _, ok := q.peers[spec.UUID]; !ok {
			q.peers[spec.UUID] = newPeer(spec, next)
		}
	}
	for id := range q.peers {
		if _, ok := wanted[id]; !ok {
			delete(q.peers, id)
		}
	}
}

// Append takes shared ownership of msg, recording it as the new
// last-appended-to-leader operation and storing it in the LogCache.
func (q *Queue) Append(msg *raftpd.ReplicateMsg) {
	q.mu.Lock()
	preceding := q.lastAppendedOpId
	q.lastAppendedOpId = msg.Id
	q.lastIdxAppendedToLeader = msg.Id.Index
	if q.firstIndexInCurrentTerm == nil && msg.Id.Term == q.currentTerm {
		idx := msg.Id.Index
		q.firstIndexInCurrentTerm = &idx
	}
	// the leader always tracks its own progress as if it were a peer, for
	// watermark computation purposes: recompute immediately so a
	// single-voter (or already-satisfied-quorum) cluster doesn't wait on a
	// peer response that will never come.
	advanced := q.recomputeWatermarksLocked()
	q.mu.Unlock()

	q.cache.Append(msg, preceding)

	if advanced {
		q.observer.OnCommitIndexAdvanced(q.CommittedIndex())
	}
}

// HandlePeerResponse implements §4.4's handle_peer_response.
func (q *Queue) HandlePeerResponse(peerID uuid.UUID, resp *raftpd.UpdateResponse) (higherTerm bool, err error) {
	q.mu.Lock()

	p, ok := q.peers[peerID]
	if !ok {
		q.mu.Unlock()
		return false, errs.New(errs.IllegalState, "response from untracked peer")
	}

	p.LastExchangeStatus = resp.Status
	p.LastCommunicationTime = time.Now()

	switch resp.Status {
	case raftpd.ExchangeOK:
		p.LastReceived = resp.LastReceived
		p.NextIndex = resp.LastReceived.Index + 1
		p.WALCatchupPossible = false
		p.LastKnownCommittedIndex = resp.LastCommitted
	case raftpd.ExchangeLMPMismatch:
		if resp.LastReceived.Index+1 < p.NextIndex {
			p.NextIndex = resp.LastReceived.Index + 1
		}
		if p.NextIndex < 1 {
			p.NextIndex = 1
		}
	case raftpd.ExchangeInvalidTerm:
		q.mu.Unlock()
		return true, nil
	case raftpd.ExchangeRemoteError, raftpd.ExchangeRPCLayerError,
		raftpd.ExchangeTabletNotFound, raftpd.ExchangeTabletFailed, raftpd.ExchangeCannotPrepare:
		// next_index and last_received unchanged; status already updated.
	}

	wasHealthy := p.Healthy
	p.Healthy = q.isHealthyLocked(p)

	var advanced bool
	if resp.Status == raftpd.ExchangeOK {
		advanced = q.recomputeWatermarksLocked()
	}
	healthChanged := wasHealthy != p.Healthy
	q.checkSuccessorWatchLocked(p)
	q.mu.Unlock()

	if advanced {
		q.observer.OnCommitIndexAdvanced(q.CommittedIndex())
	}
	if healthChanged {
		q.observer.OnPeerHealthChanged()
	}
	return false, nil
}

func (q *Queue) isHealthyLocked(p *Peer) bool {
	if p.proxyDest == nil {
		return true
	}
	if time.Since(p.LastCommunicationTime) > q.healthUnreachableAfter {
		return false
	}
	if dest, ok := q.peers[*p.proxyDest]; ok {
		if dest.LastReceived.Index > p.LastReceived.Index+q.healthLagBehind {
			return false
		}
	}
	return true
}

// recomputeWatermarksLocked must be called with mu held; returns whether
// the committed index advanced.
func (q *Queue) recomputeWatermarksLocked() bool {
	if q.mode != Leader {
		return false
	}

	allReplicated := q.lastAppendedOpId.Index
	voters := []VoterProgress{{Region: q.selfRegion, Index: q.lastAppendedOpId.Index}}

	regionDurable := uint64(0)
	for _, p := range q.peers {
		if p.LastReceived.Index < allReplicated {
			allReplicated = p.LastReceived.Index
		}
		if p.Membership == raftpd.Voter {
			voters = append(voters, VoterProgress{Region: p.Region, Index: p.LastReceived.Index})
		}
		if p.Region != q.selfRegion {
			regionDurable = utils.MaxUint64(regionDurable, p.LastReceived.Index)
		}
	}

	rule := q.activeConfig.Rule
	majority := computeMajorityWatermark(rule, q.activeConfig.VoterDistribution, q.selfRegion, voters)

	if allReplicated > q.allReplicatedIndex {
		q.allReplicatedIndex = allReplicated
	}
	if regionDurable > q.regionDurableIndex {
		q.regionDurableIndex = regionDurable
	}
	if majority > q.majorityReplicatedIndex {
		q.majorityReplicatedIndex = majority
	}

	// Leader completeness (§4.4): cannot declare a prior-term index
	// committed until a current-term index is majority-replicated.
	if q.firstIndexInCurrentTerm != nil && q.majorityReplicatedIndex >= *q.firstIndexInCurrentTerm &&
		q.majorityReplicatedIndex > q.committedIndex {
		q.committedIndex = q.majorityReplicatedIndex
		log.Debugf("%s [term: %d] commit index advanced to %d", q.selfUUID, q.currentTerm, q.committedIndex)
		return true
	}
	return false
}

// BuildRequestFor implements §4.4's build_request_for.
type BuiltRequest struct {
	NeedsCopy bool
	NextHop   uuid.UUID
	Request   *raftpd.UpdateRequest
}

func (q *Queue) BuildRequestFor(ctx context.Context, peerID uuid.UUID, maxBytes int) (*BuiltRequest, error) {
	q.mu.Lock()
	p, ok := q.peers[peerID]
	if !ok {
		q.mu.Unlock()
		return nil, errs.New(errs.IllegalState, "unknown peer")
	}
	nextIndex := p.NextIndex
	committed := q.committedIndex
	allReplicated := q.allReplicatedIndex
	regionDurable := q.regionDurableIndex
	term := q.currentTerm
	selfUUID := q.selfUUID
	lastAppended := q.lastAppendedOpId.Index
	q.mu.Unlock()

	if nextIndex > 1 && nextIndex <= lastAppended && !q.cache.Has(nextIndex) {
		return &BuiltRequest{NeedsCopy: true}, nil
	}

	ops, preceding, ok := q.cache.ReadRange(nextIndex-1, maxBytes)
	if !ok {
		ops, preceding = nil, raftpd.OpId{}
	}

	hop, err := q.router.NextHop(ctx, selfUUID, peerID)
	if err != nil {
		return nil, err
	}
	if hop != peerID {
		// peerID is being reached through an intermediate hop: that hop's
		// own health now also depends on whether it is actually forwarding
		// to peerID (§4.4's proxy-peer health rule), so record it as the
		// hop's proxy destination.
		q.mu.Lock()
		if transit, ok := q.peers[hop]; ok {
			dest := peerID
			transit.proxyDest = &dest
		}
		q.mu.Unlock()
	}

	req := &raftpd.UpdateRequest{
		CallerUUID:         selfUUID,
		CallerTerm:         term,
		PrecedingOp:        preceding,
		Ops:                ops,
		CommittedIndex:     committed,
		AllReplicatedIndex: allReplicated,
		RegionDurableIndex: regionDurable,
	}
	return &BuiltRequest{NextHop: hop, Request: req}, nil
}

// BeginWatchForSuccessor implements §4.4's begin_watch_for_successor.
func (q *Queue) BeginWatchForSuccessor(target *uuid.UUID, filter func(*Peer) bool, transferCtx []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.watch = &successorWatch{target: target, filter: filter, transferCtx: transferCtx}
}

func (q *Queue) checkSuccessorWatchLocked(p *Peer) {
	w := q.watch
	if w == nil || w.notified {
		return
	}
	isTarget := (w.target != nil && *w.target == p.UUID) || (w.target == nil && w.filter != nil && w.filter(p))
	if !isTarget {
		return
	}
	if p.LastReceived.Index < q.lastAppendedOpId.Index {
		return
	}
	w.notified = true
	target := p.UUID
	ctx := w.transferCtx
	go q.observer.OnPeerReadyToStartElection(target, ctx)
}

// CancelWatch clears a pending successor watch, used by cancel_transfer.
func (q *Queue) CancelWatch() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.watch = nil
}

// CommittedIndex, AllReplicatedIndex, MajorityReplicatedIndex,
// RegionDurableIndex, LastAppendedOpId are thread-safe snapshots.
func (q *Queue) CommittedIndex() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.committedIndex
}

func (q *Queue) AllReplicatedIndex() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.allReplicatedIndex
}

func (q *Queue) MajorityReplicatedIndex() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.majorityReplicatedIndex
}

func (q *Queue) RegionDurableIndex() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.regionDurableIndex
}

func (q *Queue) LastAppendedOpId() raftpd.OpId {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastAppendedOpId
}

// Peers returns a snapshot slice of tracked peers, for diagnostics.
func (q *Queue) Peers() []Peer {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Peer, 0, len(q.peers))
	for _, p := range q.peers {
		out = append(out, *p)
	}
	return out
}

// NeedsMoreSends reports whether peerID has ops beyond its NextIndex still
// to send, used by the pipeline's "immediately issue the next request" rule
// (§4.7).
func (q *Queue) NeedsMoreSends(peerID uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.peers[peerID]
	if !ok {
		return false
	}
	return p.NextIndex <= q.lastAppendedOpId.Index
}

// EvictCacheBelow runs the §4.3 eviction policy: drop entries below
// min(allReplicatedIndex, durableIndex) - retentionMargin.
func (q *Queue) EvictCacheBelow(durableIndex uint64) {
	q.mu.Lock()
	floor := q.allReplicatedIndex
	if durableIndex < floor {
		floor = durableIndex
	}
	margin := q.retentionMargin
	q.mu.Unlock()

	if floor <= margin {
		return
	}
	q.cache.Evict(floor - margin)
}
