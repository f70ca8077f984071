// Package state implements ReplicaState (§4.1): the single owner of term,
// vote, configuration, leader identity and lifecycle role. Adapted from the
// teacher's core.core fields (term, vote, leaderID, state) and its
// becomeFollower/becomeLeader/becomeCandidate transition helpers
// (raft/core/core_internal.go), generalized to the region-aware
// RaftConfig and to an explicit persisted-durably contract instead of the
// teacher's in-memory-only fields (the teacher relies on an enclosing WAL
// to persist HardState separately; here ReplicaState owns that barrier
// directly via durable.MetadataStore).
package state

import (
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/google/uuid"

	"github.com/flexraft/consensus/raft/core/conf"
	"github.com/flexraft/consensus/raft/durable"
	"github.com/flexraft/consensus/raft/errs"
	"github.com/flexraft/consensus/raft/proto"
	"github.com/flexraft/consensus/utils"
)

// Lifecycle is the replica's lifecycle state machine (§4.1).
type Lifecycle int

const (
	Uninitialized Lifecycle = iota
	Initialized
	Running
	Stopping
	Stopped
	Shutdown
)

var lifecycleStr = []string{"NEW", "INITIALIZED", "RUNNING", "STOPPING", "STOPPED", "SHUTDOWN"}

func (l Lifecycle) String() string {
	if int(l) < 0 || int(l) >= len(lifecycleStr) {
		return "UNKNOWN"
	}
	return lifecycleStr[l]
}

var legalLifecycleTransitions = map[Lifecycle]Lifecycle{
	Uninitialized: Initialized,
	Initialized: Running,
	Running:     Stopping,
	Stopping:    Stopped,
	Stopped:     Shutdown,
}

// Role is the replica's current voting/leading role.
type Role int

const (
	Follower Role = iota
	Candidate
	PreCandidate
	Leader
)

var roleStr = []string{"FOLLOWER", "CANDIDATE", "PRE_CANDIDATE", "LEADER"}

func (r Role) String() string {
	if int(r) < 0 || int(r) >= len(roleStr) {
		return "UNKNOWN"
	}
	return roleStr[r]
}

// flushMode controls whether advance_term's durable write may be skipped
// because a follow-up write (e.g. recording a vote) subsumes it.
type flushMode int

const (
	Flush flushMode = iota
	SkipFlush
)

// Observer receives the six asynchronous notifications of §6. Replica does
// not implement it; raft.nodeObserver does, on the Node's behalf.
// Notifications always flow queue -> observer, never the reverse, per the
// §9 cyclic-reference redesign note.
type Observer interface {
	OnCommitIndexAdvanced(idx uint64)
	OnTermChanged(term uint64)
	OnPeerFailed(id uuid.UUID, term uint64, reason string)
	OnPeerReadyForPromotion(id uuid.UUID)
	OnPeerReadyToStartElection(id uuid.UUID, transferCtx []byte)
	OnPeerHealthChanged()
}

// Replica owns ReplicaState per §4.1. All mutators require mu; a handful of
// thread-safe snapshots are exposed for diagnostic paths.
type Replica struct {
	mu sync.Mutex

	selfUUID uuid.UUID
	region   string

	lifecycle Lifecycle
	role      Role

	currentTerm uint64
	votedFor    *uuid.UUID

	leaderUUID      *uuid.UUID
	lastKnownLeader raftpd.LastKnownLeader

	committedConfig *conf.RaftConfig
	pendingConfig   *conf.RaftConfig

	voteHistory    map[uint64]raftpd.VoteHistoryEntry
	lastPrunedTerm uint64
	maxVoteHistory int

	failedElectionsSinceStableLeader int

	store *durable.MetadataStore

	// onLeaderStepDown is invoked (outside mu) whenever the replica
	// transitions away from LEADER, so the leader pipeline can be closed.
	onLeaderStepDown func()
}

// New builds a Replica for selfUUID in the given region, persisting through
// store, and bootstraps committedConfig as the initial configuration.
func New(selfUUID uuid.UUID, region string, store *durable.MetadataStore, initial *conf.RaftConfig) (*Replica, error) {
	r := &Replica{
		selfUUID:       selfUUID,
		region:         region,
		lifecycle:      Uninitialized,
		role:           Follower,
		store:          store,
		voteHistory:    make(map[uint64]raftpd.VoteHistoryEntry),
		maxVoteHistory: 64,
	}

	rec, err := store.Load()
	if err != nil {
		return nil, err
	}
	if rec.CommittedConfig != nil {
		r.currentTerm = rec.CurrentTerm
		r.votedFor = rec.VotedFor
		r.committedConfig = rec.CommittedConfig
		r.pendingConfig = rec.PendingConfig
		r.leaderUUID = rec.LeaderUUID
		r.lastKnownLeader = rec.LastKnownLeader
		r.voteHistory = rec.VoteHistory
		r.lastPrunedTerm = rec.LastPrunedTerm
		if r.voteHistory == nil {
			r.voteHistory = make(map[uint64]raftpd.VoteHistoryEntry)
		}
	} else {
		r.committedConfig = initial
		if err := r.persist(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// SetOnLeaderStepDown registers the callback fired when the replica leaves
// LEADER role.
func (r *Replica) SetOnLeaderStepDown(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onLeaderStepDown = fn
}

// SelfUUID returns the replica's own identity.
func (r *Replica) SelfUUID() uuid.UUID { return r.selfUUID }

// Region returns the replica's own region tag.
func (r *Replica) Region() string { return r.region }

// TransitionLifecycle moves to next, which must be a legal successor of the
// current lifecycle state; anything else is a fatal internal error.
func (r *Replica) TransitionLifecycle(next Lifecycle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	want, ok := legalLifecycleTransitions[r.lifecycle]
	utils.Assert(ok && want == next, "illegal lifecycle transition %v -> %v", r.lifecycle, next)
	r.lifecycle = next
}

// Lifecycle returns the current lifecycle state under the lock.
func (r *Replica) Lifecycle() Lifecycle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lifecycle
}

// CurrentTerm is a thread-safe snapshot for diagnostic paths (§4.1).
func (r *Replica) CurrentTerm() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentTerm
}

// LeaderUUID is a thread-safe snapshot.
func (r *Replica) LeaderUUID() *uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaderUUID
}

// Role returns the current role under the lock.
func (r *Replica) Role() Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.role
}

// AdvanceTerm implements §4.1's advance_term.
func (r *Replica) AdvanceTerm(newTerm uint64, mode flushMode) error {
	r.mu.Lock()
	var stepDown func()
	err := func() error {
		if newTerm <= r.currentTerm {
			return errs.New(errs.IllegalTerm, "new term must exceed current term")
		}
		if r.role == Leader {
			r.role = Follower
			stepDown = r.onLeaderStepDown
		}
		r.currentTerm = newTerm
		r.votedFor = nil
		r.leaderUUID = nil
		if mode == Flush {
			return r.persist()
		}
		return nil
	}()
	r.mu.Unlock()

	if err != nil {
		return err
	}
	if stepDown != nil {
		stepDown()
	}
	log.Infof("%s advanced term to %d", r.selfUUID, newTerm)
	return nil
}

// RecordVote implements §4.1's record_vote: persists (currentTerm,
// candidate) and appends to the bounded vote history.
func (r *Replica) RecordVote(candidate uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.votedFor != nil {
		return errs.New(errs.AlreadyVoted, "already voted this term")
	}
	r.votedFor = &candidate
	r.voteHistory[r.currentTerm] = raftpd.VoteHistoryEntry{Candidate: candidate, GrantedToTerm: r.currentTerm}
	r.pruneVoteHistoryLocked()
	return r.persist()
}

func (r *Replica) pruneVoteHistoryLocked() {
	if len(r.voteHistory) <= r.maxVoteHistory {
		return
	}
	var minTerm uint64 = ^uint64(0)
	for t := range r.voteHistory {
		if t < minTerm {
			minTerm = t
		}
	}
	delete(r.voteHistory, minTerm)
	if minTerm+1 > r.lastPrunedTerm {
		r.lastPrunedTerm = minTerm + 1
	}
}

// VotedFor returns the current term's vote, if any.
func (r *Replica) VotedFor() *uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.votedFor
}

// VoteHistory returns a defensive copy of the bounded vote history and the
// last-pruned term, consumed by the FlexibleVoteCounter's historical-vote
// reconstruction (§4.6 step 4).
func (r *Replica) VoteHistory() (map[uint64]raftpd.VoteHistoryEntry, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make(map[uint64]raftpd.VoteHistoryEntry, len(r.voteHistory))
	for k, v := range r.voteHistory {
		cp[k] = v
	}
	return cp, r.lastPrunedTerm
}

// SetLeader implements §4.1's set_leader: resets the failed-elections
// counter and records the new leader identity.
func (r *Replica) SetLeader(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaderUUID = &id
	r.failedElectionsSinceStableLeader = 0
	if r.currentTerm >= r.lastKnownLeader.Term {
		r.lastKnownLeader = raftpd.LastKnownLeader{Term: r.currentTerm, UUID: id}
	}
}

// ClearLeader clears the leader identity, used on every term advance and
// step-down.
func (r *Replica) ClearLeader() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaderUUID = nil
}

// LastKnownLeader returns the replica's current estimate, used to seed
// flexible-quorum vote crowdsourcing.
func (r *Replica) LastKnownLeader() raftpd.LastKnownLeader {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastKnownLeader
}

// MergeLastKnownLeader folds a peer-reported estimate into the working one,
// keeping whichever has the higher term (§4.6 step 1, crowdsourcing).
func (r *Replica) MergeLastKnownLeader(candidate raftpd.LastKnownLeader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastKnownLeader.Newer(candidate) {
		r.lastKnownLeader = candidate
	}
}

// BecomeFollower transitions to FOLLOWER at term, with leaderID possibly
// InvalidID-equivalent (nil).
func (r *Replica) BecomeFollower(term uint64, leaderID *uuid.UUID) {
	r.mu.Lock()
	wasLeader := r.role == Leader
	stepDown := r.onLeaderStepDown
	r.role = Follower
	r.currentTerm = term
	r.leaderUUID = leaderID
	r.failedElectionsSinceStableLeader = 0
	err := r.persist()
	r.mu.Unlock()
	if err != nil {
		log.Errorf("%s persist on BecomeFollower failed: %v", r.selfUUID, err)
	}
	if wasLeader && stepDown != nil {
		stepDown()
	}
}

// BecomeCandidate transitions FOLLOWER/PRE_CANDIDATE -> CANDIDATE, advancing
// the term and self-voting (§4.6 "In real (non-pre) mode").
func (r *Replica) BecomeCandidate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	utils.Assert(r.role != Leader, "leader cannot become candidate")
	r.currentTerm++
	r.votedFor = &r.selfUUID
	r.leaderUUID = nil
	r.role = Candidate
	r.voteHistory[r.currentTerm] = raftpd.VoteHistoryEntry{Candidate: r.selfUUID, GrantedToTerm: r.currentTerm}
	return r.persist()
}

// BecomePreCandidate transitions to PRE_CANDIDATE without persisting a term
// advance or vote (§4.6: pre-elections are non-persistent).
func (r *Replica) BecomePreCandidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	utils.Assert(r.role != Leader, "leader cannot become pre-candidate")
	r.role = PreCandidate
}

// BecomeLeader transitions CANDIDATE -> LEADER: self as leader, enters
// LEADER role.
func (r *Replica) BecomeLeader() {
	r.mu.Lock()
	defer r.mu.Unlock()
	utils.Assert(r.role == Candidate, "only a candidate may become leader")
	r.role = Leader
	r.leaderUUID = &r.selfUUID
	r.lastKnownLeader = raftpd.LastKnownLeader{Term: r.currentTerm, UUID: r.selfUUID}
}

// IncFailedElections bumps the failed-elections-since-stable-leader
// counter, used by callers to decide backoff.
func (r *Replica) IncFailedElections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failedElectionsSinceStableLeader++
	return r.failedElectionsSinceStableLeader
}

// CommittedConfig returns the last committed configuration.
func (r *Replica) CommittedConfig() *conf.RaftConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.committedConfig
}

// PendingConfig returns the pending configuration, if any.
func (r *Replica) PendingConfig() *conf.RaftConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pendingConfig
}

// ActiveConfig returns pendingConfig if set, else committedConfig.
func (r *Replica) ActiveConfig() *conf.RaftConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pendingConfig != nil {
		return r.pendingConfig
	}
	return r.committedConfig
}

// SetPendingConfig implements §4.1's set_pending_config.
func (r *Replica) SetPendingConfig(c *conf.RaftConfig, unsafe bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pendingConfig != nil && !unsafe {
		return errs.New(errs.PendingConfigChange, "a configuration change is already pending")
	}
	if err := c.Validate(); err != nil {
		return errs.New(errs.InvalidConfig, err.Error())
	}
	r.pendingConfig = c
	return r.persist()
}

// CommitPendingConfig implements §4.1's commit_pending_config.
func (r *Replica) CommitPendingConfig(c *conf.RaftConfig, unsafe bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pendingConfig == nil {
		return errs.New(errs.NoConfigChangePending, "no configuration change pending")
	}
	if !unsafe && r.pendingConfig.OpIdIndex != c.OpIdIndex {
		return errs.New(errs.CasFailed, "pending config does not match commit request")
	}
	r.committedConfig = c
	r.pendingConfig = nil
	return r.persist()
}

// AbortPendingConfig drops the pending configuration, reverting
// ActiveConfig to the committed one (used when a config-change round
// aborts, §4.7).
func (r *Replica) AbortPendingConfig() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingConfig = nil
	return r.persist()
}

// persist must be called with mu held.
func (r *Replica) persist() error {
	rec := &durable.Record{
		CurrentTerm:     r.currentTerm,
		VotedFor:        r.votedFor,
		CommittedConfig: r.committedConfig,
		PendingConfig:   r.pendingConfig,
		LeaderUUID:      r.leaderUUID,
		LastKnownLeader: r.lastKnownLeader,
		VoteHistory:     r.voteHistory,
		LastPrunedTerm:  r.lastPrunedTerm,
	}
	return r.store.Save(rec)
}
