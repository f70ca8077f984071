package raftpd

import (
	"encoding/gob"

	"github.com/google/uuid"
)

// UpdateRequest is the leader-to-follower replication RPC of §4.8.
type UpdateRequest struct {
	CallerUUID         uuid.UUID
	CallerTerm         uint64
	PrecedingOp        OpId
	Ops                []ReplicateMsg
	CommittedIndex     uint64
	AllReplicatedIndex uint64
	RegionDurableIndex uint64
	SafeTimestamp      *int64
}

func (r *UpdateRequest) Reset() { *r = UpdateRequest{} }

// UpdateResponse is the follower's reply to UpdateRequest.
type UpdateResponse struct {
	CurrentTerm               uint64
	LastReceived              OpId
	LastReceivedCurrentLeader OpId
	LastCommitted             uint64
	Status                    ExchangeStatus
	// ErrorCode is set (non-empty) when Status != ExchangeOK and carries one
	// of the §7 error kinds as a string so transports need not share Go types.
	ErrorCode string
}

func (r *UpdateResponse) Reset() { *r = UpdateResponse{} }

// VoteRequest is the election RPC of §4.6.
type VoteRequest struct {
	TabletID        string
	CandidateUUID   uuid.UUID
	CandidateTerm   uint64
	LastReceived    OpId
	IsPreElection   bool
	RPCToken        *string
	CandidateRegion string
}

func (r *VoteRequest) Reset() { *r = VoteRequest{} }

// VoteHistoryEntry is one record of the bounded vote history a voter
// reports back so the FlexibleVoteCounter can reconstruct which regions
// could have elected a leader in an intervening term (§4.6 step 4).
type VoteHistoryEntry struct {
	Candidate     uuid.UUID
	GrantedToTerm uint64
}

// VoteResponse is a voter's reply to VoteRequest.
type VoteResponse struct {
	VoterUUID       uuid.UUID
	VoterRegion     string
	Term            uint64
	Granted         bool
	ErrorCode       string
	LastKnownLeader LastKnownLeader
	// VoteHistory is only populated for flexible-quorum deployments; it maps
	// term -> the voter's historical vote record, truncated at LastPrunedTerm.
	VoteHistory    map[uint64]VoteHistoryEntry
	LastPrunedTerm uint64
}

func (r *VoteResponse) Reset() { *r = VoteResponse{} }

// TimeoutNowRequest is sent by a stepping-down leader to the successor it
// picked via begin_watch_for_successor, once that successor has caught up:
// it tells the successor to start a real election immediately rather than
// wait out its own failure-detector timeout (§4.4/§6's graceful transfer).
type TimeoutNowRequest struct {
	CallerUUID  uuid.UUID
	CallerTerm  uint64
	TransferCtx []byte
}

func (r *TimeoutNowRequest) Reset() { *r = TimeoutNowRequest{} }

// TimeoutNowResponse acknowledges a TimeoutNowRequest; Accepted is false
// when the recipient isn't in a position to act on it (stale term, not a
// voter).
type TimeoutNowResponse struct {
	CurrentTerm uint64
	Accepted    bool
	ErrorCode   string
}

func (r *TimeoutNowResponse) Reset() { *r = TimeoutNowResponse{} }

func init() {
	gob.Register(UpdateRequest{})
	gob.Register(UpdateResponse{})
	gob.Register(VoteRequest{})
	gob.Register(VoteResponse{})
	gob.Register(TimeoutNowRequest{})
	gob.Register(TimeoutNowResponse{})
}
