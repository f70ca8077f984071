// Package raftpd holds the wire types shared between the consensus core
// and its external collaborators (transport, durable store). Every type
// that crosses a process boundary implements Reset() and is registered
// with gob, mirroring the convention the rest of this module's teacher
// used for its own wire types.
package raftpd

import (
	"encoding/gob"
	"fmt"

	"github.com/google/uuid"
)

// OpId identifies an operation in the replicated log. Total order is
// lexicographic on (Term, Index).
type OpId struct {
	Term  uint64
	Index uint64
}

func (e *OpId) Reset() { *e = OpId{} }

func (e OpId) String() string {
	return fmt.Sprintf("(%d,%d)", e.Term, e.Index)
}

// Less reports whether e sorts strictly before o.
func (e OpId) Less(o OpId) bool {
	if e.Term != o.Term {
		return e.Term < o.Term
	}
	return e.Index < o.Index
}

// LessOrEqual reports whether e sorts at or before o.
func (e OpId) LessOrEqual(o OpId) bool {
	return e == o || e.Less(o)
}

// IsGenesis reports whether e is the (0,0) genesis id.
func (e OpId) IsGenesis() bool {
	return e.Term == 0 && e.Index == 0
}

// OpType classifies the payload carried by a ReplicateMsg.
type OpType int

const (
	OpData OpType = iota
	OpNoOp
	OpChangeConfig
	OpProxyOp
)

var opTypeStr = []string{"DATA", "NO_OP", "CHANGE_CONFIG", "PROXY_OP"}

func (t OpType) String() string {
	if int(t) < 0 || int(t) >= len(opTypeStr) {
		return "UNKNOWN"
	}
	return opTypeStr[t]
}

// ReplicateMsg is the operation record replicated between peers. Payload is
// treated as shared-immutable once Id is assigned; Id is written exactly
// once, before the message is published to any reader.
type ReplicateMsg struct {
	Id       OpId
	OpType   OpType
	Payload  []byte
	Checksum *uint32
}

func (e *ReplicateMsg) Reset() { *e = ReplicateMsg{} }

func (e ReplicateMsg) String() string {
	return fmt.Sprintf("raftpd.ReplicateMsg{id: %v, type: %v, bytes: %d}",
		e.Id, e.OpType, len(e.Payload))
}

// Membership classifies whether a peer counts toward quorum.
type Membership int

const (
	Voter Membership = iota
	NonVoter
)

func (m Membership) String() string {
	if m == Voter {
		return "VOTER"
	}
	return "NON_VOTER"
}

// ExchangeStatus classifies the outcome of the most recent replication
// exchange with a peer.
type ExchangeStatus int

const (
	ExchangeNew ExchangeStatus = iota
	ExchangeOK
	ExchangeRemoteError
	ExchangeRPCLayerError
	ExchangeTabletFailed
	ExchangeTabletNotFound
	ExchangeInvalidTerm
	ExchangeCannotPrepare
	ExchangeLMPMismatch
)

var exchangeStatusStr = []string{
	"NEW", "OK", "REMOTE_ERROR", "RPC_LAYER_ERROR", "TABLET_FAILED",
	"TABLET_NOT_FOUND", "INVALID_TERM", "CANNOT_PREPARE", "LMP_MISMATCH",
}

func (s ExchangeStatus) String() string {
	if int(s) < 0 || int(s) >= len(exchangeStatusStr) {
		return "UNKNOWN"
	}
	return exchangeStatusStr[s]
}

// LastKnownLeader is the (term, uuid) pair a replica last believed to be
// leader. Monotonic in Term.
type LastKnownLeader struct {
	Term uint64
	UUID uuid.UUID
}

func (e *LastKnownLeader) Reset() { *e = LastKnownLeader{} }

// Newer reports whether o should replace e as the working estimate.
func (e LastKnownLeader) Newer(o LastKnownLeader) bool {
	return o.Term > e.Term
}

func init() {
	gob.Register(OpId{})
	gob.Register(ReplicateMsg{})
	gob.Register(LastKnownLeader{})
}
