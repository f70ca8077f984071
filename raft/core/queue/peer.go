// peer.go is the live per-peer progress tracker (PeerRecord, §3). Adapted
// from the teacher's peer.Node (raft/core/peer/node.go): NextIdx/Matched
// become NextIndex/LastReceived, the teacher's three-state probe/replicate/
// snapshot machine collapses to the plain exchange-status classification
// §4.4 specifies (this module has no snapshot transfer of its own -- a
// peer needing a tablet copy is surfaced to the caller as a signal, not
// driven through a local state machine).
package queue

import (
	"time"

	"github.com/google/uuid"

	"github.com/flexraft/consensus/raft/core/conf"
	"github.com/flexraft/consensus/raft/proto"
)

// Peer is the live tracking record for one tracked peer.
type Peer struct {
	UUID       uuid.UUID
	Address    string
	Region     string
	Membership raftpd.Membership
	PromoteHint bool
	ReplaceHint bool

	NextIndex               uint64
	LastReceived            raftpd.OpId
	LastKnownCommittedIndex uint64

	LastExchangeStatus   raftpd.ExchangeStatus
	LastCommunicationTime time.Time
	WALCatchupPossible   bool
	Healthy              bool

	// proxyDest, when set, means this Peer is used as a transit for
	// proxyDest and is health-checked per §4.4's proxy-peer health rule.
	proxyDest *uuid.UUID
}

func newPeer(spec conf.PeerSpec, nextIndex uint64) *Peer {
	return &Peer{
		UUID:        spec.UUID,
		Address:     spec.Address,
		Region:      spec.Region,
		Membership:  spec.Membership,
		PromoteHint: spec.PromoteHint,
		ReplaceHint: spec.ReplaceHint,
		NextIndex:   nextIndex,
		Healthy:     true,
	}
}

// checkInvariant enforces §3's PeerRecord invariant.
func (p *Peer) checkInvariant() bool {
	return p.NextIndex >= 1 && p.LastReceived.Index <= p.NextIndex-1
}
