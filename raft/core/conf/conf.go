// Package conf holds the replication configuration (RaftConfig): peer set,
// commit rule and voter distribution. Adapted from the teacher's
// raft/core/conf.Config, generalized from a flat node-id list to the
// region-aware PeerSpec/CommitRule shape spec.md §3 requires.
package conf

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/flexraft/consensus/raft/proto"
)

// RuleKind tags the active commit-rule variant. Modeled as a closed tagged
// union per the teacher's StateRole/MessageType enum-with-String()
// convention (raft/core/status.go, raft/proto/msg.go), not as an
// interface-dispatched polymorphic type (see spec §9).
type RuleKind int

const (
	ClassicMajority RuleKind = iota
	StaticDisjunction
	StaticConjunction
	SingleRegionDynamic
)

var ruleKindStr = []string{
	"CLASSIC_MAJORITY", "STATIC_DISJUNCTION", "STATIC_CONJUNCTION", "SINGLE_REGION_DYNAMIC",
}

func (k RuleKind) String() string {
	if int(k) < 0 || int(k) >= len(ruleKindStr) {
		return "UNKNOWN"
	}
	return ruleKindStr[k]
}

// RulePredicate lists a set of regions and the subset size S required to
// satisfy it (§4.5 static disjunction/conjunction).
type RulePredicate struct {
	Regions           []string
	RegionsSubsetSize int
}

// CommitRule is the per-variant data for the active commit rule.
type CommitRule struct {
	Kind RuleKind

	// Predicates is used by StaticDisjunction/StaticConjunction.
	Predicates []RulePredicate

	// AdjustUpward enables SingleRegionDynamic's "adjusted upward to the
	// current actual count if higher" behavior.
	AdjustUpward bool
}

// VoterDistribution maps region (or abstract quorum id) to expected voter
// count.
type VoterDistribution map[string]int

// PeerSpec is a peer's static configuration entry (identity, address,
// membership, region tag).
type PeerSpec struct {
	UUID        uuid.UUID
	Address     string
	Region      string
	Membership  raftpd.Membership
	PromoteHint bool
	ReplaceHint bool
}

// RaftConfig is an immutable, ordered configuration snapshot: the peer set,
// commit rule, optional voter distribution, and the log position at which
// it was committed.
type RaftConfig struct {
	Peers             []PeerSpec
	Rule              CommitRule
	VoterDistribution VoterDistribution
	OpIdIndex         uint64
}

// Voters returns the subset of Peers with VOTER membership.
func (c *RaftConfig) Voters() []PeerSpec {
	out := make([]PeerSpec, 0, len(c.Peers))
	for _, p := range c.Peers {
		if p.Membership == raftpd.Voter {
			out = append(out, p)
		}
	}
	return out
}

// FindPeer returns the PeerSpec for id, and whether it was found.
func (c *RaftConfig) FindPeer(id uuid.UUID) (PeerSpec, bool) {
	for _, p := range c.Peers {
		if p.UUID == id {
			return p, true
		}
	}
	return PeerSpec{}, false
}

// Validate performs the structural validation §4.1 requires before a
// configuration may become pending: unique peer identities, at least one
// voter, and (for static rules) every predicate region must be resolvable
// to a well formed shape -- unknown regions are permitted here and treated
// as permanently unsatisfiable by the commit-rule engine (Open Question 1).
func (c *RaftConfig) Validate() error {
	seen := make(map[uuid.UUID]struct{}, len(c.Peers))
	voters := 0
	for _, p := range c.Peers {
		if _, dup := seen[p.UUID]; dup {
			return fmt.Errorf("duplicate peer %s in configuration", p.UUID)
		}
		seen[p.UUID] = struct{}{}
		if p.Membership == raftpd.Voter {
			voters++
		}
	}
	if voters == 0 {
		return fmt.Errorf("configuration has no voters")
	}
	if c.Rule.Kind == StaticDisjunction || c.Rule.Kind == StaticConjunction {
		if len(c.Rule.Predicates) == 0 {
			return fmt.Errorf("static commit rule requires at least one predicate")
		}
		for _, pred := range c.Rule.Predicates {
			if pred.RegionsSubsetSize <= 0 || pred.RegionsSubsetSize > len(pred.Regions) {
				return fmt.Errorf("predicate subset size %d invalid for %d regions",
					pred.RegionsSubsetSize, len(pred.Regions))
			}
		}
	}
	return nil
}

// DiffersInMoreThanOneVoter reports whether new config changes the
// membership status of more than one voter relative to c (§4.7's
// single-voter-change invariant).
func (c *RaftConfig) DiffersInMoreThanOneVoter(next *RaftConfig) bool {
	changed := 0
	old := make(map[uuid.UUID]raftpd.Membership, len(c.Peers))
	for _, p := range c.Peers {
		old[p.UUID] = p.Membership
	}
	inNext := make(map[uuid.UUID]struct{}, len(next.Peers))
	for _, p := range next.Peers {
		inNext[p.UUID] = struct{}{}
		if m, ok := old[p.UUID]; !ok || m != p.Membership {
			changed++
		}
	}
	for id, m := range old {
		if _, ok := inNext[id]; !ok && m == raftpd.Voter {
			changed++
		}
	}
	return changed > 1
}
