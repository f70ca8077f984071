// flexible.go implements the region-aware FlexibleVoteCounter (§4.6 steps
// 1-5). There is no teacher analogue -- w41ter-bior's peer.VoteState is a
// flat yes/no tally -- so this is grounded directly on spec.md's prose
// description of pessimistic quorum, crowdsourcing and historical-vote
// reconstruction. Unlike the classic Counter, FlexibleCounter has no mutex
// of its own: callers serialize RegisterVote/Poll (Driver does so under its
// own lock).
package election

import (
	"time"

	"github.com/google/uuid"

	"github.com/flexraft/consensus/raft/core/conf"
)

// regionTally tracks one region's granted/denied/outstanding count.
type regionTally struct {
	expected int
	granted  int
	denied   int
	replied  int
}

func (t regionTally) majoritySatisfied() bool {
	return t.granted >= t.expected/2+1
}

// impossibleEvenWithAllOutstanding reports whether the remaining
// not-yet-replied voters in this region could not possibly flip the region
// to a granted majority -- the pessimistic half of "pessimistic quorum".
func (t regionTally) impossible() bool {
	remaining := t.expected - t.replied
	return t.granted+remaining < t.expected/2+1
}

// FlexibleCounter implements the region-aware vote counting the flexible
// commit rules require: a directly-following-term fast path, a pessimistic
// all-region quorum fallback, and historical-vote reconstruction from each
// voter's VoteHistory when the fast path can't apply.
type FlexibleCounter struct {
	candidateTerm   uint64
	candidateRegion string
	candidateUUID   uuid.UUID
	dist            conf.VoterDistribution

	// AlwaysIncludeCandidateRegion keeps the candidate's own region among
	// the regions whose majority decisionLocked requires; StrictLEQ selects
	// the exact-predecessor-term reading of FastPathApplicable.
	AlwaysIncludeCandidateRegion bool
	StrictLEQ                    bool

	deadline time.Time

	regions map[string]*regionTally
	voted   map[uuid.UUID]bool

	decided Decision
}

// NewFlexibleCounter builds a counter for an election at candidateTerm, run
// by a candidate in candidateRegion, against the given voter distribution.
// waitFor bounds how long the pessimistic quorum fallback will wait for
// straggling regions before giving up (returned as Undecided, not Denied).
func NewFlexibleCounter(candidateTerm uint64, candidateRegion string, candidateUUID uuid.UUID, dist conf.VoterDistribution, waitFor time.Duration, now time.Time) *FlexibleCounter {
	regions := make(map[string]*regionTally, len(dist))
	for region, n := range dist {
		regions[region] = &regionTally{expected: n}
	}
	return &FlexibleCounter{
		candidateTerm:                candidateTerm,
		candidateRegion:              candidateRegion,
		candidateUUID:                candidateUUID,
		dist:                         dist,
		AlwaysIncludeCandidateRegion: true,
		StrictLEQ:                    true,
		deadline:                     now.Add(waitFor),
		regions:                      regions,
		voted:                        make(map[uuid.UUID]bool),
	}
}

// RegisterVote folds one voter's response into the region tallies. extra
// carries the voter's region and (if the fast path doesn't apply) its
// reported VoteHistory, used to reconstruct how it would have voted in
// candidateTerm had it been asked directly.
func (f *FlexibleCounter) RegisterVote(voterUUID uuid.UUID, granted bool, voterRegion string, extra VoteExtra) Decision {
	if f.decided != Undecided {
		return f.decided
	}
	if _, dup := f.voted[voterUUID]; dup {
		return f.decisionLocked()
	}
	f.voted[voterUUID] = granted

	t, ok := f.regions[voterRegion]
	if !ok {
		// Unknown region: spec.md Open Question 1 says treat as
		// unsatisfiable, so its vote can never help a region majority --
		// it is recorded only so RegisterVote isn't called twice for the
		// same voter.
		return f.decisionLocked()
	}
	t.replied++

	// Steps 3-4: a responder still on the term this election supersedes
	// can be taken at its reported grant/deny bit directly (fast path);
	// otherwise its bit is about some other term entirely, so reconstruct
	// what it would have voted for candidateTerm from its VoteHistory. An
	// indeterminate reconstruction falls back to the bit it actually
	// reported rather than discarding the vote outright. The candidate's
	// own self-vote is always direct, and a zero ResponderTerm means the
	// caller didn't supply one (e.g. a classic-style caller uninterested in
	// reconstruction), so it is also taken at face value.
	effective := granted
	if voterUUID != f.candidateUUID && extra.ResponderTerm != 0 && !f.FastPathApplicable(extra.ResponderTerm) {
		if g, determinable := ReconstructVote(f.candidateTerm, f.candidateUUID, extra.VoteHistory, extra.LastPrunedTerm); determinable {
			effective = g
		}
	}

	if effective {
		t.granted++
	} else {
		t.denied++
	}
	return f.decisionLocked()
}

// ReconstructVote applies §4.6 step 4's historical-vote reconstruction for
// a voter that did not vote directly in candidateTerm. The result is
// indeterminate if candidateTerm <= lastPrunedTerm. Otherwise the voter is
// deemed to have granted candidateTerm if its VoteHistory has no entry for
// candidateTerm (it never voted against this candidate there), or if that
// entry names candidate; an entry naming any other candidate counts as a
// denial.
func ReconstructVote(candidateTerm uint64, candidate uuid.UUID, history map[uint64]HistoryEntry, lastPrunedTerm uint64) (granted bool, determinable bool) {
	if candidateTerm <= lastPrunedTerm {
		return false, false
	}
	entry, ok := history[candidateTerm]
	if !ok {
		return true, true
	}
	return entry.Candidate == candidate, true
}

// FastPathApplicable implements §4.6 step 2: a voter's response is directly
// usable without historical reconstruction when its reported term is
// exactly one less than candidateTerm (it was still on the term the
// election is superseding) or, with StrictLEQ relaxed, any term <=
// candidateTerm.
func (f *FlexibleCounter) FastPathApplicable(responderTerm uint64) bool {
	if f.StrictLEQ {
		return responderTerm+1 == f.candidateTerm
	}
	return responderTerm <= f.candidateTerm
}

// decisionLocked recomputes the overall decision: GRANTED once every
// known region's majority is granted (AlwaysIncludeCandidateRegion keeps
// the candidate's own region in that set, where the candidate's self-vote
// counts as one grant; with it off, the candidate's region is left out of
// both the majority and the impossibility checks), DENIED
// once any one region becomes impossible to satisfy -- that is the
// "pessimistic" half: a single unreachable region sinks the rule the
// moment it cannot mathematically recover, rather than waiting out every
// other region first -- and otherwise UNDECIDED, per step 5 (the
// pessimistic-wait deadline itself doesn't change the decision value; it
// only bounds how long the driver keeps polling, via Poll/Deadline).
func (f *FlexibleCounter) decisionLocked() Decision {
	allMajority := true
	anyImpossible := false
	for region, t := range f.regions {
		if region == f.candidateRegion && !f.AlwaysIncludeCandidateRegion {
			continue
		}
		if !t.majoritySatisfied() {
			allMajority = false
		}
		if t.impossible() {
			anyImpossible = true
		}
	}
	if anyImpossible {
		f.decided = Denied
		return Denied
	}
	if allMajority {
		f.decided = Granted
		return Granted
	}
	// Per spec, a pessimistic-wait timeout still reports UNDECIDED -- it
	// doesn't flip to a different decision value, it only bounds how long
	// the driver (via Poll/Deadline) keeps waiting before giving up.
	return Undecided
}

// Poll re-evaluates the decision from the current tallies even when no new
// vote has arrived; callers use it together with Deadline to decide when to
// give up on the pessimistic wait (§4.6 step 5) rather than Poll itself
// timing out.
func (f *FlexibleCounter) Poll(now time.Time) Decision {
	return f.decisionLocked()
}

// Deadline returns when the pessimistic wait expires.
func (f *FlexibleCounter) Deadline() time.Time { return f.deadline }
