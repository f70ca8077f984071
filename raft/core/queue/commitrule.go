// commitrule.go implements §4.5's commit-rule engine: given each tracked
// voter's replicated index (and region), compute the majority-replicated
// watermark under the active CommitRule. Dispatch is a switch on
// conf.RuleKind, per §9's "dynamic dispatch over commit rules" note -- not
// runtime polymorphism over the rule's data shape.
package queue

import (
	"sort"

	"github.com/flexraft/consensus/raft/core/conf"
)

// VoterProgress is the minimal shape the commit-rule engine needs: a
// voter's region tag and its last-replicated index.
type VoterProgress struct {
	Region string
	Index  uint64
}

func quorumSize(n int) int { return n/2 + 1 }

// computeMajorityWatermark dispatches on rule.Kind.
func computeMajorityWatermark(rule conf.CommitRule, dist conf.VoterDistribution, leaderRegion string, voters []VoterProgress) uint64 {
	switch rule.Kind {
	case conf.StaticDisjunction:
		return computeStatic(rule, dist, voters, false)
	case conf.StaticConjunction:
		return computeStatic(rule, dist, voters, true)
	case conf.SingleRegionDynamic:
		if len(dist) == 0 {
			return computeClassic(voters)
		}
		return computeDynamic(rule, dist, leaderRegion, voters)
	default:
		return computeClassic(voters)
	}
}

func computeClassic(voters []VoterProgress) uint64 {
	idxs := make([]uint64, len(voters))
	for i, v := range voters {
		idxs[i] = v.Index
	}
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] > idxs[j] })
	need := quorumSize(len(voters))
	if len(idxs) < need {
		return 0
	}
	return idxs[need-1]
}

// regionMajoritySatisfied reports whether region has a regional majority
// replicated at or above idx. An unknown region (absent from dist, or with
// zero expected voters) is always unsatisfiable, per spec.md Open Question
// 1 ("implementers should treat unknown regions as unsatisfiable rather
// than guessing").
func regionMajoritySatisfied(region string, idx uint64, voters []VoterProgress, dist conf.VoterDistribution, adjustUpward bool) bool {
	expected, known := dist[region]
	if !known || expected <= 0 {
		return false
	}
	count := 0
	actual := 0
	for _, v := range voters {
		if v.Region != region {
			continue
		}
		actual++
		if v.Index >= idx {
			count++
		}
	}
	if adjustUpward && actual > expected {
		expected = actual
	}
	return count >= quorumSize(expected)
}

func candidateIndexes(voters []VoterProgress) []uint64 {
	seen := make(map[uint64]struct{}, len(voters))
	var out []uint64
	for _, v := range voters {
		if _, ok := seen[v.Index]; !ok {
			seen[v.Index] = struct{}{}
			out = append(out, v.Index)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] > out[j] })
	return out
}

func computeStatic(rule conf.CommitRule, dist conf.VoterDistribution, voters []VoterProgress, conjunction bool) uint64 {
	for _, idx := range candidateIndexes(voters) {
		ok := conjunction
		for _, pred := range rule.Predicates {
			satisfied := 0
			for _, region := range pred.Regions {
				if regionMajoritySatisfied(region, idx, voters, dist, rule.AdjustUpward) {
					satisfied++
				}
			}
			predOK := satisfied >= pred.RegionsSubsetSize
			if conjunction {
				ok = ok && predOK
			} else {
				ok = ok || predOK
			}
		}
		if ok {
			return idx
		}
	}
	return 0
}

func computeDynamic(rule conf.CommitRule, dist conf.VoterDistribution, leaderRegion string, voters []VoterProgress) uint64 {
	for _, idx := range candidateIndexes(voters) {
		if regionMajoritySatisfied(leaderRegion, idx, voters, dist, rule.AdjustUpward) {
			return idx
		}
	}
	return 0
}
