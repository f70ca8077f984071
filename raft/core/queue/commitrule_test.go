package queue

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flexraft/consensus/raft/core/conf"
)

func TestComputeClassicMajority(t *testing.T) {
	voters := []VoterProgress{{Index: 10}, {Index: 8}, {Index: 9}}
	require.Equal(t, uint64(9), computeClassic(voters))
}

func TestComputeStaticDisjunctionUnknownRegionUnsatisfiable(t *testing.T) {
	rule := conf.CommitRule{
		Kind: conf.StaticDisjunction,
		Predicates: []conf.RulePredicate{
			{Regions: []string{"r1", "r2"}, RegionsSubsetSize: 1},
		},
	}
	dist := conf.VoterDistribution{"r1": 2}
	voters := []VoterProgress{{Region: "r1", Index: 5}, {Region: "r1", Index: 5}, {Region: "r2", Index: 9}}

	got := computeMajorityWatermark(rule, dist, "r1", voters)
	require.Equal(t, uint64(5), got, "r2 is unknown to dist so only r1's majority can satisfy the predicate")
}

func TestComputeStaticConjunctionRequiresAllPredicates(t *testing.T) {
	rule := conf.CommitRule{
		Kind: conf.StaticConjunction,
		Predicates: []conf.RulePredicate{
			{Regions: []string{"r1"}, RegionsSubsetSize: 1},
			{Regions: []string{"r2"}, RegionsSubsetSize: 1},
		},
	}
	dist := conf.VoterDistribution{"r1": 2, "r2": 2}
	voters := []VoterProgress{
		{Region: "r1", Index: 10}, {Region: "r1", Index: 10},
		{Region: "r2", Index: 3}, {Region: "r2", Index: 1},
	}

	got := computeMajorityWatermark(rule, dist, "r1", voters)
	require.Equal(t, uint64(1), got)
}

func TestComputeDynamicUsesLeaderRegionOnly(t *testing.T) {
	rule := conf.CommitRule{Kind: conf.SingleRegionDynamic}
	dist := conf.VoterDistribution{"R1": 3, "R2": 2, "R3": 2}
	voters := []VoterProgress{
		{Region: "R1", Index: 10}, {Region: "R1", Index: 10}, {Region: "R1", Index: 1},
		{Region: "R2", Index: 0}, {Region: "R2", Index: 0},
		{Region: "R3", Index: 0}, {Region: "R3", Index: 0},
	}
	got := computeMajorityWatermark(rule, dist, "R1", voters)
	require.Equal(t, uint64(10), got, "2-of-3 R1 voters is a R1 majority regardless of R2/R3")
}
