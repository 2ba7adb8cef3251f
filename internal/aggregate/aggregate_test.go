package aggregate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fieldlab/missionctl/internal/aggregate"
	"github.com/fieldlab/missionctl/internal/mission"
)

func members() []aggregate.Member {
	return []aggregate.Member{
		{InstanceID: "a1", Record: mission.OutputRecord{Findings: []string{"x is true", "shared claim"}}},
		{InstanceID: "a2", Record: mission.OutputRecord{Findings: []string{"shared claim", "y is true"}}},
		{InstanceID: "a3", Record: mission.OutputRecord{Findings: []string{"shared claim"}}},
	}
}

func TestReduceMergeAllConcatenatesInOrder(t *testing.T) {
	out, err := aggregate.Reduce(context.Background(), mission.AggregationMergeAll, members(), nil, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"x is true", "shared claim", "shared claim", "y is true", "shared claim"}, out.Findings)
}

func TestReduceBestOfPicksFirstByDefaultOrder(t *testing.T) {
	out, err := aggregate.Reduce(context.Background(), mission.AggregationBestOf, members(), nil, nil)
	require.NoError(t, err)
	require.Equal(t, members()[0].Record, out)
}

func TestReduceBestOfHonorsCustomScorer(t *testing.T) {
	scorer := scoreByIndex{preferred: 2}
	out, err := aggregate.Reduce(context.Background(), mission.AggregationBestOf, members(), scorer, nil)
	require.NoError(t, err)
	require.Equal(t, members()[2].Record, out)
}

func TestReduceConsensusKeepsOnlyMajorityFindings(t *testing.T) {
	out, err := aggregate.Reduce(context.Background(), mission.AggregationConsensus, members(), nil, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"shared claim"}, out.Findings)
}

func TestReduceConsensusWithNoMajorityYieldsNoFindings(t *testing.T) {
	m := []aggregate.Member{
		{InstanceID: "a1", Record: mission.OutputRecord{Findings: []string{"claim A"}}},
		{InstanceID: "a2", Record: mission.OutputRecord{Findings: []string{"claim B"}}},
		{InstanceID: "a3", Record: mission.OutputRecord{Findings: []string{"claim C"}}},
	}
	out, err := aggregate.Reduce(context.Background(), mission.AggregationConsensus, m, nil, nil)
	require.NoError(t, err)
	require.Empty(t, out.Findings)
}

func TestReduceEmptyMembersReturnsZeroValue(t *testing.T) {
	out, err := aggregate.Reduce(context.Background(), mission.AggregationBestOf, nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, mission.OutputRecord{}, out)
}

func TestDefaultClustererGroupsExactMatchesOnly(t *testing.T) {
	assignments, err := aggregate.DefaultClusterer{}.Cluster(context.Background(), []string{"a", "b", "a", "c"})
	require.NoError(t, err)
	require.Equal(t, assignments[0], assignments[2])
	require.NotEqual(t, assignments[0], assignments[1])
	require.NotEqual(t, assignments[1], assignments[3])
}

type scoreByIndex struct{ preferred int }

func (s scoreByIndex) Score(_ context.Context, candidates []aggregate.Member) ([]float64, error) {
	scores := make([]float64, len(candidates))
	if s.preferred < len(scores) {
		scores[s.preferred] = 1
	}
	return scores, nil
}
