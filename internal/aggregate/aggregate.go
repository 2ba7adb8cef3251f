// Package aggregate implements the sub-stage reduce strategies C5 runs at a
// barrier: merge_all, best_of, and consensus combine a sub-stage's member
// output records into one. best_of and consensus each depend on an
// injectable collaborator — Scorer and Clusterer — whose real scoring and
// clustering backends are left undecided; this package supplies a trivial
// default for each so the reduce path is exercisable without a real
// scoring/clustering service wired in.
package aggregate

import (
	"context"
	"sort"

	"github.com/fieldlab/missionctl/internal/mission"
)

// Member is one sub-stage member's output record, in the order its instance
// appears in the sub-stage's agent_instances list — the order merge_all
// preserves and best_of/consensus tie-break against.
type Member struct {
	InstanceID string
	Record     mission.OutputRecord
}

// Scorer ranks a set of candidate output records for best_of aggregation.
// Higher is better; Reduce breaks ties toward earlier instance order.
type Scorer interface {
	Score(ctx context.Context, candidates []Member) ([]float64, error)
}

// Clusterer groups findings by similarity for consensus aggregation. It
// returns, for each input finding, the index of the cluster it was assigned
// to; findings in the same cluster are considered the same claim.
type Clusterer interface {
	Cluster(ctx context.Context, findings []string) ([]int, error)
}

// DefaultScorer is the built-in best_of collaborator: first-by-instance-
// order. It does not inspect record content at all — it exists so best_of
// is exercisable and testable before a real scoring service is wired in.
type DefaultScorer struct{}

// Score implements Scorer by ranking candidates strictly by their input
// position: candidates[0] scores highest.
func (DefaultScorer) Score(_ context.Context, candidates []Member) ([]float64, error) {
	scores := make([]float64, len(candidates))
	for i := range candidates {
		scores[i] = -float64(i)
	}
	return scores, nil
}

// DefaultClusterer is the built-in consensus collaborator: exact string
// match. Two findings are the same claim only if they are byte-identical.
type DefaultClusterer struct{}

// Cluster implements Clusterer by assigning identical strings to the same
// cluster index, in order of first appearance.
func (DefaultClusterer) Cluster(_ context.Context, findings []string) ([]int, error) {
	index := make(map[string]int)
	assignments := make([]int, len(findings))
	for i, f := range findings {
		idx, ok := index[f]
		if !ok {
			idx = len(index)
			index[f] = idx
		}
		assignments[i] = idx
	}
	return assignments, nil
}

// Reduce combines members according to strategy, using scorer/clusterer for
// best_of/consensus respectively. A nil scorer or clusterer falls back to
// this package's default.
func Reduce(ctx context.Context, strategy mission.OutputAggregation, members []Member, scorer Scorer, clusterer Clusterer) (mission.OutputRecord, error) {
	if scorer == nil {
		scorer = DefaultScorer{}
	}
	if clusterer == nil {
		clusterer = DefaultClusterer{}
	}

	switch strategy {
	case mission.AggregationBestOf:
		return bestOf(ctx, members, scorer)
	case mission.AggregationConsensus:
		return consensus(ctx, members, clusterer)
	case mission.AggregationMergeAll, "":
		return mergeAll(members), nil
	default:
		return mergeAll(members), nil
	}
}

// mergeAll concatenates every member's lists in source order. Duplicate
// entries are preserved, not deduplicated: merge_all is concatenation, not
// set union.
func mergeAll(members []Member) mission.OutputRecord {
	var out mission.OutputRecord
	for _, m := range members {
		out.ObjectivesCompleted = append(out.ObjectivesCompleted, m.Record.ObjectivesCompleted...)
		out.Findings = append(out.Findings, m.Record.Findings...)
		out.EntitiesDiscovered = append(out.EntitiesDiscovered, m.Record.EntitiesDiscovered...)
		out.FileRefs = append(out.FileRefs, m.Record.FileRefs...)
		out.CostUSD += m.Record.CostUSD
		out.DurationMS += m.Record.DurationMS
	}
	return out
}

// bestOf scores every member and carries through the single highest-scoring
// record, breaking ties toward earlier instance order.
func bestOf(ctx context.Context, members []Member, scorer Scorer) (mission.OutputRecord, error) {
	if len(members) == 0 {
		return mission.OutputRecord{}, nil
	}
	scores, err := scorer.Score(ctx, members)
	if err != nil {
		return mission.OutputRecord{}, err
	}
	best := 0
	for i := 1; i < len(members); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}
	return members[best].Record, nil
}

// consensus clusters findings across all members and emits those agreed by
// a strict majority of members (each member counted at most once per
// cluster), in order of first appearance. Other fields fall back to
// merge_all, since consensus is only defined over findings.
func consensus(ctx context.Context, members []Member, clusterer Clusterer) (mission.OutputRecord, error) {
	if len(members) == 0 {
		return mission.OutputRecord{}, nil
	}

	var flatFindings []string
	var ownerOf []int // index into members, parallel to flatFindings
	for mi, m := range members {
		for _, f := range m.Record.Findings {
			flatFindings = append(flatFindings, f)
			ownerOf = append(ownerOf, mi)
		}
	}

	out := mergeAll(members)
	out.Findings = nil
	if len(flatFindings) == 0 {
		return out, nil
	}

	assignments, err := clusterer.Cluster(ctx, flatFindings)
	if err != nil {
		return mission.OutputRecord{}, err
	}

	type clusterInfo struct {
		members    map[int]bool
		firstIndex int
		firstText  string
	}
	clusters := make(map[int]*clusterInfo)
	for i, clusterID := range assignments {
		ci, ok := clusters[clusterID]
		if !ok {
			ci = &clusterInfo{members: make(map[int]bool), firstIndex: i, firstText: flatFindings[i]}
			clusters[clusterID] = ci
		}
		ci.members[ownerOf[i]] = true
	}

	majority := len(members)/2 + 1
	var clusterIDs []int
	for id := range clusters {
		clusterIDs = append(clusterIDs, id)
	}
	sort.Slice(clusterIDs, func(a, b int) bool {
		return clusters[clusterIDs[a]].firstIndex < clusters[clusterIDs[b]].firstIndex
	})

	for _, id := range clusterIDs {
		ci := clusters[id]
		if len(ci.members) >= majority {
			out.Findings = append(out.Findings, ci.firstText)
		}
	}
	return out, nil
}
