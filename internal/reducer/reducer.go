// Package reducer turns the raw record stream into the clean graph: a
// deduplicated node set and an aggregated, deterministic edge list.
package reducer

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/fedigraph/fedigraph/internal/fedi"
)

// Result is the clean graph for one run. It is write-once: Reduce builds
// it in full and nothing mutates it afterwards.
type Result struct {
	Nodes []fedi.Instance
	Edges []fedi.Edge
}

type edgeKey struct {
	source string
	target string
	kind   fedi.EdgeKind
}

// Reduce consumes the store snapshot and produces the clean graph.
//
// Nodes are the instances finalized Reachable. Observations group by
// (source, target, kind): Federation collapses duplicates to weight 1,
// Block to weight -1, the additive kinds sum their weights. Edges whose
// source or target is not in the node set are dropped. Output ordering is
// lexicographic (host for nodes; source, target, kind for edges) so two
// reductions of the same snapshot are byte-identical.
func Reduce(ctx context.Context, store fedi.RawStore, logger *zap.Logger) (Result, error) {
	instances, err := store.Instances(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load instances: %w", err)
	}
	observations, err := store.Observations(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load observations: %w", err)
	}

	nodes := make(map[string]fedi.Instance, len(instances))
	for _, inst := range instances {
		if inst.Status != fedi.StatusReachable {
			continue
		}
		if _, ok := nodes[inst.Host]; ok {
			continue // finalization is write-once; keep the first record
		}
		nodes[inst.Host] = inst
	}

	weights := make(map[edgeKey]int64)
	dropped := 0
	for _, obs := range observations {
		if _, ok := nodes[obs.Source]; !ok {
			dropped++
			continue
		}
		if _, ok := nodes[obs.Target]; !ok {
			dropped++
			continue
		}
		key := edgeKey{source: obs.Source, target: obs.Target, kind: obs.Kind}
		if obs.Kind.Additive() {
			weights[key] += obs.Weight
			continue
		}
		// Presence edges: duplicates collapse, they never sum.
		switch obs.Kind {
		case fedi.EdgeBlock:
			weights[key] = -1
		default:
			weights[key] = 1
		}
	}

	result := Result{
		Nodes: make([]fedi.Instance, 0, len(nodes)),
		Edges: make([]fedi.Edge, 0, len(weights)),
	}
	for _, inst := range nodes {
		result.Nodes = append(result.Nodes, inst)
	}
	sort.Slice(result.Nodes, func(i, j int) bool {
		return result.Nodes[i].Host < result.Nodes[j].Host
	})

	for key, weight := range weights {
		result.Edges = append(result.Edges, fedi.Edge{
			Source: key.source,
			Target: key.target,
			Kind:   key.kind,
			Weight: weight,
		})
	}
	sort.Slice(result.Edges, func(i, j int) bool {
		a, b := result.Edges[i], result.Edges[j]
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.Target != b.Target {
			return a.Target < b.Target
		}
		return a.Kind < b.Kind
	})

	logger.Info("graph reduced",
		zap.Int("nodes", len(result.Nodes)),
		zap.Int("edges", len(result.Edges)),
		zap.Int("raw_observations", len(observations)),
		zap.Int("dropped_observations", dropped),
	)
	return result, nil
}

// AttributeColumns returns the sorted union of attribute keys across all
// nodes, the extra columns of the clean node table.
func (r Result) AttributeColumns() []string {
	seen := make(map[string]struct{})
	for _, node := range r.Nodes {
		for k := range node.Attributes {
			seen[k] = struct{}{}
		}
	}
	cols := make([]string, 0, len(seen))
	for k := range seen {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}
