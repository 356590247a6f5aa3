package rebuild

import (
	"sort"

	"github.com/ofisk/loresmith/internal/domain"
)

// adjacency is an undirected view of the relationship graph, built the
// same way graph.Service.GetNeighbors traverses edges (endpoint
// symmetric: either side of an EntityRelationship reaches the other).
type adjacency struct {
	nodes []string // stable ascending order
	edges map[string][]string
}

func buildAdjacency(entities []domain.Entity, rels []domain.EntityRelationship) adjacency {
	nodes := make([]string, 0, len(entities))
	seen := map[string]bool{}
	for _, e := range entities {
		if !seen[e.ID] {
			seen[e.ID] = true
			nodes = append(nodes, e.ID)
		}
	}
	sort.Strings(nodes)

	edges := make(map[string][]string, len(nodes))
	add := func(a, b string) {
		if a == b {
			return
		}
		edges[a] = append(edges[a], b)
	}
	for _, r := range rels {
		add(r.FromEntityID, r.ToEntityID)
		add(r.ToEntityID, r.FromEntityID)
	}
	for _, n := range nodes {
		sort.Strings(edges[n])
	}
	return adjacency{nodes: nodes, edges: edges}
}

// component is one weakly-connected subgraph, identified by its
// lowest node id for deterministic ordering.
type component struct {
	nodes []string
	edges map[string][]string
}

// weaklyConnectedComponents partitions adj into components, visited in
// stable ascending node-id order so the result is deterministic.
func weaklyConnectedComponents(adj adjacency) []component {
	visited := map[string]bool{}
	var out []component
	for _, start := range adj.nodes {
		if visited[start] {
			continue
		}
		var members []string
		queue := []string{start}
		visited[start] = true
		for len(queue) > 0 {
			n := queue[0]
			queue = queue[1:]
			members = append(members, n)
			for _, nb := range adj.edges[n] {
				if !visited[nb] {
					visited[nb] = true
					queue = append(queue, nb)
				}
			}
		}
		sort.Strings(members)
		edges := make(map[string][]string, len(members))
		for _, m := range members {
			edges[m] = adj.edges[m]
		}
		out = append(out, component{nodes: members, edges: edges})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].nodes[0] < out[j].nodes[0] })
	return out
}
