package rebuild

import "math"

// pageRank runs power iteration (damping d, up to maxIters, stopping
// early once the L1 delta between successive rank vectors drops below
// tol) over c's undirected adjacency. A node with no edges (possible in
// a partial-rebuild scope) is dangling: its mass is redistributed
// uniformly across all nodes each iteration.
func pageRank(c component, damping float64, maxIters int, tol float64) map[string]float64 {
	n := len(c.nodes)
	rank := make(map[string]float64, n)
	if n == 0 {
		return rank
	}
	base := 1.0 / float64(n)
	for _, node := range c.nodes {
		rank[node] = base
	}
	if n == 1 {
		return rank
	}

	outDegree := make(map[string]int, n)
	for _, node := range c.nodes {
		outDegree[node] = len(c.edges[node])
	}

	for iter := 0; iter < maxIters; iter++ {
		next := make(map[string]float64, n)
		danglingMass := 0.0
		for _, node := range c.nodes {
			next[node] = (1 - damping) / float64(n)
			if outDegree[node] == 0 {
				danglingMass += rank[node]
			}
		}
		danglingShare := damping * danglingMass / float64(n)
		for _, node := range c.nodes {
			for _, nb := range c.edges[node] {
				next[nb] += damping * rank[node] / float64(outDegree[node])
			}
		}
		for _, node := range c.nodes {
			next[node] += danglingShare
		}

		delta := 0.0
		for _, node := range c.nodes {
			delta += math.Abs(next[node] - rank[node])
		}
		rank = next
		if delta < tol {
			break
		}
	}
	return rank
}
