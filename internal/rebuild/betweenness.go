package rebuild

// betweennessCentrality computes unweighted Brandes' betweenness
// centrality over c's undirected adjacency, iterating source vertices
// in stable ascending id order so accumulation order — and therefore
// any floating-point rounding — is deterministic run to run.
func betweennessCentrality(c component) map[string]float64 {
	score := make(map[string]float64, len(c.nodes))
	for _, n := range c.nodes {
		score[n] = 0
	}
	if len(c.nodes) < 3 {
		return score
	}

	for _, s := range c.nodes {
		stack := []string{}
		pred := map[string][]string{}
		sigma := map[string]float64{}
		dist := map[string]int{}
		for _, n := range c.nodes {
			sigma[n] = 0
			dist[n] = -1
		}
		sigma[s] = 1
		dist[s] = 0

		queue := []string{s}
		for len(queue) > 0 {
			v := queue[0]
			queue = queue[1:]
			stack = append(stack, v)
			for _, w := range c.edges[v] {
				if dist[w] < 0 {
					dist[w] = dist[v] + 1
					queue = append(queue, w)
				}
				if dist[w] == dist[v]+1 {
					sigma[w] += sigma[v]
					pred[w] = append(pred[w], v)
				}
			}
		}

		delta := map[string]float64{}
		for _, n := range c.nodes {
			delta[n] = 0
		}
		for i := len(stack) - 1; i >= 0; i-- {
			w := stack[i]
			for _, v := range pred[w] {
				delta[v] += (sigma[v] / sigma[w]) * (1 + delta[w])
			}
			if w != s {
				score[w] += delta[w]
			}
		}
	}

	// Undirected graph: each shortest path counted from both
	// endpoints' BFS, so halve to avoid double-counting.
	for n := range score {
		score[n] /= 2
	}
	return score
}
