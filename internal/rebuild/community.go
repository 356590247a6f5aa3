package rebuild

import "sort"

// labelPropagation assigns each node the most frequent label among its
// neighbors, updating labels in place (a node sees labels changed
// earlier in the same pass) in stable ascending node-id order each
// pass so repeated runs over unchanged input converge to the same
// assignment (algorithm "label-propagation-v1" per DESIGN.md — chosen
// over Leiden for a dependency-free, deterministic single-level
// clustering; see DESIGN.md for the tradeoff). Ties break toward the
// lexicographically smallest label.
func labelPropagation(c component, maxIters int) map[string]string {
	label := make(map[string]string, len(c.nodes))
	for _, n := range c.nodes {
		label[n] = n // every node starts as its own community
	}
	if len(c.nodes) <= 1 {
		return label
	}

	for iter := 0; iter < maxIters; iter++ {
		changed := false
		for _, n := range c.nodes {
			counts := map[string]int{}
			for _, nb := range c.edges[n] {
				counts[label[nb]]++
			}
			if len(counts) == 0 {
				continue
			}
			best := bestLabel(counts)
			if best != label[n] {
				label[n] = best
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return label
}

func bestLabel(counts map[string]int) string {
	var labels []string
	for l := range counts {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	best := labels[0]
	bestCount := counts[best]
	for _, l := range labels[1:] {
		if counts[l] > bestCount {
			best = l
			bestCount = counts[l]
		}
	}
	return best
}

// groupByLabel turns a node->label map into label->members, each
// member list sorted for determinism.
func groupByLabel(label map[string]string, nodes []string) map[string][]string {
	groups := map[string][]string{}
	for _, n := range nodes {
		l := label[n]
		groups[l] = append(groups[l], n)
	}
	for l := range groups {
		sort.Strings(groups[l])
	}
	return groups
}
