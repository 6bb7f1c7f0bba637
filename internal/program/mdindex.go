package program

import "math"

// The MD-index is a real-valued topological signature of a directed graph.
// Two graphs with equal MD-index are, with very high probability, isomorphic
// with respect to the features folded in: per-node in-degree, out-degree and
// topological level. It is the most selective structural signature the
// matchers use, and is computed identically for call graphs, flow graphs and
// node neighborhoods.

// MDIndexGraph computes the MD-index of a directed graph with n nodes.
// succs(i) returns the successor node indices of node i; duplicate entries
// contribute duplicate edges. Cycles are contracted by strongly connected
// component analysis first, and all members of a component share one
// topological level.
func MDIndexGraph(n int, succs func(int) []int) float64 {
	if n == 0 {
		return 0
	}
	indeg := make([]int, n)
	outdeg := make([]int, n)
	for u := 0; u < n; u++ {
		for _, v := range succs(u) {
			outdeg[u]++
			indeg[v]++
		}
	}

	comp, ncomp := sccComponents(n, succs)

	// Longest path from a source, on the condensation. Tarjan assigns
	// component ids in reverse topological order: every condensed edge runs
	// from a higher id to a lower one, so a single descending sweep relaxes
	// all edges in order.
	level := make([]int, ncomp)
	edgesByComp := make([][]int, ncomp)
	for u := 0; u < n; u++ {
		for _, v := range succs(u) {
			if comp[u] != comp[v] {
				edgesByComp[comp[u]] = append(edgesByComp[comp[u]], comp[v])
			}
		}
	}
	for cu := ncomp - 1; cu >= 0; cu-- {
		for _, cv := range edgesByComp[cu] {
			if l := level[cu] + 1; l > level[cv] {
				level[cv] = l
			}
		}
	}

	// Sum the per-edge contributions. A zero factor (a source or sink level)
	// is replaced by 1 so the product stays positive.
	index := 0.0
	for u := 0; u < n; u++ {
		for _, v := range succs(u) {
			p := factor(level[comp[u]]) * factor(outdeg[u]) * factor(indeg[u]) *
				factor(level[comp[v]]) * factor(outdeg[v]) * factor(indeg[v])
			index += 1 / math.Sqrt(p)
		}
	}
	return index
}

func factor(x int) float64 {
	if x == 0 {
		return 1
	}
	return float64(x)
}

// sccComponents runs Tarjan's algorithm iteratively and returns the
// component id per node plus the component count. Ids are assigned in
// reverse topological order of the condensation.
func sccComponents(n int, succs func(int) []int) (comp []int, ncomp int) {
	comp = make([]int, n)
	index := make([]int, n)
	lowlink := make([]int, n)
	onStack := make([]bool, n)
	for i := range index {
		index[i] = -1
		comp[i] = -1
	}

	var stack []int
	next := 0

	type frame struct {
		node int
		succ []int
		pos  int
	}
	var frames []frame

	for start := 0; start < n; start++ {
		if index[start] != -1 {
			continue
		}
		frames = append(frames[:0], frame{node: start, succ: succs(start)})
		index[start] = next
		lowlink[start] = next
		next++
		stack = append(stack, start)
		onStack[start] = true

		for len(frames) > 0 {
			f := &frames[len(frames)-1]
			if f.pos < len(f.succ) {
				w := f.succ[f.pos]
				f.pos++
				if index[w] == -1 {
					index[w] = next
					lowlink[w] = next
					next++
					stack = append(stack, w)
					onStack[w] = true
					frames = append(frames, frame{node: w, succ: succs(w)})
				} else if onStack[w] {
					if index[w] < lowlink[f.node] {
						lowlink[f.node] = index[w]
					}
				}
				continue
			}
			v := f.node
			frames = frames[:len(frames)-1]
			if len(frames) > 0 {
				parent := frames[len(frames)-1].node
				if lowlink[v] < lowlink[parent] {
					lowlink[parent] = lowlink[v]
				}
			}
			if lowlink[v] == index[v] {
				for {
					w := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[w] = false
					comp[w] = ncomp
					if w == v {
						break
					}
				}
				ncomp++
			}
		}
	}
	return comp, ncomp
}

// neighborhoodMDIndex computes the MD-index of the subgraph induced by a
// node together with its predecessors and successors. preds and succs give
// the full graph's adjacency as deduplicated index lists.
func neighborhoodMDIndex(node int, preds, succs [][]int) float64 {
	local := map[int]int{node: 0}
	nodes := []int{node}
	add := func(v int) {
		if _, ok := local[v]; !ok {
			local[v] = len(nodes)
			nodes = append(nodes, v)
		}
	}
	for _, v := range preds[node] {
		add(v)
	}
	for _, v := range succs[node] {
		add(v)
	}

	localSuccs := make([][]int, len(nodes))
	for li, v := range nodes {
		for _, w := range succs[v] {
			if lw, ok := local[w]; ok {
				localSuccs[li] = append(localSuccs[li], lw)
			}
		}
	}
	return MDIndexGraph(len(nodes), func(i int) []int { return localSuccs[i] })
}
