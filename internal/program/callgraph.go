package program

import (
	"fmt"
	"sort"
)

// Function is one node of the call graph.
type Function struct {
	Addr      uint64
	Name      string
	Demangled string
	Library   bool
	Stub      bool

	// Flow is the function's control flow graph; nil for imported functions
	// without a body.
	Flow *FlowGraph

	// StringRefs holds the string constants the function references, sorted
	// and deduplicated.
	StringRefs []string

	// MDIndex is the topological signature of the function's closed
	// neighborhood in the call graph.
	MDIndex float64

	// Callers and Callees are node indices into the owning CallGraph,
	// deduplicated and sorted.
	Callers []int
	Callees []int
}

// DisplayName returns the demangled name when present, the raw name
// otherwise.
func (f *Function) DisplayName() string {
	if f.Demangled != "" {
		return f.Demangled
	}
	return f.Name
}

// CallEdge is a direct call between two functions. Site is the address of
// the call instruction within the caller.
type CallEdge struct {
	Caller uint64
	Callee uint64
	Site   uint64
}

// CallGraph is the directed graph of functions for one program.
type CallGraph struct {
	ExecutableID   string
	ExecutableName string
	Architecture   string

	Functions []*Function // ascending address order after Finalize
	Edges     []CallEdge

	// MDIndex is the topological signature of the whole call graph.
	MDIndex float64

	byAddr map[uint64]int
	succs  [][]int
	preds  [][]int
}

// FunctionIndex returns the node index of the function at addr.
func (cg *CallGraph) FunctionIndex(addr uint64) (int, bool) {
	i, ok := cg.byAddr[addr]
	return i, ok
}

// Function returns the function at addr, or nil.
func (cg *CallGraph) Function(addr uint64) *Function {
	if i, ok := cg.byAddr[addr]; ok {
		return cg.Functions[i]
	}
	return nil
}

// FunctionCount returns the number of call graph nodes.
func (cg *CallGraph) FunctionCount() int { return len(cg.Functions) }

// Finalize orders the functions, resolves call edges into adjacency lists
// and computes the call-graph MD-index plus each node's neighborhood
// MD-index. Flow graphs are not read here; Program.Finalize attaches them
// afterwards.
func (cg *CallGraph) Finalize() error {
	sort.Slice(cg.Functions, func(i, j int) bool { return cg.Functions[i].Addr < cg.Functions[j].Addr })
	cg.byAddr = make(map[uint64]int, len(cg.Functions))
	for i, f := range cg.Functions {
		if _, dup := cg.byAddr[f.Addr]; dup {
			return fmt.Errorf("call graph: duplicate function %#x", f.Addr)
		}
		cg.byAddr[f.Addr] = i
		sort.Strings(f.StringRefs)
		f.StringRefs = dedupStrings(f.StringRefs)
	}

	cg.succs = make([][]int, len(cg.Functions))
	cg.preds = make([][]int, len(cg.Functions))
	seen := make(map[[2]int]bool, len(cg.Edges))
	for _, e := range cg.Edges {
		caller, ok := cg.byAddr[e.Caller]
		if !ok {
			return fmt.Errorf("call graph: edge from unknown function %#x", e.Caller)
		}
		callee, ok := cg.byAddr[e.Callee]
		if !ok {
			return fmt.Errorf("call graph: edge to unknown function %#x", e.Callee)
		}
		key := [2]int{caller, callee}
		if seen[key] {
			continue
		}
		seen[key] = true
		cg.succs[caller] = append(cg.succs[caller], callee)
		cg.preds[callee] = append(cg.preds[callee], caller)
	}
	for i, f := range cg.Functions {
		sort.Ints(cg.succs[i])
		sort.Ints(cg.preds[i])
		f.Callees = cg.succs[i]
		f.Callers = cg.preds[i]
	}

	cg.MDIndex = MDIndexGraph(len(cg.Functions), func(i int) []int { return cg.succs[i] })
	for i, f := range cg.Functions {
		f.MDIndex = neighborhoodMDIndex(i, cg.preds, cg.succs)
	}
	return nil
}

func dedupStrings(s []string) []string {
	out := s[:0]
	for i, v := range s {
		if i == 0 || v != s[i-1] {
			out = append(out, v)
		}
	}
	return out
}
