package program

import (
	"fmt"
	"sort"
)

// FlowEdge is an intra-procedural control transfer between two basic blocks,
// identified by block addresses. Edges are resolved to block indices by
// Finalize.
type FlowEdge struct {
	From uint64
	To   uint64
}

// FlowGraph is the control flow graph of one function.
type FlowGraph struct {
	Entry  uint64
	Blocks []*BasicBlock // ascending address order after Finalize
	Edges  []FlowEdge

	// PrimeSig is the product of the blocks' prime signatures, wrapping at
	// 2^64. Because multiplication commutes it is independent of block
	// ordering.
	PrimeSig uint64

	// ByteHash is a hash of the function's raw instruction bytes, or of its
	// instruction text when the export carries no raw bytes; filled in by
	// the loader.
	ByteHash uint64

	// MDIndex is the topological signature of the whole graph.
	MDIndex float64

	// Library marks functions recognized as imported from a known library.
	Library bool

	// LoopCount is the number of cyclic components found by structural
	// analysis.
	LoopCount int

	byAddr map[uint64]int
	succs  [][]int // deduplicated adjacency used for structural analysis
	preds  [][]int
}

// BlockIndex returns the index of the block headed by addr.
func (fg *FlowGraph) BlockIndex(addr uint64) (int, bool) {
	i, ok := fg.byAddr[addr]
	return i, ok
}

// Block returns the block headed by addr, or nil.
func (fg *FlowGraph) Block(addr uint64) *BasicBlock {
	if i, ok := fg.byAddr[addr]; ok {
		return fg.Blocks[i]
	}
	return nil
}

// EntryBlock returns the block at the function entry point, or nil for an
// empty flow graph.
func (fg *FlowGraph) EntryBlock() *BasicBlock { return fg.Block(fg.Entry) }

// BlockCount returns the number of basic blocks.
func (fg *FlowGraph) BlockCount() int { return len(fg.Blocks) }

// InstructionCount returns the total instruction count across all blocks.
func (fg *FlowGraph) InstructionCount() int {
	n := 0
	for _, b := range fg.Blocks {
		n += len(b.Instructions)
	}
	return n
}

// Finalize orders the blocks, resolves edges, and computes every signature
// the matchers read: block prime signatures and mnemonic hashes, the
// function prime signature, loop indices, the graph MD-index and per-block
// neighborhood MD-indices. It must be called exactly once, after loading.
func (fg *FlowGraph) Finalize(cache *Cache) error {
	sort.Slice(fg.Blocks, func(i, j int) bool { return fg.Blocks[i].Addr < fg.Blocks[j].Addr })
	fg.byAddr = make(map[uint64]int, len(fg.Blocks))
	for i, b := range fg.Blocks {
		if _, dup := fg.byAddr[b.Addr]; dup {
			return fmt.Errorf("flow graph %#x: duplicate block %#x", fg.Entry, b.Addr)
		}
		fg.byAddr[b.Addr] = i
	}
	if len(fg.Blocks) > 0 {
		if _, ok := fg.byAddr[fg.Entry]; !ok {
			return fmt.Errorf("flow graph %#x: entry block missing", fg.Entry)
		}
	}

	// Resolve edges to indices, deduplicating parallel edges.
	fg.succs = make([][]int, len(fg.Blocks))
	fg.preds = make([][]int, len(fg.Blocks))
	seen := make(map[[2]int]bool, len(fg.Edges))
	for _, e := range fg.Edges {
		from, ok := fg.byAddr[e.From]
		if !ok {
			return fmt.Errorf("flow graph %#x: edge from unknown block %#x", fg.Entry, e.From)
		}
		to, ok := fg.byAddr[e.To]
		if !ok {
			return fmt.Errorf("flow graph %#x: edge to unknown block %#x", fg.Entry, e.To)
		}
		key := [2]int{from, to}
		if seen[key] {
			continue
		}
		seen[key] = true
		fg.succs[from] = append(fg.succs[from], to)
		fg.preds[to] = append(fg.preds[to], from)
	}
	for i := range fg.succs {
		sort.Ints(fg.succs[i])
		sort.Ints(fg.preds[i])
	}

	// Block-level signatures and per-block adjacency.
	fg.PrimeSig = 1
	for i, b := range fg.Blocks {
		b.computeSignatures(cache)
		b.Succs = fg.succs[i]
		b.Preds = fg.preds[i]
		fg.PrimeSig *= b.PrimeSig
	}

	fg.assignLoopIndices()

	fg.MDIndex = MDIndexGraph(len(fg.Blocks), func(i int) []int { return fg.succs[i] })
	for i, b := range fg.Blocks {
		b.MDIndex = neighborhoodMDIndex(i, fg.preds, fg.succs)
	}
	return nil
}

// assignLoopIndices marks each block with the loop it belongs to. A loop is
// a strongly connected component with more than one block, or a single
// block with a self edge. Loops are numbered in ascending order of their
// lowest block address; blocks outside any loop get -1.
func (fg *FlowGraph) assignLoopIndices() {
	comp, ncomp := sccComponents(len(fg.Blocks), func(i int) []int { return fg.succs[i] })

	size := make([]int, ncomp)
	selfLoop := make([]bool, ncomp)
	first := make([]int, ncomp)
	for i := range first {
		first[i] = len(fg.Blocks)
	}
	for i := range fg.Blocks {
		c := comp[i]
		size[c]++
		if i < first[c] {
			first[c] = i
		}
		for _, s := range fg.succs[i] {
			if s == i {
				selfLoop[c] = true
			}
		}
	}

	// Number the cyclic components by their first block, so indices are
	// stable across runs regardless of traversal order.
	var loops []int
	for c := 0; c < ncomp; c++ {
		if size[c] > 1 || selfLoop[c] {
			loops = append(loops, c)
		}
	}
	sort.Slice(loops, func(i, j int) bool { return first[loops[i]] < first[loops[j]] })
	loopIdx := make(map[int]int, len(loops))
	for i, c := range loops {
		loopIdx[c] = i
	}
	fg.LoopCount = len(loops)

	for i, b := range fg.Blocks {
		if li, ok := loopIdx[comp[i]]; ok {
			b.LoopIndex = li
		} else {
			b.LoopIndex = -1
		}
	}
}
