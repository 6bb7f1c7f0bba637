package program

import (
	"fmt"
	"sort"
)

// Program is one loaded binary: its call graph plus the flow graphs of all
// functions that have a body, indexed by entry address. Programs are built
// once by the loader and are read-only during matching.
type Program struct {
	CallGraph *CallGraph
	Flows     map[uint64]*FlowGraph
}

// Flow returns the flow graph with the given entry address, or nil.
func (p *Program) Flow(entry uint64) *FlowGraph { return p.Flows[entry] }

// Finalize links flow graphs to their call graph nodes and computes all
// signatures. The cache must be the one the instructions were interned
// through.
func (p *Program) Finalize(cache *Cache) error {
	if err := p.CallGraph.Finalize(); err != nil {
		return err
	}
	entries := make([]uint64, 0, len(p.Flows))
	for entry := range p.Flows {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i] < entries[j] })
	for _, entry := range entries {
		fg := p.Flows[entry]
		if err := fg.Finalize(cache); err != nil {
			return err
		}
		f := p.CallGraph.Function(entry)
		if f == nil {
			return fmt.Errorf("program: flow graph %#x has no call graph node", entry)
		}
		f.Flow = fg
		f.Library = f.Library || fg.Library
		fg.Library = f.Library
	}
	return nil
}
