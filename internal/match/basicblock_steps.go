package match

import "bindiff/internal/program"

// BlockState tracks basic-block matching progress inside one matched
// function pair.
type BlockState struct {
	Primary   *program.FlowGraph
	Secondary *program.FlowGraph

	// Matches accumulates admitted block pairs in admission order.
	Matches []BlockMatch

	matchedPrimary   map[uint64]bool
	matchedSecondary map[uint64]bool
}

func newBlockState(primary, secondary *program.FlowGraph) *BlockState {
	return &BlockState{
		Primary:          primary,
		Secondary:        secondary,
		matchedPrimary:   make(map[uint64]bool),
		matchedSecondary: make(map[uint64]bool),
	}
}

// MatchedPrimary reports whether a primary block is already matched.
func (st *BlockState) MatchedPrimary(addr uint64) bool { return st.matchedPrimary[addr] }

// MatchedSecondary reports whether a secondary block is already matched.
func (st *BlockState) MatchedSecondary(addr uint64) bool { return st.matchedSecondary[addr] }

func (st *BlockState) admit(m BlockMatch) {
	st.Matches = append(st.Matches, m)
	st.matchedPrimary[m.Primary] = true
	st.matchedSecondary[m.Secondary] = true
}

func (st *BlockState) unmatchedBlocks(fg *program.FlowGraph, matched map[uint64]bool) []*program.BasicBlock {
	var out []*program.BasicBlock
	for _, b := range fg.Blocks {
		if !matched[b.Addr] {
			out = append(out, b)
		}
	}
	return out
}

// bbEntryStep anchors the search: the entry blocks of both sides are matched
// unconditionally before any signature is consulted.
type bbEntryStep struct{ stepBase }

func (s bbEntryStep) Propose(st *BlockState, primary, secondary []*program.BasicBlock) []Candidate {
	p := st.Primary.EntryBlock()
	sec := st.Secondary.EntryBlock()
	if p == nil || sec == nil || st.MatchedPrimary(p.Addr) || st.MatchedSecondary(sec.Addr) {
		return nil
	}
	return []Candidate{{Primary: p.Addr, Secondary: sec.Addr, Confidence: s.confidence}}
}

// bbHashStep matches on the mnemonic-sequence hash. Short blocks are
// excluded; two-instruction epilogues hash alike everywhere.
type bbHashStep struct{ stepBase }

const minHashBlockLen = 4

func (s bbHashStep) Propose(st *BlockState, primary, secondary []*program.BasicBlock) []Candidate {
	return proposeBlocksByKey(primary, secondary, s.confidence,
		func(b *program.BasicBlock) (uint64, bool) {
			return b.MnemonicHash, b.InstructionCount() >= minHashBlockLen
		})
}

// bbPrimeStep matches on the block prime signature.
type bbPrimeStep struct{ stepBase }

func (s bbPrimeStep) Propose(st *BlockState, primary, secondary []*program.BasicBlock) []Candidate {
	return proposeBlocksByKey(primary, secondary, s.confidence,
		func(b *program.BasicBlock) (uint64, bool) {
			return b.PrimeSig, b.InstructionCount() >= minHashBlockLen
		})
}

// bbMDStep matches on the MD-index of the block's neighborhood.
type bbMDStep struct{ stepBase }

func (s bbMDStep) Propose(st *BlockState, primary, secondary []*program.BasicBlock) []Candidate {
	return proposeBlocksByKey(primary, secondary, s.confidence,
		func(b *program.BasicBlock) (float64, bool) {
			return b.MDIndex, b.MDIndex != 0
		})
}

// bbSuccStep propagates forward from matched pairs: when a matched block
// pair has exactly one unmatched successor on each side, those successors
// are proposed.
type bbSuccStep struct{ stepBase }

func (s bbSuccStep) Propose(st *BlockState, primary, secondary []*program.BasicBlock) []Candidate {
	return proposeNeighbors(st, s.confidence, func(b *program.BasicBlock) []int { return b.Succs })
}

// bbPredStep propagates backward from matched pairs.
type bbPredStep struct{ stepBase }

func (s bbPredStep) Propose(st *BlockState, primary, secondary []*program.BasicBlock) []Candidate {
	return proposeNeighbors(st, s.confidence, func(b *program.BasicBlock) []int { return b.Preds })
}

func proposeNeighbors(st *BlockState, conf float64, neighbors func(*program.BasicBlock) []int) []Candidate {
	var out []Candidate
	for i := range st.Matches {
		m := &st.Matches[i]
		p := st.Primary.Block(m.Primary)
		sec := st.Secondary.Block(m.Secondary)
		if p == nil || sec == nil {
			continue
		}
		pn, okP := soleUnmatchedBlock(st.Primary, neighbors(p), st.matchedPrimary)
		sn, okS := soleUnmatchedBlock(st.Secondary, neighbors(sec), st.matchedSecondary)
		if okP && okS {
			out = append(out, Candidate{Primary: pn.Addr, Secondary: sn.Addr, Confidence: conf})
		}
	}
	return out
}

func soleUnmatchedBlock(fg *program.FlowGraph, idx []int, matched map[uint64]bool) (*program.BasicBlock, bool) {
	var sole *program.BasicBlock
	for _, i := range idx {
		b := fg.Blocks[i]
		if matched[b.Addr] {
			continue
		}
		if sole != nil {
			return nil, false
		}
		sole = b
	}
	return sole, sole != nil
}

// bbLoopStep buckets by loop index and instruction count.
type bbLoopStep struct{ stepBase }

func (s bbLoopStep) Propose(st *BlockState, primary, secondary []*program.BasicBlock) []Candidate {
	return proposeBlocksByKey(primary, secondary, s.confidence,
		func(b *program.BasicBlock) ([2]int, bool) {
			return [2]int{b.LoopIndex, b.InstructionCount()}, b.LoopIndex >= 0
		})
}

// bbInsnCountStep is the most permissive block fallback.
type bbInsnCountStep struct{ stepBase }

func (s bbInsnCountStep) Propose(st *BlockState, primary, secondary []*program.BasicBlock) []Candidate {
	return proposeBlocksByKey(primary, secondary, s.confidence,
		func(b *program.BasicBlock) (int, bool) {
			n := b.InstructionCount()
			return n, n > 0
		})
}
