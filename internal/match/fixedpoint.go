// Package match implements the staged matching engine: an ordered pipeline
// of call-graph steps that admits function pairs under a strict one-to-one
// constraint, with a nested pipeline of basic-block steps run for every
// newly admitted pair. Admitted matches are fixed points; they are never
// removed or rewritten.
package match

import "github.com/bits-and-blooms/bitset"

// FixedPoint is an admitted match between a primary and a secondary
// function, tagged with the step that produced it.
type FixedPoint struct {
	Primary    uint64
	Secondary  uint64
	StepID     string
	Confidence float64

	// BasicBlocks holds the admitted block matches of this pair, ordered by
	// primary block address.
	BasicBlocks []BlockMatch
}

// MatchedInstructions sums the aligned instructions across all block
// matches of the pair.
func (fp *FixedPoint) MatchedInstructions() int {
	n := 0
	for i := range fp.BasicBlocks {
		n += fp.BasicBlocks[i].MatchedInstructions
	}
	return n
}

// BlockMatch is an admitted match between two basic blocks inside a matched
// function pair.
type BlockMatch struct {
	Primary    uint64
	Secondary  uint64
	StepID     string
	Confidence float64

	// Alignment marks the primary-side instructions that participate in the
	// longest common subsequence with the secondary block. Bit i corresponds
	// to the block's i-th instruction.
	Alignment *bitset.BitSet

	// MatchedInstructions is the LCS length.
	MatchedInstructions int
}

// Candidate is one (primary, secondary) pair proposed by a step, before
// one-to-one resolution.
type Candidate struct {
	Primary    uint64
	Secondary  uint64
	Confidence float64
}
