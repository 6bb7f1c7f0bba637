// Package score turns a fixed-point set into the similarity and confidence
// scalars plus the per-step histogram and the count table reported alongside
// every diff.
package score

import (
	"sort"

	"bindiff/internal/config"
	"bindiff/internal/match"
	"bindiff/internal/program"
)

// Histogram counts fixed points per producing step, separately for
// functions and basic blocks.
type Histogram struct {
	Functions   map[string]int
	BasicBlocks map[string]int
}

// Counts is the quantitative summary of one diff. Keys are stable strings
// like "functions primary (non-library)".
type Counts map[string]uint64

// SortedKeys returns the count keys in lexical order for stable output.
func (c Counts) SortedKeys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CountsAndHistogram walks both programs and the fixed-point set once and
// produces the histogram plus all counts.
func CountsAndHistogram(primary, secondary *program.Program, fps []*match.FixedPoint) (Histogram, Counts) {
	hist := Histogram{
		Functions:   make(map[string]int),
		BasicBlocks: make(map[string]int),
	}
	counts := make(Counts)

	tally := func(side string, p *program.Program) {
		var lib, nonLib, blocks, insns uint64
		for _, f := range p.CallGraph.Functions {
			if f.Library {
				lib++
			} else {
				nonLib++
			}
			if f.Flow != nil && !f.Library {
				blocks += uint64(f.Flow.BlockCount())
				insns += uint64(f.Flow.InstructionCount())
			}
		}
		counts["functions "+side] = lib + nonLib
		counts["functions "+side+" (library)"] = lib
		counts["functions "+side+" (non-library)"] = nonLib
		counts["basic blocks "+side+" (non-library)"] = blocks
		counts["instructions "+side+" (non-library)"] = insns
	}
	tally("primary", primary)
	tally("secondary", secondary)

	var fnLib, fnNonLib, blockMatches, insnMatches uint64
	for _, fp := range fps {
		hist.Functions[fp.StepID]++
		f := primary.CallGraph.Function(fp.Primary)
		if f != nil && f.Library {
			fnLib++
		} else {
			fnNonLib++
		}
		for i := range fp.BasicBlocks {
			hist.BasicBlocks[fp.BasicBlocks[i].StepID]++
		}
		if f == nil || !f.Library {
			blockMatches += uint64(len(fp.BasicBlocks))
			insnMatches += uint64(fp.MatchedInstructions())
		}
	}
	counts["function matches (library)"] = fnLib
	counts["function matches (non-library)"] = fnNonLib
	counts["basic block matches (non-library)"] = blockMatches
	counts["instruction matches (non-library)"] = insnMatches
	counts["functions unmatched primary"] = counts["functions primary"] - fnLib - fnNonLib
	counts["functions unmatched secondary"] = counts["functions secondary"] - fnLib - fnNonLib

	return hist, counts
}

// Similarity combines four fractions under the configured weights: matched
// non-library functions out of the smaller side, matched basic blocks out of
// the union, matched instructions out of the union, and call-graph MD-index
// agreement summed over matched pairs. Every component only grows as fixed
// points are added, so similarity is monotone in the fixed-point set.
func Similarity(primary, secondary *program.Program, fps []*match.FixedPoint, counts Counts, weights []float64) float64 {
	minFuncs := minOf(counts["functions primary (non-library)"], counts["functions secondary (non-library)"])

	matched := counts["function matches (non-library)"]
	blocksP := counts["basic blocks primary (non-library)"]
	blocksS := counts["basic blocks secondary (non-library)"]
	blockMatches := counts["basic block matches (non-library)"]
	insnsP := counts["instructions primary (non-library)"]
	insnsS := counts["instructions secondary (non-library)"]
	insnMatches := counts["instruction matches (non-library)"]

	fnFrac := fraction(matched, minFuncs)
	blockFrac := fraction(blockMatches, blocksP+blocksS-blockMatches)
	insnFrac := fraction(insnMatches, insnsP+insnsS-insnMatches)

	mdSum := 0.0
	for _, fp := range fps {
		pf := primary.CallGraph.Function(fp.Primary)
		sf := secondary.CallGraph.Function(fp.Secondary)
		if pf == nil || sf == nil || pf.Library {
			continue
		}
		mdSum += agreement(pf.MDIndex, sf.MDIndex)
	}
	mdFrac := 0.0
	if minFuncs > 0 {
		mdFrac = mdSum / float64(minFuncs)
	}

	sim := weights[0]*fnFrac + weights[1]*blockFrac + weights[2]*insnFrac + weights[3]*mdFrac
	return clamp01(sim)
}

// Confidence is the share-weighted mean of per-step confidence weights over
// the function histogram, clamped to [0,1]. Steps that produced more of the
// matches drag the score toward their own confidence; a diff resolved
// entirely by the name step scores exactly 1. Basic-block steps carry their
// confidence on the individual block matches instead of folding into the
// scalar.
func Confidence(hist Histogram, cfg *config.Config) float64 {
	total := 0
	for _, n := range hist.Functions {
		total += n
	}
	if total == 0 {
		return 0
	}
	sum := 0.0
	for id, n := range hist.Functions {
		sum += match.StepConfidence(cfg, id) * float64(n)
	}
	return clamp01(sum / float64(total))
}

func agreement(a, b float64) float64 {
	if a == b {
		return 1
	}
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	if hi == 0 {
		return 1
	}
	if lo < 0 {
		return 0
	}
	return lo / hi
}

func fraction(num, den uint64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func minOf(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
