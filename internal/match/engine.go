package match

import (
	"errors"
	"fmt"
	"sort"

	"bindiff/internal/diag"
	"bindiff/internal/program"
)

// ErrNoSteps reports an empty step pipeline.
var ErrNoSteps = errors.New("match: empty step list")

// Diff runs the full matching pipeline over the context's two programs:
// every call-graph step in order, with basic-block matching performed
// immediately for each newly admitted function pair so that later call-graph
// steps observe the updated fixed-point set. Non-library functions are
// matched first, then library functions in a separate pass over a disjoint
// pool; the two pools never mix.
//
// Cancellation is checked between steps. A cancelled run returns nil and
// leaves a valid partial fixed-point set in the context.
func Diff(ctx *Context, fnSteps []FunctionStep, bbSteps []BlockStep) error {
	if len(fnSteps) == 0 || len(bbSteps) == 0 {
		return ErrNoSteps
	}
	for _, library := range []bool{false, true} {
		for _, step := range fnSteps {
			if ctx.cancelled() {
				ctx.Diag.Emit(diag.KindCancelled, 0, 0, "matching cancelled, returning partial result")
				return nil
			}
			// A step runs until it stops producing admissions: each admitted
			// pair shrinks the pools and may unblock candidates the previous
			// round had to drop as ambiguous, and the propagation steps
			// cascade outward from fresh fixed points.
			for {
				primary := unmatchedFunctions(ctx.Primary, ctx.matchedPrimary, library)
				secondary := unmatchedFunctions(ctx.Secondary, ctx.matchedSecondary, library)
				if len(primary) == 0 || len(secondary) == 0 {
					break
				}
				cands := step.Propose(ctx, primary, secondary)
				admitted := resolveCandidates(cands, ctx.MatchedPrimary, ctx.MatchedSecondary,
					func(c Candidate, why string) {
						ctx.Diag.Emit(diag.KindInvariantViolation, c.Primary, c.Secondary,
							fmt.Sprintf("step %s: %s", step.ID(), why))
					})
				if len(admitted) == 0 {
					break
				}
				for _, c := range admitted {
					if !candidateInPool(ctx, c, library) {
						ctx.Diag.Emit(diag.KindInvariantViolation, c.Primary, c.Secondary,
							fmt.Sprintf("step %s: candidate outside the current library pool", step.ID()))
						continue
					}
					fp := &FixedPoint{
						Primary:    c.Primary,
						Secondary:  c.Secondary,
						StepID:     step.ID(),
						Confidence: c.Confidence,
					}
					ctx.admit(fp)
					matchBasicBlocks(ctx, fp, bbSteps)
				}
			}
		}
	}
	return nil
}

// candidateInPool verifies both endpoints belong to the pool the current
// pass is matching. Steps only ever see that pool, so a violation is a step
// bug; the candidate is dropped to keep library and non-library functions
// strictly apart.
func candidateInPool(ctx *Context, c Candidate, library bool) bool {
	p := ctx.Primary.CallGraph.Function(c.Primary)
	s := ctx.Secondary.CallGraph.Function(c.Secondary)
	return p != nil && s != nil && p.Library == library && s.Library == library
}

// resolveCandidates applies the one-to-one resolution rule to one step's
// output. Candidates referencing an already-matched entity are rejected (a
// step bug, reported but not fatal). Among the survivors, each primary is
// reduced to its highest-confidence candidates and likewise each secondary;
// a pair is admitted only when it is the single remaining candidate of both
// of its endpoints. Everything else is dropped for a later step to resolve.
// Admissions come out ordered by confidence, then primary address, then
// secondary address.
func resolveCandidates(cands []Candidate, matchedPrimary, matchedSecondary func(uint64) bool,
	reject func(Candidate, string)) []Candidate {

	type pair = [2]uint64
	best := make(map[pair]Candidate, len(cands))
	for _, c := range cands {
		if matchedPrimary(c.Primary) {
			reject(c, "candidate references matched primary")
			continue
		}
		if matchedSecondary(c.Secondary) {
			reject(c, "candidate references matched secondary")
			continue
		}
		k := pair{c.Primary, c.Secondary}
		if prev, ok := best[k]; !ok || c.Confidence > prev.Confidence {
			best[k] = c
		}
	}

	maxByPrimary := make(map[uint64]float64)
	maxBySecondary := make(map[uint64]float64)
	for _, c := range best {
		if c.Confidence > maxByPrimary[c.Primary] {
			maxByPrimary[c.Primary] = c.Confidence
		}
		if c.Confidence > maxBySecondary[c.Secondary] {
			maxBySecondary[c.Secondary] = c.Confidence
		}
	}

	countPrimary := make(map[uint64]int)
	countSecondary := make(map[uint64]int)
	var survivors []Candidate
	for _, c := range best {
		if c.Confidence < maxByPrimary[c.Primary] || c.Confidence < maxBySecondary[c.Secondary] {
			continue
		}
		survivors = append(survivors, c)
		countPrimary[c.Primary]++
		countSecondary[c.Secondary]++
	}

	var admitted []Candidate
	for _, c := range survivors {
		if countPrimary[c.Primary] == 1 && countSecondary[c.Secondary] == 1 {
			admitted = append(admitted, c)
		}
	}
	sort.Slice(admitted, func(i, j int) bool {
		a, b := admitted[i], admitted[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.Primary != b.Primary {
			return a.Primary < b.Primary
		}
		return a.Secondary < b.Secondary
	})
	return admitted
}

// matchBasicBlocks runs the basic-block pipeline for one admitted function
// pair and records the block matches, each with its instruction alignment,
// inside the fixed point.
func matchBasicBlocks(ctx *Context, fp *FixedPoint, bbSteps []BlockStep) {
	primaryFG := ctx.Primary.Flow(fp.Primary)
	secondaryFG := ctx.Secondary.Flow(fp.Secondary)
	if primaryFG == nil || secondaryFG == nil {
		return
	}

	st := newBlockState(primaryFG, secondaryFG)
	for _, step := range bbSteps {
		for {
			primary := st.unmatchedBlocks(primaryFG, st.matchedPrimary)
			secondary := st.unmatchedBlocks(secondaryFG, st.matchedSecondary)
			if len(primary) == 0 || len(secondary) == 0 {
				break
			}
			cands := step.Propose(st, primary, secondary)
			admitted := resolveCandidates(cands, st.MatchedPrimary, st.MatchedSecondary,
				func(c Candidate, why string) {
					ctx.Diag.Emit(diag.KindInvariantViolation, fp.Primary, fp.Secondary,
						fmt.Sprintf("block step %s: %s", step.ID(), why))
				})
			if len(admitted) == 0 {
				break
			}
			for _, c := range admitted {
				m := BlockMatch{
					Primary:    c.Primary,
					Secondary:  c.Secondary,
					StepID:     step.ID(),
					Confidence: c.Confidence,
				}
				alignInstructions(&m, primaryFG.Block(c.Primary), secondaryFG.Block(c.Secondary))
				st.admit(m)
			}
		}
	}

	sort.Slice(st.Matches, func(i, j int) bool { return st.Matches[i].Primary < st.Matches[j].Primary })
	fp.BasicBlocks = st.Matches
}

// alignInstructions records the LCS alignment of a matched block pair. No
// propagation follows from instruction matches; the alignment exists for
// reporting and for the matched-instruction counts.
func alignInstructions(m *BlockMatch, primary, secondary *program.BasicBlock) {
	if primary == nil || secondary == nil {
		return
	}
	m.Alignment, m.MatchedInstructions = lcsAlign(primary.Instructions, secondary.Instructions)
}
