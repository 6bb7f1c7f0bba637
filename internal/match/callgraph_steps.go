package match

import (
	"github.com/cespare/xxhash/v2"

	"bindiff/internal/program"
)

// nameStep matches on exact symbol names. Stubs are excluded: trampolines
// routinely share the name of their target. Raw names are tried first, then
// demangled names for functions whose raw names differ (renamed exports with
// identical source symbols).
type nameStep struct{ stepBase }

func (s nameStep) Propose(ctx *Context, primary, secondary []*program.Function) []Candidate {
	out := proposeFunctionsByKey(primary, secondary, s.confidence,
		func(f *program.Function) (string, bool) {
			return f.Name, !f.Stub && f.Name != ""
		})
	hasP := make(map[uint64]bool, len(out))
	hasS := make(map[uint64]bool, len(out))
	for _, c := range out {
		hasP[c.Primary] = true
		hasS[c.Secondary] = true
	}
	for _, c := range proposeFunctionsByKey(primary, secondary, s.confidence,
		func(f *program.Function) (string, bool) {
			return f.Demangled, !f.Stub && f.Demangled != ""
		}) {
		if !hasP[c.Primary] && !hasS[c.Secondary] {
			out = append(out, c)
		}
	}
	return out
}

// hashStep matches on the function byte hash (see FlowGraph.ByteHash).
type hashStep struct{ stepBase }

func (s hashStep) Propose(ctx *Context, primary, secondary []*program.Function) []Candidate {
	return proposeFunctionsByKey(primary, secondary, s.confidence,
		func(f *program.Function) (uint64, bool) {
			return hashOf(f), f.Flow != nil && f.Flow.BlockCount() >= 1
		})
}

func hashOf(f *program.Function) uint64 {
	if f.Flow == nil {
		return 0
	}
	return f.Flow.ByteHash
}

// primeStep matches on the function prime signature. Trivial functions are
// skipped: a single mov/ret body collides with every other one.
type primeStep struct {
	stepBase
	minBlocks int
}

func (s primeStep) Propose(ctx *Context, primary, secondary []*program.Function) []Candidate {
	return proposeFunctionsByKey(primary, secondary, s.confidence,
		func(f *program.Function) (uint64, bool) {
			return primeOf(f), f.Flow != nil && f.Flow.BlockCount() >= s.minBlocks
		})
}

func primeOf(f *program.Function) uint64 {
	if f.Flow == nil {
		return 0
	}
	return f.Flow.PrimeSig
}

// mdFlowStep matches on flow-graph MD-index equality.
type mdFlowStep struct{ stepBase }

func (s mdFlowStep) Propose(ctx *Context, primary, secondary []*program.Function) []Candidate {
	return proposeFunctionsByKey(primary, secondary, s.confidence,
		func(f *program.Function) (float64, bool) {
			return mdOf(f), f.Flow != nil && mdOf(f) != 0
		})
}

func mdOf(f *program.Function) float64 {
	if f.Flow == nil {
		return 0
	}
	return f.Flow.MDIndex
}

// mdCallStep matches on the MD-index of the function's neighborhood in the
// call graph.
type mdCallStep struct{ stepBase }

func (s mdCallStep) Propose(ctx *Context, primary, secondary []*program.Function) []Candidate {
	return proposeFunctionsByKey(primary, secondary, s.confidence,
		func(f *program.Function) (float64, bool) {
			return f.MDIndex, f.MDIndex != 0
		})
}

// edgeStep propagates along call edges of already matched pairs: when a
// matched pair has exactly one unmatched caller on each side, those callers
// are proposed; same for callees. This resolves functions no signature can
// separate, using call-graph position instead.
type edgeStep struct{ stepBase }

func (s edgeStep) Propose(ctx *Context, primary, secondary []*program.Function) []Candidate {
	if len(primary) == 0 {
		return nil
	}
	// The engine hands each pass a homogeneous pool; neighbors carrying the
	// other library flag belong to the other pass and must not be proposed
	// here, or the passes would bleed into each other.
	library := primary[0].Library

	var out []Candidate
	for _, fp := range ctx.FixedPoints {
		pf := ctx.Primary.CallGraph.Function(fp.Primary)
		sf := ctx.Secondary.CallGraph.Function(fp.Secondary)
		if pf == nil || sf == nil {
			continue
		}
		if c, ok := s.soleUnmatched(ctx, pf.Callers, sf.Callers, library); ok {
			out = append(out, c)
		}
		if c, ok := s.soleUnmatched(ctx, pf.Callees, sf.Callees, library); ok {
			out = append(out, c)
		}
	}
	return out
}

// soleUnmatched returns a candidate when exactly one unmatched function of
// the current pool remains on each side of a neighbor list.
func (s edgeStep) soleUnmatched(ctx *Context, primary, secondary []int, library bool) (Candidate, bool) {
	p, okP := soleUnmatchedOf(ctx.Primary.CallGraph, primary, ctx.MatchedPrimary, library)
	sec, okS := soleUnmatchedOf(ctx.Secondary.CallGraph, secondary, ctx.MatchedSecondary, library)
	if !okP || !okS {
		return Candidate{}, false
	}
	return Candidate{Primary: p.Addr, Secondary: sec.Addr, Confidence: s.confidence}, true
}

func soleUnmatchedOf(cg *program.CallGraph, nodes []int, matched func(uint64) bool, library bool) (*program.Function, bool) {
	var sole *program.Function
	for _, i := range nodes {
		f := cg.Functions[i]
		if f.Library != library || matched(f.Addr) {
			continue
		}
		if sole != nil {
			return nil, false
		}
		sole = f
	}
	return sole, sole != nil
}

// stringStep matches on the set of referenced string constants.
type stringStep struct{ stepBase }

func (s stringStep) Propose(ctx *Context, primary, secondary []*program.Function) []Candidate {
	return proposeFunctionsByKey(primary, secondary, s.confidence,
		func(f *program.Function) (uint64, bool) {
			if len(f.StringRefs) == 0 {
				return 0, false
			}
			var d xxhash.Digest
			d.Reset()
			for _, ref := range f.StringRefs {
				d.WriteString(ref)
				d.WriteString("\x00")
			}
			return d.Sum64(), true
		})
}

// loopStep is a coarse fallback bucketing by loop count and block count.
type loopStep struct{ stepBase }

func (s loopStep) Propose(ctx *Context, primary, secondary []*program.Function) []Candidate {
	return proposeFunctionsByKey(primary, secondary, s.confidence,
		func(f *program.Function) ([2]int, bool) {
			if f.Flow == nil || f.Flow.LoopCount == 0 {
				return [2]int{}, false
			}
			return [2]int{f.Flow.LoopCount, f.Flow.BlockCount()}, true
		})
}

// insnCountStep is the most permissive fallback: total instruction count.
type insnCountStep struct{ stepBase }

func (s insnCountStep) Propose(ctx *Context, primary, secondary []*program.Function) []Candidate {
	return proposeFunctionsByKey(primary, secondary, s.confidence,
		func(f *program.Function) (int, bool) {
			if f.Flow == nil {
				return 0, false
			}
			n := f.Flow.InstructionCount()
			return n, n > 0
		})
}
