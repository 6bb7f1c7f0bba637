package score

import (
	"testing"

	"github.com/bits-and-blooms/bitset"

	"bindiff/internal/config"
	"bindiff/internal/match"
	"bindiff/internal/program"
)

// makePair builds two identical two-function programs through one cache.
func makePair(t *testing.T) (*program.Program, *program.Program) {
	t.Helper()
	cache := program.NewCache()
	build := func() *program.Program {
		block := func(addr uint64, insts ...[2]string) *program.BasicBlock {
			b := &program.BasicBlock{Addr: addr}
			for i, in := range insts {
				id, prime := cache.Intern(in[0], in[1])
				b.Instructions = append(b.Instructions,
					program.Instruction{Addr: addr + uint64(i*4), ID: id, Prime: prime})
			}
			return b
		}
		p := &program.Program{
			CallGraph: &program.CallGraph{
				Functions: []*program.Function{
					{Addr: 0x100, Name: "alpha"},
					{Addr: 0x200, Name: "beta"},
				},
				Edges: []program.CallEdge{{Caller: 0x100, Callee: 0x200}},
			},
			Flows: map[uint64]*program.FlowGraph{
				0x100: {Entry: 0x100, Blocks: []*program.BasicBlock{
					block(0x100, [2]string{"call", "0x200"}, [2]string{"ret", ""}),
				}},
				0x200: {Entry: 0x200, Blocks: []*program.BasicBlock{
					block(0x200, [2]string{"mov", "eax, 1"}, [2]string{"add", "eax, 2"}, [2]string{"ret", ""}),
				}},
			},
		}
		if err := p.Finalize(cache); err != nil {
			t.Fatal(err)
		}
		return p
	}
	return build(), build()
}

func fullMatch(stepID string) []*match.FixedPoint {
	blockMatch := func(addr uint64, insns int) match.BlockMatch {
		bs := bitset.New(uint(insns))
		for i := 0; i < insns; i++ {
			bs.Set(uint(i))
		}
		return match.BlockMatch{Primary: addr, Secondary: addr, StepID: "bb_entry",
			Confidence: 1, Alignment: bs, MatchedInstructions: insns}
	}
	return []*match.FixedPoint{
		{Primary: 0x100, Secondary: 0x100, StepID: stepID, Confidence: 1,
			BasicBlocks: []match.BlockMatch{blockMatch(0x100, 2)}},
		{Primary: 0x200, Secondary: 0x200, StepID: stepID, Confidence: 1,
			BasicBlocks: []match.BlockMatch{blockMatch(0x200, 3)}},
	}
}

func TestCountsAndHistogram(t *testing.T) {
	primary, secondary := makePair(t)
	fps := fullMatch("name")
	hist, counts := CountsAndHistogram(primary, secondary, fps)

	if hist.Functions["name"] != 2 {
		t.Errorf("function histogram = %v", hist.Functions)
	}
	if hist.BasicBlocks["bb_entry"] != 2 {
		t.Errorf("block histogram = %v", hist.BasicBlocks)
	}
	want := map[string]uint64{
		"functions primary":                     2,
		"functions primary (non-library)":       2,
		"functions primary (library)":           0,
		"basic blocks primary (non-library)":    2,
		"instructions primary (non-library)":    5,
		"function matches (non-library)":        2,
		"basic block matches (non-library)":     2,
		"instruction matches (non-library)":     5,
		"functions unmatched primary":           0,
		"functions unmatched secondary":         0,
	}
	for k, v := range want {
		if counts[k] != v {
			t.Errorf("counts[%q] = %d, want %d", k, counts[k], v)
		}
	}
}

func TestSimilarityIdentity(t *testing.T) {
	primary, secondary := makePair(t)
	fps := fullMatch("name")
	_, counts := CountsAndHistogram(primary, secondary, fps)
	sim := Similarity(primary, secondary, fps, counts, config.Default().SimilarityWeights)
	if sim < 0.999 {
		t.Errorf("identity similarity = %v, want 1", sim)
	}
}

func TestSimilarityEmpty(t *testing.T) {
	primary, secondary := makePair(t)
	_, counts := CountsAndHistogram(primary, secondary, nil)
	sim := Similarity(primary, secondary, nil, counts, config.Default().SimilarityWeights)
	if sim != 0 {
		t.Errorf("similarity with no fixed points = %v, want 0", sim)
	}
}

func TestSimilarityMonotone(t *testing.T) {
	primary, secondary := makePair(t)
	full := fullMatch("name")
	weights := config.Default().SimilarityWeights

	_, partialCounts := CountsAndHistogram(primary, secondary, full[:1])
	partial := Similarity(primary, secondary, full[:1], partialCounts, weights)
	_, fullCounts := CountsAndHistogram(primary, secondary, full)
	whole := Similarity(primary, secondary, full, fullCounts, weights)

	if partial >= whole {
		t.Errorf("similarity not monotone: partial %v >= full %v", partial, whole)
	}
	if partial <= 0 || partial >= 1 {
		t.Errorf("partial similarity = %v, want strictly between 0 and 1", partial)
	}
}

func TestConfidence(t *testing.T) {
	cfg := config.Default()

	if got := Confidence(Histogram{Functions: map[string]int{"name": 3}}, cfg); got != 1 {
		t.Errorf("all-name confidence = %v, want 1", got)
	}
	if got := Confidence(Histogram{}, cfg); got != 0 {
		t.Errorf("empty confidence = %v, want 0", got)
	}

	mixed := Histogram{Functions: map[string]int{"name": 1, "hash": 1}}
	got := Confidence(mixed, cfg)
	want := (1.0 + 0.96) / 2
	if got != want {
		t.Errorf("mixed confidence = %v, want %v", got, want)
	}
}

func TestConfidenceConfigOverride(t *testing.T) {
	cfg := config.Default()
	cfg.ConfidenceWeights = map[string]float64{"hash": 0.5}
	got := Confidence(Histogram{Functions: map[string]int{"hash": 2}}, cfg)
	if got != 0.5 {
		t.Errorf("overridden confidence = %v, want 0.5", got)
	}
}
