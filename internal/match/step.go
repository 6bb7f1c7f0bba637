package match

import (
	"fmt"

	"bindiff/internal/config"
	"bindiff/internal/program"
)

// FunctionStep proposes function pair candidates from the unmatched pools of
// both call graphs. Steps are pure: they read the context and the pools but
// never mutate them; admission is the engine's job.
type FunctionStep interface {
	ID() string
	Confidence() float64
	Propose(ctx *Context, primary, secondary []*program.Function) []Candidate
}

// BlockStep proposes basic-block pair candidates inside one matched function
// pair.
type BlockStep interface {
	ID() string
	Confidence() float64
	Propose(state *BlockState, primary, secondary []*program.BasicBlock) []Candidate
}

// defaultConfidences documents the built-in per-step confidence weights.
// Configuration may override any of them via confidence_weights.
var defaultConfidences = map[string]float64{
	"name":              1.0,
	"hash":              0.96,
	"prime":             0.9,
	"mdindex_flowgraph": 0.85,
	"mdindex_callgraph": 0.8,
	"edges_callgraph":   0.75,
	"strings":           0.7,
	"loops":             0.5,
	"instruction_count": 0.4,

	"bb_entry":      1.0,
	"bb_hash":       0.95,
	"bb_prime":      0.9,
	"bb_mdindex":    0.85,
	"bb_edges_succ": 0.8,
	"bb_edges_pred": 0.8,
	"bb_loop":       0.6,
	"bb_insn_count": 0.5,
}

// StepConfidence returns the effective confidence weight for a step id
// under cfg.
func StepConfidence(cfg *config.Config, id string) float64 {
	if w, ok := cfg.ConfidenceWeights[id]; ok {
		return w
	}
	return defaultConfidences[id]
}

// stepBase carries the id and confidence shared by all step kinds.
type stepBase struct {
	id         string
	confidence float64
}

func (s stepBase) ID() string          { return s.id }
func (s stepBase) Confidence() float64 { return s.confidence }

func newBase(cfg *config.Config, id string) stepBase {
	return stepBase{id: id, confidence: StepConfidence(cfg, id)}
}

// BuildFunctionSteps instantiates the call-graph pipeline from the
// configured step ids, preserving order. Unknown ids are a configuration
// error.
func BuildFunctionSteps(cfg *config.Config) ([]FunctionStep, error) {
	steps := make([]FunctionStep, 0, len(cfg.CallGraphSteps))
	for _, id := range cfg.CallGraphSteps {
		base := newBase(cfg, id)
		var step FunctionStep
		switch id {
		case "name":
			step = nameStep{base}
		case "hash":
			step = hashStep{base}
		case "prime":
			step = primeStep{base, cfg.MinFunctionSize}
		case "mdindex_flowgraph":
			step = mdFlowStep{base}
		case "mdindex_callgraph":
			step = mdCallStep{base}
		case "edges_callgraph":
			step = edgeStep{base}
		case "strings":
			step = stringStep{base}
		case "loops":
			step = loopStep{base}
		case "instruction_count":
			step = insnCountStep{base}
		default:
			return nil, fmt.Errorf("%w: unknown call graph step %q", config.ErrConfig, id)
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// BuildBlockSteps instantiates the basic-block pipeline from the configured
// step ids.
func BuildBlockSteps(cfg *config.Config) ([]BlockStep, error) {
	steps := make([]BlockStep, 0, len(cfg.BasicBlockSteps))
	for _, id := range cfg.BasicBlockSteps {
		base := newBase(cfg, id)
		var step BlockStep
		switch id {
		case "bb_entry":
			step = bbEntryStep{base}
		case "bb_hash":
			step = bbHashStep{base}
		case "bb_prime":
			step = bbPrimeStep{base}
		case "bb_mdindex":
			step = bbMDStep{base}
		case "bb_edges_succ":
			step = bbSuccStep{base}
		case "bb_edges_pred":
			step = bbPredStep{base}
		case "bb_loop":
			step = bbLoopStep{base}
		case "bb_insn_count":
			step = bbInsnCountStep{base}
		default:
			return nil, fmt.Errorf("%w: unknown basic block step %q", config.ErrConfig, id)
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// proposeFunctionsByKey pairs up functions that agree on a signature key.
// Every cross pair of a key group is proposed; disambiguation is left to the
// resolver. Candidates come out in primary address order, secondaries in
// address order within each primary.
func proposeFunctionsByKey[K comparable](primary, secondary []*program.Function, conf float64,
	key func(*program.Function) (K, bool)) []Candidate {

	byKey := make(map[K][]*program.Function)
	for _, s := range secondary {
		if k, ok := key(s); ok {
			byKey[k] = append(byKey[k], s)
		}
	}
	var out []Candidate
	for _, p := range primary {
		k, ok := key(p)
		if !ok {
			continue
		}
		for _, s := range byKey[k] {
			out = append(out, Candidate{Primary: p.Addr, Secondary: s.Addr, Confidence: conf})
		}
	}
	return out
}

// proposeBlocksByKey is the basic-block counterpart of
// proposeFunctionsByKey.
func proposeBlocksByKey[K comparable](primary, secondary []*program.BasicBlock, conf float64,
	key func(*program.BasicBlock) (K, bool)) []Candidate {

	byKey := make(map[K][]*program.BasicBlock)
	for _, s := range secondary {
		if k, ok := key(s); ok {
			byKey[k] = append(byKey[k], s)
		}
	}
	var out []Candidate
	for _, p := range primary {
		k, ok := key(p)
		if !ok {
			continue
		}
		for _, s := range byKey[k] {
			out = append(out, Candidate{Primary: p.Addr, Secondary: s.Addr, Confidence: conf})
		}
	}
	return out
}
