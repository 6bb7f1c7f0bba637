// Package config holds the differ's configuration: worker count, the
// ordered step lists for both matching levels, scoring weights and matcher
// thresholds. Configuration is read from YAML; missing keys fall back to the
// documented defaults.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"
)

// ErrConfig reports configuration that is missing required keys or contains
// invalid values. It is fatal at startup.
var ErrConfig = errors.New("config: invalid configuration")

// Config is the recognized option set.
type Config struct {
	// Threads is the worker count for batch diffing. One matching context is
	// always single-threaded.
	Threads int `yaml:"threads"`

	// CallGraphSteps and BasicBlockSteps are the enabled step ids, applied
	// in order from most to least selective.
	CallGraphSteps  []string `yaml:"call_graph_steps"`
	BasicBlockSteps []string `yaml:"basic_block_steps"`

	// SimilarityWeights are the four non-negative weights for matched
	// functions, matched basic blocks, matched instructions and call-graph
	// MD-index agreement. They must sum to 1.
	SimilarityWeights []float64 `yaml:"similarity_weights"`

	// ConfidenceWeights overrides the per-step confidence in [0,1]. Step
	// ids not listed keep their built-in default.
	ConfidenceWeights map[string]float64 `yaml:"confidence_weights"`

	// MinFunctionSize is the minimum block count for prime-signature
	// function matching.
	MinFunctionSize int `yaml:"min_function_size"`
}

// DefaultCallGraphSteps is the default call-graph pipeline, most selective
// first.
var DefaultCallGraphSteps = []string{
	"name",
	"hash",
	"prime",
	"mdindex_flowgraph",
	"mdindex_callgraph",
	"edges_callgraph",
	"strings",
	"loops",
	"instruction_count",
}

// DefaultBasicBlockSteps is the default basic-block pipeline.
var DefaultBasicBlockSteps = []string{
	"bb_entry",
	"bb_hash",
	"bb_prime",
	"bb_mdindex",
	"bb_edges_succ",
	"bb_edges_pred",
	"bb_loop",
	"bb_insn_count",
}

// Default returns the documented default configuration.
func Default() *Config {
	return &Config{
		Threads:           runtime.NumCPU(),
		CallGraphSteps:    append([]string(nil), DefaultCallGraphSteps...),
		BasicBlockSteps:   append([]string(nil), DefaultBasicBlockSteps...),
		SimilarityWeights: []float64{0.35, 0.35, 0.2, 0.1},
		ConfidenceWeights: map[string]float64{},
		MinFunctionSize:   3,
	}
}

// Load reads a YAML configuration file over the defaults and validates the
// result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the option set. It returns an error wrapping ErrConfig on
// the first problem found.
func (c *Config) Validate() error {
	if c.Threads < 1 {
		return fmt.Errorf("%w: threads = %d, want >= 1", ErrConfig, c.Threads)
	}
	if len(c.CallGraphSteps) == 0 {
		return fmt.Errorf("%w: empty call_graph_steps", ErrConfig)
	}
	if len(c.BasicBlockSteps) == 0 {
		return fmt.Errorf("%w: empty basic_block_steps", ErrConfig)
	}
	if len(c.SimilarityWeights) != 4 {
		return fmt.Errorf("%w: similarity_weights needs 4 entries, got %d", ErrConfig, len(c.SimilarityWeights))
	}
	sum := 0.0
	for i, w := range c.SimilarityWeights {
		if w < 0 {
			return fmt.Errorf("%w: similarity_weights[%d] = %v, want >= 0", ErrConfig, i, w)
		}
		sum += w
	}
	if math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("%w: similarity_weights sum to %v, want 1", ErrConfig, sum)
	}
	for id, w := range c.ConfidenceWeights {
		if w < 0 || w > 1 {
			return fmt.Errorf("%w: confidence_weights[%s] = %v, want [0,1]", ErrConfig, id, w)
		}
	}
	if c.MinFunctionSize < 1 {
		return fmt.Errorf("%w: min_function_size = %d, want >= 1", ErrConfig, c.MinFunctionSize)
	}
	return nil
}
