package match

import (
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"

	"bindiff/internal/config"
	"bindiff/internal/diag"
	"bindiff/internal/program"
)

// Context owns the fixed-point set for one diff and holds read-only
// references to both programs. A context is used by exactly one goroutine.
type Context struct {
	Primary   *program.Program
	Secondary *program.Program
	Config    *config.Config
	Diag      *diag.Sink

	// Cancel is the cooperative stop flag, checked between steps. A nil
	// handle means the run cannot be cancelled.
	Cancel *atomic.Bool

	// FixedPoints accumulates admitted matches in admission order.
	FixedPoints []*FixedPoint

	matchedPrimary   mapset.Set[uint64]
	matchedSecondary mapset.Set[uint64]
}

// NewContext prepares a matching context over two loaded programs.
func NewContext(primary, secondary *program.Program, cfg *config.Config, sink *diag.Sink, cancel *atomic.Bool) *Context {
	return &Context{
		Primary:          primary,
		Secondary:        secondary,
		Config:           cfg,
		Diag:             sink,
		Cancel:           cancel,
		matchedPrimary:   mapset.NewThreadUnsafeSet[uint64](),
		matchedSecondary: mapset.NewThreadUnsafeSet[uint64](),
	}
}

func (c *Context) cancelled() bool { return c.Cancel != nil && c.Cancel.Load() }

// MatchedPrimary reports whether a primary function is already part of a
// fixed point.
func (c *Context) MatchedPrimary(addr uint64) bool { return c.matchedPrimary.Contains(addr) }

// MatchedSecondary reports whether a secondary function is already matched.
func (c *Context) MatchedSecondary(addr uint64) bool { return c.matchedSecondary.Contains(addr) }

// admit appends a fixed point and claims both endpoints.
func (c *Context) admit(fp *FixedPoint) {
	c.FixedPoints = append(c.FixedPoints, fp)
	c.matchedPrimary.Add(fp.Primary)
	c.matchedSecondary.Add(fp.Secondary)
}

// unmatchedFunctions returns the unmatched functions of one side, restricted
// to one library pool, in ascending address order. matched must be the
// matched-set of the same side.
func unmatchedFunctions(p *program.Program, matched mapset.Set[uint64], library bool) []*program.Function {
	var out []*program.Function
	for _, f := range p.CallGraph.Functions {
		if f.Library != library || matched.Contains(f.Addr) {
			continue
		}
		out = append(out, f)
	}
	return out
}
