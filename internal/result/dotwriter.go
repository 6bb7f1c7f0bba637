package result

import (
	"fmt"
	"os"

	"github.com/zboralski/lattice"
	"github.com/zboralski/lattice/render"

	"bindiff/internal/program"
)

// DotWriter renders the primary call graph as a DOT file with the match
// outcome folded into the node labels, for inspection with graphviz.
type DotWriter struct {
	path string
}

// NewDotWriter returns a writer that creates path on Write.
func NewDotWriter(path string) *DotWriter {
	return &DotWriter{path: path}
}

func (w *DotWriter) Write(r *Result) error {
	matched := make(map[uint64]*matchInfo, len(r.FixedPoints))
	for _, fp := range r.FixedPoints {
		matched[fp.Primary] = &matchInfo{secondary: fp.Secondary, step: fp.StepID}
	}

	label := func(f *program.Function) string {
		name := f.DisplayName()
		if name == "" {
			name = fmt.Sprintf("sub_%x", f.Addr)
		}
		if m, ok := matched[f.Addr]; ok {
			return fmt.Sprintf("%s %x=%x [%s]", name, f.Addr, m.secondary, m.step)
		}
		return fmt.Sprintf("%s %x unmatched", name, f.Addr)
	}

	g := &lattice.Graph{}
	cg := r.Primary.CallGraph
	for _, f := range cg.Functions {
		g.Nodes = append(g.Nodes, label(f))
		for _, ci := range f.Callees {
			g.Edges = append(g.Edges, lattice.Edge{
				Caller: label(f),
				Callee: label(cg.Functions[ci]),
			})
		}
	}
	g.Dedup()

	dot := render.DOT(g, "bindiff")
	if err := os.WriteFile(w.path, []byte(dot), 0644); err != nil {
		return fmt.Errorf("dot results: %w", err)
	}
	return nil
}

type matchInfo struct {
	secondary uint64
	step      string
}
