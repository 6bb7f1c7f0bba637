package result

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
)

// LogWriter renders a human-readable results file: the scores, the count
// table, and one row per matched function pair.
type LogWriter struct {
	path string
}

// NewLogWriter returns a writer that creates path on Write.
func NewLogWriter(path string) *LogWriter {
	return &LogWriter{path: path}
}

func (w *LogWriter) Write(r *Result) error {
	f, err := os.Create(w.path)
	if err != nil {
		return fmt.Errorf("results log: %w", err)
	}
	defer f.Close()

	fmt.Fprintf(f, "%s vs %s\n", r.Primary.CallGraph.ExecutableName, r.Secondary.CallGraph.ExecutableName)
	fmt.Fprintf(f, "similarity: %.4f\tconfidence: %.4f\n\n", r.Similarity, r.Confidence)

	counts := tablewriter.NewWriter(f)
	counts.SetHeader([]string{"Count", "Value"})
	counts.SetAutoFormatHeaders(false)
	counts.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, k := range r.Counts.SortedKeys() {
		counts.Append([]string{k, fmt.Sprintf("%d", r.Counts[k])})
	}
	counts.Render()
	fmt.Fprintln(f)

	matches := tablewriter.NewWriter(f)
	matches.SetHeader([]string{"Primary", "Secondary", "Name", "Step", "Confidence", "Blocks", "Instructions"})
	matches.SetAutoFormatHeaders(false)
	matches.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, fp := range r.FixedPoints {
		name := ""
		if fn := r.Primary.CallGraph.Function(fp.Primary); fn != nil {
			name = fn.DisplayName()
		}
		matches.Append([]string{
			fmt.Sprintf("%016x", fp.Primary),
			fmt.Sprintf("%016x", fp.Secondary),
			name,
			fp.StepID,
			fmt.Sprintf("%.2f", fp.Confidence),
			fmt.Sprintf("%d", len(fp.BasicBlocks)),
			fmt.Sprintf("%d", fp.MatchedInstructions()),
		})
	}
	matches.Render()

	if err := f.Close(); err != nil {
		return fmt.Errorf("results log: %w", err)
	}
	return nil
}
