// Package result renders a finished diff. Writers consume the fixed-point
// set together with both programs and the scores; several writers can be
// chained to produce multiple formats in one pass.
package result

import (
	"fmt"

	"bindiff/internal/match"
	"bindiff/internal/program"
	"bindiff/internal/score"
)

// Result is everything a writer needs about one finished diff.
type Result struct {
	Primary     *program.Program
	Secondary   *program.Program
	FixedPoints []*match.FixedPoint
	Histogram   score.Histogram
	Counts      score.Counts
	Similarity  float64
	Confidence  float64
}

// Writer renders one result. Implementations own their output destination.
type Writer interface {
	Write(*Result) error
}

// ChainWriter fans one result out to several writers in order.
type ChainWriter struct {
	writers []Writer
}

// Add appends a writer to the chain.
func (c *ChainWriter) Add(w Writer) { c.writers = append(c.writers, w) }

// IsEmpty reports whether no writer was added.
func (c *ChainWriter) IsEmpty() bool { return len(c.writers) == 0 }

// Write renders the result through every writer, stopping at the first
// failure.
func (c *ChainWriter) Write(r *Result) error {
	for _, w := range c.writers {
		if err := w.Write(r); err != nil {
			return err
		}
	}
	return nil
}

// maxFilename bounds the length of generated output paths, directory prefix
// included.
const maxFilename = 250

// TruncatedFilename assembles dir/part1+middle+part2+ext, shortening part1
// and part2 when the result would exceed the filename cap. The longer of
// the two stems is shortened first; if both must shrink they lose equally.
// Inputs that cannot fit at all are an error.
func TruncatedFilename(dir, part1, middle, part2, ext string) (string, error) {
	length := len(dir) + len(part1) + len(middle) + len(part2) + len(ext)
	if length <= maxFilename {
		return dir + part1 + middle + part2 + ext, nil
	}
	overflow := length - maxFilename

	one, two := part1, part2
	if len(one) > len(two) {
		keep := len(one) - overflow
		if keep < len(two) {
			keep = len(two)
		}
		one = one[:keep]
		overflow -= len(part1) - len(one)
	} else if len(two) > len(one) {
		keep := len(two) - overflow
		if keep < len(one) {
			keep = len(one)
		}
		two = two[:keep]
		overflow -= len(part2) - len(two)
	}
	if overflow == 0 {
		return dir + one + middle + two + ext, nil
	}

	half := (overflow + 1) / 2
	if half >= len(one) || half >= len(two) {
		return "", fmt.Errorf("result: cannot build a filename under %d characters from %q and %q",
			maxFilename, part1, part2)
	}
	return dir + one[:len(one)-half] + middle + two[:len(two)-half] + ext, nil
}
