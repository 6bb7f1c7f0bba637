// Package batch orchestrates diffing many export pairs: pair discovery over
// a directory, a worker pool popping from a shared queue, per-worker
// instruction cache reuse, and graceful cancellation. One matching context
// stays single-threaded; parallelism lives only here.
package batch

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"bindiff/internal/binexport"
	"bindiff/internal/config"
	"bindiff/internal/diag"
	"bindiff/internal/match"
	"bindiff/internal/program"
	"bindiff/internal/result"
	"bindiff/internal/score"
)

// Pair names one diff job by export basenames (without extension) relative
// to the input directory.
type Pair struct {
	Primary   string
	Secondary string
}

// DiscoverPairs lists every export in dir and builds all ordered pairs. A
// non-empty reference restricts the jobs to pairs whose primary is that
// basename.
func DiscoverPairs(dir, reference string) ([]Pair, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("batch: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(getExt(e.Name()), binexport.FileExtension) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), getExt(e.Name())))
	}
	sort.Strings(names)

	var pairs []Pair
	for _, a := range names {
		if reference != "" && a != reference {
			continue
		}
		for _, b := range names {
			if a != b {
				pairs = append(pairs, Pair{Primary: a, Secondary: b})
			}
		}
	}
	return pairs, nil
}

func getExt(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i:]
	}
	return ""
}

// Diff runs the matching pipeline over two loaded programs and scores the
// outcome. The programs must have been loaded through one shared cache.
func Diff(primary, secondary *program.Program, cfg *config.Config, sink *diag.Sink, cancel *atomic.Bool) (*result.Result, error) {
	fnSteps, err := match.BuildFunctionSteps(cfg)
	if err != nil {
		return nil, err
	}
	bbSteps, err := match.BuildBlockSteps(cfg)
	if err != nil {
		return nil, err
	}
	ctx := match.NewContext(primary, secondary, cfg, sink, cancel)
	if err := match.Diff(ctx, fnSteps, bbSteps); err != nil {
		return nil, err
	}
	hist, counts := score.CountsAndHistogram(primary, secondary, ctx.FixedPoints)
	return &result.Result{
		Primary:     primary,
		Secondary:   secondary,
		FixedPoints: ctx.FixedPoints,
		Histogram:   hist,
		Counts:      counts,
		Similarity:  score.Similarity(primary, secondary, ctx.FixedPoints, counts, cfg.SimilarityWeights),
		Confidence:  score.Confidence(hist, cfg),
	}, nil
}

// Runner diffs a queue of pairs with Config.Threads workers.
type Runner struct {
	Dir    string
	OutDir string
	Config *config.Config
	Log    zerolog.Logger
	Cancel *atomic.Bool

	// LogFormat, BinFormat and DotFormat select the writers chained for
	// every pair. When none is set, the binary format is written.
	LogFormat bool
	BinFormat bool
	DotFormat bool
}

// Run processes all pairs and returns the number diffed successfully. Load
// and write failures are reported per pair and skipped; they do not stop
// the batch. Cancellation drains the queue early and is not an error.
func (r *Runner) Run(pairs []Pair) (int, error) {
	if err := r.Config.Validate(); err != nil {
		return 0, err
	}

	var mu sync.Mutex
	queue := append([]Pair(nil), pairs...)
	pop := func() (Pair, bool) {
		mu.Lock()
		defer mu.Unlock()
		if len(queue) == 0 {
			return Pair{}, false
		}
		p := queue[0]
		queue = queue[1:]
		return p, true
	}

	var done atomic.Int64
	var g errgroup.Group
	for i := 0; i < r.Config.Threads; i++ {
		worker := i
		g.Go(func() error {
			r.work(worker, pop, &done)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(done.Load()), err
	}
	return int(done.Load()), nil
}

// work processes pairs until the queue drains or the run is cancelled. The
// worker keeps its instruction cache and loaded programs across consecutive
// pairs that share a side, clearing them only when both sides change.
func (r *Runner) work(id int, pop func() (Pair, bool), done *atomic.Int64) {
	cache := program.NewCache()
	log := r.Log.With().Int("worker", id).Logger()
	sink := diag.NewSink(log)

	var lastPrimary, lastSecondary string
	var primary, secondary *program.Program

	for {
		if r.Cancel != nil && r.Cancel.Load() {
			return
		}
		pair, ok := pop()
		if !ok {
			return
		}

		if pair.Primary != lastPrimary && pair.Secondary != lastSecondary {
			cache.Clear()
			primary, secondary = nil, nil
			lastPrimary, lastSecondary = "", ""
		}

		var err error
		if pair.Primary != lastPrimary || primary == nil {
			log.Info().Str("file", pair.Primary).Msg("reading")
			primary, err = binexport.Load(r.exportPath(pair.Primary), cache)
			if err != nil {
				sink.Emit(diag.KindLoadError, 0, 0,
					fmt.Sprintf("%s vs %s: %v, skipping pair", pair.Primary, pair.Secondary, err))
				lastPrimary, primary = "", nil
				continue
			}
			lastPrimary = pair.Primary
		}
		if pair.Secondary != lastSecondary || secondary == nil {
			log.Info().Str("file", pair.Secondary).Msg("reading")
			secondary, err = binexport.Load(r.exportPath(pair.Secondary), cache)
			if err != nil {
				sink.Emit(diag.KindLoadError, 0, 0,
					fmt.Sprintf("%s vs %s: %v, skipping pair", pair.Primary, pair.Secondary, err))
				lastSecondary, secondary = "", nil
				continue
			}
			lastSecondary = pair.Secondary
		}

		if err := r.diffPair(log, pair, primary, secondary); err != nil {
			log.Error().Err(err).
				Str("primary", pair.Primary).Str("secondary", pair.Secondary).
				Msg("diff failed")
			continue
		}
		done.Add(1)
	}
}

func (r *Runner) diffPair(log zerolog.Logger, pair Pair, primary, secondary *program.Program) error {
	sink := diag.NewSink(log)
	res, err := Diff(primary, secondary, r.Config, sink, r.Cancel)
	if err != nil {
		return err
	}

	chain, err := r.buildWriters(pair)
	if err != nil {
		return err
	}
	if err := chain.Write(res); err != nil {
		return err
	}

	log.Info().
		Str("primary", pair.Primary).Str("secondary", pair.Secondary).
		Int("matches", len(res.FixedPoints)).
		Float64("similarity", res.Similarity).
		Float64("confidence", res.Confidence).
		Msg("diffed")
	return nil
}

func (r *Runner) buildWriters(pair Pair) (*result.ChainWriter, error) {
	var chain result.ChainWriter
	out := r.OutDir
	if out == "" {
		out = r.Dir
	}
	if !strings.HasSuffix(out, "/") {
		out += "/"
	}
	if r.LogFormat {
		path, err := result.TruncatedFilename(out, pair.Primary, "_vs_", pair.Secondary, ".results")
		if err != nil {
			return nil, err
		}
		chain.Add(result.NewLogWriter(path))
	}
	if r.DotFormat {
		path, err := result.TruncatedFilename(out, pair.Primary, "_vs_", pair.Secondary, ".dot")
		if err != nil {
			return nil, err
		}
		chain.Add(result.NewDotWriter(path))
	}
	if r.BinFormat || chain.IsEmpty() {
		path, err := result.TruncatedFilename(out, pair.Primary, "_vs_", pair.Secondary, ".BinDiff")
		if err != nil {
			return nil, err
		}
		chain.Add(result.NewBinaryWriter(path))
	}
	return &chain, nil
}

func (r *Runner) exportPath(base string) string {
	dir := r.Dir
	if !strings.HasSuffix(dir, "/") {
		dir += "/"
	}
	return dir + base + binexport.FileExtension
}
