package main

import (
	"flag"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"bindiff/internal/batch"
	"bindiff/internal/binexport"
	"bindiff/internal/config"
	"bindiff/internal/diag"
	"bindiff/internal/program"
	"bindiff/internal/result"
)

func cmdDiff(args []string, log zerolog.Logger) error {
	fs := flag.NewFlagSet("diff", flag.ExitOnError)
	primaryPath := fs.String("primary", "", "primary .BinExport input")
	secondaryPath := fs.String("secondary", "", "secondary .BinExport input")
	outDir := fs.String("output", "", "output directory (defaults to the primary's directory)")
	configPath := fs.String("config", "", "YAML configuration file")
	logFormat := fs.Bool("log", false, "write results in log file format")
	binFormat := fs.Bool("bin", false, "write results in binary format")
	dotFormat := fs.Bool("dot", false, "write the matched call graph as DOT")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *primaryPath == "" || *secondaryPath == "" {
		return fmt.Errorf("--primary and --secondary are required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	// One shared cache: identical instructions of both programs must share
	// identity for the block signatures to be comparable.
	start := time.Now()
	cache := program.NewCache()
	log.Info().Str("file", *primaryPath).Msg("reading")
	primary, err := binexport.Load(*primaryPath, cache)
	if err != nil {
		return err
	}
	log.Info().Str("file", *secondaryPath).Msg("reading")
	secondary, err := binexport.Load(*secondaryPath, cache)
	if err != nil {
		return err
	}
	log.Info().
		Dur("elapsed", time.Since(start)).
		Int("functions_primary", primary.CallGraph.FunctionCount()).
		Int("calls_primary", len(primary.CallGraph.Edges)).
		Int("functions_secondary", secondary.CallGraph.FunctionCount()).
		Int("calls_secondary", len(secondary.CallGraph.Edges)).
		Msg("setup")

	start = time.Now()
	sink := diag.NewSink(log)
	res, err := batch.Diff(primary, secondary, cfg, sink, &cancelFlag)
	if err != nil {
		return err
	}
	log.Info().
		Dur("elapsed", time.Since(start)).
		Int("matches", len(res.FixedPoints)).
		Uint64("unmatched_primary", res.Counts["functions unmatched primary"]).
		Uint64("unmatched_secondary", res.Counts["functions unmatched secondary"]).
		Msg("matching")
	log.Info().
		Float64("primary", primary.CallGraph.MDIndex).
		Float64("secondary", secondary.CallGraph.MDIndex).
		Msg("call graph MD indices")
	log.Info().
		Float64("similarity", res.Similarity).
		Float64("confidence", res.Confidence).
		Msg("scores")

	out := *outDir
	if out == "" {
		out = filepath.Dir(*primaryPath)
	}
	if !strings.HasSuffix(out, "/") {
		out += "/"
	}
	primaryStem := exportStem(*primaryPath, primary)
	secondaryStem := exportStem(*secondaryPath, secondary)

	var chain result.ChainWriter
	if *logFormat {
		path, err := result.TruncatedFilename(out, primaryStem, "_vs_", secondaryStem, ".results")
		if err != nil {
			return err
		}
		chain.Add(result.NewLogWriter(path))
	}
	if *dotFormat {
		path, err := result.TruncatedFilename(out, primaryStem, "_vs_", secondaryStem, ".dot")
		if err != nil {
			return err
		}
		chain.Add(result.NewDotWriter(path))
	}
	if *binFormat || chain.IsEmpty() {
		path, err := result.TruncatedFilename(out, primaryStem, "_vs_", secondaryStem, ".BinDiff")
		if err != nil {
			return err
		}
		chain.Add(result.NewBinaryWriter(path))
	}

	start = time.Now()
	if err := chain.Write(res); err != nil {
		return err
	}
	log.Info().Dur("elapsed", time.Since(start)).Msg("writing results")
	return nil
}

// exportStem picks the executable name recorded in the export, falling back
// to the input filename.
func exportStem(path string, p *program.Program) string {
	if name := p.CallGraph.ExecutableName; name != "" {
		return name
	}
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}
