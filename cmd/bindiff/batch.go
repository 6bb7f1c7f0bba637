package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"bindiff/internal/batch"
)

func cmdBatch(args []string, log zerolog.Logger) error {
	fs := flag.NewFlagSet("batch", flag.ExitOnError)
	dir := fs.String("dir", "", "directory containing .BinExport files")
	reference := fs.String("reference", "", "restrict pairs to this primary basename")
	outDir := fs.String("output", "", "output directory (defaults to --dir)")
	configPath := fs.String("config", "", "YAML configuration file")
	logFormat := fs.Bool("log", false, "write results in log file format")
	binFormat := fs.Bool("bin", false, "write results in binary format")
	dotFormat := fs.Bool("dot", false, "write matched call graphs as DOT")
	threads := fs.Int("threads", 0, "worker count (defaults to configuration)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dir == "" {
		return fmt.Errorf("--dir is required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *threads > 0 {
		cfg.Threads = *threads
	}

	pairs, err := batch.DiscoverPairs(*dir, *reference)
	if err != nil {
		return err
	}
	if len(pairs) == 0 {
		return fmt.Errorf("no export pairs found in %s", *dir)
	}

	runner := &batch.Runner{
		Dir:       *dir,
		OutDir:    *outDir,
		Config:    cfg,
		Log:       log,
		Cancel:    &cancelFlag,
		LogFormat: *logFormat,
		BinFormat: *binFormat,
		DotFormat: *dotFormat,
	}
	start := time.Now()
	done, err := runner.Run(pairs)
	if err != nil {
		return err
	}
	log.Info().
		Int("pairs", len(pairs)).
		Int("diffed", done).
		Dur("elapsed", time.Since(start)).
		Msg("batch finished")
	return nil
}
