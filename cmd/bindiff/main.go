package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/rs/zerolog"
)

// cancelFlag is the cooperative stop flag handed to every matching context.
var cancelFlag atomic.Bool

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	installSignalHandler(log)

	var err error
	switch os.Args[1] {
	case "diff":
		err = cmdDiff(os.Args[2:], log)
	case "batch":
		err = cmdBatch(os.Args[2:], log)
	case "mdindex":
		err = cmdMdIndex(os.Args[2:])
	case "ls":
		err = cmdLs(os.Args[2:])
	case "help", "-h", "--help":
		usage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// installSignalHandler wires SIGINT/SIGTERM to graceful cancellation: the
// current operations finish and partial results are still written. A third
// signal terminates immediately.
func installSignalHandler(log zerolog.Logger) {
	ch := make(chan os.Signal, 3)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		count := 0
		for range ch {
			count++
			if count < 3 {
				log.Info().Msg("gracefully shutting down after current operations finish")
				cancelFlag.Store(true)
			} else {
				log.Info().Msg("forcefully terminating process")
				os.Exit(1)
			}
		}
	}()
}

func usage() {
	fmt.Fprintf(os.Stderr, `bindiff — finds similarities in binary code

Usage:
  bindiff diff    --primary <file> --secondary <file>   Diff two exports
  bindiff batch   --dir <path> [--reference <name>]      Diff all exports in a directory pairwise
  bindiff mdindex --primary <file>                       Dump MD indices (does not diff)
  bindiff ls      --dir <path>                           List id/name for all exports in a directory

Flags:
  --primary <file>      Primary .BinExport input
  --secondary <file>    Secondary .BinExport input
  --dir <path>          Input directory for batch mode
  --reference <name>    Restrict batch pairs to this primary basename
  --output <dir>        Output directory, defaults to the input location
  --config <file>       YAML configuration file
  --log                 Write results in log file format
  --bin                 Write results in binary format (default when no format is chosen)
  --dot                 Write the matched call graph as DOT
  --threads <n>         Worker count for batch mode
`)
}
