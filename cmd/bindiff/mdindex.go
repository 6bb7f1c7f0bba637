package main

import (
	"flag"
	"fmt"

	"bindiff/internal/binexport"
	"bindiff/internal/program"
)

// cmdMdIndex dumps the call-graph MD-index and every function's flow-graph
// MD-index without diffing anything. Useful for eyeballing which functions
// a structural step could tell apart.
func cmdMdIndex(args []string) error {
	fs := flag.NewFlagSet("mdindex", flag.ExitOnError)
	primaryPath := fs.String("primary", "", "input .BinExport file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *primaryPath == "" {
		return fmt.Errorf("--primary is required")
	}

	p, err := binexport.Load(*primaryPath, program.NewCache())
	if err != nil {
		return err
	}

	fmt.Printf("%s\n%.12f\n", p.CallGraph.ExecutableName, p.CallGraph.MDIndex)
	for _, f := range p.CallGraph.Functions {
		if f.Flow == nil {
			continue
		}
		kind := "Non-library"
		if f.Library {
			kind = "Library"
		}
		fmt.Printf("%016x\t%.12f\t%s\n", f.Addr, f.Flow.MDIndex, kind)
	}
	return nil
}
