package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"bindiff/internal/binexport"
	"bindiff/internal/program"
)

// cmdLs lists the executable id and name of every export in a directory.
func cmdLs(args []string) error {
	fs := flag.NewFlagSet("ls", flag.ExitOnError)
	dir := fs.String("dir", "", "directory containing .BinExport files")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dir == "" {
		return fmt.Errorf("--dir is required")
	}

	entries, err := os.ReadDir(*dir)
	if err != nil {
		return fmt.Errorf("readdir %s: %w", *dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), binexport.FileExtension) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	if len(names) == 0 {
		return fmt.Errorf("no exports found in %s", *dir)
	}

	for _, name := range names {
		p, err := binexport.Load(filepath.Join(*dir, name), program.NewCache())
		if err != nil {
			fmt.Printf("%s: unreadable (%v)\n", name, err)
			continue
		}
		fmt.Printf("%s (%s)\n", p.CallGraph.ExecutableID, p.CallGraph.ExecutableName)
	}
	return nil
}
