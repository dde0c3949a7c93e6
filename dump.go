package scgo

import (
	"flag"
	"fmt"
	"io"
	"sort"
)

// dumpcmd pretty-prints a bundle's structure for debugging.
type dumpcmd struct {
	inputFile string
}

func (cmd *dumpcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&cmd.inputFile, "i", "-", "input bundle `file`")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}

	ds, err := loadBundleFile(cmd.inputFile, stdin)
	if err != nil {
		return 1
	}

	fmt.Fprintf(stdout, "genes\t%d\n", ds.NGenes())
	fmt.Fprintf(stdout, "cells\t%d\n", ds.NCells())
	fmt.Fprintf(stdout, "nonzero\t%d\n", ds.Counts.NNZ())
	for _, c := range ds.Obs.Cols {
		kind := "float"
		if c.Strings != nil {
			kind = "string"
		}
		fmt.Fprintf(stdout, "obs\t%s\t%s\n", c.Name, kind)
	}
	var names []string
	for name := range ds.Embeddings {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(stdout, "embedding\t%s\t%d dims\n", name, ds.Embeddings[name].Dims)
	}
	if len(ds.VarFeatures) > 0 {
		fmt.Fprintf(stdout, "variable features\t%d\n", len(ds.VarFeatures))
	}
	names = names[:0]
	for name := range ds.Markers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(stdout, "markers\t%s\t%d rows\n", name, len(ds.Markers[name]))
	}
	return 0
}
