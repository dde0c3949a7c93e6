// Package scgo implements a command line toolkit for single-cell
// RNA-seq analysis: ingestion of digital count matrices, quality
// control, normalization, dimensionality reduction, clustering, cell
// type annotation, differential expression, and multi-dataset
// integration. Pipeline state moves between commands as a gob-encoded
// dataset bundle.
package scgo

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

const version = "0.3.1"

// A handler is one subcommand. Exit status 0 means success, 1 means a
// runtime error, 2 means a usage error.
type handler interface {
	RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int
}

var commands = map[string]handler{
	"import":       &importer{},
	"qc":           &qccmd{},
	"normalize":    &normalizer{},
	"cellcycle":    &cellcyclecmd{},
	"reduce":       &reducer{},
	"cluster":      &clustercmd{},
	"annotate":     &annotatecmd{},
	"diffexp":      &diffexpcmd{},
	"merge":        &merger{},
	"integrate":    &integratecmd{},
	"stats":        &statscmd{},
	"export":       &exporter{},
	"export-numpy": &exportNumpy{},
	"dump":         &dumpcmd{},
}

func Main() {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		logrus.StandardLogger().Formatter = &logrus.TextFormatter{DisableTimestamp: true}
	}
	os.Exit(runCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func runCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		usage(prog, stderr)
		return 2
	}
	switch args[0] {
	case "version", "-version", "--version":
		fmt.Fprintf(stdout, "%s %s\n", prog, version)
		return 0
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "%s: unrecognized command %q\n", prog, args[0])
		usage(prog, stderr)
		return 2
	}
	return cmd.RunCommand(prog+" "+args[0], args[1:], stdin, stdout, stderr)
}

func usage(prog string, stderr io.Writer) {
	fmt.Fprintf(stderr, "usage: %s command [options]\n\navailable commands:\n", prog)
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(stderr, "  %s\n", name)
	}
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
