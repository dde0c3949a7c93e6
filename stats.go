package scgo

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// statscmd summarizes a bundle as JSON: dimensions, metadata column
// five-number summaries, categorical label counts, and the embeddings
// and marker tables present.
type statscmd struct {
	inputFile  string
	outputFile string
}

func (cmd *statscmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&cmd.inputFile, "i", "-", "input bundle `file`")
	flags.StringVar(&cmd.outputFile, "o", "-", "output `file`")
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

	output, err := openOutput(cmd.outputFile, stdout)
	if err != nil {
		return 1
	}
	defer output.Close()
	bufw := bufio.NewWriter(output)
	err = doStats(ds, bufw)
	if err != nil {
		return 1
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}

type numericSummary struct {
	Min, Q1, Median, Q3, Max float64
}

func doStats(ds *Dataset, output io.Writer) error {
	var ret struct {
		Genes            int
		Cells            int
		Nonzero          int
		VariableFeatures int                       `json:",omitempty"`
		Metrics          map[string]numericSummary `json:",omitempty"`
		Labels           map[string]map[string]int `json:",omitempty"`
		Embeddings       map[string]int            `json:",omitempty"`
		MarkerTables     map[string]int            `json:",omitempty"`
	}
	ret.Genes = ds.NGenes()
	ret.Cells = ds.NCells()
	ret.Nonzero = ds.Counts.NNZ()
	ret.VariableFeatures = len(ds.VarFeatures)

	for _, c := range ds.Obs.Cols {
		if c.Floats != nil {
			if ret.Metrics == nil {
				ret.Metrics = map[string]numericSummary{}
			}
			ret.Metrics[c.Name] = fiveNumber(c.Floats)
		} else {
			if ret.Labels == nil {
				ret.Labels = map[string]map[string]int{}
			}
			counts := map[string]int{}
			for _, v := range c.Strings {
				counts[v]++
			}
			ret.Labels[c.Name] = counts
		}
	}
	if len(ds.Embeddings) > 0 {
		ret.Embeddings = map[string]int{}
		for name, e := range ds.Embeddings {
			ret.Embeddings[name] = e.Dims
		}
	}
	if len(ds.Markers) > 0 {
		ret.MarkerTables = map[string]int{}
		for name, rows := range ds.Markers {
			ret.MarkerTables[name] = len(rows)
		}
	}
	enc := json.NewEncoder(output)
	enc.SetIndent("", "  ")
	return enc.Encode(ret)
}

func fiveNumber(v []float64) numericSummary {
	s := make([]float64, len(v))
	copy(s, v)
	sort.Float64s(s)
	if len(s) == 0 {
		return numericSummary{}
	}
	return numericSummary{
		Min:    s[0],
		Q1:     stat.Quantile(0.25, stat.Empirical, s, nil),
		Median: stat.Quantile(0.5, stat.Empirical, s, nil),
		Q3:     stat.Quantile(0.75, stat.Empirical, s, nil),
		Max:    s[len(s)-1],
	}
}
