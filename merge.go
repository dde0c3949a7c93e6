package scgo

import (
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

// merger concatenates independently ingested (and typically filtered
// and normalized) datasets into one bundle: the gene set becomes the
// union, the cell index the concatenation, and a dataset column
// records each cell's origin. Embeddings, corrected expression, and
// marker tables do not survive a merge; the merged set is re-QC'd,
// re-normalized, and re-reduced downstream.
type merger struct {
	inputs     []string
	outputFile string
	names      string
	suffixes   string
}

func (cmd *merger) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&cmd.outputFile, "o", "-", "output bundle `file`")
	flags.StringVar(&cmd.names, "names", "", "comma-separated dataset `labels` (default: input file stems)")
	flags.StringVar(&cmd.suffixes, "suffixes", "", "comma-separated barcode `suffixes` (default -1, -2, ...)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	cmd.inputs = flags.Args()
	if len(cmd.inputs) < 2 {
		fmt.Fprintf(stderr, "usage: %s [options] bundle1 bundle2 [...]\n", prog)
		return 2
	}

	var names, suffixes []string
	if cmd.names != "" {
		names = strings.Split(cmd.names, ",")
	}
	if cmd.suffixes != "" {
		suffixes = strings.Split(cmd.suffixes, ",")
	}
	if names != nil && len(names) != len(cmd.inputs) {
		err = fmt.Errorf("-names lists %d labels for %d inputs", len(names), len(cmd.inputs))
		return 2
	}
	if suffixes != nil && len(suffixes) != len(cmd.inputs) {
		err = fmt.Errorf("-suffixes lists %d suffixes for %d inputs", len(suffixes), len(cmd.inputs))
		return 2
	}

	var inputs []*Dataset
	for _, filename := range cmd.inputs {
		ds, lerr := loadBundleFile(filename, stdin)
		if lerr != nil {
			err = fmt.Errorf("%s: %w", filename, lerr)
			return 1
		}
		log.Printf("%s: %d genes x %d cells", filename, ds.NGenes(), ds.NCells())
		inputs = append(inputs, ds)
	}

	labels := make([]string, len(inputs))
	for i := range inputs {
		if names != nil {
			labels[i] = names[i]
		} else {
			stem := filepath.Base(cmd.inputs[i])
			stem = strings.TrimSuffix(stem, ".gz")
			stem = strings.TrimSuffix(stem, ".scgo")
			labels[i] = stem
		}
	}
	if suffixes == nil {
		suffixes = make([]string, len(inputs))
		for i := range suffixes {
			suffixes[i] = fmt.Sprintf("-%d", i+1)
		}
	}

	merged := mergeDatasets(inputs, labels, suffixes)
	log.Printf("merged: %d genes x %d cells", merged.NGenes(), merged.NCells())
	err = merged.Check()
	if err != nil {
		return 1
	}
	err = writeBundleFile(merged, cmd.outputFile, stdout)
	if err != nil {
		return 1
	}
	return 0
}

// mergeDatasets builds the union gene index (first input's order,
// novel genes appended in encounter order) and concatenates cells.
func mergeDatasets(inputs []*Dataset, labels, suffixes []string) *Dataset {
	var genes []string
	geneIdx := map[string]int{}
	for _, ds := range inputs {
		for _, g := range ds.Genes {
			if _, ok := geneIdx[g]; !ok {
				geneIdx[g] = len(genes)
				genes = append(genes, g)
			}
		}
	}

	nCells := 0
	for _, ds := range inputs {
		nCells += ds.NCells()
	}
	var cells []string
	origin := make([]string, 0, nCells)
	var ri, ci []int
	var v []float64
	colBase := 0
	for di, ds := range inputs {
		for _, barcode := range ds.Cells {
			cells = append(cells, barcode+suffixes[di])
			origin = append(origin, labels[di])
		}
		for i := 0; i < ds.NGenes(); i++ {
			gi := geneIdx[ds.Genes[i]]
			ds.Counts.Row(i, func(j int, x float64) {
				ri = append(ri, gi)
				ci = append(ci, colBase+j)
				v = append(v, x)
			})
		}
		colBase += ds.NCells()
	}

	merged := NewDataset(genes, cells, NewCountMatrixFromTriplets(len(genes), nCells, ri, ci, v))

	// Carry metadata columns shared by every input.
	for _, c := range inputs[0].Obs.Cols {
		if c.Name == "dataset" {
			continue
		}
		isString := c.Strings != nil
		shared := true
		for _, ds := range inputs[1:] {
			other := ds.Obs.col(c.Name)
			if other == nil || (other.Strings != nil) != isString {
				shared = false
				break
			}
		}
		if !shared {
			continue
		}
		if isString {
			var merged2 []string
			for _, ds := range inputs {
				merged2 = append(merged2, ds.Obs.Strings(c.Name)...)
			}
			merged.Obs.SetStrings(c.Name, merged2)
		} else {
			var merged2 []float64
			for _, ds := range inputs {
				merged2 = append(merged2, ds.Obs.Floats(c.Name)...)
			}
			merged.Obs.SetFloats(c.Name, merged2)
		}
	}
	merged.Obs.SetStrings("dataset", origin)
	return merged
}
