package scgo

import (
	"flag"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// qcMetrics computes the per-cell quality control metrics and records
// them as Obs columns: total_counts, n_features, complexity
// (log10 features / log10 counts), and one pct_<name> column per
// gene-name pattern (mitochondrial, ribosomal, spike-in proxies).
func qcMetrics(ds *Dataset, patterns map[string]*regexp.Regexp) {
	totals := ds.Counts.ColSums()
	nnz := ds.Counts.ColNNZ()

	nfeat := make([]float64, ds.NCells())
	complexity := make([]float64, ds.NCells())
	for j := range nfeat {
		nfeat[j] = float64(nnz[j])
		if totals[j] > 1 && nnz[j] > 0 {
			complexity[j] = math.Log10(nfeat[j]) / math.Log10(totals[j])
		}
	}
	ds.Obs.SetFloats("total_counts", totals)
	ds.Obs.SetFloats("n_features", nfeat)
	ds.Obs.SetFloats("complexity", complexity)

	for name, re := range patterns {
		sub := make([]float64, ds.NCells())
		for i, gene := range ds.Genes {
			if !re.MatchString(gene) {
				continue
			}
			ds.Counts.Row(i, func(j int, x float64) { sub[j] += x })
		}
		pct := make([]float64, ds.NCells())
		for j := range pct {
			if totals[j] > 0 {
				pct[j] = 100 * sub[j] / totals[j]
			}
		}
		ds.Obs.SetFloats("pct_"+name, pct)
	}
}

// qcThresholds is the conjunction of numeric range checks applied to
// the metric columns. Min/max bounds are exclusive; pct bounds are
// strict upper limits. Zero-valued fields are inactive.
type qcThresholds struct {
	MinFeatures   float64
	MaxFeatures   float64
	MinComplexity float64
	MaxComplexity float64
	MaxPct        map[string]float64
}

// pass reports whether cell j clears every active check.
func (t *qcThresholds) pass(obs *ObsTable, j int) bool {
	nfeat := obs.Floats("n_features")[j]
	if t.MinFeatures > 0 && !(nfeat > t.MinFeatures) {
		return false
	}
	if t.MaxFeatures > 0 && !(nfeat < t.MaxFeatures) {
		return false
	}
	cx := obs.Floats("complexity")[j]
	if t.MinComplexity > 0 && !(cx > t.MinComplexity) {
		return false
	}
	if t.MaxComplexity > 0 && !(cx < t.MaxComplexity) {
		return false
	}
	for name, bound := range t.MaxPct {
		col := obs.Floats("pct_" + name)
		if col == nil || !(col[j] < bound) {
			return false
		}
	}
	return true
}

// qcFilter applies the thresholds, atomically dropping failing cells
// from the matrix and every derived table. Returns the number kept.
func qcFilter(ds *Dataset, t *qcThresholds) int {
	var keep []int
	for j := 0; j < ds.NCells(); j++ {
		if t.pass(ds.Obs, j) {
			keep = append(keep, j)
		}
	}
	ds.SubsetCells(keep)
	return len(keep)
}

// qccmd computes QC metrics and filters cells on manually chosen
// thresholds. With -dry-run it only writes the metric table (for
// density-plot inspection elsewhere) and leaves the bundle unchanged.
type qccmd struct {
	inputFile  string
	outputFile string
	dryRun     bool
	thresholds qcThresholds
	patterns   stringPairs
	maxPct     stringPairs
}

func (cmd *qccmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&cmd.inputFile, "i", "-", "input bundle `file`")
	flags.StringVar(&cmd.outputFile, "o", "-", "output `file` (bundle, or metrics csv with -dry-run)")
	flags.BoolVar(&cmd.dryRun, "dry-run", false, "write per-cell metrics as csv without filtering")
	flags.Var(&cmd.patterns, "pattern", "gene name pattern `name=regexp` for a pct_ metric (repeatable; default mito + ercc)")
	flags.Var(&cmd.maxPct, "max-pct", "`name=P`: drop cells with pct_name >= P (repeatable)")
	flags.Float64Var(&cmd.thresholds.MinFeatures, "min-features", 0, "drop cells with `N` or fewer detected genes")
	flags.Float64Var(&cmd.thresholds.MaxFeatures, "max-features", 0, "drop cells with `N` or more detected genes")
	flags.Float64Var(&cmd.thresholds.MinComplexity, "min-complexity", 0, "drop cells with complexity <= `X`")
	flags.Float64Var(&cmd.thresholds.MaxComplexity, "max-complexity", 0, "drop cells with complexity >= `X`")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}

	patterns := map[string]*regexp.Regexp{
		"mito": regexp.MustCompile(`(?i)^mt-`),
		"ercc": regexp.MustCompile(`^ERCC-`),
	}
	if len(cmd.patterns) > 0 {
		patterns = map[string]*regexp.Regexp{}
		for _, p := range cmd.patterns {
			patterns[p.name], err = regexp.Compile(p.value)
			if err != nil {
				return 2
			}
		}
	}
	cmd.thresholds.MaxPct = map[string]float64{}
	for _, p := range cmd.maxPct {
		cmd.thresholds.MaxPct[p.name], err = strconv.ParseFloat(p.value, 64)
		if err != nil {
			return 2
		}
	}

	ds, err := loadBundleFile(cmd.inputFile, stdin)
	if err != nil {
		return 1
	}

	log.Printf("computing qc metrics for %d cells", ds.NCells())
	qcMetrics(ds, patterns)

	out, err := openOutput(cmd.outputFile, stdout)
	if err != nil {
		return 1
	}
	defer out.Close()

	if cmd.dryRun {
		df := ds.Obs.DataFrame(ds.Cells)
		err = df.WriteCSV(out)
		if err != nil {
			return 1
		}
		return 0
	}

	before := ds.NCells()
	kept := qcFilter(ds, &cmd.thresholds)
	log.Printf("qc filter: %d of %d cells pass", kept, before)
	err = ds.Check()
	if err != nil {
		return 1
	}
	err = ds.WriteBundle(out, isGz(cmd.outputFile))
	if err != nil {
		return 1
	}
	err = out.Close()
	if err != nil {
		return 1
	}
	return 0
}

// stringPairs collects repeatable name=value flags.
type stringPairs []struct{ name, value string }

func (p *stringPairs) String() string {
	var parts []string
	for _, kv := range *p {
		parts = append(parts, kv.name+"="+kv.value)
	}
	return strings.Join(parts, ",")
}

func (p *stringPairs) Set(s string) error {
	name, value, ok := strings.Cut(s, "=")
	if !ok {
		return fmt.Errorf("expected name=value, got %q", s)
	}
	*p = append(*p, struct{ name, value string }{name, value})
	return nil
}
