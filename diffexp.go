package scgo

import (
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"math"
	"runtime"
	"sort"
	"strconv"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat/distuv"
)

// diffexpcmd ranks marker genes per cluster: a one-vs-rest Wilcoxon
// rank-sum test on log-normalized expression, restricted to genes
// expressed in at least -min-pct of either group and exceeding
// -min-logfc, with Benjamini-Hochberg adjusted p-values. Results are
// stored in the bundle's marker tables under -name.
type diffexpcmd struct {
	inputFile  string
	outputFile string
	csvFile    string
	clusterCol string
	name       string
	minPct     float64
	minLogFC   float64
	onlyPos    bool
}

func (cmd *diffexpcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&cmd.inputFile, "i", "-", "input bundle `file`")
	flags.StringVar(&cmd.outputFile, "o", "-", "output bundle `file`")
	flags.StringVar(&cmd.csvFile, "csv", "", "also write the marker table as csv to `file`")
	flags.StringVar(&cmd.clusterCol, "cluster-col", "cluster", "metadata `column` holding cluster labels")
	flags.StringVar(&cmd.name, "name", "", "marker table `name` in the bundle (default: the cluster column)")
	flags.Float64Var(&cmd.minPct, "min-pct", 0.1, "test genes detected in at least this `fraction` of either group")
	flags.Float64Var(&cmd.minLogFC, "min-logfc", 0.25, "test genes with at least this log fold `change`")
	flags.BoolVar(&cmd.onlyPos, "only-pos", false, "discard down-regulated genes")
	loglevel := flags.String("loglevel", "info", "logging threshold (trace, debug, info, warn, error, fatal, or panic)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	lvl, err := log.ParseLevel(*loglevel)
	if err != nil {
		return 2
	}
	log.SetLevel(lvl)
	if cmd.name == "" {
		cmd.name = cmd.clusterCol
	}

	ds, err := loadBundleFile(cmd.inputFile, stdin)
	if err != nil {
		return 1
	}
	clusters := ds.Obs.Strings(cmd.clusterCol)
	if clusters == nil {
		err = fmt.Errorf("no cluster column %q; run cluster first", cmd.clusterCol)
		return 1
	}

	markers, err := findMarkers(ds, clusters, cmd.minPct, cmd.minLogFC, cmd.onlyPos)
	if err != nil {
		return 1
	}
	ds.Markers[cmd.name] = markers
	log.Printf("%d marker rows across %d clusters", len(markers), len(clusterIndex(clusters)))

	if cmd.csvFile != "" {
		err = writeMarkerCSV(cmd.csvFile, markers, stdout)
		if err != nil {
			return 1
		}
	}
	err = ds.Check()
	if err != nil {
		return 1
	}
	err = writeBundleFile(ds, cmd.outputFile, stdout)
	if err != nil {
		return 1
	}
	return 0
}

// findMarkers runs the one-vs-rest test for every cluster. Rows come
// back sorted by cluster, then adjusted p-value, then effect size.
func findMarkers(ds *Dataset, clusters []string, minPct, minLogFC float64, onlyPos bool) ([]MarkerRow, error) {
	logExpr, _ := logNormalize(ds)
	byCluster := clusterIndex(clusters)
	names := make([]string, 0, len(byCluster))
	for cl := range byCluster {
		names = append(names, cl)
	}
	sort.Strings(names)

	inGroup := map[string][]bool{}
	for cl, cells := range byCluster {
		mask := make([]bool, ds.NCells())
		for _, j := range cells {
			mask[j] = true
		}
		inGroup[cl] = mask
	}

	results := make([][]MarkerRow, len(names))
	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for ci, cl := range names {
		ci, cl := ci, cl
		g.Go(func() error {
			results[ci] = clusterMarkers(ds, logExpr, cl, inGroup[cl], minPct, minLogFC, onlyPos)
			return nil
		})
	}
	err := g.Wait()
	if err != nil {
		return nil, err
	}
	var out []MarkerRow
	for _, rows := range results {
		out = append(out, rows...)
	}
	return out, nil
}

func clusterMarkers(ds *Dataset, logExpr func(int) []float64, cluster string, mask []bool, minPct, minLogFC float64, onlyPos bool) []MarkerRow {
	n1 := 0
	for _, in := range mask {
		if in {
			n1++
		}
	}
	n2 := len(mask) - n1
	if n1 == 0 || n2 == 0 {
		return nil
	}

	var rows []MarkerRow
	var pvals []float64
	for i := 0; i < ds.NGenes(); i++ {
		row := logExpr(i)
		var sum1, sum2 float64
		var det1, det2 int
		for j, x := range row {
			if mask[j] {
				sum1 += x
				if x > 0 {
					det1++
				}
			} else {
				sum2 += x
				if x > 0 {
					det2++
				}
			}
		}
		pct1 := float64(det1) / float64(n1)
		pct2 := float64(det2) / float64(n2)
		if pct1 < minPct && pct2 < minPct {
			continue
		}
		logFC := math.Log(sum1/float64(n1)+1) - math.Log(sum2/float64(n2)+1)
		if math.Abs(logFC) < minLogFC {
			continue
		}
		if onlyPos && logFC <= 0 {
			continue
		}
		p := wilcoxonRankSum(row, mask, n1, n2)
		rows = append(rows, MarkerRow{
			Cluster: cluster,
			Gene:    ds.Genes[i],
			LogFC:   logFC,
			PctIn:   pct1,
			PctOut:  pct2,
			PValue:  p,
		})
		pvals = append(pvals, p)
	}
	adj := benjaminiHochberg(pvals)
	for i := range rows {
		rows[i].PAdj = adj[i]
	}
	sort.SliceStable(rows, func(a, b int) bool {
		if rows[a].PAdj != rows[b].PAdj {
			return rows[a].PAdj < rows[b].PAdj
		}
		return rows[a].LogFC > rows[b].LogFC
	})
	return rows
}

// wilcoxonRankSum is the two-sided normal approximation with tie and
// continuity corrections.
func wilcoxonRankSum(vals []float64, mask []bool, n1, n2 int) float64 {
	n := len(vals)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return vals[order[a]] < vals[order[b]] })

	ranks := make([]float64, n)
	tieSum := 0.0
	for i := 0; i < n; {
		j := i
		for j < n && vals[order[j]] == vals[order[i]] {
			j++
		}
		avg := float64(i+j+1) / 2
		for k := i; k < j; k++ {
			ranks[order[k]] = avg
		}
		if t := float64(j - i); t > 1 {
			tieSum += t*t*t - t
		}
		i = j
	}

	r1 := 0.0
	for i, in := range mask {
		if in {
			r1 += ranks[i]
		}
	}
	n1f, n2f, nf := float64(n1), float64(n2), float64(n)
	u1 := r1 - n1f*(n1f+1)/2
	u2 := n1f*n2f - u1
	u := math.Min(u1, u2)

	mu := n1f * n2f / 2
	sigma := math.Sqrt(n1f * n2f * ((nf + 1) - tieSum/(nf*(nf-1))) / 12)
	if sigma < 1e-10 {
		return 1
	}
	z := (u - mu + 0.5) / sigma
	norm := distuv.Normal{Mu: 0, Sigma: 1}
	return 2 * norm.CDF(-math.Abs(z))
}

// benjaminiHochberg converts p-values to FDR-adjusted p-values.
func benjaminiHochberg(pvals []float64) []float64 {
	n := len(pvals)
	if n == 0 {
		return nil
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return pvals[idx[a]] < pvals[idx[b]] })
	adj := make([]float64, n)
	minP := 1.0
	for i := n - 1; i >= 0; i-- {
		a := pvals[idx[i]] * float64(n) / float64(i+1)
		if a > 1 {
			a = 1
		}
		if a < minP {
			minP = a
		} else {
			a = minP
		}
		adj[idx[i]] = a
	}
	return adj
}

func writeMarkerCSV(filename string, markers []MarkerRow, stdout io.Writer) error {
	out, err := openOutput(filename, stdout)
	if err != nil {
		return err
	}
	defer out.Close()
	w := csv.NewWriter(out)
	err = w.Write([]string{"cluster", "gene", "log_fc", "pct_in", "pct_out", "p_value", "p_adj"})
	if err != nil {
		return err
	}
	for _, m := range markers {
		err = w.Write([]string{
			m.Cluster, m.Gene,
			strconv.FormatFloat(m.LogFC, 'g', 6, 64),
			strconv.FormatFloat(m.PctIn, 'g', 4, 64),
			strconv.FormatFloat(m.PctOut, 'g', 4, 64),
			strconv.FormatFloat(m.PValue, 'g', 6, 64),
			strconv.FormatFloat(m.PAdj, 'g', 6, 64),
		})
		if err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return out.Close()
}
