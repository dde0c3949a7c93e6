package scgo

import (
	"flag"
	"fmt"
	"io"
	"math"
	"sort"
	"text/tabwriter"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

// annotatecmd assigns a cell type label per cluster, by one of two
// independent methods: correlation against a labeled reference atlas
// (-method ref), or scoring against curated positive/negative marker
// gene sets (-method marker). The two write separate metadata columns
// and are never reconciled.
type annotatecmd struct {
	inputFile  string
	outputFile string
	method     string
	clusterCol string
	outCol     string
	refFile    string
	markerFile string
	tissue     string
	cacheDir   string
	fineTune   bool
}

func (cmd *annotatecmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	flags.StringVar(&cmd.method, "method", "marker", "annotation `method`: ref or marker")
	flags.StringVar(&cmd.clusterCol, "cluster-col", "cluster", "metadata `column` holding cluster labels")
	flags.StringVar(&cmd.outCol, "out", "", "metadata `column` for the labels (default celltype_<method>)")
	flags.StringVar(&cmd.refFile, "ref", "", "reference atlas csv `file` or URL (method ref)")
	flags.StringVar(&cmd.markerFile, "markers", "", "marker database `file` or URL (method marker)")
	flags.StringVar(&cmd.tissue, "tissue", "", "restrict the marker database to one `tissue`")
	flags.StringVar(&cmd.cacheDir, "cache-dir", defaultCacheDir(), "cache `directory` for remote files")
	flags.BoolVar(&cmd.fineTune, "fine-tune", true, "iteratively drop poorly correlating candidate labels (method ref)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	if cmd.outCol == "" {
		cmd.outCol = "celltype_" + cmd.method
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

	var labels map[string]string
	var scores map[string]float64
	switch cmd.method {
	case "ref":
		if cmd.refFile == "" {
			err = fmt.Errorf("method ref needs -ref")
			return 2
		}
		var atlas *RefAtlas
		atlas, err = loadRefAtlas(cmd.refFile, cmd.cacheDir)
		if err != nil {
			return 1
		}
		labels, scores = annotateByReference(ds, clusters, atlas, cmd.fineTune)
	case "marker":
		if cmd.markerFile == "" {
			err = fmt.Errorf("method marker needs -markers")
			return 2
		}
		var sets []MarkerSet
		sets, err = loadMarkerDB(cmd.markerFile, cmd.cacheDir, cmd.tissue)
		if err != nil {
			return 1
		}
		labels, scores = annotateByMarkers(ds, clusters, sets)
	default:
		err = fmt.Errorf("unknown method %q", cmd.method)
		return 2
	}

	perCell := make([]string, ds.NCells())
	for j, cl := range clusters {
		perCell[j] = labels[cl]
	}
	ds.Obs.SetStrings(cmd.outCol, perCell)

	// stdout may be carrying the output bundle
	tw := tabwriter.NewWriter(stderr, 2, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "cluster\tlabel\tscore\n")
	for _, cl := range sortedKeys(labels) {
		fmt.Fprintf(tw, "%s\t%s\t%.4f\n", cl, labels[cl], scores[cl])
	}
	tw.Flush()

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

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// clusterIndex maps cluster label -> member cell indices.
func clusterIndex(clusters []string) map[string][]int {
	idx := map[string][]int{}
	for j, cl := range clusters {
		idx[cl] = append(idx[cl], j)
	}
	return idx
}

// annotateByReference aggregates log-normalized expression per
// cluster, Spearman-correlates the profiles against the atlas on
// shared genes, and optionally fine-tunes by iteratively dropping the
// worst-correlating candidate label until one remains. The reported
// score is the margin between the best and second-best correlation on
// the full shared gene set.
func annotateByReference(ds *Dataset, clusters []string, atlas *RefAtlas, fineTune bool) (map[string]string, map[string]float64) {
	logExpr, _ := logNormalize(ds)

	// Shared gene space.
	geneIdx := ds.GeneIndex()
	var dsRows, atlasRows []int
	for gi, g := range atlas.Genes {
		if di, ok := geneIdx[g]; ok {
			dsRows = append(dsRows, di)
			atlasRows = append(atlasRows, gi)
		}
	}
	log.Printf("reference annotation: %d shared genes, %d atlas labels", len(dsRows), len(atlas.Labels))

	profiles := make([][]float64, len(atlas.Labels))
	for l := range atlas.Labels {
		full := atlas.Profile(l)
		p := make([]float64, len(atlasRows))
		for k, gi := range atlasRows {
			p[k] = full[gi]
		}
		profiles[l] = p
	}

	byCluster := clusterIndex(clusters)
	labels := map[string]string{}
	margins := map[string]float64{}
	for cl, cells := range byCluster {
		mean := make([]float64, len(dsRows))
		for k, di := range dsRows {
			row := logExpr(di)
			s := 0.0
			for _, j := range cells {
				s += row[j]
			}
			mean[k] = s / float64(len(cells))
		}

		cors := make([]float64, len(profiles))
		for l, p := range profiles {
			cors[l] = spearman(mean, p)
		}
		best, second := top2(cors)
		margins[cl] = cors[best] - cors[second]

		if fineTune {
			best = fineTuneLabel(mean, profiles, cors)
		}
		labels[cl] = atlas.Labels[best]
	}
	return labels, margins
}

// fineTuneLabel keeps the candidate labels within 0.05 of the best
// correlation, re-correlates on the genes most variable across the
// remaining candidate profiles, and drops the worst until one is left.
func fineTuneLabel(mean []float64, profiles [][]float64, cors []float64) int {
	maxCor := math.Inf(-1)
	for _, c := range cors {
		if c > maxCor {
			maxCor = c
		}
	}
	var cand []int
	for l, c := range cors {
		if c >= maxCor-0.05 {
			cand = append(cand, l)
		}
	}
	for len(cand) > 1 {
		rows := discriminatingGenes(profiles, cand, 500)
		sub := func(v []float64) []float64 {
			out := make([]float64, len(rows))
			for k, r := range rows {
				out[k] = v[r]
			}
			return out
		}
		subMean := sub(mean)
		worst, worstCor := -1, math.Inf(1)
		for i, l := range cand {
			c := spearman(subMean, sub(profiles[l]))
			if c < worstCor {
				worst, worstCor = i, c
			}
		}
		cand = append(cand[:worst], cand[worst+1:]...)
	}
	return cand[0]
}

// discriminatingGenes picks the top-n genes by variance across the
// candidate profiles.
func discriminatingGenes(profiles [][]float64, cand []int, n int) []int {
	nGenes := len(profiles[cand[0]])
	vars := make([]float64, nGenes)
	vals := make([]float64, len(cand))
	for g := 0; g < nGenes; g++ {
		for i, l := range cand {
			vals[i] = profiles[l][g]
		}
		vars[g] = stat.Variance(vals, nil)
	}
	order := make([]int, nGenes)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return vars[order[a]] > vars[order[b]] })
	if n > len(order) {
		n = len(order)
	}
	rows := make([]int, n)
	copy(rows, order[:n])
	sort.Ints(rows)
	return rows
}

func top2(scores []float64) (best, second int) {
	best, second = 0, 0
	for i, s := range scores {
		if s > scores[best] {
			second = best
			best = i
		} else if i != best && (second == best || s > scores[second]) {
			second = i
		}
	}
	return best, second
}

// spearman is the Pearson correlation of tie-averaged ranks.
func spearman(a, b []float64) float64 {
	return stat.Correlation(tiedRanks(a), tiedRanks(b), nil)
}

// tiedRanks returns 1-based ranks with ties averaged.
func tiedRanks(v []float64) []float64 {
	order := make([]int, len(v))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return v[order[a]] < v[order[b]] })
	ranks := make([]float64, len(v))
	for i := 0; i < len(order); {
		j := i
		for j < len(order) && v[order[j]] == v[order[i]] {
			j++
		}
		avg := float64(i+j+1) / 2
		for k := i; k < j; k++ {
			ranks[order[k]] = avg
		}
		i = j
	}
	return ranks
}

// annotateByMarkers scores each cluster against every marker set:
// per cell, the sum of Z-transformed expression over positive markers
// minus the same over negative markers, each normalized by the square
// root of the set size; per cluster, the sum of its cells' scores.
// A cluster whose top score falls below a quarter of its cell count
// is labeled Unknown.
func annotateByMarkers(ds *Dataset, clusters []string, sets []MarkerSet) (map[string]string, map[string]float64) {
	logExpr, _ := logNormalize(ds)
	geneIdx := ds.GeneIndex()

	// Z-transform rows for every gene any set references.
	zrows := map[int][]float64{}
	zrow := func(gene string) []float64 {
		i, ok := geneIdx[gene]
		if !ok {
			return nil
		}
		if z, ok := zrows[i]; ok {
			return z
		}
		z := logExpr(i)
		standardize(z)
		zrows[i] = z
		return z
	}

	n := ds.NCells()
	cellScores := make([][]float64, len(sets))
	for si, set := range sets {
		score := make([]float64, n)
		nPos := 0
		for _, g := range set.Positive {
			if z := zrow(g); z != nil {
				nPos++
				for j, x := range z {
					score[j] += x
				}
			}
		}
		if nPos > 0 {
			norm := math.Sqrt(float64(nPos))
			for j := range score {
				score[j] /= norm
			}
		}
		neg := make([]float64, n)
		nNeg := 0
		for _, g := range set.Negative {
			if z := zrow(g); z != nil {
				nNeg++
				for j, x := range z {
					neg[j] += x
				}
			}
		}
		if nNeg > 0 {
			norm := math.Sqrt(float64(nNeg))
			for j := range score {
				score[j] -= neg[j] / norm
			}
		}
		cellScores[si] = score
	}

	byCluster := clusterIndex(clusters)
	labels := map[string]string{}
	best := map[string]float64{}
	for cl, cells := range byCluster {
		topScore, topSet := math.Inf(-1), -1
		for si := range sets {
			s := 0.0
			for _, j := range cells {
				s += cellScores[si][j]
			}
			if s > topScore {
				topScore, topSet = s, si
			}
		}
		best[cl] = topScore
		if topSet < 0 || topScore < float64(len(cells))/4 {
			labels[cl] = "Unknown"
		} else {
			labels[cl] = sets[topSet].Type
		}
	}
	return labels, best
}
