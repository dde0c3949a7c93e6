package scgo

import (
	"flag"
	"fmt"
	"io"
	"math"
	"sort"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
)

// Human S-phase and G2M-phase marker genes (Tirosh et al. 2016).
// Non-human runs translate these through the ortholog service.
var sPhaseGenes = []string{
	"MCM5", "PCNA", "TYMS", "FEN1", "MCM2", "MCM4", "RRM1", "UNG", "GINS2",
	"MCM6", "CDCA7", "DTL", "PRIM1", "UHRF1", "MLF1IP", "HELLS", "RFC2",
	"RPA2", "NASP", "RAD51AP1", "GMNN", "WDR76", "SLBP", "CCNE2", "UBR7",
	"POLD3", "MSH2", "ATAD2", "RAD51", "RRM2", "CDC45", "CDC6", "EXO1",
	"TIPIN", "DSCC1", "BLM", "CASP8AP2", "USP1", "CLSPN", "POLA1", "CHAF1B",
	"BRIP1", "E2F8",
}

var g2mPhaseGenes = []string{
	"HMGB2", "CDK1", "NUSAP1", "UBE2C", "BIRC5", "TPX2", "TOP2A", "NDC80",
	"CKS2", "NUF2", "CKS1B", "MKI67", "TMPO", "CENPF", "TACC3", "FAM64A",
	"SMC4", "CCNB2", "CKAP2L", "CKAP2", "AURKB", "BUB1", "KIF11", "ANP32E",
	"TUBB4B", "GTSE1", "KIF20B", "HJURP", "CDCA3", "HN1", "CDC20", "TTK",
	"CDC25C", "KIF2C", "RANGAP1", "NCAPD2", "DLGAP5", "CDCA2", "CDCA8",
	"ECT2", "KIF23", "HMMR", "AURKA", "PSRC1", "ANLN", "LBR", "CKAP5",
	"CENPE", "CTCF", "NEK2", "G2E3", "GAS2L3", "CBX5", "CENPA",
}

// cellcyclecmd scores each cell against the S and G2M marker sets
// relative to expression-bin-matched background genes, stores the two
// scores and their difference, and assigns a discrete phase label.
type cellcyclecmd struct {
	inputFile  string
	outputFile string
	organism   string
	orthURL    string
	cacheDir   string
	noCache    bool
	seed       int64
	nBins      int
	nCtrl      int
}

func (cmd *cellcyclecmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	flags.StringVar(&cmd.organism, "organism", "hsapiens", "dataset `organism` (marker genes are translated from hsapiens)")
	flags.StringVar(&cmd.orthURL, "orth-url", defaultOrthURL, "ortholog service base `URL`")
	flags.StringVar(&cmd.cacheDir, "cache-dir", defaultCacheDir(), "cache `directory` for remote lookups")
	flags.BoolVar(&cmd.noCache, "no-cache", false, "always query the ortholog service, even when cached")
	flags.Int64Var(&cmd.seed, "seed", 1, "random `seed` for background gene sampling")
	flags.IntVar(&cmd.nBins, "bins", 24, "number of expression bins for background matching")
	flags.IntVar(&cmd.nCtrl, "ctrl", 100, "background genes sampled per marker gene")
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

	sGenes, g2mGenes := sPhaseGenes, g2mPhaseGenes
	if cmd.organism != "hsapiens" {
		cacheDir := cmd.cacheDir
		if cmd.noCache {
			cacheDir = ""
		}
		orth := &orthClient{BaseURL: cmd.orthURL, CacheDir: cacheDir}
		query := append(append([]string{}, sPhaseGenes...), g2mPhaseGenes...)
		log.Printf("translating %d marker genes hsapiens -> %s", len(query), cmd.organism)
		table, terr := orth.Translate("hsapiens", cmd.organism, query)
		if terr != nil {
			err = terr
			return 1
		}
		sGenes = translateGenes(sPhaseGenes, table)
		g2mGenes = translateGenes(g2mPhaseGenes, table)
		log.Printf("translated %d/%d S and %d/%d G2M markers", len(sGenes), len(sPhaseGenes), len(g2mGenes), len(g2mPhaseGenes))
	}

	err = scoreCellCycle(ds, sGenes, g2mGenes, cmd.nBins, cmd.nCtrl, cmd.seed)
	if err != nil {
		return 1
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

func translateGenes(genes []string, table map[string]string) []string {
	var out []string
	for _, g := range genes {
		if t, ok := table[g]; ok {
			out = append(out, t)
		}
	}
	return out
}

// scoreCellCycle computes per-cell S and G2M module scores (mean
// log-normalized marker expression minus the mean over bin-matched
// background genes), the S-G2M difference, and the phase label: the
// higher-scoring phase if its score is positive, else G1.
func scoreCellCycle(ds *Dataset, sGenes, g2mGenes []string, nBins, nCtrl int, seed int64) error {
	logExpr, geneMeans := logNormalize(ds)
	bins := expressionBins(geneMeans, nBins)
	rng := rand.New(rand.NewSource(uint64(seed)))

	idx := ds.GeneIndex()
	sScore, err := moduleScore(ds, logExpr, geneMeans, bins, idx, sGenes, nCtrl, rng)
	if err != nil {
		return fmt.Errorf("S phase: %w", err)
	}
	g2mScore, err := moduleScore(ds, logExpr, geneMeans, bins, idx, g2mGenes, nCtrl, rng)
	if err != nil {
		return fmt.Errorf("G2M phase: %w", err)
	}

	diff := make([]float64, ds.NCells())
	phase := make([]string, ds.NCells())
	for j := range phase {
		diff[j] = sScore[j] - g2mScore[j]
		switch {
		case sScore[j] > g2mScore[j] && sScore[j] > 0:
			phase[j] = "S"
		case g2mScore[j] > sScore[j] && g2mScore[j] > 0:
			phase[j] = "G2M"
		default:
			phase[j] = "G1"
		}
	}
	ds.Obs.SetFloats("s_score", sScore)
	ds.Obs.SetFloats("g2m_score", g2mScore)
	ds.Obs.SetFloats("cc_difference", diff)
	ds.Obs.SetStrings("phase", phase)
	return nil
}

// logNormalize returns per-gene log1p(count/total*1e4) rows plus the
// per-gene mean across cells.
func logNormalize(ds *Dataset) (func(i int) []float64, []float64) {
	totals := ds.Counts.ColSums()
	scale := make([]float64, len(totals))
	for j, t := range totals {
		if t < 1 {
			t = 1
		}
		scale[j] = 1e4 / t
	}
	means := make([]float64, ds.NGenes())
	for i := 0; i < ds.NGenes(); i++ {
		sum := 0.0
		ds.Counts.Row(i, func(j int, x float64) { sum += math.Log1p(x * scale[j]) })
		means[i] = sum / float64(ds.NCells())
	}
	return func(i int) []float64 {
		row := make([]float64, ds.NCells())
		ds.Counts.Row(i, func(j int, x float64) { row[j] = math.Log1p(x * scale[j]) })
		return row
	}, means
}

// expressionBins assigns each gene to one of nBins equal-size bins of
// mean expression.
func expressionBins(means []float64, nBins int) []int {
	order := make([]int, len(means))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return means[order[a]] < means[order[b]] })
	bins := make([]int, len(means))
	per := (len(means) + nBins - 1) / nBins
	if per < 1 {
		per = 1
	}
	for rank, i := range order {
		bins[i] = rank / per
	}
	return bins
}

func moduleScore(ds *Dataset, logExpr func(int) []float64, means []float64, bins []int, idx map[string]int, markers []string, nCtrl int, rng *rand.Rand) ([]float64, error) {
	var markerRows []int
	for _, g := range markers {
		if i, ok := idx[g]; ok {
			markerRows = append(markerRows, i)
		}
	}
	if len(markerRows) == 0 {
		return nil, fmt.Errorf("none of %d marker genes present in dataset", len(markers))
	}

	// Background: nCtrl genes drawn from each marker's expression bin.
	byBin := map[int][]int{}
	for i, b := range bins {
		byBin[b] = append(byBin[b], i)
	}
	ctrlSet := map[int]bool{}
	for _, i := range markerRows {
		pool := byBin[bins[i]]
		for k := 0; k < nCtrl && k < len(pool); k++ {
			ctrlSet[pool[rng.Intn(len(pool))]] = true
		}
	}

	n := ds.NCells()
	score := make([]float64, n)
	for _, i := range markerRows {
		row := logExpr(i)
		for j, x := range row {
			score[j] += x
		}
	}
	for j := range score {
		score[j] /= float64(len(markerRows))
	}
	ctrl := make([]float64, n)
	for i := range ctrlSet {
		row := logExpr(i)
		for j, x := range row {
			ctrl[j] += x
		}
	}
	for j := range score {
		score[j] -= ctrl[j] / float64(len(ctrlSet))
	}
	return score, nil
}
