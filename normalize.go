package scgo

import (
	"flag"
	"fmt"
	"io"
	stdlog "log"
	"math"
	"net/http"
	_ "net/http/pprof"
	"runtime"
	"sort"
	"strings"

	"github.com/kshedden/statmodel/glm"
	"github.com/kshedden/statmodel/statmodel"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"
)

// normalizer fits one negative-binomial regression per gene, with the
// log total count as offset, and turns the fits into variance
// stabilized Pearson residuals. Genes are ranked by residual variance
// and the top -n-hvg become the variable feature set; their residuals
// are stored as the corrected expression matrix for all downstream
// steps.
type normalizer struct {
	inputFile   string
	outputFile  string
	nHVG        int
	minFitCells int
	regress     string
}

// geneFit is the per-gene model: NB dispersion plus the fitted
// coefficients (intercept first, then any regression covariates).
type geneFit struct {
	alpha   float64
	params  []float64
	resVar  float64
	poisson bool // closed-form Poisson fallback was used
}

func (cmd *normalizer) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	flags.IntVar(&cmd.nHVG, "n-hvg", 2000, "number of highly variable genes to keep as the feature set")
	flags.IntVar(&cmd.minFitCells, "min-fit-cells", 10, "genes detected in fewer cells use the Poisson-limit residual")
	flags.StringVar(&cmd.regress, "regress", "", "comma-separated numeric metadata `columns` to regress out (e.g. cc_difference)")
	pprofAddr := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	loglevel := flags.String("loglevel", "info", "logging threshold (trace, debug, info, warn, error, fatal, or panic)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}

	if *pprofAddr != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}
	lvl, err := log.ParseLevel(*loglevel)
	if err != nil {
		return 2
	}
	log.SetLevel(lvl)

	ds, err := loadBundleFile(cmd.inputFile, stdin)
	if err != nil {
		return 1
	}

	var covars [][]float64
	var covarNames []string
	if cmd.regress != "" {
		for _, name := range strings.Split(cmd.regress, ",") {
			col := ds.Obs.Floats(name)
			if col == nil {
				err = fmt.Errorf("no numeric metadata column %q to regress out", name)
				return 1
			}
			c := make([]float64, len(col))
			copy(c, col)
			standardize(c)
			covars = append(covars, c)
			covarNames = append(covarNames, name)
		}
	}

	log.Printf("fitting %d gene models over %d cells", ds.NGenes(), ds.NCells())
	err = cmd.normalize(ds, covars, covarNames)
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

func (cmd *normalizer) normalize(ds *Dataset, covars [][]float64, covarNames []string) error {
	totals := ds.Counts.ColSums()
	offset := make([]float64, len(totals))
	for j, t := range totals {
		if t < 1 {
			t = 1
		}
		offset[j] = math.Log(t)
	}

	fits := make([]geneFit, ds.NGenes())
	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for i := 0; i < ds.NGenes(); i++ {
		i := i
		g.Go(func() error {
			y := ds.Counts.RowDense(i)
			fits[i] = fitGene(y, totals, offset, covars, covarNames, cmd.minFitCells)
			return nil
		})
	}
	err := g.Wait()
	if err != nil {
		return err
	}

	// Rank genes by residual variance.
	order := make([]int, ds.NGenes())
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return fits[order[a]].resVar > fits[order[b]].resVar
	})
	nHVG := cmd.nHVG
	if nHVG > len(order) {
		nHVG = len(order)
	}
	hvg := order[:nHVG]

	ds.VarFeatures = make([]string, nHVG)
	corrected := &DenseMatrix{Rows: nHVG, Cols: ds.NCells(), Data: make([]float64, nHVG*ds.NCells())}
	clip := math.Sqrt(float64(ds.NCells()))
	for rank, i := range hvg {
		ds.VarFeatures[rank] = ds.Genes[i]
		y := ds.Counts.RowDense(i)
		res := pearsonResiduals(y, totals, offset, covars, fits[i])
		for j, r := range res {
			if r > clip {
				r = clip
			} else if r < -clip {
				r = -clip
			}
			corrected.Data[rank*corrected.Cols+j] = r
		}
	}
	ds.Corrected = corrected
	log.Printf("selected %d variable features (top residual variance %.3f)", nHVG, fits[hvg[0]].resVar)
	return nil
}

// fitGene fits the per-gene model and records its residual variance.
// Sparse genes, singular fits, and non-converging fits fall back to
// the closed-form Poisson-limit residual instead of failing the run.
func fitGene(y, totals, offset []float64, covars [][]float64, covarNames []string, minFitCells int) (fit geneFit) {
	nnz := 0
	for _, v := range y {
		if v > 0 {
			nnz++
		}
	}
	fallback := func() geneFit {
		f := poissonFit(y, totals)
		res := pearsonResiduals(y, totals, offset, nil, f)
		f.resVar = stat.Variance(res, nil)
		return f
	}
	if nnz < minFitCells {
		return fallback()
	}

	fit.alpha = momentAlpha(y, totals)

	defer func() {
		if recover() != nil {
			// typically a singular model matrix
			fit = fallback()
		}
	}()

	data := [][]statmodel.Dtype{dcol(y), dcol(ones(len(y)))}
	names := []string{"y", "icept"}
	for _, cvr := range covars {
		data = append(data, dcol(cvr))
	}
	names = append(names, covarNames...)
	data = append(data, dcol(offset))
	names = append(names, "logtotal")
	dataset := statmodel.NewDataset(data, names)

	config := &glm.Config{
		Family:         glm.NewNegBinomFamily(fit.alpha, glm.NewLink(glm.LogLink)),
		FitMethod:      "IRLS",
		ConcurrentIRLS: 1000,
		OffsetVar:      "logtotal",
		Log:            stdlog.New(io.Discard, "", 0),
	}
	model, err := glm.NewGLM(dataset, "y", names[1:len(names)-1], config)
	if err != nil {
		return fallback()
	}
	result := model.Fit()
	fit.params = result.Params()
	for _, p := range fit.params {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return fallback()
		}
	}
	res := pearsonResiduals(y, totals, offset, covars, fit)
	fit.resVar = stat.Variance(res, nil)
	return fit
}

// poissonFit is the closed-form intercept-only Poisson solution:
// exp(b0) = sum(y) / sum(totals).
func poissonFit(y, totals []float64) geneFit {
	var sy, st float64
	for j := range y {
		sy += y[j]
		st += totals[j]
	}
	rate := sy / st
	if rate <= 0 || math.IsNaN(rate) {
		rate = math.SmallestNonzeroFloat64
	}
	return geneFit{params: []float64{math.Log(rate)}, poisson: true}
}

// momentAlpha estimates the NB dispersion from the moments of the
// counts around the offset-implied Poisson mean: var = mu + alpha*mu^2.
func momentAlpha(y, totals []float64) float64 {
	var sy, st float64
	for j := range y {
		sy += y[j]
		st += totals[j]
	}
	rate := sy / st
	var num, den float64
	for j := range y {
		mu := rate * totals[j]
		d := y[j] - mu
		num += d*d - mu
		den += mu * mu
	}
	alpha := num / den
	if alpha < 1e-4 || math.IsNaN(alpha) {
		alpha = 1e-4
	} else if alpha > 10 {
		alpha = 10
	}
	return alpha
}

// pearsonResiduals evaluates (y - mu) / sqrt(mu + alpha*mu^2) under
// the fitted model. alpha == 0 gives the Poisson limit.
func pearsonResiduals(y, totals, offset []float64, covars [][]float64, fit geneFit) []float64 {
	res := make([]float64, len(y))
	for j := range y {
		eta := fit.params[0] + offset[j]
		for k, c := range covars {
			if k+1 < len(fit.params) {
				eta += fit.params[k+1] * c[j]
			}
		}
		mu := math.Exp(eta)
		sd := math.Sqrt(mu + fit.alpha*mu*mu)
		if sd > 0 {
			res[j] = (y[j] - mu) / sd
		}
	}
	return res
}

func standardize(a []float64) {
	mean, std := stat.MeanStdDev(a, nil)
	if std == 0 {
		std = 1
	}
	for i, x := range a {
		a[i] = (x - mean) / std
	}
}

func dcol(v []float64) []statmodel.Dtype {
	out := make([]statmodel.Dtype, len(v))
	for i, x := range v {
		out[i] = statmodel.Dtype(x)
	}
	return out
}

func ones(n int) []float64 {
	f := make([]float64, n)
	for i := range f {
		f[i] = 1
	}
	return f
}
