package scgo

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"text/tabwriter"

	"github.com/danaugrs/go-tsne/tsne"
	"github.com/james-bowman/nlp"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// reducer computes the linear PCA embedding on the corrected variable
// feature matrix, then the nonlinear t-SNE and UMAP embeddings seeded
// from the PCA basis. The nonlinear embeddings are for visualization
// only; clustering and integration read the PCA coordinates.
type reducer struct {
	inputFile  string
	outputFile string
	components int
	tsneDims   int
	umapDims   int
	perplexity float64
	skipTSNE   bool
	skipUMAP   bool
	seed       int64
}

func (cmd *reducer) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	flags.IntVar(&cmd.components, "components", 20, "number of principal components")
	flags.IntVar(&cmd.tsneDims, "tsne-dims", 3, "t-SNE target dimensions")
	flags.IntVar(&cmd.umapDims, "umap-dims", 2, "UMAP target dimensions")
	flags.Float64Var(&cmd.perplexity, "perplexity", 30, "t-SNE perplexity")
	flags.BoolVar(&cmd.skipTSNE, "skip-tsne", false, "do not compute the t-SNE embedding")
	flags.BoolVar(&cmd.skipUMAP, "skip-umap", false, "do not compute the UMAP embedding")
	flags.Int64Var(&cmd.seed, "seed", 1, "random `seed` for the nonlinear embeddings")
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
	if ds.Corrected == nil {
		err = fmt.Errorf("bundle has no corrected expression matrix; run normalize first")
		return 1
	}

	log.Printf("fitting pca: %d features x %d cells, %d components", ds.Corrected.Rows, ds.Corrected.Cols, cmd.components)
	pcs, explained, err := fitPCA(ds.Corrected, cmd.components)
	if err != nil {
		return 1
	}
	ds.Embeddings["pca"] = pcs
	// stdout may be carrying the output bundle
	printExplainedVariance(stderr, explained)

	if !cmd.skipTSNE {
		log.Printf("embedding t-SNE: %d dims", cmd.tsneDims)
		ds.Embeddings["tsne"] = embedTSNE(pcs, cmd.tsneDims, cmd.perplexity)
	}
	if !cmd.skipUMAP {
		log.Printf("embedding umap: %d dims", cmd.umapDims)
		ds.Embeddings["umap"] = embedUMAP(pcs, cmd.umapDims, 15, 200, cmd.seed)
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

// fitPCA projects the corrected (features x cells) matrix onto its
// top principal components and reports the fraction of total variance
// each component carries, for elbow inspection.
func fitPCA(corrected *DenseMatrix, components int) (*Embedding, []float64, error) {
	if components > corrected.Rows {
		components = corrected.Rows
	}
	m := corrected.Mat()
	transformer := nlp.NewPCA(components)
	transformer.Fit(m)
	projected, err := transformer.Transform(m)
	if err != nil {
		return nil, nil, err
	}
	coords := mat.DenseCopyOf(projected.T())

	nCells, dims := coords.Dims()
	e := &Embedding{Dims: dims, Coords: make([]float64, nCells*dims)}
	for i := 0; i < nCells; i++ {
		copy(e.Coords[i*dims:(i+1)*dims], coords.RawRowView(i))
	}

	// Variance of the component scores over total corrected variance.
	total := 0.0
	row := make([]float64, corrected.Cols)
	for i := 0; i < corrected.Rows; i++ {
		copy(row, corrected.Data[i*corrected.Cols:(i+1)*corrected.Cols])
		total += stat.Variance(row, nil)
	}
	explained := make([]float64, dims)
	col := make([]float64, nCells)
	for d := 0; d < dims; d++ {
		mat.Col(col, d, coords)
		if total > 0 {
			explained[d] = stat.Variance(col, nil) / total
		}
	}
	return e, explained, nil
}

func printExplainedVariance(w io.Writer, explained []float64) {
	tw := tabwriter.NewWriter(w, 2, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "component\tvariance explained\tcumulative\n")
	cum := 0.0
	for d, v := range explained {
		cum += v
		fmt.Fprintf(tw, "%d\t%.4f\t%.4f\n", d+1, v, cum)
	}
	tw.Flush()
}

// embedTSNE computes a t-SNE layout of the PCA coordinates.
func embedTSNE(pca *Embedding, dims int, perplexity float64) *Embedding {
	t := tsne.NewTSNE(dims, perplexity, 100, 1000, false)
	result := t.EmbedData(pca.Mat(), func(iter int, divergence float64, embedding mat.Matrix) bool {
		if iter%250 == 0 {
			log.Debugf("t-SNE iter %d divergence %.4f", iter, divergence)
		}
		return false
	})
	nCells, d := result.Dims()
	e := &Embedding{Dims: d, Coords: make([]float64, nCells*d)}
	for i := 0; i < nCells; i++ {
		for j := 0; j < d; j++ {
			e.Coords[i*d+j] = result.At(i, j)
		}
	}
	return e
}
