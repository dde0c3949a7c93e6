package scgo

import (
	"flag"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// integratecmd computes batch-corrected embeddings for a merged,
// re-normalized, re-reduced bundle. Each requested method reads the
// same PCA basis (or the corrected expression, for cca) and stores an
// independent embedding under its own name; choosing between them is
// left to qualitative comparison downstream.
type integratecmd struct {
	inputFile  string
	outputFile string
	batchCol   string
	methods    string
	components int
	k          int
	maxIter    int
	theta      float64
	seed       int64
}

func (cmd *integratecmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	flags.StringVar(&cmd.batchCol, "batch-col", "dataset", "metadata `column` identifying the batch")
	flags.StringVar(&cmd.methods, "methods", "cca,mnn,harmony", "comma-separated correction `methods` to run")
	flags.IntVar(&cmd.components, "components", 30, "canonical dimensions for cca")
	flags.IntVar(&cmd.k, "k", 20, "neighbors for the mnn pairing")
	flags.IntVar(&cmd.maxIter, "max-iter", 10, "harmony iteration limit")
	flags.Float64Var(&cmd.theta, "theta", 2, "harmony batch diversity penalty")
	flags.Int64Var(&cmd.seed, "seed", 1, "random `seed` for harmony initialization")
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

	ds, err := loadBundleFile(cmd.inputFile, stdin)
	if err != nil {
		return 1
	}
	batches := ds.Obs.Strings(cmd.batchCol)
	if batches == nil {
		err = fmt.Errorf("no batch column %q; merge datasets first", cmd.batchCol)
		return 1
	}
	pca, ok := ds.Embeddings["pca"]
	if !ok {
		err = fmt.Errorf("bundle has no pca embedding; run reduce first")
		return 1
	}

	byBatch := clusterIndex(batches)
	batchNames := make([]string, 0, len(byBatch))
	for b := range byBatch {
		batchNames = append(batchNames, b)
	}
	sort.Strings(batchNames)
	log.Printf("integrating %d batches: %v", len(batchNames), batchNames)

	for _, method := range strings.Split(cmd.methods, ",") {
		switch strings.TrimSpace(method) {
		case "cca":
			if len(batchNames) != 2 {
				err = fmt.Errorf("cca correction needs exactly 2 batches, have %d", len(batchNames))
				return 1
			}
			if ds.Corrected == nil {
				err = fmt.Errorf("cca correction needs the corrected expression matrix; run normalize first")
				return 1
			}
			var e *Embedding
			e, err = ccaEmbed(ds, byBatch[batchNames[0]], byBatch[batchNames[1]], cmd.components)
			if err != nil {
				return 1
			}
			ds.Embeddings["cca"] = e
			log.Printf("cca: %d dims", e.Dims)
		case "mnn":
			ds.Embeddings["mnn"] = mnnCorrect(pca, batchNames, byBatch, cmd.k)
			log.Printf("mnn: %d dims", pca.Dims)
		case "harmony":
			ds.Embeddings["harmony"] = harmonyCorrect(pca, batches, batchNames, cmd.maxIter, cmd.theta, cmd.seed)
			log.Printf("harmony: %d dims", pca.Dims)
		default:
			err = fmt.Errorf("unknown integration method %q", method)
			return 2
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

// ccaEmbed aligns two batches by canonical correlation: each batch's
// corrected expression is standardized per gene within the batch, the
// cross-product matrix between the two cell sets is decomposed by
// SVD, and the left/right singular vector rows (L2-normalized) become
// the two batches' shared coordinates.
func ccaEmbed(ds *Dataset, cells1, cells2 []int, components int) (*Embedding, error) {
	x1 := batchStandardized(ds.Corrected, cells1)
	x2 := batchStandardized(ds.Corrected, cells2)

	var k mat.Dense
	k.Mul(x1.T(), x2) // cells1 x cells2

	var svd mat.SVD
	ok := svd.Factorize(&k, mat.SVDThin)
	if !ok {
		return nil, fmt.Errorf("cca: svd failed to factorize")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	d := components
	if min := len(cells1); min < d {
		d = min
	}
	if min := len(cells2); min < d {
		d = min
	}

	e := &Embedding{Dims: d, Coords: make([]float64, ds.NCells()*d)}
	writeRows := func(cells []int, m *mat.Dense) {
		row := make([]float64, d)
		for local, j := range cells {
			for c := 0; c < d; c++ {
				row[c] = m.At(local, c)
			}
			norm := floats.Norm(row, 2)
			if norm == 0 {
				norm = 1
			}
			for c := 0; c < d; c++ {
				e.Coords[j*d+c] = row[c] / norm
			}
		}
	}
	writeRows(cells1, &u)
	writeRows(cells2, &v)
	return e, nil
}

// batchStandardized extracts the corrected expression columns of one
// batch and standardizes each gene within it.
func batchStandardized(corrected *DenseMatrix, cells []int) *mat.Dense {
	sub := corrected.SubsetCols(cells)
	for i := 0; i < sub.Rows; i++ {
		standardize(sub.Data[i*sub.Cols : (i+1)*sub.Cols])
	}
	return sub.Mat()
}

// mnnCorrect shifts each non-reference batch toward the reference by
// mutual-nearest-neighbor pair differences, smoothed with a Gaussian
// kernel over pair distance. Batches are folded in one at a time, the
// first (sorted) batch serving as the initial reference.
func mnnCorrect(pca *Embedding, batchNames []string, byBatch map[string][]int, k int) *Embedding {
	dims := pca.Dims
	out := &Embedding{Dims: dims, Coords: make([]float64, len(pca.Coords))}
	copy(out.Coords, pca.Coords)

	refCells := append([]int{}, byBatch[batchNames[0]]...)
	for _, batch := range batchNames[1:] {
		cells := byBatch[batch]
		pairs := mutualPairs(out, refCells, cells, k)
		if len(pairs) == 0 {
			log.Warnf("mnn: no mutual pairs between reference and %q; batch left uncorrected", batch)
			refCells = append(refCells, cells...)
			continue
		}

		// Pair difference vectors and kernel bandwidth.
		diffs := make([][]float64, len(pairs))
		sigma := 0.0
		for pi, p := range pairs {
			d := make([]float64, dims)
			floats.SubTo(d, out.Row(p[0]), out.Row(p[1]))
			diffs[pi] = d
			sigma += dist(out.Row(p[0]), out.Row(p[1]))
		}
		sigma /= float64(len(pairs))
		if sigma == 0 {
			sigma = 1
		}

		for _, j := range cells {
			var wsum float64
			corr := make([]float64, dims)
			for pi, p := range pairs {
				d := dist(out.Row(j), out.Row(p[1]))
				w := math.Exp(-d * d / (2 * sigma * sigma))
				wsum += w
				floats.AddScaled(corr, w, diffs[pi])
			}
			if wsum > 0 {
				floats.AddScaled(out.Row(j), 1/wsum, corr)
			}
		}
		log.Printf("mnn: %q corrected against %d reference cells via %d pairs", batch, len(refCells), len(pairs))
		refCells = append(refCells, cells...)
	}
	return out
}

// mutualPairs returns (reference cell, batch cell) pairs that are
// within each other's k nearest cross-batch neighbors.
func mutualPairs(e *Embedding, ref, batch []int, k int) [][2]int {
	fwd := crossKNN(e, batch, ref, k)  // batch cell -> nearest refs
	back := crossKNN(e, ref, batch, k) // ref cell -> nearest batch cells
	backSet := map[[2]int]bool{}
	for qi, nbrs := range back {
		for _, t := range nbrs {
			backSet[[2]int{ref[qi], t}] = true
		}
	}
	var pairs [][2]int
	for qi, nbrs := range fwd {
		for _, r := range nbrs {
			if backSet[[2]int{r, batch[qi]}] {
				pairs = append(pairs, [2]int{r, batch[qi]})
			}
		}
	}
	return pairs
}

// crossKNN finds, for each query cell, its k nearest target cells.
func crossKNN(e *Embedding, query, target []int, k int) [][]int {
	if k > len(target) {
		k = len(target)
	}
	out := make([][]int, len(query))
	type cand struct {
		j int
		d float64
	}
	for qi, q := range query {
		cands := make([]cand, len(target))
		for ti, t := range target {
			cands[ti] = cand{t, dist(e.Row(q), e.Row(t))}
		}
		sort.Slice(cands, func(a, b int) bool { return cands[a].d < cands[b].d })
		nbrs := make([]int, k)
		for i := 0; i < k; i++ {
			nbrs[i] = cands[i].j
		}
		out[qi] = nbrs
	}
	return out
}

func dist(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		d := a[i] - b[i]
		s += d * d
	}
	return math.Sqrt(s)
}

// harmonyCorrect iteratively mixes batches: soft k-means over
// L2-normalized coordinates with a batch-diversity penalty on the
// assignments, then a per-cluster linear correction moving each cell
// away from its batch's cluster centroid toward the global one.
func harmonyCorrect(pca *Embedding, batches []string, batchNames []string, maxIter int, theta float64, seed int64) *Embedding {
	n := pca.NCells()
	dims := pca.Dims
	z := make([]float64, len(pca.Coords))
	copy(z, pca.Coords)
	for j := 0; j < n; j++ {
		row := z[j*dims : (j+1)*dims]
		norm := floats.Norm(row, 2)
		if norm > 0 {
			floats.Scale(1/norm, row)
		}
	}

	batchIdx := make([]int, n)
	batchOf := map[string]int{}
	for i, b := range batchNames {
		batchOf[b] = i
	}
	batchFrac := make([]float64, len(batchNames))
	for j, b := range batches {
		batchIdx[j] = batchOf[b]
		batchFrac[batchOf[b]]++
	}
	for i := range batchFrac {
		batchFrac[i] /= float64(n)
	}

	nClust := n / 30
	if nClust < 2 {
		nClust = 2
	} else if nClust > 50 {
		nClust = 50
	}
	rng := rand.New(rand.NewSource(uint64(seed)))
	centroids := kmeansppInit(z, n, dims, nClust, rng)
	const sigma = 0.1

	r := make([]float64, n*nClust)
	prevObj := math.Inf(1)
	for iter := 0; iter < maxIter; iter++ {
		// Soft assignment with the diversity penalty.
		obs := make([]float64, nClust*len(batchNames))
		clustSize := make([]float64, nClust)
		obj := 0.0
		for j := 0; j < n; j++ {
			row := z[j*dims : (j+1)*dims]
			var sum float64
			for c := 0; c < nClust; c++ {
				d := dist(row, centroids[c*dims:(c+1)*dims])
				r[j*nClust+c] = math.Exp(-d * d / sigma)
				sum += r[j*nClust+c]
				obj += r[j*nClust+c] * d * d
			}
			if sum > 0 {
				floats.Scale(1/sum, r[j*nClust:(j+1)*nClust])
			}
		}
		for j := 0; j < n; j++ {
			for c := 0; c < nClust; c++ {
				obs[c*len(batchNames)+batchIdx[j]] += r[j*nClust+c]
				clustSize[c] += r[j*nClust+c]
			}
		}
		for j := 0; j < n; j++ {
			var sum float64
			for c := 0; c < nClust; c++ {
				expected := clustSize[c] * batchFrac[batchIdx[j]]
				observed := obs[c*len(batchNames)+batchIdx[j]]
				penalty := math.Pow((expected+1)/(observed+1), theta)
				r[j*nClust+c] *= penalty
				sum += r[j*nClust+c]
			}
			if sum > 0 {
				floats.Scale(1/sum, r[j*nClust:(j+1)*nClust])
			}
		}

		// Centroid update.
		for c := 0; c < nClust; c++ {
			cent := centroids[c*dims : (c+1)*dims]
			for d := range cent {
				cent[d] = 0
			}
			var wsum float64
			for j := 0; j < n; j++ {
				floats.AddScaled(cent, r[j*nClust+c], z[j*dims:(j+1)*dims])
				wsum += r[j*nClust+c]
			}
			if wsum > 0 {
				floats.Scale(1/wsum, cent)
			}
		}

		// Linear correction per (cluster, batch).
		for c := 0; c < nClust; c++ {
			global := centroids[c*dims : (c+1)*dims]
			for b := range batchNames {
				bCent := make([]float64, dims)
				var wsum float64
				for j := 0; j < n; j++ {
					if batchIdx[j] != b {
						continue
					}
					floats.AddScaled(bCent, r[j*nClust+c], z[j*dims:(j+1)*dims])
					wsum += r[j*nClust+c]
				}
				if wsum == 0 {
					continue
				}
				floats.Scale(1/wsum, bCent)
				shift := make([]float64, dims)
				floats.SubTo(shift, global, bCent)
				for j := 0; j < n; j++ {
					if batchIdx[j] != b {
						continue
					}
					floats.AddScaled(z[j*dims:(j+1)*dims], r[j*nClust+c], shift)
				}
			}
		}

		log.Debugf("harmony iter %d objective %.6f", iter, obj)
		if math.Abs(prevObj-obj) < 1e-4*math.Abs(prevObj) {
			break
		}
		prevObj = obj
	}
	return &Embedding{Dims: dims, Coords: z}
}

// kmeansppInit seeds centroids via k-means++ sampling.
func kmeansppInit(z []float64, n, dims, k int, rng *rand.Rand) []float64 {
	centroids := make([]float64, k*dims)
	first := rng.Intn(n)
	copy(centroids[:dims], z[first*dims:(first+1)*dims])
	d2 := make([]float64, n)
	for c := 1; c < k; c++ {
		var sum float64
		for j := 0; j < n; j++ {
			best := math.Inf(1)
			for prev := 0; prev < c; prev++ {
				d := dist(z[j*dims:(j+1)*dims], centroids[prev*dims:(prev+1)*dims])
				if d*d < best {
					best = d * d
				}
			}
			d2[j] = best
			sum += best
		}
		pick := rng.Float64() * sum
		acc := 0.0
		chosen := n - 1
		for j := 0; j < n; j++ {
			acc += d2[j]
			if acc >= pick {
				chosen = j
				break
			}
		}
		copy(centroids[c*dims:(c+1)*dims], z[chosen*dims:(chosen+1)*dims])
	}
	return centroids
}
