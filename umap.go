package scgo

import (
	"math"

	"golang.org/x/exp/rand"
)

// UMAP-style layout of the KNN graph of an embedding. There is no
// maintained UMAP implementation in the Go ecosystem, so the essential
// algorithm is implemented here: fuzzy simplicial set weights over the
// KNN graph (smoothed-distance calibration per cell, then fuzzy
// union), coordinates initialized from the first target-dims input
// components, refined by stochastic gradient descent with negative
// sampling.

// Curve parameters approximating min_dist=0.1, spread=1.
const umapA = 1.577
const umapB = 0.895

func embedUMAP(in *Embedding, dims, k, epochs int, seed int64) *Embedding {
	n := in.NCells()
	if k >= n {
		k = n - 1
	}
	neighbors, dists := knn(in, k)
	weights := fuzzyWeights(neighbors, dists)

	// Edge list of the symmetrized graph (fuzzy union a+b-ab).
	type edge struct {
		from, to int
		w        float64
	}
	wmap := map[[2]int]float64{}
	for i, nbrs := range neighbors {
		for t, j := range nbrs {
			key := [2]int{i, j}
			if i > j {
				key = [2]int{j, i}
			}
			w := weights[i][t]
			if prev, ok := wmap[key]; ok {
				wmap[key] = prev + w - prev*w
			} else {
				wmap[key] = w
			}
		}
	}
	var edges []edge
	maxW := 0.0
	for key, w := range wmap {
		edges = append(edges, edge{key[0], key[1], w})
		if w > maxW {
			maxW = w
		}
	}

	rng := rand.New(rand.NewSource(uint64(seed)))

	// Initialize from the leading input components, rescaled to a
	// small box so the early epochs are stable.
	coords := make([]float64, n*dims)
	scale := 0.0
	for i := 0; i < n; i++ {
		row := in.Row(i)
		for d := 0; d < dims && d < in.Dims; d++ {
			coords[i*dims+d] = row[d]
			if a := math.Abs(row[d]); a > scale {
				scale = a
			}
		}
	}
	if scale > 0 {
		for i := range coords {
			coords[i] = coords[i] / scale * 10
		}
	}

	initialLR := 1.0
	negSamples := 5
	for epoch := 0; epoch < epochs; epoch++ {
		lr := initialLR * (1 - float64(epoch)/float64(epochs))
		for _, e := range edges {
			// Sample edges proportionally to weight.
			if rng.Float64()*maxW > e.w {
				continue
			}
			attract(coords, dims, e.from, e.to, lr)
			for s := 0; s < negSamples; s++ {
				repel(coords, dims, e.from, rng.Intn(n), lr)
			}
		}
	}
	return &Embedding{Dims: dims, Coords: coords}
}

func attract(coords []float64, dims, i, j int, lr float64) {
	d2 := 0.0
	for d := 0; d < dims; d++ {
		diff := coords[i*dims+d] - coords[j*dims+d]
		d2 += diff * diff
	}
	if d2 == 0 {
		return
	}
	grad := -2 * umapA * umapB * math.Pow(d2, umapB-1) / (1 + umapA*math.Pow(d2, umapB))
	for d := 0; d < dims; d++ {
		diff := coords[i*dims+d] - coords[j*dims+d]
		g := clampGrad(grad * diff)
		coords[i*dims+d] += lr * g
		coords[j*dims+d] -= lr * g
	}
}

func repel(coords []float64, dims, i, j int, lr float64) {
	if i == j {
		return
	}
	d2 := 0.0
	for d := 0; d < dims; d++ {
		diff := coords[i*dims+d] - coords[j*dims+d]
		d2 += diff * diff
	}
	grad := 2 * umapB / ((0.001 + d2) * (1 + umapA*math.Pow(d2, umapB)))
	for d := 0; d < dims; d++ {
		diff := coords[i*dims+d] - coords[j*dims+d]
		g := clampGrad(grad * diff)
		coords[i*dims+d] += lr * g
	}
}

func clampGrad(g float64) float64 {
	if g > 4 {
		return 4
	}
	if g < -4 {
		return -4
	}
	return g
}

// fuzzyWeights converts KNN distances to membership strengths:
// w = exp(-(d - rho)/sigma), with rho the distance to the nearest
// neighbor and sigma calibrated per cell so the weights sum to
// log2(k+1).
func fuzzyWeights(neighbors [][]int, dists [][]float64) [][]float64 {
	weights := make([][]float64, len(neighbors))
	for i, nd := range dists {
		rho := math.Inf(1)
		for _, d := range nd {
			if d < rho {
				rho = d
			}
		}
		target := math.Log2(float64(len(nd)) + 1)
		sigma := smoothSigma(nd, rho, target)
		w := make([]float64, len(nd))
		for t, d := range nd {
			x := d - rho
			if x < 0 {
				x = 0
			}
			w[t] = math.Exp(-x / sigma)
		}
		weights[i] = w
	}
	return weights
}

// smoothSigma binary-searches the bandwidth so that the membership
// strengths sum to target.
func smoothSigma(dists []float64, rho, target float64) float64 {
	lo, hi := 1e-6, 1000.0
	for iter := 0; iter < 64; iter++ {
		mid := (lo + hi) / 2
		sum := 0.0
		for _, d := range dists {
			x := d - rho
			if x < 0 {
				x = 0
			}
			sum += math.Exp(-x / mid)
		}
		if sum > target {
			hi = mid
		} else {
			lo = mid
		}
	}
	return (lo + hi) / 2
}
