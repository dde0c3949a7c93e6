package scgo

import (
	"flag"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/graph/community"
	"gonum.org/v1/gonum/graph/simple"
)

// clustercmd partitions cells by building a KNN graph in embedding
// space, reweighting edges by shared-neighborhood Jaccard similarity,
// and running Louvain modularity optimization at the chosen
// resolution. Labels are categorical and not comparable across runs.
type clustercmd struct {
	inputFile  string
	outputFile string
	use        string
	outCol     string
	k          int
	resolution float64
	prune      float64
	seed       int64
}

func (cmd *clustercmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	flags.StringVar(&cmd.use, "use", "pca", "`embedding` to build the KNN graph in")
	flags.StringVar(&cmd.outCol, "out", "cluster", "metadata `column` for the labels")
	flags.IntVar(&cmd.k, "k", 20, "neighbors per cell")
	flags.Float64Var(&cmd.resolution, "resolution", 0.1, "modularity resolution parameter")
	flags.Float64Var(&cmd.prune, "prune", 1.0/15, "drop SNN edges with Jaccard similarity below `X`")
	flags.Int64Var(&cmd.seed, "seed", 1, "random `seed` for community detection")
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
	emb, ok := ds.Embeddings[cmd.use]
	if !ok {
		err = fmt.Errorf("bundle has no embedding %q; run reduce or integrate first", cmd.use)
		return 1
	}

	log.Printf("building %d-nn graph in %q space (%d cells)", cmd.k, cmd.use, ds.NCells())
	neighbors, _ := knn(emb, cmd.k)
	edges := snnEdges(neighbors, cmd.prune)
	log.Printf("snn graph: %d edges after pruning", len(edges))

	labels := louvain(ds.NCells(), edges, cmd.resolution, cmd.seed)
	ds.Obs.SetStrings(cmd.outCol, labels)
	sizes := map[string]int{}
	for _, l := range labels {
		sizes[l]++
	}
	log.Printf("louvain at resolution %g: %d clusters %v", cmd.resolution, len(sizes), sizes)

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

// knn returns, for each cell, its k nearest other cells and the
// corresponding Euclidean distances, by exhaustive search. The cell
// counts this pipeline handles stay well inside brute-force range.
func knn(e *Embedding, k int) ([][]int, [][]float64) {
	n := e.NCells()
	if k >= n {
		k = n - 1
	}
	neighbors := make([][]int, n)
	dists := make([][]float64, n)
	d2 := make([]float64, n)
	order := make([]int, n)
	for i := 0; i < n; i++ {
		ri := e.Row(i)
		for j := 0; j < n; j++ {
			rj := e.Row(j)
			s := 0.0
			for d := range ri {
				diff := ri[d] - rj[d]
				s += diff * diff
			}
			d2[j] = s
			order[j] = j
		}
		d2[i] = 0
		sort.SliceStable(order, func(a, b int) bool { return d2[order[a]] < d2[order[b]] })
		nbrs := make([]int, 0, k)
		nd := make([]float64, 0, k)
		for _, j := range order {
			if j == i {
				continue
			}
			nbrs = append(nbrs, j)
			nd = append(nd, math.Sqrt(d2[j]))
			if len(nbrs) == k {
				break
			}
		}
		neighbors[i] = nbrs
		dists[i] = nd
		// order was permuted in place; restore for the next row
		for j := 0; j < n; j++ {
			order[j] = j
		}
	}
	return neighbors, dists
}

type snnEdge struct {
	a, b int
	w    float64
}

// snnEdges converts the directed KNN lists to an undirected
// shared-nearest-neighbor graph. Each cell's neighborhood includes
// itself; edge weight is the Jaccard similarity of the two
// neighborhoods, pruned below the threshold.
func snnEdges(neighbors [][]int, prune float64) []snnEdge {
	n := len(neighbors)
	sets := make([]map[int]bool, n)
	for i, nbrs := range neighbors {
		s := make(map[int]bool, len(nbrs)+1)
		s[i] = true
		for _, j := range nbrs {
			s[j] = true
		}
		sets[i] = s
	}
	// Candidate pairs: cells sharing at least one neighborhood member.
	candidates := map[[2]int]bool{}
	members := make(map[int][]int, n)
	for i, s := range sets {
		for j := range s {
			members[j] = append(members[j], i)
		}
	}
	for _, cells := range members {
		for x := 0; x < len(cells); x++ {
			for y := x + 1; y < len(cells); y++ {
				a, b := cells[x], cells[y]
				if a > b {
					a, b = b, a
				}
				candidates[[2]int{a, b}] = true
			}
		}
	}
	var edges []snnEdge
	for pair := range candidates {
		a, b := pair[0], pair[1]
		shared := 0
		for j := range sets[a] {
			if sets[b][j] {
				shared++
			}
		}
		union := len(sets[a]) + len(sets[b]) - shared
		w := float64(shared) / float64(union)
		if w >= prune {
			edges = append(edges, snnEdge{a, b, w})
		}
	}
	sort.Slice(edges, func(x, y int) bool {
		if edges[x].a != edges[y].a {
			return edges[x].a < edges[y].a
		}
		return edges[x].b < edges[y].b
	})
	return edges
}

// louvain partitions the SNN graph by modularity optimization and
// returns one categorical label per cell, "0" for the largest
// community, "1" for the next, and so on.
func louvain(n int, edges []snnEdge, resolution float64, seed int64) []string {
	g := simple.NewWeightedUndirectedGraph(0, 0)
	for i := 0; i < n; i++ {
		g.AddNode(simple.Node(i))
	}
	for _, e := range edges {
		g.SetWeightedEdge(g.NewWeightedEdge(simple.Node(e.a), simple.Node(e.b), e.w))
	}
	reduced := community.Modularize(g, resolution, rand.NewSource(uint64(seed)))
	comms := reduced.Communities()
	sort.SliceStable(comms, func(a, b int) bool { return len(comms[a]) > len(comms[b]) })

	labels := make([]string, n)
	for ci, comm := range comms {
		name := strconv.Itoa(ci)
		for _, node := range comm {
			labels[node.ID()] = name
		}
	}
	return labels
}
