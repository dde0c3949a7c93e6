package scgo

import (
	"bytes"

	"gopkg.in/check.v1"
)

type clusterSuite struct{}

var _ = check.Suite(&clusterSuite{})

func (s *clusterSuite) TestKNN(c *check.C) {
	// four points on a line: 0, 1, 3, 7
	e := &Embedding{Dims: 1, Coords: []float64{0, 1, 3, 7}}
	neighbors, dists := knn(e, 2)
	c.Check(neighbors[0], check.DeepEquals, []int{1, 2})
	c.Check(dists[0], check.DeepEquals, []float64{1, 3})
	c.Check(neighbors[1], check.DeepEquals, []int{0, 2})
	c.Check(neighbors[2], check.DeepEquals, []int{1, 0})
	c.Check(neighbors[3], check.DeepEquals, []int{2, 1})

	// k larger than n-1 is capped
	neighbors, _ = knn(e, 10)
	c.Check(len(neighbors[0]), check.Equals, 3)
}

func (s *clusterSuite) TestSNNEdges(c *check.C) {
	// self-inclusive neighborhoods: {0,1,2}, {1,0,2}, {2,0,1}, {3,0}
	neighbors := [][]int{{1, 2}, {0, 2}, {0, 1}, {0}}
	edges := snnEdges(neighbors, 0)
	got := map[[2]int]float64{}
	for _, e := range edges {
		got[[2]int{e.a, e.b}] = e.w
	}
	// 0,1,2 share identical neighborhoods: Jaccard 1
	c.Check(got[[2]int{0, 1}], check.Equals, 1.0)
	c.Check(got[[2]int{0, 2}], check.Equals, 1.0)
	c.Check(got[[2]int{1, 2}], check.Equals, 1.0)
	// {0,1,2} vs {0,3}: shared {0}, union {0,1,2,3}
	c.Check(got[[2]int{0, 3}], check.Equals, 0.25)

	// pruning drops the weak edges
	edges = snnEdges(neighbors, 0.5)
	c.Check(len(edges), check.Equals, 3)
	for _, e := range edges {
		c.Check(e.w >= 0.5, check.Equals, true)
	}
}

func (s *clusterSuite) TestSNNEdgesDeterministic(c *check.C) {
	neighbors := [][]int{{1, 2}, {0, 2}, {0, 1}, {4}, {3}}
	a := snnEdges(neighbors, 0)
	b := snnEdges(neighbors, 0)
	c.Check(a, check.DeepEquals, b)
	for i := 1; i < len(a); i++ {
		less := a[i-1].a < a[i].a || (a[i-1].a == a[i].a && a[i-1].b < a[i].b)
		c.Check(less, check.Equals, true)
	}
}

// twoBlobs is an embedding with two well-separated groups of four
// cells each.
func twoBlobs() *Embedding {
	return &Embedding{Dims: 2, Coords: []float64{
		0, 0, 1, 0, 0, 1, 1, 1,
		100, 100, 101, 100, 100, 101, 101, 101,
	}}
}

func (s *clusterSuite) TestLouvainSeparatesBlobs(c *check.C) {
	neighbors, _ := knn(twoBlobs(), 3)
	edges := snnEdges(neighbors, 1.0/15)
	labels := louvain(8, edges, 1, 1)

	c.Check(len(labels), check.Equals, 8)
	for _, l := range labels {
		c.Check(l, check.Not(check.Equals), "")
	}
	// each blob lands in one community, and not the same one
	for i := 1; i < 4; i++ {
		c.Check(labels[i], check.Equals, labels[0])
		c.Check(labels[4+i], check.Equals, labels[4])
	}
	c.Check(labels[0], check.Not(check.Equals), labels[4])
}

func (s *clusterSuite) TestClusterCommand(c *check.C) {
	ds := makeDataset(nil, nil, [][]float64{
		{1, 2, 3, 4, 5, 6, 7, 8},
	})
	ds.Embeddings["pca"] = twoBlobs()
	var in, out, stderr bytes.Buffer
	c.Assert(ds.WriteBundle(&in, false), check.IsNil)

	exit := (&clustercmd{}).RunCommand("cluster", []string{
		"-k", "3", "-resolution", "1", "-out", "leiden",
	}, &in, &out, &stderr)
	c.Assert(exit, check.Equals, 0, check.Commentf("%s", stderr.String()))

	got, err := LoadBundle(&out, false)
	c.Assert(err, check.IsNil)
	labels := got.Obs.Strings("leiden")
	c.Assert(labels, check.HasLen, 8)
	// largest-first naming: labels are "0" and "1"
	seen := map[string]int{}
	for _, l := range labels {
		seen[l]++
	}
	c.Check(seen, check.DeepEquals, map[string]int{"0": 4, "1": 4})
}

func (s *clusterSuite) TestClusterMissingEmbedding(c *check.C) {
	ds := makeDataset(nil, nil, [][]float64{{1, 2}})
	var in, out, stderr bytes.Buffer
	c.Assert(ds.WriteBundle(&in, false), check.IsNil)
	exit := (&clustercmd{}).RunCommand("cluster", nil, &in, &out, &stderr)
	c.Check(exit, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?s).*no embedding "pca".*`)
}
