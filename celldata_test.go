package scgo

import (
	"bytes"

	"gopkg.in/check.v1"
)

type celldataSuite struct{}

var _ = check.Suite(&celldataSuite{})

func (s *celldataSuite) TestTriplets(c *check.C) {
	m := NewCountMatrixFromTriplets(3, 4,
		[]int{0, 2, 0, 1, 2},
		[]int{1, 3, 3, 0, 0},
		[]float64{2, 7, 1, 5, 3})
	c.Check(m.NNZ(), check.Equals, 5)
	c.Check(m.RowDense(0), check.DeepEquals, []float64{0, 2, 0, 1})
	c.Check(m.RowDense(1), check.DeepEquals, []float64{5, 0, 0, 0})
	c.Check(m.RowDense(2), check.DeepEquals, []float64{3, 0, 0, 7})
	c.Check(m.ColSums(), check.DeepEquals, []float64{8, 2, 0, 8})
	c.Check(m.ColNNZ(), check.DeepEquals, []int{2, 1, 0, 2})
	c.Check(m.RowNNZ(), check.DeepEquals, []int{2, 1, 2})
}

func (s *celldataSuite) TestSubsetCols(c *check.C) {
	m := NewCountMatrixFromTriplets(2, 3,
		[]int{0, 0, 1, 1},
		[]int{0, 2, 1, 2},
		[]float64{1, 3, 4, 5})
	// out-of-order keep: column indices within each row must come
	// back sorted
	sub := m.SubsetCols([]int{2, 0})
	c.Check(sub.Cols, check.Equals, 2)
	c.Check(sub.RowDense(0), check.DeepEquals, []float64{3, 1})
	c.Check(sub.RowDense(1), check.DeepEquals, []float64{5, 0})
	for i := 0; i < sub.Rows; i++ {
		last := -1
		sub.Row(i, func(j int, _ float64) {
			c.Check(j > last, check.Equals, true)
			last = j
		})
	}
}

func (s *celldataSuite) TestSubsetCellsAlignment(c *check.C) {
	ds := makeDataset(nil, nil, [][]float64{
		{1, 0, 2, 0},
		{0, 3, 0, 4},
		{5, 6, 0, 0},
	})
	ds.Obs.SetFloats("total_counts", []float64{6, 9, 2, 4})
	ds.Obs.SetStrings("cluster", []string{"0", "1", "0", "1"})
	ds.Embeddings["pca"] = &Embedding{Dims: 2, Coords: []float64{
		0, 0, 1, 1, 2, 2, 3, 3,
	}}
	ds.VarFeatures = []string{"gene0", "gene2"}
	ds.Corrected = &DenseMatrix{Rows: 2, Cols: 4, Data: []float64{
		10, 11, 12, 13,
		20, 21, 22, 23,
	}}
	c.Assert(ds.Check(), check.IsNil)

	ds.SubsetCells([]int{3, 1})
	c.Assert(ds.Check(), check.IsNil)
	c.Check(ds.Cells, check.DeepEquals, []string{"cell3", "cell1"})
	c.Check(ds.Counts.RowDense(1), check.DeepEquals, []float64{4, 3})
	c.Check(ds.Obs.Floats("total_counts"), check.DeepEquals, []float64{4, 9})
	c.Check(ds.Obs.Strings("cluster"), check.DeepEquals, []string{"1", "1"})
	c.Check(ds.Embeddings["pca"].Row(0), check.DeepEquals, []float64{3, 3})
	c.Check(ds.Corrected.Data, check.DeepEquals, []float64{13, 11, 23, 21})
}

func (s *celldataSuite) TestSubsetGenesDropsVarFeatures(c *check.C) {
	ds := makeDataset(nil, nil, [][]float64{
		{1, 2},
		{3, 4},
		{5, 6},
	})
	ds.VarFeatures = []string{"gene2", "gene0"}
	ds.Corrected = &DenseMatrix{Rows: 2, Cols: 2, Data: []float64{
		8, 9, // gene2
		1, 2, // gene0
	}}
	ds.SubsetGenes([]int{0, 1})
	c.Assert(ds.Check(), check.IsNil)
	c.Check(ds.Genes, check.DeepEquals, []string{"gene0", "gene1"})
	c.Check(ds.VarFeatures, check.DeepEquals, []string{"gene0"})
	c.Check(ds.Corrected.Data, check.DeepEquals, []float64{1, 2})
}

func (s *celldataSuite) TestCheckCatchesDrift(c *check.C) {
	ds := makeDataset(nil, nil, [][]float64{{1, 2, 3}})
	ds.Obs.SetFloats("x", []float64{1, 2})
	c.Check(ds.Check(), check.ErrorMatches, `obs column "x" has 2 rows, want 3`)

	ds = makeDataset(nil, nil, [][]float64{{1, 2, 3}})
	ds.Embeddings["umap"] = &Embedding{Dims: 2, Coords: []float64{0, 0}}
	c.Check(ds.Check(), check.ErrorMatches, `embedding "umap" covers 1 cells, want 3`)

	ds = makeDataset(nil, nil, [][]float64{{1, 2, 3}})
	ds.VarFeatures = []string{"gene0"}
	ds.Corrected = &DenseMatrix{Rows: 2, Cols: 3, Data: make([]float64, 6)}
	c.Check(ds.Check(), check.ErrorMatches, `corrected matrix has 2 rows but 1 variable features`)
}

func (s *celldataSuite) TestBundleRoundTrip(c *check.C) {
	ds := makeDataset(nil, nil, [][]float64{
		{1, 0, 2},
		{0, 3, 0},
	})
	ds.Obs.SetStrings("phase", []string{"G1", "S", "G2M"})
	ds.Obs.SetFloats("s_score", []float64{-0.1, 0.4, 0})
	ds.Embeddings["tsne"] = &Embedding{Dims: 2, Coords: []float64{1, 2, 3, 4, 5, 6}}
	ds.Markers["cluster"] = []MarkerRow{{Cluster: "0", Gene: "gene1", LogFC: 1.5, PValue: 0.01, PAdj: 0.02}}

	for _, gz := range []bool{false, true} {
		var buf bytes.Buffer
		c.Assert(ds.WriteBundle(&buf, gz), check.IsNil)
		got, err := LoadBundle(&buf, gz)
		c.Assert(err, check.IsNil)
		c.Check(got.Genes, check.DeepEquals, ds.Genes)
		c.Check(got.Cells, check.DeepEquals, ds.Cells)
		c.Check(got.Counts.Data, check.DeepEquals, ds.Counts.Data)
		c.Check(got.Obs.Strings("phase"), check.DeepEquals, []string{"G1", "S", "G2M"})
		c.Check(got.Embeddings["tsne"].Coords, check.DeepEquals, ds.Embeddings["tsne"].Coords)
		c.Check(got.Markers["cluster"], check.DeepEquals, ds.Markers["cluster"])
	}
}

func (s *celldataSuite) TestLoadBundleRejectsMisaligned(c *check.C) {
	ds := makeDataset(nil, nil, [][]float64{{1, 2}})
	ds.Obs.Cols = append(ds.Obs.Cols, ObsCol{Name: "bad", Floats: []float64{1}})
	var buf bytes.Buffer
	c.Assert(ds.WriteBundle(&buf, false), check.IsNil)
	_, err := LoadBundle(&buf, false)
	c.Check(err, check.NotNil)
}
