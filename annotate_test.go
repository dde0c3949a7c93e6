package scgo

import (
	"math"
	"os"
	"path/filepath"

	"gopkg.in/check.v1"
)

type annotateSuite struct{}

var _ = check.Suite(&annotateSuite{})

func (s *annotateSuite) TestTiedRanks(c *check.C) {
	c.Check(tiedRanks([]float64{10, 20, 30}), check.DeepEquals, []float64{1, 2, 3})
	// ties share the average rank
	c.Check(tiedRanks([]float64{5, 1, 5, 1}), check.DeepEquals, []float64{3.5, 1.5, 3.5, 1.5})
}

func (s *annotateSuite) TestSpearman(c *check.C) {
	a := []float64{1, 2, 3, 4}
	// monotone but nonlinear: rank correlation is exactly 1
	b := []float64{1, 10, 100, 1000}
	c.Check(math.Abs(spearman(a, b)-1) < 1e-12, check.Equals, true)
	rev := []float64{4, 3, 2, 1}
	c.Check(math.Abs(spearman(a, rev)+1) < 1e-12, check.Equals, true)
}

func (s *annotateSuite) TestTop2(c *check.C) {
	best, second := top2([]float64{0.1, 0.9, 0.5})
	c.Check(best, check.Equals, 1)
	c.Check(second, check.Equals, 2)
	best, second = top2([]float64{0.9, 0.1})
	c.Check(best, check.Equals, 0)
	c.Check(second, check.Equals, 1)
}

// annotationDataset plants two clusters of 8 cells: cluster "0"
// expresses the T cell genes CD3D/CD3E, cluster "1" the B cell genes
// CD79A/MS4A1. Fillers are expressed everywhere.
func (s *annotateSuite) annotationDataset() (*Dataset, []string) {
	genes := []string{"CD3D", "CD3E", "CD79A", "MS4A1", "ACTB", "GAPDH"}
	dense := make([][]float64, len(genes))
	for i := range dense {
		dense[i] = make([]float64, 16)
	}
	clusters := make([]string, 16)
	for j := 0; j < 16; j++ {
		if j < 8 {
			clusters[j] = "0"
			dense[0][j] = 20
			dense[1][j] = 15
		} else {
			clusters[j] = "1"
			dense[2][j] = 20
			dense[3][j] = 15
		}
		dense[4][j] = 10
		dense[5][j] = 8
	}
	ds := makeDataset(genes, nil, dense)
	ds.Obs.SetStrings("cluster", clusters)
	return ds, clusters
}

func (s *annotateSuite) TestAnnotateByMarkers(c *check.C) {
	ds, clusters := s.annotationDataset()
	sets := []MarkerSet{
		{Type: "T cells", Positive: []string{"CD3D", "CD3E"}, Negative: []string{"CD79A"}},
		{Type: "B cells", Positive: []string{"CD79A", "MS4A1"}, Negative: []string{"CD3D"}},
	}
	labels, scores := annotateByMarkers(ds, clusters, sets)
	c.Check(labels["0"], check.Equals, "T cells")
	c.Check(labels["1"], check.Equals, "B cells")
	c.Check(scores["0"] > 0, check.Equals, true)
	c.Check(scores["1"] > 0, check.Equals, true)
}

func (s *annotateSuite) TestAnnotateByMarkersUnknown(c *check.C) {
	ds, clusters := s.annotationDataset()
	// markers for a type nobody expresses: every z-score sum stays
	// below the quarter-of-cluster-size threshold
	sets := []MarkerSet{
		{Type: "NK cells", Positive: []string{"GNLY", "NKG7"}},
		{Type: "Monocytes", Positive: []string{"ACTB"}},
	}
	labels, _ := annotateByMarkers(ds, clusters, sets)
	c.Check(labels["0"], check.Equals, "Unknown")
	c.Check(labels["1"], check.Equals, "Unknown")
}

func (s *annotateSuite) TestAnnotateByReference(c *check.C) {
	ds, clusters := s.annotationDataset()
	atlas := &RefAtlas{
		Genes:  []string{"CD3D", "CD3E", "CD79A", "MS4A1", "ACTB", "GAPDH"},
		Labels: []string{"T cells", "B cells"},
		Expr: &DenseMatrix{Rows: 6, Cols: 2, Data: []float64{
			5, 0.1,
			4, 0.1,
			0.1, 5,
			0.1, 4,
			2, 2,
			1.5, 1.5,
		}},
	}
	for _, fineTune := range []bool{false, true} {
		labels, scores := annotateByReference(ds, clusters, atlas, fineTune)
		c.Check(labels["0"], check.Equals, "T cells")
		c.Check(labels["1"], check.Equals, "B cells")
		c.Check(scores["0"] > 0, check.Equals, true)
	}
}

func (s *annotateSuite) TestLoadMarkerDBScTypeHeader(c *check.C) {
	dir := c.MkDir()
	path := filepath.Join(dir, "markers.csv")
	content := "tissueType,cellName,geneSymbolmore1,geneSymbolmore2\n" +
		"Immune system,T cells,\"CD3D,CD3E\",CD79A\n" +
		"Immune system,B cells,\"CD79A, MS4A1\",\n" +
		"Liver,Hepatocytes,ALB,\n"
	c.Assert(os.WriteFile(path, []byte(content), 0666), check.IsNil)

	sets, err := loadMarkerDB(path, "", "")
	c.Assert(err, check.IsNil)
	c.Assert(sets, check.HasLen, 3)
	c.Check(sets[0].Type, check.Equals, "T cells")
	c.Check(sets[0].Positive, check.DeepEquals, []string{"CD3D", "CD3E"})
	c.Check(sets[0].Negative, check.DeepEquals, []string{"CD79A"})
	c.Check(sets[1].Positive, check.DeepEquals, []string{"CD79A", "MS4A1"})

	// tissue filter is case-insensitive
	sets, err = loadMarkerDB(path, "", "immune SYSTEM")
	c.Assert(err, check.IsNil)
	c.Check(sets, check.HasLen, 2)

	_, err = loadMarkerDB(path, "", "Brain")
	c.Check(err, check.NotNil)
}

func (s *annotateSuite) TestLoadMarkerDBTSV(c *check.C) {
	dir := c.MkDir()
	path := filepath.Join(dir, "markers.tsv")
	content := "tissue\tcell_type\tpositive\tnegative\n" +
		"PBMC\tNK cells\tGNLY,NKG7\t\n"
	c.Assert(os.WriteFile(path, []byte(content), 0666), check.IsNil)
	sets, err := loadMarkerDB(path, "", "")
	c.Assert(err, check.IsNil)
	c.Assert(sets, check.HasLen, 1)
	c.Check(sets[0].Tissue, check.Equals, "PBMC")
	c.Check(sets[0].Positive, check.DeepEquals, []string{"GNLY", "NKG7"})
}

func (s *annotateSuite) TestLoadRefAtlas(c *check.C) {
	dir := c.MkDir()
	path := filepath.Join(dir, "atlas.csv")
	content := "gene,T cells,B cells\nCD3D,5,0.1\nCD79A,0.1,5\n"
	c.Assert(os.WriteFile(path, []byte(content), 0666), check.IsNil)

	atlas, err := loadRefAtlas(path, "")
	c.Assert(err, check.IsNil)
	c.Check(atlas.Genes, check.DeepEquals, []string{"CD3D", "CD79A"})
	c.Check(atlas.Labels, check.DeepEquals, []string{"T cells", "B cells"})
	c.Check(atlas.Profile(0), check.DeepEquals, []float64{5, 0.1})
	c.Check(atlas.Profile(1), check.DeepEquals, []float64{0.1, 5})

	c.Assert(os.WriteFile(path, []byte("gene,T cells\nCD3D,5,9\n"), 0666), check.IsNil)
	_, err = loadRefAtlas(path, "")
	c.Check(err, check.ErrorMatches, `.*row 2 has 3 fields, want 2`)
}
