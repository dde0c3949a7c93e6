package scgo

import (
	"bytes"
	"encoding/gob"
	"os"
	"path/filepath"
	"strings"

	"github.com/kshedden/gonpy"
	"gopkg.in/check.v1"
)

type exportSuite struct{}

var _ = check.Suite(&exportSuite{})

func (s *exportSuite) markerDataset() *Dataset {
	ds := makeDataset(nil, nil, [][]float64{{1, 2}})
	ds.Markers["cluster"] = []MarkerRow{
		{Cluster: "0", Gene: "gene0", LogFC: 2, PctIn: 1, PctOut: 0, PValue: 0.01, PAdj: 0.01},
	}
	return ds
}

func (s *exportSuite) TestExportCSV(c *check.C) {
	var in, out, stderr bytes.Buffer
	c.Assert(s.markerDataset().WriteBundle(&in, false), check.IsNil)
	exit := (&exporter{}).RunCommand("export", nil, &in, &out, &stderr)
	c.Assert(exit, check.Equals, 0, check.Commentf("%s", stderr.String()))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	c.Assert(lines, check.HasLen, 2)
	c.Check(lines[0], check.Equals, "cluster,gene,log_fc,pct_in,pct_out,p_value,p_adj")
	c.Check(strings.HasPrefix(lines[1], "0,gene0,"), check.Equals, true)
}

func (s *exportSuite) TestExportGob(c *check.C) {
	var in, out, stderr bytes.Buffer
	c.Assert(s.markerDataset().WriteBundle(&in, false), check.IsNil)
	exit := (&exporter{}).RunCommand("export", []string{"-format", "gob"}, &in, &out, &stderr)
	c.Assert(exit, check.Equals, 0, check.Commentf("%s", stderr.String()))

	var tables map[string][]MarkerRow
	c.Assert(gob.NewDecoder(&out).Decode(&tables), check.IsNil)
	c.Check(tables["cluster"], check.HasLen, 1)
	c.Check(tables["cluster"][0].Gene, check.Equals, "gene0")
}

func (s *exportSuite) TestExportNoMarkers(c *check.C) {
	ds := makeDataset(nil, nil, [][]float64{{1, 2}})
	var in, out, stderr bytes.Buffer
	c.Assert(ds.WriteBundle(&in, false), check.IsNil)
	exit := (&exporter{}).RunCommand("export", nil, &in, &out, &stderr)
	c.Check(exit, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?s).*no marker tables.*`)
}

func (s *exportSuite) TestExportUnknownTable(c *check.C) {
	var in, out, stderr bytes.Buffer
	c.Assert(s.markerDataset().WriteBundle(&in, false), check.IsNil)
	exit := (&exporter{}).RunCommand("export", []string{"-table", "nope"}, &in, &out, &stderr)
	c.Check(exit, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?s).*no marker table "nope".*`)
}

func (s *exportSuite) TestExportNumpyEmbedding(c *check.C) {
	ds := makeDataset(nil, nil, [][]float64{{1, 2, 3}})
	ds.Embeddings["umap"] = &Embedding{Dims: 2, Coords: []float64{1, 2, 3, 4, 5, 6}}
	dir := c.MkDir()
	var in, out, stderr bytes.Buffer
	c.Assert(ds.WriteBundle(&in, false), check.IsNil)

	exit := (&exportNumpy{}).RunCommand("export-numpy", []string{
		"-output-dir", dir,
	}, &in, &out, &stderr)
	c.Assert(exit, check.Equals, 0, check.Commentf("%s", stderr.String()))

	r, err := gonpy.NewFileReader(filepath.Join(dir, "umap.npy"))
	c.Assert(err, check.IsNil)
	c.Check(r.Shape, check.DeepEquals, []int{3, 2})
	data, err := r.GetFloat64()
	c.Assert(err, check.IsNil)
	c.Check(data, check.DeepEquals, []float64{1, 2, 3, 4, 5, 6})

	cells, err := os.ReadFile(filepath.Join(dir, "cells.txt"))
	c.Assert(err, check.IsNil)
	c.Check(string(cells), check.Equals, "cell0\ncell1\ncell2\n")
	cols, err := os.ReadFile(filepath.Join(dir, "umap-columns.txt"))
	c.Assert(err, check.IsNil)
	c.Check(string(cols), check.Equals, "umap_1\numap_2\n")
}

func (s *exportSuite) TestExportNumpyCorrected(c *check.C) {
	ds := makeDataset(nil, nil, [][]float64{{1, 2}, {3, 4}})
	ds.VarFeatures = []string{"gene0", "gene1"}
	ds.Corrected = &DenseMatrix{Rows: 2, Cols: 2, Data: []float64{
		10, 20,
		30, 40,
	}}
	dir := c.MkDir()
	var in, out, stderr bytes.Buffer
	c.Assert(ds.WriteBundle(&in, false), check.IsNil)

	exit := (&exportNumpy{}).RunCommand("export-numpy", []string{
		"-output-dir", dir, "-source", "corrected",
	}, &in, &out, &stderr)
	c.Assert(exit, check.Equals, 0, check.Commentf("%s", stderr.String()))

	r, err := gonpy.NewFileReader(filepath.Join(dir, "corrected.npy"))
	c.Assert(err, check.IsNil)
	// transposed to cells x features
	c.Check(r.Shape, check.DeepEquals, []int{2, 2})
	data, err := r.GetFloat64()
	c.Assert(err, check.IsNil)
	c.Check(data, check.DeepEquals, []float64{10, 30, 20, 40})

	cols, err := os.ReadFile(filepath.Join(dir, "corrected-columns.txt"))
	c.Assert(err, check.IsNil)
	c.Check(string(cols), check.Equals, "gene0\ngene1\n")
}
