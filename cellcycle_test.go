package scgo

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"

	"gopkg.in/check.v1"
)

type cellcycleSuite struct{}

var _ = check.Suite(&cellcycleSuite{})

func (s *cellcycleSuite) TestExpressionBins(c *check.C) {
	means := []float64{0.5, 0.1, 0.9, 0.3, 0.7, 0.2}
	bins := expressionBins(means, 3)
	// sorted order: 0.1 0.2 0.3 | 0.5 0.7 0.9 with 2 per bin
	c.Check(bins[1], check.Equals, 0) // 0.1
	c.Check(bins[5], check.Equals, 0) // 0.2
	c.Check(bins[3], check.Equals, 1) // 0.3
	c.Check(bins[0], check.Equals, 1) // 0.5
	c.Check(bins[4], check.Equals, 2) // 0.7
	c.Check(bins[2], check.Equals, 2) // 0.9
}

// cycleDataset has marker genes planted so that cells 0-1 express the
// S markers, cells 2-3 the G2M markers, and cells 4-5 neither. The
// filler genes keep every expression bin populated.
func (s *cellcycleSuite) cycleDataset() *Dataset {
	genes := []string{"MCM5", "PCNA", "CDK1", "TOP2A", "F1", "F2", "F3", "F4", "F5", "F6"}
	dense := [][]float64{
		{20, 25, 0, 0, 0, 0}, // MCM5
		{18, 22, 0, 0, 0, 0}, // PCNA
		{0, 0, 20, 25, 0, 0}, // CDK1
		{0, 1, 18, 22, 0, 0}, // TOP2A
		{5, 5, 5, 5, 5, 5},   // fillers
		{3, 4, 3, 4, 3, 4},
		{1, 1, 2, 2, 1, 1},
		{8, 7, 8, 7, 8, 7},
		{2, 2, 2, 2, 2, 2},
		{6, 6, 6, 6, 6, 6},
	}
	return makeDataset(genes, nil, dense)
}

func (s *cellcycleSuite) TestScoreCellCycle(c *check.C) {
	ds := s.cycleDataset()
	err := scoreCellCycle(ds, []string{"MCM5", "PCNA"}, []string{"CDK1", "TOP2A"}, 4, 10, 1)
	c.Assert(err, check.IsNil)
	c.Assert(ds.Check(), check.IsNil)

	sScore := ds.Obs.Floats("s_score")
	g2mScore := ds.Obs.Floats("g2m_score")
	diff := ds.Obs.Floats("cc_difference")
	phase := ds.Obs.Strings("phase")

	c.Check(phase[0], check.Equals, "S")
	c.Check(phase[1], check.Equals, "S")
	c.Check(phase[2], check.Equals, "G2M")
	c.Check(phase[3], check.Equals, "G2M")
	c.Check(phase[4], check.Equals, "G1")
	c.Check(phase[5], check.Equals, "G1")

	for j := range diff {
		c.Check(diff[j], check.Equals, sScore[j]-g2mScore[j])
	}
	c.Check(sScore[0] > g2mScore[0], check.Equals, true)
	c.Check(g2mScore[2] > sScore[2], check.Equals, true)
}

func (s *cellcycleSuite) TestScoreDeterministic(c *check.C) {
	a, b := s.cycleDataset(), s.cycleDataset()
	c.Assert(scoreCellCycle(a, []string{"MCM5"}, []string{"CDK1"}, 4, 10, 42), check.IsNil)
	c.Assert(scoreCellCycle(b, []string{"MCM5"}, []string{"CDK1"}, 4, 10, 42), check.IsNil)
	c.Check(a.Obs.Floats("s_score"), check.DeepEquals, b.Obs.Floats("s_score"))
}

func (s *cellcycleSuite) TestScoreNoMarkersPresent(c *check.C) {
	ds := s.cycleDataset()
	err := scoreCellCycle(ds, []string{"NOPE1", "NOPE2"}, []string{"CDK1"}, 4, 10, 1)
	c.Check(err, check.ErrorMatches, `S phase: none of 2 marker genes present in dataset`)
}

func (s *cellcycleSuite) TestOrthTranslate(c *check.C) {
	var gotReq orthRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.Check(r.Method, check.Equals, "POST")
		c.Check(r.URL.Path, check.Equals, "/api/orth/orth/")
		c.Assert(json.NewDecoder(r.Body).Decode(&gotReq), check.IsNil)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"result": []map[string]string{
				{"incoming": "MCM5", "name": "Mcm5"},
				{"incoming": "PCNA", "name": "N/A"},
				{"incoming": "CDK1", "name": "Cdk1"},
				{"incoming": "CDK1", "name": "Cdk1-dup"},
			},
		})
	}))
	defer srv.Close()

	orth := &orthClient{BaseURL: srv.URL}
	table, err := orth.Translate("hsapiens", "mmusculus", []string{"MCM5", "PCNA", "CDK1"})
	c.Assert(err, check.IsNil)
	c.Check(gotReq.Organism, check.Equals, "hsapiens")
	c.Check(gotReq.Target, check.Equals, "mmusculus")
	c.Check(gotReq.Query, check.DeepEquals, []string{"MCM5", "PCNA", "CDK1"})
	// N/A dropped, first hit per symbol wins
	c.Check(table, check.DeepEquals, map[string]string{"MCM5": "Mcm5", "CDK1": "Cdk1"})
}

func (s *cellcycleSuite) TestOrthCache(c *check.C) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"result": []map[string]string{{"incoming": "MCM5", "name": "Mcm5"}},
		})
	}))
	defer srv.Close()

	dir := c.MkDir()
	orth := &orthClient{BaseURL: srv.URL, CacheDir: dir}
	for i := 0; i < 2; i++ {
		table, err := orth.Translate("hsapiens", "mmusculus", []string{"MCM5"})
		c.Assert(err, check.IsNil)
		c.Check(table["MCM5"], check.Equals, "Mcm5")
	}
	c.Check(atomic.LoadInt32(&calls), check.Equals, int32(1))
}

func (s *cellcycleSuite) TestOrthServerError(c *check.C) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()
	orth := &orthClient{BaseURL: srv.URL}
	_, err := orth.Translate("hsapiens", "mmusculus", []string{"MCM5"})
	c.Check(err, check.ErrorMatches, `ortholog lookup: 502 Bad Gateway`)
}

func (s *cellcycleSuite) TestTranslateGenes(c *check.C) {
	out := translateGenes([]string{"A", "B", "C"}, map[string]string{"A": "a", "C": "c"})
	c.Check(out, check.DeepEquals, []string{"a", "c"})
}
