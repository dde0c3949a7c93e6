package scgo

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/james-bowman/sparse"
	"github.com/klauspost/pgzip"
	"gonum.org/v1/gonum/mat"
)

// CountMatrix is a genes-by-cells sparse count matrix in CSR triplet
// form. The triplet representation is what goes into the gob bundle;
// CSR() builds the computable view on demand.
type CountMatrix struct {
	Rows    int // genes
	Cols    int // cells
	Indptr  []int
	Indices []int
	Data    []float64
}

func NewCountMatrix(rows, cols int) *CountMatrix {
	return &CountMatrix{Rows: rows, Cols: cols, Indptr: make([]int, rows+1)}
}

// NewCountMatrixFromTriplets builds a CountMatrix from unordered
// (gene, cell, count) triplets. Duplicate entries are summed.
func NewCountMatrixFromTriplets(rows, cols int, ri, ci []int, v []float64) *CountMatrix {
	coo := sparse.NewCOO(rows, cols, ri, ci, v)
	return fromCSR(coo.ToCSR())
}

func fromCSR(c *sparse.CSR) *CountMatrix {
	rows, cols := c.Dims()
	m := NewCountMatrix(rows, cols)
	for i := 0; i < rows; i++ {
		c.DoRowNonZero(i, func(_, j int, x float64) {
			if x != 0 {
				m.Indices = append(m.Indices, j)
				m.Data = append(m.Data, x)
			}
		})
		m.Indptr[i+1] = len(m.Indices)
	}
	return m
}

// CSR returns the matrix as a sparse.CSR for linear algebra.
func (m *CountMatrix) CSR() *sparse.CSR {
	ia := make([]int, len(m.Indptr))
	copy(ia, m.Indptr)
	ja := make([]int, len(m.Indices))
	copy(ja, m.Indices)
	data := make([]float64, len(m.Data))
	copy(data, m.Data)
	return sparse.NewCSR(m.Rows, m.Cols, ia, ja, data)
}

func (m *CountMatrix) NNZ() int { return len(m.Data) }

// Row calls f for each nonzero (cell, count) of gene i.
func (m *CountMatrix) Row(i int, f func(j int, x float64)) {
	for p := m.Indptr[i]; p < m.Indptr[i+1]; p++ {
		f(m.Indices[p], m.Data[p])
	}
}

// RowDense returns gene i as a dense vector of length Cols.
func (m *CountMatrix) RowDense(i int) []float64 {
	out := make([]float64, m.Cols)
	m.Row(i, func(j int, x float64) { out[j] = x })
	return out
}

// ColSums returns the per-cell total count.
func (m *CountMatrix) ColSums() []float64 {
	sums := make([]float64, m.Cols)
	for p, j := range m.Indices {
		sums[j] += m.Data[p]
	}
	return sums
}

// ColNNZ returns the number of detected genes per cell.
func (m *CountMatrix) ColNNZ() []int {
	n := make([]int, m.Cols)
	for _, j := range m.Indices {
		n[j]++
	}
	return n
}

// RowNNZ returns the number of cells each gene is detected in.
func (m *CountMatrix) RowNNZ() []int {
	n := make([]int, m.Rows)
	for i := 0; i < m.Rows; i++ {
		n[i] = m.Indptr[i+1] - m.Indptr[i]
	}
	return n
}

// SubsetRows returns a new matrix restricted to the given genes, in
// the given order.
func (m *CountMatrix) SubsetRows(keep []int) *CountMatrix {
	out := NewCountMatrix(len(keep), m.Cols)
	for newi, i := range keep {
		out.Indices = append(out.Indices, m.Indices[m.Indptr[i]:m.Indptr[i+1]]...)
		out.Data = append(out.Data, m.Data[m.Indptr[i]:m.Indptr[i+1]]...)
		out.Indptr[newi+1] = len(out.Indices)
	}
	return out
}

// SubsetCols returns a new matrix restricted to the given cells, in
// the given order.
func (m *CountMatrix) SubsetCols(keep []int) *CountMatrix {
	remap := make([]int, m.Cols)
	for j := range remap {
		remap[j] = -1
	}
	for newj, j := range keep {
		remap[j] = newj
	}
	out := NewCountMatrix(m.Rows, len(keep))
	for i := 0; i < m.Rows; i++ {
		start := len(out.Indices)
		m.Row(i, func(j int, x float64) {
			if remap[j] >= 0 {
				out.Indices = append(out.Indices, remap[j])
				out.Data = append(out.Data, x)
			}
		})
		// keep is not necessarily in column order
		sortRowSegment(out.Indices[start:], out.Data[start:])
		out.Indptr[i+1] = len(out.Indices)
	}
	return out
}

func sortRowSegment(indices []int, data []float64) {
	sort.Sort(&rowSegment{indices, data})
}

type rowSegment struct {
	indices []int
	data    []float64
}

func (s *rowSegment) Len() int           { return len(s.indices) }
func (s *rowSegment) Less(i, j int) bool { return s.indices[i] < s.indices[j] }
func (s *rowSegment) Swap(i, j int) {
	s.indices[i], s.indices[j] = s.indices[j], s.indices[i]
	s.data[i], s.data[j] = s.data[j], s.data[i]
}

// DenseMatrix is a gob-friendly row-major dense matrix.
type DenseMatrix struct {
	Rows, Cols int
	Data       []float64
}

func (m *DenseMatrix) Mat() *mat.Dense {
	return mat.NewDense(m.Rows, m.Cols, m.Data)
}

func denseMatrix(m *mat.Dense) *DenseMatrix {
	r, c := m.Dims()
	out := &DenseMatrix{Rows: r, Cols: c, Data: make([]float64, r*c)}
	for i := 0; i < r; i++ {
		copy(out.Data[i*c:(i+1)*c], m.RawRowView(i))
	}
	return out
}

// SubsetCols keeps the given columns, in order.
func (m *DenseMatrix) SubsetCols(keep []int) *DenseMatrix {
	out := &DenseMatrix{Rows: m.Rows, Cols: len(keep), Data: make([]float64, m.Rows*len(keep))}
	for i := 0; i < m.Rows; i++ {
		for newj, j := range keep {
			out.Data[i*out.Cols+newj] = m.Data[i*m.Cols+j]
		}
	}
	return out
}

// SubsetRows keeps the given rows, in order.
func (m *DenseMatrix) SubsetRows(keep []int) *DenseMatrix {
	out := &DenseMatrix{Rows: len(keep), Cols: m.Cols, Data: make([]float64, len(keep)*m.Cols)}
	for newi, i := range keep {
		copy(out.Data[newi*m.Cols:(newi+1)*m.Cols], m.Data[i*m.Cols:(i+1)*m.Cols])
	}
	return out
}

// Embedding is a per-cell coordinate table from one reduction run.
type Embedding struct {
	Dims   int
	Coords []float64 // row-major, NCells x Dims
}

func (e *Embedding) NCells() int { return len(e.Coords) / e.Dims }

func (e *Embedding) Row(i int) []float64 {
	return e.Coords[i*e.Dims : (i+1)*e.Dims]
}

func (e *Embedding) Mat() *mat.Dense {
	return mat.NewDense(e.NCells(), e.Dims, e.Coords)
}

func (e *Embedding) Subset(keep []int) *Embedding {
	out := &Embedding{Dims: e.Dims, Coords: make([]float64, 0, len(keep)*e.Dims)}
	for _, i := range keep {
		out.Coords = append(out.Coords, e.Row(i)...)
	}
	return out
}

// ObsCol is one per-cell metadata column, either string- or
// float-typed.
type ObsCol struct {
	Name    string
	Strings []string
	Floats  []float64
}

func (c *ObsCol) len() int {
	if c.Strings != nil {
		return len(c.Strings)
	}
	return len(c.Floats)
}

// ObsTable is the per-cell metadata table. Columns grow as pipeline
// stages annotate cells; rows are dropped only through Subset, in
// lockstep with the count matrix.
type ObsTable struct {
	Cols []ObsCol
}

func (t *ObsTable) col(name string) *ObsCol {
	for i := range t.Cols {
		if t.Cols[i].Name == name {
			return &t.Cols[i]
		}
	}
	return nil
}

func (t *ObsTable) Has(name string) bool { return t.col(name) != nil }

// SetFloats adds or replaces a numeric column.
func (t *ObsTable) SetFloats(name string, v []float64) {
	if c := t.col(name); c != nil {
		c.Strings, c.Floats = nil, v
		return
	}
	t.Cols = append(t.Cols, ObsCol{Name: name, Floats: v})
}

// SetStrings adds or replaces a string column.
func (t *ObsTable) SetStrings(name string, v []string) {
	if c := t.col(name); c != nil {
		c.Strings, c.Floats = v, nil
		return
	}
	t.Cols = append(t.Cols, ObsCol{Name: name, Strings: v})
}

func (t *ObsTable) Floats(name string) []float64 {
	if c := t.col(name); c != nil {
		return c.Floats
	}
	return nil
}

func (t *ObsTable) Strings(name string) []string {
	if c := t.col(name); c != nil {
		return c.Strings
	}
	return nil
}

func (t *ObsTable) Subset(keep []int) *ObsTable {
	out := &ObsTable{}
	for _, c := range t.Cols {
		nc := ObsCol{Name: c.Name}
		if c.Strings != nil {
			nc.Strings = make([]string, len(keep))
			for newi, i := range keep {
				nc.Strings[newi] = c.Strings[i]
			}
		} else {
			nc.Floats = make([]float64, len(keep))
			for newi, i := range keep {
				nc.Floats[newi] = c.Floats[i]
			}
		}
		out.Cols = append(out.Cols, nc)
	}
	return out
}

// DataFrame converts the table (plus the cell identifiers) to a gota
// data frame for filtering and summaries.
func (t *ObsTable) DataFrame(cells []string) dataframe.DataFrame {
	ss := []series.Series{series.New(cells, series.String, "cell")}
	for _, c := range t.Cols {
		if c.Strings != nil {
			ss = append(ss, series.New(c.Strings, series.String, c.Name))
		} else {
			ss = append(ss, series.New(c.Floats, series.Float, c.Name))
		}
	}
	return dataframe.New(ss...)
}

// MarkerRow is one (cluster, gene) differential expression result.
type MarkerRow struct {
	Cluster string
	Gene    string
	LogFC   float64
	PctIn   float64
	PctOut  float64
	PValue  float64
	PAdj    float64
}

// Dataset is the pipeline state: the current count matrix plus every
// per-cell derived table. All of them stay index-aligned with Cells;
// SubsetCells drops rows from all of them atomically.
type Dataset struct {
	Genes       []string
	Cells       []string
	Counts      *CountMatrix
	Obs         *ObsTable
	VarFeatures []string
	Corrected   *DenseMatrix // len(VarFeatures) x NCells Pearson residuals
	Embeddings  map[string]*Embedding
	Markers     map[string][]MarkerRow
}

func NewDataset(genes, cells []string, counts *CountMatrix) *Dataset {
	return &Dataset{
		Genes:      genes,
		Cells:      cells,
		Counts:     counts,
		Obs:        &ObsTable{},
		Embeddings: map[string]*Embedding{},
		Markers:    map[string][]MarkerRow{},
	}
}

func (ds *Dataset) NGenes() int { return len(ds.Genes) }
func (ds *Dataset) NCells() int { return len(ds.Cells) }

// GeneIndex returns gene name -> row index.
func (ds *Dataset) GeneIndex() map[string]int {
	idx := make(map[string]int, len(ds.Genes))
	for i, g := range ds.Genes {
		idx[g] = i
	}
	return idx
}

// SubsetCells restricts the dataset to the given cells. Counts
// columns, Obs rows, every embedding, and the corrected matrix are
// subset together so no derived table can drift out of alignment.
func (ds *Dataset) SubsetCells(keep []int) {
	cells := make([]string, len(keep))
	for newi, i := range keep {
		cells[newi] = ds.Cells[i]
	}
	ds.Cells = cells
	ds.Counts = ds.Counts.SubsetCols(keep)
	ds.Obs = ds.Obs.Subset(keep)
	for name, e := range ds.Embeddings {
		ds.Embeddings[name] = e.Subset(keep)
	}
	if ds.Corrected != nil {
		ds.Corrected = ds.Corrected.SubsetCols(keep)
	}
}

// SubsetGenes restricts the dataset to the given genes. Variable
// features (and their corrected expression rows) that are dropped
// disappear with them.
func (ds *Dataset) SubsetGenes(keep []int) {
	genes := make([]string, len(keep))
	for newi, i := range keep {
		genes[newi] = ds.Genes[i]
	}
	ds.Counts = ds.Counts.SubsetRows(keep)
	if len(ds.VarFeatures) > 0 {
		kept := make(map[string]bool, len(keep))
		for _, g := range genes {
			kept[g] = true
		}
		var vf []string
		var vfRows []int
		for i, g := range ds.VarFeatures {
			if kept[g] {
				vf = append(vf, g)
				vfRows = append(vfRows, i)
			}
		}
		ds.VarFeatures = vf
		if ds.Corrected != nil {
			ds.Corrected = ds.Corrected.SubsetRows(vfRows)
		}
	}
	ds.Genes = genes
}

// Check verifies the index-alignment invariant across every per-cell
// derived table.
func (ds *Dataset) Check() error {
	if ds.Counts.Rows != len(ds.Genes) {
		return fmt.Errorf("count matrix has %d rows but %d gene names", ds.Counts.Rows, len(ds.Genes))
	}
	if ds.Counts.Cols != len(ds.Cells) {
		return fmt.Errorf("count matrix has %d cols but %d cell names", ds.Counts.Cols, len(ds.Cells))
	}
	for _, c := range ds.Obs.Cols {
		if c.len() != len(ds.Cells) {
			return fmt.Errorf("obs column %q has %d rows, want %d", c.Name, c.len(), len(ds.Cells))
		}
	}
	for name, e := range ds.Embeddings {
		if e.NCells() != len(ds.Cells) {
			return fmt.Errorf("embedding %q covers %d cells, want %d", name, e.NCells(), len(ds.Cells))
		}
	}
	if ds.Corrected != nil {
		if ds.Corrected.Cols != len(ds.Cells) {
			return fmt.Errorf("corrected matrix has %d cols, want %d", ds.Corrected.Cols, len(ds.Cells))
		}
		if ds.Corrected.Rows != len(ds.VarFeatures) {
			return fmt.Errorf("corrected matrix has %d rows but %d variable features", ds.Corrected.Rows, len(ds.VarFeatures))
		}
	}
	return nil
}

// WriteBundle gob-encodes the dataset to w, compressed if gz.
func (ds *Dataset) WriteBundle(w io.Writer, gz bool) error {
	bufw := bufio.NewWriter(w)
	var out io.Writer = bufw
	var zw *pgzip.Writer
	if gz {
		zw = pgzip.NewWriter(bufw)
		out = zw
	}
	err := gob.NewEncoder(out).Encode(ds)
	if err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if zw != nil {
		err = zw.Close()
		if err != nil {
			return err
		}
	}
	return bufw.Flush()
}

// LoadBundle decodes a dataset bundle and verifies its alignment
// invariant before returning it.
func LoadBundle(r io.Reader, gz bool) (*Dataset, error) {
	var in io.Reader = bufio.NewReaderSize(r, 1<<22)
	if gz {
		zr, err := pgzip.NewReader(in)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		in = zr
	}
	var ds Dataset
	err := gob.NewDecoder(in).Decode(&ds)
	if err != nil {
		return nil, fmt.Errorf("gob decode: %w", err)
	}
	if ds.Obs == nil {
		ds.Obs = &ObsTable{}
	}
	if ds.Embeddings == nil {
		ds.Embeddings = map[string]*Embedding{}
	}
	if ds.Markers == nil {
		ds.Markers = map[string][]MarkerRow{}
	}
	err = ds.Check()
	if err != nil {
		return nil, err
	}
	return &ds, nil
}

func isGz(filename string) bool { return strings.HasSuffix(filename, ".gz") }

// openInput resolves "-" to stdin.
func openInput(filename string, stdin io.Reader) (io.ReadCloser, error) {
	if filename == "-" {
		return io.NopCloser(stdin), nil
	}
	return os.Open(filename)
}

// openOutput resolves "-" to stdout.
func openOutput(filename string, stdout io.Writer) (io.WriteCloser, error) {
	if filename == "-" {
		return nopCloser{stdout}, nil
	}
	return os.OpenFile(filename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0777)
}

func loadBundleFile(filename string, stdin io.Reader) (*Dataset, error) {
	in, err := openInput(filename, stdin)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	return LoadBundle(in, isGz(filename))
}

func writeBundleFile(ds *Dataset, filename string, stdout io.Writer) error {
	out, err := openOutput(filename, stdout)
	if err != nil {
		return err
	}
	err = ds.WriteBundle(out, isGz(filename))
	if err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
