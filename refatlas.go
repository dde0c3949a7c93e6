package scgo

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
)

// RefAtlas is a labeled reference expression atlas: one mean
// log-expression profile per cell type label.
type RefAtlas struct {
	Genes  []string
	Labels []string
	Expr   *DenseMatrix // genes x labels
}

// loadRefAtlas parses an atlas csv whose first column is the gene
// symbol and whose remaining columns are labeled profiles.
func loadRefAtlas(src, cacheDir string) (*RefAtlas, error) {
	buf, err := readFileOrURL(src, cacheDir)
	if err != nil {
		return nil, err
	}
	r := csv.NewReader(bytes.NewReader(buf))
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reference atlas %s: %w", src, err)
	}
	if len(rows) < 2 || len(rows[0]) < 2 {
		return nil, fmt.Errorf("reference atlas %s: need a gene column and at least one labeled profile", src)
	}
	atlas := &RefAtlas{Labels: rows[0][1:]}
	nLabels := len(atlas.Labels)
	atlas.Expr = &DenseMatrix{Cols: nLabels}
	for lineno, row := range rows[1:] {
		if len(row) != nLabels+1 {
			return nil, fmt.Errorf("reference atlas %s: row %d has %d fields, want %d", src, lineno+2, len(row), nLabels+1)
		}
		atlas.Genes = append(atlas.Genes, row[0])
		for _, field := range row[1:] {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("reference atlas %s: row %d: %w", src, lineno+2, err)
			}
			atlas.Expr.Data = append(atlas.Expr.Data, v)
		}
		atlas.Expr.Rows++
	}
	return atlas, nil
}

// Profile returns the column for one label.
func (a *RefAtlas) Profile(label int) []float64 {
	out := make([]float64, a.Expr.Rows)
	for i := 0; i < a.Expr.Rows; i++ {
		out[i] = a.Expr.Data[i*a.Expr.Cols+label]
	}
	return out
}
