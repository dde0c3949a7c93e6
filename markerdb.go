package scgo

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"
)

// MarkerSet is one cell type's curated positive/negative marker genes
// from the marker database. Read-only once loaded.
type MarkerSet struct {
	Tissue   string
	Type     string
	Positive []string
	Negative []string
}

// loadMarkerDB parses a marker database table (csv or tsv, detected
// from the header line) with columns for tissue, cell type name, and
// comma-separated positive/negative gene symbol lists. Column naming
// follows the common marker-spreadsheet conventions
// (tissueType/cellName/geneSymbolmore1/geneSymbolmore2) as well as
// plain tissue/cell_type/positive/negative.
func loadMarkerDB(src, cacheDir, tissue string) ([]MarkerSet, error) {
	buf, err := readFileOrURL(src, cacheDir)
	if err != nil {
		return nil, err
	}
	sep := ','
	if firstLine, _, ok := bytes.Cut(buf, []byte("\n")); ok || len(firstLine) > 0 {
		if bytes.Count(firstLine, []byte("\t")) > bytes.Count(firstLine, []byte(",")) {
			sep = '\t'
		}
	}
	r := csv.NewReader(bytes.NewReader(buf))
	r.Comma = sep
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("marker database %s: %w", src, err)
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("marker database %s: no data rows", src)
	}

	tissueCol, typeCol, posCol, negCol := -1, -1, -1, -1
	for i, name := range rows[0] {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "tissue", "tissuetype":
			tissueCol = i
		case "cell_type", "celltype", "cellname":
			typeCol = i
		case "positive", "markers", "genesymbolmore1":
			posCol = i
		case "negative", "genesymbolmore2":
			negCol = i
		}
	}
	if typeCol < 0 || posCol < 0 {
		return nil, fmt.Errorf("marker database %s: missing cell type or positive marker column", src)
	}

	var sets []MarkerSet
	for _, row := range rows[1:] {
		if typeCol >= len(row) || posCol >= len(row) {
			continue
		}
		set := MarkerSet{Type: strings.TrimSpace(row[typeCol])}
		if tissueCol >= 0 && tissueCol < len(row) {
			set.Tissue = strings.TrimSpace(row[tissueCol])
		}
		if tissue != "" && !strings.EqualFold(set.Tissue, tissue) {
			continue
		}
		set.Positive = splitGeneList(row[posCol])
		if negCol >= 0 && negCol < len(row) {
			set.Negative = splitGeneList(row[negCol])
		}
		if set.Type == "" || len(set.Positive) == 0 {
			continue
		}
		sets = append(sets, set)
	}
	if len(sets) == 0 {
		return nil, fmt.Errorf("marker database %s: no usable marker sets (tissue filter %q)", src, tissue)
	}
	return sets, nil
}

func splitGeneList(s string) []string {
	var out []string
	for _, g := range strings.Split(s, ",") {
		g = strings.TrimSpace(g)
		if g != "" {
			out = append(out, g)
		}
	}
	return out
}
