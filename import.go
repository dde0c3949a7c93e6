package scgo

import (
	"bufio"
	"compress/gzip"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// importer reads a raw digital count matrix (MatrixMarket triple in
// the 10x layout: matrix.mtx + features.tsv + barcodes.tsv, optionally
// gzipped) and writes a dataset bundle, after applying the ingest-time
// floor filters: genes detected in fewer than -min-cells cells and
// cells with fewer than -min-features detected genes are dropped.
type importer struct {
	matrixFile   string
	featuresFile string
	barcodesFile string
	outputFile   string
	datasetName  string
	minCells     int
	minFeatures  int
}

func (cmd *importer) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&cmd.featuresFile, "features", "", "features/genes tsv `file` (default: next to matrix)")
	flags.StringVar(&cmd.barcodesFile, "barcodes", "", "cell barcodes tsv `file` (default: next to matrix)")
	flags.StringVar(&cmd.outputFile, "o", "-", "output bundle `file`")
	flags.StringVar(&cmd.datasetName, "name", "", "dataset `label` recorded in cell metadata")
	flags.IntVar(&cmd.minCells, "min-cells", 3, "drop genes detected in fewer than `N` cells")
	flags.IntVar(&cmd.minFeatures, "min-features", 50, "drop cells with fewer than `N` detected genes")
	pprofAddr := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	loglevel := flags.String("loglevel", "info", "logging threshold (trace, debug, info, warn, error, fatal, or panic)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if flags.NArg() != 1 {
		fmt.Fprintf(stderr, "usage: %s [options] matrix.mtx[.gz] | 10x-directory\n", prog)
		return 2
	}

	if *pprofAddr != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}
	lvl, err := log.ParseLevel(*loglevel)
	if err != nil {
		return 2
	}
	log.SetLevel(lvl)

	cmd.matrixFile = flags.Arg(0)
	if fi, statErr := os.Stat(cmd.matrixFile); statErr == nil && fi.IsDir() {
		dir := cmd.matrixFile
		cmd.matrixFile = findTenxFile(dir, "matrix.mtx")
		if cmd.featuresFile == "" {
			cmd.featuresFile = findTenxFile(dir, "features.tsv")
			if cmd.featuresFile == "" {
				cmd.featuresFile = findTenxFile(dir, "genes.tsv")
			}
		}
		if cmd.barcodesFile == "" {
			cmd.barcodesFile = findTenxFile(dir, "barcodes.tsv")
		}
	} else {
		dir := filepath.Dir(cmd.matrixFile)
		if cmd.featuresFile == "" {
			cmd.featuresFile = findTenxFile(dir, "features.tsv")
			if cmd.featuresFile == "" {
				cmd.featuresFile = findTenxFile(dir, "genes.tsv")
			}
		}
		if cmd.barcodesFile == "" {
			cmd.barcodesFile = findTenxFile(dir, "barcodes.tsv")
		}
	}
	if cmd.matrixFile == "" || cmd.featuresFile == "" || cmd.barcodesFile == "" {
		err = fmt.Errorf("could not locate matrix/features/barcodes files")
		return 1
	}

	log.Printf("reading %s", cmd.matrixFile)
	ds, err := cmd.load()
	if err != nil {
		return 1
	}
	log.Printf("loaded %d genes x %d cells, %d nonzero", ds.NGenes(), ds.NCells(), ds.Counts.NNZ())

	cmd.applyFloors(ds)
	log.Printf("after floor filters: %d genes x %d cells", ds.NGenes(), ds.NCells())

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

// applyFloors drops rarely detected genes, then shallow cells. Gene
// detection is assessed on the unfiltered cell set, matching the
// ingest convention of the upstream tooling.
func (cmd *importer) applyFloors(ds *Dataset) {
	if cmd.minCells > 0 {
		nnz := ds.Counts.RowNNZ()
		var keep []int
		for i, n := range nnz {
			if n >= cmd.minCells {
				keep = append(keep, i)
			}
		}
		ds.SubsetGenes(keep)
	}
	if cmd.minFeatures > 0 {
		nnz := ds.Counts.ColNNZ()
		var keep []int
		for j, n := range nnz {
			if n >= cmd.minFeatures {
				keep = append(keep, j)
			}
		}
		ds.SubsetCells(keep)
	}
}

func (cmd *importer) load() (*Dataset, error) {
	genes, err := readTSVColumn(cmd.featuresFile, 1)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cmd.featuresFile, err)
	}
	uniquifyNames(genes)
	cells, err := readTSVColumn(cmd.barcodesFile, 0)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cmd.barcodesFile, err)
	}
	counts, err := readMatrixMarket(cmd.matrixFile, len(genes), len(cells))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cmd.matrixFile, err)
	}
	ds := NewDataset(genes, cells, counts)
	if cmd.datasetName != "" {
		origin := make([]string, len(cells))
		for i := range origin {
			origin[i] = cmd.datasetName
		}
		ds.Obs.SetStrings("dataset", origin)
	}
	return ds, nil
}

func findTenxFile(dir, stem string) string {
	for _, name := range []string{stem, stem + ".gz"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func openMaybeGz(filename string) (io.ReadCloser, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	if !isGz(filename) {
		return f, nil
	}
	zr, err := gzip.NewReader(bufio.NewReader(f))
	if err != nil {
		f.Close()
		return nil, err
	}
	return &gzFile{zr, f}, nil
}

type gzFile struct {
	*gzip.Reader
	f *os.File
}

func (g *gzFile) Close() error {
	g.Reader.Close()
	return g.f.Close()
}

// readTSVColumn reads column col of a (possibly gzipped) tsv file,
// falling back to the last available column on short rows. The 10x
// features file carries (id, symbol, type); col 1 selects the symbol.
func readTSVColumn(filename string, col int) ([]string, error) {
	in, err := openMaybeGz(filename)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	var out []string
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		c := col
		if c >= len(fields) {
			c = len(fields) - 1
		}
		out = append(out, fields[c])
	}
	return out, scanner.Err()
}

// uniquifyNames disambiguates duplicate gene symbols in place by
// appending ".1", ".2", etc., keeping the first occurrence bare.
func uniquifyNames(names []string) {
	seen := make(map[string]int, len(names))
	for i, name := range names {
		n := seen[name]
		seen[name] = n + 1
		if n > 0 {
			names[i] = fmt.Sprintf("%s.%d", name, n)
		}
	}
}

func readMatrixMarket(filename string, ngenes, ncells int) (*CountMatrix, error) {
	in, err := openMaybeGz(filename)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)

	if !scanner.Scan() {
		return nil, fmt.Errorf("empty matrix file")
	}
	header := scanner.Text()
	if !strings.HasPrefix(header, "%%MatrixMarket matrix coordinate") {
		return nil, fmt.Errorf("not a MatrixMarket coordinate file: %q", header)
	}
	var rows, cols, nnz int
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "%") {
			continue
		}
		_, err = fmt.Sscan(line, &rows, &cols, &nnz)
		if err != nil {
			return nil, fmt.Errorf("bad size line %q: %w", line, err)
		}
		break
	}
	if rows != ngenes || cols != ncells {
		return nil, fmt.Errorf("matrix is %dx%d but features/barcodes list %d genes and %d cells", rows, cols, ngenes, ncells)
	}
	ri := make([]int, 0, nnz)
	ci := make([]int, 0, nnz)
	v := make([]float64, 0, nnz)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "%") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("bad entry line %q", line)
		}
		i, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, err
		}
		j, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, err
		}
		x, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return nil, err
		}
		if i < 1 || i > rows || j < 1 || j > cols {
			return nil, fmt.Errorf("entry (%d,%d) out of bounds", i, j)
		}
		ri = append(ri, i-1)
		ci = append(ci, j-1)
		v = append(v, x)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(v) != nnz {
		log.Warnf("%s: header says %d entries, read %d", filename, nnz, len(v))
	}
	return NewCountMatrixFromTriplets(rows, cols, ri, ci, v), nil
}
