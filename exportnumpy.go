package scgo

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
)

// exportNumpy writes an embedding (or the corrected expression
// matrix) as a .npy array for downstream plotting, plus sidecar text
// files with the cell and column identifiers.
type exportNumpy struct {
	inputFile string
	outputDir string
	source    string
}

func (cmd *exportNumpy) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&cmd.inputFile, "i", "-", "input bundle `file`")
	flags.StringVar(&cmd.outputDir, "output-dir", ".", "output `directory`")
	flags.StringVar(&cmd.source, "source", "umap", "`embedding` name, or \"corrected\" for the residual matrix")
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

	var data []float64
	var rows, cols int
	var colNames []string
	if cmd.source == "corrected" {
		if ds.Corrected == nil {
			err = fmt.Errorf("bundle has no corrected expression matrix")
			return 1
		}
		// cells x features, to match the embedding orientation
		rows, cols = ds.Corrected.Cols, ds.Corrected.Rows
		data = make([]float64, rows*cols)
		for i := 0; i < ds.Corrected.Rows; i++ {
			for j := 0; j < ds.Corrected.Cols; j++ {
				data[j*cols+i] = ds.Corrected.Data[i*ds.Corrected.Cols+j]
			}
		}
		colNames = ds.VarFeatures
	} else {
		e, ok := ds.Embeddings[cmd.source]
		if !ok {
			err = fmt.Errorf("bundle has no embedding %q", cmd.source)
			return 1
		}
		rows, cols = e.NCells(), e.Dims
		data = make([]float64, len(e.Coords))
		copy(data, e.Coords)
		colNames = make([]string, cols)
		for d := range colNames {
			colNames[d] = fmt.Sprintf("%s_%d", cmd.source, d+1)
		}
	}

	npyPath := filepath.Join(cmd.outputDir, cmd.source+".npy")
	log.Printf("writing %s: %d rows, %d cols", npyPath, rows, cols)
	err = writeNumpy(npyPath, data, rows, cols)
	if err != nil {
		return 1
	}
	err = writeLines(filepath.Join(cmd.outputDir, "cells.txt"), ds.Cells)
	if err != nil {
		return 1
	}
	err = writeLines(filepath.Join(cmd.outputDir, cmd.source+"-columns.txt"), colNames)
	if err != nil {
		return 1
	}
	return 0
}

func writeNumpy(filename string, data []float64, rows, cols int) error {
	output, err := os.OpenFile(filename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0777)
	if err != nil {
		return err
	}
	defer output.Close()
	bufw := bufio.NewWriter(output)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return err
	}
	npw.Shape = []int{rows, cols}
	err = npw.WriteFloat64(data)
	if err != nil {
		return err
	}
	err = bufw.Flush()
	if err != nil {
		return err
	}
	return output.Close()
}

func writeLines(filename string, lines []string) error {
	output, err := os.OpenFile(filename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0777)
	if err != nil {
		return err
	}
	defer output.Close()
	bufw := bufio.NewWriter(output)
	for _, line := range lines {
		_, err = fmt.Fprintln(bufw, line)
		if err != nil {
			return err
		}
	}
	err = bufw.Flush()
	if err != nil {
		return err
	}
	return output.Close()
}
