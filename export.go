package scgo

import (
	"bufio"
	"encoding/gob"
	"flag"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
)

// exporter writes the computed marker-gene tables, the one persisted
// analytic artifact of a run: either csv (one table, all clusters) or
// a gob bundle of all marker tables for machine consumption.
type exporter struct {
	inputFile  string
	outputFile string
	table      string
	format     string
}

func (cmd *exporter) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&cmd.inputFile, "i", "-", "input bundle `file`")
	flags.StringVar(&cmd.outputFile, "o", "-", "output `file`")
	flags.StringVar(&cmd.table, "table", "", "marker table `name` (default: the only table present)")
	flags.StringVar(&cmd.format, "format", "csv", "output `format`: csv or gob")
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
	if len(ds.Markers) == 0 {
		err = fmt.Errorf("bundle has no marker tables; run diffexp first")
		return 1
	}

	switch cmd.format {
	case "gob":
		var output io.WriteCloser
		output, err = openOutput(cmd.outputFile, stdout)
		if err != nil {
			return 1
		}
		defer output.Close()
		bufw := bufio.NewWriter(output)
		err = gob.NewEncoder(bufw).Encode(ds.Markers)
		if err != nil {
			return 1
		}
		err = bufw.Flush()
		if err != nil {
			return 1
		}
		err = output.Close()
		if err != nil {
			return 1
		}
	case "csv":
		name := cmd.table
		if name == "" {
			if len(ds.Markers) > 1 {
				err = fmt.Errorf("bundle has %d marker tables; pick one with -table", len(ds.Markers))
				return 1
			}
			for n := range ds.Markers {
				name = n
			}
		}
		rows, ok := ds.Markers[name]
		if !ok {
			err = fmt.Errorf("bundle has no marker table %q", name)
			return 1
		}
		log.Printf("exporting marker table %q: %d rows", name, len(rows))
		err = writeMarkerCSV(cmd.outputFile, rows, stdout)
		if err != nil {
			return 1
		}
	default:
		err = fmt.Errorf("unknown format %q", cmd.format)
		return 2
	}
	return 0
}
