// Command flaginfo summarizes a measurement set's layout and flag occupancy
// without modifying it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"rfimasker/table"

	"github.com/dustin/go-humanize"
)

const scanRows = 4096

func main() {
	verify := flag.Bool("verify", false, "decode every cell and report integrity")
	verifyTimeout := flag.Duration("verify-timeout", time.Minute, "upper bound for -verify")
	flag.Parse()
	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: flaginfo [-verify] ms1 [ms2 ...]")
		os.Exit(2)
	}
	status := 0
	for _, path := range flag.Args() {
		if err := describe(path, *verify, *verifyTimeout); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			status = 1
		}
	}
	os.Exit(status)
}

func describe(path string, verify bool, timeout time.Duration) error {
	db, err := table.Open(path, table.ReadOnly, table.Options{})
	if err != nil {
		return err
	}
	defer db.Close()

	mt, err := db.Table(table.MainTable)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s rows\n", path, humanize.Comma(int64(mt.NumRows())))
	if mt.NumRows() > 0 {
		if shape, err := mt.CellShape(table.ColFlag, 0); err == nil {
			fmt.Printf("  FLAG cell shape %v\n", shape)
		}
	}

	spw, err := db.Table(table.SpectralWindow)
	if err != nil {
		return err
	}
	names, err := spw.GetStrings(table.ColName, 0, spw.NumRows())
	if err != nil {
		return err
	}
	for i, name := range names {
		freqs, err := spw.GetFloatCell(table.ColChanFreq, i)
		if err != nil {
			return err
		}
		if len(freqs) == 0 {
			fmt.Printf("  spw %d %q: no channels\n", i, name)
			continue
		}
		fmt.Printf("  spw %d %q: %d channels, %s to %s\n", i, name, len(freqs),
			humanize.SIWithDigits(freqs[0], 3, "Hz"), humanize.SIWithDigits(freqs[len(freqs)-1], 3, "Hz"))
	}

	var flagged, total int64
	for start := 0; start < mt.NumRows(); start += scanRows {
		count := min(scanRows, mt.NumRows()-start)
		runs, err := mt.GetBoolRuns(table.ColFlag, start, count)
		if err != nil {
			return err
		}
		for _, r := range runs {
			flagged += r.Count()
			total += int64(len(r.Data))
		}
	}
	pct := 0.0
	if total > 0 {
		pct = 100 * float64(flagged) / float64(total)
	}
	fmt.Printf("  flagged %s of %s elements (%.2f %%)\n", humanize.Comma(flagged), humanize.Comma(total), pct)

	if verify {
		st, err := db.Verify(context.Background(), timeout)
		if err != nil {
			return fmt.Errorf("verify: %w", err)
		}
		fmt.Printf("  verified %d tables, %s cells in %s\n", st.Tables, humanize.Comma(st.Cells), st.Duration.Round(time.Millisecond))
	}
	return nil
}
