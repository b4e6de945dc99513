// Command msgen writes a synthetic measurement set, and optionally a matching
// mask, for exercising rfimasker without real observations.
package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"os"

	"rfimasker/mask"
	"rfimasker/table"

	"github.com/dustin/go-humanize"
)

func main() {
	out := flag.String("out", "synthetic.ms", "dataset directory to create")
	antennas := flag.Int("antennas", 8, "antennas, placed on a line")
	spacing := flag.Float64("spacing", 25, "antenna spacing in metres")
	spws := flag.Int("spws", 1, "spectral windows (one data description each)")
	chans := flag.Int("chans", 64, "channels per spectral window")
	startFreq := flag.Float64("start-freq", 856e6, "first channel centre in Hz")
	chanWidth := flag.Float64("chan-width", 208984.375, "channel width in Hz")
	corrs := flag.Int("corrs", 4, "correlations per visibility")
	timesteps := flag.Int("timesteps", 10, "integrations; rows = timesteps x baselines x spws")
	preflag := flag.Float64("preflag", 0, "fraction of flag elements set before masking")
	seed := flag.Uint64("seed", 1, "random seed for pre-flags")
	maskOut := flag.String("mask", "", "also write a mask .npy for the first spectral window")
	maskEvery := flag.Int("mask-every", 8, "mask every n-th channel")
	maskFreqs := flag.Bool("mask-freqs", true, "write a frequency-labelled mask instead of a bare vector")
	flag.Parse()

	if *antennas < 2 || *spws < 1 || *chans < 1 || *corrs < 1 || *timesteps < 1 {
		fmt.Fprintln(os.Stderr, "antennas must be >=2; spws, chans, corrs and timesteps >=1")
		os.Exit(2)
	}

	layout := table.Layout{Correlations: *corrs}
	for a := 0; a < *antennas; a++ {
		layout.Antennas = append(layout.Antennas, [3]float64{float64(a) * *spacing, 0, 0})
	}
	for s := 0; s < *spws; s++ {
		w := table.SpectralWindowDesc{Name: fmt.Sprintf("SPW%d", s)}
		base := *startFreq + float64(s**chans)**chanWidth
		for c := 0; c < *chans; c++ {
			w.ChanFreq = append(w.ChanFreq, base+float64(c)**chanWidth)
			w.ChanWidth = append(w.ChanWidth, *chanWidth)
		}
		layout.SpectralWindows = append(layout.SpectralWindows, w)
		layout.DataDescSpw = append(layout.DataDescSpw, s)
	}
	for t := 0; t < *timesteps; t++ {
		for s := 0; s < *spws; s++ {
			for a1 := 0; a1 < *antennas; a1++ {
				for a2 := a1 + 1; a2 < *antennas; a2++ {
					layout.Rows = append(layout.Rows, table.Row{Antenna1: a1, Antenna2: a2, DataDescID: s})
				}
			}
		}
	}
	if *preflag > 0 {
		rng := rand.New(rand.NewPCG(*seed, *seed^0x9e3779b97f4a7c15))
		layout.Flags = func(_ int, cell []bool) {
			for i := range cell {
				cell[i] = rng.Float64() < *preflag
			}
		}
	}

	db, err := table.CreateMeasurementSet(*out, table.Options{}, layout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create %s: %v\n", *out, err)
		os.Exit(1)
	}
	if err := db.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "close %s: %v\n", *out, err)
		os.Exit(1)
	}
	cells := int64(len(layout.Rows)) * int64(*chans) * int64(*corrs)
	fmt.Printf("wrote %s: %s rows, %d spectral windows, %s flag elements\n",
		*out, humanize.Comma(int64(len(layout.Rows))), *spws, humanize.Comma(cells))

	if *maskOut == "" {
		return
	}
	w := layout.SpectralWindows[0]
	flags := make([]bool, len(w.ChanFreq))
	for c := range flags {
		flags[c] = *maskEvery > 0 && c%*maskEvery == 0
	}
	m := mask.FromFlags(flags)
	if *maskFreqs {
		if m, err = mask.FromChannels(flags, w.ChanFreq); err != nil {
			fmt.Fprintf(os.Stderr, "build mask: %v\n", err)
			os.Exit(1)
		}
	}
	if err := mask.Save(*maskOut, m); err != nil {
		fmt.Fprintf(os.Stderr, "write mask: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s: %d channels, %d masked\n", *maskOut, m.Len(), m.FlaggedCount())
}
