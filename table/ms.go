package table

import "fmt"

// Column and subtable names of the measurement-set layout.
const (
	ColFlag        = "FLAG"
	ColAntenna1    = "ANTENNA1"
	ColAntenna2    = "ANTENNA2"
	ColDataDescID  = "DATA_DESC_ID"
	ColPosition    = "POSITION"
	ColName        = "NAME"
	ColNumChan     = "NUM_CHAN"
	ColChanFreq    = "CHAN_FREQ"
	ColChanWidth   = "CHAN_WIDTH"
	ColSpwID       = "SPECTRAL_WINDOW_ID"
	SpectralWindow = "SPECTRAL_WINDOW"
	DataDesc       = "DATA_DESCRIPTION"
	Antenna        = "ANTENNA"
)

// SpectralWindowDesc describes one spectral window row.
type SpectralWindowDesc struct {
	Name      string
	ChanFreq  []float64
	ChanWidth []float64
}

// Row is one main-table row's indexing columns.
type Row struct {
	Antenna1   int
	Antenna2   int
	DataDescID int
}

// Layout describes a measurement set to create.
type Layout struct {
	Antennas        [][3]float64
	SpectralWindows []SpectralWindowDesc
	// DataDescSpw maps data-description id to spectral window id.
	DataDescSpw  []int
	Correlations int
	Rows         []Row
	// Flags, when set, fills each row's initial [channels x correlations] cell.
	Flags func(row int, cell []bool)
	// NoChannelAxis stores FLAG cells with a correlation axis only.
	NoChannelAxis bool
}

const createChunkRows = 4096

// Purpose: Write a complete measurement set (main table and subtables).
// Key aspects: Main-table cells are written in bounded row chunks.
// Upstream: cmd/msgen and package tests.
// Downstream: Create, CreateTable, Put* accessors.
func CreateMeasurementSet(path string, opts Options, layout Layout) (*DB, error) {
	if layout.Correlations <= 0 {
		return nil, fmt.Errorf("table: correlations must be >0 (got %d)", layout.Correlations)
	}
	for ddid, spw := range layout.DataDescSpw {
		if spw < 0 || spw >= len(layout.SpectralWindows) {
			return nil, fmt.Errorf("table: data description %d references unknown spectral window %d", ddid, spw)
		}
	}
	for i, r := range layout.Rows {
		if r.DataDescID < 0 || r.DataDescID >= len(layout.DataDescSpw) {
			return nil, fmt.Errorf("table: row %d references unknown data description %d", i, r.DataDescID)
		}
	}
	d, err := Create(path, opts)
	if err != nil {
		return nil, err
	}
	if err := writeLayout(d, layout); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

func writeLayout(d *DB, layout Layout) error {
	ant, err := d.CreateTable(Antenna, len(layout.Antennas), []ColumnDesc{
		{Name: ColName, Kind: KindString},
		{Name: ColPosition, Kind: KindFloat},
	})
	if err != nil {
		return err
	}
	for i, pos := range layout.Antennas {
		if err := ant.PutStrings(ColName, i, []string{fmt.Sprintf("ANT%03d", i)}); err != nil {
			return err
		}
		if err := ant.PutFloatCell(ColPosition, i, []float64{pos[0], pos[1], pos[2]}); err != nil {
			return err
		}
	}

	spw, err := d.CreateTable(SpectralWindow, len(layout.SpectralWindows), []ColumnDesc{
		{Name: ColName, Kind: KindString},
		{Name: ColNumChan, Kind: KindInt},
		{Name: ColChanFreq, Kind: KindFloat},
		{Name: ColChanWidth, Kind: KindFloat},
	})
	if err != nil {
		return err
	}
	for i, w := range layout.SpectralWindows {
		if len(w.ChanFreq) != len(w.ChanWidth) {
			return fmt.Errorf("table: spectral window %d has %d frequencies and %d widths", i, len(w.ChanFreq), len(w.ChanWidth))
		}
		if err := spw.PutStrings(ColName, i, []string{w.Name}); err != nil {
			return err
		}
		if err := spw.PutInts(ColNumChan, i, []int64{int64(len(w.ChanFreq))}); err != nil {
			return err
		}
		if err := spw.PutFloatCell(ColChanFreq, i, w.ChanFreq); err != nil {
			return err
		}
		if err := spw.PutFloatCell(ColChanWidth, i, w.ChanWidth); err != nil {
			return err
		}
	}

	dd, err := d.CreateTable(DataDesc, len(layout.DataDescSpw), []ColumnDesc{{Name: ColSpwID, Kind: KindInt}})
	if err != nil {
		return err
	}
	ids := make([]int64, len(layout.DataDescSpw))
	for i, s := range layout.DataDescSpw {
		ids[i] = int64(s)
	}
	if err := dd.PutInts(ColSpwID, 0, ids); err != nil {
		return err
	}

	main, err := d.CreateTable(MainTable, len(layout.Rows), []ColumnDesc{
		{Name: ColAntenna1, Kind: KindInt},
		{Name: ColAntenna2, Kind: KindInt},
		{Name: ColDataDescID, Kind: KindInt},
		{Name: ColFlag, Kind: KindBool},
	})
	if err != nil {
		return err
	}
	for start := 0; start < len(layout.Rows); start += createChunkRows {
		end := start + createChunkRows
		if end > len(layout.Rows) {
			end = len(layout.Rows)
		}
		if err := writeMainChunk(main, layout, start, end); err != nil {
			return err
		}
	}
	return nil
}

func writeMainChunk(main *Table, layout Layout, start, end int) error {
	n := end - start
	a1 := make([]int64, n)
	a2 := make([]int64, n)
	dd := make([]int64, n)
	for i := 0; i < n; i++ {
		r := layout.Rows[start+i]
		a1[i] = int64(r.Antenna1)
		a2[i] = int64(r.Antenna2)
		dd[i] = int64(r.DataDescID)
	}
	if err := main.PutInts(ColAntenna1, start, a1); err != nil {
		return err
	}
	if err := main.PutInts(ColAntenna2, start, a2); err != nil {
		return err
	}
	if err := main.PutInts(ColDataDescID, start, dd); err != nil {
		return err
	}
	// Rows of different spectral windows may carry different cell shapes, so
	// FLAG is written in runs of equal shape.
	runStart := 0
	for runStart < n {
		shape := flagShape(layout, layout.Rows[start+runStart].DataDescID)
		runEnd := runStart + 1
		for runEnd < n && sameShape(flagShape(layout, layout.Rows[start+runEnd].DataDescID), shape) {
			runEnd++
		}
		buf := NewBools(runEnd-runStart, shape)
		if layout.Flags != nil {
			for i := 0; i < runEnd-runStart; i++ {
				layout.Flags(start+runStart+i, buf.Row(i))
			}
		}
		if err := main.PutBools(ColFlag, start+runStart, buf); err != nil {
			return err
		}
		runStart = runEnd
	}
	return nil
}

func flagShape(layout Layout, ddid int) []int {
	if layout.NoChannelAxis {
		return []int{layout.Correlations}
	}
	nchan := len(layout.SpectralWindows[layout.DataDescSpw[ddid]].ChanFreq)
	return []int{nchan, layout.Correlations}
}
