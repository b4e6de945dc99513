package flagger

import (
	"fmt"
	"strings"
)

// AccumulationMode selects how the mask merges with existing flags.
type AccumulationMode int

const (
	// ModeOr keeps existing flags and adds the mask.
	ModeOr AccumulationMode = iota
	// ModeOverride replaces selected rows' flags with the mask.
	ModeOverride
)

func (m AccumulationMode) String() string {
	switch m {
	case ModeOr:
		return "or"
	case ModeOverride:
		return "override"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode parses "or" or "override"; empty means or.
func ParseMode(s string) (AccumulationMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "or":
		return ModeOr, nil
	case "override":
		return ModeOverride, nil
	default:
		return ModeOr, fmt.Errorf("flagger: unknown accumulation mode %q (want or|override)", s)
	}
}

// State is the per-dataset mutator state.
type State int

const (
	StateValidating State = iota
	StatePlanning
	StateStreaming
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateValidating:
		return "validating"
	case StatePlanning:
		return "planning"
	case StateStreaming:
		return "streaming"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// merge applies the channel mask to one [channels x correlations] cell.
func (m AccumulationMode) merge(cell []bool, channels []bool, correlations int) {
	for c, masked := range channels {
		row := cell[c*correlations : (c+1)*correlations]
		for k := range row {
			if m == ModeOverride {
				row[k] = masked
			} else if masked {
				row[k] = true
			}
		}
	}
}
