package panel

import (
	"math"
	"strconv"
	"time"

	"github.com/nasa-jpl/bkarb/bkprecision"
)

// Value is a float that encodes NaN as the string "NaN", which is what the
// panel shows for a reading it could not get
type Value float64

// MarshalJSON encodes v as a number, or "NaN"
func (v Value) MarshalJSON() ([]byte, error) {
	f := float64(v)
	if math.IsNaN(f) {
		return []byte(`"NaN"`), nil
	}
	if math.IsInf(f, 0) {
		return []byte(strconv.Quote(strconv.FormatFloat(f, 'g', -1, 64))), nil
	}
	return []byte(strconv.FormatFloat(f, 'g', -1, 64)), nil
}

// UnmarshalJSON is the inverse of MarshalJSON
func (v *Value) UnmarshalJSON(b []byte) error {
	s := string(b)
	if uq, err := strconv.Unquote(s); err == nil {
		s = uq
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*v = Value(f)
	return nil
}

// Reading is one row of the panel
type Reading struct {
	Label     string `json:"label"`
	Requested Value  `json:"requested"`
	Reported  Value  `json:"reported"`
	Error     string `json:"error,omitempty"`
}

// Snapshot is the whole panel at an instant
type Snapshot struct {
	// Mode is the label of the last mode applied, empty if none has been
	Mode string `json:"mode"`

	Parameters map[bkprecision.Parameter]Reading `json:"parameters"`

	// ClockMinutes is the time since the panel was created
	ClockMinutes float64 `json:"clockMinutes"`

	// DataPoints counts polls
	DataPoints int `json:"dataPoints"`

	LastPoll time.Time `json:"lastPoll"`
}
