// Package panel holds the state of the generator control panel: the values
// the operator asked for, the values the instrument last reported, and the
// handlers that move between them.
//
// An HTTP client (or anything else) plays the part of the form.  Pressing
// Enter in a parameter box is Edit, leaving the box without pressing Enter is
// Revert, the mode menu is SelectMode and the trigger button is Trigger.  Run
// polls the instrument on a timer so the reported column stays current.
package panel

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/nasa-jpl/bkarb/bkprecision"
)

// DefaultPollInterval is the refresh period of the reported values
const DefaultPollInterval = 100 * time.Millisecond

// Instrument is what the panel drives.  *bkprecision.Generator satisfies it.
type Instrument interface {
	GetParameter(bkprecision.Parameter) (float64, error)
	SetParameter(bkprecision.Parameter, float64) error
	ApplyMode(bkprecision.Mode) error
	Trigger() error
	Output(ch int, on bool) error
	OutputEnabled(ch int) (bool, error)
	Raw(cmd string) (string, error)
	Shutdown() error
}

// State is the panel.  It is safe for concurrent use; calls to the
// instrument are made one at a time.
type State struct {
	busy sync.Mutex // held for every instrument call
	inst Instrument

	mu         sync.Mutex
	requested  map[bkprecision.Parameter]float64
	reported   map[bkprecision.Parameter]float64
	errs       map[bkprecision.Parameter]error
	mode       string
	start      time.Time
	lastPoll   time.Time
	dataPoints int

	now func() time.Time
}

// New reads every parameter from the instrument and returns a panel whose
// requested values are seeded from those readings.  A parameter that could
// not be read is seeded with zero.  The State is usable even when the
// returned error is not nil; the error lists the readings that failed.
func New(inst Instrument) (*State, error) {
	s := &State{
		inst:      inst,
		requested: make(map[bkprecision.Parameter]float64),
		reported:  make(map[bkprecision.Parameter]float64),
		errs:      make(map[bkprecision.Parameter]error),
		now:       time.Now,
	}
	s.start = s.now()
	err := s.read()
	s.mu.Lock()
	for _, p := range bkprecision.Parameters() {
		v := s.reported[p]
		if math.IsNaN(v) {
			v = 0
		}
		s.requested[p] = v
	}
	s.mu.Unlock()
	return s, err
}

// read refreshes every reported value
func (s *State) read() error {
	params := bkprecision.Parameters()
	vals := make([]float64, len(params))
	errs := make([]error, len(params))
	s.busy.Lock()
	for i, p := range params {
		vals[i], errs[i] = s.inst.GetParameter(p)
	}
	s.busy.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	for i, p := range params {
		s.reported[p] = vals[i]
		s.errs[p] = errs[i]
		err = multierr.Append(err, errs[i])
	}
	s.lastPoll = s.now()
	return err
}

// Edit stores v as the requested value of p and pushes it to the instrument.
// A trigger delay below the instrument minimum is stored as the minimum.
func (s *State) Edit(p bkprecision.Parameter, v float64) error {
	if p == bkprecision.TriggerDelay {
		v = bkprecision.ClampTriggerDelay(v)
	}
	s.mu.Lock()
	s.requested[p] = v
	s.mu.Unlock()

	s.busy.Lock()
	defer s.busy.Unlock()
	return s.inst.SetParameter(p, v)
}

// Revert returns the requested value of p, discarding whatever was typed
// but not submitted
func (s *State) Revert(p bkprecision.Parameter) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requested[p]
}

// SelectMode applies a waveform mode.  The mode's presets become the
// requested values of the parameters they set.
func (s *State) SelectMode(m bkprecision.Mode) error {
	s.busy.Lock()
	err := s.inst.ApplyMode(m)
	s.busy.Unlock()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = m.Label()
	for _, preset := range m.Presets() {
		s.requested[preset.Parameter] = preset.Value
	}
	return nil
}

// Trigger fires a burst
func (s *State) Trigger() error {
	s.busy.Lock()
	defer s.busy.Unlock()
	return s.inst.Trigger()
}

// Output turns the output of channel ch on or off
func (s *State) Output(ch int, on bool) error {
	s.busy.Lock()
	defer s.busy.Unlock()
	return s.inst.Output(ch, on)
}

// OutputEnabled reports if the output of channel ch is on
func (s *State) OutputEnabled(ch int) (bool, error) {
	s.busy.Lock()
	defer s.busy.Unlock()
	return s.inst.OutputEnabled(ch)
}

// Raw passes a command through to the instrument, returning the reply if it
// was a query.  It is serialized with every other instrument call but does
// not touch the requested values.
func (s *State) Raw(cmd string) (string, error) {
	s.busy.Lock()
	defer s.busy.Unlock()
	return s.inst.Raw(cmd)
}

// Poll re-reads every reported value and counts a data point
func (s *State) Poll() error {
	err := s.read()
	s.mu.Lock()
	s.dataPoints++
	s.mu.Unlock()
	return err
}

// Run polls immediately and then every interval until ctx is done.  Poll
// errors are logged when they first appear and when they clear.  No poll
// starts once ctx is done, so Shutdown may follow as soon as Run returns.
func (s *State) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var prev string
	for {
		if ctx.Err() != nil {
			return
		}
		var cur string
		if err := s.Poll(); err != nil {
			cur = err.Error()
		}
		if cur != prev {
			if cur == "" {
				log.Println("panel: instrument readings recovered")
			} else {
				log.Println("panel: poll error:", cur)
			}
			prev = cur
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Shutdown leaves the instrument safe and releases it
func (s *State) Shutdown() error {
	s.busy.Lock()
	defer s.busy.Unlock()
	return s.inst.Shutdown()
}

// Snapshot returns a copy of the panel for display
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Mode:         s.mode,
		Parameters:   make(map[bkprecision.Parameter]Reading, len(s.requested)),
		ClockMinutes: s.now().Sub(s.start).Minutes(),
		DataPoints:   s.dataPoints,
		LastPoll:     s.lastPoll,
	}
	for _, p := range bkprecision.Parameters() {
		r := Reading{
			Label:     p.Label(),
			Requested: Value(s.requested[p]),
			Reported:  Value(s.reported[p]),
		}
		if err := s.errs[p]; err != nil {
			r.Error = err.Error()
		}
		snap.Parameters[p] = r
	}
	return snap
}
