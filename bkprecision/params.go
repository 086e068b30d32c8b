package bkprecision

import (
	"strings"

	"github.com/pkg/errors"
)

// MinTriggerDelay is the shortest burst trigger delay the 4054B accepts, in seconds
const MinTriggerDelay = 3e-7

var (
	// ErrUnknownParameter is returned when a parameter name is not understood
	ErrUnknownParameter = errors.New("bkprecision: unknown parameter")

	// ErrUnknownMode is returned when a waveform mode name is not understood
	ErrUnknownMode = errors.New("bkprecision: unknown waveform mode")
)

// Subsystem is a command group on the generator
type Subsystem string

const (
	// BasicWave holds the carrier settings (shape, period, amplitude, ...)
	BasicWave Subsystem = "BSWV"

	// BurstWave holds the burst settings (state, trigger, cycle count, delay)
	BurstWave Subsystem = "BTWV"
)

// Parameter is one of the numeric settings exposed on the panel
type Parameter int

const (
	// CycleCount is the number of cycles emitted per burst trigger
	CycleCount Parameter = iota
	// Period of the carrier, seconds
	Period
	// Amplitude of the carrier, volts
	Amplitude
	// Offset of the carrier, volts
	Offset
	// DutyCycle of a square or pulse carrier, percent
	DutyCycle
	// PulseWidth of a pulse carrier, seconds
	PulseWidth
	// TriggerDelay between the trigger and the burst, seconds
	TriggerDelay
)

type paramInfo struct {
	name  string
	label string
	sub   Subsystem
	field string
	alias []string
}

var params = [...]paramInfo{
	CycleCount:   {"cycles", "Num Cycles (#)", BurstWave, "TIME", []string{"num_cyc", "ncycles", "time"}},
	Period:       {"period", "Period (s)", BasicWave, "PERI", []string{"peri"}},
	Amplitude:    {"amplitude", "Amplitude (V)", BasicWave, "AMP", []string{"amp"}},
	Offset:       {"offset", "Offset (V)", BasicWave, "OFST", []string{"ofst"}},
	DutyCycle:    {"duty", "Duty Cycle (%)", BasicWave, "DUTY", []string{"dty_cyc", "duty_cycle"}},
	PulseWidth:   {"width", "Pulse Width (s)", BasicWave, "WIDTH", []string{"pulse_width"}},
	TriggerDelay: {"delay", "Trigger Delay (s)", BurstWave, "DLAY", []string{"trg_dlay", "dlay", "trigger_delay"}},
}

// Parameters returns every parameter in panel order
func Parameters() []Parameter {
	return []Parameter{CycleCount, Period, Amplitude, Offset, DutyCycle, PulseWidth, TriggerDelay}
}

func (p Parameter) valid() bool {
	return p >= CycleCount && p <= TriggerDelay
}

func (p Parameter) String() string {
	if !p.valid() {
		return "invalid"
	}
	return params[p].name
}

// Label is the human readable name with units
func (p Parameter) Label() string {
	if !p.valid() {
		return ""
	}
	return params[p].label
}

// Subsystem the parameter lives in
func (p Parameter) Subsystem() Subsystem {
	return params[p].sub
}

// Field is the mnemonic of the parameter in commands and status replies
func (p Parameter) Field() string {
	return params[p].field
}

// MarshalText lets a Parameter key a JSON object
func (p Parameter) MarshalText() ([]byte, error) {
	if !p.valid() {
		return nil, ErrUnknownParameter
	}
	return []byte(p.String()), nil
}

// UnmarshalText is the inverse of MarshalText
func (p *Parameter) UnmarshalText(b []byte) error {
	v, err := ParseParameter(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ParseParameter maps a name to a Parameter.  Matching is case insensitive
// and accepts the field mnemonic as well as a few aliases.
func ParseParameter(s string) (Parameter, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, info := range params {
		if s == info.name || s == strings.ToLower(info.field) {
			return Parameter(i), nil
		}
		for _, a := range info.alias {
			if s == a {
				return Parameter(i), nil
			}
		}
	}
	return 0, errors.Wrapf(ErrUnknownParameter, "%q", s)
}

// ClampTriggerDelay raises a delay below MinTriggerDelay to MinTriggerDelay
func ClampTriggerDelay(seconds float64) float64 {
	if seconds < MinTriggerDelay {
		return MinTriggerDelay
	}
	return seconds
}

// Mode is a preset waveform configuration
type Mode int

const (
	// Square is a burst of square cycles on a manual trigger
	Square Mode = iota
	// Pulse is a burst of 5 V pulses on a manual trigger
	Pulse
	// PumpSequence is the TTIP line pump preset: 144 cycles of a 400 s, 25% duty, 5 V pulse
	PumpSequence
	// Reset returns the generator to defaults with both outputs off
	Reset
)

// Setting is a parameter and a value
type Setting struct {
	Parameter Parameter
	Value     float64
}

type modeInfo struct {
	name    string
	label   string
	wave    string
	presets []Setting
	alias   []string
}

var modes = [...]modeInfo{
	Square: {"square", "Square Wave", "SQUARE", nil, []string{"square wave"}},
	Pulse:  {"pulse", "Pulse Wave", "PULSE", []Setting{{Amplitude, 5}}, []string{"pulse wave"}},
	PumpSequence: {"pump", "Pump TTIP Lines", "PULSE", []Setting{
		{Amplitude, 5},
		{CycleCount, 144},
		{Period, 400},
		{DutyCycle, 100. / 400. * 100.},
	}, []string{"pump ttip lines", "pump-sequence"}},
	Reset: {"reset", "Reset", "", nil, nil},
}

// Modes returns every mode in menu order
func Modes() []Mode {
	return []Mode{Square, Pulse, PumpSequence, Reset}
}

func (m Mode) valid() bool {
	return m >= Square && m <= Reset
}

func (m Mode) String() string {
	if !m.valid() {
		return "invalid"
	}
	return modes[m].name
}

// Label is the menu text for the mode
func (m Mode) Label() string {
	if !m.valid() {
		return ""
	}
	return modes[m].label
}

// Waveform is the WVTP mnemonic the mode selects, empty for Reset
func (m Mode) Waveform() string {
	return modes[m].wave
}

// Presets are the parameter values the mode writes after configuring the burst
func (m Mode) Presets() []Setting {
	out := make([]Setting, len(modes[m].presets))
	copy(out, modes[m].presets)
	return out
}

// ParseMode maps a name or menu label to a Mode, case insensitive
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, info := range modes {
		if s == info.name || s == strings.ToLower(info.label) {
			return Mode(i), nil
		}
		for _, a := range info.alias {
			if s == a {
				return Mode(i), nil
			}
		}
	}
	return 0, errors.Wrapf(ErrUnknownMode, "%q", s)
}
