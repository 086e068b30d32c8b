/*Package bkprecision provides an interface to the BK Precision 4054B
arbitrary waveform generator.

The generator is driven entirely on channel 1.  A Generator knows a handful
of preset waveform modes (see Mode), seven numeric parameters (see Parameter),
and how to read them back out of the instrument's status replies, which look
like

	C1:BSWV WVTP,PULSE,FRQ,1000HZ,PERI,0.001S,AMP,5V,OFST,0V,DUTY,50,WIDTH,0.0005

Usage:

	gen, err := bkprecision.NewGenerator("USB0::0xF4EC::0xEE38::515E21166::INSTR", bkprecision.Options{})
	if err != nil {
		log.Fatal(err)
	}
	defer gen.Shutdown()
	err = gen.ApplyMode(bkprecision.Pulse)
	...
	err = gen.Trigger()
*/
package bkprecision

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gotmc/query"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/nasa-jpl/bkarb/comm"
	"github.com/nasa-jpl/bkarb/scpi"
	"github.com/nasa-jpl/bkarb/visa"
)

const (
	// channel every waveform command is addressed to
	channel = "C1"

	resetCmd = "*RST; status::present;*CLS"

	defaultPoolTimeout = time.Minute
)

// ErrChannelUnavailable is returned when the link to the instrument failed,
// as opposed to the instrument answering with something unexpected
var ErrChannelUnavailable = errors.New("bkprecision: command channel unavailable")

type channelError struct {
	err error
}

func (e channelError) Error() string {
	return ErrChannelUnavailable.Error() + ": " + e.err.Error()
}

func (e channelError) Unwrap() error {
	return e.err
}

func (e channelError) Is(target error) bool {
	return target == ErrChannelUnavailable
}

// classify marks transport failures with ErrChannelUnavailable.  Errors the
// device reported about itself pass through.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var de scpi.DeviceError
	if errors.As(err, &de) {
		return err
	}
	return channelError{err}
}

// Options tune the link to the generator.  The zero value is usable.
type Options struct {
	// PoolTimeout is how long an idle connection is held open.  Zero means one minute
	PoolTimeout time.Duration

	// CommandInterval is the minimum spacing between commands.  Zero disables pacing
	CommandInterval time.Duration

	// IOTimeout bounds each exchange and connection attempt.  Zero means five seconds
	IOTimeout time.Duration

	// Handshaking appends an error query to every write
	Handshaking bool

	// Baud overrides the baud rate of ASRL resources
	Baud int
}

// Generator is the command facade of a 4054B
type Generator struct {
	scpi.SCPI

	pace *rate.Limiter
}

// NewGenerator parses a VISA resource string and returns a Generator that
// talks to it.  No I/O is done until the first command.
func NewGenerator(resource string, opts Options) (*Generator, error) {
	r, err := visa.Parse(resource)
	if err != nil {
		return nil, err
	}
	if opts.Baud != 0 {
		r.Baud = opts.Baud
	}
	timeout := opts.IOTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return NewGeneratorWithMaker(r.Maker(timeout), opts), nil
}

// NewGeneratorWithMaker returns a Generator using an arbitrary link, such as
// the one to a MockInstrument
func NewGeneratorWithMaker(maker comm.CreationFunc, opts Options) *Generator {
	if opts.PoolTimeout == 0 {
		opts.PoolTimeout = defaultPoolTimeout
	}
	pool := comm.NewPool(1, opts.PoolTimeout, maker)
	g := &Generator{SCPI: scpi.SCPI{Pool: pool, Handshaking: opts.Handshaking, Timeout: opts.IOTimeout}}
	if opts.CommandInterval > 0 {
		g.pace = rate.NewLimiter(rate.Every(opts.CommandInterval), 1)
	}
	return g
}

func (g *Generator) wait() {
	if g.pace != nil {
		// Wait only fails for a cancelled context or a burst of 0
		g.pace.Wait(context.Background())
	}
}

func (g *Generator) write(cmds ...string) error {
	g.wait()
	return classify(g.SCPI.Write(cmds...))
}

func (g *Generator) readString(cmd string) (string, error) {
	g.wait()
	s, err := g.SCPI.ReadString(cmd)
	return s, classify(err)
}

// Query satisfies the Querier interface of github.com/gotmc/query with pacing
// and error classification
func (g *Generator) Query(cmd string) (string, error) {
	return g.readString(cmd)
}

// Raw sends a command verbatim, returning the reply if it was a query
func (g *Generator) Raw(str string) (string, error) {
	g.wait()
	s, err := g.SCPI.Raw(str)
	return s, classify(err)
}

// Identify returns the *IDN? string of the instrument
func (g *Generator) Identify() (string, error) {
	return query.String(g, "*IDN?")
}

// Initialize puts the generator in a known state: defaults restored, both
// outputs off, burst mode off, and the screen saver disabled.  Every step is
// attempted.
func (g *Generator) Initialize() error {
	var err error
	err = multierr.Append(err, g.write(resetCmd))
	err = multierr.Append(err, g.Output(1, false))
	err = multierr.Append(err, g.Output(2, false))
	err = multierr.Append(err, g.write(channel+":BTWV STATE,OFF"))
	err = multierr.Append(err, g.write("SCSV OFF"))
	return err
}

// Output turns the output of channel ch (1 or 2) on or off
func (g *Generator) Output(ch int, on bool) error {
	if ch != 1 && ch != 2 {
		return errors.Errorf("bkprecision: channel %d does not exist", ch)
	}
	state := "OFF"
	if on {
		state = "ON"
	}
	return g.write("C" + strconv.Itoa(ch) + ":OUTP " + state)
}

// OutputEnabled reports if the output of channel ch is on.  The instrument
// replies C1:OUTP ON,LOAD,HZ,PLRT,NOR or similar.
func (g *Generator) OutputEnabled(ch int) (bool, error) {
	if ch != 1 && ch != 2 {
		return false, errors.Errorf("bkprecision: channel %d does not exist", ch)
	}
	reply, err := g.readString("C" + strconv.Itoa(ch) + ":OUTP?")
	if err != nil {
		return false, err
	}
	_, state, ok := strings.Cut(strings.TrimSpace(reply), "OUTP ")
	if !ok {
		return false, errors.Wrapf(ErrMalformedReply, "%q", reply)
	}
	state, _, _ = strings.Cut(state, ",")
	switch strings.ToUpper(state) {
	case "ON":
		return true, nil
	case "OFF":
		return false, nil
	}
	return false, errors.Wrapf(ErrMalformedReply, "%q", reply)
}

// ApplyMode configures a preset waveform.  Every mode except Reset resets
// the generator, sets up a manually triggered N-cycle burst of the mode's
// waveform, writes the mode's presets, and enables the output last.  The
// first failing command aborts the sequence.
func (g *Generator) ApplyMode(m Mode) error {
	if !m.valid() {
		return errors.Wrapf(ErrUnknownMode, "%d", int(m))
	}
	if m == Reset {
		return g.Reset()
	}
	steps := []string{
		resetCmd,
		channel + ":BSWV WVTP," + m.Waveform(),
		channel + ":BTWV STATE,ON",
		channel + ":BTWV TRSR,MAN",
		channel + ":BTWV GATE_NCYC,NCYC",
	}
	for _, cmd := range steps {
		if err := g.write(cmd); err != nil {
			return errors.Wrapf(err, "applying %s mode", m)
		}
	}
	for _, s := range m.Presets() {
		if err := g.SetParameter(s.Parameter, s.Value); err != nil {
			return errors.Wrapf(err, "applying %s mode", m)
		}
	}
	if err := g.Output(1, true); err != nil {
		return errors.Wrapf(err, "applying %s mode", m)
	}
	return nil
}

// Reset restores the generator defaults and turns both outputs off.  It
// never enables an output.  Every step is attempted.
func (g *Generator) Reset() error {
	var err error
	err = multierr.Append(err, g.write(resetCmd))
	err = multierr.Append(err, g.Output(1, false))
	err = multierr.Append(err, g.Output(2, false))
	return err
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// SetParameter writes a single parameter.  A trigger delay shorter than
// MinTriggerDelay is raised to it; nothing else is checked.
func (g *Generator) SetParameter(p Parameter, v float64) error {
	if !p.valid() {
		return errors.Wrapf(ErrUnknownParameter, "%d", int(p))
	}
	if p == TriggerDelay {
		v = ClampTriggerDelay(v)
	}
	cmd := channel + ":" + string(p.Subsystem()) + " " + p.Field() + "," + formatValue(v)
	return g.write(cmd)
}

func (g *Generator) status(sub Subsystem) (string, error) {
	return g.readString(channel + ":" + string(sub) + "?")
}

// Field queries a subsystem and extracts one recognized field from the reply
func (g *Generator) Field(sub Subsystem, field string) (string, error) {
	reply, err := g.status(sub)
	if err != nil {
		return "", err
	}
	return ExtractField(reply, field)
}

// Status queries a subsystem and returns every recognized field in the reply
func (g *Generator) Status(sub Subsystem) (map[string]string, error) {
	reply, err := g.status(sub)
	if err != nil {
		return nil, err
	}
	return ParseStatus(reply)
}

// GetParameter reads a parameter back from the instrument.  On any failure
// the value is NaN and the error says why.
func (g *Generator) GetParameter(p Parameter) (float64, error) {
	if !p.valid() {
		return math.NaN(), errors.Wrapf(ErrUnknownParameter, "%d", int(p))
	}
	s, err := g.Field(p.Subsystem(), p.Field())
	if err != nil {
		return math.NaN(), err
	}
	f, err := strconv.ParseFloat(stripUnit(s), 64)
	if err != nil {
		return math.NaN(), errors.Wrapf(ErrMalformedReply, "%s=%q", p.Field(), s)
	}
	return f, nil
}

// Trigger fires a burst
func (g *Generator) Trigger() error {
	return g.write(channel + ":BTWV MTRIG")
}

// Shutdown resets the generator, disables both outputs, and releases the
// link.  The link is released even if a step fails; all errors are returned
// together.
func (g *Generator) Shutdown() error {
	err := g.Reset()
	return multierr.Append(err, g.Close())
}
