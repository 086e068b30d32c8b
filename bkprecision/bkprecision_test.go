package bkprecision_test

import (
	"io"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"github.com/nasa-jpl/bkarb/bkprecision"
)

func newMockGenerator() (*bkprecision.Generator, *bkprecision.MockInstrument) {
	m := bkprecision.NewMock()
	g := bkprecision.NewGeneratorWithMaker(m.Maker(), bkprecision.Options{})
	return g, m
}

func last(log []string) string {
	if len(log) == 0 {
		return ""
	}
	return log[len(log)-1]
}

func contains(log []string, stmt string) bool {
	for _, s := range log {
		if s == stmt {
			return true
		}
	}
	return false
}

func TestSetParameterClampsTriggerDelay(t *testing.T) {
	g, m := newMockGenerator()
	if err := g.SetParameter(bkprecision.TriggerDelay, 1e-9); err != nil {
		t.Fatal(err)
	}
	if got := last(m.Log()); got != "C1:BTWV DLAY,3e-07" {
		t.Errorf("expected delay clamped to 3e-07, sent %q", got)
	}
	if err := g.SetParameter(bkprecision.TriggerDelay, 0.002); err != nil {
		t.Fatal(err)
	}
	if got := last(m.Log()); got != "C1:BTWV DLAY,0.002" {
		t.Errorf("expected delay passed through, sent %q", got)
	}
}

func TestSetParameterCommand(t *testing.T) {
	g, m := newMockGenerator()
	cases := []struct {
		p   bkprecision.Parameter
		v   float64
		cmd string
	}{
		{bkprecision.CycleCount, 10, "C1:BTWV TIME,10"},
		{bkprecision.Period, 0.5, "C1:BSWV PERI,0.5"},
		{bkprecision.Amplitude, 3.3, "C1:BSWV AMP,3.3"},
		{bkprecision.Offset, -1, "C1:BSWV OFST,-1"},
		{bkprecision.DutyCycle, 25, "C1:BSWV DUTY,25"},
		{bkprecision.PulseWidth, 1e-3, "C1:BSWV WIDTH,0.001"},
	}
	for _, c := range cases {
		if err := g.SetParameter(c.p, c.v); err != nil {
			t.Fatal(err)
		}
		if got := last(m.Log()); got != c.cmd {
			t.Errorf("%v: expected %q sent %q", c.p, c.cmd, got)
		}
	}
}

func TestApplySquareModeEndsWithOutputOn(t *testing.T) {
	g, m := newMockGenerator()
	if err := g.ApplyMode(bkprecision.Square); err != nil {
		t.Fatal(err)
	}
	expected := []string{
		"*RST",
		"status::present",
		"*CLS",
		"C1:BSWV WVTP,SQUARE",
		"C1:BTWV STATE,ON",
		"C1:BTWV TRSR,MAN",
		"C1:BTWV GATE_NCYC,NCYC",
		"C1:OUTP ON",
	}
	if diff := cmp.Diff(expected, m.Log()); diff != "" {
		t.Errorf("square sequence mismatch (-want +got):\n%s", diff)
	}
	if !m.Output(1) {
		t.Error("expected channel 1 output enabled")
	}
}

func TestApplyPulseAndPumpModes(t *testing.T) {
	g, m := newMockGenerator()
	if err := g.ApplyMode(bkprecision.Pulse); err != nil {
		t.Fatal(err)
	}
	log := m.Log()
	if !contains(log, "C1:BSWV WVTP,PULSE") || !contains(log, "C1:BSWV AMP,5") {
		t.Errorf("pulse mode did not select a 5 V pulse: %v", log)
	}
	if last(log) != "C1:OUTP ON" {
		t.Errorf("pulse mode should end with output on, ended with %q", last(log))
	}

	m.ClearLog()
	if err := g.ApplyMode(bkprecision.PumpSequence); err != nil {
		t.Fatal(err)
	}
	log = m.Log()
	for _, stmt := range []string{"C1:BSWV AMP,5", "C1:BTWV TIME,144", "C1:BSWV PERI,400", "C1:BSWV DUTY,25"} {
		if !contains(log, stmt) {
			t.Errorf("pump mode missing %q", stmt)
		}
	}
	if last(log) != "C1:OUTP ON" {
		t.Errorf("pump mode should end with output on, ended with %q", last(log))
	}
	cycles, err := g.GetParameter(bkprecision.CycleCount)
	if err != nil {
		t.Fatal(err)
	}
	if cycles != 144 {
		t.Errorf("expected 144 cycles after pump preset, got %g", cycles)
	}
}

func TestResetModeNeverEnables(t *testing.T) {
	g, m := newMockGenerator()
	if err := g.ApplyMode(bkprecision.Reset); err != nil {
		t.Fatal(err)
	}
	expected := []string{"*RST", "status::present", "*CLS", "C1:OUTP OFF", "C2:OUTP OFF"}
	if diff := cmp.Diff(expected, m.Log()); diff != "" {
		t.Errorf("reset sequence mismatch (-want +got):\n%s", diff)
	}
	if m.Output(1) || m.Output(2) {
		t.Error("reset left an output enabled")
	}
}

func TestShutdownDisablesBothChannelsBeforeRelease(t *testing.T) {
	g, m := newMockGenerator()
	if err := g.ApplyMode(bkprecision.Square); err != nil {
		t.Fatal(err)
	}
	m.ClearLog()
	if err := g.Shutdown(); err != nil {
		t.Fatal(err)
	}
	expected := []string{"*RST", "status::present", "*CLS", "C1:OUTP OFF", "C2:OUTP OFF", bkprecision.CloseMarker}
	if diff := cmp.Diff(expected, m.Log()); diff != "" {
		t.Errorf("shutdown sequence mismatch (-want +got):\n%s", diff)
	}
	if err := g.Trigger(); err == nil {
		t.Error("expected commands to fail after shutdown")
	}
}

func TestSetThenGetRoundTrip(t *testing.T) {
	g, _ := newMockGenerator()
	if err := g.ApplyMode(bkprecision.Pulse); err != nil {
		t.Fatal(err)
	}
	values := map[bkprecision.Parameter]float64{
		bkprecision.CycleCount:   12,
		bkprecision.Period:       0.25,
		bkprecision.Amplitude:    3.3,
		bkprecision.Offset:       -0.5,
		bkprecision.DutyCycle:    40,
		bkprecision.PulseWidth:   0.01,
		bkprecision.TriggerDelay: 0.002,
	}
	for p, v := range values {
		if err := g.SetParameter(p, v); err != nil {
			t.Fatal(err)
		}
	}
	for p, v := range values {
		got, err := g.GetParameter(p)
		if err != nil {
			t.Errorf("%v: %v", p, err)
			continue
		}
		if got != v {
			t.Errorf("%v: set %g read back %g", p, v, got)
		}
	}
}

func TestGetParameterAbsentIsNaN(t *testing.T) {
	g, _ := newMockGenerator()
	// burst is off at power on, so the burst fields are not reported
	f, err := g.GetParameter(bkprecision.CycleCount)
	if !math.IsNaN(f) {
		t.Errorf("expected NaN, got %g", f)
	}
	if !errors.Is(err, bkprecision.ErrFieldAbsent) {
		t.Errorf("expected ErrFieldAbsent, got %v", err)
	}
}

func TestChannelUnavailable(t *testing.T) {
	maker := func() (io.ReadWriteCloser, error) {
		return nil, errors.New("no such device")
	}
	g := bkprecision.NewGeneratorWithMaker(maker, bkprecision.Options{})
	f, err := g.GetParameter(bkprecision.Amplitude)
	if !math.IsNaN(f) {
		t.Errorf("expected NaN, got %g", f)
	}
	if !errors.Is(err, bkprecision.ErrChannelUnavailable) {
		t.Errorf("expected ErrChannelUnavailable, got %v", err)
	}
	if errors.Is(err, bkprecision.ErrFieldAbsent) {
		t.Error("a transport failure must be distinguishable from an absent field")
	}
	if err = g.Trigger(); !errors.Is(err, bkprecision.ErrChannelUnavailable) {
		t.Errorf("trigger: expected ErrChannelUnavailable, got %v", err)
	}
	if err = g.Shutdown(); !errors.Is(err, bkprecision.ErrChannelUnavailable) {
		t.Errorf("shutdown: expected ErrChannelUnavailable, got %v", err)
	}
}

func TestIdentifyAndInitialize(t *testing.T) {
	g, m := newMockGenerator()
	idn, err := g.Identify()
	if err != nil {
		t.Fatal(err)
	}
	if idn != bkprecision.MockIdentity {
		t.Errorf("expected %q got %q", bkprecision.MockIdentity, idn)
	}
	m.ClearLog()
	if err = g.Initialize(); err != nil {
		t.Fatal(err)
	}
	expected := []string{"*RST", "status::present", "*CLS", "C1:OUTP OFF", "C2:OUTP OFF", "C1:BTWV STATE,OFF", "SCSV OFF"}
	if diff := cmp.Diff(expected, m.Log()); diff != "" {
		t.Errorf("init sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestStatusAndRaw(t *testing.T) {
	g, _ := newMockGenerator()
	st, err := g.Status(bkprecision.BasicWave)
	if err != nil {
		t.Fatal(err)
	}
	if st["AMP"] != "4" || st["FRQ"] != "1000" {
		t.Errorf("unexpected basic wave status %v", st)
	}
	resp, err := g.Raw("C1:BTWV?")
	if err != nil {
		t.Fatal(err)
	}
	if resp != "C1:BTWV STATE,OFF" {
		t.Errorf("unexpected raw reply %q", resp)
	}
	resp, err = g.Raw("C1:BTWV MTRIG")
	if err != nil || resp != "" {
		t.Errorf("raw command: expected empty reply and no error, got %q, %v", resp, err)
	}
	st, err = g.Status(bkprecision.BurstWave)
	if err != nil {
		t.Fatal(err)
	}
	if st["C1:BTWV STATE"] != "OFF" {
		t.Errorf("expected burst off, got %v", st)
	}
}

func TestTrigger(t *testing.T) {
	g, m := newMockGenerator()
	for i := 0; i < 3; i++ {
		if err := g.Trigger(); err != nil {
			t.Fatal(err)
		}
	}
	if m.Triggers() != 3 {
		t.Errorf("expected 3 triggers, mock saw %d", m.Triggers())
	}
}

func TestCommandPacing(t *testing.T) {
	m := bkprecision.NewMock()
	g := bkprecision.NewGeneratorWithMaker(m.Maker(), bkprecision.Options{CommandInterval: 20 * time.Millisecond})
	start := time.Now()
	for i := 0; i < 4; i++ {
		if err := g.Trigger(); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("4 paced commands at 20 ms took only %v", elapsed)
	}
}

func TestNewGeneratorRejectsBadResource(t *testing.T) {
	_, err := bkprecision.NewGenerator("GPIB0::7::INSTR", bkprecision.Options{})
	if err == nil || !strings.Contains(err.Error(), "unsupported") {
		t.Errorf("expected unsupported resource error, got %v", err)
	}
}
