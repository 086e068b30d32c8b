package bkprecision

import (
	"bytes"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/nasa-jpl/bkarb/comm"
)

// MockIdentity is the *IDN? reply of a MockInstrument
const MockIdentity = "BK PRECISION,4054B,515E21166,1.01.01.19R3"

// CloseMarker is appended to a MockInstrument's log when a link to it is closed
const CloseMarker = "<close>"

type mockChannel struct {
	output bool
	basic  map[string]string
	burst  map[string]string
}

func newMockChannel() *mockChannel {
	return &mockChannel{
		basic: map[string]string{
			"WVTP":  "SINE",
			"FRQ":   "1000",
			"PERI":  "0.001",
			"AMP":   "4",
			"OFST":  "0",
			"DUTY":  "50",
			"WIDTH": "0.0005",
		},
		burst: map[string]string{
			"STATE":     "OFF",
			"TRSR":      "INT",
			"GATE_NCYC": "NCYC",
			"TIME":      "1",
			"DLAY":      "3e-07",
		},
	}
}

var (
	basicOrder = []string{"WVTP", "FRQ", "PERI", "AMP", "OFST", "DUTY", "WIDTH"}
	basicUnits = map[string]string{"FRQ": "HZ", "PERI": "S", "AMP": "V", "OFST": "V"}
	burstOrder = []string{"TRSR", "GATE_NCYC", "TIME", "DLAY"}
	burstUnits = map[string]string{"DLAY": "S"}
)

// MockInstrument imitates the command grammar of a 4054B closely enough to
// drive a Generator without hardware.  Every statement it receives is kept
// in order, and links to it are made with Maker.
type MockInstrument struct {
	mu       sync.Mutex
	channels [3]*mockChannel // index 0 unused
	log      []string
	triggers int
}

// NewMock returns a MockInstrument in its power-on state
func NewMock() *MockInstrument {
	m := &MockInstrument{}
	m.reset()
	return m
}

func (m *MockInstrument) reset() {
	m.channels[1] = newMockChannel()
	m.channels[2] = newMockChannel()
}

// Maker returns a comm.CreationFunc producing links to the mock
func (m *MockInstrument) Maker() comm.CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return &mockConn{inst: m}, nil
	}
}

// Log returns a copy of every statement received, in order
func (m *MockInstrument) Log() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.log))
	copy(out, m.log)
	return out
}

// ClearLog forgets the statements received so far
func (m *MockInstrument) ClearLog() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log = nil
}

// Output reports whether channel ch is enabled
func (m *MockInstrument) Output(ch int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[ch].output
}

// Triggers counts manual triggers received
func (m *MockInstrument) Triggers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.triggers
}

func (m *MockInstrument) record(s string) {
	m.mu.Lock()
	m.log = append(m.log, s)
	m.mu.Unlock()
}

// handle executes one line and returns the reply, if the line held a query
func (m *MockInstrument) handle(line string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var replies []string
	for _, stmt := range strings.Split(line, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		m.log = append(m.log, stmt)
		if r, ok := m.exec(stmt); ok {
			replies = append(replies, r)
		}
	}
	if len(replies) == 0 {
		return "", false
	}
	return strings.Join(replies, ";"), true
}

// must hold mu
func (m *MockInstrument) exec(stmt string) (string, bool) {
	upper := strings.ToUpper(stmt)
	switch upper {
	case "*IDN?":
		return MockIdentity, true
	case "*RST":
		m.reset()
		return "", false
	}
	if len(upper) < 3 || upper[0] != 'C' || upper[2] != ':' {
		return "", false // *CLS, SCSV, status::present and friends
	}
	chn, err := strconv.Atoi(upper[1:2])
	if err != nil || chn < 1 || chn > 2 {
		return "", false
	}
	ch := m.channels[chn]
	prefix := upper[:2]
	head, args := upper[3:], ""
	if i := strings.IndexByte(head, ' '); i >= 0 {
		head, args = head[:i], strings.TrimSpace(stmt[3+i+1:])
	}

	switch head {
	case "OUTP":
		switch strings.ToUpper(args) {
		case "ON":
			ch.output = true
		case "OFF":
			ch.output = false
		}
	case "OUTP?":
		state := "OFF"
		if ch.output {
			state = "ON"
		}
		return prefix + ":OUTP " + state + ",LOAD,HZ,PLRT,NOR", true
	case "BSWV":
		m.assign(ch.basic, args)
		if v, ok := ch.basic["PERI"]; ok && strings.Contains(strings.ToUpper(args), "PERI") {
			if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
				ch.basic["FRQ"] = strconv.FormatFloat(1/f, 'g', -1, 64)
			}
		}
	case "BSWV?":
		return prefix + ":BSWV " + render(ch.basic, basicOrder, basicUnits), true
	case "BTWV":
		if strings.EqualFold(args, "MTRIG") {
			m.triggers++
			return "", false
		}
		m.assign(ch.burst, args)
	case "BTWV?":
		if ch.burst["STATE"] != "ON" {
			return prefix + ":BTWV STATE,OFF", true
		}
		return prefix + ":BTWV STATE,ON," + render(ch.burst, burstOrder, burstUnits), true
	}
	return "", false
}

// assign stores FIELD,value pairs, normalizing numbers the way the instrument does
func (m *MockInstrument) assign(into map[string]string, args string) {
	pieces := strings.Split(args, ",")
	for i := 0; i+1 < len(pieces); i += 2 {
		k := strings.ToUpper(strings.TrimSpace(pieces[i]))
		v := strings.TrimSpace(pieces[i+1])
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			v = strconv.FormatFloat(f, 'g', -1, 64)
		} else {
			v = strings.ToUpper(v)
		}
		into[k] = v
	}
}

func render(vals map[string]string, order []string, units map[string]string) string {
	parts := make([]string, 0, 2*len(order))
	for _, k := range order {
		parts = append(parts, k, vals[k]+units[k])
	}
	return strings.Join(parts, ",")
}

// mockConn is one link to a MockInstrument.  Replies are buffered per link.
type mockConn struct {
	inst    *MockInstrument
	pending bytes.Buffer
	partial bytes.Buffer
}

func (c *mockConn) Write(p []byte) (int, error) {
	c.partial.Write(p)
	for {
		data := c.partial.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(data[:i]), "\r")
		c.partial.Next(i + 1)
		if reply, ok := c.inst.handle(line); ok {
			c.pending.WriteString(reply)
			c.pending.WriteByte('\n')
		}
	}
	return len(p), nil
}

func (c *mockConn) Read(p []byte) (int, error) {
	if c.pending.Len() == 0 {
		return 0, io.EOF
	}
	return c.pending.Read(p)
}

func (c *mockConn) Close() error {
	c.inst.record(CloseMarker)
	return nil
}
