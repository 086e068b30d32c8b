// Package scpi provides primitives for working with devices that
// have SCPI interfaces
package scpi

import (
	"bytes"
	"io"
	"strings"
	"time"

	"github.com/nasa-jpl/bkarb/comm"
)

const (
	timeout = 5 * time.Second

	tcpFrameSize = 1500
)

// DeviceError is an error reported by the device itself in response to
// SYSTem:ERRor?, as opposed to a failure of the link
type DeviceError string

func (e DeviceError) Error() string {
	return "device error: " + string(e)
}

// SCPI is a type for encapsulating SCPI communication
type SCPI struct {
	Pool *comm.Pool

	// Handshaking indicates if the communication shall use handshaking,
	// where an error query is sent with every message
	// to ensure the device accepted the input
	Handshaking bool

	// Timeout bounds each exchange.  Zero means five seconds.
	Timeout time.Duration
}

func (s *SCPI) timeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return timeout
}

func frame(cmds []string, handshake bool) string {
	if handshake {
		cmds = append([]string{"*CLS;"}, cmds...)
		cmds = append(cmds, ";:SYSTem:ERRor?")
	}
	return strings.Join(cmds, " ")
}

// Write sends a command to the device.  if s.Handshaking == true,
// it also requests an error response and checks that it is OK
// it is assumed this is used for set operations and not get.
func (s *SCPI) Write(cmds ...string) error {
	return s.write(cmds, s.Handshaking)
}

func (s *SCPI) write(cmds []string, handshake bool) error {
	conn, err := s.Pool.Get()
	if err != nil {
		return err
	}
	defer func() { s.Pool.ReturnWithError(conn, err) }()
	var wrap io.ReadWriter
	wrap = comm.NewTerminator(conn, '\n', '\n')
	wrap, err = comm.NewTimeout(wrap, s.timeout())
	if err != nil {
		return err
	}
	_, err = io.WriteString(wrap, frame(cmds, handshake))
	if err != nil {
		return err
	}
	if !handshake {
		return nil
	}
	buf := make([]byte, tcpFrameSize)
	n, err := wrap.Read(buf)
	if err != nil {
		return err
	}
	str := strings.TrimRight(string(buf[:n]), "\r\n")
	if !strings.HasPrefix(str, "+0") && !strings.HasPrefix(str, "0") {
		return DeviceError(str)
	}
	return nil
}

// WriteRead is write, but with a read call after.  It is assumed that "get"
// calls use this underlying mechanism
func (s *SCPI) WriteRead(cmds ...string) ([]byte, error) {
	return s.writeRead(cmds, s.Handshaking)
}

func (s *SCPI) writeRead(cmds []string, handshake bool) ([]byte, error) {
	var resp []byte
	conn, err := s.Pool.Get()
	if err != nil {
		return resp, err
	}
	defer func() { s.Pool.ReturnWithError(conn, err) }()
	var wrap io.ReadWriter
	wrap = comm.NewTerminator(conn, '\n', '\n')
	wrap, err = comm.NewTimeout(wrap, s.timeout())
	if err != nil {
		return resp, err
	}
	_, err = io.WriteString(wrap, frame(cmds, handshake))
	if err != nil {
		return resp, err
	}
	buf := make([]byte, tcpFrameSize)
	n, err := wrap.Read(buf)
	if err != nil {
		return resp, err
	}
	resp = bytes.TrimRight(buf[:n], "\r\n")
	if handshake {
		pieces := bytes.Split(resp, []byte{';'})
		errS := string(pieces[len(pieces)-1])
		if !strings.HasPrefix(errS, "+0") && !strings.HasPrefix(errS, "0") {
			return resp, DeviceError(errS)
		}
		return bytes.Join(pieces[:len(pieces)-1], []byte{}), nil
	}
	return resp, nil
}

// ReadString sends a command to the device, the reads the response
// and returns it as a decoded ASCII or UTF-8 string
func (s *SCPI) ReadString(cmds ...string) (string, error) {
	resp, err := s.WriteRead(cmds...)
	return string(resp), err
}

// Query satisfies the Querier interface of github.com/gotmc/query
func (s *SCPI) Query(cmd string) (string, error) {
	return s.ReadString(cmd)
}

// Raw sends a command to the device and returns a response if it was a query,
// else a blank string.  Raw never handshakes, whatever s.Handshaking says.
func (s *SCPI) Raw(str string) (string, error) {
	if strings.Contains(str, "?") {
		resp, err := s.writeRead([]string{str}, false)
		return string(resp), err
	}
	return "", s.write([]string{str}, false)
}

// Close releases every connection held by the pool
func (s *SCPI) Close() error {
	return s.Pool.Close()
}
