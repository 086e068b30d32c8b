/*Package comm provides the plumbing between an instrument driver and the link
it talks over.

Drivers do not own a connection.  They own a Pool, which hands out
io.ReadWriters made by a CreationFunc and reclaims them when idle.  A
call site wraps the leased connection in a Terminator (line endings) and
gives it a deadline with NewTimeout before use:

	conn, err := pool.Get()
	if err != nil {
		return err
	}
	defer func() { pool.ReturnWithError(conn, err) }()
	var wrap io.ReadWriter
	wrap = comm.NewTerminator(conn, '\n', '\n')
	wrap, err = comm.NewTimeout(wrap, time.Second)
	if err != nil {
		return err
	}
	_, err = io.WriteString(wrap, "*IDN?")
*/
package comm

import (
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// ErrNotConnected is generated when the pool is closed or a link could
	// not be produced
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// CreationFunc is a function which returns a new "connection" to something
// a closure should be used to encapsulate the variables and functions needed
type CreationFunc func() (io.ReadWriteCloser, error)

type deadliner interface {
	SetDeadline(time.Time) error
}

// Terminator wraps an io.ReadWriter, appending Tx to every write that lacks
// it and reading until Rx is seen.  The Rx byte is left on the data.
type Terminator struct {
	rw io.ReadWriter
	rx byte
	tx byte
}

// NewTerminator returns a Terminator around rw
func NewTerminator(rw io.ReadWriter, rx, tx byte) *Terminator {
	return &Terminator{rw: rw, rx: rx, tx: tx}
}

// Write sends p with the Tx terminator appended.  The returned count never
// includes the terminator.
func (t *Terminator) Write(p []byte) (int, error) {
	buf := make([]byte, 0, len(p)+1)
	buf = append(buf, p...)
	if len(p) == 0 || p[len(p)-1] != t.tx {
		buf = append(buf, t.tx)
	}
	n, err := t.rw.Write(buf)
	if n > len(p) {
		n = len(p)
	}
	return n, err
}

// Read fills p until the Rx terminator arrives, p is full, or the
// underlying reader fails
func (t *Terminator) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		m, err := t.rw.Read(p[n:])
		n += m
		if n > 0 && p[n-1] == t.rx {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if m == 0 {
			return n, io.ErrNoProgress
		}
	}
	return n, ErrTerminatorNotFound
}

// SetDeadline forwards to the wrapped connection if it supports deadlines
func (t *Terminator) SetDeadline(tm time.Time) error {
	if d, ok := t.rw.(deadliner); ok {
		return d.SetDeadline(tm)
	}
	return nil
}

// NewTimeout puts a deadline of now+timeout on rw if it supports deadlines.
// Serial and USB links carry their own timeouts and are passed through.
func NewTimeout(rw io.ReadWriter, timeout time.Duration) (io.ReadWriter, error) {
	if d, ok := rw.(deadliner); ok {
		return rw, d.SetDeadline(time.Now().Add(timeout))
	}
	return rw, nil
}

// BackingOffTCPConnMaker returns a CreationFunc which dials addr, retrying
// with an exponential backoff for a few seconds.  A refused connection is not
// retried.
func BackingOffTCPConnMaker(addr string, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		var conn net.Conn
		op := func() error {
			var err error
			conn, err = net.DialTimeout("tcp", addr, timeout)
			if err != nil {
				if strings.Contains(strings.ToLower(err.Error()), "refused") {
					return backoff.Permanent(err)
				}
				return err
			}
			return nil
		}
		err := backoff.Retry(op, &backoff.ExponentialBackOff{
			InitialInterval:     25 * time.Millisecond,
			RandomizationFactor: 0.,
			Multiplier:          2.,
			MaxInterval:         1 * time.Second,
			MaxElapsedTime:      3 * time.Second,
			Clock:               backoff.SystemClock})
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// SerialConnMaker returns a CreationFunc which opens the serial port described by conf
func SerialConnMaker(conf *serial.Config) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return serial.OpenPort(conf)
	}
}
