package comm_test

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nasa-jpl/bkarb/comm"
)

type fakeConn struct {
	bytes.Buffer
	mu     sync.Mutex
	closed bool
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type countingMaker struct {
	mu    sync.Mutex
	made  []*fakeConn
	fails bool
}

func (c *countingMaker) make() (io.ReadWriteCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fails {
		return nil, errors.New("no device")
	}
	f := &fakeConn{}
	c.made = append(c.made, f)
	return f, nil
}

func (c *countingMaker) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.made)
}

func tcpEchoServer(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal("could not listen, test aborted")
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() { io.Copy(conn, conn) }()
		}
	}()
	return ln.Addr().String()
}

func TestPoolReusesReturnedConnection(t *testing.T) {
	m := &countingMaker{}
	pool := comm.NewPool(1, time.Hour, m.make)
	for i := 0; i < 3; i++ {
		conn, err := pool.Get()
		if err != nil {
			t.Fatal(err)
		}
		pool.Put(conn)
	}
	if m.count() != 1 {
		t.Errorf("expected one connection to be made, got %d", m.count())
	}
	if pool.Size() != 1 || pool.Active() != 0 {
		t.Errorf("expected size 1 active 0, got size %d active %d", pool.Size(), pool.Active())
	}
}

func TestPoolBlocksAtCapacity(t *testing.T) {
	m := &countingMaker{}
	pool := comm.NewPool(2, time.Hour, m.make)
	held := []io.ReadWriter{}
	for i := 0; i < 2; i++ {
		rw, err := pool.Get()
		if err != nil {
			t.Fatal(err)
		}
		held = append(held, rw)
	}
	got := make(chan io.ReadWriter, 1)
	go func() {
		rw, _ := pool.Get()
		got <- rw
	}()
	select {
	case <-got:
		t.Fatal("failed to prevent pool overflow")
	case <-time.After(50 * time.Millisecond):
	}
	pool.Put(held[0])
	select {
	case rw := <-got:
		if rw != held[0] {
			t.Error("expected the returned connection to be handed out again")
		}
	case <-time.After(time.Second):
		t.Fatal("waiter was not released when a connection came back")
	}
}

func TestPoolReturnWithErrorDestroys(t *testing.T) {
	m := &countingMaker{}
	pool := comm.NewPool(1, time.Hour, m.make)
	conn, err := pool.Get()
	if err != nil {
		t.Fatal(err)
	}
	pool.ReturnWithError(conn, errors.New("link went bad"))
	if !m.made[0].isClosed() {
		t.Error("expected a connection returned with an error to be closed")
	}
	if pool.Size() != 0 {
		t.Errorf("expected empty pool, got size %d", pool.Size())
	}
	conn, err = pool.Get()
	if err != nil {
		t.Fatal(err)
	}
	pool.ReturnWithError(conn, nil)
	if m.count() != 2 {
		t.Errorf("expected a fresh connection after destroy, made %d", m.count())
	}
}

func TestPoolReclaimsIdleConnections(t *testing.T) {
	m := &countingMaker{}
	pool := comm.NewPool(1, 10*time.Millisecond, m.make)
	conn, err := pool.Get()
	if err != nil {
		t.Fatal(err)
	}
	pool.Put(conn)
	deadline := time.Now().Add(time.Second)
	for pool.Size() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if pool.Size() != 0 {
		t.Fatal("idle connection was not reclaimed")
	}
	if !m.made[0].isClosed() {
		t.Error("reclaimed connection was not closed")
	}
}

func TestPoolMakerErrorReleasesLease(t *testing.T) {
	m := &countingMaker{fails: true}
	pool := comm.NewPool(1, time.Hour, m.make)
	for i := 0; i < 2; i++ {
		if _, err := pool.Get(); err == nil {
			t.Fatal("expected maker error to surface")
		}
	}
	if pool.Active() != 0 {
		t.Errorf("expected no active leases, got %d", pool.Active())
	}
}

func TestPoolCloseRejectsGet(t *testing.T) {
	m := &countingMaker{}
	pool := comm.NewPool(1, time.Hour, m.make)
	conn, _ := pool.Get()
	pool.Put(conn)
	if err := pool.Close(); err != nil {
		t.Fatal(err)
	}
	if !m.made[0].isClosed() {
		t.Error("expected Close to close idle connections")
	}
	if _, err := pool.Get(); !errors.Is(err, comm.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected after Close, got %v", err)
	}
}

func TestTerminatorAppendsTx(t *testing.T) {
	buf := &bytes.Buffer{}
	term := comm.NewTerminator(buf, '\n', '\n')
	n, err := io.WriteString(term, "*IDN?")
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("expected 5 bytes reported written, got %d", n)
	}
	if buf.String() != "*IDN?\n" {
		t.Errorf("expected terminated command, got %q", buf.String())
	}
}

func TestTerminatorReadsToRx(t *testing.T) {
	buf := bytes.NewBufferString("C1:OUTP ON\nleftover")
	term := comm.NewTerminator(buf, '\n', '\n')
	p := make([]byte, 64)
	n, err := term.Read(p)
	if err != nil {
		t.Fatal(err)
	}
	if string(p[:n]) != "C1:OUTP ON\n" {
		t.Errorf("expected read to stop at terminator, got %q", p[:n])
	}
}

func TestTerminatorMissingRx(t *testing.T) {
	buf := bytes.NewBufferString("abcdef")
	term := comm.NewTerminator(buf, '\n', '\n')
	p := make([]byte, 4)
	_, err := term.Read(p)
	if !errors.Is(err, comm.ErrTerminatorNotFound) {
		t.Errorf("expected ErrTerminatorNotFound, got %v", err)
	}
}

func TestBackingOffTCPConnMakerEcho(t *testing.T) {
	addr := tcpEchoServer(t)
	maker := comm.BackingOffTCPConnMaker(addr, time.Second)
	pool := comm.NewPool(1, time.Second, maker)
	conn, err := pool.Get()
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Put(conn)
	var wrap io.ReadWriter = comm.NewTerminator(conn, '\n', '\n')
	wrap, err = comm.NewTimeout(wrap, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = io.WriteString(wrap, "C1:BTWV MTRIG"); err != nil {
		t.Fatal(err)
	}
	p := make([]byte, 64)
	n, err := wrap.Read(p)
	if err != nil {
		t.Fatal(err)
	}
	if string(p[:n]) != "C1:BTWV MTRIG\n" {
		t.Errorf("expected echo, got %q", p[:n])
	}
}
