package comm

import (
	"io"
	"sync"
	"time"
)

// Pool is a communication pool which holds one or more connections to a device
// that will be closed if they are not in use, and re-opened as needed.
// it is concurrent safe.  Pools must be created with NewPool.
type Pool struct {
	maxSize int           // maximum number of connections
	timeout time.Duration // time after the last connection comes home to free them all
	maker   CreationFunc

	leases chan struct{} // one token per connection given out, cap == maxSize

	mu      sync.Mutex
	onLease int
	idle    []io.ReadWriteCloser
	timer   *time.Timer
	gen     uint64 // bumped whenever a reclaim is scheduled or cancelled
	closed  bool
}

// NewPool creates a new pool.  maker is called at most maxSize times before a
// connection is returned or destroyed.
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Pool{
		maxSize: maxSize,
		timeout: timeout,
		maker:   maker,
		leases:  make(chan struct{}, maxSize),
	}
}

// Get retrieves a communicator from the pool, blocking until one is
// available if all are in use.  It is guaranteed that there is no contestion
// for the ReadWriter.
//
// When done with the communicator, return it with Put(), or discard it with
// Destroy() if it has become no good (e.g., all calls error).
//
// If the error from Get is not nil, you must not return it to the pool.
func (p *Pool) Get() (io.ReadWriter, error) {
	p.leases <- struct{}{}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		<-p.leases
		return nil, ErrNotConnected
	}
	p.cancelReclaim()
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.onLease++
		return c, nil
	}
	c, err := p.maker()
	if err != nil {
		<-p.leases
		return nil, err
	}
	p.onLease++
	return c, nil
}

// Put restores a communicator to the pool.  It may be reused, or will be
// automatically freed after all connections are returned and the timeout
// has elapsed.
func (p *Pool) Put(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	p.mu.Lock()
	p.onLease--
	if p.closed {
		rwc.Close()
	} else {
		p.idle = append(p.idle, rwc)
		if p.onLease == 0 {
			p.scheduleReclaim()
		}
	}
	p.mu.Unlock()
	<-p.leases
}

// Destroy immediately frees a communicator from the pool.  This should be used
// instead of Put if the communicator has gone bad.
func (p *Pool) Destroy(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	rwc.Close()
	p.mu.Lock()
	p.onLease--
	p.mu.Unlock()
	<-p.leases
}

// ReturnWithError calls Destroy if err is not nil, and Put otherwise
func (p *Pool) ReturnWithError(rw io.ReadWriter, err error) {
	if err != nil {
		p.Destroy(rw)
		return
	}
	p.Put(rw)
}

// Size returns the number of connections in the pool, or given out from it
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle) + p.onLease
}

// Active returns the number of connections owned by the pool that are currently
// given out
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onLease
}

// Close frees every idle connection and makes future calls to Get fail.
// Connections on lease are closed as they come back.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelReclaim()
	p.closed = true
	var first error
	for _, c := range p.idle {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	p.idle = nil
	return first
}

// must hold mu
func (p *Pool) scheduleReclaim() {
	p.gen++
	gen := p.gen
	p.timer = time.AfterFunc(p.timeout, func() { p.reclaim(gen) })
}

// must hold mu
func (p *Pool) cancelReclaim() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.gen++
}

func (p *Pool) reclaim(gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.gen || p.onLease > 0 {
		return
	}
	for _, c := range p.idle {
		c.Close()
	}
	p.idle = nil
	p.timer = nil
}
