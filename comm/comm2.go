package comm

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// Pool is a communication pool which holds one or more connections to a device
// that will be closed if they are not in use, and re-opened as needed.
// it is concurrent safe.  Pools must be created with NewPool.
type Pool struct {
	maxSize int           // maximum number of connections, == cap(leases)
	timeout time.Duration // time after the last Put to free all idle connections
	maker   CreationFunc

	leases chan struct{}        // one token per connection given out
	idle   []io.ReadWriteCloser // connections available for reuse
	timer  *time.Timer          // reclaims idle connections, nil when not armed
	mu     sync.Mutex
}

// NewPool creates a new pool that holds at most maxSize connections and frees
// them timeout after the last one is returned
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
// available if all are in use.  It is guaranteed that there is no contention
// for the ReadWriter.  The consumer should not attempt to cast it to its
// concrete type and use it outside this interface.
//
// When done with the communicator, return it with Put(), or discard it with
// Destroy() if it has become no good (e.g., all calls error).
//
// If the error from Get is not nil, you must not return it to the pool.
func (p *Pool) Get() (io.ReadWriter, error) {
	p.leases <- struct{}{}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle = p.idle[:n-1]
		return c, nil
	}
	c, err := p.maker()
	if err != nil {
		<-p.leases
		return nil, err
	}
	return c, nil
}

// Put restores a communicator to the pool.  It may be reused, or will be
// automatically freed after all connections are returned and the timeout
// has elapsed.  Junk communicators (ones that always error) should be
// Destroy()'d and not returned with Put.
func (p *Pool) Put(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idle = append(p.idle, rwc)
	<-p.leases
	if len(p.leases) == 0 && p.timer == nil {
		p.timer = time.AfterFunc(p.timeout, p.reclaim)
	}
}

// Destroy immediately frees a communicator from the pool.  This should be used
// instead of Put if the communicator has gone bad.
func (p *Pool) Destroy(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	rwc.Close()
	<-p.leases
}

// ReturnWithError returns the communicator to the pool with Put if err is nil
// or an error reported by the device itself, and Destroys it if err indicates
// the link has gone bad (timeout, EOF, reset, framing)
func (p *Pool) ReturnWithError(rw io.ReadWriter, err error) {
	if LinkBroken(err) {
		p.Destroy(rw)
		return
	}
	p.Put(rw)
}

// LinkBroken returns true if err indicates the connection can no longer be trusted
func LinkBroken(err error) bool {
	if err == nil {
		return false
	}
	var ne net.Error
	switch {
	case errors.As(err, &ne),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, ErrTerminatorNotFound):
		return true
	}
	return false
}

// Size returns the number of connections in the pool, or given out from it
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle) + len(p.leases)
}

// Active returns the number of connections owned by the pool that are currently
// given out
func (p *Pool) Active() int {
	return len(p.leases)
}

// Close frees all idle connections.  Connections on lease are unaffected
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	var first error
	for _, c := range p.idle {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	p.idle = nil
	return first
}

// reclaim is run by the idle timer and closes everything not on lease
func (p *Pool) reclaim() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.leases) != 0 {
		return
	}
	for _, c := range p.idle {
		c.Close()
	}
	p.idle = nil
	p.timer = nil
}
