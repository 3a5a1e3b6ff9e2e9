package comm

import (
	"bytes"
	"io"
	"time"
)

// Terminator wraps a connection, appending a transmit terminator to every
// write and reading until the receive terminator is seen
type Terminator struct {
	rw io.ReadWriter
	tx byte
	rx byte
}

// NewTerminator returns a Terminator around rw
func NewTerminator(rw io.ReadWriter, tx, rx byte) *Terminator {
	return &Terminator{rw: rw, tx: tx, rx: rx}
}

// Write sends b, adding the tx terminator if b does not already end with it.
// The returned count excludes any added terminator
func (t *Terminator) Write(b []byte) (int, error) {
	if len(b) > 0 && b[len(b)-1] == t.tx {
		return t.rw.Write(b)
	}
	buf := make([]byte, len(b)+1)
	copy(buf, b)
	buf[len(b)] = t.tx
	n, err := t.rw.Write(buf)
	if n > len(b) {
		n = len(b)
	}
	return n, err
}

// Read fills b until the rx terminator is read.  The terminator is included
// in the returned data.  If b fills first, ErrTerminatorNotFound is returned
func (t *Terminator) Read(b []byte) (int, error) {
	var n int
	for n < len(b) {
		m, err := t.rw.Read(b[n:])
		if m > 0 {
			if bytes.IndexByte(b[n:n+m], t.rx) >= 0 {
				return n + m, nil
			}
			n += m
		}
		if err != nil {
			return n, err
		}
	}
	return n, ErrTerminatorNotFound
}

// Unwrap returns the wrapped connection
func (t *Terminator) Unwrap() io.ReadWriter {
	return t.rw
}

type deadliner interface {
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

type unwrapper interface {
	Unwrap() io.ReadWriter
}

// Timeout wraps a connection and bounds each Read and Write to a fixed duration
type Timeout struct {
	rw io.ReadWriter
	dl deadliner
	d  time.Duration
}

// NewTimeout returns a Timeout around rw.  The first connection in the
// wrapping chain that supports deadlines (a net.Conn) is used; connections
// without deadline support (serial ports, which carry their own read timeout)
// are passed through unchanged.  An error is returned if clearing any
// previous deadline fails
func NewTimeout(rw io.ReadWriter, d time.Duration) (*Timeout, error) {
	t := &Timeout{rw: rw, d: d}
	var cur io.ReadWriter = rw
	for cur != nil {
		if dl, ok := cur.(deadliner); ok {
			t.dl = dl
			break
		}
		u, ok := cur.(unwrapper)
		if !ok {
			break
		}
		cur = u.Unwrap()
	}
	if t.dl != nil {
		if err := t.dl.SetWriteDeadline(time.Time{}); err != nil {
			return nil, err
		}
		if err := t.dl.SetReadDeadline(time.Time{}); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Write writes b with a deadline of now + the timeout
func (t *Timeout) Write(b []byte) (int, error) {
	if t.dl != nil {
		if err := t.dl.SetWriteDeadline(time.Now().Add(t.d)); err != nil {
			return 0, err
		}
	}
	return t.rw.Write(b)
}

// Read reads into b with a deadline of now + the timeout
func (t *Timeout) Read(b []byte) (int, error) {
	if t.dl != nil {
		if err := t.dl.SetReadDeadline(time.Now().Add(t.d)); err != nil {
			return 0, err
		}
	}
	return t.rw.Read(b)
}
