/*Package comm provides connection plumbing for lab hardware.

A device is described by an Endpoint (an address and the physical link it is
reached over).  Endpoint.Dial makes a single attempt to connect; Open wraps any
CreationFunc with an exponential backoff so instruments that do not like being
connection thrashed are given time to accept.  Connections are shared through a
Pool, which leases them to one caller at a time and frees them when idle.

A minimal example for a SCPI instrument on a LAN-GPIB gateway:

	ep := comm.Endpoint{Addr: "192.168.100.40:1234", Transport: comm.TCP}
	pool := comm.NewPool(1, 30*time.Second, comm.Open(ep.Dial))
	conn, err := pool.Get()
	if err != nil {
		return err
	}
	defer pool.Put(conn)
	io.WriteString(comm.NewTerminator(conn, '\n', '\n'), "*IDN?")
*/
package comm

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"

	"github.com/nasa-jpl/keithleyctl/usbtmc"
)

const (
	// TCP is a raw socket, e.g. a LAN-GPIB gateway or a digi portserver
	TCP = "tcp"

	// Serial is an RS-232 port, e.g. /dev/ttyUSB0 or COM3
	Serial = "serial"

	// USBTMC is a USB Test and Measurement Class device addressed as VID:PID in hex
	USBTMC = "usbtmc"

	defaultBaud    = 9600
	defaultTimeout = 3 * time.Second
)

var (
	// ErrNotConnected is generated when a nil connection is used
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")

	// ErrUnknownTransport is generated when an Endpoint names a transport this package does not implement
	ErrUnknownTransport = errors.New("unknown transport")
)

// CreationFunc is a function which returns a new "connection" to something
// a closure should be used to encapsulate the variables and functions needed
type CreationFunc func() (io.ReadWriteCloser, error)

// Endpoint describes how to reach a remote device
type Endpoint struct {
	// Addr is host:port for TCP, a device path for Serial,
	// or VID:PID in hex (05e6:2450) for USBTMC
	Addr string `yaml:"Addr"`

	// Transport is one of TCP, Serial, USBTMC.  Empty means TCP
	Transport string `yaml:"Transport"`

	// Baud is the serial baud rate, ignored for other transports.  Zero means 9600
	Baud int `yaml:"Baud"`

	// Timeout bounds connect and per-operation I/O.  Zero means 3 s
	Timeout time.Duration `yaml:"Timeout"`
}

func (e Endpoint) timeout() time.Duration {
	if e.Timeout <= 0 {
		return defaultTimeout
	}
	return e.Timeout
}

// Dial makes a single attempt to connect to the endpoint
func (e Endpoint) Dial() (io.ReadWriteCloser, error) {
	switch strings.ToLower(e.Transport) {
	case "", TCP:
		return TCPSetup(e.Addr, e.timeout())
	case Serial:
		baud := e.Baud
		if baud == 0 {
			baud = defaultBaud
		}
		return serial.OpenPort(&serial.Config{Name: e.Addr, Baud: baud, ReadTimeout: e.timeout()})
	case USBTMC:
		vid, pid, err := ParseVIDPID(e.Addr)
		if err != nil {
			return nil, err
		}
		return usbtmc.NewUSBDevice(vid, pid)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownTransport, e.Transport)
	}
}

// ParseVIDPID parses a "vid:pid" pair of hex numbers, e.g. "05e6:2450"
func ParseVIDPID(s string) (uint16, uint16, error) {
	pieces := strings.Split(s, ":")
	if len(pieces) != 2 {
		return 0, 0, fmt.Errorf("usb address %q is not of the form vid:pid", s)
	}
	vid, err := strconv.ParseUint(strings.TrimPrefix(pieces[0], "0x"), 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("usb vendor id %q: %w", pieces[0], err)
	}
	pid, err := strconv.ParseUint(strings.TrimPrefix(pieces[1], "0x"), 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("usb product id %q: %w", pieces[1], err)
	}
	return uint16(vid), uint16(pid), nil
}

// Open wraps maker in an exponential backoff.  A refused connection is retried
// for up to three seconds; any other error is returned immediately.
func Open(maker CreationFunc) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		var conn io.ReadWriteCloser
		op := func() error {
			c, err := maker()
			if err != nil {
				if strings.Contains(strings.ToLower(err.Error()), "refused") {
					return err
				}
				return backoff.Permanent(err)
			}
			conn = c
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

// TCPSetup opens a new TCP connection with a timeout on connect
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, timeout)
}
