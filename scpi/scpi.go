// Package scpi provides primitives for working with devices that
// have SCPI interfaces
package scpi

import (
	"bytes"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/nasa-jpl/keithleyctl/comm"
)

const (
	timeout = 5 * time.Second

	tcpFrameSize = 1500
)

// SCPI is a type for encapsulating SCPI communication
type SCPI struct {
	Pool *comm.Pool

	// Handshaking indicates if the communication shall use handshaking,
	// where an error query is sent with every message
	// to ensure the device accepted the input
	Handshaking bool

	// Timeout bounds each exchange.  Zero means 5 s
	Timeout time.Duration
}

func (s *SCPI) timeout() time.Duration {
	if s.Timeout <= 0 {
		return timeout
	}
	return s.Timeout
}

func (s *SCPI) frame(cmds []string) string {
	if s.Handshaking {
		cmds = append([]string{"*CLS;"}, cmds...)
		cmds = append(cmds, ";:SYSTem:ERRor?")
	}
	return strings.Join(cmds, " ")
}

// Write sends a command to the device.  if s.Handshaking == true,
// it also requests an error response and checks that it is OK
// it is assumed this is used for set operations and not get.
func (s *SCPI) Write(cmds ...string) error {
	conn, err := s.Pool.Get()
	if err != nil {
		return err
	}
	defer func() { s.Pool.ReturnWithError(conn, err) }()
	var wrap io.ReadWriter
	wrap, err = comm.NewTimeout(comm.NewTerminator(conn, '\n', '\n'), s.timeout())
	if err != nil {
		return err
	}
	_, err = io.WriteString(wrap, s.frame(cmds))
	if err != nil {
		return err
	}
	if s.Handshaking {
		buf := make([]byte, tcpFrameSize)
		var n int
		n, err = wrap.Read(buf)
		if err != nil {
			return err
		}
		return ParseError(string(buf[:n]))
	}
	return nil
}

// WriteRead is write, but with a read call after.  It is assumed that "get"
// calls use this underlying mechanism
func (s *SCPI) WriteRead(cmds ...string) ([]byte, error) {
	var resp []byte
	conn, err := s.Pool.Get()
	if err != nil {
		return resp, err
	}
	defer func() { s.Pool.ReturnWithError(conn, err) }()
	var wrap io.ReadWriter
	wrap, err = comm.NewTimeout(comm.NewTerminator(conn, '\n', '\n'), s.timeout())
	if err != nil {
		return resp, err
	}
	_, err = io.WriteString(wrap, s.frame(cmds))
	if err != nil {
		return resp, err
	}
	buf := make([]byte, tcpFrameSize)
	var n int
	n, err = wrap.Read(buf)
	if err != nil {
		return resp, err
	}
	resp = buf[:n]
	if s.Handshaking {
		idx := bytes.LastIndexByte(resp, ';')
		if idx == -1 {
			return resp, ParseError(string(resp))
		}
		if derr := ParseError(string(resp[idx+1:])); derr != nil {
			return resp[:idx], derr
		}
		return resp[:idx], nil
	}
	return resp, nil
}

// ReadString sends a command to the device, the reads the response
// and returns it as a decoded ASCII or UTF-8 string
func (s *SCPI) ReadString(cmds ...string) (string, error) {
	resp, err := s.WriteRead(cmds...)
	return strings.TrimRight(string(resp), "\r\n"), err
}

// ReadFloat sends a command to the device, then reads the
// response and parses it as a floating point value
func (s *SCPI) ReadFloat(cmds ...string) (float64, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(resp), 64)
}

// ReadBool sends a command to the device, then reads the
// response and parses it as a boolean
func (s *SCPI) ReadBool(cmds ...string) (bool, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return false, err
	}
	switch strings.ToUpper(strings.TrimSpace(resp)) {
	case "ON":
		return true, nil
	case "OFF":
		return false, nil
	}
	return strconv.ParseBool(strings.TrimSpace(resp))
}

// ReadInt sends a command to the device, then reads the
// response and parses it as an integer
func (s *SCPI) ReadInt(cmds ...string) (int, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(resp))
}

// Raw sends a command to the device and returns a response if it was a query,
// else a blank string.  Handshaking is not used
func (s *SCPI) Raw(str string) (string, error) {
	raw := SCPI{Pool: s.Pool, Timeout: s.Timeout}
	if strings.Contains(str, "?") {
		return raw.ReadString(str)
	}
	return "", raw.Write(str)
}

// PopError gets a single error from the queue on the device
func (s *SCPI) PopError() error {
	raw := SCPI{Pool: s.Pool, Timeout: s.Timeout}
	str, err := raw.ReadString(":SYSTem:ERRor?")
	if err != nil {
		return err
	}
	return ParseError(str)
}

// AllErrors returns all errors from the device as a list
func (s *SCPI) AllErrors() []error {
	var errs []error
	for {
		err := s.PopError()
		if err == nil {
			break
		}
		errs = append(errs, err)
		if _, ok := err.(Error); !ok {
			// the link itself failed, the queue can't be drained
			break
		}
	}
	return errs
}

// AllErrorsString is equivalent to AllErrors, but joining by newline
// if there were no errors, the error return value is nil, otherwise
// it is the first error in the list and has no particular meaning
func (s *SCPI) AllErrorsString() (string, error) {
	errs := s.AllErrors()
	if len(errs) == 0 {
		return "", nil
	}
	strs := make([]string, len(errs))
	for i := 0; i < len(errs); i++ {
		strs[i] = errs[i].Error()
	}
	return strings.Join(strs, "\n"), errs[0]
}
