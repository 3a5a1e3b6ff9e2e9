package scpi_test

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nasa-jpl/keithleyctl/comm"
	"github.com/nasa-jpl/keithleyctl/scpi"
)

// fakeInstrument returns a pool whose connections are served by respond.
// Every received line is recorded; a non-empty return value is sent back
type fakeInstrument struct {
	sync.Mutex
	lines   []string
	respond func(string) string
}

func (f *fakeInstrument) pool() *comm.Pool {
	maker := func() (io.ReadWriteCloser, error) {
		client, srv := net.Pipe()
		go func() {
			defer srv.Close()
			sc := bufio.NewScanner(srv)
			for sc.Scan() {
				line := sc.Text()
				f.Lock()
				f.lines = append(f.lines, line)
				f.Unlock()
				if out := f.respond(line); out != "" {
					io.WriteString(srv, out+"\n")
				}
			}
		}()
		return client, nil
	}
	return comm.NewPool(1, time.Second, maker)
}

func (f *fakeInstrument) last() string {
	f.Lock()
	defer f.Unlock()
	if len(f.lines) == 0 {
		return ""
	}
	return f.lines[len(f.lines)-1]
}

func TestWriteNoHandshake(t *testing.T) {
	f := &fakeInstrument{respond: func(string) string { return "" }}
	s := scpi.SCPI{Pool: f.pool()}
	if err := s.Write(":SOUR:VOLT:LEV", "0.5"); err != nil {
		t.Fatal(err)
	}
	// the write returns before the fake has necessarily scanned the line
	deadline := time.Now().Add(time.Second)
	for f.last() == "" && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := f.last(); got != ":SOUR:VOLT:LEV 0.5" {
		t.Errorf("expected %q got %q", ":SOUR:VOLT:LEV 0.5", got)
	}
}

func TestWriteHandshakeOK(t *testing.T) {
	f := &fakeInstrument{respond: func(string) string { return `0,"No error"` }}
	s := scpi.SCPI{Pool: f.pool(), Handshaking: true}
	if err := s.Write(":OUTP:STAT ON"); err != nil {
		t.Fatal(err)
	}
	if got := f.last(); got != `*CLS; :OUTP:STAT ON ;:SYSTem:ERRor?` {
		t.Errorf("unexpected framing %q", got)
	}
}

func TestWriteHandshakeDeviceError(t *testing.T) {
	f := &fakeInstrument{respond: func(string) string { return `-113,"Undefined header"` }}
	pool := f.pool()
	s := scpi.SCPI{Pool: pool, Handshaking: true}
	err := s.Write(":BOGUS")
	var serr scpi.Error
	if !errors.As(err, &serr) {
		t.Fatalf("expected scpi.Error got %v", err)
	}
	if serr.Code != -113 {
		t.Errorf("expected code -113 got %d", serr.Code)
	}
	if pool.Size() != 1 {
		t.Errorf("expected a device error to keep the connection, pool size %d", pool.Size())
	}
}

func TestWriteReadHandshakeStripsError(t *testing.T) {
	f := &fakeInstrument{respond: func(line string) string {
		if strings.Contains(line, ":READ?") {
			return `+1.000000E-01,-2.500000E-03,+9.91E37,+1.2E+02,+1.94E+04;0,"No error"`
		}
		return `0,"No error"`
	}}
	s := scpi.SCPI{Pool: f.pool(), Handshaking: true}
	resp, err := s.ReadString(":READ?")
	if err != nil {
		t.Fatal(err)
	}
	expected := "+1.000000E-01,-2.500000E-03,+9.91E37,+1.2E+02,+1.94E+04"
	if resp != expected {
		t.Errorf("expected %q got %q", expected, resp)
	}
}

func TestReadFloat(t *testing.T) {
	f := &fakeInstrument{respond: func(string) string { return "+1.000000E+00\r" }}
	s := scpi.SCPI{Pool: f.pool()}
	v, err := s.ReadFloat(":SENS:CURR:NPLC?")
	if err != nil {
		t.Fatal(err)
	}
	if v != 1 {
		t.Errorf("expected 1 got %v", v)
	}
}

func TestReadBoolOnOff(t *testing.T) {
	f := &fakeInstrument{respond: func(string) string { return "1" }}
	s := scpi.SCPI{Pool: f.pool()}
	b, err := s.ReadBool(":OUTP:STAT?")
	if err != nil {
		t.Fatal(err)
	}
	if !b {
		t.Error("expected true")
	}
}

func TestRawBypassesHandshake(t *testing.T) {
	f := &fakeInstrument{respond: func(string) string { return "KEITHLEY INSTRUMENTS INC.,MODEL 2400,1234567,C30" }}
	s := scpi.SCPI{Pool: f.pool(), Handshaking: true}
	resp, err := s.Raw("*IDN?")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(resp, "KEITHLEY") {
		t.Errorf("unexpected idn %q", resp)
	}
	if got := f.last(); got != "*IDN?" {
		t.Errorf("expected raw command without handshake framing, got %q", got)
	}
}

func TestAllErrorsDrainsQueue(t *testing.T) {
	queue := []string{`-222,"Data out of range"`, `+802,"Output blocks measurement"`, `0,"No error"`}
	var mu sync.Mutex
	f := &fakeInstrument{respond: func(string) string {
		mu.Lock()
		defer mu.Unlock()
		out := queue[0]
		if len(queue) > 1 {
			queue = queue[1:]
		}
		return out
	}}
	s := scpi.SCPI{Pool: f.pool()}
	str, err := s.AllErrorsString()
	if err == nil {
		t.Fatal("expected the first error to be returned")
	}
	expected := "-222 - Data out of range\n802 - Output blocks measurement"
	if str != expected {
		t.Errorf("expected %q got %q", expected, str)
	}
}

func TestParseError(t *testing.T) {
	if err := scpi.ParseError(`0,"No error"`); err != nil {
		t.Errorf("expected nil got %v", err)
	}
	if err := scpi.ParseError("+0"); err != nil {
		t.Errorf("expected nil got %v", err)
	}
	err := scpi.ParseError("-221")
	if err.Error() != "-221 - SETTINGS CONFLICT" {
		t.Errorf("expected table lookup, got %q", err.Error())
	}
}
