// Package smu defines the interface measurement loops use to drive a
// source-measure unit, and small helpers shared by every loop
package smu

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrNoInstrument is generated when a measurement is started without an instrument
	ErrNoInstrument = errors.New("no devices initialized")
)

// Reading is a single (voltage, current) sample
type Reading struct {
	V float64 `json:"v"`
	I float64 `json:"i"`
}

// P returns the product V*I
func (r Reading) P() float64 {
	return r.V * r.I
}

// Instrument is a source-measure unit.  Every call may block for the
// instrument's integration time and none of them can be cancelled.
type Instrument interface {
	// SetVoltage sets the output level when sourcing voltage
	SetVoltage(float64) error

	// SetCurrent sets the output level when sourcing current
	SetCurrent(float64) error

	// CurrentCompliance sets the current limit while sourcing voltage
	CurrentCompliance(float64) error

	// VoltageCompliance sets the voltage limit while sourcing current
	VoltageCompliance(float64) error

	// VoltageSource switches the unit to source voltage and measure current
	VoltageSource() error

	// CurrentSource switches the unit to source current and measure voltage
	CurrentSource() error

	// OutputOn enables the output
	OutputOn() error

	// OutputOff disables the output
	OutputOff() error

	// Measure triggers a reading and returns it
	Measure() (Reading, error)
}

// Mode is the quantity an instrument sources
type Mode int

const (
	// Voltage sources voltage and measures current
	Voltage Mode = iota

	// Current sources current and measures voltage
	Current
)

// String returns "voltage" or "current"
func (m Mode) String() string {
	switch m {
	case Voltage:
		return "voltage"
	case Current:
		return "current"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Prefix returns "v" or "i", used in run kinds such as v-bias
func (m Mode) Prefix() string {
	if m == Current {
		return "i"
	}
	return "v"
}

// ParseMode parses "voltage", "volt", "v" or "current", "curr", "i"
// without regard to case
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "voltage", "volt", "v":
		return Voltage, nil
	case "current", "curr", "i":
		return Current, nil
	}
	return Voltage, fmt.Errorf("unknown source mode %q", s)
}

// MarshalText satisfies encoding.TextMarshaler
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText satisfies encoding.TextUnmarshaler
func (m *Mode) UnmarshalText(b []byte) error {
	mode, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// Setter returns the output level setter for mode
func Setter(inst Instrument, mode Mode) func(float64) error {
	if mode == Current {
		return inst.SetCurrent
	}
	return inst.SetVoltage
}

// Configure puts inst in mode with its level at zero and the complementary
// compliance set
func Configure(inst Instrument, mode Mode, compliance float64) error {
	if mode == Current {
		if err := inst.CurrentSource(); err != nil {
			return errors.Wrap(err, "current source")
		}
		if err := inst.SetCurrent(0); err != nil {
			return errors.Wrap(err, "zero current")
		}
		return errors.Wrap(inst.VoltageCompliance(compliance), "voltage compliance")
	}
	if err := inst.VoltageSource(); err != nil {
		return errors.Wrap(err, "voltage source")
	}
	if err := inst.SetVoltage(0); err != nil {
		return errors.Wrap(err, "zero voltage")
	}
	return errors.Wrap(inst.CurrentCompliance(compliance), "current compliance")
}

// PowerDown sets the source level to zero and disables the output.  Both
// steps are attempted; the first error is returned
func PowerDown(inst Instrument, mode Mode) error {
	err := Setter(inst, mode)(0)
	if err != nil {
		err = errors.Wrap(err, "zero output")
	}
	if oerr := inst.OutputOff(); oerr != nil && err == nil {
		err = errors.Wrap(oerr, "output off")
	}
	return err
}

// ParseReading parses the response to :READ?, "<V>,<I>[,<R>,<t>,<status>]"
func ParseReading(s string) (Reading, error) {
	pieces := strings.Split(strings.TrimSpace(s), ",")
	if len(pieces) < 2 {
		return Reading{}, errors.Errorf("reading %q has fewer than two fields", s)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(pieces[0]), 64)
	if err != nil {
		return Reading{}, errors.Wrap(err, "voltage field")
	}
	i, err := strconv.ParseFloat(strings.TrimSpace(pieces[1]), 64)
	if err != nil {
		return Reading{}, errors.Wrap(err, "current field")
	}
	return Reading{V: v, I: i}, nil
}
