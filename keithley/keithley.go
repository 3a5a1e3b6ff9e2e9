// Package keithley provides an interface to Keithley 2400 series source-measure units
package keithley

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"

	"github.com/nasa-jpl/keithleyctl/comm"
	"github.com/nasa-jpl/keithleyctl/scpi"
	"github.com/nasa-jpl/keithleyctl/smu"
)

const (
	// readRetries is the number of times :READ? is retried after a timeout,
	// which happens when the integration time exceeds the link timeout
	readRetries = 10

	readRetryInterval = 100 * time.Millisecond

	poolIdle = 30 * time.Second
)

// SMU2400 is a Keithley 2400 series SourceMeter
type SMU2400 struct {
	// embedded mutex serializes multi-command exchanges like Measure
	sync.Mutex

	scpi.SCPI
}

// NewSMU2400 creates a new SMU2400 reached at ep.
// handshaking enables an error check on every command
func NewSMU2400(ep comm.Endpoint, handshaking bool) *SMU2400 {
	pool := comm.NewPool(1, poolIdle, comm.Open(ep.Dial))
	return &SMU2400{SCPI: scpi.SCPI{Pool: pool, Handshaking: handshaking, Timeout: ep.Timeout}}
}

func (k *SMU2400) write(cmds ...string) error {
	k.Lock()
	defer k.Unlock()
	return k.SCPI.Write(cmds...)
}

func (k *SMU2400) query(cmd string) (string, error) {
	k.Lock()
	defer k.Unlock()
	return k.SCPI.ReadString(cmd)
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

// IDN returns the identification string of the unit
func (k *SMU2400) IDN() (string, error) {
	return k.query("*IDN?")
}

// Reset restores the power-on defaults
func (k *SMU2400) Reset() error {
	return k.write("*RST")
}

// OutputOn enables the output
func (k *SMU2400) OutputOn() error {
	return k.write(":OUTP:STAT ON")
}

// OutputOff disables the output
func (k *SMU2400) OutputOff() error {
	return k.write(":OUTP:STAT OFF")
}

// Output returns true if the output is enabled
func (k *SMU2400) Output() (bool, error) {
	k.Lock()
	defer k.Unlock()
	return k.SCPI.ReadBool(":OUTP:STAT?")
}

// FourWire enables or disables remote (four-wire) sensing
func (k *SMU2400) FourWire(b bool) error {
	return k.write(":SYST:RSEN " + onOff(b))
}

// RearTerminals routes the output to the rear (true) or front (false) terminals
func (k *SMU2400) RearTerminals(b bool) error {
	if b {
		return k.write(":ROUT:TERM REAR")
	}
	return k.write(":ROUT:TERM FRON")
}

// SetNPLC sets the integration time of both current and voltage measurement
// in power line cycles
func (k *SMU2400) SetNPLC(nplc float64) error {
	if nplc < 0.01 || nplc > 10 {
		return fmt.Errorf("NPLC %g outside 0.01 to 10", nplc)
	}
	return k.write(fmt.Sprintf(":SENS:CURR:NPLC %g;:SENS:VOLT:NPLC %g", nplc, nplc))
}

// GetNPLC returns the current measurement integration time in power line cycles
func (k *SMU2400) GetNPLC() (float64, error) {
	k.Lock()
	defer k.Unlock()
	return k.SCPI.ReadFloat(":SENS:CURR:NPLC?")
}

// VoltageSource switches the unit to source a fixed voltage and measure current
func (k *SMU2400) VoltageSource() error {
	return k.write(":SOUR:FUNC VOLT;:SOUR:VOLT:MODE FIX;:SENS:FUNC \"CURR\"")
}

// CurrentSource switches the unit to source a fixed current and measure voltage
func (k *SMU2400) CurrentSource() error {
	return k.write(":SOUR:FUNC CURR;:SOUR:CURR:MODE FIX;:SENS:FUNC \"VOLT\"")
}

// SourceMode returns the quantity being sourced
func (k *SMU2400) SourceMode() (smu.Mode, error) {
	resp, err := k.query(":SOUR:FUNC?")
	if err != nil {
		return smu.Voltage, err
	}
	return smu.ParseMode(strings.Trim(resp, "\""))
}

// CurrentCompliance sets the current limit while sourcing voltage, with autoranging
func (k *SMU2400) CurrentCompliance(i float64) error {
	return k.write(fmt.Sprintf(":SENS:CURR:PROT %g;:SENS:CURR:RANG:AUTO ON", i))
}

// VoltageCompliance sets the voltage limit while sourcing current, with autoranging
func (k *SMU2400) VoltageCompliance(v float64) error {
	return k.write(fmt.Sprintf(":SENS:VOLT:PROT %g;:SENS:VOLT:RANG:AUTO ON", v))
}

// SetVoltage sets the voltage output level
func (k *SMU2400) SetVoltage(v float64) error {
	return k.write(fmt.Sprintf(":SOUR:VOLT:LEV %g", v))
}

// SetCurrent sets the current output level
func (k *SMU2400) SetCurrent(i float64) error {
	return k.write(fmt.Sprintf(":SOUR:CURR:LEV %g", i))
}

// Measure triggers a reading and returns (V, I).  A read that times out
// because the integration has not finished is retried a bounded number of times
func (k *SMU2400) Measure() (smu.Reading, error) {
	k.Lock()
	defer k.Unlock()
	if err := k.SCPI.Write(":INIT", ";*WAI"); err != nil {
		return smu.Reading{}, errors.Wrap(err, "keithley 2400 trigger")
	}
	var resp string
	op := func() error {
		var err error
		resp, err = k.SCPI.ReadString(":READ?")
		if err != nil && !comm.LinkBroken(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(readRetryInterval), readRetries)
	if err := backoff.Retry(op, policy); err != nil {
		return smu.Reading{}, errors.Wrap(err, "keithley 2400 read")
	}
	r, err := smu.ParseReading(resp)
	return r, errors.Wrap(err, "keithley 2400 read")
}

// Raw sends a command to the unit and returns the response if it was a query
func (k *SMU2400) Raw(s string) (string, error) {
	k.Lock()
	defer k.Unlock()
	return k.SCPI.Raw(s)
}
