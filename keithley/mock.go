package keithley

import (
	"math"
	"sync"
	"time"

	"github.com/nasa-jpl/keithleyctl/mathx"
	"github.com/nasa-jpl/keithleyctl/smu"
)

// Device is the thing connected to a simulated SMU's terminals.
// Current and Voltage use the instrument's sign convention:
// positive current flows into the device's positive terminal
type Device interface {
	// Current returns the current drawn at bias v
	Current(v float64) float64

	// Voltage returns the voltage developed at forced current i
	Voltage(i float64) float64
}

// Resistor is an ohmic load
type Resistor struct {
	R float64
}

// Current satisfies Device
func (r Resistor) Current(v float64) float64 { return v / r.R }

// Voltage satisfies Device
func (r Resistor) Voltage(i float64) float64 { return i * r.R }

// Linear is a device whose current is K*(v - V0).  Its zero crossing is V0
type Linear struct {
	K, V0 float64
}

// Current satisfies Device
func (l Linear) Current(v float64) float64 { return l.K * (v - l.V0) }

// Voltage satisfies Device
func (l Linear) Voltage(i float64) float64 { return l.V0 + i/l.K }

// Constant draws the same current at any bias
type Constant struct {
	I float64
}

// Current satisfies Device
func (c Constant) Current(float64) float64 { return c.I }

// Voltage satisfies Device.  A constant current device has no defined voltage
func (c Constant) Voltage(float64) float64 { return 0 }

// QuadraticPower is a photovoltaic device whose delivered power is
// Pmax - A*(v-Vmpp)^2.  Its maximum power point is (Vmpp, Pmax)
type QuadraticPower struct {
	A, Vmpp, Pmax float64
}

// Power returns the power delivered at bias v
func (q QuadraticPower) Power(v float64) float64 {
	d := v - q.Vmpp
	return q.Pmax - q.A*d*d
}

// Current satisfies Device.  Delivered power appears as negative current
func (q QuadraticPower) Current(v float64) float64 {
	if math.Abs(v) < 1e-12 {
		return 0
	}
	return -q.Power(v) / v
}

// Voltage satisfies Device.  Current sourcing is not modelled
func (q QuadraticPower) Voltage(float64) float64 { return 0 }

// SolarCell is a single diode photovoltaic model,
// I = I0*(exp(v/NVt) - 1) - Isc in the instrument convention
type SolarCell struct {
	// Isc is the short circuit photocurrent (A)
	Isc float64

	// I0 is the diode saturation current (A)
	I0 float64

	// NVt is the ideality factor times the thermal voltage (V)
	NVt float64
}

// DefaultSolarCell is a small silicon cell with Voc near 0.75 V
var DefaultSolarCell = SolarCell{Isc: 35e-3, I0: 1e-12, NVt: 0.0257 * 1.2}

// Current satisfies Device
func (s SolarCell) Current(v float64) float64 {
	return s.I0*(math.Exp(v/s.NVt)-1) - s.Isc
}

// Voltage satisfies Device
func (s SolarCell) Voltage(i float64) float64 {
	arg := (i+s.Isc)/s.I0 + 1
	if arg <= 0 {
		return -math.MaxFloat64
	}
	return s.NVt * math.Log(arg)
}

// Voc returns the open circuit voltage of the cell
func (s SolarCell) Voc() float64 {
	return s.Voltage(0)
}

// Mock is a simulated SMU.  It is concurrent safe
type Mock struct {
	// IDNString is returned by IDN
	IDNString string

	// Model is the device under test
	Model Device

	// Resolution quantizes readings, zero disables
	Resolution float64

	// Integration is slept on every Measure
	Integration time.Duration

	// Fail, if not nil, is called with the name of every operation before it
	// is performed and a non-nil return is returned in its place
	Fail func(op string) error

	mu         sync.Mutex
	mode       smu.Mode
	level      float64
	compliance float64
	output     bool
	nplc       float64
	fourWire   bool
	rear       bool
	onCalls    int
	offCalls   int
	history    []float64
}

// NewMock creates a new simulated SMU with the given device connected
func NewMock(model Device) *Mock {
	return &Mock{
		IDNString:  "KEITHLEY INSTRUMENTS INC.,MODEL 2400,MOCK,C32",
		Model:      model,
		compliance: 0.105,
		nplc:       1,
	}
}

func (m *Mock) fail(op string) error {
	if m.Fail == nil {
		return nil
	}
	return m.Fail(op)
}

// IDN returns the identification string
func (m *Mock) IDN() (string, error) {
	return m.IDNString, m.fail("idn")
}

// Reset restores the power-on defaults
func (m *Mock) Reset() error {
	if err := m.fail("reset"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = smu.Voltage
	m.level = 0
	m.compliance = 0.105
	m.output = false
	m.nplc = 1
	m.fourWire = false
	m.rear = false
	return nil
}

// SetVoltage sets the voltage output level
func (m *Mock) SetVoltage(v float64) error {
	if err := m.fail("set_voltage"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode == smu.Voltage {
		m.level = v
		m.history = append(m.history, v)
	}
	return nil
}

// SetCurrent sets the current output level
func (m *Mock) SetCurrent(i float64) error {
	if err := m.fail("set_current"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode == smu.Current {
		m.level = i
		m.history = append(m.history, i)
	}
	return nil
}

// CurrentCompliance sets the current limit
func (m *Mock) CurrentCompliance(i float64) error {
	if err := m.fail("current_cmp"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode == smu.Voltage {
		m.compliance = math.Abs(i)
	}
	return nil
}

// VoltageCompliance sets the voltage limit
func (m *Mock) VoltageCompliance(v float64) error {
	if err := m.fail("voltage_cmp"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode == smu.Current {
		m.compliance = math.Abs(v)
	}
	return nil
}

// VoltageSource switches to sourcing voltage
func (m *Mock) VoltageSource() error {
	if err := m.fail("voltage_src"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = smu.Voltage
	m.level = 0
	return nil
}

// CurrentSource switches to sourcing current
func (m *Mock) CurrentSource() error {
	if err := m.fail("current_src"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = smu.Current
	m.level = 0
	return nil
}

// SourceMode returns the quantity being sourced
func (m *Mock) SourceMode() (smu.Mode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode, nil
}

// OutputOn enables the output
func (m *Mock) OutputOn() error {
	if err := m.fail("output_on"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.output = true
	m.onCalls++
	return nil
}

// OutputOff disables the output
func (m *Mock) OutputOff() error {
	m.mu.Lock()
	m.offCalls++
	m.mu.Unlock()
	if err := m.fail("output_off"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.output = false
	return nil
}

// Output returns true if the output is enabled
func (m *Mock) Output() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.output, nil
}

// FourWire enables or disables remote sensing
func (m *Mock) FourWire(b bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fourWire = b
	return nil
}

// RearTerminals selects the rear or front terminals
func (m *Mock) RearTerminals(b bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rear = b
	return nil
}

// SetNPLC sets the integration time in power line cycles
func (m *Mock) SetNPLC(nplc float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nplc = nplc
	return nil
}

// GetNPLC returns the integration time in power line cycles
func (m *Mock) GetNPLC() (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nplc, nil
}

// Raw echoes queries back and accepts anything else
func (m *Mock) Raw(s string) (string, error) {
	if s == "*IDN?" {
		return m.IDNString, nil
	}
	return "", nil
}

// Measure returns the level and the device response, limited to compliance.
// With the output off the reading is (0, 0)
func (m *Mock) Measure() (smu.Reading, error) {
	if err := m.fail("measure"); err != nil {
		return smu.Reading{}, err
	}
	if m.Integration > 0 {
		time.Sleep(m.Integration)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.output {
		return smu.Reading{}, nil
	}
	var r smu.Reading
	if m.mode == smu.Voltage {
		r.V = m.level
		r.I = m.clip(m.Model.Current(m.level))
	} else {
		r.I = m.level
		r.V = m.clip(m.Model.Voltage(m.level))
	}
	if m.Resolution > 0 {
		r.V = mathx.Round(r.V, m.Resolution)
		r.I = mathx.Round(r.I, m.Resolution)
	}
	return r, nil
}

func (m *Mock) clip(x float64) float64 {
	if m.compliance <= 0 {
		return x
	}
	return math.Max(-m.compliance, math.Min(m.compliance, x))
}

// OutputOnCount returns the number of OutputOn calls
func (m *Mock) OutputOnCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.onCalls
}

// OutputOffCount returns the number of OutputOff calls, including failed ones
func (m *Mock) OutputOffCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offCalls
}

// Level returns the programmed source level
func (m *Mock) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// History returns every source level set, in order
func (m *Mock) History() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]float64, len(m.history))
	copy(out, m.history)
	return out
}
