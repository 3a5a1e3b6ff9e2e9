// Package sourcemeter exposes direct control of source-measure units over HTTP
package sourcemeter

import (
	"net/http"

	"github.com/nasa-jpl/keithleyctl/generichttp"
	"github.com/nasa-jpl/keithleyctl/server"
	"github.com/nasa-jpl/keithleyctl/smu"
)

// SetVoltage sets the voltage output level
func SetVoltage(s smu.Instrument) http.HandlerFunc {
	return generichttp.SetFloat(s.SetVoltage)
}

// SetCurrent sets the current output level
func SetCurrent(s smu.Instrument) http.HandlerFunc {
	return generichttp.SetFloat(s.SetCurrent)
}

// SetCurrentCompliance sets the current limit used while sourcing voltage
func SetCurrentCompliance(s smu.Instrument) http.HandlerFunc {
	return generichttp.SetFloat(s.CurrentCompliance)
}

// SetVoltageCompliance sets the voltage limit used while sourcing current
func SetVoltageCompliance(s smu.Instrument) http.HandlerFunc {
	return generichttp.SetFloat(s.VoltageCompliance)
}

// SetSource switches the sourced quantity, json {"str": "voltage"|"current"}
func SetSource(s smu.Instrument) http.HandlerFunc {
	return generichttp.SetString(func(str string) error {
		mode, err := smu.ParseMode(str)
		if err != nil {
			return generichttp.StatusError{Code: http.StatusBadRequest, Err: err}
		}
		if mode == smu.Current {
			return s.CurrentSource()
		}
		return s.VoltageSource()
	})
}

// SetOutput enables or disables the output
func SetOutput(s smu.Instrument) http.HandlerFunc {
	return generichttp.SetBool(func(b bool) error {
		if b {
			return s.OutputOn()
		}
		return s.OutputOff()
	})
}

// Measure triggers a reading and returns it as json {"v": x, "i": y}
func Measure(s smu.Instrument) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rd, err := s.Measure()
		if err != nil {
			generichttp.ReplyError(w, err)
			return
		}
		server.ReplyJSON(w, rd)
	}
}

// SourceModer can report the quantity it sources
type SourceModer interface {
	SourceMode() (smu.Mode, error)
}

// GetSource returns the sourced quantity as json {"str": "voltage"|"current"}
func GetSource(s SourceModer) http.HandlerFunc {
	return generichttp.GetString(func() (string, error) {
		mode, err := s.SourceMode()
		return mode.String(), err
	})
}

// OutputQuerier can report its output state
type OutputQuerier interface {
	Output() (bool, error)
}

// GetOutput returns the output state
func GetOutput(s OutputQuerier) http.HandlerFunc {
	return generichttp.GetBool(s.Output)
}

// Identifier can identify itself
type Identifier interface {
	IDN() (string, error)
}

// GetIDN returns the identification string
func GetIDN(s Identifier) http.HandlerFunc {
	return generichttp.GetString(s.IDN)
}

// Resetter can restore its power-on defaults
type Resetter interface {
	Reset() error
}

// Reset restores the power-on defaults
func Reset(s Resetter) http.HandlerFunc {
	return generichttp.Action(s.Reset)
}

// NPLCController can change its integration time
type NPLCController interface {
	// SetNPLC sets the integration time in power line cycles
	SetNPLC(float64) error

	// GetNPLC returns the integration time in power line cycles
	GetNPLC() (float64, error)
}

// SetNPLC sets the integration time
func SetNPLC(s NPLCController) http.HandlerFunc {
	return generichttp.SetFloat(s.SetNPLC)
}

// GetNPLC returns the integration time
func GetNPLC(s NPLCController) http.HandlerFunc {
	return generichttp.GetFloat(s.GetNPLC)
}

// Router can sense remotely and select its output terminals
type Router interface {
	// FourWire enables or disables remote sensing
	FourWire(bool) error

	// RearTerminals selects the rear (true) or front (false) terminals
	RearTerminals(bool) error
}

// RawCommunicator can send raw commands
type RawCommunicator interface {
	Raw(string) (string, error)
}

// Raw sends json {"str": cmd} and replies with the response as {"str": resp}
func Raw(s RawCommunicator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		str := server.StrT{}
		if !generichttp.DecodeBody(w, r, &str) {
			return
		}
		resp, err := s.Raw(str.Str)
		if err != nil {
			generichttp.ReplyError(w, err)
			return
		}
		server.ReplyJSON(w, server.StrT{Str: resp})
	}
}

// HTTPSourceMeter wraps an SMU in an HTTP route table
type HTTPSourceMeter struct {
	// SMU is the underlying instrument
	SMU smu.Instrument

	// RouteTable maps URLs to functions
	RouteTable generichttp.RouteTable
}

// NewHTTPSourceMeter returns a new HTTP wrapper around an existing SMU.
// Routes exist for the capabilities the SMU has beyond smu.Instrument
func NewHTTPSourceMeter(s smu.Instrument) HTTPSourceMeter {
	rt := generichttp.RouteTable{
		generichttp.MethodPath{Method: http.MethodPost, Path: "/voltage"}:            SetVoltage(s),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/current"}:            SetCurrent(s),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/compliance/current"}: SetCurrentCompliance(s),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/compliance/voltage"}: SetVoltageCompliance(s),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/source"}:             SetSource(s),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/output"}:             SetOutput(s),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/measure"}:             Measure(s),
	}
	if sm, ok := s.(SourceModer); ok {
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/source"}] = GetSource(sm)
	}
	if oq, ok := s.(OutputQuerier); ok {
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/output"}] = GetOutput(oq)
	}
	if id, ok := s.(Identifier); ok {
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/idn"}] = GetIDN(id)
	}
	if rs, ok := s.(Resetter); ok {
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/reset"}] = Reset(rs)
	}
	if nc, ok := s.(NPLCController); ok {
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/nplc"}] = GetNPLC(nc)
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/nplc"}] = SetNPLC(nc)
	}
	if ro, ok := s.(Router); ok {
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/four-wire"}] = generichttp.SetBool(ro.FourWire)
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/rear-terminals"}] = generichttp.SetBool(ro.RearTerminals)
	}
	if rc, ok := s.(RawCommunicator); ok {
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/raw"}] = Raw(rc)
	}
	return HTTPSourceMeter{SMU: s, RouteTable: rt}
}

// RT satisfies the generichttp.HTTPer interface
func (h HTTPSourceMeter) RT() generichttp.RouteTable {
	return h.RouteTable
}
