package bench

import (
	"fmt"

	"github.com/nasa-jpl/keithleyctl/measure"
	"github.com/nasa-jpl/keithleyctl/smu"
	"github.com/nasa-jpl/keithleyctl/sweep"
	"github.com/nasa-jpl/keithleyctl/tracking"
	"github.com/nasa-jpl/keithleyctl/util"
)

var (
	// CurrentLimit bounds current compliance and current source levels (A)
	CurrentLimit = util.Limiter{Max: 1.05}

	// VoltageLimit bounds voltage compliance and voltage source levels (V)
	VoltageLimit = util.Limiter{Max: 210}

	// AmplitudeLimit bounds the tracking sense amplitude (V)
	AmplitudeLimit = util.Limiter{Min: 1e-6, Max: 1}
)

// complianceLimit is the limit applied to the compliance of a run sourcing mode
func complianceLimit(mode smu.Mode) util.Limiter {
	if mode == smu.Current {
		return VoltageLimit
	}
	return CurrentLimit
}

func sourceLimit(mode smu.Mode) util.Limiter {
	if mode == smu.Current {
		return CurrentLimit
	}
	return VoltageLimit
}

// BiasParams configure a constant bias.  Intervals are in seconds
type BiasParams struct {
	Instrument string  `json:"instrument" yaml:"Instrument" koanf:"Instrument"`
	Mode       string  `json:"mode" yaml:"Mode" koanf:"Mode"`
	Level      float64 `json:"level" yaml:"Level" koanf:"Level"`
	Compliance float64 `json:"compliance" yaml:"Compliance" koanf:"Compliance"`
	Interval   float64 `json:"interval" yaml:"Interval" koanf:"Interval"`
}

// Bias converts the parameters to a measure.Bias
func (p BiasParams) Bias() (measure.Bias, error) {
	mode, err := smu.ParseMode(p.Mode)
	if err != nil {
		return measure.Bias{}, err
	}
	return measure.Bias{
		Mode:       mode,
		Level:      sourceLimit(mode).Clamp(p.Level),
		Compliance: complianceLimit(mode).Clamp(p.Compliance),
		Interval:   util.SecsToDuration(p.Interval),
	}, nil
}

// SweepParams configure an IV sweep
type SweepParams struct {
	Instrument string  `json:"instrument" yaml:"Instrument" koanf:"Instrument"`
	Mode       string  `json:"mode" yaml:"Mode" koanf:"Mode"`
	Start      float64 `json:"start" yaml:"Start" koanf:"Start"`
	Stop       float64 `json:"stop" yaml:"Stop" koanf:"Stop"`
	Points     int     `json:"npts" yaml:"Points" koanf:"Points"`
	Hysteresis string  `json:"hysteresis" yaml:"Hysteresis" koanf:"Hysteresis"`
	Compliance float64 `json:"compliance" yaml:"Compliance" koanf:"Compliance"`
	Delay      float64 `json:"delay" yaml:"Delay" koanf:"Delay"`
}

// Sweep converts the parameters to a measure.Sweep
func (p SweepParams) Sweep() (measure.Sweep, error) {
	mode, err := smu.ParseMode(p.Mode)
	if err != nil {
		return measure.Sweep{}, err
	}
	h, err := sweep.ParseHysteresis(p.Hysteresis)
	if err != nil {
		return measure.Sweep{}, err
	}
	if p.Points < 1 {
		return measure.Sweep{}, fmt.Errorf("sweep needs at least one point, got %d", p.Points)
	}
	lim := sourceLimit(mode)
	return measure.Sweep{
		Mode:       mode,
		Start:      lim.Clamp(p.Start),
		Stop:       lim.Clamp(p.Stop),
		Points:     p.Points,
		Hysteresis: h,
		Compliance: complianceLimit(mode).Clamp(p.Compliance),
		Delay:      util.SecsToDuration(p.Delay),
	}, nil
}

// PVParams configure a solar IV sweep, always sourcing voltage
type PVParams struct {
	Instrument string  `json:"instrument" yaml:"Instrument" koanf:"Instrument"`
	Start      float64 `json:"start" yaml:"Start" koanf:"Start"`
	Stop       float64 `json:"stop" yaml:"Stop" koanf:"Stop"`
	Points     int     `json:"npts" yaml:"Points" koanf:"Points"`
	Compliance float64 `json:"compliance" yaml:"Compliance" koanf:"Compliance"`
	Delay      float64 `json:"delay" yaml:"Delay" koanf:"Delay"`
}

// Sweep converts the parameters to a photovoltaic measure.Sweep
func (p PVParams) Sweep() (measure.Sweep, error) {
	s, err := SweepParams{
		Instrument: p.Instrument,
		Mode:       "voltage",
		Start:      p.Start,
		Stop:       p.Stop,
		Points:     p.Points,
		Compliance: p.Compliance,
		Delay:      p.Delay,
	}.Sweep()
	s.Photovoltaic = true
	return s, err
}

// StepParams configure the outer loop of a sweep-step
type StepParams struct {
	Instrument string  `json:"instrument" yaml:"Instrument" koanf:"Instrument"`
	Mode       string  `json:"mode" yaml:"Mode" koanf:"Mode"`
	Start      float64 `json:"start" yaml:"Start" koanf:"Start"`
	Stop       float64 `json:"stop" yaml:"Stop" koanf:"Stop"`
	Points     int     `json:"npts" yaml:"Points" koanf:"Points"`
	Compliance float64 `json:"compliance" yaml:"Compliance" koanf:"Compliance"`
}

// Step converts the parameters to a measure.Step
func (p StepParams) Step() (measure.Step, error) {
	mode, err := smu.ParseMode(p.Mode)
	if err != nil {
		return measure.Step{}, err
	}
	if p.Points < 1 {
		return measure.Step{}, fmt.Errorf("step needs at least one point, got %d", p.Points)
	}
	lim := sourceLimit(mode)
	return measure.Step{
		Mode:       mode,
		Start:      lim.Clamp(p.Start),
		Stop:       lim.Clamp(p.Stop),
		Points:     p.Points,
		Compliance: complianceLimit(mode).Clamp(p.Compliance),
	}, nil
}

// SweepStepParams pair a sweep with a step
type SweepStepParams struct {
	Sweep SweepParams `json:"sweep" yaml:"Sweep" koanf:"Sweep"`
	Step  StepParams  `json:"step" yaml:"Step" koanf:"Step"`
}

// TrackParams configure Voc or MPP tracking.  Intervals are in seconds and
// Gain in parts per thousand
type TrackParams struct {
	Instrument         string  `json:"instrument" yaml:"Instrument" koanf:"Instrument"`
	Bias               float64 `json:"bias" yaml:"Bias" koanf:"Bias"`
	Compliance         float64 `json:"compliance" yaml:"Compliance" koanf:"Compliance"`
	Amplitude          float64 `json:"amplitude" yaml:"Amplitude" koanf:"Amplitude"`
	Convergence        float64 `json:"convergence" yaml:"Convergence" koanf:"Convergence"`
	Gain               float64 `json:"gain" yaml:"Gain" koanf:"Gain"`
	Interval           float64 `json:"interval" yaml:"Interval" koanf:"Interval"`
	IncludeConvergence bool    `json:"include_convergence" yaml:"IncludeConvergence" koanf:"IncludeConvergence"`
	Settle             float64 `json:"settle" yaml:"Settle" koanf:"Settle"`
}

// Config converts the parameters to a tracking.Config
func (p TrackParams) Config() (tracking.Config, error) {
	cfg := tracking.Config{
		InitialBias:        VoltageLimit.Clamp(p.Bias),
		Compliance:         CurrentLimit.Clamp(p.Compliance),
		Amplitude:          AmplitudeLimit.Clamp(p.Amplitude),
		Convergence:        p.Convergence,
		Gain:               p.Gain,
		Interval:           util.SecsToDuration(p.Interval),
		IncludeConvergence: p.IncludeConvergence,
		Settle:             util.SecsToDuration(p.Settle),
	}
	return cfg, cfg.Validate()
}

func trackParams(c tracking.Config) TrackParams {
	return TrackParams{
		Bias:               c.InitialBias,
		Compliance:         c.Compliance,
		Amplitude:          c.Amplitude,
		Convergence:        c.Convergence,
		Gain:               c.Gain,
		Interval:           c.Interval.Seconds(),
		IncludeConvergence: c.IncludeConvergence,
		Settle:             c.Settle.Seconds(),
	}
}

// Defaults are the parameters used for any field a request leaves out
type Defaults struct {
	Bias      BiasParams      `json:"bias" yaml:"Bias" koanf:"Bias"`
	Sweep     SweepParams     `json:"sweep" yaml:"Sweep" koanf:"Sweep"`
	PV        PVParams        `json:"pv" yaml:"PV" koanf:"PV"`
	SweepStep SweepStepParams `json:"sweep_step" yaml:"SweepStep" koanf:"SweepStep"`
	Voc       TrackParams     `json:"voc" yaml:"Voc" koanf:"Voc"`
	MPP       TrackParams     `json:"mpp" yaml:"MPP" koanf:"MPP"`
}

// DefaultParams returns the factory defaults
func DefaultParams() Defaults {
	sw := SweepParams{Mode: "voltage", Start: -0.5, Stop: 0.5, Points: 51, Hysteresis: "none", Compliance: 0.1, Delay: 0.1}
	return Defaults{
		Bias: BiasParams{Mode: "voltage", Level: 0, Compliance: 0.1, Interval: 1},
		Sweep: sw,
		PV:    PVParams{Start: 0, Stop: 0.8, Points: 51, Compliance: 0.15, Delay: 0.1},
		SweepStep: SweepStepParams{
			Sweep: sw,
			Step:  StepParams{Mode: "voltage", Start: 0, Stop: 1, Points: 5, Compliance: 0.1},
		},
		Voc: trackParams(tracking.VocDefaults()),
		MPP: trackParams(tracking.MPPDefaults()),
	}
}
