// Package tracking holds the open circuit voltage (Voc) and maximum power
// point (MPP) trackers used to characterize photovoltaic devices.
//
// Both trackers are proportional controllers with a self normalizing step.
// Each iteration measures the present operating point, probes a few biases
// around it, and moves the bias by gain times the sensed error divided by
// the largest error seen so far in the run.  The normalization is
// monotonically non-decreasing and convergence, once reached, latches for
// the remainder of the run.
package tracking

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"

	"github.com/nasa-jpl/keithleyctl/mathx"
	"github.com/nasa-jpl/keithleyctl/smu"
	"github.com/nasa-jpl/keithleyctl/sweep"
	"github.com/nasa-jpl/keithleyctl/trace"
	"github.com/nasa-jpl/keithleyctl/util"
)

const (
	// VocKind is the run kind of open circuit voltage tracking
	VocKind = "pv-voc"

	// MPPKind is the run kind of maximum power point tracking
	MPPKind = "pv-mpp"

	vocProbes = 3
	mppProbes = 5
)

var (
	// VocFields are the series recorded by Voc tracking
	VocFields = []string{"t", "Voc", "Ioc"}

	// MPPFields are the series recorded by MPP tracking
	MPPFields = []string{"t", "Vmpp", "Impp", "Pmpp"}
)

// Config holds the parameters of a tracking run
type Config struct {
	// InitialBias is the voltage the run starts at
	InitialBias float64

	// Compliance is the current limit (A)
	Compliance float64

	// Amplitude is the sense amplitude (V) the probes are spread over
	Amplitude float64

	// Convergence is the normalized error below which the run is converged
	Convergence float64

	// Gain is the proportional gain in parts per thousand
	Gain float64

	// Interval is slept between recorded samples
	Interval time.Duration

	// IncludeConvergence records samples before convergence
	IncludeConvergence bool

	// Settle, if nonzero, repeats the update until the error is below
	// Convergence or Settle has elapsed before each sample is recorded
	Settle time.Duration
}

// VocDefaults returns the default Voc tracking parameters
func VocDefaults() Config {
	return Config{
		InitialBias: 0.3,
		Compliance:  0.15,
		Amplitude:   1e-3,
		Convergence: 1e-3,
		Gain:        30,
		Interval:    time.Second,
	}
}

// MPPDefaults returns the default MPP tracking parameters
func MPPDefaults() Config {
	return Config{
		InitialBias: 0.3,
		Compliance:  0.15,
		Amplitude:   1e-2,
		Convergence: 1e-2,
		Gain:        30,
		Interval:    100 * time.Millisecond,
	}
}

// Validate returns an error if the configuration cannot be run
func (c Config) Validate() error {
	switch {
	case c.Amplitude <= 0:
		return errors.New("sense amplitude must be positive")
	case c.Gain <= 0:
		return errors.New("gain must be positive")
	case c.Convergence <= 0:
		return errors.New("convergence must be positive")
	case c.Compliance <= 0:
		return errors.New("compliance must be positive")
	case c.Interval < 0 || c.Settle < 0:
		return errors.New("interval and settle must not be negative")
	}
	return nil
}

// State is the controller state carried between iterations
type State struct {
	// Bias is the voltage the controller most recently applied
	Bias float64 `json:"bias"`

	// Norm is the largest error magnitude seen, Inorm for Voc and dPnorm for MPP
	Norm float64 `json:"norm"`

	// Error is the most recent error magnitude divided by Norm
	Error float64 `json:"error"`

	// Converged latches true the first time Error falls below the convergence threshold
	Converged bool `json:"converged"`

	// Iterations counts update steps
	Iterations int `json:"iterations"`
}

// Step is one controller update.  It returns the new state and the
// operating point measured at the start of the step
type Step func(ctx context.Context, inst smu.Instrument, st State, cfg Config) (State, smu.Reading, error)

// probe applies each bias in vs and returns the measured currents,
// then restores v0
func probe(ctx context.Context, inst smu.Instrument, v0 float64, vs []float64) ([]float64, error) {
	out := make([]float64, len(vs))
	for i, v := range vs {
		if err := inst.SetVoltage(v); err != nil {
			return nil, errors.Wrap(err, "probe bias")
		}
		r, err := inst.Measure()
		if err != nil {
			return nil, errors.Wrap(err, "probe measure")
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = r.I
	}
	return out, errors.Wrap(inst.SetVoltage(v0), "restore bias")
}

// update folds mag into the normalization, moves the bias by the normalized
// step in the direction given by down, applies it, and tests convergence
func update(inst smu.Instrument, st State, cfg Config, v0, mag float64, down bool) (State, error) {
	st.Norm = math.Max(st.Norm, mag)
	st.Error = 0
	if st.Norm > 0 {
		st.Error = mag / st.Norm
	}
	step := st.Error * cfg.Gain / 1000
	if down {
		st.Bias = v0 - step
	} else {
		st.Bias = v0 + step
	}
	st.Iterations++
	if st.Error < cfg.Convergence {
		st.Converged = true
	}
	return st, errors.Wrap(inst.SetVoltage(st.Bias), "update bias")
}

// VocStep seeks the bias at which the current crosses zero.  Three probes
// over v0 ± Amplitude/2 decide the direction: a non-negative mean current
// means the bias is above Voc and it is lowered.  The error is |i0|
func VocStep(ctx context.Context, inst smu.Instrument, st State, cfg Config) (State, smu.Reading, error) {
	r0, err := inst.Measure()
	if err != nil {
		return st, r0, errors.Wrap(err, "voc measure")
	}
	if err := ctx.Err(); err != nil {
		return st, r0, err
	}
	h := cfg.Amplitude / 2
	is, err := probe(ctx, inst, r0.V, sweep.Linspace(r0.V-h, r0.V+h, vocProbes))
	if err != nil {
		return st, r0, err
	}
	st, err = update(inst, st, cfg, r0.V, math.Abs(r0.I), stat.Mean(is, nil) >= 0)
	return st, r0, err
}

// MPPStep ascends the power curve.  Five probes over v0 ± Amplitude give
// the power in the photovoltaic convention, P = -I*V; its gradient divided
// by Amplitude estimates dP/dV.  A non-positive mean derivative means the
// bias is past the peak and it is lowered.  The error is |mean(dP/dV)|
func MPPStep(ctx context.Context, inst smu.Instrument, st State, cfg Config) (State, smu.Reading, error) {
	r0, err := inst.Measure()
	if err != nil {
		return st, r0, errors.Wrap(err, "mpp measure")
	}
	if err := ctx.Err(); err != nil {
		return st, r0, err
	}
	vs := sweep.Linspace(r0.V-cfg.Amplitude, r0.V+cfg.Amplitude, mppProbes)
	is, err := probe(ctx, inst, r0.V, vs)
	if err != nil {
		return st, r0, err
	}
	p := make([]float64, len(vs))
	for i := range vs {
		p[i] = -is[i] * vs[i]
	}
	dp := mathx.Gradient(p)
	for i := range dp {
		dp[i] /= cfg.Amplitude
	}
	mean := stat.Mean(dp, nil)
	st, err = update(inst, st, cfg, r0.V, math.Abs(mean), mean <= 0)
	return st, r0, err
}

// VocRecord returns the Voc sample for reading r at time t
func VocRecord(t float64, r smu.Reading) []float64 {
	return []float64{t, r.V, -r.I}
}

// MPPRecord returns the MPP sample for reading r at time t
func MPPRecord(t float64, r smu.Reading) []float64 {
	return []float64{t, r.V, -r.I, -r.I * r.V}
}

// Tracker runs a Step in a loop, recording samples to a run
type Tracker struct {
	// Step is the controller update, VocStep or MPPStep
	Step Step

	// Record converts an operating point to a sample
	Record func(t float64, r smu.Reading) []float64

	// Observe, if not nil, is called after every recorded or discarded sample
	Observe func(State, smu.Reading)
}

// NewVoc returns a Voc tracker
func NewVoc() Tracker {
	return Tracker{Step: VocStep, Record: VocRecord}
}

// NewMPP returns an MPP tracker
func NewMPP() Tracker {
	return Tracker{Step: MPPStep, Record: MPPRecord}
}

// Run tracks until ctx is done, appending samples to key in out.  inst is
// switched to source voltage at the initial bias with the configured
// compliance and its output enabled; when Run returns the bias is zeroed and the output disabled.
// Cancellation is a normal stop and is not returned as an error
func (tr Tracker) Run(ctx context.Context, inst smu.Instrument, out trace.Appender, key string, cfg Config) (st State, err error) {
	if err = cfg.Validate(); err != nil {
		return st, err
	}
	defer func() {
		if perr := smu.PowerDown(inst, smu.Voltage); err == nil {
			err = perr
		}
	}()
	if err = smu.Configure(inst, smu.Voltage, cfg.Compliance); err != nil {
		return st, err
	}
	if err = inst.SetVoltage(cfg.InitialBias); err != nil {
		return st, errors.Wrap(err, "initial bias")
	}
	if err = inst.OutputOn(); err != nil {
		return st, errors.Wrap(err, "output on")
	}
	st.Bias = cfg.InitialBias
	start := time.Now()
	for ctx.Err() == nil {
		var r smu.Reading
		settled := time.Now().Add(cfg.Settle)
		for {
			st, r, err = tr.Step(ctx, inst, st, cfg)
			if err != nil {
				if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
					return st, nil
				}
				return st, err
			}
			if cfg.Settle <= 0 || st.Error < cfg.Convergence || !time.Now().Before(settled) || ctx.Err() != nil {
				break
			}
		}
		if st.Converged || cfg.IncludeConvergence {
			if err = out.Append(key, tr.Record(time.Since(start).Seconds(), r)...); err != nil {
				return st, err
			}
		}
		if tr.Observe != nil {
			tr.Observe(st, r)
		}
		if !util.Sleep(ctx, cfg.Interval) {
			break
		}
	}
	return st, nil
}
