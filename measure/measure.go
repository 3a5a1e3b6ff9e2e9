// Package measure contains the bias, sweep and sweep-step measurement loops.
//
// Every loop configures its instruments, enables their outputs, and records
// one sample per measurement until it finishes or its context is done.  On
// return, for any reason, each source level is zeroed and each output
// disabled.  A done context is a normal stop and is not reported as an error.
package measure

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/keithleyctl/smu"
	"github.com/nasa-jpl/keithleyctl/sweep"
	"github.com/nasa-jpl/keithleyctl/trace"
	"github.com/nasa-jpl/keithleyctl/util"
)

const (
	// SweepKind is the run kind of an IV sweep
	SweepKind = "iv-sweep"

	// PVKind is the run kind of a solar IV sweep
	PVKind = "pv-bias"
)

var (
	// Fields are the series recorded by bias and sweep runs
	Fields = []string{"t", "V", "I", "P"}

	// StepFields are the series recorded by each step of a sweep-step run,
	// 0 for the sweep instrument and 1 for the step instrument
	StepFields = []string{"t", "V0", "I0", "P0", "V1", "I1", "P1"}

	// ErrMode is generated when a photovoltaic sweep is asked to source current
	ErrMode = errors.New("photovoltaic sweeps source voltage")
)

// Recorder creates runs and records samples to them
type Recorder interface {
	trace.Appender
	NewRun(prefix, kind string, fields ...string) (string, error)
	SetMeta(key, label, value string) error
}

// BiasKind returns the run kind of a bias in mode, v-bias or i-bias
func BiasKind(mode smu.Mode) string {
	return mode.Prefix() + "-bias"
}

// StepKind returns the run kind of a sweep-step whose step instrument
// sources mode, iv-sweep-v-step or iv-sweep-i-step
func StepKind(mode smu.Mode) string {
	return "iv-sweep-" + mode.Prefix() + "-step"
}

func sample(t float64, r smu.Reading) []float64 {
	return []float64{t, r.V, r.I, r.P()}
}

// pvSample flips the current to the photovoltaic convention
func pvSample(t float64, r smu.Reading) []float64 {
	return []float64{t, r.V, -r.I, -r.I * r.V}
}

// stopped reports whether err is the cancellation of ctx
func stopped(ctx context.Context, err error) bool {
	return ctx.Err() != nil && errors.Is(err, ctx.Err())
}

// powerDown zeros and disables each instrument, keeping the first error
func powerDown(err *error, insts []smu.Instrument, modes []smu.Mode) {
	for i, inst := range insts {
		if perr := smu.PowerDown(inst, modes[i]); *err == nil {
			*err = perr
		}
	}
}

// Bias holds a constant voltage or current on an instrument and records it
type Bias struct {
	// Mode is the quantity sourced
	Mode smu.Mode

	// Level is the initial source level
	Level float64

	// Compliance is the limit of the complementary quantity
	Compliance float64

	// Interval is slept between samples
	Interval time.Duration

	// Levels, if not nil, delivers new source levels which are applied
	// before the next measurement
	Levels <-chan float64
}

// Run holds the bias until ctx is done, appending samples to key
func (b Bias) Run(ctx context.Context, inst smu.Instrument, out trace.Appender, key string) (err error) {
	defer powerDown(&err, []smu.Instrument{inst}, []smu.Mode{b.Mode})
	if err = smu.Configure(inst, b.Mode, b.Compliance); err != nil {
		return err
	}
	set := smu.Setter(inst, b.Mode)
	if err = set(b.Level); err != nil {
		return errors.Wrap(err, "bias level")
	}
	if err = inst.OutputOn(); err != nil {
		return errors.Wrap(err, "output on")
	}
	start := time.Now()
	for ctx.Err() == nil {
		select {
		case lvl := <-b.Levels:
			if err = set(lvl); err != nil {
				return errors.Wrap(err, "bias level")
			}
		default:
		}
		r, err := inst.Measure()
		if err != nil {
			return errors.Wrap(err, "bias measure")
		}
		if ctx.Err() != nil {
			break
		}
		if err := out.Append(key, sample(time.Since(start).Seconds(), r)...); err != nil {
			return err
		}
		if !util.Sleep(ctx, b.Interval) {
			break
		}
	}
	return nil
}

// Sweep applies a sequence of source levels and records a sample at each
type Sweep struct {
	// Mode is the quantity swept
	Mode smu.Mode

	// Start and Stop are the ends of the sweep
	Start, Stop float64

	// Points is the number of points from Start to Stop
	Points int

	// Hysteresis mirrors the sweep
	Hysteresis sweep.Hysteresis

	// Compliance is the limit of the complementary quantity
	Compliance float64

	// Delay is slept between applying a level and measuring
	Delay time.Duration

	// Photovoltaic records I and P with the sign of the current flipped,
	// so a device delivering power reads positive.  Mode must be Voltage
	Photovoltaic bool
}

// Values returns the source levels of the sweep
func (s Sweep) Values() ([]float64, error) {
	return sweep.Build(s.Start, s.Stop, s.Points, s.Hysteresis)
}

// Kind returns the run kind of the sweep
func (s Sweep) Kind() string {
	if s.Photovoltaic {
		return PVKind
	}
	return SweepKind
}

// Run performs the sweep, appending samples to key
func (s Sweep) Run(ctx context.Context, inst smu.Instrument, out trace.Appender, key string) (err error) {
	values, err := s.Values()
	if err != nil {
		return err
	}
	if s.Photovoltaic && s.Mode != smu.Voltage {
		return ErrMode
	}
	defer powerDown(&err, []smu.Instrument{inst}, []smu.Mode{s.Mode})
	if err = smu.Configure(inst, s.Mode, s.Compliance); err != nil {
		return err
	}
	if err = inst.OutputOn(); err != nil {
		return errors.Wrap(err, "output on")
	}
	record := sample
	if s.Photovoltaic {
		record = pvSample
	}
	start := time.Now()
	err = Levels(ctx, values, smu.Setter(inst, s.Mode), s.Delay, func() error {
		r, err := inst.Measure()
		if err != nil {
			return errors.Wrap(err, "sweep measure")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return out.Append(key, record(time.Since(start).Seconds(), r)...)
	})
	if stopped(ctx, err) {
		return nil
	}
	return err
}

// Levels applies each value with set, sleeps delay, then calls measure.
// It returns ctx's error if ctx is done before every value was visited
func Levels(ctx context.Context, values []float64, set func(float64) error, delay time.Duration, measure func() error) error {
	for _, v := range values {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := set(v); err != nil {
			return errors.Wrap(err, "sweep level")
		}
		if !util.Sleep(ctx, delay) {
			return ctx.Err()
		}
		if err := measure(); err != nil {
			return err
		}
	}
	return nil
}

// Step is the outer loop of a sweep-step measurement
type Step struct {
	// Mode is the quantity stepped
	Mode smu.Mode

	// Start and Stop are the first and last step levels
	Start, Stop float64

	// Points is the number of steps
	Points int

	// Compliance is the limit of the complementary quantity
	Compliance float64
}

// Values returns the step levels
func (s Step) Values() []float64 {
	return sweep.Linspace(s.Start, s.Stop, s.Points)
}

// SweepStep runs a sweep on one instrument for each level of a second
type SweepStep struct {
	Sweep Sweep
	Step  Step
}

// Kind returns the run kind of the root run
func (ss SweepStep) Kind() string {
	return StepKind(ss.Step.Mode)
}

// RootFields are the series of the root run, the step levels visited
var RootFields = []string{"step"}

// StepPrefix returns the key prefix of the run for one step level,
// e.g. iv-sweep-v-step0.5
func (ss SweepStep) StepPrefix(level float64) string {
	return ss.Kind() + strconv.FormatFloat(level, 'g', -1, 64)
}

// Run performs the measurement.  root must be a run with RootFields; each
// step level is appended to it and a child run with StepFields is created
// for the level, labeled with trace.MetaRoot and trace.MetaStep.
//
// sweepInst and stepInst may be the same instrument, in which case it is
// configured for the sweep only and measured twice per point
func (ss SweepStep) Run(ctx context.Context, sweepInst, stepInst smu.Instrument, rec Recorder, root string) (err error) {
	if ss.Sweep.Photovoltaic {
		return errors.New("sweep-step does not support photovoltaic sweeps")
	}
	values, err := ss.Sweep.Values()
	if err != nil {
		return err
	}
	steps := ss.Step.Values()
	if len(steps) == 0 {
		return errors.New("sweep-step needs at least one step")
	}
	shared := sweepInst == stepInst
	insts := []smu.Instrument{sweepInst}
	modes := []smu.Mode{ss.Sweep.Mode}
	if !shared {
		insts = append(insts, stepInst)
		modes = append(modes, ss.Step.Mode)
	}
	defer powerDown(&err, insts, modes)
	if err = smu.Configure(sweepInst, ss.Sweep.Mode, ss.Sweep.Compliance); err != nil {
		return errors.Wrap(err, "sweep instrument")
	}
	if !shared {
		if err = smu.Configure(stepInst, ss.Step.Mode, ss.Step.Compliance); err != nil {
			return errors.Wrap(err, "step instrument")
		}
	}
	for _, inst := range insts {
		if err = inst.OutputOn(); err != nil {
			return errors.Wrap(err, "output on")
		}
	}

	sweepSet := smu.Setter(sweepInst, ss.Sweep.Mode)
	stepSet := smu.Setter(stepInst, ss.Step.Mode)
	start := time.Now()
	for _, lvl := range steps {
		if ctx.Err() != nil {
			return nil
		}
		key, err := rec.NewRun(ss.StepPrefix(lvl), ss.Kind(), StepFields...)
		if err != nil {
			return err
		}
		if err = rec.SetMeta(key, trace.MetaRoot, root); err != nil {
			return err
		}
		if err = rec.SetMeta(key, trace.MetaStep, strconv.FormatFloat(lvl, 'g', -1, 64)); err != nil {
			return err
		}
		if err = stepSet(lvl); err != nil {
			return errors.Wrap(err, "step level")
		}
		if err = rec.Append(root, lvl); err != nil {
			return err
		}
		// the step bias settles for one sweep delay
		if !util.Sleep(ctx, ss.Sweep.Delay) {
			return nil
		}
		err = Levels(ctx, values, sweepSet, ss.Sweep.Delay, func() error {
			r0, err := sweepInst.Measure()
			if err != nil {
				return errors.Wrap(err, "sweep measure")
			}
			r1, err := stepInst.Measure()
			if err != nil {
				return errors.Wrap(err, "step measure")
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t := time.Since(start).Seconds()
			return rec.Append(key, t, r0.V, r0.I, r0.P(), r1.V, r1.I, r1.P())
		})
		if stopped(ctx, err) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}
