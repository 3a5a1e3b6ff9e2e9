// Package bench ties the instruments, the trace store, the live plots and the
// measurement supervisor into one session, and serves it over HTTP
package bench

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/nasa-jpl/keithleyctl/generichttp"
	"github.com/nasa-jpl/keithleyctl/liveplot"
	"github.com/nasa-jpl/keithleyctl/measure"
	"github.com/nasa-jpl/keithleyctl/server/middleware/locker"
	"github.com/nasa-jpl/keithleyctl/smu"
	"github.com/nasa-jpl/keithleyctl/supervisor"
	"github.com/nasa-jpl/keithleyctl/trace"
	"github.com/nasa-jpl/keithleyctl/tracking"
	"github.com/nasa-jpl/keithleyctl/util"
)

var (
	// ErrSameInstrument is generated when a sweep-step names one instrument
	// for both roles without confirmation
	ErrSameInstrument = errors.New("the same device is selected for sweep and step")

	// ErrNotBiasing is generated when a bias level is sent with no bias running
	ErrNotBiasing = errors.New("no bias is running")

	// ErrDuplicateName is generated when two instruments share a name
	ErrDuplicateName = errors.New("duplicate instrument name")
)

// invalid marks err as the fault of the request
func invalid(err error) error {
	return generichttp.StatusError{Code: http.StatusBadRequest, Err: err}
}

// Bench is a measurement session
type Bench struct {
	// Store holds every run
	Store *trace.Store

	// Plots draw the runs as they grow
	Plots *liveplot.Set

	// Sup runs one measurement at a time
	Sup *supervisor.Supervisor

	// Lock guards the direct instrument routes while a measurement runs
	Lock *locker.Locker

	// Metrics is updated by every sample
	Metrics *Metrics

	// Defaults fill the fields a request leaves out
	Defaults Defaults

	mu     sync.Mutex
	insts  map[string]smu.Instrument
	names  []string
	levels chan float64
}

// New creates a bench with no instruments.  Plots re-render at most every
// plotEvery seconds; zero renders on every request
func New(d Defaults, plotEvery float64) *Bench {
	b := &Bench{
		Store:    trace.NewStore(),
		Plots:    liveplot.NewSet(util.SecsToDuration(plotEvery)),
		Lock:     locker.New(),
		Defaults: d,
		insts:    map[string]smu.Instrument{},
	}
	b.Lock.ProtectOnly = []string{"POST"}
	b.Sup = supervisor.New(b.Lock)
	b.Lock.Held = b.Sup.Busy
	b.Metrics = NewMetrics(b.Sup.Busy)
	b.Store.Subscribe(b.Plots.Observe)
	b.Store.Subscribe(b.Metrics.Observe)
	return b
}

// Add names an instrument
func (b *Bench) Add(name string, inst smu.Instrument) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := util.UniqueString(append(append([]string(nil), b.names...), name))
	if len(names) == len(b.names) {
		return fmt.Errorf("%w %q", ErrDuplicateName, name)
	}
	b.names = names
	b.insts[name] = inst
	return nil
}

// Names returns the instrument names in the order they were added
func (b *Bench) Names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.names...)
}

// Instrument returns the instrument with name.  An empty name selects the
// first instrument.  A nil instrument is returned when none matches, which
// the supervisor refuses to start
func (b *Bench) Instrument(name string) smu.Instrument {
	b.mu.Lock()
	defer b.mu.Unlock()
	if name == "" {
		if len(b.names) == 0 {
			return nil
		}
		name = b.names[0]
	}
	return b.insts[name]
}

func (b *Bench) resolve(name string) string {
	if name != "" {
		return name
	}
	names := b.Names()
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

// start creates a run and hands its job to the supervisor.  The run is
// removed again if the supervisor refuses the job
func (b *Bench) start(prefix, kind string, fields []string, outputs []supervisor.Output, body func(ctx context.Context, key string) error) (string, error) {
	if b.Sup.Busy() {
		return "", supervisor.ErrRunning
	}
	key, err := b.Store.NewRun(prefix, kind, fields...)
	if err != nil {
		return "", err
	}
	err = b.Sup.Start(supervisor.Job{
		Kind:    kind,
		Key:     key,
		Outputs: outputs,
		Run:     func(ctx context.Context) error { return body(ctx, key) },
	})
	if err != nil {
		b.Store.Delete(key)
		return "", err
	}
	return key, nil
}

// StartBias starts a bias and returns its run key
func (b *Bench) StartBias(p BiasParams) (string, error) {
	bias, err := p.Bias()
	if err != nil {
		return "", invalid(err)
	}
	inst := b.Instrument(p.Instrument)
	levels := make(chan float64, 1)
	bias.Levels = levels
	kind := measure.BiasKind(bias.Mode)

	// held across the start so level changes never reach a refused run
	b.mu.Lock()
	defer b.mu.Unlock()
	key, err := b.start(kind, kind, measure.Fields, []supervisor.Output{{Inst: inst, Mode: bias.Mode}},
		func(ctx context.Context, key string) error {
			defer b.clearLevels(levels)
			return bias.Run(ctx, inst, b.Store, key)
		})
	if err != nil {
		return "", err
	}
	b.levels = levels
	return key, nil
}

func (b *Bench) clearLevels(levels chan float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.levels == levels {
		b.levels = nil
	}
}

// SetBiasLevel changes the level of the running bias.  A level not yet
// applied is replaced
func (b *Bench) SetBiasLevel(level float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.levels == nil {
		return ErrNotBiasing
	}
	for {
		select {
		case b.levels <- level:
			return nil
		default:
		}
		select {
		case <-b.levels:
		default:
		}
	}
}

// StartSweep starts an IV sweep and returns its run key
func (b *Bench) StartSweep(p SweepParams) (string, error) {
	s, err := p.Sweep()
	if err != nil {
		return "", invalid(err)
	}
	return b.startSweep(s, p.Instrument)
}

// StartPV starts a solar IV sweep and returns its run key
func (b *Bench) StartPV(p PVParams) (string, error) {
	s, err := p.Sweep()
	if err != nil {
		return "", invalid(err)
	}
	return b.startSweep(s, p.Instrument)
}

func (b *Bench) startSweep(s measure.Sweep, name string) (string, error) {
	inst := b.Instrument(name)
	return b.start(s.Kind(), s.Kind(), measure.Fields, []supervisor.Output{{Inst: inst, Mode: s.Mode}},
		func(ctx context.Context, key string) error {
			return s.Run(ctx, inst, b.Store, key)
		})
}

// StartSweepStep starts a sweep-step and returns its root run key.  Naming
// the same instrument for both roles fails with ErrSameInstrument unless
// confirm is true
func (b *Bench) StartSweepStep(p SweepStepParams, confirm bool) (string, error) {
	s, err := p.Sweep.Sweep()
	if err != nil {
		return "", invalid(err)
	}
	st, err := p.Step.Step()
	if err != nil {
		return "", invalid(err)
	}
	ss := measure.SweepStep{Sweep: s, Step: st}
	sweepName, stepName := b.resolve(p.Sweep.Instrument), b.resolve(p.Step.Instrument)
	if sweepName == stepName && sweepName != "" && !confirm {
		return "", ErrSameInstrument
	}
	sweepInst, stepInst := b.Instrument(sweepName), b.Instrument(stepName)
	outputs := []supervisor.Output{{Inst: sweepInst, Mode: s.Mode}}
	if sweepName != stepName {
		outputs = append(outputs, supervisor.Output{Inst: stepInst, Mode: st.Mode})
	}
	return b.start(ss.Kind(), ss.Kind(), measure.RootFields, outputs,
		func(ctx context.Context, key string) error {
			return ss.Run(ctx, sweepInst, stepInst, b.Store, key)
		})
}

// StartVoc starts Voc tracking and returns its run key
func (b *Bench) StartVoc(p TrackParams) (string, error) {
	return b.startTracking(tracking.NewVoc(), tracking.VocKind, tracking.VocFields, p)
}

// StartMPP starts maximum power point tracking and returns its run key
func (b *Bench) StartMPP(p TrackParams) (string, error) {
	return b.startTracking(tracking.NewMPP(), tracking.MPPKind, tracking.MPPFields, p)
}

func (b *Bench) startTracking(tr tracking.Tracker, kind string, fields []string, p TrackParams) (string, error) {
	cfg, err := p.Config()
	if err != nil {
		return "", invalid(err)
	}
	inst := b.Instrument(p.Instrument)
	tr.Observe = func(st tracking.State, _ smu.Reading) { b.Metrics.Track(st) }
	return b.start(kind, kind, fields, []supervisor.Output{{Inst: inst, Mode: smu.Voltage}},
		func(ctx context.Context, key string) error {
			_, err := tr.Run(ctx, inst, b.Store, key, cfg)
			return err
		})
}

// Stop stops the running measurement, if any, and returns its error
func (b *Bench) Stop() error {
	return b.Sup.Stop()
}
