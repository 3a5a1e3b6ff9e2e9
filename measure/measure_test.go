package measure_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/keithleyctl/keithley"
	"github.com/nasa-jpl/keithleyctl/measure"
	"github.com/nasa-jpl/keithleyctl/smu"
	"github.com/nasa-jpl/keithleyctl/sweep"
	"github.com/nasa-jpl/keithleyctl/trace"
)

var approx = cmpopts.EquateApprox(0, 1e-12)

func TestSweepEndToEnd(t *testing.T) {
	mock := keithley.NewMock(keithley.Constant{I: -1e-3})
	store := trace.NewStore()
	s := measure.Sweep{Mode: smu.Voltage, Start: -0.5, Stop: 0.5, Points: 11, Compliance: 0.1}
	key, err := store.NewRun(s.Kind(), s.Kind(), measure.Fields...)
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background(), mock, store, key))

	run, err := store.Run(key)
	require.NoError(t, err)
	expected := []float64{-0.5, -0.4, -0.3, -0.2, -0.1, 0, 0.1, 0.2, 0.3, 0.4, 0.5}
	if diff := cmp.Diff(expected, run.Data["V"], approx); diff != "" {
		t.Errorf("V differs (-want +got):\n%s", diff)
	}
	for i, v := range run.Data["V"] {
		assert.Equal(t, -1e-3, run.Data["I"][i])
		assert.InDelta(t, v*-1e-3, run.Data["P"][i], 1e-15)
	}
	for _, f := range run.Fields {
		assert.Len(t, run.Data[f], 11, f)
	}
	assert.Equal(t, 0.0, mock.Level())
	assert.Equal(t, 1, mock.OutputOnCount())
	assert.Equal(t, 1, mock.OutputOffCount())
}

func TestSweepKind(t *testing.T) {
	assert.Equal(t, "iv-sweep", measure.Sweep{}.Kind())
	assert.Equal(t, "pv-bias", measure.Sweep{Photovoltaic: true}.Kind())
	assert.Equal(t, "v-bias", measure.BiasKind(smu.Voltage))
	assert.Equal(t, "i-bias", measure.BiasKind(smu.Current))
}

func TestSweepCurrentSource(t *testing.T) {
	mock := keithley.NewMock(keithley.Resistor{R: 100})
	store := trace.NewStore()
	s := measure.Sweep{Mode: smu.Current, Start: 0, Stop: 1e-3, Points: 3, Compliance: 1, Hysteresis: sweep.Reverse}
	key, _ := store.NewRun(s.Kind(), s.Kind(), measure.Fields...)
	require.NoError(t, s.Run(context.Background(), mock, store, key))
	run, _ := store.Run(key)
	if diff := cmp.Diff([]float64{0, 5e-4, 1e-3, 5e-4, 0}, run.Data["I"], approx); diff != "" {
		t.Errorf("I differs (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{0, 0.05, 0.1, 0.05, 0}, run.Data["V"], approx); diff != "" {
		t.Errorf("V differs (-want +got):\n%s", diff)
	}
	mode, _ := mock.SourceMode()
	assert.Equal(t, smu.Current, mode)
}

func TestPhotovoltaicSweep(t *testing.T) {
	cell := keithley.DefaultSolarCell
	mock := keithley.NewMock(cell)
	store := trace.NewStore()
	s := measure.Sweep{Mode: smu.Voltage, Start: 0, Stop: 0.8, Points: 9, Compliance: 0.1, Photovoltaic: true}
	key, _ := store.NewRun(s.Kind(), s.Kind(), measure.Fields...)
	require.NoError(t, s.Run(context.Background(), mock, store, key))
	run, _ := store.Run(key)
	assert.InDelta(t, cell.Isc, run.Data["I"][0], 1e-6, "short circuit current reads positive")
	for i, v := range run.Data["V"] {
		assert.InDelta(t, run.Data["I"][i]*v, run.Data["P"][i], 1e-15)
	}

	s.Mode = smu.Current
	assert.True(t, errors.Is(s.Run(context.Background(), mock, store, key), measure.ErrMode))
}

func TestSweepStopsOnCancel(t *testing.T) {
	mock := keithley.NewMock(keithley.Constant{I: -1e-3})
	store := trace.NewStore()
	s := measure.Sweep{Mode: smu.Voltage, Start: 0, Stop: 1, Points: 1000, Compliance: 0.1, Delay: time.Millisecond}
	key, _ := store.NewRun(s.Kind(), s.Kind(), measure.Fields...)
	ctx, cancel := context.WithCancel(context.Background())
	n := 0
	store.Subscribe(func(trace.Sample) {
		n++
		if n == 5 {
			cancel()
		}
	})
	require.NoError(t, s.Run(ctx, mock, store, key))
	run, _ := store.Run(key)
	assert.Equal(t, 5, run.Len())
	for _, f := range run.Fields {
		assert.Len(t, run.Data[f], 5, f)
	}
	out, _ := mock.Output()
	assert.False(t, out)
}

func TestSweepSurfacesErrors(t *testing.T) {
	mock := keithley.NewMock(keithley.Constant{I: -1e-3})
	boom := errors.New("timeout")
	mock.Fail = func(op string) error {
		if op == "measure" {
			return boom
		}
		return nil
	}
	store := trace.NewStore()
	s := measure.Sweep{Mode: smu.Voltage, Start: 0, Stop: 1, Points: 3, Compliance: 0.1}
	key, _ := store.NewRun(s.Kind(), s.Kind(), measure.Fields...)
	err := s.Run(context.Background(), mock, store, key)
	assert.True(t, errors.Is(err, boom), "got %v", err)
	assert.Equal(t, 1, mock.OutputOffCount())
}

func TestBiasAppliesLiveLevels(t *testing.T) {
	mock := keithley.NewMock(keithley.Resistor{R: 1000})
	store := trace.NewStore()
	levels := make(chan float64, 1)
	b := measure.Bias{Mode: smu.Voltage, Level: 1, Compliance: 0.1, Levels: levels}
	key, _ := store.NewRun(measure.BiasKind(b.Mode), measure.BiasKind(b.Mode), measure.Fields...)
	ctx, cancel := context.WithCancel(context.Background())
	n := 0
	store.Subscribe(func(trace.Sample) {
		n++
		switch n {
		case 2:
			levels <- 2
		case 4:
			cancel()
		}
	})
	require.NoError(t, b.Run(ctx, mock, store, key))
	run, _ := store.Run(key)
	require.Equal(t, 4, run.Len())
	if diff := cmp.Diff([]float64{1, 1, 2, 2}, run.Data["V"]); diff != "" {
		t.Errorf("V differs (-want +got):\n%s", diff)
	}
	assert.InDelta(t, 2e-3, run.Data["I"][3], 1e-15)
	assert.Equal(t, 0.0, mock.Level())
	assert.Equal(t, 1, mock.OutputOffCount())
}

func TestSweepStep(t *testing.T) {
	sweepInst := keithley.NewMock(keithley.Resistor{R: 100})
	stepInst := keithley.NewMock(keithley.Resistor{R: 1000})
	store := trace.NewStore()
	ss := measure.SweepStep{
		Sweep: measure.Sweep{Mode: smu.Voltage, Start: 0, Stop: 1, Points: 3, Compliance: 0.1},
		Step:  measure.Step{Mode: smu.Voltage, Start: 0.5, Stop: 1, Points: 2, Compliance: 0.1},
	}
	assert.Equal(t, "iv-sweep-v-step", ss.Kind())
	root, err := store.NewRun(ss.Kind(), ss.Kind(), measure.RootFields...)
	require.NoError(t, err)
	require.NoError(t, ss.Run(context.Background(), sweepInst, stepInst, store, root))

	keys := store.Keys()
	require.Len(t, keys, 3)
	rootRun, _ := store.Run(root)
	assert.Equal(t, []float64{0.5, 1}, rootRun.Data["step"])
	for i, lvl := range []string{"0.5", "1"} {
		run, _ := store.Run(keys[i+1])
		assert.Equal(t, "iv-sweep-v-step", run.Kind)
		assert.Contains(t, run.Key, "iv-sweep-v-step"+lvl+" ")
		assert.Equal(t, root, run.Meta[trace.MetaRoot])
		assert.Equal(t, lvl, run.Meta[trace.MetaStep])
		assert.Equal(t, measure.StepFields, run.Fields)
		for _, f := range run.Fields {
			assert.Len(t, run.Data[f], 3, f)
		}
		if diff := cmp.Diff([]float64{0, 0.5, 1}, run.Data["V0"], approx); diff != "" {
			t.Errorf("V0 differs (-want +got):\n%s", diff)
		}
		step := []float64{0.5, 1}[i]
		for j := range run.Data["V1"] {
			assert.Equal(t, step, run.Data["V1"][j])
			assert.InDelta(t, step/1000, run.Data["I1"][j], 1e-15)
			assert.InDelta(t, run.Data["V0"][j]*run.Data["I0"][j], run.Data["P0"][j], 1e-15)
		}
	}
	for _, m := range []*keithley.Mock{sweepInst, stepInst} {
		assert.Equal(t, 1, m.OutputOnCount())
		assert.Equal(t, 1, m.OutputOffCount())
		assert.Equal(t, 0.0, m.Level())
	}
}

func TestSweepStepCurrentKind(t *testing.T) {
	ss := measure.SweepStep{Step: measure.Step{Mode: smu.Current}}
	assert.Equal(t, "iv-sweep-i-step", ss.Kind())
	assert.Equal(t, "iv-sweep-i-step0.001", ss.StepPrefix(1e-3))
}

func TestSweepStepSharedInstrument(t *testing.T) {
	inst := keithley.NewMock(keithley.Resistor{R: 100})
	store := trace.NewStore()
	ss := measure.SweepStep{
		Sweep: measure.Sweep{Mode: smu.Voltage, Start: 0, Stop: 1, Points: 2, Compliance: 0.1},
		Step:  measure.Step{Mode: smu.Voltage, Start: 0, Stop: 0, Points: 1, Compliance: 0.1},
	}
	root, _ := store.NewRun(ss.Kind(), ss.Kind(), measure.RootFields...)
	require.NoError(t, ss.Run(context.Background(), inst, inst, store, root))
	assert.Equal(t, 1, inst.OutputOnCount())
	assert.Equal(t, 1, inst.OutputOffCount())
	child, _ := store.Run(store.Keys()[1])
	for j := range child.Data["V0"] {
		assert.Equal(t, child.Data["V0"][j], child.Data["V1"][j], "a shared instrument reads the same point twice")
	}
}

func TestLevelsOrder(t *testing.T) {
	var events []string
	set := func(v float64) error {
		events = append(events, "set")
		return nil
	}
	meas := func() error {
		events = append(events, "measure")
		return nil
	}
	require.NoError(t, measure.Levels(context.Background(), []float64{1, 2}, set, 0, meas))
	assert.Equal(t, []string{"set", "measure", "set", "measure"}, events)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := measure.Levels(ctx, []float64{1}, set, 0, meas)
	assert.True(t, errors.Is(err, context.Canceled))
}
