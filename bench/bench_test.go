package bench_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/keithleyctl/bench"
	"github.com/nasa-jpl/keithleyctl/keithley"
	"github.com/nasa-jpl/keithleyctl/supervisor"
	"github.com/nasa-jpl/keithleyctl/trace"
)

const quickSweep = `{"start": 0, "stop": 1, "npts": 3, "delay": 0}`

func setup(t *testing.T, model keithley.Device) (*bench.Bench, *keithley.Mock, http.Handler) {
	t.Helper()
	b := bench.New(bench.DefaultParams(), 0)
	m := keithley.NewMock(model)
	require.NoError(t, b.Add("smu", m))
	return b, m, b.Router()
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(body)))
	return w
}

func startedKey(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var kr bench.KeyReply
	require.NoError(t, json.NewDecoder(w.Body).Decode(&kr))
	require.NotEmpty(t, kr.Key)
	return kr.Key
}

func tracePath(key string) string {
	return "/traces/" + url.PathEscape(key)
}

func TestSweepOverHTTP(t *testing.T) {
	b, m, h := setup(t, keithley.Constant{I: -1e-3})
	key := startedKey(t, do(h, http.MethodPost, "/sweep", quickSweep))
	require.NoError(t, b.Sup.Wait())
	assert.True(t, strings.HasPrefix(key, "iv-sweep "))

	w := do(h, http.MethodGet, tracePath(key), "")
	require.Equal(t, http.StatusOK, w.Code)
	var run trace.Run
	require.NoError(t, json.NewDecoder(w.Body).Decode(&run))
	assert.Equal(t, []float64{0, 0.5, 1}, run.Data["V"])
	assert.Equal(t, "iv-sweep", run.Kind)
	assert.Equal(t, 2, m.OutputOffCount(), "the loop and the supervisor both power down")
	assert.False(t, b.Lock.Locked())
}

func TestSecondStartConflicts(t *testing.T) {
	b, _, h := setup(t, keithley.Linear{K: 0.1, V0: 0.6})
	startedKey(t, do(h, http.MethodPost, "/voc", `{"interval": 0.001}`))
	assert.Equal(t, http.StatusConflict, do(h, http.MethodPost, "/sweep", quickSweep).Code)
	assert.Equal(t, 1, b.Store.Len(), "a refused start leaves no run behind")

	assert.Equal(t, http.StatusOK, do(h, http.MethodPost, "/voc", `{"run": false}`).Code)
	assert.Equal(t, supervisor.Stopped, b.Sup.State())
	assert.False(t, b.Sup.Busy())
}

func TestMissingInstrument(t *testing.T) {
	b := bench.New(bench.DefaultParams(), 0)
	var h http.Handler = b.Router()
	w := do(h, http.MethodPost, "/sweep", quickSweep)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "no devices initialized")
	assert.Equal(t, 0, b.Store.Len())

	_, _, h = setup(t, keithley.Resistor{R: 1})
	w = do(h, http.MethodPost, "/sweep", `{"instrument": "nobody"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestBadParams(t *testing.T) {
	_, _, h := setup(t, keithley.Resistor{R: 1})
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/sweep", `{"hysteresis": "sideways"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/sweep", `{"npts": 0}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/mpp", `{"gain": -1}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/bias", `not json`).Code)
}

func TestSweepStepNeedsConfirm(t *testing.T) {
	b, _, h := setup(t, keithley.Resistor{R: 100})
	body := `{"sweep": {"npts": 2, "delay": 0}, "step": {"npts": 2}%s}`
	w := do(h, http.MethodPost, "/sweep-step", strings.Replace(body, "%s", "", 1))
	assert.Equal(t, http.StatusConflict, w.Code)

	root := startedKey(t, do(h, http.MethodPost, "/sweep-step", strings.Replace(body, "%s", `, "confirm": true`, 1)))
	require.NoError(t, b.Sup.Wait())
	assert.True(t, strings.HasPrefix(root, "iv-sweep-v-step "))
	assert.Equal(t, 3, b.Store.Len(), "a root run and one run per step")
}

func TestSweepStepTwoInstruments(t *testing.T) {
	b, _, h := setup(t, keithley.Resistor{R: 100})
	m2 := keithley.NewMock(keithley.Resistor{R: 1000})
	require.NoError(t, b.Add("smu2", m2))
	body := `{"sweep": {"instrument": "smu", "npts": 2, "delay": 0}, "step": {"instrument": "smu2", "mode": "current", "start": 0, "stop": 1e-3, "npts": 2, "compliance": 10}}`
	root := startedKey(t, do(h, http.MethodPost, "/sweep-step", body))
	require.NoError(t, b.Sup.Wait())
	assert.True(t, strings.HasPrefix(root, "iv-sweep-i-step "))
	assert.Equal(t, 1, m2.OutputOnCount())
	assert.Equal(t, 0.0, m2.Level())
}

func TestInstrumentRoutesLockedDuringRun(t *testing.T) {
	b, _, h := setup(t, keithley.Linear{K: 0.1, V0: 0.6})
	assert.Equal(t, http.StatusOK, do(h, http.MethodPost, "/smu/nplc", `{"f64": 1}`).Code)
	startedKey(t, do(h, http.MethodPost, "/mpp", `{"interval": 0.001}`))
	assert.Equal(t, http.StatusLocked, do(h, http.MethodPost, "/smu/voltage", `{"f64": 1}`).Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/smu/output", "").Code, "readouts stay available")

	w := do(h, http.MethodGet, "/status", "")
	var st bench.StatusReply
	require.NoError(t, json.NewDecoder(w.Body).Decode(&st))
	assert.Equal(t, supervisor.Running, st.State)
	assert.True(t, st.Locked)
	assert.Equal(t, "pv-mpp", st.Kind)
	assert.Equal(t, []string{"smu"}, st.Instruments)

	assert.Equal(t, http.StatusConflict, do(h, http.MethodPost, "/lock", `{"bool": false}`).Code)
	assert.Equal(t, http.StatusLocked, do(h, http.MethodPost, "/smu/voltage", `{"f64": 1}`).Code, "the run keeps the lock")

	require.Equal(t, http.StatusOK, do(h, http.MethodPost, "/stop", "").Code)
	assert.False(t, b.Lock.Locked())
	assert.Equal(t, http.StatusOK, do(h, http.MethodPost, "/smu/voltage", `{"f64": 1}`).Code)
}

func TestBiasLevel(t *testing.T) {
	b, m, h := setup(t, keithley.Resistor{R: 1000})
	assert.Equal(t, http.StatusConflict, do(h, http.MethodPost, "/bias/level", `{"f64": 2}`).Code)

	startedKey(t, do(h, http.MethodPost, "/bias", `{"level": 1, "interval": 0.001}`))
	require.Equal(t, http.StatusOK, do(h, http.MethodPost, "/bias/level", `{"f64": 2}`).Code)
	deadline := time.Now().Add(2 * time.Second)
	for m.Level() != 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, 2.0, m.Level())
	require.NoError(t, b.Stop())
	assert.Equal(t, 0.0, m.Level())
	assert.Equal(t, http.StatusConflict, do(h, http.MethodPost, "/bias/level", `{"f64": 3}`).Code)
}

func TestBiasLevelSurvivesRefusedStart(t *testing.T) {
	b, m, h := setup(t, keithley.Resistor{R: 1000})
	startedKey(t, do(h, http.MethodPost, "/bias", `{"level": 1, "interval": 0.001}`))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := do(h, http.MethodPost, "/bias", `{"level": 9}`)
			assert.Equal(t, http.StatusConflict, w.Code)
		}()
	}
	for i := 2; i <= 20; i++ {
		require.NoError(t, b.SetBiasLevel(float64(i)))
	}
	wg.Wait()
	deadline := time.Now().Add(2 * time.Second)
	for m.Level() != 20 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, 20.0, m.Level())
	require.NoError(t, b.Stop())
}

func TestSave(t *testing.T) {
	b, _, h := setup(t, keithley.Constant{I: -1e-3})
	w := do(h, http.MethodGet, "/save", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "No measurement data")

	startedKey(t, do(h, http.MethodPost, "/sweep", quickSweep))
	require.NoError(t, b.Sup.Wait())
	w = do(h, http.MethodGet, "/save?note=cell+4", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Body.String(), trace.TextHeader+"\n*! NOTE cell 4\n#! iv-sweep "))
	runs, note, err := trace.ReadText(w.Body)
	require.NoError(t, err)
	assert.Equal(t, "cell 4", note)
	require.Len(t, runs, 1)
	assert.Equal(t, 3, runs[0].Len())

	w = do(h, http.MethodGet, "/save.fits", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/fits", w.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(w.Body.String(), "SIMPLE  ="))
}

func TestTraces(t *testing.T) {
	b, _, h := setup(t, keithley.Constant{I: -1e-3})
	key := startedKey(t, do(h, http.MethodPost, "/sweep", quickSweep))
	require.NoError(t, b.Sup.Wait())

	w := do(h, http.MethodGet, "/traces", "")
	var keys []string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&keys))
	assert.Equal(t, []string{key}, keys)

	require.Equal(t, http.StatusOK, do(h, http.MethodPost, tracePath(key)+"/desc", `{"str": "dark"}`).Code)
	run, err := b.Store.Run(key)
	require.NoError(t, err)
	assert.Equal(t, "dark", run.Meta[trace.MetaDesc])

	iv, _ := b.Plots.Get("iv")
	assert.Equal(t, []string{key}, iv.Keys())
	require.Equal(t, http.StatusOK, do(h, http.MethodDelete, tracePath(key), "").Code)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, tracePath(key), "").Code)
	assert.Empty(t, iv.Keys(), "deleting a run drops its plot handle")
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodDelete, tracePath(key), "").Code)

	startedKey(t, do(h, http.MethodPost, "/sweep", quickSweep))
	require.NoError(t, b.Sup.Wait())
	require.Equal(t, http.StatusOK, do(h, http.MethodDelete, "/traces", "").Code)
	assert.Equal(t, 0, b.Store.Len())
}

func TestPlotRoutes(t *testing.T) {
	b, _, h := setup(t, keithley.Constant{I: -1e-3})
	startedKey(t, do(h, http.MethodPost, "/sweep", quickSweep))
	require.NoError(t, b.Sup.Wait())
	w := do(h, http.MethodGet, "/plot/iv.png", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/plot/bode.png", "").Code)
}

func TestMetrics(t *testing.T) {
	b, _, h := setup(t, keithley.Constant{I: -1e-3})
	startedKey(t, do(h, http.MethodPost, "/sweep", quickSweep))
	require.NoError(t, b.Sup.Wait())
	w := do(h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	body, _ := io.ReadAll(w.Body)
	assert.Contains(t, string(body), "smu_samples_total 3")
	assert.Contains(t, string(body), "smu_running 0")
	assert.Contains(t, string(body), "smu_bias_volts 1")
}

func TestEndpoints(t *testing.T) {
	_, _, h := setup(t, keithley.Resistor{R: 1})
	w := do(h, http.MethodGet, "/endpoints", "")
	var ep map[string][]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&ep))
	assert.Contains(t, ep["/"], "POST /sweep-step")
	assert.Contains(t, ep["/"], "GET /lock")
	assert.Contains(t, ep["/smu"], "GET /measure")
}

func TestDuplicateName(t *testing.T) {
	b, _, _ := setup(t, keithley.Resistor{R: 1})
	assert.ErrorIs(t, b.Add("smu", keithley.NewMock(keithley.Resistor{R: 1})), bench.ErrDuplicateName)
}

func TestDefaultsFillRequests(t *testing.T) {
	d := bench.DefaultParams()
	s, err := d.Sweep.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 51, s.Points)
	assert.Equal(t, -0.5, s.Start)

	voc, err := d.Voc.Config()
	require.NoError(t, err)
	assert.Equal(t, time.Second, voc.Interval)
	assert.Equal(t, 30.0, voc.Gain)

	// compliance beyond the instrument's range is clamped
	d.Bias.Compliance = 5
	bias, err := d.Bias.Bias()
	require.NoError(t, err)
	assert.Equal(t, 1.05, bias.Compliance)
}
