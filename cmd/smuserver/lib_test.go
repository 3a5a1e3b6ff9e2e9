package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nasa-jpl/keithleyctl/bench"
	"github.com/nasa-jpl/keithleyctl/keithley"
)

func TestLoadYaml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "smuserver.yml")
	text := `Addr: ":9000"
Mock: true
Instruments:
  - Name: cell
    Model: resistor
    R: 100
  - Name: ref
Defaults:
  Sweep:
    Points: 11
`
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := LoadYaml(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.Addr != ":9000" || !c.Mock || len(c.Instruments) != 2 {
		t.Errorf("unexpected config %+v", c)
	}
	if c.Instruments[0].R != 100 || c.Defaults.Sweep.Points != 11 {
		t.Errorf("nested fields not decoded, got %+v", c)
	}
}

func TestMockModels(t *testing.T) {
	for _, model := range []string{"", "solar", "resistor", "linear"} {
		if _, err := mockDevice(InstrumentSetup{Model: model}); err != nil {
			t.Errorf("model %q: %v", model, err)
		}
	}
	if _, err := mockDevice(InstrumentSetup{Model: "tunnel-diode"}); err == nil {
		t.Error("expected an unknown model to be an error")
	}
	dev, _ := mockDevice(InstrumentSetup{Model: "resistor", R: 50})
	if dev != (keithley.Resistor{R: 50}) {
		t.Errorf("expected a 50 ohm resistor got %+v", dev)
	}
}

func TestBuildMuxMock(t *testing.T) {
	c := Config{
		Mock:        true,
		Instruments: []InstrumentSetup{{Name: "smu", Model: "resistor", NPLC: 2}},
		Defaults:    bench.DefaultParams(),
	}
	mux, b, err := BuildMux(c)
	if err != nil {
		t.Fatal(err)
	}
	nplc, _ := b.Instrument("smu").(*keithley.Mock).GetNPLC()
	if nplc != 2 {
		t.Errorf("expected the setup NPLC applied, got %v", nplc)
	}

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/endpoints", nil))
	var ep map[string][]string
	if err := json.NewDecoder(w.Body).Decode(&ep); err != nil {
		t.Fatal(err)
	}
	if _, ok := ep["/smu"]; !ok {
		t.Errorf("expected /smu in the endpoint listing, got %v", ep)
	}

	w = httptest.NewRecorder()
	body := `{"start": 0, "stop": 1, "npts": 2, "delay": 0}`
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/sweep", strings.NewReader(body)))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", w.Code, w.Body.String())
	}
	if err := b.Sup.Wait(); err != nil {
		t.Fatal(err)
	}
	if b.Store.Len() != 1 {
		t.Errorf("expected one run got %d", b.Store.Len())
	}
}

func TestBuildBenchDuplicateNames(t *testing.T) {
	c := Config{Mock: true, Instruments: []InstrumentSetup{{Name: "a"}, {Name: "a"}}}
	if _, err := BuildBench(c); err == nil {
		t.Error("expected duplicate names to fail")
	}
}
