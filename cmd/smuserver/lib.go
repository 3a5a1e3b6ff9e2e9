package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-yaml/yaml"

	"github.com/nasa-jpl/keithleyctl/bench"
	"github.com/nasa-jpl/keithleyctl/comm"
	"github.com/nasa-jpl/keithleyctl/keithley"
	"github.com/nasa-jpl/keithleyctl/smu"
	"github.com/nasa-jpl/keithleyctl/util"
)

// InstrumentSetup describes one SMU.  Setup fields left at zero are not sent
// to the instrument
type InstrumentSetup struct {
	// Name is the URL stem the instrument's routes are served on, and the
	// name measurement requests select it by
	Name string `yaml:"Name" koanf:"Name"`

	// Addr is host:port for a LAN-GPIB gateway or portserver, a device path
	// like /dev/ttyUSB0 or COM3 for RS-232, or VID:PID for USBTMC
	Addr string `yaml:"Addr" koanf:"Addr"`

	// Transport is tcp, serial or usbtmc
	Transport string `yaml:"Transport" koanf:"Transport"`

	// Baud is the serial baud rate
	Baud int `yaml:"Baud" koanf:"Baud"`

	// Timeout is the I/O timeout in seconds
	Timeout float64 `yaml:"Timeout" koanf:"Timeout"`

	// Handshaking checks the error queue after every command
	Handshaking bool `yaml:"Handshaking" koanf:"Handshaking"`

	// NPLC is the integration time in power line cycles
	NPLC float64 `yaml:"NPLC" koanf:"NPLC"`

	FourWire      bool `yaml:"FourWire" koanf:"FourWire"`
	RearTerminals bool `yaml:"RearTerminals" koanf:"RearTerminals"`

	// Model is the device simulated in mock mode: solar, resistor or linear
	Model string `yaml:"Model" koanf:"Model"`

	// R is the resistance of the resistor model, or the inverse slope of the linear model
	R float64 `yaml:"R" koanf:"R"`
}

// Config is a struct that holds the initialization parameters for the server.
// It is to be populated by a yaml/unmarshal call.
type Config struct {
	// Addr is the address to listen at
	Addr string `yaml:"Addr" koanf:"Addr"`

	// Mock replaces every instrument with a simulation
	Mock bool `yaml:"Mock" koanf:"Mock"`

	// PlotEvery is the shortest time between renders of one plot, in seconds
	PlotEvery float64 `yaml:"PlotEvery" koanf:"PlotEvery"`

	// Instruments is the list of SMUs to set up
	Instruments []InstrumentSetup `yaml:"Instruments" koanf:"Instruments"`

	// Defaults fill the fields a measurement request leaves out
	Defaults bench.Defaults `yaml:"Defaults" koanf:"Defaults"`
}

// LoadYaml converts a (path to a) yaml file into a Config struct
func LoadYaml(path string) (Config, error) {
	cfg := Config{}
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	err = yaml.NewDecoder(f).Decode(&cfg)
	return cfg, err
}

// mockDevice returns the simulated device named by setup
func mockDevice(setup InstrumentSetup) (keithley.Device, error) {
	r := setup.R
	if r == 0 {
		r = 1000
	}
	switch strings.ToLower(setup.Model) {
	case "", "solar", "solar-cell", "pv":
		return keithley.DefaultSolarCell, nil
	case "resistor":
		return keithley.Resistor{R: r}, nil
	case "linear":
		return keithley.Linear{K: 1 / r, V0: keithley.DefaultSolarCell.Voc()}, nil
	}
	return nil, fmt.Errorf("mock model %q not understood", setup.Model)
}

// configurable is the setup an SMU2400 and its mock both accept
type configurable interface {
	SetNPLC(float64) error
	FourWire(bool) error
	RearTerminals(bool) error
}

// applySetup sends the sense and terminal setup.  Failures are logged, not
// fatal, so the server comes up while an instrument is powered off
func applySetup(name string, c configurable, setup InstrumentSetup) {
	if setup.NPLC != 0 {
		if err := c.SetNPLC(setup.NPLC); err != nil {
			log.Printf("%s: NPLC: %v", name, err)
		}
	}
	if setup.FourWire {
		if err := c.FourWire(true); err != nil {
			log.Printf("%s: four wire: %v", name, err)
		}
	}
	if setup.RearTerminals {
		if err := c.RearTerminals(true); err != nil {
			log.Printf("%s: rear terminals: %v", name, err)
		}
	}
}

// NewInstrument creates the SMU described by setup, or its simulation if mock is true
func NewInstrument(setup InstrumentSetup, mock bool) (smu.Instrument, error) {
	if mock {
		dev, err := mockDevice(setup)
		if err != nil {
			return nil, err
		}
		m := keithley.NewMock(dev)
		applySetup(setup.Name, m, setup)
		return m, nil
	}
	ep := comm.Endpoint{
		Addr:      setup.Addr,
		Transport: setup.Transport,
		Baud:      setup.Baud,
		Timeout:   util.SecsToDuration(setup.Timeout),
	}
	k := keithley.NewSMU2400(ep, setup.Handshaking)
	applySetup(setup.Name, k, setup)
	return k, nil
}

// BuildBench creates the bench and its instruments from c
func BuildBench(c Config) (*bench.Bench, error) {
	b := bench.New(c.Defaults, c.PlotEvery)
	for _, setup := range c.Instruments {
		inst, err := NewInstrument(setup, c.Mock)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", setup.Name, err)
		}
		if err := b.Add(setup.Name, inst); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// BuildMux builds the bench described by c and a router serving it with
// every request logged.  Measurement errors are logged as they happen
func BuildMux(c Config) (chi.Router, *bench.Bench, error) {
	b, err := BuildBench(c)
	if err != nil {
		return nil, nil, err
	}
	go func() {
		for err := range b.Sup.Errors() {
			log.Println("measurement error:", err)
		}
	}()
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	root.Mount("/", b.Router())
	return root, b, nil
}
