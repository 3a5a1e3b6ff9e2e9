package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	yml "gopkg.in/yaml.v2"

	"github.com/nasa-jpl/keithleyctl/bench"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "smuserver.yml"
	k              = koanf.New(".")
)

func defaultConfig() Config {
	return Config{
		Addr:      ":8000",
		PlotEvery: 0.5,
		Instruments: []InstrumentSetup{{
			Name:      "smu",
			Addr:      "/dev/ttyUSB0",
			Transport: "serial",
			Baud:      9600,
			Timeout:   3,
			NPLC:      1,
		}},
		Defaults: bench.DefaultParams(),
	}
}

func setupconfig() {
	k.Load(structs.Provider(defaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `smuserver drives Keithley 2400 series source-measure units and exposes
IV sweeps, biasing, and Voc / maximum power point tracking over HTTP

Usage:
	smuserver <command>

Commands:
	run
	help
	mkconf
	conf
	check <file>
	version`
	fmt.Println(str)
}

func help() {
	str := `smuserver is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

Each entry under Instruments is served under /<Name>, e.g. /smu/measure,
and measurement requests select instruments by Name.  An empty instrument in
a request selects the first one.

Transports:
	serial  Addr is a device path, /dev/ttyUSB0 or COM3, at Baud
	tcp     Addr is host:port of a LAN-GPIB gateway or portserver
	usbtmc  Addr is VID:PID in hex, 05e6:2450

Mock: true replaces every instrument with a simulation.  Model selects the
simulated device: solar (the default), resistor, or linear, scaled by R.

Measurements:
	POST /bias, /sweep, /iv, /sweep-step, /voc, /mpp start a run, or stop
	the active one with {"run": false}.  Fields left out of a request are
	taken from Defaults.  POST /stop stops the active run; GET /status
	reports it.  Runs are saved with GET /save?note= or GET /save.fits
	and drawn at GET /plot/<name>.png.`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := Config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func check(path string) {
	c, err := LoadYaml(path)
	if err != nil {
		log.Fatal(err)
	}
	c.Mock = true
	if _, err := BuildBench(c); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%s: %d instruments, ok\n", path, len(c.Instruments))
}

func pversion() {
	fmt.Printf("smuserver version %v\n", Version)
}

func run() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	mux, _, err := BuildMux(c)
	if err != nil {
		log.Fatal(err)
	}
	log.Println("now listening for requests at ", c.Addr)
	log.Fatal(http.ListenAndServe(c.Addr, mux))
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "check":
		if len(args) < 3 {
			log.Fatal("check needs a file")
		}
		check(args[2])
		return
	case "run":
		run()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
