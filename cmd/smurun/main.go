// Command smurun performs one measurement on a Keithley 2400 without a server
// and writes the result to a trace file
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/theckman/yacspin"
	"golang.org/x/time/rate"

	"github.com/nasa-jpl/keithleyctl/bench"
	"github.com/nasa-jpl/keithleyctl/comm"
	"github.com/nasa-jpl/keithleyctl/keithley"
	"github.com/nasa-jpl/keithleyctl/smu"
	"github.com/nasa-jpl/keithleyctl/trace"
)

// Version is the version number.  Typically injected via ldflags with git build
var Version = "1"

const usage = `smurun performs one measurement and writes it to a trace file

Usage:
	smurun <bias|sweep|iv|sweep-step|voc|mpp> [flags]
	smurun cat <file> [-o out]
	smurun version

Measurement parameters are given as JSON with -params, in the same form as
the smuserver request bodies; fields left out take their default values.
bias, voc and mpp run until -duration elapses or the program is interrupted.
Output files ending in .fits are written as FITS, anything else as text.`

type options struct {
	addr, transport string
	baud            int
	handshaking     bool
	mock            bool
	params          string
	duration        time.Duration
	out, note       string
}

func parse(cmd string, args []string) options {
	var o options
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	fs.StringVar(&o.addr, "addr", "/dev/ttyUSB0", "instrument address")
	fs.StringVar(&o.transport, "transport", comm.Serial, "tcp, serial or usbtmc")
	fs.IntVar(&o.baud, "baud", 9600, "serial baud rate")
	fs.BoolVar(&o.handshaking, "handshaking", false, "check the error queue after every command")
	fs.BoolVar(&o.mock, "mock", false, "measure a simulated solar cell")
	fs.StringVar(&o.params, "params", "", "measurement parameters as JSON")
	fs.DurationVar(&o.duration, "duration", 0, "stop after this long, zero runs until interrupted or finished")
	fs.StringVar(&o.out, "o", "", "output file, default <kind>-<time>.txt")
	fs.StringVar(&o.note, "note", "", "note written to the text header")
	fs.Parse(args)
	return o
}

func instrument(o options) smu.Instrument {
	if o.mock {
		return keithley.NewMock(keithley.DefaultSolarCell)
	}
	ep := comm.Endpoint{Addr: o.addr, Transport: o.transport, Baud: o.baud}
	return keithley.NewSMU2400(ep, o.handshaking)
}

// start decodes params onto the defaults for cmd and starts the measurement
func start(b *bench.Bench, cmd, params string) (string, error) {
	d := b.Defaults
	decode := func(v interface{}) error {
		if params == "" {
			return nil
		}
		return json.Unmarshal([]byte(params), v)
	}
	switch cmd {
	case "bias":
		if err := decode(&d.Bias); err != nil {
			return "", err
		}
		return b.StartBias(d.Bias)
	case "sweep":
		if err := decode(&d.Sweep); err != nil {
			return "", err
		}
		return b.StartSweep(d.Sweep)
	case "iv":
		if err := decode(&d.PV); err != nil {
			return "", err
		}
		return b.StartPV(d.PV)
	case "sweep-step":
		if err := decode(&d.SweepStep); err != nil {
			return "", err
		}
		return b.StartSweepStep(d.SweepStep, true)
	case "voc":
		if err := decode(&d.Voc); err != nil {
			return "", err
		}
		return b.StartVoc(d.Voc)
	case "mpp":
		if err := decode(&d.MPP); err != nil {
			return "", err
		}
		return b.StartMPP(d.MPP)
	}
	return "", fmt.Errorf("unknown measurement %q", cmd)
}

func write(path string, runs []trace.Run, note string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if strings.EqualFold(filepath.Ext(path), ".fits") {
		return trace.WriteFITS(f, runs)
	}
	return trace.WriteText(f, runs, note)
}

func spinner(suffix string) *yacspin.Spinner {
	s, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " " + suffix,
		SuffixAutoColon:   true,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		log.Fatal(err)
	}
	return s
}

func measure(cmd string, o options) {
	b := bench.New(bench.DefaultParams(), 0)
	if err := b.Add("smu", instrument(o)); err != nil {
		log.Fatal(err)
	}
	spin := spinner(cmd)

	// the spinner is redrawn on its own clock; sample messages are limited
	// so a fast sweep does not flood it
	lim := rate.NewLimiter(rate.Every(250*time.Millisecond), 1)
	n := 0
	b.Store.Subscribe(func(s trace.Sample) {
		n++
		if !lim.Allow() {
			return
		}
		var parts []string
		for i, f := range s.Fields {
			parts = append(parts, fmt.Sprintf("%s=%.4g", f, s.Values[i]))
		}
		spin.Message(fmt.Sprintf("%d samples %s", n, strings.Join(parts, " ")))
	})

	key, err := start(b, cmd, o.params)
	if err != nil {
		log.Fatal(err)
	}
	spin.Start()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if o.duration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, o.duration)
		defer stop()
	}
	done := make(chan error, 1)
	go func() { done <- b.Sup.Wait() }()
	select {
	case err = <-done:
	case <-ctx.Done():
		err = b.Stop()
	}
	if err != nil {
		spin.StopFailMessage(err.Error())
		spin.StopFail()
		os.Exit(1)
	}
	spin.StopMessage(fmt.Sprintf("%d samples", n))
	spin.Stop()

	out := o.out
	if out == "" {
		out = fmt.Sprintf("%s-%s.txt", strings.Fields(key)[0], time.Now().Format("20060102-150405"))
	}
	if err := write(out, b.Store.Runs(), o.note); err != nil {
		log.Fatal(err)
	}
	fmt.Println("wrote", out)
}

// cat summarizes a text trace file, or converts it if -o is given
func cat(path string, o options, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	runs, note, err := trace.ReadText(f)
	if err != nil {
		return err
	}
	if o.out != "" {
		if o.note != "" {
			note = o.note
		}
		return write(o.out, runs, note)
	}
	if note != "" {
		fmt.Fprintln(w, "note:", note)
	}
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%d samples\t%s\n", run.Key, run.Len(), strings.Join(run.Fields, ","))
	}
	return nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println(usage)
		return
	}
	cmd := strings.ToLower(os.Args[1])
	switch cmd {
	case "help", "-h", "--help":
		fmt.Println(usage)
	case "version":
		fmt.Printf("smurun version %v\n", Version)
	case "cat":
		if len(os.Args) < 3 {
			log.Fatal("cat needs a file")
		}
		if err := cat(os.Args[2], parse(cmd, os.Args[3:]), os.Stdout); err != nil {
			log.Fatal(err)
		}
	default:
		measure(cmd, parse(cmd, os.Args[2:]))
	}
}
