package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nasa-jpl/keithleyctl/bench"
	"github.com/nasa-jpl/keithleyctl/keithley"
)

func mockBench(t *testing.T) *bench.Bench {
	t.Helper()
	b := bench.New(bench.DefaultParams(), 0)
	if err := b.Add("smu", keithley.NewMock(keithley.Resistor{R: 10})); err != nil {
		t.Fatal(err)
	}
	return b
}

func TestStartSweepWithParams(t *testing.T) {
	b := mockBench(t)
	key, err := start(b, "sweep", `{"start": 0, "stop": 1, "npts": 4, "delay": 0}`)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Sup.Wait(); err != nil {
		t.Fatal(err)
	}
	run, err := b.Store.Run(key)
	if err != nil {
		t.Fatal(err)
	}
	if run.Len() != 4 {
		t.Errorf("expected 4 samples got %d", run.Len())
	}
}

func TestStartUnknown(t *testing.T) {
	if _, err := start(mockBench(t), "anneal", ""); err == nil {
		t.Error("expected an unknown measurement to fail")
	}
}

func TestStartBadJSON(t *testing.T) {
	if _, err := start(mockBench(t), "voc", "{"); err == nil {
		t.Error("expected malformed params to fail")
	}
}

func TestWriteAndCat(t *testing.T) {
	b := mockBench(t)
	if _, err := start(b, "sweep", `{"npts": 3, "delay": 0}`); err != nil {
		t.Fatal(err)
	}
	if err := b.Sup.Wait(); err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	txt := filepath.Join(dir, "run.txt")
	if err := write(txt, b.Store.Runs(), "cell 4"); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := cat(txt, options{}, &buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "note: cell 4") || !strings.Contains(out, "3 samples") {
		t.Errorf("unexpected summary %q", out)
	}

	fits := filepath.Join(dir, "run.fits")
	if err := cat(txt, options{out: fits}, &buf); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(fits)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(raw, []byte("SIMPLE  =")) {
		t.Error("converted file is not FITS")
	}
}
