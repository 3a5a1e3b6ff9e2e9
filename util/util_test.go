package util_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nasa-jpl/keithleyctl/util"
)

func ExampleClamp() {
	fmt.Println(util.Clamp(0.25, 0, 0.1))
	// Output: 0.1
}

func ExampleLimiter_Clamp() {
	l := util.Limiter{Min: 1e-6, Max: 1}
	fmt.Println(l.Clamp(-3))
	// Output: -1
}

func TestUniqueString(t *testing.T) {
	inp := []string{"a", "b", "c", "a"}
	expected := []string{"a", "b", "c"}
	output := util.UniqueString(inp)
	if len(output) != len(expected) {
		t.Fatalf("expected %d elements got %d", len(expected), len(output))
	}
	for i := 0; i < len(output); i++ {
		if output[i] != expected[i] {
			t.Errorf("expected %s got %s", expected[i], output[i])
		}
	}
}

func TestClampHigh(t *testing.T) {
	var (
		low   = 0.
		high  = 10.
		input = 20.
	)
	clamped := util.Clamp(input, low, high)
	if clamped != high {
		t.Errorf("expected out of range value %f to be clipped to %f < x < %f, got %f", input, low, high, clamped)
	}
}

func TestClampLow(t *testing.T) {
	var (
		low   = 0.
		high  = 10.
		input = -1.
	)
	clamped := util.Clamp(input, low, high)
	if clamped != low {
		t.Errorf("expected out of range value %f to be clipped to %f < x < %f, got %f", input, low, high, clamped)
	}
}

func TestLimiterCheck(t *testing.T) {
	l := util.Limiter{Max: 0.105}
	if !l.Check(-0.1) {
		t.Errorf("expected -0.1 to be within %+v", l)
	}
	if l.Check(0.2) {
		t.Errorf("expected 0.2 to be outside %+v", l)
	}
	unbounded := util.Limiter{}
	if !unbounded.Check(1e9) {
		t.Error("expected a zero Max to disable the upper bound")
	}
}

func TestSecsToDuration(t *testing.T) {
	var dur time.Duration = 123456789
	secs := dur.Seconds()
	out := util.SecsToDuration(secs)
	if out != dur {
		t.Errorf("expected SecsToDuration to round trip, output %v != expected %v", out, dur)
	}
}

func TestSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if util.Sleep(ctx, time.Minute) {
		t.Error("expected a cancelled sleep to return false")
	}
	if time.Since(start) > time.Second {
		t.Error("expected a cancelled sleep to return promptly")
	}
	if !util.Sleep(context.Background(), time.Millisecond) {
		t.Error("expected a completed sleep to return true")
	}
}
