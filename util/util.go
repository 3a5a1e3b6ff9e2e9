// Package util contains misc internal utilities.
package util

import (
	"context"
	"math"
	"time"
)

// Clamp limits x to the closed interval [low, high]
func Clamp(x, low, high float64) float64 {
	if x < low {
		return low
	}
	if x > high {
		return high
	}
	return x
}

// SecsToDuration converts a float64 number of seconds to a time.Duration,
// rounding to the nearest nanosecond
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(math.Round(secs * 1e9))
}

// Sleep waits for d or until ctx is done, returning false in the latter case
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// UniqueString returns the unique elements of a slice of strings,
// in the order they first appear
func UniqueString(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Limiter describes a closed range of acceptable magnitudes.
// A zero Max disables the upper bound.
type Limiter struct {
	Min float64 `yaml:"Min"`
	Max float64 `yaml:"Max"`
}

// Check returns true if the magnitude of x lies within the limits
func (l Limiter) Check(x float64) bool {
	ax := math.Abs(x)
	if ax < l.Min {
		return false
	}
	if l.Max != 0 && ax > l.Max {
		return false
	}
	return true
}

// Clamp limits the magnitude of x to the limiter's range, preserving its sign
func (l Limiter) Clamp(x float64) float64 {
	hi := l.Max
	if hi == 0 {
		hi = math.Inf(1)
	}
	return math.Copysign(Clamp(math.Abs(x), l.Min, hi), x)
}
