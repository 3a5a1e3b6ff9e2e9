// Package sweep generates the bias sequences applied by sweep measurements
package sweep

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// zeroTol is the fraction of the sweep span below which a point is zero
const zeroTol = 1e-12

// Hysteresis selects how a forward sweep is mirrored
type Hysteresis int

const (
	// None is a single pass from start to stop
	None Hysteresis = iota

	// Reverse is start to stop and back to start
	Reverse

	// ZeroCentered starts and ends at zero, visiting each polarity out and back
	ZeroCentered
)

// String returns the display name of the mode
func (h Hysteresis) String() string {
	switch h {
	case None:
		return "None"
	case Reverse:
		return "Reverse-sweep"
	case ZeroCentered:
		return "Zero-centered"
	}
	return fmt.Sprintf("Hysteresis(%d)", int(h))
}

// ParseHysteresis parses a mode name without regard to case.  The display
// names are accepted along with "reverse" and "zero"
func ParseHysteresis(s string) (Hysteresis, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return None, nil
	case "reverse-sweep", "reverse":
		return Reverse, nil
	case "zero-centered", "zero":
		return ZeroCentered, nil
	}
	return None, fmt.Errorf("unknown hysteresis mode %q", s)
}

// MarshalText satisfies encoding.TextMarshaler
func (h Hysteresis) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText satisfies encoding.TextUnmarshaler
func (h *Hysteresis) UnmarshalText(b []byte) error {
	v, err := ParseHysteresis(string(b))
	if err != nil {
		return err
	}
	*h = v
	return nil
}

// Linspace returns npts evenly spaced values from start to stop inclusive.
// A value within rounding of zero is exactly zero
func Linspace(start, stop float64, npts int) []float64 {
	switch {
	case npts < 1:
		return nil
	case npts == 1:
		return []float64{start}
	}
	out := floats.Span(make([]float64, npts), start, stop)
	out[npts-1] = stop
	tol := zeroTol * math.Max(math.Abs(start), math.Abs(stop))
	for i, x := range out {
		if math.Abs(x) <= tol {
			out[i] = 0
		}
	}
	return out
}

// Build returns the bias sequence for a sweep from start to stop in npts steps.
//
// Reverse appends the forward sweep reversed without repeating its last point,
// for 2*npts-1 values.  ZeroCentered splits the sweep into strictly positive and
// strictly negative parts and visits the one the sweep runs toward first:
//
//	start < 0 < stop: 0, pos, reverse(pos)[1:], 0, reverse(neg), neg[1:], 0
//	start > 0 > stop: 0, neg, reverse(neg)[1:], 0, reverse(pos), pos[1:], 0
//
// A ZeroCentered sweep which does not cross zero is built as Reverse.
func Build(start, stop float64, npts int, h Hysteresis) ([]float64, error) {
	if npts < 1 {
		return nil, fmt.Errorf("sweep needs at least one point, got %d", npts)
	}
	fwd := Linspace(start, stop, npts)
	switch h {
	case None:
		return fwd, nil
	case Reverse:
		return mirror(fwd), nil
	case ZeroCentered:
		pos := partition(fwd, func(x float64) bool { return x > 0 })
		neg := partition(fwd, func(x float64) bool { return x < 0 })
		var outward, inward []float64
		switch {
		case start < 0 && stop > 0:
			outward, inward = pos, neg
		case start > 0 && stop < 0:
			outward, inward = neg, pos
		default:
			return mirror(fwd), nil
		}
		out := make([]float64, 0, 2*len(fwd)+3)
		out = append(out, 0)
		out = append(out, mirror(outward)...)
		out = append(out, 0)
		out = append(out, mirror(reversed(inward))...)
		out = append(out, 0)
		return out, nil
	}
	return nil, fmt.Errorf("unknown hysteresis mode %d", int(h))
}

// mirror returns arr followed by reverse(arr)[1:]
func mirror(arr []float64) []float64 {
	if len(arr) == 0 {
		return nil
	}
	out := make([]float64, 0, 2*len(arr)-1)
	out = append(out, arr...)
	return append(out, reversed(arr)[1:]...)
}

func reversed(arr []float64) []float64 {
	out := make([]float64, len(arr))
	for i, v := range arr {
		out[len(arr)-1-i] = v
	}
	return out
}

func partition(arr []float64, keep func(float64) bool) []float64 {
	var out []float64
	for _, v := range arr {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}
