package mathx_test

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nasa-jpl/keithleyctl/mathx"
)

func ExampleRound() {
	fmt.Println(mathx.Round(-1.26, 0.5))
	// Output: -1.5
}

func TestGradientQuadratic(t *testing.T) {
	// y = x^2 at x = 0..4
	y := []float64{0, 1, 4, 9, 16}
	expected := []float64{1, 2, 4, 6, 7}
	if diff := cmp.Diff(expected, mathx.Gradient(y)); diff != "" {
		t.Errorf("gradient mismatch (-want +got):\n%s", diff)
	}
}

func TestGradientShort(t *testing.T) {
	out := mathx.Gradient([]float64{3})
	if len(out) != 1 || out[0] != 0 {
		t.Errorf("expected [0] got %v", out)
	}
}
