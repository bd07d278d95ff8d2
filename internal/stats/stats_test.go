package stats

import (
	"math"
	"testing"
)

func TestMean(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		xs   []float64
		want float64
	}{
		{"empty", nil, 0},
		{"single", []float64{5}, 5},
		{"several", []float64{1, 2, 3, 4}, 2.5},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Mean(c.xs); got != c.want {
				t.Errorf("Mean(%v) = %v, want %v", c.xs, got, c.want)
			}
		})
	}
}

func TestPopStdDev(t *testing.T) {
	t.Parallel()

	// Population stddev of {2,4,4,4,5,5,7,9} is 2.
	xs := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	got := PopStdDev(xs)
	if math.Abs(got-2) > 1e-9 {
		t.Errorf("PopStdDev(%v) = %v, want 2", xs, got)
	}

	if got := PopStdDev(nil); got != 0 {
		t.Errorf("PopStdDev(nil) = %v, want 0", got)
	}
}

func TestZScore(t *testing.T) {
	t.Parallel()

	z, ok := ZScore(10, 5, 2)
	if !ok || z != 2.5 {
		t.Errorf("ZScore(10,5,2) = (%v,%v), want (2.5,true)", z, ok)
	}

	if _, ok := ZScore(10, 5, 0); ok {
		t.Error("ZScore with sigma=0 should be absent")
	}
}

func TestPctChange(t *testing.T) {
	t.Parallel()

	if got := PctChange(100, 150); got != 0.5 {
		t.Errorf("PctChange(100,150) = %v, want 0.5", got)
	}
	if got := PctChange(0, 0); got != 0 {
		t.Errorf("PctChange(0,0) = %v, want 0", got)
	}
	if got := PctChange(0, 5); !math.IsInf(got, 1) {
		t.Errorf("PctChange(0,5) = %v, want +Inf", got)
	}
	if got := PctChange(0, -5); !math.IsInf(got, -1) {
		t.Errorf("PctChange(0,-5) = %v, want -Inf", got)
	}
}
