package control

import "testing"

func TestAxisControllerDiscreteSteps(t *testing.T) {
	c := NewAxisController("roll", PIDGains{P: 1, I: 0.5, D: 0.25})

	// first: 1*2 + 0.5*2 + 0.25*(2-0) = 3.5
	if got := c.Calculate(2); !near(got, 3.5, tol) {
		t.Fatalf("first output = %f, want 3.5", got)
	}
	// second: 1*4 + 0.5*6 + 0.25*(4-2) = 7.5
	if got := c.Calculate(4); !near(got, 7.5, tol) {
		t.Fatalf("second output = %f, want 7.5", got)
	}
	d := c.Diagnostics()
	if !near(d.ErrorSum, 6, tol) || !near(d.Derivative, 2, tol) || !near(d.Error, 4, tol) {
		t.Fatalf("diagnostics = %+v", d)
	}
	if c.Calls() != 2 {
		t.Fatalf("calls = %d", c.Calls())
	}
}

func TestAxisControllerReplayIsDeterministic(t *testing.T) {
	errs := []float64{0.1, -0.3, 0.25, 0, 0.7, -1.2, 0.05}
	run := func() []float64 {
		c := NewAxisController("pitch", PIDGains{P: 120, I: 0.4, D: 800})
		out := make([]float64, len(errs))
		for i, e := range errs {
			out[i] = c.Calculate(e)
		}
		return out
	}
	a, b := run(), run()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("step %d: %v != %v", i, a[i], b[i])
		}
	}
}

func TestAxisControllerReset(t *testing.T) {
	c := NewAxisController("yaw", PIDGains{P: 1, I: 1, D: 1})
	c.Calculate(5)
	c.Reset()
	// Fresh state: 1*1 + 1*1 + 1*(1-0)
	if got := c.Calculate(1); !near(got, 3, tol) {
		t.Fatalf("after reset = %f, want 3", got)
	}
}

func TestZeroGainsGiveZeroOutput(t *testing.T) {
	c := NewAxisController("yaw", PIDGains{})
	for _, e := range []float64{1, -4, 9} {
		if got := c.Calculate(e); got != 0 {
			t.Fatalf("output %f for zero gains", got)
		}
	}
}
