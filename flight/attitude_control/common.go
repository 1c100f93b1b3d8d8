package control

import "math"

const (
	// MinPulseUs stops the motor.
	MinPulseUs = 1000
	// MaxPulseUs is the top of the accepted ESC range.
	MaxPulseUs = 2000
	// OverLimitPulseUs replaces any pulse above MaxPulseUs.
	OverLimitPulseUs = 1900

	// Deg converts degrees to radians.
	Deg = math.Pi / 180
)

// ClampPulse bounds a pulse width for an ESC. Values above 2000 fall back to
// 1900, not 2000; 2000 itself passes through.
func ClampPulse(us int) int {
	if us > MaxPulseUs {
		return OverLimitPulseUs
	}
	if us < MinPulseUs {
		return MinPulseUs
	}
	return us
}

// ClampFloat bounds v to [lo, hi].
func ClampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func finite(v Vector3) bool {
	return !math.IsNaN(v.X) && !math.IsNaN(v.Y) && !math.IsNaN(v.Z) &&
		!math.IsInf(v.X, 0) && !math.IsInf(v.Y, 0) && !math.IsInf(v.Z, 0)
}
