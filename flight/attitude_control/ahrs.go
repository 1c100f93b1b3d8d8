package control

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/skelterjohn/go.matrix"
	"github.com/westphae/quaternion"
)

// Orientation is an Euler attitude in radians.
type Orientation struct {
	Yaw   float64 `json:"yaw"`
	Pitch float64 `json:"pitch"`
	Roll  float64 `json:"roll"`
}

// Degrees returns the same attitude in degrees.
func (o Orientation) Degrees() Orientation {
	return Orientation{Yaw: o.Yaw / Deg, Pitch: o.Pitch / Deg, Roll: o.Roll / Deg}
}

// Estimator fuses gyroscope and accelerometer samples into a unit quaternion
// with a gradient-descent correction toward gravity. It must be calibrated
// before Update. Not safe for concurrent use.
type Estimator struct {
	sensor InertialSensor
	beta   float64

	q           quaternion.Quaternion
	bias        Vector3
	calibrated  bool
	last        time.Time
	orientation Orientation

	now func() time.Time
}

// NewEstimator starts at the identity attitude.
func NewEstimator(sensor InertialSensor, beta float64) *Estimator {
	return &Estimator{
		sensor: sensor,
		beta:   beta,
		q:      quaternion.Quaternion{W: 1},
		now:    time.Now,
	}
}

// SetClock replaces the time source used to measure integration intervals.
func (e *Estimator) SetClock(now func() time.Time) {
	e.now = now
}

// Calibrate averages samples gyroscope readings into the rate bias. The
// vehicle must be stationary. Cancelling ctx aborts between samples.
func (e *Estimator) Calibrate(ctx context.Context, samples int) error {
	if samples <= 0 {
		return fmt.Errorf("calibration needs at least one sample, got %d", samples)
	}

	var sum Vector3
	for i := 0; i < samples; i++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("calibration interrupted after %d/%d samples: %w", i, samples, err)
		}
		g, err := e.sensor.ReadGyroscope()
		if err != nil {
			return fmt.Errorf("%w: calibration sample %d: %w", ErrSensorIO, i, err)
		}
		if !finite(g) {
			return fmt.Errorf("%w: calibration sample %d is not finite", ErrSensorIO, i)
		}
		sum.X += g.X
		sum.Y += g.Y
		sum.Z += g.Z
	}

	n := float64(samples)
	e.bias = Vector3{X: sum.X / n, Y: sum.Y / n, Z: sum.Z / n}
	e.last = e.now()
	e.calibrated = true
	return nil
}

// Update reads one gyroscope and one accelerometer sample, advances the
// quaternion by the elapsed wall time and returns the new attitude. On error
// the estimator state is left untouched.
func (e *Estimator) Update() (Orientation, error) {
	if !e.calibrated {
		return Orientation{}, ErrNotCalibrated
	}

	g, err := e.sensor.ReadGyroscope()
	if err != nil {
		return Orientation{}, fmt.Errorf("%w: gyroscope: %w", ErrSensorIO, err)
	}
	a, err := e.sensor.ReadAccelerometer()
	if err != nil {
		return Orientation{}, fmt.Errorf("%w: accelerometer: %w", ErrSensorIO, err)
	}
	if !finite(g) || !finite(a) {
		return Orientation{}, fmt.Errorf("%w: non-finite sample gyro=%v accel=%v", ErrSensorIO, g, a)
	}

	now := e.now()
	dt := now.Sub(e.last).Seconds()
	if dt < 0 {
		dt = 0
	}

	q, err := e.step(g, a, dt)
	if err != nil {
		return Orientation{}, err
	}

	e.q = q
	e.last = now
	e.orientation = ToEuler(q)
	return e.orientation, nil
}

func (e *Estimator) step(g, a Vector3, dt float64) (quaternion.Quaternion, error) {
	q := e.q
	gx := (g.X - e.bias.X) * Deg
	gy := (g.Y - e.bias.Y) * Deg
	gz := (g.Z - e.bias.Z) * Deg

	// qDot = 1/2 q ⊗ (0, ω)
	rate := quaternion.Prod(q, quaternion.Quaternion{X: gx, Y: gy, Z: gz})
	qDot := [4]float64{0.5 * rate.W, 0.5 * rate.X, 0.5 * rate.Y, 0.5 * rate.Z}

	if norm := math.Sqrt(a.X*a.X + a.Y*a.Y + a.Z*a.Z); norm > 0 {
		s := gradient(q, a.X/norm, a.Y/norm, a.Z/norm)
		// Zero gradient means the estimate already agrees with gravity.
		if sn := math.Sqrt(s[0]*s[0] + s[1]*s[1] + s[2]*s[2] + s[3]*s[3]); sn > 0 {
			for i := range qDot {
				qDot[i] -= e.beta * s[i] / sn
			}
		}
	}

	next := quaternion.Quaternion{
		W: q.W + qDot[0]*dt,
		X: q.X + qDot[1]*dt,
		Y: q.Y + qDot[2]*dt,
		Z: q.Z + qDot[3]*dt,
	}
	n := quaternion.Norm(next)
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return q, fmt.Errorf("%w: degenerate quaternion after integration (dt=%g)", ErrSensorIO, dt)
	}
	return quaternion.Quaternion{W: next.W / n, X: next.X / n, Y: next.Y / n, Z: next.Z / n}, nil
}

// gradient returns Jᵀf for the gravity objective, with a the normalised
// acceleration.
func gradient(q quaternion.Quaternion, ax, ay, az float64) [4]float64 {
	f := matrix.MakeDenseMatrix([]float64{
		2*(q.X*q.Z-q.W*q.Y) - ax,
		2*(q.W*q.X+q.Y*q.Z) - ay,
		2*(0.5-q.X*q.X-q.Y*q.Y) - az,
	}, 3, 1)
	j := matrix.MakeDenseMatrix([]float64{
		-2 * q.Y, 2 * q.Z, -2 * q.W, 2 * q.X,
		2 * q.X, 2 * q.W, 2 * q.Z, 2 * q.Y,
		0, -4 * q.X, -4 * q.Y, 0,
	}, 3, 4)
	s := matrix.Product(j.Transpose(), f)
	return [4]float64{s.Get(0, 0), s.Get(1, 0), s.Get(2, 0), s.Get(3, 0)}
}

// ToEuler converts a unit quaternion to yaw, pitch and roll. Roll is shifted
// by π for the inverted IMU mount, so a level airframe reads near zero. Pitch
// saturates at ±π/2 when the asin argument leaves [-1, 1].
func ToEuler(q quaternion.Quaternion) Orientation {
	roll := math.Atan2(2*(q.W*q.X+q.Y*q.Z), 1-2*(q.X*q.X+q.Y*q.Y))
	if roll < 0 {
		roll += math.Pi
	} else {
		roll -= math.Pi
	}

	// Past the poles asin saturates at ±π/2.
	pitch := math.Asin(ClampFloat(2*(q.W*q.Y-q.Z*q.X), -1, 1))

	yaw := math.Atan2(2*(q.W*q.Z+q.X*q.Y), 1-2*(q.Y*q.Y+q.Z*q.Z))
	return Orientation{Yaw: yaw, Pitch: pitch, Roll: roll}
}

// Quaternion returns the current attitude estimate.
func (e *Estimator) Quaternion() quaternion.Quaternion { return e.q }

// Bias returns the calibrated gyroscope bias in deg/s.
func (e *Estimator) Bias() Vector3 { return e.bias }

// Calibrated reports whether Calibrate has completed.
func (e *Estimator) Calibrated() bool { return e.calibrated }

// Orientation returns the attitude computed by the last successful Update.
func (e *Estimator) Orientation() Orientation { return e.orientation }
