package control

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/westphae/quaternion"
)

func testContext() context.Context { return context.Background() }

func calibrated(t *testing.T, s *fakeSensor, beta float64, step time.Duration) *Estimator {
	t.Helper()
	e := NewEstimator(s, beta)
	clock := &stepClock{t: time.Unix(0, 0), step: step}
	e.SetClock(clock.Now)
	if err := e.Calibrate(context.Background(), 50); err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	return e
}

func TestUpdateBeforeCalibrate(t *testing.T) {
	e := NewEstimator(levelSensor(), 100)
	if _, err := e.Update(); !errors.Is(err, ErrNotCalibrated) {
		t.Fatalf("expected ErrNotCalibrated, got %v", err)
	}
}

func TestCalibrateAveragesGyro(t *testing.T) {
	s := &fakeSensor{gyro: Vector3{X: 1.5, Y: -2, Z: 0.25}, accel: Vector3{Z: 1}}
	e := NewEstimator(s, 100)
	if err := e.Calibrate(context.Background(), 2000); err != nil {
		t.Fatal(err)
	}
	b := e.Bias()
	if !near(b.X, 1.5, tol) || !near(b.Y, -2, tol) || !near(b.Z, 0.25, tol) {
		t.Fatalf("bias = %+v", b)
	}
	if s.gyroReads != 2000 {
		t.Fatalf("expected 2000 gyro reads, got %d", s.gyroReads)
	}

	// A second calibration on the same stationary input gives the same bias.
	if err := e.Calibrate(context.Background(), 2000); err != nil {
		t.Fatal(err)
	}
	if b2 := e.Bias(); b2 != b {
		t.Fatalf("recalibration drifted: %+v vs %+v", b2, b)
	}
}

func TestCalibrateErrors(t *testing.T) {
	e := NewEstimator(levelSensor(), 100)
	if err := e.Calibrate(context.Background(), 0); err == nil {
		t.Fatal("expected error for zero samples")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := e.Calibrate(ctx, 10); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	bad := NewEstimator(&fakeSensor{failGyro: 1}, 100)
	if err := bad.Calibrate(context.Background(), 10); !errors.Is(err, ErrSensorIO) || !errors.Is(err, errBus) {
		t.Fatalf("expected wrapped sensor error, got %v", err)
	}
	if bad.Calibrated() {
		t.Fatal("failed calibration must not mark the estimator calibrated")
	}
}

func TestQuaternionStaysUnit(t *testing.T) {
	s := &fakeSensor{accel: Vector3{Z: 1}}
	e := calibrated(t, s, 100, 4*time.Millisecond)
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 5000; i++ {
		s.gyro = Vector3{X: rng.NormFloat64() * 200, Y: rng.NormFloat64() * 200, Z: rng.NormFloat64() * 200}
		s.accel = Vector3{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()}
		if i%97 == 0 {
			s.accel = Vector3{}
		}
		if _, err := e.Update(); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
		if n := quaternion.Norm(e.Quaternion()); !near(n, 1, 1e-9) {
			t.Fatalf("update %d: |q| = %.12f", i, n)
		}
	}
}

func TestGyroIntegrationScalesWithElapsedTime(t *testing.T) {
	// 90 deg/s about z for one second, no accelerometer correction.
	s := &fakeSensor{}
	e := calibrated(t, s, 0, 1*time.Millisecond)
	s.gyro = Vector3{Z: 90}
	for i := 0; i < 1000; i++ {
		if _, err := e.Update(); err != nil {
			t.Fatal(err)
		}
	}
	if yaw := e.Orientation().Yaw; !near(yaw, math.Pi/2, 1e-3) {
		t.Fatalf("yaw = %f, want %f", yaw, math.Pi/2)
	}
}

func TestZeroAccelerometerSkipsCorrection(t *testing.T) {
	s := &fakeSensor{}
	e := calibrated(t, s, 100, 4*time.Millisecond)
	if _, err := e.Update(); err != nil {
		t.Fatal(err)
	}
	q := e.Quaternion()
	if !near(q.W, 1, tol) || !near(q.X, 0, tol) || !near(q.Y, 0, tol) || !near(q.Z, 0, tol) {
		t.Fatalf("q moved without input: %+v", q)
	}
}

func TestLevelAccelerometerAtIdentityIsStable(t *testing.T) {
	// The gravity gradient is exactly zero here.
	e := calibrated(t, levelSensor(), 100, 4*time.Millisecond)
	for i := 0; i < 10; i++ {
		if _, err := e.Update(); err != nil {
			t.Fatal(err)
		}
	}
	q := e.Quaternion()
	if math.IsNaN(q.W) || !near(q.W, 1, tol) {
		t.Fatalf("q = %+v", q)
	}
}

func TestBiasIsRemoved(t *testing.T) {
	s := &fakeSensor{gyro: Vector3{X: 3, Y: -1, Z: 2}}
	e := calibrated(t, s, 0, 4*time.Millisecond)
	for i := 0; i < 100; i++ {
		if _, err := e.Update(); err != nil {
			t.Fatal(err)
		}
	}
	if q := e.Quaternion(); !near(q.W, 1, tol) {
		t.Fatalf("bias not removed, q = %+v", q)
	}
}

func TestFailedReadLeavesStateUntouched(t *testing.T) {
	s := &fakeSensor{gyro: Vector3{X: 50}}
	e := calibrated(t, s, 0, 4*time.Millisecond)
	s.gyro = Vector3{X: 100}
	if _, err := e.Update(); err != nil {
		t.Fatal(err)
	}
	before := e.Quaternion()

	s.failAccel = 1
	if _, err := e.Update(); !errors.Is(err, ErrSensorIO) {
		t.Fatalf("expected ErrSensorIO, got %v", err)
	}
	if e.Quaternion() != before {
		t.Fatal("quaternion changed on failed read")
	}

	s.gyro = Vector3{X: math.NaN()}
	if _, err := e.Update(); !errors.Is(err, ErrSensorIO) {
		t.Fatalf("expected ErrSensorIO for NaN sample, got %v", err)
	}
	if e.Quaternion() != before {
		t.Fatal("quaternion changed on non-finite sample")
	}
}

func TestToEuler(t *testing.T) {
	h := math.Sqrt(0.5)
	tests := []struct {
		name             string
		q                quaternion.Quaternion
		yaw, pitch, roll float64
	}{
		{"identity reads inverted", quaternion.Quaternion{W: 1}, 0, 0, -math.Pi},
		{"upside down mount reads level", quaternion.Quaternion{X: 1}, 0, 0, 0},
		{"yaw quarter turn", quaternion.Quaternion{W: h, Z: h}, math.Pi / 2, 0, -math.Pi},
		{"pitch clamps high", quaternion.Quaternion{W: 0.8, Y: 0.8}, math.Pi, math.Pi / 2, 0},
		{"pitch clamps low", quaternion.Quaternion{W: 0.8, Y: -0.8}, math.Pi, -math.Pi / 2, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := ToEuler(tt.q)
			if !near(o.Yaw, tt.yaw, 1e-9) || !near(o.Pitch, tt.pitch, 1e-9) || !near(o.Roll, tt.roll, 1e-9) {
				t.Fatalf("got %+v, want yaw=%f pitch=%f roll=%f", o, tt.yaw, tt.pitch, tt.roll)
			}
		})
	}
}

func TestGradientMatchesExpandedForm(t *testing.T) {
	q := quaternion.Unit(quaternion.Quaternion{W: 0.9, X: 0.1, Y: -0.3, Z: 0.2})
	ax, ay, az := 0.2, -0.1, 0.97
	n := math.Sqrt(ax*ax + ay*ay + az*az)
	ax, ay, az = ax/n, ay/n, az/n

	q0, q1, q2, q3 := q.W, q.X, q.Y, q.Z
	want := [4]float64{
		4*q0*q2*q2 + 2*q2*ax + 4*q0*q1*q1 - 2*q1*ay,
		4*q1*q3*q3 - 2*q3*ax + 4*q0*q0*q1 - 2*q0*ay - 4*q1 + 8*q1*q1*q1 + 8*q1*q2*q2 + 4*q1*az,
		4*q0*q0*q2 + 2*q0*ax + 4*q2*q3*q3 - 2*q3*ay - 4*q2 + 8*q2*q1*q1 + 8*q2*q2*q2 + 4*q2*az,
		4*q1*q1*q3 - 2*q1*ax + 4*q2*q2*q3 - 2*q2*ay,
	}
	got := gradient(q, ax, ay, az)
	for i := range want {
		if !near(got[i], want[i], 1e-12) {
			t.Fatalf("s%d = %.15f, want %.15f", i, got[i], want[i])
		}
	}
}
