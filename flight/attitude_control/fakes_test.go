package control

import (
	"errors"
	"math"
	"testing"
	"time"

	"quad-flight-core/utils"
)

const tol = 1e-9

func near(a, b, eps float64) bool { return math.Abs(a-b) <= eps }

var errBus = errors.New("i2c bus nack")

// fakeSensor returns fixed samples. failGyro/failAccel make the next N reads fail.
type fakeSensor struct {
	gyro, accel Vector3
	failGyro    int
	failAccel   int
	gyroReads   int
	accelReads  int
}

func (f *fakeSensor) ReadGyroscope() (Vector3, error) {
	f.gyroReads++
	if f.failGyro > 0 {
		f.failGyro--
		return Vector3{}, errBus
	}
	return f.gyro, nil
}

func (f *fakeSensor) ReadAccelerometer() (Vector3, error) {
	f.accelReads++
	if f.failAccel > 0 {
		f.failAccel--
		return Vector3{}, errBus
	}
	return f.accel, nil
}

func levelSensor() *fakeSensor {
	return &fakeSensor{accel: Vector3{Z: 1}}
}

// stepClock advances by step on every call.
type stepClock struct {
	t    time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.t = c.t.Add(c.step)
	return c.t
}

type fakeActuator struct {
	writes []int
	fail   bool
}

func (a *fakeActuator) SetPulseWidth(us int) error {
	a.writes = append(a.writes, us)
	if a.fail {
		return errors.New("esc not responding")
	}
	return nil
}

func (a *fakeActuator) last() int {
	if len(a.writes) == 0 {
		return -1
	}
	return a.writes[len(a.writes)-1]
}

func fakeActuators() ([MotorCount]Actuator, [MotorCount]*fakeActuator) {
	var as [MotorCount]Actuator
	var fs [MotorCount]*fakeActuator
	for i := range fs {
		fs[i] = &fakeActuator{}
		as[i] = fs[i]
	}
	return as, fs
}

type recordingSink struct {
	snaps []Snapshot
}

func (r *recordingSink) Publish(s Snapshot) { r.snaps = append(r.snaps, s) }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.AHRS.CalibrationSamples = 10
	cfg.Loop.TelemetryEvery = 0
	return cfg
}

// readyLoop returns a calibrated loop in the Grounded state.
func readyLoop(t *testing.T, cfg Config, sensor *fakeSensor) (*Loop, *CommandChannel, [MotorCount]*fakeActuator) {
	t.Helper()
	commands := NewCommandChannel(16)
	as, fs := fakeActuators()
	l, err := NewLoop(cfg, sensor, commands, as, utils.NewDiscardLogger())
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	clock := &stepClock{t: time.Unix(0, 0), step: 4 * time.Millisecond}
	l.Estimator().SetClock(clock.Now)
	if err := l.Setup(testContext()); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := l.begin(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	return l, commands, fs
}
