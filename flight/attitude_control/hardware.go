package control

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the control loop. Callers match them with errors.Is.
var (
	ErrInitialization  = errors.New("initialization failed")
	ErrSensorIO        = errors.New("sensor i/o failure")
	ErrActuatorIO      = errors.New("actuator i/o failure")
	ErrCommandLinkLost = errors.New("command link lost")
	ErrNotCalibrated   = errors.New("orientation estimator not calibrated")
	ErrInvalidCommand  = errors.New("invalid command message")
	ErrQueueFull       = errors.New("command queue full")
)

// Vector3 is one three-axis sample in the sensor frame.
type Vector3 struct {
	X, Y, Z float64
}

// InertialSensor is the narrow view of the IMU the estimator consumes.
// Gyroscope rates are in deg/s, accelerations in g. A failed read must return
// an error rather than a stale sample.
type InertialSensor interface {
	ReadGyroscope() (Vector3, error)
	ReadAccelerometer() (Vector3, error)
}

// Actuator drives one ESC. Implementations clamp with ClampPulse before the
// hardware write.
type Actuator interface {
	SetPulseWidth(us int) error
}

// MotorPosition indexes the fixed X layout.
type MotorPosition int

const (
	FrontLeft MotorPosition = iota
	FrontRight
	BackRight
	BackLeft
)

// MotorCount is the number of ESC outputs.
const MotorCount = 4

func (p MotorPosition) String() string {
	switch p {
	case FrontLeft:
		return "front-left"
	case FrontRight:
		return "front-right"
	case BackRight:
		return "back-right"
	case BackLeft:
		return "back-left"
	default:
		return fmt.Sprintf("motor(%d)", int(p))
	}
}

// SafeState writes the minimum pulse to every actuator. It keeps going after
// a failed write so one broken ESC does not leave the others spinning.
func SafeState(actuators [MotorCount]Actuator) error {
	var errs []error
	for i, a := range actuators {
		if a == nil {
			continue
		}
		if err := a.SetPulseWidth(MinPulseUs); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", MotorPosition(i), err))
		}
	}
	return errors.Join(errs...)
}
