package hardware

import (
	"math/rand"
	"sync"

	control "quad-flight-core/flight/attitude_control"
	"quad-flight-core/utils"
)

// SimIMU is a stationary, level airframe with a constant gyroscope bias and
// Gaussian noise on both sensors.
type SimIMU struct {
	mu       sync.Mutex
	rng      *rand.Rand
	GyroBias control.Vector3
	Gravity  control.Vector3
	Noise    float64
}

func NewSimIMU(seed int64) *SimIMU {
	return &SimIMU{
		rng:      rand.New(rand.NewSource(seed)),
		GyroBias: control.Vector3{X: 0.8, Y: -1.1, Z: 0.3},
		Gravity:  control.Vector3{Z: -1},
		Noise:    0.02,
	}
}

func (s *SimIMU) ReadGyroscope() (control.Vector3, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jitter(s.GyroBias), nil
}

func (s *SimIMU) ReadAccelerometer() (control.Vector3, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jitter(s.Gravity), nil
}

func (s *SimIMU) jitter(v control.Vector3) control.Vector3 {
	return control.Vector3{
		X: v.X + s.rng.NormFloat64()*s.Noise,
		Y: v.Y + s.rng.NormFloat64()*s.Noise,
		Z: v.Z + s.rng.NormFloat64()*s.Noise,
	}
}

// SimESC clamps and records pulses, logging changes at TRACE.
type SimESC struct {
	pos  control.MotorPosition
	log  *utils.Logger
	mu   sync.Mutex
	last int
}

func NewSimESCs(log *utils.Logger) [control.MotorCount]*SimESC {
	var out [control.MotorCount]*SimESC
	for i := range out {
		out[i] = &SimESC{pos: control.MotorPosition(i), log: log, last: control.MinPulseUs}
	}
	return out
}

func (e *SimESC) SetPulseWidth(us int) error {
	us = control.ClampPulse(us)
	e.mu.Lock()
	defer e.mu.Unlock()
	if us != e.last {
		e.log.Trace("esc %s -> %d us", e.pos, us)
	}
	e.last = us
	return nil
}

func (e *SimESC) Pulse() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}
