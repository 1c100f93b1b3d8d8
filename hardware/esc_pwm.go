package hardware

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"

	control "quad-flight-core/flight/attitude_control"
)

// PWMESC drives one ESC with a servo-style PWM signal on a GPIO pin.
type PWMESC struct {
	pin       gpio.PinIO
	frequency physic.Frequency
	period    time.Duration
}

// OpenPWMESCs opens one ESC per motor position, in FrontLeft..BackLeft order.
func OpenPWMESCs(pins [control.MotorCount]string, frequencyHz int) ([control.MotorCount]*PWMESC, error) {
	var out [control.MotorCount]*PWMESC
	if err := initPeriph(); err != nil {
		return out, fmt.Errorf("%w: %w", control.ErrInitialization, err)
	}
	for i, name := range pins {
		p := gpioreg.ByName(name)
		if p == nil {
			return out, fmt.Errorf("%w: %s esc: no gpio pin %q", control.ErrInitialization, control.MotorPosition(i), name)
		}
		out[i] = NewPWMESC(p, frequencyHz)
	}
	return out, nil
}

func NewPWMESC(pin gpio.PinIO, frequencyHz int) *PWMESC {
	f := physic.Frequency(frequencyHz) * physic.Hertz
	return &PWMESC{
		pin:       pin,
		frequency: f,
		period:    f.Period(),
	}
}

// SetPulseWidth clamps us and updates the duty cycle.
func (e *PWMESC) SetPulseWidth(us int) error {
	us = control.ClampPulse(us)
	if err := e.pin.PWM(pulseDuty(us, e.period), e.frequency); err != nil {
		return fmt.Errorf("pwm %s: %w", e.pin.Name(), err)
	}
	return nil
}

// Halt stops the PWM output.
func (e *PWMESC) Halt() error { return e.pin.Halt() }

func pulseDuty(us int, period time.Duration) gpio.Duty {
	if period <= 0 {
		return 0
	}
	d := int64(gpio.DutyMax) * int64(time.Duration(us)*time.Microsecond) / int64(period)
	if d > int64(gpio.DutyMax) {
		d = int64(gpio.DutyMax)
	}
	return gpio.Duty(d)
}
