package hardware

import (
	"context"
	"fmt"
	"time"

	control "quad-flight-core/flight/attitude_control"
	"quad-flight-core/utils"
)

// ESCFrame is the CAN frame carrying all four motor pulses.
const ESCFrame = "ESC_CMD"

var escSignals = [control.MotorCount]string{
	control.FrontLeft:  "esc_fl_us",
	control.FrontRight: "esc_fr_us",
	control.BackRight:  "esc_br_us",
	control.BackLeft:   "esc_bl_us",
}

// CANESCBank drives four ESCs behind a CAN bridge. Writes for the first
// three motors are staged; the BackLeft write, which the loop dispatches last,
// sends one frame carrying all four pulses. Only the flight loop writes, so
// there is no locking.
type CANESCBank struct {
	cmap    *utils.CANMap
	writer  utils.CANWriter
	timeout time.Duration
	pulses  [control.MotorCount]int
}

// NewCANESCBank checks that the map defines the ESC frame. timeout bounds
// each transmit.
func NewCANESCBank(cmap *utils.CANMap, writer utils.CANWriter, timeout time.Duration) (*CANESCBank, error) {
	if _, err := cmap.RequireSignals(ESCFrame, escSignals[:]...); err != nil {
		return nil, fmt.Errorf("%w: %w", control.ErrInitialization, err)
	}
	b := &CANESCBank{cmap: cmap, writer: writer, timeout: timeout}
	for i := range b.pulses {
		b.pulses[i] = control.MinPulseUs
	}
	return b, nil
}

// Actuators returns one Actuator per motor position.
func (b *CANESCBank) Actuators() [control.MotorCount]control.Actuator {
	var out [control.MotorCount]control.Actuator
	for i := range out {
		out[i] = canESC{bank: b, pos: control.MotorPosition(i)}
	}
	return out
}

func (b *CANESCBank) set(pos control.MotorPosition, us int) error {
	b.pulses[pos] = control.ClampPulse(us)
	if pos != control.BackLeft {
		return nil
	}
	return b.flush()
}

func (b *CANESCBank) flush() error {
	values := make(utils.SignalValues, control.MotorCount)
	for i, name := range escSignals {
		values[name] = float64(b.pulses[i])
	}
	frame, err := b.cmap.EncodeFrame(ESCFrame, values)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if err := b.writer.WriteFrame(ctx, frame); err != nil {
		return fmt.Errorf("can esc frame: %w", err)
	}
	return nil
}

// Pulses returns the staged pulse per motor.
func (b *CANESCBank) Pulses() [control.MotorCount]int { return b.pulses }

type canESC struct {
	bank *CANESCBank
	pos  control.MotorPosition
}

func (e canESC) SetPulseWidth(us int) error { return e.bank.set(e.pos, us) }
