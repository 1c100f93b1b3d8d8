package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"quad-flight-core/utils"
)

// FlightState is the lifecycle phase of the flight loop.
type FlightState int

const (
	Uninitialized FlightState = iota
	Calibrating
	Ready
	Grounded
	Flying
	Terminated
)

func (s FlightState) String() string {
	switch s {
	case Uninitialized:
		return "UNINITIALIZED"
	case Calibrating:
		return "CALIBRATING"
	case Ready:
		return "READY"
	case Grounded:
		return "GROUNDED"
	case Flying:
		return "FLYING"
	case Terminated:
		return "TERMINATED"
	default:
		return fmt.Sprintf("STATE(%d)", int(s))
	}
}

// AxisErrors are setpoint minus measurement per axis, in radians.
type AxisErrors struct {
	Yaw   float64 `json:"yaw"`
	Pitch float64 `json:"pitch"`
	Roll  float64 `json:"roll"`
}

// Snapshot is a copy of loop state for telemetry. Angles are in degrees.
type Snapshot struct {
	Time        time.Time                 `json:"time"`
	Cycle       uint64                    `json:"cycle"`
	State       string                    `json:"state"`
	Orientation Orientation               `json:"orientation"`
	Setpoints   Setpoints                 `json:"setpoints"`
	Errors      AxisErrors                `json:"errors"`
	Corrections Corrections               `json:"corrections"`
	Pulses      [MotorCount]int           `json:"pulses"`
	MissedPolls int                       `json:"missed_polls"`
	PID         map[string]PIDDiagnostics `json:"pid,omitempty"`
}

// TelemetrySink receives snapshots from the loop goroutine. Publish must not
// block.
type TelemetrySink interface {
	Publish(Snapshot)
}

// Loop is the fixed-rate attitude controller. Setup and Run must be called
// from one goroutine; producers talk to it only through the CommandChannel.
type Loop struct {
	cfg       Config
	log       *utils.Logger
	sensor    InertialSensor
	estimator *Estimator
	commands  *CommandChannel
	actuators [MotorCount]Actuator
	telemetry TelemetrySink

	yawPID   *AxisController
	pitchPID *AxisController
	rollPID  *AxisController

	state       FlightState
	setpoints   Setpoints
	orientation Orientation
	errors      AxisErrors
	corrections Corrections
	pulses      [MotorCount]int
	missed      int
	cycles      uint64
	overruns    uint64
}

func NewLoop(cfg Config, sensor InertialSensor, commands *CommandChannel, actuators [MotorCount]Actuator, log *utils.Logger) (*Loop, error) {
	if sensor == nil {
		return nil, fmt.Errorf("%w: no inertial sensor", ErrInitialization)
	}
	if commands == nil {
		return nil, fmt.Errorf("%w: no command channel", ErrInitialization)
	}
	for i, a := range actuators {
		if a == nil {
			return nil, fmt.Errorf("%w: no actuator for %s", ErrInitialization, MotorPosition(i))
		}
	}
	if cfg.Loop.RateHz <= 0 {
		return nil, fmt.Errorf("%w: rate_hz must be positive, got %g", ErrInitialization, cfg.Loop.RateHz)
	}
	if cfg.Loop.WatchdogLimit <= 0 {
		return nil, fmt.Errorf("%w: watchdog_limit must be positive, got %d", ErrInitialization, cfg.Loop.WatchdogLimit)
	}
	if log == nil {
		log = utils.NewDiscardLogger()
	}

	l := &Loop{
		cfg:       cfg,
		log:       log,
		sensor:    sensor,
		estimator: NewEstimator(sensor, cfg.AHRS.Beta),
		commands:  commands,
		actuators: actuators,
		yawPID:    NewAxisController("yaw", cfg.PID.Yaw),
		pitchPID:  NewAxisController("pitch", cfg.PID.Pitch),
		rollPID:   NewAxisController("roll", cfg.PID.Roll),
		state:     Uninitialized,
		setpoints: DefaultSetpoints(),
	}
	for i := range l.pulses {
		l.pulses[i] = MinPulseUs
	}
	return l, nil
}

// SetTelemetry installs a sink for periodic snapshots. Call before Run.
func (l *Loop) SetTelemetry(sink TelemetrySink) { l.telemetry = sink }

// Estimator exposes the orientation estimator, mainly for its clock.
func (l *Loop) Estimator() *Estimator { return l.estimator }

func (l *Loop) State() FlightState { return l.state }

func (l *Loop) setState(s FlightState) {
	if s == l.state {
		return
	}
	l.log.Info("Flight state %s -> %s", l.state, s)
	l.state = s
}

// Setup arms the ESCs at minimum pulse, checks the accelerometer answers and
// calibrates the gyroscope. Any failure leaves the loop Terminated with a
// wrapped ErrInitialization.
func (l *Loop) Setup(ctx context.Context) error {
	if l.state != Uninitialized {
		return fmt.Errorf("setup called in state %s", l.state)
	}
	l.setState(Calibrating)

	if err := SafeState(l.actuators); err != nil {
		l.setState(Terminated)
		return fmt.Errorf("%w: arming ESCs: %w", ErrInitialization, err)
	}

	a, err := l.sensor.ReadAccelerometer()
	if err == nil && !finite(a) {
		err = fmt.Errorf("%w: non-finite accelerometer sample %+v", ErrSensorIO, a)
	}
	if err != nil {
		l.setState(Terminated)
		return fmt.Errorf("%w: accelerometer: %w", ErrInitialization, err)
	}
	for _, c := range []*AxisController{l.yawPID, l.pitchPID, l.rollPID} {
		g := c.Gains()
		l.log.Info("PID %s: Kp=%.3f Ki=%.3f Kd=%.3f", c.Name(), g.P, g.I, g.D)
	}

	samples := l.cfg.AHRS.CalibrationSamples
	l.log.Info("Calibrating gyroscope over %d samples, keep the airframe still", samples)
	cctx := ctx
	if t := l.cfg.AHRS.CalibrationTimeout; t > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	start := time.Now()
	if err := l.estimator.Calibrate(cctx, samples); err != nil {
		l.setState(Terminated)
		if serr := SafeState(l.actuators); serr != nil {
			err = errors.Join(err, fmt.Errorf("safe state: %w", serr))
		}
		return fmt.Errorf("%w: %w", ErrInitialization, err)
	}
	b := l.estimator.Bias()
	l.log.Info("Gyroscope bias %.4f %.4f %.4f deg/s (%s)", b.X, b.Y, b.Z, time.Since(start).Round(time.Millisecond))

	l.setState(Ready)
	return nil
}

// Run drives Step at the configured rate until the loop terminates. It
// returns nil on a commanded shutdown, a wrapped ErrCommandLinkLost when the
// watchdog fires, a wrapped ErrSensorIO on sensor failure and ctx.Err() when
// ctx ends. The actuators are in safe state whenever Run returns.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.begin(); err != nil {
		return err
	}

	period := l.cfg.Loop.Period()
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	l.log.Info("Flight loop running at %.0f Hz (watchdog %d polls)", l.cfg.Loop.RateHz, l.cfg.Loop.WatchdogLimit)

	for {
		select {
		case <-ctx.Done():
			l.log.Warn("Context done, stopping flight loop: %v", ctx.Err())
			return l.terminate(ctx.Err())

		case <-ticker.C:
			start := time.Now()
			done, err := l.Step()
			if done {
				return err
			}
			if elapsed := time.Since(start); elapsed > period {
				l.overruns++
				l.log.Debug("Cycle %d overran: %s > %s (%d total)", l.cycles, elapsed, period, l.overruns)
			}
		}
	}
}

func (l *Loop) begin() error {
	if l.state != Ready {
		return fmt.Errorf("run called in state %s", l.state)
	}
	l.setState(Grounded)
	return nil
}

// Step executes one control cycle: estimate, poll one command, compute
// corrections when flying, mix and write. done is true once the loop has
// terminated; err carries the cause for abnormal termination.
func (l *Loop) Step() (done bool, err error) {
	switch l.state {
	case Terminated:
		return true, nil
	case Grounded, Flying:
	default:
		return false, fmt.Errorf("step called in state %s", l.state)
	}
	l.cycles++

	o, err := l.updateOrientation()
	if err != nil {
		l.log.Critical("Orientation update failed: %v", err)
		return true, l.terminate(err)
	}
	l.orientation = o

	if msg, ok := l.commands.TryReceive(); ok {
		l.missed = 0
		if msg.ShutdownRequested() {
			l.log.Info("Shutdown requested by command source")
			return true, l.terminate(nil)
		}
		if msg.Command != nil {
			l.applyCommand(*msg.Command)
		}
	} else {
		l.missed++
		if l.missed > l.cfg.Loop.WatchdogLimit {
			err := fmt.Errorf("%w: %d consecutive empty polls", ErrCommandLinkLost, l.missed)
			l.log.Critical("Watchdog fired: %v", err)
			return true, l.terminate(err)
		}
	}

	if l.state == Flying {
		// The yaw stick maps to a rate but is compared against the yaw angle.
		l.errors = AxisErrors{
			Yaw:   l.setpoints.Yaw*Deg - o.Yaw,
			Pitch: l.setpoints.Pitch*Deg - o.Pitch,
			Roll:  l.setpoints.Roll*Deg - o.Roll,
		}
		l.corrections = Corrections{
			Yaw:   l.yawPID.Calculate(l.errors.Yaw),
			Pitch: l.pitchPID.Calculate(l.errors.Pitch),
			Roll:  l.rollPID.Calculate(l.errors.Roll),
		}
	} else {
		l.errors = AxisErrors{}
		l.corrections = Corrections{}
	}

	l.pulses = Mix(l.setpoints.Throttle, l.corrections.Roll, l.corrections.Pitch, l.corrections.Yaw)
	if err := l.dispatch(); err != nil {
		l.log.Critical("Actuator write failed: %v", err)
		return true, l.terminate(err)
	}

	if l.cycles%250 == 0 && l.log.Enabled(utils.TRACE) {
		l.log.Trace("cycle=%d state=%s ypr=%.1f/%.1f/%.1f pulses=%v missed=%d",
			l.cycles, l.state, o.Yaw/Deg, o.Pitch/Deg, o.Roll/Deg, l.pulses, l.missed)
	}
	l.publish(false)
	return false, nil
}

// updateOrientation retries a failed sensor read once before giving up.
func (l *Loop) updateOrientation() (Orientation, error) {
	o, err := l.estimator.Update()
	if err != nil && errors.Is(err, ErrSensorIO) {
		l.log.Warn("Sensor read failed, retrying: %v", err)
		o, err = l.estimator.Update()
	}
	return o, err
}

func (l *Loop) applyCommand(c CommandFields) {
	if !l.setpoints.Apply(c) {
		return
	}
	if l.setpoints.Throttle > l.cfg.Loop.FlyingThreshold {
		l.setState(Flying)
	} else {
		l.setState(Grounded)
	}
}

func (l *Loop) dispatch() error {
	var errs []error
	for i, a := range l.actuators {
		if err := a.SetPulseWidth(l.pulses[i]); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", MotorPosition(i), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrActuatorIO, errors.Join(errs...))
	}
	return nil
}

// terminate commands safe state and returns cause, joined with any safe
// state failure.
func (l *Loop) terminate(cause error) error {
	l.setState(Terminated)
	l.corrections = Corrections{}
	for i := range l.pulses {
		l.pulses[i] = MinPulseUs
	}
	err := cause
	if serr := SafeState(l.actuators); serr != nil {
		l.log.Critical("Safe state incomplete: %v", serr)
		err = errors.Join(cause, fmt.Errorf("safe state: %w", serr))
	}
	l.publish(true)
	return err
}

func (l *Loop) publish(force bool) {
	if l.telemetry == nil {
		return
	}
	every := uint64(l.cfg.Loop.TelemetryEvery)
	if !force && (every == 0 || l.cycles%every != 0) {
		return
	}
	l.telemetry.Publish(l.Snapshot())
}

// Snapshot copies the current loop state.
func (l *Loop) Snapshot() Snapshot {
	return Snapshot{
		Time:        time.Now(),
		Cycle:       l.cycles,
		State:       l.state.String(),
		Orientation: l.orientation.Degrees(),
		Setpoints:   l.setpoints,
		Errors:      l.errors,
		Corrections: l.corrections,
		Pulses:      l.pulses,
		MissedPolls: l.missed,
		PID: map[string]PIDDiagnostics{
			"yaw":   l.yawPID.Diagnostics(),
			"pitch": l.pitchPID.Diagnostics(),
			"roll":  l.rollPID.Diagnostics(),
		},
	}
}
