package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	control "quad-flight-core/flight/attitude_control"
	"quad-flight-core/hardware"
	"quad-flight-core/link"
	"quad-flight-core/utils"
)

type RunnerConfig struct {
	Settings Settings
	// Simulate replaces the sensor, ESCs and CAN bus with in-process fakes.
	Simulate bool
}

// Runner owns every device and link and runs the flight loop.
type Runner struct {
	cfg      RunnerConfig
	log      *utils.Logger
	commands *control.CommandChannel
	loop     *control.Loop

	room         *link.Room
	server       *link.Server
	ibus         *link.IBusReceiver
	canSource    *link.CANCommandSource
	canTelemetry *link.CANTelemetry
	battery      *hardware.BatteryMonitor

	producers []producer
	closers   []io.Closer
}

// producer is a command source or telemetry writer started next to the loop.
type producer struct {
	name string
	run  func(context.Context) error
}

func NewRunner(ctx context.Context, cfg RunnerConfig, log *utils.Logger) (*Runner, error) {
	s := cfg.Settings
	r := &Runner{
		cfg:      cfg,
		log:      log,
		commands: control.NewCommandChannel(s.Loop.QueueCapacity),
	}
	ready := false
	defer func() {
		if !ready {
			r.Close()
		}
	}()

	sensor, err := r.openSensor()
	if err != nil {
		return nil, err
	}

	var (
		cmap   *utils.CANMap
		writer utils.CANWriter
		reader utils.CANReader
	)
	if s.usesCAN() {
		if cmap, err = utils.LoadCANMap(s.CAN.MapPath); err != nil {
			return nil, fmt.Errorf("load can map: %w", err)
		}
		if writer, reader, err = r.openCAN(ctx); err != nil {
			return nil, err
		}
	}

	actuators, err := r.openActuators(cmap, writer)
	if err != nil {
		return nil, err
	}

	if r.loop, err = control.NewLoop(s.Config(), sensor, r.commands, actuators, log); err != nil {
		return nil, err
	}

	r.room = link.NewRoom(r.commands, log)
	r.server = link.NewServer(s.Link.HTTPAddr, r.commands, r.room, log)
	sinks := link.Fanout{r.room, link.LogSink{Log: log}}

	if s.CAN.Telemetry {
		if r.canTelemetry, err = link.NewCANTelemetry(cmap, writer, s.CAN.WriteTimeout, log); err != nil {
			return nil, fmt.Errorf("can telemetry: %w", err)
		}
		sinks = append(sinks, r.canTelemetry)
	}
	r.loop.SetTelemetry(sinks)

	if s.CAN.Commands {
		if r.canSource, err = link.NewCANCommandSource(cmap, reader, r.commands, log); err != nil {
			return nil, fmt.Errorf("can commands: %w", err)
		}
	}

	if s.Link.IBusPort != "" {
		if r.ibus, err = link.OpenIBusReceiver(s.Link.IBusPort, s.Link.IBusBaud, r.commands, log); err != nil {
			return nil, fmt.Errorf("ibus: %w", err)
		}
		r.closers = append(r.closers, r.ibus)
	}

	if s.Battery.Enabled {
		if r.battery, err = hardware.OpenBatteryMonitor(s.Battery.SPIPort, s.Battery.Channel, s.Battery.Scale, log); err != nil {
			return nil, fmt.Errorf("battery: %w", err)
		}
		r.closers = append(r.closers, r.battery)
	}

	r.addProducer("websocket room", r.room.Run)
	r.addProducer("http server", r.server.Run)
	if r.ibus != nil {
		r.addProducer("ibus receiver", r.ibus.Run)
	}
	if r.canSource != nil {
		r.addProducer("can commands", r.canSource.Run)
	}
	if r.canTelemetry != nil {
		r.addProducer("can telemetry", r.canTelemetry.Run)
	}
	if r.battery != nil {
		r.addProducer("battery monitor", func(ctx context.Context) error {
			return r.battery.Run(ctx, s.Battery.Interval, r.publishBattery)
		})
	}

	log.Info("Runner ready: imu=%s esc=%s http=%s ibus=%q can_cmd=%v can_tel=%v battery=%v queue=%d sim=%v",
		s.IMU.Backend, s.ESC.Backend, s.Link.HTTPAddr, s.Link.IBusPort,
		s.CAN.Commands, s.CAN.Telemetry, s.Battery.Enabled, r.commands.Cap(), cfg.Simulate)
	ready = true
	return r, nil
}

func (r *Runner) openSensor() (control.InertialSensor, error) {
	s := r.cfg.Settings.IMU
	if r.cfg.Simulate || s.Backend == "sim" {
		return hardware.NewSimIMU(s.SimSeed), nil
	}
	imu, err := hardware.OpenMPU6050(byte(s.Bus), byte(s.Address))
	if err != nil {
		return nil, err
	}
	r.closers = append(r.closers, imu)
	return imu, nil
}

func (r *Runner) openCAN(ctx context.Context) (utils.CANWriter, utils.CANReader, error) {
	if r.cfg.Simulate {
		bus := utils.NewMemoryCANBus()
		r.closers = append(r.closers, bus)
		return bus, bus.Reader(256), nil
	}
	iface := r.cfg.Settings.CAN.Interface
	writer, err := utils.NewSocketCANWriter(ctx, iface)
	if err != nil {
		return nil, nil, err
	}
	r.closers = append(r.closers, writer)
	reader, err := utils.NewSocketCANReader(ctx, iface)
	if err != nil {
		return nil, nil, err
	}
	r.closers = append(r.closers, reader)
	return writer, reader, nil
}

func (r *Runner) openActuators(cmap *utils.CANMap, writer utils.CANWriter) ([control.MotorCount]control.Actuator, error) {
	var out [control.MotorCount]control.Actuator
	s := r.cfg.Settings.ESC
	backend := s.Backend
	if r.cfg.Simulate && backend == "pwm" {
		backend = "sim"
	}

	switch backend {
	case "sim":
		for i, e := range hardware.NewSimESCs(r.log) {
			out[i] = e
		}
	case "pwm":
		var pins [control.MotorCount]string
		copy(pins[:], s.Pins)
		escs, err := hardware.OpenPWMESCs(pins, s.FrequencyHz)
		if err != nil {
			return out, err
		}
		for i, e := range escs {
			out[i] = e
			r.closers = append(r.closers, haltCloser{e})
		}
	case "can":
		bank, err := hardware.NewCANESCBank(cmap, writer, r.cfg.Settings.CAN.WriteTimeout)
		if err != nil {
			return out, err
		}
		out = bank.Actuators()
	default:
		return out, fmt.Errorf("%w: unknown esc backend %q", control.ErrInitialization, backend)
	}
	return out, nil
}

type haltCloser struct{ e *hardware.PWMESC }

func (h haltCloser) Close() error { return h.e.Halt() }

// Run calibrates, starts the command sources and runs the loop until it
// terminates. The sources stop when the loop returns.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.loop.Setup(ctx); err != nil {
		return err
	}

	// A plain group: one failed source must not cancel the others.
	pctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var g errgroup.Group
	for _, p := range r.producers {
		r.goProducer(pctx, &g, p)
	}

	err := r.loop.Run(ctx)
	cancel()
	if perr := g.Wait(); perr != nil && !errors.Is(perr, context.Canceled) {
		r.log.Warn("Command source stopped with error: %v", perr)
	}
	r.log.Info("Flight loop finished in state %s", r.loop.State())
	return err
}

func (r *Runner) addProducer(name string, run func(context.Context) error) {
	r.producers = append(r.producers, producer{name: name, run: run})
}

// goProducer runs p in the group and logs its failure. The remaining sources
// keep running; the flight loop's watchdog decides what a lost link means.
func (r *Runner) goProducer(ctx context.Context, g *errgroup.Group, p producer) {
	g.Go(func() error {
		err := p.run(ctx)
		if err != nil && ctx.Err() == nil {
			r.log.Error("%s failed: %v", p.name, err)
		}
		return err
	})
}

func (r *Runner) publishBattery(rd hardware.BatteryReading) {
	if r.canTelemetry != nil {
		r.canTelemetry.PublishBattery(rd.Volts)
	}
}

// Close releases devices in reverse order of opening.
func (r *Runner) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil {
			r.log.Warn("Close: %v", err)
		}
	}
	r.closers = nil
}
