package link

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	control "quad-flight-core/flight/attitude_control"
	"quad-flight-core/utils"
)

// CAN frame names the link components expect in the map.
const (
	PilotCommandFrame = "PILOT_CMD"
	PilotLinkFrame    = "PILOT_LINK"
	AttitudeFrame     = "ATTITUDE"
	BatteryFrame      = "BATTERY"
)

var pilotSignals = []string{"throttle_us", "yaw_us", "pitch_us", "roll_us"}

// CANCommandSource decodes pilot frames into command messages: PILOT_CMD
// carries all four sticks, PILOT_LINK carries the alive flag.
type CANCommandSource struct {
	cmap     *utils.CANMap
	reader   utils.CANReader
	commands *control.CommandChannel
	log      *utils.Logger
	cmdID    uint32
	linkID   uint32
}

func NewCANCommandSource(cmap *utils.CANMap, reader utils.CANReader, commands *control.CommandChannel, log *utils.Logger) (*CANCommandSource, error) {
	cmd, err := cmap.RequireSignals(PilotCommandFrame, pilotSignals...)
	if err != nil {
		return nil, err
	}
	lnk, err := cmap.RequireSignals(PilotLinkFrame, "alive")
	if err != nil {
		return nil, err
	}
	return &CANCommandSource{
		cmap:     cmap,
		reader:   reader,
		commands: commands,
		log:      log,
		cmdID:    cmd.ID,
		linkID:   lnk.ID,
	}, nil
}

// Run reads frames until ctx ends or the bus closes.
func (s *CANCommandSource) Run(ctx context.Context) error {
	for {
		f, err := s.reader.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, utils.ErrCANClosed) {
				return nil
			}
			return fmt.Errorf("can command read: %w", err)
		}
		if f.ID != s.cmdID && f.ID != s.linkID {
			continue
		}
		values, err := s.cmap.DecodeFrame(f)
		if err != nil {
			s.log.Warn("Undecodable pilot frame 0x%X: %v", f.ID, err)
			continue
		}
		m := s.message(f.ID, values)
		if err := s.commands.Send(m); err != nil {
			s.log.Warn("CAN command rejected: %v", err)
		}
	}
}

func (s *CANCommandSource) message(id uint32, v utils.SignalValues) control.Message {
	if id == s.linkID {
		return control.Heartbeat(v["alive"] != 0)
	}
	return control.NewCommand(
		int(math.Round(v["throttle_us"])),
		int(math.Round(v["yaw_us"])),
		int(math.Round(v["pitch_us"])),
		int(math.Round(v["roll_us"])),
	)
}

// CANTelemetry broadcasts attitude and battery frames. Publish hands the
// snapshot to a single-slot buffer; Run transmits it.
type CANTelemetry struct {
	cmap    *utils.CANMap
	writer  utils.CANWriter
	log     *utils.Logger
	timeout time.Duration
	pending chan control.Snapshot
	battery chan float64
}

func NewCANTelemetry(cmap *utils.CANMap, writer utils.CANWriter, timeout time.Duration, log *utils.Logger) (*CANTelemetry, error) {
	if _, err := cmap.RequireSignals(AttitudeFrame, "roll_deg", "pitch_deg", "yaw_deg", "state"); err != nil {
		return nil, err
	}
	return &CANTelemetry{
		cmap:    cmap,
		writer:  writer,
		log:     log,
		timeout: timeout,
		pending: make(chan control.Snapshot, 1),
		battery: make(chan float64, 1),
	}, nil
}

// Publish implements control.TelemetrySink; a snapshot arriving while the
// previous one is still queued is dropped.
func (t *CANTelemetry) Publish(s control.Snapshot) {
	select {
	case t.pending <- s:
	default:
	}
}

// PublishBattery queues a battery voltage; it is sent only if the map
// defines the BATTERY frame.
func (t *CANTelemetry) PublishBattery(volts float64) {
	select {
	case t.battery <- volts:
	default:
	}
}

func (t *CANTelemetry) Run(ctx context.Context) error {
	_, hasBattery := t.cmap.ByName[BatteryFrame]
	for {
		var (
			name   string
			values utils.SignalValues
		)
		select {
		case <-ctx.Done():
			return nil
		case s := <-t.pending:
			name, values = AttitudeFrame, attitudeValues(s)
		case v := <-t.battery:
			if !hasBattery {
				continue
			}
			name, values = BatteryFrame, utils.SignalValues{"battery_v": v}
		}
		if err := t.send(ctx, name, values); err != nil {
			t.log.Warn("CAN telemetry %s: %v", name, err)
		}
	}
}

func (t *CANTelemetry) send(ctx context.Context, name string, values utils.SignalValues) error {
	f, err := t.cmap.EncodeFrame(name, values)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.writer.WriteFrame(wctx, f)
}

func attitudeValues(s control.Snapshot) utils.SignalValues {
	return utils.SignalValues{
		"roll_deg":     s.Orientation.Roll,
		"pitch_deg":    s.Orientation.Pitch,
		"yaw_deg":      s.Orientation.Yaw,
		"state":        float64(stateCode(s.State)),
		"missed_polls": float64(s.MissedPolls),
	}
}

func stateCode(name string) int {
	for st := control.Uninitialized; st <= control.Terminated; st++ {
		if st.String() == name {
			return int(st)
		}
	}
	return 255
}
