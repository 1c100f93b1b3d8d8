package link

import (
	control "quad-flight-core/flight/attitude_control"
	"quad-flight-core/utils"
)

// Fanout publishes every snapshot to each sink in order.
type Fanout []control.TelemetrySink

func (f Fanout) Publish(s control.Snapshot) {
	for _, sink := range f {
		sink.Publish(s)
	}
}

// LogSink writes a one-line summary of each snapshot at DEBUG.
type LogSink struct {
	Log *utils.Logger
}

func (l LogSink) Publish(s control.Snapshot) {
	if !l.Log.Enabled(utils.DEBUG) {
		return
	}
	o := s.Orientation
	l.Log.Debug("telemetry cycle=%d state=%s ypr=%.1f/%.1f/%.1f throttle=%.0f pulses=%v",
		s.Cycle, s.State, o.Yaw, o.Pitch, o.Roll, s.Setpoints.Throttle, s.Pulses)
}
