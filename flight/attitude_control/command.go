package control

import (
	"encoding/json"
	"fmt"
)

const (
	// MinCommandValue and MaxCommandValue bound every stick value.
	MinCommandValue = 1000
	MaxCommandValue = 2000
)

// CommandFields carries optional stick values in raw RC units.
type CommandFields struct {
	Throttle *int `json:"throttle,omitempty"`
	Yaw      *int `json:"yaw,omitempty"`
	Pitch    *int `json:"pitch,omitempty"`
	Roll     *int `json:"roll,omitempty"`
}

// Message is one unit on the command channel: a stick update, a heartbeat
// (alive=true) or a shutdown request (alive=false).
type Message struct {
	Command *CommandFields `json:"command,omitempty"`
	Alive   *bool          `json:"alive,omitempty"`
}

// NewCommand builds a message with all four sticks set.
func NewCommand(throttle, yaw, pitch, roll int) Message {
	return Message{Command: &CommandFields{
		Throttle: &throttle,
		Yaw:      &yaw,
		Pitch:    &pitch,
		Roll:     &roll,
	}}
}

// Heartbeat builds an alive message.
func Heartbeat(alive bool) Message {
	return Message{Alive: &alive}
}

// Value returns a pointer to v, for building sparse commands.
func Value(v int) *int { return &v }

// ParseMessage decodes and validates a JSON message. Unknown keys are ignored.
func ParseMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Validate rejects empty messages and out-of-range stick values.
func (m Message) Validate() error {
	if m.Command == nil && m.Alive == nil {
		return fmt.Errorf("%w: neither command nor alive present", ErrInvalidCommand)
	}
	if m.Command == nil {
		return nil
	}
	for _, f := range []struct {
		name string
		v    *int
	}{
		{"throttle", m.Command.Throttle},
		{"yaw", m.Command.Yaw},
		{"pitch", m.Command.Pitch},
		{"roll", m.Command.Roll},
	} {
		if f.v == nil {
			continue
		}
		if *f.v < MinCommandValue || *f.v > MaxCommandValue {
			return fmt.Errorf("%w: %s=%d outside [%d, %d]", ErrInvalidCommand, f.name, *f.v, MinCommandValue, MaxCommandValue)
		}
	}
	return nil
}

// ShutdownRequested reports whether the message carries alive=false.
func (m Message) ShutdownRequested() bool {
	return m.Alive != nil && !*m.Alive
}

// Setpoints are the pilot targets. Throttle stays in µs; yaw is a rate in
// deg/s; pitch and roll are angles in degrees.
type Setpoints struct {
	Throttle float64 `json:"throttle"`
	Yaw      float64 `json:"yaw"`
	Pitch    float64 `json:"pitch"`
	Roll     float64 `json:"roll"`
}

// DefaultSetpoints is level attitude with the motors stopped.
func DefaultSetpoints() Setpoints {
	return Setpoints{Throttle: MinPulseUs}
}

// YawSetpoint maps [1000, 2000] onto [-90, 90] deg/s.
func YawSetpoint(v int) float64 {
	return -90 + float64(v-1000)*180/1000
}

// AttitudeSetpoint maps [1000, 2000] onto [-30, 30] degrees.
func AttitudeSetpoint(v int) float64 {
	return -30 + float64(v-1000)*60/1000
}

// Apply overwrites the fields present in c and reports whether throttle was
// among them.
func (s *Setpoints) Apply(c CommandFields) (throttleSet bool) {
	if c.Throttle != nil {
		s.Throttle = float64(*c.Throttle)
		throttleSet = true
	}
	if c.Yaw != nil {
		s.Yaw = YawSetpoint(*c.Yaw)
	}
	if c.Pitch != nil {
		s.Pitch = AttitudeSetpoint(*c.Pitch)
	}
	if c.Roll != nil {
		s.Roll = AttitudeSetpoint(*c.Roll)
	}
	return throttleSet
}
