package control

import (
	"errors"
	"sync"
	"testing"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
		check   func(t *testing.T, m Message)
	}{
		{
			name: "full command",
			in:   `{"command": {"throttle": 1500, "yaw": 1000, "pitch": 2000, "roll": 1250}}`,
			check: func(t *testing.T, m Message) {
				c := m.Command
				if *c.Throttle != 1500 || *c.Yaw != 1000 || *c.Pitch != 2000 || *c.Roll != 1250 {
					t.Fatalf("got %+v", c)
				}
			},
		},
		{
			name: "sparse command",
			in:   `{"command": {"yaw": 1700}}`,
			check: func(t *testing.T, m Message) {
				if m.Command.Throttle != nil || m.Command.Yaw == nil || *m.Command.Yaw != 1700 {
					t.Fatalf("got %+v", m.Command)
				}
			},
		},
		{
			name: "heartbeat",
			in:   `{"alive": true}`,
			check: func(t *testing.T, m Message) {
				if m.ShutdownRequested() {
					t.Fatal("heartbeat read as shutdown")
				}
			},
		},
		{
			name: "shutdown",
			in:   `{"alive": false}`,
			check: func(t *testing.T, m Message) {
				if !m.ShutdownRequested() {
					t.Fatal("shutdown not detected")
				}
			},
		},
		{
			name: "unknown keys ignored",
			in:   `{"alive": true, "source": "browser"}`,
		},
		{name: "below range", in: `{"command": {"throttle": 999}}`, wantErr: true},
		{name: "above range", in: `{"command": {"roll": 2001}}`, wantErr: true},
		{name: "fractional", in: `{"command": {"pitch": 1500.5}}`, wantErr: true},
		{name: "not json", in: `throttle=1500`, wantErr: true},
		{name: "empty object", in: `{}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseMessage([]byte(tt.in))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidCommand) {
					t.Fatalf("expected ErrInvalidCommand, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.check != nil {
				tt.check(t, m)
			}
		})
	}
}

func TestSetpointMapping(t *testing.T) {
	tests := []struct {
		in            int
		yaw, attitude float64
	}{
		{1000, -90, -30},
		{1500, 0, 0},
		{2000, 90, 30},
		{1250, -45, -15},
	}
	for _, tt := range tests {
		if got := YawSetpoint(tt.in); !near(got, tt.yaw, tol) {
			t.Errorf("YawSetpoint(%d) = %f, want %f", tt.in, got, tt.yaw)
		}
		if got := AttitudeSetpoint(tt.in); !near(got, tt.attitude, tol) {
			t.Errorf("AttitudeSetpoint(%d) = %f, want %f", tt.in, got, tt.attitude)
		}
	}
}

func TestSetpointsApplySparse(t *testing.T) {
	s := DefaultSetpoints()
	if s.Throttle != MinPulseUs {
		t.Fatalf("initial throttle %f", s.Throttle)
	}
	if s.Apply(CommandFields{Yaw: Value(2000)}) {
		t.Fatal("yaw-only command reported a throttle update")
	}
	if s.Yaw != 90 || s.Throttle != MinPulseUs || s.Pitch != 0 || s.Roll != 0 {
		t.Fatalf("unexpected setpoints %+v", s)
	}
	if !s.Apply(*NewCommand(1300, 1500, 1000, 2000).Command) {
		t.Fatal("throttle update not reported")
	}
	if s.Throttle != 1300 || s.Yaw != 0 || s.Pitch != -30 || s.Roll != 30 {
		t.Fatalf("unexpected setpoints %+v", s)
	}
}

func TestCommandChannelFIFO(t *testing.T) {
	c := NewCommandChannel(4)
	if _, ok := c.TryReceive(); ok {
		t.Fatal("empty channel returned a message")
	}
	for i := 0; i < 3; i++ {
		if err := c.Send(NewCommand(1000+i, 1500, 1500, 1500)); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 3; i++ {
		m, ok := c.TryReceive()
		if !ok || *m.Command.Throttle != 1000+i {
			t.Fatalf("receive %d: ok=%v msg=%+v", i, ok, m.Command)
		}
	}
}

func TestCommandChannelRejects(t *testing.T) {
	c := NewCommandChannel(1)
	if err := c.Send(Message{}); !errors.Is(err, ErrInvalidCommand) {
		t.Fatalf("empty message: %v", err)
	}
	if err := c.Send(Heartbeat(true)); err != nil {
		t.Fatal(err)
	}
	if err := c.Send(Heartbeat(true)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestCommandChannelConcurrentProducers(t *testing.T) {
	c := NewCommandChannel(1000)
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				if err := c.Send(Heartbeat(true)); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()
	if c.Len() != 1000 {
		t.Fatalf("len = %d", c.Len())
	}
}
