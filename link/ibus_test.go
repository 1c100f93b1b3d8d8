package link

import (
	"bytes"
	"context"
	"io"
	"testing"

	control "quad-flight-core/flight/attitude_control"
	"quad-flight-core/utils"
)

func ibusFrame(ch [IBusChannels]uint16) []byte {
	b := []byte{ibusHeader1, ibusHeader2}
	for _, v := range ch {
		b = append(b, byte(v), byte(v>>8))
	}
	sum := uint16(0xFFFF)
	for _, x := range b {
		sum -= uint16(x)
	}
	return append(b, byte(sum), byte(sum>>8))
}

func sticks(roll, pitch, throttle, yaw uint16) [IBusChannels]uint16 {
	var ch [IBusChannels]uint16
	for i := range ch {
		ch[i] = 1500
	}
	ch[0], ch[1], ch[2], ch[3] = roll, pitch, throttle, yaw
	return ch
}

func TestIBusParser(t *testing.T) {
	want := sticks(1400, 1600, 1100, 1750)
	// Leading garbage and a false header must be skipped.
	stream := append([]byte{0x00, 0x20, 0x11}, ibusFrame(want)...)

	var p IBusParser
	var got [IBusChannels]uint16
	frames := 0
	for _, b := range stream {
		if ch, ok := p.Feed(b); ok {
			got = ch
			frames++
		}
	}
	if frames != 1 || got != want {
		t.Fatalf("frames=%d got=%v", frames, got)
	}
}

func TestIBusParserRejectsBadChecksum(t *testing.T) {
	f := ibusFrame(sticks(1500, 1500, 1000, 1500))
	f[10] ^= 0x01
	var p IBusParser
	for _, b := range f {
		if _, ok := p.Feed(b); ok {
			t.Fatal("corrupt frame accepted")
		}
	}
	if p.Corrupt != 1 {
		t.Fatalf("corrupt=%d", p.Corrupt)
	}
}

func TestIBusMessageMapping(t *testing.T) {
	m := IBusMessage(sticks(988, 2012, 1300, 1500))
	c := m.Command
	if *c.Roll != 1000 || *c.Pitch != 2000 || *c.Throttle != 1300 || *c.Yaw != 1500 {
		t.Fatalf("got roll=%d pitch=%d throttle=%d yaw=%d", *c.Roll, *c.Pitch, *c.Throttle, *c.Yaw)
	}
}

func TestIBusReceiverRun(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(ibusFrame(sticks(1500, 1500, 1200, 1500)))
	stream.Write(ibusFrame(sticks(1500, 1500, 1300, 1500)))

	commands := control.NewCommandChannel(4)
	r := NewIBusReceiver(io.NopCloser(&stream), commands, utils.NewDiscardLogger())
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, want := range []int{1200, 1300} {
		m, ok := commands.TryReceive()
		if !ok || *m.Command.Throttle != want {
			t.Fatalf("want throttle %d, got %+v ok=%v", want, m.Command, ok)
		}
	}
}
