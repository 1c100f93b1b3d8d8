package utils

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"go.einride.tech/can"
)

const testMap = `direction,frame_id,frame_name,cycle_ms,dlc,signal_name,start_bit,bit_length,endianness,signed,factor,offset,min,max,default,unit
tx,0x300,ATTITUDE,100,8,roll_deg,0,16,little,true,0.01,0,-180,180,0,deg
tx,0x300,ATTITUDE,100,8,pitch_deg,16,16,little,true,0.01,0,-90,90,0,deg
tx,0x300,ATTITUDE,100,8,state,48,8,little,false,1,0,0,255,0,
# trailing comment rows are skipped
tx,0x200,ESC_CMD,4,8,esc_fl_us,0,16,little,false,1,0,1000,2000,1000,us
`

func loadTestMap(t *testing.T) *CANMap {
	t.Helper()
	m, err := ParseCANMap(strings.NewReader(testMap))
	if err != nil {
		t.Fatalf("ParseCANMap: %v", err)
	}
	return m
}

func TestEncodeDecodeSigned(t *testing.T) {
	m := loadTestMap(t)
	f, err := m.EncodeFrame("ATTITUDE", SignalValues{"roll_deg": -12.34, "pitch_deg": 45.5, "state": 4})
	if err != nil {
		t.Fatal(err)
	}
	if f.ID != 0x300 || f.Length != 8 {
		t.Fatalf("frame header %+v", f)
	}
	got, err := m.DecodeFrame(f)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(got["roll_deg"]+12.34) > 1e-9 || math.Abs(got["pitch_deg"]-45.5) > 1e-9 || got["state"] != 4 {
		t.Fatalf("decoded %v", got)
	}
}

func TestEncodeClampsAndDefaults(t *testing.T) {
	m := loadTestMap(t)
	f, err := m.EncodeFrame("ESC_CMD", SignalValues{})
	if err != nil {
		t.Fatal(err)
	}
	if f.Data[0] != 0xE8 || f.Data[1] != 0x03 {
		t.Fatalf("default 1000 encoded as % x", f.Data[:2])
	}
	f, _ = m.EncodeFrame("ESC_CMD", SignalValues{"esc_fl_us": 2600})
	v, _ := m.DecodeFrame(f)
	if v["esc_fl_us"] != 2000 {
		t.Fatalf("clamped value %v", v["esc_fl_us"])
	}
	if _, err := m.EncodeFrame("ESC_CMD", SignalValues{"esc_fl_us": math.NaN()}); err == nil {
		t.Fatal("NaN accepted")
	}
}

func TestParseCANMapErrors(t *testing.T) {
	header := "direction,frame_id,frame_name,cycle_ms,dlc,signal_name,start_bit,bit_length,endianness,signed,factor,offset,min,max,default,unit\n"
	tests := map[string]string{
		"missing column": "direction,frame_id\n",
		"bad number":     header + "tx,0x1,A,10,8,s,zero,8,little,false,1,0,0,1,0,\n",
		"big endian":     header + "tx,0x1,A,10,8,s,0,8,big,false,1,0,0,1,0,\n",
		"overflow":       header + "tx,0x1,A,10,2,s,8,16,little,false,1,0,0,1,0,\n",
		"zero factor":    header + "tx,0x1,A,10,8,s,0,8,little,false,0,0,0,1,0,\n",
		"dlc mismatch":   header + "tx,0x1,A,10,8,s,0,8,little,false,1,0,0,1,0,\ntx,0x1,A,10,4,t,8,8,little,false,1,0,0,1,0,\n",
	}
	for name, in := range tests {
		if _, err := ParseCANMap(strings.NewReader(in)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestRequireSignals(t *testing.T) {
	m := loadTestMap(t)
	if _, err := m.RequireSignals("ATTITUDE", "roll_deg", "state"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.RequireSignals("ATTITUDE", "yaw_rate"); err == nil {
		t.Fatal("missing signal accepted")
	}
	if _, err := m.RequireSignals("GPS"); err == nil {
		t.Fatal("missing frame accepted")
	}
}

func TestMemoryCANBus(t *testing.T) {
	bus := NewMemoryCANBus()
	r := bus.Reader(4)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	want := can.Frame{ID: 0x123, Length: 1, Data: can.Data{0x42}}
	if err := bus.WriteFrame(ctx, want); err != nil {
		t.Fatal(err)
	}
	got, err := r.ReadFrame(ctx)
	if err != nil || got != want {
		t.Fatalf("got %v, %v", got, err)
	}

	_ = bus.Close()
	if _, err := r.ReadFrame(ctx); !errors.Is(err, ErrCANClosed) {
		t.Fatalf("read after close: %v", err)
	}
	if err := bus.WriteFrame(ctx, want); !errors.Is(err, ErrCANClosed) {
		t.Fatalf("write after close: %v", err)
	}
}
