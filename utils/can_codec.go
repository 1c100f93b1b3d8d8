package utils

import (
	"fmt"
	"math"

	"go.einride.tech/can"
)

// SignalValues maps signal names to physical values.
type SignalValues map[string]float64

// EncodeFrame packs values into a frame ready to transmit. Missing signals
// take their default; every value is clamped to [Min, Max] and then to the
// raw range of its bit field.
func (m *CANMap) EncodeFrame(frameName string, values SignalValues) (can.Frame, error) {
	fd, err := m.FrameByName(frameName)
	if err != nil {
		return can.Frame{}, err
	}

	var payload uint64
	for _, s := range fd.Signals {
		v, ok := values[s.Name]
		if !ok {
			v = s.Default
		}
		if math.IsNaN(v) {
			return can.Frame{}, fmt.Errorf("frame %s signal %s: NaN", fd.Name, s.Name)
		}
		if s.Max > s.Min {
			v = clamp(v, s.Min, s.Max)
		}

		raw := int64(math.Round((v - s.Offset) / s.Factor))
		raw = clampRaw(raw, s.BitLength, s.Signed)
		payload = setBits(payload, s.StartBit, s.BitLength, uint64(raw))
	}

	f := can.Frame{ID: fd.ID, Length: uint8(fd.DLC)}
	for i := 0; i < fd.DLC; i++ {
		f.Data[i] = byte(payload >> (8 * i))
	}
	return f, nil
}

// DecodeFrame unpacks a received frame using the definition for its ID.
func (m *CANMap) DecodeFrame(f can.Frame) (SignalValues, error) {
	fd, err := m.FrameByID(f.ID)
	if err != nil {
		return nil, err
	}
	if int(f.Length) < fd.DLC {
		return nil, fmt.Errorf("frame %s (0x%X) expects DLC %d, got %d", fd.Name, f.ID, fd.DLC, f.Length)
	}

	var payload uint64
	for i := 0; i < fd.DLC; i++ {
		payload |= uint64(f.Data[i]) << (8 * i)
	}

	out := make(SignalValues, len(fd.Signals))
	for _, s := range fd.Signals {
		u := getBits(payload, s.StartBit, s.BitLength)
		out[s.Name] = float64(signExtend(u, s.BitLength, s.Signed))*s.Factor + s.Offset
	}
	return out, nil
}

func mask(bitLen int) uint64 {
	if bitLen >= 64 {
		return math.MaxUint64
	}
	return uint64(1)<<bitLen - 1
}

func getBits(payload uint64, startBit, bitLen int) uint64 {
	return (payload >> startBit) & mask(bitLen)
}

// setBits writes the low bitLen bits of value; two's complement negatives
// are truncated to the field width.
func setBits(payload uint64, startBit, bitLen int, value uint64) uint64 {
	m := mask(bitLen)
	payload &^= m << startBit
	return payload | (value&m)<<startBit
}

func signExtend(u uint64, bitLen int, signed bool) int64 {
	if !signed || bitLen >= 64 {
		return int64(u)
	}
	if u&(uint64(1)<<(bitLen-1)) == 0 {
		return int64(u)
	}
	return int64(u | ^mask(bitLen))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampRaw(raw int64, bitLen int, signed bool) int64 {
	if bitLen <= 0 || bitLen > 63 {
		return raw
	}
	if !signed {
		max := int64(1)<<bitLen - 1
		if raw < 0 {
			return 0
		}
		if raw > max {
			return max
		}
		return raw
	}
	min := -(int64(1) << (bitLen - 1))
	max := int64(1)<<(bitLen-1) - 1
	if raw < min {
		return min
	}
	if raw > max {
		return max
	}
	return raw
}
