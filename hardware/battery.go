package hardware

import (
	"context"
	"fmt"
	"time"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"

	"quad-flight-core/utils"
)

const mcp3008Max = 1023

// BatteryReading is one sample of the battery divider.
type BatteryReading struct {
	Time  time.Time `json:"time"`
	Raw   int       `json:"raw"`
	Volts float64   `json:"volts"`
}

// BatteryMonitor samples a battery voltage divider through an MCP3008 ADC.
type BatteryMonitor struct {
	port    spi.PortCloser
	conn    spi.Conn
	channel int
	scale   float64
	log     *utils.Logger
}

// OpenBatteryMonitor opens the SPI port (e.g. "SPI0.0"). scale converts
// full-scale ADC volts to battery volts, i.e. the divider ratio times vref.
func OpenBatteryMonitor(portName string, channel int, scale float64, log *utils.Logger) (*BatteryMonitor, error) {
	if channel < 0 || channel > 7 {
		return nil, fmt.Errorf("mcp3008 channel %d out of range", channel)
	}
	if err := initPeriph(); err != nil {
		return nil, err
	}
	p, err := spireg.Open(portName)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", portName, err)
	}
	c, err := p.Connect(physic.MegaHertz, spi.Mode0, 8)
	if err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("connect %s: %w", portName, err)
	}
	return &BatteryMonitor{port: p, conn: c, channel: channel, scale: scale, log: log}, nil
}

// Read performs one single-ended conversion.
func (b *BatteryMonitor) Read() (BatteryReading, error) {
	w := []byte{1, byte(8+b.channel) << 4, 0}
	r := make([]byte, len(w))
	if err := b.conn.Tx(w, r); err != nil {
		return BatteryReading{}, fmt.Errorf("mcp3008 tx: %w", err)
	}
	raw := decodeMCP3008(r)
	return BatteryReading{Time: time.Now(), Raw: raw, Volts: float64(raw) / mcp3008Max * b.scale}, nil
}

func decodeMCP3008(r []byte) int {
	return int(r[1]&0x03)<<8 | int(r[2])
}

// Run samples every interval and hands readings to publish until ctx ends.
func (b *BatteryMonitor) Run(ctx context.Context, interval time.Duration, publish func(BatteryReading)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			rd, err := b.Read()
			if err != nil {
				b.log.Warn("Battery read failed: %v", err)
				continue
			}
			b.log.Debug("Battery %.2f V (raw %d)", rd.Volts, rd.Raw)
			if publish != nil {
				publish(rd)
			}
		}
	}
}

func (b *BatteryMonitor) Close() error {
	return b.port.Close()
}
