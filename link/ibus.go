package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"

	control "quad-flight-core/flight/attitude_control"
	"quad-flight-core/utils"
)

// FlySky iBus framing.
const (
	ibusHeader1     = 0x20
	ibusHeader2     = 0x40
	IBusChannels    = 14
	ibusPacketSize  = 2 + IBusChannels*2 + 2
	ibusPayloadSize = IBusChannels * 2
)

type ibusState int

const (
	waitingForHeader1 ibusState = iota
	waitingForHeader2
	readingPayload
	readingChecksumLow
	readingChecksumHigh
)

// IBusParser is a byte-at-a-time iBus frame decoder.
type IBusParser struct {
	state    ibusState
	payload  [ibusPayloadSize]byte
	index    int
	checksum uint16
	low      byte

	Frames  uint64
	Corrupt uint64
}

// Feed consumes one byte and returns the channel values when it completes
// a frame with a valid checksum.
func (p *IBusParser) Feed(b byte) ([IBusChannels]uint16, bool) {
	var ch [IBusChannels]uint16
	switch p.state {
	case waitingForHeader1:
		if b == ibusHeader1 {
			p.state = waitingForHeader2
		}
	case waitingForHeader2:
		if b == ibusHeader2 {
			p.state = readingPayload
			p.index = 0
			p.checksum = 0xFFFF - ibusHeader1 - ibusHeader2
		} else {
			p.state = waitingForHeader1
		}
	case readingPayload:
		p.payload[p.index] = b
		p.checksum -= uint16(b)
		p.index++
		if p.index == ibusPayloadSize {
			p.state = readingChecksumLow
		}
	case readingChecksumLow:
		p.low = b
		p.state = readingChecksumHigh
	case readingChecksumHigh:
		p.state = waitingForHeader1
		if uint16(p.low)|uint16(b)<<8 != p.checksum {
			p.Corrupt++
			return ch, false
		}
		for i := range ch {
			ch[i] = uint16(p.payload[2*i]) | uint16(p.payload[2*i+1])<<8
		}
		p.Frames++
		return ch, true
	}
	return ch, false
}

// IBusMessage maps AETR channels (roll, pitch, throttle, yaw) to a command,
// constraining each stick to the accepted range.
func IBusMessage(ch [IBusChannels]uint16) control.Message {
	return control.NewCommand(stick(ch[2]), stick(ch[3]), stick(ch[1]), stick(ch[0]))
}

func stick(v uint16) int {
	n := int(v)
	if n < control.MinCommandValue {
		return control.MinCommandValue
	}
	if n > control.MaxCommandValue {
		return control.MaxCommandValue
	}
	return n
}

// IBusReceiver turns a serial iBus stream into command messages.
type IBusReceiver struct {
	port     io.ReadCloser
	commands *control.CommandChannel
	log      *utils.Logger
	parser   IBusParser
}

// OpenIBusReceiver opens the serial port at baud 8N1.
func OpenIBusReceiver(portName string, baud int, commands *control.CommandChannel, log *utils.Logger) (*IBusReceiver, error) {
	port, err := serial.Open(portName, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", portName, err)
	}
	// Short timeouts let Run notice cancellation.
	if err := port.SetReadTimeout(100 * time.Millisecond); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", portName, err)
	}
	return NewIBusReceiver(port, commands, log), nil
}

func NewIBusReceiver(port io.ReadCloser, commands *control.CommandChannel, log *utils.Logger) *IBusReceiver {
	return &IBusReceiver{port: port, commands: commands, log: log}
}

// Run reads until ctx ends or the port fails. A zero-length read is a
// timeout, not end of stream.
func (r *IBusReceiver) Run(ctx context.Context) error {
	buf := make([]byte, 64)
	for {
		if ctx.Err() != nil {
			r.log.Debug("iBus stopped: %d frames, %d corrupt", r.parser.Frames, r.parser.Corrupt)
			return nil
		}
		n, err := r.port.Read(buf)
		for _, b := range buf[:n] {
			ch, ok := r.parser.Feed(b)
			if !ok {
				continue
			}
			if serr := r.commands.Send(IBusMessage(ch)); serr != nil {
				r.log.Warn("iBus frame dropped: %v", serr)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("ibus read: %w", err)
		}
	}
}

func (r *IBusReceiver) Close() error {
	return r.port.Close()
}
