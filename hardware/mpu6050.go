// Package hardware holds the device drivers behind the flight loop's
// InertialSensor and Actuator interfaces.
package hardware

import (
	"fmt"

	"github.com/kidoman/embd"
	_ "github.com/kidoman/embd/host/rpi" // registers the Raspberry Pi I2C driver

	control "quad-flight-core/flight/attitude_control"
)

// MPU6050 register map, default ±250 deg/s and ±2 g ranges.
const (
	MPU6050Address = 0x68

	mpuRegPowerMgmt1  = 0x6B
	mpuRegGyroConfig  = 0x1B
	mpuRegAccelConfig = 0x1C
	mpuRegAccelXoutH  = 0x3B
	mpuRegGyroXoutH   = 0x43

	mpuGyroLSBPerDPS = 131.0
	mpuAccelLSBPerG  = 16384.0
)

// registerBus is the subset of embd.I2CBus the driver uses.
type registerBus interface {
	ReadFromReg(addr, reg byte, value []byte) error
	WriteByteToReg(addr, reg, value byte) error
	Close() error
}

// MPU6050 reads the InvenSense MPU-6050 over I2C.
type MPU6050 struct {
	bus     registerBus
	address byte
	buf     [6]byte
}

// OpenMPU6050 initialises the host I2C driver and wakes the device.
func OpenMPU6050(busNumber, address byte) (*MPU6050, error) {
	if err := embd.InitI2C(); err != nil {
		return nil, fmt.Errorf("%w: i2c init: %w", control.ErrInitialization, err)
	}
	m, err := NewMPU6050(embd.NewI2CBus(busNumber), address)
	if err != nil {
		_ = embd.CloseI2C()
		return nil, err
	}
	return m, nil
}

// NewMPU6050 wakes the device on an already open bus and selects the
// ±250 deg/s and ±2 g full-scale ranges.
func NewMPU6050(bus registerBus, address byte) (*MPU6050, error) {
	m := &MPU6050{bus: bus, address: address}
	for _, w := range []struct{ reg, val byte }{
		{mpuRegPowerMgmt1, 0},
		{mpuRegGyroConfig, 0},
		{mpuRegAccelConfig, 0},
	} {
		if err := bus.WriteByteToReg(address, w.reg, w.val); err != nil {
			return nil, fmt.Errorf("%w: mpu6050 write reg 0x%02X: %w", control.ErrInitialization, w.reg, err)
		}
	}
	return m, nil
}

// ReadGyroscope returns angular rate in deg/s.
func (m *MPU6050) ReadGyroscope() (control.Vector3, error) {
	return m.read(mpuRegGyroXoutH, mpuGyroLSBPerDPS)
}

// ReadAccelerometer returns acceleration in g.
func (m *MPU6050) ReadAccelerometer() (control.Vector3, error) {
	return m.read(mpuRegAccelXoutH, mpuAccelLSBPerG)
}

func (m *MPU6050) read(reg byte, lsb float64) (control.Vector3, error) {
	if err := m.bus.ReadFromReg(m.address, reg, m.buf[:]); err != nil {
		return control.Vector3{}, fmt.Errorf("mpu6050 read reg 0x%02X: %w", reg, err)
	}
	return decodeVector(m.buf[:], lsb), nil
}

// decodeVector converts three big-endian int16 words.
func decodeVector(b []byte, lsb float64) control.Vector3 {
	word := func(i int) float64 { return float64(int16(uint16(b[i])<<8 | uint16(b[i+1]))) }
	return control.Vector3{X: word(0) / lsb, Y: word(2) / lsb, Z: word(4) / lsb}
}

func (m *MPU6050) Close() error {
	return m.bus.Close()
}
