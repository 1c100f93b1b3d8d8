package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	control "quad-flight-core/flight/attitude_control"
)

// Settings is the YAML configuration file
type Settings struct {
	Loop    control.LoopConfig `yaml:"loop"`
	AHRS    control.AHRSConfig `yaml:"ahrs"`
	PID     control.AxisGains  `yaml:"pid"`
	IMU     IMUSettings        `yaml:"imu"`
	ESC     ESCSettings        `yaml:"esc"`
	CAN     CANSettings        `yaml:"can"`
	Link    LinkSettings       `yaml:"link"`
	Battery BatterySettings    `yaml:"battery"`
	Log     LogSettings        `yaml:"log"`
}

// IMUSettings selects the inertial sensor
type IMUSettings struct {
	Backend string `yaml:"backend"` // "mpu6050" or "sim"
	Bus     int    `yaml:"i2c_bus"`
	Address int    `yaml:"address"`
	SimSeed int64  `yaml:"sim_seed"`
}

// ESCSettings selects the motor outputs
type ESCSettings struct {
	Backend     string   `yaml:"backend"` // "pwm", "can" or "sim"
	Pins        []string `yaml:"pins"`    // front-left, front-right, back-right, back-left
	FrequencyHz int      `yaml:"frequency_hz"`
}

// CANSettings configures the optional CAN bus
type CANSettings struct {
	Interface    string        `yaml:"interface"`
	MapPath      string        `yaml:"map"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	Commands     bool          `yaml:"commands"`
	Telemetry    bool          `yaml:"telemetry"`
}

// LinkSettings configures the command sources
type LinkSettings struct {
	HTTPAddr string `yaml:"http_addr"`
	IBusPort string `yaml:"ibus_port"`
	IBusBaud int    `yaml:"ibus_baud"`
}

// BatterySettings configures the MCP3008 battery monitor
type BatterySettings struct {
	Enabled  bool          `yaml:"enabled"`
	SPIPort  string        `yaml:"spi_port"`
	Channel  int           `yaml:"channel"`
	Scale    float64       `yaml:"scale"`
	Interval time.Duration `yaml:"interval"`
}

// LogSettings configures the log file
type LogSettings struct {
	File   string `yaml:"file"`
	Level  string `yaml:"level"`
	Stdout bool   `yaml:"stdout"`
}

func DefaultSettings() Settings {
	cfg := control.DefaultConfig()
	return Settings{
		Loop: cfg.Loop,
		AHRS: cfg.AHRS,
		PID:  cfg.PID,
		IMU: IMUSettings{
			Backend: "mpu6050",
			Bus:     1,
			Address: 0x68,
			SimSeed: 1,
		},
		ESC: ESCSettings{
			Backend:     "pwm",
			Pins:        []string{"GPIO18", "GPIO24", "GPIO12", "GPIO13"},
			FrequencyHz: 50,
		},
		CAN: CANSettings{
			Interface:    "can0",
			MapPath:      "config/can/can_map.csv",
			WriteTimeout: 2 * time.Millisecond,
		},
		Link: LinkSettings{
			HTTPAddr: ":5000",
			IBusBaud: 115200,
		},
		Battery: BatterySettings{
			SPIPort:  "SPI0.0",
			Channel:  0,
			Scale:    3.3 * 5,
			Interval: time.Second,
		},
		Log: LogSettings{
			File:   "flight.log",
			Level:  "info",
			Stdout: true,
		},
	}
}

// Config returns the control loop part of the settings.
func (s Settings) Config() control.Config {
	return control.Config{Loop: s.Loop, AHRS: s.AHRS, PID: s.PID}
}

// LoadSettings reads a YAML file over the defaults. An empty path yields
// the defaults.
func LoadSettings(path string) (Settings, error) {
	if path == "" {
		s := DefaultSettings()
		return s, s.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read file: %w", err)
	}
	return ParseSettings(data)
}

// ParseSettings decodes YAML over the defaults and validates the result.
// Unknown keys are rejected so a typo cannot silently keep a default gain.
func ParseSettings(data []byte) (Settings, error) {
	s := DefaultSettings()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return Settings{}, fmt.Errorf("unmarshal: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s Settings) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(s.Loop.RateHz > 0, "loop.rate_hz must be positive, got %g", s.Loop.RateHz)
	check(s.Loop.WatchdogLimit > 0, "loop.watchdog_limit must be positive, got %d", s.Loop.WatchdogLimit)
	check(s.Loop.FlyingThreshold >= control.MinPulseUs && s.Loop.FlyingThreshold < control.MaxPulseUs,
		"loop.flying_threshold %g outside [%d, %d)", s.Loop.FlyingThreshold, control.MinPulseUs, control.MaxPulseUs)
	check(s.Loop.TelemetryEvery >= 0, "loop.telemetry_every must not be negative")
	check(s.Loop.QueueCapacity > 0, "loop.queue_capacity must be positive, got %d", s.Loop.QueueCapacity)
	check(s.AHRS.Beta >= 0, "ahrs.beta must not be negative, got %g", s.AHRS.Beta)
	check(s.AHRS.CalibrationSamples > 0, "ahrs.calibration_samples must be positive, got %d", s.AHRS.CalibrationSamples)
	check(s.AHRS.CalibrationTimeout > 0, "ahrs.calibration_timeout must be positive")

	switch s.IMU.Backend {
	case "mpu6050":
		check(s.IMU.Address > 0 && s.IMU.Address < 0x80, "imu.address 0x%X is not a 7-bit I2C address", s.IMU.Address)
		check(s.IMU.Bus >= 0 && s.IMU.Bus < 256, "imu.i2c_bus %d out of range", s.IMU.Bus)
	case "sim":
	default:
		errs = append(errs, fmt.Errorf("imu.backend %q must be mpu6050 or sim", s.IMU.Backend))
	}

	switch s.ESC.Backend {
	case "pwm":
		check(len(s.ESC.Pins) == control.MotorCount, "esc.pins needs %d entries, got %d", control.MotorCount, len(s.ESC.Pins))
		check(s.ESC.FrequencyHz > 0 && s.ESC.FrequencyHz <= 500, "esc.frequency_hz %d out of range", s.ESC.FrequencyHz)
	case "can", "sim":
	default:
		errs = append(errs, fmt.Errorf("esc.backend %q must be pwm, can or sim", s.ESC.Backend))
	}

	if s.usesCAN() {
		check(s.CAN.Interface != "", "can.interface is required")
		check(s.CAN.MapPath != "", "can.map is required")
		check(s.CAN.WriteTimeout > 0, "can.write_timeout must be positive")
	}
	if s.Link.IBusPort != "" {
		check(s.Link.IBusBaud > 0, "link.ibus_baud must be positive")
	}
	if s.Battery.Enabled {
		check(s.Battery.Channel >= 0 && s.Battery.Channel <= 7, "battery.channel %d outside 0..7", s.Battery.Channel)
		check(s.Battery.Interval > 0, "battery.interval must be positive")
		check(s.Battery.Scale > 0, "battery.scale must be positive")
	}

	return errors.Join(errs...)
}

func (s Settings) usesCAN() bool {
	return s.ESC.Backend == "can" || s.CAN.Commands || s.CAN.Telemetry
}

// Simulate switches every hardware backend to its simulated form.
func (s *Settings) Simulate() {
	s.IMU.Backend = "sim"
	s.ESC.Backend = "sim"
	s.Battery.Enabled = false
	s.Link.IBusPort = ""
}
