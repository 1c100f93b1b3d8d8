package control

import "time"

// PIDGains holds the constant gains of one axis controller
type PIDGains struct {
	P float64 `yaml:"p"`
	I float64 `yaml:"i"`
	D float64 `yaml:"d"`
}

// AxisGains groups the per-axis gains
type AxisGains struct {
	Yaw   PIDGains `yaml:"yaw"`
	Pitch PIDGains `yaml:"pitch"`
	Roll  PIDGains `yaml:"roll"`
}

// AHRSConfig holds orientation estimator parameters
type AHRSConfig struct {
	Beta               float64       `yaml:"beta"`
	CalibrationSamples int           `yaml:"calibration_samples"`
	CalibrationTimeout time.Duration `yaml:"calibration_timeout"`
}

// LoopConfig holds flight loop timing and thresholds
type LoopConfig struct {
	RateHz          float64 `yaml:"rate_hz"`
	WatchdogLimit   int     `yaml:"watchdog_limit"`
	FlyingThreshold float64 `yaml:"flying_threshold"`
	TelemetryEvery  int     `yaml:"telemetry_every"`
	QueueCapacity   int     `yaml:"queue_capacity"`
}

// Config is everything the flight loop needs besides its I/O handles
type Config struct {
	Loop LoopConfig `yaml:"loop"`
	AHRS AHRSConfig `yaml:"ahrs"`
	PID  AxisGains  `yaml:"pid"`
}

func DefaultAHRSConfig() AHRSConfig {
	return AHRSConfig{
		Beta:               100,
		CalibrationSamples: 2000,
		CalibrationTimeout: 30 * time.Second,
	}
}

func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		RateHz:          250,
		WatchdogLimit:   1000,
		FlyingThreshold: 1100,
		TelemetryEvery:  25,
		QueueCapacity:   1024,
	}
}

// DefaultConfig leaves the PID gains at zero; every airframe needs its own tuning.
func DefaultConfig() Config {
	return Config{
		Loop: DefaultLoopConfig(),
		AHRS: DefaultAHRSConfig(),
	}
}

// Period is the fixed cycle period derived from RateHz.
func (c LoopConfig) Period() time.Duration {
	return time.Duration(float64(time.Second) / c.RateHz)
}
