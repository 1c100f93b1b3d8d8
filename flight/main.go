package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"quad-flight-core/utils"
)

func main() {
	var (
		configPath = flag.String("config", "config/flight.yaml", "Path to the YAML settings file (empty for defaults)")
		logLevel   = flag.String("log", "", "trace|debug|info|warn|error|critical (overrides log.level)")
		simulate   = flag.Bool("sim", false, "Use simulated IMU, ESCs and CAN bus")
	)
	flag.Parse()

	settings, err := LoadSettings(*configPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("ERROR: settings " + *configPath + ": " + err.Error() + "\n")
		os.Exit(2)
	}
	if *logLevel != "" {
		settings.Log.Level = *logLevel
	}
	if *simulate {
		settings.Simulate()
	}

	log, err := utils.NewFileLogger(settings.Log.File, utils.ParseLevel(settings.Log.Level), settings.Log.Stdout)
	if err != nil {
		_, _ = os.Stderr.WriteString("ERROR: cannot open " + settings.Log.File + ": " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner, err := NewRunner(ctx, RunnerConfig{Settings: settings, Simulate: *simulate}, log)
	if err != nil {
		log.Critical("Startup failed: %v", err)
		os.Exit(1)
	}
	defer runner.Close()

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Critical("Run failed: %v", err)
		runner.Close()
		log.Close()
		os.Exit(1)
	}
}
