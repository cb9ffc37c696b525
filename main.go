// Package main is the entry point for the solar-powered delay-tolerant
// inference broker. It wires the request store, power monitor, inference
// driver, and scheduler together according to the loaded configuration and
// runs the worker loop until a shutdown signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/devskill-org/solar-broker/internal/config"
	"github.com/devskill-org/solar-broker/internal/httpapi"
	"github.com/devskill-org/solar-broker/internal/inference"
	"github.com/devskill-org/solar-broker/internal/jobstore"
	"github.com/devskill-org/solar-broker/internal/powermonitor"
	"github.com/devskill-org/solar-broker/internal/scheduler"
)

func main() {
	var (
		configFile      = flag.String("config", "config.json", "Configuration file path")
		validateConfig  = flag.Bool("validate-config", false, "Load and validate the configuration file, then exit")
		showCalibration = flag.Bool("show-calibration", false, "Print the persisted calibration model and exit")
		immediate       = flag.Bool("immediate", false, "Override immediate_mode from the config file")
	)
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *immediate {
		cfg.ImmediateMode = true
	}

	if *validateConfig {
		fmt.Println("configuration is valid")
		return
	}

	log := newLogger(cfg)

	if *showCalibration {
		showCalibrationAndExit(cfg, log)
		return
	}

	log.Info().Str("config_file", *configFile).Msg("starting solar broker")

	store, err := openStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open request store")
	}
	defer store.Close()

	monitor := buildMonitor(cfg, log)
	if closer, ok := monitor.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	driver := buildDriver(cfg, monitor, log)

	sched := scheduler.New(store, monitor, driver, cfg.CalibrationFile, cfg.ImmediateMode, log)

	var api *httpapi.Server
	if cfg.HTTPPort > 0 {
		api = httpapi.New(sched, fmt.Sprintf(":%d", cfg.HTTPPort), log)
		api.Start()
		log.Info().Int("port", cfg.HTTPPort).Msg("http api listening")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- sched.Start(ctx)
	}()

	select {
	case <-sigChan:
		log.Info().Msg("shutdown signal received")
	case err := <-errChan:
		if err != nil {
			log.Error().Err(err).Msg("scheduler exited unexpectedly")
		} else {
			// The worker loop returns once the queue drains; EnqueuePrompt
			// restarts it, so keep running until a shutdown signal arrives.
			<-sigChan
			log.Info().Msg("shutdown signal received")
		}
	}

	cancel()
	sched.Stop()

	if api != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := api.Stop(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("error shutting down http api")
		}
	}

	log.Info().Msg("solar broker stopped")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	writer := os.Stdout
	logger := zerolog.New(writer).Level(level).With().Timestamp().Logger()
	if cfg.LogFormat == "text" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: writer, TimeFormat: time.RFC3339})
	}
	return logger
}

func openStore(cfg *config.Config) (*jobstore.SQLStore, error) {
	if cfg.PostgresConnString != "" {
		return jobstore.NewPostgresStore(cfg.PostgresConnString)
	}
	return jobstore.NewSQLiteStore(cfg.SQLitePath)
}

func buildMonitor(cfg *config.Config, log zerolog.Logger) powermonitor.Monitor {
	switch {
	case cfg.PlantModbusAddress != "":
		source, err := powermonitor.NewModbusSource(cfg.PlantModbusAddress, cfg.BaseConsumptionWatts, cfg.MaxSolarOutputWatts, cfg.BatteryCapacityWh, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to modbus plant controller")
		}
		return source
	case cfg.SerialPort != "":
		hw := powermonitor.NewHardwareMonitor(cfg.SerialPort, cfg.BaseConsumptionWatts, cfg.MaxSolarOutputWatts, cfg.BatteryCapacityWh, cfg.ReadingCacheTTL, cfg.PowerHistoryFile, log)
		if cfg.Latitude != 0 || cfg.Longitude != 0 {
			return hw.WithWeatherRefinement(cfg.Latitude, cfg.Longitude, cfg.UserAgent)
		}
		return hw
	default:
		sim := powermonitor.NewSimulator(cfg.InitialBatteryPercent, cfg.BaseConsumptionWatts, cfg.MaxSolarOutputWatts, cfg.BatteryCapacityWh, cfg.PowerHistoryFile, log)
		if cfg.Latitude != 0 || cfg.Longitude != 0 {
			return sim.WithWeatherRefinement(cfg.Latitude, cfg.Longitude, cfg.UserAgent)
		}
		return sim
	}
}

func buildDriver(cfg *config.Config, monitor powermonitor.Monitor, log zerolog.Logger) inference.Driver {
	if cfg.InferenceBinaryPath == "" {
		return inference.NewSimulator(10.0, nil, 1, log)
	}
	batteryLevel := func() (float64, error) { return monitor.BatteryLevel() }
	return inference.NewSubprocessDriver(cfg.InferenceBinaryPath, cfg.ModelPath, cfg.InferenceTimeout, batteryLevel, log)
}

func showCalibrationAndExit(cfg *config.Config, log zerolog.Logger) {
	store, err := openStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open request store")
	}
	defer store.Close()

	monitor := buildMonitor(cfg, log)
	driver := buildDriver(cfg, monitor, log)
	sched := scheduler.New(store, monitor, driver, cfg.CalibrationFile, cfg.ImmediateMode, log)

	fmt.Printf("%+v\n", sched.Calibration())
}
