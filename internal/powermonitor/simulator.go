package powermonitor

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Simulator is a deterministic, in-memory Monitor used for tests and for
// nodes without hardware attached. Its battery percentage evolves only
// through Charge/Discharge and NoteEnergyUsed; it never reads a clock to
// decide how much time has passed on its own, so tests stay reproducible.
type Simulator struct {
	mu sync.Mutex

	batteryPercent  float64
	baseConsumption float64
	maxSolarOutput  float64
	capacityWh      float64

	pattern *patternStore

	historyFile string
	log         zerolog.Logger

	refiner          *daylightRefiner
	daylightOverride func(h int) float64 // test hook; nil uses deterministicDaylight/refiner
}

// NewSimulator builds a Simulator starting at initialBatteryPercent. If
// historyFile names an existing file, its HourlyPattern is loaded so the
// simulator resumes self-calibration across restarts.
func NewSimulator(initialBatteryPercent, baseConsumption, maxSolarOutput, capacityWh float64, historyFile string, log zerolog.Logger) *Simulator {
	s := &Simulator{
		batteryPercent:  clamp(initialBatteryPercent, 0, 100),
		baseConsumption: baseConsumption,
		maxSolarOutput:  maxSolarOutput,
		capacityWh:      capacityWh,
		pattern:         &patternStore{},
		historyFile:     historyFile,
		log:             log.With().Str("component", "powermonitor.simulator").Logger(),
	}
	s.loadHistory()
	return s
}

// WithWeatherRefinement enables sunrise/sunset and cloud-cover enrichment
// of the deterministic daylight fallback for coordinates (latitude,
// longitude), used only for hours the HourlyPattern has not yet observed.
func (s *Simulator) WithWeatherRefinement(latitude, longitude float64, userAgent string) *Simulator {
	s.refiner = newDaylightRefiner(latitude, longitude, userAgent)
	s.pattern.fallback = func(h int, maxSolarOutput float64) float64 {
		estimate, ok := s.refiner.refineDaylightWindow(h, maxSolarOutput)
		if !ok {
			estimate = deterministicDaylight(h, maxSolarOutput)
		}
		if factor, ok := s.refiner.cloudFactor(); ok {
			estimate *= factor
		}
		return estimate
	}
	return s
}

func (s *Simulator) loadHistory() {
	if s.historyFile == "" {
		return
	}
	data, err := os.ReadFile(s.historyFile)
	if err != nil {
		return // no history yet; deterministic daylight model covers the gap
	}
	var file powerHistoryFile
	if err := json.Unmarshal(data, &file); err != nil {
		s.log.Warn().Err(err).Msg("discarding unreadable power history file")
		return
	}
	s.pattern.load(patternFromFile(file))
}

func (s *Simulator) persistHistory() {
	if s.historyFile == "" {
		return
	}
	file := s.pattern.snapshot().toFile(time.Now().Unix())
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to marshal power history")
		return
	}
	if err := os.WriteFile(s.historyFile, data, 0o644); err != nil {
		s.log.Warn().Err(err).Msg("failed to persist power history")
	}
}

// CurrentReading samples the simulated solar output for the current
// wall-clock hour and folds it into the hourly pattern.
func (s *Simulator) CurrentReading() (PowerReading, error) {
	s.mu.Lock()
	now := time.Now()
	solar := s.solarForHourLocked(now.Hour())
	batteryPercent := s.batteryPercent
	voltage := 3.3 + (4.2-3.3)*batteryPercent/100
	s.mu.Unlock()

	if shouldPersist := s.pattern.observe(now.Hour(), solar); shouldPersist {
		s.persistHistory()
	}

	return PowerReading{
		Timestamp:   now,
		Voltage:     voltage,
		Current:     solar / voltage,
		Power:       solar,
		Consumption: s.baseConsumption,
		Temperature: 25.0,
	}, nil
}

func (s *Simulator) solarForHourLocked(h int) float64 {
	if s.daylightOverride != nil {
		return s.daylightOverride(h)
	}
	return s.pattern.solarForHour(h, s.maxSolarOutput)
}

// BatteryLevel returns the current simulated battery percentage.
func (s *Simulator) BatteryLevel() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batteryPercent, nil
}

// SolarOutput returns the simulated instantaneous harvested watts.
func (s *Simulator) SolarOutput() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.solarForHourLocked(time.Now().Hour()), nil
}

// Predict builds a forecast from the current battery level using the
// self-calibrated HourlyPattern where available.
func (s *Simulator) Predict(hoursAhead int) ([]ForecastEntry, error) {
	if hoursAhead <= 0 {
		return nil, fmt.Errorf("powermonitor: hoursAhead must be positive, got %d", hoursAhead)
	}
	s.mu.Lock()
	startBattery := s.batteryPercent
	baseConsumption := s.baseConsumption
	capacityWh := s.capacityWh
	s.mu.Unlock()

	return buildForecast(hoursAhead, startBattery, baseConsumption, capacityWh, s.solarForHourLocked), nil
}

// SetProcessing is advisory for the simulator: it has no physical relay to
// toggle, so it only logs the change at debug level and keeps no state.
func (s *Simulator) SetProcessing(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.Debug().Bool("active", active).Msg("processing state noted")
}

// NoteEnergyUsed debits the simulated battery for work already performed.
func (s *Simulator) NoteEnergyUsed(durationSeconds, watts float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wh := watts * durationSeconds / 3600
	deltaPct := wh / s.capacityWh * 100
	s.batteryPercent = clamp(s.batteryPercent-deltaPct, 0, 100)
}

// Charge is a test hook that adds harvested energy over duration at a fixed
// solar wattage, applying the same charge-taper model used in forecasting.
func (s *Simulator) Charge(watts float64, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hours := duration.Hours()
	net := watts - s.baseConsumption
	if net <= 0 {
		s.batteryPercent = clamp(s.batteryPercent+net*hours/s.capacityWh*100, 0, 100)
		return
	}
	effectiveInflow := net * (0.85 - 0.2*s.batteryPercent/100)
	s.batteryPercent = clamp(s.batteryPercent+effectiveInflow*hours/s.capacityWh*100, 0, 100)
}

// Discharge is a test hook that drains the battery over duration at a fixed
// consumption wattage, independent of any harvested solar input.
func (s *Simulator) Discharge(watts float64, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wh := watts * duration.Hours()
	s.batteryPercent = clamp(s.batteryPercent-wh/s.capacityWh*100, 0, 100)
}

var _ Monitor = (*Simulator)(nil)
