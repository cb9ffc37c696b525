// Package powermonitor models the node's harvested-solar power: current
// readings, a battery-percentage estimate, and a self-calibrating 24-hour
// availability forecast. Three implementations share the Monitor contract: a
// deterministic Simulator for tests, a HardwareMonitor that talks to a
// serial-attached USB-C power meter, and a ModbusSource that reads a solar
// charge controller over Modbus TCP.
package powermonitor

import (
	"strconv"
	"sync"
	"time"
)

// PowerReading is a point-in-time sample from the monitor.
type PowerReading struct {
	Timestamp   time.Time
	Voltage     float64
	Current     float64
	Power       float64 // instantaneous harvested watts
	Consumption float64 // estimated draw, watts
	Temperature float64
}

// ForecastEntry is a prediction for one future wall-clock hour.
type ForecastEntry struct {
	Hour              int // 0-23
	SolarOutput       float64
	BatteryLevel      float64
	ProcessingCapable bool
}

// HourlyPattern is a 24-slot exponentially weighted moving average of
// observed harvested watts per wall-clock hour. A nil/zero slot means "no
// observation yet" and the deterministic daylight approximation is used
// instead.
type HourlyPattern [24]*float64

// powerHistoryFile is the on-disk JSON shape for a persisted HourlyPattern:
// a string-keyed map ("0".."23") of observed watts, plus the epoch-seconds
// timestamp of the last update.
type powerHistoryFile struct {
	DailySolarPatterns map[string]float64 `json:"daily_solar_patterns"`
	LastUpdated        int64              `json:"last_updated"`
}

func (p HourlyPattern) toFile(lastUpdated int64) powerHistoryFile {
	patterns := make(map[string]float64, 24)
	for h, v := range p {
		if v != nil {
			patterns[strconv.Itoa(h)] = *v
		}
	}
	return powerHistoryFile{DailySolarPatterns: patterns, LastUpdated: lastUpdated}
}

func patternFromFile(f powerHistoryFile) HourlyPattern {
	var pattern HourlyPattern
	for key, watts := range f.DailySolarPatterns {
		h, err := strconv.Atoi(key)
		if err != nil || h < 0 || h > 23 {
			continue
		}
		v := watts
		pattern[h] = &v
	}
	return pattern
}

// Monitor is the capability set the Scheduler depends on. It is a minimal
// polymorphic interface, not a base class: both the Simulator and
// HardwareMonitor variants satisfy it and the Scheduler never type-switches
// on which one is in use.
type Monitor interface {
	CurrentReading() (PowerReading, error)
	BatteryLevel() (float64, error)
	SolarOutput() (float64, error)
	Predict(hoursAhead int) ([]ForecastEntry, error)
	SetProcessing(active bool)
	NoteEnergyUsed(durationSeconds, watts float64)
}

// batteryPercentFromVoltage linearly interpolates cell voltage between
// empty (3.3V) and full (4.2V), clamped to [0,100].
func batteryPercentFromVoltage(voltage float64) float64 {
	const emptyV, fullV = 3.3, 4.2
	pct := (voltage - emptyV) / (fullV - emptyV) * 100
	return clamp(pct, 0, 100)
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

// deterministicDaylight returns the fallback solar estimate for hour h when
// no observed HourlyPattern entry is available yet: zero outside
// [06:00,18:00], a triangular peak at noon otherwise.
func deterministicDaylight(h int, maxSolarOutput float64) float64 {
	if h < 6 || h > 18 {
		return 0
	}
	frac := 1 - absInt(h-12)/6.0
	if frac < 0 {
		frac = 0
	}
	return maxSolarOutput * frac
}

func absInt(v int) float64 {
	if v < 0 {
		return float64(-v)
	}
	return float64(v)
}

// evolveBattery advances a battery percentage by one hour given solar and
// base consumption, per spec: net = solar - base; charging tapers as the
// battery fills; clamp to [0,100].
func evolveBattery(batteryPercent, solar, baseConsumption, capacityWh float64) float64 {
	net := solar - baseConsumption
	if net <= 0 {
		// Net discharge: one hour at |net| watts drawn from the battery.
		deltaPct := net * 1.0 / capacityWh * 100
		return clamp(batteryPercent+deltaPct, 0, 100)
	}
	effectiveInflow := net * (0.85 - 0.2*batteryPercent/100)
	deltaPct := effectiveInflow * 1.0 / capacityWh * 100
	return clamp(batteryPercent+deltaPct, 0, 100)
}

// buildForecast is shared by every Monitor implementation: given a starting
// battery percentage and a per-hour solar lookup, it produces hoursAhead
// ForecastEntry values per the §4.A formulas.
func buildForecast(hoursAhead int, startBattery, baseConsumption, capacityWh float64, solarForHour func(h int) float64) []ForecastEntry {
	entries := make([]ForecastEntry, 0, hoursAhead)
	battery := startBattery
	now := time.Now()
	for i := 0; i < hoursAhead; i++ {
		h := (now.Hour() + i) % 24
		solar := solarForHour(h)
		battery = evolveBattery(battery, solar, baseConsumption, capacityWh)
		entries = append(entries, ForecastEntry{
			Hour:              h,
			SolarOutput:       solar,
			BatteryLevel:      battery,
			ProcessingCapable: battery > 30 && solar > baseConsumption,
		})
	}
	return entries
}

// patternStore guards a HourlyPattern and its on-disk persistence cadence,
// shared by monitor implementations that self-calibrate from readings.
type patternStore struct {
	mu       sync.Mutex
	pattern  HourlyPattern
	updates  int
	fallback func(h int, maxSolarOutput float64) float64 // nil uses deterministicDaylight
}

// observe folds a reading taken during wall-clock hour h into the pattern
// with the spec's fixed EWMA weight, and reports whether the caller should
// persist (every ~10 updates).
func (p *patternStore) observe(h int, watts float64) (shouldPersist bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pattern[h] == nil {
		v := watts
		p.pattern[h] = &v
	} else {
		v := 0.95*(*p.pattern[h]) + 0.05*watts
		p.pattern[h] = &v
	}
	p.updates++
	if p.updates%10 == 0 {
		return true
	}
	return false
}

func (p *patternStore) snapshot() HourlyPattern {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pattern
}

func (p *patternStore) load(pattern HourlyPattern) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pattern = pattern
}

func (p *patternStore) solarForHour(h int, maxSolarOutput float64) float64 {
	p.mu.Lock()
	observed := p.pattern[h]
	fallback := p.fallback
	p.mu.Unlock()

	if observed != nil {
		return *observed
	}
	if fallback != nil {
		return fallback(h, maxSolarOutput)
	}
	return deterministicDaylight(h, maxSolarOutput)
}
