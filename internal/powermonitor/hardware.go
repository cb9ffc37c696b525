package powermonitor

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/goburrow/serial"
	"github.com/rs/zerolog"
)

// HardwareMonitor reads a serial-attached USB-C power meter. It implements
// Monitor with no code path diverging from Simulator's contract: the
// Scheduler never knows which one it is talking to.
type HardwareMonitor struct {
	mu   sync.Mutex
	port io.ReadWriteCloser

	portName        string
	baseConsumption float64
	maxSolarOutput  float64
	capacityWh      float64
	cacheTTL        time.Duration

	lastReading PowerReading
	lastReadAt  time.Time
	haveReading bool

	pattern     *patternStore
	historyFile string
	refiner     *daylightRefiner
	log         zerolog.Logger
}

// NewHardwareMonitor prepares a monitor without touching the serial port;
// the port is opened lazily on first read (and reopened after an I/O
// error), matching the "transient resource" error policy: a closed/unplugged
// meter must not be fatal at construction time. If historyFile names an existing
// file, its HourlyPattern is loaded so the monitor resumes self-calibration
// across restarts, same as Simulator.
func NewHardwareMonitor(portName string, baseConsumption, maxSolarOutput, capacityWh float64, cacheTTL time.Duration, historyFile string, log zerolog.Logger) *HardwareMonitor {
	h := &HardwareMonitor{
		portName:        portName,
		baseConsumption: baseConsumption,
		maxSolarOutput:  maxSolarOutput,
		capacityWh:      capacityWh,
		cacheTTL:        cacheTTL,
		pattern:         &patternStore{},
		historyFile:     historyFile,
		log:             log.With().Str("component", "powermonitor.hardware").Logger(),
	}
	h.loadHistory()
	return h
}

func (h *HardwareMonitor) loadHistory() {
	if h.historyFile == "" {
		return
	}
	data, err := os.ReadFile(h.historyFile)
	if err != nil {
		return // no history yet; deterministic daylight model covers the gap
	}
	var file powerHistoryFile
	if err := json.Unmarshal(data, &file); err != nil {
		h.log.Warn().Err(err).Msg("discarding unreadable power history file")
		return
	}
	h.pattern.load(patternFromFile(file))
}

func (h *HardwareMonitor) persistHistory() {
	if h.historyFile == "" {
		return
	}
	file := h.pattern.snapshot().toFile(time.Now().Unix())
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to marshal power history")
		return
	}
	if err := os.WriteFile(h.historyFile, data, 0o644); err != nil {
		h.log.Warn().Err(err).Msg("failed to persist power history")
	}
}

// WithWeatherRefinement enables sunrise/sunset and cloud-cover enrichment
// of the forecast fallback for hours the HourlyPattern has not observed yet.
func (h *HardwareMonitor) WithWeatherRefinement(latitude, longitude float64, userAgent string) *HardwareMonitor {
	h.refiner = newDaylightRefiner(latitude, longitude, userAgent)
	h.pattern.fallback = func(hour int, maxSolarOutput float64) float64 {
		estimate, ok := h.refiner.refineDaylightWindow(hour, maxSolarOutput)
		if !ok {
			estimate = deterministicDaylight(hour, maxSolarOutput)
		}
		if factor, ok := h.refiner.cloudFactor(); ok {
			estimate *= factor
		}
		return estimate
	}
	return h
}

func (h *HardwareMonitor) ensureOpenLocked() error {
	if h.port != nil {
		return nil
	}
	port, err := serial.Open(&serial.Config{
		Address:  h.portName,
		BaudRate: 9600,
		DataBits: 8,
		StopBits: 1,
		Parity:   "N",
		Timeout:  2 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("powermonitor: opening serial port %s: %w", h.portName, err)
	}
	h.port = port
	return nil
}

// fetchFrame performs one request/response transaction: write the ASCII
// command with CRLF terminator, read back exactly frameSize bytes, decrypt,
// and parse.
func (h *HardwareMonitor) fetchFrame() (rawFrame, error) {
	if err := h.ensureOpenLocked(); err != nil {
		return rawFrame{}, err
	}

	if _, err := h.port.Write([]byte(readCommand + "\r\n")); err != nil {
		_ = h.port.Close()
		h.port = nil
		return rawFrame{}, fmt.Errorf("powermonitor: writing command: %w", err)
	}

	ciphertext := make([]byte, frameSize)
	if _, err := io.ReadFull(h.port, ciphertext); err != nil {
		_ = h.port.Close()
		h.port = nil
		return rawFrame{}, fmt.Errorf("powermonitor: reading frame: %w", err)
	}

	plaintext, err := decryptFrameECB(ciphertext)
	if err != nil {
		return rawFrame{}, err
	}
	return parseFrame(plaintext)
}

// CurrentReading returns the cached reading if it is fresher than cacheTTL,
// otherwise samples the meter. On a transient I/O failure it falls back to
// the last known reading (timestamp refreshed) instead of failing the call,
// per the transient-resource error policy; only a monitor that has never
// produced a reading returns an error.
func (h *HardwareMonitor) CurrentReading() (PowerReading, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.haveReading && time.Since(h.lastReadAt) < h.cacheTTL {
		return h.lastReading, nil
	}

	frame, err := h.fetchFrame()
	if err != nil {
		if h.haveReading {
			h.log.Warn().Err(err).Msg("falling back to last known reading")
			stale := h.lastReading
			stale.Timestamp = time.Now()
			return stale, nil
		}
		return PowerReading{}, err
	}

	now := time.Now()
	reading := frame.toReading(h.baseConsumption)
	reading.Timestamp = now

	h.lastReading = reading
	h.lastReadAt = now
	h.haveReading = true

	if shouldPersist := h.pattern.observe(now.Hour(), reading.Power); shouldPersist {
		h.persistHistory()
	}

	return reading, nil
}

// BatteryLevel derives a percentage from the latest reading's voltage.
func (h *HardwareMonitor) BatteryLevel() (float64, error) {
	reading, err := h.CurrentReading()
	if err != nil {
		return 0, err
	}
	return batteryPercentFromVoltage(reading.Voltage), nil
}

// SolarOutput returns the power field of the latest reading.
func (h *HardwareMonitor) SolarOutput() (float64, error) {
	reading, err := h.CurrentReading()
	if err != nil {
		return 0, err
	}
	return reading.Power, nil
}

// Predict builds a forecast from the current battery level using the
// self-calibrated HourlyPattern, falling back to the deterministic
// daylight model for hours never observed.
func (h *HardwareMonitor) Predict(hoursAhead int) ([]ForecastEntry, error) {
	if hoursAhead <= 0 {
		return nil, fmt.Errorf("powermonitor: hoursAhead must be positive, got %d", hoursAhead)
	}
	battery, err := h.BatteryLevel()
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	baseConsumption := h.baseConsumption
	capacityWh := h.capacityWh
	maxSolarOutput := h.maxSolarOutput
	h.mu.Unlock()

	solarForHour := func(hour int) float64 {
		return h.pattern.solarForHour(hour, maxSolarOutput)
	}
	return buildForecast(hoursAhead, battery, baseConsumption, capacityWh, solarForHour), nil
}

// SetProcessing is advisory only: the meter's firmware exposes no observable
// effect from toggling this state, per the device's documented behavior.
func (h *HardwareMonitor) SetProcessing(active bool) {
	h.log.Debug().Bool("active", active).Msg("processing state noted (advisory, hardware ignores)")
}

// NoteEnergyUsed is a no-op for the hardware monitor: battery state is
// derived from measured voltage, not bookkeeping.
func (h *HardwareMonitor) NoteEnergyUsed(durationSeconds, watts float64) {}

// Close releases the underlying serial port.
func (h *HardwareMonitor) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.port == nil {
		return nil
	}
	err := h.port.Close()
	h.port = nil
	return err
}

var _ Monitor = (*HardwareMonitor)(nil)
