package powermonitor

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"github.com/rs/zerolog"
)

// plantSlaveAddress is the conventional Modbus unit id used by solar charge
// controllers that expose a single logical plant, mirroring the fixed
// broadcast-style address used by grid-tied inverters of this class.
const plantSlaveAddress byte = 1

const (
	regPVPower     = 0x0000 // uint32, watts, scale 1
	regBatterySOC  = 0x0002 // uint16, percent, scale 1
	regBatteryVolt = 0x0003 // uint16, volts, scale 100
)

// ModbusSource is an alternate hardware Monitor backend for nodes whose
// power input is metered by a solar charge controller speaking Modbus TCP,
// rather than the ASCII/ECB USB-C meter HardwareMonitor targets. It reads
// PV output power and battery state of charge directly from the
// controller's holding registers instead of deriving battery percent from
// a measured cell voltage.
type ModbusSource struct {
	mu      sync.Mutex
	client  modbus.Client
	handler *modbus.TCPClientHandler

	baseConsumption float64
	maxSolarOutput  float64
	capacityWh      float64

	pattern *patternStore
	log     zerolog.Logger
}

// NewModbusSource connects to a solar charge controller at address
// (host:port) and returns a ready-to-use Monitor.
func NewModbusSource(address string, baseConsumption, maxSolarOutput, capacityWh float64, log zerolog.Logger) (*ModbusSource, error) {
	handler := modbus.NewTCPClientHandler(address)
	handler.SlaveId = plantSlaveAddress
	handler.Timeout = 2 * time.Second

	if err := handler.Connect(); err != nil {
		return nil, fmt.Errorf("powermonitor: connecting to modbus plant at %s: %w", address, err)
	}

	return &ModbusSource{
		client:          modbus.NewClient(handler),
		handler:         handler,
		baseConsumption: baseConsumption,
		maxSolarOutput:  maxSolarOutput,
		capacityWh:      capacityWh,
		pattern:         &patternStore{},
		log:             log.With().Str("component", "powermonitor.modbus").Logger(),
	}, nil
}

func (m *ModbusSource) readPVPower() (float64, error) {
	data, err := m.client.ReadHoldingRegisters(regPVPower, 2)
	if err != nil {
		return 0, fmt.Errorf("powermonitor: reading PV power register: %w", err)
	}
	return float64(binary.BigEndian.Uint32(data)), nil
}

func (m *ModbusSource) readBatterySOC() (float64, error) {
	data, err := m.client.ReadHoldingRegisters(regBatterySOC, 1)
	if err != nil {
		return 0, fmt.Errorf("powermonitor: reading battery SOC register: %w", err)
	}
	return float64(binary.BigEndian.Uint16(data)), nil
}

func (m *ModbusSource) readBatteryVoltage() (float64, error) {
	data, err := m.client.ReadHoldingRegisters(regBatteryVolt, 1)
	if err != nil {
		return 0, fmt.Errorf("powermonitor: reading battery voltage register: %w", err)
	}
	return float64(binary.BigEndian.Uint16(data)) / 100, nil
}

// CurrentReading samples the PV power and battery registers and folds the
// PV reading into the hourly pattern.
func (m *ModbusSource) CurrentReading() (PowerReading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	power, err := m.readPVPower()
	if err != nil {
		return PowerReading{}, err
	}
	voltage, err := m.readBatteryVoltage()
	if err != nil {
		return PowerReading{}, err
	}

	now := time.Now()
	if shouldPersist := m.pattern.observe(now.Hour(), power); shouldPersist {
		m.log.Debug().Msg("hourly solar pattern due for persistence")
	}

	return PowerReading{
		Timestamp:   now,
		Voltage:     voltage,
		Power:       power,
		Consumption: m.baseConsumption,
	}, nil
}

// BatteryLevel reads the controller's own state-of-charge register rather
// than deriving it from voltage, since the controller already tracks SOC
// with its own calibrated coulomb counter.
func (m *ModbusSource) BatteryLevel() (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readBatterySOC()
}

// SolarOutput returns the instantaneous PV register value.
func (m *ModbusSource) SolarOutput() (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readPVPower()
}

// Predict builds a forecast from the controller's reported battery level.
func (m *ModbusSource) Predict(hoursAhead int) ([]ForecastEntry, error) {
	if hoursAhead <= 0 {
		return nil, fmt.Errorf("powermonitor: hoursAhead must be positive, got %d", hoursAhead)
	}
	battery, err := m.BatteryLevel()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	baseConsumption := m.baseConsumption
	capacityWh := m.capacityWh
	maxSolarOutput := m.maxSolarOutput
	m.mu.Unlock()

	solarForHour := func(hour int) float64 {
		return m.pattern.solarForHour(hour, maxSolarOutput)
	}
	return buildForecast(hoursAhead, battery, baseConsumption, capacityWh, solarForHour), nil
}

// SetProcessing is advisory; the controller exposes no input for it.
func (m *ModbusSource) SetProcessing(active bool) {
	m.log.Debug().Bool("active", active).Msg("processing state noted (advisory, controller ignores)")
}

// NoteEnergyUsed is a no-op: the controller's own SOC register is
// authoritative.
func (m *ModbusSource) NoteEnergyUsed(durationSeconds, watts float64) {}

// Close releases the Modbus TCP connection.
func (m *ModbusSource) Close() error {
	return m.handler.Close()
}

var _ Monitor = (*ModbusSource)(nil)
