// Package config loads and validates the broker's JSON configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// Config holds every tunable for the broker daemon.
type Config struct {
	// Storage
	SQLitePath         string `json:"sqlite_path"`          // path to the sqlite database file (used unless PostgresConnString is set)
	PostgresConnString string `json:"postgres_conn_string"` // when set, the durable queue is backed by PostgreSQL instead of sqlite
	CalibrationFile    string `json:"calibration_file"`     // JSON file persisting the calibration model
	PowerHistoryFile   string `json:"power_history_file"`   // JSON file persisting the hourly solar pattern

	// Inference driver
	InferenceBinaryPath string        `json:"inference_binary_path"` // path to the external inference binary; empty uses the simulator driver
	ModelPath           string        `json:"model_path"`            // path passed to the inference binary
	InferenceTimeout    time.Duration `json:"inference_timeout"`     // hard ceiling on a single generation call

	// Power monitor
	SerialPort            string        `json:"serial_port"`             // serial device for the hardware power meter; empty uses the simulator monitor unless plant_modbus_address is set
	PlantModbusAddress    string        `json:"plant_modbus_address"`    // optional Modbus TCP address of a solar charge controller, alternate reading source
	BaseConsumptionWatts  float64       `json:"base_consumption_watts"`  // idle draw of the node, watts
	MaxSolarOutputWatts   float64       `json:"max_solar_output_watts"`  // peak solar panel output, watts
	BatteryCapacityWh     float64       `json:"battery_capacity_wh"`     // usable battery capacity, watt-hours
	InitialBatteryPercent float64       `json:"initial_battery_percent"` // starting battery percentage for the simulator monitor
	ReadingCacheTTL       time.Duration `json:"reading_cache_ttl"`       // how long a power reading may be reused before re-sampling

	// Scheduler
	ImmediateMode bool `json:"immediate_mode"` // bypass forecast lookup and run jobs as soon as battery permits

	// Weather enrichment (optional; degrades to the deterministic daylight model when unset)
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	UserAgent string  `json:"user_agent"` // required by the MET Norway API usage policy

	// Logging
	LogLevel  string `json:"log_level"`  // debug, info, warn, error
	LogFormat string `json:"log_format"` // text, json

	// HTTP surface
	HTTPPort int `json:"http_port"` // 0 disables the HTTP API
}

// DefaultConfig returns a configuration with sane defaults for the simulator stack.
func DefaultConfig() *Config {
	return &Config{
		SQLitePath:            "broker.db",
		CalibrationFile:       "calibration.json",
		PowerHistoryFile:      "power_history.json",
		InferenceTimeout:      2 * time.Minute,
		BaseConsumptionWatts:  2.0,
		MaxSolarOutputWatts:   30.0,
		BatteryCapacityWh:     200.0,
		InitialBatteryPercent: 80.0,
		ReadingCacheTTL:       5 * time.Second,
		ImmediateMode:         false,
		UserAgent:             "solar-broker/1.0 (ops@example.com)",
		LogLevel:              "info",
		LogFormat:             "text",
		HTTPPort:              0,
	}
}

// LoadConfig loads configuration from a JSON file, starting from DefaultConfig.
func LoadConfig(filename string) (*Config, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	return LoadConfigFromReader(file)
}

// LoadConfigFromReader loads configuration from an io.Reader.
func LoadConfigFromReader(reader io.Reader) (*Config, error) {
	config := DefaultConfig()

	decoder := json.NewDecoder(reader)
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("failed to decode config JSON: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// SaveConfig saves the configuration to a JSON file.
func (c *Config) SaveConfig(filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	return c.SaveConfigToWriter(file)
}

// SaveConfigToWriter saves the configuration to an io.Writer.
func (c *Config) SaveConfigToWriter(writer io.Writer) error {
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config JSON: %w", err)
	}
	return nil
}

// Validate checks whether the configuration values are usable.
func (c *Config) Validate() error {
	if c.SQLitePath == "" && c.PostgresConnString == "" {
		return fmt.Errorf("either sqlite_path or postgres_conn_string must be set")
	}

	if c.CalibrationFile == "" {
		return fmt.Errorf("calibration_file cannot be empty")
	}

	if c.PowerHistoryFile == "" {
		return fmt.Errorf("power_history_file cannot be empty")
	}

	if c.InferenceTimeout <= 0 {
		return fmt.Errorf("inference_timeout must be greater than 0, got: %s", c.InferenceTimeout)
	}

	if c.BaseConsumptionWatts < 0 {
		return fmt.Errorf("base_consumption_watts must be non-negative, got: %f", c.BaseConsumptionWatts)
	}

	if c.MaxSolarOutputWatts < 0 {
		return fmt.Errorf("max_solar_output_watts must be non-negative, got: %f", c.MaxSolarOutputWatts)
	}

	if c.BatteryCapacityWh <= 0 {
		return fmt.Errorf("battery_capacity_wh must be greater than 0, got: %f", c.BatteryCapacityWh)
	}

	if c.InitialBatteryPercent < 0 || c.InitialBatteryPercent > 100 {
		return fmt.Errorf("initial_battery_percent must be between 0 and 100, got: %f", c.InitialBatteryPercent)
	}

	if c.ReadingCacheTTL < 0 {
		return fmt.Errorf("reading_cache_ttl must be non-negative, got: %s", c.ReadingCacheTTL)
	}

	if c.Latitude < -90 || c.Latitude > 90 {
		return fmt.Errorf("latitude must be between -90 and 90, got: %f", c.Latitude)
	}

	if c.Longitude < -180 || c.Longitude > 180 {
		return fmt.Errorf("longitude must be between -180 and 180, got: %f", c.Longitude)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log_level: %s, must be one of: debug, info, warn, error", c.LogLevel)
	}

	validLogFormats := map[string]bool{"text": true, "json": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("invalid log_format: %s, must be one of: text, json", c.LogFormat)
	}

	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http_port must be between 0 and 65535, got: %d", c.HTTPPort)
	}

	return nil
}

// MarshalJSON stringifies duration fields for human-readable persistence.
func (c *Config) MarshalJSON() ([]byte, error) {
	type Alias Config
	return json.Marshal(&struct {
		*Alias
		InferenceTimeout string `json:"inference_timeout"`
		ReadingCacheTTL  string `json:"reading_cache_ttl"`
	}{
		Alias:            (*Alias)(c),
		InferenceTimeout: c.InferenceTimeout.String(),
		ReadingCacheTTL:  c.ReadingCacheTTL.String(),
	})
}

// UnmarshalJSON parses stringified duration fields back into time.Duration.
func (c *Config) UnmarshalJSON(data []byte) error {
	type Alias Config
	aux := &struct {
		*Alias
		InferenceTimeout string `json:"inference_timeout"`
		ReadingCacheTTL  string `json:"reading_cache_ttl"`
	}{
		Alias: (*Alias)(c),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	var err error
	if aux.InferenceTimeout != "" {
		if c.InferenceTimeout, err = time.ParseDuration(aux.InferenceTimeout); err != nil {
			return fmt.Errorf("invalid inference_timeout: %w", err)
		}
	}
	if aux.ReadingCacheTTL != "" {
		if c.ReadingCacheTTL, err = time.ParseDuration(aux.ReadingCacheTTL); err != nil {
			return fmt.Errorf("invalid reading_cache_ttl: %w", err)
		}
	}

	return nil
}

// String returns a pretty-printed JSON representation of the config.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
