// Package daemon manages the driver's lifecycle and configuration: boot
// order, shutdown order, and the wiring of every core and ambient
// component.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config holds all daemon configuration. Driver carries spec.md §6's
// minimum configuration set plus the preload list, tick-drift warning,
// linkdeath grace and admin token settings; the Node/Logging/Telemetry
// sections are the ambient stack the teacher always carries regardless of
// the spec's scope.
type Config struct {
	Driver    DriverConfig    `toml:"driver"`
	Node      NodeConfig      `toml:"node"`
	Logging   LoggingConfig   `toml:"logging"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// DriverConfig controls the core driver: where the mudlib lives, which
// object boots the game, and the timing constants spec.md §4.4/§4.6/§4.7
// leave to configuration.
type DriverConfig struct {
	Host                  string   `toml:"host"`
	Port                  int      `toml:"port"`
	MudlibPath            string   `toml:"mudlib_path"`
	MasterObject          string   `toml:"master_object"`
	Preload               []string `toml:"preload"`
	HeartbeatPeriodMs     int64    `toml:"heartbeat_period_ms"`
	TickDriftWarningMs    int64    `toml:"tick_drift_warning_ms"`
	WSHeartbeatIntervalMs int64    `toml:"ws_heartbeat_interval_ms"`
	WSMaxMissedPongs      int      `toml:"ws_max_missed_pongs"`
	LogHTTPRequests       bool     `toml:"log_http_requests"`
	ShutdownGraceMs       int64    `toml:"shutdown_grace_ms"`
	LinkdeathGraceMs      int64    `toml:"linkdeath_grace_ms"`
	AdminToken            string   `toml:"admin_token"`
}

// NodeConfig identifies this driver instance.
type NodeConfig struct {
	ID string `toml:"id"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// TelemetryConfig controls observability.
type TelemetryConfig struct {
	Prometheus     bool `toml:"prometheus"`
	PrometheusPort int  `toml:"prometheus_port"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	homeDir := driverHome()
	return Config{
		Driver: DriverConfig{
			Host:                  "127.0.0.1",
			Port:                  4000,
			MudlibPath:            filepath.Join(homeDir, "mudlib"),
			MasterObject:          "/obj/master",
			HeartbeatPeriodMs:     2000,
			TickDriftWarningMs:    500,
			WSHeartbeatIntervalMs: 25000,
			WSMaxMissedPongs:      2,
			LogHTTPRequests:       false,
			ShutdownGraceMs:       10000,
			LinkdeathGraceMs:      120000,
		},
		Node: NodeConfig{
			ID: "driver-local",
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  filepath.Join(homeDir, "driver.log"),
		},
		Telemetry: TelemetryConfig{
			Prometheus:     false,
			PrometheusPort: 9090,
		},
	}
}

// LoadConfig reads config from ~/.mudforge/config.toml, falling back to
// defaults.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	path := filepath.Join(driverHome(), "config.toml")

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes the config to ~/.mudforge/config.toml.
func SaveConfig(cfg Config) error {
	path := filepath.Join(driverHome(), "config.toml")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(cfg)
}

// driverHome returns the driver's data directory.
func driverHome() string {
	if env := os.Getenv("MUDFORGE_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".mudforge")
}

// DriverHome is exported for use by other packages.
func DriverHome() string {
	return driverHome()
}
