// Package config loads and validates the client's YAML configuration,
// following the same Load/setDefaults/Validate shape the teacher repo uses
// for its broker configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete client configuration.
type Config struct {
	Device        DeviceConfig        `yaml:"device"`
	QoS           QoSConfig           `yaml:"qos"`
	BlockTransfer BlockTransferConfig `yaml:"block_transfer"`
	Limits        LimitsConfig        `yaml:"limits"`
	Logging       LoggingConfig       `yaml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Storage       StorageConfig       `yaml:"storage"`
}

// DeviceConfig identifies this client and the gateway it connects to.
type DeviceConfig struct {
	ClientID    string        `yaml:"client_id"`
	GatewayHost string        `yaml:"gateway_host"`
	GatewayPort int           `yaml:"gateway_port"`
	LocalPort   int           `yaml:"local_port"` // 0 = OS-assigned
	KeepAlive   time.Duration `yaml:"keep_alive"`
}

// QoSConfig controls default and maximum delivery guarantees.
type QoSConfig struct {
	Default byte `yaml:"default"`
	MaxQoS  byte `yaml:"max_qos"`
}

// BlockTransferConfig names the three topics the sender/receiver use and
// where reassembled objects land.
type BlockTransferConfig struct {
	ChunkTopic      string `yaml:"chunk_topic"`
	RetransmitTopic string `yaml:"retransmit_topic"`
	MetadataTopic   string `yaml:"metadata_topic"`
	ReceivedDir     string `yaml:"received_dir"`
}

// LimitsConfig bounds transfer size.
type LimitsConfig struct {
	MaxObjectBytes        int `yaml:"max_object_bytes"`
	MaxSupportedFileBytes int `yaml:"max_supported_file_bytes"`
}

// LoggingConfig controls the stdlib-backed logger (internal/logging).
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MetricsConfig controls the optional Prometheus HTTP listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// StorageConfig selects the registry/assembly-progress persistence backend.
type StorageConfig struct {
	Backend string `yaml:"backend"` // memory | bbolt
	Path    string `yaml:"path"`
}

// Load reads, defaults and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Device.GatewayPort == 0 {
		c.Device.GatewayPort = 1884
	}
	if c.Device.KeepAlive == 0 {
		c.Device.KeepAlive = 30 * time.Second
	}
	if c.Device.ClientID == "" {
		c.Device.ClientID = "picosn-client"
	}

	if c.QoS.MaxQoS == 0 {
		c.QoS.MaxQoS = 2
	}

	if c.BlockTransfer.ChunkTopic == "" {
		c.BlockTransfer.ChunkTopic = "pico/chunks"
	}
	if c.BlockTransfer.RetransmitTopic == "" {
		c.BlockTransfer.RetransmitTopic = "pico/retransmit"
	}
	if c.BlockTransfer.MetadataTopic == "" {
		c.BlockTransfer.MetadataTopic = "pico/block"
	}
	if c.BlockTransfer.ReceivedDir == "" {
		c.BlockTransfer.ReceivedDir = "received"
	}

	if c.Limits.MaxObjectBytes == 0 {
		c.Limits.MaxObjectBytes = 60000
	}
	if c.Limits.MaxSupportedFileBytes == 0 {
		c.Limits.MaxSupportedFileBytes = 58000
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9100
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "./data/picosn.db"
	}
}

// Validate checks the configuration for internally-inconsistent values.
func (c *Config) Validate() error {
	if c.Device.GatewayHost == "" {
		return fmt.Errorf("device.gateway_host must be set")
	}
	if c.Device.GatewayPort < 1 || c.Device.GatewayPort > 65535 {
		return fmt.Errorf("invalid gateway_port: %d (must be 1-65535)", c.Device.GatewayPort)
	}

	if c.QoS.MaxQoS > 2 {
		return fmt.Errorf("invalid qos.max_qos: %d (must be 0, 1, or 2)", c.QoS.MaxQoS)
	}
	if c.QoS.Default > c.QoS.MaxQoS {
		return fmt.Errorf("qos.default (%d) exceeds qos.max_qos (%d)", c.QoS.Default, c.QoS.MaxQoS)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validBackends := map[string]bool{"memory": true, "bbolt": true}
	if !validBackends[c.Storage.Backend] {
		return fmt.Errorf("invalid storage.backend: %s (must be memory or bbolt)", c.Storage.Backend)
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
			return fmt.Errorf("invalid metrics.port: %d (must be 1-65535)", c.Metrics.Port)
		}
	}

	if c.Limits.MaxObjectBytes > 60000 {
		return fmt.Errorf("limits.max_object_bytes (%d) exceeds protocol ceiling 60000", c.Limits.MaxObjectBytes)
	}

	return nil
}
