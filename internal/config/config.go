// Package config handles configuration loading, validation, and persistence
// for starmeter.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultAPIPort    = 8989
	DefaultBPFFilter  = "tcp"
)

// Encodings accepted for MQTT payloads.
const (
	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"
)

// Config is the root configuration structure for starmeter.
type Config struct {
	mu   sync.RWMutex
	path string

	Capture  CaptureConfig  `json:"capture"`
	Pipeline PipelineConfig `json:"pipeline"`
	Tables   TablesConfig   `json:"tables"`
	Storage  StorageConfig  `json:"storage"`
	API      APIConfig      `json:"api"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Metrics  MetricsConfig  `json:"metrics"`
	Timers   TimerConfig    `json:"timers"`
	Logging  LoggingConfig  `json:"logging"`
}

// CaptureConfig selects where frames come from.
type CaptureConfig struct {
	Device        string   `json:"device"`
	BPFFilter     string   `json:"bpf_filter"`
	SnapLen       int      `json:"snaplen"`
	Promiscuous   bool     `json:"promiscuous"`
	ReadTimeoutMS int      `json:"read_timeout_ms"`
	BufferSizeMB  int      `json:"buffer_size_mb"`
	PcapFile      string   `json:"pcap_file"`
	SkipKeywords  []string `json:"skip_keywords"`
	RecordFile    string   `json:"record_file"`
}

// PipelineConfig tunes flow binding and reassembly.
type PipelineConfig struct {
	InactivityTimeoutSec int  `json:"inactivity_timeout_sec"`
	InactivityCheckSec   int  `json:"inactivity_check_sec"`
	SegmentTimeoutSec    int  `json:"segment_timeout_sec"`
	MaxFrameSize         int  `json:"max_frame_size"`
	MaxPendingSegments   int  `json:"max_pending_segments"`
	MaxDecompressedMB    int  `json:"max_decompressed_mb"`
	AllowRebind          bool `json:"allow_rebind"`
}

// TablesConfig points at the static name tables.
type TablesConfig struct {
	SkillNames   string `json:"skill_names"`
	MonsterNames string `json:"monster_names"`
}

// StorageConfig holds combat log settings.
type StorageConfig struct {
	Enabled       bool   `json:"enabled"`
	Path          string `json:"path"`
	RetentionDays int    `json:"retention_days"`
	BatchSize     int    `json:"batch_size"`
}

// APIConfig holds REST API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	CAFile      string `json:"ca_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
	Encoding    string `json:"encoding"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `json:"enabled"`
}

// TimerConfig holds periodic task intervals.
type TimerConfig struct {
	FlushInterval int `json:"flush_interval_sec"`
	PruneInterval int `json:"prune_interval_sec"`
	StatsInterval int `json:"stats_interval_sec"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Capture: CaptureConfig{
			BPFFilter:     DefaultBPFFilter,
			SnapLen:       65535,
			Promiscuous:   false,
			ReadTimeoutMS: 100,
			BufferSizeMB:  16,
			SkipKeywords:  []string{"miniport", "loopback"},
		},
		Pipeline: PipelineConfig{
			InactivityTimeoutSec: 30,
			InactivityCheckSec:   5,
			SegmentTimeoutSec:    10,
			MaxFrameSize:         0x0FFFFF,
			MaxPendingSegments:   4096,
			MaxDecompressedMB:    16,
		},
		Tables: TablesConfig{
			SkillNames:   "tables/skill_names.json",
			MonsterNames: "tables/monster_names.json",
		},
		Storage: StorageConfig{
			Enabled:       true,
			Path:          "data/starmeter.db",
			RetentionDays: 14,
			BatchSize:     128,
		},
		API: APIConfig{
			Enabled:        true,
			Port:           DefaultAPIPort,
			AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
			RateLimitRPS:   50,
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			BrokerURL:   "localhost",
			Port:        1883,
			TopicPrefix: "starmeter",
			Encoding:    EncodingJSON,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Timers: TimerConfig{
			FlushInterval: 2,
			PruneInterval: 3600,
			StatsInterval: 60,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxSizeMB:  10,
			MaxBackups: 5,
		},
	}
}

// Load reads configuration from a JSON file.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // Start with defaults, then overlay
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Re-save so config.json always carries every option the binary knows.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetCapture returns a copy of the capture configuration.
func (c *Config) GetCapture() CaptureConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Capture
}

// GetPipeline returns a copy of the pipeline configuration.
func (c *Config) GetPipeline() PipelineConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Pipeline
}

// GetMQTT returns a copy of the MQTT configuration.
func (c *Config) GetMQTT() MQTTConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MQTT
}

// GetAPI returns a copy of the API configuration.
func (c *Config) GetAPI() APIConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.API
}

// GetStorage returns a copy of the storage configuration.
func (c *Config) GetStorage() StorageConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Storage
}

// GetTimers returns a copy of the timer configuration.
func (c *Config) GetTimers() TimerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Timers
}

// UpdateField sets one key of a top-level section, e.g. ("pipeline",
// "allow_rebind", true). The value goes through JSON so it must match the
// field type, and the result must pass Validate.
func (c *Config) UpdateField(section, key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	root := make(map[string]map[string]interface{})
	if err := json.Unmarshal(data, &root); err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	sec, ok := root[section]
	if !ok {
		return fmt.Errorf("unknown config section %q", section)
	}
	if _, ok := sec[key]; !ok {
		return fmt.Errorf("unknown config field %s.%s", section, key)
	}
	sec[key] = value

	updated, err := json.Marshal(root)
	if err != nil {
		return fmt.Errorf("failed to update field %s.%s: %w", section, key, err)
	}
	next := DefaultConfig()
	if err := json.Unmarshal(updated, next); err != nil {
		return fmt.Errorf("failed to update field %s.%s: %w", section, key, err)
	}
	if result := Validate(next); !result.IsValid() {
		return fmt.Errorf("invalid value for %s.%s: %w", section, key, result.Errors[0])
	}
	c.copyFrom(next)
	return nil
}

// JSON encodes the configuration under the read lock.
func (c *Config) JSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

func (c *Config) copyFrom(o *Config) {
	c.Capture = o.Capture
	c.Pipeline = o.Pipeline
	c.Tables = o.Tables
	c.Storage = o.Storage
	c.API = o.API
	c.MQTT = o.MQTT
	c.Metrics = o.Metrics
	c.Timers = o.Timers
	c.Logging = o.Logging
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// InactivityTimeout is the idle time after which a bound flow is released.
func (p PipelineConfig) InactivityTimeout() time.Duration {
	return time.Duration(p.InactivityTimeoutSec) * time.Second
}

// InactivityCheck is how often idleness is checked.
func (p PipelineConfig) InactivityCheck() time.Duration {
	return time.Duration(p.InactivityCheckSec) * time.Second
}

// SegmentTimeout is the gap between segments that resets reassembly.
func (p PipelineConfig) SegmentTimeout() time.Duration {
	return time.Duration(p.SegmentTimeoutSec) * time.Second
}

// ReadTimeout is the libpcap read timeout.
func (c CaptureConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutMS) * time.Millisecond
}
