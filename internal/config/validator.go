package config

import (
	"fmt"
	"net"
	"os"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	result := &ValidationResult{}

	validateCapture(&cfg.Capture, result)
	validatePipeline(&cfg.Pipeline, result)
	validateTables(&cfg.Tables, result)
	validateStorage(&cfg.Storage, result)
	validateAPI(&cfg.API, result)
	validateMQTT(&cfg.MQTT, result)

	return result
}

func validateCapture(c *CaptureConfig, result *ValidationResult) {
	if c.PcapFile != "" {
		if _, err := os.Stat(c.PcapFile); err != nil {
			result.AddError("capture.pcap_file", fmt.Sprintf("capture file not readable: %s", c.PcapFile))
		}
		return
	}

	if c.SnapLen != 0 && c.SnapLen < 128 {
		result.AddError("capture.snaplen", "snaplen below 128 bytes truncates TCP payloads")
	}
	if c.ReadTimeoutMS < 0 {
		result.AddError("capture.read_timeout_ms", "read timeout cannot be negative")
	}
	if c.BufferSizeMB < 0 {
		result.AddError("capture.buffer_size_mb", "buffer size cannot be negative")
	}
	if strings.TrimSpace(c.BPFFilter) == "" {
		result.AddWarning("capture.bpf_filter", "no BPF filter set, every frame on the interface will be decoded")
	}
}

func validatePipeline(p *PipelineConfig, result *ValidationResult) {
	if p.InactivityTimeoutSec < 1 {
		result.AddError("pipeline.inactivity_timeout_sec", "inactivity timeout must be at least 1 second")
	}
	if p.InactivityCheckSec < 1 {
		result.AddError("pipeline.inactivity_check_sec", "inactivity check interval must be at least 1 second")
	} else if p.InactivityCheckSec > p.InactivityTimeoutSec {
		result.AddWarning("pipeline.inactivity_check_sec", "check interval exceeds the inactivity timeout")
	}
	if p.SegmentTimeoutSec < 1 {
		result.AddError("pipeline.segment_timeout_sec", "segment timeout must be at least 1 second")
	}
	if p.MaxFrameSize < 64 {
		result.AddError("pipeline.max_frame_size", "max frame size must be at least 64 bytes")
	} else if p.MaxFrameSize > 0x0FFFFF {
		result.AddWarning("pipeline.max_frame_size", "frames above 0x0FFFFF bytes are never sent by the server")
	}
	if p.MaxPendingSegments < 16 {
		result.AddError("pipeline.max_pending_segments", "at least 16 pending segments are required")
	}
	if p.MaxDecompressedMB < 1 {
		result.AddError("pipeline.max_decompressed_mb", "decompression limit must be at least 1 MB")
	}
}

func validateTables(t *TablesConfig, result *ValidationResult) {
	for field, path := range map[string]string{
		"tables.skill_names":   t.SkillNames,
		"tables.monster_names": t.MonsterNames,
	} {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			result.AddWarning(field, fmt.Sprintf("table file does not exist, ids will be shown instead: %s", path))
		}
	}
}

func validateStorage(s *StorageConfig, result *ValidationResult) {
	if !s.Enabled {
		return
	}
	if strings.TrimSpace(s.Path) == "" {
		result.AddError("storage.path", "database path is required when storage is enabled")
	}
	if s.RetentionDays < 0 {
		result.AddError("storage.retention_days", "retention days cannot be negative")
	} else if s.RetentionDays == 0 {
		result.AddWarning("storage.retention_days", "retention disabled, the combat log grows without bound")
	}
}

func validateAPI(a *APIConfig, result *ValidationResult) {
	if !a.Enabled {
		return
	}
	validatePort(a.Port, "api.port", result)
	if a.RateLimitRPS < 1 {
		result.AddWarning("api.rate_limit_rps",
			"rate limit is disabled (0 RPS), this may expose the API to abuse")
	}
}

func validateMQTT(m *MQTTConfig, result *ValidationResult) {
	if !m.Enabled {
		return
	}
	if strings.TrimSpace(m.BrokerURL) == "" {
		result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
	}
	if m.Port < 1 || m.Port > 65535 {
		result.AddError("mqtt.port", "invalid MQTT port")
	}
	if m.Encoding != EncodingJSON && m.Encoding != EncodingMsgpack {
		result.AddError("mqtt.encoding", fmt.Sprintf("unsupported encoding %q (json or msgpack)", m.Encoding))
	}
	if (m.CertFile == "") != (m.KeyFile == "") {
		result.AddError("mqtt.cert_file", "client certificate and key must be set together")
	}
	if strings.TrimSpace(m.TopicPrefix) == "" {
		result.AddWarning("mqtt.topic_prefix", "empty topic prefix, topics will start with a slash")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// IsPortAvailable checks if a port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
