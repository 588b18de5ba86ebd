package config

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Fields returns the names of the offending fields.
func (e ValidationErrors) Fields() []string {
	out := make([]string, len(e))
	for i, err := range e {
		out[i] = err.Field
	}
	return out
}

// ValidateConfig checks every section and returns all faults at once as
// ValidationErrors.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateTime(&c.Time)...)
	errs = append(errs, validateTCPLogging(&c.TCPLogging)...)
	errs = append(errs, validateConnectivity(&c.Connectivity)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateCollector(&c.Collector)...)
	errs = append(errs, validateHealth(&c.Health)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	if s.DataDir == "" {
		errs = append(errs, *RequiredFieldError("storage.data_dir"))
	}
	if s.LogFile == "" {
		errs = append(errs, *RequiredFieldError("storage.log_file"))
	}
	if s.BootCounterFile == "" {
		errs = append(errs, *RequiredFieldError("storage.boot_counter_file"))
	}
	if s.HistoryFile == "" {
		errs = append(errs, *RequiredFieldError("storage.history_file"))
	}

	if s.RotationThreshold <= 0 || s.RotationThreshold > 1 {
		errs = append(errs, *RangeError("storage.rotation_threshold", "0 (exclusive)", 1))
	}
	if s.MaxMessageBytes < 16 {
		errs = append(errs, ValidationError{
			Field:   "storage.max_message_bytes",
			Message: "must be at least 16 bytes",
		})
	}
	if s.LockTimeoutMs < 1 {
		errs = append(errs, ValidationError{
			Field:   "storage.lock_timeout_ms",
			Message: "lock timeout must be at least 1ms",
		})
	}
	if s.MaintenanceIntervalSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "storage.maintenance_interval_sec",
			Message: "maintenance interval must be at least 1 second",
		})
	}

	return errs
}

func validateTime(t *TimeConfig) ValidationErrors {
	var errs ValidationErrors

	if t.NTPServer == "" {
		errs = append(errs, *RequiredFieldError("time.ntp_server"))
	}
	if t.Timezone != "" {
		if _, err := time.LoadLocation(t.Timezone); err != nil {
			errs = append(errs, ValidationError{
				Field:   "time.timezone",
				Message: fmt.Sprintf("unknown timezone %q", t.Timezone),
			})
		}
	}
	if t.SyncTimeoutSeconds < 1 || t.SyncTimeoutSeconds > 60 {
		errs = append(errs, *RangeError("time.sync_timeout_seconds", 1, 60))
	}
	if t.ConfidenceWindowHours < 0 {
		errs = append(errs, ValidationError{
			Field:   "time.confidence_window_hours",
			Message: "cannot be negative (0 disables decay)",
		})
	}
	if t.MaxBootHistory < 1 {
		errs = append(errs, ValidationError{
			Field:   "time.max_boot_history",
			Message: "must keep at least one boot",
		})
	}
	if t.LockTimeoutMs < 1 {
		errs = append(errs, ValidationError{
			Field:   "time.lock_timeout_ms",
			Message: "lock timeout must be at least 1ms",
		})
	}
	if t.HandleIntervalMs < 10 {
		errs = append(errs, ValidationError{
			Field:   "time.handle_interval_ms",
			Message: "handle interval must be at least 10ms",
		})
	}

	return errs
}

func validateTCPLogging(t *TCPLoggingConfig) ValidationErrors {
	var errs ValidationErrors

	if t.ServerHost == "" {
		errs = append(errs, *RequiredFieldError("tcp_logging.server_host"))
	}
	if t.ServerPort < 1 || t.ServerPort > 65535 {
		errs = append(errs, *RangeError("tcp_logging.server_port", 1, 65535))
	}
	if t.ConnectTimeoutMs < 1 {
		errs = append(errs, ValidationError{
			Field:   "tcp_logging.connect_timeout_ms",
			Message: "connect timeout must be at least 1ms",
		})
	}
	if t.AckTimeoutMs < 1 {
		errs = append(errs, ValidationError{
			Field:   "tcp_logging.ack_timeout_ms",
			Message: "ack timeout must be at least 1ms",
		})
	}
	if t.HeartbeatIntervalMs < 1 {
		errs = append(errs, ValidationError{
			Field:   "tcp_logging.heartbeat_interval_ms",
			Message: "heartbeat interval must be at least 1ms",
		})
	}
	if len(t.RetryBackoffMs) == 0 {
		errs = append(errs, ValidationError{
			Field:   "tcp_logging.retry_backoff_ms",
			Message: "backoff schedule needs at least one step",
		})
	}
	for i, ms := range t.RetryBackoffMs {
		if ms < 1 {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("tcp_logging.retry_backoff_ms[%d]", i),
				Message: "backoff step must be at least 1ms",
			})
		}
	}
	if t.PollIntervalMs < 1 {
		errs = append(errs, ValidationError{
			Field:   "tcp_logging.poll_interval_ms",
			Message: "poll interval must be at least 1ms",
		})
	}
	if t.CommandQueueSize < 1 {
		errs = append(errs, ValidationError{
			Field:   "tcp_logging.command_queue_size",
			Message: "command queue must hold at least one command",
		})
	}

	return errs
}

func validateConnectivity(c *ConnectivityConfig) ValidationErrors {
	switch c.Mode {
	case ConnectivityStatic, ConnectivityNetworkManager:
		return nil
	default:
		return ValidationErrors{{
			Field:   "connectivity.mode",
			Message: fmt.Sprintf("invalid mode: %s (valid: static, networkmanager)", c.Mode),
		}}
	}
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: fmt.Sprintf("file path is required when output is '%s'", l.Output),
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}

	return errs
}

func validateCollector(c *CollectorConfig) ValidationErrors {
	var errs ValidationErrors

	if !isValidListenAddr(c.ListenAddr) {
		errs = append(errs, ValidationError{
			Field:   "collector.listen_addr",
			Message: fmt.Sprintf("invalid listen address %q (want host:port)", c.ListenAddr),
		})
	}
	if c.DatabasePath == "" {
		errs = append(errs, *RequiredFieldError("collector.database_path"))
	}
	if c.SocketTimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "collector.socket_timeout_sec",
			Message: "socket timeout must be at least 1 second",
		})
	}
	if c.MaxLineBytes < 256 {
		errs = append(errs, ValidationError{
			Field:   "collector.max_line_bytes",
			Message: "max line must be at least 256 bytes",
		})
	}

	return errs
}

func validateHealth(h *HealthConfig) ValidationErrors {
	if h.ListenAddr == "" || isValidListenAddr(h.ListenAddr) {
		return nil
	}
	return ValidationErrors{{
		Field:   "health.listen_addr",
		Message: fmt.Sprintf("invalid listen address %q (want host:port)", h.ListenAddr),
	}}
}

func isValidListenAddr(addr string) bool {
	_, port, err := net.SplitHostPort(addr)
	return err == nil && port != ""
}

// RequiredFieldError creates an error for a missing required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates an error for a value outside the valid range.
func RangeError(field string, min, max any) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}
