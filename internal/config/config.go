// Package config handles configuration loading, validation, and management for hydromatic.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"hydromatic/internal/logging"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete configuration for the device daemon and the
// collector.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Storage configures the durable event log and its side files.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Time configures network time sync and timestamp resolution.
	Time TimeConfig `toml:"time" json:"time" yaml:"time"`

	// TCPLogging configures the shipper.
	TCPLogging TCPLoggingConfig `toml:"tcp_logging" json:"tcp_logging" yaml:"tcp_logging"`

	// Connectivity selects the network state source.
	Connectivity ConnectivityConfig `toml:"connectivity" json:"connectivity" yaml:"connectivity"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Collector configures the receiving server.
	Collector CollectorConfig `toml:"collector" json:"collector" yaml:"collector"`

	// Health configures the HTTP health and metrics endpoint.
	Health HealthConfig `toml:"health" json:"health" yaml:"health"`

	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// StorageConfig holds event log configuration.
type StorageConfig struct {
	// DataDir is the volume the log lives on. Relative file names below are
	// resolved against it.
	DataDir string `toml:"data_dir" json:"data_dir" yaml:"data_dir"`

	LogFile         string `toml:"log_file" json:"log_file" yaml:"log_file"`
	BootCounterFile string `toml:"boot_counter_file" json:"boot_counter_file" yaml:"boot_counter_file"`
	HistoryFile     string `toml:"history_file" json:"history_file" yaml:"history_file"`

	// CapacityBytes overrides the volume size used for eviction. Zero means
	// ask the filesystem.
	CapacityBytes uint64 `toml:"capacity_bytes" json:"capacity_bytes" yaml:"capacity_bytes"`

	// RotationThreshold is the fraction of capacity that triggers eviction.
	RotationThreshold float64 `toml:"rotation_threshold" json:"rotation_threshold" yaml:"rotation_threshold"`

	MaxMessageBytes        int `toml:"max_message_bytes" json:"max_message_bytes" yaml:"max_message_bytes"`
	LockTimeoutMs          int `toml:"lock_timeout_ms" json:"lock_timeout_ms" yaml:"lock_timeout_ms"`
	MaintenanceIntervalSec int `toml:"maintenance_interval_sec" json:"maintenance_interval_sec" yaml:"maintenance_interval_sec"`
}

// TimeConfig holds time authority configuration.
type TimeConfig struct {
	NTPServer string `toml:"ntp_server" json:"ntp_server" yaml:"ntp_server"`

	// Timezone is an IANA zone name used for local display.
	Timezone string `toml:"timezone" json:"timezone" yaml:"timezone"`

	SyncTimeoutSeconds int `toml:"sync_timeout_seconds" json:"sync_timeout_seconds" yaml:"sync_timeout_seconds"`

	// ConfidenceWindowHours is how long a sync stays trusted. Zero disables
	// decay.
	ConfidenceWindowHours int `toml:"confidence_window_hours" json:"confidence_window_hours" yaml:"confidence_window_hours"`

	MaxBootHistory   int `toml:"max_boot_history" json:"max_boot_history" yaml:"max_boot_history"`
	LockTimeoutMs    int `toml:"lock_timeout_ms" json:"lock_timeout_ms" yaml:"lock_timeout_ms"`
	HandleIntervalMs int `toml:"handle_interval_ms" json:"handle_interval_ms" yaml:"handle_interval_ms"`

	// SetSystemClock applies each sync to the host clock. Needs privileges.
	SetSystemClock bool `toml:"set_system_clock" json:"set_system_clock" yaml:"set_system_clock"`
}

// TCPLoggingConfig holds shipper configuration.
type TCPLoggingConfig struct {
	ServerHost          string `toml:"server_host" json:"server_host" yaml:"server_host"`
	ServerPort          int    `toml:"server_port" json:"server_port" yaml:"server_port"`
	ConnectTimeoutMs    int    `toml:"connect_timeout_ms" json:"connect_timeout_ms" yaml:"connect_timeout_ms"`
	AckTimeoutMs        int    `toml:"ack_timeout_ms" json:"ack_timeout_ms" yaml:"ack_timeout_ms"`
	HeartbeatIntervalMs int    `toml:"heartbeat_interval_ms" json:"heartbeat_interval_ms" yaml:"heartbeat_interval_ms"`
	RetryBackoffMs      []int  `toml:"retry_backoff_ms" json:"retry_backoff_ms" yaml:"retry_backoff_ms"`
	PollIntervalMs      int    `toml:"poll_interval_ms" json:"poll_interval_ms" yaml:"poll_interval_ms"`
	CommandQueueSize    int    `toml:"command_queue_size" json:"command_queue_size" yaml:"command_queue_size"`
}

// ConnectivityConfig selects how network state is observed.
type ConnectivityConfig struct {
	// Mode is "static" (always up) or "networkmanager" (D-Bus).
	Mode string `toml:"mode" json:"mode" yaml:"mode"`
}

// Connectivity modes.
const (
	ConnectivityStatic         = "static"
	ConnectivityNetworkManager = "networkmanager"
)

// LoggingConfig holds diagnostic logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr", "file", or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`
}

// CollectorConfig holds collector server configuration.
type CollectorConfig struct {
	ListenAddr       string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`
	DatabasePath     string `toml:"database_path" json:"database_path" yaml:"database_path"`
	SocketTimeoutSec int    `toml:"socket_timeout_sec" json:"socket_timeout_sec" yaml:"socket_timeout_sec"`
	MaxLineBytes     int    `toml:"max_line_bytes" json:"max_line_bytes" yaml:"max_line_bytes"`
}

// HealthConfig holds the health endpoint configuration.
type HealthConfig struct {
	// ListenAddr enables the endpoint when set.
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := HydromaticDir()

	return &Config{
		Version: Version,
		Storage: StorageConfig{
			DataDir:                dir,
			LogFile:                "active.log",
			BootCounterFile:        "boot_counter.json",
			HistoryFile:            "ntp_history.json",
			RotationThreshold:      0.8,
			MaxMessageBytes:        512,
			LockTimeoutMs:          1000,
			MaintenanceIntervalSec: 60,
		},
		Time: TimeConfig{
			NTPServer:             "pool.ntp.org",
			Timezone:              "UTC",
			SyncTimeoutSeconds:    5,
			ConfidenceWindowHours: 24,
			MaxBootHistory:        20,
			LockTimeoutMs:         100,
			HandleIntervalMs:      1000,
		},
		TCPLogging: TCPLoggingConfig{
			ServerHost:          "work-laptop.local",
			ServerPort:          5000,
			ConnectTimeoutMs:    5000,
			AckTimeoutMs:        2000,
			HeartbeatIntervalMs: 1000,
			RetryBackoffMs:      []int{5000, 10000, 30000},
			PollIntervalMs:      100,
			CommandQueueSize:    8,
		},
		Connectivity: ConnectivityConfig{
			Mode: ConnectivityStatic,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(dir, "hydromatic.log"),
			MaxSizeMB:  10,
			MaxBackups: 3,
			Compress:   true,
		},
		Collector: CollectorConfig{
			ListenAddr:       "0.0.0.0:5000",
			DatabasePath:     filepath.Join(dir, "hydrolog.db"),
			SocketTimeoutSec: 30,
			MaxLineBytes:     16 * 1024,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// Load reads configuration from path. A missing file yields the defaults.
// The format follows the file extension. Environment overrides are applied
// and the result is validated.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// HydromaticDir returns the base data directory. HYDROMATIC_DATA_DIR
// overrides the platform default.
func HydromaticDir() string {
	if envDir := os.Getenv("HYDROMATIC_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ApplyEnvOverrides applies HYDROMATIC_* environment variables. Unparsable
// numeric values are ignored.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("HYDROMATIC_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}

	if v := os.Getenv("HYDROMATIC_NTP_SERVER"); v != "" {
		c.Time.NTPServer = v
	}
	if v := os.Getenv("HYDROMATIC_TIMEZONE"); v != "" {
		c.Time.Timezone = v
	}

	if v := os.Getenv("HYDROMATIC_SERVER_HOST"); v != "" {
		c.TCPLogging.ServerHost = v
	}
	if v := os.Getenv("HYDROMATIC_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.TCPLogging.ServerPort = port
		}
	}

	if v := os.Getenv("HYDROMATIC_CONNECTIVITY"); v != "" {
		c.Connectivity.Mode = v
	}

	if v := os.Getenv("HYDROMATIC_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("HYDROMATIC_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("HYDROMATIC_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}

	if v := os.Getenv("HYDROMATIC_COLLECTOR_ADDR"); v != "" {
		c.Collector.ListenAddr = v
	}
	if v := os.Getenv("HYDROMATIC_COLLECTOR_DB"); v != "" {
		c.Collector.DatabasePath = v
	}

	if v := os.Getenv("HYDROMATIC_HEALTH_ADDR"); v != "" {
		c.Health.ListenAddr = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return &Config{
		Version:      c.Version,
		Storage:      c.Storage,
		Time:         c.Time,
		TCPLogging:   c.TCPLogging.clone(),
		Connectivity: c.Connectivity,
		Logging:      c.Logging,
		Collector:    c.Collector,
		Health:       c.Health,
	}
}

func (t TCPLoggingConfig) clone() TCPLoggingConfig {
	t.RetryBackoffMs = append([]int(nil), t.RetryBackoffMs...)
	return t
}

// EnsureDirectories creates the directories the daemon writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		filepath.Dir(c.Storage.LogPath()),
		filepath.Dir(c.Storage.HistoryPath()),
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// resolve joins name to the data directory unless it is absolute.
func (s StorageConfig) resolve(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(s.DataDir, name)
}

// LogPath returns the event log file path.
func (s StorageConfig) LogPath() string { return s.resolve(s.LogFile) }

// BootCounterPath returns the boot counter file path.
func (s StorageConfig) BootCounterPath() string { return s.resolve(s.BootCounterFile) }

// HistoryPath returns the sync history file path.
func (s StorageConfig) HistoryPath() string { return s.resolve(s.HistoryFile) }

// LockTimeout returns the store guard timeout.
func (s StorageConfig) LockTimeout() time.Duration {
	return time.Duration(s.LockTimeoutMs) * time.Millisecond
}

// MaintenanceInterval returns how often eviction runs.
func (s StorageConfig) MaintenanceInterval() time.Duration {
	return time.Duration(s.MaintenanceIntervalSec) * time.Second
}

// SyncTimeout returns the NTP request timeout.
func (t TimeConfig) SyncTimeout() time.Duration {
	return time.Duration(t.SyncTimeoutSeconds) * time.Second
}

// ConfidenceWindow returns how long a sync is trusted.
func (t TimeConfig) ConfidenceWindow() time.Duration {
	return time.Duration(t.ConfidenceWindowHours) * time.Hour
}

// LockTimeout returns the time state guard timeout.
func (t TimeConfig) LockTimeout() time.Duration {
	return time.Duration(t.LockTimeoutMs) * time.Millisecond
}

// HandleInterval returns the period of the time authority loop.
func (t TimeConfig) HandleInterval() time.Duration {
	return time.Duration(t.HandleIntervalMs) * time.Millisecond
}

// ConnectTimeout returns the dial timeout.
func (t TCPLoggingConfig) ConnectTimeout() time.Duration {
	return time.Duration(t.ConnectTimeoutMs) * time.Millisecond
}

// AckTimeout returns how long to wait for an ack.
func (t TCPLoggingConfig) AckTimeout() time.Duration {
	return time.Duration(t.AckTimeoutMs) * time.Millisecond
}

// HeartbeatInterval returns the idle time before a heartbeat.
func (t TCPLoggingConfig) HeartbeatInterval() time.Duration {
	return time.Duration(t.HeartbeatIntervalMs) * time.Millisecond
}

// PollInterval returns the shipper's idle sleep.
func (t TCPLoggingConfig) PollInterval() time.Duration {
	return time.Duration(t.PollIntervalMs) * time.Millisecond
}

// Backoff returns the retry schedule.
func (t TCPLoggingConfig) Backoff() []time.Duration {
	out := make([]time.Duration, len(t.RetryBackoffMs))
	for i, ms := range t.RetryBackoffMs {
		out[i] = time.Duration(ms) * time.Millisecond
	}
	return out
}

// SocketTimeout returns the collector read timeout.
func (c CollectorConfig) SocketTimeout() time.Duration {
	return time.Duration(c.SocketTimeoutSec) * time.Second
}

// LoggerConfig converts the section into a logging.Config tagged with
// component.
func (l LoggingConfig) LoggerConfig(component string) (*logging.Config, error) {
	level, err := logging.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(l.Format)
	if err != nil {
		return nil, err
	}
	return &logging.Config{
		Level:      level,
		Format:     format,
		Output:     l.Output,
		FilePath:   l.FilePath,
		MaxSize:    int64(l.MaxSizeMB),
		MaxBackups: l.MaxBackups,
		Compress:   l.Compress,
		Component:  component,
	}, nil
}
