package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

// =============================================================================
// Defaults
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	t.Setenv("HYDROMATIC_DATA_DIR", "/srv/hydro")
	cfg := DefaultConfig()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "/srv/hydro/active.log", cfg.Storage.LogPath())
	assert.Equal(t, "/srv/hydro/boot_counter.json", cfg.Storage.BootCounterPath())
	assert.Equal(t, "/srv/hydro/ntp_history.json", cfg.Storage.HistoryPath())
	assert.Equal(t, 0.8, cfg.Storage.RotationThreshold)

	assert.Equal(t, "pool.ntp.org", cfg.Time.NTPServer)
	assert.Equal(t, 5*time.Second, cfg.Time.SyncTimeout())
	assert.Equal(t, 24*time.Hour, cfg.Time.ConfidenceWindow())

	assert.Equal(t, "work-laptop.local", cfg.TCPLogging.ServerHost)
	assert.Equal(t, 5000, cfg.TCPLogging.ServerPort)
	assert.Equal(t, 2*time.Second, cfg.TCPLogging.AckTimeout())
	assert.Equal(t, time.Second, cfg.TCPLogging.HeartbeatInterval())
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 30 * time.Second}, cfg.TCPLogging.Backoff())

	assert.Equal(t, ConnectivityStatic, cfg.Connectivity.Mode)
	assert.Equal(t, 30*time.Second, cfg.Collector.SocketTimeout())
	assert.Empty(t, cfg.Health.ListenAddr)
}

func TestStoragePaths_AbsoluteNamesKept(t *testing.T) {
	s := StorageConfig{DataDir: "/data", LogFile: "/var/log/active.log", HistoryFile: "sub/h.json"}
	assert.Equal(t, "/var/log/active.log", s.LogPath())
	assert.Equal(t, "/data/sub/h.json", s.HistoryPath())
}

func TestConfigPath(t *testing.T) {
	path := ConfigPath()
	assert.Equal(t, "config.toml", filepath.Base(path))
}

// =============================================================================
// Loading
// =============================================================================

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.TCPLogging.ServerPort)
}

func TestLoad_Formats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "toml",
			file: "config.toml",
			content: `
version = 1
[tcp_logging]
server_host = "collector.lan"
retry_backoff_ms = [1000, 2000]
[time]
timezone = "Europe/Berlin"
`,
		},
		{
			name: "yaml",
			file: "config.yaml",
			content: `
version: 1
tcp_logging:
  server_host: collector.lan
  retry_backoff_ms: [1000, 2000]
time:
  timezone: Europe/Berlin
`,
		},
		{
			name:    "json",
			file:    "config.json",
			content: `{"version":1,"tcp_logging":{"server_host":"collector.lan","retry_backoff_ms":[1000,2000]},"time":{"timezone":"Europe/Berlin"}}`,
		},
		{
			name:    "json without extension",
			file:    "hydromatic.conf",
			content: `{"tcp_logging":{"server_host":"collector.lan","retry_backoff_ms":[1000,2000]},"time":{"timezone":"Europe/Berlin"}}`,
		},
		{
			name: "toml without extension",
			file: "hydromatic.conf",
			content: `
[tcp_logging]
server_host = "collector.lan"
retry_backoff_ms = [1000, 2000]
[time]
timezone = "Europe/Berlin"
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			writeFile(t, path, tt.content)

			cfg, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, "collector.lan", cfg.TCPLogging.ServerHost)
			assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, cfg.TCPLogging.Backoff())
			assert.Equal(t, "Europe/Berlin", cfg.Time.Timezone)

			// Untouched fields keep their defaults.
			assert.Equal(t, 5000, cfg.TCPLogging.ServerPort)
			assert.Equal(t, "pool.ntp.org", cfg.Time.NTPServer)
		})
	}
}

func TestLoad_InvalidSyntax(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "this is not valid toml {{{")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_InvalidValuesAreAggregated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, `
[tcp_logging]
server_port = 70000
retry_backoff_ms = [5000, 0]
[connectivity]
mode = "carrier-pigeon"
`)

	_, err := Load(path)
	require.Error(t, err)

	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs), err)
	assert.ElementsMatch(t, []string{
		"tcp_logging.server_port",
		"tcp_logging.retry_backoff_ms[1]",
		"connectivity.mode",
	}, verrs.Fields())
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, `
[tcp_logging]
server_host = "from-file"
`)
	t.Setenv("HYDROMATIC_SERVER_HOST", "from-env")
	t.Setenv("HYDROMATIC_SERVER_PORT", "6000")
	t.Setenv("HYDROMATIC_LOG_LEVEL", "debug")
	t.Setenv("HYDROMATIC_CONNECTIVITY", "networkmanager")
	t.Setenv("HYDROMATIC_HEALTH_ADDR", "127.0.0.1:9100")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.TCPLogging.ServerHost)
	assert.Equal(t, 6000, cfg.TCPLogging.ServerPort)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, ConnectivityNetworkManager, cfg.Connectivity.Mode)
	assert.Equal(t, "127.0.0.1:9100", cfg.Health.ListenAddr)
}

func TestLoad_BadNumericEnvIgnored(t *testing.T) {
	t.Setenv("HYDROMATIC_SERVER_PORT", "many")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.TCPLogging.ServerPort)
}

// =============================================================================
// Validation
// =============================================================================

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"version", func(c *Config) { c.Version = 2 }, "version"},
		{"empty data dir", func(c *Config) { c.Storage.DataDir = "" }, "storage.data_dir"},
		{"threshold above one", func(c *Config) { c.Storage.RotationThreshold = 1.5 }, "storage.rotation_threshold"},
		{"threshold zero", func(c *Config) { c.Storage.RotationThreshold = 0 }, "storage.rotation_threshold"},
		{"unknown timezone", func(c *Config) { c.Time.Timezone = "Mars/Olympus" }, "time.timezone"},
		{"negative window", func(c *Config) { c.Time.ConfidenceWindowHours = -1 }, "time.confidence_window_hours"},
		{"sync timeout", func(c *Config) { c.Time.SyncTimeoutSeconds = 0 }, "time.sync_timeout_seconds"},
		{"empty schedule", func(c *Config) { c.TCPLogging.RetryBackoffMs = nil }, "tcp_logging.retry_backoff_ms"},
		{"empty host", func(c *Config) { c.TCPLogging.ServerHost = "" }, "tcp_logging.server_host"},
		{"queue", func(c *Config) { c.TCPLogging.CommandQueueSize = 0 }, "tcp_logging.command_queue_size"},
		{"log level", func(c *Config) { c.Logging.Level = "chatty" }, "logging.level"},
		{"log output", func(c *Config) { c.Logging.Output = "printer" }, "logging.output"},
		{"log file missing", func(c *Config) { c.Logging.Output = "both"; c.Logging.FilePath = "" }, "logging.file_path"},
		{"collector addr", func(c *Config) { c.Collector.ListenAddr = "5000" }, "collector.listen_addr"},
		{"health addr", func(c *Config) { c.Health.ListenAddr = "nope" }, "health.listen_addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			var verrs ValidationErrors
			require.True(t, errors.As(err, &verrs), err)
			assert.Contains(t, verrs.Fields(), tt.field)
			assert.Contains(t, err.Error(), "config: "+tt.field)
		})
	}
}

func TestValidate_ZeroWindowAllowed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Time.ConfidenceWindowHours = 0
	assert.NoError(t, cfg.Validate())
}

// =============================================================================
// Conversion
// =============================================================================

func TestClone_IsDeep(t *testing.T) {
	cfg := DefaultConfig()
	clone := cfg.Clone()
	clone.TCPLogging.RetryBackoffMs[0] = 1
	clone.Time.NTPServer = "other"

	assert.Equal(t, 5000, cfg.TCPLogging.RetryBackoffMs[0])
	assert.Equal(t, "pool.ntp.org", cfg.Time.NTPServer)
}

func TestLoggerConfig(t *testing.T) {
	l := LoggingConfig{Level: "warn", Format: "json", Output: "file", FilePath: "/tmp/x.log", MaxSizeMB: 5, MaxBackups: 2, Compress: true}
	lc, err := l.LoggerConfig("hydromaticd")
	require.NoError(t, err)
	assert.Equal(t, "hydromaticd", lc.Component)
	assert.EqualValues(t, 5, lc.MaxSize)
	assert.Equal(t, "file", lc.Output)

	l.Level = "loud"
	_, err = l.LoggerConfig("x")
	assert.Error(t, err)
}

func TestSaveConfig_RoundTrips(t *testing.T) {
	for _, ext := range SupportedConfigFormats() {
		t.Run(ext, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", "config."+ext)
			cfg := DefaultConfig()
			cfg.TCPLogging.ServerHost = "saved.lan"
			cfg.TCPLogging.RetryBackoffMs = []int{100, 200, 300, 400}
			require.NoError(t, SaveConfig(cfg, path))

			got, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, "saved.lan", got.TCPLogging.ServerHost)
			assert.Equal(t, []int{100, 200, 300, 400}, got.TCPLogging.RetryBackoffMs)
		})
	}
}

func TestLoadOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	_, created, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.FileExists(t, path)

	cfg, created, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "work-laptop.local", cfg.TCPLogging.ServerHost)
}

// =============================================================================
// Loader
// =============================================================================

func TestLoader_WatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "[tcp_logging]\nheartbeat_interval_ms = 1000\n")

	l := NewLoader(path)
	_, err := l.Load()
	require.NoError(t, err)

	changed := make(chan [2]int, 1)
	l.OnChange(func(old, new *Config) {
		changed <- [2]int{old.TCPLogging.HeartbeatIntervalMs, new.TCPLogging.HeartbeatIntervalMs}
	})
	require.NoError(t, l.Watch())
	t.Cleanup(func() { l.Close() })

	writeFile(t, path, "[tcp_logging]\nheartbeat_interval_ms = 2500\n")

	select {
	case got := <-changed:
		assert.Equal(t, [2]int{1000, 2500}, got)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload")
	}
	assert.Equal(t, 2500, l.Config().TCPLogging.HeartbeatIntervalMs)
}

func TestLoader_InvalidChangeKeepsConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "[tcp_logging]\nserver_port = 5000\n")

	l := NewLoader(path)
	_, err := l.Load()
	require.NoError(t, err)
	require.NoError(t, l.Watch())
	t.Cleanup(func() { l.Close() })

	writeFile(t, path, "[tcp_logging]\nserver_port = 0\n")

	select {
	case err := <-l.Errors():
		assert.ErrorContains(t, err, "reload config")
	case <-time.After(5 * time.Second):
		t.Fatal("no reload error")
	}
	assert.Equal(t, 5000, l.Config().TCPLogging.ServerPort)

	// A rejected edit does not stop the watch.
	writeFile(t, path, "[tcp_logging]\nserver_port = 6000\n")
	require.Eventually(t, func() bool {
		return l.Config().TCPLogging.ServerPort == 6000
	}, 5*time.Second, 20*time.Millisecond)
}
