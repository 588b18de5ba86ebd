package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hydromatic/internal/boot"
	"hydromatic/internal/config"
	"hydromatic/internal/logging"
	"hydromatic/internal/netwatch"
	"hydromatic/internal/timeauth"
	"hydromatic/internal/wire"
)

func newTestDaemon(t *testing.T) *daemon {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Storage.CapacityBytes = 1 << 20

	d, err := newDaemon(cfg, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { d.auth.Close() })
	return d
}

func oldestMsg(t *testing.T, d *daemon) string {
	t.Helper()
	raw, ok, err := d.store.PeekOldest()
	require.NoError(t, err)
	require.True(t, ok)
	var e struct {
		Msg string `json:"msg"`
	}
	require.NoError(t, json.Unmarshal(raw, &e))
	return e.Msg
}

func TestNewDaemon_BootCounterAdvances(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Storage.CapacityBytes = 1 << 20

	for want := uint32(1); want <= 2; want++ {
		d, err := newDaemon(cfg, logging.Discard())
		require.NoError(t, err)
		assert.Equal(t, want, d.session.Seq())
		d.auth.Close()
	}
}

func TestNewDaemon_RegistersHealthChecks(t *testing.T) {
	d := newTestDaemon(t)
	assert.Equal(t, []string{"eventlog", "shipper", "timeauth"}, d.checker.Names())
}

func TestHandleCommand_Status(t *testing.T) {
	d := newTestDaemon(t)

	d.handleCommand(wire.Command{Type: wire.CommandStatus})
	assert.Contains(t, oldestMsg(t, d), "status: log ")
	assert.Contains(t, oldestMsg(t, d), "crashes 0")
	assert.Contains(t, oldestMsg(t, d), "confident=false")
}

func TestHandleCommand_UnknownIgnored(t *testing.T) {
	d := newTestDaemon(t)

	d.handleCommand(wire.Command{Type: "reboot"})
	_, ok, err := d.store.PeekOldest()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReconfigure_Timezone(t *testing.T) {
	d := newTestDaemon(t)

	next := d.cfg.Clone()
	next.Time.Timezone = "Europe/Berlin"
	next.TCPLogging.HeartbeatIntervalMs = 5000
	d.reconfigure(d.cfg, next)

	st, err := d.auth.Status()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", st.Timezone)
}

func TestTimeLoop_NetworkDropAbortsSyncWithoutTick(t *testing.T) {
	clock := quartz.NewMock(t)
	queried := make(chan struct{}, 1)
	src := timeauth.TimeSourceFunc(func(ctx context.Context) (time.Time, error) {
		queried <- struct{}{}
		<-ctx.Done()
		return time.Time{}, ctx.Err()
	})

	auth, err := timeauth.New(timeauth.Config{
		Server:      "pool.ntp.test",
		SyncTimeout: time.Hour,
		Source:      src,
		Clock:       clock,
		Session:     boot.NewSession(1, clock),
		History:     timeauth.LoadHistory(afero.NewMemMapFs(), "/data/history.json", 0, logging.Discard().Logger),
		Logger:      logging.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { auth.Close() })

	monitor := netwatch.NewStatic(true)
	d := &daemon{cfg: config.DefaultConfig(), clock: clock, auth: auth, monitor: monitor}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.timeLoop(ctx) }()

	select {
	case <-queried:
	case <-time.After(2 * time.Second):
		t.Fatal("sync never started")
	}
	require.Equal(t, timeauth.StateSyncing, auth.State())

	monitor.Set(false)
	require.Eventually(t, func() bool { return auth.State() == timeauth.StateIdle }, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.True(t, errors.Is(<-done, context.Canceled))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLogConfigErrors_RejectedReloadIsLogged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[tcp_logging]\nserver_port = 5000\n"), 0o644))

	loader := config.NewLoader(path)
	_, err := loader.Load()
	require.NoError(t, err)
	require.NoError(t, loader.Watch())
	t.Cleanup(func() { loader.Close() })

	var out syncBuffer
	logger := logging.NewWithWriter(&logging.Config{Level: logging.LevelDebug}, &out)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		logConfigErrors(ctx, loader.Errors(), logger.Logger)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.NoError(t, os.WriteFile(path, []byte("[tcp_logging]\nserver_port = 0\n"), 0o644))
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "config reload failed")
	}, 5*time.Second, 20*time.Millisecond)
	assert.Contains(t, out.String(), "reload config")
	assert.Equal(t, 5000, loader.Config().TCPLogging.ServerPort)
}

func TestPrintStatus_ListsCrashReports(t *testing.T) {
	fsys := afero.NewMemMapFs()
	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = "/data"
	cfg.Storage.CapacityBytes = 1 << 20

	h := logging.NewCrashHandler(&logging.CrashHandlerConfig{
		Fs:       fsys,
		CrashDir: crashDir(cfg),
		Logger:   logging.Discard(),
	})
	require.True(t, h.Recover("shipper", func() { panic("collector went away") }))

	var out bytes.Buffer
	require.NoError(t, printStatus(&out, cfg, fsys))
	assert.Contains(t, out.String(), "Event log:      none")
	assert.Contains(t, out.String(), "Crash reports:  1")
	assert.Contains(t, out.String(), "shipper: collector went away")
}
