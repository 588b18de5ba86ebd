package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/spf13/afero"
)

// CrashReport describes a recovered panic in one of the daemon's tasks.
type CrashReport struct {
	Timestamp    time.Time `json:"timestamp"`
	Version      string    `json:"version"`
	GOOS         string    `json:"goos"`
	GOARCH       string    `json:"goarch"`
	NumGoroutine int       `json:"num_goroutine"`
	Task         string    `json:"task"`
	PanicValue   string    `json:"panic_value"`
	StackTrace   string    `json:"stack_trace"`
}

// CrashHandlerConfig configures a CrashHandler.
type CrashHandlerConfig struct {
	// Fs receives crash dumps. Nil disables dumps.
	Fs afero.Fs

	// CrashDir is the directory on Fs for crash dumps.
	CrashDir string

	Version string
	Logger  *Logger
	Clock   quartz.Clock

	// OnCrash is called after a crash is logged.
	OnCrash func(CrashReport)
}

// CrashHandler recovers panics from long-running tasks, records them and
// lets the supervisor restart the task.
type CrashHandler struct {
	mu      sync.Mutex
	fs      afero.Fs
	dir     string
	version string
	logger  *Logger
	clock   quartz.Clock
	onCrash func(CrashReport)
	crashes int
}

// NewCrashHandler creates a CrashHandler.
func NewCrashHandler(cfg *CrashHandlerConfig) *CrashHandler {
	if cfg == nil {
		cfg = &CrashHandlerConfig{}
	}
	h := &CrashHandler{
		fs:      cfg.Fs,
		dir:     cfg.CrashDir,
		version: cfg.Version,
		logger:  cfg.Logger,
		clock:   cfg.Clock,
		onCrash: cfg.OnCrash,
	}
	if h.logger == nil {
		h.logger = Default()
	}
	if h.clock == nil {
		h.clock = quartz.NewReal()
	}
	if h.fs != nil && h.dir != "" {
		h.fs.MkdirAll(h.dir, 0o750)
	}
	return h
}

// Recover runs fn and reports whether it panicked.
func (h *CrashHandler) Recover(task string, fn func()) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			h.HandlePanic(task, r)
			panicked = true
		}
	}()
	fn()
	return false
}

// Supervise runs fn until it returns or ctx is done. A panic is recorded and
// fn is restarted after restartDelay.
func (h *CrashHandler) Supervise(ctx context.Context, task string, restartDelay time.Duration, fn func(context.Context) error) error {
	for {
		var err error
		panicked := h.Recover(task, func() { err = fn(ctx) })
		if !panicked {
			return err
		}

		h.logger.Warn("restarting task after panic", "task", task, "delay", restartDelay)
		t := h.clock.NewTimer(restartDelay, "crash", "restart")
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// HandlePanic builds, logs and persists a crash report.
func (h *CrashHandler) HandlePanic(task string, panicValue any) CrashReport {
	h.mu.Lock()
	defer h.mu.Unlock()

	report := CrashReport{
		Timestamp:    h.clock.Now().UTC(),
		Version:      h.version,
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		NumGoroutine: runtime.NumGoroutine(),
		Task:         task,
		PanicValue:   fmt.Sprintf("%v", panicValue),
		StackTrace:   string(debug.Stack()),
	}
	h.crashes++

	h.logger.Error("task panicked", "task", task, "panic", report.PanicValue)

	if err := h.writeCrashDump(report); err != nil {
		h.logger.Warn("crash dump not written", "error", err)
	}

	if h.onCrash != nil {
		h.onCrash(report)
	}
	return report
}

// Crashes returns the number of panics handled since creation.
func (h *CrashHandler) Crashes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.crashes
}

func (h *CrashHandler) writeCrashDump(report CrashReport) error {
	if h.fs == nil || h.dir == "" {
		return nil
	}

	name := fmt.Sprintf("crash-%s-%s-%d.json",
		report.Task, report.Timestamp.Format("20060102-150405"), h.crashes)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal crash report: %w", err)
	}
	if err := afero.WriteFile(h.fs, filepath.Join(h.dir, name), data, 0o640); err != nil {
		return fmt.Errorf("write crash report: %w", err)
	}
	return nil
}

// CrashReports returns persisted crash reports, oldest first.
func (h *CrashHandler) CrashReports() ([]CrashReport, error) {
	if h.fs == nil || h.dir == "" {
		return nil, nil
	}

	files, err := afero.Glob(h.fs, filepath.Join(h.dir, "crash-*.json"))
	if err != nil {
		return nil, err
	}

	reports := make([]CrashReport, 0, len(files))
	for _, file := range files {
		data, err := afero.ReadFile(h.fs, file)
		if err != nil {
			continue
		}
		var report CrashReport
		if err := json.Unmarshal(data, &report); err != nil {
			continue
		}
		reports = append(reports, report)
	}

	sort.SliceStable(reports, func(i, j int) bool {
		return reports[i].Timestamp.Before(reports[j].Timestamp)
	})
	return reports, nil
}
