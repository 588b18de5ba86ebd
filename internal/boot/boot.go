// Package boot tracks the boot sequence of the device.
//
// Every process start is one boot. The persisted counter is read,
// incremented and written back exactly once, before anything is logged, and
// the resulting Session is shared by every component that stamps records
// with (boot_seq, uptime_ms).
package boot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/coder/quartz"
	"github.com/spf13/afero"
)

// counterFile is the on-disk layout of the boot counter.
type counterFile struct {
	BootSeq *uint32 `json:"boot_seq"`
}

// ErrMissingField is returned when the counter file has no boot_seq.
var ErrMissingField = errors.New("boot: boot_seq field missing")

// ReadCounter returns the persisted boot sequence. A missing file yields 0
// with no error.
func ReadCounter(fsys afero.Fs, path string) (uint32, error) {
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read boot counter: %w", err)
	}

	var cf counterFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return 0, fmt.Errorf("parse boot counter: %w", err)
	}
	if cf.BootSeq == nil {
		return 0, ErrMissingField
	}
	return *cf.BootSeq, nil
}

// WriteCounter persists seq, replacing the previous value.
func WriteCounter(fsys afero.Fs, path string, seq uint32) error {
	if err := fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create boot counter directory: %w", err)
	}

	data, err := json.Marshal(counterFile{BootSeq: &seq})
	if err != nil {
		return fmt.Errorf("encode boot counter: %w", err)
	}

	tmp := path + ".tmp"
	if err := afero.WriteFile(fsys, tmp, data, 0o644); err != nil {
		return fmt.Errorf("write boot counter: %w", err)
	}
	if err := fsys.Rename(tmp, path); err != nil {
		_ = fsys.Remove(tmp)
		return fmt.Errorf("replace boot counter: %w", err)
	}
	return nil
}

// Begin starts a new boot: it reads the counter, increments it and persists
// the new value. Read and write problems are logged and never fatal; an
// unreadable counter restarts the sequence from 1.
func Begin(fsys afero.Fs, path string, clock quartz.Clock, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}

	prev, err := ReadCounter(fsys, path)
	if err != nil {
		logger.Warn("boot counter unreadable, restarting sequence", "path", path, "error", err)
		prev = 0
	}

	seq := prev + 1
	if err := WriteCounter(fsys, path, seq); err != nil {
		logger.Error("boot counter not persisted", "path", path, "boot_seq", seq, "error", err)
	} else {
		logger.Info("boot counter advanced", "previous", prev, "boot_seq", seq)
	}

	return NewSession(seq, clock)
}

// Session identifies the current boot and measures uptime within it.
type Session struct {
	seq   uint32
	start time.Time
	clock quartz.Clock
}

// NewSession creates a session whose uptime starts now.
func NewSession(seq uint32, clock quartz.Clock) *Session {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Session{
		seq:   seq,
		start: clock.Now(),
		clock: clock,
	}
}

// Seq returns the boot sequence number.
func (s *Session) Seq() uint32 { return s.seq }

// Clock returns the clock uptime is measured against.
func (s *Session) Clock() quartz.Clock { return s.clock }

// Uptime returns the time elapsed since the session started.
func (s *Session) Uptime() time.Duration {
	return s.clock.Since(s.start)
}

// UptimeMS returns uptime in milliseconds, wrapping at 2^32 like a hardware
// millisecond counter.
func (s *Session) UptimeMS() uint32 {
	return uint32(s.Uptime().Milliseconds())
}
