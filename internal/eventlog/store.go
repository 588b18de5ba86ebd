// Package eventlog implements the durable, append-only event log.
//
// Records are JSON lines in a single file. New records go to the tail; the
// shipper consumes from the head with PeekOldest and DeleteOldestIf. When the
// file grows past a fraction of the volume, whole records are evicted from
// the head until it is back under half that threshold.
//
// Every file operation runs under one guard.Guard with a bounded wait. A
// caller that cannot get the guard in time gives up: appends fall back to
// the console only, reads and deletes return guard.ErrTimeout.
package eventlog

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/spf13/afero"

	"hydromatic/internal/boot"
	"hydromatic/internal/bounded"
	"hydromatic/internal/guard"
	"hydromatic/internal/logging"
	"hydromatic/internal/metrics"
	"hydromatic/internal/sysinfo"
	"hydromatic/internal/wire"
)

const (
	// DefaultMaxMessageBytes caps a single message.
	DefaultMaxMessageBytes = 512

	// DefaultRotationThreshold is the fraction of the volume the log may
	// fill before eviction.
	DefaultRotationThreshold = 0.8

	// truncationSampleBytes is how much of a cut message is quoted in the
	// follow-up error entry.
	truncationSampleBytes = 60
)

var (
	ErrEmpty = errors.New("eventlog: log is empty")
)

// Config configures a Store.
type Config struct {
	Fs   afero.Fs
	Path string

	Session *boot.Session
	Guard   *guard.Guard

	// Volume reports the capacity eviction is measured against.
	Volume sysinfo.Volume

	// Sampler supplies the system snapshot embedded in each record. Defaults
	// to a sysinfo.Probe over Volume.
	Sampler sysinfo.Sampler

	RotationThreshold float64
	MaxMessageBytes   int

	Logger  *logging.Logger
	Metrics *metrics.Pipeline
}

// Store is the event log.
type Store struct {
	fs      afero.Fs
	path    string
	session *boot.Session
	guard   *guard.Guard
	volume  sysinfo.Volume
	sampler sysinfo.Sampler
	ratio   float64
	maxMsg  int
	logger  *logging.Logger
	console *slog.Logger
	metrics *metrics.Pipeline
	nextSeq atomic.Uint32
}

// Open prepares the log file at cfg.Path, creating it if needed.
func Open(cfg Config) (*Store, error) {
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("eventlog: empty path")
	}
	if cfg.Session == nil {
		return nil, fmt.Errorf("eventlog: nil boot session")
	}
	if cfg.Volume == nil {
		return nil, fmt.Errorf("eventlog: nil volume")
	}
	if cfg.Guard == nil {
		cfg.Guard = guard.New(guard.DefaultStoreTimeout)
	}
	if cfg.Sampler == nil {
		cfg.Sampler = sysinfo.NewProbe(cfg.Volume)
	}
	if cfg.RotationThreshold <= 0 || cfg.RotationThreshold > 1 {
		cfg.RotationThreshold = DefaultRotationThreshold
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}

	if err := cfg.Fs.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := cfg.Fs.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close log file: %w", err)
	}
	// A crash mid-rewrite can leave the temp file behind.
	cfg.Fs.Remove(cfg.Path + ".new")

	return &Store{
		fs:      cfg.Fs,
		path:    cfg.Path,
		session: cfg.Session,
		guard:   cfg.Guard,
		volume:  cfg.Volume,
		sampler: cfg.Sampler,
		ratio:   cfg.RotationThreshold,
		maxMsg:  cfg.MaxMessageBytes,
		logger:  cfg.Logger.WithComponent("eventlog"),
		console: cfg.Logger.WithComponent("console").Logger,
		metrics: cfg.Metrics,
	}, nil
}

// Path returns the log file path.
func (s *Store) Path() string { return s.path }

// Session returns the boot session records are stamped with.
func (s *Store) Session() *boot.Session { return s.session }

// Append records msg at level. It never fails from the caller's point of
// view: when the record cannot be stored it still reaches the console.
//
// Messages longer than the configured cap are cut, and unless the entry is
// itself an error a second error entry reports the original length.
func (s *Store) Append(level wire.Level, msg string) {
	if !level.Valid() {
		level = wire.LevelInfo
	}

	text := bounded.Truncate(msg, s.maxMsg)
	s.write(level, text.String(), text.Truncated())

	if text.Truncated() && level != wire.LevelError {
		s.write(wire.LevelError, fmt.Sprintf("Log entry truncated (%d chars), sample: %s",
			text.OriginalLen(), bounded.Sample(msg, truncationSampleBytes)), false)
	}
}

// Debugf appends a debug entry.
func (s *Store) Debugf(format string, args ...any) {
	s.Append(wire.LevelDebug, fmt.Sprintf(format, args...))
}

// Infof appends an info entry.
func (s *Store) Infof(format string, args ...any) {
	s.Append(wire.LevelInfo, fmt.Sprintf(format, args...))
}

// Warnf appends a warning entry.
func (s *Store) Warnf(format string, args ...any) {
	s.Append(wire.LevelWarning, fmt.Sprintf(format, args...))
}

// Errorf appends an error entry.
func (s *Store) Errorf(format string, args ...any) {
	s.Append(wire.LevelError, fmt.Sprintf(format, args...))
}

func (s *Store) write(level wire.Level, msg string, truncated bool) {
	snap := s.sampler.Sample()
	if _, err := s.Maintain(); err != nil {
		s.logger.Warn("eviction pass failed", "error", err)
	}

	entry := wire.Entry{
		BootSeq:  s.session.Seq(),
		UptimeMS: s.session.UptimeMS(),
		Seq:      s.nextSeq.Add(1) - 1,
		Level:    level,
		Msg:      msg,
		System:   snap,
	}

	line, err := entry.Marshal()
	if err == nil {
		line = append(line, '\n')
		err = s.guard.Do(func() error { return s.appendLine(line) })
	}
	stored := err == nil
	if !stored {
		s.logger.Warn("entry not stored", "seq", entry.Seq, "error", err)
	}

	s.console.Log(context.Background(), slogLevel(level), msg,
		"boot_seq", entry.BootSeq, "seq", entry.Seq, "stored", stored)
	s.metrics.RecordAppend(stored, truncated)
}

func (s *Store) appendLine(line []byte) error {
	f, err := s.fs.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("write entry: %w", err)
	}
	return f.Close()
}

func slogLevel(l wire.Level) slog.Level {
	switch l {
	case wire.LevelDebug:
		return slog.LevelDebug
	case wire.LevelWarning:
		return slog.LevelWarn
	case wire.LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// PeekOldest returns a copy of the first non-empty record without removing
// it. ok is false when the log is empty.
func (s *Store) PeekOldest() (raw []byte, ok bool, err error) {
	err = s.guard.Do(func() error {
		return s.scan(func(_, _ int64, line []byte) bool {
			raw = bytes.Clone(line)
			ok = true
			return false
		})
	})
	if err != nil {
		return nil, false, err
	}
	return raw, ok, nil
}

// DeleteOldest removes exactly the first non-empty record. Blank lines in
// front of it go with it. It returns ErrEmpty when there is nothing to
// remove.
func (s *Store) DeleteOldest() error {
	return s.guard.Do(func() error {
		cut := int64(-1)
		if err := s.scan(func(_, end int64, _ []byte) bool {
			cut = end
			return false
		}); err != nil {
			return err
		}
		if cut < 0 {
			return ErrEmpty
		}
		return s.rewriteFrom(cut)
	})
}

// DeleteOldestIf removes the first non-empty record only if it equals raw.
// It reports false when the head differs or the log is empty, which means
// eviction already removed the record raw was peeked from.
func (s *Store) DeleteOldestIf(raw []byte) (bool, error) {
	deleted := false
	err := s.guard.Do(func() error {
		cut := int64(-1)
		if err := s.scan(func(_, end int64, line []byte) bool {
			if bytes.Equal(line, raw) {
				cut = end
			}
			return false
		}); err != nil {
			return err
		}
		if cut < 0 {
			return nil
		}
		if err := s.rewriteFrom(cut); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	return deleted, err
}

// Size returns the log file size in bytes.
func (s *Store) Size() (int64, error) {
	info, err := s.fs.Stat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return info.Size(), nil
}

// scan calls fn for each non-empty record with its byte range. The line
// passed to fn excludes the terminator and is only valid during the call.
// Returning false stops the scan. Caller holds the guard.
func (s *Store) scan(fn func(start, end int64, line []byte) bool) error {
	f, err := s.fs.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var off int64
	for {
		line, readErr := br.ReadBytes('\n')
		if len(line) > 0 {
			start := off
			off += int64(len(line))
			body := bytes.TrimRight(line, "\r\n")
			if len(bytes.TrimSpace(body)) > 0 && !fn(start, off, body) {
				return nil
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("read log file: %w", readErr)
		}
	}
}

// rewriteFrom replaces the log with its content from offset on, through a
// temp file and rename. Caller holds the guard.
func (s *Store) rewriteFrom(offset int64) error {
	tmp := s.path + ".new"

	src, err := s.fs.Open(s.path)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer src.Close()
	if _, err := src.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek log file: %w", err)
	}

	dst, err := s.fs.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create temp log: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		s.fs.Remove(tmp)
		return fmt.Errorf("copy log tail: %w", err)
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		s.fs.Remove(tmp)
		return fmt.Errorf("sync temp log: %w", err)
	}
	if err := dst.Close(); err != nil {
		s.fs.Remove(tmp)
		return fmt.Errorf("close temp log: %w", err)
	}
	src.Close()

	if err := s.fs.Rename(tmp, s.path); err != nil {
		s.fs.Remove(tmp)
		return fmt.Errorf("replace log file: %w", err)
	}
	return nil
}
