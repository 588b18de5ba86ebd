package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"hydromatic/internal/boot"
	"hydromatic/internal/config"
	"hydromatic/internal/logging"
	"hydromatic/internal/sysinfo"
	"hydromatic/internal/timeauth"
)

// cmdStatus reads the on-disk state without opening the event log, so it is
// safe to run next to the daemon.
func cmdStatus(args []string) error {
	flags, path := newFlagSet("status")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(resolveConfigPath(*path))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return printStatus(os.Stdout, cfg, afero.NewOsFs())
}

func printStatus(w io.Writer, cfg *config.Config, fsys afero.Fs) error {
	fmt.Fprintln(w, "=== hydromaticd Status ===")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Data directory: %s\n", cfg.Storage.DataDir)
	fmt.Fprintf(w, "Collector:      %s:%d\n", cfg.TCPLogging.ServerHost, cfg.TCPLogging.ServerPort)
	fmt.Fprintf(w, "NTP server:     %s (%s)\n", cfg.Time.NTPServer, cfg.Time.Timezone)

	seq, err := boot.ReadCounter(fsys, cfg.Storage.BootCounterPath())
	if err != nil {
		fmt.Fprintf(w, "Boot counter:   unreadable (%v)\n", err)
	} else {
		fmt.Fprintf(w, "Boot counter:   %d\n", seq)
	}

	info, err := fsys.Stat(cfg.Storage.LogPath())
	switch {
	case errors.Is(err, fs.ErrNotExist):
		fmt.Fprintln(w, "Event log:      none")
	case err != nil:
		fmt.Fprintf(w, "Event log:      unreadable (%v)\n", err)
	default:
		fmt.Fprintf(w, "Event log:      %d bytes", info.Size())
		if usage, err := volumeFor(cfg, fsys).Usage(); err == nil {
			threshold := int64(float64(usage.Total) * cfg.Storage.RotationThreshold)
			fmt.Fprintf(w, " (evicts above %d)", threshold)
		}
		fmt.Fprintln(w)
	}

	history := timeauth.LoadHistory(fsys, cfg.Storage.HistoryPath(), cfg.Time.MaxBootHistory, logging.Discard().Logger)
	records := history.Records()
	fmt.Fprintf(w, "Synced boots:   %d\n", len(records))
	for _, rec := range records {
		fmt.Fprintf(w, "  boot %-6d synced %s at uptime %s\n",
			rec.BootSeq,
			time.Unix(rec.NTPSyncTime, 0).UTC().Format(time.RFC3339),
			time.Duration(rec.SyncUptimeMS)*time.Millisecond)
	}

	crashes := logging.NewCrashHandler(&logging.CrashHandlerConfig{
		Fs:       fsys,
		CrashDir: crashDir(cfg),
		Logger:   logging.Discard(),
	})
	reports, err := crashes.CrashReports()
	if err != nil {
		fmt.Fprintf(w, "Crash reports:  unreadable (%v)\n", err)
		return nil
	}
	fmt.Fprintf(w, "Crash reports:  %d\n", len(reports))
	for _, r := range reports {
		fmt.Fprintf(w, "  %s %s: %s\n", r.Timestamp.UTC().Format(time.RFC3339), r.Task, r.PanicValue)
	}
	return nil
}

func crashDir(cfg *config.Config) string {
	return filepath.Join(cfg.Storage.DataDir, "crashes")
}

func volumeFor(cfg *config.Config, fsys afero.Fs) sysinfo.Volume {
	if cfg.Storage.CapacityBytes > 0 {
		return sysinfo.FixedVolume{Fs: fsys, Root: cfg.Storage.DataDir, Capacity: cfg.Storage.CapacityBytes}
	}
	return sysinfo.StatfsVolume{Path: cfg.Storage.DataDir}
}

func cmdInit(args []string) error {
	flags, path := newFlagSet("init")
	if err := flags.Parse(args); err != nil {
		return err
	}

	target := *path
	if target == "" {
		target = config.ConfigPath()
	}
	cfg, created, err := config.LoadOrCreate(target)
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	if created {
		fmt.Printf("Wrote default configuration to %s\n", target)
	} else {
		fmt.Printf("Configuration already present at %s\n", target)
	}
	fmt.Printf("Data directory: %s\n", cfg.Storage.DataDir)
	return nil
}
