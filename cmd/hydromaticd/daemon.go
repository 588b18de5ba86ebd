package main

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"hydromatic/internal/boot"
	"hydromatic/internal/config"
	"hydromatic/internal/eventlog"
	"hydromatic/internal/guard"
	"hydromatic/internal/health"
	"hydromatic/internal/logging"
	"hydromatic/internal/metrics"
	"hydromatic/internal/netwatch"
	"hydromatic/internal/shipper"
	"hydromatic/internal/sysinfo"
	"hydromatic/internal/timeauth"
	"hydromatic/internal/wire"
)

const restartDelay = 5 * time.Second

// daemon owns the device pipeline: event log, time authority, shipper and
// their periodic loops.
type daemon struct {
	cfg    *config.Config
	logger *logging.Logger
	clock  quartz.Clock

	session *boot.Session
	metrics *metrics.Pipeline
	store   *eventlog.Store
	auth    *timeauth.Authority
	monitor netwatch.Monitor
	nm      *netwatch.NetworkManager
	agent   *shipper.Agent
	checker *health.Checker
	crash   *logging.CrashHandler
}

func newDaemon(cfg *config.Config, logger *logging.Logger) (*daemon, error) {
	fs := afero.NewOsFs()
	clock := quartz.NewReal()

	d := &daemon{
		cfg:     cfg,
		logger:  logger,
		clock:   clock,
		metrics: metrics.NewPipeline(metrics.NewRegistry("hydromatic")),
	}

	d.session = boot.Begin(fs, cfg.Storage.BootCounterPath(), clock, logger.Logger)

	volume := volumeFor(cfg, fs)
	sampler := sysinfo.NewProbe(volume)

	store, err := eventlog.Open(eventlog.Config{
		Fs:                fs,
		Path:              cfg.Storage.LogPath(),
		Session:           d.session,
		Guard:             guard.New(cfg.Storage.LockTimeout()),
		Volume:            volume,
		Sampler:           sampler,
		RotationThreshold: cfg.Storage.RotationThreshold,
		MaxMessageBytes:   cfg.Storage.MaxMessageBytes,
		Logger:            logger,
		Metrics:           d.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	d.store = store

	var setter timeauth.ClockSetter
	if cfg.Time.SetSystemClock {
		setter = timeauth.UnixClockSetter{}
	}
	history := timeauth.LoadHistory(fs, cfg.Storage.HistoryPath(), cfg.Time.MaxBootHistory, logger.Logger)
	d.auth, err = timeauth.New(timeauth.Config{
		Server:           cfg.Time.NTPServer,
		Timezone:         cfg.Time.Timezone,
		SyncTimeout:      cfg.Time.SyncTimeout(),
		ConfidenceWindow: cfg.Time.ConfidenceWindow(),
		Source:           timeauth.NTPSource{Server: cfg.Time.NTPServer, Timeout: cfg.Time.SyncTimeout()},
		Setter:           setter,
		Clock:            clock,
		Session:          d.session,
		History:          history,
		Guard:            guard.New(cfg.Time.LockTimeout()),
		Journal:          store,
		Logger:           logger,
		Metrics:          d.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("time authority: %w", err)
	}

	d.monitor = netwatch.NewStatic(true)
	if cfg.Connectivity.Mode == config.ConnectivityNetworkManager {
		nm, err := netwatch.DialNetworkManager(logger.Logger)
		if err != nil {
			logger.Warn("NetworkManager unavailable, assuming connected", "error", err)
		} else {
			d.nm, d.monitor = nm, nm
		}
	}

	tcp := cfg.TCPLogging
	d.agent, err = shipper.New(shipper.Config{
		Host:              tcp.ServerHost,
		Port:              tcp.ServerPort,
		ConnectTimeout:    tcp.ConnectTimeout(),
		AckTimeout:        tcp.AckTimeout(),
		HeartbeatInterval: tcp.HeartbeatInterval(),
		PollInterval:      tcp.PollInterval(),
		Backoff:           tcp.Backoff(),
		CommandQueueSize:  tcp.CommandQueueSize,
		MaxLineBytes:      cfg.Collector.MaxLineBytes,
		Store:             store,
		Resolver:          d.auth,
		Session:           d.session,
		Sampler:           sampler,
		Monitor:           d.monitor,
		Clock:             clock,
		Logger:            logger,
		Metrics:           d.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("shipper: %w", err)
	}

	d.checker = health.NewChecker(clock)
	d.checker.RegisterFunc("eventlog", true, health.StoreCheck(store))
	d.checker.RegisterFunc("timeauth", false, health.TimeCheck(d.auth))
	d.checker.RegisterFunc("shipper", false, health.ShipperCheck(d.agent))

	d.crash = logging.NewCrashHandler(&logging.CrashHandlerConfig{
		Fs:       fs,
		CrashDir: crashDir(cfg),
		Version:  version,
		Logger:   logger,
		Clock:    clock,
		OnCrash: func(r logging.CrashReport) {
			store.Errorf("%s crashed: %s", r.Task, r.PanicValue)
		},
	})
	return d, nil
}

// run starts every loop and blocks until ctx is done or one of them fails.
func (d *daemon) run(ctx context.Context) error {
	defer d.auth.Close()
	if d.nm != nil {
		defer d.nm.Close()
	}

	d.store.Infof("boot %d started, hydromaticd %s", d.session.Seq(), version)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.crash.Supervise(ctx, "shipper", restartDelay, d.agent.Run)
	})
	g.Go(func() error {
		return d.crash.Supervise(ctx, "timeauth", restartDelay, d.timeLoop)
	})
	g.Go(func() error {
		return d.crash.Supervise(ctx, "maintenance", restartDelay, d.maintenanceLoop)
	})
	g.Go(func() error {
		return d.commandLoop(ctx)
	})
	if d.nm != nil {
		g.Go(func() error { return d.nm.Run(ctx) })
	}
	if addr := d.cfg.Health.ListenAddr; addr != "" {
		srv := health.NewServer(addr, d.checker, d.metrics, d.logger)
		g.Go(func() error { return srv.ListenAndServe(ctx) })
	}

	d.checker.SetReady(true)
	err := g.Wait()
	d.checker.SetReady(false)
	return err
}

// timeLoop drives the time authority. Connectivity edges are handled as
// they arrive; the ticker covers sync timeouts and retries.
func (d *daemon) timeLoop(ctx context.Context) error {
	changes := d.monitor.Changes()
	t := d.clock.NewTicker(d.cfg.Time.HandleInterval(), "daemon", "time")
	defer t.Stop()

	up := d.monitor.Connected()
	for {
		d.auth.Handle(up)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case up = <-changes:
		case <-t.C:
			up = d.monitor.Connected()
		}
	}
}

// maintenanceLoop runs eviction passes on the event log.
func (d *daemon) maintenanceLoop(ctx context.Context) error {
	t := d.clock.NewTicker(d.cfg.Storage.MaintenanceInterval(), "daemon", "maintenance")
	defer t.Stop()

	for {
		res, err := d.store.Maintain()
		switch {
		case err != nil:
			d.logger.Warn("maintenance pass failed", "error", err)
		case res.Evicted():
			d.logger.Info("evicted old entries",
				"removed", res.Removed,
				"size_before", res.SizeBefore,
				"size_after", res.SizeAfter)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// commandLoop acts on collector commands the shipper forwards.
func (d *daemon) commandLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-d.agent.Commands():
			d.handleCommand(cmd)
		}
	}
}

func (d *daemon) handleCommand(cmd wire.Command) {
	switch cmd.Type {
	case wire.CommandStatus:
		st := d.store.Stats()
		ts, err := d.auth.Status()
		if err != nil {
			d.logger.Warn("status command: time state busy", "error", err)
			return
		}
		d.store.Infof("status: log %d/%d bytes, next seq %d, crashes %d, time %s confident=%t",
			st.LogBytes, st.ThresholdBytes, st.NextSeq, d.crash.Crashes(), ts.State, ts.Confident)
	default:
		d.logger.Info("ignoring unknown command", "cmd", cmd.Type)
	}
}

// reconfigure applies the settings that can change without a restart.
func (d *daemon) reconfigure(old, cfg *config.Config) {
	tcp := cfg.TCPLogging
	d.agent.Reconfigure(tcp.HeartbeatInterval(), tcp.Backoff())

	if cfg.Time.Timezone != old.Time.Timezone {
		if err := d.auth.SetTimezone(cfg.Time.Timezone); err != nil {
			d.logger.Warn("timezone not applied", "timezone", cfg.Time.Timezone, "error", err)
		}
	}
	if cfg.Logging.Level != old.Logging.Level {
		d.logger.Info("log level changes take effect on restart", "level", cfg.Logging.Level)
	}
	d.logger.Info("configuration reloaded")
}
