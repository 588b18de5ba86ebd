// Package timeauth decides whether the device clock can be trusted and maps
// uptime-stamped log entries back to wall-clock time.
//
// The authority runs a small sync state machine driven by Handle:
//
//	IDLE -> SYNCING -> SUCCESS -> IDLE
//	               \-> FAILED  -> IDLE
//
// A successful sync records, for the current boot, the network time and the
// uptime at which it was obtained. Entries from any boot with such a record
// can later be resolved to absolute time, no matter when they were written.
package timeauth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"

	"hydromatic/internal/boot"
	"hydromatic/internal/guard"
	"hydromatic/internal/logging"
	"hydromatic/internal/metrics"
	"hydromatic/internal/wire"
)

// FallbackEpoch is reported as the current time whenever the clock is not
// trusted. Override at build time with
// -ldflags "-X hydromatic/internal/timeauth.FallbackEpoch=2026-03-01T00:00:00Z".
var FallbackEpoch = "2025-01-01T00:00:00Z"

// Fallback returns FallbackEpoch as a time.
func Fallback() time.Time {
	t, err := time.Parse(time.RFC3339, FallbackEpoch)
	if err != nil {
		return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return t.UTC()
}

// minPlausibleYear rejects answers from an unset clock.
const minPlausibleYear = 2020

// Defaults.
const (
	DefaultSyncTimeout      = 5 * time.Second
	DefaultConfidenceWindow = 24 * time.Hour
)

// State is the sync state machine state.
type State int

const (
	StateIdle State = iota
	StateSyncing
	StateSuccess
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateSyncing:
		return "SYNCING"
	case StateSuccess:
		return "SUCCESS"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Journal receives notable sync outcomes for the durable log.
type Journal interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
}

// Config configures an Authority.
type Config struct {
	Server   string
	Timezone string

	SyncTimeout time.Duration
	// ConfidenceWindow bounds how long a sync is trusted. Zero disables
	// decay.
	ConfidenceWindow time.Duration

	Source TimeSource
	// Setter, when set, is also given each synced time.
	Setter ClockSetter

	Clock   quartz.Clock
	Session *boot.Session
	History *History
	Guard   *guard.Guard

	Journal Journal
	Logger  *logging.Logger
	Metrics *metrics.Pipeline
}

type syncResult struct {
	at       time.Time
	offset   time.Duration
	uptimeMS uint32
	err      error
}

// Authority is the time authority.
type Authority struct {
	source   TimeSource
	setter   ClockSetter
	clock    quartz.Clock
	session  *boot.Session
	history  *History
	guard    *guard.Guard
	journal  Journal
	logger   *logging.Logger
	metrics  *metrics.Pipeline
	server   string
	timezone string
	loc      *time.Location
	timeout  time.Duration
	window   time.Duration
	fallback time.Time

	events eventRing

	// guarded by guard
	state        State
	confident    bool
	offset       time.Duration
	lastSync     time.Time
	attemptStart time.Time
	attempts     uint64
	pending      chan syncResult
	cancel       context.CancelFunc
	lastErr      error

	closeOnce sync.Once
}

// New creates an Authority in IDLE and UNCONFIDENT.
func New(cfg Config) (*Authority, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("timeauth: nil time source")
	}
	if cfg.Session == nil {
		return nil, fmt.Errorf("timeauth: nil boot session")
	}
	if cfg.History == nil {
		return nil, fmt.Errorf("timeauth: nil history")
	}
	if cfg.Clock == nil {
		cfg.Clock = cfg.Session.Clock()
	}
	if cfg.Guard == nil {
		cfg.Guard = guard.New(guard.DefaultTimeTimeout)
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = DefaultSyncTimeout
	}
	if cfg.ConfidenceWindow < 0 {
		cfg.ConfidenceWindow = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}

	a := &Authority{
		source:   cfg.Source,
		setter:   cfg.Setter,
		clock:    cfg.Clock,
		session:  cfg.Session,
		history:  cfg.History,
		guard:    cfg.Guard,
		journal:  cfg.Journal,
		logger:   cfg.Logger.WithComponent("timeauth"),
		metrics:  cfg.Metrics,
		server:   cfg.Server,
		timeout:  cfg.SyncTimeout,
		window:   cfg.ConfidenceWindow,
		fallback: Fallback(),
	}

	a.event("initialized with fallback time %s", a.fallback.Format(time.RFC3339))
	if err := a.SetTimezone(cfg.Timezone); err != nil {
		a.logger.Warn("invalid timezone, using UTC", "timezone", cfg.Timezone, "error", err)
		a.loc, a.timezone = time.UTC, "UTC"
	}
	a.event("config: server=%s tz=%s timeout=%s window=%s", a.server, a.timezone, a.timeout, a.window)
	a.metrics.SetConfident(false)
	return a, nil
}

func (a *Authority) event(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	a.events.add(Event{Uptime: a.session.Uptime(), Message: msg})
	a.logger.Debug(msg)
}

// Handle advances the state machine. It is called periodically with the
// current connectivity.
func (a *Authority) Handle(connected bool) {
	release, err := a.guard.Acquire()
	if err != nil {
		a.logger.Debug("time state busy, skipping tick")
		return
	}
	defer release()

	a.advanceLocked()

	if connected && a.state == StateIdle && !a.confidentLocked() {
		a.startLocked()
	}

	if !connected && a.state == StateSyncing {
		a.event("network down, aborting sync")
		a.stopRequestLocked()
		a.state = StateIdle
	}
}

func (a *Authority) startLocked() {
	a.event("starting sync with %s (timeout %s)", a.server, a.timeout)
	a.state = StateSyncing
	a.attemptStart = a.clock.Now()
	a.attempts++
	a.lastErr = nil
	a.metrics.RecordSyncAttempt()

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan syncResult, 1)
	a.pending, a.cancel = ch, cancel

	go func() {
		at, err := a.source.Query(ctx)
		res := syncResult{at: at, err: err, uptimeMS: a.session.UptimeMS()}
		if err == nil {
			res.offset = at.Sub(a.clock.Now())
		}
		ch <- res
	}()
}

func (a *Authority) stopRequestLocked() {
	if a.cancel != nil {
		a.cancel()
	}
	a.pending, a.cancel = nil, nil
}

func (a *Authority) advanceLocked() {
	if a.state != StateSyncing {
		return
	}

	select {
	case res := <-a.pending:
		if res.err == nil && res.at.Year() >= minPlausibleYear {
			a.succeedLocked(res)
			return
		}
		// Keep waiting until the timeout; there is no answer to use.
		a.pending = nil
		if res.err != nil {
			a.lastErr = res.err
		} else {
			a.lastErr = fmt.Errorf("implausible time %s", res.at.Format(time.RFC3339))
		}
		a.logger.Debug("sync request returned no usable time", "error", a.lastErr)
	default:
	}

	if elapsed := a.clock.Since(a.attemptStart); elapsed >= a.timeout {
		a.state = StateFailed
		a.event("sync timeout after %d ms", elapsed.Milliseconds())
		a.stopRequestLocked()
		a.confident = false
		a.offset = 0
		a.metrics.RecordSync(false)
		a.metrics.SetConfident(false)
		if a.journal != nil {
			a.journal.Warnf("Time sync with %s failed after %d ms", a.server, elapsed.Milliseconds())
		}
		a.state = StateIdle
	}
}

func (a *Authority) succeedLocked(res syncResult) {
	a.state = StateSuccess
	a.stopRequestLocked()

	synced := res.at.UTC()
	a.offset = res.offset
	if a.setter != nil {
		if err := a.setter.SetClock(a.clock.Now().Add(a.offset)); err != nil {
			a.logger.Warn("could not set system clock", "error", err)
		}
	}
	a.confident = true
	a.lastSync = synced

	a.event("sync successful: %s", synced.Format(time.DateTime))
	a.metrics.RecordSync(true)
	a.metrics.SetConfident(true)

	rec := wire.BootRecord{
		BootSeq:      a.session.Seq(),
		NTPSyncTime:  synced.Unix(),
		SyncUptimeMS: res.uptimeMS,
	}
	if err := a.history.Upsert(rec); err != nil {
		a.logger.Warn("sync history not saved", "error", err)
	} else {
		a.logger.Info("sync history updated",
			"boot_seq", rec.BootSeq, "sync_time", rec.NTPSyncTime, "uptime_ms", rec.SyncUptimeMS)
	}
	if a.journal != nil {
		a.journal.Infof("Time synced with %s: %s", a.server, synced.Format(time.RFC3339))
	}

	a.state = StateIdle
}

// confidentLocked applies the decay rule to the stored state.
func (a *Authority) confidentLocked() bool {
	if !a.confident {
		return false
	}
	if a.window == 0 {
		return true
	}
	return a.clock.Now().Add(a.offset).Sub(a.lastSync) <= a.window
}

// IsConfident reports whether the clock is trusted now. It returns false
// when the state cannot be read in time.
func (a *Authority) IsConfident() bool {
	release, err := a.guard.Acquire()
	if err != nil {
		return false
	}
	defer release()
	ok := a.confidentLocked()
	a.metrics.SetConfident(ok)
	return ok
}

// Now returns the synced time when confident, the fallback epoch otherwise.
// If the state cannot be read in time it returns the host clock when that
// looks set, else the fallback epoch.
func (a *Authority) Now() time.Time {
	release, err := a.guard.Acquire()
	if err != nil {
		if now := a.clock.Now(); now.Year() >= minPlausibleYear {
			return now.UTC()
		}
		return a.fallback
	}
	defer release()

	if a.confident {
		return a.clock.Now().Add(a.offset).UTC()
	}
	return a.fallback
}

// LocalNow is Now in the configured timezone.
func (a *Authority) LocalNow() time.Time {
	return a.Now().In(a.location())
}

func (a *Authority) location() *time.Location {
	release, err := a.guard.Acquire()
	if err != nil {
		return time.UTC
	}
	defer release()
	return a.loc
}

// SetTimezone switches the zone used by LocalNow.
func (a *Authority) SetTimezone(name string) error {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return err
	}

	release, err := a.guard.Acquire()
	if err != nil {
		return err
	}
	a.loc, a.timezone = loc, name
	release()

	a.event("timezone set to %s", name)
	return nil
}

// Resolve maps an entry's boot and uptime to wall-clock time using the sync
// record of that boot. It returns false when the boot never synced; there is
// no estimate. Resolution does not depend on current confidence.
func (a *Authority) Resolve(bootSeq, uptimeMS uint32) (time.Time, bool) {
	return Resolve(a.history, bootSeq, uptimeMS)
}

// Resolve is Authority.Resolve over a bare history.
func Resolve(h *History, bootSeq, uptimeMS uint32) (time.Time, bool) {
	rec, ok := h.Lookup(bootSeq)
	if !ok {
		return time.Time{}, false
	}
	delta := int64(uptimeMS) - int64(rec.SyncUptimeMS)
	secs := delta / 1000
	if delta%1000 < 0 {
		secs--
	}
	return time.Unix(rec.NTPSyncTime+secs, 0).UTC(), true
}

// State returns the state machine state.
func (a *Authority) State() State {
	release, err := a.guard.Acquire()
	if err != nil {
		return StateIdle
	}
	defer release()
	return a.state
}

// Events returns the sync event ring, oldest first.
func (a *Authority) Events() []Event {
	return a.events.snapshot()
}

// Status summarizes the authority for diagnostics.
type Status struct {
	State       string    `json:"state"`
	Confident   bool      `json:"confident"`
	Now         time.Time `json:"now"`
	LastSync    time.Time `json:"last_sync,omitzero"`
	SinceSync   string    `json:"since_sync,omitempty"`
	Attempts    uint64    `json:"attempts"`
	Server      string    `json:"server"`
	Timezone    string    `json:"timezone"`
	LastError   string    `json:"last_error,omitempty"`
	BootRecords int       `json:"boot_records"`
}

// Status returns a snapshot for diagnostics.
func (a *Authority) Status() (Status, error) {
	release, err := a.guard.Acquire()
	if err != nil {
		return Status{}, err
	}
	defer release()

	st := Status{
		State:       a.state.String(),
		Confident:   a.confidentLocked(),
		Attempts:    a.attempts,
		Server:      a.server,
		Timezone:    a.timezone,
		LastSync:    a.lastSync,
		BootRecords: len(a.history.Records()),
	}
	if a.confident {
		st.Now = a.clock.Now().Add(a.offset).UTC()
	} else {
		st.Now = a.fallback
	}
	if !a.lastSync.IsZero() {
		st.SinceSync = a.clock.Now().Add(a.offset).Sub(a.lastSync).Truncate(time.Second).String()
	}
	if a.lastErr != nil {
		st.LastError = a.lastErr.Error()
	}
	return st, nil
}

// Close cancels any request in flight.
func (a *Authority) Close() error {
	a.closeOnce.Do(func() {
		release, err := a.guard.AcquireContext(context.Background())
		if err != nil {
			return
		}
		defer release()
		a.stopRequestLocked()
		if a.state == StateSyncing {
			a.state = StateIdle
		}
	})
	return nil
}
