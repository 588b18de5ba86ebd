// Package shipper drains the event log to the remote collector.
//
// The agent is a polling state machine. Each Handle call performs at most
// one step: wait out a backoff, connect, take one inbound command, or ship
// the oldest stored entry (or a heartbeat when there is none). An entry is
// deleted only after the collector acknowledges it, so delivery is
// at-least-once and the collector must tolerate duplicates.
package shipper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"

	"hydromatic/internal/boot"
	"hydromatic/internal/logging"
	"hydromatic/internal/metrics"
	"hydromatic/internal/netwatch"
	"hydromatic/internal/sysinfo"
	"hydromatic/internal/wire"
)

// Defaults.
const (
	DefaultPort              = 5000
	DefaultConnectTimeout    = 5 * time.Second
	DefaultAckTimeout        = 2 * time.Second
	DefaultHeartbeatInterval = time.Second
	DefaultPollInterval      = 100 * time.Millisecond
	DefaultCommandQueueSize  = 8

	corruptSampleBytes = 100
	statusRequestedMsg = "Status requested (command from server)"
)

var (
	// ErrOffline is returned by connect attempts while the network is down.
	ErrOffline = errors.New("shipper: network offline")
	// ErrNoAck is returned when the collector does not acknowledge in time.
	ErrNoAck = errors.New("shipper: no ack")
)

// Store is the durable queue the agent drains.
type Store interface {
	PeekOldest() (raw []byte, ok bool, err error)
	DeleteOldestIf(raw []byte) (bool, error)
	Infof(format string, args ...any)
}

// Resolver maps a boot and uptime to wall-clock time.
type Resolver interface {
	Resolve(bootSeq, uptimeMS uint32) (time.Time, bool)
}

// Dialer opens collector connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, network, address string) (net.Conn, error)

// DialContext implements Dialer.
func (f DialerFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return f(ctx, network, address)
}

// Step is the outcome of one Handle call.
type Step int

const (
	StepBackoff Step = iota
	StepConnectFailed
	StepConnected
	StepDisconnected
	StepCommand
	StepIdle
	StepHeartbeat
	StepHeartbeatFailed
	StepCorrupt
	StepSent
	StepSendFailed
	StepStoreBusy
)

var stepNames = [...]string{
	StepBackoff:         "backoff",
	StepConnectFailed:   "connect_failed",
	StepConnected:       "connected",
	StepDisconnected:    "disconnected",
	StepCommand:         "command",
	StepIdle:            "idle",
	StepHeartbeat:       "heartbeat",
	StepHeartbeatFailed: "heartbeat_failed",
	StepCorrupt:         "corrupt",
	StepSent:            "sent",
	StepSendFailed:      "send_failed",
	StepStoreBusy:       "store_busy",
}

func (s Step) String() string {
	if s >= 0 && int(s) < len(stepNames) {
		return stepNames[s]
	}
	return "step(" + strconv.Itoa(int(s)) + ")"
}

// yields reports whether Run should sleep before the next call.
func (s Step) yields() bool {
	switch s {
	case StepBackoff, StepConnectFailed, StepIdle, StepStoreBusy:
		return true
	}
	return false
}

// Config configures an Agent.
type Config struct {
	Host string
	Port int

	ConnectTimeout    time.Duration
	AckTimeout        time.Duration
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	Backoff           []time.Duration
	CommandQueueSize  int
	MaxLineBytes      int

	Store    Store
	Resolver Resolver
	Session  *boot.Session
	Sampler  sysinfo.Sampler
	Monitor  netwatch.Monitor
	Dialer   Dialer
	Clock    quartz.Clock

	Logger  *logging.Logger
	Metrics *metrics.Pipeline
}

// Status is a snapshot of the agent for diagnostics.
type Status struct {
	Addr        string        `json:"addr"`
	Connected   bool          `json:"connected"`
	BackoffStep int           `json:"backoff_step"`
	RetryIn     time.Duration `json:"retry_in"`
	Shipped     uint64        `json:"shipped"`
	Heartbeats  uint64        `json:"heartbeats"`
	Corrupt     uint64        `json:"corrupt"`
	LastStep    string        `json:"last_step"`
	LastError   string        `json:"last_error,omitempty"`
}

// Agent ships stored entries to the collector.
type Agent struct {
	addr     string
	store    Store
	resolver Resolver
	session  *boot.Session
	sampler  sysinfo.Sampler
	monitor  netwatch.Monitor
	dialer   Dialer
	clock    quartz.Clock
	logger   *logging.Logger
	metrics  *metrics.Pipeline

	connectTimeout time.Duration
	ackTimeout     time.Duration
	pollInterval   time.Duration
	maxLine        int
	heartbeat      atomic.Int64

	schedule *Schedule
	commands chan wire.Command

	// mu serializes Handle and Close; the fields below belong to it.
	mu       sync.Mutex
	conn     *lineConn
	retryAt  time.Time
	lastSend time.Time

	statusMu sync.Mutex
	status   Status
}

// New creates an Agent.
func New(cfg Config) (*Agent, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("shipper: nil store")
	}
	if cfg.Session == nil {
		return nil, fmt.Errorf("shipper: nil boot session")
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("shipper: empty collector host")
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.CommandQueueSize <= 0 {
		cfg.CommandQueueSize = DefaultCommandQueueSize
	}
	if cfg.Sampler == nil {
		cfg.Sampler = sysinfo.SamplerFunc(func() sysinfo.Snapshot { return sysinfo.Snapshot{} })
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{}
	}
	if cfg.Clock == nil {
		cfg.Clock = cfg.Session.Clock()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}

	a := &Agent{
		addr:           net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		store:          cfg.Store,
		resolver:       cfg.Resolver,
		session:        cfg.Session,
		sampler:        cfg.Sampler,
		monitor:        cfg.Monitor,
		dialer:         cfg.Dialer,
		clock:          cfg.Clock,
		logger:         cfg.Logger.WithComponent("shipper"),
		metrics:        cfg.Metrics,
		connectTimeout: cfg.ConnectTimeout,
		ackTimeout:     cfg.AckTimeout,
		pollInterval:   cfg.PollInterval,
		maxLine:        cfg.MaxLineBytes,
		schedule:       NewSchedule(cfg.Backoff),
		commands:       make(chan wire.Command, cfg.CommandQueueSize),
	}
	a.heartbeat.Store(int64(cfg.HeartbeatInterval))
	a.status.Addr = a.addr

	a.logger.Info("shipper configured",
		"addr", a.addr,
		"ack_timeout", a.ackTimeout,
		"heartbeat", cfg.HeartbeatInterval,
		"backoff", a.schedule.Steps())
	return a, nil
}

// Commands delivers collector commands. Commands arriving while the channel
// is full are dropped.
func (a *Agent) Commands() <-chan wire.Command { return a.commands }

// Reconfigure applies a new heartbeat interval and backoff schedule. Zero
// values keep the current setting.
func (a *Agent) Reconfigure(heartbeat time.Duration, schedule []time.Duration) {
	if heartbeat > 0 {
		a.heartbeat.Store(int64(heartbeat))
	}
	if len(schedule) > 0 {
		a.schedule.SetSteps(schedule)
	}
	a.logger.Info("shipper reconfigured", "heartbeat", a.heartbeatInterval(), "backoff", a.schedule.Steps())
}

func (a *Agent) heartbeatInterval() time.Duration {
	return time.Duration(a.heartbeat.Load())
}

// Run calls Handle until ctx is done, pausing for the poll interval after
// steps that made no progress.
func (a *Agent) Run(ctx context.Context) error {
	defer a.Close()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !a.Handle(ctx).yields() {
			continue
		}

		t := a.clock.NewTimer(a.pollInterval, "shipper", "poll")
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Handle performs one step.
func (a *Agent) Handle(ctx context.Context) Step {
	a.mu.Lock()
	defer a.mu.Unlock()

	step := a.handle(ctx)
	a.publish(step)
	return step
}

func (a *Agent) handle(ctx context.Context) Step {
	if !a.retryAt.IsZero() && a.clock.Now().Before(a.retryAt) {
		a.dropCorruptHead()
		return StepBackoff
	}

	if a.conn == nil {
		if err := a.connect(ctx); err != nil {
			a.logger.Debug("connect failed", "addr", a.addr, "error", err)
			a.setError(err)
			a.applyBackoff()
			a.dropCorruptHead()
			return StepConnectFailed
		}
		a.resetBackoff()
		a.lastSend = a.clock.Now()
		a.logger.Debug("connected", "addr", a.addr)
		return StepConnected
	}

	line, err := a.conn.poll()
	switch {
	case errors.Is(err, wire.ErrLineTooLong):
		a.logger.Debug("discarded oversized inbound line")
	case err != nil:
		a.logger.Debug("collector connection lost", "error", err)
		a.setError(err)
		a.applyBackoff()
		a.disconnect()
		return StepDisconnected
	case line != nil:
		if a.dispatch(line) {
			return StepCommand
		}
	}

	raw, ok, err := a.store.PeekOldest()
	if err != nil {
		a.logger.Debug("peek failed", "error", err)
		return StepStoreBusy
	}
	if !ok {
		return a.heartbeatStep()
	}

	hdr, err := wire.ParseHeader(raw)
	if err != nil {
		a.reportCorrupt(raw)
		a.deleteCorrupt(raw)
		return StepCorrupt
	}
	return a.ship(raw, hdr)
}

func (a *Agent) connect(ctx context.Context) error {
	if a.monitor != nil && !a.monitor.Connected() {
		return ErrOffline
	}

	dctx, cancel := context.WithTimeout(ctx, a.connectTimeout)
	defer cancel()

	conn, err := a.dialer.DialContext(dctx, "tcp", a.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", a.addr, err)
	}
	a.conn = newLineConn(conn, a.maxLine)
	return nil
}

func (a *Agent) disconnect() {
	if a.conn == nil {
		return
	}
	_ = a.conn.Close()
	a.conn = nil
}

// Close drops the collector connection.
func (a *Agent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disconnect()
	a.publish(StepDisconnected)
	return nil
}

func (a *Agent) applyBackoff() {
	d := a.schedule.NextBackOff()
	a.retryAt = a.clock.Now().Add(d)
	a.logger.Debug("backing off", "delay", d, "step", a.schedule.Step())
}

func (a *Agent) resetBackoff() {
	a.schedule.Reset()
	a.retryAt = time.Time{}
}

// dispatch handles a command line and reports whether it was one.
func (a *Agent) dispatch(line []byte) bool {
	cmd, err := wire.ParseCommand(line)
	if err != nil {
		a.logger.Debug("ignored inbound line", "line", string(line))
		return false
	}

	a.logger.Info("received command", "cmd", cmd.Type)
	if cmd.Type == wire.CommandStatus {
		a.store.Infof(statusRequestedMsg)
	}

	select {
	case a.commands <- cmd:
		a.metrics.RecordCommand(true)
	default:
		a.metrics.RecordCommand(false)
		a.logger.Warn("command queue full, dropped command", "cmd", cmd.Type)
	}
	return true
}

// exchange writes line and waits for the ack. Commands that arrive first are
// dispatched; other lines are ignored.
func (a *Agent) exchange(line []byte) (time.Duration, error) {
	start := time.Now()
	if err := a.conn.writeLine(line, a.ackTimeout); err != nil {
		return 0, fmt.Errorf("send: %w", err)
	}

	deadline := start.Add(a.ackTimeout)
	for {
		reply, err := a.conn.readLine(deadline)
		if err != nil {
			if isTimeout(err) {
				return 0, ErrNoAck
			}
			if errors.Is(err, wire.ErrLineTooLong) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return 0, fmt.Errorf("%w: connection closed", ErrNoAck)
			}
			return 0, fmt.Errorf("await ack: %w", err)
		}
		if wire.IsAck(reply) {
			return time.Since(start), nil
		}
		a.dispatch(reply)
	}
}

func (a *Agent) resolve(bootSeq, uptimeMS uint32) *time.Time {
	if a.resolver == nil {
		return nil
	}
	ts, ok := a.resolver.Resolve(bootSeq, uptimeMS)
	if !ok {
		return nil
	}
	return &ts
}

func (a *Agent) ship(raw []byte, hdr wire.Header) Step {
	line, err := wire.AttachTimestamp(raw, a.resolve(hdr.BootSeq, hdr.UptimeMS))
	if err != nil {
		a.reportCorrupt(raw)
		a.deleteCorrupt(raw)
		return StepCorrupt
	}

	rtt, err := a.exchange(line)
	if err != nil {
		a.logger.Debug("send failed, entry kept", "boot_seq", hdr.BootSeq, "seq", hdr.Seq, "error", err)
		a.setError(err)
		a.metrics.RecordSendFailure()
		a.applyBackoff()
		a.disconnect()
		return StepSendFailed
	}

	deleted, err := a.store.DeleteOldestIf(raw)
	switch {
	case err != nil:
		// The entry stays and is sent again; the collector dedups it.
		a.logger.Warn("acked entry not deleted", "boot_seq", hdr.BootSeq, "seq", hdr.Seq, "error", err)
	case !deleted:
		a.logger.Debug("acked entry already evicted", "boot_seq", hdr.BootSeq, "seq", hdr.Seq)
	}
	a.lastSend = a.clock.Now()
	a.resetBackoff()
	a.metrics.RecordShipped(rtt)
	a.addStatus(func(s *Status) { s.Shipped++ })
	return StepSent
}

func (a *Agent) heartbeatStep() Step {
	if a.clock.Since(a.lastSend) < a.heartbeatInterval() {
		return StepIdle
	}

	boot, uptime := a.session.Seq(), a.session.UptimeMS()
	hb := wire.NewHeartbeat(boot, uptime, a.resolve(boot, uptime), a.sampler.Sample())
	line, err := wire.Line(hb)
	if err != nil {
		a.logger.Error("encode heartbeat", "error", err)
		return StepIdle
	}

	if _, err := a.exchange(line); err != nil {
		a.logger.Debug("heartbeat failed", "error", err)
		a.setError(err)
		a.metrics.RecordHeartbeat(false)
		a.applyBackoff()
		a.disconnect()
		return StepHeartbeatFailed
	}

	a.lastSend = a.clock.Now()
	a.resetBackoff()
	a.metrics.RecordHeartbeat(true)
	a.addStatus(func(s *Status) { s.Heartbeats++ })
	return StepHeartbeat
}

// reportCorrupt sends an error entry describing raw. The outcome is ignored.
func (a *Agent) reportCorrupt(raw []byte) {
	sample := raw
	suffix := ""
	if len(sample) > corruptSampleBytes {
		sample, suffix = sample[:corruptSampleBytes], "..."
	}

	boot, uptime := a.session.Seq(), a.session.UptimeMS()
	line, err := wire.Line(wire.Report{
		BootSeq:  boot,
		UptimeMS: uptime,
		TS:       wire.FormatTimestamp(a.resolve(boot, uptime)),
		Level:    wire.LevelError,
		Msg:      "Corrupted log entry detected and skipped: " + string(sample) + suffix,
		System:   a.sampler.Sample(),
	})
	if err != nil {
		return
	}
	if _, err := a.exchange(line); err != nil {
		a.logger.Debug("corrupt record report not acknowledged", "error", err)
		// A late ack must not be taken for the next entry's.
		a.disconnect()
	}
}

func (a *Agent) deleteCorrupt(raw []byte) {
	deleted, err := a.store.DeleteOldestIf(raw)
	if err != nil {
		a.logger.Warn("corrupt record not deleted", "error", err)
		return
	}
	if !deleted {
		return
	}
	a.logger.Warn("deleted corrupt record")
	a.metrics.RecordCorrupt()
	a.addStatus(func(s *Status) { s.Corrupt++ })
}

// dropCorruptHead deletes an unparseable oldest record without reporting it,
// so a poison record never waits for the network.
func (a *Agent) dropCorruptHead() {
	raw, ok, err := a.store.PeekOldest()
	if err != nil || !ok {
		return
	}
	if _, err := wire.ParseHeader(raw); err == nil {
		return
	}
	a.deleteCorrupt(raw)
}

func (a *Agent) setError(err error) {
	a.addStatus(func(s *Status) { s.LastError = err.Error() })
}

func (a *Agent) addStatus(fn func(*Status)) {
	a.statusMu.Lock()
	fn(&a.status)
	a.statusMu.Unlock()
}

// publish refreshes the status snapshot and gauges after a step.
func (a *Agent) publish(step Step) {
	connected := a.conn != nil
	backoffStep := a.schedule.Step()
	var retryIn time.Duration
	if !a.retryAt.IsZero() {
		if d := a.retryAt.Sub(a.clock.Now()); d > 0 {
			retryIn = d
		}
	}

	a.addStatus(func(s *Status) {
		s.Connected = connected
		s.BackoffStep = backoffStep
		s.RetryIn = retryIn
		s.LastStep = step.String()
	})
	a.metrics.SetConnection(connected, backoffStep)
}

// Status returns a snapshot for diagnostics.
func (a *Agent) Status() Status {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	return a.status
}
