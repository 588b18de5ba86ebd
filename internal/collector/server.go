// Package collector is the receiving end of the device log stream.
//
// It accepts one device connection at a time, validates each line against
// the wire schemas, stores it in SQLite and acknowledges it. Lines that fail
// validation or storage get no ack, so the device retries them. Log entries
// are deduplicated on (boot_seq, seq), which makes redelivery idempotent.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"hydromatic/internal/logging"
	"hydromatic/internal/metrics"
	"hydromatic/internal/wire"
)

// Defaults.
const (
	DefaultListenAddr    = "0.0.0.0:5000"
	DefaultSocketTimeout = 30 * time.Second
	msgPreviewBytes      = 80
)

// ErrNoDevice is returned by SendCommand when no device is connected.
var ErrNoDevice = errors.New("collector: no device connected")

// Config configures a Server.
type Config struct {
	Addr          string
	DB            *DB
	SocketTimeout time.Duration
	MaxLineBytes  int

	Clock   quartz.Clock
	NewID   func() string
	Logger  *logging.Logger
	Metrics *metrics.Pipeline
}

// Server receives device lines.
type Server struct {
	addr    string
	db      *DB
	timeout time.Duration
	maxLine int
	clock   quartz.Clock
	newID   func() string
	logger  *logging.Logger
	metrics *metrics.Pipeline

	mu     sync.Mutex
	ln     net.Listener
	active *device
}

type device struct {
	session string
	conn    net.Conn
	writeMu sync.Mutex
}

func (d *device) writeLine(line []byte, timeout time.Duration) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if err := d.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	_, err := d.conn.Write(line)
	return err
}

// New creates a Server.
func New(cfg Config) (*Server, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("collector: nil database")
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultListenAddr
	}
	if cfg.SocketTimeout <= 0 {
		cfg.SocketTimeout = DefaultSocketTimeout
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = wire.MaxLineBytes
	}
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}

	return &Server{
		addr:    cfg.Addr,
		db:      cfg.DB,
		timeout: cfg.SocketTimeout,
		maxLine: cfg.MaxLineBytes,
		clock:   cfg.Clock,
		newID:   cfg.NewID,
		logger:  cfg.Logger.WithComponent("collector"),
		metrics: cfg.Metrics,
	}, nil
}

// ListenAndServe listens on the configured address and serves until ctx is
// done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln, handling one device at a time. It returns
// nil once ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		ln.Close()
		s.mu.Lock()
		if s.active != nil {
			s.active.conn.Close()
		}
		s.mu.Unlock()
	})
	defer stop()

	s.logger.Info("listening", "addr", ln.Addr().String())
	for {
		s.logger.Debug("waiting for device connection")
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info("collector stopped")
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.handle(ctx, conn)
	}
}

// Addr returns the listening address once Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Connected reports whether a device is connected.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	dev := &device{session: s.newID(), conn: conn}
	remote := conn.RemoteAddr().String()
	logger := s.logger.With("session", dev.session)

	if err := s.db.OpenSession(ctx, Session{ID: dev.session, RemoteAddr: remote, ConnectedAt: s.clock.Now()}); err != nil {
		logger.Error("session not recorded, dropping connection", "error", err)
		conn.Close()
		return
	}

	s.mu.Lock()
	s.active = dev
	s.mu.Unlock()
	logger.Info("device connected", "remote", remote)

	defer func() {
		s.mu.Lock()
		s.active = nil
		s.mu.Unlock()
		conn.Close()
		if err := s.db.CloseSession(context.Background(), dev.session, s.clock.Now()); err != nil {
			logger.Warn("session close not recorded", "error", err)
		}
		logger.Info("device disconnected")
	}()
	if ctx.Err() != nil {
		return
	}

	lr := wire.NewLineReader(conn, s.maxLine)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.timeout)); err != nil {
			return
		}
		line, err := lr.ReadLine()
		switch {
		case err == nil:
			s.process(ctx, dev, logger, line)
		case errors.Is(err, wire.ErrLineTooLong):
			logger.Error("line too long, discarding", "max", s.maxLine)
		case errors.Is(err, os.ErrDeadlineExceeded) && ctx.Err() == nil:
			logger.Warn("socket timeout, keeping connection")
		default:
			return
		}
	}
}

func (s *Server) process(ctx context.Context, dev *device, logger *slog.Logger, line []byte) {
	kind, doc, err := wire.Classify(line)
	if err != nil {
		s.metrics.RecordCollectorLine(false, false)
		logger.Error("rejected line", "error", err, "line", preview(string(line), 200))
		return
	}

	rec := buildRecord(kind, doc, line)
	rec.SessionID = dev.session
	rec.ReceivedAt = s.clock.Now()

	dup, err := s.db.Insert(ctx, rec)
	if err != nil {
		s.metrics.RecordCollectorLine(false, false)
		logger.Error("line not stored", "error", err)
		return
	}
	s.metrics.RecordCollectorLine(true, dup)

	if kind == wire.KindHeartbeat {
		logger.Info("heartbeat", "boot_seq", rec.BootSeq, "uptime_ms", rec.UptimeMS)
	} else {
		attrs := []any{"boot_seq", rec.BootSeq, "level", rec.Level, "msg", preview(rec.Msg, msgPreviewBytes)}
		if rec.Seq != nil {
			attrs = append(attrs, "seq", *rec.Seq)
		}
		if dup {
			attrs = append(attrs, "duplicate", true)
		}
		logger.Info("log entry", attrs...)
	}

	if err := dev.writeLine(wire.AckLine, s.timeout); err != nil {
		logger.Error("ack not sent", "error", err)
	}
}

// SendCommand pushes a command line to the connected device.
func (s *Server) SendCommand(cmdType string, fields map[string]any) error {
	line, err := wire.CommandLine(cmdType, fields)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}

	s.mu.Lock()
	dev := s.active
	s.mu.Unlock()
	if dev == nil {
		return ErrNoDevice
	}

	if err := dev.writeLine(line, s.timeout); err != nil {
		return fmt.Errorf("send command %q: %w", cmdType, err)
	}
	s.logger.Info("command sent", "cmd", cmdType, "session", dev.session)
	return nil
}

func buildRecord(kind wire.Kind, doc map[string]any, line []byte) Record {
	rec := Record{
		Kind:     kind,
		BootSeq:  uint32Field(doc, "boot_seq"),
		UptimeMS: uint32Field(doc, "uptime_ms"),
		Raw:      append([]byte(nil), line...),
	}
	if _, ok := doc["seq"]; ok {
		v := uint32Field(doc, "seq")
		rec.Seq = &v
	}
	if ts, ok := doc["ts"].(string); ok {
		rec.TS = &ts
	}
	rec.Level, _ = doc["level"].(string)
	rec.Msg, _ = doc["msg"].(string)
	if sys, ok := doc["system"]; ok {
		if raw, err := json.Marshal(sys); err == nil {
			rec.System = raw
		}
	}
	return rec
}

func uint32Field(doc map[string]any, key string) uint32 {
	n, ok := doc[key].(json.Number)
	if !ok {
		return 0
	}
	v, err := n.Int64()
	if err != nil || v < 0 {
		return 0
	}
	return uint32(v)
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
