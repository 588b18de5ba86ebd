// Package wire defines the line-delimited JSON protocol spoken between the
// device and the log collector, plus the on-disk record formats.
//
// Every message is a single JSON object terminated by '\n'. The device sends
// log entries and heartbeats; the collector answers each with an ack and may
// push commands at any time.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/valyala/fastjson"

	"hydromatic/internal/sysinfo"
)

// TimestampLayout is the ISO-8601 UTC form used for the ts field.
const TimestampLayout = "2006-01-02T15:04:05Z"

// HeartbeatType is the value of the type field on heartbeat lines.
const HeartbeatType = "heartbeat"

var (
	ErrCorrupt    = errors.New("wire: corrupt record")
	ErrNotCommand = errors.New("wire: not a command")
)

// Level is a log entry severity as it appears on the wire.
type Level string

const (
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Valid reports whether l is one of the four known levels.
func (l Level) Valid() bool {
	switch l {
	case LevelDebug, LevelInfo, LevelWarning, LevelError:
		return true
	}
	return false
}

// Entry is one stored log record.
type Entry struct {
	BootSeq  uint32           `json:"boot_seq"`
	UptimeMS uint32           `json:"uptime_ms"`
	Seq      uint32           `json:"seq"`
	Level    Level            `json:"level"`
	Msg      string           `json:"msg"`
	System   sysinfo.Snapshot `json:"system"`
}

// Marshal returns the stored form of e without a trailing newline. HTML
// characters in the message are kept as written.
func (e Entry) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

// Header holds the fields the shipper needs from a stored record.
type Header struct {
	BootSeq  uint32
	UptimeMS uint32
	Seq      uint32
}

// ParseHeader parses raw as a stored record. Any record that is not a JSON
// object is reported as ErrCorrupt. Missing numeric fields read as zero.
func ParseHeader(raw []byte) (Header, error) {
	var p fastjson.Parser
	v, err := p.ParseBytes(raw)
	if err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if v.Type() != fastjson.TypeObject {
		return Header{}, fmt.Errorf("%w: not an object", ErrCorrupt)
	}
	return Header{
		BootSeq:  uint32(v.GetUint("boot_seq")),
		UptimeMS: uint32(v.GetUint("uptime_ms")),
		Seq:      uint32(v.GetUint("seq")),
	}, nil
}

// FormatTimestamp renders ts for the wire. Nil means unknown.
func FormatTimestamp(ts *time.Time) *string {
	if ts == nil {
		return nil
	}
	s := ts.UTC().Format(TimestampLayout)
	return &s
}

// AttachTimestamp returns raw with a ts field set, newline terminated.
// Stored fields are copied through unchanged. A nil ts is encoded as null.
// An existing ts field is replaced.
func AttachTimestamp(raw []byte, ts *time.Time) ([]byte, error) {
	var p fastjson.Parser
	v, err := p.ParseBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if v.Type() != fastjson.TypeObject {
		return nil, fmt.Errorf("%w: not an object", ErrCorrupt)
	}

	var a fastjson.Arena
	if s := FormatTimestamp(ts); s != nil {
		v.Set("ts", a.NewString(*s))
	} else {
		v.Set("ts", a.NewNull())
	}

	out := v.MarshalTo(make([]byte, 0, len(raw)+32))
	return append(out, '\n'), nil
}

// Heartbeat is sent when there is nothing to ship.
type Heartbeat struct {
	BootSeq  uint32           `json:"boot_seq"`
	UptimeMS uint32           `json:"uptime_ms"`
	TS       *string          `json:"ts"`
	Type     string           `json:"type"`
	System   sysinfo.Snapshot `json:"system"`
}

// NewHeartbeat builds a heartbeat line payload.
func NewHeartbeat(bootSeq, uptimeMS uint32, ts *time.Time, sys sysinfo.Snapshot) Heartbeat {
	return Heartbeat{
		BootSeq:  bootSeq,
		UptimeMS: uptimeMS,
		TS:       FormatTimestamp(ts),
		Type:     HeartbeatType,
		System:   sys,
	}
}

// Report is an entry generated at send time, such as the notice sent in
// place of a corrupt record. It carries ts directly.
type Report struct {
	BootSeq  uint32           `json:"boot_seq"`
	UptimeMS uint32           `json:"uptime_ms"`
	TS       *string          `json:"ts"`
	Level    Level            `json:"level"`
	Msg      string           `json:"msg"`
	System   sysinfo.Snapshot `json:"system"`
}

// Line marshals v and appends the line terminator.
func Line(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// AckLine is the collector's acknowledgement.
var AckLine = []byte("{\"ack\":1}\n")

// IsAck reports whether line is {"ack":1}. Surrounding whitespace and extra
// fields are tolerated.
func IsAck(line []byte) bool {
	var p fastjson.Parser
	v, err := p.ParseBytes(line)
	if err != nil {
		return false
	}
	ack := v.Get("ack")
	if ack == nil {
		return false
	}
	n, err := ack.Int()
	return err == nil && n == 1
}

// Command is an instruction pushed by the collector.
type Command struct {
	Type string
	Raw  []byte
}

// CommandStatus asks the device to log a status entry.
const CommandStatus = "status"

// ParseCommand parses {"cmd":"<type>",...}. Lines without a string cmd field
// return ErrNotCommand.
func ParseCommand(line []byte) (Command, error) {
	var p fastjson.Parser
	v, err := p.ParseBytes(line)
	if err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrNotCommand, err)
	}
	cmd := v.Get("cmd")
	if cmd == nil || cmd.Type() != fastjson.TypeString {
		return Command{}, ErrNotCommand
	}
	raw := make([]byte, len(line))
	copy(raw, line)
	return Command{Type: string(cmd.GetStringBytes()), Raw: raw}, nil
}

// CommandLine builds the line for a command of the given type with optional
// extra fields.
func CommandLine(cmdType string, fields map[string]any) ([]byte, error) {
	doc := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		doc[k] = v
	}
	doc["cmd"] = cmdType
	return Line(doc)
}

// BootRecord is one row of the sync history file.
type BootRecord struct {
	BootSeq      uint32 `json:"boot_seq"`
	NTPSyncTime  int64  `json:"ntp_sync_time"`
	SyncUptimeMS uint32 `json:"sync_uptime_ms"`
}

// HistoryDoc is the sync history file.
type HistoryDoc struct {
	Boots []BootRecord `json:"boots"`
}
