package collector

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"hydromatic/internal/wire"
)

// migration is one schema step.
type migration struct {
	Version     int
	Description string
	Up          string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Sessions, log entries and heartbeats",
		Up:          migrationV1Up,
	},
	{
		Version:     2,
		Description: "Index entries by device timestamp",
		Up:          migrationV2Up,
	},
}

const migrationV1Up = `
CREATE TABLE IF NOT EXISTS sessions (
    id               TEXT PRIMARY KEY,
    remote_addr      TEXT NOT NULL,
    connected_at     INTEGER NOT NULL,
    disconnected_at  INTEGER
);

CREATE TABLE IF NOT EXISTS entries (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id   TEXT NOT NULL REFERENCES sessions(id),
    received_at  INTEGER NOT NULL,
    boot_seq     INTEGER NOT NULL,
    seq          INTEGER,
    uptime_ms    INTEGER NOT NULL,
    ts           TEXT,
    level        TEXT NOT NULL,
    msg          TEXT NOT NULL,
    system       TEXT,
    raw          TEXT NOT NULL,
    UNIQUE (boot_seq, seq)
);

CREATE TABLE IF NOT EXISTS heartbeats (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id   TEXT NOT NULL REFERENCES sessions(id),
    received_at  INTEGER NOT NULL,
    boot_seq     INTEGER NOT NULL,
    uptime_ms    INTEGER NOT NULL,
    ts           TEXT,
    system       TEXT,
    raw          TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_heartbeats_boot ON heartbeats(boot_seq, uptime_ms);
`

const migrationV2Up = `
CREATE INDEX IF NOT EXISTS idx_entries_ts ON entries(ts);
`

// DB is the collector's SQLite store.
type DB struct {
	db *sql.DB
}

// OpenDB opens or creates the database at path and applies pending
// migrations.
func OpenDB(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer; serialize through a single connection.
	db.SetMaxOpenConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// Close closes the database.
func (d *DB) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

func (d *DB) migrate() error {
	if _, err := d.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	current, err := d.SchemaVersion()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		tx, err := d.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.Version, time.Now().UnixNano(), m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// Ping checks that the database is reachable.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// SchemaVersion returns the highest applied migration.
func (d *DB) SchemaVersion() (int, error) {
	var v int
	if err := d.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("get schema version: %w", err)
	}
	return v, nil
}

// Session is one device connection.
type Session struct {
	ID             string
	RemoteAddr     string
	ConnectedAt    time.Time
	DisconnectedAt *time.Time
}

// OpenSession records a new connection.
func (d *DB) OpenSession(ctx context.Context, s Session) error {
	_, err := d.db.ExecContext(ctx,
		"INSERT INTO sessions (id, remote_addr, connected_at) VALUES (?, ?, ?)",
		s.ID, s.RemoteAddr, s.ConnectedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// CloseSession marks a connection as ended.
func (d *DB) CloseSession(ctx context.Context, id string, at time.Time) error {
	_, err := d.db.ExecContext(ctx,
		"UPDATE sessions SET disconnected_at = ? WHERE id = ?", at.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

// GetSession returns the session with the given id.
func (d *DB) GetSession(ctx context.Context, id string) (*Session, error) {
	var (
		s            Session
		connected    int64
		disconnected sql.NullInt64
	)
	err := d.db.QueryRowContext(ctx,
		"SELECT id, remote_addr, connected_at, disconnected_at FROM sessions WHERE id = ?", id,
	).Scan(&s.ID, &s.RemoteAddr, &connected, &disconnected)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	s.ConnectedAt = time.Unix(0, connected)
	if disconnected.Valid {
		t := time.Unix(0, disconnected.Int64)
		s.DisconnectedAt = &t
	}
	return &s, nil
}

// Record is a received line in storable form.
type Record struct {
	ID         int64
	SessionID  string
	ReceivedAt time.Time
	Kind       wire.Kind
	BootSeq    uint32
	Seq        *uint32
	UptimeMS   uint32
	TS         *string
	Level      string
	Msg        string
	System     json.RawMessage
	Raw        []byte
}

// Insert stores rec. For log entries a row with the same (boot_seq, seq)
// already present makes the insert a no-op and duplicate is true.
func (d *DB) Insert(ctx context.Context, rec Record) (duplicate bool, err error) {
	switch rec.Kind {
	case wire.KindEntry:
		res, err := d.db.ExecContext(ctx, `
			INSERT INTO entries (session_id, received_at, boot_seq, seq, uptime_ms, ts, level, msg, system, raw)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (boot_seq, seq) DO NOTHING`,
			rec.SessionID, rec.ReceivedAt.UnixNano(), rec.BootSeq, nullableSeq(rec.Seq), rec.UptimeMS,
			rec.TS, rec.Level, rec.Msg, nullableJSON(rec.System), string(rec.Raw))
		if err != nil {
			return false, fmt.Errorf("insert entry: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("insert entry: %w", err)
		}
		return n == 0, nil

	case wire.KindHeartbeat:
		_, err := d.db.ExecContext(ctx, `
			INSERT INTO heartbeats (session_id, received_at, boot_seq, uptime_ms, ts, system, raw)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.SessionID, rec.ReceivedAt.UnixNano(), rec.BootSeq, rec.UptimeMS,
			rec.TS, nullableJSON(rec.System), string(rec.Raw))
		if err != nil {
			return false, fmt.Errorf("insert heartbeat: %w", err)
		}
		return false, nil

	default:
		return false, fmt.Errorf("insert: unsupported kind %s", rec.Kind)
	}
}

func nullableSeq(seq *uint32) any {
	if seq == nil {
		return nil
	}
	return int64(*seq)
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// EntryFilter narrows Entries.
type EntryFilter struct {
	BootSeq *uint32
	Limit   int
}

// Entries returns stored log entries in arrival order.
func (d *DB) Entries(ctx context.Context, f EntryFilter) ([]Record, error) {
	query := `SELECT id, session_id, received_at, boot_seq, seq, uptime_ms, ts, level, msg, system, raw FROM entries`
	var args []any
	if f.BootSeq != nil {
		query += " WHERE boot_seq = ?"
		args = append(args, *f.BootSeq)
	}
	query += " ORDER BY id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r        Record
			received int64
			seq      sql.NullInt64
			ts       sql.NullString
			system   sql.NullString
			raw      string
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &received, &r.BootSeq, &seq, &r.UptimeMS, &ts, &r.Level, &r.Msg, &system, &raw); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		r.Kind = wire.KindEntry
		r.ReceivedAt = time.Unix(0, received)
		if seq.Valid {
			v := uint32(seq.Int64)
			r.Seq = &v
		}
		if ts.Valid {
			r.TS = &ts.String
		}
		if system.Valid {
			r.System = json.RawMessage(system.String)
		}
		r.Raw = []byte(raw)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return out, nil
}

// Counts returns the number of stored entries and heartbeats.
func (d *DB) Counts(ctx context.Context) (entries, heartbeats int64, err error) {
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM entries").Scan(&entries); err != nil {
		return 0, 0, fmt.Errorf("count entries: %w", err)
	}
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM heartbeats").Scan(&heartbeats); err != nil {
		return 0, 0, fmt.Errorf("count heartbeats: %w", err)
	}
	return entries, heartbeats, nil
}
