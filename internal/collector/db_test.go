package collector

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hydromatic/internal/wire"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "collector", "logs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func openSession(t *testing.T, db *DB, id string) {
	t.Helper()
	require.NoError(t, db.OpenSession(context.Background(), Session{
		ID:          id,
		RemoteAddr:  "10.0.0.7:40000",
		ConnectedAt: time.Unix(1700000000, 0),
	}))
}

func seqPtr(v uint32) *uint32 { return &v }

func entryRecord(session string, bootSeq uint32, seq *uint32, msg string) Record {
	return Record{
		SessionID:  session,
		ReceivedAt: time.Unix(1700000100, 0),
		Kind:       wire.KindEntry,
		BootSeq:    bootSeq,
		Seq:        seq,
		UptimeMS:   1500,
		Level:      "info",
		Msg:        msg,
		System:     json.RawMessage(`{"heap_free":1234}`),
		Raw:        []byte(`{"msg":"` + msg + `"}`),
	}
}

// =============================================================================
// Schema
// =============================================================================

func TestOpenDB_MigratesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs.db")

	db, err := OpenDB(path)
	require.NoError(t, err)
	v, err := db.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)
	require.NoError(t, db.Close())

	db, err = OpenDB(path)
	require.NoError(t, err)
	defer db.Close()

	var applied int
	require.NoError(t, db.db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&applied))
	assert.Equal(t, len(migrations), applied)
}

// =============================================================================
// Sessions
// =============================================================================

func TestSessions(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	got, err := db.GetSession(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	openSession(t, db, "s1")
	got, err = db.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "10.0.0.7:40000", got.RemoteAddr)
	assert.True(t, got.ConnectedAt.Equal(time.Unix(1700000000, 0)))
	assert.Nil(t, got.DisconnectedAt)

	require.NoError(t, db.CloseSession(ctx, "s1", time.Unix(1700000060, 0)))
	got, err = db.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got.DisconnectedAt)
	assert.True(t, got.DisconnectedAt.Equal(time.Unix(1700000060, 0)))
}

func TestInsert_RequiresSession(t *testing.T) {
	db := newTestDB(t)
	_, err := db.Insert(context.Background(), entryRecord("nobody", 1, seqPtr(0), "orphan"))
	assert.Error(t, err)
}

// =============================================================================
// Entries
// =============================================================================

func TestInsert_DeduplicatesEntries(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	openSession(t, db, "s1")

	dup, err := db.Insert(ctx, entryRecord("s1", 3, seqPtr(10), "first"))
	require.NoError(t, err)
	assert.False(t, dup)

	dup, err = db.Insert(ctx, entryRecord("s1", 3, seqPtr(10), "first again"))
	require.NoError(t, err)
	assert.True(t, dup)

	// Same seq on another boot is a different entry.
	dup, err = db.Insert(ctx, entryRecord("s1", 4, seqPtr(10), "next boot"))
	require.NoError(t, err)
	assert.False(t, dup)

	entries, err := db.Entries(ctx, EntryFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "first", entries[0].Msg)
	assert.Equal(t, "next boot", entries[1].Msg)
}

func TestInsert_EntriesWithoutSeqAreNeverDuplicates(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	openSession(t, db, "s1")

	for i := 0; i < 2; i++ {
		dup, err := db.Insert(ctx, entryRecord("s1", 3, nil, "Corrupted log entry detected and skipped: xx"))
		require.NoError(t, err)
		assert.False(t, dup)
	}

	entries, _, err := db.Counts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, entries)
}

func TestEntries_RoundTripsFields(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	openSession(t, db, "s1")

	rec := entryRecord("s1", 3, seqPtr(5), "pump started")
	ts := "2023-11-14T22:13:25Z"
	rec.TS = &ts
	_, err := db.Insert(ctx, rec)
	require.NoError(t, err)

	untimed := entryRecord("s1", 3, seqPtr(6), "untimed")
	untimed.System = nil
	_, err = db.Insert(ctx, untimed)
	require.NoError(t, err)

	entries, err := db.Entries(ctx, EntryFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	got := entries[0]
	assert.Equal(t, wire.KindEntry, got.Kind)
	assert.Equal(t, "s1", got.SessionID)
	assert.EqualValues(t, 3, got.BootSeq)
	require.NotNil(t, got.Seq)
	assert.EqualValues(t, 5, *got.Seq)
	assert.EqualValues(t, 1500, got.UptimeMS)
	require.NotNil(t, got.TS)
	assert.Equal(t, ts, *got.TS)
	assert.JSONEq(t, `{"heap_free":1234}`, string(got.System))
	assert.Equal(t, rec.Raw, got.Raw)
	assert.True(t, got.ReceivedAt.Equal(rec.ReceivedAt))

	assert.Nil(t, entries[1].TS)
	assert.Nil(t, entries[1].System)
}

func TestEntries_Filter(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	openSession(t, db, "s1")

	for i := uint32(0); i < 3; i++ {
		_, err := db.Insert(ctx, entryRecord("s1", 1, seqPtr(i), "boot one"))
		require.NoError(t, err)
		_, err = db.Insert(ctx, entryRecord("s1", 2, seqPtr(i), "boot two"))
		require.NoError(t, err)
	}

	boot := uint32(2)
	entries, err := db.Entries(ctx, EntryFilter{BootSeq: &boot})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.EqualValues(t, 2, e.BootSeq)
	}

	entries, err = db.Entries(ctx, EntryFilter{Limit: 4})
	require.NoError(t, err)
	assert.Len(t, entries, 4)
}

// =============================================================================
// Heartbeats
// =============================================================================

func TestInsert_Heartbeats(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	openSession(t, db, "s1")

	hb := Record{
		SessionID:  "s1",
		ReceivedAt: time.Unix(1700000100, 0),
		Kind:       wire.KindHeartbeat,
		BootSeq:    3,
		UptimeMS:   60000,
		Raw:        []byte(`{"type":"heartbeat"}`),
	}
	for i := 0; i < 2; i++ {
		dup, err := db.Insert(ctx, hb)
		require.NoError(t, err)
		assert.False(t, dup)
	}

	entries, heartbeats, err := db.Counts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, entries)
	assert.EqualValues(t, 2, heartbeats)
}

func TestInsert_RejectsInvalidKind(t *testing.T) {
	db := newTestDB(t)
	openSession(t, db, "s1")
	_, err := db.Insert(context.Background(), Record{SessionID: "s1", Kind: wire.KindInvalid})
	assert.Error(t, err)
}
