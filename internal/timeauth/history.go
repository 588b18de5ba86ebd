package timeauth

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"hydromatic/internal/wire"
)

// DefaultMaxBootHistory is how many boots keep their sync record.
const DefaultMaxBootHistory = 20

// History is the persisted per-boot sync table. Only the authority writes
// it; timestamp resolution reads it.
type History struct {
	fs     afero.Fs
	path   string
	max    int
	logger *slog.Logger

	mu    sync.RWMutex
	boots []wire.BootRecord
}

// LoadHistory reads the history file. A missing, unreadable or invalid file
// yields an empty history that is rewritten on the next sync.
func LoadHistory(fsys afero.Fs, path string, max int, logger *slog.Logger) *History {
	if max <= 0 {
		max = DefaultMaxBootHistory
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &History{fs: fsys, path: path, max: max, logger: logger}

	data, err := afero.ReadFile(fsys, path)
	switch {
	case os.IsNotExist(err):
		logger.Info("sync history not found, will create on first sync", "path", path)
		return h
	case err != nil:
		logger.Warn("sync history unreadable, starting empty", "path", path, "error", err)
		return h
	}

	if err := wire.ValidateBytes(wire.SchemaHistory, data); err != nil {
		logger.Warn("sync history invalid, starting empty", "path", path, "error", err)
		return h
	}
	var doc wire.HistoryDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		logger.Warn("sync history corrupt, starting empty", "path", path, "error", err)
		return h
	}

	h.boots = doc.Boots
	if len(h.boots) > h.max {
		h.boots = h.boots[len(h.boots)-h.max:]
	}
	logger.Info("loaded sync history", "boots", len(h.boots))
	return h
}

// Lookup returns the record for bootSeq.
func (h *History) Lookup(bootSeq uint32) (wire.BootRecord, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, b := range h.boots {
		if b.BootSeq == bootSeq {
			return b, true
		}
	}
	return wire.BootRecord{}, false
}

// Records returns a copy of all records, oldest first.
func (h *History) Records() []wire.BootRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]wire.BootRecord(nil), h.boots...)
}

// Upsert replaces the record for rec.BootSeq or appends it, drops the oldest
// rows beyond the cap and persists the table.
func (h *History) Upsert(rec wire.BootRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	found := false
	for i := range h.boots {
		if h.boots[i].BootSeq == rec.BootSeq {
			h.boots[i] = rec
			found = true
			break
		}
	}
	if !found {
		h.boots = append(h.boots, rec)
	}
	if len(h.boots) > h.max {
		h.boots = append([]wire.BootRecord(nil), h.boots[len(h.boots)-h.max:]...)
	}

	return h.persist()
}

func (h *History) persist() error {
	data, err := json.Marshal(wire.HistoryDoc{Boots: h.boots})
	if err != nil {
		return fmt.Errorf("marshal sync history: %w", err)
	}
	if err := h.fs.MkdirAll(filepath.Dir(h.path), 0o755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}

	tmp := h.path + ".tmp"
	if err := afero.WriteFile(h.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("write sync history: %w", err)
	}
	if err := h.fs.Rename(tmp, h.path); err != nil {
		h.fs.Remove(tmp)
		return fmt.Errorf("replace sync history: %w", err)
	}
	return nil
}
