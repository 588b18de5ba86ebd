package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"
)

// FileRotator is an io.Writer that rolls the console log over by size.
// Rotated files are named <base>-<stamp><ext> and optionally gzipped.
type FileRotator struct {
	fs       afero.Fs
	path     string
	maxBytes int64
	backups  int
	compress bool
	now      func() time.Time

	mu   sync.Mutex
	file afero.File
	size int64
	wg   sync.WaitGroup
}

// NewFileRotator opens cfg.FilePath on the host filesystem.
func NewFileRotator(cfg *Config) (*FileRotator, error) {
	return NewFileRotatorFs(afero.NewOsFs(), cfg)
}

// NewFileRotatorFs opens cfg.FilePath on fsys.
func NewFileRotatorFs(fsys afero.Fs, cfg *Config) (*FileRotator, error) {
	if cfg.FilePath == "" {
		return nil, fmt.Errorf("log file path is empty")
	}
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = 10
	}

	r := &FileRotator{
		fs:       fsys,
		path:     cfg.FilePath,
		maxBytes: maxSize * 1024 * 1024,
		backups:  cfg.MaxBackups,
		compress: cfg.Compress,
		now:      time.Now,
	}

	if err := fsys.MkdirAll(filepath.Dir(r.path), 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	if err := r.openFile(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) openFile() error {
	file, err := r.fs.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}

	r.file = file
	r.size = info.Size()
	return nil
}

// Write implements io.Writer.
func (r *FileRotator) Write(p []byte) (n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err := r.openFile(); err != nil {
			return 0, err
		}
	}

	if r.size > 0 && r.size+int64(len(p)) > r.maxBytes {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}

	n, err = r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *FileRotator) rotate() error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("close current log: %w", err)
	}
	r.file = nil

	dir, name, ext := r.split()
	stamp := r.now().UTC().Format("20060102-150405.000")
	rotated := filepath.Join(dir, fmt.Sprintf("%s-%s%s", name, stamp, ext))

	if err := r.fs.Rename(r.path, rotated); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}

	if err := r.openFile(); err != nil {
		return err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if r.compress {
			r.compressFile(rotated)
		}
		r.cleanup()
	}()
	return nil
}

func (r *FileRotator) split() (dir, name, ext string) {
	base := filepath.Base(r.path)
	ext = filepath.Ext(base)
	return filepath.Dir(r.path), strings.TrimSuffix(base, ext), ext
}

func (r *FileRotator) compressFile(path string) {
	input, err := r.fs.Open(path)
	if err != nil {
		return
	}
	defer input.Close()

	output, err := r.fs.Create(path + ".gz")
	if err != nil {
		return
	}
	defer output.Close()

	gz := gzip.NewWriter(output)
	gz.Name = filepath.Base(path)
	gz.ModTime = r.now()

	if _, err := io.Copy(gz, input); err != nil {
		gz.Close()
		r.fs.Remove(path + ".gz")
		return
	}
	if err := gz.Close(); err != nil {
		r.fs.Remove(path + ".gz")
		return
	}

	r.fs.Remove(path)
}

// cleanup keeps at most backups rotated files, oldest removed first.
func (r *FileRotator) cleanup() {
	if r.backups <= 0 {
		return
	}

	rotated, err := r.rotatedFiles()
	if err != nil || len(rotated) <= r.backups {
		return
	}
	for _, path := range rotated[:len(rotated)-r.backups] {
		r.fs.Remove(path)
	}
}

// rotatedFiles lists rotated files sorted oldest first. A file and its
// compressed twin count once.
func (r *FileRotator) rotatedFiles() ([]string, error) {
	dir, name, ext := r.split()
	entries, err := afero.ReadDir(r.fs, dir)
	if err != nil {
		return nil, err
	}

	prefix := name + "-"
	seen := make(map[string]string)
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || !strings.HasPrefix(n, prefix) {
			continue
		}
		key := strings.TrimSuffix(n, ".gz")
		if !strings.HasSuffix(key, ext) {
			continue
		}
		// Prefer the compressed twin once it exists.
		if _, ok := seen[key]; !ok || strings.HasSuffix(n, ".gz") {
			seen[key] = filepath.Join(dir, n)
		}
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	// Stamps sort lexically.
	sort.Strings(keys)

	files := make([]string, 0, len(keys))
	for _, k := range keys {
		files = append(files, seen[k])
	}
	return files, nil
}

// Close waits for pending compression and closes the current file.
func (r *FileRotator) Close() error {
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}

// Sync flushes the current file.
func (r *FileRotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		return r.file.Sync()
	}
	return nil
}
