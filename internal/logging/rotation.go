package logging

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

const (
	defaultMaxSizeMB  = 50
	defaultMaxBackups = 3
)

// RotatingWriter appends to a log file and rotates it by size. frametiming.log
// becomes frametiming.log.1, existing backups move up one index and anything
// past maxBackups is removed. Safe for concurrent use.
type RotatingWriter struct {
	path       string
	limit      int64
	maxBackups int

	mu   sync.Mutex
	f    *os.File
	size int64
}

// NewRotatingWriter opens path for appending, creating its directory.
// Non-positive limits use 50 MB and 3 backups.
func NewRotatingWriter(path string, maxSizeMB, maxBackups int) (*RotatingWriter, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = defaultMaxSizeMB
	}
	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("log directory for %s: %w", path, err)
	}
	w := &RotatingWriter{path: path, limit: int64(maxSizeMB) << 20, maxBackups: maxBackups}
	if err := w.openLocked(); err != nil {
		return nil, err
	}
	return w, nil
}

// OpenOutput picks the writer handed to Init. Without a path that is stderr;
// with one, stderr and a RotatingWriter. The closer is never nil.
func OpenOutput(path string, maxSizeMB, maxBackups int) (io.Writer, io.Closer, error) {
	if path == "" {
		return os.Stderr, io.NopCloser(nil), nil
	}
	w, err := NewRotatingWriter(path, maxSizeMB, maxBackups)
	if err != nil {
		return nil, nil, err
	}
	return io.MultiWriter(os.Stderr, w), w, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.limit {
		if err := w.rotateLocked(); err != nil {
			return 0, fmt.Errorf("rotate %s: %w", w.path, err)
		}
	}
	n, err := w.f.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *RotatingWriter) closeLocked() error {
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

func (w *RotatingWriter) openLocked() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", w.path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat %s: %w", w.path, err)
	}
	w.f, w.size = f, st.Size()
	return nil
}

// rotateLocked shifts the backups from the oldest down so no rename
// overwrites a file that still has to move.
func (w *RotatingWriter) rotateLocked() error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	names := make([]string, w.maxBackups+1)
	names[0] = w.path
	for i := 1; i <= w.maxBackups; i++ {
		names[i] = fmt.Sprintf("%s.%d", w.path, i)
	}
	if err := ignoreMissing(os.Remove(names[w.maxBackups])); err != nil {
		return err
	}
	for i := w.maxBackups; i > 0; i-- {
		if err := ignoreMissing(os.Rename(names[i-1], names[i])); err != nil {
			return err
		}
	}
	return w.openLocked()
}

func ignoreMissing(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
