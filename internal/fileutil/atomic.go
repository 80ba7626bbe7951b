// Package fileutil provides common file operations: atomic writes and
// transparent compression for line-oriented logs and analysis artifacts.
package fileutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// AtomicWriter is an io.WriteCloser that writes to a temporary file and
// renames it over the target path on Close. Abort discards the temporary
// file without touching the target.
type AtomicWriter struct {
	f         *os.File
	tmpPath   string
	finalPath string
	perm      os.FileMode
	done      bool
}

// NewAtomicWriter creates a writer targeting path. The target file is never
// observed in a partially-written state: it appears only after a successful
// Close. The temporary file lives in the same directory, as required for an
// atomic rename.
func NewAtomicWriter(path string, perm os.FileMode) (*AtomicWriter, error) {
	dir := filepath.Dir(path)
	pattern := filepath.Base(path) + ".tmp.*"

	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	return &AtomicWriter{
		f:         f,
		tmpPath:   f.Name(),
		finalPath: path,
		perm:      perm,
	}, nil
}

// Write appends data to the temporary file.
func (w *AtomicWriter) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

// Close syncs the temporary file and renames it to the final path.
func (w *AtomicWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true

	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		_ = os.Remove(w.tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := w.f.Close(); err != nil {
		_ = os.Remove(w.tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	// CreateTemp uses 0600 by default.
	if err := os.Chmod(w.tmpPath, w.perm); err != nil {
		_ = os.Remove(w.tmpPath)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(w.tmpPath, w.finalPath); err != nil {
		_ = os.Remove(w.tmpPath)
		return fmt.Errorf("rename to final path: %w", err)
	}
	return nil
}

// Abort discards the temporary file. Safe to call after Close (no-op).
func (w *AtomicWriter) Abort() {
	if w.done {
		return
	}
	w.done = true
	_ = w.f.Close()
	_ = os.Remove(w.tmpPath)
}

var _ io.WriteCloser = (*AtomicWriter)(nil)

// AtomicWrite writes data to the target path atomically using the
// write-rename pattern.
func AtomicWrite(path string, data []byte, perm os.FileMode) error {
	w, err := NewAtomicWriter(path, perm)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Abort()
		return fmt.Errorf("write temp file: %w", err)
	}
	return w.Close()
}
