/*
Copyright © 2025 Barqly

atomic.go implements atomic file writes for archive outputs and
registry/key files.

A writer targets a temporary file in the destination directory and
renames it into place only on Commit. A crash, cancellation, or error at
any earlier point leaves no file at the final path, at most a clearly
non-final dotted temp file, which every exit path removes.
*/
package vault

import (
	"fmt"
	"os"
	"path/filepath"

	berrors "github.com/Barqly/barqly-vault-sub014/internal/errors"
)

// AtomicWriter writes to a temp file and atomically renames on Commit.
type AtomicWriter struct {
	targetPath string
	tempPath   string
	tempFile   *os.File
	written    bool
	committed  bool
}

// NewAtomicWriter creates a writer for targetPath. The temp file lives
// in the same directory so the final rename stays on one filesystem.
// When allowOverwrite is false an existing target is rejected up front.
func NewAtomicWriter(targetPath string, allowOverwrite bool) (*AtomicWriter, error) {
	if !allowOverwrite {
		if _, err := os.Stat(targetPath); err == nil {
			return nil, berrors.OutputAlreadyExists(targetPath)
		}
	}

	dir := filepath.Dir(targetPath)
	base := filepath.Base(targetPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory %s: %w", dir, err)
	}

	tempPath := filepath.Join(dir, "."+base+".tmp")
	tempFile, err := os.OpenFile(tempPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create temp file %s: %w", tempPath, err)
	}

	return &AtomicWriter{
		targetPath: targetPath,
		tempPath:   tempPath,
		tempFile:   tempFile,
	}, nil
}

// Write implements io.Writer.
func (w *AtomicWriter) Write(p []byte) (n int, err error) {
	n, err = w.tempFile.Write(p)
	if n > 0 {
		w.written = true
	}
	return n, err
}

// Commit syncs, closes, and atomically renames the temp file into place.
func (w *AtomicWriter) Commit() error {
	if w.committed {
		return nil
	}
	if err := w.tempFile.Sync(); err != nil {
		return err
	}
	if err := w.tempFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(w.tempPath, w.targetPath); err != nil {
		os.Remove(w.tempPath)
		return fmt.Errorf("atomic rename to %s: %w", w.targetPath, err)
	}
	w.committed = true
	return nil
}

// Abort cancels the write and removes the temp file. Safe after Commit,
// which makes it the standard deferred cleanup.
func (w *AtomicWriter) Abort() {
	if w.committed {
		return
	}
	w.tempFile.Close()
	os.Remove(w.tempPath)
}

// WriteFileAtomic writes data to path atomically with 0600 permissions.
func WriteFileAtomic(path string, data []byte, allowOverwrite bool) error {
	w, err := NewAtomicWriter(path, allowOverwrite)
	if err != nil {
		return err
	}
	defer w.Abort()
	if _, err := w.Write(data); err != nil {
		return err
	}
	return w.Commit()
}
