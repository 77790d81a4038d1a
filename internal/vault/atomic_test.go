/*
Copyright © 2025 Barqly
*/
package vault

import (
	"os"
	"path/filepath"
	"testing"

	berrors "github.com/Barqly/barqly-vault-sub014/internal/errors"
)

func TestAtomicWriterCommit(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.bin")

	w, err := NewAtomicWriter(target, false)
	if err != nil {
		t.Fatalf("NewAtomicWriter: %v", err)
	}
	defer w.Abort()

	if _, err := w.Write([]byte("hello ")); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("world")); err != nil {
		t.Fatal(err)
	}

	// Target must not exist until Commit.
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Error("target exists before Commit")
	}

	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello world" {
		t.Errorf("content = %q", data)
	}

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("directory holds %d entries after commit, want 1", len(entries))
	}
}

func TestAtomicWriterAbort(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.bin")

	w, err := NewAtomicWriter(target, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("partial")); err != nil {
		t.Fatal(err)
	}
	w.Abort()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("abort left %d entries behind", len(entries))
	}
}

func TestAtomicWriterRefusesExistingTarget(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.bin")
	if err := os.WriteFile(target, []byte("precious"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := NewAtomicWriter(target, false)
	if berrors.CodeOf(err) != berrors.CodeOutputAlreadyExists {
		t.Fatalf("code = %s, want %s", berrors.CodeOf(err), berrors.CodeOutputAlreadyExists)
	}
	data, _ := os.ReadFile(target)
	if string(data) != "precious" {
		t.Error("existing target was modified")
	}

	// Overwrite is allowed when asked for.
	w, err := NewAtomicWriter(target, true)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Abort()
	if _, err := w.Write([]byte("replaced")); err != nil {
		t.Fatal(err)
	}
	if err := w.Commit(); err != nil {
		t.Fatal(err)
	}
	data, _ = os.ReadFile(target)
	if string(data) != "replaced" {
		t.Errorf("content = %q after overwrite commit", data)
	}
}

func TestAtomicWriterAbortAfterCommit(t *testing.T) {
	target := filepath.Join(t.TempDir(), "out.bin")
	w, err := NewAtomicWriter(target, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("data")); err != nil {
		t.Fatal(err)
	}
	if err := w.Commit(); err != nil {
		t.Fatal(err)
	}
	w.Abort()
	if _, err := os.Stat(target); err != nil {
		t.Error("Abort after Commit removed the committed file")
	}
}

func TestWriteFileAtomic(t *testing.T) {
	target := filepath.Join(t.TempDir(), "nested", "registry.json")
	if err := WriteFileAtomic(target, []byte("{}"), false); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	info, err := os.Stat(target)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("permissions = %v, want 0600", info.Mode().Perm())
	}
	if err := WriteFileAtomic(target, []byte("x"), false); err == nil {
		t.Error("second write without overwrite succeeded")
	}
	if err := WriteFileAtomic(target, []byte("v2"), true); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(target)
	if string(data) != "v2" {
		t.Errorf("content = %q", data)
	}
}
