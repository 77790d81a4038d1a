/*
Copyright © 2025 Barqly

archive.go implements the file bundling collaborator.

This module provides:
  - Collection of input files/directories into a stable entry list
  - Manifest production (relative paths, sizes, content checksums)
  - tar.gz bundling of the entry list into a byte stream
  - Unbundling with path traversal protection

The crypto layers treat the bundle as an opaque byte stream; everything
that needs to agree between bundling and manifest (paths, ordering) is
derived from the same collected entry list.
*/
package archive

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Barqly/barqly-vault-sub014/internal/vault"
)

// Entry is one file selected for archiving.
type Entry struct {
	// AbsPath is the source location on disk.
	AbsPath string
	// RelPath is the slash-separated path stored in the archive,
	// relative to the parent of the selected input.
	RelPath string
	// Size is the file size at collection time.
	Size int64
	// Mode preserves the file permission bits.
	Mode os.FileMode
}

// Archiver turns a file selection into a byte stream and back. The
// orchestration engine depends on this interface, not the tar.gz
// implementation, so tests can substitute it.
type Archiver interface {
	Collect(paths []string) ([]Entry, error)
	Bundle(w io.Writer, entries []Entry) error
	Unbundle(r io.Reader, destDir string) error
}

// TarGz is the production Archiver: tar entries compressed with gzip.
type TarGz struct{}

// Collect expands the given files and directories into a sorted entry
// list. Duplicate relative paths are rejected: the manifest could not
// distinguish them after extraction.
func (TarGz) Collect(paths []string) ([]Entry, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no input files")
	}
	seen := make(map[string]string)
	var entries []Entry

	addFile := func(abs, rel string, fi os.FileInfo) error {
		rel = filepath.ToSlash(rel)
		if prev, dup := seen[rel]; dup {
			return fmt.Errorf("duplicate archive path %q (from %s and %s)", rel, prev, abs)
		}
		seen[rel] = abs
		entries = append(entries, Entry{AbsPath: abs, RelPath: rel, Size: fi.Size(), Mode: fi.Mode().Perm()})
		return nil
	}

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		fi, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}
		if !fi.IsDir() {
			if err := addFile(abs, filepath.Base(abs), fi); err != nil {
				return nil, err
			}
			continue
		}
		root := filepath.Dir(abs)
		err = filepath.Walk(abs, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() || !info.Mode().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			return addFile(path, rel, info)
		})
		if err != nil {
			return nil, err
		}
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("selection contains no regular files")
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].RelPath < entries[j].RelPath })
	return entries, nil
}

// Bundle writes the entries as a tar.gz stream.
func (TarGz) Bundle(w io.Writer, entries []Entry) error {
	gw := gzip.NewWriter(w)
	tw := tar.NewWriter(gw)

	for _, e := range entries {
		f, err := os.Open(e.AbsPath)
		if err != nil {
			return err
		}
		hdr := &tar.Header{
			Name:    e.RelPath,
			Size:    e.Size,
			Mode:    int64(e.Mode),
			ModTime: time.Now(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			f.Close()
			return err
		}
		if _, err := io.CopyN(tw, f, e.Size); err != nil {
			f.Close()
			return fmt.Errorf("bundling %s: %w", e.RelPath, err)
		}
		f.Close()
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gw.Close()
}

// Unbundle extracts a tar.gz stream into destDir. Entries that escape
// the destination directory are rejected outright.
func (TarGz) Unbundle(r io.Reader, destDir string) error {
	gr, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gr.Close()
	tr := tar.NewReader(gr)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if err := checkSafePath(hdr.Name); err != nil {
			return err
		}
		target := filepath.Join(destDir, filepath.FromSlash(hdr.Name))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode).Perm()|0o600)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
}

// BuildManifest hashes every entry and produces the archive manifest.
func BuildManifest(entries []Entry, recipients []string) (*vault.Manifest, error) {
	m := &vault.Manifest{
		Version:    vault.ManifestVersion,
		CreatedAt:  time.Now().UTC(),
		Recipients: recipients,
	}
	for _, e := range entries {
		sum, size, err := vault.HashFile(e.AbsPath)
		if err != nil {
			return nil, err
		}
		if size != e.Size {
			return nil, fmt.Errorf("file %s changed size during archiving", e.RelPath)
		}
		m.Entries = append(m.Entries, vault.ManifestEntry{Path: e.RelPath, Size: size, SHA256: sum})
	}
	return m, nil
}

func checkSafePath(name string) error {
	if name == "" || strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) {
		return fmt.Errorf("unsafe archive path %q", name)
	}
	clean := filepath.ToSlash(filepath.Clean(filepath.FromSlash(name)))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("unsafe archive path %q", name)
	}
	if filepath.IsAbs(filepath.FromSlash(name)) {
		return fmt.Errorf("unsafe archive path %q", name)
	}
	return nil
}
