/*
Copyright © 2025 Barqly
*/
package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	berrors "github.com/Barqly/barqly-vault-sub014/internal/errors"
)

func writeTree(t *testing.T, dir string, files map[string]string) *Manifest {
	t.Helper()
	m := &Manifest{Version: 1, CreatedAt: time.Now().UTC()}
	for rel, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
		sum := sha256.Sum256([]byte(content))
		m.Entries = append(m.Entries, ManifestEntry{
			Path:   rel,
			Size:   int64(len(content)),
			SHA256: hex.EncodeToString(sum[:]),
		})
	}
	return m
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.txt")
	content := "wallet descriptor\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	sum, size, err := HashFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := sha256.Sum256([]byte(content))
	if sum != hex.EncodeToString(want[:]) {
		t.Errorf("sum = %s", sum)
	}
	if size != int64(len(content)) {
		t.Errorf("size = %d", size)
	}
}

func TestVerifyDir(t *testing.T) {
	dir := t.TempDir()
	m := writeTree(t, dir, map[string]string{
		"seed.txt":        "abandon ability able",
		"nested/desc.txt": "wpkh(...)",
	})

	if err := m.VerifyDir(dir); err != nil {
		t.Fatalf("VerifyDir on intact tree: %v", err)
	}

	t.Run("modified content", func(t *testing.T) {
		if err := os.WriteFile(filepath.Join(dir, "seed.txt"), []byte("abandon ability ABLE"), 0o600); err != nil {
			t.Fatal(err)
		}
		err := m.VerifyDir(dir)
		if berrors.CodeOf(err) != berrors.CodeChecksumMismatch {
			t.Errorf("code = %s, want %s", berrors.CodeOf(err), berrors.CodeChecksumMismatch)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		dir2 := t.TempDir()
		m2 := writeTree(t, dir2, map[string]string{"a.txt": "a"})
		if err := os.Remove(filepath.Join(dir2, "a.txt")); err != nil {
			t.Fatal(err)
		}
		err := m2.VerifyDir(dir2)
		if berrors.CodeOf(err) != berrors.CodeChecksumMismatch {
			t.Errorf("code = %s, want %s", berrors.CodeOf(err), berrors.CodeChecksumMismatch)
		}
	})

	t.Run("size change with padding", func(t *testing.T) {
		dir3 := t.TempDir()
		m3 := writeTree(t, dir3, map[string]string{"a.txt": "abc"})
		if err := os.WriteFile(filepath.Join(dir3, "a.txt"), []byte("abcd"), 0o600); err != nil {
			t.Fatal(err)
		}
		if err := m3.VerifyDir(dir3); err == nil {
			t.Error("grown file passed verification")
		}
	})
}

func TestManifestMarshalParse(t *testing.T) {
	m := &Manifest{
		Version:    1,
		CreatedAt:  time.Date(2025, 8, 12, 10, 0, 0, 0, time.UTC),
		Recipients: []string{"bvault1softabc", "bvault1hwdef"},
		Entries: []ManifestEntry{
			{Path: "seed.txt", Size: 20, SHA256: "00ff"},
		},
	}
	data, err := m.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	got, err := ParseManifest(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != m.Version || len(got.Entries) != 1 || got.Entries[0].Path != "seed.txt" {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if !got.CreatedAt.Equal(m.CreatedAt) {
		t.Errorf("created_at = %v", got.CreatedAt)
	}
	if len(got.Recipients) != 2 {
		t.Errorf("recipients = %v", got.Recipients)
	}
}

func TestParseManifestRejectsGarbage(t *testing.T) {
	if _, err := ParseManifest([]byte("not json")); err == nil {
		t.Error("garbage manifest parsed")
	}
}
