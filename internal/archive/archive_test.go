/*
Copyright © 2025 Barqly
*/
package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestCollect(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "wallet", "seed.txt"), "seed words")
	writeFile(t, filepath.Join(dir, "wallet", "sub", "desc.txt"), "descriptor")
	writeFile(t, filepath.Join(dir, "notes.txt"), "standalone")

	entries, err := TarGz{}.Collect([]string{
		filepath.Join(dir, "wallet"),
		filepath.Join(dir, "notes.txt"),
	})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	got := make([]string, len(entries))
	for i, e := range entries {
		got[i] = e.RelPath
	}
	want := []string{"notes.txt", "wallet/seed.txt", "wallet/sub/desc.txt"}
	if len(got) != len(want) {
		t.Fatalf("entries = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestCollectRejectsDuplicates(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	writeFile(t, filepath.Join(dirA, "seed.txt"), "a")
	writeFile(t, filepath.Join(dirB, "seed.txt"), "b")

	_, err := TarGz{}.Collect([]string{
		filepath.Join(dirA, "seed.txt"),
		filepath.Join(dirB, "seed.txt"),
	})
	if err == nil {
		t.Error("duplicate archive paths accepted")
	}
}

func TestCollectEmptySelection(t *testing.T) {
	if _, err := (TarGz{}).Collect(nil); err == nil {
		t.Error("empty selection accepted")
	}
}

func TestBundleUnbundleRoundTrip(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "data", "a.txt"), "alpha")
	writeFile(t, filepath.Join(src, "data", "deep", "b.txt"), "bravo")

	entries, err := TarGz{}.Collect([]string{filepath.Join(src, "data")})
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := (TarGz{}).Bundle(&buf, entries); err != nil {
		t.Fatalf("Bundle: %v", err)
	}

	dest := t.TempDir()
	if err := (TarGz{}).Unbundle(&buf, dest); err != nil {
		t.Fatalf("Unbundle: %v", err)
	}

	for rel, want := range map[string]string{
		"data/a.txt":      "alpha",
		"data/deep/b.txt": "bravo",
	} {
		got, err := os.ReadFile(filepath.Join(dest, filepath.FromSlash(rel)))
		if err != nil {
			t.Fatalf("reading %s: %v", rel, err)
		}
		if string(got) != want {
			t.Errorf("%s = %q, want %q", rel, got, want)
		}
	}
}

func TestUnbundleRejectsTraversal(t *testing.T) {
	evil := func(name string) []byte {
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		tw := tar.NewWriter(gw)
		content := []byte("pwned")
		tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(content)), Mode: 0o600, Typeflag: tar.TypeReg})
		tw.Write(content)
		tw.Close()
		gw.Close()
		return buf.Bytes()
	}

	for _, name := range []string{
		"../escape.txt",
		"a/../../escape.txt",
		"/etc/passwd",
	} {
		t.Run(name, func(t *testing.T) {
			dest := t.TempDir()
			err := TarGz{}.Unbundle(bytes.NewReader(evil(name)), dest)
			if err == nil {
				t.Fatalf("traversal path %q accepted", name)
			}
			entries, _ := os.ReadDir(dest)
			if len(entries) != 0 {
				t.Errorf("extraction wrote %d entries before rejecting", len(entries))
			}
		})
	}
}

func TestBuildManifest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.txt"), "alpha")

	entries, err := TarGz{}.Collect([]string{filepath.Join(dir, "a.txt")})
	if err != nil {
		t.Fatal(err)
	}
	m, err := BuildManifest(entries, []string{"rcpt1"})
	if err != nil {
		t.Fatalf("BuildManifest: %v", err)
	}
	if len(m.Entries) != 1 || m.Entries[0].Path != "a.txt" || m.Entries[0].Size != 5 {
		t.Errorf("manifest entries = %+v", m.Entries)
	}
	if len(m.Entries[0].SHA256) != 64 {
		t.Errorf("checksum length = %d", len(m.Entries[0].SHA256))
	}
	if len(m.Recipients) != 1 || m.Recipients[0] != "rcpt1" {
		t.Errorf("recipients = %v", m.Recipients)
	}
}

func TestBuildManifestDetectsSizeChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	writeFile(t, path, "alpha")

	entries, err := TarGz{}.Collect([]string{path})
	if err != nil {
		t.Fatal(err)
	}
	// File grows between collection and manifest.
	writeFile(t, path, "alpha plus more")
	if _, err := BuildManifest(entries, nil); err == nil {
		t.Error("size change between collection and hashing went undetected")
	}
}

func TestCheckSafePath(t *testing.T) {
	for _, tt := range []struct {
		name string
		ok   bool
	}{
		{"a.txt", true},
		{"dir/a.txt", true},
		{"dir/./a.txt", true},
		{"", false},
		{"..", false},
		{"../a.txt", false},
		{"dir/../../a.txt", false},
		{"/abs.txt", false},
		{`\windows.txt`, false},
	} {
		err := checkSafePath(tt.name)
		if tt.ok && err != nil {
			t.Errorf("checkSafePath(%q) = %v, want nil", tt.name, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("checkSafePath(%q) = nil, want error", tt.name)
		}
	}
}
