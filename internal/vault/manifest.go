/*
Copyright © 2025 Barqly

manifest.go implements the vault manifest bundled with every archive.

The manifest lists the archived files with their original sizes and
content checksums, the recipient set the archive was encrypted to, and
the format version. It is embedded in the authenticated archive header,
and extraction succeeds only when every extracted file matches its
manifest checksum exactly.
*/
package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	berrors "github.com/Barqly/barqly-vault-sub014/internal/errors"
)

// ManifestVersion is the current manifest format version.
const ManifestVersion = 1

// ManifestEntry describes one archived file.
type ManifestEntry struct {
	// Path is the slash-separated path relative to the archive root.
	Path string `json:"path"`
	// Size is the original file size in bytes.
	Size int64 `json:"size"`
	// SHA256 is the hex-encoded content checksum.
	SHA256 string `json:"sha256"`
}

// Manifest is the structured metadata bundled with an encrypted archive.
type Manifest struct {
	Version    int             `json:"version"`
	CreatedAt  time.Time       `json:"created_at"`
	Recipients []string        `json:"recipients"`
	Entries    []ManifestEntry `json:"entries"`
}

// Marshal serializes the manifest to compact JSON for header embedding.
func (m *Manifest) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// ParseManifest deserializes a manifest from header bytes.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// HashFile computes the hex-encoded SHA-256 of a file's contents.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// VerifyDir checks every manifest entry against the files under dir.
// The first mismatch (size, checksum, or missing file) fails the whole
// verification; callers treat that as fatal and discard the extraction.
func (m *Manifest) VerifyDir(dir string) error {
	for _, e := range m.Entries {
		path := filepath.Join(dir, filepath.FromSlash(e.Path))
		sum, size, err := HashFile(path)
		if err != nil {
			return berrors.ChecksumMismatch(e.Path)
		}
		if size != e.Size || sum != e.SHA256 {
			return berrors.ChecksumMismatch(e.Path)
		}
	}
	return nil
}
