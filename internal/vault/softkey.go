/*
Copyright © 2025 Barqly

softkey.go implements software passphrase-protected identities.

A software key is an X25519 key pair. The public half becomes the
recipient string; the private half exists on disk only inside an
encrypted key file (Argon2id passphrase KDF + XChaCha20-Poly1305) and in
memory only for the duration of a single decryption call, locked against
swap where the platform allows and zeroized on every exit path.
*/
package vault

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	berrors "github.com/Barqly/barqly-vault-sub014/internal/errors"
)

// KeyFileVersion is the current encrypted key file format version.
const KeyFileVersion = 1

// KDFParams records the Argon2id parameters used to derive the key
// encryption key, persisted so older files stay decryptable after the
// defaults change.
type KDFParams struct {
	Time        uint32 `json:"time"`
	MemoryKiB   uint32 `json:"memory_kib"`
	Parallelism uint8  `json:"parallelism"`
}

// defaultKDFParams matches the interactive profile used at generation time.
var defaultKDFParams = KDFParams{Time: 3, MemoryKiB: 64 * 1024, Parallelism: 4}

// KeyFile is the on-disk form of a software identity. It never contains
// cleartext private material.
type KeyFile struct {
	Version        int       `json:"version"`
	Label          string    `json:"label"`
	Recipient      string    `json:"recipient"`
	KDF            KDFParams `json:"kdf"`
	Salt           string    `json:"salt"`
	Nonce          string    `json:"nonce"`
	WrappedPrivate string    `json:"wrapped_private"`
	CreatedAt      time.Time `json:"created_at"`
}

// GenerateSoftwareKey creates a fresh X25519 identity and returns its
// encrypted key file plus the public recipient. The cleartext private
// key is zeroized before returning.
func GenerateSoftwareKey(label, passphrase string) (*KeyFile, Recipient, error) {
	if passphrase == "" {
		return nil, Recipient{}, fmt.Errorf("empty passphrase not allowed")
	}
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, Recipient{}, err
	}
	privBytes := priv.Bytes()
	defer Zero(privBytes)

	rcpt := Recipient{SlotKey: 0, CurveID: CurveX25519, PubKeyBytes: priv.PublicKey().Bytes()}

	salt, err := RandBytes(16)
	if err != nil {
		return nil, Recipient{}, err
	}
	nonce, err := RandBytes(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, Recipient{}, err
	}

	params := defaultKDFParams
	kek := argon2.IDKey([]byte(passphrase), salt, params.Time, params.MemoryKiB, params.Parallelism, 32)
	defer Zero(kek)

	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, Recipient{}, err
	}
	wrapped := aead.Seal(nil, nonce, privBytes, []byte(rcpt.String()))

	return &KeyFile{
		Version:        KeyFileVersion,
		Label:          label,
		Recipient:      rcpt.String(),
		KDF:            params,
		Salt:           base64.RawStdEncoding.EncodeToString(salt),
		Nonce:          base64.RawStdEncoding.EncodeToString(nonce),
		WrappedPrivate: base64.RawStdEncoding.EncodeToString(wrapped),
		CreatedAt:      time.Now().UTC(),
	}, rcpt, nil
}

// Save writes the key file atomically with owner-only permissions.
func (kf *KeyFile) Save(path string) error {
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data, false)
}

// LoadKeyFile reads an encrypted key file from disk.
func LoadKeyFile(path string) (*KeyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var kf KeyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse key file %s: %w", path, err)
	}
	if kf.Version != KeyFileVersion {
		return nil, fmt.Errorf("unsupported key file version %d", kf.Version)
	}
	return &kf, nil
}

// Unlock decrypts the private key with the passphrase and returns a
// live SoftwareIdentity. A failed AEAD open means the passphrase is
// wrong; this is an authentication failure, never a recipient mismatch.
// Callers must Destroy the identity when done.
func (kf *KeyFile) Unlock(passphrase string) (*SoftwareIdentity, error) {
	rcpt, err := ParseRecipient(kf.Recipient)
	if err != nil {
		return nil, err
	}
	salt, err := base64.RawStdEncoding.DecodeString(kf.Salt)
	if err != nil {
		return nil, err
	}
	nonce, err := base64.RawStdEncoding.DecodeString(kf.Nonce)
	if err != nil {
		return nil, err
	}
	wrapped, err := base64.RawStdEncoding.DecodeString(kf.WrappedPrivate)
	if err != nil {
		return nil, err
	}

	kek := argon2.IDKey([]byte(passphrase), salt, kf.KDF.Time, kf.KDF.MemoryKiB, kf.KDF.Parallelism, 32)
	defer Zero(kek)

	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, err
	}
	privBytes, err := aead.Open(nil, nonce, wrapped, []byte(kf.Recipient))
	if err != nil {
		return nil, berrors.WrongPassphrase(err)
	}

	lockBuffer(privBytes)
	return &SoftwareIdentity{recipient: rcpt, priv: privBytes}, nil
}

// SoftwareIdentity is the transient private-side handle for a software
// key. It holds the raw X25519 scalar for at most one decryption call.
type SoftwareIdentity struct {
	recipient Recipient
	priv      []byte
}

// ErrIdentityDestroyed is returned when an identity is used after Destroy.
var ErrIdentityDestroyed = errors.New("software identity already destroyed")

// Recipient returns the public half of this identity.
func (s *SoftwareIdentity) Recipient() Recipient {
	return s.recipient
}

// ECDH performs the key agreement with an ephemeral public key from an
// archive header. The private key object is constructed per call and
// only the persistent scalar buffer survives between calls.
func (s *SoftwareIdentity) ECDH(peer *ecdh.PublicKey) ([]byte, error) {
	if s.priv == nil {
		return nil, ErrIdentityDestroyed
	}
	priv, err := ecdh.X25519().NewPrivateKey(s.priv)
	if err != nil {
		return nil, err
	}
	return priv.ECDH(peer)
}

// Destroy zeroizes and releases the private scalar. Safe to call twice.
func (s *SoftwareIdentity) Destroy() {
	if s.priv == nil {
		return
	}
	Zero(s.priv)
	unlockBuffer(s.priv)
	s.priv = nil
}

// Destroyed reports whether the private material has been wiped.
func (s *SoftwareIdentity) Destroyed() bool {
	return s.priv == nil
}
