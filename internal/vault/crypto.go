/*
Copyright © 2025 Barqly

crypto.go implements the cryptographic building blocks of the archive
format:
  - Curve and cipher identifiers stored in headers
  - Wrap-key derivation (HKDF-SHA256 over the ECDH shared secret)
  - Chunk nonce construction and AEAD selection
  - Random byte generation and secret zeroization
*/
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Elliptic curve identifiers for the file format.
const (
	CurveP256   uint8 = 1 // NIST P-256, used by PIV hardware slots
	CurveP384   uint8 = 2 // NIST P-384, used by PIV hardware slots
	CurveX25519 uint8 = 3 // X25519, used by software passphrase keys
)

// Cipher identifiers for the chunk payload.
const (
	CipherChaCha20 uint8 = 1 // XChaCha20-Poly1305 (default)
	CipherAES256   uint8 = 2 // AES-256-GCM
)

// wrapInfo is the HKDF info string binding wrap keys to this format.
const wrapInfo = "barqly wrap v1"

// CurveFromID returns the ECDH curve corresponding to a curve ID.
func CurveFromID(id uint8) (ecdh.Curve, error) {
	switch id {
	case CurveP256:
		return ecdh.P256(), nil
	case CurveP384:
		return ecdh.P384(), nil
	case CurveX25519:
		return ecdh.X25519(), nil
	default:
		return nil, fmt.Errorf("unsupported curve id %d", id)
	}
}

// CurveName returns a human-readable curve name for display.
func CurveName(id uint8) string {
	switch id {
	case CurveP256:
		return "P-256"
	case CurveP384:
		return "P-384"
	case CurveX25519:
		return "X25519"
	default:
		return fmt.Sprintf("unknown(%d)", id)
	}
}

// DeriveWrapKey derives the 256-bit key-wrapping key from an ECDH shared
// secret using HKDF-SHA256 with the per-recipient salt from the header.
func DeriveWrapKey(sharedSecret, salt []byte) ([]byte, error) {
	h := hkdf.New(sha256.New, sharedSecret, salt, []byte(wrapInfo))
	wk := make([]byte, 32)
	if _, err := io.ReadFull(h, wk); err != nil {
		return nil, err
	}
	return wk, nil
}

// MakeChunkNonce creates the nonce for one payload chunk from the random
// prefix in the header and the chunk index.
//
// XChaCha20-Poly1305: 16-byte prefix || 8-byte big-endian index.
// AES-256-GCM: 4-byte prefix || 8-byte big-endian index.
func MakeChunkNonce(prefix []byte, idx uint64, cipherID uint8) []byte {
	switch cipherID {
	case CipherAES256:
		nonce := make([]byte, 12)
		copy(nonce[:4], prefix[:4])
		binary.BigEndian.PutUint64(nonce[4:], idx)
		return nonce
	default:
		nonce := make([]byte, 24)
		copy(nonce[:16], prefix)
		binary.BigEndian.PutUint64(nonce[16:], idx)
		return nonce
	}
}

// NewPayloadAEAD creates the AEAD used for chunk encryption.
func NewPayloadAEAD(fileKey []byte, cipherID uint8) (cipher.AEAD, error) {
	switch cipherID {
	case CipherAES256:
		block, err := aes.NewCipher(fileKey)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case CipherChaCha20:
		return chacha20poly1305.NewX(fileKey)
	default:
		return nil, fmt.Errorf("unsupported cipher id %d", cipherID)
	}
}

// NoncePrefixSize returns the random prefix length required by a cipher.
func NoncePrefixSize(cipherID uint8) int {
	if cipherID == CipherAES256 {
		return 4
	}
	return 16
}

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Zero overwrites a byte slice with zeros. Callers defer this on every
// buffer that ever held key material or an unwrapped secret.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
