/*
Copyright © 2025 Barqly

recipient.go implements the public-recipient representation shared by
software and hardware identities.

Recipient string format: bvault1:<slotHex>:<curveID>:<base64RawStd pubkey>
Software keys use slot 00 and curve X25519; hardware keys carry their PIV
slot and a NIST curve. Anyone holding the string can encrypt to it; only
the matching private side can decrypt.
*/
package vault

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

// TagSize is the length of the recipient tag stored per header block.
const TagSize = 8

// Recipient is the public half of an encryption identity.
type Recipient struct {
	SlotKey     uint32 // PIV slot key (0 for software keys)
	CurveID     uint8  // Curve identifier (CurveP256, CurveP384, CurveX25519)
	PubKeyBytes []byte // Raw public key bytes (SEC1 uncompressed or X25519)
}

// Tag returns the short identifier stored in recipient blocks so a
// decryptor can find its block without trial-unwrapping every one.
// It is a truncated SHA-256 of the public key bytes.
func (r Recipient) Tag() []byte {
	sum := sha256.Sum256(r.PubKeyBytes)
	return sum[:TagSize]
}

// String encodes the recipient in its shareable text form.
func (r Recipient) String() string {
	b64 := base64.RawStdEncoding.EncodeToString(r.PubKeyBytes)
	return fmt.Sprintf("bvault1:%02x:%d:%s", r.SlotKey, r.CurveID, b64)
}

// Equal reports whether two recipients carry the same public key.
func (r Recipient) Equal(other Recipient) bool {
	return r.SlotKey == other.SlotKey &&
		r.CurveID == other.CurveID &&
		bytes.Equal(r.PubKeyBytes, other.PubKeyBytes)
}

// ParseRecipient parses the shareable text form back into a Recipient.
func ParseRecipient(s string) (Recipient, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 4 || parts[0] != "bvault1" {
		return Recipient{}, fmt.Errorf("invalid recipient format (expected bvault1:<slotHex>:<curveID>:<b64pub>)")
	}
	var slotKey uint32
	if _, err := fmt.Sscanf(parts[1], "%x", &slotKey); err != nil {
		return Recipient{}, fmt.Errorf("parse slot hex: %w", err)
	}
	var curveID int
	if _, err := fmt.Sscanf(parts[2], "%d", &curveID); err != nil {
		return Recipient{}, fmt.Errorf("parse curve id: %w", err)
	}
	if _, err := CurveFromID(uint8(curveID)); err != nil {
		return Recipient{}, err
	}
	pubBytes, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return Recipient{}, fmt.Errorf("decode pubkey: %w", err)
	}
	if len(pubBytes) == 0 {
		return Recipient{}, fmt.Errorf("empty public key")
	}
	return Recipient{
		SlotKey:     slotKey,
		CurveID:     uint8(curveID),
		PubKeyBytes: pubBytes,
	}, nil
}
