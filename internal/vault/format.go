/*
Copyright © 2025 Barqly

format.go implements the BARQLYV1 multi-recipient archive container.

Layout:
  - Magic "BARQLYV1" (8 bytes)
  - Version (1 byte), CipherID (1 byte), Flags (1 byte)
  - Manifest (u32 length-prefixed JSON, authenticated via header AAD)
  - Recipient count (2 bytes)
  - For each recipient: u16 length-prefixed RecipientBlock
  - NoncePrefix (u16 length-prefixed) + ChunkSize (4 bytes)
  - Encrypted chunks: u32 ciphertext length + ciphertext, zero terminator

The file key is wrapped independently for every recipient, so any single
recipient can decrypt without knowledge of the others' secrets. Adding a
block never weakens another: each wrap uses its own ephemeral ECDH key.
*/
package vault

import (
	"bufio"
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// Magic identifies a vault archive. All encrypted archives begin with it.
const Magic = "BARQLYV1"

// FormatVersion is the current container version.
const FormatVersion = 1

// MaxRecipients bounds the recipient list per archive.
const MaxRecipients = 256

// ErrRecipientNotInHeader is returned when an archive header carries no
// block for the identity attempting to decrypt. Callers surface this as
// a recipient mismatch, distinct from an authentication failure.
var ErrRecipientNotInHeader = errors.New("no recipient block matches this identity")

// ErrBadMagic is returned when the input does not start with the archive magic.
var ErrBadMagic = errors.New("not a vault archive")

// RecipientBlock carries the wrapped file key for one recipient.
type RecipientBlock struct {
	Tag        []byte // Truncated public-key hash identifying the recipient (8 bytes)
	SlotKey    uint32 // PIV slot key (0 for software keys)
	CurveID    uint8  // Elliptic curve identifier
	Flags      uint8  // Per-recipient flags (reserved)
	EphPub     []byte // Ephemeral public key for this recipient's ECDH
	Salt       []byte // HKDF salt (16 bytes)
	WrapNonce  []byte // Key wrap nonce (12 bytes)
	WrappedKey []byte // File key sealed with ChaCha20-Poly1305
}

// Marshal serializes a recipient block.
func (rb *RecipientBlock) Marshal() ([]byte, error) {
	var b bytes.Buffer
	if len(rb.Tag) != TagSize {
		return nil, fmt.Errorf("recipient tag must be %d bytes, got %d", TagSize, len(rb.Tag))
	}
	b.Write(rb.Tag)
	if err := binary.Write(&b, binary.LittleEndian, rb.SlotKey); err != nil {
		return nil, err
	}
	b.WriteByte(rb.CurveID)
	b.WriteByte(rb.Flags)
	if err := WriteU16Bytes(&b, rb.EphPub); err != nil {
		return nil, err
	}
	if err := WriteU16Bytes(&b, rb.Salt); err != nil {
		return nil, err
	}
	if len(rb.WrapNonce) != chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("wrap nonce must be %d bytes, got %d", chacha20poly1305.NonceSize, len(rb.WrapNonce))
	}
	b.Write(rb.WrapNonce)
	if err := WriteU16Bytes(&b, rb.WrappedKey); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// ParseRecipientBlock deserializes a recipient block.
func ParseRecipientBlock(r io.Reader) (*RecipientBlock, error) {
	var rb RecipientBlock
	rb.Tag = make([]byte, TagSize)
	if _, err := io.ReadFull(r, rb.Tag); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &rb.SlotKey); err != nil {
		return nil, err
	}
	var meta [2]byte
	if _, err := io.ReadFull(r, meta[:]); err != nil {
		return nil, err
	}
	rb.CurveID = meta[0]
	rb.Flags = meta[1]
	var err error
	if rb.EphPub, err = ReadU16Bytes(r); err != nil {
		return nil, err
	}
	if rb.Salt, err = ReadU16Bytes(r); err != nil {
		return nil, err
	}
	rb.WrapNonce = make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(r, rb.WrapNonce); err != nil {
		return nil, err
	}
	if rb.WrappedKey, err = ReadU16Bytes(r); err != nil {
		return nil, err
	}
	return &rb, nil
}

// Header is the archive header: format metadata, the authenticated
// manifest, and one recipient block per recipient.
type Header struct {
	Version     uint8
	CipherID    uint8
	Flags       uint8
	Manifest    *Manifest
	Recipients  []*RecipientBlock
	NoncePrefix []byte
	ChunkSize   uint32
}

// Marshal serializes the complete header. The returned bytes are written
// at the start of the archive and used as AAD for every payload chunk,
// binding the manifest and recipient set to the ciphertext.
func (h *Header) Marshal() ([]byte, error) {
	var b bytes.Buffer
	b.WriteString(Magic)
	b.WriteByte(h.Version)
	b.WriteByte(h.CipherID)
	b.WriteByte(h.Flags)

	var manifestBytes []byte
	if h.Manifest != nil {
		mb, err := h.Manifest.Marshal()
		if err != nil {
			return nil, err
		}
		manifestBytes = mb
	}
	if err := WriteU32Bytes(&b, manifestBytes); err != nil {
		return nil, err
	}

	if len(h.Recipients) == 0 {
		return nil, fmt.Errorf("archive has no recipients")
	}
	if len(h.Recipients) > MaxRecipients {
		return nil, fmt.Errorf("too many recipients: %d (max %d)", len(h.Recipients), MaxRecipients)
	}
	if err := binary.Write(&b, binary.LittleEndian, uint16(len(h.Recipients))); err != nil {
		return nil, err
	}
	for _, rb := range h.Recipients {
		rbBytes, err := rb.Marshal()
		if err != nil {
			return nil, err
		}
		if err := WriteU16Bytes(&b, rbBytes); err != nil {
			return nil, err
		}
	}

	if err := WriteU16Bytes(&b, h.NoncePrefix); err != nil {
		return nil, err
	}
	if err := binary.Write(&b, binary.LittleEndian, h.ChunkSize); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// ParseHeader parses an archive header and returns it together with the
// exact serialized bytes consumed, which callers reuse as chunk AAD.
func ParseHeader(br *bufio.Reader) (*Header, []byte, error) {
	var h Header
	var full bytes.Buffer

	m := make([]byte, len(Magic))
	if _, err := io.ReadFull(br, m); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadMagic, err)
	}
	if string(m) != Magic {
		return nil, nil, fmt.Errorf("%w (expected magic %q, got %q)", ErrBadMagic, Magic, string(m))
	}
	full.Write(m)

	var meta [3]byte
	if _, err := io.ReadFull(br, meta[:]); err != nil {
		return nil, nil, err
	}
	h.Version = meta[0]
	h.CipherID = meta[1]
	h.Flags = meta[2]
	full.Write(meta[:])
	if h.Version != FormatVersion {
		return nil, nil, fmt.Errorf("unsupported archive version %d", h.Version)
	}
	if h.CipherID != CipherChaCha20 && h.CipherID != CipherAES256 {
		return nil, nil, fmt.Errorf("unsupported cipher id %d", h.CipherID)
	}

	manifestBytes, err := ReadU32Bytes(br)
	if err != nil {
		return nil, nil, err
	}
	if err := WriteU32Bytes(&full, manifestBytes); err != nil {
		return nil, nil, err
	}
	if len(manifestBytes) > 0 {
		if h.Manifest, err = ParseManifest(manifestBytes); err != nil {
			return nil, nil, err
		}
	}

	var numRecipients uint16
	if err := binary.Read(br, binary.LittleEndian, &numRecipients); err != nil {
		return nil, nil, err
	}
	_ = binary.Write(&full, binary.LittleEndian, numRecipients)
	if numRecipients == 0 {
		return nil, nil, fmt.Errorf("archive has no recipients")
	}
	if numRecipients > MaxRecipients {
		return nil, nil, fmt.Errorf("too many recipients: %d", numRecipients)
	}

	h.Recipients = make([]*RecipientBlock, numRecipients)
	for i := uint16(0); i < numRecipients; i++ {
		rbBytes, err := ReadU16Bytes(br)
		if err != nil {
			return nil, nil, err
		}
		if err := WriteU16Bytes(&full, rbBytes); err != nil {
			return nil, nil, err
		}
		rb, err := ParseRecipientBlock(bytes.NewReader(rbBytes))
		if err != nil {
			return nil, nil, err
		}
		h.Recipients[i] = rb
	}

	if h.NoncePrefix, err = ReadU16Bytes(br); err != nil {
		return nil, nil, err
	}
	if len(h.NoncePrefix) != NoncePrefixSize(h.CipherID) {
		return nil, nil, fmt.Errorf("nonce prefix is %d bytes, cipher %d requires %d",
			len(h.NoncePrefix), h.CipherID, NoncePrefixSize(h.CipherID))
	}
	if err := WriteU16Bytes(&full, h.NoncePrefix); err != nil {
		return nil, nil, err
	}
	if err := binary.Read(br, binary.LittleEndian, &h.ChunkSize); err != nil {
		return nil, nil, err
	}
	_ = binary.Write(&full, binary.LittleEndian, h.ChunkSize)

	return &h, full.Bytes(), nil
}

// FindBlock returns the recipient block whose tag matches, or
// ErrRecipientNotInHeader when the archive has none for this identity.
func (h *Header) FindBlock(tag []byte) (*RecipientBlock, error) {
	for _, rb := range h.Recipients {
		if bytes.Equal(rb.Tag, tag) {
			return rb, nil
		}
	}
	return nil, ErrRecipientNotInHeader
}

// WrapKeyForRecipient wraps the file key for a single recipient.
// A fresh ephemeral key pair is generated per recipient, so recipients
// share nothing beyond the wrapped file key itself.
func WrapKeyForRecipient(fileKey []byte, recipient Recipient) (*RecipientBlock, error) {
	curve, err := CurveFromID(recipient.CurveID)
	if err != nil {
		return nil, err
	}
	recipientPub, err := curve.NewPublicKey(recipient.PubKeyBytes)
	if err != nil {
		return nil, err
	}
	ephPriv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	sharedSecret, err := ephPriv.ECDH(recipientPub)
	if err != nil {
		return nil, err
	}
	defer Zero(sharedSecret)

	salt, err := RandBytes(16)
	if err != nil {
		return nil, err
	}
	wrapNonce, err := RandBytes(chacha20poly1305.NonceSize)
	if err != nil {
		return nil, err
	}

	wrapKey, err := DeriveWrapKey(sharedSecret, salt)
	if err != nil {
		return nil, err
	}
	defer Zero(wrapKey)

	tag := recipient.Tag()
	ephPub := ephPriv.PublicKey().Bytes()
	wrapAEAD, err := chacha20poly1305.New(wrapKey)
	if err != nil {
		return nil, err
	}
	wrapped := wrapAEAD.Seal(nil, wrapNonce, fileKey, blockAAD(tag, recipient.SlotKey, recipient.CurveID, ephPub))

	return &RecipientBlock{
		Tag:        tag,
		SlotKey:    recipient.SlotKey,
		CurveID:    recipient.CurveID,
		EphPub:     ephPub,
		Salt:       salt,
		WrapNonce:  wrapNonce,
		WrappedKey: wrapped,
	}, nil
}

// UnwrapKeyFromBlock recovers the file key from a recipient block.
// ecdhFunc performs the asymmetric half: in-process for software keys,
// delegated to the hardware device for device-backed keys. The private
// key never passes through this function.
func UnwrapKeyFromBlock(block *RecipientBlock, ecdhFunc func(*ecdh.PublicKey) ([]byte, error)) ([]byte, error) {
	curve, err := CurveFromID(block.CurveID)
	if err != nil {
		return nil, err
	}
	ephPub, err := curve.NewPublicKey(block.EphPub)
	if err != nil {
		return nil, err
	}
	sharedSecret, err := ecdhFunc(ephPub)
	if err != nil {
		return nil, err
	}
	defer Zero(sharedSecret)

	wrapKey, err := DeriveWrapKey(sharedSecret, block.Salt)
	if err != nil {
		return nil, err
	}
	defer Zero(wrapKey)

	wrapAEAD, err := chacha20poly1305.New(wrapKey)
	if err != nil {
		return nil, err
	}
	return wrapAEAD.Open(nil, block.WrapNonce, block.WrappedKey, blockAAD(block.Tag, block.SlotKey, block.CurveID, block.EphPub))
}

// blockAAD binds a wrapped key to its block metadata.
func blockAAD(tag []byte, slotKey uint32, curveID uint8, ephPub []byte) []byte {
	var b bytes.Buffer
	b.Write(tag)
	_ = binary.Write(&b, binary.LittleEndian, slotKey)
	b.WriteByte(curveID)
	b.Write(ephPub)
	return b.Bytes()
}

// WriteU16Bytes writes a 2-byte little-endian length followed by the bytes.
func WriteU16Bytes(w io.Writer, b []byte) error {
	if len(b) > 0xFFFF {
		return fmt.Errorf("blob too large: %d", len(b))
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// ReadU16Bytes reads a 2-byte little-endian length-prefixed byte slice.
func ReadU16Bytes(r io.Reader) ([]byte, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// WriteU32Bytes writes a 4-byte little-endian length followed by the bytes.
// Used for the manifest, which can exceed the u16 limit on large file sets.
func WriteU32Bytes(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// ReadU32Bytes reads a 4-byte little-endian length-prefixed byte slice.
func ReadU32Bytes(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	if n > 64<<20 {
		return nil, fmt.Errorf("blob too large: %d", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
