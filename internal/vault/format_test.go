/*
Copyright © 2025 Barqly
*/
package vault

import (
	"bufio"
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"testing"
	"time"
)

func testSoftRecipient(t *testing.T) (Recipient, *ecdh.PrivateKey) {
	t.Helper()
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return Recipient{SlotKey: 0, CurveID: CurveX25519, PubKeyBytes: priv.PublicKey().Bytes()}, priv
}

func testHardRecipient(t *testing.T) (Recipient, *ecdh.PrivateKey) {
	t.Helper()
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return Recipient{SlotKey: 0x9d, CurveID: CurveP256, PubKeyBytes: priv.PublicKey().Bytes()}, priv
}

func testManifest() *Manifest {
	return &Manifest{
		Version:    ManifestVersion,
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
		Recipients: []string{"bvault1:00:3:AAAA"},
		Entries: []ManifestEntry{
			{Path: "wallet/descriptor.txt", Size: 42, SHA256: "deadbeef"},
		},
	}
}

func TestRecipientStringRoundTrip(t *testing.T) {
	rcpt, _ := testHardRecipient(t)
	parsed, err := ParseRecipient(rcpt.String())
	if err != nil {
		t.Fatalf("ParseRecipient: %v", err)
	}
	if !parsed.Equal(rcpt) {
		t.Errorf("parsed = %+v, want %+v", parsed, rcpt)
	}
}

func TestParseRecipientRejectsGarbage(t *testing.T) {
	for _, s := range []string{
		"",
		"bvault1:zz",
		"notbvault:9d:1:AAAA",
		"bvault1:9d:99:AAAA",       // unknown curve
		"bvault1:9d:1:!!!notb64!!", // bad base64
		"bvault1:9d:1:",            // empty key
	} {
		if _, err := ParseRecipient(s); err == nil {
			t.Errorf("ParseRecipient(%q) accepted garbage", s)
		}
	}
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	for _, tt := range []struct {
		name string
		mk   func(*testing.T) (Recipient, *ecdh.PrivateKey)
	}{
		{"x25519", testSoftRecipient},
		{"p256", testHardRecipient},
	} {
		t.Run(tt.name, func(t *testing.T) {
			rcpt, priv := tt.mk(t)
			fileKey, err := RandBytes(32)
			if err != nil {
				t.Fatal(err)
			}
			block, err := WrapKeyForRecipient(fileKey, rcpt)
			if err != nil {
				t.Fatalf("WrapKeyForRecipient: %v", err)
			}
			if !bytes.Equal(block.Tag, rcpt.Tag()) {
				t.Error("block tag does not match recipient tag")
			}
			got, err := UnwrapKeyFromBlock(block, priv.ECDH)
			if err != nil {
				t.Fatalf("UnwrapKeyFromBlock: %v", err)
			}
			if !bytes.Equal(got, fileKey) {
				t.Error("unwrapped key differs from original")
			}
		})
	}
}

func TestUnwrapDetectsBlockTampering(t *testing.T) {
	rcpt, priv := testSoftRecipient(t)
	fileKey, _ := RandBytes(32)
	block, err := WrapKeyForRecipient(fileKey, rcpt)
	if err != nil {
		t.Fatal(err)
	}
	// The wrap AAD binds tag, slot, curve, and ephemeral key; changing
	// the slot must break authentication.
	block.SlotKey = 0x9a
	if _, err := UnwrapKeyFromBlock(block, priv.ECDH); err == nil {
		t.Error("tampered slot key went undetected")
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	rcptA, _ := testSoftRecipient(t)
	rcptB, _ := testHardRecipient(t)
	fileKey, _ := RandBytes(32)
	blockA, err := WrapKeyForRecipient(fileKey, rcptA)
	if err != nil {
		t.Fatal(err)
	}
	blockB, err := WrapKeyForRecipient(fileKey, rcptB)
	if err != nil {
		t.Fatal(err)
	}
	prefix, _ := RandBytes(NoncePrefixSize(CipherChaCha20))
	h := &Header{
		Version:     FormatVersion,
		CipherID:    CipherChaCha20,
		Manifest:    testManifest(),
		Recipients:  []*RecipientBlock{blockA, blockB},
		NoncePrefix: prefix,
		ChunkSize:   DefaultChunkSize,
	}
	data, err := h.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	parsed, full, err := ParseHeader(bufio.NewReader(bytes.NewReader(data)))
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if !bytes.Equal(full, data) {
		t.Error("reconstructed header bytes differ from serialized form")
	}
	if parsed.CipherID != CipherChaCha20 || parsed.ChunkSize != DefaultChunkSize {
		t.Errorf("parsed metadata = %+v", parsed)
	}
	if len(parsed.Recipients) != 2 {
		t.Fatalf("parsed %d recipients, want 2", len(parsed.Recipients))
	}
	if parsed.Manifest == nil || len(parsed.Manifest.Entries) != 1 {
		t.Fatalf("manifest not preserved: %+v", parsed.Manifest)
	}
	if parsed.Manifest.Entries[0].Path != "wallet/descriptor.txt" {
		t.Errorf("manifest entry path = %q", parsed.Manifest.Entries[0].Path)
	}

	if _, err := parsed.FindBlock(rcptB.Tag()); err != nil {
		t.Errorf("FindBlock for known recipient: %v", err)
	}
	other, _ := testSoftRecipient(t)
	if _, err := parsed.FindBlock(other.Tag()); !errors.Is(err, ErrRecipientNotInHeader) {
		t.Errorf("FindBlock for stranger = %v, want ErrRecipientNotInHeader", err)
	}
}

func TestParseHeaderBadMagic(t *testing.T) {
	data := []byte("NOTVAULT and then some bytes")
	if _, _, err := ParseHeader(bufio.NewReader(bytes.NewReader(data))); !errors.Is(err, ErrBadMagic) {
		t.Errorf("err = %v, want ErrBadMagic", err)
	}
}

func TestParseHeaderTruncated(t *testing.T) {
	rcpt, _ := testSoftRecipient(t)
	fileKey, _ := RandBytes(32)
	block, _ := WrapKeyForRecipient(fileKey, rcpt)
	prefix, _ := RandBytes(NoncePrefixSize(CipherChaCha20))
	h := &Header{
		Version:     FormatVersion,
		CipherID:    CipherChaCha20,
		Manifest:    testManifest(),
		Recipients:  []*RecipientBlock{block},
		NoncePrefix: prefix,
		ChunkSize:   DefaultChunkSize,
	}
	data, err := h.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	for _, cut := range []int{1, len(data) / 2, len(data) - 1} {
		if _, _, err := ParseHeader(bufio.NewReader(bytes.NewReader(data[:cut]))); err == nil {
			t.Errorf("truncation at %d bytes went undetected", cut)
		}
	}
}

func TestParseHeaderRejectsMalformedFields(t *testing.T) {
	rcpt, _ := testSoftRecipient(t)
	fileKey, _ := RandBytes(32)
	block, _ := WrapKeyForRecipient(fileKey, rcpt)

	marshal := func(cipherID uint8, prefixLen int) []byte {
		prefix, _ := RandBytes(prefixLen)
		h := &Header{
			Version:     FormatVersion,
			CipherID:    cipherID,
			Manifest:    testManifest(),
			Recipients:  []*RecipientBlock{block},
			NoncePrefix: prefix,
			ChunkSize:   DefaultChunkSize,
		}
		data, err := h.Marshal()
		if err != nil {
			t.Fatal(err)
		}
		return data
	}

	t.Run("unknown cipher", func(t *testing.T) {
		if _, _, err := ParseHeader(bufio.NewReader(bytes.NewReader(marshal(99, 16)))); err == nil {
			t.Error("unknown cipher id accepted")
		}
	})
	t.Run("short nonce prefix for aes", func(t *testing.T) {
		if _, _, err := ParseHeader(bufio.NewReader(bytes.NewReader(marshal(CipherAES256, 2)))); err == nil {
			t.Error("2-byte nonce prefix accepted for AES-256-GCM")
		}
	})
	t.Run("wrong nonce prefix for chacha", func(t *testing.T) {
		if _, _, err := ParseHeader(bufio.NewReader(bytes.NewReader(marshal(CipherChaCha20, 4)))); err == nil {
			t.Error("AES-sized nonce prefix accepted for XChaCha20")
		}
	})
}
