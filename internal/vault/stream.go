/*
Copyright © 2025 Barqly

stream.go implements chunked payload encryption and decryption.

The payload is a sequence of length-prefixed AEAD chunks terminated by a
zero-length marker. Every chunk is sealed with a nonce derived from the
header's random prefix and the chunk index, with the full serialized
header as AAD, so chunks cannot be reordered, dropped, or transplanted
between archives without detection.
*/
package vault

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultChunkSize is the plaintext chunk size used by encryption.
const DefaultChunkSize = 1 << 20

// MaxChunkSize bounds chunk sizes accepted by both directions.
const MaxChunkSize = 64 << 20

// EncryptOptions selects cipher and chunking for a new archive.
type EncryptOptions struct {
	CipherID  uint8
	ChunkSize int
}

// EncryptStream encrypts everything read from r into w as a complete
// archive: header (with manifest and one wrapped key per recipient)
// followed by the chunked payload. onChunk, when non-nil, is invoked
// with the cumulative plaintext byte count after each chunk.
func EncryptStream(w io.Writer, r io.Reader, recipients []Recipient, manifest *Manifest, opts EncryptOptions, onChunk func(int64)) error {
	if opts.ChunkSize == 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.ChunkSize < 1 || opts.ChunkSize > MaxChunkSize {
		return fmt.Errorf("invalid chunk size %d", opts.ChunkSize)
	}
	if opts.CipherID == 0 {
		opts.CipherID = CipherChaCha20
	}
	if len(recipients) == 0 {
		return fmt.Errorf("at least one recipient is required")
	}

	fileKey, err := RandBytes(32)
	if err != nil {
		return err
	}
	defer Zero(fileKey)

	noncePrefix, err := RandBytes(NoncePrefixSize(opts.CipherID))
	if err != nil {
		return err
	}

	h := &Header{
		Version:     FormatVersion,
		CipherID:    opts.CipherID,
		Manifest:    manifest,
		NoncePrefix: noncePrefix,
		ChunkSize:   uint32(opts.ChunkSize),
	}
	for _, rcpt := range recipients {
		block, err := WrapKeyForRecipient(fileKey, rcpt)
		if err != nil {
			return fmt.Errorf("wrap key for recipient %02x/%s: %w", rcpt.SlotKey, CurveName(rcpt.CurveID), err)
		}
		h.Recipients = append(h.Recipients, block)
	}

	fullHeader, err := h.Marshal()
	if err != nil {
		return err
	}

	bw := bufio.NewWriter(w)
	if _, err := bw.Write(fullHeader); err != nil {
		return err
	}

	aead, err := NewPayloadAEAD(fileKey, opts.CipherID)
	if err != nil {
		return err
	}

	buf := make([]byte, opts.ChunkSize)
	var chunkIdx uint64
	var written int64
	for {
		n, rerr := io.ReadFull(r, buf)
		if rerr == io.EOF {
			break
		}
		if rerr != nil && rerr != io.ErrUnexpectedEOF {
			return rerr
		}

		nonce := MakeChunkNonce(noncePrefix, chunkIdx, opts.CipherID)
		ct := aead.Seal(nil, nonce, buf[:n], fullHeader)
		if err := binary.Write(bw, binary.LittleEndian, uint32(len(ct))); err != nil {
			return err
		}
		if _, err := bw.Write(ct); err != nil {
			return err
		}
		chunkIdx++
		written += int64(n)
		if onChunk != nil {
			onChunk(written)
		}
		if rerr == io.ErrUnexpectedEOF {
			break
		}
	}

	// End marker: zero-length chunk.
	if err := binary.Write(bw, binary.LittleEndian, uint32(0)); err != nil {
		return err
	}
	return bw.Flush()
}

// DecryptPayload decrypts the chunk sequence following a parsed header
// into w. fullHeader must be the exact serialized header bytes returned
// by ParseHeader; fileKey is the unwrapped file key, which the caller
// owns and zeroizes. Any chunk that fails authentication aborts the
// whole stream.
func DecryptPayload(br *bufio.Reader, w io.Writer, h *Header, fullHeader, fileKey []byte, onChunk func(int64)) error {
	if h.ChunkSize == 0 || h.ChunkSize > MaxChunkSize {
		return fmt.Errorf("invalid chunk size %d in header", h.ChunkSize)
	}
	if len(h.NoncePrefix) != NoncePrefixSize(h.CipherID) {
		return fmt.Errorf("nonce prefix is %d bytes, cipher %d requires %d",
			len(h.NoncePrefix), h.CipherID, NoncePrefixSize(h.CipherID))
	}
	aead, err := NewPayloadAEAD(fileKey, h.CipherID)
	if err != nil {
		return err
	}

	bw := bufio.NewWriter(w)
	var chunkIdx uint64
	var written int64
	for {
		var ctLen uint32
		if err := binary.Read(br, binary.LittleEndian, &ctLen); err != nil {
			return fmt.Errorf("reading chunk length: %w", err)
		}
		if ctLen == 0 {
			break
		}
		if ctLen > uint32(h.ChunkSize)+uint32(aead.Overhead()) {
			return fmt.Errorf("chunk %d larger than declared chunk size", chunkIdx)
		}
		ct := make([]byte, ctLen)
		if _, err := io.ReadFull(br, ct); err != nil {
			return fmt.Errorf("reading chunk bytes: %w", err)
		}

		nonce := MakeChunkNonce(h.NoncePrefix, chunkIdx, h.CipherID)
		pt, err := aead.Open(nil, nonce, ct, fullHeader)
		if err != nil {
			return fmt.Errorf("chunk %d failed authentication: %w", chunkIdx, err)
		}
		if _, err := bw.Write(pt); err != nil {
			return err
		}
		chunkIdx++
		written += int64(len(pt))
		if onChunk != nil {
			onChunk(written)
		}
	}
	return bw.Flush()
}
