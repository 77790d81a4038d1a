/*
Copyright © 2025 Barqly

encrypt.go implements the encryption operation: collect, manifest,
bundle, encrypt to all recipients, commit atomically.
*/
package engine

import (
	"context"
	"io"

	"github.com/Barqly/barqly-vault-sub014/internal/archive"
	berrors "github.com/Barqly/barqly-vault-sub014/internal/errors"
	"github.com/Barqly/barqly-vault-sub014/internal/keyring"
	"github.com/Barqly/barqly-vault-sub014/internal/vault"
)

// EncryptRequest describes one encryption operation.
type EncryptRequest struct {
	// OperationID keys progress events. Must be unique per operation.
	OperationID string
	// Paths are the files and directories to protect.
	Paths []string
	// Recipients are key IDs or labels. Every one must be Active.
	Recipients []string
	// OutputPath is the archive destination.
	OutputPath string
	// AllowOverwrite permits replacing an existing archive.
	AllowOverwrite bool
	// CipherID selects the payload cipher; zero means the default.
	CipherID uint8
	// ChunkSize overrides the plaintext chunk size; zero means default.
	ChunkSize int
}

// EncryptResult reports a finished encryption.
type EncryptResult struct {
	OutputPath string
	Manifest   *vault.Manifest
	Keys       []keyring.KeyReference
}

// Encrypt runs the full encryption operation. On any failure the
// destination is untouched: the archive is written through an atomic
// writer and only renamed into place after the last byte.
func (e *Engine) Encrypt(ctx context.Context, req EncryptRequest) (result *EncryptResult, err error) {
	if err := e.begin(); err != nil {
		return nil, err
	}
	defer e.end()

	e.broker.Start(req.OperationID, "collecting")
	defer func() { e.broker.Finish(req.OperationID, err) }()

	refs, rcpts, err := e.registry.EncryptableRecipients(req.Recipients)
	if err != nil {
		return nil, err
	}

	entries, err := e.archiver.Collect(req.Paths)
	if err != nil {
		return nil, err
	}
	var totalBytes int64
	for _, entry := range entries {
		totalBytes += entry.Size
	}

	e.broker.Publish(req.OperationID, 0.02, "hashing")
	recipientStrings := make([]string, len(rcpts))
	for i, r := range rcpts {
		recipientStrings[i] = r.String()
	}
	manifest, err := archive.BuildManifest(entries, recipientStrings)
	if err != nil {
		return nil, err
	}

	aw, err := vault.NewAtomicWriter(req.OutputPath, req.AllowOverwrite)
	if err != nil {
		return nil, err
	}
	defer aw.Abort()

	// Bundle in a goroutine feeding the encryptor through a pipe, so
	// the whole selection never sits in memory.
	pr, pw := io.Pipe()
	bundleDone := make(chan error, 1)
	go func() {
		bErr := e.archiver.Bundle(pw, entries)
		pw.CloseWithError(bErr)
		bundleDone <- bErr
	}()

	onChunk := func(written int64) {
		// written counts compressed bundle bytes; totalBytes counts raw
		// input. Treat the ratio as approximate and leave headroom.
		frac := 0.05
		if totalBytes > 0 {
			frac += 0.90 * float64(written) / float64(totalBytes)
		}
		if frac > 0.95 {
			frac = 0.95
		}
		e.broker.Publish(req.OperationID, frac, "encrypting")
	}

	encErr := vault.EncryptStream(aw, &ctxReader{ctx: ctx, r: pr}, rcpts, manifest, vault.EncryptOptions{
		CipherID:  req.CipherID,
		ChunkSize: req.ChunkSize,
	}, onChunk)
	pr.CloseWithError(encErr)
	if bErr := <-bundleDone; encErr == nil && bErr != nil {
		encErr = bErr
	}
	if encErr != nil {
		if ctx.Err() != nil {
			return nil, berrors.Cancelled()
		}
		return nil, encErr
	}

	e.broker.Publish(req.OperationID, 0.98, "finalizing")
	if err := aw.Commit(); err != nil {
		return nil, err
	}

	e.log.Infof("encrypted %d files (%d bytes) to %s for %d recipients", len(entries), totalBytes, req.OutputPath, len(rcpts))
	return &EncryptResult{OutputPath: req.OutputPath, Manifest: manifest, Keys: refs}, nil
}

// ctxReader aborts a stream copy when its context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, berrors.Cancelled()
	}
	return c.r.Read(p)
}
