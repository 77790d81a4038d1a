/*
Copyright © 2025 Barqly

decrypt.go implements the decryption operation: route the archive to a
registered identity, unwrap the file key, decrypt into a staging
directory, verify every checksum, then move into place.

The recipient-mismatch / authentication-failure distinction lives here.
An archive with no block for any registered key is a mismatch before
any secret is requested. A wrong passphrase or PIN is an authentication
failure. An unwrap or chunk failure with correct credentials means the
archive is damaged.
*/
package engine

import (
	"bufio"
	"context"
	"crypto/ecdh"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/Barqly/barqly-vault-sub014/internal/device"
	berrors "github.com/Barqly/barqly-vault-sub014/internal/errors"
	"github.com/Barqly/barqly-vault-sub014/internal/keyring"
	"github.com/Barqly/barqly-vault-sub014/internal/vault"
)

// DecryptRequest describes one decryption operation.
type DecryptRequest struct {
	OperationID string
	ArchivePath string
	// OutputDir receives the restored files. Created if missing.
	OutputDir string
	// AllowOverwrite permits replacing files already in OutputDir.
	AllowOverwrite bool
	// Key optionally pins the identity by ID or label. When empty the
	// engine picks the first registered key the archive was made for.
	Key string
	// Passphrase is invoked for software keys, at most once.
	Passphrase func() (string, error)
	// PINPrompt is invoked for hardware keys when the device asks.
	PINPrompt func() (string, error)
}

// DecryptResult reports a finished decryption.
type DecryptResult struct {
	OutputDir string
	Manifest  *vault.Manifest
	UsedKey   keyring.KeyReference
}

// Decrypt runs the full decryption operation. Extraction happens in a
// staging directory and the output directory only gains files after
// every checksum verified.
func (e *Engine) Decrypt(ctx context.Context, req DecryptRequest) (result *DecryptResult, err error) {
	if err := e.begin(); err != nil {
		return nil, err
	}
	defer e.end()

	e.broker.Start(req.OperationID, "reading header")
	defer func() { e.broker.Finish(req.OperationID, err) }()

	f, err := os.Open(req.ArchivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	br := bufio.NewReader(f)

	h, fullHeader, err := vault.ParseHeader(br)
	if err != nil {
		return nil, berrors.CorruptArchive(err)
	}

	ref, block, err := e.routeArchive(h, req.Key, req.ArchivePath)
	if err != nil {
		return nil, err
	}
	if !ref.Status.CanDecrypt() {
		return nil, berrors.KeyNotUsable(ref.Label, string(ref.Status))
	}

	e.broker.Publish(req.OperationID, 0.05, "unlocking key")
	fileKey, err := e.unwrapFileKey(ctx, ref, block, req)
	if err != nil {
		return nil, err
	}
	defer vault.Zero(fileKey)

	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return nil, err
	}
	staging, err := os.MkdirTemp(req.OutputDir, ".bvault-restore-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(staging)

	var totalBytes int64
	for _, entry := range h.Manifest.Entries {
		totalBytes += entry.Size
	}
	onChunk := func(written int64) {
		frac := 0.10
		if totalBytes > 0 {
			frac += 0.75 * float64(written) / float64(totalBytes)
		}
		if frac > 0.85 {
			frac = 0.85
		}
		e.broker.Publish(req.OperationID, frac, "decrypting")
	}

	pr, pw := io.Pipe()
	decryptDone := make(chan error, 1)
	go func() {
		dErr := vault.DecryptPayload(br, pw, h, fullHeader, fileKey, onChunk)
		pw.CloseWithError(dErr)
		decryptDone <- dErr
	}()

	unbundleErr := e.archiver.Unbundle(&ctxReader{ctx: ctx, r: pr}, staging)
	pr.CloseWithError(unbundleErr)
	decErr := <-decryptDone
	if decErr != nil || unbundleErr != nil {
		if ctx.Err() != nil {
			return nil, berrors.Cancelled()
		}
		if decErr != nil {
			return nil, berrors.CorruptArchive(decErr)
		}
		return nil, unbundleErr
	}

	e.broker.Publish(req.OperationID, 0.90, "verifying")
	if err := h.Manifest.VerifyDir(staging); err != nil {
		return nil, err
	}

	e.broker.Publish(req.OperationID, 0.95, "moving into place")
	if err := moveStaged(staging, req.OutputDir, req.AllowOverwrite); err != nil {
		return nil, err
	}

	if err := e.registry.Touch(ref.ID); err != nil {
		e.log.Warnf("recording key usage: %v", err)
	}
	e.log.Infof("restored %d files to %s with key %q", len(h.Manifest.Entries), req.OutputDir, ref.Label)
	return &DecryptResult{OutputDir: req.OutputDir, Manifest: h.Manifest, UsedKey: *ref}, nil
}

// routeArchive finds the registered key this archive was encrypted for.
// Absence of any matching recipient block is a mismatch, reported
// before any passphrase or PIN is requested.
func (e *Engine) routeArchive(h *vault.Header, pinned, archivePath string) (*keyring.KeyReference, *vault.RecipientBlock, error) {
	if pinned != "" {
		ref, err := e.registry.Get(pinned)
		if err != nil {
			return nil, nil, err
		}
		rcpt, err := ref.Recipient()
		if err != nil {
			return nil, nil, err
		}
		block, err := h.FindBlock(rcpt.Tag())
		if err != nil {
			if errors.Is(err, vault.ErrRecipientNotInHeader) {
				return nil, nil, berrors.RecipientMismatch(ref.Label)
			}
			return nil, nil, err
		}
		return ref, block, nil
	}

	// Auto mode: prefer a usable key; a retired key that happens to
	// match must not mask a second usable recipient in the same header.
	var gated *keyring.KeyReference
	var gatedBlock *vault.RecipientBlock
	for _, block := range h.Recipients {
		ref, err := e.registry.FindByTag(block.Tag)
		if err != nil {
			continue
		}
		if !ref.Status.CanDecrypt() {
			if gated == nil {
				gated, gatedBlock = ref, block
			}
			continue
		}
		return ref, block, nil
	}
	if gated != nil {
		return gated, gatedBlock, nil
	}
	return nil, nil, berrors.RecipientMismatch(filepath.Base(archivePath))
}

// unwrapFileKey recovers the file key with the chosen identity. The
// software private key is unlocked, used once, and destroyed before
// returning; the hardware private key never leaves the device at all.
func (e *Engine) unwrapFileKey(ctx context.Context, ref *keyring.KeyReference, block *vault.RecipientBlock, req DecryptRequest) ([]byte, error) {
	switch ref.Kind {
	case keyring.KindSoftware:
		return e.unwrapWithSoftwareKey(ref, block, req.Passphrase)
	case keyring.KindHardware:
		fileKey, err := e.unwrapWithDevice(ctx, ref, block, req.PINPrompt)
		if berrors.CodeOf(err) == berrors.CodeDeviceDisconnected {
			// One reconnect attempt: cables get bumped mid-operation.
			e.log.Warnf("device disconnected, retrying once")
			return e.unwrapWithDevice(ctx, ref, block, req.PINPrompt)
		}
		return fileKey, err
	default:
		return nil, berrors.KeyNotUsable(ref.Label, "unknown key kind")
	}
}

func (e *Engine) unwrapWithSoftwareKey(ref *keyring.KeyReference, block *vault.RecipientBlock, passphrase func() (string, error)) ([]byte, error) {
	if ref.KeyFilePath == "" {
		return nil, berrors.KeyFileMissing(ref.Label, "(no key file recorded)")
	}
	kf, err := vault.LoadKeyFile(ref.KeyFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, berrors.KeyFileMissing(ref.Label, ref.KeyFilePath)
		}
		return nil, err
	}
	if passphrase == nil {
		return nil, errors.New("passphrase prompt not provided")
	}
	pass, err := passphrase()
	if err != nil {
		return nil, err
	}
	id, err := kf.Unlock(pass)
	if err != nil {
		return nil, err
	}
	defer id.Destroy()

	fileKey, err := vault.UnwrapKeyFromBlock(block, id.ECDH)
	if err != nil {
		// Credentials were right (Unlock succeeded); the block is bad.
		return nil, berrors.CorruptArchive(err)
	}
	return fileKey, nil
}

func (e *Engine) unwrapWithDevice(ctx context.Context, ref *keyring.KeyReference, block *vault.RecipientBlock, pinPrompt func() (string, error)) ([]byte, error) {
	if ref.Device == nil {
		return nil, berrors.KeyNotUsable(ref.Label, "missing device metadata")
	}
	var fileKey []byte
	err := e.devices.WithDevice(ctx, ref.Device.Family, ref.Device.Serial, func(h device.Handle) error {
		key, err := vault.UnwrapKeyFromBlock(block, func(peer *ecdh.PublicKey) ([]byte, error) {
			return h.SharedSecret(ctx, block.SlotKey, block.CurveID, peer.Bytes(), pinPrompt)
		})
		if err != nil {
			if isClassified(err) {
				return err
			}
			return berrors.CorruptArchive(err)
		}
		fileKey = key
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fileKey, nil
}

// isClassified reports whether an error already belongs to the
// taxonomy, so device-layer classifications survive the unwrap path.
func isClassified(err error) bool {
	var ve *berrors.VaultError
	return errors.As(err, &ve)
}

// moveStaged renames everything under staging into dest. Collisions are
// detected before the first rename so a conflict leaves dest untouched.
func moveStaged(staging, dest string, allowOverwrite bool) error {
	names, err := os.ReadDir(staging)
	if err != nil {
		return err
	}
	if !allowOverwrite {
		for _, d := range names {
			target := filepath.Join(dest, d.Name())
			if _, err := os.Stat(target); err == nil {
				return berrors.OutputAlreadyExists(target)
			}
		}
	}
	for _, d := range names {
		target := filepath.Join(dest, d.Name())
		if allowOverwrite {
			if err := os.RemoveAll(target); err != nil {
				return err
			}
		}
		if err := os.Rename(filepath.Join(staging, d.Name()), target); err != nil {
			return err
		}
	}
	return nil
}
