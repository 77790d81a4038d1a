/*
Copyright © 2025 Barqly

engine.go implements the orchestration engine: the single entry point
the UI layer calls for key management, encryption, and decryption.

This module provides:
  - Constructor-injected wiring of registry, devices, archiver, broker
  - The single-operation gate (one mutating operation at a time)
  - Key creation and registration for both key kinds

The engine owns policy (lifecycle gating, recipient resolution, error
classification); the collaborators own mechanism.
*/
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Barqly/barqly-vault-sub014/internal/archive"
	"github.com/Barqly/barqly-vault-sub014/internal/config"
	"github.com/Barqly/barqly-vault-sub014/internal/device"
	berrors "github.com/Barqly/barqly-vault-sub014/internal/errors"
	"github.com/Barqly/barqly-vault-sub014/internal/keyring"
	"github.com/Barqly/barqly-vault-sub014/internal/logging"
	"github.com/Barqly/barqly-vault-sub014/internal/progress"
	"github.com/Barqly/barqly-vault-sub014/internal/vault"
)

// Engine orchestrates vault operations over injected collaborators.
type Engine struct {
	cfg      *config.Config
	registry *keyring.Registry
	devices  *device.Registry
	archiver archive.Archiver
	broker   *progress.Broker
	log      logging.Logger

	mu       sync.Mutex
	inFlight bool
}

// New wires an Engine. Every collaborator is required.
func New(cfg *config.Config, reg *keyring.Registry, devices *device.Registry, archiver archive.Archiver, broker *progress.Broker, log logging.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		registry: reg,
		devices:  devices,
		archiver: archiver,
		broker:   broker,
		log:      log,
	}
}

// Broker exposes the progress broker so callers can subscribe before
// starting an operation.
func (e *Engine) Broker() *progress.Broker { return e.broker }

// Registry exposes the key registry for read-side operations (listing,
// lifecycle transitions driven by the user).
func (e *Engine) Registry() *keyring.Registry { return e.registry }

// begin claims the single-operation slot. Mutating operations hold it
// for their whole duration; a second caller fails fast instead of
// queueing behind a PIN prompt.
func (e *Engine) begin() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight {
		return berrors.OperationInFlight()
	}
	e.inFlight = true
	return nil
}

func (e *Engine) end() {
	e.mu.Lock()
	e.inFlight = false
	e.mu.Unlock()
}

// CreateSoftwareKey generates a passphrase-protected software identity,
// writes its encrypted key file, registers it, and activates it.
func (e *Engine) CreateSoftwareKey(label, passphrase string) (*keyring.KeyReference, error) {
	if err := e.begin(); err != nil {
		return nil, err
	}
	defer e.end()

	if err := keyring.ValidateLabel(label); err != nil {
		return nil, err
	}
	kf, rcpt, err := vault.GenerateSoftwareKey(label, passphrase)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(e.cfg.KeysDir(), 0o700); err != nil {
		return nil, err
	}

	ref, err := e.registry.Add(label, keyring.KindSoftware, rcpt, "", nil)
	if err != nil {
		return nil, err
	}
	keyPath := filepath.Join(e.cfg.KeysDir(), ref.ID+".json")
	if err := kf.Save(keyPath); err != nil {
		_, _ = e.registry.Destroy(ref.ID)
		return nil, err
	}
	if err := e.registry.SetKeyFilePath(ref.ID, keyPath); err != nil {
		return nil, err
	}
	// A key that finished creation is immediately usable; pre-active is
	// only ever observable when creation dies halfway.
	out, err := e.registry.Transition(ref.ID, keyring.StatusActive)
	if err != nil {
		return nil, err
	}
	e.log.Infof("created software key %q (%s)", label, out.ID)
	return out, nil
}

// RegisterHardwareKey reads a public identity off a connected device
// and registers it under the given label.
func (e *Engine) RegisterHardwareKey(ctx context.Context, label, family, serial string, slotKey uint32) (*keyring.KeyReference, error) {
	if err := e.begin(); err != nil {
		return nil, err
	}
	defer e.end()

	if err := keyring.ValidateLabel(label); err != nil {
		return nil, err
	}
	var picked *device.Identity
	var info device.Info
	err := e.devices.WithDevice(ctx, family, serial, func(h device.Handle) error {
		info = h.Info()
		ids, err := h.Identities(ctx)
		if err != nil {
			return err
		}
		for i := range ids {
			if ids[i].SlotKey == slotKey {
				picked = &ids[i]
				return nil
			}
		}
		return fmt.Errorf("device %s has no encryption identity in slot 0x%x", serial, slotKey)
	})
	if err != nil {
		return nil, err
	}

	ref, err := e.registry.Add(label, keyring.KindHardware, picked.Recipient, "", &keyring.DeviceMetadata{
		Family:     family,
		Serial:     serial,
		FormFactor: info.FormFactor,
		Interfaces: info.Interfaces,
		SlotKey:    slotKey,
	})
	if err != nil {
		return nil, err
	}
	out, err := e.registry.Transition(ref.ID, keyring.StatusActive)
	if err != nil {
		return nil, err
	}
	e.log.Infof("registered hardware key %q on %s serial %s", label, family, serial)
	return out, nil
}

// ProvisionHardwareKey generates a fresh keypair in a device slot and
// registers it. Destructive for whatever the slot held.
func (e *Engine) ProvisionHardwareKey(ctx context.Context, label, family, serial string, slotKey uint32, spec device.ProvisionSpec) (*keyring.KeyReference, error) {
	fam, ok := e.devices.Family(family)
	if !ok {
		return nil, berrors.DeviceNotPresent(serial)
	}
	prov, ok := fam.(device.Provisioner)
	if !ok {
		return nil, fmt.Errorf("device family %q does not support provisioning", family)
	}
	if err := keyring.ValidateLabel(label); err != nil {
		return nil, err
	}
	if err := e.begin(); err != nil {
		return nil, err
	}
	defer e.end()

	spec.Label = label
	id, err := prov.Provision(ctx, serial, slotKey, spec)
	if err != nil {
		return nil, err
	}
	ref, err := e.registry.Add(label, keyring.KindHardware, id.Recipient, "", &keyring.DeviceMetadata{
		Family:  family,
		Serial:  serial,
		SlotKey: slotKey,
	})
	if err != nil {
		return nil, err
	}
	return e.registry.Transition(ref.ID, keyring.StatusActive)
}

// KeyListing pairs a key reference with its transient availability.
type KeyListing struct {
	Key          keyring.KeyReference
	Availability keyring.Availability
}

// ListKeys returns every registered key with its availability computed
// against currently connected devices.
func (e *Engine) ListKeys(ctx context.Context) []KeyListing {
	present := make(map[string]bool)
	for _, info := range e.devices.DiscoverAll(ctx) {
		present[info.Serial] = true
	}
	avail := e.registry.Reconcile(present)
	keys := e.registry.List()
	out := make([]KeyListing, 0, len(keys))
	for _, k := range keys {
		out = append(out, KeyListing{Key: k, Availability: avail[k.ID]})
	}
	return out
}
