/*
Copyright © 2025 Barqly

device.go defines the hardware abstraction used by the vault core.

This module provides:
  - Family: one kind of hardware token (discovery + open)
  - Handle: an open session with one device
  - Registry: family lookup plus per-serial busy tracking

The engine talks to devices exclusively through these interfaces. A
private key never crosses them: decryption hands the device an ephemeral
public key and gets the ECDH shared secret back, nothing more.
*/
package device

import (
	"context"
	"sync"

	berrors "github.com/Barqly/barqly-vault-sub014/internal/errors"
	"github.com/Barqly/barqly-vault-sub014/internal/vault"
)

// Info describes one discovered device.
type Info struct {
	Family     string   // family name, e.g. "piv"
	Serial     string   // stable device serial, unique within the family
	Model      string   // human-readable model string
	FormFactor string   // e.g. "usb-a-keychain"
	Interfaces []string // e.g. ["usb", "nfc"]
	Version    string   // firmware version, best effort
}

// Identity is one encryption-capable public identity on a device.
type Identity struct {
	SlotKey   uint32
	Recipient vault.Recipient
	Label     string // slot description, e.g. "Key Management (9d)"
}

// Family is one kind of hardware token the vault can drive.
type Family interface {
	// Name returns the stable family identifier stored in the registry.
	Name() string
	// Discover enumerates currently connected devices. It must not block
	// on user interaction.
	Discover(ctx context.Context) ([]Info, error)
	// Open establishes a session with a connected device by serial.
	// Returns a device error (not-present, busy, ...) when it cannot.
	Open(ctx context.Context, serial string) (Handle, error)
}

// Handle is an open session with one device. Callers must Close it.
type Handle interface {
	Info() Info
	// Identities lists the encryption-capable public identities on the
	// device without requiring authentication.
	Identities(ctx context.Context) ([]Identity, error)
	// SharedSecret performs ECDH on-device between the slot's private key
	// and the caller's ephemeral public key. pinPrompt is invoked at most
	// once per call, only when the device demands authentication.
	SharedSecret(ctx context.Context, slotKey uint32, curveID uint8, ephPub []byte, pinPrompt func() (string, error)) ([]byte, error)
	Close() error
}

// Provisioner is implemented by families that can create new identities.
type Provisioner interface {
	// Provision generates a fresh keypair in the given slot and returns
	// its public identity. Destructive for whatever the slot held.
	Provision(ctx context.Context, serial string, slotKey uint32, spec ProvisionSpec) (Identity, error)
}

// ProvisionSpec carries the knobs for new-identity generation.
type ProvisionSpec struct {
	CurveID       uint8
	PIN           string
	ManagementKey []byte
	TouchRequired bool
	Label         string
}

// Registry holds the known families and tracks which devices are in
// use. One operation per device at a time: a second caller gets a
// DeviceBusy error immediately instead of queueing behind a PIN prompt.
type Registry struct {
	mu       sync.Mutex
	families map[string]Family
	busy     map[string]bool // family + "/" + serial
}

// NewRegistry creates a Registry over the given families.
func NewRegistry(families ...Family) *Registry {
	r := &Registry{
		families: make(map[string]Family, len(families)),
		busy:     make(map[string]bool),
	}
	for _, f := range families {
		r.families[f.Name()] = f
	}
	return r
}

// Family looks up a family by name.
func (r *Registry) Family(name string) (Family, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.families[name]
	return f, ok
}

// DiscoverAll enumerates every family's connected devices. A family
// whose discovery fails contributes nothing; hardware discovery is
// inherently best effort and one unreadable reader must not hide the
// rest.
func (r *Registry) DiscoverAll(ctx context.Context) []Info {
	r.mu.Lock()
	fams := make([]Family, 0, len(r.families))
	for _, f := range r.families {
		fams = append(fams, f)
	}
	r.mu.Unlock()

	var all []Info
	for _, f := range fams {
		infos, err := f.Discover(ctx)
		if err != nil {
			continue
		}
		all = append(all, infos...)
	}
	return all
}

// WithDevice opens the device, marks it busy for the duration of fn,
// and closes it afterwards. Concurrent use of the same serial fails
// fast with DeviceBusy.
func (r *Registry) WithDevice(ctx context.Context, family, serial string, fn func(Handle) error) error {
	f, ok := r.Family(family)
	if !ok {
		return berrors.DeviceNotPresent(serial)
	}

	key := family + "/" + serial
	r.mu.Lock()
	if r.busy[key] {
		r.mu.Unlock()
		return berrors.DeviceBusy(serial)
	}
	r.busy[key] = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.busy, key)
		r.mu.Unlock()
	}()

	h, err := f.Open(ctx, serial)
	if err != nil {
		return err
	}
	defer h.Close()
	return fn(h)
}
