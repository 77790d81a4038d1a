/*
Copyright © 2025 Barqly

keyring.go implements the persistent key registry.

This module provides:
  - KeyReference: one registered identity (software or hardware)
  - Registry: load/save, label rules, lifecycle transitions, lookups
  - Availability reconciliation against currently connected devices

The registry file holds public material and metadata only. Private keys
live in encrypted key files (software) or on the device (hardware);
destroying a reference never touches a device's private key.

All mutation goes through one mutex and every mutation persists
atomically before returning, so a crash can lose at most the update in
flight, never the file's integrity.
*/
package keyring

import (
	"bytes"
	"encoding/json"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	berrors "github.com/Barqly/barqly-vault-sub014/internal/errors"
	"github.com/Barqly/barqly-vault-sub014/internal/vault"
)

// Kind discriminates how the private half of a key is held.
type Kind string

const (
	// KindSoftware: X25519 key in a passphrase-encrypted key file.
	KindSoftware Kind = "software_passphrase"
	// KindHardware: NIST EC key inside a hardware device slot.
	KindHardware Kind = "hardware_device"
)

// registryVersion is bumped on incompatible registry schema changes.
const registryVersion = 1

// Label length bounds.
const (
	labelMinLen = 3
	labelMaxLen = 200
)

// DeviceMetadata is recorded for hardware keys only.
type DeviceMetadata struct {
	Family     string   `json:"family"`
	Serial     string   `json:"serial"`
	FormFactor string   `json:"form_factor,omitempty"`
	Interfaces []string `json:"interfaces,omitempty"`
	SlotKey    uint32   `json:"slot_key"`
}

// KeyReference is one registered identity.
type KeyReference struct {
	ID              string          `json:"id"`
	Label           string          `json:"label"`
	Kind            Kind            `json:"kind"`
	PublicRecipient string          `json:"public_recipient"`
	Status          Status          `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	LastUsedAt      *time.Time      `json:"last_used_at,omitempty"`
	// KeyFilePath is set for software keys: the encrypted key file.
	KeyFilePath string          `json:"key_file_path,omitempty"`
	Device      *DeviceMetadata `json:"device,omitempty"`
}

// Recipient parses the stored public recipient.
func (k *KeyReference) Recipient() (vault.Recipient, error) {
	return vault.ParseRecipient(k.PublicRecipient)
}

// registryFile is the on-disk shape.
type registryFile struct {
	Version int            `json:"version"`
	Keys    []KeyReference `json:"keys"`
}

// Availability is the transient presence overlay computed against
// connected hardware. It is never persisted: lifecycle state says what
// a key is allowed to do, availability says whether it can do it right
// now.
type Availability string

const (
	// AvailabilityReady: usable immediately (software key, or hardware
	// key whose device is connected).
	AvailabilityReady Availability = "ready"
	// AvailabilityUnplugged: hardware key whose device is not connected.
	AvailabilityUnplugged Availability = "unplugged"
)

// Registry is the in-memory registry bound to its file.
type Registry struct {
	mu   sync.Mutex
	path string
	keys []KeyReference
}

// Open loads the registry from path, returning an empty registry when
// the file does not exist yet. A present-but-unparseable file is an
// error: guessing at key metadata is worse than stopping.
func Open(path string) (*Registry, error) {
	r := &Registry{path: path}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, berrors.BadRegistryFile(path, err)
	}
	var f registryFile
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return nil, berrors.BadRegistryFile(path, err)
	}
	for i := range f.Keys {
		if !f.Keys[i].Status.Valid() {
			return nil, berrors.BadRegistryFile(path, nil)
		}
	}
	r.keys = f.Keys
	return r, nil
}

// save persists the registry atomically. Callers hold r.mu.
func (r *Registry) save() error {
	data, err := json.MarshalIndent(registryFile{Version: registryVersion, Keys: r.keys}, "", "  ")
	if err != nil {
		return err
	}
	return vault.WriteFileAtomic(r.path, append(data, '\n'), true)
}

// ValidateLabel enforces the label rules shared by all key kinds.
func ValidateLabel(label string) error {
	n := len([]rune(label))
	if n < labelMinLen || n > labelMaxLen {
		return berrors.InvalidLabel(label, "length must be between 3 and 200 characters")
	}
	if strings.TrimSpace(label) != label {
		return berrors.InvalidLabel(label, "must not start or end with whitespace")
	}
	for _, c := range label {
		if unicode.IsControl(c) {
			return berrors.InvalidLabel(label, "control characters are not allowed")
		}
		if strings.ContainsRune(`/\:`, c) {
			return berrors.InvalidLabel(label, "path separator characters are not allowed")
		}
	}
	return nil
}

// Add registers a new key reference. The ID, creation time, and initial
// status are assigned here; labels and recipients must be unique.
func (r *Registry) Add(label string, kind Kind, recipient vault.Recipient, keyFilePath string, dev *DeviceMetadata) (*KeyReference, error) {
	if err := ValidateLabel(label); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.keys {
		if strings.EqualFold(r.keys[i].Label, label) && r.keys[i].Status != StatusDestroyed {
			return nil, berrors.DuplicateLabel(label)
		}
		if r.keys[i].PublicRecipient == recipient.String() && r.keys[i].Status != StatusDestroyed {
			return nil, berrors.DuplicateLabel(label)
		}
	}
	ref := KeyReference{
		ID:              uuid.NewString(),
		Label:           label,
		Kind:            kind,
		PublicRecipient: recipient.String(),
		Status:          StatusPreActive,
		CreatedAt:       time.Now().UTC(),
		KeyFilePath:     keyFilePath,
		Device:          dev,
	}
	r.keys = append(r.keys, ref)
	if err := r.save(); err != nil {
		r.keys = r.keys[:len(r.keys)-1]
		return nil, err
	}
	return &ref, nil
}

// Get returns the key matching an ID or label. Destroyed keys still
// resolve so their history stays inspectable.
func (r *Registry) Get(idOrLabel string) (*KeyReference, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref := r.find(idOrLabel)
	if ref == nil {
		return nil, berrors.UnknownRecipient(idOrLabel)
	}
	out := *ref
	return &out, nil
}

// find locates a key by ID or (case-insensitive) label. Callers hold r.mu.
func (r *Registry) find(idOrLabel string) *KeyReference {
	for i := range r.keys {
		if r.keys[i].ID == idOrLabel || strings.EqualFold(r.keys[i].Label, idOrLabel) {
			return &r.keys[i]
		}
	}
	return nil
}

// List returns all key references sorted by creation time.
func (r *Registry) List() []KeyReference {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]KeyReference, len(r.keys))
	copy(out, r.keys)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Rename changes a key's label, subject to the same rules as Add.
func (r *Registry) Rename(idOrLabel, newLabel string) error {
	if err := ValidateLabel(newLabel); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ref := r.find(idOrLabel)
	if ref == nil {
		return berrors.UnknownRecipient(idOrLabel)
	}
	for i := range r.keys {
		if &r.keys[i] != ref && strings.EqualFold(r.keys[i].Label, newLabel) && r.keys[i].Status != StatusDestroyed {
			return berrors.DuplicateLabel(newLabel)
		}
	}
	old := ref.Label
	ref.Label = newLabel
	if err := r.save(); err != nil {
		ref.Label = old
		return err
	}
	return nil
}

// SetKeyFilePath records where a software key's encrypted key file
// landed. Used once at creation, after the file is written.
func (r *Registry) SetKeyFilePath(id, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref := r.find(id)
	if ref == nil {
		return berrors.UnknownRecipient(id)
	}
	old := ref.KeyFilePath
	ref.KeyFilePath = path
	if err := r.save(); err != nil {
		ref.KeyFilePath = old
		return err
	}
	return nil
}

// Transition moves a key to a new lifecycle state. Invalid moves fail
// with a typed error before anything is persisted.
func (r *Registry) Transition(idOrLabel string, next Status) (*KeyReference, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref := r.find(idOrLabel)
	if ref == nil {
		return nil, berrors.UnknownRecipient(idOrLabel)
	}
	if err := ref.Status.CheckTransition(next); err != nil {
		return nil, err
	}
	old := ref.Status
	ref.Status = next
	if err := r.save(); err != nil {
		ref.Status = old
		return nil, err
	}
	out := *ref
	return &out, nil
}

// Touch records that a key was just used for decryption.
func (r *Registry) Touch(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref := r.find(id)
	if ref == nil {
		return berrors.UnknownRecipient(id)
	}
	now := time.Now().UTC()
	ref.LastUsedAt = &now
	return r.save()
}

// EncryptableRecipients resolves the given IDs/labels to recipients,
// enforcing that every one of them is Active. Unknown names and keys in
// any other state fail the whole call: silently encrypting to fewer
// recipients than asked would be a data-loss trap.
func (r *Registry) EncryptableRecipients(idsOrLabels []string) ([]KeyReference, []vault.Recipient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	refs := make([]KeyReference, 0, len(idsOrLabels))
	rcpts := make([]vault.Recipient, 0, len(idsOrLabels))
	for _, name := range idsOrLabels {
		ref := r.find(name)
		if ref == nil {
			return nil, nil, berrors.UnknownRecipient(name)
		}
		if !ref.Status.CanEncrypt() {
			return nil, nil, berrors.KeyNotUsable(ref.Label, string(ref.Status))
		}
		rcpt, err := ref.Recipient()
		if err != nil {
			return nil, nil, berrors.BadRegistryFile(r.path, err)
		}
		refs = append(refs, *ref)
		rcpts = append(rcpts, rcpt)
	}
	return refs, rcpts, nil
}

// Destroy transitions the key to Destroyed and erases its private
// material. For software keys the encrypted key file is removed; for
// hardware keys only the reference dies, the device slot is untouched.
func (r *Registry) Destroy(idOrLabel string) (*KeyReference, error) {
	ref, err := r.Transition(idOrLabel, StatusDestroyed)
	if err != nil {
		return nil, err
	}
	if ref.Kind == KindSoftware && ref.KeyFilePath != "" {
		if err := os.Remove(ref.KeyFilePath); err != nil && !os.IsNotExist(err) {
			return ref, err
		}
	}
	return ref, nil
}

// FindByTag returns the key whose public recipient matches a header
// block tag. Used to route decryption to the right identity.
func (r *Registry) FindByTag(tag []byte) (*KeyReference, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.keys {
		rcpt, err := r.keys[i].Recipient()
		if err != nil {
			continue
		}
		if bytes.Equal(rcpt.Tag(), tag) {
			out := r.keys[i]
			return &out, nil
		}
	}
	return nil, berrors.UnknownRecipient("(recipient tag)")
}

// Reconcile computes the availability overlay for every key given the
// serials of currently connected devices. Nothing is persisted:
// presence is observed, not stored.
func (r *Registry) Reconcile(presentSerials map[string]bool) map[string]Availability {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Availability, len(r.keys))
	for i := range r.keys {
		k := &r.keys[i]
		switch {
		case k.Kind == KindHardware && k.Device != nil && !presentSerials[k.Device.Serial]:
			out[k.ID] = AvailabilityUnplugged
		default:
			out[k.ID] = AvailabilityReady
		}
	}
	return out
}
