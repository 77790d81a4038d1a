/*
Copyright © 2025 Barqly

piv.go implements the PIV smart-card family (YubiKey and compatibles).

This module provides:
  - Reader discovery and serial-based session opening
  - Public identity readout from slot certificates
  - On-device ECDH with lazy PIN prompting
  - Slot provisioning (keygen + container certificate)
  - Smart-card status word classification into the error taxonomy

The private key never leaves the card: decryption sends the ephemeral
public key down and receives only the ECDH shared secret.
*/
package device

import (
	"context"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/go-piv/piv-go/v2/piv"

	berrors "github.com/Barqly/barqly-vault-sub014/internal/errors"
	"github.com/Barqly/barqly-vault-sub014/internal/logging"
	"github.com/Barqly/barqly-vault-sub014/internal/vault"
)

// FamilyPIV is the registry name for this family.
const FamilyPIV = "piv"

// encryptionSlots are the PIV slots inspected for encryption identities,
// in display order. Key Management first: it is the slot meant for this.
var encryptionSlots = []piv.Slot{
	piv.SlotKeyManagement,
	piv.SlotAuthentication,
	piv.SlotSignature,
	piv.SlotCardAuthentication,
}

// PIVFamily drives PIV smart cards through the system PC/SC stack.
type PIVFamily struct {
	log logging.Logger
}

// NewPIVFamily creates the PIV family.
func NewPIVFamily(log logging.Logger) *PIVFamily {
	return &PIVFamily{log: log}
}

func (f *PIVFamily) Name() string { return FamilyPIV }

// Discover enumerates connected PIV cards. Readers that cannot be
// opened are skipped: they may be held by another application.
func (f *PIVFamily) Discover(ctx context.Context) ([]Info, error) {
	cards, err := piv.Cards()
	if err != nil {
		return nil, classifyPIVErr("", err)
	}
	var infos []Info
	for _, card := range cards {
		if !strings.Contains(strings.ToLower(card), "yubikey") {
			continue
		}
		if ctx.Err() != nil {
			return infos, berrors.Cancelled()
		}
		yk, err := piv.Open(card)
		if err != nil {
			f.log.Debugf("piv: skipping reader %q: %v", card, err)
			continue
		}
		infos = append(infos, infoFromCard(card, yk))
		_ = yk.Close()
	}
	return infos, nil
}

// Open connects to the card with the given serial.
func (f *PIVFamily) Open(ctx context.Context, serial string) (Handle, error) {
	cards, err := piv.Cards()
	if err != nil {
		return nil, classifyPIVErr(serial, err)
	}
	for _, card := range cards {
		if !strings.Contains(strings.ToLower(card), "yubikey") {
			continue
		}
		if ctx.Err() != nil {
			return nil, berrors.Cancelled()
		}
		yk, err := piv.Open(card)
		if err != nil {
			continue
		}
		info := infoFromCard(card, yk)
		if info.Serial == serial {
			return &pivHandle{yk: yk, info: info, log: f.log}, nil
		}
		_ = yk.Close()
	}
	return nil, berrors.DeviceNotPresent(serial)
}

// Provision generates a fresh keypair in the slot and stores a
// container certificate so the public key can be read back later.
// PIN and touch are required for every private-key operation.
func (f *PIVFamily) Provision(ctx context.Context, serial string, slotKey uint32, spec ProvisionSpec) (Identity, error) {
	slot, err := slotFromKey(slotKey)
	if err != nil {
		return Identity{}, err
	}
	var alg piv.Algorithm
	switch spec.CurveID {
	case vault.CurveP256:
		alg = piv.AlgorithmEC256
	case vault.CurveP384:
		alg = piv.AlgorithmEC384
	default:
		return Identity{}, fmt.Errorf("curve id %d is not supported on PIV hardware", spec.CurveID)
	}

	h, err := f.Open(ctx, serial)
	if err != nil {
		return Identity{}, err
	}
	defer h.Close()
	yk := h.(*pivHandle).yk

	mgmtKey := spec.ManagementKey
	if len(mgmtKey) == 0 {
		mgmtKey = piv.DefaultManagementKey
	}
	touch := piv.TouchPolicyNever
	if spec.TouchRequired {
		touch = piv.TouchPolicyAlways
	}
	pub, err := yk.GenerateKey(mgmtKey, slot, piv.Key{
		Algorithm:   alg,
		PINPolicy:   piv.PINPolicyAlways,
		TouchPolicy: touch,
	})
	if err != nil {
		return Identity{}, classifyPIVErr(serial, err)
	}
	ecdsaPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return Identity{}, fmt.Errorf("generated key type %T, expected *ecdsa.PublicKey", pub)
	}

	cn := spec.Label
	if cn == "" {
		cn = "barqly-vault identity"
	}
	cert, err := makeContainerCert(ecdsaPub, cn)
	if err != nil {
		return Identity{}, err
	}
	if err := yk.SetCertificate(mgmtKey, slot, cert); err != nil {
		return Identity{}, classifyPIVErr(serial, err)
	}

	rcpt, err := recipientFromECDSA(slot, ecdsaPub)
	if err != nil {
		return Identity{}, err
	}
	return Identity{SlotKey: slot.Key, Recipient: rcpt, Label: slotLabel(slot)}, nil
}

// pivHandle is an open session with one card.
type pivHandle struct {
	yk   *piv.YubiKey
	info Info
	log  logging.Logger
}

func (h *pivHandle) Info() Info { return h.info }

func (h *pivHandle) Close() error { return h.yk.Close() }

// Identities reads the certificate of each known slot and extracts the
// public key. Empty and non-EC slots are skipped.
func (h *pivHandle) Identities(ctx context.Context) ([]Identity, error) {
	var ids []Identity
	for _, slot := range encryptionSlots {
		if ctx.Err() != nil {
			return nil, berrors.Cancelled()
		}
		cert, err := h.yk.Certificate(slot)
		if err != nil {
			continue
		}
		ecdsaPub, ok := cert.PublicKey.(*ecdsa.PublicKey)
		if !ok {
			continue
		}
		rcpt, err := recipientFromECDSA(slot, ecdsaPub)
		if err != nil {
			continue
		}
		ids = append(ids, Identity{SlotKey: slot.Key, Recipient: rcpt, Label: slotLabel(slot)})
	}
	return ids, nil
}

// SharedSecret performs ECDH in the card. The PIN prompt fires lazily,
// only when the card asks for verification.
func (h *pivHandle) SharedSecret(ctx context.Context, slotKey uint32, curveID uint8, ephPub []byte, pinPrompt func() (string, error)) ([]byte, error) {
	if ctx.Err() != nil {
		return nil, berrors.Cancelled()
	}
	slot, err := slotFromKey(slotKey)
	if err != nil {
		return nil, err
	}
	curve, err := vault.CurveFromID(curveID)
	if err != nil {
		return nil, err
	}
	peer, err := curve.NewPublicKey(ephPub)
	if err != nil {
		return nil, fmt.Errorf("parse ephemeral public key: %w", err)
	}

	cert, err := h.yk.Certificate(slot)
	if err != nil {
		return nil, classifyPIVErr(h.info.Serial, err)
	}
	priv, err := h.yk.PrivateKey(slot, cert.PublicKey, piv.KeyAuth{PINPrompt: pinPrompt})
	if err != nil {
		return nil, classifyPIVErr(h.info.Serial, err)
	}
	ecdher, ok := priv.(interface {
		ECDH(peer *ecdh.PublicKey) ([]byte, error)
	})
	if !ok {
		return nil, fmt.Errorf("slot private key does not support ECDH; got %T", priv)
	}
	secret, err := ecdher.ECDH(peer)
	if err != nil {
		return nil, classifyPIVErr(h.info.Serial, err)
	}
	return secret, nil
}

func infoFromCard(card string, yk *piv.YubiKey) Info {
	info := Info{
		Family:     FamilyPIV,
		Model:      card,
		FormFactor: "usb",
		Interfaces: []string{"usb"},
	}
	if serial, err := yk.Serial(); err == nil {
		info.Serial = fmt.Sprintf("%d", serial)
	}
	v := yk.Version()
	info.Version = fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if strings.Contains(strings.ToLower(card), "nfc") {
		info.Interfaces = append(info.Interfaces, "nfc")
	}
	return info
}

func recipientFromECDSA(slot piv.Slot, pub *ecdsa.PublicKey) (vault.Recipient, error) {
	var curveID uint8
	switch pub.Curve {
	case elliptic.P256():
		curveID = vault.CurveP256
	case elliptic.P384():
		curveID = vault.CurveP384
	default:
		return vault.Recipient{}, fmt.Errorf("unsupported curve %v", pub.Curve)
	}
	ecdhPub, err := pub.ECDH()
	if err != nil {
		return vault.Recipient{}, fmt.Errorf("convert public key: %w", err)
	}
	return vault.Recipient{
		SlotKey:     slot.Key,
		CurveID:     curveID,
		PubKeyBytes: ecdhPub.Bytes(),
	}, nil
}

func slotFromKey(k uint32) (piv.Slot, error) {
	switch k {
	case piv.SlotAuthentication.Key:
		return piv.SlotAuthentication, nil
	case piv.SlotSignature.Key:
		return piv.SlotSignature, nil
	case piv.SlotKeyManagement.Key:
		return piv.SlotKeyManagement, nil
	case piv.SlotCardAuthentication.Key:
		return piv.SlotCardAuthentication, nil
	default:
		return piv.Slot{}, fmt.Errorf("unsupported slot key 0x%x (only 9a/9c/9d/9e supported)", k)
	}
}

func slotLabel(slot piv.Slot) string {
	switch slot {
	case piv.SlotAuthentication:
		return "Authentication (9a)"
	case piv.SlotSignature:
		return "Digital Signature (9c)"
	case piv.SlotKeyManagement:
		return "Key Management (9d)"
	case piv.SlotCardAuthentication:
		return "Card Authentication (9e)"
	default:
		return fmt.Sprintf("Slot 0x%x", slot.Key)
	}
}

// classifyPIVErr maps smart-card failures to the error taxonomy.
// Wrong-PIN errors carry the remaining retry count; a zero count means
// the PIN is blocked.
func classifyPIVErr(serial string, err error) error {
	var authErr piv.AuthErr
	if errors.As(err, &authErr) {
		if authErr.Retries == 0 {
			return berrors.PINBlocked(err)
		}
		return berrors.WrongPIN(authErr.Retries, err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "6983") || strings.Contains(msg, "blocked"):
		return berrors.PINBlocked(err)
	case strings.Contains(msg, "removed") || strings.Contains(msg, "reset") ||
		strings.Contains(msg, "transmit") || strings.Contains(msg, "disconnected"):
		return berrors.DeviceDisconnected(serial, err)
	case strings.Contains(msg, "sharing violation") || strings.Contains(msg, "in use"):
		return berrors.DeviceBusy(serial)
	default:
		return err
	}
}

// makeContainerCert wraps an EC public key in a self-signed certificate
// so the slot can store it. The signer is an ephemeral software CA: the
// on-card ECDH key cannot sign, and nothing ever verifies this chain.
func makeContainerCert(pub *ecdsa.PublicKey, cn string) (*x509.Certificate, error) {
	caPriv, err := ecdsa.GenerateKey(pub.Curve, rand.Reader)
	if err != nil {
		return nil, err
	}
	serialLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    now.Add(-5 * time.Minute),
		NotAfter:     now.AddDate(20, 0, 0),
		KeyUsage:     x509.KeyUsageKeyAgreement,
	}
	parent := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "barqly-vault container cert issuer"},
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.AddDate(20, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, caPriv)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}
