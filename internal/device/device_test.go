/*
Copyright © 2025 Barqly
*/
package device

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/go-piv/piv-go/v2/piv"

	berrors "github.com/Barqly/barqly-vault-sub014/internal/errors"
	"github.com/Barqly/barqly-vault-sub014/internal/vault"
)

type fakeHandle struct {
	info   Info
	ids    []Identity
	closed bool
}

func (h *fakeHandle) Info() Info { return h.info }

func (h *fakeHandle) Identities(ctx context.Context) ([]Identity, error) { return h.ids, nil }

func (h *fakeHandle) SharedSecret(ctx context.Context, slotKey uint32, curveID uint8, ephPub []byte, pinPrompt func() (string, error)) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (h *fakeHandle) Close() error {
	h.closed = true
	return nil
}

type fakeFamily struct {
	name    string
	devices map[string]*fakeHandle
}

func (f *fakeFamily) Name() string { return f.name }

func (f *fakeFamily) Discover(ctx context.Context) ([]Info, error) {
	var infos []Info
	for _, h := range f.devices {
		infos = append(infos, h.info)
	}
	return infos, nil
}

func (f *fakeFamily) Open(ctx context.Context, serial string) (Handle, error) {
	h, ok := f.devices[serial]
	if !ok {
		return nil, berrors.DeviceNotPresent(serial)
	}
	return h, nil
}

func newFakeFamily(serials ...string) *fakeFamily {
	f := &fakeFamily{name: "fake", devices: make(map[string]*fakeHandle)}
	for _, s := range serials {
		f.devices[s] = &fakeHandle{info: Info{Family: "fake", Serial: s, Model: "fake token"}}
	}
	return f
}

func TestWithDeviceOpensAndCloses(t *testing.T) {
	fam := newFakeFamily("123")
	reg := NewRegistry(fam)

	var seen string
	err := reg.WithDevice(context.Background(), "fake", "123", func(h Handle) error {
		seen = h.Info().Serial
		return nil
	})
	if err != nil {
		t.Fatalf("WithDevice: %v", err)
	}
	if seen != "123" {
		t.Errorf("handle serial = %q, want %q", seen, "123")
	}
	if !fam.devices["123"].closed {
		t.Error("handle was not closed")
	}
}

func TestWithDeviceUnknownSerial(t *testing.T) {
	reg := NewRegistry(newFakeFamily("123"))
	err := reg.WithDevice(context.Background(), "fake", "999", func(Handle) error { return nil })
	if berrors.CodeOf(err) != berrors.CodeDeviceNotPresent {
		t.Fatalf("code = %v, want %v", berrors.CodeOf(err), berrors.CodeDeviceNotPresent)
	}
}

func TestWithDeviceUnknownFamily(t *testing.T) {
	reg := NewRegistry(newFakeFamily("123"))
	err := reg.WithDevice(context.Background(), "other", "123", func(Handle) error { return nil })
	if berrors.CodeOf(err) != berrors.CodeDeviceNotPresent {
		t.Fatalf("code = %v, want %v", berrors.CodeOf(err), berrors.CodeDeviceNotPresent)
	}
}

func TestWithDeviceBusy(t *testing.T) {
	reg := NewRegistry(newFakeFamily("123"))

	entered := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = reg.WithDevice(context.Background(), "fake", "123", func(Handle) error {
			close(entered)
			<-release
			return nil
		})
	}()

	<-entered
	err := reg.WithDevice(context.Background(), "fake", "123", func(Handle) error { return nil })
	if berrors.CodeOf(err) != berrors.CodeDeviceBusy {
		t.Fatalf("second caller: code = %v, want %v", berrors.CodeOf(err), berrors.CodeDeviceBusy)
	}
	close(release)
	wg.Wait()

	// The device is usable again once the first caller finishes.
	if err := reg.WithDevice(context.Background(), "fake", "123", func(Handle) error { return nil }); err != nil {
		t.Fatalf("after release: %v", err)
	}
}

func TestWithDeviceDifferentSerialsIndependent(t *testing.T) {
	reg := NewRegistry(newFakeFamily("a", "b"))

	entered := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = reg.WithDevice(context.Background(), "fake", "a", func(Handle) error {
			close(entered)
			<-release
			return nil
		})
	}()

	<-entered
	if err := reg.WithDevice(context.Background(), "fake", "b", func(Handle) error { return nil }); err != nil {
		t.Errorf("device b should not be blocked by device a: %v", err)
	}
	close(release)
	wg.Wait()
}

func TestDiscoverAll(t *testing.T) {
	reg := NewRegistry(newFakeFamily("a", "b"))
	infos := reg.DiscoverAll(context.Background())
	if len(infos) != 2 {
		t.Fatalf("got %d devices, want 2", len(infos))
	}
}

func TestClassifyPIVErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want berrors.Code
	}{
		{"wrong pin with retries", piv.AuthErr{Retries: 2}, berrors.CodeWrongPIN},
		{"pin blocked via retries", piv.AuthErr{Retries: 0}, berrors.CodePINBlocked},
		{"pin blocked via status word", errors.New("smart card error 6983: authentication method blocked"), berrors.CodePINBlocked},
		{"card removed", errors.New("connecting to smart card: the smart card has been removed"), berrors.CodeDeviceDisconnected},
		{"card reset", errors.New("transmitting request: the smart card has been reset"), berrors.CodeDeviceDisconnected},
		{"sharing violation", errors.New("connecting to smart card: sharing violation"), berrors.CodeDeviceBusy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyPIVErr("42", tt.err)
			if berrors.CodeOf(got) != tt.want {
				t.Errorf("classifyPIVErr(%v) code = %v, want %v", tt.err, berrors.CodeOf(got), tt.want)
			}
		})
	}
}

func TestClassifyPIVErrPassesThroughUnknown(t *testing.T) {
	in := errors.New("some other failure")
	if got := classifyPIVErr("42", in); !errors.Is(got, in) {
		t.Errorf("unknown error should pass through, got %v", got)
	}
}

func TestRecipientFromECDSARejectsUnsupportedCurve(t *testing.T) {
	// Exercised indirectly through Identities in production; here just
	// confirm the supported curves map to the right IDs.
	for _, tt := range []struct {
		curveID uint8
		name    string
	}{
		{vault.CurveP256, "P-256"},
		{vault.CurveP384, "P-384"},
	} {
		if _, err := vault.CurveFromID(tt.curveID); err != nil {
			t.Errorf("curve %s should be supported: %v", tt.name, err)
		}
	}
}
