/*
Copyright © 2025 Barqly
*/
package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestConstructorTaxonomy(t *testing.T) {
	cause := errors.New("underlying")
	for _, tt := range []struct {
		name      string
		err       *VaultError
		category  Category
		code      Code
		retryable bool
	}{
		{"MissingBinary", MissingBinary("ykman", cause), CategoryConfiguration, CodeMissingBinary, false},
		{"BadRegistryFile", BadRegistryFile("/p", cause), CategoryConfiguration, CodeBadRegistryFile, false},
		{"InvalidLabel", InvalidLabel("x", "too short"), CategoryValidation, CodeInvalidLabel, false},
		{"DuplicateLabel", DuplicateLabel("backup"), CategoryValidation, CodeDuplicateLabel, false},
		{"UnknownRecipient", UnknownRecipient("id"), CategoryValidation, CodeUnknownRecipient, false},
		{"InvalidTransition", InvalidTransition("destroyed", "active"), CategoryValidation, CodeInvalidTransition, false},
		{"OperationInFlight", OperationInFlight(), CategoryValidation, CodeOperationInFlight, true},
		{"KeyNotUsable", KeyNotUsable("k", "deactivated"), CategoryValidation, CodeKeyNotUsable, false},
		{"OutputAlreadyExists", OutputAlreadyExists("/out"), CategoryValidation, CodeOutputAlreadyExists, false},
		{"WrongPassphrase", WrongPassphrase(cause), CategoryAuthentication, CodeWrongPassphrase, true},
		{"WrongPIN", WrongPIN(2, cause), CategoryAuthentication, CodeWrongPIN, true},
		{"PINBlocked", PINBlocked(cause), CategoryAuthentication, CodePINBlocked, false},
		{"RecipientMismatch", RecipientMismatch("k"), CategoryValidation, CodeRecipientMismatch, false},
		{"ChecksumMismatch", ChecksumMismatch("a.txt"), CategoryIntegrity, CodeChecksumMismatch, false},
		{"CorruptArchive", CorruptArchive(cause), CategoryIntegrity, CodeCorruptArchive, false},
		{"DeviceNotPresent", DeviceNotPresent("123"), CategoryDevice, CodeDeviceNotPresent, true},
		{"DeviceDisconnected", DeviceDisconnected("123", cause), CategoryDevice, CodeDeviceDisconnected, true},
		{"DeviceBusy", DeviceBusy("123"), CategoryDevice, CodeDeviceBusy, true},
		{"ToolNotFound", ToolNotFound("age", cause), CategoryTool, CodeToolNotFound, false},
		{"ToolCrashed", ToolCrashed("age", cause), CategoryTool, CodeToolCrashed, true},
		{"ToolFailed", ToolFailed("age", 2, "bad flag"), CategoryTool, CodeToolNonZeroExit, true},
		{"ToolTimeout", ToolTimeout("ykman", true), CategoryTool, CodeToolTimeout, true},
		{"Cancelled", Cancelled(), CategoryTool, CodeOperationCancelled, false},
		{"KeyFileMissing", KeyFileMissing("k", "/p"), CategoryConfiguration, CodeKeyFileMissing, false},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Category != tt.category {
				t.Errorf("category = %s, want %s", tt.err.Category, tt.category)
			}
			if tt.err.Code != tt.code {
				t.Errorf("code = %s, want %s", tt.err.Code, tt.code)
			}
			if tt.err.Retryable != tt.retryable {
				t.Errorf("retryable = %v, want %v", tt.err.Retryable, tt.retryable)
			}
			if tt.err.Message == "" {
				t.Error("empty message")
			}
			if tt.err.Hint == "" {
				t.Error("empty hint")
			}
		})
	}
}

func TestErrorRendering(t *testing.T) {
	cause := errors.New("open /dev/yubikey: permission denied")
	err := DeviceDisconnected("31337", cause)

	if !strings.Contains(err.Error(), "31337") {
		t.Errorf("Error() = %q", err.Error())
	}
	if !strings.Contains(err.Error(), cause.Error()) {
		t.Error("Error() dropped the cause")
	}

	full := err.FullError()
	if !strings.Contains(full, "Hint:") {
		t.Errorf("FullError() = %q, missing hint", full)
	}

	// Without a hint FullError is just the error text.
	bare := &VaultError{Message: "boom"}
	if bare.FullError() != "boom" {
		t.Errorf("FullError() = %q", bare.FullError())
	}
}

func TestUnwrap(t *testing.T) {
	sentinel := errors.New("root cause")
	err := CorruptArchive(fmt.Errorf("chunk 3: %w", sentinel))
	if !errors.Is(err, sentinel) {
		t.Error("errors.Is lost the wrapped cause")
	}
}

func TestIsByCode(t *testing.T) {
	// Two errors with the same code match via errors.Is even when their
	// messages and causes differ.
	a := WrongPIN(2, errors.New("cause A"))
	b := WrongPIN(1, errors.New("cause B"))
	if !errors.Is(a, b) {
		t.Error("same-code VaultErrors do not match")
	}
	if errors.Is(a, PINBlocked(nil)) {
		t.Error("different-code VaultErrors match")
	}
}

func TestCodeAndCategoryExtraction(t *testing.T) {
	wrapped := fmt.Errorf("during decrypt: %w", WrongPassphrase(nil))

	if got := CodeOf(wrapped); got != CodeWrongPassphrase {
		t.Errorf("CodeOf = %s", got)
	}
	if got := CategoryOf(wrapped); got != CategoryAuthentication {
		t.Errorf("CategoryOf = %s", got)
	}
	if !IsRetryable(wrapped) {
		t.Error("IsRetryable = false for wrapped retryable error")
	}

	plain := errors.New("plain")
	if CodeOf(plain) != "" {
		t.Error("CodeOf(plain) non-empty")
	}
	if CategoryOf(plain) != CategoryUnknown {
		t.Error("CategoryOf(plain) not Unknown")
	}
	if IsRetryable(plain) {
		t.Error("IsRetryable(plain) = true")
	}
}

func TestWrongPINLastAttemptHint(t *testing.T) {
	if !strings.Contains(WrongPIN(1, nil).Hint, "LAST") {
		t.Error("final-attempt hint missing warning")
	}
	if strings.Contains(WrongPIN(3, nil).Hint, "LAST") {
		t.Error("early attempt carries final-attempt warning")
	}
}

func TestCategoryString(t *testing.T) {
	if CategoryDevice.String() != "Device" {
		t.Errorf("CategoryDevice = %s", CategoryDevice)
	}
	if Category(99).String() != "Unknown" {
		t.Errorf("out-of-range category = %s", Category(99))
	}
}
