/*
Copyright © 2025 Barqly

errors.go implements the structured error taxonomy for the vault core.

This module provides:
  - Categorized error types (Configuration, Validation, Authentication,
    Integrity, Device, Tool)
  - Machine-readable codes the UI layer can switch on
  - User-friendly recovery hints distinct from the raw failure
  - Error wrapping with context preservation
  - Retry suggestions for transient errors
*/
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Category classifies an error for presentation and retry policy.
type Category int

const (
	// CategoryUnknown for unclassified errors.
	CategoryUnknown Category = iota
	// CategoryConfiguration for missing binaries or a bad registry file (fatal at startup).
	CategoryConfiguration
	// CategoryValidation for bad labels, unknown recipients, rejected before any crypto.
	CategoryValidation
	// CategoryAuthentication for wrong passphrase or PIN (user-retryable).
	CategoryAuthentication
	// CategoryIntegrity for manifest/checksum mismatches (always fatal to the operation).
	CategoryIntegrity
	// CategoryDevice for hardware errors (disconnected, busy, not present).
	CategoryDevice
	// CategoryTool for subprocess crashes and timeouts.
	CategoryTool
)

// String returns a human-readable category name.
func (c Category) String() string {
	switch c {
	case CategoryConfiguration:
		return "Configuration"
	case CategoryValidation:
		return "Validation"
	case CategoryAuthentication:
		return "Authentication"
	case CategoryIntegrity:
		return "Integrity"
	case CategoryDevice:
		return "Device"
	case CategoryTool:
		return "Tool"
	default:
		return "Unknown"
	}
}

// Code is a stable machine-readable error identifier.
type Code string

const (
	CodeMissingBinary       Code = "missing_binary"
	CodeBadRegistryFile     Code = "bad_registry_file"
	CodeInvalidLabel        Code = "invalid_label"
	CodeDuplicateLabel      Code = "duplicate_label"
	CodeUnknownRecipient    Code = "unknown_recipient"
	CodeInvalidTransition   Code = "invalid_transition"
	CodeOperationInFlight   Code = "operation_in_flight"
	CodeWrongPassphrase     Code = "wrong_passphrase"
	CodeWrongPIN            Code = "wrong_pin"
	CodePINBlocked          Code = "pin_blocked"
	CodeRecipientMismatch   Code = "recipient_mismatch"
	CodeChecksumMismatch    Code = "checksum_mismatch"
	CodeCorruptArchive      Code = "corrupt_archive"
	CodeDeviceNotPresent    Code = "device_not_present"
	CodeDeviceDisconnected  Code = "device_disconnected"
	CodeDeviceBusy          Code = "device_busy"
	CodeToolNotFound        Code = "tool_not_found"
	CodeToolCrashed         Code = "tool_crashed"
	CodeToolNonZeroExit     Code = "tool_nonzero_exit"
	CodeToolTimeout         Code = "tool_timeout"
	CodeOperationCancelled  Code = "operation_cancelled"
	CodeKeyFileMissing      Code = "key_file_missing"
	CodeKeyNotUsable        Code = "key_not_usable"
	CodeOutputAlreadyExists Code = "output_already_exists"
)

// VaultError is a structured error with category, code, message, and hint.
// The hint carries recovery guidance for the user; the message describes
// the failure itself. Raw lower-layer detail stays in Cause and is never
// shown verbatim to the UI collaborator.
type VaultError struct {
	Category  Category
	Code      Code
	Message   string
	Hint      string
	Cause     error
	Retryable bool
}

// Error implements the error interface.
func (e *VaultError) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause for error chain inspection.
func (e *VaultError) Unwrap() error {
	return e.Cause
}

// FullError returns the error with its hint if available.
func (e *VaultError) FullError() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	if e.Hint != "" {
		b.WriteString("\n\nHint: ")
		b.WriteString(e.Hint)
	}
	return b.String()
}

// Is reports whether target is a VaultError with the same code.
// This lets callers use errors.Is against sentinel-style constructors.
func (e *VaultError) Is(target error) bool {
	var ve *VaultError
	if errors.As(target, &ve) {
		return e.Code == ve.Code
	}
	return false
}

// CodeOf extracts the machine-readable code from an error chain,
// or an empty Code when the chain contains no VaultError.
func CodeOf(err error) Code {
	var ve *VaultError
	if errors.As(err, &ve) {
		return ve.Code
	}
	return ""
}

// CategoryOf extracts the category from an error chain.
func CategoryOf(err error) Category {
	var ve *VaultError
	if errors.As(err, &ve) {
		return ve.Category
	}
	return CategoryUnknown
}

// IsRetryable reports whether the error chain suggests the user can retry.
func IsRetryable(err error) bool {
	var ve *VaultError
	if errors.As(err, &ve) {
		return ve.Retryable
	}
	return false
}

// Configuration error constructors.

// MissingBinary indicates a pinned external tool could not be resolved at startup.
func MissingBinary(tool string, cause error) *VaultError {
	return &VaultError{
		Category: CategoryConfiguration,
		Code:     CodeMissingBinary,
		Message:  fmt.Sprintf("required tool %q not found", tool),
		Hint:     "The bundled helper binary is missing or not executable. Reinstall the application, or point the configuration at a valid binary path.",
		Cause:    cause,
	}
}

// BadRegistryFile indicates the persisted key registry could not be read.
func BadRegistryFile(path string, cause error) *VaultError {
	return &VaultError{
		Category: CategoryConfiguration,
		Code:     CodeBadRegistryFile,
		Message:  fmt.Sprintf("key registry file is unreadable: %s", path),
		Hint:     "The registry file is corrupt or has the wrong format version. Restore it from a backup; your encrypted archives and key files are unaffected.",
		Cause:    cause,
	}
}

// Validation error constructors.

// InvalidLabel indicates a key label failed validation.
func InvalidLabel(label, reason string) *VaultError {
	return &VaultError{
		Category: CategoryValidation,
		Code:     CodeInvalidLabel,
		Message:  fmt.Sprintf("invalid key label %q: %s", label, reason),
		Hint:     "Labels must be 3-200 characters and may not contain path separators or control characters.",
	}
}

// DuplicateLabel indicates the label is already taken by another key.
func DuplicateLabel(label string) *VaultError {
	return &VaultError{
		Category: CategoryValidation,
		Code:     CodeDuplicateLabel,
		Message:  fmt.Sprintf("a key labelled %q already exists", label),
		Hint:     "Pick a different label, or rename the existing key first.",
	}
}

// UnknownRecipient indicates an encryption recipient id is unknown or not Active.
func UnknownRecipient(id string) *VaultError {
	return &VaultError{
		Category: CategoryValidation,
		Code:     CodeUnknownRecipient,
		Message:  fmt.Sprintf("recipient %q is not an active key", id),
		Hint:     "Only Active keys can receive new archives. Check the key list; suspended or retired keys must be resumed or replaced before use.",
	}
}

// InvalidTransition indicates a lifecycle transition is not allowed.
func InvalidTransition(from, to string) *VaultError {
	return &VaultError{
		Category: CategoryValidation,
		Code:     CodeInvalidTransition,
		Message:  fmt.Sprintf("cannot move a key from %s to %s", from, to),
		Hint:     "Lifecycle transitions are one-way past Deactivated. Destroyed and Compromised keys cannot be brought back.",
	}
}

// OperationInFlight indicates another crypto operation is already running.
func OperationInFlight() *VaultError {
	return &VaultError{
		Category:  CategoryValidation,
		Code:      CodeOperationInFlight,
		Message:   "another operation is already in progress",
		Hint:      "Only one encryption or decryption runs at a time. Wait for the current operation to finish or cancel it.",
		Retryable: true,
	}
}

// KeyNotUsable indicates a decryption candidate is in a state that forbids use.
func KeyNotUsable(label, status string) *VaultError {
	return &VaultError{
		Category: CategoryValidation,
		Code:     CodeKeyNotUsable,
		Message:  fmt.Sprintf("key %q is %s and cannot decrypt", label, status),
		Hint:     "Destroyed, deactivated, or compromised keys are never used for decryption. If you hold another recipient key for this archive, select that one instead.",
	}
}

// OutputAlreadyExists indicates the encryption output path is taken.
func OutputAlreadyExists(path string) *VaultError {
	return &VaultError{
		Category: CategoryValidation,
		Code:     CodeOutputAlreadyExists,
		Message:  fmt.Sprintf("output file already exists: %s", path),
		Hint:     "Choose a different output path or remove the existing file first.",
	}
}

// Authentication error constructors.

// WrongPassphrase indicates a software key passphrase failed to unwrap the key.
func WrongPassphrase(cause error) *VaultError {
	return &VaultError{
		Category:  CategoryAuthentication,
		Code:      CodeWrongPassphrase,
		Message:   "wrong passphrase",
		Hint:      "The passphrase did not unlock this key. Check for typos and keyboard layout, then try again.",
		Cause:     cause,
		Retryable: true,
	}
}

// WrongPIN indicates PIN verification failed with a known retry count.
func WrongPIN(attemptsRemaining int, cause error) *VaultError {
	hint := fmt.Sprintf("Wrong PIN. You have %d attempts remaining before the device blocks the PIN.", attemptsRemaining)
	if attemptsRemaining <= 1 {
		hint = "Wrong PIN. This is your LAST attempt; one more failure blocks the PIN and you will need the PUK to reset it."
	}
	return &VaultError{
		Category:  CategoryAuthentication,
		Code:      CodeWrongPIN,
		Message:   fmt.Sprintf("PIN verification failed (%d attempts remaining)", attemptsRemaining),
		Hint:      hint,
		Cause:     cause,
		Retryable: true,
	}
}

// PINBlocked indicates the device PIN is blocked.
func PINBlocked(cause error) *VaultError {
	return &VaultError{
		Category: CategoryAuthentication,
		Code:     CodePINBlocked,
		Message:  "device PIN is blocked",
		Hint:     "Too many wrong attempts. Unblock the PIN with your PUK using the device management tool before retrying.",
		Cause:    cause,
	}
}

// RecipientMismatch indicates the archive was not encrypted to the chosen identity.
// This is deliberately distinct from WrongPassphrase/WrongPIN: the retry
// guidance is to pick a different key, not to re-enter the secret.
func RecipientMismatch(label string) *VaultError {
	return &VaultError{
		Category: CategoryValidation,
		Code:     CodeRecipientMismatch,
		Message:  fmt.Sprintf("this archive was not encrypted for key %q", label),
		Hint:     "The archive header has no recipient entry for this key. Select one of the keys the archive was actually encrypted to.",
	}
}

// Integrity error constructors.

// ChecksumMismatch indicates an extracted file failed manifest verification.
func ChecksumMismatch(path string) *VaultError {
	return &VaultError{
		Category: CategoryIntegrity,
		Code:     CodeChecksumMismatch,
		Message:  fmt.Sprintf("checksum mismatch for %q after decryption", path),
		Hint:     "The archive decrypted but its contents do not match the manifest. The file is corrupt or tampered with; nothing was written to the output directory.",
	}
}

// CorruptArchive indicates the archive container itself failed to parse or authenticate.
func CorruptArchive(cause error) *VaultError {
	return &VaultError{
		Category: CategoryIntegrity,
		Code:     CodeCorruptArchive,
		Message:  "archive is corrupt or truncated",
		Hint:     "The file is not a valid vault archive, or it was damaged in transfer. Re-copy it from the original medium and try again.",
		Cause:    cause,
	}
}

// Device error constructors.

// DeviceNotPresent indicates the device vanished between discovery and connect.
func DeviceNotPresent(serial string) *VaultError {
	return &VaultError{
		Category:  CategoryDevice,
		Code:      CodeDeviceNotPresent,
		Message:   fmt.Sprintf("security device %s is not connected", serial),
		Hint:      "Plug the device in and try again. On Linux make sure the smart card service (pcscd) is running.",
		Retryable: true,
	}
}

// DeviceDisconnected indicates the device was removed mid-operation.
func DeviceDisconnected(serial string, cause error) *VaultError {
	return &VaultError{
		Category:  CategoryDevice,
		Code:      CodeDeviceDisconnected,
		Message:   fmt.Sprintf("security device %s was disconnected during the operation", serial),
		Hint:      "Reinsert the device and retry. The operation was aborted cleanly; no partial output was written.",
		Cause:     cause,
		Retryable: true,
	}
}

// DeviceBusy indicates a second concurrent request hit the same physical device.
func DeviceBusy(serial string) *VaultError {
	return &VaultError{
		Category:  CategoryDevice,
		Code:      CodeDeviceBusy,
		Message:   fmt.Sprintf("security device %s is busy with another operation", serial),
		Hint:      "Hardware tokens handle one session at a time. Wait for the current device operation to finish.",
		Retryable: true,
	}
}

// Tool error constructors.

// ToolNotFound indicates the external tool binary is missing at call time.
func ToolNotFound(tool string, cause error) *VaultError {
	return &VaultError{
		Category: CategoryTool,
		Code:     CodeToolNotFound,
		Message:  fmt.Sprintf("helper tool %q is missing", tool),
		Hint:     "The helper binary disappeared after startup. Reinstall the application or restore the configured tool path.",
		Cause:    cause,
	}
}

// ToolCrashed indicates the subprocess died from a signal or failed to start.
func ToolCrashed(tool string, cause error) *VaultError {
	return &VaultError{
		Category:  CategoryTool,
		Code:      CodeToolCrashed,
		Message:   fmt.Sprintf("helper tool %q crashed", tool),
		Hint:      "The helper process terminated abnormally. Retry the operation; if it keeps crashing, check the application log.",
		Cause:     cause,
		Retryable: true,
	}
}

// ToolFailed indicates a non-zero exit with a sanitized stderr excerpt.
func ToolFailed(tool string, exitCode int, excerpt string) *VaultError {
	return &VaultError{
		Category:  CategoryTool,
		Code:      CodeToolNonZeroExit,
		Message:   fmt.Sprintf("helper tool %q exited with status %d", tool, exitCode),
		Hint:      fmt.Sprintf("The tool reported: %s", excerpt),
		Retryable: true,
	}
}

// ToolTimeout indicates the subprocess exceeded its budget. Hardware-class
// timeouts get a different hint: the likely cause is a missed PIN or touch.
func ToolTimeout(tool string, hardware bool) *VaultError {
	hint := "The helper took too long and was stopped. Retry the operation."
	if hardware {
		hint = "The device operation timed out. This usually means the PIN prompt or the physical touch was missed; retry and respond promptly."
	}
	return &VaultError{
		Category:  CategoryTool,
		Code:      CodeToolTimeout,
		Message:   fmt.Sprintf("helper tool %q timed out", tool),
		Hint:      hint,
		Retryable: true,
	}
}

// Cancelled indicates the caller cancelled the operation.
func Cancelled() *VaultError {
	return &VaultError{
		Category: CategoryTool,
		Code:     CodeOperationCancelled,
		Message:  "operation cancelled",
		Hint:     "The operation was cancelled before completion. No partial output was left behind.",
	}
}

// KeyFileMissing indicates a software key's encrypted file is gone.
func KeyFileMissing(label, path string) *VaultError {
	return &VaultError{
		Category: CategoryConfiguration,
		Code:     CodeKeyFileMissing,
		Message:  fmt.Sprintf("encrypted key file for %q is missing: %s", label, path),
		Hint:     "The key file was moved or deleted. Restore it from a backup; without it this key cannot decrypt anything.",
	}
}
