/*
Copyright © 2025 Barqly

lifecycle.go implements the key lifecycle state machine.

States follow the NIST SP 800-57 key management lifecycle. Transitions
are one-way except Suspended, which may return to Active. Compromised
and Destroyed are terminal for usage; Destroyed additionally means the
private material is gone.
*/
package keyring

import (
	berrors "github.com/Barqly/barqly-vault-sub014/internal/errors"
)

// Status is the lifecycle state of a key reference.
type Status string

const (
	// StatusPreActive: generated but not yet released for use.
	StatusPreActive Status = "pre_active"
	// StatusActive: usable for both encryption and decryption.
	StatusActive Status = "active"
	// StatusSuspended: temporarily withdrawn; decrypt only.
	StatusSuspended Status = "suspended"
	// StatusDeactivated: retired; no cryptographic use.
	StatusDeactivated Status = "deactivated"
	// StatusCompromised: presumed known to an attacker; no use.
	StatusCompromised Status = "compromised"
	// StatusDestroyed: private material erased. Terminal.
	StatusDestroyed Status = "destroyed"
)

// transitions maps each state to the states it may move to.
var transitions = map[Status][]Status{
	StatusPreActive:   {StatusActive, StatusDestroyed},
	StatusActive:      {StatusSuspended, StatusDeactivated, StatusCompromised, StatusDestroyed},
	StatusSuspended:   {StatusActive, StatusDeactivated, StatusCompromised, StatusDestroyed},
	StatusDeactivated: {StatusDestroyed, StatusCompromised},
	StatusCompromised: {StatusDestroyed},
	StatusDestroyed:   nil,
}

// Valid reports whether s is a known lifecycle state.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransitionTo reports whether the state machine permits s -> next.
func (s Status) CanTransitionTo(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// CheckTransition returns a typed error when s -> next is not allowed.
func (s Status) CheckTransition(next Status) error {
	if !next.Valid() {
		return berrors.InvalidTransition(string(s), string(next))
	}
	if !s.CanTransitionTo(next) {
		return berrors.InvalidTransition(string(s), string(next))
	}
	return nil
}

// CanEncrypt reports whether new data may be encrypted to this key.
// Only Active keys accept new ciphertext; encrypting to a suspended or
// retired key would silently extend its exposure window.
func (s Status) CanEncrypt() bool {
	return s == StatusActive
}

// CanDecrypt reports whether existing data may be decrypted with this
// key. Suspended keys still decrypt: suspension protects future data,
// not access to what the key already covers.
func (s Status) CanDecrypt() bool {
	return s == StatusActive || s == StatusSuspended
}
