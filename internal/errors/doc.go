/*
Copyright © 2025 Barqly

Package errors defines the structured error taxonomy shared across the
vault core. Lower layers (bridge, device, keyring, vault) construct typed
errors here; the orchestration engine is the single point that guarantees
everything crossing to the UI collaborator is one of these, carrying a
sanitized message, a machine-readable code, and a recovery hint.
*/
package errors
