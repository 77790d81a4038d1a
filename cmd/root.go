/*
Copyright © 2025 Barqly

Package cmd implements all CLI commands for bvault using the Cobra library.

This package provides:
  - keys: create, register, provision, and manage identity lifecycle
  - devices: list connected hardware tokens
  - encrypt: protect a file selection for one or more recipients
  - decrypt: restore a protected archive
  - version: display version information

All cryptographic operations use industry-standard algorithms:
  - ECDH with X25519 (software keys) or P-256/P-384 (hardware keys)
  - XChaCha20-Poly1305 or AES-256-GCM for payload encryption
  - HKDF-SHA256 for key derivation
  - Argon2id for passphrase-based key file protection
*/
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Barqly/barqly-vault-sub014/internal/archive"
	"github.com/Barqly/barqly-vault-sub014/internal/config"
	"github.com/Barqly/barqly-vault-sub014/internal/device"
	"github.com/Barqly/barqly-vault-sub014/internal/engine"
	berrors "github.com/Barqly/barqly-vault-sub014/internal/errors"
	"github.com/Barqly/barqly-vault-sub014/internal/keyring"
	"github.com/Barqly/barqly-vault-sub014/internal/logging"
	"github.com/Barqly/barqly-vault-sub014/internal/progress"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "bvault",
	Short: "Encrypted vault for Bitcoin custody documents",
	Long: `bvault protects wallet descriptors, seed backups, and other custody
documents with multi-recipient encrypted archives.

Security model:
  - Every archive is encrypted to one or more registered keys
  - Software keys live in passphrase-protected key files (Argon2id)
  - Hardware keys never leave the device; decryption delegates ECDH to it
  - Archives are tamper-evident: manifest and payload are authenticated

Quick usage:
  bvault keys create --label "my backup key"      # Create a software key
  bvault encrypt -k "my backup key" -o docs.bvault wallet/
  bvault decrypt -o restored/ docs.bvault`,
}

// Execute runs the root command. Called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "print informational output")
	rootCmd.PersistentFlags().Bool("debug", false, "print debug output")
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
}

// app bundles the wired collaborators behind every command.
type app struct {
	cfg    *config.Config
	log    logging.Logger
	engine *engine.Engine
}

// newApp loads configuration, verifies required external tools, and
// wires the engine. Every command goes through here so the collaborator
// graph is constructed exactly one way.
func newApp(cmd *cobra.Command) (*app, error) {
	verbose, _ := cmd.Flags().GetBool("verbose")
	debug, _ := cmd.Flags().GetBool("debug")
	log := logging.Logger{Verbose: verbose || debug, Debug: debug}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, err
	}
	if err := cfg.VerifyTools(); err != nil {
		return nil, err
	}

	reg, err := keyring.Open(cfg.RegistryPath())
	if err != nil {
		return nil, err
	}
	devices := device.NewRegistry(device.NewPIVFamily(log))
	eng := engine.New(cfg, reg, devices, archive.TarGz{}, progress.NewBroker(), log)
	return &app{cfg: cfg, log: log, engine: eng}, nil
}

// fail prints a classified error with its hint and returns it, so
// cobra exits non-zero without re-printing.
func fail(err error) error {
	var ve *berrors.VaultError
	if errors.As(err, &ve) {
		fmt.Fprintln(os.Stderr, "error:", ve.Message)
		if ve.Hint != "" {
			fmt.Fprintln(os.Stderr, "hint:", ve.Hint)
		}
	} else {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	return err
}
