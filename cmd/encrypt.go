/*
Copyright © 2025 Barqly

encrypt.go implements the 'encrypt' command.

The selection (files and directories) is bundled, manifested, and
stream-encrypted to every named key. The archive appears at the output
path only if the whole operation succeeds.
*/
package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Barqly/barqly-vault-sub014/internal/engine"
	"github.com/Barqly/barqly-vault-sub014/internal/vault"
)

var encryptCmd = &cobra.Command{
	Use:   "encrypt [flags] <path>...",
	Short: "Encrypt files and directories into a vault archive",
	Long: `Encrypt a selection of files and directories into a single archive,
readable by any one of the named keys. Every key must be active.

The archive embeds a manifest (paths, sizes, checksums) that is
authenticated together with the payload, so tampering is detected
before any file reaches the output directory on restore.`,
	Example: `  # Encrypt a wallet directory to one key
  bvault encrypt -k "my backup key" -o wallet.bvault wallet/

  # Encrypt to several keys; any single one can decrypt
  bvault encrypt -k "my backup key" -k "yubikey 9d" -o wallet.bvault wallet/ notes.txt

  # Use AES-256-GCM instead of XChaCha20-Poly1305
  bvault encrypt --cipher aes -k "my backup key" -o wallet.bvault wallet/`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return fail(err)
		}
		keys, _ := cmd.Flags().GetStringArray("key")
		out, _ := cmd.Flags().GetString("out")
		force, _ := cmd.Flags().GetBool("force")
		cipherName, _ := cmd.Flags().GetString("cipher")

		var cipherID uint8
		if cipherName != "" {
			if cipherID, err = parseCipherName(cipherName); err != nil {
				return fail(err)
			}
		}

		opID := uuid.NewString()
		startSpinner(a.engine.Broker(), opID, "starting")
		res, err := a.engine.Encrypt(cmd.Context(), engine.EncryptRequest{
			OperationID:    opID,
			Paths:          args,
			Recipients:     keys,
			OutputPath:     out,
			AllowOverwrite: force,
			CipherID:       cipherID,
		})
		if err != nil {
			return fail(err)
		}
		fmt.Printf("Encrypted %d files to %s (%d recipients)\n", len(res.Manifest.Entries), res.OutputPath, len(res.Keys))
		return nil
	},
}

// parseCipherName converts a user-facing cipher name to a cipher ID.
func parseCipherName(name string) (uint8, error) {
	switch name {
	case "chacha", "chacha20", "xchacha20", "xchacha20-poly1305":
		return vault.CipherChaCha20, nil
	case "aes", "aes256", "aes-256", "aes-256-gcm":
		return vault.CipherAES256, nil
	default:
		return 0, fmt.Errorf("unknown cipher %q (use 'chacha' or 'aes')", name)
	}
}

func init() {
	encryptCmd.Flags().StringArrayP("key", "k", nil, "key ID or label to encrypt to (repeatable, required)")
	encryptCmd.Flags().StringP("out", "o", "", "output archive path (required)")
	encryptCmd.Flags().BoolP("force", "F", false, "overwrite an existing archive")
	encryptCmd.Flags().String("cipher", "", "payload cipher: chacha (default) or aes")
	_ = encryptCmd.MarkFlagRequired("key")
	_ = encryptCmd.MarkFlagRequired("out")
	rootCmd.AddCommand(encryptCmd)
}
