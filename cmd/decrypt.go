/*
Copyright © 2025 Barqly

decrypt.go implements the 'decrypt' command.

Decryption routes the archive to one of the registered keys, prompts
for the needed secret (passphrase or PIN), restores into a staging
area, verifies every checksum, and only then moves files into the
output directory.

Troubleshooting:

  "none of your keys can open this archive"
    The archive was encrypted before any of your current keys existed,
    or to someone else's keys entirely. This is not a wrong-passphrase
    situation; no secret was even requested.

  "wrong PIN" / "wrong passphrase"
    The right key was found but the credential was rejected. PIN errors
    show the remaining attempts; stop before the device blocks itself.
*/
package cmd

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Barqly/barqly-vault-sub014/internal/engine"
	"github.com/Barqly/barqly-vault-sub014/internal/progress"
)

var decryptCmd = &cobra.Command{
	Use:   "decrypt [flags] <archive>",
	Short: "Decrypt a vault archive",
	Example: `  # Restore into a directory (prompts for the key's secret)
  bvault decrypt -o restored/ wallet.bvault

  # Decrypt with a specific key
  bvault decrypt --key "yubikey 9d" -o restored/ wallet.bvault`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return fail(err)
		}
		out, _ := cmd.Flags().GetString("out")
		key, _ := cmd.Flags().GetString("key")
		force, _ := cmd.Flags().GetBool("force")

		opID := uuid.NewString()
		// No spinner here: secret prompts interleave with progress, so
		// stages print as plain lines instead.
		a.engine.Broker().Start(opID, "starting")
		go printStages(a.engine.Broker().Subscribe(opID))

		res, err := a.engine.Decrypt(cmd.Context(), engine.DecryptRequest{
			OperationID:    opID,
			ArchivePath:    args[0],
			OutputDir:      out,
			AllowOverwrite: force,
			Key:            key,
			Passphrase:     func() (string, error) { return promptHidden("Passphrase: ") },
			PINPrompt:      func() (string, error) { return promptHidden("PIV PIN: ") },
		})
		if err != nil {
			return fail(err)
		}
		fmt.Printf("Restored %d files to %s (key %q)\n", len(res.Manifest.Entries), res.OutputDir, res.UsedKey.Label)
		return nil
	},
}

// printStages echoes stage transitions to stderr.
func printStages(ch <-chan progress.Update) {
	last := ""
	for u := range ch {
		if u.Terminal {
			return
		}
		if u.Stage != last {
			fmt.Fprintf(os.Stderr, "... %s\n", u.Stage)
			last = u.Stage
		}
	}
}

func init() {
	decryptCmd.Flags().StringP("out", "o", "", "output directory (required)")
	decryptCmd.Flags().String("key", "", "decrypt with a specific key (ID or label)")
	decryptCmd.Flags().BoolP("force", "F", false, "overwrite existing files in the output directory")
	_ = decryptCmd.MarkFlagRequired("out")
	rootCmd.AddCommand(decryptCmd)
}
