/*
Copyright © 2025 Barqly

devices.go implements the 'devices' command group: hardware token
inspection plus PIN management through the external management tool.
*/
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Barqly/barqly-vault-sub014/internal/bridge"
	"github.com/Barqly/barqly-vault-sub014/internal/device"
	"github.com/Barqly/barqly-vault-sub014/internal/vault"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Inspect and manage hardware tokens",
}

var devicesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List connected devices and their encryption identities",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return fail(err)
		}
		fam := device.NewPIVFamily(a.log)
		infos, err := fam.Discover(cmd.Context())
		if err != nil {
			return fail(err)
		}
		if len(infos) == 0 {
			fmt.Println("No devices found. Is a token plugged in and the smart card service running?")
			return nil
		}
		for _, info := range infos {
			fmt.Printf("%s  serial %s  firmware %s  [%s]\n",
				info.Model, info.Serial, info.Version, strings.Join(info.Interfaces, ","))
			h, err := fam.Open(cmd.Context(), info.Serial)
			if err != nil {
				fmt.Printf("    (could not open: %v)\n", err)
				continue
			}
			ids, err := h.Identities(cmd.Context())
			_ = h.Close()
			if err != nil {
				fmt.Printf("    (could not read identities: %v)\n", err)
				continue
			}
			if len(ids) == 0 {
				fmt.Println("    no encryption identities; provision one with 'bvault keys provision'")
				continue
			}
			for _, id := range ids {
				fmt.Printf("    %s: %s\n", id.Label, id.Recipient.String())
			}
		}
		return nil
	},
}

// pinChange runs the management tool's PIN/PUK flow over the bridge.
// The tool prompts on its terminal; answers go through the pty channel
// in prompt order, one per line, never through argv.
func pinChange(cmd *cobra.Command, serial string, args []string, answers []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return fail(err)
	}
	secret := []byte(strings.Join(answers, "\n"))
	defer vault.Zero(secret)

	runner := bridge.NewRunner(a.cfg, a.log)
	full := append([]string{"--device", serial}, args...)
	if _, err := runner.Run(cmd.Context(), bridge.Request{
		Tool:        "ykman",
		Args:        full,
		SecretInput: secret,
	}); err != nil {
		return fail(err)
	}
	return nil
}

var devicesPinCmd = &cobra.Command{
	Use:   "pin",
	Short: "Change a device PIN",
	RunE: func(cmd *cobra.Command, args []string) error {
		serial, _ := cmd.Flags().GetString("serial")
		current, err := promptHidden("Current PIN: ")
		if err != nil {
			return err
		}
		next, err := promptHidden("New PIN: ")
		if err != nil {
			return err
		}
		confirm, err := promptHidden("Repeat new PIN: ")
		if err != nil {
			return err
		}
		if next != confirm {
			return fmt.Errorf("new PINs do not match")
		}
		if err := pinChange(cmd, serial, []string{"piv", "access", "change-pin"}, []string{current, next, next}); err != nil {
			return err
		}
		fmt.Println("PIN changed.")
		return nil
	},
}

var devicesUnblockCmd = &cobra.Command{
	Use:   "unblock",
	Short: "Unblock a blocked PIN using the PUK",
	RunE: func(cmd *cobra.Command, args []string) error {
		serial, _ := cmd.Flags().GetString("serial")
		puk, err := promptHidden("PUK: ")
		if err != nil {
			return err
		}
		next, err := promptHidden("New PIN: ")
		if err != nil {
			return err
		}
		confirm, err := promptHidden("Repeat new PIN: ")
		if err != nil {
			return err
		}
		if next != confirm {
			return fmt.Errorf("new PINs do not match")
		}
		if err := pinChange(cmd, serial, []string{"piv", "access", "unblock-pin"}, []string{puk, next, next}); err != nil {
			return err
		}
		fmt.Println("PIN unblocked.")
		return nil
	},
}

func init() {
	devicesPinCmd.Flags().String("serial", "", "device serial number (required)")
	devicesPinCmd.MarkFlagRequired("serial")
	devicesUnblockCmd.Flags().String("serial", "", "device serial number (required)")
	devicesUnblockCmd.MarkFlagRequired("serial")

	devicesCmd.AddCommand(devicesListCmd, devicesPinCmd, devicesUnblockCmd)
	rootCmd.AddCommand(devicesCmd)
}
