/*
Copyright © 2025 Barqly

keys.go implements the 'keys' command group: identity creation,
registration, lifecycle management, and listing.

Lifecycle commands map onto the key state machine:

	create/register -> active
	suspend         -> suspended (decrypt only)
	resume          -> active
	deactivate      -> deactivated (no cryptographic use)
	compromise      -> compromised (no use, flagged)
	destroy         -> destroyed (software key file erased)
*/
package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Barqly/barqly-vault-sub014/internal/device"
	"github.com/Barqly/barqly-vault-sub014/internal/keyring"
	"github.com/Barqly/barqly-vault-sub014/internal/vault"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage vault keys",
}

var keysCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a passphrase-protected software key",
	Long: `Create a new software key. The private key is generated locally,
encrypted with your passphrase, and stored in the application data
directory. The passphrase is not recoverable: losing it means losing
access to everything encrypted only to this key.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return fail(err)
		}
		label, _ := cmd.Flags().GetString("label")
		pass, err := promptNewPassphrase()
		if err != nil {
			return fail(err)
		}
		ref, err := a.engine.CreateSoftwareKey(label, pass)
		if err != nil {
			return fail(err)
		}
		fmt.Printf("Created key %q (%s)\n", ref.Label, ref.ID)
		fmt.Printf("Recipient: %s\n", ref.PublicRecipient)
		return nil
	},
}

var keysRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register an existing hardware key",
	Long: `Register an encryption identity already present on a connected
hardware token. Reads the public key from the given slot; nothing on
the device is modified.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return fail(err)
		}
		label, _ := cmd.Flags().GetString("label")
		serial, _ := cmd.Flags().GetString("serial")
		slotStr, _ := cmd.Flags().GetString("slot")
		slotKey, err := parseSlotKey(slotStr)
		if err != nil {
			return fail(err)
		}
		ref, err := a.engine.RegisterHardwareKey(cmd.Context(), label, device.FamilyPIV, serial, slotKey)
		if err != nil {
			return fail(err)
		}
		fmt.Printf("Registered key %q (%s)\n", ref.Label, ref.ID)
		fmt.Printf("Recipient: %s\n", ref.PublicRecipient)
		return nil
	},
}

var keysProvisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Generate a new keypair in a hardware slot and register it",
	Long: `Generate a fresh encryption keypair inside a hardware token slot and
register it as a vault key.

WARNING: this destroys whatever key the slot currently holds. PIN is
required for every use of the new key; touch is required unless
--no-touch is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return fail(err)
		}
		label, _ := cmd.Flags().GetString("label")
		serial, _ := cmd.Flags().GetString("serial")
		slotStr, _ := cmd.Flags().GetString("slot")
		curveName, _ := cmd.Flags().GetString("curve")
		noTouch, _ := cmd.Flags().GetBool("no-touch")
		slotKey, err := parseSlotKey(slotStr)
		if err != nil {
			return fail(err)
		}
		curveID, err := parseCurveName(curveName)
		if err != nil {
			return fail(err)
		}
		pin, err := promptHidden("PIV PIN: ")
		if err != nil {
			return fail(err)
		}
		ref, err := a.engine.ProvisionHardwareKey(cmd.Context(), label, device.FamilyPIV, serial, slotKey, device.ProvisionSpec{
			CurveID:       curveID,
			PIN:           pin,
			TouchRequired: !noTouch,
		})
		if err != nil {
			return fail(err)
		}
		fmt.Printf("Provisioned key %q in slot %s on device %s\n", ref.Label, slotStr, serial)
		fmt.Printf("Recipient: %s\n", ref.PublicRecipient)
		return nil
	},
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered keys with status and availability",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return fail(err)
		}
		listings := a.engine.ListKeys(cmd.Context())
		if len(listings) == 0 {
			fmt.Println("No keys registered. Create one with 'bvault keys create'.")
			return nil
		}
		for _, l := range listings {
			k := l.Key
			kind := "software"
			where := "key file"
			if k.Kind == keyring.KindHardware {
				kind = "hardware"
				if k.Device != nil {
					where = fmt.Sprintf("%s serial %s slot 0x%x", k.Device.Family, k.Device.Serial, k.Device.SlotKey)
				}
			}
			status := string(k.Status)
			if k.Kind == keyring.KindHardware && l.Availability == keyring.AvailabilityUnplugged {
				status += ", " + color.YellowString("unplugged")
			}
			lastUsed := "never"
			if k.LastUsedAt != nil {
				lastUsed = k.LastUsedAt.Format("2006-01-02 15:04")
			}
			fmt.Printf("%s  [%s]\n", color.New(color.Bold).Sprint(k.Label), statusColor(k.Status)(status))
			fmt.Printf("    id: %s  kind: %s (%s)\n", k.ID, kind, where)
			fmt.Printf("    created: %s  last used: %s\n", k.CreatedAt.Format("2006-01-02"), lastUsed)
		}
		return nil
	},
}

var keysExportCmd = &cobra.Command{
	Use:   "export <key>",
	Short: "Print a key's public recipient string",
	Long: `Print the shareable recipient string for a key. Anyone holding this
string can encrypt archives that only the key can open.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return fail(err)
		}
		ref, err := a.engine.Registry().Get(args[0])
		if err != nil {
			return fail(err)
		}
		fmt.Println(ref.PublicRecipient)
		return nil
	},
}

var keysRenameCmd = &cobra.Command{
	Use:   "rename <key> <new-label>",
	Short: "Change a key's label",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return fail(err)
		}
		if err := a.engine.Registry().Rename(args[0], args[1]); err != nil {
			return fail(err)
		}
		fmt.Printf("Renamed to %q\n", args[1])
		return nil
	},
}

// transitionCmd builds one lifecycle subcommand.
func transitionCmd(use, short string, target keyring.Status) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <key>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return fail(err)
			}
			ref, err := a.engine.Registry().Transition(args[0], target)
			if err != nil {
				return fail(err)
			}
			fmt.Printf("Key %q is now %s\n", ref.Label, ref.Status)
			return nil
		},
	}
}

var keysDestroyCmd = &cobra.Command{
	Use:   "destroy <key>",
	Short: "Destroy a key's private material",
	Long: `Destroy a key. For software keys the encrypted key file is deleted;
for hardware keys only the registration is removed, the device slot is
untouched. Archives encrypted only to this key become unrecoverable.
Requires --yes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			return fail(fmt.Errorf("destroying a key is irreversible; re-run with --yes to confirm"))
		}
		a, err := newApp(cmd)
		if err != nil {
			return fail(err)
		}
		ref, err := a.engine.Registry().Destroy(args[0])
		if err != nil {
			return fail(err)
		}
		fmt.Printf("Key %q destroyed\n", ref.Label)
		return nil
	},
}

func statusColor(s keyring.Status) func(a ...interface{}) string {
	switch s {
	case keyring.StatusActive:
		return color.New(color.FgGreen).SprintFunc()
	case keyring.StatusSuspended:
		return color.New(color.FgYellow).SprintFunc()
	case keyring.StatusCompromised, keyring.StatusDestroyed:
		return color.New(color.FgRed).SprintFunc()
	default:
		return fmt.Sprint
	}
}

// parseSlotKey accepts PIV slot hex IDs and friendly names.
func parseSlotKey(s string) (uint32, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "9a", "auth", "authentication":
		return 0x9a, nil
	case "9c", "sig", "signature":
		return 0x9c, nil
	case "9d", "km", "keymgmt", "keymanagement":
		return 0x9d, nil
	case "9e", "cardauth", "cardauthentication":
		return 0x9e, nil
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("unsupported slot %q (use 9a, 9c, 9d, or 9e)", s)
	}
	return uint32(v), nil
}

// parseCurveName maps user-facing curve names to curve IDs.
func parseCurveName(name string) (uint8, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "p256", "p-256", "nistp256":
		return vault.CurveP256, nil
	case "p384", "p-384", "nistp384":
		return vault.CurveP384, nil
	default:
		return 0, fmt.Errorf("unknown curve %q (use p256 or p384)", name)
	}
}

func init() {
	keysCreateCmd.Flags().String("label", "", "label for the new key (required)")
	_ = keysCreateCmd.MarkFlagRequired("label")

	keysRegisterCmd.Flags().String("label", "", "label for the key (required)")
	keysRegisterCmd.Flags().String("serial", "", "device serial (required)")
	keysRegisterCmd.Flags().String("slot", "9d", "PIV slot holding the key")
	_ = keysRegisterCmd.MarkFlagRequired("label")
	_ = keysRegisterCmd.MarkFlagRequired("serial")

	keysProvisionCmd.Flags().String("label", "", "label for the key (required)")
	keysProvisionCmd.Flags().String("serial", "", "device serial (required)")
	keysProvisionCmd.Flags().String("slot", "9d", "PIV slot to provision")
	keysProvisionCmd.Flags().String("curve", "p256", "curve for the new key (p256 or p384)")
	keysProvisionCmd.Flags().Bool("no-touch", false, "do not require touch for each use")
	_ = keysProvisionCmd.MarkFlagRequired("label")
	_ = keysProvisionCmd.MarkFlagRequired("serial")

	keysDestroyCmd.Flags().Bool("yes", false, "confirm destruction")

	keysCmd.AddCommand(
		keysCreateCmd,
		keysRegisterCmd,
		keysProvisionCmd,
		keysListCmd,
		keysExportCmd,
		keysRenameCmd,
		transitionCmd("suspend", "Suspend a key (decrypt only until resumed)", keyring.StatusSuspended),
		transitionCmd("resume", "Resume a suspended key", keyring.StatusActive),
		transitionCmd("deactivate", "Deactivate a key (no further cryptographic use)", keyring.StatusDeactivated),
		transitionCmd("compromise", "Mark a key as compromised", keyring.StatusCompromised),
		keysDestroyCmd,
	)
	rootCmd.AddCommand(keysCmd)
}
