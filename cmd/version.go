/*
Copyright © 2025 Barqly

version.go implements the 'version' command.

Version information is embedded at build time via ldflags:

	go build -ldflags "-X github.com/Barqly/barqly-vault-sub014/cmd.Version=1.0.0 \
	                   -X github.com/Barqly/barqly-vault-sub014/cmd.GitCommit=$(git rev-parse HEAD) \
	                   -X github.com/Barqly/barqly-vault-sub014/cmd.BuildTime=$(date -Iseconds)"
*/
package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// Version information variables, set via ldflags during the build.
var (
	Version   = "dev"     // Semantic version (e.g., "1.0.0")
	BuildTime = "unknown" // Build timestamp
	GitCommit = "unknown" // Git commit hash
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("bvault - encrypted vault for Bitcoin custody documents")
		fmt.Printf("Version:    %s\n", Version)
		fmt.Printf("Git Commit: %s\n", GitCommit)
		fmt.Printf("Built:      %s\n", BuildTime)
		fmt.Println()
		fmt.Printf("Copyright © 2025-%d Barqly\n", time.Now().Year())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
