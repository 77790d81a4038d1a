/*
Copyright © 2025 Barqly

bvault - encrypted vault for Bitcoin custody documents

This is the main entry point for the bvault command-line tool. bvault
protects wallet descriptors, seed backups, and related documents with
multi-recipient encrypted archives, combining passphrase-protected
software keys with hardware-held keys that never release their private
material.
*/
package main

import "github.com/Barqly/barqly-vault-sub014/cmd"

func main() {
	cmd.Execute()
}
