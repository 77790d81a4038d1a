//go:build !linux && !darwin

/*
Copyright © 2025 Barqly

pty_other.go is the fallback secret channel for platforms without a
pseudo-terminal API. The secret goes over a stdin pipe; tools that hard
require a terminal are not supported here.
*/
package bridge

import (
	"bytes"
	"os/exec"
	"strings"
)

func runInteractive(cmd *exec.Cmd, secret []byte) (*Output, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Stdin = strings.NewReader(string(secret) + "\n")
	err := cmd.Run()
	return &Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, err
}

func setProcAttr(cmd *exec.Cmd) {}

func killTree(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
