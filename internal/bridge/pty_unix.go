//go:build linux || darwin

/*
Copyright © 2025 Barqly

pty_unix.go delivers secrets to helper tools over a pseudo-terminal.

Several device tools insist on reading PINs and passphrases from an
interactive terminal and refuse piped stdin. Running the child on a pty
satisfies their isatty check; the secret is written once the tool has
had a moment to print its prompt, and echoed output is captured so the
caller can redact it.
*/
package bridge

import (
	"bytes"
	"errors"
	"io"
	"os/exec"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// promptDelay gives the child time to emit its prompt before the
// secret is written. Tools read line-buffered, so early delivery would
// be consumed anyway, but waiting keeps transcripts sane.
const promptDelay = 300 * time.Millisecond

func runInteractive(cmd *exec.Cmd, secret []byte) (*Output, error) {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		_ = cmd.Wait()
		return nil, err
	}
	defer ptmx.Close()

	go func() {
		time.Sleep(promptDelay)
		_, _ = ptmx.Write(secret)
		_, _ = ptmx.Write([]byte("\n"))
	}()

	// On Linux the pty returns EIO once the child side closes; treat
	// that as EOF.
	var combined bytes.Buffer
	_, copyErr := io.Copy(&combined, ptmx)
	waitErr := cmd.Wait()
	if waitErr != nil {
		return &Output{Stdout: combined.Bytes()}, waitErr
	}
	if copyErr != nil && !isPtyEOF(copyErr) {
		return &Output{Stdout: combined.Bytes()}, copyErr
	}
	return &Output{Stdout: combined.Bytes()}, nil
}

func isPtyEOF(err error) bool {
	if err == io.EOF {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EIO
	}
	return false
}

// setProcAttr places the child in its own process group so killTree
// can take down the whole tree, not just the immediate child.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killTree(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	// Negative pid signals the process group.
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
