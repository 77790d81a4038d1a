/*
Copyright © 2025 Barqly

bridge.go implements the subprocess bridge for external helper tools.

This module provides:
  - Tool resolution through the application configuration
  - Per-tool-class timeout budgets (hardware tools wait on a human)
  - Secret delivery out-of-band, never via argv or environment
  - Guaranteed reaping of child processes on every exit path
  - A typed error taxonomy mapped from exit conditions
  - A private scratch directory per call, removed unconditionally

Stdout and stderr are captured but never logged verbatim: when a secret
was delivered to the child, any echo of it is redacted before an excerpt
reaches an error message.
*/
package bridge

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/Barqly/barqly-vault-sub014/internal/config"
	berrors "github.com/Barqly/barqly-vault-sub014/internal/errors"
	"github.com/Barqly/barqly-vault-sub014/internal/logging"
)

// stderrExcerptLen bounds how much sanitized stderr ends up in errors.
const stderrExcerptLen = 200

// Request describes one subprocess invocation.
type Request struct {
	// Tool is the logical tool name resolved through the configuration.
	Tool string
	// Args must not contain secret material; they may appear in process
	// listings on every platform.
	Args []string
	// SecretInput, when non-nil, is delivered through an interactive
	// terminal channel so tools that refuse piped secrets accept it.
	// The bridge never reuses or retains it after the call.
	SecretInput []byte
	// Env entries appended to a minimal environment. No secrets.
	Env []string
}

// Output is the captured result of a successful invocation.
type Output struct {
	Stdout []byte
	Stderr []byte
}

// Runner executes external tools under the bridge contract.
type Runner struct {
	cfg *config.Config
	log logging.Logger
}

// NewRunner creates a Runner bound to the given configuration.
func NewRunner(cfg *config.Config, log logging.Logger) *Runner {
	return &Runner{cfg: cfg, log: log}
}

// Run executes the tool and waits for it to finish. The child always
// gets reaped: cancellation and timeout kill the process group first
// and then wait. Temp files created for the call are removed on all
// exit paths.
func (r *Runner) Run(ctx context.Context, req Request) (*Output, error) {
	path, err := r.cfg.ResolveTool(req.Tool)
	if err != nil {
		return nil, err
	}
	seconds, hardware := r.cfg.ToolTimeout(req.Tool)
	ctx, cancel := context.WithTimeout(ctx, time.Duration(seconds)*time.Second)
	defer cancel()

	// Private scratch dir so stray child temp files never outlive the call.
	scratch, err := os.MkdirTemp("", "bvault-bridge-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(scratch)

	cmd := exec.CommandContext(ctx, path, req.Args...)
	cmd.Env = append(append([]string{}, minimalEnv()...), req.Env...)
	cmd.Env = append(cmd.Env, "TMPDIR="+scratch)
	setProcAttr(cmd)
	cmd.Cancel = func() error { return killTree(cmd) }

	r.log.Debugf("bridge: running %s with %d args (secret input: %v)", req.Tool, len(req.Args), req.SecretInput != nil)

	var out *Output
	if req.SecretInput != nil {
		out, err = runInteractive(cmd, req.SecretInput)
	} else {
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		err = cmd.Run()
		out = &Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	}

	if err != nil {
		return nil, r.classify(ctx, req, hardware, out, err)
	}
	return out, nil
}

// classify converts a raw exec failure into the bridge error taxonomy.
func (r *Runner) classify(ctx context.Context, req Request, hardware bool, out *Output, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return berrors.ToolTimeout(req.Tool, hardware)
	case errors.Is(ctx.Err(), context.Canceled):
		return berrors.Cancelled()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.ExitCode() < 0 {
			// Killed by signal.
			return berrors.ToolCrashed(req.Tool, err)
		}
		var diag []byte
		if out != nil {
			diag = out.Stderr
			if len(diag) == 0 {
				// The pty path merges both streams into stdout.
				diag = out.Stdout
			}
		}
		return berrors.ToolFailed(req.Tool, exitErr.ExitCode(), excerpt(diag, req.SecretInput))
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return berrors.ToolNotFound(req.Tool, err)
	}
	return berrors.ToolCrashed(req.Tool, err)
}

// excerpt produces a short, sanitized stderr fragment for error hints.
// Control characters are dropped and any echo of the delivered secret
// is redacted.
func excerpt(stderr, secret []byte) string {
	s := string(stderr)
	if len(secret) > 0 {
		s = strings.ReplaceAll(s, string(secret), "[redacted]")
		s = strings.ReplaceAll(s, strings.TrimSpace(string(secret)), "[redacted]")
	}
	var b strings.Builder
	for _, r := range s {
		if r == '\n' {
			b.WriteRune(' ')
			continue
		}
		if r >= 32 {
			b.WriteRune(r)
		}
		if b.Len() >= stderrExcerptLen {
			break
		}
	}
	res := strings.TrimSpace(b.String())
	if res == "" {
		res = "(no diagnostic output)"
	}
	return res
}

// minimalEnv keeps the child environment small and secret-free.
func minimalEnv() []string {
	var env []string
	for _, key := range []string{"PATH", "HOME", "LANG", "USERPROFILE", "SystemRoot"} {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return env
}
