/*
Copyright © 2025 Barqly

prompt.go implements terminal interaction helpers shared by commands:
hidden secret entry and a spinner fed by progress events.
*/
package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"golang.org/x/term"

	"github.com/Barqly/barqly-vault-sub014/internal/progress"
)

// promptHidden prompts for input without echoing to the terminal.
// Falls back to normal reading when stdin is not a terminal (piped
// input in scripts and tests).
func promptHidden(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	if term.IsTerminal(int(os.Stdin.Fd())) {
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	var s string
	_, err := fmt.Fscanln(os.Stdin, &s)
	return strings.TrimSpace(s), err
}

// promptNewPassphrase prompts twice and insists the entries match.
func promptNewPassphrase() (string, error) {
	p1, err := promptHidden("Passphrase: ")
	if err != nil {
		return "", err
	}
	if p1 == "" {
		return "", fmt.Errorf("empty passphrase not allowed")
	}
	p2, err := promptHidden("Confirm passphrase: ")
	if err != nil {
		return "", err
	}
	if p1 != p2 {
		return "", fmt.Errorf("passphrases do not match")
	}
	return p1, nil
}

// watchProgress drives a terminal spinner from an operation's progress
// events until the terminal event arrives. Call as a goroutine before
// starting the operation; it exits when the broker closes the channel.
func watchProgress(ch <-chan progress.Update) {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Start()
	defer s.Stop()
	for u := range ch {
		if u.Terminal {
			return
		}
		s.Suffix = fmt.Sprintf(" %s (%d%%)", u.Stage, int(u.Fraction*100))
	}
}

// startSpinner registers the operation with the broker ahead of the
// engine (Start is idempotent) so the subscription exists before the
// first real progress event, and runs the spinner in the background.
func startSpinner(b *progress.Broker, operationID, stage string) {
	b.Start(operationID, stage)
	ch := b.Subscribe(operationID)
	go watchProgress(ch)
}
