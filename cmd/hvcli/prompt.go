package main

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/hiveledger/hvault/secret"
	"golang.org/x/term"
)

var (
	errEmptySecret = errors.New("no input given")

	errPINMismatch = errors.New("PINs don't match")
)

// readPassword reads a password from the terminal. This requires there to be
// an actual TTY so passing in a password from stdin won't work. It's a
// variable so that the tests can feed input.
var readPassword = func(text string) ([]byte, error) {
	fmt.Fprint(os.Stderr, text)

	// The variable syscall.Stdin is of a different type in the Windows API
	// that's why we need the explicit cast. And of course the linter
	// doesn't like it either.
	pw, err := term.ReadPassword(int(syscall.Stdin)) // nolint:unconvert
	fmt.Fprintln(os.Stderr)

	return pw, err
}

// readSecret prompts for a secret and moves it into a secret buffer. The
// slice returned by the terminal is zeroed.
func readSecret(text string) (*secret.Buffer, error) {
	raw, err := readPassword(text)
	if err != nil {
		secret.Zero(raw)
		return nil, err
	}

	if len(raw) == 0 {
		return nil, errEmptySecret
	}

	return secret.FromBytes(raw), nil
}

// readNewPIN prompts for a new PIN twice and returns it once both entries
// match.
func readNewPIN(text string) (*secret.Buffer, error) {
	pin, err := readSecret(text)
	if err != nil {
		return nil, err
	}

	confirm, err := readSecret("Confirm PIN: ")
	if err != nil {
		pin.Scrub()
		return nil, err
	}
	defer confirm.Scrub()

	if !pin.Equal(confirm) {
		pin.Scrub()
		return nil, errPINMismatch
	}

	return pin, nil
}
