package keychain

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// MinAccountNameLen is the shortest account name the ledger accepts.
	MinAccountNameLen = 3

	// MaxAccountNameLen is the longest account name the ledger accepts.
	MaxAccountNameLen = 16
)

// accountSegment matches one dot separated label of an account name.
var accountSegment = regexp.MustCompile(`^[a-z][a-z0-9-]+[a-z0-9]$`)

// ValidateAccountName checks that name is a well formed ledger account
// name: 3 to 16 characters, made of dot separated labels that start with a
// letter, end with a letter or digit and are at least 3 characters long.
func ValidateAccountName(name string) error {
	if len(name) < MinAccountNameLen || len(name) > MaxAccountNameLen {
		return fmt.Errorf("%w: account name %q must be %d to %d "+
			"characters", ErrInvalidInput, name, MinAccountNameLen,
			MaxAccountNameLen)
	}

	for _, label := range strings.Split(name, ".") {
		if !accountSegment.MatchString(label) {
			return fmt.Errorf("%w: invalid account name %q",
				ErrInvalidInput, name)
		}
	}

	return nil
}
