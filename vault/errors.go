package vault

import (
	"errors"
	"fmt"

	"github.com/hiveledger/hvault/keychain"
)

var (
	// ErrInvalidInput is returned for empty or malformed arguments. It is
	// the same value as keychain.ErrInvalidInput so that derivation and
	// vault failures can be matched with a single errors.Is.
	ErrInvalidInput = keychain.ErrInvalidInput

	// ErrAccountNotFound is returned when the vault holds no key for the
	// requested account.
	ErrAccountNotFound = errors.New("account not found")

	// ErrRoleNotFound is returned when the account exists but holds no
	// key for the requested role.
	ErrRoleNotFound = errors.New("role not found")

	// ErrDuplicateKeyRecord is returned when adding a key over an
	// existing one without confirming the overwrite.
	ErrDuplicateKeyRecord = errors.New("key record already exists")

	// ErrDecryptionFailed is returned when a key can't be decrypted. A
	// wrong PIN and a tampered record are deliberately reported the same
	// way.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrVaultCorrupt is returned when the vault file exists but can't be
	// parsed or fails its schema, version or checksum validation.
	ErrVaultCorrupt = errors.New("vault file corrupt")

	// ErrCredentialStoreUnavailable is returned when the OS credential
	// store can't hold or return a key. The vault never falls back to
	// storing the key on disk.
	ErrCredentialStoreUnavailable = errors.New("credential store " +
		"unavailable")

	// ErrNotInitialized is returned if the vault is used before
	// Initialize.
	ErrNotInitialized = errors.New("vault not initialized")
)

// KeyError describes a failure concerning the key of a single account role.
// It only ever carries identifiers and the error kind, never key material.
type KeyError struct {
	// Account is the account the key belongs to.
	Account string

	// Role is the role of the key.
	Role keychain.Role

	// Err is the underlying error kind.
	Err error
}

// Error implements the error interface.
func (e *KeyError) Error() string {
	return fmt.Sprintf("%s key of account %q: %v", e.Role, e.Account,
		e.Err)
}

// Unwrap returns the underlying error kind so that KeyError can be matched
// with errors.Is.
func (e *KeyError) Unwrap() error {
	return e.Err
}

// keyErr is a shorthand for creating a KeyError.
func keyErr(account string, role keychain.Role, err error) error {
	return &KeyError{Account: account, Role: role, Err: err}
}
