// Package credstore adapts an OS provided secure secret storage service,
// such as the macOS keychain, the Secret Service on Linux or the Windows
// credential manager, to the secret buffers used by the vault.
package credstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hiveledger/hvault/secret"
)

var (
	// ErrUnavailable is returned whenever the backing credential store
	// can't complete a request, be it because no store is running, the
	// user denied access or the entry is gone.
	ErrUnavailable = errors.New("credential store unavailable")

	// ErrInvalidHandle is returned when a handle can't be split into its
	// service and account parts.
	ErrInvalidHandle = errors.New("invalid credential store handle")
)

// handleSeparator separates the service from the account in a Handle.
// Service names never contain it.
const handleSeparator = "/"

// Handle is an opaque reference to a secret held by a Store. It is the
// value persisted in the vault file in place of the secret itself.
type Handle string

// NewHandle returns the handle addressing the entry of account under
// service.
func NewHandle(service, account string) (Handle, error) {
	if service == "" || account == "" ||
		strings.Contains(service, handleSeparator) {

		return "", fmt.Errorf("%w: service=%q account=%q",
			ErrInvalidHandle, service, account)
	}

	return Handle(service + handleSeparator + account), nil
}

// Split returns the service and account parts of the handle.
func (h Handle) Split() (string, string, error) {
	service, account, ok := strings.Cut(string(h), handleSeparator)
	if !ok || service == "" || account == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidHandle, string(h))
	}

	return service, account, nil
}

// String returns the handle's textual form.
func (h Handle) String() string {
	return string(h)
}

// Store is a secure secret storage service that the vault can defer to in
// place of a PIN. Implementations must never persist the secret in plain
// text on disk.
type Store interface {
	// SetSecret places a copy of the secret in the store under the
	// given service and account, replacing any previous entry, and
	// returns the handle to retrieve it later. The caller keeps
	// ownership of s.
	SetSecret(service, account string, s *secret.Buffer) (Handle, error)

	// GetSecret retrieves the secret referenced by the handle into a new
	// buffer owned by the caller.
	GetSecret(h Handle) (*secret.Buffer, error)

	// DeleteSecret removes the secret referenced by the handle.
	DeleteSecret(h Handle) error
}
