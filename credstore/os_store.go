package credstore

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/hiveledger/hvault/secret"
	"github.com/zalando/go-keyring"
)

// OSStore is a Store backed by the operating system's keyring.
//
// The keyring API only accepts and returns strings, so the secret is hex
// encoded at this boundary. That string is the one unavoidable copy outside
// a secret.Buffer and lives only for the duration of the call.
type OSStore struct{}

// A compile time check to ensure OSStore implements the Store interface.
var _ Store = (*OSStore)(nil)

// NewOSStore returns a Store backed by the OS keyring.
func NewOSStore() *OSStore {
	return &OSStore{}
}

// SetSecret places the secret in the OS keyring.
//
// NOTE: Part of the Store interface.
func (s *OSStore) SetSecret(service, account string,
	sec *secret.Buffer) (Handle, error) {

	handle, err := NewHandle(service, account)
	if err != nil {
		return "", err
	}

	encoded := secret.New(hex.EncodedLen(sec.Len()))
	defer encoded.Scrub()
	hex.Encode(encoded.Bytes(), sec.Bytes())

	err = keyring.Set(service, account, string(encoded.Bytes()))
	if err != nil {
		log.Errorf("Unable to store secret for %v: %v", handle, err)
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	log.Debugf("Stored secret for %v", handle)

	return handle, nil
}

// GetSecret retrieves the secret from the OS keyring.
//
// NOTE: Part of the Store interface.
func (s *OSStore) GetSecret(h Handle) (*secret.Buffer, error) {
	service, account, err := h.Split()
	if err != nil {
		return nil, err
	}

	encoded, err := keyring.Get(service, account)
	switch {
	case errors.Is(err, keyring.ErrNotFound):
		return nil, fmt.Errorf("%w: no entry for %v", ErrUnavailable, h)

	case err != nil:
		log.Errorf("Unable to fetch secret for %v: %v", h, err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	sec := secret.New(hex.DecodedLen(len(encoded)))
	if _, err := hex.Decode(sec.Bytes(), []byte(encoded)); err != nil {
		sec.Scrub()
		return nil, fmt.Errorf("%w: malformed entry for %v",
			ErrUnavailable, h)
	}

	return sec, nil
}

// DeleteSecret removes the secret from the OS keyring. Deleting an entry
// that is already gone is not an error.
//
// NOTE: Part of the Store interface.
func (s *OSStore) DeleteSecret(h Handle) error {
	service, account, err := h.Split()
	if err != nil {
		return err
	}

	err = keyring.Delete(service, account)
	switch {
	case errors.Is(err, keyring.ErrNotFound):
		log.Debugf("Secret for %v already deleted", h)
		return nil

	case err != nil:
		log.Errorf("Unable to delete secret for %v: %v", h, err)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	log.Debugf("Deleted secret for %v", h)

	return nil
}
