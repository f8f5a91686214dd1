package credstore

import (
	"fmt"
	"sync"

	"github.com/hiveledger/hvault/secret"
)

// MemStore is an in-memory Store for tests and embedders whose secrets
// don't need to outlive the process. The cli never uses it: with the OS
// keyring disabled it passes no store at all, so keys must carry a PIN.
type MemStore struct {
	mu      sync.Mutex
	secrets map[Handle]*secret.Buffer

	// fail makes every operation return ErrUnavailable.
	fail bool
}

// A compile time check to ensure MemStore implements the Store interface.
var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty in-memory Store.
func NewMemStore() *MemStore {
	return &MemStore{
		secrets: make(map[Handle]*secret.Buffer),
	}
}

// SetUnavailable toggles whether the store rejects every request, to
// simulate a locked or missing OS keyring.
func (m *MemStore) SetUnavailable(unavailable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fail = unavailable
}

// Len returns the number of held secrets.
func (m *MemStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.secrets)
}

// SetSecret stores a copy of the secret.
//
// NOTE: Part of the Store interface.
func (m *MemStore) SetSecret(service, account string,
	sec *secret.Buffer) (Handle, error) {

	handle, err := NewHandle(service, account)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail {
		return "", ErrUnavailable
	}

	cp := secret.New(sec.Len())
	copy(cp.Bytes(), sec.Bytes())

	if old, ok := m.secrets[handle]; ok {
		old.Scrub()
	}
	m.secrets[handle] = cp

	return handle, nil
}

// GetSecret returns a copy of the secret.
//
// NOTE: Part of the Store interface.
func (m *MemStore) GetSecret(h Handle) (*secret.Buffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail {
		return nil, ErrUnavailable
	}

	sec, ok := m.secrets[h]
	if !ok {
		return nil, fmt.Errorf("%w: no entry for %v", ErrUnavailable, h)
	}

	cp := secret.New(sec.Len())
	copy(cp.Bytes(), sec.Bytes())

	return cp, nil
}

// DeleteSecret scrubs and forgets the secret.
//
// NOTE: Part of the Store interface.
func (m *MemStore) DeleteSecret(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail {
		return ErrUnavailable
	}

	if sec, ok := m.secrets[h]; ok {
		sec.Scrub()
		delete(m.secrets, h)
	}

	return nil
}
