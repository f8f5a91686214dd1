// Package unlock hands a decrypted private key to exactly one consuming
// operation and scrubs it afterwards, whatever the outcome.
package unlock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hiveledger/hvault/keychain"
	"github.com/hiveledger/hvault/secret"
)

// State is the state of an Unlocker.
type State uint8

const (
	// Locked means no key is decrypted.
	Locked State = iota

	// Unlocking means a key was requested and is being decrypted.
	Unlocking

	// Unlocked means a decrypted key is in use by a consumer.
	Unlocked
)

// String returns a human readable name of the state.
func (s State) String() string {
	switch s {
	case Locked:
		return "locked"
	case Unlocking:
		return "unlocking"
	case Unlocked:
		return "unlocked"
	default:
		return "unknown"
	}
}

var (
	// ErrAlreadyUnlocked is returned when a key is requested while
	// another request is still in flight.
	ErrAlreadyUnlocked = errors.New("another key is already unlocked")

	// ErrNoPINPrompter is returned when a PIN protected key is requested
	// but no prompter is configured.
	ErrNoPINPrompter = errors.New("key is PIN protected but no PIN " +
		"prompter is set")
)

// KeySource is the vault the keys are decrypted from. It is satisfied by
// *vault.Store.
type KeySource interface {
	// IsEncrypted returns true if the key needs a PIN.
	IsEncrypted(account string, role keychain.Role) (bool, error)

	// GetKey returns the decrypted key in a buffer owned by the caller.
	GetKey(account string, role keychain.Role,
		pin *secret.Buffer) (*secret.Buffer, error)
}

// PINPrompter reads the PIN of the given key from the user.
type PINPrompter func(account string, role keychain.Role) (*secret.Buffer,
	error)

// Config holds the dependencies of an Unlocker.
type Config struct {
	// Keys is the vault to decrypt keys from.
	Keys KeySource

	// PromptPIN reads the PIN of PIN protected keys.
	PromptPIN PINPrompter

	// OnUnlocking, if set, is called once the PIN, if any, was read and
	// before decryption starts. It is where progress output may begin.
	OnUnlocking func(account string, role keychain.Role)
}

// Unlocker runs operations that need a decrypted private key. At most one
// key is unlocked at a time per Unlocker, and the CLI creates a single
// Unlocker per process.
type Unlocker struct {
	cfg *Config

	mu    sync.Mutex
	state State
}

// New creates an Unlocker in the Locked state.
func New(cfg *Config) *Unlocker {
	return &Unlocker{
		cfg:   cfg,
		state: Locked,
	}
}

// State returns the current state.
func (u *Unlocker) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.state
}

// setState moves to the given state.
func (u *Unlocker) setState(state State) {
	u.mu.Lock()
	u.state = state
	u.mu.Unlock()
}

// WithKey decrypts the key of the account role and passes it to use. The
// PIN, if needed, is read before OnUnlocking is called. When use returns,
// fails or panics, the key is scrubbed and the Unlocker goes back to Locked.
// A panic is propagated after the scrub.
//
// The key must not be retained by use past its return. A call made while
// another one is in flight, including from within use, fails with
// ErrAlreadyUnlocked.
func (u *Unlocker) WithKey(ctx context.Context, account string,
	role keychain.Role,
	use func(context.Context, *secret.Buffer) error) error {

	u.mu.Lock()
	if u.state != Locked {
		u.mu.Unlock()
		return ErrAlreadyUnlocked
	}
	u.state = Unlocking
	u.mu.Unlock()

	// Registered first so that it runs last, after every scrub.
	defer func() {
		u.setState(Locked)
		log.Debugf("Locked %v key of %v", role, account)
	}()

	encrypted, err := u.cfg.Keys.IsEncrypted(account, role)
	if err != nil {
		return err
	}

	// Secret entry comes before any other output.
	var pin *secret.Buffer
	if encrypted {
		if u.cfg.PromptPIN == nil {
			return ErrNoPINPrompter
		}

		pin, err = u.cfg.PromptPIN(account, role)
		if err != nil {
			return fmt.Errorf("unable to read PIN: %w", err)
		}
		defer pin.Scrub()
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if u.cfg.OnUnlocking != nil {
		u.cfg.OnUnlocking(account, role)
	}

	key, err := u.cfg.Keys.GetKey(account, role, pin)
	pin.Scrub()
	if err != nil {
		return err
	}
	defer key.Scrub()

	u.setState(Unlocked)
	log.Debugf("Unlocked %v key of %v", role, account)

	return use(ctx, key)
}
