// Package registry provides the read side view of the accounts held in a
// vault.
package registry

import (
	"github.com/hiveledger/hvault/keychain"
)

// Source is the vault state the registry projects. It is satisfied by
// *vault.Store.
type Source interface {
	// Accounts returns the names of the accounts holding keys, sorted.
	Accounts() []string

	// Roles returns the roles held by the account, most privileged
	// first.
	Roles(account string) ([]keychain.Role, error)

	// DefaultAccount returns the default account, and false if unset.
	DefaultAccount() (string, bool)

	// PublicKey returns the public key text of the account role.
	PublicKey(account string, role keychain.Role) (string, error)
}

// AccountSummary describes the keys held for an account.
type AccountSummary struct {
	// Name is the account name.
	Name string

	// Roles lists the roles the account holds a key for, most
	// privileged first.
	Roles []keychain.Role

	// KeyCount is the number of keys held for the account.
	KeyCount int

	// IsDefault is true if this is the default account.
	IsDefault bool

	// PublicKeys maps each held role to its public key text.
	PublicKeys map[keychain.Role]string
}

// Registry answers account queries against a Source. It holds no state of
// its own, so it always reflects the current vault content.
type Registry struct {
	src Source
}

// New returns a registry over the given source.
func New(src Source) *Registry {
	return &Registry{
		src: src,
	}
}

// ListAccounts returns the names of all accounts holding at least one key.
func (r *Registry) ListAccounts() []string {
	return r.src.Accounts()
}

// GetAccountSummary returns the summary of the named account.
func (r *Registry) GetAccountSummary(name string) (*AccountSummary, error) {
	roles, err := r.src.Roles(name)
	if err != nil {
		return nil, err
	}

	pubKeys := make(map[keychain.Role]string, len(roles))
	for _, role := range roles {
		pubKey, err := r.src.PublicKey(name, role)
		if err != nil {
			return nil, err
		}
		pubKeys[role] = pubKey
	}

	def, ok := r.src.DefaultAccount()

	return &AccountSummary{
		Name:       name,
		Roles:      roles,
		KeyCount:   len(roles),
		IsDefault:  ok && def == name,
		PublicKeys: pubKeys,
	}, nil
}

// GetDefaultAccount returns the default account, and false if none is set.
func (r *Registry) GetDefaultAccount() (string, bool) {
	return r.src.DefaultAccount()
}

// ListSummaries returns the summaries of all accounts in name order.
func (r *Registry) ListSummaries() ([]*AccountSummary, error) {
	accounts := r.src.Accounts()

	summaries := make([]*AccountSummary, 0, len(accounts))
	for _, name := range accounts {
		summary, err := r.GetAccountSummary(name)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}

	return summaries, nil
}
