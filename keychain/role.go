package keychain

import (
	"fmt"
	"strings"
)

// Role is a key privilege tier of an account. Every account can hold at most
// one key per role.
type Role uint8

const (
	// RoleOwner is the key with full authority over the account,
	// including changing the other keys.
	RoleOwner Role = iota + 1

	// RoleActive is the key used for transfers and other financial
	// operations.
	RoleActive

	// RolePosting is the key used for social operations such as posting
	// and voting.
	RolePosting

	// RoleMemo is the key used to encrypt and decrypt private memos. It
	// is derived like the other roles but carries no signing authority.
	RoleMemo
)

// AllRoles lists every known role, most privileged first.
var AllRoles = []Role{RoleOwner, RoleActive, RolePosting, RoleMemo}

// String returns the canonical lower case name of the role. This name is
// also the value bound into the derivation seed, so it must never change.
func (r Role) String() string {
	switch r {
	case RoleOwner:
		return "owner"
	case RoleActive:
		return "active"
	case RolePosting:
		return "posting"
	case RoleMemo:
		return "memo"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(r))
	}
}

// IsValid returns true if r is one of the four known roles.
func (r Role) IsValid() bool {
	return r >= RoleOwner && r <= RoleMemo
}

// Privilege returns the signing privilege of the role. Higher values carry
// more authority: owner > active > posting. The memo role has no signing
// authority and ranks lowest.
func (r Role) Privilege() int {
	switch r {
	case RoleOwner:
		return 3
	case RoleActive:
		return 2
	case RolePosting:
		return 1
	default:
		return 0
	}
}

// Outranks reports whether r carries strictly more signing privilege than
// other.
func (r Role) Outranks(other Role) bool {
	return r.Privilege() > other.Privilege()
}

// MarshalText implements encoding.TextMarshaler so roles can be used as
// keys of serialized maps.
func (r Role) MarshalText() ([]byte, error) {
	if !r.IsValid() {
		return nil, fmt.Errorf("%w: unknown role %d", ErrInvalidInput,
			uint8(r))
	}

	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Only the canonical
// name is accepted, so that two spellings of a role can never decode to the
// same map key.
func (r *Role) UnmarshalText(text []byte) error {
	for _, role := range AllRoles {
		if string(text) == role.String() {
			*r = role
			return nil
		}
	}

	return fmt.Errorf("%w: unknown role %q", ErrInvalidInput, text)
}

// ParseRole maps a role name to its Role. Matching ignores case and
// surrounding space, anything else outside the closed set is rejected.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "owner":
		return RoleOwner, nil
	case "active":
		return RoleActive, nil
	case "posting":
		return RolePosting, nil
	case "memo":
		return RoleMemo, nil
	default:
		return 0, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
	}
}

// ParseRoles parses a comma separated list of role names. Duplicates are
// collapsed and the result is ordered most privileged first.
func ParseRoles(list string) ([]Role, error) {
	seen := make(map[Role]bool)
	for _, name := range strings.Split(list, ",") {
		if strings.TrimSpace(name) == "" {
			continue
		}

		role, err := ParseRole(name)
		if err != nil {
			return nil, err
		}
		seen[role] = true
	}

	if len(seen) == 0 {
		return nil, fmt.Errorf("%w: no roles given", ErrInvalidInput)
	}

	roles := make([]Role, 0, len(seen))
	for _, role := range AllRoles {
		if seen[role] {
			roles = append(roles, role)
		}
	}

	return roles, nil
}
