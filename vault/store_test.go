package vault

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/hiveledger/hvault/credstore"
	"github.com/hiveledger/hvault/keychain"
	"github.com/hiveledger/hvault/secret"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func buf(s string) *secret.Buffer {
	return secret.FromBytes([]byte(s))
}

// testKey derives a deterministic private key for the tests.
func testKey(t *testing.T, account string,
	role keychain.Role) *secret.Buffer {

	t.Helper()

	password := buf("p1")
	defer password.Scrub()

	privKey, _, err := keychain.Derive(password, account, role)
	require.NoError(t, err)

	return privKey
}

type testVault struct {
	*Store

	path  string
	creds *credstore.MemStore
}

func newTestVault(t *testing.T) *testVault {
	t.Helper()

	path := filepath.Join(t.TempDir(), "wallet", DefaultFileName)
	creds := credstore.NewMemStore()

	store := New(&Config{
		Path:      path,
		Scrypt:    FastScryptParams,
		CredStore: creds,
	})
	require.NoError(t, store.Initialize())

	return &testVault{Store: store, path: path, creds: creds}
}

// reopen loads the vault file from disk into a fresh store.
func (v *testVault) reopen(t *testing.T) *Store {
	t.Helper()

	store := New(&Config{
		Path:      v.path,
		Scrypt:    FastScryptParams,
		CredStore: v.creds,
	})
	require.NoError(t, store.Initialize())

	return store
}

// TestInitializeCreatesEmptyVault asserts that a missing vault file is
// created on initialization with restrictive permissions.
func TestInitializeCreatesEmptyVault(t *testing.T) {
	t.Parallel()

	v := newTestVault(t)
	require.Empty(t, v.Accounts())

	_, ok := v.DefaultAccount()
	require.False(t, ok)

	info, err := os.Stat(v.path)
	require.NoError(t, err)
	if runtime.GOOS != "windows" {
		require.Equal(t, os.FileMode(fileMode), info.Mode().Perm())
	}

	_, err = os.Stat(v.path + tempFileSuffix)
	require.True(t, os.IsNotExist(err))
}

// TestUninitialized asserts that a store refuses to work before its file is
// loaded.
func TestUninitialized(t *testing.T) {
	t.Parallel()

	store := New(&Config{Path: filepath.Join(t.TempDir(), "v.json")})

	_, err := store.GetKey("alice", keychain.RoleActive, buf("1234"))
	require.ErrorIs(t, err, ErrNotInitialized)
	require.ErrorIs(t, store.SetDefaultAccount("alice"), ErrNotInitialized)
}

// TestAddGetRoundTrip asserts that a key added with or without a PIN is
// returned bit for bit.
func TestAddGetRoundTrip(t *testing.T) {
	t.Parallel()

	v := newTestVault(t)

	active := testKey(t, "alice", keychain.RoleActive)
	posting := testKey(t, "alice", keychain.RolePosting)

	require.NoError(t, v.AddKey(
		"alice", keychain.RoleActive, active, buf("1234"), false,
	))
	require.NoError(t, v.AddKey(
		"alice", keychain.RolePosting, posting, nil, false,
	))
	require.Equal(t, 1, v.creds.Len())

	got, err := v.GetKey("alice", keychain.RoleActive, buf("1234"))
	require.NoError(t, err)
	require.True(t, active.Equal(got))
	got.Scrub()

	got, err = v.GetKey("alice", keychain.RolePosting, nil)
	require.NoError(t, err)
	require.True(t, posting.Equal(got))
	got.Scrub()

	encrypted, err := v.IsEncrypted("alice", keychain.RoleActive)
	require.NoError(t, err)
	require.True(t, encrypted)

	encrypted, err = v.IsEncrypted("alice", keychain.RolePosting)
	require.NoError(t, err)
	require.False(t, encrypted)

	// The caller keeps ownership of the key.
	require.False(t, active.IsScrubbed())

	// A fresh process sees the same keys.
	reopened := v.reopen(t)
	got, err = reopened.GetKey("alice", keychain.RoleActive, buf("1234"))
	require.NoError(t, err)
	require.True(t, active.Equal(got))

	// Only the public key and ciphertext made it to disk.
	raw, err := os.ReadFile(v.path)
	require.NoError(t, err)
	require.NotContains(t, string(raw), string(active.Bytes()))
}

// TestWrongPIN asserts that a wrong PIN fails with ErrDecryptionFailed and
// leaves the record intact for a retry with the right PIN.
func TestWrongPIN(t *testing.T) {
	t.Parallel()

	v := newTestVault(t)

	key := testKey(t, "alice", keychain.RoleActive)
	require.NoError(t, v.AddKey(
		"alice", keychain.RoleActive, key, buf("1234"), false,
	))

	before, err := os.ReadFile(v.path)
	require.NoError(t, err)

	_, err = v.GetKey("alice", keychain.RoleActive, buf("wrong-pin"))
	require.ErrorIs(t, err, ErrDecryptionFailed)

	var keyError *KeyError
	require.ErrorAs(t, err, &keyError)
	require.Equal(t, "alice", keyError.Account)
	require.Equal(t, keychain.RoleActive, keyError.Role)

	after, err := os.ReadFile(v.path)
	require.NoError(t, err)
	require.Equal(t, before, after)

	got, err := v.GetKey("alice", keychain.RoleActive, buf("1234"))
	require.NoError(t, err)
	require.True(t, key.Equal(got))

	// An encrypted key can't be fetched without a PIN.
	_, err = v.GetKey("alice", keychain.RoleActive, nil)
	require.ErrorIs(t, err, ErrInvalidInput)
}

// TestDuplicateKeyRecord asserts that a slot is only overwritten on explicit
// confirmation.
func TestDuplicateKeyRecord(t *testing.T) {
	t.Parallel()

	v := newTestVault(t)

	first := testKey(t, "alice", keychain.RoleActive)
	second := testKey(t, "alice", keychain.RoleOwner)

	require.NoError(t, v.AddKey(
		"alice", keychain.RoleActive, first, nil, false,
	))

	err := v.AddKey("alice", keychain.RoleActive, second, nil, false)
	require.ErrorIs(t, err, ErrDuplicateKeyRecord)

	// The rejected add left nothing behind in the credential store.
	require.Equal(t, 1, v.creds.Len())

	got, err := v.GetKey("alice", keychain.RoleActive, nil)
	require.NoError(t, err)
	require.True(t, first.Equal(got))

	// With confirmation the key is replaced, and the entry of the old
	// key is dropped.
	require.NoError(t, v.AddKey(
		"alice", keychain.RoleActive, second, nil, true,
	))
	require.Equal(t, 1, v.creds.Len())

	got, err = v.GetKey("alice", keychain.RoleActive, nil)
	require.NoError(t, err)
	require.True(t, second.Equal(got))
}

// TestAddKeyInvalidInput asserts that malformed arguments are rejected
// before anything is stored.
func TestAddKeyInvalidInput(t *testing.T) {
	t.Parallel()

	v := newTestVault(t)
	key := testKey(t, "alice", keychain.RoleActive)

	testCases := []struct {
		name    string
		account string
		role    keychain.Role
		key     *secret.Buffer
		pin     *secret.Buffer
	}{{
		name:    "bad account",
		account: "A",
		role:    keychain.RoleActive,
		key:     key,
	}, {
		name:    "unknown role",
		account: "alice",
		role:    keychain.Role(0),
		key:     key,
	}, {
		name:    "empty pin",
		account: "alice",
		role:    keychain.RoleActive,
		key:     key,
		pin:     secret.New(0),
	}, {
		name:    "short key",
		account: "alice",
		role:    keychain.RoleActive,
		key:     secret.New(7),
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.AddKey(tc.account, tc.role, tc.key, tc.pin,
				false)
			require.ErrorIs(t, err, ErrInvalidInput)
		})
	}

	require.Empty(t, v.Accounts())
	require.Zero(t, v.creds.Len())
}

// TestRemoveKey asserts that removing the last role of an account removes
// the account, and that the credential store entry goes with it.
func TestRemoveKey(t *testing.T) {
	t.Parallel()

	v := newTestVault(t)

	require.NoError(t, v.AddKey(
		"alice", keychain.RoleActive,
		testKey(t, "alice", keychain.RoleActive), nil, false,
	))
	require.NoError(t, v.AddKey(
		"alice", keychain.RolePosting,
		testKey(t, "alice", keychain.RolePosting), buf("1234"), false,
	))

	require.NoError(t, v.RemoveKey("alice", keychain.RoleActive))
	require.Zero(t, v.creds.Len())
	require.Equal(t, []string{"alice"}, v.Accounts())

	_, err := v.GetKey("alice", keychain.RoleActive, nil)
	require.ErrorIs(t, err, ErrRoleNotFound)

	// Removing one of several roles keeps the default.
	def, ok := v.DefaultAccount()
	require.True(t, ok)
	require.Equal(t, "alice", def)

	require.NoError(t, v.RemoveKey("alice", keychain.RolePosting))
	require.Empty(t, v.Accounts())

	_, err = v.GetKey("alice", keychain.RolePosting, buf("1234"))
	require.ErrorIs(t, err, ErrAccountNotFound)

	err = v.RemoveKey("alice", keychain.RolePosting)
	require.ErrorIs(t, err, ErrAccountNotFound)

	// The removed default account is not reassigned.
	_, ok = v.DefaultAccount()
	require.False(t, ok)

	_, ok = v.reopen(t).DefaultAccount()
	require.False(t, ok)
}

// TestDefaultAccount covers the default account rules.
func TestDefaultAccount(t *testing.T) {
	t.Parallel()

	v := newTestVault(t)

	err := v.SetDefaultAccount("carol")
	require.ErrorIs(t, err, ErrAccountNotFound)

	require.NoError(t, v.AddKey(
		"alice", keychain.RoleActive,
		testKey(t, "alice", keychain.RoleActive), nil, false,
	))
	require.NoError(t, v.AddKey(
		"bob", keychain.RoleActive,
		testKey(t, "bob", keychain.RoleActive), nil, false,
	))

	// The first account added became the default.
	def, ok := v.DefaultAccount()
	require.True(t, ok)
	require.Equal(t, "alice", def)

	require.NoError(t, v.SetDefaultAccount("bob"))
	def, ok = v.DefaultAccount()
	require.True(t, ok)
	require.Equal(t, "bob", def)

	def, ok = v.reopen(t).DefaultAccount()
	require.True(t, ok)
	require.Equal(t, "bob", def)

	require.NoError(t, v.RemoveKey("bob", keychain.RoleActive))
	_, ok = v.DefaultAccount()
	require.False(t, ok)

	roles, err := v.Roles("alice")
	require.NoError(t, err)
	require.Equal(t, []keychain.Role{keychain.RoleActive}, roles)
}

// TestLoginScenario walks through logging in two accounts and switching the
// default between them.
func TestLoginScenario(t *testing.T) {
	t.Parallel()

	v := newTestVault(t)

	infos, err := v.Login(
		buf("p1"), "alice",
		[]keychain.Role{keychain.RolePosting, keychain.RoleActive},
		buf("1234"), false,
	)
	require.NoError(t, err)
	require.Len(t, infos, 2)

	roles, err := v.Roles("alice")
	require.NoError(t, err)
	require.Equal(
		t, []keychain.Role{keychain.RoleActive, keychain.RolePosting},
		roles,
	)

	def, ok := v.DefaultAccount()
	require.True(t, ok)
	require.Equal(t, "alice", def)

	// The stored keys are the derived ones.
	got, err := v.GetKey("alice", keychain.RoleActive, buf("1234"))
	require.NoError(t, err)
	require.True(t, testKey(t, "alice", keychain.RoleActive).Equal(got))

	// Logging in again without confirmation is refused and changes
	// nothing.
	_, err = v.Login(
		buf("p1"), "alice", []keychain.Role{keychain.RoleActive},
		buf("1234"), false,
	)
	require.ErrorIs(t, err, ErrDuplicateKeyRecord)

	_, err = v.Login(
		buf("p2"), "bob", []keychain.Role{keychain.RoleActive}, nil,
		false,
	)
	require.NoError(t, err)
	require.NoError(t, v.SetDefaultAccount("bob"))

	def, ok = v.DefaultAccount()
	require.True(t, ok)
	require.Equal(t, "bob", def)

	roles, err = v.Roles("alice")
	require.NoError(t, err)
	require.Len(t, roles, 2)

	got, err = v.GetKey("alice", keychain.RolePosting, buf("1234"))
	require.NoError(t, err)
	require.True(t, testKey(t, "alice", keychain.RolePosting).Equal(got))
}

// TestCredentialStoreUnavailable asserts that keys without a PIN are never
// written to disk when the credential store can't take them.
func TestCredentialStoreUnavailable(t *testing.T) {
	t.Parallel()

	v := newTestVault(t)
	key := testKey(t, "alice", keychain.RoleActive)

	v.creds.SetUnavailable(true)
	err := v.AddKey("alice", keychain.RoleActive, key, nil, false)
	require.ErrorIs(t, err, ErrCredentialStoreUnavailable)
	require.Empty(t, v.Accounts())

	v.creds.SetUnavailable(false)
	require.NoError(t, v.AddKey(
		"alice", keychain.RoleActive, key, nil, false,
	))

	v.creds.SetUnavailable(true)
	_, err = v.GetKey("alice", keychain.RoleActive, nil)
	require.ErrorIs(t, err, ErrCredentialStoreUnavailable)

	// Without any credential store only PIN protected keys are
	// accepted.
	store := New(&Config{
		Path:   filepath.Join(t.TempDir(), DefaultFileName),
		Scrypt: FastScryptParams,
	})
	require.NoError(t, store.Initialize())

	err = store.AddKey("alice", keychain.RoleActive, key, nil, false)
	require.ErrorIs(t, err, ErrCredentialStoreUnavailable)
}

// TestChangePIN asserts that a key can be re-encrypted and moved between
// the two storage variants without changing.
func TestChangePIN(t *testing.T) {
	t.Parallel()

	v := newTestVault(t)
	key := testKey(t, "alice", keychain.RoleActive)

	require.NoError(t, v.AddKey(
		"alice", keychain.RoleActive, key, buf("1234"), false,
	))

	err := v.ChangePIN("alice", keychain.RoleActive, buf("0000"),
		buf("5678"))
	require.ErrorIs(t, err, ErrDecryptionFailed)

	require.NoError(t, v.ChangePIN(
		"alice", keychain.RoleActive, buf("1234"), buf("5678"),
	))

	_, err = v.GetKey("alice", keychain.RoleActive, buf("1234"))
	require.ErrorIs(t, err, ErrDecryptionFailed)

	got, err := v.GetKey("alice", keychain.RoleActive, buf("5678"))
	require.NoError(t, err)
	require.True(t, key.Equal(got))

	// Move to the credential store and back.
	require.NoError(t, v.ChangePIN(
		"alice", keychain.RoleActive, buf("5678"), nil,
	))
	require.Equal(t, 1, v.creds.Len())

	encrypted, err := v.IsEncrypted("alice", keychain.RoleActive)
	require.NoError(t, err)
	require.False(t, encrypted)

	require.NoError(t, v.ChangePIN(
		"alice", keychain.RoleActive, nil, buf("9999"),
	))
	require.Zero(t, v.creds.Len())

	got, err = v.GetKey("alice", keychain.RoleActive, buf("9999"))
	require.NoError(t, err)
	require.True(t, key.Equal(got))
}

// TestSwappedRecordRejected asserts that an encrypted record moved to
// another slot fails authentication even with the right PIN.
func TestSwappedRecordRejected(t *testing.T) {
	t.Parallel()

	v := newTestVault(t)

	require.NoError(t, v.AddKey(
		"alice", keychain.RoleActive,
		testKey(t, "alice", keychain.RoleActive), buf("1234"), false,
	))
	require.NoError(t, v.AddKey(
		"alice", keychain.RolePosting,
		testKey(t, "alice", keychain.RolePosting), buf("1234"), false,
	))

	next := v.file.clone()
	roles := next.Accounts["alice"]
	active := roles[keychain.RoleActive]
	posting := roles[keychain.RolePosting]
	active.CipherText, posting.CipherText = posting.CipherText,
		active.CipherText
	active.AuthTag, posting.AuthTag = posting.AuthTag, active.AuthTag
	active.Salt, posting.Salt = posting.Salt, active.Salt
	active.Nonce, posting.Nonce = posting.Nonce, active.Nonce
	require.NoError(t, v.persist(next))

	reopened := v.reopen(t)
	_, err := reopened.GetKey("alice", keychain.RoleActive, buf("1234"))
	require.ErrorIs(t, err, ErrDecryptionFailed)

	// The public key alone being swapped is caught as well.
	next = v.file.clone()
	roles = next.Accounts["alice"]
	roles[keychain.RoleActive].PublicKey =
		roles[keychain.RolePosting].PublicKey
	require.NoError(t, v.persist(next))

	_, err = v.reopen(t).GetKey("alice", keychain.RoleActive, buf("1234"))
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

// TestCorruptVault asserts that files failing validation are reported as
// ErrVaultCorrupt.
func TestCorruptVault(t *testing.T) {
	t.Parallel()

	v := newTestVault(t)
	require.NoError(t, v.AddKey(
		"alice", keychain.RoleActive,
		testKey(t, "alice", keychain.RoleActive), buf("1234"), false,
	))

	valid, err := os.ReadFile(v.path)
	require.NoError(t, err)

	reencode := func(mutate func(f *vaultFile)) []byte {
		var f vaultFile
		require.NoError(t, json.Unmarshal(valid, &f))
		mutate(&f)

		raw, err := f.encode()
		require.NoError(t, err)

		return raw
	}

	testCases := []struct {
		name string
		raw  []byte
	}{{
		name: "garbage",
		raw:  []byte("not json"),
	}, {
		name: "unknown role",
		raw: []byte(strings.Replace(
			string(valid), `"active"`, `"admin"`, 1,
		)),
	}, {
		name: "checksum mismatch",
		raw: []byte(strings.Replace(
			string(valid), `"defaultAccount": "alice"`,
			`"defaultAccount": null`, 1,
		)),
	}, {
		name: "future version",
		raw: reencode(func(f *vaultFile) {
			f.SchemaVersion = 2
		}),
	}, {
		name: "both storage variants",
		raw: reencode(func(f *vaultFile) {
			rec := f.Accounts["alice"][keychain.RoleActive]
			rec.CredentialStoreRef = "hvault/alice/active"
		}),
	}, {
		name: "missing default account",
		raw: reencode(func(f *vaultFile) {
			bob := "bob"
			f.DefaultAccount = &bob
		}),
	}, {
		name: "bad public key",
		raw: reencode(func(f *vaultFile) {
			rec := f.Accounts["alice"][keychain.RoleActive]
			rec.PublicKey = "STMxyz"
		}),
	}, {
		name: "non canonical role",
		raw: []byte(strings.Replace(
			string(valid), `"active"`, `"Active"`, 1,
		)),
	}, {
		name: "trailing data",
		raw:  append(append([]byte{}, valid...), []byte("\n{}")...),
	}, {
		name: "scrypt memory cost",
		raw: reencode(func(f *vaultFile) {
			rec := f.Accounts["alice"][keychain.RoleActive]
			rec.KDF.N = 1 << 22
			rec.KDF.R = 1 << 20
		}),
	}, {
		name: "scrypt memory cost small r",
		raw: reencode(func(f *vaultFile) {
			rec := f.Accounts["alice"][keychain.RoleActive]
			rec.KDF.N = 1 << 22
			rec.KDF.R = 4
		}),
	}}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), DefaultFileName)
			require.NoError(t, os.WriteFile(path, tc.raw, 0600))

			store := New(&Config{Path: path})
			err := store.Initialize()
			require.ErrorIs(t, err, ErrVaultCorrupt)
		})
	}
}

// TestTrailingWhitespaceAccepted asserts that only trailing data, not
// whitespace, makes a vault file corrupt.
func TestTrailingWhitespaceAccepted(t *testing.T) {
	t.Parallel()

	v := newTestVault(t)
	require.NoError(t, v.AddKey(
		"alice", keychain.RoleActive,
		testKey(t, "alice", keychain.RoleActive), buf("1234"), false,
	))

	raw, err := os.ReadFile(v.path)
	require.NoError(t, err)
	raw = append(raw, []byte("\n\n")...)
	require.NoError(t, os.WriteFile(v.path, raw, 0600))

	_, err = v.reopen(t).GetKey("alice", keychain.RoleActive, buf("1234"))
	require.NoError(t, err)
}

// TestStaleTempFile asserts that a temp file left behind by an interrupted
// write doesn't block the next mutation, and never replaces the vault.
func TestStaleTempFile(t *testing.T) {
	t.Parallel()

	v := newTestVault(t)
	require.NoError(t, v.AddKey(
		"alice", keychain.RoleActive,
		testKey(t, "alice", keychain.RoleActive), buf("1234"), false,
	))

	tempFile := v.path + tempFileSuffix
	require.NoError(t, os.WriteFile(tempFile, []byte("half a vau"), 0600))

	// Loading ignores the temp file.
	store := v.reopen(t)
	require.Equal(t, []string{"alice"}, store.Accounts())

	require.NoError(t, store.AddKey(
		"alice", keychain.RolePosting,
		testKey(t, "alice", keychain.RolePosting), buf("1234"), false,
	))

	_, err := os.Stat(tempFile)
	require.ErrorIs(t, err, os.ErrNotExist)

	roles, err := v.reopen(t).Roles("alice")
	require.NoError(t, err)
	require.Equal(
		t, []keychain.Role{keychain.RoleActive, keychain.RolePosting},
		roles,
	)
}

// TestAddGetProperty checks for arbitrary accounts, roles, keys and PINs
// that a stored key reads back bit-identical, and that any other PIN fails
// without touching the record.
func TestAddGetProperty(t *testing.T) {
	t.Parallel()

	v := newTestVault(t)

	rapid.Check(t, func(rt *rapid.T) {
		account := rapid.StringMatching(
			`[a-z][a-z0-9-]{1,13}[a-z0-9]`,
		).Draw(rt, "account")
		role := rapid.SampledFrom(keychain.AllRoles).Draw(rt, "role")
		rawPassword := rapid.SliceOfN(rapid.Byte(), 1, 32).Draw(
			rt, "password",
		)
		rawPIN := rapid.SliceOfN(rapid.Byte(), 1, 16).Draw(rt, "pin")
		wrongPIN := rapid.SliceOfN(rapid.Byte(), 1, 16).Filter(
			func(b []byte) bool {
				return string(b) != string(rawPIN)
			},
		).Draw(rt, "wrongPIN")

		password := secret.FromBytes(append([]byte(nil), rawPassword...))
		defer password.Scrub()

		privKey, _, err := keychain.Derive(password, account, role)
		require.NoError(rt, err)
		defer privKey.Scrub()

		pin := secret.FromBytes(append([]byte(nil), rawPIN...))
		defer pin.Scrub()

		err = v.AddKey(account, role, privKey, pin, true)
		require.NoError(rt, err)

		_, err = v.GetKey(
			account, role,
			secret.FromBytes(append([]byte(nil), wrongPIN...)),
		)
		require.ErrorIs(rt, err, ErrDecryptionFailed)

		got, err := v.GetKey(account, role, pin)
		require.NoError(rt, err)
		defer got.Scrub()

		require.True(rt, privKey.Equal(got))
	})

	// Every stored key survives a reload.
	store := v.reopen(t)
	require.Equal(t, v.Accounts(), store.Accounts())
}

// TestKeyErrorRedacted asserts that error messages carry identifiers only.
func TestKeyErrorRedacted(t *testing.T) {
	t.Parallel()

	err := keyErr("alice", keychain.RoleOwner, ErrDecryptionFailed)
	require.Equal(
		t, `owner key of account "alice": decryption failed`,
		err.Error(),
	)
}
