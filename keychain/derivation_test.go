package keychain

import (
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/hiveledger/hvault/secret"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func password(s string) *secret.Buffer {
	return secret.FromBytes([]byte(s))
}

// TestDeriveDeterministic asserts that deriving twice from identical inputs
// produces the same key pair, and that the first attempt hashes the plain
// role || account || password seed.
func TestDeriveDeterministic(t *testing.T) {
	t.Parallel()

	pw := password("p1")
	defer pw.Scrub()

	for _, role := range AllRoles {
		priv1, pub1, err := Derive(pw, "alice", role)
		require.NoError(t, err)

		priv2, pub2, err := Derive(pw, "alice", role)
		require.NoError(t, err)

		require.True(t, priv1.Equal(priv2))
		require.True(t, pub1.IsEqual(pub2))

		want := sha256.Sum256([]byte(role.String() + "alice" + "p1"))
		require.Equal(t, want[:], priv1.Bytes())

		_, expectedPub := btcec.PrivKeyFromBytes(want[:])
		require.True(t, expectedPub.IsEqual(pub1))

		priv1.Scrub()
		priv2.Scrub()
	}
}

// TestDeriveIndependentKeys asserts that every role and every account
// sharing the same password get distinct keys.
func TestDeriveIndependentKeys(t *testing.T) {
	t.Parallel()

	pw := password("p1")
	defer pw.Scrub()

	seen := make(map[string]bool)
	for _, account := range []string{"alice", "bob"} {
		for _, role := range AllRoles {
			priv, _, err := Derive(pw, account, role)
			require.NoError(t, err)

			key := string(priv.Bytes())
			require.False(t, seen[key], "duplicate key for %v/%v",
				account, role)
			seen[key] = true

			priv.Scrub()
		}
	}
	require.Len(t, seen, 8)
}

// TestDeriveInvalidInput asserts that empty or unknown inputs are rejected.
func TestDeriveInvalidInput(t *testing.T) {
	t.Parallel()

	pw := password("p1")
	defer pw.Scrub()

	testCases := []struct {
		name     string
		password *secret.Buffer
		account  string
		role     Role
	}{{
		name:     "empty password",
		password: secret.New(0),
		account:  "alice",
		role:     RoleActive,
	}, {
		name:     "nil password",
		password: nil,
		account:  "alice",
		role:     RoleActive,
	}, {
		name:     "empty account",
		password: pw,
		account:  "",
		role:     RoleActive,
	}, {
		name:     "unknown role",
		password: pw,
		account:  "alice",
		role:     Role(9),
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := Derive(tc.password, tc.account, tc.role)
			require.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

// TestDeriveScalarRetry forces the digest to return out of range scalars and
// asserts that the counter is appended and incremented until a usable
// scalar comes out.
func TestDeriveScalarRetry(t *testing.T) {
	t.Parallel()

	var (
		inputs  [][]byte
		outputs = [][sha256.Size]byte{
			// Above the group order.
			fill(0xff),

			// Zero.
			{},

			fill(0x01),
		}
	)
	digest := func(b []byte) [sha256.Size]byte {
		inputs = append(inputs, append([]byte(nil), b...))
		out := outputs[0]
		outputs = outputs[1:]

		return out
	}

	seed := []byte("ownerbobpw\x00\x00\x00\x00")
	seedLen := len(seed) - counterLen

	priv, err := deriveScalar(seed, seedLen, digest)
	require.NoError(t, err)
	defer priv.Scrub()

	want := fill(0x01)
	require.Equal(t, want[:], priv.Bytes())

	require.Len(t, inputs, 3)
	require.Equal(t, []byte("ownerbobpw"), inputs[0])

	for i, input := range inputs[1:] {
		require.Len(t, input, seedLen+counterLen)
		require.Equal(t, []byte("ownerbobpw"), input[:seedLen])
		require.Equal(t, uint32(i+1),
			binary.BigEndian.Uint32(input[seedLen:]))
	}
}

func fill(b byte) [sha256.Size]byte {
	var out [sha256.Size]byte
	for i := range out {
		out[i] = b
	}

	return out
}

// TestPublicKeyFromPrivateRejectsOutOfRange asserts that scalars are range
// checked instead of being reduced modulo the group order.
func TestPublicKeyFromPrivateRejectsOutOfRange(t *testing.T) {
	t.Parallel()

	high := fill(0xff)
	_, err := PublicKeyFromPrivate(secret.FromBytes(high[:]))
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = PublicKeyFromPrivate(secret.New(PrivKeyLen))
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = PublicKeyFromPrivate(secret.New(16))
	require.ErrorIs(t, err, ErrInvalidInput)
}

// genAccount draws well formed account names.
var genAccount = rapid.StringMatching(`[a-z][a-z0-9-]{1,13}[a-z0-9]`)

// genPassword draws non-empty master passwords of arbitrary bytes.
var genPassword = rapid.SliceOfN(rapid.Byte(), 1, 64)

// TestDeriveProperties checks for arbitrary inputs that derivation is
// deterministic, yields a valid key pair, and gives independent keys to
// different roles of the same account.
func TestDeriveProperties(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		rawPassword := genPassword.Draw(t, "password")
		account := genAccount.Draw(t, "account")
		role := rapid.SampledFrom(AllRoles).Draw(t, "role")
		other := rapid.SampledFrom(AllRoles).Filter(func(r Role) bool {
			return r != role
		}).Draw(t, "other")

		pw := secret.FromBytes(append([]byte(nil), rawPassword...))
		defer pw.Scrub()

		priv1, pub1, err := Derive(pw, account, role)
		require.NoError(t, err)
		defer priv1.Scrub()

		priv2, pub2, err := Derive(pw, account, role)
		require.NoError(t, err)
		defer priv2.Scrub()

		require.True(t, priv1.Equal(priv2))
		require.True(t, pub1.IsEqual(pub2))

		pub, err := PublicKeyFromPrivate(priv1)
		require.NoError(t, err)
		require.True(t, pub.IsEqual(pub1))

		privOther, pubOther, err := Derive(pw, account, other)
		require.NoError(t, err)
		defer privOther.Scrub()

		require.False(t, priv1.Equal(privOther))
		require.False(t, pub1.IsEqual(pubOther))
	})
}
