package keychain

import (
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/stretchr/testify/require"
)

func TestPublicKeyTextRoundTrip(t *testing.T) {
	t.Parallel()

	pw := password("p1")
	defer pw.Scrub()

	priv, pub, err := Derive(pw, "alice", RolePosting)
	require.NoError(t, err)
	priv.Scrub()

	text := EncodePublicKey(DefaultAddressPrefix, pub)
	require.True(t, strings.HasPrefix(text, DefaultAddressPrefix))

	parsed, err := ParsePublicKey(DefaultAddressPrefix, text)
	require.NoError(t, err)
	require.True(t, pub.IsEqual(parsed))

	// Another prefix is rejected.
	_, err = ParsePublicKey("TST", text)
	require.ErrorIs(t, err, ErrInvalidInput)

	// A flipped checksum byte is rejected.
	payload := base58.Decode(strings.TrimPrefix(text, DefaultAddressPrefix))
	payload[len(payload)-1] ^= 0x01
	tampered := DefaultAddressPrefix + base58.Encode(payload)
	_, err = ParsePublicKey(DefaultAddressPrefix, tampered)
	require.ErrorIs(t, err, ErrInvalidInput)

	// Truncated input is rejected.
	_, err = ParsePublicKey(DefaultAddressPrefix, text[:len(text)-5])
	require.ErrorIs(t, err, ErrInvalidInput)
}
