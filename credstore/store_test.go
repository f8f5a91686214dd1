package credstore

import (
	"errors"
	"testing"

	"github.com/hiveledger/hvault/secret"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func TestHandle(t *testing.T) {
	t.Parallel()

	h, err := NewHandle("hvault", "alice/active")
	require.NoError(t, err)
	require.Equal(t, "hvault/alice/active", h.String())

	service, account, err := h.Split()
	require.NoError(t, err)
	require.Equal(t, "hvault", service)
	require.Equal(t, "alice/active", account)

	_, err = NewHandle("", "alice")
	require.ErrorIs(t, err, ErrInvalidHandle)

	_, err = NewHandle("a/b", "alice")
	require.ErrorIs(t, err, ErrInvalidHandle)

	_, _, err = Handle("nohandle").Split()
	require.ErrorIs(t, err, ErrInvalidHandle)
}

// testStore runs the common Store contract against a backend.
func testStore(t *testing.T, store Store) {
	want := []byte{0x00, 0x01, 0xfe, 0xff}

	h, err := store.SetSecret("hvault", "alice/posting",
		secret.FromBytes(append([]byte(nil), want...)))
	require.NoError(t, err)

	got, err := store.GetSecret(h)
	require.NoError(t, err)
	require.Equal(t, want, got.Bytes())
	got.Scrub()

	// Overwrites replace the previous entry under the same handle.
	h2, err := store.SetSecret("hvault", "alice/posting",
		secret.FromBytes([]byte{0x42}))
	require.NoError(t, err)
	require.Equal(t, h, h2)

	got, err = store.GetSecret(h)
	require.NoError(t, err)
	require.Equal(t, []byte{0x42}, got.Bytes())
	got.Scrub()

	require.NoError(t, store.DeleteSecret(h))

	_, err = store.GetSecret(h)
	require.ErrorIs(t, err, ErrUnavailable)

	// Deleting twice is fine.
	require.NoError(t, store.DeleteSecret(h))
}

func TestMemStore(t *testing.T) {
	t.Parallel()

	store := NewMemStore()
	testStore(t, store)
	require.Zero(t, store.Len())

	store.SetUnavailable(true)
	_, err := store.SetSecret("hvault", "bob/active", secret.New(1))
	require.ErrorIs(t, err, ErrUnavailable)
}

// TestOSStore exercises the keyring backed store against go-keyring's mock
// provider. It is not parallel since the provider is process global.
func TestOSStore(t *testing.T) {
	keyring.MockInit()
	testStore(t, NewOSStore())

	keyring.MockInitWithError(errors.New("dbus: no session bus"))
	store := NewOSStore()

	_, err := store.SetSecret("hvault", "alice/active", secret.New(1))
	require.ErrorIs(t, err, ErrUnavailable)

	_, err = store.GetSecret(Handle("hvault/alice/active"))
	require.ErrorIs(t, err, ErrUnavailable)

	err = store.DeleteSecret(Handle("hvault/alice/active"))
	require.ErrorIs(t, err, ErrUnavailable)
}
