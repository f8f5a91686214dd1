package vault

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/hiveledger/hvault/keychain"
	"github.com/hiveledger/hvault/secret"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

const (
	// saltLen is the length of the random scrypt salt of each record.
	saltLen = 32

	// kdfName identifies the key derivation function in the vault file.
	kdfName = "scrypt"

	// maxScryptN bounds the work factor read from a vault file.
	maxScryptN = 1 << 22

	// maxScryptMem bounds the memory scrypt allocates for the given
	// parameters, 128·N·r bytes for V and 128·r·p bytes for B.
	maxScryptMem = 1 << 30
)

// ScryptParams are the work parameters used to stretch a PIN into an
// encryption key.
type ScryptParams struct {
	N int
	R int
	P int
}

var (
	// DefaultScryptParams are the parameters used for newly encrypted
	// keys.
	DefaultScryptParams = ScryptParams{N: 1 << 18, R: 8, P: 1}

	// FastScryptParams are cheap parameters that must only be used in
	// tests.
	FastScryptParams = ScryptParams{N: 16, R: 8, P: 1}
)

// Validate checks that the parameters are usable and within sane bounds.
func (p ScryptParams) Validate() error {
	switch {
	case p.N <= 1 || p.N&(p.N-1) != 0 || p.N > maxScryptN:
		return fmt.Errorf("scrypt N must be a power of two in [2, %d]",
			maxScryptN)

	case p.R <= 0 || p.P <= 0 || uint64(p.R)*uint64(p.P) >= 1<<30:
		return fmt.Errorf("invalid scrypt r=%d p=%d", p.R, p.P)

	case 128*uint64(p.N)*uint64(p.R) > maxScryptMem,
		128*uint64(p.R)*uint64(p.P) > maxScryptMem:

		return fmt.Errorf("scrypt N=%d r=%d p=%d exceed the %d byte "+
			"memory limit", p.N, p.R, p.P, maxScryptMem)
	}

	return nil
}

// sealedKey is the output of sealKey.
type sealedKey struct {
	cipherText []byte
	salt       []byte
	nonce      []byte
	authTag    []byte
	params     ScryptParams
}

// additionalData binds a record to its slot, so that an encrypted key can't
// be moved to another account or role, or paired with another public key,
// without failing authentication.
func additionalData(account string, role keychain.Role, pubKey string) []byte {
	ad := make([]byte, 0, len(account)+len(pubKey)+16)
	ad = append(ad, account...)
	ad = append(ad, 0)
	ad = append(ad, role.String()...)
	ad = append(ad, 0)
	ad = append(ad, pubKey...)

	return ad
}

// pinKey stretches the PIN with scrypt into a XChaCha20-Poly1305 key.
func pinKey(pin *secret.Buffer, salt []byte,
	params ScryptParams) (*secret.Buffer, error) {

	key, err := scrypt.Key(
		pin.Bytes(), salt, params.N, params.R, params.P,
		chacha20poly1305.KeySize,
	)
	if err != nil {
		return nil, err
	}

	return secret.FromBytes(key), nil
}

// sealKey encrypts the private key under a key stretched from the PIN. A
// fresh salt and a random 24 byte nonce are drawn for every call.
func sealKey(privKey, pin *secret.Buffer, params ScryptParams,
	ad []byte) (*sealedKey, error) {

	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}

	key, err := pinKey(pin, salt, params)
	if err != nil {
		return nil, err
	}
	defer key.Scrub()

	// Note that we use NewX, not New, as the latter version requires a
	// 12-byte nonce, not a 24-byte nonce.
	cipher, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	// The AEAD appends the tag to the ciphertext, we store them apart.
	sealed := cipher.Seal(nil, nonce, privKey.Bytes(), ad)
	tagStart := len(sealed) - cipher.Overhead()

	return &sealedKey{
		cipherText: sealed[:tagStart:tagStart],
		authTag:    sealed[tagStart:],
		salt:       salt,
		nonce:      nonce,
		params:     params,
	}, nil
}

// openKey authenticates and decrypts a sealed key into a new buffer. The tag
// is checked before any plaintext is produced. Every failure, including a
// wrong PIN, is reported as ErrDecryptionFailed.
func openKey(sealed *sealedKey, pin *secret.Buffer,
	ad []byte) (*secret.Buffer, error) {

	if err := sealed.params.Validate(); err != nil {
		return nil, ErrDecryptionFailed
	}

	key, err := pinKey(pin, sealed.salt, sealed.params)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	defer key.Scrub()

	cipher, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	if len(sealed.nonce) != cipher.NonceSize() ||
		len(sealed.authTag) != cipher.Overhead() {

		return nil, ErrDecryptionFailed
	}

	combined := make(
		[]byte, 0, len(sealed.cipherText)+len(sealed.authTag),
	)
	combined = append(combined, sealed.cipherText...)
	combined = append(combined, sealed.authTag...)

	// Decrypt in place into the secret buffer: its capacity is exactly
	// the plaintext length, so Open never reallocates.
	plain := secret.New(len(sealed.cipherText))
	_, err = cipher.Open(plain.Bytes()[:0], sealed.nonce, combined, ad)
	if err != nil {
		plain.Scrub()
		return nil, ErrDecryptionFailed
	}

	return plain, nil
}
