// Package keychain implements the deterministic derivation of account keys
// from a master password, along with the text encodings used to present and
// import them.
package keychain

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/hiveledger/hvault/secret"
)

const (
	// PrivKeyLen is the length of a serialized private scalar.
	PrivKeyLen = 32

	// counterLen is the number of bytes appended to the seed when the
	// first digest isn't a usable scalar.
	counterLen = 4
)

var (
	// ErrInvalidInput is returned when a caller passes an empty or
	// malformed input.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDerivationExhausted is returned if every retry counter produced
	// an out of range scalar. It can't happen in practice and exists so
	// the loop below is bounded.
	ErrDerivationExhausted = errors.New("key derivation exhausted retry " +
		"counter")
)

// digestFunc is the cryptographic digest used to turn a seed into a
// candidate scalar.
type digestFunc func([]byte) [sha256.Size]byte

// Derive deterministically computes the key pair of the given account and
// role from the master password. The seed is role || account || password,
// so keys of different roles or accounts under the same password are
// independent.
//
// The returned private key is owned by the caller, who must Scrub it.
func Derive(password *secret.Buffer, account string,
	role Role) (*secret.Buffer, *btcec.PublicKey, error) {

	switch {
	case password.Len() == 0:
		return nil, nil, fmt.Errorf("%w: empty master password",
			ErrInvalidInput)

	case account == "":
		return nil, nil, fmt.Errorf("%w: empty account name",
			ErrInvalidInput)

	case !role.IsValid():
		return nil, nil, fmt.Errorf("%w: unknown role %d",
			ErrInvalidInput, uint8(role))
	}

	// Lay out the seed in a single erasable buffer, leaving room at the
	// end for the retry counter.
	roleName := role.String()
	seedLen := len(roleName) + len(account) + password.Len()
	seed := secret.New(seedLen + counterLen)
	defer seed.Scrub()

	n := copy(seed.Bytes(), roleName)
	n += copy(seed.Bytes()[n:], account)
	copy(seed.Bytes()[n:], password.Bytes())

	privKey, err := deriveScalar(seed.Bytes(), seedLen, sha256.Sum256)
	if err != nil {
		return nil, nil, err
	}

	pubKey, err := PublicKeyFromPrivate(privKey)
	if err != nil {
		privKey.Scrub()
		return nil, nil, err
	}

	return privKey, pubKey, nil
}

// deriveScalar hashes seed[:seedLen] and returns the digest as a private key
// if it's a non-zero scalar below the curve order. Otherwise a big endian
// retry counter is written into the remaining bytes of seed and the
// extended seed is hashed again, with the counter incremented until a valid
// scalar is found.
func deriveScalar(seed []byte, seedLen int,
	digest digestFunc) (*secret.Buffer, error) {

	input := seed[:seedLen]
	for counter := uint32(0); ; counter++ {
		if counter > 0 {
			binary.BigEndian.PutUint32(
				seed[seedLen:seedLen+counterLen], counter,
			)
			input = seed[:seedLen+counterLen]
		}

		sum := digest(input)
		if isValidScalar(sum[:]) {
			return secret.FromBytes(sum[:]), nil
		}
		secret.Zero(sum[:])

		if counter == math.MaxUint32 {
			return nil, ErrDerivationExhausted
		}
	}
}

// isValidScalar returns true if b, read as a big endian integer, is in the
// range [1, N-1] where N is the order of the secp256k1 group.
func isValidScalar(b []byte) bool {
	if len(b) != PrivKeyLen {
		return false
	}

	var scalar btcec.ModNScalar
	overflow := scalar.SetByteSlice(b)
	valid := !overflow && !scalar.IsZero()
	scalar.Zero()

	return valid
}

// PublicKeyFromPrivate computes the public key of a serialized private
// scalar. The scalar is range checked rather than silently reduced.
func PublicKeyFromPrivate(privKey *secret.Buffer) (*btcec.PublicKey, error) {
	if !isValidScalar(privKey.Bytes()) {
		return nil, fmt.Errorf("%w: private key is not a valid scalar",
			ErrInvalidInput)
	}

	priv, pub := btcec.PrivKeyFromBytes(privKey.Bytes())
	priv.Zero()

	return pub, nil
}
