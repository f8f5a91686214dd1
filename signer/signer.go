// Package signer defines how an unlocked private key is handed to the code
// that signs with it, and provides a local message signer.
package signer

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/hiveledger/hvault/keychain"
	"github.com/hiveledger/hvault/secret"
)

var (
	// ErrInvalidSignature is returned when a signature doesn't verify
	// against the given public key.
	ErrInvalidSignature = errors.New("invalid signature")
)

// Signer consumes an unlocked private key to sign a payload, such as a
// ledger transaction or a message. Implementations must not retain the key
// after Sign returns and never need to expose the payload to the vault.
type Signer interface {
	// Sign signs the payload with the key and returns the signed
	// output.
	Sign(ctx context.Context, payload []byte,
		key *secret.Buffer) ([]byte, error)
}

// MessageSigner produces compact recoverable ECDSA signatures over the
// double SHA-256 digest of arbitrary messages.
type MessageSigner struct{}

// A compile time check to ensure MessageSigner implements the Signer
// interface.
var _ Signer = (*MessageSigner)(nil)

// Sign signs the message with the key. The returned 65 byte signature
// carries the recovery code in its first byte.
//
// NOTE: Part of the Signer interface.
func (m *MessageSigner) Sign(ctx context.Context, msg []byte,
	key *secret.Buffer) ([]byte, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if _, err := keychain.PublicKeyFromPrivate(key); err != nil {
		return nil, err
	}

	privKey, _ := btcec.PrivKeyFromBytes(key.Bytes())
	defer privKey.Zero()

	digest := chainhash.DoubleHashB(msg)

	return ecdsa.SignCompact(privKey, digest, true), nil
}

// VerifyMessage checks that sig is a signature of msg by the public key in
// its text form.
func VerifyMessage(prefix, pubKeyText string, msg, sig []byte) error {
	pubKey, err := keychain.ParsePublicKey(prefix, pubKeyText)
	if err != nil {
		return err
	}

	digest := chainhash.DoubleHashB(msg)
	recovered, _, err := ecdsa.RecoverCompact(sig, digest)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	if !recovered.IsEqual(pubKey) {
		return ErrInvalidSignature
	}

	return nil
}
