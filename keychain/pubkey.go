package keychain

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/base58"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck
)

const (
	// DefaultAddressPrefix is the prefix the ledger puts in front of
	// every encoded public key.
	DefaultAddressPrefix = "STM"

	// pubKeyChecksumLen is the number of ripemd160 bytes appended to the
	// compressed key before base58 encoding.
	pubKeyChecksumLen = 4
)

// pubKeyChecksum returns the truncated ripemd160 digest of data.
func pubKeyChecksum(data []byte) []byte {
	h := ripemd160.New()
	_, _ = h.Write(data)

	return h.Sum(nil)[:pubKeyChecksumLen]
}

// EncodePublicKey renders a public key in the ledger's text form:
// prefix || base58(compressed key || ripemd160(compressed key)[:4]).
func EncodePublicKey(prefix string, pubKey *btcec.PublicKey) string {
	compressed := pubKey.SerializeCompressed()
	payload := append(compressed, pubKeyChecksum(compressed)...)

	return prefix + base58.Encode(payload)
}

// ParsePublicKey decodes a public key previously produced by
// EncodePublicKey, verifying the prefix and the checksum.
func ParsePublicKey(prefix, text string) (*btcec.PublicKey, error) {
	if !strings.HasPrefix(text, prefix) {
		return nil, fmt.Errorf("%w: public key must start with %q",
			ErrInvalidInput, prefix)
	}

	payload := base58.Decode(strings.TrimPrefix(text, prefix))
	if len(payload) != btcec.PubKeyBytesLenCompressed+pubKeyChecksumLen {
		return nil, fmt.Errorf("%w: malformed public key",
			ErrInvalidInput)
	}

	compressed := payload[:btcec.PubKeyBytesLenCompressed]
	checksum := payload[btcec.PubKeyBytesLenCompressed:]
	if !bytes.Equal(pubKeyChecksum(compressed), checksum) {
		return nil, fmt.Errorf("%w: public key checksum mismatch",
			ErrInvalidInput)
	}

	pubKey, err := btcec.ParsePubKey(compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	return pubKey, nil
}
