package keychain

import (
	"bytes"
	"crypto/subtle"
	"fmt"
	"unsafe"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/hiveledger/hvault/secret"
)

const (
	// wifVersion is the leading byte of a wallet import format key.
	wifVersion = 0x80

	// wifCompressFlag is the optional byte following the scalar that
	// marks the key as belonging to a compressed public key.
	wifCompressFlag = 0x01

	wifChecksumLen = 4
)

// DecodeWIF decodes a private key in wallet import format,
// base58(0x80 || key [|| 0x01] || sha256d(...)[:4]), into a new Buffer.
// The text is read in place so that no immutable copy of it is made.
func DecodeWIF(wif *secret.Buffer) (*secret.Buffer, error) {
	text := bytes.TrimSpace(wif.Bytes())
	if len(text) == 0 {
		return nil, fmt.Errorf("%w: empty private key", ErrInvalidInput)
	}

	// base58.Decode only reads its argument, so a string header over the
	// buffer's own storage is enough.
	decoded := base58.Decode(unsafe.String(&text[0], len(text)))
	defer secret.Zero(decoded)

	switch len(decoded) {
	case 1 + PrivKeyLen + wifChecksumLen:
	case 1 + PrivKeyLen + 1 + wifChecksumLen:
		if decoded[1+PrivKeyLen] != wifCompressFlag {
			return nil, fmt.Errorf("%w: malformed private key",
				ErrInvalidInput)
		}

	default:
		return nil, fmt.Errorf("%w: malformed private key",
			ErrInvalidInput)
	}

	payload := decoded[:len(decoded)-wifChecksumLen]
	checksum := decoded[len(decoded)-wifChecksumLen:]

	digest := chainhash.DoubleHashB(payload)
	defer secret.Zero(digest)
	if subtle.ConstantTimeCompare(digest[:wifChecksumLen], checksum) != 1 {
		return nil, fmt.Errorf("%w: private key checksum mismatch",
			ErrInvalidInput)
	}

	if payload[0] != wifVersion {
		return nil, fmt.Errorf("%w: unexpected private key version",
			ErrInvalidInput)
	}

	privKey := secret.FromBytes(payload[1 : 1+PrivKeyLen])
	if !isValidScalar(privKey.Bytes()) {
		privKey.Scrub()
		return nil, fmt.Errorf("%w: private key is not a valid scalar",
			ErrInvalidInput)
	}

	return privKey, nil
}

// EncodeWIF renders a private key in uncompressed wallet import format into
// a new Buffer.
func EncodeWIF(privKey *secret.Buffer) (*secret.Buffer, error) {
	if !isValidScalar(privKey.Bytes()) {
		return nil, fmt.Errorf("%w: private key is not a valid scalar",
			ErrInvalidInput)
	}

	payload := secret.New(1 + PrivKeyLen + wifChecksumLen)
	defer payload.Scrub()

	raw := payload.Bytes()
	raw[0] = wifVersion
	copy(raw[1:], privKey.Bytes())

	digest := chainhash.DoubleHashB(raw[:1+PrivKeyLen])
	copy(raw[1+PrivKeyLen:], digest[:wifChecksumLen])
	secret.Zero(digest)

	// base58.Encode returns a string, which we immediately copy into an
	// erasable buffer.
	return secret.FromBytes([]byte(base58.Encode(raw))), nil
}
