package vault

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/hiveledger/hvault/keychain"
)

// schemaVersion is the only vault file version this package reads and
// writes.
const schemaVersion = 1

// vaultFile is the serialized form of the vault.
type vaultFile struct {
	SchemaVersion int `json:"schemaVersion"`

	// DefaultAccount is nil when no default is set.
	DefaultAccount *string `json:"defaultAccount"`

	Accounts map[string]map[keychain.Role]*keyRecord `json:"accounts"`

	// Checksum is the hex sha256 of the compact JSON encoding of the
	// document with this field left empty.
	Checksum string `json:"checksum,omitempty"`
}

// kdfParams records the key stretching parameters a record was encrypted
// with, so that changing the configured work factor never locks out older
// records.
type kdfParams struct {
	Name string `json:"name"`
	N    int    `json:"n"`
	R    int    `json:"r"`
	P    int    `json:"p"`
}

// keyRecord is the stored form of a single account role key. Exactly one of
// the encrypted fields or CredentialStoreRef is populated, as told by
// Encrypted.
type keyRecord struct {
	PublicKey string `json:"publicKey"`
	Encrypted bool   `json:"encrypted"`

	CipherText []byte     `json:"cipherText,omitempty"`
	Salt       []byte     `json:"salt,omitempty"`
	Nonce      []byte     `json:"nonce,omitempty"`
	AuthTag    []byte     `json:"authTag,omitempty"`
	KDF        *kdfParams `json:"kdf,omitempty"`

	CredentialStoreRef string `json:"credentialStoreRef,omitempty"`
}

// newEmptyFile returns a file holding no accounts.
func newEmptyFile() *vaultFile {
	return &vaultFile{
		SchemaVersion: schemaVersion,
		Accounts:      make(map[string]map[keychain.Role]*keyRecord),
	}
}

// sealed returns the encrypted part of the record.
func (r *keyRecord) sealed() *sealedKey {
	return &sealedKey{
		cipherText: r.CipherText,
		salt:       r.Salt,
		nonce:      r.Nonce,
		authTag:    r.AuthTag,
		params: ScryptParams{
			N: r.KDF.N,
			R: r.KDF.R,
			P: r.KDF.P,
		},
	}
}

// validate checks that exactly one storage variant is populated.
func (r *keyRecord) validate(prefix string) error {
	if _, err := keychain.ParsePublicKey(prefix, r.PublicKey); err != nil {
		return err
	}

	if !r.Encrypted {
		if r.CredentialStoreRef == "" {
			return fmt.Errorf("missing credential store reference")
		}
		if r.CipherText != nil || r.Salt != nil || r.Nonce != nil ||
			r.AuthTag != nil || r.KDF != nil {

			return fmt.Errorf("credential store record carries " +
				"encrypted key")
		}

		return nil
	}

	switch {
	case r.CredentialStoreRef != "":
		return fmt.Errorf("encrypted record carries credential " +
			"store reference")

	case len(r.CipherText) != keychain.PrivKeyLen:
		return fmt.Errorf("invalid ciphertext length %d",
			len(r.CipherText))

	case len(r.Salt) != saltLen, len(r.Nonce) == 0, len(r.AuthTag) == 0:
		return fmt.Errorf("missing salt, nonce or tag")

	case r.KDF == nil || r.KDF.Name != kdfName:
		return fmt.Errorf("unknown key derivation function")
	}

	return r.sealed().params.Validate()
}

// clone returns a deep copy of the record. The byte slices are never mutated
// in place, so they are shared.
func (r *keyRecord) clone() *keyRecord {
	cp := *r
	if r.KDF != nil {
		kdf := *r.KDF
		cp.KDF = &kdf
	}

	return &cp
}

// clone returns a copy of the file that can be mutated without affecting
// the original.
func (f *vaultFile) clone() *vaultFile {
	cp := &vaultFile{
		SchemaVersion: f.SchemaVersion,
		Accounts: make(
			map[string]map[keychain.Role]*keyRecord, len(f.Accounts),
		),
	}
	if f.DefaultAccount != nil {
		name := *f.DefaultAccount
		cp.DefaultAccount = &name
	}

	for account, roles := range f.Accounts {
		cpRoles := make(map[keychain.Role]*keyRecord, len(roles))
		for role, record := range roles {
			cpRoles[role] = record.clone()
		}
		cp.Accounts[account] = cpRoles
	}

	return cp
}

// checksum computes the checksum of the file's content.
func (f *vaultFile) checksum() (string, error) {
	unsummed := *f
	unsummed.Checksum = ""

	raw, err := json.Marshal(&unsummed)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)

	return hex.EncodeToString(sum[:]), nil
}

// encode serializes the file with a fresh checksum.
func (f *vaultFile) encode() ([]byte, error) {
	sum, err := f.checksum()
	if err != nil {
		return nil, err
	}

	summed := *f
	summed.Checksum = sum

	return json.MarshalIndent(&summed, "", "  ")
}

// decodeFile parses and fully validates a serialized vault file. Any
// failure is reported as ErrVaultCorrupt.
func decodeFile(raw []byte, prefix string) (*vaultFile, error) {
	var f vaultFile

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVaultCorrupt, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after document",
			ErrVaultCorrupt)
	}

	if f.SchemaVersion != schemaVersion {
		return nil, fmt.Errorf("%w: unsupported schema version %d",
			ErrVaultCorrupt, f.SchemaVersion)
	}

	sum, err := f.checksum()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVaultCorrupt, err)
	}
	if f.Checksum != sum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrVaultCorrupt)
	}

	if err := f.validate(prefix); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVaultCorrupt, err)
	}

	return &f, nil
}

// validate checks the structural invariants of the file.
func (f *vaultFile) validate(prefix string) error {
	if f.Accounts == nil {
		f.Accounts = make(map[string]map[keychain.Role]*keyRecord)
	}

	for account, roles := range f.Accounts {
		if err := keychain.ValidateAccountName(account); err != nil {
			return err
		}
		if len(roles) == 0 {
			return fmt.Errorf("account %q holds no keys", account)
		}

		for role, record := range roles {
			if record == nil {
				return fmt.Errorf("empty %v record for %q", role,
					account)
			}
			if err := record.validate(prefix); err != nil {
				return fmt.Errorf("%v record of %q: %w", role,
					account, err)
			}
		}
	}

	if f.DefaultAccount != nil {
		if _, ok := f.Accounts[*f.DefaultAccount]; !ok {
			return fmt.Errorf("default account %q holds no keys",
				*f.DefaultAccount)
		}
	}

	return nil
}
