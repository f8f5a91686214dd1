// Package vault implements the durable, encrypted store of account keys.
//
// Every key is stored either encrypted under a key stretched from a PIN, or
// in the OS credential store with only a reference kept in the vault file.
// The file is loaded once and rewritten atomically after every mutation.
package vault

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"sync"

	"github.com/hiveledger/hvault/credstore"
	"github.com/hiveledger/hvault/keychain"
	"github.com/hiveledger/hvault/secret"
)

const (
	// DefaultFileName is the default name of the vault file.
	DefaultFileName = "vault.json"

	// DefaultCredService is the default service name under which keys
	// are placed in the OS credential store.
	DefaultCredService = "hvault"

	// handleNonceLen is the number of random bytes added to each
	// credential store entry name, so that a new entry never replaces
	// the one still referenced by the vault file.
	handleNonceLen = 4
)

// Config holds the dependencies and settings of a Store.
type Config struct {
	// Path is the location of the vault file.
	Path string

	// AddressPrefix is the prefix of the public key text form.
	AddressPrefix string

	// Scrypt holds the work parameters for newly encrypted keys.
	Scrypt ScryptParams

	// CredStore receives the keys added without a PIN. If nil, such
	// keys are rejected with ErrCredentialStoreUnavailable.
	CredStore credstore.Store

	// CredService is the service name used in CredStore.
	CredService string
}

// RecordInfo is the public view of a stored key.
type RecordInfo struct {
	Account   string
	Role      keychain.Role
	PublicKey string
	Encrypted bool
}

// Store is the encrypted vault. It must be initialized before use.
type Store struct {
	cfg *Config

	mu   sync.RWMutex
	file *vaultFile
}

// New creates a vault store from the given config. Unset optional fields
// are filled with their defaults.
func New(cfg *Config) *Store {
	if cfg.AddressPrefix == "" {
		cfg.AddressPrefix = keychain.DefaultAddressPrefix
	}
	if cfg.Scrypt == (ScryptParams{}) {
		cfg.Scrypt = DefaultScryptParams
	}
	if cfg.CredService == "" {
		cfg.CredService = DefaultCredService
	}

	return &Store{
		cfg: cfg,
	}
}

// Initialize loads the vault file, creating an empty one if none exists.
// ErrVaultCorrupt is returned if the file exists but fails validation.
func (s *Store) Initialize() error {
	if err := s.cfg.Scrypt.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.cfg.Path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.Infof("Creating new vault at %v", s.cfg.Path)

		file := newEmptyFile()
		if err := s.persist(file); err != nil {
			return err
		}
		s.file = file

		return nil

	case err != nil:
		return fmt.Errorf("unable to read vault file: %w", err)
	}

	file, err := decodeFile(raw, s.cfg.AddressPrefix)
	if err != nil {
		log.Errorf("Vault at %v failed validation: %v", s.cfg.Path, err)
		return err
	}
	s.file = file

	log.Debugf("Loaded vault with %d accounts from %v", len(file.Accounts),
		s.cfg.Path)

	return nil
}

// persist writes the file to disk. The caller must hold the lock.
func (s *Store) persist(file *vaultFile) error {
	raw, err := file.encode()
	if err != nil {
		return err
	}

	return writeAndSwap(s.cfg.Path, raw)
}

// record returns the record of the given slot. The caller must hold the
// lock.
func (s *Store) record(account string, role keychain.Role) (*keyRecord,
	error) {

	if s.file == nil {
		return nil, ErrNotInitialized
	}
	if !role.IsValid() {
		return nil, keyErr(account, role, ErrInvalidInput)
	}

	roles, ok := s.file.Accounts[account]
	if !ok {
		return nil, keyErr(account, role, ErrAccountNotFound)
	}
	record, ok := roles[role]
	if !ok {
		return nil, keyErr(account, role, ErrRoleNotFound)
	}

	return record, nil
}

// pendingKey is a record prepared for a slot but not yet committed to the
// vault file.
type pendingKey struct {
	account string
	role    keychain.Role
	record  *keyRecord
}

// prepare validates a new key and builds its record, sealing it under the
// PIN or placing it in the credential store. The caller must hold the lock.
func (s *Store) prepare(account string, role keychain.Role, privKey,
	pin *secret.Buffer, overwrite bool) (*pendingKey, error) {

	if s.file == nil {
		return nil, ErrNotInitialized
	}
	if err := keychain.ValidateAccountName(account); err != nil {
		return nil, err
	}
	if !role.IsValid() {
		return nil, keyErr(account, role, ErrInvalidInput)
	}
	if pin != nil && pin.Len() == 0 {
		return nil, keyErr(
			account, role, fmt.Errorf("%w: empty PIN",
				ErrInvalidInput),
		)
	}

	pubKey, err := keychain.PublicKeyFromPrivate(privKey)
	if err != nil {
		return nil, keyErr(account, role, err)
	}
	pubText := keychain.EncodePublicKey(s.cfg.AddressPrefix, pubKey)

	if _, exists := s.file.Accounts[account][role]; exists && !overwrite {
		return nil, keyErr(account, role, ErrDuplicateKeyRecord)
	}

	record := &keyRecord{
		PublicKey: pubText,
	}

	// With a PIN, the key is sealed into the record itself.
	if pin != nil {
		sealed, err := sealKey(
			privKey, pin, s.cfg.Scrypt,
			additionalData(account, role, pubText),
		)
		if err != nil {
			return nil, keyErr(account, role, err)
		}

		record.Encrypted = true
		record.CipherText = sealed.cipherText
		record.Salt = sealed.salt
		record.Nonce = sealed.nonce
		record.AuthTag = sealed.authTag
		record.KDF = &kdfParams{
			Name: kdfName,
			N:    sealed.params.N,
			R:    sealed.params.R,
			P:    sealed.params.P,
		}

		return &pendingKey{account, role, record}, nil
	}

	// Otherwise we defer to the credential store.
	if s.cfg.CredStore == nil {
		return nil, keyErr(account, role, ErrCredentialStoreUnavailable)
	}

	var nonce [handleNonceLen]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, keyErr(account, role, err)
	}
	entry := fmt.Sprintf("%s/%s/%s", account, role,
		hex.EncodeToString(nonce[:]))

	handle, err := s.cfg.CredStore.SetSecret(
		s.cfg.CredService, entry, privKey,
	)
	if err != nil {
		return nil, keyErr(account, role, fmt.Errorf("%w: %v",
			ErrCredentialStoreUnavailable, err))
	}
	record.CredentialStoreRef = handle.String()

	return &pendingKey{account, role, record}, nil
}

// discard removes the credential store entries created for keys that
// won't be committed. The caller must hold the lock.
func (s *Store) discard(pending []*pendingKey) {
	for _, p := range pending {
		_ = s.deleteCredential(p.account, p.role, p.record)
	}
}

// deleteCredential removes the credential store entry of a record, if any.
func (s *Store) deleteCredential(account string, role keychain.Role,
	record *keyRecord) error {

	if record.Encrypted || s.cfg.CredStore == nil {
		return nil
	}

	err := s.cfg.CredStore.DeleteSecret(
		credstore.Handle(record.CredentialStoreRef),
	)
	if err != nil {
		log.Warnf("Unable to delete credential store entry of %v "+
			"key of %v: %v", role, account, err)

		return keyErr(account, role, fmt.Errorf("%w: %v",
			ErrCredentialStoreUnavailable, err))
	}

	return nil
}

// commit writes the pending keys to the vault file in a single atomic
// update. If no default account is set, the first key's account becomes
// the default. The caller must hold the lock.
func (s *Store) commit(pending []*pendingKey) error {
	next := s.file.clone()

	var replaced []*pendingKey
	for _, p := range pending {
		roles, ok := next.Accounts[p.account]
		if !ok {
			roles = make(map[keychain.Role]*keyRecord)
			next.Accounts[p.account] = roles
		}

		if old, ok := roles[p.role]; ok {
			replaced = append(replaced, &pendingKey{
				p.account, p.role, old,
			})
		}
		roles[p.role] = p.record
	}

	if next.DefaultAccount == nil && len(pending) > 0 {
		account := pending[0].account
		next.DefaultAccount = &account

		log.Infof("Default account set to %v", account)
	}

	if err := s.persist(next); err != nil {
		s.discard(pending)
		return err
	}
	s.file = next

	// The replaced keys are now unreachable, so their credential store
	// entries can go.
	s.discard(replaced)

	return nil
}

// AddKey stores the private key of the account role. If pin is non-nil the
// key is encrypted under it, otherwise the key is placed in the credential
// store. An existing key for the same slot is only replaced if overwrite is
// set, ErrDuplicateKeyRecord is returned otherwise.
//
// The caller keeps ownership of privKey and pin.
func (s *Store) AddKey(account string, role keychain.Role, privKey,
	pin *secret.Buffer, overwrite bool) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.prepare(account, role, privKey, pin, overwrite)
	if err != nil {
		return err
	}
	if err := s.commit([]*pendingKey{p}); err != nil {
		return err
	}

	log.Infof("Added %v key of %v (encrypted=%v)", role, account,
		p.record.Encrypted)

	return nil
}

// Login derives the keys of the given roles from the master password and
// stores them all in one atomic update. Each key is sealed or handed to the
// credential store and scrubbed before the next one is derived.
//
// NOTE: A wrong master password can't be detected here, it yields another
// valid looking set of keys.
func (s *Store) Login(password *secret.Buffer, account string,
	roles []keychain.Role, pin *secret.Buffer,
	overwrite bool) ([]*RecordInfo, error) {

	if len(roles) == 0 {
		return nil, fmt.Errorf("%w: no roles given", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pending := make([]*pendingKey, 0, len(roles))
	for _, role := range roles {
		privKey, _, err := keychain.Derive(password, account, role)
		if err != nil {
			s.discard(pending)
			return nil, err
		}

		p, err := s.prepare(account, role, privKey, pin, overwrite)
		privKey.Scrub()
		if err != nil {
			s.discard(pending)
			return nil, err
		}
		pending = append(pending, p)
	}

	if err := s.commit(pending); err != nil {
		return nil, err
	}

	infos := make([]*RecordInfo, 0, len(pending))
	for _, p := range pending {
		infos = append(infos, p.info())
	}

	log.Infof("Logged in %v with %d roles", account, len(roles))

	return infos, nil
}

// info returns the public view of the pending key.
func (p *pendingKey) info() *RecordInfo {
	return &RecordInfo{
		Account:   p.account,
		Role:      p.role,
		PublicKey: p.record.PublicKey,
		Encrypted: p.record.Encrypted,
	}
}

// GetKey decrypts, or fetches from the credential store, the private key of
// the account role into a new buffer owned by the caller. The decrypted key
// is checked against the stored public key. A wrong PIN, tampered record or
// key mismatch all yield ErrDecryptionFailed.
func (s *Store) GetKey(account string, role keychain.Role,
	pin *secret.Buffer) (*secret.Buffer, error) {

	s.mu.RLock()
	defer s.mu.RUnlock()

	record, err := s.record(account, role)
	if err != nil {
		return nil, err
	}

	var privKey *secret.Buffer
	switch {
	case record.Encrypted && pin.Len() == 0:
		return nil, keyErr(account, role, fmt.Errorf("%w: PIN required",
			ErrInvalidInput))

	case record.Encrypted:
		privKey, err = openKey(
			record.sealed(), pin,
			additionalData(account, role, record.PublicKey),
		)
		if err != nil {
			log.Debugf("Unable to decrypt %v key of %v", role,
				account)
			return nil, keyErr(account, role, ErrDecryptionFailed)
		}

	case s.cfg.CredStore == nil:
		return nil, keyErr(account, role, ErrCredentialStoreUnavailable)

	default:
		privKey, err = s.cfg.CredStore.GetSecret(
			credstore.Handle(record.CredentialStoreRef),
		)
		if err != nil {
			return nil, keyErr(account, role, fmt.Errorf("%w: %v",
				ErrCredentialStoreUnavailable, err))
		}
	}

	// Re-derive the public key and make sure it's the one stored when
	// the key was added.
	pubKey, err := keychain.PublicKeyFromPrivate(privKey)
	if err != nil || keychain.EncodePublicKey(
		s.cfg.AddressPrefix, pubKey) != record.PublicKey {

		privKey.Scrub()
		log.Warnf("Public key mismatch for %v key of %v", role, account)

		return nil, keyErr(account, role, ErrDecryptionFailed)
	}

	return privKey, nil
}

// RemoveKey deletes the key of the account role. Removing the last key of an
// account removes the account, and unsets the default if it was the default
// account. The credential store entry, if any, is deleted once the vault
// file no longer references it.
func (s *Store) RemoveKey(account string, role keychain.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.record(account, role)
	if err != nil {
		return err
	}

	next := s.file.clone()
	delete(next.Accounts[account], role)
	if len(next.Accounts[account]) == 0 {
		delete(next.Accounts, account)

		if next.DefaultAccount != nil &&
			*next.DefaultAccount == account {

			log.Infof("Removed default account %v, default "+
				"is now unset", account)
			next.DefaultAccount = nil
		}
	}

	if err := s.persist(next); err != nil {
		return err
	}
	s.file = next

	log.Infof("Removed %v key of %v", role, account)

	return s.deleteCredential(account, role, record)
}

// SetDefaultAccount makes the account the default one. The account must hold
// at least one key.
func (s *Store) SetDefaultAccount(account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return ErrNotInitialized
	}
	if _, ok := s.file.Accounts[account]; !ok {
		return fmt.Errorf("%w: %q", ErrAccountNotFound, account)
	}

	next := s.file.clone()
	next.DefaultAccount = &account

	if err := s.persist(next); err != nil {
		return err
	}
	s.file = next

	log.Infof("Default account set to %v", account)

	return nil
}

// ChangePIN re-encrypts the key of the account role under newPIN. A nil
// oldPIN reads the key from the credential store, and a nil newPIN moves it
// there, so this also switches a key between the two storage variants.
//
// NOTE: The plaintext key is held for the duration of the call outside of
// any unlock.Unlocker. Callers that also sign through an Unlocker should
// instead re-add the key from within Unlocker.WithKey, as hvcli does.
func (s *Store) ChangePIN(account string, role keychain.Role, oldPIN,
	newPIN *secret.Buffer) error {

	privKey, err := s.GetKey(account, role, oldPIN)
	if err != nil {
		return err
	}
	defer privKey.Scrub()

	if err := s.AddKey(account, role, privKey, newPIN, true); err != nil {
		return err
	}

	log.Infof("Changed PIN of %v key of %v", role, account)

	return nil
}

// Record returns the public view of the key of the account role.
func (s *Store) Record(account string, role keychain.Role) (*RecordInfo,
	error) {

	s.mu.RLock()
	defer s.mu.RUnlock()

	record, err := s.record(account, role)
	if err != nil {
		return nil, err
	}

	return &RecordInfo{
		Account:   account,
		Role:      role,
		PublicKey: record.PublicKey,
		Encrypted: record.Encrypted,
	}, nil
}

// IsEncrypted returns true if the key of the account role is protected by a
// PIN rather than held in the credential store.
func (s *Store) IsEncrypted(account string, role keychain.Role) (bool,
	error) {

	info, err := s.Record(account, role)
	if err != nil {
		return false, err
	}

	return info.Encrypted, nil
}

// PublicKey returns the public key text of the account role.
func (s *Store) PublicKey(account string, role keychain.Role) (string,
	error) {

	info, err := s.Record(account, role)
	if err != nil {
		return "", err
	}

	return info.PublicKey, nil
}

// Accounts returns the names of all accounts holding at least one key, in
// lexical order.
func (s *Store) Accounts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.file == nil {
		return nil
	}

	accounts := make([]string, 0, len(s.file.Accounts))
	for account := range s.file.Accounts {
		accounts = append(accounts, account)
	}
	sort.Strings(accounts)

	return accounts
}

// Roles returns the roles the account holds keys for, most privileged
// first.
func (s *Store) Roles(account string) ([]keychain.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.file == nil {
		return nil, ErrNotInitialized
	}

	held, ok := s.file.Accounts[account]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrAccountNotFound, account)
	}

	roles := make([]keychain.Role, 0, len(held))
	for _, role := range keychain.AllRoles {
		if _, ok := held[role]; ok {
			roles = append(roles, role)
		}
	}

	return roles, nil
}

// DefaultAccount returns the default account, and false if none is set.
func (s *Store) DefaultAccount() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.file == nil || s.file.DefaultAccount == nil {
		return "", false
	}

	return *s.file.DefaultAccount, true
}
