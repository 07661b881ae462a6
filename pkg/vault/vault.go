// Package vault provides the encrypted credential store kept in a ledger.
//
// Each identity owns one VaultRecord, stored under the sentinel key, holding
// the password salt, a verifier hash and the identity's Ed25519 signing key
// encrypted under the password-derived key. Credentials are stored one per
// website as AES-256-GCM blobs. The derived key and the signing key exist
// only in memory while the vault is unlocked.
package vault

import (
	"context"
	stdcrypto "crypto"
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/forest6511/vaultbroker/pkg/audit"
	"github.com/forest6511/vaultbroker/pkg/clock"
	"github.com/forest6511/vaultbroker/pkg/crypto"
	"github.com/forest6511/vaultbroker/pkg/ledger"
)

const (
	// SentinelKey is the reserved ledger key holding the VaultRecord.
	SentinelKey = "__VAULT_DATA__"

	// RecordVersion is the VaultRecord format version.
	RecordVersion = 1

	MinPasswordLength = 8
	MaxPasswordLength = 128

	MaxWebsiteLength = 2048
	MaxNotesSize     = 10 * 1024
)

// Errors
var (
	ErrLedgerNotConfigured = errors.New("vault: ledger not configured")
	ErrIdentityRequired    = errors.New("vault: identity is required")
	ErrVaultLocked         = errors.New("vault: vault is locked")
	ErrVaultAlreadyExists  = errors.New("vault: vault already exists for this identity")
	ErrVaultCorrupted      = errors.New("vault: vault record is corrupted")
	ErrPasswordTooShort    = errors.New("vault: password must be at least 8 characters")
	ErrPasswordTooLong     = errors.New("vault: password must be at most 128 characters")
	ErrWebsiteEmpty        = errors.New("vault: website is required")
	ErrWebsiteReserved     = errors.New("vault: website name is reserved")
	ErrWebsiteTooLong      = errors.New("vault: website too long")
	ErrWebsiteInvalid      = errors.New("vault: website contains invalid characters")
	ErrNotesTooLarge       = errors.New("vault: notes too large")
)

// Record is the per-identity vault header stored under SentinelKey.
type Record struct {
	Salt                string `json:"salt"`
	PasswordHash        string `json:"passwordHash"`
	EncryptedPrivateKey string `json:"encryptedPrivateKey"`
	PrivateKeyIV        string `json:"privateKeyIV"`
	PublicKey           string `json:"publicKey"`
	Version             int    `json:"version"`
}

// Credential is a stored website login. Timestamps are epoch milliseconds.
type Credential struct {
	Website   string `json:"website"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	Notes     string `json:"notes,omitempty"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// encryptedBlob is the ledger value of a credential.
type encryptedBlob struct {
	EncryptedData string `json:"encryptedData"`
	IV            string `json:"iv"`
}

// Vault is the credential store of one identity. It is safe for concurrent
// use, but a process should hold a single Vault per identity.
type Vault struct {
	ledger     ledger.Ledger
	identity   string
	iterations int
	clock      clock.Clock
	logger     *slog.Logger
	audit      *audit.Logger
	source     string

	mu         sync.RWMutex
	key        []byte
	signingKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

// Option configures a Vault.
type Option func(*Vault)

// WithIterations sets the PBKDF2 iteration count used by Create and Unlock.
func WithIterations(n int) Option {
	return func(v *Vault) { v.iterations = n }
}

// WithClock sets the clock used for credential timestamps.
func WithClock(c clock.Clock) Option {
	return func(v *Vault) { v.clock = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Vault) { v.logger = l }
}

// WithAudit attaches an audit log. The chain key follows the vault key.
func WithAudit(a *audit.Logger) Option {
	return func(v *Vault) { v.audit = a }
}

// WithSource sets the audit source recorded for this vault's operations.
func WithSource(source string) Option {
	return func(v *Vault) { v.source = source }
}

// New returns a locked vault for identity backed by l.
func New(l ledger.Ledger, identity string, opts ...Option) *Vault {
	v := &Vault{
		ledger:     l,
		identity:   identity,
		iterations: crypto.DefaultIterations,
		clock:      clock.Real(),
		logger:     slog.Default(),
		source:     audit.SourceCLI,
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = v.logger.With("component", "vault")
	return v
}

// Identity returns the owner identity of this vault.
func (v *Vault) Identity() string { return v.identity }

func (v *Vault) ready() error {
	if v.ledger == nil {
		return ErrLedgerNotConfigured
	}
	if v.identity == "" {
		return ErrIdentityRequired
	}
	return nil
}

// Exists reports whether a vault record is stored for the identity. Read
// failures are reported as false.
func (v *Vault) Exists(ctx context.Context) bool {
	if v.ready() != nil {
		return false
	}
	entry, err := v.ledger.Get(ctx, v.identity, SentinelKey)
	if err != nil {
		return false
	}
	return len(entry.Data) > 0
}

// ValidatePassword checks the master password length bounds.
func ValidatePassword(password string) error {
	n := len([]rune(password))
	if n < MinPasswordLength {
		return ErrPasswordTooShort
	}
	if n > MaxPasswordLength {
		return ErrPasswordTooLong
	}
	return nil
}

// Create initialises the vault and leaves it unlocked:
// 1. Generate salt and derive the symmetric key
// 2. Generate the Ed25519 signing key pair
// 3. Encrypt the private key (hex) under the derived key
// 4. Write the VaultRecord to the sentinel key and await the commit
func (v *Vault) Create(ctx context.Context, password string) error {
	if err := v.ready(); err != nil {
		return err
	}
	if v.Exists(ctx) {
		return ErrVaultAlreadyExists
	}
	if err := ValidatePassword(password); err != nil {
		return err
	}

	salt, err := crypto.GenerateSalt()
	if err != nil {
		return fmt.Errorf("vault: %w", err)
	}
	key := crypto.DeriveKey([]byte(password), salt, v.iterations)

	pub, priv, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		crypto.SecureWipe(key)
		return fmt.Errorf("vault: %w", err)
	}

	seedHex := []byte(hex.EncodeToString(priv.Seed()))
	encPriv, iv, err := crypto.Encrypt(key, seedHex)
	crypto.SecureWipe(seedHex)
	if err != nil {
		crypto.SecureWipe(key)
		crypto.SecureWipe(priv)
		return fmt.Errorf("vault: failed to encrypt signing key: %w", err)
	}

	rec := Record{
		Salt:                base64.StdEncoding.EncodeToString(salt),
		PasswordHash:        crypto.HashPassword([]byte(password), salt, v.iterations),
		EncryptedPrivateKey: base64.StdEncoding.EncodeToString(encPriv),
		PrivateKeyIV:        base64.StdEncoding.EncodeToString(iv),
		PublicKey:           hex.EncodeToString(pub),
		Version:             RecordVersion,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		crypto.SecureWipe(key)
		crypto.SecureWipe(priv)
		return fmt.Errorf("vault: failed to marshal record: %w", err)
	}

	if err := v.write(ctx, SentinelKey, data); err != nil {
		crypto.SecureWipe(key)
		crypto.SecureWipe(priv)
		return err
	}

	v.mu.Lock()
	v.setKeys(key, priv, pub)
	v.mu.Unlock()

	v.logger.Info("vault created", "identity", v.identity)
	v.auditSuccess(audit.OpVaultCreate, "")
	return nil
}

// Unlock verifies password against the stored record and, on success, loads
// the key material. It returns false for a wrong password and for a missing
// or corrupt record; the error is non-nil only when the ledger could not be
// consulted.
func (v *Vault) Unlock(ctx context.Context, password string) (bool, error) {
	if err := v.ready(); err != nil {
		return false, err
	}

	entry, err := v.ledger.Get(ctx, v.identity, SentinelKey)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("vault: failed to read vault record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(entry.Data, &rec); err != nil {
		v.logger.Warn("vault record unreadable", "error", err)
		return false, nil
	}
	salt, err := base64.StdEncoding.DecodeString(rec.Salt)
	if err != nil {
		return false, nil
	}

	hash := crypto.HashPassword([]byte(password), salt, v.iterations)
	if subtle.ConstantTimeCompare([]byte(hash), []byte(rec.PasswordHash)) != 1 {
		v.auditError(audit.OpVaultUnlockFailed, "", "AUTH_FAILED", "invalid master password")
		return false, nil
	}

	key := crypto.DeriveKey([]byte(password), salt, v.iterations)
	priv, pub, err := openRecord(key, &rec)
	if err != nil {
		crypto.SecureWipe(key)
		v.logger.Warn("vault record could not be opened", "error", err)
		return false, nil
	}

	v.mu.Lock()
	v.wipe()
	v.setKeys(key, priv, pub)
	v.mu.Unlock()

	v.auditSuccess(audit.OpVaultUnlock, "")
	return true, nil
}

func openRecord(key []byte, rec *Record) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	encPriv, err := base64.StdEncoding.DecodeString(rec.EncryptedPrivateKey)
	if err != nil {
		return nil, nil, ErrVaultCorrupted
	}
	iv, err := base64.StdEncoding.DecodeString(rec.PrivateKeyIV)
	if err != nil {
		return nil, nil, ErrVaultCorrupted
	}
	seedHex, err := crypto.Decrypt(key, encPriv, iv)
	if err != nil {
		return nil, nil, err
	}
	defer crypto.SecureWipe(seedHex)

	priv, err := crypto.PrivateKeyFromHex(string(seedHex))
	if err != nil {
		return nil, nil, err
	}
	pub, err := crypto.PublicKeyFromHex(rec.PublicKey)
	if err != nil {
		crypto.SecureWipe(priv)
		return nil, nil, err
	}
	if !pub.Equal(priv.Public()) {
		crypto.SecureWipe(priv)
		return nil, nil, ErrVaultCorrupted
	}
	return priv, pub, nil
}

// setKeys must be called with mu held.
func (v *Vault) setKeys(key []byte, priv ed25519.PrivateKey, pub ed25519.PublicKey) {
	v.key = key
	v.signingKey = priv
	v.publicKey = pub
	if v.audit != nil {
		if err := v.audit.SetHMACKey(key); err != nil {
			v.logger.Warn("failed to initialize audit logger", "error", err)
		}
	}
}

// wipe must be called with mu held.
func (v *Vault) wipe() {
	if v.key != nil {
		crypto.SecureWipe(v.key)
		v.key = nil
	}
	if v.signingKey != nil {
		crypto.SecureWipe(v.signingKey)
		v.signingKey = nil
	}
	v.publicKey = nil
}

// Lock wipes the key material. Locking a locked vault is a no-op.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.key == nil {
		return
	}
	if v.audit != nil {
		_ = v.audit.LogSuccess(audit.OpVaultLock, v.source, "")
		v.audit.ClearKey()
	}
	v.wipe()
	v.logger.Debug("vault locked")
}

// IsLocked reports whether the key material is absent.
func (v *Vault) IsLocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.key == nil
}

// PublicKey returns the identity's Ed25519 public key, or nil while locked.
func (v *Vault) PublicKey() ed25519.PublicKey {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.publicKey == nil {
		return nil
	}
	return append(ed25519.PublicKey(nil), v.publicKey...)
}

// SigningKey returns a signer backed by the vault's private key. The signer
// refuses to sign once the vault is locked, so it can be held across a lock.
func (v *Vault) SigningKey() (stdcrypto.Signer, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.signingKey == nil {
		return nil, ErrVaultLocked
	}
	return &signer{v: v, pub: append(ed25519.PublicKey(nil), v.publicKey...)}, nil
}

type signer struct {
	v   *Vault
	pub ed25519.PublicKey
}

func (s *signer) Public() stdcrypto.PublicKey { return s.pub }

func (s *signer) Sign(rand io.Reader, message []byte, opts stdcrypto.SignerOpts) ([]byte, error) {
	s.v.mu.RLock()
	defer s.v.mu.RUnlock()
	if s.v.signingKey == nil {
		return nil, ErrVaultLocked
	}
	return s.v.signingKey.Sign(rand, message, opts)
}

// NormalizeWebsite returns the canonical ledger key for website.
func NormalizeWebsite(website string) (string, error) {
	w := norm.NFC.String(website)
	switch {
	case w == "":
		return "", ErrWebsiteEmpty
	case w == SentinelKey:
		return "", ErrWebsiteReserved
	case len(w) > MaxWebsiteLength:
		return "", ErrWebsiteTooLong
	}
	if strings.TrimSpace(w) != w {
		return "", ErrWebsiteInvalid
	}
	for _, r := range w {
		if unicode.IsControl(r) {
			return "", ErrWebsiteInvalid
		}
	}
	return w, nil
}

// StoreCredential encrypts cred with a fresh IV and writes it under its
// website, replacing any previous value. Both timestamps are set to now.
func (v *Vault) StoreCredential(ctx context.Context, cred Credential) error {
	if err := v.ready(); err != nil {
		return err
	}
	if v.IsLocked() {
		return ErrVaultLocked
	}
	website, err := NormalizeWebsite(cred.Website)
	if err != nil {
		v.auditError(audit.OpCredentialSet, cred.Website, "INVALID_WEBSITE", err.Error())
		return err
	}
	if len(cred.Notes) > MaxNotesSize {
		return ErrNotesTooLarge
	}

	now := v.clock.Now().UnixMilli()
	cred.Website = website
	cred.CreatedAt = now
	cred.UpdatedAt = now

	plaintext, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("vault: failed to marshal credential: %w", err)
	}
	defer crypto.SecureWipe(plaintext)

	v.mu.RLock()
	if v.key == nil {
		v.mu.RUnlock()
		return ErrVaultLocked
	}
	ciphertext, iv, err := crypto.Encrypt(v.key, plaintext)
	v.mu.RUnlock()
	if err != nil {
		v.auditError(audit.OpCredentialSet, website, "ENCRYPT_FAILED", err.Error())
		return fmt.Errorf("vault: failed to encrypt credential: %w", err)
	}

	data, err := json.Marshal(encryptedBlob{
		EncryptedData: base64.StdEncoding.EncodeToString(ciphertext),
		IV:            base64.StdEncoding.EncodeToString(iv),
	})
	if err != nil {
		return fmt.Errorf("vault: failed to marshal blob: %w", err)
	}

	if err := v.write(ctx, website, data); err != nil {
		v.auditError(audit.OpCredentialSet, website, "LEDGER_ERROR", err.Error())
		return err
	}
	v.auditSuccess(audit.OpCredentialSet, website)
	return nil
}

// GetCredential returns the credential stored for website. It fails with
// ErrVaultLocked while locked; any read, decrypt or parse failure yields
// (nil, nil).
func (v *Vault) GetCredential(ctx context.Context, website string) (*Credential, error) {
	if err := v.ready(); err != nil {
		return nil, err
	}
	if v.IsLocked() {
		return nil, ErrVaultLocked
	}

	website, err := NormalizeWebsite(website)
	if err != nil {
		return nil, nil
	}

	entry, err := v.ledger.Get(ctx, v.identity, website)
	if err != nil {
		if !errors.Is(err, ledger.ErrNotFound) {
			v.logger.Warn("credential read failed", "error", err)
		}
		return nil, nil
	}

	var blob encryptedBlob
	if err := json.Unmarshal(entry.Data, &blob); err != nil {
		return nil, nil
	}
	ciphertext, err := base64.StdEncoding.DecodeString(blob.EncryptedData)
	if err != nil {
		return nil, nil
	}
	iv, err := base64.StdEncoding.DecodeString(blob.IV)
	if err != nil {
		return nil, nil
	}

	v.mu.RLock()
	if v.key == nil {
		v.mu.RUnlock()
		return nil, ErrVaultLocked
	}
	plaintext, err := crypto.Decrypt(v.key, ciphertext, iv)
	v.mu.RUnlock()
	if err != nil {
		v.auditError(audit.OpCredentialGet, website, "DECRYPT_FAILED", err.Error())
		return nil, nil
	}
	defer crypto.SecureWipe(plaintext)

	var cred Credential
	if err := json.Unmarshal(plaintext, &cred); err != nil {
		return nil, nil
	}
	v.auditSuccess(audit.OpCredentialGet, website)
	return &cred, nil
}

// ListWebsites returns every website stored for the identity, sorted.
func (v *Vault) ListWebsites(ctx context.Context) ([]string, error) {
	if err := v.ready(); err != nil {
		return nil, err
	}
	keys, err := v.ledger.List(ctx, v.identity)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to list websites: %w", err)
	}
	websites := make([]string, 0, len(keys))
	for _, k := range keys {
		if k != SentinelKey {
			websites = append(websites, k)
		}
	}
	v.auditSuccess(audit.OpCredentialList, "")
	return websites, nil
}

// DeleteCredential removes the credential for website and awaits the commit.
func (v *Vault) DeleteCredential(ctx context.Context, website string) error {
	if err := v.ready(); err != nil {
		return err
	}
	website, err := NormalizeWebsite(website)
	if err != nil {
		return err
	}

	commit, err := v.ledger.Delete(ctx, v.identity, website)
	if err == nil {
		err = commit.Wait(ctx)
	}
	if err != nil {
		v.auditError(audit.OpCredentialDelete, website, "LEDGER_ERROR", err.Error())
		return fmt.Errorf("vault: failed to delete credential: %w", err)
	}
	v.auditSuccess(audit.OpCredentialDelete, website)
	return nil
}

// write submits a ledger write and blocks until it is confirmed.
func (v *Vault) write(ctx context.Context, key string, data []byte) error {
	commit, err := v.ledger.Set(ctx, v.identity, key, data)
	if err != nil {
		return fmt.Errorf("vault: failed to write %s: %w", key, err)
	}
	if err := commit.Wait(ctx); err != nil {
		return fmt.Errorf("vault: write of %s not confirmed: %w", key, err)
	}
	return nil
}

func (v *Vault) auditSuccess(op, subject string) {
	if v.audit != nil {
		_ = v.audit.LogSuccess(op, v.source, subject)
	}
}

func (v *Vault) auditError(op, subject, code, msg string) {
	if v.audit != nil {
		_ = v.audit.LogError(op, v.source, subject, code, msg)
	}
}
