package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/forest6511/vaultbroker/pkg/crypto"
	"github.com/forest6511/vaultbroker/pkg/ledger"
	"github.com/forest6511/vaultbroker/pkg/vault"
)

// ConflictMode specifies how to handle website conflicts during restore.
type ConflictMode int

const (
	// ConflictError returns an error if a website already exists.
	ConflictError ConflictMode = iota
	// ConflictSkip skips existing websites and only adds new ones.
	ConflictSkip
	// ConflictOverwrite overwrites existing websites.
	ConflictOverwrite
)

// Secret holds the password or key file that protects a backup. KeyFile
// takes precedence.
type Secret struct {
	Password []byte
	KeyFile  string
	// Iterations is the PBKDF2 cost for new password-protected backups.
	// Zero means crypto.DefaultIterations.
	Iterations int
}

// BackupOptions configures the backup operation.
type BackupOptions struct {
	Secret
	// Output is the destination writer for the backup.
	Output io.Writer
	// Now overrides the creation time. Used in tests.
	Now func() time.Time
}

// RestoreOptions configures the restore operation.
type RestoreOptions struct {
	Secret
	// OnConflict specifies how to handle existing websites.
	OnConflict ConflictMode
	// DryRun previews restore without making changes.
	DryRun bool
}

// RestoreResult contains the result of a restore operation.
type RestoreResult struct {
	// Restored is the number of credentials written.
	Restored int
	// Skipped is the number of credentials left as they were.
	Skipped int
	// VaultRestored reports whether the vault record was written.
	VaultRestored bool
	// DryRun indicates this was a dry run.
	DryRun bool
}

// VerifyResult contains the result of a verify operation.
type VerifyResult struct {
	Valid      bool
	Version    int
	CreatedAt  time.Time
	Identity   string
	EntryCount int
	// Error is set if verification failed.
	Error string
}

// Backup writes an encrypted snapshot of every ledger entry of identity.
func Backup(ctx context.Context, l ledger.Ledger, identity string, opts BackupOptions) error {
	if opts.Output == nil {
		return errors.New("backup: output is required")
	}
	payload, err := collect(ctx, l, identity)
	if err != nil {
		return err
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	defer crypto.SecureWipe(plaintext)

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	header := &Header{
		Version:      FormatVersion,
		CreatedAt:    now().UTC(),
		EntryCount:   len(payload.Entries),
		ChecksumAlgo: "HMAC-SHA256",
	}

	var encKey, macKey []byte
	if opts.KeyFile != "" {
		header.EncryptionMode = EncryptionModeKey
		encKey, macKey, err = keyFileKeys(opts.KeyFile)
	} else {
		salt, serr := crypto.GenerateSalt()
		if serr != nil {
			return serr
		}
		iterations := opts.Iterations
		if iterations <= 0 {
			iterations = crypto.DefaultIterations
		}
		header.EncryptionMode = EncryptionModePassword
		header.KDFParams = &KDFParams{Salt: salt, Iterations: iterations}
		encKey, macKey, err = DeriveBackupKeys(opts.Password, salt, iterations)
	}
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(encKey)
	defer crypto.SecureWipe(macKey)

	ciphertext, err := encryptPayload(plaintext, encKey)
	if err != nil {
		return err
	}

	// magic | header length | header | ciphertext length | ciphertext | HMAC(header, ciphertext)
	var buf bytes.Buffer
	if err := WriteHeader(&buf, header); err != nil {
		return err
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return err
	}
	if err := writeUint32(&buf, uint32(len(ciphertext))); err != nil {
		return err
	}
	buf.Write(ciphertext)
	buf.Write(computeHMAC(macKey, headerJSON, ciphertext))

	if _, err := opts.Output.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}
	return nil
}

// collect reads every entry of identity. The vault record must exist.
func collect(ctx context.Context, l ledger.Ledger, identity string) (*Payload, error) {
	keys, err := l.List(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	payload := &Payload{Identity: identity, Entries: make(map[string]Entry, len(keys))}
	for _, key := range keys {
		e, err := l.Get(ctx, identity, key)
		if errors.Is(err, ledger.ErrNotFound) {
			// deleted since List
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", key, err)
		}
		payload.Entries[key] = Entry{Data: e.Data, Timestamp: e.Timestamp}
	}
	if _, ok := payload.Entries[vault.SentinelKey]; !ok {
		return nil, ErrNoVault
	}
	return payload, nil
}

// Verify checks a backup's integrity and that it decrypts.
func Verify(r io.Reader, secret Secret) (*VerifyResult, error) {
	header, payload, err := open(r, secret)
	if err != nil {
		if errors.Is(err, ErrIntegrityFailed) || errors.Is(err, ErrDecryptionFailed) {
			return &VerifyResult{Valid: false, Error: err.Error()}, nil
		}
		return nil, err
	}
	return &VerifyResult{
		Valid:      true,
		Version:    header.Version,
		CreatedAt:  header.CreatedAt,
		Identity:   payload.Identity,
		EntryCount: len(payload.Entries),
	}, nil
}

// Restore writes the entries of a backup into l under identity, which
// need not be the identity the backup was taken from. The target must
// either have no vault record or the same one as the backup.
func Restore(ctx context.Context, r io.Reader, l ledger.Ledger, identity string, opts RestoreOptions) (*RestoreResult, error) {
	_, payload, err := open(r, opts.Secret)
	if err != nil {
		return nil, err
	}
	record, ok := payload.Entries[vault.SentinelKey]
	if !ok {
		return nil, ErrNoVault
	}

	result := &RestoreResult{DryRun: opts.DryRun}
	current, err := l.Get(ctx, identity, vault.SentinelKey)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		result.VaultRestored = true
	case err != nil:
		return nil, fmt.Errorf("failed to read target vault: %w", err)
	case !bytes.Equal(current.Data, record.Data):
		return nil, ErrVaultMismatch
	}

	existing := make(map[string]bool)
	keys, err := l.List(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("failed to list target entries: %w", err)
	}
	for _, k := range keys {
		existing[k] = true
	}

	var writes []string
	if result.VaultRestored {
		writes = append(writes, vault.SentinelKey)
	}
	var conflicts []string
	for _, key := range sortedKeys(payload.Entries) {
		if key == vault.SentinelKey {
			continue
		}
		if existing[key] {
			switch opts.OnConflict {
			case ConflictSkip:
				result.Skipped++
				continue
			case ConflictError:
				conflicts = append(conflicts, key)
				continue
			}
		}
		writes = append(writes, key)
		result.Restored++
	}
	if len(conflicts) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrConflict, strings.Join(conflicts, ", "))
	}
	if opts.DryRun {
		return result, nil
	}

	// The vault record goes first so a partial restore leaves a usable vault.
	for _, key := range writes {
		c, err := l.Set(ctx, identity, key, payload.Entries[key].Data)
		if err == nil {
			err = c.Wait(ctx)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to restore %s: %w", key, err)
		}
	}
	return result, nil
}

// open verifies and decrypts a backup.
func open(r io.Reader, secret Secret) (*Header, *Payload, error) {
	header, headerJSON, err := ReadHeader(r)
	if err != nil {
		return nil, nil, err
	}

	var n uint32
	if err := readUint32(r, &n); err != nil {
		return nil, nil, fmt.Errorf("failed to read payload length: %w", err)
	}
	ciphertext := make([]byte, n)
	if _, err := io.ReadFull(r, ciphertext); err != nil {
		return nil, nil, fmt.Errorf("failed to read payload: %w", err)
	}
	mac := make([]byte, HMACLength)
	if _, err := io.ReadFull(r, mac); err != nil {
		return nil, nil, fmt.Errorf("failed to read HMAC: %w", err)
	}

	var encKey, macKey []byte
	switch header.EncryptionMode {
	case EncryptionModeKey:
		if secret.KeyFile == "" {
			return nil, nil, errors.New("backup was made with a key file: --key-file is required")
		}
		encKey, macKey, err = keyFileKeys(secret.KeyFile)
	case EncryptionModePassword:
		if header.KDFParams == nil {
			return nil, nil, errors.New("backup header has no KDF parameters")
		}
		encKey, macKey, err = DeriveBackupKeys(secret.Password, header.KDFParams.Salt, header.KDFParams.Iterations)
	default:
		return nil, nil, fmt.Errorf("unknown encryption mode %q", header.EncryptionMode)
	}
	if err != nil {
		return nil, nil, err
	}
	defer crypto.SecureWipe(encKey)
	defer crypto.SecureWipe(macKey)

	if !verifyHMAC(mac, macKey, headerJSON, ciphertext) {
		return nil, nil, ErrIntegrityFailed
	}
	plaintext, err := decryptPayload(ciphertext, encKey)
	if err != nil {
		return nil, nil, err
	}
	defer crypto.SecureWipe(plaintext)

	var payload Payload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if len(payload.Entries) != header.EntryCount {
		return nil, nil, fmt.Errorf("%w: entry count %d does not match header %d",
			ErrIntegrityFailed, len(payload.Entries), header.EntryCount)
	}
	return header, &payload, nil
}

func keyFileKeys(path string) (encKey, macKey []byte, err error) {
	key, err := ReadKeyFile(path)
	if err != nil {
		return nil, nil, err
	}
	defer crypto.SecureWipe(key)
	return deriveKeys(key)
}

func sortedKeys(m map[string]Entry) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeUint32(w io.Writer, v uint32) error {
	b := []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	_, err := w.Write(b)
	return err
}

func readUint32(r io.Reader, v *uint32) error {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return err
	}
	*v = uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	return nil
}
