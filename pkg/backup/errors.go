// Package backup writes and restores encrypted snapshots of an identity's
// ledger entries.
package backup

import "errors"

// Backup/Restore errors
var (
	// ErrInvalidMagic indicates the backup file has an invalid magic number.
	ErrInvalidMagic = errors.New("invalid backup file: magic number mismatch")

	// ErrUnsupportedVersion indicates the backup format version is not supported.
	ErrUnsupportedVersion = errors.New("unsupported backup format version")

	// ErrIntegrityFailed indicates the HMAC verification failed.
	ErrIntegrityFailed = errors.New("backup integrity check failed: HMAC mismatch")

	// ErrDecryptionFailed indicates decryption failed due to invalid password or corruption.
	ErrDecryptionFailed = errors.New("backup decryption failed: invalid password or corrupted data")

	// ErrNoVault indicates the identity has no vault record to back up.
	ErrNoVault = errors.New("no vault for this identity")

	// ErrVaultMismatch indicates the target already holds a different vault
	// record, so restored credentials could not be decrypted there.
	ErrVaultMismatch = errors.New("restore target holds a different vault")

	// ErrConflict indicates a website already exists during restore.
	ErrConflict = errors.New("restore conflict: credential already exists")

	// ErrInvalidKeyFile indicates the key file is invalid or wrong size.
	ErrInvalidKeyFile = errors.New("invalid key file: must be exactly 32 bytes")

	// ErrEmptyPassword indicates an empty password was provided.
	ErrEmptyPassword = errors.New("password cannot be empty")
)
