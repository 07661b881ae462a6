// Package crypto provides cryptographic primitives for vaultbroker.
//
// This package implements AES-256-GCM authenticated encryption, PBKDF2-HMAC-SHA256
// key derivation and Ed25519 signing.
//
// # Security Features
//
//   - AES-256-GCM authenticated encryption with a fresh 96-bit IV per call
//   - PBKDF2-HMAC-SHA256 key derivation (100,000 iterations by default)
//   - Ed25519 signing keys from crypto/rand
//   - Secure memory wiping for sensitive data
//
// # Example Usage
//
//	salt, _ := crypto.GenerateSalt()
//	key := crypto.DeriveKey([]byte("password"), salt, crypto.DefaultIterations)
//
//	ciphertext, iv, err := crypto.Encrypt(key, plaintext)
//	plaintext, err := crypto.Decrypt(key, ciphertext, iv)
//
//	crypto.SecureWipe(key)
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultIterations is the PBKDF2 iteration count.
	DefaultIterations = 100000

	// KeyLength is the length of encryption keys in bytes (256 bits).
	KeyLength = 32

	// NonceLength is the length of GCM IVs in bytes (96 bits).
	NonceLength = 12

	// SaltLength is the length of generated salts in bytes.
	SaltLength = 16
)

// Sentinel errors returned by crypto functions.
var (
	// ErrInvalidKeyLength indicates the key is not 32 bytes.
	ErrInvalidKeyLength = errors.New("crypto: invalid key length, must be 32 bytes")

	// ErrInvalidNonceLength indicates the IV is not 12 bytes.
	ErrInvalidNonceLength = errors.New("crypto: invalid iv length, must be 12 bytes")

	// ErrDecryptionFailed indicates decryption or authentication tag verification failed.
	ErrDecryptionFailed = errors.New("crypto: decryption failed, authentication tag verification failed")

	// ErrCiphertextTooShort indicates the ciphertext is shorter than the GCM tag.
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")

	// ErrInvalidSigningKey indicates an encoded Ed25519 key has the wrong size.
	ErrInvalidSigningKey = errors.New("crypto: invalid signing key")
)

// DeriveKey derives a 256-bit AES key from a password using PBKDF2-HMAC-SHA256.
// The same password, salt and iteration count always produce the same key.
// A non-positive iteration count selects DefaultIterations.
func DeriveKey(password, salt []byte, iterations int) []byte {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return pbkdf2.Key(password, salt, iterations, KeyLength, sha256.New)
}

// HashPassword computes the stored password verifier: the base64-encoded
// PBKDF2-HMAC-SHA256 digest of password under salt.
//
// It uses the same parameters as DeriveKey, so for a given salt the verifier
// equals the base64 encoding of the encryption key. See DESIGN.md.
func HashPassword(password, salt []byte, iterations int) string {
	digest := DeriveKey(password, salt, iterations)
	defer SecureWipe(digest)
	return base64.StdEncoding.EncodeToString(digest)
}

// GenerateSalt returns SaltLength bytes from crypto/rand.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: failed to generate salt: %w", err)
	}
	return salt, nil
}

// Encrypt encrypts plaintext using AES-256-GCM authenticated encryption.
//
// A fresh 12-byte IV is read from crypto/rand on every call, so an IV is
// never reused for the same key. The authentication tag is appended to the
// ciphertext.
func Encrypt(key, plaintext []byte) (ciphertext []byte, iv []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	iv = make([]byte, NonceLength)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("crypto: failed to generate iv: %w", err)
	}

	ciphertext = gcm.Seal(nil, iv, plaintext, nil)
	return ciphertext, iv, nil
}

// Decrypt decrypts ciphertext using AES-256-GCM authenticated encryption.
//
// ErrDecryptionFailed is returned when the tag does not verify, which means
// either the wrong key or a modified ciphertext.
func Decrypt(key, ciphertext, iv []byte) (plaintext []byte, err error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}
	if len(iv) != NonceLength {
		return nil, ErrInvalidNonceLength
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.Overhead() {
		return nil, ErrCiphertextTooShort
	}

	plaintext, err = gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create GCM: %w", err)
	}
	return gcm, nil
}

// GenerateSigningKeyPair returns a new Ed25519 key pair from crypto/rand.
func GenerateSigningKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: failed to generate signing key: %w", err)
	}
	return pub, priv, nil
}

// Sign signs message with an Ed25519 private key.
func Sign(privateKey ed25519.PrivateKey, message []byte) []byte {
	return ed25519.Sign(privateKey, message)
}

// Verify reports whether signature is a valid Ed25519 signature of message.
// Keys of the wrong size are rejected rather than causing a panic.
func Verify(signature, message []byte, publicKey ed25519.PublicKey) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(publicKey, message, signature)
}

// PrivateKeyFromHex decodes a hex-encoded Ed25519 private key. Both the
// 32-byte seed form and the 64-byte expanded form are accepted.
func PrivateKeyFromHex(s string) (ed25519.PrivateKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSigningKey, err)
	}
	defer SecureWipe(raw)

	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		key := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
		copy(key, raw)
		return key, nil
	default:
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidSigningKey, len(raw))
	}
}

// PublicKeyFromHex decodes a hex-encoded Ed25519 public key.
func PublicKeyFromHex(s string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSigningKey, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidSigningKey, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// SecureWipe overwrites a byte slice with zeros in a way that prevents
// compiler optimization from removing the operation.
func SecureWipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	// runtime.KeepAlive keeps b "in use" after the loop so the writes stay.
	runtime.KeepAlive(b)
}
