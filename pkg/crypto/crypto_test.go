package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"testing"
)

// testIterations keeps PBKDF2 fast in tests that do not check the default.
const testIterations = 1000

func mustSalt(t *testing.T) []byte {
	t.Helper()
	salt, err := GenerateSalt()
	if err != nil {
		t.Fatalf("GenerateSalt() error = %v", err)
	}
	return salt
}

// TestDeriveKey tests the PBKDF2 key derivation function
func TestDeriveKey(t *testing.T) {
	password := []byte("test-password-123")
	salt := mustSalt(t)

	key := DeriveKey(password, salt, testIterations)
	if len(key) != KeyLength {
		t.Errorf("DeriveKey() returned key of length %d, want %d", len(key), KeyLength)
	}

	key2 := DeriveKey(password, salt, testIterations)
	if !bytes.Equal(key, key2) {
		t.Error("DeriveKey() with same inputs should produce identical keys")
	}

	differentKey := DeriveKey([]byte("different-password"), salt, testIterations)
	if bytes.Equal(key, differentKey) {
		t.Error("DeriveKey() with different password should produce different key")
	}

	differentKey = DeriveKey(password, mustSalt(t), testIterations)
	if bytes.Equal(key, differentKey) {
		t.Error("DeriveKey() with different salt should produce different key")
	}

	differentKey = DeriveKey(password, salt, testIterations+1)
	if bytes.Equal(key, differentKey) {
		t.Error("DeriveKey() with different iteration count should produce different key")
	}
}

// TestDeriveKeyKnownVector checks PBKDF2-HMAC-SHA256 against RFC 7914 §11.
func TestDeriveKeyKnownVector(t *testing.T) {
	key := DeriveKey([]byte("passwd"), []byte("salt"), 1)
	want := "55ac046e56e3089fec1691c22544b605f94185216dde0465e68b9d57c20dacbc"
	if got := hex.EncodeToString(key); got != want {
		t.Errorf("DeriveKey() = %s, want %s", got, want)
	}
}

func TestDeriveKeyDefaultIterations(t *testing.T) {
	if DefaultIterations != 100000 {
		t.Errorf("DefaultIterations = %d, want 100000", DefaultIterations)
	}
	salt := []byte("0123456789abcdef")
	if !bytes.Equal(DeriveKey([]byte("pw"), salt, 0), DeriveKey([]byte("pw"), salt, DefaultIterations)) {
		t.Error("DeriveKey() with zero iterations should use DefaultIterations")
	}
}

func TestHashPassword(t *testing.T) {
	salt := mustSalt(t)
	hash := HashPassword([]byte("Sup3rSecret!"), salt, testIterations)

	if hash != HashPassword([]byte("Sup3rSecret!"), salt, testIterations) {
		t.Error("HashPassword() should be deterministic")
	}
	if hash == HashPassword([]byte("wrong"), salt, testIterations) {
		t.Error("HashPassword() with a different password should differ")
	}

	raw, err := base64.StdEncoding.DecodeString(hash)
	if err != nil {
		t.Fatalf("HashPassword() is not base64: %v", err)
	}
	if len(raw) != KeyLength {
		t.Errorf("HashPassword() digest length = %d, want %d", len(raw), KeyLength)
	}
}

// TestEncrypt tests the AES-256-GCM encryption function
func TestEncrypt(t *testing.T) {
	key := make([]byte, KeyLength)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	plaintext := []byte("secret data to encrypt")

	ciphertext, iv, err := Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if len(iv) != NonceLength {
		t.Errorf("Encrypt() iv length = %d, want %d", len(iv), NonceLength)
	}
	if bytes.Equal(ciphertext, plaintext) {
		t.Error("Encrypt() ciphertext should not equal plaintext")
	}
	if len(ciphertext) != len(plaintext)+16 {
		t.Errorf("Encrypt() ciphertext length = %d, want %d", len(ciphertext), len(plaintext)+16)
	}
}

// TestEncryptInvalidKeyLength tests that Encrypt rejects invalid key lengths
func TestEncryptInvalidKeyLength(t *testing.T) {
	tests := []struct {
		name   string
		keyLen int
	}{
		{"too short (16 bytes)", 16},
		{"too short (24 bytes)", 24},
		{"too long (48 bytes)", 48},
		{"empty key", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Encrypt(make([]byte, tt.keyLen), []byte("test data"))
			if err != ErrInvalidKeyLength {
				t.Errorf("Encrypt() error = %v, want %v", err, ErrInvalidKeyLength)
			}
		})
	}
}

// TestDecryptWrongPassword checks that a key derived from another password
// cannot open the ciphertext.
func TestDecryptWrongPassword(t *testing.T) {
	salt := mustSalt(t)
	key := DeriveKey([]byte("correct horse"), salt, testIterations)
	wrongKey := DeriveKey([]byte("battery staple"), salt, testIterations)

	ciphertext, iv, err := Encrypt(key, []byte("secret data"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if _, err := Decrypt(wrongKey, ciphertext, iv); err != ErrDecryptionFailed {
		t.Errorf("Decrypt() with wrong key error = %v, want %v", err, ErrDecryptionFailed)
	}
}

// TestDecryptInvalidNonce tests that decryption fails with a different IV
func TestDecryptInvalidNonce(t *testing.T) {
	key := make([]byte, KeyLength)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	ciphertext, _, err := Encrypt(key, []byte("secret data"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	wrongIV := make([]byte, NonceLength)
	if _, err := rand.Read(wrongIV); err != nil {
		t.Fatalf("failed to generate iv: %v", err)
	}
	if _, err := Decrypt(key, ciphertext, wrongIV); err != ErrDecryptionFailed {
		t.Errorf("Decrypt() with wrong iv error = %v, want %v", err, ErrDecryptionFailed)
	}
}

func TestDecryptInputValidation(t *testing.T) {
	tests := []struct {
		name       string
		keyLen     int
		ivLen      int
		ciphertext int
		want       error
	}{
		{"short key", 16, NonceLength, 32, ErrInvalidKeyLength},
		{"empty key", 0, NonceLength, 32, ErrInvalidKeyLength},
		{"short iv", KeyLength, 8, 32, ErrInvalidNonceLength},
		{"long iv", KeyLength, 16, 32, ErrInvalidNonceLength},
		{"short ciphertext", KeyLength, NonceLength, 10, ErrCiphertextTooShort},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decrypt(make([]byte, tt.keyLen), make([]byte, tt.ciphertext), make([]byte, tt.ivLen))
			if err != tt.want {
				t.Errorf("Decrypt() error = %v, want %v", err, tt.want)
			}
		})
	}
}

// TestDecryptTamperedCiphertext tests that tampering is detected
func TestDecryptTamperedCiphertext(t *testing.T) {
	key := make([]byte, KeyLength)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	ciphertext, iv, err := Encrypt(key, []byte("secret data that should be protected"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	tampered := bytes.Clone(ciphertext)
	tampered[0] ^= 0x01
	if _, err := Decrypt(key, tampered, iv); err != ErrDecryptionFailed {
		t.Errorf("Decrypt() with tampered ciphertext error = %v, want %v", err, ErrDecryptionFailed)
	}
}

// TestEncryptDecryptRoundTrip checks decrypt(encrypt(p, k), k) == p for
// password-derived keys.
func TestEncryptDecryptRoundTrip(t *testing.T) {
	salt := mustSalt(t)

	testCases := []struct {
		name      string
		password  string
		plaintext []byte
	}{
		{"empty", "pw-one", []byte{}},
		{"small", "pw-two", []byte("x")},
		{"json", "Sup3rSecret!", []byte(`{"website":"example.com","username":"alice","password":"p@ss"}`)},
		{"large", "pw-three", bytes.Repeat([]byte{0xA5}, 10000)},
		{"binary", "pw-four", []byte{0x00, 0xFF, 0x01, 0xFE, 0x02, 0xFD}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			key := DeriveKey([]byte(tc.password), salt, testIterations)

			ciphertext, iv, err := Encrypt(key, tc.plaintext)
			if err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}

			decrypted, err := Decrypt(DeriveKey([]byte(tc.password), salt, testIterations), ciphertext, iv)
			if err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if !bytes.Equal(decrypted, tc.plaintext) {
				t.Errorf("round trip failed: got length %d, want length %d", len(decrypted), len(tc.plaintext))
			}
		})
	}
}

// TestEncryptProducesUniqueNonce tests that each encryption produces a unique IV
func TestEncryptProducesUniqueNonce(t *testing.T) {
	key := make([]byte, KeyLength)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		_, iv, err := Encrypt(key, []byte("test data"))
		if err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}
		if seen[string(iv)] {
			t.Errorf("Encrypt() produced duplicate iv on iteration %d", i)
		}
		seen[string(iv)] = true
	}
}

func TestSignVerify(t *testing.T) {
	pub, priv, err := GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("GenerateSigningKeyPair() error = %v", err)
	}

	message := []byte("header.payload")
	signature := Sign(priv, message)
	if len(signature) != ed25519.SignatureSize {
		t.Errorf("Sign() length = %d, want %d", len(signature), ed25519.SignatureSize)
	}
	if !Verify(signature, message, pub) {
		t.Error("Verify() rejected a valid signature")
	}

	altered := bytes.Clone(message)
	altered[0] ^= 0x01
	if Verify(signature, altered, pub) {
		t.Error("Verify() accepted a signature over a different message")
	}

	otherPub, _, err := GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("GenerateSigningKeyPair() error = %v", err)
	}
	if Verify(signature, message, otherPub) {
		t.Error("Verify() accepted a signature under another key")
	}
	if Verify(signature, message, pub[:10]) {
		t.Error("Verify() accepted a truncated public key")
	}
}

func TestKeyHexRoundTrip(t *testing.T) {
	pub, priv, err := GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("GenerateSigningKeyPair() error = %v", err)
	}

	decoded, err := PrivateKeyFromHex(hex.EncodeToString(priv))
	if err != nil {
		t.Fatalf("PrivateKeyFromHex() error = %v", err)
	}
	if !bytes.Equal(decoded, priv) {
		t.Error("PrivateKeyFromHex() did not round trip the expanded key")
	}

	fromSeed, err := PrivateKeyFromHex(hex.EncodeToString(priv.Seed()))
	if err != nil {
		t.Fatalf("PrivateKeyFromHex(seed) error = %v", err)
	}
	if !bytes.Equal(fromSeed, priv) {
		t.Error("PrivateKeyFromHex() did not expand the seed form")
	}

	decodedPub, err := PublicKeyFromHex(hex.EncodeToString(pub))
	if err != nil {
		t.Fatalf("PublicKeyFromHex() error = %v", err)
	}
	if !bytes.Equal(decodedPub, pub) {
		t.Error("PublicKeyFromHex() did not round trip")
	}

	if _, err := PrivateKeyFromHex("abcd"); err == nil {
		t.Error("PrivateKeyFromHex() accepted a short key")
	}
	if _, err := PublicKeyFromHex("zz"); err == nil {
		t.Error("PublicKeyFromHex() accepted invalid hex")
	}
}

// TestSecureWipe tests that SecureWipe zeros out memory
func TestSecureWipe(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	SecureWipe(data)
	for i, b := range data {
		if b != 0 {
			t.Errorf("SecureWipe() byte[%d] = %d, want 0", i, b)
		}
	}

	// Should not panic on empty or nil slices
	SecureWipe([]byte{})
	SecureWipe(nil)
}
