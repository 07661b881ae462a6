package security

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Character sets used by Generate.
const (
	CharsetLowercase = "abcdefghijklmnopqrstuvwxyz"
	CharsetUppercase = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	CharsetDigits    = "0123456789"
	CharsetSymbols   = "!@#$%^&*()_+-=[]{}|;:,.<>?"
)

// Generator limits.
const (
	MinGeneratedLength     = 8
	MaxGeneratedLength     = 256
	DefaultGeneratedLength = 24
	maxExcludeLength       = 256
)

// ErrEmptyCharset is returned when every character class was excluded.
var ErrEmptyCharset = errors.New("security: character set is empty: include at least one character type")

// GenerateOptions selects the character classes of a generated password.
// The zero value uses every class.
type GenerateOptions struct {
	Length      int
	NoLowercase bool
	NoUppercase bool
	NoDigits    bool
	NoSymbols   bool
	// Exclude removes individual characters, e.g. "0O1lI".
	Exclude string
}

// Charset returns the characters Generate draws from.
func (o GenerateOptions) Charset() (string, error) {
	if len(o.Exclude) > maxExcludeLength {
		return "", fmt.Errorf("security: exclude string must be at most %d characters", maxExcludeLength)
	}

	var b strings.Builder
	if !o.NoLowercase {
		b.WriteString(CharsetLowercase)
	}
	if !o.NoUppercase {
		b.WriteString(CharsetUppercase)
	}
	if !o.NoDigits {
		b.WriteString(CharsetDigits)
	}
	if !o.NoSymbols {
		b.WriteString(CharsetSymbols)
	}

	charset := b.String()
	if o.Exclude != "" {
		charset = strings.Map(func(r rune) rune {
			if strings.ContainsRune(o.Exclude, r) {
				return -1
			}
			return r
		}, charset)
	}
	if charset == "" {
		return "", ErrEmptyCharset
	}
	return charset, nil
}

// Generate returns a password drawn uniformly from the selected classes
// using crypto/rand.
func Generate(opts GenerateOptions) (string, error) {
	length := opts.Length
	if length == 0 {
		length = DefaultGeneratedLength
	}
	if length < MinGeneratedLength || length > MaxGeneratedLength {
		return "", fmt.Errorf("security: password length must be between %d and %d", MinGeneratedLength, MaxGeneratedLength)
	}

	charset, err := opts.Charset()
	if err != nil {
		return "", err
	}

	n := big.NewInt(int64(len(charset)))
	password := make([]byte, length)
	for i := range password {
		idx, err := rand.Int(rand.Reader, n)
		if err != nil {
			return "", fmt.Errorf("security: failed to generate random number: %w", err)
		}
		password[i] = charset[idx.Int64()]
	}
	return string(password), nil
}
