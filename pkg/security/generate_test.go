package security

import (
	"errors"
	"strings"
	"testing"
)

func TestGenerate(t *testing.T) {
	tests := []struct {
		name    string
		opts    GenerateOptions
		length  int
		allowed string
	}{
		{"default", GenerateOptions{}, DefaultGeneratedLength, CharsetLowercase + CharsetUppercase + CharsetDigits + CharsetSymbols},
		{"digits only", GenerateOptions{Length: 12, NoLowercase: true, NoUppercase: true, NoSymbols: true}, 12, CharsetDigits},
		{"exclude ambiguous", GenerateOptions{Length: 64, NoSymbols: true, Exclude: "0O1lI"}, 64, "abcdefghijkmnopqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			password, err := Generate(tt.opts)
			if err != nil {
				t.Fatalf("Generate failed: %v", err)
			}
			if len(password) != tt.length {
				t.Errorf("expected length %d, got %d", tt.length, len(password))
			}
			for _, c := range password {
				if !strings.ContainsRune(tt.allowed, c) {
					t.Errorf("unexpected character %q in %q", c, password)
				}
			}
		})
	}
}

func TestGenerate_Invalid(t *testing.T) {
	tests := []struct {
		name string
		opts GenerateOptions
	}{
		{"too short", GenerateOptions{Length: MinGeneratedLength - 1}},
		{"too long", GenerateOptions{Length: MaxGeneratedLength + 1}},
		{"long exclude", GenerateOptions{Exclude: strings.Repeat("a", 257)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Generate(tt.opts); err == nil {
				t.Error("expected error")
			}
		})
	}

	_, err := Generate(GenerateOptions{NoLowercase: true, NoUppercase: true, NoSymbols: true, Exclude: CharsetDigits})
	if !errors.Is(err, ErrEmptyCharset) {
		t.Errorf("expected ErrEmptyCharset, got %v", err)
	}
}

func TestGenerate_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		p, err := Generate(GenerateOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if seen[p] {
			t.Fatalf("duplicate password %q", p)
		}
		seen[p] = true
	}
}
