package cli

import (
	"reflect"
	"testing"
)

var websites = []string{
	"accounts.google.com",
	"mail.google.com",
	"github.com",
	"gitlab.com",
	"example.org",
}

func TestExpandPattern(t *testing.T) {
	tests := []struct {
		name     string
		pattern  string
		expected []string
		wantErr  bool
	}{
		{
			name:     "exact match",
			pattern:  "github.com",
			expected: []string{"github.com"},
		},
		{
			name:     "exact match is case-insensitive",
			pattern:  "GitHub.com",
			expected: []string{"github.com"},
		},
		{
			name:     "subdomain wildcard",
			pattern:  "*.google.com",
			expected: []string{"accounts.google.com", "mail.google.com"},
		},
		{
			name:     "question mark",
			pattern:  "git???.com",
			expected: []string{"github.com", "gitlab.com"},
		},
		{
			name:     "match all",
			pattern:  "*",
			expected: websites,
		},
		{
			name:    "no match glob",
			pattern: "*.net",
			wantErr: true,
		},
		{
			name:    "no match exact",
			pattern: "bitbucket.org",
			wantErr: true,
		},
		{
			name:    "invalid pattern",
			pattern: "[invalid",
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := ExpandPattern(tc.pattern, websites)
			if tc.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(result, tc.expected) {
				t.Errorf("expected %v, got %v", tc.expected, result)
			}
		})
	}
}

func TestExpandPatterns(t *testing.T) {
	result, err := ExpandPatterns([]string{"git*", "github.com", "example.org"}, websites)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := []string{"github.com", "gitlab.com", "example.org"}
	if !reflect.DeepEqual(result, expected) {
		t.Errorf("expected %v, got %v", expected, result)
	}

	if _, err := ExpandPatterns([]string{"git*", "nope.com"}, websites); err == nil {
		t.Error("expected error for unmatched pattern")
	}
}
