// Package cli provides shared utilities for CLI commands.
package cli

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ExpandPattern expands a glob pattern against stored websites.
// If the pattern contains glob characters (*?[), it performs glob matching.
// Otherwise, it performs exact matching. Websites are stored lowercase, so
// the pattern is lowercased first.
func ExpandPattern(pattern string, websites []string) ([]string, error) {
	pattern = strings.ToLower(pattern)

	// Validate pattern syntax
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern '%s': %w", pattern, err)
	}

	if !strings.ContainsAny(pattern, "*?[") {
		for _, w := range websites {
			if w == pattern {
				return []string{pattern}, nil
			}
		}
		return nil, fmt.Errorf("website '%s' not found", pattern)
	}

	var matches []string
	for _, w := range websites {
		matched, err := filepath.Match(pattern, w)
		if err != nil {
			return nil, err
		}
		if matched {
			matches = append(matches, w)
		}
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no websites match pattern '%s'", pattern)
	}
	return matches, nil
}

// ExpandPatterns expands multiple glob patterns against stored websites.
// Returns unique matches preserving order of first match.
func ExpandPatterns(patterns []string, websites []string) ([]string, error) {
	seen := make(map[string]bool)
	var result []string

	for _, pattern := range patterns {
		matches, err := ExpandPattern(pattern, websites)
		if err != nil {
			return nil, err
		}
		for _, w := range matches {
			if !seen[w] {
				seen[w] = true
				result = append(result, w)
			}
		}
	}
	return result, nil
}
