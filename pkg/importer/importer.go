// Package importer reads login exports from other password managers and
// turns them into website credentials.
//
// Supported formats are 1Password CSV, Bitwarden JSON and LastPass CSV.
// Only entries that carry a website URL and a password are imported; the
// vault stores one credential per website, so the first entry for a website
// wins and later ones are reported as skipped.
package importer

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"html"
	"io"
	"net/url"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/forest6511/vaultbroker/pkg/vault"
)

// Source represents the source password manager format.
type Source string

const (
	Source1Password Source = "1password"
	SourceBitwarden Source = "bitwarden"
	SourceLastPass  Source = "lastpass"
)

// ImportResult contains the results of an import operation.
type ImportResult struct {
	// Credentials are the successfully parsed logins, in file order.
	Credentials []vault.Credential

	// Warnings are non-fatal issues encountered during parsing.
	Warnings []string

	// Skipped are items that were skipped with reasons.
	Skipped []SkippedItem
}

// SkippedItem represents an item that was skipped during import.
type SkippedItem struct {
	OriginalName string
	Reason       string
}

// Parser is the interface for export format parsers.
type Parser interface {
	// Parse parses the input data and returns imported credentials.
	Parse(data []byte) (*ImportResult, error)

	// Source returns the source type for this parser.
	Source() Source
}

// GetParser returns a parser for the given source.
func GetParser(source Source) (Parser, error) {
	switch source {
	case Source1Password:
		return &OnePasswordParser{}, nil
	case SourceBitwarden:
		return &BitwardenParser{}, nil
	case SourceLastPass:
		return &LastPassParser{}, nil
	default:
		return nil, fmt.Errorf("unsupported import source: %s", source)
	}
}

// ValidSources returns a list of valid source names.
func ValidSources() []string {
	return []string{
		string(Source1Password),
		string(SourceBitwarden),
		string(SourceLastPass),
	}
}

// WebsiteFromURL returns the lowercased host name of raw, without a
// leading "www.". A missing scheme is tolerated. Returns "" when raw has no
// host.
func WebsiteFromURL(raw string) string {
	raw = strings.TrimSpace(norm.NFC.String(raw))
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(host, "www.")
}

// DecodeHTMLEntities decodes HTML entities found in LastPass exports.
func DecodeHTMLEntities(s string) string {
	return html.UnescapeString(s)
}

// NormalizeValue trims whitespace and normalizes Unicode to NFC.
func NormalizeValue(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// collector accumulates credentials and enforces one per website.
type collector struct {
	result *ImportResult
	seen   map[string]string
}

func newCollector() *collector {
	return &collector{
		result: &ImportResult{
			Credentials: make([]vault.Credential, 0),
			Warnings:    make([]string, 0),
			Skipped:     make([]SkippedItem, 0),
		},
		seen: make(map[string]string),
	}
}

func (c *collector) warn(format string, args ...any) {
	c.result.Warnings = append(c.result.Warnings, fmt.Sprintf(format, args...))
}

func (c *collector) skip(name, reason string) {
	c.result.Skipped = append(c.result.Skipped, SkippedItem{OriginalName: name, Reason: reason})
}

// add records a login found under name with the given URLs. The first URL
// with a host name decides the website.
func (c *collector) add(name string, urls []string, username, password, notes string) {
	var website string
	for _, u := range urls {
		if website = WebsiteFromURL(u); website != "" {
			break
		}
	}
	switch {
	case website == "":
		c.skip(name, "no website URL")
		return
	case password == "":
		c.skip(name, "no password")
		return
	}
	if first, ok := c.seen[website]; ok {
		c.skip(name, fmt.Sprintf("duplicate website %s (already imported from %q)", website, first))
		return
	}
	c.seen[website] = name

	c.result.Credentials = append(c.result.Credentials, vault.Credential{
		Website:  website,
		Username: NormalizeValue(username),
		Password: password,
		Notes:    notes,
	})
}

// readCSV reads a header-based CSV export. Header names are matched
// case-insensitively. Rows with a parse error or the wrong column count
// are reported as warnings and passed over.
func readCSV(data []byte, required string, c *collector, row func(get func(string) string)) error {
	// Strip UTF-8 BOM if present
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})

	reader := csv.NewReader(bytes.NewReader(data))
	reader.LazyQuotes = true // Handle malformed exports
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("failed to read CSV header: %w", err)
	}
	colIndex := make(map[string]int, len(header))
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	if _, ok := colIndex[required]; !ok {
		return fmt.Errorf("missing required column: %s", required)
	}

	rowNum := 1 // header is row 1
	for {
		rowNum++
		record, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			c.warn("row %d: failed to parse: %v", rowNum, err)
			continue
		}
		if len(record) != len(header) {
			c.warn("row %d: column count mismatch (expected %d, got %d)", rowNum, len(header), len(record))
			continue
		}
		row(func(col string) string {
			if idx, ok := colIndex[col]; ok {
				return strings.TrimSpace(record[idx])
			}
			return ""
		})
	}
}
