package importer

import (
	"encoding/json"
	"fmt"
)

// BitwardenParser parses Bitwarden JSON export files. Only login items
// (type 1) carry website credentials.
type BitwardenParser struct{}

const bitwardenTypeLogin = 1

// bitwardenExport represents the top-level Bitwarden export structure.
type bitwardenExport struct {
	Encrypted bool            `json:"encrypted"`
	Items     []bitwardenItem `json:"items"`
}

// bitwardenItem represents a Bitwarden vault item.
type bitwardenItem struct {
	Type  int             `json:"type"`
	Name  string          `json:"name"`
	Notes string          `json:"notes"`
	Login *bitwardenLogin `json:"login"`
}

// bitwardenLogin represents Bitwarden login data.
type bitwardenLogin struct {
	URIs     []bitwardenURI `json:"uris"`
	Username string         `json:"username"`
	Password string         `json:"password"`
}

// bitwardenURI represents a Bitwarden URI entry.
type bitwardenURI struct {
	URI string `json:"uri"`
}

// Source returns the source type for this parser.
func (p *BitwardenParser) Source() Source {
	return SourceBitwarden
}

// Parse parses Bitwarden JSON data. Password-protected exports are
// rejected.
func (p *BitwardenParser) Parse(data []byte) (*ImportResult, error) {
	var export bitwardenExport
	if err := json.Unmarshal(data, &export); err != nil {
		return nil, fmt.Errorf("failed to parse Bitwarden JSON: %w", err)
	}
	if export.Encrypted {
		return nil, fmt.Errorf("encrypted Bitwarden exports are not supported: export as unencrypted JSON")
	}

	c := newCollector()
	for i := range export.Items {
		item := &export.Items[i]
		if item.Type != bitwardenTypeLogin {
			c.skip(item.Name, fmt.Sprintf("unsupported item type: %d", item.Type))
			continue
		}
		if item.Login == nil {
			c.warn("item %d (%s): login item without login data", i+1, item.Name)
			continue
		}

		urls := make([]string, 0, len(item.Login.URIs))
		for _, u := range item.Login.URIs {
			urls = append(urls, u.URI)
		}
		c.add(item.Name, urls, item.Login.Username, item.Login.Password, item.Notes)
	}
	return c.result, nil
}
