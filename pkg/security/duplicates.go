package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/forest6511/vaultbroker/pkg/vault"
)

// DuplicateGroup represents a group of websites sharing the same password.
type DuplicateGroup struct {
	// Websites is empty unless websites were requested.
	Websites []string `json:"websites,omitempty"`
	Count    int      `json:"count"`
}

// FindDuplicates groups credentials by password, most duplicated first.
// Passwords are compared as HMAC-SHA256 under a session-local key that is
// never persisted, and are trimmed of surrounding whitespace first.
func (c *Calculator) FindDuplicates(creds []*vault.Credential, includeWebsites bool, limit int) []DuplicateGroup {
	if err := c.ensureKey(); err != nil {
		return nil
	}

	byHash := make(map[string][]string)
	for _, cred := range creds {
		value := normalizeValue(cred.Password)
		if value == "" {
			continue
		}
		hash := computeValueHash(value, c.hmacKey)
		byHash[hash] = append(byHash[hash], cred.Website)
	}

	var groups []DuplicateGroup
	for _, websites := range byHash {
		if len(websites) <= 1 {
			continue
		}
		group := DuplicateGroup{Count: len(websites)}
		if includeWebsites {
			sort.Strings(websites)
			group.Websites = websites
		}
		groups = append(groups, group)
	}

	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Count != groups[j].Count {
			return groups[i].Count > groups[j].Count
		}
		return strings.Join(groups[i].Websites, ",") < strings.Join(groups[j].Websites, ",")
	})
	if limit > 0 && len(groups) > limit {
		groups = groups[:limit]
	}
	return groups
}

// computeValueHash computes HMAC-SHA256 of a value with the session key.
func computeValueHash(value string, key []byte) string {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(value))
	return hex.EncodeToString(h.Sum(nil))
}

func normalizeValue(value string) string {
	return strings.TrimSpace(value)
}

// FindWeakPasswords returns an issue per credential with a weak password.
func FindWeakPasswords(creds []*vault.Credential, includeWebsites bool, limit int) []SecurityIssue {
	var issues []SecurityIssue
	for _, cred := range creds {
		if cred.Password == "" || Strength(cred.Password) != PasswordWeak {
			continue
		}
		issue := SecurityIssue{
			Type:        IssueWeakPassword,
			Severity:    SeverityWarning,
			Description: "Password has insufficient strength (" + formatLength(len(cred.Password)) + ")",
			Suggestion:  "Use a longer password (14+ characters recommended)",
		}
		if includeWebsites {
			issue.Website = cred.Website
		}
		issues = append(issues, issue)
	}
	if limit > 0 && len(issues) > limit {
		issues = issues[:limit]
	}
	return issues
}

func formatLength(n int) string {
	if n == 1 {
		return "1 character"
	}
	return strconv.Itoa(n) + " characters"
}
