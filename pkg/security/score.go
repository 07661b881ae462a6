package security

import (
	"context"
	"crypto/rand"
	"fmt"
	"strconv"
	"time"

	"github.com/forest6511/vaultbroker/pkg/clock"
	"github.com/forest6511/vaultbroker/pkg/vault"
)

// DefaultMaxAge is how long a password may go unchanged before it is
// reported as stale.
const DefaultMaxAge = 365 * 24 * time.Hour

// SecurityScore represents the overall security assessment of a vault.
type SecurityScore struct {
	// Overall is the total score (0-100).
	Overall int `json:"overall"`
	// Components breaks down the score into categories.
	Components ScoreComponents `json:"components"`
	// Issues contains the detected security issues.
	Issues []SecurityIssue `json:"issues"`
	// Suggestions provides actionable recommendations.
	Suggestions []string `json:"suggestions"`
	// Skipped counts credentials that could not be read.
	Skipped int `json:"skipped,omitempty"`
}

// ScoreComponents breaks down the security score into categories.
// Each component contributes up to 25 points (total: 100).
type ScoreComponents struct {
	// StrengthScore is based on average password strength (0-25).
	StrengthScore int `json:"strength"`
	// UniquenessScore is based on percentage of unique passwords (0-25).
	UniquenessScore int `json:"uniqueness"`
	// FreshnessScore is based on percentage of recently changed passwords (0-25).
	FreshnessScore int `json:"freshness"`
	// CompletenessScore is based on credentials having both a username
	// and a password (0-25).
	CompletenessScore int `json:"completeness"`
}

// IssueType identifies the type of security issue.
type IssueType string

const (
	// IssueWeakPassword indicates a password with insufficient strength.
	IssueWeakPassword IssueType = "weak"
	// IssueDuplicatePassword indicates passwords reused across websites.
	IssueDuplicatePassword IssueType = "duplicate"
	// IssueStale indicates a password unchanged for longer than the max age.
	IssueStale IssueType = "stale"
	// IssueIncomplete indicates a credential without username or password.
	IssueIncomplete IssueType = "incomplete"
)

// Severity indicates the urgency of a security issue.
type Severity string

const (
	// SeverityCritical requires immediate attention.
	SeverityCritical Severity = "critical"
	// SeverityWarning should be addressed soon.
	SeverityWarning Severity = "warning"
	// SeverityInfo is informational only.
	SeverityInfo Severity = "info"
)

// SecurityIssue represents a detected security problem.
type SecurityIssue struct {
	Type     IssueType `json:"type"`
	Severity Severity  `json:"severity"`
	// Website is the affected credential (empty when keys are withheld).
	Website string `json:"website,omitempty"`
	// Websites is used for duplicate issues.
	Websites    []string `json:"websites,omitempty"`
	Description string   `json:"description"`
	Suggestion  string   `json:"suggestion,omitempty"`
}

// Source is the vault surface the calculator reads. The vault must be
// unlocked.
type Source interface {
	ListWebsites(ctx context.Context) ([]string, error)
	GetCredential(ctx context.Context, website string) (*vault.Credential, error)
}

// Calculator computes security scores for a vault.
type Calculator struct {
	source  Source
	clock   clock.Clock
	maxAge  time.Duration
	hmacKey []byte // session-local key for duplicate detection
}

// Option configures a Calculator.
type Option func(*Calculator)

// WithClock sets the clock used for staleness.
func WithClock(c clock.Clock) Option {
	return func(calc *Calculator) { calc.clock = c }
}

// WithMaxAge overrides DefaultMaxAge.
func WithMaxAge(d time.Duration) Option {
	return func(calc *Calculator) {
		if d > 0 {
			calc.maxAge = d
		}
	}
}

// NewCalculator creates a new security calculator over src.
func NewCalculator(src Source, opts ...Option) *Calculator {
	c := &Calculator{
		source: src,
		clock:  clock.Real(),
		maxAge: DefaultMaxAge,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load reads every credential, skipping the unreadable ones, and reports
// how many were skipped.
func (c *Calculator) Load(ctx context.Context) ([]*vault.Credential, int, error) {
	websites, err := c.source.ListWebsites(ctx)
	if err != nil {
		return nil, 0, err
	}
	creds := make([]*vault.Credential, 0, len(websites))
	skipped := 0
	for _, w := range websites {
		cred, err := c.source.GetCredential(ctx, w)
		if err != nil {
			return nil, 0, fmt.Errorf("security: failed to read %q: %w", w, err)
		}
		if cred == nil {
			skipped++
			continue
		}
		creds = append(creds, cred)
	}
	return creds, skipped, nil
}

// CalculateScore computes the full security score for the vault. Websites
// are named in issues only when includeWebsites is set.
func (c *Calculator) CalculateScore(ctx context.Context, includeWebsites bool) (*SecurityScore, error) {
	creds, skipped, err := c.Load(ctx)
	if err != nil {
		return nil, err
	}
	score, err := c.Score(creds, includeWebsites)
	if err != nil {
		return nil, err
	}
	score.Skipped = skipped
	return score, nil
}

// Score computes the security score of creds.
func (c *Calculator) Score(creds []*vault.Credential, includeWebsites bool) (*SecurityScore, error) {
	// Empty vault: perfect score
	if len(creds) == 0 {
		return &SecurityScore{
			Overall: 100,
			Components: ScoreComponents{
				StrengthScore:     25,
				UniquenessScore:   25,
				FreshnessScore:    25,
				CompletenessScore: 25,
			},
			Issues:      []SecurityIssue{},
			Suggestions: []string{},
		}, nil
	}

	strengthScore, weakIssues := c.strengthScore(creds, includeWebsites)
	uniquenessScore, dupIssues, err := c.uniquenessScore(creds, includeWebsites)
	if err != nil {
		return nil, err
	}
	freshnessScore, staleIssues := c.freshnessScore(creds, includeWebsites)
	completenessScore, incompleteIssues := completenessScore(creds, includeWebsites)

	issues := make([]SecurityIssue, 0, len(weakIssues)+len(dupIssues)+len(staleIssues)+len(incompleteIssues))
	issues = append(issues, weakIssues...)
	issues = append(issues, dupIssues...)
	issues = append(issues, staleIssues...)
	issues = append(issues, incompleteIssues...)

	return &SecurityScore{
		Overall: strengthScore + uniquenessScore + freshnessScore + completenessScore,
		Components: ScoreComponents{
			StrengthScore:     strengthScore,
			UniquenessScore:   uniquenessScore,
			FreshnessScore:    freshnessScore,
			CompletenessScore: completenessScore,
		},
		Issues:      issues,
		Suggestions: generateSuggestions(issues),
	}, nil
}

// strengthScore returns the average strength (0-25) and weak password issues.
func (c *Calculator) strengthScore(creds []*vault.Credential, includeWebsites bool) (int, []SecurityIssue) {
	issues := FindWeakPasswords(creds, includeWebsites, 0)

	total, counted := 0, 0
	for _, cred := range creds {
		if cred.Password == "" {
			continue
		}
		counted++
		total += Strength(cred.Password).Points()
	}
	// No passwords: full score (N/A)
	if counted == 0 {
		return 25, issues
	}
	return total / counted, issues
}

// uniquenessScore returns the share of unique passwords (0-25) and
// duplicate issues.
func (c *Calculator) uniquenessScore(creds []*vault.Credential, includeWebsites bool) (int, []SecurityIssue, error) {
	if err := c.ensureKey(); err != nil {
		return 0, nil, err
	}
	groups := c.FindDuplicates(creds, includeWebsites, 0)

	hashes := make(map[string]bool)
	total := 0
	for _, cred := range creds {
		value := normalizeValue(cred.Password)
		if value == "" {
			continue
		}
		total++
		hashes[computeValueHash(value, c.hmacKey)] = true
	}
	if total == 0 {
		return 25, nil, nil
	}

	var issues []SecurityIssue
	for _, g := range groups {
		issue := SecurityIssue{
			Type:        IssueDuplicatePassword,
			Severity:    SeverityWarning,
			Description: strconv.Itoa(g.Count) + " websites share the same password",
			Suggestion:  "Use a unique password for each website",
		}
		if includeWebsites {
			issue.Websites = g.Websites
		}
		issues = append(issues, issue)
	}
	return len(hashes) * 25 / total, issues, nil
}

// freshnessScore returns the share of passwords changed within maxAge
// (0-25) and stale issues.
func (c *Calculator) freshnessScore(creds []*vault.Credential, includeWebsites bool) (int, []SecurityIssue) {
	now := c.clock.Now()
	var issues []SecurityIssue
	fresh := 0
	for _, cred := range creds {
		updated := time.UnixMilli(cred.UpdatedAt)
		age := now.Sub(updated)
		if age <= c.maxAge {
			fresh++
			continue
		}
		issue := SecurityIssue{
			Type:        IssueStale,
			Severity:    SeverityInfo,
			Description: "Password unchanged for " + formatDays(int(age.Hours()/24)),
			Suggestion:  "Rotate long-lived passwords",
		}
		if includeWebsites {
			issue.Website = cred.Website
		}
		issues = append(issues, issue)
	}
	return fresh * 25 / len(creds), issues
}

func completenessScore(creds []*vault.Credential, includeWebsites bool) (int, []SecurityIssue) {
	var issues []SecurityIssue
	complete := 0
	for _, cred := range creds {
		if cred.Username != "" && cred.Password != "" {
			complete++
			continue
		}
		severity := SeverityInfo
		if cred.Password == "" {
			severity = SeverityCritical
		}
		issue := SecurityIssue{
			Type:        IssueIncomplete,
			Severity:    severity,
			Description: "Credential is missing a username or password",
			Suggestion:  "Fill in the missing field or delete the credential",
		}
		if includeWebsites {
			issue.Website = cred.Website
		}
		issues = append(issues, issue)
	}
	return complete * 25 / len(creds), issues
}

func (c *Calculator) ensureKey() error {
	if c.hmacKey != nil {
		return nil
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("security: failed to generate comparison key: %w", err)
	}
	c.hmacKey = key
	return nil
}

// generateSuggestions creates actionable recommendations based on issues.
func generateSuggestions(issues []SecurityIssue) []string {
	seen := make(map[IssueType]bool)
	for _, issue := range issues {
		seen[issue.Type] = true
	}

	suggestions := []string{}
	if seen[IssueWeakPassword] {
		suggestions = append(suggestions, "Update weak passwords with stronger alternatives (14+ characters)")
	}
	if seen[IssueDuplicatePassword] {
		suggestions = append(suggestions, "Replace duplicate passwords with unique values")
	}
	if seen[IssueIncomplete] {
		suggestions = append(suggestions, "Complete or remove credentials with missing fields")
	}
	if seen[IssueStale] {
		suggestions = append(suggestions, "Rotate passwords that have not changed in a long time")
	}
	return suggestions
}

// formatDays returns a human-readable day count.
func formatDays(days int) string {
	if days == 1 {
		return "1 day"
	}
	return strconv.Itoa(days) + " days"
}
