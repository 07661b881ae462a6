package security

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/forest6511/vaultbroker/pkg/clock"
	"github.com/forest6511/vaultbroker/pkg/vault"
)

var now = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeSource struct {
	creds map[string]*vault.Credential
	err   error
}

func (f *fakeSource) ListWebsites(context.Context) ([]string, error) {
	var out []string
	for w := range f.creds {
		out = append(out, w)
	}
	return out, nil
}

func (f *fakeSource) GetCredential(_ context.Context, website string) (*vault.Credential, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.creds[website], nil
}

func cred(website, username, password string, age time.Duration) *vault.Credential {
	return &vault.Credential{
		Website:   website,
		Username:  username,
		Password:  password,
		UpdatedAt: now.Add(-age).UnixMilli(),
	}
}

func newTestCalculator() *Calculator {
	return NewCalculator(nil, WithClock(clock.Fake(now)))
}

func TestScore_Empty(t *testing.T) {
	score, err := newTestCalculator().Score(nil, true)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if score.Overall != 100 || len(score.Issues) != 0 {
		t.Errorf("expected perfect score, got %+v", score)
	}
}

func TestScore_Healthy(t *testing.T) {
	creds := []*vault.Credential{
		cred("a.com", "alice", "a-very-long-unique-password-1", time.Hour),
		cred("b.com", "alice", "a-very-long-unique-password-2", time.Hour),
	}
	score, err := newTestCalculator().Score(creds, true)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if score.Overall != 100 {
		t.Errorf("expected 100, got %d (%+v)", score.Overall, score.Components)
	}
	if len(score.Suggestions) != 0 {
		t.Errorf("expected no suggestions, got %v", score.Suggestions)
	}
}

func TestScore_Issues(t *testing.T) {
	creds := []*vault.Credential{
		cred("a.com", "alice", "short", time.Hour),
		cred("b.com", "alice", "shared-password-123", time.Hour),
		cred("c.com", "bob", " shared-password-123 ", 400*24*time.Hour),
		cred("d.com", "", "another-good-password", time.Hour),
	}
	score, err := newTestCalculator().Score(creds, true)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}

	byType := make(map[IssueType][]SecurityIssue)
	for _, issue := range score.Issues {
		byType[issue.Type] = append(byType[issue.Type], issue)
	}
	if weak := byType[IssueWeakPassword]; len(weak) != 1 || weak[0].Website != "a.com" {
		t.Errorf("unexpected weak issues: %+v", weak)
	}
	dup := byType[IssueDuplicatePassword]
	if len(dup) != 1 || strings.Join(dup[0].Websites, ",") != "b.com,c.com" {
		t.Errorf("unexpected duplicate issues: %+v", dup)
	}
	if stale := byType[IssueStale]; len(stale) != 1 || stale[0].Website != "c.com" || stale[0].Description != "Password unchanged for 400 days" {
		t.Errorf("unexpected stale issues: %+v", stale)
	}
	if inc := byType[IssueIncomplete]; len(inc) != 1 || inc[0].Website != "d.com" || inc[0].Severity != SeverityInfo {
		t.Errorf("unexpected incomplete issues: %+v", inc)
	}

	// 3 unique of 4, 3 fresh of 4, 3 complete of 4
	want := ScoreComponents{StrengthScore: (0 + 17 + 25 + 25) / 4, UniquenessScore: 18, FreshnessScore: 18, CompletenessScore: 18}
	if score.Components != want {
		t.Errorf("components = %+v, want %+v", score.Components, want)
	}
	if len(score.Suggestions) != 4 {
		t.Errorf("expected 4 suggestions, got %v", score.Suggestions)
	}
}

func TestScore_WithholdsWebsites(t *testing.T) {
	creds := []*vault.Credential{
		cred("a.com", "alice", "same-password", time.Hour),
		cred("b.com", "alice", "same-password", time.Hour),
	}
	score, err := newTestCalculator().Score(creds, false)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	for _, issue := range score.Issues {
		if issue.Website != "" || len(issue.Websites) != 0 {
			t.Errorf("issue names websites: %+v", issue)
		}
	}
}

func TestFindDuplicates_Order(t *testing.T) {
	creds := []*vault.Credential{
		cred("a.com", "u", "one", 0),
		cred("b.com", "u", "one", 0),
		cred("c.com", "u", "two", 0),
		cred("d.com", "u", "two", 0),
		cred("e.com", "u", "two", 0),
		cred("f.com", "u", "", 0),
		cred("g.com", "u", "", 0),
	}
	groups := newTestCalculator().FindDuplicates(creds, true, 0)
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %+v", groups)
	}
	if groups[0].Count != 3 || groups[1].Count != 2 {
		t.Errorf("groups not sorted by count: %+v", groups)
	}

	if limited := newTestCalculator().FindDuplicates(creds, true, 1); len(limited) != 1 {
		t.Errorf("limit not applied: %+v", limited)
	}
}

func TestCalculateScore(t *testing.T) {
	src := &fakeSource{creds: map[string]*vault.Credential{
		"a.com": cred("a.com", "alice", "a-very-long-unique-password-1", time.Hour),
		"b.com": nil,
	}}
	calc := NewCalculator(src, WithClock(clock.Fake(now)))

	score, err := calc.CalculateScore(context.Background(), true)
	if err != nil {
		t.Fatalf("CalculateScore failed: %v", err)
	}
	if score.Skipped != 1 || score.Overall != 100 {
		t.Errorf("unexpected score: %+v", score)
	}

	src.err = vault.ErrVaultLocked
	if _, err := calc.CalculateScore(context.Background(), true); !errors.Is(err, vault.ErrVaultLocked) {
		t.Errorf("expected ErrVaultLocked, got %v", err)
	}
}
