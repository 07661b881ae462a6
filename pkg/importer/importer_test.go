package importer

import (
	"strings"
	"testing"
)

func TestWebsiteFromURL(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"https with path", "https://github.com/login", "github.com"},
		{"www prefix stripped", "https://www.Example.com/", "example.com"},
		{"port stripped", "http://localhost:8080/app", "localhost"},
		{"missing scheme", "accounts.google.com/signin", "accounts.google.com"},
		{"surrounding spaces", "  https://gitlab.com  ", "gitlab.com"},
		{"empty", "", ""},
		{"no host", "https://", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := WebsiteFromURL(tt.input); got != tt.want {
				t.Errorf("WebsiteFromURL(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestDecodeHTMLEntities(t *testing.T) {
	if got := DecodeHTMLEntities("a&amp;b&lt;c&gt;&quot;d&#39;"); got != `a&b<c>"d'` {
		t.Errorf("DecodeHTMLEntities() = %q", got)
	}
}

func TestGetParser(t *testing.T) {
	for _, s := range ValidSources() {
		p, err := GetParser(Source(s))
		if err != nil {
			t.Fatalf("GetParser(%s): %v", s, err)
		}
		if string(p.Source()) != s {
			t.Errorf("parser source = %s, want %s", p.Source(), s)
		}
	}
	if _, err := GetParser("keepass"); err == nil {
		t.Error("expected error for unsupported source")
	}
}

func TestOnePasswordParse(t *testing.T) {
	data := "\xEF\xBB\xBFTitle,Website,Username,Password,OTPAuth,Favorite,Archived,Tags,Notes\n" +
		"GitHub,https://github.com,alice,gh-secret,,true,false,\"dev,work\",main account\n" +
		"Old,https://old.example.com,bob,old-secret,,false,true,,\n" +
		"Wifi,,,wifi-pass,,false,false,,\n" +
		"GitHub 2,https://www.github.com/login,alice2,other,,false,false,,\n" +
		"broken,row\n"

	result, err := (&OnePasswordParser{}).Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if len(result.Credentials) != 1 {
		t.Fatalf("got %d credentials, want 1: %+v", len(result.Credentials), result.Credentials)
	}
	c := result.Credentials[0]
	if c.Website != "github.com" || c.Username != "alice" || c.Password != "gh-secret" || c.Notes != "main account" {
		t.Errorf("unexpected credential: %+v", c)
	}

	reasons := skipReasons(result)
	for name, want := range map[string]string{
		"Old":      "archived",
		"Wifi":     "no website URL",
		"GitHub 2": "duplicate website github.com",
	} {
		if !strings.HasPrefix(reasons[name], want) {
			t.Errorf("skip reason for %s = %q, want prefix %q", name, reasons[name], want)
		}
	}
	if len(result.Warnings) != 1 || !strings.Contains(result.Warnings[0], "column count mismatch") {
		t.Errorf("unexpected warnings: %v", result.Warnings)
	}
}

func TestOnePasswordMissingTitle(t *testing.T) {
	if _, err := (&OnePasswordParser{}).Parse([]byte("Website,Username\n")); err == nil {
		t.Error("expected error for missing Title column")
	}
}

func TestLastPassParse(t *testing.T) {
	data := "url,username,password,totp,extra,name,grouping,fav\n" +
		"https://example.com/login,alice,p&amp;ss,,note &lt;1&gt;,Example,Work,0\n" +
		"http://sn,,,,secret note body,Note,,0\n" +
		"https://nopass.com,carol,,,,NoPass,,0\n"

	result, err := (&LastPassParser{}).Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(result.Credentials) != 1 {
		t.Fatalf("got %d credentials, want 1", len(result.Credentials))
	}
	c := result.Credentials[0]
	if c.Website != "example.com" || c.Password != "p&ss" || c.Notes != "note <1>" {
		t.Errorf("unexpected credential: %+v", c)
	}

	reasons := skipReasons(result)
	if reasons["Note"] != "secure note" {
		t.Errorf("Note skip reason = %q", reasons["Note"])
	}
	if reasons["NoPass"] != "no password" {
		t.Errorf("NoPass skip reason = %q", reasons["NoPass"])
	}
}

func TestBitwardenParse(t *testing.T) {
	data := `{
  "encrypted": false,
  "items": [
    {"type": 1, "name": "GitLab", "notes": "ci",
     "login": {"uris": [{"uri": ""}, {"uri": "https://gitlab.com/users/sign_in"}], "username": "alice", "password": "gl-secret"}},
    {"type": 2, "name": "Recovery codes", "notes": "1234"},
    {"type": 1, "name": "Empty login"}
  ]
}`

	result, err := (&BitwardenParser{}).Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(result.Credentials) != 1 {
		t.Fatalf("got %d credentials, want 1", len(result.Credentials))
	}
	c := result.Credentials[0]
	if c.Website != "gitlab.com" || c.Username != "alice" || c.Password != "gl-secret" || c.Notes != "ci" {
		t.Errorf("unexpected credential: %+v", c)
	}
	if reasons := skipReasons(result); reasons["Recovery codes"] != "unsupported item type: 2" {
		t.Errorf("unexpected skip reasons: %v", reasons)
	}
	if len(result.Warnings) != 1 {
		t.Errorf("expected one warning, got %v", result.Warnings)
	}
}

func TestBitwardenRejectsEncrypted(t *testing.T) {
	if _, err := (&BitwardenParser{}).Parse([]byte(`{"encrypted": true, "items": []}`)); err == nil {
		t.Error("expected error for encrypted export")
	}
	if _, err := (&BitwardenParser{}).Parse([]byte(`not json`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func skipReasons(r *ImportResult) map[string]string {
	m := make(map[string]string, len(r.Skipped))
	for _, s := range r.Skipped {
		m[s.OriginalName] = s.Reason
	}
	return m
}
