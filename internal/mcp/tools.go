package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/forest6511/vaultbroker/internal/background"
	"github.com/forest6511/vaultbroker/pkg/relay"
	"github.com/forest6511/vaultbroker/pkg/vault"
)

// VaultStatusInput represents the input for the vault_status tool.
type VaultStatusInput struct{}

// VaultStatusOutput represents the output for the vault_status tool.
type VaultStatusOutput struct {
	Identity string `json:"identity"`
	Unlocked bool   `json:"unlocked"`
}

// CredentialListInput represents the input for the credential_list tool.
type CredentialListInput struct {
	Filter string `json:"filter,omitempty" jsonschema:"Optional substring to match against website names"`
}

// CredentialListOutput represents the output for the credential_list tool.
type CredentialListOutput struct {
	Websites []string `json:"websites"`
	Count    int      `json:"count"`
}

// CredentialGetMaskedInput represents the input for the credential_get_masked tool.
type CredentialGetMaskedInput struct {
	Website string `json:"website" jsonschema:"The website whose credential to inspect"`
}

// CredentialGetMaskedOutput represents the output for the credential_get_masked tool.
type CredentialGetMaskedOutput struct {
	Website        string `json:"website"`
	Username       string `json:"username"`
	MaskedPassword string `json:"masked_password"`
	PasswordLength int    `json:"password_length"`
	UpdatedAt      string `json:"updated_at,omitempty"`
}

// LoginPendingInput represents the input for the login_pending tool.
type LoginPendingInput struct{}

// PendingLogin is one login request awaiting approval.
type PendingLogin struct {
	RequestID   string `json:"request_id"`
	Website     string `json:"website"`
	CallbackURL string `json:"callback_url"`
	CurrentURL  string `json:"current_url"`
	CreatedAt   string `json:"created_at"`
}

// LoginPendingOutput represents the output for the login_pending tool.
type LoginPendingOutput struct {
	Requests []PendingLogin `json:"requests"`
}

// handleVaultStatus asks the background context, which owns the session
// state, rather than the vault.
func (s *Server) handleVaultStatus(ctx context.Context, _ *mcp.CallToolRequest, _ VaultStatusInput) (*mcp.CallToolResult, VaultStatusOutput, error) {
	reply, err := s.calls.Call(ctx, relay.Background, background.MsgCheckVaultStatus, nil, s.timeout)
	if err != nil {
		return nil, VaultStatusOutput{}, fmt.Errorf("failed to query vault status: %w", err)
	}
	var status background.VaultStatus
	if err := reply.Decode(&status); err != nil {
		return nil, VaultStatusOutput{}, fmt.Errorf("failed to decode vault status: %w", err)
	}
	return nil, VaultStatusOutput{
		Identity: s.vault.Identity(),
		Unlocked: status.IsUnlocked,
	}, nil
}

// handleCredentialList handles the credential_list tool call.
func (s *Server) handleCredentialList(ctx context.Context, _ *mcp.CallToolRequest, input CredentialListInput) (*mcp.CallToolResult, CredentialListOutput, error) {
	websites, err := s.vault.ListWebsites(ctx)
	if err != nil {
		return nil, CredentialListOutput{}, fmt.Errorf("failed to list credentials: %w", err)
	}

	filter := strings.ToLower(input.Filter)
	out := CredentialListOutput{Websites: make([]string, 0, len(websites))}
	for _, w := range websites {
		if filter != "" && !strings.Contains(w, filter) {
			continue
		}
		out.Websites = append(out.Websites, w)
	}
	out.Count = len(out.Websites)
	return nil, out, nil
}

// handleCredentialGetMasked handles the credential_get_masked tool call.
func (s *Server) handleCredentialGetMasked(ctx context.Context, _ *mcp.CallToolRequest, input CredentialGetMaskedInput) (*mcp.CallToolResult, CredentialGetMaskedOutput, error) {
	if input.Website == "" {
		return nil, CredentialGetMaskedOutput{}, errors.New("website is required")
	}

	cred, err := s.vault.GetCredential(ctx, input.Website)
	if err != nil {
		if errors.Is(err, vault.ErrVaultLocked) {
			return nil, CredentialGetMaskedOutput{}, errors.New("vault is locked")
		}
		return nil, CredentialGetMaskedOutput{}, fmt.Errorf("failed to get credential: %w", err)
	}
	if cred == nil {
		return nil, CredentialGetMaskedOutput{}, fmt.Errorf("no credential stored for %q", input.Website)
	}

	out := CredentialGetMaskedOutput{
		Website:        cred.Website,
		Username:       cred.Username,
		MaskedPassword: maskValue(cred.Password),
		PasswordLength: len(cred.Password),
	}
	if cred.UpdatedAt > 0 {
		out.UpdatedAt = time.UnixMilli(cred.UpdatedAt).UTC().Format(time.RFC3339)
	}
	return nil, out, nil
}

// handleLoginPending handles the login_pending tool call.
func (s *Server) handleLoginPending(ctx context.Context, _ *mcp.CallToolRequest, _ LoginPendingInput) (*mcp.CallToolResult, LoginPendingOutput, error) {
	reply, err := s.calls.Call(ctx, relay.Background, background.MsgGetPending, nil, s.timeout)
	if err != nil {
		return nil, LoginPendingOutput{}, fmt.Errorf("failed to list pending logins: %w", err)
	}
	var list background.PendingList
	if err := reply.Decode(&list); err != nil {
		return nil, LoginPendingOutput{}, fmt.Errorf("failed to decode pending logins: %w", err)
	}

	out := LoginPendingOutput{Requests: make([]PendingLogin, 0, len(list.Requests))}
	for _, p := range list.Requests {
		out.Requests = append(out.Requests, PendingLogin{
			RequestID:   p.RequestID,
			Website:     p.Website,
			CallbackURL: p.CallbackURL,
			CurrentURL:  p.CurrentURL,
			CreatedAt:   time.UnixMilli(p.Timestamp).UTC().Format(time.RFC3339),
		})
	}
	return nil, out, nil
}

// maskValue masks a password.
// | Length  | Format          | Example   |
// |---------|-----------------|-----------|
// | 1-4     | All *           | ****      |
// | 5-8     | Show last 2     | ******XY  |
// | 9+      | Show last 4     | ****WXYZ  |
func maskValue(value string) string {
	length := len(value)
	switch {
	case length == 0:
		return ""
	case length <= 4:
		return strings.Repeat("*", length)
	case length <= 8:
		return strings.Repeat("*", length-2) + value[length-2:]
	default:
		return strings.Repeat("*", length-4) + value[length-4:]
	}
}
