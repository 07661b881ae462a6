// Package mcp implements the MCP (Model Context Protocol) server for vaultbroker.
// AI agents can inspect the vault and the login queue but never receive
// plaintext passwords.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/forest6511/vaultbroker/pkg/clock"
	"github.com/forest6511/vaultbroker/pkg/relay"
	"github.com/forest6511/vaultbroker/pkg/vault"
)

// PasswordEnv holds the master password when ServerOptions.Password is empty.
// It is unset once read.
const PasswordEnv = "VAULTBROKER_PASSWORD"

// ContextName is the relay context the server registers under.
const ContextName = "mcp"

// defaultCallTimeout bounds a question to the background context.
const defaultCallTimeout = 5 * time.Second

// Vault is the vault surface the tools need.
type Vault interface {
	Identity() string
	Unlock(ctx context.Context, password string) (bool, error)
	Lock()
	IsLocked() bool
	ListWebsites(ctx context.Context) ([]string, error)
	GetCredential(ctx context.Context, website string) (*vault.Credential, error)
}

// Server represents the MCP server for vaultbroker.
type Server struct {
	server  *mcp.Server
	vault   Vault
	bus     *relay.Bus
	box     *relay.Mailbox
	calls   *relay.Correlator
	timeout time.Duration
	logger  *slog.Logger
}

// ServerOptions contains configuration options for the MCP server.
type ServerOptions struct {
	// Bus reaches the background context. Required.
	Bus *relay.Bus

	// Vault is the credential store. Required.
	Vault Vault

	// Password is the master password for the vault.
	// If empty, the server reads VAULTBROKER_PASSWORD.
	Password string

	// OnUnlock runs after a successful unlock, typically to tell the
	// session guard.
	OnUnlock func()

	// Version is reported to clients.
	Version string

	Timeout time.Duration
	Clock   clock.Clock
	Logger  *slog.Logger
}

// NewServer unlocks the vault and creates a new MCP server instance.
func NewServer(ctx context.Context, opts *ServerOptions) (*Server, error) {
	if opts == nil || opts.Bus == nil || opts.Vault == nil {
		return nil, errors.New("mcp: bus and vault are required")
	}

	password := opts.Password
	if password == "" {
		password = os.Getenv(PasswordEnv)
		// Clear the environment variable after reading
		os.Unsetenv(PasswordEnv)
	}
	if password == "" {
		return nil, fmt.Errorf("no password provided: set %s environment variable", PasswordEnv)
	}

	ok, err := opts.Vault.Unlock(ctx, password)
	if err != nil {
		return nil, fmt.Errorf("failed to unlock vault: %w", err)
	}
	if !ok {
		return nil, errors.New("failed to unlock vault: invalid password")
	}
	if opts.OnUnlock != nil {
		opts.OnUnlock()
	}

	c := opts.Clock
	if c == nil {
		c = clock.Real()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		server: mcp.NewServer(&mcp.Implementation{
			Name:    "vaultbroker",
			Version: version,
		}, nil),
		vault:   opts.Vault,
		bus:     opts.Bus,
		box:     opts.Bus.Open(ContextName, 0),
		calls:   relay.NewCorrelator(opts.Bus, ContextName, c),
		timeout: timeout,
		logger:  logger.With("component", "mcp"),
	}
	s.registerTools()
	return s, nil
}

// registerTools registers all MCP tools with the server.
func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "vault_status",
		Description: "Report whether the vault is unlocked and which identity it belongs to.",
	}, s.handleVaultStatus)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "credential_list",
		Description: "List the websites that have stored credentials. Does NOT return usernames or passwords.",
	}, s.handleCredentialList)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "credential_get_masked",
		Description: "Get the username and a masked password (e.g. '****WXYZ') for a website. Never returns the password itself.",
	}, s.handleCredentialGetMasked)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "login_pending",
		Description: "List login requests waiting for the user's approval.",
	}, s.handleLoginPending)
}

// Run starts the MCP server using stdio transport.
func (s *Server) Run(ctx context.Context) error {
	defer s.Close()

	go s.pump(ctx)
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// pump delivers background replies to waiting tool calls.
func (s *Server) pump(ctx context.Context) {
	for {
		env, err := s.box.Recv(ctx)
		if err != nil {
			return
		}
		if !s.calls.Resolve(env) && !env.Reply {
			// Broadcasts such as VAULT_LOCKED need no answer here
			s.logger.Debug("ignoring message", "type", env.Type, "source", env.Source)
		}
	}
}

// Close unregisters the server and locks the vault.
func (s *Server) Close() error {
	s.bus.Close(ContextName)
	s.vault.Lock()
	return nil
}
