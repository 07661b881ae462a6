package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forest6511/vaultbroker/internal/mcp"
	"github.com/forest6511/vaultbroker/pkg/audit"
	"github.com/forest6511/vaultbroker/pkg/relay"
	"github.com/forest6511/vaultbroker/pkg/vault"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func init() {
	rootCmd.AddCommand(mcpServerCmd)
}

// mcpServerCmd starts the MCP server for AI coding assistant integration
var mcpServerCmd = &cobra.Command{
	Use:   "mcp-server",
	Short: "Start the MCP server for AI coding assistant integration",
	Long: `Start the MCP server that lets AI coding assistants inspect the vault and
the login queue. Agents never receive plaintext passwords.

The server implements the Model Context Protocol (MCP) over stdio transport
and hosts the background context, so pending login requests made through it
are visible to the login_pending tool.

Available tools:
  - vault_status:          Identity and lock state
  - credential_list:       Websites with stored credentials (no passwords)
  - credential_get_masked: Username and masked password (e.g., "****tery")
  - login_pending:         Login requests awaiting confirmation

Authentication:
  Set VAULTBROKER_PASSWORD environment variable before starting the server.
  The password is read once and immediately cleared from the environment.

  SECURITY NOTE: On Linux, the environment variable may briefly be visible
  via /proc/<pid>/environ before it is cleared.

Example MCP configuration:
  {
    "mcpServers": {
      "vaultbroker": {
        "type": "stdio",
        "command": "/path/to/vaultbroker",
        "args": ["mcp-server", "--identity", "0xA11CE"],
        "env": {
          "VAULTBROKER_PASSWORD": "your-master-password"
        }
      }
    }
  }`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCPServer(cmd.Context())
	},
}

func runMCPServer(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Record MCP as the source of vault operations
	v = vault.New(led, cfg.Identity,
		vault.WithIterations(cfg.Crypto.Iterations),
		vault.WithLogger(logger),
		vault.WithAudit(auditLog),
		vault.WithSource(audit.SourceMCP),
	)

	bus := relay.NewBus()
	bg := newBackground(bus)

	server, err := mcp.NewServer(ctx, &mcp.ServerOptions{
		Bus:      bus,
		Vault:    v,
		OnUnlock: bg.Guard().MarkUnlocked,
		Version:  version,
		Timeout:  cfg.Broker.ClientTimeout,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	bgDone := make(chan error, 1)
	go func() { bgDone <- bg.Run(ctx) }()

	err = server.Run(ctx)
	cancel()
	bg.Close()
	<-bgDone

	if err != nil {
		// Don't report context canceled as an error
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("MCP server error: %w", err)
	}
	return nil
}
