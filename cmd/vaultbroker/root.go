package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/forest6511/vaultbroker/internal/cli"
	"github.com/forest6511/vaultbroker/internal/config"
	"github.com/forest6511/vaultbroker/pkg/audit"
	"github.com/forest6511/vaultbroker/pkg/crypto"
	"github.com/forest6511/vaultbroker/pkg/ledger"
	"github.com/forest6511/vaultbroker/pkg/security"
	"github.com/forest6511/vaultbroker/pkg/vault"
)

// annotationNoVault marks commands that run without opening the ledger.
const annotationNoVault = "novault"

var (
	homeDir      string
	identityFlag string
	verbose      bool

	cfg      *config.Config
	led      ledger.Ledger
	auditLog *audit.Logger
	v        *vault.Vault
	logger   *slog.Logger
)

// openLedger selects the backend named by the configuration. Replaced in
// tests.
var openLedger = func(ctx context.Context, c *config.Config) (ledger.Ledger, error) {
	switch c.Ledger.Backend {
	case config.BackendMongo:
		return ledger.OpenMongo(ctx, c.Ledger.MongoURI, c.Ledger.MongoDatabase, c.Ledger.MongoCollection)
	case config.BackendMemory:
		return ledger.NewMemory(), nil
	default:
		return ledger.OpenSQLite(c.Ledger.Path)
	}
}

// readPassword prompts on stderr and reads without echo. Replaced in tests.
var readPassword = func(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	defer crypto.SecureWipe(b)
	return string(b), nil
}

var rootCmd = &cobra.Command{
	Use:   "vaultbroker",
	Short: "vaultbroker is a password vault that brokers website logins",
	Long: `A password vault that stores website credentials encrypted under a
master password and brokers login requests from web pages.`,
	SilenceUsage: true,
	// PersistentPreRunE runs before every subcommand and opens the vault.
	PersistentPreRunE: setup,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return teardown()
	},
}

// Flags for set, get, list and delete
var (
	setUsername string
	setNotes    string
	setGenerate bool
	setLength   int

	getShowPassword bool

	deleteForce bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&homeDir, "home", "", "Base directory (default $VAULTBROKER_HOME or ~/.vaultbroker)")
	rootCmd.PersistentFlags().StringVar(&identityFlag, "identity", "", "Vault identity (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(unlockCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(deleteCmd)

	setCmd.Flags().StringVarP(&setUsername, "username", "u", "", "Username for the website (prompted if empty)")
	setCmd.Flags().StringVar(&setNotes, "notes", "", "Notes stored with the credential")
	setCmd.Flags().BoolVarP(&setGenerate, "generate", "g", false, "Generate a random password instead of prompting")
	setCmd.Flags().IntVarP(&setLength, "length", "l", security.DefaultGeneratedLength, "Length of a generated password")

	getCmd.Flags().BoolVar(&getShowPassword, "show", false, "Print the password instead of a masked value")

	deleteCmd.Flags().BoolVarP(&deleteForce, "force", "f", false, "Skip confirmation prompt")
}

func setup(cmd *cobra.Command, _ []string) error {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	dir := homeDir
	if dir == "" {
		var err error
		if dir, err = config.DefaultDir(); err != nil {
			return err
		}
	}
	c, err := config.Load(dir)
	if err != nil {
		return err
	}
	if identityFlag != "" {
		c.Identity = identityFlag
	}
	cfg = c

	if cmd.Annotations[annotationNoVault] != "" {
		return nil
	}
	if cfg.Identity == "" {
		return errors.New("no identity configured: run 'vaultbroker init --identity <id>' or set VAULTBROKER_IDENTITY")
	}

	if led, err = openLedger(cmd.Context(), cfg); err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	auditLog = audit.NewLogger(cfg.Audit.Dir)
	v = vault.New(led, cfg.Identity,
		vault.WithIterations(cfg.Crypto.Iterations),
		vault.WithLogger(logger),
		vault.WithAudit(auditLog),
	)
	return nil
}

func teardown() error {
	if v != nil {
		v.Lock()
	}
	if led != nil {
		err := led.Close()
		led = nil
		return err
	}
	return nil
}

// ensureUnlocked ensures the vault is unlocked.
// If locked, prompts for password and attempts to unlock.
func ensureUnlocked(ctx context.Context) error {
	if !v.IsLocked() {
		return nil
	}
	password, err := readPassword("Enter master password: ")
	if err != nil {
		return err
	}
	ok, err := v.Unlock(ctx, password)
	if err != nil {
		return fmt.Errorf("failed to unlock vault: %w", err)
	}
	if !ok {
		return errors.New("failed to unlock vault: incorrect password")
	}
	return nil
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initializes a new vault for the identity",
	Long: `Initializes a new vault for the identity given by --identity (or the
config file) and records the identity in the config file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if v.Exists(ctx) {
			return vault.ErrVaultAlreadyExists
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Initializing new vault for %s...\n", cfg.Identity)

		// 1. Prompt for master password
		password1, err := readPassword("Enter master password: ")
		if err != nil {
			return err
		}
		// 2. Confirm password
		password2, err := readPassword("Confirm master password: ")
		if err != nil {
			return err
		}
		// 3. Check passwords match
		if password1 != password2 {
			return errors.New("passwords do not match")
		}
		// 4. Validate password length
		if err := vault.ValidatePassword(password1); err != nil {
			return fmt.Errorf("password validation failed: %w", err)
		}
		strength := security.Strength(password1)
		fmt.Fprintf(out, "Password strength: %s\n", strength)
		if strength < security.PasswordGood {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning: consider a master password of 14+ characters")
		}

		// 5. Create vault
		if err := v.Create(ctx, password1); err != nil {
			return fmt.Errorf("failed to initialize vault: %w", err)
		}

		// 6. Remember the identity
		dir := homeDir
		if dir == "" {
			if dir, err = config.DefaultDir(); err != nil {
				return err
			}
		}
		if err := cfg.Save(dir); err != nil {
			return err
		}

		fmt.Fprintf(out, "Vault initialized successfully (public key %x)\n", v.PublicKey())
		return nil
	},
}

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Verifies the master password",
	Long: `Verifies the master password against the stored vault record. Every
command locks the vault again when it exits; long-running commands such as
mcp-server stay unlocked until the auto-lock period elapses.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !v.Exists(cmd.Context()) {
			return errors.New("no vault for this identity: run 'vaultbroker init' first")
		}
		if err := ensureUnlocked(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Vault unlocked")
		return nil
	},
}

// setCmd stores a credential
var setCmd = &cobra.Command{
	Use:   "set [website]",
	Short: "Stores the credential for a website",
	Long: `Stores the username and password for a website, replacing any previous
credential.

  vaultbroker set github.com -u alice          # prompts for the password
  vaultbroker set github.com -u alice -g -l 32 # generates a password`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := ensureUnlocked(ctx); err != nil {
			return err
		}

		cred := vault.Credential{Website: args[0], Username: setUsername, Notes: setNotes}
		if cred.Username == "" {
			return errors.New("username is required (--username)")
		}

		var err error
		if setGenerate {
			cred.Password, err = security.Generate(security.GenerateOptions{Length: setLength})
		} else {
			cred.Password, err = readPassword("Enter password: ")
		}
		if err != nil {
			return err
		}
		if cred.Password == "" {
			return errors.New("password must not be empty")
		}
		if security.Strength(cred.Password) == security.PasswordWeak {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: weak password for %s\n", cred.Website)
		}

		if err := v.StoreCredential(ctx, cred); err != nil {
			return fmt.Errorf("failed to store credential: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Credential for '%s' stored successfully\n", strings.ToLower(cred.Website))
		if setGenerate {
			fmt.Fprintln(cmd.OutOrStdout(), cred.Password)
		}
		return nil
	},
}

// getCmd prints a credential
var getCmd = &cobra.Command{
	Use:   "get [website]",
	Short: "Prints the credential for a website",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := ensureUnlocked(ctx); err != nil {
			return err
		}

		cred, err := v.GetCredential(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to get credential: %w", err)
		}
		if cred == nil {
			return fmt.Errorf("no credential stored for '%s'", args[0])
		}

		password := strings.Repeat("*", 8)
		if getShowPassword {
			password = cred.Password
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "website:  %s\n", cred.Website)
		fmt.Fprintf(out, "username: %s\n", cred.Username)
		fmt.Fprintf(out, "password: %s\n", password)
		if cred.Notes != "" {
			fmt.Fprintf(out, "notes:    %s\n", cred.Notes)
		}
		return nil
	},
}

// listCmd lists websites. Listing does not need the master password.
var listCmd = &cobra.Command{
	Use:   "list [pattern]",
	Short: "Lists websites with stored credentials",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		websites, err := v.ListWebsites(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list credentials: %w", err)
		}
		if len(args) == 1 {
			if websites, err = cli.ExpandPattern(args[0], websites); err != nil {
				return err
			}
		}

		out := cmd.OutOrStdout()
		if len(websites) == 0 {
			fmt.Fprintln(out, "No credentials stored")
			return nil
		}
		for _, w := range websites {
			fmt.Fprintln(out, w)
		}
		return nil
	},
}

// deleteCmd deletes credentials
var deleteCmd = &cobra.Command{
	Use:   "delete [pattern...]",
	Short: "Deletes credentials",
	Long: `Deletes the credentials of every website matching the given names or glob
patterns (e.g. '*.example.com').`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		websites, err := v.ListWebsites(ctx)
		if err != nil {
			return fmt.Errorf("failed to list credentials: %w", err)
		}
		targets, err := cli.ExpandPatterns(args, websites)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if !deleteForce && len(targets) > 1 {
			fmt.Fprintf(out, "Delete %d credentials (%s)? [y/N]: ", len(targets), strings.Join(targets, ", "))
			if !confirm(cmd) {
				fmt.Fprintln(out, "Aborted")
				return nil
			}
		}

		for _, w := range targets {
			if err := v.DeleteCredential(ctx, w); err != nil {
				return fmt.Errorf("failed to delete credential: %w", err)
			}
			fmt.Fprintf(out, "Credential for '%s' deleted successfully\n", w)
		}
		return nil
	},
}
