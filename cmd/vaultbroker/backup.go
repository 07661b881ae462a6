package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/forest6511/vaultbroker/pkg/backup"
)

var (
	backupOutput  string
	backupKeyFile string
	backupForce   bool

	restoreOnConflict string
	restoreDryRun     bool
	restoreVerifyOnly bool
)

func init() {
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	backupCmd.AddCommand(backupKeygenCmd)

	backupCmd.Flags().StringVarP(&backupOutput, "output", "o", "", "Output file path (required)")
	backupCmd.Flags().StringVar(&backupKeyFile, "key-file", "", "Encryption key file (32 bytes) instead of a password")
	backupCmd.Flags().BoolVarP(&backupForce, "force", "f", false, "Overwrite existing file")
	_ = backupCmd.MarkFlagRequired("output")

	restoreCmd.Flags().StringVar(&restoreOnConflict, "on-conflict", "error", "Conflict resolution: skip, overwrite, error")
	restoreCmd.Flags().StringVar(&backupKeyFile, "key-file", "", "Decryption key file")
	restoreCmd.Flags().BoolVar(&restoreDryRun, "dry-run", false, "Show what would be restored without making changes")
	restoreCmd.Flags().BoolVar(&restoreVerifyOnly, "verify-only", false, "Only verify backup integrity")
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create an encrypted backup of the identity's ledger entries",
	Long: `Create an encrypted snapshot of every ledger entry of the identity: the
vault record and all credentials. The snapshot is protected by a backup
password or a key file and can be restored into any ledger backend.

Examples:
  vaultbroker backup -o vault.vbk
  vaultbroker backup keygen backup.key
  vaultbroker backup -o vault.vbk --key-file backup.key`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !backupForce {
			if _, err := os.Stat(backupOutput); err == nil {
				return fmt.Errorf("output file already exists: %s (use --force to overwrite)", backupOutput)
			}
		}

		secret, err := backupSecret(true)
		if err != nil {
			return err
		}
		secret.Iterations = cfg.Crypto.Iterations

		var buf bytes.Buffer
		if err := backup.Backup(cmd.Context(), led, cfg.Identity, backup.BackupOptions{Secret: secret, Output: &buf}); err != nil {
			return fmt.Errorf("backup failed: %w", err)
		}
		if err := os.WriteFile(backupOutput, buf.Bytes(), 0600); err != nil {
			return fmt.Errorf("failed to write backup: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Backup written to %s\n", backupOutput)
		return nil
	},
}

var backupKeygenCmd = &cobra.Command{
	Use:         "keygen [path]",
	Short:       "Generate a random backup key file",
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{annotationNoVault: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(args[0]); err == nil {
			return fmt.Errorf("key file already exists: %s", args[0])
		}
		if err := backup.GenerateKeyFile(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Key file written to %s\n", args[0])
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore [file]",
	Short: "Restore ledger entries from an encrypted backup",
	Long: `Restore a backup into the configured ledger under the configured identity.
The identity and backend may differ from the ones the backup was taken from.
The target must not hold a different vault.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var mode backup.ConflictMode
		switch restoreOnConflict {
		case "error":
			mode = backup.ConflictError
		case "skip":
			mode = backup.ConflictSkip
		case "overwrite":
			mode = backup.ConflictOverwrite
		default:
			return fmt.Errorf("invalid --on-conflict value '%s': must be skip, overwrite or error", restoreOnConflict)
		}

		data, err := readImportFile(args[0])
		if err != nil {
			return err
		}
		secret, err := backupSecret(false)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if restoreVerifyOnly {
			result, err := backup.Verify(bytes.NewReader(data), secret)
			if err != nil {
				return err
			}
			if !result.Valid {
				return fmt.Errorf("backup verification failed: %s", result.Error)
			}
			fmt.Fprintf(out, "Backup OK: identity %s, %d entries, created %s\n",
				result.Identity, result.EntryCount, result.CreatedAt.Format("2006-01-02 15:04:05"))
			return nil
		}

		result, err := backup.Restore(cmd.Context(), bytes.NewReader(data), led, cfg.Identity, backup.RestoreOptions{
			Secret:     secret,
			OnConflict: mode,
			DryRun:     restoreDryRun,
		})
		if err != nil {
			return fmt.Errorf("restore failed: %w", err)
		}

		prefix := ""
		if result.DryRun {
			prefix = "[dry-run] "
		}
		if result.VaultRestored {
			fmt.Fprintf(out, "%sVault record restored\n", prefix)
		}
		fmt.Fprintf(out, "%sRestored: %d\n", prefix, result.Restored)
		if result.Skipped > 0 {
			fmt.Fprintf(out, "%sSkipped:  %d\n", prefix, result.Skipped)
		}
		return nil
	},
}

// backupSecret reads the key file or prompts for a backup password,
// twice when confirm is set.
func backupSecret(confirm bool) (backup.Secret, error) {
	if backupKeyFile != "" {
		return backup.Secret{KeyFile: backupKeyFile}, nil
	}
	password, err := readPassword("Enter backup password: ")
	if err != nil {
		return backup.Secret{}, err
	}
	if confirm {
		again, err := readPassword("Confirm backup password: ")
		if err != nil {
			return backup.Secret{}, err
		}
		if password != again {
			return backup.Secret{}, errors.New("passwords do not match")
		}
	}
	return backup.Secret{Password: []byte(password)}, nil
}
