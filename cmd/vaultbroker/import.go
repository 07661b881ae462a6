package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/forest6511/vaultbroker/pkg/importer"
)

// Conflict handling modes
const (
	conflictSkip      = "skip"
	conflictOverwrite = "overwrite"
	conflictError     = "error"
)

// Import command flags
var (
	importFrom     string
	importConflict string
	importDryRun   bool
)

func init() {
	rootCmd.AddCommand(importCmd)

	importCmd.Flags().StringVar(&importFrom, "from", "", "Import source: 1password, bitwarden, lastpass")
	importCmd.Flags().StringVar(&importConflict, "conflict", conflictSkip, "Conflict handling: skip, overwrite, error")
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "Show what would be imported without making changes")
	_ = importCmd.MarkFlagRequired("from")
}

var importCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Imports website logins from another password manager",
	Long: `Imports login entries exported from 1Password (CSV), Bitwarden (unencrypted
JSON) or LastPass (CSV). Each entry becomes the credential of the host name
of its URL; entries without a URL or password are skipped.

Examples:
  vaultbroker import --from bitwarden export.json
  vaultbroker import --from lastpass export.csv --conflict overwrite
  vaultbroker import --from 1password export.csv --dry-run`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		switch importConflict {
		case conflictSkip, conflictOverwrite, conflictError:
		default:
			return fmt.Errorf("invalid --conflict value '%s': must be skip, overwrite or error", importConflict)
		}
		parser, err := importer.GetParser(importer.Source(strings.ToLower(importFrom)))
		if err != nil {
			return fmt.Errorf("invalid --from value '%s': must be one of %v", importFrom, importer.ValidSources())
		}

		data, err := readImportFile(args[0])
		if err != nil {
			return err
		}
		result, err := parser.Parse(data)
		if err != nil {
			return fmt.Errorf("failed to parse %s file: %w", importFrom, err)
		}

		errOut := cmd.ErrOrStderr()
		for _, warning := range result.Warnings {
			fmt.Fprintf(errOut, "Warning: %s\n", warning)
		}
		for _, skipped := range result.Skipped {
			fmt.Fprintf(errOut, "Skipped: %s (%s)\n", skipped.OriginalName, skipped.Reason)
		}

		out := cmd.OutOrStdout()
		if len(result.Credentials) == 0 {
			fmt.Fprintln(out, "No credentials found in file")
			return nil
		}
		fmt.Fprintf(out, "Found %d credentials to import\n", len(result.Credentials))

		existing := make(map[string]bool)
		websites, err := v.ListWebsites(ctx)
		if err != nil {
			return fmt.Errorf("failed to list existing credentials: %w", err)
		}
		for _, w := range websites {
			existing[w] = true
		}

		if !importDryRun {
			if err := ensureUnlocked(ctx); err != nil {
				return err
			}
		}

		var imported, skipped, conflicts, failed int
		var errs []string
		for _, cred := range result.Credentials {
			exists := existing[cred.Website]
			if exists {
				switch importConflict {
				case conflictSkip:
					fmt.Fprintf(out, "Skipped (exists): %s\n", cred.Website)
					skipped++
					continue
				case conflictError:
					errs = append(errs, fmt.Sprintf("credential already exists: %s", cred.Website))
					conflicts++
					continue
				}
			}

			if importDryRun {
				fmt.Fprintf(out, "[dry-run] Would import: %s (%s)\n", cred.Website, cred.Username)
				imported++
				continue
			}
			if err := v.StoreCredential(ctx, cred); err != nil {
				errs = append(errs, fmt.Sprintf("failed to import '%s': %v", cred.Website, err))
				failed++
				continue
			}
			if exists {
				fmt.Fprintf(out, "Overwritten: %s\n", cred.Website)
			} else {
				fmt.Fprintf(out, "Imported: %s\n", cred.Website)
			}
			imported++
		}

		fmt.Fprintf(out, "\nImport summary:\n")
		fmt.Fprintf(out, "  Imported:  %d\n", imported)
		if skipped > 0 {
			fmt.Fprintf(out, "  Skipped:   %d\n", skipped)
		}
		if conflicts > 0 {
			fmt.Fprintf(out, "  Conflicts: %d\n", conflicts)
		}
		if failed > 0 {
			fmt.Fprintf(out, "  Failed:    %d\n", failed)
		}

		if len(errs) > 0 {
			return errors.New(strings.Join(errs, "; "))
		}
		return nil
	},
}

// readImportFile reads an export file, refusing symlinks.
func readImportFile(filePath string) ([]byte, error) {
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, fmt.Errorf("invalid path: %w", err)
	}

	info, err := os.Lstat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file not found: %s", filePath)
		}
		return nil, fmt.Errorf("failed to access file: %w", err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil, fmt.Errorf("security: refusing to read symlink: %s", absPath)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}
