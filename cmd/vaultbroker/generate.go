package main

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/forest6511/vaultbroker/pkg/security"
)

const maxPasswordCount = 100

// Generate command flags
var (
	generateOpts  security.GenerateOptions
	generateCount int
	generateCopy  bool
)

func init() {
	rootCmd.AddCommand(generateCmd)

	generateCmd.Flags().IntVarP(&generateOpts.Length, "length", "l", security.DefaultGeneratedLength, "Password length (8-256)")
	generateCmd.Flags().IntVarP(&generateCount, "count", "n", 1, "Number of passwords to generate (1-100)")
	generateCmd.Flags().BoolVar(&generateOpts.NoSymbols, "no-symbols", false, "Exclude symbols")
	generateCmd.Flags().BoolVar(&generateOpts.NoDigits, "no-numbers", false, "Exclude numbers")
	generateCmd.Flags().BoolVar(&generateOpts.NoUppercase, "no-uppercase", false, "Exclude uppercase letters")
	generateCmd.Flags().BoolVar(&generateOpts.NoLowercase, "no-lowercase", false, "Exclude lowercase letters")
	generateCmd.Flags().StringVar(&generateOpts.Exclude, "exclude", "", "Characters to exclude")
	generateCmd.Flags().BoolVarP(&generateCopy, "copy", "c", false, "Copy first password to clipboard (accessible to all processes)")
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate secure random passwords",
	Long: `Generate cryptographically secure random passwords.

Examples:
  # Generate a 24-character password (default)
  vaultbroker generate

  # Generate a 32-character password without symbols
  vaultbroker generate -l 32 --no-symbols

  # Generate password excluding ambiguous characters
  vaultbroker generate --exclude "0O1lI"`,
	Annotations: map[string]string{annotationNoVault: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if generateCount < 1 || generateCount > maxPasswordCount {
			return fmt.Errorf("count must be between 1 and %d", maxPasswordCount)
		}

		passwords := make([]string, generateCount)
		for i := range passwords {
			p, err := security.Generate(generateOpts)
			if err != nil {
				return err
			}
			passwords[i] = p
		}
		for _, p := range passwords {
			fmt.Fprintln(cmd.OutOrStdout(), p)
		}

		if generateCopy {
			if err := copyToClipboard(passwords[0]); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to copy to clipboard: %v\n", err)
			} else {
				fmt.Fprintln(os.Stderr, "Password copied to clipboard")
			}
		}
		return nil
	},
}

// copyToClipboard copies text to the system clipboard
func copyToClipboard(text string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("pbcopy")
	case "linux":
		// Try xclip first, then xsel
		if _, err := exec.LookPath("xclip"); err == nil {
			cmd = exec.Command("xclip", "-selection", "clipboard")
		} else if _, err := exec.LookPath("xsel"); err == nil {
			cmd = exec.Command("xsel", "--clipboard", "--input")
		} else {
			return fmt.Errorf("clipboard tool not found: install xclip or xsel")
		}
	case "windows":
		cmd = exec.Command("clip")
	default:
		return fmt.Errorf("clipboard not supported on %s", runtime.GOOS)
	}

	cmd.Stdin = strings.NewReader(text)
	return cmd.Run()
}
