package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/forest6511/vaultbroker/pkg/security"
)

// Security command flags
var (
	securityJSON    bool
	securityMaxAge  int
	securityDupMax  int
	securitySuggest bool
)

// securityCmd is the root security command.
var securityCmd = &cobra.Command{
	Use:   "security",
	Short: "Analyze the health of stored credentials",
	Long: `Analyze stored credentials and get recommendations.

The security score is calculated from:
  - Password Strength (0-25): Average strength of passwords
  - Uniqueness (0-25): Percentage of unique passwords
  - Freshness (0-25): Percentage of passwords changed within --max-age days
  - Completeness (0-25): Percentage of credentials with username and password

Example:
  vaultbroker security              # Show security score and issues
  vaultbroker security --suggest    # Also show suggestions
  vaultbroker security --json       # Output in JSON format`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := ensureUnlocked(ctx); err != nil {
			return err
		}

		calc := security.NewCalculator(v, security.WithMaxAge(time.Duration(securityMaxAge)*24*time.Hour))
		score, err := calc.CalculateScore(ctx, true)
		if err != nil {
			return fmt.Errorf("failed to calculate security score: %w", err)
		}

		if securityJSON {
			return outputSecurityJSON(cmd.OutOrStdout(), score)
		}
		outputSecurityText(cmd.OutOrStdout(), score, securitySuggest)
		return nil
	},
}

// securityDuplicatesCmd lists duplicate passwords.
var securityDuplicatesCmd = &cobra.Command{
	Use:   "duplicates",
	Short: "List websites sharing a password",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := ensureUnlocked(ctx); err != nil {
			return err
		}

		calc := security.NewCalculator(v)
		creds, _, err := calc.Load(ctx)
		if err != nil {
			return err
		}
		groups := calc.FindDuplicates(creds, true, securityDupMax)

		out := cmd.OutOrStdout()
		if len(groups) == 0 {
			fmt.Fprintln(out, "No duplicate passwords found")
			return nil
		}
		fmt.Fprintf(out, "Duplicate Passwords (%d groups found)\n\n", len(groups))
		for i, group := range groups {
			fmt.Fprintf(out, "%d. %d websites share the same password:\n", i+1, group.Count)
			for _, w := range group.Websites {
				fmt.Fprintf(out, "   - %s\n", w)
			}
			fmt.Fprintln(out)
		}
		return nil
	},
}

// securityWeakCmd lists weak passwords.
var securityWeakCmd = &cobra.Command{
	Use:   "weak",
	Short: "List weak passwords",
	Long:  `Show websites whose password is shorter than 8 characters.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := ensureUnlocked(ctx); err != nil {
			return err
		}

		creds, _, err := security.NewCalculator(v).Load(ctx)
		if err != nil {
			return err
		}
		issues := security.FindWeakPasswords(creds, true, 0)

		out := cmd.OutOrStdout()
		if len(issues) == 0 {
			fmt.Fprintln(out, "No weak passwords found")
			return nil
		}
		fmt.Fprintf(out, "Weak Passwords (%d found)\n\n", len(issues))
		for i, issue := range issues {
			fmt.Fprintf(out, "%d. %s\n", i+1, issue.Website)
			fmt.Fprintf(out, "   %s\n\n", issue.Description)
		}
		return nil
	},
}

// outputSecurityJSON outputs the security score as JSON.
func outputSecurityJSON(w io.Writer, score *security.SecurityScore) error {
	data, err := json.MarshalIndent(score, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(data))
	return nil
}

// outputSecurityText outputs the security score as formatted text.
func outputSecurityText(w io.Writer, score *security.SecurityScore, suggest bool) {
	var rating string
	switch {
	case score.Overall >= 90:
		rating = "Excellent"
	case score.Overall >= 70:
		rating = "Good"
	case score.Overall >= 50:
		rating = "Fair"
	default:
		rating = "Needs Attention"
	}
	fmt.Fprintf(w, "Security Score: %d/100 (%s)\n\n", score.Overall, rating)

	c := score.Components
	fmt.Fprintln(w, "Components:")
	fmt.Fprintf(w, "  Password Strength: %2d/25 %s\n", c.StrengthScore, progressBar(c.StrengthScore, 25))
	fmt.Fprintf(w, "  Uniqueness:        %2d/25 %s\n", c.UniquenessScore, progressBar(c.UniquenessScore, 25))
	fmt.Fprintf(w, "  Freshness:         %2d/25 %s\n", c.FreshnessScore, progressBar(c.FreshnessScore, 25))
	fmt.Fprintf(w, "  Completeness:      %2d/25 %s\n", c.CompletenessScore, progressBar(c.CompletenessScore, 25))
	fmt.Fprintln(w)

	if len(score.Issues) > 0 {
		fmt.Fprintf(w, "Issues (%d):\n", len(score.Issues))
		for i, issue := range score.Issues {
			where := ""
			if issue.Website != "" {
				where = fmt.Sprintf(" %q", issue.Website)
			} else if len(issue.Websites) > 0 {
				where = " " + strings.Join(issue.Websites, ", ")
			}
			fmt.Fprintf(w, "  %d. [%s]%s: %s\n", i+1, strings.ToUpper(string(issue.Type)), where, issue.Description)
		}
		fmt.Fprintln(w)
	}

	if suggest && len(score.Suggestions) > 0 {
		fmt.Fprintln(w, "Suggestions:")
		for _, s := range score.Suggestions {
			fmt.Fprintf(w, "  - %s\n", s)
		}
		fmt.Fprintln(w)
	}

	if score.Skipped > 0 {
		fmt.Fprintf(w, "warning: %d credentials could not be read\n", score.Skipped)
	}
}

// progressBar creates a simple ASCII progress bar.
func progressBar(value, maxVal int) string {
	const width = 20
	filled := value * width / maxVal
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", width-filled) + "]"
}

func init() {
	rootCmd.AddCommand(securityCmd)

	securityCmd.AddCommand(securityDuplicatesCmd)
	securityCmd.AddCommand(securityWeakCmd)

	securityCmd.Flags().BoolVar(&securityJSON, "json", false, "Output in JSON format")
	securityCmd.Flags().BoolVar(&securitySuggest, "suggest", false, "Show suggestions")
	securityCmd.Flags().IntVar(&securityMaxAge, "max-age", 365, "Days after which an unchanged password is stale")

	securityDuplicatesCmd.Flags().IntVar(&securityDupMax, "limit", 0, "Maximum number of groups to show (0 for all)")
}
