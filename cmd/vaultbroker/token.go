package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/forest6511/vaultbroker/pkg/token"
)

var (
	tokenTTL    time.Duration
	tokenDecode bool
)

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", token.DefaultTTL, "Token lifetime")
	tokenCmd.Flags().BoolVar(&tokenDecode, "decode", false, "Also print the decoded claims")
}

// tokenCmd issues a login token for a stored credential
var tokenCmd = &cobra.Command{
	Use:   "token [website]",
	Short: "Issues a signed login token for a website",
	Long: `Issues an EdDSA-signed token asserting the identity's credential for the
website. The token is what a confirmed login delivers to the website's
callback.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := ensureUnlocked(ctx); err != nil {
			return err
		}

		issuer := token.NewIssuer(v, token.WithAudit(auditLog))
		signed, err := issuer.Issue(ctx, args[0], tokenTTL)
		if err != nil {
			return fmt.Errorf("failed to issue token: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, signed)
		if !tokenDecode {
			return nil
		}

		decoded, err := token.Decode(signed)
		if err != nil {
			return err
		}
		c := decoded.Claims
		fmt.Fprintf(out, "\nalg:     %s\n", decoded.Algorithm)
		fmt.Fprintf(out, "sub:     %s\n", c.Subject)
		fmt.Fprintf(out, "iss:     %s\n", c.Issuer)
		fmt.Fprintf(out, "aud:     %s\n", c.Audience)
		fmt.Fprintf(out, "expires: %s\n", time.Unix(c.ExpiresAt, 0).UTC().Format(time.RFC3339))
		return nil
	},
}
