package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/forest6511/vaultbroker/internal/broker"
	"github.com/forest6511/vaultbroker/internal/content"
	"github.com/forest6511/vaultbroker/internal/inpage"
	"github.com/forest6511/vaultbroker/pkg/relay"
	"github.com/forest6511/vaultbroker/pkg/token"
)

// pagePollInterval is how often login polls for the page's request.
const pagePollInterval = 10 * time.Millisecond

var loginTTL time.Duration

func init() {
	rootCmd.AddCommand(loginCmd)

	loginCmd.Flags().DurationVar(&loginTTL, "ttl", token.DefaultTTL, "Lifetime of the issued token")
}

// loginCmd drives one brokered login from the terminal
var loginCmd = &cobra.Command{
	Use:   "login [page-url] [callback-url]",
	Short: "Brokers a login for a page and delivers the token to its callback",
	Long: `Acts as a page at page-url asking to log in. The request goes through the
content and background contexts exactly as a browser page's would, is shown
as a pending request, and on approval a token is issued and POSTed to
callback-url. The callback must have the same origin as the page.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		if err := ensureUnlocked(ctx); err != nil {
			return err
		}

		bus := relay.NewBus()
		bg := newBackground(bus)
		tab := content.New(bus, relay.TabPrefix+"1", content.WithLogger(logger))
		page := inpage.NewClient(bus, args[0],
			inpage.WithContent(tab.Name()),
			inpage.WithTimeout(cfg.Broker.ClientTimeout),
		)
		bg.Guard().MarkUnlocked()

		go bg.Run(ctx)
		go tab.Run(ctx)
		go page.Run(ctx)

		done := make(chan loginOutcome, 1)
		go func() {
			res, err := page.Login(ctx, args[1])
			done <- loginOutcome{res, err}
		}()

		p, err := awaitPending(ctx, bg.Broker(), done)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Pending login request:")
		fmt.Fprintf(out, "  id:       %s\n", p.RequestID)
		fmt.Fprintf(out, "  website:  %s\n", p.Website)
		fmt.Fprintf(out, "  page:     %s\n", p.CurrentURL)
		fmt.Fprintf(out, "  callback: %s\n", p.CallbackURL)
		fmt.Fprintf(out, "Approve? [y/N]: ")

		approved := confirm(cmd)
		if approved {
			if err := bg.Broker().Approve(ctx, p.RequestID, loginTTL); err != nil {
				// The page would otherwise wait out its timeout
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: approval failed: %v\n", err)
				approved = false
			}
		}
		if !approved {
			if err := bg.Broker().CancelLogin(ctx, p.RequestID); err != nil && !errors.Is(err, broker.ErrRequestNotFound) {
				return err
			}
		}

		o := <-done
		if o.err != nil {
			return fmt.Errorf("login failed: %w", o.err)
		}
		fmt.Fprintln(out, "Login complete")
		if o.res.RedirectURL != "" {
			fmt.Fprintf(out, "Redirect: %s\n", o.res.RedirectURL)
		}
		if o.res.ServerResponse != nil {
			fmt.Fprintf(out, "Server response: %v\n", o.res.ServerResponse)
		}
		return nil
	},
}

type loginOutcome struct {
	res *inpage.LoginResult
	err error
}

// awaitPending waits for the page's request to reach the broker. A page
// error that arrives first, such as a rejected callback URL, is returned.
func awaitPending(ctx context.Context, b *broker.Broker, done <-chan loginOutcome) (broker.Pending, error) {
	ticker := time.NewTicker(pagePollInterval)
	defer ticker.Stop()
	for {
		if pending := b.ListPending(ctx); len(pending) > 0 {
			return pending[0], nil
		}
		select {
		case o := <-done:
			if o.err != nil {
				return broker.Pending{}, fmt.Errorf("login failed: %w", o.err)
			}
			return broker.Pending{}, errors.New("login finished without a pending request")
		case <-ticker.C:
		case <-ctx.Done():
			return broker.Pending{}, ctx.Err()
		}
	}
}
