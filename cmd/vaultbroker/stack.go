package main

import (
	"net/http"

	"golang.org/x/time/rate"

	"github.com/forest6511/vaultbroker/internal/background"
	"github.com/forest6511/vaultbroker/internal/broker"
	"github.com/forest6511/vaultbroker/pkg/relay"
	"github.com/forest6511/vaultbroker/pkg/session"
	"github.com/forest6511/vaultbroker/pkg/token"
)

// newBackground builds the background context for the open vault from the
// loaded configuration.
func newBackground(bus *relay.Bus) *background.Actor {
	brokerOpts := []broker.Option{
		broker.WithTokens(token.NewIssuer(v, token.WithAudit(auditLog))),
		broker.WithPendingTTL(cfg.Broker.PendingTTL),
		broker.WithHTTPClient(&http.Client{Timeout: cfg.Broker.CallbackTimeout}),
		broker.WithAudit(auditLog),
	}
	if cfg.Broker.RateLimit > 0 {
		brokerOpts = append(brokerOpts, broker.WithRateLimit(rate.Limit(cfg.Broker.RateLimit), cfg.Broker.RateBurst))
	}

	return background.New(bus,
		background.WithVault(v),
		background.WithLogger(logger),
		background.WithSessionOptions(session.WithTimeout(cfg.Session.AutoLock)),
		background.WithBrokerOptions(brokerOpts...),
	)
}
