// Package token issues compact EdDSA tokens that prove control of a vault
// identity to a website.
package token

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/forest6511/vaultbroker/pkg/audit"
	"github.com/forest6511/vaultbroker/pkg/clock"
	"github.com/forest6511/vaultbroker/pkg/vault"
)

// DefaultTTL is used when Issue is called with a non-positive ttl.
const DefaultTTL = time.Hour

var (
	// ErrCredentialNotFound indicates no credential is stored for the website.
	ErrCredentialNotFound = errors.New("token: no credential found for this website")

	// ErrMalformed indicates a string that is not a three-segment token.
	ErrMalformed = errors.New("token: malformed token")
)

// Source is the vault surface the issuer needs.
type Source interface {
	IsLocked() bool
	Identity() string
	GetCredential(ctx context.Context, website string) (*vault.Credential, error)
	SigningKey() (crypto.Signer, error)
}

// Issuer mints tokens for credentials held in a vault.
type Issuer struct {
	src   Source
	clock clock.Clock
	audit *audit.Logger
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithClock sets the clock used for iat and exp.
func WithClock(c clock.Clock) Option {
	return func(i *Issuer) { i.clock = c }
}

// WithAudit records every issued token.
func WithAudit(a *audit.Logger) Option {
	return func(i *Issuer) { i.audit = a }
}

// NewIssuer returns an issuer backed by src.
func NewIssuer(src Source, opts ...Option) *Issuer {
	i := &Issuer{src: src, clock: clock.Real()}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Issue returns a token with claims {sub, iss, aud, iat, exp, website} for
// the credential stored under website, signed with the vault's Ed25519 key.
// ttl is truncated to whole seconds.
func (i *Issuer) Issue(ctx context.Context, website string, ttl time.Duration) (string, error) {
	if i.src.IsLocked() {
		return "", vault.ErrVaultLocked
	}
	cred, err := i.src.GetCredential(ctx, website)
	if err != nil {
		return "", err
	}
	if cred == nil {
		return "", ErrCredentialNotFound
	}
	key, err := i.src.SigningKey()
	if err != nil {
		return "", err
	}

	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := i.clock.Now().Unix()
	claims := jwt.MapClaims{
		"sub":     cred.Username,
		"iss":     i.src.Identity(),
		"aud":     cred.Website,
		"iat":     now,
		"exp":     now + int64(ttl/time.Second),
		"website": cred.Website,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(key)
	if err != nil {
		if errors.Is(err, vault.ErrVaultLocked) {
			return "", err
		}
		return "", fmt.Errorf("token: failed to sign: %w", err)
	}
	if i.audit != nil {
		_ = i.audit.LogSuccess(audit.OpTokenIssue, audit.SourceBackground, cred.Website)
	}
	return signed, nil
}

// Claims is the decoded payload of a token.
type Claims struct {
	Subject   string `json:"sub"`
	Issuer    string `json:"iss"`
	Audience  string `json:"aud"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
	Website   string `json:"website"`
}

// Decoded is a parsed but unverified token.
type Decoded struct {
	Algorithm string
	Type      string
	Claims    Claims
}

// Decode parses a token without verifying its signature, for display.
func Decode(tokenString string) (*Decoded, error) {
	claims := jwt.MapClaims{}
	tok, _, err := jwt.NewParser().ParseUnverified(tokenString, claims)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	d := &Decoded{}
	d.Algorithm, _ = tok.Header["alg"].(string)
	d.Type, _ = tok.Header["typ"].(string)
	d.Claims.Subject, _ = claims["sub"].(string)
	d.Claims.Issuer, _ = claims["iss"].(string)
	d.Claims.Audience, _ = claims["aud"].(string)
	d.Claims.Website, _ = claims["website"].(string)
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		d.Claims.IssuedAt = iat.Unix()
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		d.Claims.ExpiresAt = exp.Unix()
	}
	return d, nil
}
