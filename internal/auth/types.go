// Tencent is pleased to support the open source community by making trpc-oauth-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-oauth-go is licensed under the Apache License Version 2.0.

// Package auth defines the domain model shared by the token endpoint:
// providers, applications, authorization codes, refresh tokens, ID token
// claims, users and app passwords.
package auth

import (
	"context"
	"crypto"
	"crypto/x509"
	"net/url"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// Grant types accepted by the token endpoint (RFC 6749 §4, §6)
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypePassword          = "password"
)

// ClientAssertionTypeJWT is the assertion type for RFC 7523 client
// authentication.
const ClientAssertionTypeJWT = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// PKCE code challenge methods (RFC 7636 §4.2)
const (
	ChallengeMethodS256  = "S256"
	ChallengeMethodPlain = "plain"
)

// ClientType controls whether a provider must prove possession of its
// client_secret on the confidential grants.
type ClientType string

const (
	// ClientTypeConfidential clients authenticate with a client_secret.
	ClientTypeConfidential ClientType = "confidential"
	// ClientTypePublic clients rely on PKCE instead of a secret.
	ClientTypePublic ClientType = "public"
)

// Attribute keys attached to users synthesized from client assertions.
const (
	// UserAttributeGenerated marks a user created from a JWT assertion.
	UserAttributeGenerated = "generated"
	// UserAttributeExpires carries the assertion expiry (unix seconds) set
	// when the user was first created.
	UserAttributeExpires = "expires"
)

// CertificateKeyPair is a statically configured verification key for
// RFC 7523 assertions. The certificate is required; the private key is
// optional and unused for verification.
type CertificateKeyPair struct {
	Name        string
	Certificate *x509.Certificate
	PrivateKey  crypto.Signer
}

// PublicKey returns the verification key of the pair.
func (kp *CertificateKeyPair) PublicKey() crypto.PublicKey {
	if kp.Certificate != nil {
		return kp.Certificate.PublicKey
	}
	if kp.PrivateKey != nil {
		return kp.PrivateKey.Public()
	}
	return nil
}

// JWKSSource supplies a set of verification keys for RFC 7523 assertions,
// typically fetched from a remote jwks_uri.
type JWKSSource interface {
	// Name identifies the source in audit events.
	Name() string
	// Keys returns the current key set.
	Keys(ctx context.Context) (jwk.Set, error)
}

// Provider is an OAuth 2.0 / OIDC provider configuration. One provider maps
// to exactly one client_id.
type Provider struct {
	Name         string
	ClientID     string
	ClientSecret string
	ClientType   ClientType

	// RedirectURIs holds one anchored regular expression per line. A
	// redirect_uri presented on the authorization_code grant must fully
	// match one of them.
	RedirectURIs string

	// Issuer is the iss claim minted into ID tokens.
	Issuer string

	// SigningAlg is the JWS algorithm for ID tokens (RS256, ES256, HS256).
	SigningAlg string

	// SigningKeyID is set as the kid header on minted ID tokens.
	SigningKeyID string

	// TokenValidity is a duration expression such as "minutes=10" or
	// "days=30;hours=2" controlling access/refresh token lifetime.
	TokenValidity string

	// VerificationKeys are statically configured assertion keys.
	VerificationKeys []*CertificateKeyPair

	// JWKSSources are dynamic assertion key sets.
	JWKSSources []JWKSSource
}

// RedirectURIPatterns returns the configured redirect URI patterns, one per
// non-empty line.
func (p *Provider) RedirectURIPatterns() []string {
	var patterns []string
	for _, line := range strings.Split(p.RedirectURIs, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			patterns = append(patterns, line)
		}
	}
	return patterns
}

// RedirectOrigins derives the literal origins embedded in the redirect URI
// patterns, for mirroring on CORS responses. Patterns whose host part is not
// literal contribute nothing.
func (p *Provider) RedirectOrigins() []string {
	var origins []string
	seen := map[string]bool{}
	for _, pattern := range p.RedirectURIPatterns() {
		pattern = strings.TrimPrefix(pattern, "^")
		pattern = strings.TrimPrefix(pattern, `\A`)
		pattern = strings.TrimSuffix(pattern, "$")
		pattern = strings.TrimSuffix(pattern, `\z`)
		pattern = strings.ReplaceAll(pattern, `\`, "")
		if strings.ContainsAny(pattern, "*+?()[]|{}") {
			continue
		}
		u, err := url.Parse(pattern)
		if err != nil || u.Scheme == "" || u.Host == "" {
			continue
		}
		origin := u.Scheme + "://" + u.Host
		if !seen[origin] {
			seen[origin] = true
			origins = append(origins, origin)
		}
	}
	return origins
}

// Application is the user-facing application a provider is bound to. Access
// policies attach to the application.
type Application struct {
	Name string
	Slug string
	// ClientID of the bound provider.
	ClientID string
}

// User is the resource owner a token is issued for.
type User struct {
	UID        string
	Username   string
	Name       string
	Attributes map[string]any
	LastLogin  time.Time
}

// SetAttribute sets a user attribute, allocating the map when needed.
func (u *User) SetAttribute(key string, value any) {
	if u.Attributes == nil {
		u.Attributes = map[string]any{}
	}
	u.Attributes[key] = value
}

// AppPassword is a long-lived credential a user may present on the
// client_credentials grant in place of an interactive login.
type AppPassword struct {
	Identifier string
	Key        string
	UserUID    string
	// ExpiresAt zero means the password never expires.
	ExpiresAt time.Time
}

// IsExpired reports whether the password has expired at the given instant.
func (t *AppPassword) IsExpired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// AuthorizationCode is a single-use grant produced by the authorization
// endpoint and redeemed exactly once at the token endpoint.
type AuthorizationCode struct {
	Code     string
	ClientID string
	User     *User
	Scope    []string

	// Nonce and IsOpenID control ID token issuance.
	Nonce    string
	IsOpenID bool

	// CodeChallenge, when set, requires the redeeming request to present a
	// matching code_verifier (RFC 7636).
	CodeChallenge       string
	CodeChallengeMethod string

	ExpiresAt time.Time
}

// IsExpired reports whether the code has expired at the given instant.
func (c *AuthorizationCode) IsExpired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// RefreshToken is a minted token pair. The refresh token is the persistence
// key; the access token and optional ID token ride along.
type RefreshToken struct {
	RefreshToken string
	AccessToken  string
	ClientID     string
	User         *User
	Scope        []string

	// IDToken is present when the pair was minted for an OIDC request.
	IDToken *IDToken
	// AtHash binds the ID token to the access token (OIDC Core §3.1.3.6).
	AtHash string

	ExpiresAt time.Time
	Revoked   bool
}

// IsExpired reports whether the token has expired at the given instant.
func (t *RefreshToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// HasScope reports whether the token's scope covers the given scope value.
func (t *RefreshToken) HasScope(scope string) bool {
	for _, s := range t.Scope {
		if s == scope {
			return true
		}
	}
	return false
}

// IDToken holds the claims of an OIDC ID token prior to signing.
type IDToken struct {
	Issuer    string `json:"iss"`
	Subject   string `json:"sub"`
	Audience  string `json:"aud"`
	ExpiresAt int64  `json:"exp"`
	IssuedAt  int64  `json:"iat"`
	AuthTime  int64  `json:"auth_time,omitempty"`
	Nonce     string `json:"nonce,omitempty"`
	AtHash    string `json:"at_hash,omitempty"`
}

// Claims returns the token as a claims map for signing.
func (t *IDToken) Claims() map[string]any {
	claims := map[string]any{
		"iss": t.Issuer,
		"sub": t.Subject,
		"aud": t.Audience,
		"exp": t.ExpiresAt,
		"iat": t.IssuedAt,
	}
	if t.AuthTime != 0 {
		claims["auth_time"] = t.AuthTime
	}
	if t.Nonce != "" {
		claims["nonce"] = t.Nonce
	}
	if t.AtHash != "" {
		claims["at_hash"] = t.AtHash
	}
	return claims
}
