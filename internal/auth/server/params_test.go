// Tencent is pleased to support the open source community by making trpc-oauth-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-oauth-go is licensed under the Apache License Version 2.0.

package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-oauth-go/internal/auth"
	"trpc.group/trpc-go/trpc-oauth-go/internal/auth/pkce"
	oautherrors "trpc.group/trpc-go/trpc-oauth-go/internal/errors"
)

type validatorFixture struct {
	validator *GrantValidator
	codes     *MemoryCodeStore
	tokens    *MemoryTokenStore
	users     *MemoryUserStore
	passwords *MemoryAppPasswordStore
	events    *RecordingEventSink
	provider  *auth.Provider
}

func newValidatorFixture(t *testing.T) *validatorFixture {
	t.Helper()
	f := &validatorFixture{
		codes:     NewMemoryCodeStore(),
		tokens:    NewMemoryTokenStore(),
		users:     NewMemoryUserStore(),
		passwords: NewMemoryAppPasswordStore(),
		events:    &RecordingEventSink{},
		provider:  testProvider(),
	}
	f.provider.RedirectURIs = `^https://app\.example/cb$`
	apps := NewMemoryApplicationStore()
	apps.Add(&auth.Application{Name: "Test App", Slug: "test-app", ClientID: "test-client"})
	f.validator = NewGrantValidator(GrantValidatorOptions{
		Codes:        f.codes,
		Tokens:       f.tokens,
		Users:        f.users,
		Applications: apps,
		AppPasswords: f.passwords,
		Events:       f.events,
	})
	return f
}

func formRequest(form url.Values) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/oauth2/token", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r
}

func (f *validatorFixture) parse(t *testing.T, form url.Values) (*TokenParams, error) {
	t.Helper()
	creds := ClientCredentials{ClientID: form.Get("client_id"), ClientSecret: form.Get("client_secret")}
	return f.validator.Parse(context.Background(), formRequest(form), f.provider, creds)
}

func (f *validatorFixture) saveCode(t *testing.T, code *auth.AuthorizationCode) {
	t.Helper()
	if code.ClientID == "" {
		code.ClientID = f.provider.ClientID
	}
	if code.ExpiresAt.IsZero() {
		code.ExpiresAt = time.Now().Add(time.Minute)
	}
	if code.User == nil {
		code.User = &auth.User{UID: "u1", Username: "alice"}
	}
	require.NoError(t, f.codes.Save(context.Background(), code))
}

func requireTokenError(t *testing.T, err error, code string) {
	t.Helper()
	var tokenErr *oautherrors.TokenError
	require.ErrorAs(t, err, &tokenErr)
	assert.Equal(t, code, tokenErr.Error())
}

func TestParseAuthorizationCodeGrant(t *testing.T) {
	f := newValidatorFixture(t)
	verifier, err := pkce.GenerateCodeVerifier()
	require.NoError(t, err)
	challenge, err := pkce.ComputeChallenge("S256", verifier)
	require.NoError(t, err)
	f.saveCode(t, &auth.AuthorizationCode{
		Code:                "code-1",
		Scope:               []string{"openid"},
		IsOpenID:            true,
		Nonce:               "n-1",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
	})

	params, err := f.parse(t, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {"code-1"},
		"redirect_uri":  {"https://app.example/cb"},
		"client_id":     {"test-client"},
		"client_secret": {"test-secret"},
		"code_verifier": {verifier},
	})
	require.NoError(t, err)
	require.NotNil(t, params.AuthorizationCode)
	assert.Equal(t, "alice", params.User.Username)
}

func TestParseCodeMissing(t *testing.T) {
	f := newValidatorFixture(t)
	_, err := f.parse(t, url.Values{
		"grant_type":    {"authorization_code"},
		"redirect_uri":  {"https://app.example/cb"},
		"client_id":     {"test-client"},
		"client_secret": {"test-secret"},
	})
	requireTokenError(t, err, "invalid_grant")
}

func TestParseCodeBadRedirectURI(t *testing.T) {
	f := newValidatorFixture(t)
	f.saveCode(t, &auth.AuthorizationCode{Code: "code-1"})

	_, err := f.parse(t, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {"code-1"},
		"redirect_uri":  {"https://evil.example/cb"},
		"client_id":     {"test-client"},
		"client_secret": {"test-secret"},
	})
	requireTokenError(t, err, "invalid_client")

	events := f.events.ByAction(EventConfigurationError)
	require.Len(t, events, 1)
	assert.Equal(t, "https://evil.example/cb", events[0].Context["redirect_uri"])

	// The code must survive a failed exchange.
	_, err = f.codes.Get(context.Background(), "code-1")
	assert.NoError(t, err)
}

func TestParseCodeMalformedRedirectPattern(t *testing.T) {
	f := newValidatorFixture(t)
	f.provider.RedirectURIs = `https://app.example/(cb`
	f.saveCode(t, &auth.AuthorizationCode{Code: "code-1"})

	_, err := f.parse(t, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {"code-1"},
		"redirect_uri":  {"https://app.example/cb"},
		"client_id":     {"test-client"},
		"client_secret": {"test-secret"},
	})
	requireTokenError(t, err, "invalid_client")
	require.Len(t, f.events.ByAction(EventConfigurationError), 1)
}

func TestParseCodeNoRedirectPatternsConfigured(t *testing.T) {
	f := newValidatorFixture(t)
	f.provider.RedirectURIs = ""
	f.saveCode(t, &auth.AuthorizationCode{Code: "code-1"})

	_, err := f.parse(t, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {"code-1"},
		"redirect_uri":  {"https://app.example/cb"},
		"client_id":     {"test-client"},
		"client_secret": {"test-secret"},
	})
	requireTokenError(t, err, "invalid_client")
	require.Len(t, f.events.ByAction(EventConfigurationError), 1)
}

func TestParseCodeWrongClientSecret(t *testing.T) {
	f := newValidatorFixture(t)
	f.saveCode(t, &auth.AuthorizationCode{Code: "code-1"})

	_, err := f.parse(t, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {"code-1"},
		"redirect_uri":  {"https://app.example/cb"},
		"client_id":     {"test-client"},
		"client_secret": {"wrong"},
	})
	requireTokenError(t, err, "invalid_client")
}

func TestParseCodePublicClientSkipsSecret(t *testing.T) {
	f := newValidatorFixture(t)
	f.provider.ClientType = auth.ClientTypePublic
	f.saveCode(t, &auth.AuthorizationCode{Code: "code-1"})

	_, err := f.parse(t, url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {"code-1"},
		"redirect_uri": {"https://app.example/cb"},
		"client_id":    {"test-client"},
	})
	assert.NoError(t, err)
}

func TestParseCodeExpired(t *testing.T) {
	f := newValidatorFixture(t)
	f.saveCode(t, &auth.AuthorizationCode{
		Code:      "code-1",
		ExpiresAt: time.Now().Add(-time.Minute),
	})

	_, err := f.parse(t, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {"code-1"},
		"redirect_uri":  {"https://app.example/cb"},
		"client_id":     {"test-client"},
		"client_secret": {"test-secret"},
	})
	requireTokenError(t, err, "invalid_grant")
}

func TestParseCodePKCE(t *testing.T) {
	verifier, err := pkce.GenerateCodeVerifier()
	require.NoError(t, err)
	challenge, err := pkce.ComputeChallenge("S256", verifier)
	require.NoError(t, err)

	baseForm := func(extra url.Values) url.Values {
		form := url.Values{
			"grant_type":    {"authorization_code"},
			"code":          {"code-1"},
			"redirect_uri":  {"https://app.example/cb"},
			"client_id":     {"test-client"},
			"client_secret": {"test-secret"},
		}
		for k, v := range extra {
			form[k] = v
		}
		return form
	}

	t.Run("verifier required when challenge set", func(t *testing.T) {
		f := newValidatorFixture(t)
		f.saveCode(t, &auth.AuthorizationCode{Code: "code-1", CodeChallenge: challenge, CodeChallengeMethod: "S256"})
		_, err := f.parse(t, baseForm(nil))
		requireTokenError(t, err, "invalid_grant")
	})

	t.Run("verifier mismatch", func(t *testing.T) {
		f := newValidatorFixture(t)
		f.saveCode(t, &auth.AuthorizationCode{Code: "code-1", CodeChallenge: challenge, CodeChallengeMethod: "S256"})
		_, err := f.parse(t, baseForm(url.Values{"code_verifier": {"wrong-verifier"}}))
		requireTokenError(t, err, "invalid_grant")
	})

	t.Run("unexpected verifier", func(t *testing.T) {
		f := newValidatorFixture(t)
		f.saveCode(t, &auth.AuthorizationCode{Code: "code-1"})
		_, err := f.parse(t, baseForm(url.Values{"code_verifier": {verifier}}))
		requireTokenError(t, err, "invalid_grant")
	})

	t.Run("plain method", func(t *testing.T) {
		f := newValidatorFixture(t)
		f.saveCode(t, &auth.AuthorizationCode{Code: "code-1", CodeChallenge: verifier, CodeChallengeMethod: "plain"})
		_, err := f.parse(t, baseForm(url.Values{"code_verifier": {verifier}}))
		assert.NoError(t, err)
	})
}

func TestParseRefreshGrant(t *testing.T) {
	f := newValidatorFixture(t)
	require.NoError(t, f.tokens.Save(context.Background(), &auth.RefreshToken{
		RefreshToken: "rt-1",
		ClientID:     "test-client",
		User:         &auth.User{UID: "u1", Username: "alice"},
		Scope:        []string{"openid", "email"},
		ExpiresAt:    time.Now().Add(time.Hour),
	}))

	params, err := f.parse(t, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {"rt-1"},
		"client_id":     {"test-client"},
		"client_secret": {"test-secret"},
	})
	require.NoError(t, err)
	// Omitted scope falls back to the original grant.
	assert.Equal(t, []string{"openid", "email"}, params.Scope)
	assert.Equal(t, "alice", params.User.Username)
}

func TestParseRefreshRevoked(t *testing.T) {
	f := newValidatorFixture(t)
	require.NoError(t, f.tokens.Save(context.Background(), &auth.RefreshToken{
		RefreshToken: "rt-1",
		ClientID:     "test-client",
		User:         &auth.User{UID: "u1", Username: "alice"},
		ExpiresAt:    time.Now().Add(time.Hour),
		Revoked:      true,
	}))

	_, err := f.parse(t, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {"rt-1"},
		"client_id":     {"test-client"},
		"client_secret": {"test-secret"},
	})
	requireTokenError(t, err, "invalid_grant")

	suspicious := f.events.ByAction(EventSuspiciousRequest)
	require.Len(t, suspicious, 1)
	assert.Equal(t, "alice", suspicious[0].Username)
}

func TestParseRefreshExpired(t *testing.T) {
	f := newValidatorFixture(t)
	require.NoError(t, f.tokens.Save(context.Background(), &auth.RefreshToken{
		RefreshToken: "rt-1",
		ClientID:     "test-client",
		User:         &auth.User{UID: "u1", Username: "alice"},
		ExpiresAt:    time.Now().Add(-time.Minute),
	}))

	_, err := f.parse(t, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {"rt-1"},
		"client_id":     {"test-client"},
		"client_secret": {"test-secret"},
	})
	requireTokenError(t, err, "invalid_grant")
	// An expired token is not an anomaly, just a dead credential.
	assert.Empty(t, f.events.ByAction(EventSuspiciousRequest))
}

func TestParseRefreshUnknownToken(t *testing.T) {
	f := newValidatorFixture(t)
	_, err := f.parse(t, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {"missing"},
		"client_id":     {"test-client"},
		"client_secret": {"test-secret"},
	})
	requireTokenError(t, err, "invalid_grant")
}

func TestParseUnsupportedGrantType(t *testing.T) {
	f := newValidatorFixture(t)
	_, err := f.parse(t, url.Values{
		"grant_type": {"urn:ietf:params:oauth:grant-type:device_code"},
		"client_id":  {"test-client"},
	})
	requireTokenError(t, err, "unsupported_grant_type")
}

func TestParseClientCredentialsAppPassword(t *testing.T) {
	f := newValidatorFixture(t)
	f.users.Add(&auth.User{UID: "u1", Username: "alice"})
	f.passwords.Add(&auth.AppPassword{Identifier: "ci", Key: "app-pass", UserUID: "u1"})

	params, err := f.parse(t, url.Values{
		"grant_type": {"client_credentials"},
		"client_id":  {"test-client"},
		"username":   {"alice"},
		"password":   {"app-pass"},
		"scope":      {"openid"},
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", params.User.Username)

	logins := f.events.ByAction(EventLogin)
	require.Len(t, logins, 1)
	assert.Equal(t, "token", logins[0].Context["auth_method"])
}

func TestParseClientCredentialsWrongPassword(t *testing.T) {
	f := newValidatorFixture(t)
	f.users.Add(&auth.User{UID: "u1", Username: "alice"})
	f.passwords.Add(&auth.AppPassword{Identifier: "ci", Key: "app-pass", UserUID: "u1"})

	_, err := f.parse(t, url.Values{
		"grant_type": {"client_credentials"},
		"client_id":  {"test-client"},
		"username":   {"alice"},
		"password":   {"wrong"},
	})
	requireTokenError(t, err, "invalid_grant")
}

func TestParseClientCredentialsPasswordOwnedByOtherUser(t *testing.T) {
	f := newValidatorFixture(t)
	f.users.Add(&auth.User{UID: "u1", Username: "alice"})
	f.users.Add(&auth.User{UID: "u2", Username: "bob"})
	f.passwords.Add(&auth.AppPassword{Identifier: "ci", Key: "app-pass", UserUID: "u2"})

	_, err := f.parse(t, url.Values{
		"grant_type": {"client_credentials"},
		"client_id":  {"test-client"},
		"username":   {"alice"},
		"password":   {"app-pass"},
	})
	requireTokenError(t, err, "invalid_grant")
}

func TestParseClientCredentialsAssertionInClientSecret(t *testing.T) {
	f := newValidatorFixture(t)
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	f.provider.VerificationKeys = []*auth.CertificateKeyPair{{Name: "static-1", PrivateKey: key}}

	signed := signAssertion(t, key, jwt.MapClaims{
		"iss": "test-client",
		"sub": "deploy-bot",
		"exp": time.Now().Add(time.Minute).Unix(),
	})

	// No client_assertion parameter: the assertion rides in client_secret.
	params, err := f.parse(t, url.Values{
		"grant_type":            {"client_credentials"},
		"client_id":             {"test-client"},
		"client_secret":         {signed},
		"client_assertion_type": {auth.ClientAssertionTypeJWT},
	})
	require.NoError(t, err)
	require.NotNil(t, params.Assertion)
	assert.Equal(t, "test-provider-deploy-bot", params.User.Username)
}

func TestParseClientCredentialsBadAssertionType(t *testing.T) {
	f := newValidatorFixture(t)
	_, err := f.parse(t, url.Values{
		"grant_type":            {"client_credentials"},
		"client_id":             {"test-client"},
		"client_assertion_type": {"urn:example:wrong"},
		"client_assertion":      {"x.y.z"},
	})
	requireTokenError(t, err, "invalid_grant")
}
