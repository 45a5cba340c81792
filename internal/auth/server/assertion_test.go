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
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-oauth-go/internal/auth"
	oautherrors "trpc.group/trpc-go/trpc-oauth-go/internal/errors"
)

func signAssertion(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func assertionFixture(t *testing.T) (*AssertionVerifier, *MemoryUserStore, *RecordingEventSink, *rsa.PrivateKey, *auth.Provider) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	apps := NewMemoryApplicationStore()
	apps.Add(&auth.Application{Name: "CI Deployer", Slug: "ci-deployer", ClientID: "test-client"})
	users := NewMemoryUserStore()
	events := &RecordingEventSink{}

	p := testProvider()
	p.VerificationKeys = []*auth.CertificateKeyPair{{Name: "static-1", PrivateKey: key}}

	verifier := NewAssertionVerifier(apps, users, nil, events, nil)
	return verifier, users, events, key, p
}

func TestVerifyAssertionStaticKey(t *testing.T) {
	verifier, users, events, key, p := assertionFixture(t)
	exp := time.Now().Add(5 * time.Minute)
	assertion := signAssertion(t, key, jwt.MapClaims{
		"iss": "test-client",
		"sub": "deploy-bot",
		"exp": exp.Unix(),
	})

	r := httptest.NewRequest(http.MethodPost, "/oauth2/token", nil)
	result, err := verifier.Verify(context.Background(), r, p, assertion, nil)
	require.NoError(t, err)

	assert.Equal(t, "deploy-bot", result.Claims["sub"])
	assert.Empty(t, result.SourceName)

	user := result.User
	require.NotNil(t, user)
	assert.Equal(t, "test-provider-deploy-bot", user.Username)
	assert.Contains(t, user.Name, "CI Deployer")
	assert.Equal(t, true, user.Attributes[auth.UserAttributeGenerated])
	assert.Equal(t, exp.Unix(), user.Attributes[auth.UserAttributeExpires])

	stored, err := users.GetByUsername(context.Background(), "test-provider-deploy-bot")
	require.NoError(t, err)
	assert.Equal(t, user.UID, stored.UID)

	logins := events.ByAction(EventLogin)
	require.Len(t, logins, 1)
	assert.Equal(t, "jwt", logins[0].Context["auth_method"])
}

func TestVerifyAssertionExpiryPinnedAtCreation(t *testing.T) {
	verifier, _, _, key, p := assertionFixture(t)
	r := httptest.NewRequest(http.MethodPost, "/oauth2/token", nil)

	firstExp := time.Now().Add(5 * time.Minute)
	first := signAssertion(t, key, jwt.MapClaims{"sub": "deploy-bot", "exp": firstExp.Unix()})
	result, err := verifier.Verify(context.Background(), r, p, first, nil)
	require.NoError(t, err)
	require.Equal(t, firstExp.Unix(), result.User.Attributes[auth.UserAttributeExpires])

	second := signAssertion(t, key, jwt.MapClaims{"sub": "deploy-bot", "exp": time.Now().Add(time.Hour).Unix()})
	result, err = verifier.Verify(context.Background(), r, p, second, nil)
	require.NoError(t, err)
	assert.Equal(t, firstExp.Unix(), result.User.Attributes[auth.UserAttributeExpires])
}

func TestVerifyAssertionExpired(t *testing.T) {
	verifier, _, _, key, p := assertionFixture(t)
	assertion := signAssertion(t, key, jwt.MapClaims{
		"sub": "deploy-bot",
		"exp": time.Now().Add(-time.Minute).Unix(),
	})

	r := httptest.NewRequest(http.MethodPost, "/oauth2/token", nil)
	_, err := verifier.Verify(context.Background(), r, p, assertion, nil)
	var tokenErr *oautherrors.TokenError
	require.ErrorAs(t, err, &tokenErr)
	assert.Equal(t, "invalid_grant", tokenErr.Error())
}

func TestVerifyAssertionWrongKey(t *testing.T) {
	verifier, _, _, _, p := assertionFixture(t)
	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	assertion := signAssertion(t, otherKey, jwt.MapClaims{
		"sub": "deploy-bot",
		"exp": time.Now().Add(time.Minute).Unix(),
	})

	r := httptest.NewRequest(http.MethodPost, "/oauth2/token", nil)
	_, err = verifier.Verify(context.Background(), r, p, assertion, nil)
	var tokenErr *oautherrors.TokenError
	require.ErrorAs(t, err, &tokenErr)
	assert.Equal(t, "invalid_grant", tokenErr.Error())
}

func TestVerifyAssertionJWKSSource(t *testing.T) {
	verifier, _, _, _, p := assertionFixture(t)
	p.VerificationKeys = nil

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	jwkKey, err := jwk.FromRaw(&key.PublicKey)
	require.NoError(t, err)
	require.NoError(t, jwkKey.Set(jwk.KeyIDKey, "remote-key-1"))
	require.NoError(t, jwkKey.Set(jwk.AlgorithmKey, jwa.RS256))
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(jwkKey))
	p.JWKSSources = []auth.JWKSSource{NewStaticJWKSSourceFromSet("partner-idp", set)}

	assertion := signAssertion(t, key, jwt.MapClaims{
		"sub": "deploy-bot",
		"exp": time.Now().Add(time.Minute).Unix(),
	})

	r := httptest.NewRequest(http.MethodPost, "/oauth2/token", nil)
	result, err := verifier.Verify(context.Background(), r, p, assertion, nil)
	require.NoError(t, err)
	assert.Equal(t, "partner-idp", result.SourceName)
	assert.Equal(t, "remote-key-1", result.KeyID)
}

func TestVerifyAssertionPolicyDenied(t *testing.T) {
	_, _, _, key, p := assertionFixture(t)

	apps := NewMemoryApplicationStore()
	apps.Add(&auth.Application{Name: "CI Deployer", Slug: "ci-deployer", ClientID: "test-client"})
	deny := PolicyFunc(func(context.Context, *auth.Application, *auth.User, *http.Request, map[string]any) (PolicyResult, error) {
		return PolicyResult{Passing: false, Reasons: []string{"not allowed"}}, nil
	})
	verifier := NewAssertionVerifier(apps, NewMemoryUserStore(), deny, &RecordingEventSink{}, nil)

	assertion := signAssertion(t, key, jwt.MapClaims{
		"sub": "deploy-bot",
		"exp": time.Now().Add(time.Minute).Unix(),
	})
	r := httptest.NewRequest(http.MethodPost, "/oauth2/token", nil)
	_, err := verifier.Verify(context.Background(), r, p, assertion, nil)
	var tokenErr *oautherrors.TokenError
	require.ErrorAs(t, err, &tokenErr)
	assert.Equal(t, "invalid_grant", tokenErr.Error())
}

func TestVerifyAssertionPolicyUserAuthError(t *testing.T) {
	_, _, _, key, p := assertionFixture(t)

	apps := NewMemoryApplicationStore()
	apps.Add(&auth.Application{Name: "CI Deployer", Slug: "ci-deployer", ClientID: "test-client"})
	// An engine can deny with 403 semantics by returning a UserAuthError.
	deny := PolicyFunc(func(context.Context, *auth.Application, *auth.User, *http.Request, map[string]any) (PolicyResult, error) {
		return PolicyResult{}, &oautherrors.UserAuthError{Description: "account disabled"}
	})
	verifier := NewAssertionVerifier(apps, NewMemoryUserStore(), deny, &RecordingEventSink{}, nil)

	assertion := signAssertion(t, key, jwt.MapClaims{
		"sub": "deploy-bot",
		"exp": time.Now().Add(time.Minute).Unix(),
	})
	r := httptest.NewRequest(http.MethodPost, "/oauth2/token", nil)
	_, err := verifier.Verify(context.Background(), r, p, assertion, nil)
	var userErr *oautherrors.UserAuthError
	require.ErrorAs(t, err, &userErr)
	assert.Equal(t, "account disabled", userErr.Description)
}

func TestVerifyAssertionMissingSub(t *testing.T) {
	verifier, _, _, key, p := assertionFixture(t)
	assertion := signAssertion(t, key, jwt.MapClaims{
		"exp": time.Now().Add(time.Minute).Unix(),
	})

	r := httptest.NewRequest(http.MethodPost, "/oauth2/token", nil)
	_, err := verifier.Verify(context.Background(), r, p, assertion, nil)
	var tokenErr *oautherrors.TokenError
	require.ErrorAs(t, err, &tokenErr)
	assert.Equal(t, "invalid_grant", tokenErr.Error())
}
