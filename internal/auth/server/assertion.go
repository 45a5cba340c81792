// Tencent is pleased to support the open source community by making trpc-oauth-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-oauth-go is licensed under the Apache License Version 2.0.

package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"trpc.group/trpc-go/trpc-oauth-go/internal/auth"
	oautherrors "trpc.group/trpc-go/trpc-oauth-go/internal/errors"
)

// assertionAlgorithms are the JWS algorithms accepted for client assertions
// verified against statically configured keys.
var assertionAlgorithms = []string{"RS256", "ES256"}

// AssertionResult is the outcome of a successful RFC 7523 verification.
type AssertionResult struct {
	Claims jwt.MapClaims
	User   *auth.User
	App    *auth.Application
	// SourceName and KeyID identify the JWKS source and key that verified
	// the assertion, when a dynamic source won.
	SourceName string
	KeyID      string
}

// AssertionVerifier verifies RFC 7523 client assertions, gates them through
// the policy engine and synthesizes the acting user.
type AssertionVerifier struct {
	apps   ApplicationStore
	users  UserStore
	policy PolicyEngine
	events EventSink
	logger *zap.Logger
	now    func() time.Time
}

// NewAssertionVerifier creates an assertion verifier.
func NewAssertionVerifier(apps ApplicationStore, users UserStore, policy PolicyEngine, events EventSink, logger *zap.Logger) *AssertionVerifier {
	if policy == nil {
		policy = AllowAllPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AssertionVerifier{
		apps:   apps,
		users:  users,
		policy: policy,
		events: events,
		logger: logger,
		now:    time.Now,
	}
}

// Verify checks the assertion signature against the provider's static
// verification keys and JWKS sources, enforces expiry, evaluates access
// policies and upserts the autogenerated user. The first key that produces
// a valid signature wins.
func (v *AssertionVerifier) Verify(ctx context.Context, r *http.Request, p *auth.Provider, assertion string, policyCtx map[string]any) (*AssertionResult, error) {
	result := v.verifySignature(ctx, p, assertion)
	if result == nil {
		return nil, oautherrors.NewTokenError(oautherrors.ErrInvalidGrant, "client assertion could not be verified")
	}

	exp, err := result.Claims.GetExpirationTime()
	if err != nil {
		return nil, oautherrors.NewTokenError(oautherrors.ErrInvalidGrant, "client assertion has a malformed exp claim")
	}
	if exp != nil && !v.now().UTC().Before(exp.Time) {
		return nil, oautherrors.NewTokenError(oautherrors.ErrInvalidGrant, "client assertion is expired")
	}

	app, err := v.apps.GetByClientID(ctx, p.ClientID)
	if err != nil {
		return nil, oautherrors.NewTokenError(oautherrors.ErrInvalidGrant, "no application bound to client")
	}
	result.App = app

	if policyCtx == nil {
		policyCtx = map[string]any{}
	}
	policyCtx["oauth_jwt"] = map[string]any(result.Claims)
	// Engines may return a UserAuthError to deny with 403 instead.
	decision, err := v.policy.Evaluate(ctx, app, nil, r, policyCtx)
	if err != nil {
		return nil, err
	}
	if !decision.Passing {
		v.logger.Info("client not authorized for application",
			zap.String("app", app.Slug),
			zap.Strings("reasons", decision.Reasons))
		return nil, oautherrors.NewTokenError(oautherrors.ErrInvalidGrant, "")
	}

	sub, err := result.Claims.GetSubject()
	if err != nil || sub == "" {
		return nil, oautherrors.NewTokenError(oautherrors.ErrInvalidGrant, "client assertion is missing the sub claim")
	}

	user, err := v.upsertUser(ctx, p, app, sub, exp)
	if err != nil {
		return nil, err
	}
	result.User = user

	methodArgs := map[string]any{"jwt": map[string]any(result.Claims)}
	if result.SourceName != "" {
		methodArgs["source"] = result.SourceName
	}
	if result.KeyID != "" {
		methodArgs["jwk_id"] = result.KeyID
	}
	v.events.Emit(ctx, NewEvent(EventLogin, "authenticated via client assertion").
		FromRequest(r).
		WithUser(user.Username).
		With("auth_method", "jwt").
		With("auth_method_args", methodArgs))

	return result, nil
}

func (v *AssertionVerifier) verifySignature(ctx context.Context, p *auth.Provider, assertion string) *AssertionResult {
	for _, kp := range p.VerificationKeys {
		pub := kp.PublicKey()
		if pub == nil {
			continue
		}
		claims, ok := v.parseWith(assertion, pub, assertionAlgorithms)
		if ok {
			return &AssertionResult{Claims: claims}
		}
	}
	for _, src := range p.JWKSSources {
		set, err := src.Keys(ctx)
		if err != nil {
			v.logger.Warn("failed to load JWKS source",
				zap.String("source", src.Name()), zap.Error(err))
			continue
		}
		for i := 0; i < set.Len(); i++ {
			key, ok := set.Key(i)
			if !ok {
				continue
			}
			pubKey, err := key.PublicKey()
			if err != nil {
				continue
			}
			var raw any
			if err := pubKey.Raw(&raw); err != nil {
				continue
			}
			algs := assertionAlgorithms
			if alg := key.Algorithm().String(); alg != "" {
				algs = []string{alg}
			}
			claims, ok := v.parseWith(assertion, raw, algs)
			if ok {
				return &AssertionResult{
					Claims:     claims,
					SourceName: src.Name(),
					KeyID:      key.KeyID(),
				}
			}
		}
	}
	return nil
}

// parseWith validates the signature only. Claim validation (exp) happens
// afterwards against UTC, with expiry the sole enforced claim: assertions
// carry arbitrary audiences.
func (v *AssertionVerifier) parseWith(assertion string, key any, algs []string) (jwt.MapClaims, bool) {
	parser := jwt.NewParser(
		jwt.WithValidMethods(algs),
		jwt.WithoutClaimsValidation(),
	)
	claims := jwt.MapClaims{}
	if _, err := parser.ParseWithClaims(assertion, claims, func(*jwt.Token) (any, error) {
		return key, nil
	}); err != nil {
		return nil, false
	}
	return claims, true
}

func (v *AssertionVerifier) upsertUser(ctx context.Context, p *auth.Provider, app *auth.Application, sub string, exp *jwt.NumericDate) (*auth.User, error) {
	user := &auth.User{
		Username:  fmt.Sprintf("%s-%s", p.Name, sub),
		Name:      fmt.Sprintf("Autogenerated user from application %s (client credentials JWT)", app.Name),
		LastLogin: v.now().UTC(),
	}
	user.SetAttribute(auth.UserAttributeGenerated, true)
	stored, created, err := v.users.Upsert(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert assertion user: %w", err)
	}
	// The expiry attribute is pinned at creation and never refreshed.
	if created && exp != nil {
		stored.SetAttribute(auth.UserAttributeExpires, exp.Unix())
		if err := v.users.Save(ctx, stored); err != nil {
			return nil, fmt.Errorf("failed to save assertion user: %w", err)
		}
	}
	return stored, nil
}
