// Tencent is pleased to support the open source community by making trpc-oauth-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-oauth-go is licensed under the Apache License Version 2.0.

// Package handler exposes the OAuth 2.0 / OIDC token endpoint as an
// http.HandlerFunc.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"trpc.group/trpc-go/trpc-oauth-go/internal/auth"
	"trpc.group/trpc-go/trpc-oauth-go/internal/auth/server"
	"trpc.group/trpc-go/trpc-oauth-go/internal/auth/server/middleware"
	oautherrors "trpc.group/trpc-go/trpc-oauth-go/internal/errors"
)

// TokenHandlerOptions configures the token endpoint.
type TokenHandlerOptions struct {
	Providers    server.ProviderStore
	Codes        server.CodeStore
	Tokens       server.TokenStore
	Users        server.UserStore
	Applications server.ApplicationStore
	AppPasswords server.AppPasswordStore
	Keys         server.KeyStore

	// Policy gates the client_credentials grants. Nil allows everything.
	Policy server.PolicyEngine
	// Events receives audit events. Nil logs them through Logger.
	Events server.EventSink
	// RateLimit overrides the default limiter (50 requests per 15 minutes).
	RateLimit *rate.Limiter
	Logger    *zap.Logger
}

// tokenResponse is the success body of the token endpoint (RFC 6749 §5.1).
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	IDToken      string `json:"id_token,omitempty"`
}

type tokenEndpoint struct {
	providers server.ProviderStore
	codes     server.CodeStore
	tokens    server.TokenStore
	validator *server.GrantValidator
	minter    *server.TokenMinter
	events    server.EventSink
	logger    *zap.Logger
	tracer    trace.Tracer
}

// TokenHandler creates the token endpoint handler. The endpoint accepts
// POST for token exchange and OPTIONS for CORS preflight; allowed origins
// are mirrored per provider from its redirect URIs.
func TokenHandler(options TokenHandlerOptions) http.HandlerFunc {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	events := options.Events
	if events == nil {
		events = server.NewLogEventSink(options.Logger)
	}
	limiter := options.RateLimit
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Every(15*time.Minute/50), 50)
	}

	endpoint := &tokenEndpoint{
		providers: options.Providers,
		codes:     options.Codes,
		tokens:    options.Tokens,
		validator: server.NewGrantValidator(server.GrantValidatorOptions{
			Codes:        options.Codes,
			Tokens:       options.Tokens,
			Users:        options.Users,
			Applications: options.Applications,
			AppPasswords: options.AppPasswords,
			Policy:       options.Policy,
			Events:       events,
			Logger:       logger,
		}),
		minter: server.NewTokenMinter(options.Keys),
		events: events,
		logger: logger,
		tracer: otel.Tracer("trpc.group/trpc-go/trpc-oauth-go/internal/auth/server/handler"),
	}

	chain := middleware.AllowedMethods([]string{http.MethodPost, http.MethodOptions})(
		middleware.RateLimitMiddleware(limiter)(
			http.HandlerFunc(endpoint.handle),
		),
	)
	return chain.ServeHTTP
}

func (e *tokenEndpoint) handle(w http.ResponseWriter, r *http.Request) {
	// Token responses must never be cached (RFC 6749 §5.1).
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")

	if r.Method == http.MethodOptions {
		e.handlePreflight(w, r)
		return
	}

	if err := r.ParseForm(); err != nil {
		e.writeError(w, oautherrors.NewTokenError(oautherrors.ErrInvalidRequest, "malformed form body"))
		return
	}

	creds := server.ExtractClientCredentials(r)
	clientID := creds.ClientID
	if clientID == "" {
		// RFC 7523 clients may identify themselves only through the
		// assertion; peek at its claims before any verification.
		clientID = peekAssertionClientID(r.PostFormValue("client_assertion"))
		creds.ClientID = clientID
	}

	ctx := r.Context()
	provider, err := e.providers.GetByClientID(ctx, clientID)
	if err != nil {
		e.logger.Warn("token request for unknown client", zap.String("client_id", clientID))
		e.writeError(w, oautherrors.NewTokenError(oautherrors.ErrInvalidClient, "invalid client identifier"))
		return
	}
	middleware.CorsAllow(w, r, provider.RedirectOrigins())

	params, err := e.parse(ctx, r, provider, creds)
	if err != nil {
		e.writeError(w, err)
		return
	}

	resp, err := e.respond(ctx, r, params)
	if err != nil {
		e.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// handlePreflight resolves the provider from the client_id query parameter
// so preflight responses carry the same mirrored origins as the POST.
func (e *tokenEndpoint) handlePreflight(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID != "" {
		if provider, err := e.providers.GetByClientID(r.Context(), clientID); err == nil {
			middleware.CorsAllow(w, r, provider.RedirectOrigins())
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("{}"))
}

func (e *tokenEndpoint) parse(ctx context.Context, r *http.Request, provider *auth.Provider, creds server.ClientCredentials) (*server.TokenParams, error) {
	ctx, span := e.tracer.Start(ctx, "oauth.token.parse", trace.WithAttributes(
		attribute.String("oauth.client_id", provider.ClientID),
		attribute.String("oauth.grant_type", r.PostFormValue("grant_type")),
	))
	defer span.End()
	return e.validator.Parse(ctx, r, provider, creds)
}

func (e *tokenEndpoint) respond(ctx context.Context, r *http.Request, params *server.TokenParams) (*tokenResponse, error) {
	ctx, span := e.tracer.Start(ctx, "oauth.token.response", trace.WithAttributes(
		attribute.String("oauth.grant_type", params.GrantType),
	))
	defer span.End()

	switch params.GrantType {
	case auth.GrantTypeAuthorizationCode:
		return e.createCodeResponse(ctx, params)
	case auth.GrantTypeRefreshToken:
		return e.createRefreshResponse(ctx, r, params)
	case auth.GrantTypeClientCredentials, auth.GrantTypePassword:
		return e.createClientCredentialsResponse(ctx, params)
	default:
		return nil, oautherrors.NewTokenError(oautherrors.ErrUnsupportedGrantType, "")
	}
}

func (e *tokenEndpoint) createCodeResponse(ctx context.Context, params *server.TokenParams) (*tokenResponse, error) {
	code := params.AuthorizationCode
	token, err := e.minter.Mint(ctx, params.Provider, code.User, code.Scope)
	if err != nil {
		return nil, err
	}
	if code.IsOpenID {
		token.IDToken = e.minter.CreateIDToken(params.Provider, token, code.Nonce)
	}

	// A code is redeemed exactly once: consuming it is the atomic step, so
	// a concurrent duplicate fails here before any token is persisted.
	if err := e.codes.Consume(ctx, code.Code); err != nil {
		return nil, oautherrors.NewTokenError(oautherrors.ErrInvalidGrant, "authorization code is invalid")
	}
	if err := e.tokens.Save(ctx, token); err != nil {
		return nil, err
	}
	return e.buildResponse(ctx, params, token, true)
}

func (e *tokenEndpoint) createRefreshResponse(ctx context.Context, r *http.Request, params *server.TokenParams) (*tokenResponse, error) {
	prev := params.RefreshToken
	for _, s := range params.Scope {
		if !prev.HasScope(s) {
			return nil, oautherrors.NewTokenError(oautherrors.ErrInvalidScope, "requested scope exceeds the original grant")
		}
	}

	token, err := e.minter.Mint(ctx, params.Provider, prev.User, params.Scope)
	if err != nil {
		return nil, err
	}
	if prev.IDToken != nil {
		token.IDToken = e.minter.CreateIDToken(params.Provider, token, prev.IDToken.Nonce)
	}

	// Rotation: the old token is revoked before the replacement becomes
	// visible. Losing this race means another request already rotated it.
	if err := e.tokens.Revoke(ctx, prev.RefreshToken); err != nil {
		if errors.Is(err, server.ErrAlreadyRevoked) {
			e.events.Emit(ctx, server.NewEvent(server.EventSuspiciousRequest, "Refresh token was rotated concurrently").
				FromRequest(r).
				WithUser(prev.User.Username).
				With("provider", params.Provider.Name))
			return nil, oautherrors.NewTokenError(oautherrors.ErrInvalidGrant, "refresh token is invalid")
		}
		return nil, err
	}
	if err := e.tokens.Save(ctx, token); err != nil {
		return nil, err
	}
	return e.buildResponse(ctx, params, token, true)
}

func (e *tokenEndpoint) createClientCredentialsResponse(ctx context.Context, params *server.TokenParams) (*tokenResponse, error) {
	token, err := e.minter.Mint(ctx, params.Provider, params.User, params.Scope)
	if err != nil {
		return nil, err
	}
	token.IDToken = e.minter.CreateIDToken(params.Provider, token, "")
	if err := e.tokens.Save(ctx, token); err != nil {
		return nil, err
	}
	// No refresh token on machine-to-machine grants: the client can always
	// authenticate again.
	return e.buildResponse(ctx, params, token, false)
}

func (e *tokenEndpoint) buildResponse(ctx context.Context, params *server.TokenParams, token *auth.RefreshToken, includeRefresh bool) (*tokenResponse, error) {
	validity, err := e.minter.Validity(params.Provider)
	if err != nil {
		return nil, err
	}
	resp := &tokenResponse{
		AccessToken: token.AccessToken,
		TokenType:   "bearer",
		ExpiresIn:   int64(validity.Seconds()),
	}
	if includeRefresh {
		resp.RefreshToken = token.RefreshToken
	}
	if token.IDToken != nil {
		raw, err := e.minter.Encode(ctx, params.Provider, token.IDToken.Claims())
		if err != nil {
			return nil, err
		}
		resp.IDToken = raw
	}
	return resp, nil
}

func (e *tokenEndpoint) writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")

	var tokenErr *oautherrors.TokenError
	if errors.As(err, &tokenErr) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(tokenErr.Response())
		return
	}
	var userErr *oautherrors.UserAuthError
	if errors.As(err, &userErr) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(userErr.Response())
		return
	}

	e.logger.Error("token request failed", zap.Error(err))
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(oautherrors.NewOAuthError(oautherrors.ErrServerError, "", "").ToResponseStruct())
}

// peekAssertionClientID extracts a client identifier from an unverified
// assertion. The signature is checked later, against keys configured on the
// provider this lookup resolves.
func peekAssertionClientID(assertion string) string {
	if assertion == "" {
		return ""
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(assertion, claims); err != nil {
		return ""
	}
	if iss, err := claims.GetIssuer(); err == nil && iss != "" {
		return iss
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub
	}
	return ""
}
