// Tencent is pleased to support the open source community by making trpc-oauth-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-oauth-go is licensed under the Apache License Version 2.0.

package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"

	"trpc.group/trpc-go/trpc-oauth-go/internal/auth"
	"trpc.group/trpc-go/trpc-oauth-go/internal/auth/pkce"
	oautherrors "trpc.group/trpc-go/trpc-oauth-go/internal/errors"
)

// TokenParams is the validated state of a token request: the raw parameters
// plus the records the grant resolved to.
type TokenParams struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	GrantType    string
	State        string
	Scope        []string
	// CodeVerifier is nil when the parameter was absent, distinguishing an
	// omitted verifier from an empty one.
	CodeVerifier *string

	Provider          *auth.Provider
	AuthorizationCode *auth.AuthorizationCode
	RefreshToken      *auth.RefreshToken
	User              *auth.User
	App               *auth.Application
	Assertion         *AssertionResult
}

type authorizationCodeRequest struct {
	Code string `form:"code" validate:"required"`
}

type refreshTokenRequest struct {
	RefreshToken string `form:"refresh_token" validate:"required"`
}

type userCredentialsRequest struct {
	Username string `form:"username" validate:"required"`
	Password string `form:"password" validate:"required"`
}

// GrantValidatorOptions wires the stores and engines the validator needs.
type GrantValidatorOptions struct {
	Codes        CodeStore
	Tokens       TokenStore
	Users        UserStore
	Applications ApplicationStore
	AppPasswords AppPasswordStore
	Policy       PolicyEngine
	Events       EventSink
	Logger       *zap.Logger
}

// GrantValidator parses and validates token requests per grant type. A
// successful Parse returns TokenParams ready for a response builder; a
// failure returns a TokenError or UserAuthError for the endpoint to encode.
type GrantValidator struct {
	codes         CodeStore
	tokens        TokenStore
	users         UserStore
	apps          ApplicationStore
	passwords     AppPasswordStore
	policy        PolicyEngine
	events        EventSink
	assertions    *AssertionVerifier
	redirectRegex *ttlcache.Cache[string, *regexp.Regexp]
	validate      *validator.Validate
	logger        *zap.Logger
	now           func() time.Time
}

// NewGrantValidator creates a grant validator.
func NewGrantValidator(opts GrantValidatorOptions) *GrantValidator {
	if opts.Policy == nil {
		opts.Policy = AllowAllPolicy()
	}
	if opts.Events == nil {
		opts.Events = NewLogEventSink(opts.Logger)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &GrantValidator{
		codes:      opts.Codes,
		tokens:     opts.Tokens,
		users:      opts.Users,
		apps:       opts.Applications,
		passwords:  opts.AppPasswords,
		policy:     opts.Policy,
		events:     opts.Events,
		assertions: NewAssertionVerifier(opts.Applications, opts.Users, opts.Policy, opts.Events, opts.Logger),
		redirectRegex: ttlcache.New[string, *regexp.Regexp](
			ttlcache.WithTTL[string, *regexp.Regexp](time.Hour),
			ttlcache.WithCapacity[string, *regexp.Regexp](512),
		),
		validate: validator.New(),
		logger:   opts.Logger,
		now:      time.Now,
	}
}

// Parse validates a POST token request against the resolved provider and
// returns the grant state. The caller has already parsed the form and
// resolved the provider from the presented client_id.
func (g *GrantValidator) Parse(ctx context.Context, r *http.Request, provider *auth.Provider, creds ClientCredentials) (*TokenParams, error) {
	params := &TokenParams{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURI:  strings.ToLower(r.PostFormValue("redirect_uri")),
		GrantType:    r.PostFormValue("grant_type"),
		State:        r.PostFormValue("state"),
		Provider:     provider,
	}
	if scope := r.PostFormValue("scope"); scope != "" {
		params.Scope = strings.Fields(scope)
	}
	if _, ok := r.PostForm["code_verifier"]; ok {
		verifier := r.PostFormValue("code_verifier")
		params.CodeVerifier = &verifier
	}

	// Confidential clients prove possession of the secret on the
	// redirect-bound grants. client_credentials carries its own credential.
	if params.GrantType == auth.GrantTypeAuthorizationCode || params.GrantType == auth.GrantTypeRefreshToken {
		if provider.ClientType == auth.ClientTypeConfidential {
			if subtle.ConstantTimeCompare([]byte(params.ClientSecret), []byte(provider.ClientSecret)) != 1 {
				g.logger.Warn("invalid client secret", zap.String("client_id", provider.ClientID))
				return nil, oautherrors.NewTokenError(oautherrors.ErrInvalidClient, "invalid client credentials")
			}
		}
	}

	switch params.GrantType {
	case auth.GrantTypeAuthorizationCode:
		if err := g.validateCode(ctx, r, params); err != nil {
			return nil, err
		}
	case auth.GrantTypeRefreshToken:
		if err := g.validateRefresh(ctx, r, params); err != nil {
			return nil, err
		}
	case auth.GrantTypeClientCredentials, auth.GrantTypePassword:
		if err := g.validateClientCredentials(ctx, r, params); err != nil {
			return nil, err
		}
	default:
		g.logger.Warn("invalid grant type", zap.String("grant_type", params.GrantType))
		return nil, oautherrors.NewTokenError(oautherrors.ErrUnsupportedGrantType, "")
	}
	return params, nil
}

func (g *GrantValidator) validateCode(ctx context.Context, r *http.Request, params *TokenParams) error {
	req := authorizationCodeRequest{Code: r.PostFormValue("code")}
	if err := g.validate.Struct(req); err != nil {
		return oautherrors.NewTokenError(oautherrors.ErrInvalidGrant, "code is required")
	}

	if err := g.checkRedirectURI(ctx, r, params); err != nil {
		return err
	}

	code, err := g.codes.Get(ctx, req.Code)
	if err != nil {
		return oautherrors.NewTokenError(oautherrors.ErrInvalidGrant, "authorization code is invalid")
	}
	if code.ClientID != params.Provider.ClientID {
		return oautherrors.NewTokenError(oautherrors.ErrInvalidGrant, "authorization code is invalid")
	}
	if code.IsExpired(g.now()) {
		return oautherrors.NewTokenError(oautherrors.ErrInvalidGrant, "authorization code is expired")
	}

	if code.CodeChallenge != "" {
		if params.CodeVerifier == nil {
			return oautherrors.NewTokenError(oautherrors.ErrInvalidGrant, "code_verifier is required")
		}
		if !pkce.VerifyChallenge(code.CodeChallengeMethod, *params.CodeVerifier, code.CodeChallenge) {
			return oautherrors.NewTokenError(oautherrors.ErrInvalidGrant, "code_verifier does not match the challenge")
		}
	} else if params.CodeVerifier != nil {
		return oautherrors.NewTokenError(oautherrors.ErrInvalidGrant, "code_verifier was not expected")
	}

	params.AuthorizationCode = code
	params.User = code.User
	return nil
}

// checkRedirectURI requires the presented redirect_uri to fully match one of
// the provider's patterns. A malformed pattern and a non-matching URI both
// raise an operator-facing configuration_error event, since either means the
// provider configuration and the client disagree.
func (g *GrantValidator) checkRedirectURI(ctx context.Context, r *http.Request, params *TokenParams) error {
	for _, pattern := range params.Provider.RedirectURIPatterns() {
		re, err := g.compiledPattern(pattern)
		if err != nil {
			g.logger.Warn("invalid redirect URI pattern",
				zap.String("client_id", params.Provider.ClientID),
				zap.String("pattern", pattern), zap.Error(err))
			g.events.Emit(ctx, NewEvent(EventConfigurationError, "Invalid redirect URI pattern configured on provider").
				FromRequest(r).
				With("provider", params.Provider.Name).
				With("pattern", pattern))
			return oautherrors.NewTokenError(oautherrors.ErrInvalidClient, "invalid redirect URI configuration")
		}
		if re.MatchString(params.RedirectURI) {
			return nil
		}
	}
	g.events.Emit(ctx, NewEvent(EventConfigurationError, "Invalid redirect URI used by provider").
		FromRequest(r).
		With("provider", params.Provider.Name).
		With("redirect_uri", params.RedirectURI))
	return oautherrors.NewTokenError(oautherrors.ErrInvalidClient, "invalid redirect URI")
}

func (g *GrantValidator) compiledPattern(pattern string) (*regexp.Regexp, error) {
	if item := g.redirectRegex.Get(pattern); item != nil {
		return item.Value(), nil
	}
	// Anchored so the pattern must cover the whole URI.
	re, err := regexp.Compile(`\A(?:` + pattern + `)\z`)
	if err != nil {
		return nil, err
	}
	g.redirectRegex.Set(pattern, re, ttlcache.DefaultTTL)
	return re, nil
}

func (g *GrantValidator) validateRefresh(ctx context.Context, r *http.Request, params *TokenParams) error {
	req := refreshTokenRequest{RefreshToken: r.PostFormValue("refresh_token")}
	if err := g.validate.Struct(req); err != nil {
		return oautherrors.NewTokenError(oautherrors.ErrInvalidGrant, "refresh_token is required")
	}

	token, err := g.tokens.Get(ctx, req.RefreshToken, params.Provider.ClientID)
	if err != nil {
		return oautherrors.NewTokenError(oautherrors.ErrInvalidGrant, "refresh token is invalid")
	}
	if token.IsExpired(g.now()) {
		return oautherrors.NewTokenError(oautherrors.ErrInvalidGrant, "refresh token is expired")
	}
	if token.Revoked {
		g.events.Emit(ctx, NewEvent(EventSuspiciousRequest, "Revoked refresh token was used").
			FromRequest(r).
			WithUser(username(token.User)).
			With("provider", params.Provider.Name))
		return oautherrors.NewTokenError(oautherrors.ErrInvalidGrant, "refresh token is invalid")
	}

	// RFC 6749 §6: an omitted scope falls back to the original grant.
	if len(params.Scope) == 0 {
		params.Scope = token.Scope
	}
	params.RefreshToken = token
	params.User = token.User
	return nil
}

func (g *GrantValidator) validateClientCredentials(ctx context.Context, r *http.Request, params *TokenParams) error {
	if assertionType := r.PostFormValue("client_assertion_type"); assertionType != "" {
		return g.validateAssertion(ctx, r, params, assertionType)
	}

	req := userCredentialsRequest{
		Username: r.PostFormValue("username"),
		Password: r.PostFormValue("password"),
	}
	if err := g.validate.Struct(req); err != nil {
		return oautherrors.NewTokenError(oautherrors.ErrInvalidGrant, "username and password are required")
	}

	user, err := g.users.GetByUsername(ctx, req.Username)
	if err != nil {
		return oautherrors.NewTokenError(oautherrors.ErrInvalidGrant, "invalid credentials")
	}
	password, err := g.passwords.LookupActive(ctx, req.Password)
	if err != nil || password.UserUID != user.UID {
		return oautherrors.NewTokenError(oautherrors.ErrInvalidGrant, "invalid credentials")
	}

	app, err := g.apps.GetByClientID(ctx, params.Provider.ClientID)
	if err != nil {
		return oautherrors.NewTokenError(oautherrors.ErrInvalidGrant, "no application bound to client")
	}

	// Engines may return a UserAuthError to deny with 403 instead.
	decision, err := g.policy.Evaluate(ctx, app, user, r, g.policyContext(params))
	if err != nil {
		return err
	}
	if !decision.Passing {
		g.logger.Info("user not authorized for application",
			zap.String("user", user.Username),
			zap.Strings("reasons", decision.Reasons))
		return oautherrors.NewTokenError(oautherrors.ErrInvalidGrant, "")
	}

	params.User = user
	params.App = app
	g.events.Emit(ctx, NewEvent(EventLogin, "authenticated via app password").
		FromRequest(r).
		WithUser(user.Username).
		With("auth_method", "token").
		With("auth_method_args", map[string]any{"identifier": password.Identifier}))
	return nil
}

func (g *GrantValidator) validateAssertion(ctx context.Context, r *http.Request, params *TokenParams, assertionType string) error {
	if assertionType != auth.ClientAssertionTypeJWT {
		return oautherrors.NewTokenError(oautherrors.ErrInvalidGrant, "unsupported client assertion type")
	}
	// Some clients send the assertion as client_secret.
	assertion := r.PostFormValue("client_assertion")
	if assertion == "" {
		assertion = params.ClientSecret
	}
	if assertion == "" {
		return oautherrors.NewTokenError(oautherrors.ErrInvalidGrant, "client assertion is required")
	}

	result, err := g.assertions.Verify(ctx, r, params.Provider, assertion, g.policyContext(params))
	if err != nil {
		return err
	}
	params.User = result.User
	params.App = result.App
	params.Assertion = result
	return nil
}

func (g *GrantValidator) policyContext(params *TokenParams) map[string]any {
	policyCtx := map[string]any{
		"oauth_scopes":     params.Scope,
		"oauth_grant_type": params.GrantType,
	}
	if params.CodeVerifier != nil {
		policyCtx["oauth_code_verifier"] = *params.CodeVerifier
	}
	return policyCtx
}

func username(u *auth.User) string {
	if u == nil {
		return ""
	}
	return u.Username
}
