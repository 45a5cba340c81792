// Tencent is pleased to support the open source community by making trpc-oauth-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-oauth-go is licensed under the Apache License Version 2.0.

package server

import (
	"context"
	"net/http"

	"trpc.group/trpc-go/trpc-oauth-go/internal/auth"
)

// PolicyResult is the outcome of a policy evaluation.
type PolicyResult struct {
	Passing bool
	// Reasons are operator-facing denial messages. They are logged and
	// audited but never returned to the client.
	Reasons []string
}

// PolicyEngine decides whether a user may obtain tokens for an application.
// The context map carries grant details (scopes, grant type, assertion
// claims) for policy expressions to inspect.
type PolicyEngine interface {
	Evaluate(ctx context.Context, app *auth.Application, user *auth.User, r *http.Request, policyCtx map[string]any) (PolicyResult, error)
}

// PolicyFunc adapts a function to the PolicyEngine interface.
type PolicyFunc func(ctx context.Context, app *auth.Application, user *auth.User, r *http.Request, policyCtx map[string]any) (PolicyResult, error)

// Evaluate implements PolicyEngine.
func (f PolicyFunc) Evaluate(ctx context.Context, app *auth.Application, user *auth.User, r *http.Request, policyCtx map[string]any) (PolicyResult, error) {
	return f(ctx, app, user, r, policyCtx)
}

// AllowAllPolicy passes every evaluation. It is the default when no engine
// is configured.
func AllowAllPolicy() PolicyEngine {
	return PolicyFunc(func(context.Context, *auth.Application, *auth.User, *http.Request, map[string]any) (PolicyResult, error) {
		return PolicyResult{Passing: true}, nil
	})
}
