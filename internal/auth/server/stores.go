// Tencent is pleased to support the open source community by making trpc-oauth-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-oauth-go is licensed under the Apache License Version 2.0.

// Package server implements the core of the OAuth 2.0 / OIDC token endpoint:
// store contracts, the grant validator, the token minter, the assertion
// verifier and the audit event sink.
package server

import (
	"context"
	"errors"

	"trpc.group/trpc-go/trpc-oauth-go/internal/auth"
)

// Sentinel errors returned by store implementations.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyRevoked indicates a revocation lost the race: the token was
	// revoked by an earlier request.
	ErrAlreadyRevoked = errors.New("token already revoked")
)

// ProviderStore resolves provider configurations by client_id.
type ProviderStore interface {
	GetByClientID(ctx context.Context, clientID string) (*auth.Provider, error)
}

// ApplicationStore resolves the application a provider is bound to.
type ApplicationStore interface {
	GetByClientID(ctx context.Context, clientID string) (*auth.Application, error)
}

// CodeStore holds pending authorization codes. Consume must be atomic: of N
// concurrent calls for the same code, exactly one succeeds and the rest
// return ErrNotFound.
type CodeStore interface {
	Get(ctx context.Context, code string) (*auth.AuthorizationCode, error)
	Save(ctx context.Context, code *auth.AuthorizationCode) error
	Consume(ctx context.Context, code string) error
}

// TokenStore persists refresh tokens. Revoke must be a compare-and-set from
// active to revoked: of N concurrent calls for the same token, exactly one
// succeeds and the rest return ErrAlreadyRevoked.
type TokenStore interface {
	// Get returns the token only when it belongs to the given client.
	Get(ctx context.Context, refreshToken, clientID string) (*auth.RefreshToken, error)
	Save(ctx context.Context, token *auth.RefreshToken) error
	Revoke(ctx context.Context, refreshToken string) error
}

// UserStore persists users, including users synthesized from client
// assertions.
type UserStore interface {
	GetByUsername(ctx context.Context, username string) (*auth.User, error)
	// Upsert matches by username. On match it applies the incoming name,
	// attributes and last_login to the stored user; otherwise it creates the
	// user. It returns the stored user and whether it was created.
	Upsert(ctx context.Context, user *auth.User) (*auth.User, bool, error)
	Save(ctx context.Context, user *auth.User) error
}

// AppPasswordStore resolves app passwords by their secret key.
type AppPasswordStore interface {
	// LookupActive returns the unexpired app password matching the given
	// key, or ErrNotFound.
	LookupActive(ctx context.Context, key string) (*auth.AppPassword, error)
}
