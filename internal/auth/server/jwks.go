// Tencent is pleased to support the open source community by making trpc-oauth-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-oauth-go is licensed under the Apache License Version 2.0.

package server

import (
	"context"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// StaticJWKSSource serves a fixed JWKS document, typically pasted into the
// provider configuration.
type StaticJWKSSource struct {
	name string
	set  jwk.Set
}

// NewStaticJWKSSource parses the given JWKS document.
func NewStaticJWKSSource(name string, rawJWKS []byte) (*StaticJWKSSource, error) {
	set, err := jwk.Parse(rawJWKS)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWKS for source %q: %w", name, err)
	}
	return &StaticJWKSSource{name: name, set: set}, nil
}

// NewStaticJWKSSourceFromSet wraps an already-built key set.
func NewStaticJWKSSourceFromSet(name string, set jwk.Set) *StaticJWKSSource {
	return &StaticJWKSSource{name: name, set: set}
}

// Name implements auth.JWKSSource.
func (s *StaticJWKSSource) Name() string { return s.name }

// Keys implements auth.JWKSSource.
func (s *StaticJWKSSource) Keys(context.Context) (jwk.Set, error) {
	return s.set, nil
}

// RemoteJWKSSource fetches keys from a jwks_uri and refreshes them in the
// background.
type RemoteJWKSSource struct {
	name  string
	url   string
	cache *jwk.Cache
}

// NewRemoteJWKSSource registers the URL with a refreshing cache and performs
// an initial fetch. The context bounds the background refresh loop.
func NewRemoteJWKSSource(ctx context.Context, name, url string) (*RemoteJWKSSource, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(url, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL %q: %w", url, err)
	}
	if _, err := cache.Refresh(ctx, url); err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %q: %w", url, err)
	}
	return &RemoteJWKSSource{name: name, url: url, cache: cache}, nil
}

// Name implements auth.JWKSSource.
func (s *RemoteJWKSSource) Name() string { return s.name }

// Keys implements auth.JWKSSource.
func (s *RemoteJWKSSource) Keys(ctx context.Context) (jwk.Set, error) {
	return s.cache.Get(ctx, s.url)
}
