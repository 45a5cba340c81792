// Tencent is pleased to support the open source community by making trpc-oauth-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-oauth-go is licensed under the Apache License Version 2.0.

package server

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jellydator/ttlcache/v3"

	"trpc.group/trpc-go/trpc-oauth-go/internal/auth"
)

// KeyStore resolves the signing key material for a provider. Implementations
// may load keys from disk, a database or a KMS.
type KeyStore interface {
	SigningKey(ctx context.Context, clientID string) (crypto.PrivateKey, error)
}

// StaticKeyStore is a KeyStore backed by a fixed map of keys.
type StaticKeyStore struct {
	mu   sync.RWMutex
	keys map[string]crypto.PrivateKey
}

// NewStaticKeyStore creates an empty static key store.
func NewStaticKeyStore() *StaticKeyStore {
	return &StaticKeyStore{keys: make(map[string]crypto.PrivateKey)}
}

// Add registers the signing key for a client_id.
func (s *StaticKeyStore) Add(clientID string, key crypto.PrivateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[clientID] = key
}

// SigningKey implements KeyStore.
func (s *StaticKeyStore) SigningKey(_ context.Context, clientID string) (crypto.PrivateKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[clientID]
	if !ok {
		return nil, fmt.Errorf("no signing key for client %q: %w", clientID, ErrNotFound)
	}
	return key, nil
}

// TokenMinter mints access/refresh token pairs and signs ID tokens.
type TokenMinter struct {
	keys     KeyStore
	keyCache *ttlcache.Cache[string, crypto.PrivateKey]
	now      func() time.Time
}

// NewTokenMinter creates a minter backed by the given key store. Resolved
// keys are cached briefly to keep KMS-backed stores off the hot path.
func NewTokenMinter(keys KeyStore) *TokenMinter {
	return &TokenMinter{
		keys: keys,
		keyCache: ttlcache.New[string, crypto.PrivateKey](
			ttlcache.WithTTL[string, crypto.PrivateKey](5*time.Minute),
			ttlcache.WithCapacity[string, crypto.PrivateKey](256),
		),
		now: time.Now,
	}
}

// Validity returns the configured token lifetime of the provider.
func (m *TokenMinter) Validity(p *auth.Provider) (time.Duration, error) {
	d, err := auth.ParseTimedelta(p.TokenValidity)
	if err != nil {
		return 0, fmt.Errorf("provider %q has invalid token_validity: %w", p.ClientID, err)
	}
	return d, nil
}

// Mint creates a fresh access/refresh token pair for the given user and
// scope. The pair is not persisted; callers save it through a TokenStore.
func (m *TokenMinter) Mint(_ context.Context, p *auth.Provider, user *auth.User, scope []string) (*auth.RefreshToken, error) {
	validity, err := m.Validity(p)
	if err != nil {
		return nil, err
	}
	access, err := randomToken()
	if err != nil {
		return nil, err
	}
	refresh, err := randomToken()
	if err != nil {
		return nil, err
	}
	return &auth.RefreshToken{
		RefreshToken: refresh,
		AccessToken:  access,
		ClientID:     p.ClientID,
		User:         user,
		Scope:        scope,
		AtHash:       AccessTokenHash(access),
		ExpiresAt:    m.now().Add(validity),
	}, nil
}

// CreateIDToken builds the ID token claims for a minted pair, binding it to
// the access token through at_hash.
func (m *TokenMinter) CreateIDToken(p *auth.Provider, token *auth.RefreshToken, nonce string) *auth.IDToken {
	now := m.now()
	return &auth.IDToken{
		Issuer:    p.Issuer,
		Subject:   token.User.UID,
		Audience:  p.ClientID,
		ExpiresAt: token.ExpiresAt.Unix(),
		IssuedAt:  now.Unix(),
		Nonce:     nonce,
		AtHash:    token.AtHash,
	}
}

// Encode signs the given claims with the provider's key and algorithm.
func (m *TokenMinter) Encode(ctx context.Context, p *auth.Provider, claims map[string]any) (string, error) {
	method := jwt.GetSigningMethod(p.SigningAlg)
	if method == nil {
		return "", fmt.Errorf("provider %q has unsupported signing algorithm %q", p.ClientID, p.SigningAlg)
	}
	key, err := m.signingKey(ctx, p)
	if err != nil {
		return "", err
	}
	token := jwt.NewWithClaims(method, jwt.MapClaims(claims))
	if p.SigningKeyID != "" {
		token.Header["kid"] = p.SigningKeyID
	}
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign id_token for client %q: %w", p.ClientID, err)
	}
	return signed, nil
}

func (m *TokenMinter) signingKey(ctx context.Context, p *auth.Provider) (crypto.PrivateKey, error) {
	if item := m.keyCache.Get(p.ClientID); item != nil {
		return item.Value(), nil
	}
	key, err := m.keys.SigningKey(ctx, p.ClientID)
	if err != nil {
		return nil, err
	}
	m.keyCache.Set(p.ClientID, key, ttlcache.DefaultTTL)
	return key, nil
}

// AccessTokenHash computes the OIDC at_hash for an access token: the
// base64url encoding, without padding, of the left half of its SHA-256
// digest.
func AccessTokenHash(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
