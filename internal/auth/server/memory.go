// Tencent is pleased to support the open source community by making trpc-oauth-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-oauth-go is licensed under the Apache License Version 2.0.

package server

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"

	"trpc.group/trpc-go/trpc-oauth-go/internal/auth"
)

// MemoryProviderStore is an in-memory ProviderStore keyed by client_id.
type MemoryProviderStore struct {
	mu        sync.RWMutex
	providers map[string]*auth.Provider
}

// NewMemoryProviderStore creates an empty provider store.
func NewMemoryProviderStore() *MemoryProviderStore {
	return &MemoryProviderStore{providers: make(map[string]*auth.Provider)}
}

// Add registers a provider.
func (s *MemoryProviderStore) Add(p *auth.Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[p.ClientID] = p
}

// GetByClientID implements ProviderStore.
func (s *MemoryProviderStore) GetByClientID(_ context.Context, clientID string) (*auth.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

// MemoryApplicationStore is an in-memory ApplicationStore keyed by the bound
// provider's client_id.
type MemoryApplicationStore struct {
	mu   sync.RWMutex
	apps map[string]*auth.Application
}

// NewMemoryApplicationStore creates an empty application store.
func NewMemoryApplicationStore() *MemoryApplicationStore {
	return &MemoryApplicationStore{apps: make(map[string]*auth.Application)}
}

// Add registers an application.
func (s *MemoryApplicationStore) Add(app *auth.Application) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apps[app.ClientID] = app
}

// GetByClientID implements ApplicationStore.
func (s *MemoryApplicationStore) GetByClientID(_ context.Context, clientID string) (*auth.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	app, ok := s.apps[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	return app, nil
}

// MemoryCodeStore is an in-memory CodeStore with atomic consumption.
type MemoryCodeStore struct {
	mu    sync.Mutex
	codes map[string]*auth.AuthorizationCode
}

// NewMemoryCodeStore creates an empty code store.
func NewMemoryCodeStore() *MemoryCodeStore {
	return &MemoryCodeStore{codes: make(map[string]*auth.AuthorizationCode)}
}

// Get implements CodeStore.
func (s *MemoryCodeStore) Get(_ context.Context, code string) (*auth.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[code]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *c
	return &copied, nil
}

// Save implements CodeStore.
func (s *MemoryCodeStore) Save(_ context.Context, code *auth.AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code.Code] = code
	return nil
}

// Consume implements CodeStore. Exactly one concurrent caller wins; the rest
// get ErrNotFound.
func (s *MemoryCodeStore) Consume(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.codes[code]; !ok {
		return ErrNotFound
	}
	delete(s.codes, code)
	return nil
}

// MemoryTokenStore is an in-memory TokenStore with compare-and-set
// revocation.
type MemoryTokenStore struct {
	mu     sync.Mutex
	tokens map[string]*auth.RefreshToken
}

// NewMemoryTokenStore creates an empty token store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]*auth.RefreshToken)}
}

// Get implements TokenStore.
func (s *MemoryTokenStore) Get(_ context.Context, refreshToken, clientID string) (*auth.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[refreshToken]
	if !ok || t.ClientID != clientID {
		return nil, ErrNotFound
	}
	copied := *t
	return &copied, nil
}

// Save implements TokenStore.
func (s *MemoryTokenStore) Save(_ context.Context, token *auth.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *token
	s.tokens[token.RefreshToken] = &copied
	return nil
}

// Revoke implements TokenStore. The transition from active to revoked
// happens at most once per token.
func (s *MemoryTokenStore) Revoke(_ context.Context, refreshToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[refreshToken]
	if !ok {
		return ErrNotFound
	}
	if t.Revoked {
		return ErrAlreadyRevoked
	}
	t.Revoked = true
	return nil
}

// MemoryUserStore is an in-memory UserStore keyed by username.
type MemoryUserStore struct {
	mu      sync.Mutex
	users   map[string]*auth.User
	nextUID int
}

// NewMemoryUserStore creates an empty user store.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{users: make(map[string]*auth.User)}
}

// Add registers a user.
func (s *MemoryUserStore) Add(u *auth.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.Username] = u
}

// GetByUsername implements UserStore.
func (s *MemoryUserStore) GetByUsername(_ context.Context, username string) (*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	if !ok {
		return nil, ErrNotFound
	}
	return u, nil
}

// Upsert implements UserStore.
func (s *MemoryUserStore) Upsert(_ context.Context, user *auth.User) (*auth.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.users[user.Username]
	if !ok {
		if user.UID == "" {
			user.UID = "user-" + user.Username
		}
		s.users[user.Username] = user
		return user, true, nil
	}
	existing.Name = user.Name
	existing.LastLogin = user.LastLogin
	for k, v := range user.Attributes {
		existing.SetAttribute(k, v)
	}
	return existing, false, nil
}

// Save implements UserStore.
func (s *MemoryUserStore) Save(_ context.Context, user *auth.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.Username] = user
	return nil
}

// MemoryAppPasswordStore is an in-memory AppPasswordStore.
type MemoryAppPasswordStore struct {
	mu        sync.RWMutex
	passwords []*auth.AppPassword
	now       func() time.Time
}

// NewMemoryAppPasswordStore creates an empty app password store.
func NewMemoryAppPasswordStore() *MemoryAppPasswordStore {
	return &MemoryAppPasswordStore{now: time.Now}
}

// Add registers an app password.
func (s *MemoryAppPasswordStore) Add(p *auth.AppPassword) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passwords = append(s.passwords, p)
}

// LookupActive implements AppPasswordStore. The key comparison is constant
// time per candidate.
func (s *MemoryAppPasswordStore) LookupActive(_ context.Context, key string) (*auth.AppPassword, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	for _, p := range s.passwords {
		if subtle.ConstantTimeCompare([]byte(p.Key), []byte(key)) == 1 && !p.IsExpired(now) {
			return p, nil
		}
	}
	return nil, ErrNotFound
}

// RecordingEventSink collects events in memory, for tests and embedders that
// forward events elsewhere.
type RecordingEventSink struct {
	mu     sync.Mutex
	events []*Event
}

// Emit implements EventSink.
func (s *RecordingEventSink) Emit(_ context.Context, event *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

// Events returns a snapshot of the recorded events.
func (s *RecordingEventSink) Events() []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Event, len(s.events))
	copy(out, s.events)
	return out
}

// ByAction returns recorded events matching the given action.
func (s *RecordingEventSink) ByAction(action EventAction) []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Event
	for _, e := range s.events {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}
