// Tencent is pleased to support the open source community by making trpc-oauth-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-oauth-go is licensed under the Apache License Version 2.0.

package server

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventAction classifies audit events emitted by the token endpoint.
type EventAction string

const (
	// EventLogin records a successful non-interactive login on the
	// client_credentials grant.
	EventLogin EventAction = "login"
	// EventSuspiciousRequest records use of a revoked refresh token or a
	// lost rotation race.
	EventSuspiciousRequest EventAction = "suspicious_request"
	// EventConfigurationError records an operator-facing misconfiguration,
	// such as a malformed redirect URI pattern.
	EventConfigurationError EventAction = "configuration_error"
)

// Event is a single audit record.
type Event struct {
	ID        string
	Action    EventAction
	Message   string
	ClientIP  string
	Username  string
	Context   map[string]any
	CreatedAt time.Time
}

// NewEvent creates an audit event with a fresh ID.
func NewEvent(action EventAction, message string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Action:    action,
		Message:   message,
		Context:   map[string]any{},
		CreatedAt: time.Now().UTC(),
	}
}

// With adds a context entry and returns the event for chaining.
func (e *Event) With(key string, value any) *Event {
	e.Context[key] = value
	return e
}

// WithUser attaches the acting username.
func (e *Event) WithUser(username string) *Event {
	e.Username = username
	return e
}

// FromRequest fills request-derived fields such as the client IP.
func (e *Event) FromRequest(r *http.Request) *Event {
	if r == nil {
		return e
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		e.ClientIP = strings.TrimSpace(strings.Split(fwd, ",")[0])
		return e
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		e.ClientIP = host
	} else {
		e.ClientIP = r.RemoteAddr
	}
	return e
}

// EventSink receives audit events.
type EventSink interface {
	Emit(ctx context.Context, event *Event)
}

// EventSinkFunc adapts a function to the EventSink interface.
type EventSinkFunc func(ctx context.Context, event *Event)

// Emit implements EventSink.
func (f EventSinkFunc) Emit(ctx context.Context, event *Event) {
	f(ctx, event)
}

// LogEventSink writes audit events through a zap logger.
type LogEventSink struct {
	logger *zap.Logger
}

// NewLogEventSink creates an event sink backed by the given logger. When
// logger is nil a production logger is created, falling back to the
// development logger.
func NewLogEventSink(logger *zap.Logger) *LogEventSink {
	if logger == nil {
		var err error
		logger, err = zap.NewProduction()
		if err != nil {
			logger = zap.NewExample()
		}
	}
	return &LogEventSink{logger: logger}
}

// Emit implements EventSink.
func (s *LogEventSink) Emit(_ context.Context, event *Event) {
	s.logger.Info("[AUDIT] "+event.Message,
		zap.String("event_id", event.ID),
		zap.String("action", string(event.Action)),
		zap.String("client_ip", event.ClientIP),
		zap.String("username", event.Username),
		zap.Any("context", event.Context),
		zap.Time("created_at", event.CreatedAt),
	)
}
