// Tencent is pleased to support the open source community by making trpc-oauth-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-oauth-go is licensed under the Apache License Version 2.0.

package errors

import (
	"errors"
)

// OAuthErrorCode represents an OAuth 2.0 error code
type OAuthErrorCode error

// OAuthError represents a structured OAuth 2.0 error
type OAuthError struct {
	ErrorCode string
	Message   string
	ErrorURI  string
}

// OAuthErrorResponse represents the JSON response for OAuth errors
type OAuthErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	ErrorURI         string `json:"error_uri,omitempty"`
}

// Standard OAuth error codes surfaced by the token endpoint (RFC 6749 §5.2)
var (
	ErrInvalidRequest       OAuthErrorCode = errors.New("invalid_request")
	ErrInvalidClient        OAuthErrorCode = errors.New("invalid_client")
	ErrInvalidGrant         OAuthErrorCode = errors.New("invalid_grant")
	ErrUnauthorizedClient   OAuthErrorCode = errors.New("unauthorized_client")
	ErrUnsupportedGrantType OAuthErrorCode = errors.New("unsupported_grant_type")
	ErrInvalidScope         OAuthErrorCode = errors.New("invalid_scope")
	ErrAccessDenied         OAuthErrorCode = errors.New("access_denied")
	ErrServerError          OAuthErrorCode = errors.New("server_error")
	ErrTooManyRequests      OAuthErrorCode = errors.New("too_many_requests")
	ErrMethodNotAllowed     OAuthErrorCode = errors.New("method_not_allowed")
)

// OAuthErrorMapping maps error strings to their corresponding OAuthErrorCode
// This replaces the need for large switch statements when parsing error responses
var OAuthErrorMapping = map[string]OAuthErrorCode{
	"invalid_request":        ErrInvalidRequest,
	"invalid_client":         ErrInvalidClient,
	"invalid_grant":          ErrInvalidGrant,
	"unauthorized_client":    ErrUnauthorizedClient,
	"unsupported_grant_type": ErrUnsupportedGrantType,
	"invalid_scope":          ErrInvalidScope,
	"access_denied":          ErrAccessDenied,
	"server_error":           ErrServerError,
	"too_many_requests":      ErrTooManyRequests,
	"method_not_allowed":     ErrMethodNotAllowed,
}

// NewOAuthError creates a new OAuthError
func NewOAuthError(errCode OAuthErrorCode, message string, uri string) OAuthError {
	err := OAuthError{
		ErrorCode: errCode.Error(),
	}
	if uri != "" {
		err.ErrorURI = uri
	}
	if message != "" {
		err.Message = message
	}
	return err
}

// ToResponseStruct converts OAuthError into OAuthErrorResponse for JSON encoding
func (o OAuthError) ToResponseStruct() *OAuthErrorResponse {
	return &OAuthErrorResponse{
		Error:            o.ErrorCode,
		ErrorDescription: o.Message,
		ErrorURI:         o.ErrorURI,
	}
}

// Error implements the error interface
func (o OAuthError) Error() string {
	return o.ErrorCode
}

// TokenError is a grant processing failure carrying one of the RFC 6749 error
// codes. It converts to an HTTP 400 response at the endpoint boundary; only
// the coarse code and an optional description cross that boundary.
type TokenError struct {
	Code        OAuthErrorCode
	Description string
}

// NewTokenError creates a TokenError with the given code and description
func NewTokenError(code OAuthErrorCode, description string) *TokenError {
	return &TokenError{Code: code, Description: description}
}

// Error implements the error interface
func (e *TokenError) Error() string {
	return e.Code.Error()
}

// Response returns the JSON body for this error
func (e *TokenError) Response() *OAuthErrorResponse {
	return NewOAuthError(e.Code, e.Description, "").ToResponseStruct()
}

// UserAuthError is an end-user authentication failure. Unlike TokenError it
// converts to an HTTP 403 response at the endpoint boundary.
type UserAuthError struct {
	Description string
}

// Error implements the error interface
func (e *UserAuthError) Error() string {
	return ErrAccessDenied.Error()
}

// Response returns the JSON body for this error
func (e *UserAuthError) Response() *OAuthErrorResponse {
	return NewOAuthError(ErrAccessDenied, e.Description, "").ToResponseStruct()
}
