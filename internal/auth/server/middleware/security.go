// Tencent is pleased to support the open source community by making trpc-oauth-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-oauth-go is licensed under the Apache License Version 2.0.

package middleware

import (
	"encoding/json"
	"net/http"

	"golang.org/x/time/rate"

	"trpc.group/trpc-go/trpc-oauth-go/internal/errors"
)

// RateLimitMiddleware applies a token bucket limiter to incoming requests
// When the limiter denies a request a 429 JSON OAuth error is returned
func RateLimitMiddleware(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Short circuit when the limiter does not allow the request
			if !limiter.Allow() {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)

				tooManyRequestsError := errors.NewOAuthError(
					errors.ErrTooManyRequests,
					"You have exceeded the rate limit for token requests",
					"",
				)
				_ = json.NewEncoder(w).Encode(tooManyRequestsError.ToResponseStruct())
				return
			}

			// Continue to next handler
			next.ServeHTTP(w, r)
		})
	}
}

// CorsAllow mirrors the request Origin onto the response when it is one of
// the allowed origins. The token endpoint derives the allowed set from the
// provider's redirect URIs, so CORS headers differ per client.
// It reports whether the origin was allowed.
func CorsAllow(w http.ResponseWriter, r *http.Request, allowedOrigins []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Not a CORS request so no headers are needed
		return false
	}

	for _, allowed := range allowedOrigins {
		if allowed == origin {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Add("Vary", "Origin")
			return true
		}
	}
	return false
}
