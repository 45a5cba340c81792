// Tencent is pleased to support the open source community by making trpc-oauth-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-oauth-go is licensed under the Apache License Version 2.0.

// Package pkce implements PKCE challenge computation and verification
// (RFC 7636).
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// ComputeChallenge derives the code challenge for a verifier under the given
// method ("S256" or "plain").
func ComputeChallenge(method, verifier string) (string, error) {
	switch method {
	case "S256":
		sum := sha256.Sum256([]byte(verifier))
		return base64.RawURLEncoding.EncodeToString(sum[:]), nil
	case "plain", "":
		return verifier, nil
	default:
		return "", fmt.Errorf("unsupported code challenge method %q", method)
	}
}

// VerifyChallenge recomputes the challenge from the verifier and compares it
// against the stored challenge in constant time.
func VerifyChallenge(method, verifier, challenge string) bool {
	computed, err := ComputeChallenge(method, verifier)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// GenerateCodeVerifier returns a fresh high-entropy code verifier.
func GenerateCodeVerifier() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate code verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
