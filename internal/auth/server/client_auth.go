// Tencent is pleased to support the open source community by making trpc-oauth-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-oauth-go is licensed under the Apache License Version 2.0.

package server

import (
	"net/http"
	"net/url"
)

// ClientCredentials are the client_id/client_secret presented on a token
// request, before any verification.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
}

// ExtractClientCredentials pulls client credentials from the request. HTTP
// Basic takes precedence over form parameters; Basic credentials are
// form-urlencoded inside the header (RFC 6749 §2.3.1), so both parts are
// URL-decoded.
func ExtractClientCredentials(r *http.Request) ClientCredentials {
	if id, secret, ok := r.BasicAuth(); ok {
		return ClientCredentials{
			ClientID:     urlDecode(id),
			ClientSecret: urlDecode(secret),
		}
	}
	return ClientCredentials{
		ClientID:     r.PostFormValue("client_id"),
		ClientSecret: r.PostFormValue("client_secret"),
	}
}

func urlDecode(s string) string {
	decoded, err := url.QueryUnescape(s)
	if err != nil {
		return s
	}
	return decoded
}
