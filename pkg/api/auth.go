// SPDX-FileCopyrightText: Copyright 2025 Quillsign, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net"
	"net/http"
	"strings"

	"github.com/quillsign/quill/pkg/api/response"
	"github.com/quillsign/quill/pkg/auth/admin"
	"github.com/quillsign/quill/pkg/auth/oidc"
	"github.com/quillsign/quill/pkg/errors"
	"github.com/quillsign/quill/pkg/logger"
	"github.com/quillsign/quill/pkg/ratelimit"
)

// adminUnauthorizedBody is the single 401 body for every failed admin
// authentication. One byte sequence for all failure modes, so response
// size reveals nothing about the configured token.
const adminUnauthorizedBody = `{"error":"Invalid admin token","code":"AUTH_INVALID"}`

// BearerAuth verifies the OIDC bearer token and attaches the caller
// identity to the request context.
func BearerAuth(verifier *oidc.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawToken, ok := bearerToken(r)
			if !ok {
				response.WriteError(w, r, errors.NewAuthMissing("Missing bearer token"))
				return
			}

			identity, err := verifier.Verify(r.Context(), rawToken)
			if err != nil {
				logger.Debugw("token rejected",
					"requestId", response.RequestID(r.Context()), "error", err)
				response.WriteError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(oidc.WithIdentity(r.Context(), identity)))
		})
	}
}

// AdminAuth rate-limits admin requests per client IP and then checks the
// shared admin token in constant time.
func AdminAuth(checker *admin.Checker, limiter ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// The bucket is consumed before the token check so credential
			// guessing burns the attacker's budget whether or not a token
			// is even presented.
			result, err := limiter.Consume(r.Context(), clientIP(r))
			if err != nil {
				logger.Errorw("admin rate limiter unavailable",
					"requestId", response.RequestID(r.Context()), "error", err)
				response.WriteError(w, r, errors.NewRateLimitUnavailable(err))
				return
			}
			if !result.Allowed {
				response.WriteError(w, r, errors.NewRateLimited(result.RetryAfter(timeNow())))
				return
			}

			presented, _ := bearerToken(r)
			if !checker.Verify(presented) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(adminUnauthorizedBody))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken extracts the credential from the Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return token, true
}

// clientIP returns the remote IP without the port. RealIP runs earlier in
// the chain, so behind a trusted proxy this is the originating address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
