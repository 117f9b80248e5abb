// SPDX-FileCopyrightText: Copyright 2025 Quillsign, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package v1 contains the request handlers of the signing service.
package v1

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/quillsign/quill/pkg/api/response"
	"github.com/quillsign/quill/pkg/api/scheduler"
	"github.com/quillsign/quill/pkg/audit"
	"github.com/quillsign/quill/pkg/auth/oidc"
	"github.com/quillsign/quill/pkg/errors"
	"github.com/quillsign/quill/pkg/keystore"
	"github.com/quillsign/quill/pkg/logger"
	"github.com/quillsign/quill/pkg/ratelimit"
	"github.com/quillsign/quill/pkg/signer"
)

// maxSignBodySize caps the payload a caller may submit for signing.
const maxSignBodySize = 10 << 20 // 10 MiB

// timeNow is replaceable in tests.
var timeNow = time.Now

// SignDeps are the dependencies of the signing endpoint.
type SignDeps struct {
	Limiter   ratelimit.Limiter
	Keys      keystore.Store
	Signer    *signer.Signer
	Audit     audit.Store
	Scheduler scheduler.Scheduler

	// DefaultKeyID is used when the request names no key.
	DefaultKeyID string

	// Passphrase decrypts stored private keys.
	Passphrase string
}

// SignRoutes handles signing requests.
type SignRoutes struct {
	deps *SignDeps
}

// SignRouter creates the router for the signing endpoint.
func SignRouter(deps *SignDeps) http.Handler {
	routes := SignRoutes{deps: deps}
	r := chi.NewRouter()
	r.Post("/", routes.sign)
	return r
}

// sign signs the request body with the requested key and returns the
// detached armored signature.
//
//	POST /sign?keyId=<16-hex>
func (s *SignRoutes) sign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := oidc.IdentityFromContext(ctx)
	if identity == nil {
		// Unreachable behind the auth middleware.
		response.WriteError(w, r, errors.NewAuthMissing("Missing bearer token"))
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxSignBodySize+1))
	if err != nil {
		response.WriteError(w, r, errors.NewInvalidRequest("Failed to read request body", err))
		return
	}
	if len(data) == 0 {
		response.WriteError(w, r, errors.NewInvalidRequest("Request body must not be empty", nil))
		return
	}
	if len(data) > maxSignBodySize {
		response.WriteError(w, r, errors.NewInvalidRequest("Request body too large", nil))
		return
	}

	keyID, err := s.resolveKeyID(r)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}

	// The bucket consume and the key fetch are both Redis round trips with
	// no ordering dependency, so they run in parallel. Errors are captured
	// per leg; the group only propagates cancellation.
	var (
		limit ratelimit.Result
		key   *keystore.StoredKey

		limitErr, keyErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		limit, limitErr = s.deps.Limiter.Consume(gctx, identity.Key())
		return nil
	})
	g.Go(func() error {
		key, keyErr = s.deps.Keys.Get(gctx, keyID)
		return nil
	})
	_ = g.Wait()

	// Limiter failure denies the request outright. A signature must never
	// be produced while the rate limit cannot be enforced.
	if limitErr != nil {
		logger.Errorw("rate limiter unavailable",
			"requestId", response.RequestID(ctx), "error", limitErr)
		response.WriteError(w, r, errors.NewRateLimitUnavailable(limitErr))
		return
	}
	if !limit.Allowed {
		setRateLimitHeaders(w, limit)
		response.WriteError(w, r, errors.NewRateLimited(limit.RetryAfter(timeNow())))
		return
	}

	if keyErr != nil {
		if stderrors.Is(keyErr, keystore.ErrNotFound) {
			response.WriteError(w, r, errors.NewKeyNotFound(
				fmt.Sprintf("Signing key %s not found", keyID), keyErr))
			return
		}
		response.WriteError(w, r, errors.NewInternal("Failed to load signing key", keyErr))
		return
	}

	sig, err := s.deps.Signer.Sign(ctx, data, key, s.deps.Passphrase)
	if err != nil {
		s.auditSign(ctx, identity, keyID, false, errors.CodeOf(err))
		response.WriteError(w, r, err)
		return
	}

	s.auditSign(ctx, identity, keyID, true, "")

	setRateLimitHeaders(w, limit)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(sig.Armored))
}

// resolveKeyID picks the key named in the query, else the configured
// default, and normalizes it.
func (s *SignRoutes) resolveKeyID(r *http.Request) (string, error) {
	keyID := r.URL.Query().Get("keyId")
	if keyID == "" {
		keyID = s.deps.DefaultKeyID
	}
	if keyID == "" {
		return "", errors.NewInvalidRequest("No key ID requested and no default key configured", nil)
	}
	normalized, err := keystore.NormalizeKeyID(keyID)
	if err != nil {
		return "", errors.NewInvalidRequest("Invalid key ID format", err)
	}
	return normalized, nil
}

// auditSign records the signing attempt off the request path. Audit
// failures are logged and swallowed.
func (s *SignRoutes) auditSign(ctx context.Context, identity *oidc.Identity, keyID string, success bool, code errors.Code) {
	record := &audit.Record{
		RequestID: response.RequestID(ctx),
		Action:    audit.ActionSign,
		Issuer:    identity.Issuer,
		Subject:   identity.Subject,
		KeyID:     keyID,
		Success:   success,
		ErrorCode: string(code),
	}
	s.deps.Scheduler.Schedule(ctx, "audit sign", func(taskCtx context.Context) {
		if err := s.deps.Audit.Insert(taskCtx, record); err != nil {
			logger.Errorw("failed to write audit record",
				"requestId", record.RequestID, "action", record.Action, "error", err)
		}
	})
}

// setRateLimitHeaders reports the caller's remaining budget.
func setRateLimitHeaders(w http.ResponseWriter, limit ratelimit.Result) {
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(limit.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(limit.ResetAt.Unix(), 10))
}
