// SPDX-FileCopyrightText: Copyright 2025 Quillsign, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/quillsign/quill/pkg/api/response"
	"github.com/quillsign/quill/pkg/api/scheduler"
	"github.com/quillsign/quill/pkg/audit"
	"github.com/quillsign/quill/pkg/errors"
	"github.com/quillsign/quill/pkg/keystore"
	"github.com/quillsign/quill/pkg/logger"
	"github.com/quillsign/quill/pkg/ratelimit"
	"github.com/quillsign/quill/pkg/signer"
)

// maxUploadBodySize caps the admin upload payload; armored keys are at most
// 10 KB, the rest is envelope.
const maxUploadBodySize = 64 << 10

// AdminDeps are the dependencies of the admin endpoints.
type AdminDeps struct {
	Keys      keystore.Store
	Signer    *signer.Signer
	Audit     audit.Store
	Scheduler scheduler.Scheduler
	Limiter   ratelimit.Limiter

	// Passphrase decrypts uploaded private keys during validation.
	Passphrase string
}

// AdminRoutes handles key management and audit queries.
type AdminRoutes struct {
	deps *AdminDeps
}

// AdminRouter creates the router for the admin API. The caller mounts it
// behind the admin auth middleware.
func AdminRouter(deps *AdminDeps) http.Handler {
	routes := AdminRoutes{deps: deps}
	r := chi.NewRouter()
	r.Post("/keys", routes.uploadKey)
	r.Get("/keys", routes.listKeys)
	r.Get("/keys/{keyID}/public", routes.getPublicKey)
	r.Delete("/keys/{keyID}", routes.deleteKey)
	r.Get("/audit", routes.queryAudit)
	r.Delete("/ratelimit/*", routes.resetRateLimit)
	return r
}

// uploadKeyRequest is the body of POST /admin/keys.
type uploadKeyRequest struct {
	KeyID             string `json:"keyId"`
	ArmoredPrivateKey string `json:"armoredPrivateKey"`
}

// uploadKeyResponse is returned on a successful upload.
type uploadKeyResponse struct {
	Success     bool   `json:"success"`
	KeyID       string `json:"keyId"`
	Fingerprint string `json:"fingerprint"`
	Algorithm   string `json:"algorithm"`
	UserID      string `json:"userId"`
}

// uploadKey validates and stores a private key.
//
//	POST /admin/keys
func (a *AdminRoutes) uploadKey(w http.ResponseWriter, r *http.Request) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		response.WriteError(w, r, errors.New(errors.CodeUnsupportedMediaType,
			"Content-Type must be application/json", err))
		return
	}

	var req uploadKeyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUploadBodySize)).Decode(&req); err != nil {
		response.WriteError(w, r, errors.NewInvalidRequest("Invalid JSON body", err))
		return
	}
	if req.ArmoredPrivateKey == "" {
		response.WriteError(w, r, errors.NewInvalidRequest("armoredPrivateKey is required", nil))
		return
	}
	keyID, err := keystore.NormalizeKeyID(req.KeyID)
	if err != nil {
		response.WriteError(w, r, errors.NewInvalidRequest("Invalid key ID format", err))
		return
	}

	info, err := signer.ParseAndValidate(req.ArmoredPrivateKey, a.deps.Passphrase)
	if err != nil {
		a.auditKey(r.Context(), audit.ActionKeyUpload, keyID, false, errors.CodeInvalidRequest)
		response.WriteError(w, r, errors.NewInvalidRequest("Key material failed validation", err))
		return
	}
	// The key must identify itself as the keyId it is stored under;
	// otherwise /sign would serve signatures attributed to the wrong key.
	if info.KeyID != keyID {
		a.auditKey(r.Context(), audit.ActionKeyUpload, keyID, false, errors.CodeInvalidRequest)
		response.WriteError(w, r, errors.NewInvalidRequest(
			fmt.Sprintf("Key material reports key ID %s, not %s", info.KeyID, keyID), nil))
		return
	}

	stored := &keystore.StoredKey{
		KeyID:             keyID,
		Fingerprint:       info.Fingerprint,
		Algorithm:         info.Algorithm,
		ArmoredPrivateKey: req.ArmoredPrivateKey,
		CreatedAt:         time.Now().UTC().Format(time.RFC3339),
	}
	if err := a.deps.Keys.Put(r.Context(), stored); err != nil {
		a.auditKey(r.Context(), audit.ActionKeyUpload, keyID, false, errors.CodeKeyUpload)
		response.WriteError(w, r, errors.New(errors.CodeKeyUpload, "Failed to store key", err))
		return
	}

	// An overwrite must not keep signing with the previous material.
	a.deps.Signer.InvalidateKey(keyID)
	a.auditKey(r.Context(), audit.ActionKeyUpload, keyID, true, "")

	response.WriteJSON(w, http.StatusCreated, uploadKeyResponse{
		Success:     true,
		KeyID:       keyID,
		Fingerprint: info.Fingerprint,
		Algorithm:   info.Algorithm,
		UserID:      info.UserID,
	})
}

// listKeys returns metadata for every stored key.
//
//	GET /admin/keys
func (a *AdminRoutes) listKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := a.deps.Keys.List(r.Context())
	if err != nil {
		response.WriteError(w, r, errors.New(errors.CodeKeyList, "Failed to list keys", err))
		return
	}
	if keys == nil {
		keys = []keystore.KeyMetadata{}
	}
	response.WriteJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

// getPublicKey returns the armored public half of a stored key.
//
//	GET /admin/keys/{keyID}/public
func (a *AdminRoutes) getPublicKey(w http.ResponseWriter, r *http.Request) {
	keyID, err := keystore.NormalizeKeyID(chi.URLParam(r, "keyID"))
	if err != nil {
		response.WriteError(w, r, errors.NewInvalidRequest("Invalid key ID format", err))
		return
	}

	key, err := a.deps.Keys.Get(r.Context(), keyID)
	if err != nil {
		if stderrors.Is(err, keystore.ErrNotFound) {
			response.WriteError(w, r, errors.NewKeyNotFound(
				fmt.Sprintf("Signing key %s not found", keyID), err))
			return
		}
		response.WriteError(w, r, errors.NewInternal("Failed to load signing key", err))
		return
	}

	public, err := signer.ExtractPublicKey(key.ArmoredPrivateKey)
	if err != nil {
		response.WriteError(w, r, errors.NewKeyProcessing("Failed to extract public key", err))
		return
	}

	w.Header().Set("Content-Type", "application/pgp-keys")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(public))
}

// deleteKey removes a stored key and its cached decrypted form.
//
//	DELETE /admin/keys/{keyID}
func (a *AdminRoutes) deleteKey(w http.ResponseWriter, r *http.Request) {
	keyID, err := keystore.NormalizeKeyID(chi.URLParam(r, "keyID"))
	if err != nil {
		response.WriteError(w, r, errors.NewInvalidRequest("Invalid key ID format", err))
		return
	}

	deleted, err := a.deps.Keys.Delete(r.Context(), keyID)
	if err != nil {
		response.WriteError(w, r, errors.New(errors.CodeKeyDelete, "Failed to delete key", err))
		return
	}
	if deleted {
		a.deps.Signer.InvalidateKey(keyID)
		a.auditKey(r.Context(), audit.ActionKeyRotate, keyID, true, "")
	}

	response.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"deleted": deleted,
	})
}

// queryAudit returns audit records matching the query parameters.
//
//	GET /admin/audit?limit&offset&action&subject&startDate&endDate
func (a *AdminRoutes) queryAudit(w http.ResponseWriter, r *http.Request) {
	filter, err := auditFilterFromQuery(r)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}

	logs, err := a.deps.Audit.Query(r.Context(), filter)
	if err != nil {
		if errors.IsInvalidRequest(err) {
			response.WriteError(w, r, err)
			return
		}
		response.WriteError(w, r, errors.New(errors.CodeAudit, "Failed to query audit log", err))
		return
	}
	if logs == nil {
		logs = []audit.Record{}
	}
	response.WriteJSON(w, http.StatusOK, map[string]any{
		"logs":  logs,
		"count": len(logs),
	})
}

// resetRateLimit removes an identity's token bucket.
//
//	DELETE /admin/ratelimit/{identity}
func (a *AdminRoutes) resetRateLimit(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "*")
	if identity == "" {
		response.WriteError(w, r, errors.NewInvalidRequest("Identity is required", nil))
		return
	}

	if err := a.deps.Limiter.Reset(r.Context(), identity); err != nil {
		response.WriteError(w, r, errors.NewRateLimitUnavailable(err))
		return
	}
	response.WriteJSON(w, http.StatusOK, map[string]any{"success": true})
}

// auditFilterFromQuery parses the audit query parameters, rejecting
// non-numeric paging values up front.
func auditFilterFromQuery(r *http.Request) (audit.Filter, error) {
	var filter audit.Filter
	query := r.URL.Query()

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return filter, errors.NewInvalidRequest("limit must be an integer", err)
		}
		filter.Limit = limit
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil {
			return filter, errors.NewInvalidRequest("offset must be an integer", err)
		}
		filter.Offset = offset
	}
	filter.Action = audit.Action(query.Get("action"))
	filter.Subject = query.Get("subject")
	filter.StartDate = query.Get("startDate")
	filter.EndDate = query.Get("endDate")
	return filter, nil
}

// auditKey records an admin key operation off the request path.
func (a *AdminRoutes) auditKey(ctx context.Context, action audit.Action, keyID string, success bool, code errors.Code) {
	record := &audit.Record{
		RequestID: response.RequestID(ctx),
		Action:    action,
		KeyID:     keyID,
		Success:   success,
		ErrorCode: string(code),
	}
	a.deps.Scheduler.Schedule(ctx, "audit "+string(action), func(taskCtx context.Context) {
		if err := a.deps.Audit.Insert(taskCtx, record); err != nil {
			logger.Errorw("failed to write audit record",
				"requestId", record.RequestID, "action", record.Action, "error", err)
		}
	})
}
