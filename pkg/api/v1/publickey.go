// SPDX-FileCopyrightText: Copyright 2025 Quillsign, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/quillsign/quill/pkg/api/response"
	"github.com/quillsign/quill/pkg/errors"
	"github.com/quillsign/quill/pkg/keystore"
	"github.com/quillsign/quill/pkg/signer"
)

// PublicKeyRoutes serves armored public keys without authentication, so CI
// jobs and verifiers can fetch them freely.
type PublicKeyRoutes struct {
	keys keystore.Store
}

// PublicKeyRouter creates the router for the public key endpoint.
func PublicKeyRouter(keys keystore.Store) http.Handler {
	routes := PublicKeyRoutes{keys: keys}
	r := chi.NewRouter()
	r.Get("/", routes.getPublicKey)
	return r
}

// getPublicKey returns the armored public half of a stored key.
//
//	GET /public-key?keyId=<16-hex>
func (p *PublicKeyRoutes) getPublicKey(w http.ResponseWriter, r *http.Request) {
	keyID := r.URL.Query().Get("keyId")
	if keyID == "" {
		response.WriteError(w, r, errors.NewInvalidRequest("keyId query parameter is required", nil))
		return
	}
	normalized, err := keystore.NormalizeKeyID(keyID)
	if err != nil {
		response.WriteError(w, r, errors.NewInvalidRequest("Invalid key ID format", err))
		return
	}

	key, err := p.keys.Get(r.Context(), normalized)
	if err != nil {
		if stderrors.Is(err, keystore.ErrNotFound) {
			response.WriteError(w, r, errors.NewKeyNotFound(
				fmt.Sprintf("Signing key %s not found", normalized), err))
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
