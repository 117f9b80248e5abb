// Copyright 2025 Quillsign, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package oidc verifies the identity tokens CI workloads present when
// requesting signatures.
//
// Verification runs a fixed pipeline: token shape, algorithm whitelist,
// issuer allow-list, timing with skew tolerance, audience, key resolution
// and finally the cryptographic signature check. The pipeline is ordered so
// the cheapest checks run first and no network fetch happens for a token
// that fails a static check.
package oidc

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"

	quillerrors "github.com/quillsign/quill/pkg/errors"
)

// clockSkew is the tolerance applied to the nbf and exp checks.
const clockSkew = 60 * time.Second

// allowedAlgorithms is the asymmetric signature whitelist. Symmetric
// algorithms are excluded so a stolen JWKS document can never be turned
// into a signing oracle.
var allowedAlgorithms = []string{"RS256", "RS384", "RS512", "ES256", "ES384"}

// Identity is the verified caller identity derived from token claims.
type Identity struct {
	// Issuer is the token's iss claim.
	Issuer string

	// Subject is the token's sub claim.
	Subject string
}

// Key returns the canonical identity string used for rate limiting and
// audit records.
func (i Identity) Key() string {
	return i.Issuer + ":" + i.Subject
}

// KeyResolver resolves an issuer's signing key by key ID.
type KeyResolver interface {
	Lookup(ctx context.Context, issuer, expectedKid string) (jwk.Key, error)
}

// Verifier validates bearer tokens against a set of trusted issuers.
type Verifier struct {
	allowedIssuers map[string]struct{}
	audience       string
	keys           KeyResolver

	// now is replaceable in tests.
	now func() time.Time
}

// NewVerifier creates a token verifier. Tokens are accepted only from the
// given issuers and must carry audience in their aud claim.
func NewVerifier(allowedIssuers []string, audience string, keys KeyResolver) *Verifier {
	issuers := make(map[string]struct{}, len(allowedIssuers))
	for _, issuer := range allowedIssuers {
		issuers[issuer] = struct{}{}
	}
	return &Verifier{
		allowedIssuers: issuers,
		audience:       audience,
		keys:           keys,
		now:            time.Now,
	}
}

// Verify runs the verification pipeline over rawToken and returns the
// caller identity. Every failure carries an AUTH_INVALID code with a stable
// reason message; the underlying cause is preserved for logging only.
func (v *Verifier) Verify(ctx context.Context, rawToken string) (*Identity, error) {
	// Decode without verifying so the static checks can run first.
	token, _, err := jwt.NewParser().ParseUnverified(rawToken, jwt.MapClaims{})
	if err != nil {
		return nil, quillerrors.NewAuthInvalid("Invalid token format", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, quillerrors.NewAuthInvalid("Invalid token format", nil)
	}

	alg, _ := token.Header["alg"].(string)
	if !algorithmAllowed(alg) {
		return nil, quillerrors.NewAuthInvalid(fmt.Sprintf("Unsupported algorithm: %s", alg), nil)
	}

	issuer, err := claims.GetIssuer()
	if err != nil {
		return nil, quillerrors.NewAuthInvalid("Invalid token format", err)
	}
	if _, trusted := v.allowedIssuers[issuer]; !trusted {
		return nil, quillerrors.NewAuthInvalid(fmt.Sprintf("Issuer not allowed: %s", issuer), nil)
	}

	if err := v.checkTiming(claims); err != nil {
		return nil, err
	}

	if err := v.checkAudience(claims); err != nil {
		return nil, err
	}

	kid, _ := token.Header["kid"].(string)
	key, err := v.keys.Lookup(ctx, issuer, kid)
	if err != nil {
		return nil, quillerrors.NewAuthInvalid("Signing key not found", err)
	}

	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, quillerrors.NewAuthInvalid("Signing key not found", err)
	}

	// Timing was checked above against the verifier clock; the final parse
	// only has to establish the signature.
	parser := jwt.NewParser(
		jwt.WithValidMethods(allowedAlgorithms),
		jwt.WithoutClaimsValidation(),
	)
	verified, err := parser.Parse(rawToken, func(*jwt.Token) (any, error) {
		return rawKey, nil
	})
	if err != nil || !verified.Valid {
		return nil, quillerrors.NewAuthInvalid("Invalid token signature", err)
	}

	subject, _ := claims.GetSubject()
	return &Identity{Issuer: issuer, Subject: subject}, nil
}

func algorithmAllowed(alg string) bool {
	for _, allowed := range allowedAlgorithms {
		if alg == allowed {
			return true
		}
	}
	return false
}

// checkTiming enforces nbf and exp with skew tolerance. A token without an
// exp claim is treated as expired.
func (v *Verifier) checkTiming(claims jwt.MapClaims) error {
	now := v.now()

	notBefore, err := claims.GetNotBefore()
	if err != nil {
		return quillerrors.NewAuthInvalid("Invalid token format", err)
	}
	if notBefore != nil && notBefore.After(now.Add(clockSkew)) {
		return quillerrors.NewAuthInvalid("Token not yet valid", nil)
	}

	expiry, err := claims.GetExpirationTime()
	if err != nil {
		return quillerrors.NewAuthInvalid("Invalid token format", err)
	}
	if expiry == nil || expiry.Before(now.Add(-clockSkew)) {
		return quillerrors.NewAuthInvalid("Token expired", nil)
	}
	return nil
}

func (v *Verifier) checkAudience(claims jwt.MapClaims) error {
	audiences, err := claims.GetAudience()
	if err != nil {
		return quillerrors.NewAuthInvalid("Invalid audience", err)
	}
	for _, audience := range audiences {
		if audience == v.audience {
			return nil
		}
	}
	return quillerrors.NewAuthInvalid("Invalid audience", nil)
}
