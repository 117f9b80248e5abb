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

// Package jwks resolves issuer signing keys through a Redis-backed cache of
// published key sets.
//
// Key sets are discovered via the issuer's OIDC configuration document and
// cached under jwks:<issuer> with a fixed TTL. A token that presents a key ID
// missing from the cached set forces one refetch, so freshly rotated keys are
// usable before the cache entry expires.
package jwks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/redis/go-redis/v9"

	"github.com/quillsign/quill/pkg/logger"
	"github.com/quillsign/quill/pkg/networking"
)

const (
	// DefaultCacheTTL is how long a fetched key set stays cached.
	DefaultCacheTTL = 300 * time.Second

	// DefaultKeyPrefix prefixes issuer cache keys in Redis.
	DefaultKeyPrefix = "jwks:"

	wellKnownSuffix = "/.well-known/openid-configuration"
)

// ErrKeyNotFound means the issuer's key set has no usable key matching the
// requested key ID.
var ErrKeyNotFound = errors.New("signing key not found in issuer key set")

// discoveryDocument is the subset of the OIDC configuration response the
// service reads.
type discoveryDocument struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

// Cache fetches and caches issuer key sets.
type Cache struct {
	httpClient networking.HTTPClient
	redis      redis.UniversalClient
	keyPrefix  string
	ttl        time.Duration
}

// NewCache creates a JWKS cache. Outbound fetches go through httpClient,
// which is expected to enforce endpoint validation; cached key sets are
// shared with other instances through redisClient.
func NewCache(httpClient networking.HTTPClient, redisClient redis.UniversalClient) *Cache {
	return &Cache{
		httpClient: httpClient,
		redis:      redisClient,
		keyPrefix:  DefaultKeyPrefix,
		ttl:        DefaultCacheTTL,
	}
}

// Lookup returns the issuer's signing key for expectedKid.
//
// The cached key set is consulted first. A non-empty expectedKid absent from
// the cached set triggers a refetch before giving up; an empty expectedKid
// takes the cached set as-is and resolves only when the set holds exactly one
// signature key.
func (c *Cache) Lookup(ctx context.Context, issuer, expectedKid string) (jwk.Key, error) {
	if set := c.cachedSet(ctx, issuer); set != nil {
		if key, ok := resolveKey(set, expectedKid); ok {
			return key, nil
		}
		if expectedKid == "" {
			return nil, ErrKeyNotFound
		}
	}

	set, err := c.refresh(ctx, issuer)
	if err != nil {
		return nil, err
	}
	if key, ok := resolveKey(set, expectedKid); ok {
		return key, nil
	}
	return nil, ErrKeyNotFound
}

// cachedSet returns the cached key set for issuer, or nil on a miss. Cache
// backend failures count as misses so verification can continue against a
// direct fetch.
func (c *Cache) cachedSet(ctx context.Context, issuer string) jwk.Set {
	raw, err := c.redis.Get(ctx, c.cacheKey(issuer)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.Warnf("JWKS cache read for %s failed: %v", issuer, err)
		}
		return nil
	}

	set, err := jwk.Parse(raw)
	if err != nil {
		logger.Warnf("Discarding unparsable cached JWKS for %s: %v", issuer, err)
		return nil
	}
	return set
}

// refresh fetches the issuer's key set via its OIDC configuration document
// and stores it in the cache. Cache writes are best effort.
func (c *Cache) refresh(ctx context.Context, issuer string) (jwk.Set, error) {
	discoveryURL := strings.TrimSuffix(issuer, "/") + wellKnownSuffix
	doc, err := networking.FetchJSON[discoveryDocument](ctx, c.httpClient, discoveryURL)
	if err != nil {
		return nil, fmt.Errorf("fetching OIDC configuration for %s: %w", issuer, err)
	}
	if doc.Data.JWKSURI == "" {
		return nil, fmt.Errorf("OIDC configuration for %s is missing jwks_uri", issuer)
	}
	if doc.Data.Issuer != "" && doc.Data.Issuer != issuer {
		return nil, fmt.Errorf("OIDC configuration issuer mismatch: expected %s, got %s", issuer, doc.Data.Issuer)
	}

	// Key set endpoints serve content types like application/jwk-set+json.
	res, err := networking.FetchJSON[json.RawMessage](ctx, c.httpClient, doc.Data.JWKSURI,
		networking.WithoutContentTypeValidation())
	if err != nil {
		return nil, fmt.Errorf("fetching JWKS for %s: %w", issuer, err)
	}

	set, err := jwk.Parse(res.Data)
	if err != nil {
		return nil, fmt.Errorf("parsing JWKS for %s: %w", issuer, err)
	}

	if err := c.redis.Set(ctx, c.cacheKey(issuer), []byte(res.Data), c.ttl).Err(); err != nil {
		logger.Warnf("Failed to cache JWKS for %s: %v", issuer, err)
	}
	return set, nil
}

func (c *Cache) cacheKey(issuer string) string {
	return c.keyPrefix + issuer
}

// resolveKey picks the key matching expectedKid out of set. With an empty
// expectedKid the set must contain exactly one signature key.
func resolveKey(set jwk.Set, expectedKid string) (jwk.Key, bool) {
	if expectedKid != "" {
		key, ok := set.LookupKeyID(expectedKid)
		if !ok || !usableForSigning(key) {
			return nil, false
		}
		return key, true
	}

	var match jwk.Key
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok || !usableForSigning(key) {
			continue
		}
		if match != nil {
			return nil, false
		}
		match = key
	}
	return match, match != nil
}

// usableForSigning reports whether the key's declared use permits signature
// verification. Keys without a use field are accepted.
func usableForSigning(key jwk.Key) bool {
	var use string
	if err := key.Get(jwk.KeyUsageKey, &use); err != nil {
		return true
	}
	return use == "" || use == "sig"
}
