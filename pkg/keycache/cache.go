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

// Package keycache holds decrypted key material in memory for a bounded
// time, so the signer does not pay the passphrase decryption cost on every
// request.
//
// Entries are evicted lazily on read and can be invalidated explicitly when
// a key is rotated or deleted. The cache is process-local; a fresh process
// starts cold.
package keycache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long a decrypted key stays usable after insertion.
const DefaultTTL = 5 * time.Minute

// Stats describes the cache state at a point in time.
type Stats struct {
	// Size is the number of live entries.
	Size int

	// TTL is the configured entry lifetime.
	TTL time.Duration
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is a TTL cache over decrypted key material, safe for concurrent
// use. V is the decrypted representation, typically a parsed key ring.
type Cache[V any] struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]entry[V]
	group   singleflight.Group

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a cache with DefaultTTL.
func New[V any]() *Cache[V] {
	return NewWithTTL[V](DefaultTTL)
}

// NewWithTTL creates a cache whose entries expire after ttl.
func NewWithTTL[V any](ttl time.Duration) *Cache[V] {
	return &Cache[V]{
		ttl:     ttl,
		entries: make(map[string]entry[V]),
		now:     time.Now,
	}
}

// Get returns the cached value for keyID. An expired entry is removed and
// reported as a miss.
func (c *Cache[V]) Get(keyID string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[keyID]
	if !ok {
		var zero V
		return zero, false
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, keyID)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under keyID with a fresh TTL.
func (c *Cache[V]) Set(keyID string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[keyID] = entry[V]{
		value:     value,
		expiresAt: c.now().Add(c.ttl),
	}
}

// GetOrCompute returns the cached value for keyID, computing and caching it
// on a miss. Concurrent cold misses for the same keyID share a single
// compute call; its result (or error) is handed to all waiters. Errors are
// not cached.
func (c *Cache[V]) GetOrCompute(_ context.Context, keyID string, compute func() (V, error)) (V, error) {
	if value, ok := c.Get(keyID); ok {
		return value, nil
	}

	result, err, _ := c.group.Do(keyID, func() (any, error) {
		// Another flight may have filled the entry while we queued.
		if value, ok := c.Get(keyID); ok {
			return value, nil
		}
		value, err := compute()
		if err != nil {
			return nil, err
		}
		c.Set(keyID, value)
		return value, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return result.(V), nil
}

// Invalidate removes the entry for keyID, if any. Called on key rotation
// and deletion so stale material is never used for signing.
func (c *Cache[V]) Invalidate(keyID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, keyID)
	c.group.Forget(keyID)
}

// Clear removes every entry.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

// Stats prunes expired entries and returns the live entry count and the
// configured TTL.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for keyID, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, keyID)
		}
	}
	return Stats{
		Size: len(c.entries),
		TTL:  c.ttl,
	}
}
