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

package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix prefixes stored key entries in Redis.
const DefaultKeyPrefix = "key:"

// scanBatchSize is the COUNT hint for SCAN iterations.
const scanBatchSize = 100

// RedisStore implements Store on a Redis backend.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a key store backed by the given Redis client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{
		client:    client,
		keyPrefix: DefaultKeyPrefix,
	}
}

// Get returns the key stored under keyID, or ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, keyID string) (*StoredKey, error) {
	normalized, err := NormalizeKeyID(keyID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	data, err := s.client.Get(ctx, s.redisKey(normalized)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, normalized)
		}
		return nil, fmt.Errorf("reading key %s: %w", normalized, err)
	}

	var key StoredKey
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, fmt.Errorf("unmarshaling key %s: %w", normalized, err)
	}
	return &key, nil
}

// Put validates and stores key, overwriting any previous version under the
// same key ID.
func (s *RedisStore) Put(ctx context.Context, key *StoredKey) error {
	if key == nil {
		return errors.New("key must not be nil")
	}
	if err := key.Validate(); err != nil {
		return fmt.Errorf("invalid key: %w", err)
	}

	data, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("marshaling key %s: %w", key.KeyID, err)
	}

	if err := s.client.Set(ctx, s.redisKey(key.KeyID), data, 0).Err(); err != nil {
		return fmt.Errorf("storing key %s: %w", key.KeyID, err)
	}
	return nil
}

// List returns metadata for every stored key, ordered by key ID.
func (s *RedisStore) List(ctx context.Context) ([]KeyMetadata, error) {
	keys, err := s.scanKeys(ctx)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return []KeyMetadata{}, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("reading stored keys: %w", err)
	}

	metadata := make([]KeyMetadata, 0, len(values))
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			// Entry deleted between SCAN and MGET.
			continue
		}
		var key StoredKey
		if err := json.Unmarshal([]byte(raw), &key); err != nil {
			return nil, fmt.Errorf("unmarshaling stored key: %w", err)
		}
		metadata = append(metadata, key.Metadata())
	}

	sort.Slice(metadata, func(i, j int) bool {
		return metadata[i].KeyID < metadata[j].KeyID
	})
	return metadata, nil
}

// Delete removes the key under keyID and reports whether it existed.
func (s *RedisStore) Delete(ctx context.Context, keyID string) (bool, error) {
	normalized, err := NormalizeKeyID(keyID)
	if err != nil {
		return false, nil
	}

	deleted, err := s.client.Del(ctx, s.redisKey(normalized)).Result()
	if err != nil {
		return false, fmt.Errorf("deleting key %s: %w", normalized, err)
	}
	return deleted > 0, nil
}

// Count returns the number of stored keys.
func (s *RedisStore) Count(ctx context.Context) (int, error) {
	keys, err := s.scanKeys(ctx)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (s *RedisStore) scanKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.keyPrefix+"*", scanBatchSize).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning stored keys: %w", err)
	}
	return keys, nil
}

func (s *RedisStore) redisKey(keyID string) string {
	return s.keyPrefix + keyID
}
