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

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix prefixes identity bucket keys in Redis.
const DefaultKeyPrefix = "bucket:"

// AdminKeyPrefix prefixes the buckets protecting the admin endpoints; those
// are keyed by client IP rather than token identity.
const AdminKeyPrefix = "bucket:admin:"

// bucketScript atomically loads a bucket, refills it for the elapsed time,
// optionally consumes one token, and persists the refreshed state. The
// current time is passed in as an argument so the script stays deterministic
// across replicas and replays.
//
// ARGV: now_ms, max_tokens, refill_rate, window_ms, consume(0|1)
// Returns: {allowed(0|1), floor(tokens), last_refill_ms}
var bucketScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
local now = tonumber(ARGV[1])
local max_tokens = tonumber(ARGV[2])
local refill_rate = tonumber(ARGV[3])
local window_ms = tonumber(ARGV[4])
local consume = tonumber(ARGV[5])

local tokens = max_tokens
if data then
	local bucket = cjson.decode(data)
	tokens = bucket.tokens
	local elapsed = now - bucket.last_refill
	if elapsed > 0 then
		tokens = math.min(max_tokens, tokens + (elapsed / window_ms) * refill_rate)
	end
end

local allowed = 0
if tokens >= 1 then
	allowed = 1
	if consume == 1 then
		tokens = tokens - 1
	end
end

redis.call('SET', KEYS[1], cjson.encode({tokens = tokens, last_refill = now}))
return {allowed, math.floor(tokens), now}
`)

// RedisLimiter implements Limiter on a shared Redis backend.
type RedisLimiter struct {
	client    redis.UniversalClient
	keyPrefix string
}

var _ Limiter = (*RedisLimiter)(nil)

// NewRedisLimiter creates a limiter storing buckets under DefaultKeyPrefix.
func NewRedisLimiter(client redis.UniversalClient) *RedisLimiter {
	return NewRedisLimiterWithPrefix(client, DefaultKeyPrefix)
}

// NewRedisLimiterWithPrefix creates a limiter with a custom key prefix. Use
// AdminKeyPrefix for the logical instance guarding the admin endpoints.
func NewRedisLimiterWithPrefix(client redis.UniversalClient, keyPrefix string) *RedisLimiter {
	return &RedisLimiter{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// Check reports the bucket state for identity without consuming a token.
func (l *RedisLimiter) Check(ctx context.Context, identity string) (Result, error) {
	return l.run(ctx, identity, false)
}

// Consume takes one token from the identity's bucket.
func (l *RedisLimiter) Consume(ctx context.Context, identity string) (Result, error) {
	return l.run(ctx, identity, true)
}

// Reset removes the identity's bucket. The next access starts from a full
// bucket again.
func (l *RedisLimiter) Reset(ctx context.Context, identity string) error {
	if err := l.client.Del(ctx, l.key(identity)).Err(); err != nil {
		return fmt.Errorf("resetting bucket for %s: %w", identity, err)
	}
	return nil
}

func (l *RedisLimiter) run(ctx context.Context, identity string, consume bool) (Result, error) {
	consumeArg := 0
	if consume {
		consumeArg = 1
	}

	now := time.Now()
	raw, err := bucketScript.Run(ctx, l.client,
		[]string{l.key(identity)},
		now.UnixMilli(), MaxTokens, RefillRate, Window.Milliseconds(), consumeArg,
	).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit script for %s: %w", identity, err)
	}
	if len(raw) != 3 {
		return Result{}, fmt.Errorf("rate limit script for %s: unexpected reply length %d", identity, len(raw))
	}

	return Result{
		Allowed:   raw[0] == 1,
		Remaining: int(raw[1]),
		ResetAt:   time.UnixMilli(raw[2]).Add(Window),
	}, nil
}

func (l *RedisLimiter) key(identity string) string {
	return l.keyPrefix + identity
}
