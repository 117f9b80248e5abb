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

// Package ratelimit enforces per-identity token-bucket rate limits.
//
// Buckets live in Redis and are mutated only by an atomic Lua script, so
// concurrent requests for the same identity observe decrements in a total
// order with no lost updates. A limiter failure is surfaced as an error the
// caller must treat as a denial (fail closed).
package ratelimit

import (
	"context"
	"time"
)

// Bucket parameters. Each identity accumulates refillRate tokens per window
// up to maxTokens, and a request consumes one token.
const (
	// MaxTokens is the bucket capacity.
	MaxTokens = 100

	// RefillRate is the number of tokens restored per window.
	RefillRate = 100

	// Window is the refill window.
	Window = 60 * time.Second
)

// Result describes the bucket state observed by a check or consume call.
type Result struct {
	// Allowed reports whether the request may proceed.
	Allowed bool

	// Remaining is the whole number of tokens left in the bucket.
	Remaining int

	// ResetAt is when the bucket is next fully refilled.
	ResetAt time.Time
}

// RetryAfter returns the whole seconds a denied caller should wait before
// retrying, at least 1.
func (r Result) RetryAfter(now time.Time) int {
	seconds := int(r.ResetAt.Sub(now).Round(time.Second).Seconds())
	if seconds < 1 {
		return 1
	}
	return seconds
}

// Limiter is a token-bucket rate limiter keyed by identity strings.
type Limiter interface {
	// Check reports the bucket state without consuming a token. The refill
	// step still runs and persists, so a check moves the bucket clock.
	Check(ctx context.Context, identity string) (Result, error)

	// Consume takes one token from the identity's bucket. A denied result
	// leaves the bucket untouched apart from the refill.
	Consume(ctx context.Context, identity string) (Result, error)

	// Reset removes the identity's bucket entirely.
	Reset(ctx context.Context, identity string) error
}
