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

// Package admin authenticates requests to the admin API against a shared
// secret configured at startup.
package admin

import "crypto/subtle"

// Checker verifies presented admin credentials against the configured token.
type Checker struct {
	token []byte
}

// NewChecker creates a credential checker for the configured admin token.
// An empty token produces a checker that denies everything.
func NewChecker(token string) *Checker {
	return &Checker{token: []byte(token)}
}

// Verify reports whether presented matches the configured token. The
// comparison runs in constant time with respect to the configured token:
// both inputs are padded to a common length before comparing, and the
// length check is folded into the result instead of returning early.
func (c *Checker) Verify(presented string) bool {
	if len(c.token) == 0 {
		return false
	}

	a := []byte(presented)
	b := c.token

	size := len(a)
	if len(b) > size {
		size = len(b)
	}
	paddedA := make([]byte, size)
	paddedB := make([]byte, size)
	copy(paddedA, a)
	copy(paddedB, b)

	equal := subtle.ConstantTimeCompare(paddedA, paddedB)
	sameLength := subtle.ConstantTimeEq(int32(len(a)), int32(len(b)))
	return equal&sameLength == 1
}
