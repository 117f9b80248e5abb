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

// Package keystore persists the service's PGP signing keys.
//
// Keys are addressed by their 16-hex-character OpenPGP key ID, normalized to
// uppercase. The armored private key material never leaves this package
// through List; only Get exposes it, and only to the signer.
package keystore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Armored private key size bounds. Anything outside is either truncated or
// not a single private key block.
const (
	MinArmoredKeySize = 350
	MaxArmoredKeySize = 10000
)

// Armor markers a stored private key block must carry.
const (
	armorBeginMarker = "BEGIN PGP PRIVATE KEY BLOCK"
	armorEndMarker   = "END PGP PRIVATE KEY BLOCK"
)

// ErrNotFound is returned when no key exists under the requested key ID.
var ErrNotFound = errors.New("key not found")

var (
	keyIDRegex       = regexp.MustCompile(`^[0-9A-F]{16}$`)
	fingerprintRegex = regexp.MustCompile(`^[0-9A-F]{40}$`)
)

// StoredKey is the persistent unit of key material.
type StoredKey struct {
	// KeyID is the 16-hex-character OpenPGP key ID, uppercase.
	KeyID string `json:"keyId"`

	// Fingerprint is the 40-hex-character key fingerprint.
	Fingerprint string `json:"fingerprint"`

	// Algorithm is the human-readable public key algorithm tag.
	Algorithm string `json:"algorithm"`

	// ArmoredPrivateKey is the ASCII-armored private key block.
	ArmoredPrivateKey string `json:"armoredPrivateKey"`

	// CreatedAt is the ISO-8601 UTC creation timestamp.
	CreatedAt string `json:"createdAt"`
}

// KeyMetadata is the List projection of a stored key. It deliberately
// excludes the private key material.
type KeyMetadata struct {
	KeyID       string `json:"keyId"`
	Fingerprint string `json:"fingerprint"`
	CreatedAt   string `json:"createdAt"`
	Algorithm   string `json:"algorithm"`
}

// Metadata returns the metadata projection of the key.
func (k *StoredKey) Metadata() KeyMetadata {
	return KeyMetadata{
		KeyID:       k.KeyID,
		Fingerprint: k.Fingerprint,
		CreatedAt:   k.CreatedAt,
		Algorithm:   k.Algorithm,
	}
}

// Validate normalizes the key ID and fingerprint to uppercase and checks
// the structural invariants of the record.
func (k *StoredKey) Validate() error {
	k.KeyID = strings.ToUpper(strings.TrimSpace(k.KeyID))
	if !keyIDRegex.MatchString(k.KeyID) {
		return fmt.Errorf("key ID must be 16 hex characters, got %q", k.KeyID)
	}

	k.Fingerprint = strings.ToUpper(strings.TrimSpace(k.Fingerprint))
	if !fingerprintRegex.MatchString(k.Fingerprint) {
		return fmt.Errorf("fingerprint must be 40 hex characters")
	}

	size := len(k.ArmoredPrivateKey)
	if size < MinArmoredKeySize || size > MaxArmoredKeySize {
		return fmt.Errorf("armored private key must be between %d and %d bytes, got %d",
			MinArmoredKeySize, MaxArmoredKeySize, size)
	}
	if !strings.Contains(k.ArmoredPrivateKey, armorBeginMarker) ||
		!strings.Contains(k.ArmoredPrivateKey, armorEndMarker) {
		return fmt.Errorf("armored private key is missing PGP private key block markers")
	}

	return nil
}

// NormalizeKeyID uppercases a caller-supplied key ID and checks its format.
func NormalizeKeyID(keyID string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(keyID))
	if !keyIDRegex.MatchString(normalized) {
		return "", fmt.Errorf("key ID must be 16 hex characters, got %q", keyID)
	}
	return normalized, nil
}

// Store is a durable map of key ID to stored key.
type Store interface {
	// Get returns the key stored under keyID, or ErrNotFound.
	Get(ctx context.Context, keyID string) (*StoredKey, error)

	// Put validates and stores key, overwriting any previous version.
	Put(ctx context.Context, key *StoredKey) error

	// List returns metadata for every stored key.
	List(ctx context.Context) ([]KeyMetadata, error)

	// Delete removes the key under keyID and reports whether it existed.
	Delete(ctx context.Context, keyID string) (bool, error)

	// Count returns the number of stored keys; used by health checks.
	Count(ctx context.Context) (int, error)
}
