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

// Package signer produces detached PGP signatures with stored private keys.
//
// Parsing and passphrase decryption of key material is expensive, so
// decrypted key rings are held in a TTL cache shared across requests. The
// cache entry for a key is invalidated when the key is rotated or deleted.
package signer

import (
	"bytes"
	"context"
	"crypto"
	"fmt"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	quillerrors "github.com/quillsign/quill/pkg/errors"
	"github.com/quillsign/quill/pkg/keycache"
	"github.com/quillsign/quill/pkg/keystore"
)

// UnknownUserID is reported when a key carries no user ID packet.
const UnknownUserID = "Unknown"

// signConfig fixes the hash used for detached signatures.
var signConfig = &packet.Config{DefaultHash: crypto.SHA256}

// Signature is the result of a signing operation.
type Signature struct {
	// Armored is the ASCII-armored detached signature.
	Armored string

	// KeyID identifies the key that produced the signature.
	KeyID string

	// Algorithm is the signing key's public key algorithm tag.
	Algorithm string

	// Fingerprint is the signing key's fingerprint.
	Fingerprint string
}

// ParsedKeyInfo describes an armored private key after parsing.
type ParsedKeyInfo struct {
	// KeyID is the 16-hex-character key ID, uppercase.
	KeyID string

	// Fingerprint is the 40-hex-character key fingerprint, uppercase.
	Fingerprint string

	// Algorithm is the human-readable public key algorithm tag.
	Algorithm string

	// UserID is the key's primary user ID, or UnknownUserID.
	UserID string
}

// Signer signs data with stored keys, caching decrypted key rings.
type Signer struct {
	cache *keycache.Cache[*openpgp.Entity]
}

// New creates a signer around the given decrypted-key cache.
func New(cache *keycache.Cache[*openpgp.Entity]) *Signer {
	return &Signer{cache: cache}
}

// Sign produces a detached, ASCII-armored signature over data using the
// stored key, decrypting it with passphrase on a cache miss. All failures
// surface as SIGN_ERROR.
func (s *Signer) Sign(
	ctx context.Context, data []byte, key *keystore.StoredKey, passphrase string,
) (*Signature, error) {
	entity, err := s.cache.GetOrCompute(ctx, key.KeyID, func() (*openpgp.Entity, error) {
		return decryptArmoredKey(key.ArmoredPrivateKey, passphrase)
	})
	if err != nil {
		return nil, quillerrors.NewSign("Failed to prepare signing key", err)
	}

	var buf bytes.Buffer
	if err := openpgp.ArmoredDetachSign(&buf, entity, bytes.NewReader(data), signConfig); err != nil {
		return nil, quillerrors.NewSign("Failed to sign data", err)
	}

	return &Signature{
		Armored:     buf.String(),
		KeyID:       key.KeyID,
		Algorithm:   key.Algorithm,
		Fingerprint: key.Fingerprint,
	}, nil
}

// InvalidateKey drops the cached decrypted material for keyID. Called on
// key rotation and deletion.
func (s *Signer) InvalidateKey(keyID string) {
	s.cache.Invalidate(keyID)
}

// CacheStats exposes the decrypted-key cache state.
func (s *Signer) CacheStats() keycache.Stats {
	return s.cache.Stats()
}

// ParseAndValidate parses an armored private key and, when a passphrase is
// given and the key is encrypted, proves the passphrase can decrypt it.
// It returns the key's identifying attributes for storage and display.
func ParseAndValidate(armoredKey, passphrase string) (*ParsedKeyInfo, error) {
	entity, err := parseArmoredKey(armoredKey)
	if err != nil {
		return nil, err
	}

	if passphrase != "" && entity.PrivateKey.Encrypted {
		if err := decryptEntity(entity, passphrase); err != nil {
			return nil, err
		}
	}

	userID := UnknownUserID
	if identity := entity.PrimaryIdentity(); identity != nil && identity.Name != "" {
		userID = identity.Name
	}

	return &ParsedKeyInfo{
		KeyID:       entity.PrimaryKey.KeyIdString(),
		Fingerprint: fmt.Sprintf("%X", entity.PrimaryKey.Fingerprint),
		Algorithm:   AlgorithmName(entity.PrimaryKey.PubKeyAlgo),
		UserID:      userID,
	}, nil
}

// ExtractPublicKey derives the armored public key from an armored private
// key. The private material is never decrypted.
func ExtractPublicKey(armoredPrivate string) (string, error) {
	entity, err := parseArmoredKey(armoredPrivate)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	armoredWriter, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		return "", fmt.Errorf("creating armor writer: %w", err)
	}
	// Entity.Serialize writes only the public parts of the key ring.
	if err := entity.Serialize(armoredWriter); err != nil {
		return "", fmt.Errorf("serializing public key: %w", err)
	}
	if err := armoredWriter.Close(); err != nil {
		return "", fmt.Errorf("closing armor writer: %w", err)
	}

	return buf.String(), nil
}

// AlgorithmName maps an OpenPGP public key algorithm identifier to the
// human-readable tag stored with each key (RFC 4880, section 9.1).
func AlgorithmName(algo packet.PublicKeyAlgorithm) string {
	switch algo {
	case packet.PubKeyAlgoRSA:
		return "RSA"
	case packet.PubKeyAlgoRSAEncryptOnly:
		return "RSA-E"
	case packet.PubKeyAlgoRSASignOnly:
		return "RSA-S"
	case packet.PubKeyAlgoElGamal:
		return "Elgamal"
	case packet.PubKeyAlgoDSA:
		return "DSA"
	case packet.PubKeyAlgoECDH:
		return "ECDH"
	case packet.PubKeyAlgoECDSA:
		return "ECDSA"
	case packet.PubKeyAlgoEdDSA:
		return "EdDSA"
	default:
		return fmt.Sprintf("Unknown(%d)", algo)
	}
}

// parseArmoredKey reads a single private key entity out of an armored block.
func parseArmoredKey(armoredKey string) (*openpgp.Entity, error) {
	entities, err := openpgp.ReadArmoredKeyRing(strings.NewReader(armoredKey))
	if err != nil {
		return nil, fmt.Errorf("parsing armored key: %w", err)
	}
	if len(entities) == 0 {
		return nil, fmt.Errorf("armored block contains no keys")
	}
	entity := entities[0]
	if entity.PrivateKey == nil {
		return nil, fmt.Errorf("armored block contains no private key")
	}
	return entity, nil
}

// decryptArmoredKey parses an armored private key and decrypts it with
// passphrase if it is protected.
func decryptArmoredKey(armoredKey, passphrase string) (*openpgp.Entity, error) {
	entity, err := parseArmoredKey(armoredKey)
	if err != nil {
		return nil, err
	}
	if entity.PrivateKey.Encrypted {
		if err := decryptEntity(entity, passphrase); err != nil {
			return nil, err
		}
	}
	return entity, nil
}

// decryptEntity decrypts the primary key and any protected subkeys.
func decryptEntity(entity *openpgp.Entity, passphrase string) error {
	if err := entity.PrivateKey.Decrypt([]byte(passphrase)); err != nil {
		return fmt.Errorf("decrypting private key: %w", err)
	}
	for _, subkey := range entity.Subkeys {
		if subkey.PrivateKey != nil && subkey.PrivateKey.Encrypted {
			if err := subkey.PrivateKey.Decrypt([]byte(passphrase)); err != nil {
				return fmt.Errorf("decrypting subkey: %w", err)
			}
		}
	}
	return nil
}
