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

// Package audit records every privileged operation in an append-only log.
//
// Records are written once and never updated or deleted. Insert failures are
// the caller's to log and swallow; a broken audit backend must never block a
// signing request.
package audit

import (
	"context"
	"fmt"
	"time"

	quillerrors "github.com/quillsign/quill/pkg/errors"
)

// Action is the audited operation type.
type Action string

// Audited actions.
const (
	// ActionSign is a signing request.
	ActionSign Action = "sign"

	// ActionKeyUpload is an admin key upload.
	ActionKeyUpload Action = "key_upload"

	// ActionKeyRotate is an admin key rotation or deletion.
	ActionKeyRotate Action = "key_rotate"
)

// Query bounds.
const (
	// DefaultQueryLimit is the page size when none is requested.
	DefaultQueryLimit = 100

	// MaxQueryLimit caps the requested page size.
	MaxQueryLimit = 1000
)

// Record is one append-only audit log row.
type Record struct {
	// ID is the server-generated record identifier.
	ID string `json:"id"`

	// Timestamp is the server-side ISO-8601 UTC insertion time.
	Timestamp string `json:"timestamp"`

	// RequestID correlates the record with request logs and responses.
	RequestID string `json:"requestId"`

	// Action is the audited operation.
	Action Action `json:"action"`

	// Issuer is the OIDC issuer of the caller, when known.
	Issuer string `json:"issuer"`

	// Subject is the OIDC subject of the caller, when known.
	Subject string `json:"subject"`

	// KeyID is the signing key the operation touched.
	KeyID string `json:"keyId"`

	// Success reports whether the operation completed.
	Success bool `json:"success"`

	// ErrorCode is the wire code of the failure, empty on success.
	ErrorCode string `json:"errorCode,omitempty"`

	// Metadata is an opaque JSON string with operation-specific detail.
	Metadata string `json:"metadata,omitempty"`
}

// Filter selects audit records to return from a query.
type Filter struct {
	// Limit is the maximum number of records, 1..MaxQueryLimit.
	Limit int

	// Offset skips that many records for pagination.
	Offset int

	// Action restricts results to one action when non-empty.
	Action Action

	// Subject restricts results to subjects containing this substring.
	Subject string

	// StartDate is the inclusive lower timestamp bound (RFC 3339).
	StartDate string

	// EndDate is the inclusive upper timestamp bound (RFC 3339).
	EndDate string
}

// Validate applies defaults and rejects out-of-range filter values with
// INVALID_REQUEST errors.
func (f *Filter) Validate() error {
	if f.Limit == 0 {
		f.Limit = DefaultQueryLimit
	}
	if f.Limit < 1 || f.Limit > MaxQueryLimit {
		return quillerrors.NewInvalidRequest(
			fmt.Sprintf("limit must be between 1 and %d", MaxQueryLimit), nil)
	}
	if f.Offset < 0 {
		return quillerrors.NewInvalidRequest("offset must not be negative", nil)
	}

	switch f.Action {
	case "", ActionSign, ActionKeyUpload, ActionKeyRotate:
	default:
		return quillerrors.NewInvalidRequest(
			fmt.Sprintf("unknown action %q", f.Action), nil)
	}

	for _, bound := range []struct {
		name  string
		value string
	}{
		{"startDate", f.StartDate},
		{"endDate", f.EndDate},
	} {
		if bound.value == "" {
			continue
		}
		if _, err := time.Parse(time.RFC3339, bound.value); err != nil {
			return quillerrors.NewInvalidRequest(
				fmt.Sprintf("%s must be an RFC 3339 timestamp", bound.name), err)
		}
	}
	return nil
}

// Store is the append-only audit log.
type Store interface {
	// Insert appends one record, filling in its ID and timestamp.
	Insert(ctx context.Context, record *Record) error

	// Query returns records matching filter, newest first.
	Query(ctx context.Context, filter Filter) ([]Record, error)

	// Ping checks backend availability; used by health checks.
	Ping(ctx context.Context) error
}
