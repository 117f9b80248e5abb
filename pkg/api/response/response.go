// Package response writes the service's JSON wire envelopes.
//
// Every error response carries the stable code and the request ID so a
// client can quote both when filing a report. Messages never include the
// underlying cause; that stays in the server logs.
package response

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/quillsign/quill/pkg/errors"
	"github.com/quillsign/quill/pkg/logger"
)

type contextKey struct{}

// requestIDKey carries the request ID through the request context.
var requestIDKey = contextKey{}

// WithRequestID returns a context carrying the request ID.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID returns the request ID stored in ctx, or "" when the request
// never passed through the RequestID middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// errorEnvelope is the wire shape of every error response.
type errorEnvelope struct {
	Error      string      `json:"error"`
	Code       errors.Code `json:"code"`
	RequestID  string      `json:"requestId,omitempty"`
	RetryAfter int         `json:"retryAfter,omitempty"`
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorw("failed to encode response", "error", err)
	}
}

// WriteError writes err as an error envelope. Errors without a service code
// are reported as INTERNAL_ERROR with a generic message.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	svcErr, ok := errors.As(err)
	if !ok {
		svcErr = errors.NewInternal("Internal server error", err)
	}

	envelope := errorEnvelope{
		Error:     svcErr.Message,
		Code:      svcErr.Code,
		RequestID: RequestID(r.Context()),
	}
	if svcErr.Code == errors.CodeRateLimited {
		envelope.RetryAfter = svcErr.RetryAfter
	}
	WriteJSON(w, errors.HTTPStatus(svcErr.Code), envelope)
}
