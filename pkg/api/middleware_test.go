package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillsign/quill/pkg/api/response"
)

// okHandler responds 200 and captures the request it saw.
func okHandler(captured **http.Request) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if captured != nil {
			*captured = r
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequestID_EchoesClientHeader(t *testing.T) {
	t.Parallel()

	var seen *http.Request
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-ID", "client-chosen-id")

	RequestID(okHandler(&seen)).ServeHTTP(w, r)

	assert.Equal(t, "client-chosen-id", w.Header().Get("X-Request-ID"))
	assert.Equal(t, "client-chosen-id", response.RequestID(seen.Context()))
}

func TestRequestID_GeneratesWhenAbsent(t *testing.T) {
	t.Parallel()

	var seen *http.Request
	w := httptest.NewRecorder()
	RequestID(okHandler(&seen)).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	generated := w.Header().Get("X-Request-ID")
	_, err := uuid.Parse(generated)
	require.NoError(t, err)
	assert.Equal(t, generated, response.RequestID(seen.Context()))
}

func TestSecurityHeaders(t *testing.T) {
	t.Parallel()

	w := httptest.NewRecorder()
	SecurityHeaders(okHandler(nil)).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	want := map[string]string{
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"Referrer-Policy":           "strict-origin-when-cross-origin",
		"Content-Security-Policy":   "default-src 'none'; frame-ancestors 'none'",
		"Permissions-Policy":        "geolocation=(), microphone=(), camera=()",
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains; preload",
	}
	for name, value := range want {
		assert.Equal(t, value, w.Header().Get(name), name)
	}
}

func TestCORS(t *testing.T) {
	t.Parallel()

	handler := CORS([]string{"https://ci.example.com"})(okHandler(nil))

	t.Run("allowed origin", func(t *testing.T) {
		t.Parallel()

		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Origin", "https://ci.example.com")
		handler.ServeHTTP(w, r)

		assert.Equal(t, "https://ci.example.com", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "Origin", w.Header().Get("Vary"))
	})

	t.Run("unknown origin gets no grant", func(t *testing.T) {
		t.Parallel()

		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Origin", "https://evil.example.com")
		handler.ServeHTTP(w, r)

		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "Origin", w.Header().Get("Vary"))
	})

	t.Run("preflight returns 204 and never reaches the handler", func(t *testing.T) {
		t.Parallel()

		reached := false
		inner := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { reached = true })
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodOptions, "/sign", nil)
		r.Header.Set("Origin", "https://ci.example.com")
		CORS([]string{"https://ci.example.com"})(inner).ServeHTTP(w, r)

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.False(t, reached)
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Authorization")
	})

	t.Run("no origin header passes through untouched", func(t *testing.T) {
		t.Parallel()

		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("Vary"))
	})
}

func TestRecoverer(t *testing.T) {
	t.Parallel()

	panicking := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("handler bug")
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r = r.WithContext(response.WithRequestID(r.Context(), "req-1"))
	Recoverer(panicking).ServeHTTP(w, r)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t,
		`{"error":"Internal server error","code":"INTERNAL_ERROR","requestId":"req-1"}`,
		w.Body.String())
	// The panic value must never reach the client.
	assert.NotContains(t, w.Body.String(), "handler bug")
}

func TestRequestLogger_PassesThrough(t *testing.T) {
	t.Parallel()

	w := httptest.NewRecorder()
	RequestLogger(okHandler(nil)).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
