package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillsign/quill/pkg/api/scheduler"
	"github.com/quillsign/quill/pkg/audit"
	"github.com/quillsign/quill/pkg/auth/admin"
	"github.com/quillsign/quill/pkg/auth/oidc"
	"github.com/quillsign/quill/pkg/config"
	"github.com/quillsign/quill/pkg/keycache"
	"github.com/quillsign/quill/pkg/keystore"
	"github.com/quillsign/quill/pkg/ratelimit"
	"github.com/quillsign/quill/pkg/signer"
)

// newTestServer assembles a server over miniredis and an in-memory audit
// database. The miniredis instance is returned so tests can take the
// backend down.
func newTestServer(t *testing.T) (http.Handler, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	auditStore, err := audit.NewInMemorySQLiteStore(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = auditStore.Close() })

	cfg := &config.Config{
		ListenAddress:    ":0",
		AllowedIssuers:   []string{"https://token.actions.githubusercontent.com"},
		ExpectedAudience: config.DefaultAudience,
		AllowedOrigins:   []string{"https://ci.example.com"},
		AdminToken:       "admin-secret",
	}

	srv := NewServer(Deps{
		Config:       cfg,
		Verifier:     oidc.NewVerifier(cfg.AllowedIssuers, cfg.ExpectedAudience, stubResolver{}),
		AdminChecker: admin.NewChecker(cfg.AdminToken),
		Limiter:      ratelimit.NewRedisLimiter(client),
		AdminLimiter: ratelimit.NewRedisLimiterWithPrefix(client, ratelimit.AdminKeyPrefix),
		Keys:         keystore.NewRedisStore(client),
		Signer:       signer.New(keycache.New[*openpgp.Entity]()),
		Audit:        auditStore,
		Scheduler:    scheduler.SyncScheduler{},
	})
	return srv.Handler(), mr
}

func TestServer_Health(t *testing.T) {
	t.Parallel()

	handler, _ := newTestServer(t)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "ok", body.Checks["keyStorage"])
	assert.Equal(t, "ok", body.Checks["database"])
}

func TestServer_HealthDegradedWhenKeyStorageDown(t *testing.T) {
	t.Parallel()

	handler, mr := newTestServer(t)
	mr.Close()

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Contains(t, body.Checks["keyStorage"], "error")
	// The audit database is independent of Redis.
	assert.Equal(t, "ok", body.Checks["database"])
}

func TestServer_EveryResponseCarriesHeaders(t *testing.T) {
	t.Parallel()

	handler, _ := newTestServer(t)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/no/such/route", nil))

	// Unknown routes still go through the full middleware stack.
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "NOT_FOUND")
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
}

func TestServer_SignRequiresToken(t *testing.T) {
	t.Parallel()

	handler, _ := newTestServer(t)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/sign", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "AUTH_MISSING")
}

func TestServer_AdminRequiresToken(t *testing.T) {
	t.Parallel()

	handler, _ := newTestServer(t)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/keys", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"error":"Invalid admin token","code":"AUTH_INVALID"}`, w.Body.String())
}

func TestServer_AdminListWithToken(t *testing.T) {
	t.Parallel()

	handler, _ := newTestServer(t)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/admin/keys", nil)
	r.RemoteAddr = "203.0.113.9:40001"
	r.Header.Set("Authorization", "Bearer admin-secret")
	handler.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"keys":[]}`, w.Body.String())
}

func TestServer_PublicKeyUnknown(t *testing.T) {
	t.Parallel()

	handler, _ := newTestServer(t)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/public-key?keyId=00112233445566FF", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "KEY_NOT_FOUND")
}

func TestServer_CORSPreflight(t *testing.T) {
	t.Parallel()

	handler, _ := newTestServer(t)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodOptions, "/sign", nil)
	r.Header.Set("Origin", "https://ci.example.com")
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://ci.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}
