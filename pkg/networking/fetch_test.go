package networking

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type discoveryDoc struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

func TestFetchJSON(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, ContentTypeJSON, r.Header.Get("Accept"))

		w.Header().Set("Content-Type", ContentTypeJSON)
		_, _ = w.Write([]byte(`{"issuer":"https://issuer.example.com","jwks_uri":"https://issuer.example.com/jwks"}`))
	}))
	defer server.Close()

	result, err := FetchJSON[discoveryDoc](context.Background(), server.Client(), server.URL)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.Equal(t, "https://issuer.example.com", result.Data.Issuer)
	assert.Equal(t, "https://issuer.example.com/jwks", result.Data.JWKSURI)
}

func TestFetchJSON_NonOKStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("no such tenant"))
	}))
	defer server.Close()

	_, err := FetchJSON[discoveryDoc](context.Background(), server.Client(), server.URL)
	require.Error(t, err)
	assert.True(t, IsFetchStatus(err, http.StatusNotFound))
	assert.Contains(t, err.Error(), "no such tenant")
}

func TestFetchJSON_ErrorBodyPreviewIsTruncated(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(strings.Repeat("x", 4*DefaultErrorPreviewSize)))
	}))
	defer server.Close()

	_, err := FetchJSON[discoveryDoc](context.Background(), server.Client(), server.URL)
	require.Error(t, err)

	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Len(t, fetchErr.Preview, DefaultErrorPreviewSize)
}

func TestFetchJSON_ContentTypeValidation(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`{"issuer":"x"}`))
	}))
	defer server.Close()

	_, err := FetchJSON[discoveryDoc](context.Background(), server.Client(), server.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected content type")

	// The same response is accepted once validation is disabled.
	result, err := FetchJSON[discoveryDoc](context.Background(), server.Client(), server.URL,
		WithoutContentTypeValidation())
	require.NoError(t, err)
	assert.Equal(t, "x", result.Data.Issuer)
}

func TestFetchJSON_AcceptsJWKSetContentType(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/jwk-set+json")
		_, _ = w.Write([]byte(`{"keys":[]}`))
	}))
	defer server.Close()

	_, err := FetchJSON[map[string][]any](context.Background(), server.Client(), server.URL,
		WithoutContentTypeValidation())
	assert.NoError(t, err)
}

func TestFetchJSON_MaxResponseSize(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", ContentTypeJSON)
		_, _ = w.Write([]byte(`{"issuer":"` + strings.Repeat("a", 256) + `"}`))
	}))
	defer server.Close()

	// The truncated body is no longer valid JSON.
	_, err := FetchJSON[discoveryDoc](context.Background(), server.Client(), server.URL,
		WithMaxResponseSize(32))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse JSON response")
}

func TestFetchJSON_InvalidJSON(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", ContentTypeJSON)
		_, _ = w.Write([]byte("not json at all"))
	}))
	defer server.Close()

	_, err := FetchJSON[discoveryDoc](context.Background(), server.Client(), server.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse JSON response")
}

func TestIsFetchStatus(t *testing.T) {
	t.Parallel()

	var err error = &FetchError{
		StatusCode: http.StatusNotFound,
		URL:        "https://issuer.example.com",
		Preview:    "missing",
	}

	assert.True(t, IsFetchStatus(err, http.StatusNotFound))
	assert.False(t, IsFetchStatus(err, http.StatusInternalServerError))
	assert.False(t, IsFetchStatus(context.Canceled, http.StatusNotFound))
	assert.Contains(t, err.Error(), "HTTP 404")
}
