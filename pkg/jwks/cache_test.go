package jwks

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillsign/quill/pkg/logger"
)

// newTestKey builds a single-key JWKS entry for the given kid.
func newTestKey(t *testing.T, kid string) jwk.Key {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	key, err := jwk.Import(privateKey.Public())
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.KeyIDKey, kid))
	require.NoError(t, key.Set(jwk.AlgorithmKey, jwa.RS256()))
	require.NoError(t, key.Set(jwk.KeyUsageKey, "sig"))
	return key
}

func marshalKeySet(t *testing.T, keys ...jwk.Key) json.RawMessage {
	t.Helper()

	set := jwk.NewSet()
	for _, key := range keys {
		require.NoError(t, set.AddKey(key))
	}
	buf, err := json.Marshal(set)
	require.NoError(t, err)
	return buf
}

// fakeIssuer serves an OIDC configuration document and a swappable key set.
type fakeIssuer struct {
	server *httptest.Server

	mu          sync.Mutex
	keySet      json.RawMessage
	configCalls int
	jwksCalls   int
}

func newFakeIssuer(t *testing.T) *fakeIssuer {
	t.Helper()

	f := &fakeIssuer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		f.configCalls++
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"issuer":%q,"jwks_uri":%q}`, f.server.URL, f.server.URL+"/jwks")
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		f.jwksCalls++
		keySet := f.keySet
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/jwk-set+json")
		_, _ = w.Write(keySet)
	})

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeIssuer) setKeySet(keySet json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keySet = keySet
}

func (f *fakeIssuer) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jwksCalls
}

func newTestCache(t *testing.T, issuer *fakeIssuer) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	logger.Initialize()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewCache(issuer.server.Client(), client), mr
}

func TestLookup_FetchesAndCaches(t *testing.T) {
	t.Parallel()

	issuer := newFakeIssuer(t)
	issuer.setKeySet(marshalKeySet(t, newTestKey(t, "K1")))
	cache, mr := newTestCache(t, issuer)
	ctx := context.Background()

	key, err := cache.Lookup(ctx, issuer.server.URL, "K1")
	require.NoError(t, err)
	require.NotNil(t, key)
	assert.Equal(t, 1, issuer.fetchCount())

	// The key set is cached under the issuer with the fixed TTL.
	cacheKey := DefaultKeyPrefix + issuer.server.URL
	assert.True(t, mr.Exists(cacheKey))
	assert.Equal(t, DefaultCacheTTL, mr.TTL(cacheKey))

	// A second lookup is served from the cache.
	_, err = cache.Lookup(ctx, issuer.server.URL, "K1")
	require.NoError(t, err)
	assert.Equal(t, 1, issuer.fetchCount())
}

func TestLookup_RefetchesOnRotatedKid(t *testing.T) {
	t.Parallel()

	issuer := newFakeIssuer(t)
	issuer.setKeySet(marshalKeySet(t, newTestKey(t, "K1")))
	cache, _ := newTestCache(t, issuer)
	ctx := context.Background()

	_, err := cache.Lookup(ctx, issuer.server.URL, "K1")
	require.NoError(t, err)
	assert.Equal(t, 1, issuer.fetchCount())

	// The issuer rotates to a new key before the cache entry expires.
	issuer.setKeySet(marshalKeySet(t, newTestKey(t, "K2")))

	key, err := cache.Lookup(ctx, issuer.server.URL, "K2")
	require.NoError(t, err)
	require.NotNil(t, key)
	assert.Equal(t, 2, issuer.fetchCount())

	// The refreshed set replaced the cached one.
	_, err = cache.Lookup(ctx, issuer.server.URL, "K2")
	require.NoError(t, err)
	assert.Equal(t, 2, issuer.fetchCount())
}

func TestLookup_UnknownKid(t *testing.T) {
	t.Parallel()

	issuer := newFakeIssuer(t)
	issuer.setKeySet(marshalKeySet(t, newTestKey(t, "K1")))
	cache, _ := newTestCache(t, issuer)
	ctx := context.Background()

	_, err := cache.Lookup(ctx, issuer.server.URL, "nope")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.Equal(t, 1, issuer.fetchCount())

	// With the set now cached, an unknown kid still forces one refetch
	// before giving up.
	_, err = cache.Lookup(ctx, issuer.server.URL, "nope")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.Equal(t, 2, issuer.fetchCount())
}

func TestLookup_EmptyKid(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("single key set resolves", func(t *testing.T) {
		t.Parallel()

		issuer := newFakeIssuer(t)
		issuer.setKeySet(marshalKeySet(t, newTestKey(t, "K1")))
		cache, _ := newTestCache(t, issuer)

		key, err := cache.Lookup(ctx, issuer.server.URL, "")
		require.NoError(t, err)
		assert.NotNil(t, key)
	})

	t.Run("ambiguous key set fails without refetch", func(t *testing.T) {
		t.Parallel()

		issuer := newFakeIssuer(t)
		issuer.setKeySet(marshalKeySet(t, newTestKey(t, "K1"), newTestKey(t, "K2")))
		cache, _ := newTestCache(t, issuer)

		// Prime the cache.
		_, err := cache.Lookup(ctx, issuer.server.URL, "K1")
		require.NoError(t, err)
		require.Equal(t, 1, issuer.fetchCount())

		_, err = cache.Lookup(ctx, issuer.server.URL, "")
		assert.ErrorIs(t, err, ErrKeyNotFound)
		assert.Equal(t, 1, issuer.fetchCount(), "no kid means nothing to refresh on")
	})
}

func TestLookup_CacheExpiry(t *testing.T) {
	t.Parallel()

	issuer := newFakeIssuer(t)
	issuer.setKeySet(marshalKeySet(t, newTestKey(t, "K1")))
	cache, mr := newTestCache(t, issuer)
	ctx := context.Background()

	_, err := cache.Lookup(ctx, issuer.server.URL, "K1")
	require.NoError(t, err)
	assert.Equal(t, 1, issuer.fetchCount())

	mr.FastForward(DefaultCacheTTL + time.Second)

	_, err = cache.Lookup(ctx, issuer.server.URL, "K1")
	require.NoError(t, err)
	assert.Equal(t, 2, issuer.fetchCount())
}

func TestLookup_RejectsEncryptionOnlyKey(t *testing.T) {
	t.Parallel()

	encKey := newTestKey(t, "K1")
	require.NoError(t, encKey.Set(jwk.KeyUsageKey, "enc"))

	issuer := newFakeIssuer(t)
	issuer.setKeySet(marshalKeySet(t, encKey))
	cache, _ := newTestCache(t, issuer)

	_, err := cache.Lookup(context.Background(), issuer.server.URL, "K1")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestLookup_DiscoveryFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("discovery endpoint unavailable", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		t.Cleanup(server.Close)

		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		cache := NewCache(server.Client(), client)

		_, err := cache.Lookup(ctx, server.URL, "K1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "fetching OIDC configuration")
	})

	t.Run("missing jwks_uri", func(t *testing.T) {
		t.Parallel()

		var serverURL string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"issuer":%q}`, serverURL)
		}))
		t.Cleanup(server.Close)
		serverURL = server.URL

		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		cache := NewCache(server.Client(), client)

		_, err := cache.Lookup(ctx, server.URL, "K1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing jwks_uri")
	})

	t.Run("issuer mismatch", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"issuer":"https://somebody-else.example.com","jwks_uri":"https://somebody-else.example.com/jwks"}`)
		}))
		t.Cleanup(server.Close)

		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		cache := NewCache(server.Client(), client)

		_, err := cache.Lookup(ctx, server.URL, "K1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "issuer mismatch")
	})
}

func TestLookup_SurvivesCacheOutage(t *testing.T) {
	t.Parallel()

	issuer := newFakeIssuer(t)
	issuer.setKeySet(marshalKeySet(t, newTestKey(t, "K1")))

	logger.Initialize()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := NewCache(issuer.server.Client(), client)

	// Key resolution keeps working when the cache backend is down; reads
	// and writes are best effort.
	mr.Close()

	key, err := cache.Lookup(context.Background(), issuer.server.URL, "K1")
	require.NoError(t, err)
	assert.NotNil(t, key)
	assert.Equal(t, 1, issuer.fetchCount())
}
