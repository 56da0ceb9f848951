package jwks

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfoal/openfoal/gateway/internal/token"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func rsaJWK(kid string, pub *rsa.PublicKey) map[string]any {
	return map[string]any{
		"kty": "RSA",
		"kid": kid,
		"use": "sig",
		"alg": "RS256",
		"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

// keyServer serves a mutable key set and counts fetches.
type keyServer struct {
	mu      sync.Mutex
	keys    []map[string]any
	status  int
	fetches atomic.Int32
	delay   time.Duration
}

func (s *keyServer) set(keys ...map[string]any) {
	s.mu.Lock()
	s.keys = keys
	s.mu.Unlock()
}

func (s *keyServer) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	s.fetches.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != 0 {
		w.WriteHeader(s.status)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"keys": s.keys})
}

func newKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return k
}

func TestCacheServesFreshEntryWithoutRefetch(t *testing.T) {
	k1 := newKey(t)
	ks := &keyServer{}
	ks.set(rsaJWK("k1", &k1.PublicKey))
	srv := httptest.NewServer(ks)
	defer srv.Close()

	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := New(srv.URL, WithClock(clk.Now))
	ctx := context.Background()

	key, err := c.Lookup(ctx, "k1")
	require.NoError(t, err)
	pub, ok := key.(*rsa.PublicKey)
	require.True(t, ok)
	assert.Equal(t, 0, pub.N.Cmp(k1.PublicKey.N))

	// Unknown kid inside a fresh cache fails without a refetch.
	_, err = c.Lookup(ctx, "k-unknown")
	assert.ErrorIs(t, err, token.ErrUnknownKeyID)
	assert.EqualValues(t, 1, ks.fetches.Load())
}

func TestCacheRotatesAfterTTL(t *testing.T) {
	k1, k2 := newKey(t), newKey(t)
	ks := &keyServer{}
	ks.set(rsaJWK("k1", &k1.PublicKey))
	srv := httptest.NewServer(ks)
	defer srv.Close()

	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := New(srv.URL, WithClock(clk.Now))
	ctx := context.Background()

	_, err := c.Lookup(ctx, "k1")
	require.NoError(t, err)

	ks.set(rsaJWK("k2", &k2.PublicKey))
	_, err = c.Lookup(ctx, "k2")
	assert.ErrorIs(t, err, token.ErrUnknownKeyID, "rotation must not be visible before expiry")

	clk.Advance(DefaultTTL + time.Second)
	_, err = c.Lookup(ctx, "k2")
	require.NoError(t, err)
	_, err = c.Lookup(ctx, "k1")
	assert.ErrorIs(t, err, token.ErrUnknownKeyID)
	assert.EqualValues(t, 2, ks.fetches.Load())
}

func TestCacheFetchFailuresAreHard(t *testing.T) {
	k1 := newKey(t)
	ks := &keyServer{}
	ks.set(rsaJWK("k1", &k1.PublicKey))
	srv := httptest.NewServer(ks)
	defer srv.Close()

	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := New(srv.URL, WithClock(clk.Now))
	ctx := context.Background()
	_, err := c.Get(ctx)
	require.NoError(t, err)

	// After expiry a failing fetch is an error, not a stale hit.
	ks.mu.Lock()
	ks.status = http.StatusInternalServerError
	ks.mu.Unlock()
	clk.Advance(DefaultTTL)
	_, err = c.Lookup(ctx, "k1")
	assert.Error(t, err)

	ks.mu.Lock()
	ks.status = 0
	ks.mu.Unlock()
	ks.set()
	_, err = c.Get(ctx)
	assert.Error(t, err, "empty key set")
}

func TestCacheCoalescesConcurrentMisses(t *testing.T) {
	k1 := newKey(t)
	ks := &keyServer{delay: 50 * time.Millisecond}
	ks.set(rsaJWK("k1", &k1.PublicKey))
	srv := httptest.NewServer(ks)
	defer srv.Close()

	c := New(srv.URL)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Lookup(context.Background(), "k1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, ks.fetches.Load())
}

func TestCacheFetchSurvivesCancelledCaller(t *testing.T) {
	k1 := newKey(t)
	ks := &keyServer{delay: 100 * time.Millisecond}
	ks.set(rsaJWK("k1", &k1.PublicKey))
	srv := httptest.NewServer(ks)
	defer srv.Close()

	c := New(srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Lookup(ctx, "k1")
		firstErr <- err
	}()

	// Let the first caller start the fetch, then join it and hang up the first.
	require.Eventually(t, func() bool { return ks.fetches.Load() == 1 }, time.Second, 5*time.Millisecond)
	secondErr := make(chan error, 1)
	go func() {
		_, err := c.Lookup(context.Background(), "k1")
		secondErr <- err
	}()
	cancel()

	assert.ErrorIs(t, <-firstErr, context.Canceled)
	assert.NoError(t, <-secondErr)
	assert.EqualValues(t, 1, ks.fetches.Load())
}

func TestVerifyExternalThroughCache(t *testing.T) {
	k1 := newKey(t)
	ks := &keyServer{}
	ks.set(rsaJWK("k1", &k1.PublicKey))
	srv := httptest.NewServer(ks)
	defer srv.Close()

	c := New(srv.URL)
	raw, err := token.SignAsymmetric(map[string]any{
		"sub": "ext-user",
		"exp": time.Now().Add(time.Hour).Unix(),
	}, "k1", k1)
	require.NoError(t, err)

	claims, err := token.VerifyExternal(context.Background(), raw, c, token.Expectations{})
	require.NoError(t, err)
	assert.Equal(t, "ext-user", claims["sub"])
}
