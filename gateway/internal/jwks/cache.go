// Package jwks fetches, caches and rotates the public signing keys that an
// external identity provider publishes as a JSON Web Key Set.
package jwks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"golang.org/x/sync/singleflight"

	"github.com/openfoal/openfoal/gateway/internal/metrics"
	"github.com/openfoal/openfoal/gateway/internal/token"
)

// DefaultTTL is how long a fetched key set is trusted before refetching.
const DefaultTTL = 5 * time.Minute

// maxDocumentBytes bounds the size of a key set document.
const maxDocumentBytes = 1 << 20

var ErrEmptyKeySet = errors.New("jwks: key set contains no usable keys")

// Entry is one fetched key set.
type Entry struct {
	KeysByKid map[string]any
	ExpiresAt time.Time
}

// Cache holds the current key set for one JWKS URL. It is safe for
// concurrent use. A miss on an unknown kid inside a fresh entry never
// triggers a refetch; the entry is only rebuilt once it expires.
type Cache struct {
	url    string
	client *http.Client
	ttl    time.Duration
	now    func() time.Time

	mu    sync.RWMutex
	entry *Entry

	group singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithHTTPClient sets the client used for fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(k *Cache) { k.client = c }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(k *Cache) { k.now = now }
}

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(k *Cache) { k.ttl = ttl }
}

// New creates a Cache for the given JWKS URL.
func New(url string, opts ...Option) *Cache {
	c := &Cache{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		ttl:    DefaultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached entry if it has not expired, and otherwise fetches
// a fresh key set. Concurrent callers during a miss share one fetch.
func (c *Cache) Get(ctx context.Context) (*Entry, error) {
	c.mu.RLock()
	e := c.entry
	c.mu.RUnlock()
	if e != nil && c.now().Before(e.ExpiresAt) {
		return e, nil
	}

	// The shared fetch outlives any one caller; each caller still stops
	// waiting when its own ctx ends. The client timeout bounds the fetch.
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(c.url, func() (any, error) {
		// Another caller may have refreshed while we waited for the slot.
		c.mu.RLock()
		cur := c.entry
		c.mu.RUnlock()
		if cur != nil && c.now().Before(cur.ExpiresAt) {
			return cur, nil
		}

		fresh, err := c.fetch(fetchCtx)
		if err != nil {
			metrics.JWKSFetch(false)
			return nil, err
		}
		metrics.JWKSFetch(true)

		c.mu.Lock()
		c.entry = fresh
		c.mu.Unlock()
		return fresh, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Entry), nil
	}
}

// Lookup returns the key material for kid. It implements token.KeyLookup.
func (c *Cache) Lookup(ctx context.Context, kid string) (any, error) {
	e, err := c.Get(ctx)
	if err != nil {
		return nil, err
	}
	key, ok := e.KeysByKid[kid]
	if !ok {
		return nil, fmt.Errorf("%w: %q", token.ErrUnknownKeyID, kid)
	}
	return key, nil
}

func (c *Cache) fetch(ctx context.Context) (*Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("jwks: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jwks: fetch %s: %w", c.url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("jwks: fetch %s: unexpected status %d", c.url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return nil, fmt.Errorf("jwks: read body: %w", err)
	}

	keys, err := parse(ctx, body)
	if err != nil {
		return nil, err
	}
	return &Entry{KeysByKid: keys, ExpiresAt: c.now().Add(c.ttl)}, nil
}

// parse indexes the usable keys of a JWKS document by kid. Keys without a
// kid cannot be selected by a token header and are skipped.
func parse(ctx context.Context, body []byte) (map[string]any, error) {
	kf, err := keyfunc.NewJWKSetJSON(json.RawMessage(body))
	if err != nil {
		return nil, fmt.Errorf("jwks: parse key set: %w", err)
	}
	all, err := kf.Storage().KeyReadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("jwks: read key set: %w", err)
	}

	keys := make(map[string]any, len(all))
	for _, jwk := range all {
		kid := jwk.Marshal().KID
		if kid == "" {
			continue
		}
		keys[kid] = jwk.Key()
	}
	if len(keys) == 0 {
		return nil, ErrEmptyKeySet
	}
	return keys, nil
}
