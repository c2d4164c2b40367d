package wes

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// ServiceURLResolver looks up the base URL of a platform service by kind, for
// example "drop-box" or "metadata".
type ServiceURLResolver func(ctx context.Context, kind string) (string, error)

// ServiceURLCache caches service base URLs with a TTL so workflow parameter
// injection does not hit the registry on every submission. A stale entry is
// still returned (with fresh=false) when re-resolution fails, mirroring the
// cached-workflow fallback in the fetcher.
type ServiceURLCache struct {
	Resolve ServiceURLResolver
	TTL     time.Duration

	mu      sync.Mutex
	entries map[string]serviceURLEntry
	now     func() time.Time // test hook
}

type serviceURLEntry struct {
	url       string
	fetchedAt time.Time
}

func NewServiceURLCache(resolve ServiceURLResolver, ttl time.Duration) *ServiceURLCache {
	return &ServiceURLCache{
		Resolve: resolve,
		TTL:     ttl,
		entries: make(map[string]serviceURLEntry),
		now:     time.Now,
	}
}

// Get returns the base URL for kind. fresh reports whether the value came from
// a live resolution or an unexpired cache entry; a stale entry served because
// re-resolution failed comes back with fresh=false and a nil error.
func (c *ServiceURLCache) Get(ctx context.Context, kind string) (url string, fresh bool, err error) {
	c.mu.Lock()
	entry, ok := c.entries[kind]
	expired := !ok || c.now().Sub(entry.fetchedAt) > c.TTL
	c.mu.Unlock()

	if ok && !expired {
		return entry.url, true, nil
	}

	resolved, resolveErr := c.Resolve(ctx, kind)
	if resolveErr != nil {
		if ok {
			return entry.url, false, nil
		}
		return "", false, resolveErr
	}

	c.mu.Lock()
	c.entries[kind] = serviceURLEntry{url: resolved, fetchedAt: c.now()}
	c.mu.Unlock()
	return resolved, true, nil
}

// HTTPServiceResolver resolves service kinds against a registry endpoint that
// answers GET {base}/services/{kind} with {"url": "..."}.
func HTTPServiceResolver(baseURL string, client *http.Client) ServiceURLResolver {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return func(ctx context.Context, kind string) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/services/%s", baseURL, kind), nil)
		if err != nil {
			return "", err
		}
		resp, err := client.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("service registry returned %d for %q", resp.StatusCode, kind)
		}
		var body struct {
			URL string `json:"url"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return "", err
		}
		if body.URL == "" {
			return "", fmt.Errorf("service registry returned no url for %q", kind)
		}
		return body.URL, nil
	}
}

// Invalidate drops the cached entry for kind.
func (c *ServiceURLCache) Invalidate(kind string) {
	c.mu.Lock()
	delete(c.entries, kind)
	c.mu.Unlock()
}
