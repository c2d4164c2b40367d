package wes

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestServiceURLCache(t *testing.T) {
	var (
		calls   int
		fail    bool
		current = time.Unix(0, 0)
	)
	cache := NewServiceURLCache(func(ctx context.Context, kind string) (string, error) {
		calls++
		if fail {
			return "", errors.New("registry down")
		}
		return "http://" + kind + ".internal", nil
	}, time.Minute)
	cache.now = func() time.Time { return current }

	url, fresh, err := cache.Get(context.Background(), "drop-box")
	if err != nil || url != "http://drop-box.internal" || !fresh {
		t.Fatalf("first Get() = (%q, %v, %v)", url, fresh, err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}

	// Within the TTL the cache answers without resolving.
	current = current.Add(30 * time.Second)
	url, fresh, err = cache.Get(context.Background(), "drop-box")
	if err != nil || url != "http://drop-box.internal" || !fresh {
		t.Fatalf("cached Get() = (%q, %v, %v)", url, fresh, err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}

	// Past the TTL it re-resolves.
	current = current.Add(2 * time.Minute)
	if _, _, err := cache.Get(context.Background(), "drop-box"); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}

	// Expired entry plus a failing resolver serves the stale value.
	current = current.Add(2 * time.Minute)
	fail = true
	url, fresh, err = cache.Get(context.Background(), "drop-box")
	if err != nil {
		t.Fatalf("stale Get() error = %v", err)
	}
	if url != "http://drop-box.internal" || fresh {
		t.Errorf("stale Get() = (%q, %v), want stale cached value", url, fresh)
	}

	// No cached entry and a failing resolver is an error.
	if _, _, err := cache.Get(context.Background(), "metadata"); err == nil {
		t.Error("Get() for unknown kind with failing resolver succeeded")
	}

	// Invalidate forces the next lookup through the resolver.
	fail = false
	cache.Invalidate("drop-box")
	before := calls
	if _, _, err := cache.Get(context.Background(), "drop-box"); err != nil {
		t.Fatal(err)
	}
	if calls != before+1 {
		t.Errorf("Invalidate() did not force re-resolution")
	}
}
