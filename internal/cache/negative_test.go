package cache

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestNegativeCache(t *testing.T, handler http.HandlerFunc) *NegativeCache {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	n := NewNegativeCache(testLog)
	n.apiBase = srv.URL
	return n
}

func TestNegativeCacheContainsMissing(t *testing.T) {
	n := NewNegativeCache(testLog)
	if n.Contains(mustKey(t, "octocat/nonexistent")) {
		t.Error("empty cache should not contain anything")
	}
}

func TestNegativeCacheCaches404(t *testing.T) {
	n := newTestNegativeCache(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("expected HEAD, got %s", r.Method)
		}
		w.WriteHeader(http.StatusNotFound)
	})

	key := mustKey(t, "octocat/this-repo-does-not-exist")
	if !n.ProbeAndCache(key) {
		t.Fatal("404 should cache")
	}
	if !n.Contains(key) {
		t.Error("cached entry should be contained")
	}
}

func TestNegativeCacheDoesNotCache200(t *testing.T) {
	n := newTestNegativeCache(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	key := mustKey(t, "octocat/Hello-World")
	if n.ProbeAndCache(key) {
		t.Error("200 should not cache")
	}
	if n.Contains(key) {
		t.Error("existing repo should not be contained")
	}
}

func TestNegativeCacheDoesNotCacheUnknownStatuses(t *testing.T) {
	for _, status := range []int{http.StatusForbidden, http.StatusUnauthorized, http.StatusInternalServerError} {
		n := newTestNegativeCache(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})
		key := mustKey(t, "octocat/maybe-private")
		if n.ProbeAndCache(key) {
			t.Errorf("status %d should not cache", status)
		}
	}
}

func TestNegativeCacheDoesNotCacheTransportErrors(t *testing.T) {
	n := NewNegativeCache(testLog)
	n.apiBase = "http://127.0.0.1:1" // nothing listens here

	key := mustKey(t, "octocat/unreachable")
	if n.ProbeAndCache(key) {
		t.Error("transport error should not cache")
	}
}

func TestNegativeCacheExpires(t *testing.T) {
	n := NewNegativeCache(testLog)
	n.ttl = 10 * time.Millisecond

	key := mustKey(t, "octocat/nonexistent")
	n.mu.Lock()
	n.entries[key] = time.Now()
	n.mu.Unlock()

	if !n.Contains(key) {
		t.Fatal("fresh entry should be contained")
	}

	time.Sleep(20 * time.Millisecond)
	if n.Contains(key) {
		t.Error("expired entry should not be contained")
	}
}
