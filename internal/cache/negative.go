package cache

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/utilitywarehouse/ghfs/internal/lock"
)

// DefaultNegativeTTL is how long a confirmed-missing repo stays cached
// before a retry is allowed (the repo may have been created, or made
// public, in the meantime).
const DefaultNegativeTTL = time.Hour

const apiBaseURL = "https://api.github.com"

// NegativeCache remembers repositories confirmed not to exist so repeated
// filesystem traversals do not hammer GitHub with doomed clones.
//
// Entries are only added after a HEAD request to the API confirms a 404;
// rate limits, auth failures and transport errors never cache. The cache is
// process-local and not persisted: a restart re-probes.
type NegativeCache struct {
	mu      lock.Mutex
	entries map[RepoKey]time.Time // when the entry was cached
	ttl     time.Duration

	client  *http.Client
	apiBase string
	log     *slog.Logger
}

// NewNegativeCache creates a negative cache with the default TTL.
func NewNegativeCache(log *slog.Logger) *NegativeCache {
	if log == nil {
		log = slog.Default()
	}
	return &NegativeCache{
		entries: make(map[RepoKey]time.Time),
		ttl:     DefaultNegativeTTL,
		client:  &http.Client{Timeout: 5 * time.Second},
		apiBase: apiBaseURL,
		log:     log,
	}
}

// SetAPIBaseURL overrides the API endpoint, for tests.
func (n *NegativeCache) SetAPIBaseURL(base string) {
	n.apiBase = base
}

// Contains reports whether key is cached as non-existent. Expired entries
// are dropped on the way out.
func (n *NegativeCache) Contains(key RepoKey) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	cachedAt, ok := n.entries[key]
	if !ok {
		return false
	}
	if time.Since(cachedAt) >= n.ttl {
		delete(n.entries, key)
		return false
	}
	return true
}

// ProbeAndCache checks key against the GitHub API and caches it if the API
// confirms it does not exist. Returns true if the entry was cached.
func (n *NegativeCache) ProbeAndCache(key RepoKey) bool {
	switch status := n.checkRepoExists(key); status {
	case repoNotFound:
		n.log.Info("confirmed repository does not exist, caching negative entry", "repo", key)
		n.mu.Lock()
		n.entries[key] = time.Now()
		n.mu.Unlock()
		return true
	case repoExists:
		n.log.Debug("repository exists, not caching", "repo", key)
		return false
	default:
		n.log.Debug("could not verify repository existence, not caching", "repo", key)
		return false
	}
}

type repoStatus int

const (
	repoUnknown repoStatus = iota
	repoExists
	repoNotFound
)

// checkRepoExists sends a HEAD request to the repos API endpoint.
// 200 means the repo exists, 404 that it does not; everything else
// (403 rate limit, 401, transport errors) is unknown.
func (n *NegativeCache) checkRepoExists(key RepoKey) repoStatus {
	url := fmt.Sprintf("%s/repos/%s/%s", n.apiBase, key.Owner, key.Repo)

	req, err := http.NewRequest(http.MethodHead, url, nil)
	if err != nil {
		return repoUnknown
	}
	req.Header.Set("User-Agent", "ghfs")

	resp, err := n.client.Do(req)
	if err != nil {
		n.log.Debug("existence probe failed", "repo", key, "err", err)
		return repoUnknown
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return repoExists
	case http.StatusNotFound:
		return repoNotFound
	default:
		n.log.Debug("existence probe returned unexpected status", "repo", key, "status", resp.StatusCode)
		return repoUnknown
	}
}
