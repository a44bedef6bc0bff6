package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRevocationLookup wraps failures of a revocation backend.
var ErrRevocationLookup = errors.New("revocation lookup failed")

// StaticList is an in-memory revocation set.
type StaticList struct {
	mu       sync.RWMutex
	subjects map[string]struct{}
}

// NewStaticList creates a list holding subjects.
func NewStaticList(subjects ...string) *StaticList {
	l := &StaticList{subjects: make(map[string]struct{}, len(subjects))}
	for _, s := range subjects {
		l.subjects[s] = struct{}{}
	}
	return l
}

// IsRevoked implements RevocationChecker.
func (l *StaticList) IsRevoked(_ context.Context, subject string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.subjects[subject]
	return ok, nil
}

// Revoke adds subject to the list.
func (l *StaticList) Revoke(subject string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subjects[subject] = struct{}{}
}

// Restore removes subject from the list.
func (l *StaticList) Restore(subject string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.subjects, subject)
}

// HTTPChecker asks a revocation service over HTTP:
// GET {base}/subjects/{subject} -> {"revoked": bool}; 404 means not revoked.
type HTTPChecker struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPChecker creates a checker with a per-lookup timeout.
func NewHTTPChecker(baseURL string, timeout time.Duration) *HTTPChecker {
	return &HTTPChecker{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type revocationStatus struct {
	Revoked bool `json:"revoked"`
}

// IsRevoked implements RevocationChecker.
func (c *HTTPChecker) IsRevoked(ctx context.Context, subject string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/subjects/"+url.PathEscape(subject), nil)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRevocationLookup, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRevocationLookup, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var status revocationStatus
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return false, fmt.Errorf("%w: decoding response: %v", ErrRevocationLookup, err)
		}
		return status.Revoked, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("%w: unexpected status %d", ErrRevocationLookup, resp.StatusCode)
	}
}

// RedisChecker looks subjects up in a Redis set shared by all gateway replicas.
type RedisChecker struct {
	client redis.UniversalClient
	key    string
}

// NewRedisChecker creates a checker reading the set stored at key.
func NewRedisChecker(client redis.UniversalClient, key string) *RedisChecker {
	return &RedisChecker{client: client, key: key}
}

// IsRevoked implements RevocationChecker.
func (c *RedisChecker) IsRevoked(ctx context.Context, subject string) (bool, error) {
	revoked, err := c.client.SIsMember(ctx, c.key, subject).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRevocationLookup, err)
	}
	return revoked, nil
}

// Revoke adds subject to the set.
func (c *RedisChecker) Revoke(ctx context.Context, subject string) error {
	return c.client.SAdd(ctx, c.key, subject).Err()
}

// Restore removes subject from the set.
func (c *RedisChecker) Restore(ctx context.Context, subject string) error {
	return c.client.SRem(ctx, c.key, subject).Err()
}

// List returns every revoked subject.
func (c *RedisChecker) List(ctx context.Context) ([]string, error) {
	return c.client.SMembers(ctx, c.key).Result()
}

// Ping checks connectivity.
func (c *RedisChecker) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// DefaultRevocationCacheTTL bounds how stale a cached answer may be.
const DefaultRevocationCacheTTL = 15 * time.Second

type cacheEntry struct {
	revoked   bool
	fetchedAt time.Time
}

// CachedChecker memoizes another checker's answers for at most ttl.
// Failed lookups are not cached and expired entries are never served. Expired
// entries are swept at most once per ttl, on write.
type CachedChecker struct {
	next RevocationChecker
	ttl  time.Duration
	now  func() time.Time

	mu         sync.RWMutex
	entries    map[string]cacheEntry
	generation uint64
	lastSweep  time.Time
}

// NewCachedChecker wraps next.
func NewCachedChecker(next RevocationChecker, ttl time.Duration) *CachedChecker {
	if ttl <= 0 {
		ttl = DefaultRevocationCacheTTL
	}
	return &CachedChecker{
		next:    next,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// IsRevoked implements RevocationChecker.
func (c *CachedChecker) IsRevoked(ctx context.Context, subject string) (bool, error) {
	now := c.now()

	c.mu.RLock()
	entry, ok := c.entries[subject]
	gen := c.generation
	c.mu.RUnlock()
	if ok && now.Sub(entry.fetchedAt) < c.ttl {
		return entry.revoked, nil
	}

	revoked, err := c.next.IsRevoked(ctx, subject)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// An Invalidate during the lookup makes this answer stale.
	if c.generation != gen {
		return revoked, nil
	}
	if now.Sub(c.lastSweep) >= c.ttl {
		for s, e := range c.entries {
			if now.Sub(e.fetchedAt) >= c.ttl {
				delete(c.entries, s)
			}
		}
		c.lastSweep = now
	}
	c.entries[subject] = cacheEntry{revoked: revoked, fetchedAt: now}

	return revoked, nil
}

// Invalidate drops every cached answer, including lookups still in flight.
func (c *CachedChecker) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
	c.generation++
}

// Len returns the number of cached answers.
func (c *CachedChecker) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
