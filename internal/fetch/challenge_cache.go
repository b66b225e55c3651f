package fetch

import (
	"strings"
	"sync"
	"time"
)

// Cookie is a single name/value pair derived from a challenge.
type Cookie struct {
	Name  string
	Value string
}

func (c Cookie) String() string {
	return c.Name + "=" + c.Value
}

type cachedCookie struct {
	cookie  Cookie
	expires time.Time
}

// ChallengeCache keeps solved challenge cookies per domain for a TTL.
type ChallengeCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]cachedCookie
}

// NewChallengeCache creates a cache whose entries live for ttl.
func NewChallengeCache(ttl time.Duration) *ChallengeCache {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &ChallengeCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cachedCookie),
	}
}

// Get returns the live cookie for domain, evicting it if expired.
func (c *ChallengeCache) Get(domain string) (Cookie, bool) {
	key := strings.ToLower(domain)
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return Cookie{}, false
	}
	if !c.now().Before(entry.expires) {
		delete(c.entries, key)
		return Cookie{}, false
	}
	return entry.cookie, true
}

// Put stores cookie for domain.
func (c *ChallengeCache) Put(domain string, cookie Cookie) {
	key := strings.ToLower(domain)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cachedCookie{cookie: cookie, expires: c.now().Add(c.ttl)}
}

// Forget drops the cookie for domain.
func (c *ChallengeCache) Forget(domain string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, strings.ToLower(domain))
}
