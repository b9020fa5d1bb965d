package discovery

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/renfield/mcp-dlna/internal/domain"
)

// CacheTTL bounds how long a renderer stays usable without being re-seen in
// a discovery round.
const CacheTTL = 5 * time.Minute

// Cache holds discovered renderers keyed by UDN. The directory service is
// the single writer; the mutex only covers the map against concurrent tool
// calls reading while a round is in flight.
type Cache struct {
	mu      sync.Mutex
	entries map[string]domain.Renderer
	now     func() time.Time
}

func NewCache() *Cache {
	return &Cache{
		entries: map[string]domain.Renderer{},
		now:     time.Now,
	}
}

// Upsert inserts or refreshes a renderer. The UDN is immutable; every other
// attribute is taken from the incoming record, and LastSeen is stamped here.
func (c *Cache) Upsert(r domain.Renderer) {
	if strings.TrimSpace(r.UDN) == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	r.LastSeen = c.now()
	c.entries[r.UDN] = r
}

// Refresh bumps LastSeen for an already-known UDN without touching its
// resolved endpoints. Used when a device answers a probe but its cached
// description is still fresh.
func (c *Cache) Refresh(udn string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.entries[udn]
	if !ok {
		return false
	}
	r.LastSeen = c.now()
	c.entries[udn] = r
	return true
}

// Lookup matches by exact UDN first, then by exact name (case-insensitive).
func (c *Cache) Lookup(nameOrUDN string) (domain.Renderer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r, ok := c.entries[nameOrUDN]; ok {
		return r, true
	}
	for _, r := range c.entries {
		if strings.EqualFold(r.Name, nameOrUDN) {
			return r, true
		}
	}
	return domain.Renderer{}, false
}

// List returns all cached renderers, most recently seen first.
func (c *Cache) List() []domain.Renderer {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]domain.Renderer, 0, len(c.entries))
	for _, r := range c.entries {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].UDN < out[j].UDN
	})
	return out
}

// IsStale reports whether the renderer has outlived the TTL.
func (c *Cache) IsStale(r domain.Renderer) bool {
	return c.now().Sub(r.LastSeen) > CacheTTL
}

// Fresh returns the cached list when it is non-empty and nothing in it is
// stale, which is the fast path for repeat discovery calls.
func (c *Cache) Fresh() ([]domain.Renderer, bool) {
	c.mu.Lock()
	if len(c.entries) == 0 {
		c.mu.Unlock()
		return nil, false
	}
	now := c.now()
	for _, r := range c.entries {
		if now.Sub(r.LastSeen) > CacheTTL {
			c.mu.Unlock()
			return nil, false
		}
	}
	c.mu.Unlock()
	return c.List(), true
}

// PruneStale evicts entries past the TTL. Entries still referenced by a
// live playback session are kept regardless of age; inUse may be nil.
func (c *Cache) PruneStale(inUse func(udn string) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for udn, r := range c.entries {
		if now.Sub(r.LastSeen) <= CacheTTL {
			continue
		}
		if inUse != nil && inUse(udn) {
			continue
		}
		delete(c.entries, udn)
	}
}
