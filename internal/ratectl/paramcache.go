package ratectl

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/segmentio/encoding/json"
)

// ParamCache is namespaced by tool name and keyed by a stable hash of the
// tool's normalized arguments (§4.8). Concurrent misses are not
// coalesced — first-writer-wins is explicitly not required (§5
// back-pressure policy), so two callers racing on the same key may both
// perform the underlying work and both write the cache.
type ParamCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	value      interface{}
	insertedAt time.Time
	ttl        time.Duration
}

// NewParamCache creates an empty parameter cache.
func NewParamCache() *ParamCache {
	return &ParamCache{entries: make(map[string]cacheEntry)}
}

// Key builds a stable cache key from a tool name and its normalized
// argument map. Map keys are sorted before hashing so argument order
// never affects the key.
func Key(tool string, args map[string]interface{}) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make(map[string]interface{}, len(args))
	for _, k := range keys {
		ordered[k] = args[k]
	}
	blob, _ := json.Marshal(ordered)

	sum := sha256.Sum256(append([]byte(tool+"|"), blob...))
	return tool + ":" + hex.EncodeToString(sum[:8])
}

// Get returns (hit, value) respecting the entry's TTL. Expired entries
// are evicted on read.
func (c *ParamCache) Get(key string) (bool, interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return false, nil
	}
	if time.Since(entry.insertedAt) > entry.ttl {
		delete(c.entries, key)
		return false, nil
	}
	return true, entry.value
}

// Set stores value under key with the given TTL.
func (c *ParamCache) Set(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: value, insertedAt: time.Now(), ttl: ttl}
}

// Invalidate removes a single key, if present.
func (c *ParamCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Size reports the number of entries, expired or not — for diagnostics.
func (c *ParamCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
