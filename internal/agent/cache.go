package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"
)

// DefaultAbilityCacheTTL is used when WithAbilityCache gets a non-positive TTL.
const DefaultAbilityCacheTTL = 60 * time.Second

// abilityCache memoizes successful outputs of read-only abilities so a
// model repeating the same search or fetch does not hit the network twice.
type abilityCache struct {
	mu        sync.Mutex
	entries   map[string]cached
	ttl       time.Duration
	cacheable map[string]bool
	now       func() time.Time
}

type cached struct {
	output    string
	expiresAt time.Time
}

func newAbilityCache(ttl time.Duration, names []string) *abilityCache {
	if ttl <= 0 {
		ttl = DefaultAbilityCacheTTL
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return &abilityCache{entries: make(map[string]cached), ttl: ttl, cacheable: set, now: time.Now}
}

func (c *abilityCache) get(name string, params map[string]any) (string, bool) {
	if c == nil || !c.cacheable[name] {
		return "", false
	}
	key := cacheKey(name, params)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, key)
		return "", false
	}
	return e.output, true
}

func (c *abilityCache) put(name string, params map[string]any, output string) {
	if c == nil || !c.cacheable[name] {
		return
	}
	key := cacheKey(name, params)
	c.mu.Lock()
	c.entries[key] = cached{output: output, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// cacheKey hashes the name and params; json.Marshal sorts map keys.
func cacheKey(name string, params map[string]any) string {
	data, _ := json.Marshal(params)
	h := sha256.Sum256(append([]byte(name+"|"), data...))
	return hex.EncodeToString(h[:16])
}

// WithAbilityCache caches successful results of the named abilities for ttl.
func WithAbilityCache(ttl time.Duration, names ...string) Option {
	return func(a *BaseAgent) {
		if len(names) > 0 {
			a.cache = newAbilityCache(ttl, names)
		}
	}
}
