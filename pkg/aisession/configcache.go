package aisession

import (
	"sync"
	"time"

	"github.com/troikatech/voicebridge/pkg/apiclient"
)

// ConfigCache caches AIConfig fetches keyed by (restaurantId, callerPhone)
// for a short burst window, so repeat calls from the same number shortly
// after hanging up skip a redundant GET /api/ai.
type ConfigCache struct {
	ttl time.Duration
	mu  sync.Mutex
	m   map[string]cacheEntry
}

type cacheEntry struct {
	cfg       *apiclient.AIConfig
	expiresAt time.Time
}

// NewConfigCache creates a cache with the given TTL.
func NewConfigCache(ttl time.Duration) *ConfigCache {
	return &ConfigCache{ttl: ttl, m: make(map[string]cacheEntry)}
}

func key(restaurantID, callerPhone string) string {
	return restaurantID + "|" + callerPhone
}

// Get returns a cached config if present and unexpired.
func (c *ConfigCache) Get(restaurantID, callerPhone string) (*apiclient.AIConfig, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.m[key(restaurantID, callerPhone)]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.cfg, true
}

// Put stores a config snapshot under the cache's TTL.
func (c *ConfigCache) Put(restaurantID, callerPhone string, cfg *apiclient.AIConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key(restaurantID, callerPhone)] = cacheEntry{cfg: cfg, expiresAt: time.Now().Add(c.ttl)}
}
