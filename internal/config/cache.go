package config

import "time"

// CacheConfig controls the availability cache in front of
// GET /v1/events/:id/availability. Availability moves with every
// reservation, so the TTL is short and the engine also drops an event's
// entry whenever its counters change.
type CacheConfig struct {
	Enabled      bool
	TTL          time.Duration
	Prefix       string
	MaxBodyBytes int
}

// LoadCacheConfig reads environment variables to build a CacheConfig.
func LoadCacheConfig() CacheConfig {
	c := CacheConfig{
		Enabled:      envBool("CACHE_ENABLED", true),
		TTL:          envDur("CACHE_TTL", 5*time.Second),
		Prefix:       envStr("CACHE_PREFIX", "cache"),
		MaxBodyBytes: envInt("CACHE_MAX_BODY_BYTES", 64<<10),
	}
	if c.TTL <= 0 {
		c.TTL = 5 * time.Second
	}
	return c
}
