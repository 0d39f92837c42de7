package config

import (
	"os"
	"strconv"
	"time"
)

// RateRule is one token bucket: Capacity requests at once, refilled by
// RefillTokens every RefillInterval.
type RateRule struct {
	Capacity       int
	RefillTokens   int
	RefillInterval time.Duration
}

// RateLimitConfig holds the per-route limits applied to authenticated
// booking writes. Buckets are keyed by user, so the limits are per customer.
type RateLimitConfig struct {
	Enabled bool
	Reserve RateRule
	Cancel  RateRule
	TTL     time.Duration
	Prefix  string
}

func LoadRateLimitConfig() RateLimitConfig {
	cfg := RateLimitConfig{
		Enabled: envBool("RATE_LIMIT_ENABLED", true),
		Reserve: loadRule("RATE_LIMIT_RESERVE", RateRule{Capacity: 10, RefillTokens: 1, RefillInterval: 6 * time.Second}),
		Cancel:  loadRule("RATE_LIMIT_CANCEL", RateRule{Capacity: 5, RefillTokens: 1, RefillInterval: 12 * time.Second}),
		TTL:     envDur("RATE_LIMIT_TTL", 10*time.Minute),
		Prefix:  envStr("RATE_LIMIT_PREFIX", "rl"),
	}
	longest := cfg.Reserve.RefillInterval
	if cfg.Cancel.RefillInterval > longest {
		longest = cfg.Cancel.RefillInterval
	}
	if minTTL := 5 * longest; cfg.TTL < minTTL {
		cfg.TTL = minTTL
	}
	return cfg
}

// loadRule reads <prefix>_CAPACITY, <prefix>_REFILL_TOKENS and
// <prefix>_REFILL_INTERVAL, clamping nonsense to the smallest usable bucket.
func loadRule(prefix string, def RateRule) RateRule {
	r := RateRule{
		Capacity:       envInt(prefix+"_CAPACITY", def.Capacity),
		RefillTokens:   envInt(prefix+"_REFILL_TOKENS", def.RefillTokens),
		RefillInterval: envDur(prefix+"_REFILL_INTERVAL", def.RefillInterval),
	}
	if r.Capacity < 1 {
		r.Capacity = 1
	}
	if r.RefillTokens < 1 {
		r.RefillTokens = 1
	}
	if r.RefillInterval <= 0 {
		r.RefillInterval = time.Second
	}
	return r
}

func envStr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envBool(k string, d bool) bool {
	switch os.Getenv(k) {
	case "1", "true", "TRUE", "True", "yes", "YES", "on", "ON":
		return true
	case "0", "false", "FALSE", "False", "no", "NO", "off", "OFF":
		return false
	}
	return d
}

func envInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return d
}

func envDur(k string, d time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if dur, err := time.ParseDuration(v); err == nil {
		return dur
	}
	return d
}
