// Package flags serves feature-flag state for PolicyGate checks. Flags are
// read fail-closed: any lookup failure reports the flag as disabled.
package flags

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Provider answers whether a feature is enabled for a tenant.
type Provider interface {
	Enabled(ctx context.Context, tenant, key string) bool
}

// Static is an immutable provider seeded from configuration.
type Static map[string]bool

func (s Static) Enabled(_ context.Context, _ string, key string) bool {
	return s[key]
}

// ParseList builds a Static provider from a comma-separated list of enabled
// flag keys (the FEATURE_FLAGS env format).
func ParseList(raw string) Static {
	out := Static{}
	for _, part := range strings.Split(raw, ",") {
		key := strings.TrimSpace(part)
		if key != "" {
			out[key] = true
		}
	}
	return out
}

// RedisProvider layers per-tenant overrides from Redis over static defaults.
// Key layout: flag:<tenant>:<key> and flag:*:<key>, values "true"/"false".
type RedisProvider struct {
	Client   *redis.Client
	Defaults Static
	Timeout  time.Duration
}

func NewRedisProvider(client *redis.Client, defaults Static) *RedisProvider {
	return &RedisProvider{Client: client, Defaults: defaults, Timeout: 2 * time.Second}
}

func (p *RedisProvider) Enabled(ctx context.Context, tenant, key string) bool {
	if key == "" {
		return false
	}
	if p.Client != nil {
		timeout := p.Timeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		lookupCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if tenant != "" {
			if v, ok := p.lookup(lookupCtx, "flag:"+tenant+":"+key); ok {
				return v
			}
		}
		if v, ok := p.lookup(lookupCtx, "flag:*:"+key); ok {
			return v
		}
	}
	if p.Defaults != nil {
		return p.Defaults[key]
	}
	return false
}

func (p *RedisProvider) lookup(ctx context.Context, redisKey string) (bool, bool) {
	val, err := p.Client.Get(ctx, redisKey).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			// treat backend trouble as "no override", fall through to defaults
			return false, false
		}
		return false, false
	}
	return strings.EqualFold(strings.TrimSpace(val), "true"), true
}
