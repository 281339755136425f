package cache

import (
	"context"
	"fmt"

	"deploy-go/internal/config"
	"deploy-go/internal/deploy"
)

// NewCacheFromConfig creates the descriptor cache named by cfg.Type.
func NewCacheFromConfig(ctx context.Context, cfg config.CacheConfig, clock deploy.Clock) (deploy.DescriptorCache, error) {
	switch cfg.Type {
	case "", "none":
		return deploy.NopCache{}, nil
	case "memory":
		return NewMemoryCache(clock), nil
	case "redis":
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("redis cache requires redis_url")
		}
		return NewRedisCache(ctx, cfg.RedisURL, DefaultKeyPrefix)
	default:
		return nil, fmt.Errorf("unknown cache type: %s", cfg.Type)
	}
}
