package pipeline

import (
	"context"
	"fmt"
	"time"

	"neurosource/pkg/cache"
	"neurosource/pkg/checkpoint"
	"neurosource/pkg/config"
	"neurosource/pkg/logging"
	"neurosource/pkg/metrics"
)

// OpenSolutions returns the BEM solution cache selected by cfg
func OpenSolutions(ctx context.Context, cfg *config.Config, log logging.Logger, m *metrics.Metrics) (*cache.Solutions, error) {
	var store cache.Store
	switch cfg.Cache.Backend {
	case "", "memory":
		store = cache.NewMemory()
	case "redis":
		ttl := time.Duration(cfg.Cache.TTLHours) * time.Hour
		r, err := cache.DialRedis(ctx, cfg.Cache.RedisAddr, cache.WithPrefix(cfg.Cache.Prefix), cache.WithTTL(ttl))
		if err != nil {
			return nil, err
		}
		store = r
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
	return cache.NewSolutions(store, log, m), nil
}

// OpenCheckpoints returns the forward checkpoint store selected by cfg; the
// none backend returns nil
func OpenCheckpoints(ctx context.Context, cfg *config.Config) (checkpoint.Store, error) {
	c := cfg.Checkpoint
	switch c.Backend {
	case "", "none":
		return nil, nil
	case "file":
		return checkpoint.NewFileStore(c.Dir)
	case "minio":
		return checkpoint.DialMinio(ctx, checkpoint.MinioConfig{
			Endpoint:  c.Endpoint,
			AccessKey: c.AccessKey,
			SecretKey: c.SecretKey,
			Bucket:    c.Bucket,
			UseSSL:    c.UseSSL,
		})
	}
	return nil, fmt.Errorf("unknown checkpoint backend %q", c.Backend)
}
