package bootstrap

import (
	"context"
	"crypto/tls"
	"strings"

	"github.com/redis/go-redis/v9"

	appconfig "github.com/wolfman30/appointment-sync/internal/config"
	"github.com/wolfman30/appointment-sync/internal/syncer"
	"github.com/wolfman30/appointment-sync/pkg/logging"
)

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", "error", err)
		_ = client.Close()
		return nil
	}
	return client
}

// BuildSyncGuards returns the cross-process sync lock and report cache, or
// nil interfaces when Redis is disabled.
func BuildSyncGuards(redisClient *redis.Client, cfg *appconfig.Config) (syncer.Lock, syncer.ReportCache) {
	if redisClient == nil || cfg == nil {
		return nil, nil
	}
	var (
		lock  syncer.Lock
		cache syncer.ReportCache
	)
	if l := syncer.NewRedisLock(redisClient, syncer.DefaultLockKey, cfg.SyncLockTTL); l != nil {
		lock = l
	}
	if c := syncer.NewRedisReportCache(redisClient, cfg.SyncReportCacheTTL); c != nil {
		cache = c
	}
	return lock, cache
}
