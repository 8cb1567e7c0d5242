package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultReportKey is the Redis key holding the most recent sync report.
const DefaultReportKey = "appointment-sync:report:last"

// ReportCache shares the latest report between processes.
type ReportCache interface {
	Save(ctx context.Context, report *Report) error
	// Last returns nil without error when nothing is cached.
	Last(ctx context.Context) (*Report, error)
}

// RedisReportCache stores the last report as JSON.
type RedisReportCache struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisReportCache returns nil when client is nil.
func NewRedisReportCache(client *redis.Client, ttl time.Duration) *RedisReportCache {
	if client == nil {
		return nil
	}
	return &RedisReportCache{client: client, key: DefaultReportKey, ttl: ttl}
}

func (c *RedisReportCache) Save(ctx context.Context, report *Report) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("syncer: marshal report: %w", err)
	}
	if err := c.client.Set(ctx, c.key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("syncer: cache report: %w", err)
	}
	return nil
}

func (c *RedisReportCache) Last(ctx context.Context) (*Report, error) {
	data, err := c.client.Get(ctx, c.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("syncer: get cached report: %w", err)
	}
	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("syncer: unmarshal cached report: %w", err)
	}
	return &report, nil
}
