package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/voltlink/internal/domain/schema"
	"github.com/coachpo/voltlink/internal/infra/telemetry"
)

// RedisConfig addresses the Redis instance backing the cache.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	TTL       time.Duration
	KeyPrefix string
}

const defaultRedisKeyPrefix = "voltlink:latest:"

// Redis stores latest points as JSON strings so several connector processes share one view.
type Redis struct {
	client     redis.UniversalClient
	ttl        time.Duration
	prefix     string
	operations metric.Int64Counter
}

// NewRedis dials and pings Redis.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache: connect redis %s: %w", cfg.Addr, err)
	}
	return NewRedisWithClient(client, cfg.TTL, cfg.KeyPrefix), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client redis.UniversalClient, ttl time.Duration, prefix string) *Redis {
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	r := &Redis{
		client:     client,
		ttl:        ttl,
		prefix:     prefix,
		operations: nil,
	}
	meter := otel.Meter("cache")
	r.operations, _ = meter.Int64Counter("cache.operations",
		metric.WithDescription("Latest-value cache operations"),
		metric.WithUnit("{operation}"))
	return r
}

func (r *Redis) key(k schema.LatestKey) string {
	return r.prefix + k.String()
}

// Put writes point under its latest key, replacing any previous value.
func (r *Redis) Put(ctx context.Context, point schema.MarketDataPoint) error {
	data, err := json.Marshal(point)
	if err != nil {
		return fmt.Errorf("cache: marshal point: %w", err)
	}
	if err := r.client.Set(ctx, r.key(point.Key()), data, r.ttl).Err(); err != nil {
		r.record(ctx, point.MarketID, "put", telemetry.ResultFailure)
		return fmt.Errorf("cache: set latest %s: %w", point.Key(), err)
	}
	r.record(ctx, point.MarketID, "put", telemetry.ResultSuccess)
	return nil
}

// Get reads the latest point for key.
func (r *Redis) Get(ctx context.Context, key schema.LatestKey) (schema.MarketDataPoint, bool, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			r.record(ctx, key.MarketID, "get", "miss")
			return schema.MarketDataPoint{}, false, nil
		}
		r.record(ctx, key.MarketID, "get", telemetry.ResultFailure)
		return schema.MarketDataPoint{}, false, fmt.Errorf("cache: get latest %s: %w", key, err)
	}
	var point schema.MarketDataPoint
	if err := json.Unmarshal(data, &point); err != nil {
		return schema.MarketDataPoint{}, false, fmt.Errorf("cache: decode latest %s: %w", key, err)
	}
	r.record(ctx, key.MarketID, "get", "hit")
	return point, true, nil
}

// Close releases the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) record(ctx context.Context, market, op, result string) {
	if r.operations == nil {
		return
	}
	r.operations.Add(ctx, 1, metric.WithAttributes(telemetry.OperationAttributes(market, op, result)...))
}

var _ Cache = (*Redis)(nil)
