// Package redis opens the shared go-redis client used by the Redis-backed
// stores and rate limit counters.
package redis

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"trustcore/internal/platform/config"
)

// Client wraps the go-redis client with health checking and pool metrics.
type Client struct {
	*redis.Client
}

// New creates a Redis client from cfg and verifies the connection with a
// ping. Returns nil, nil when no URL is configured.
func New(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	applyPool(opts, cfg)

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Client{Client: client}, nil
}

// applyPool overrides go-redis defaults only where cfg sets a value.
func applyPool(opts *redis.Options, cfg config.RedisConfig) {
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MinIdleConns > 0 {
		opts.MinIdleConns = cfg.MinIdleConns
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
}

func (c *Client) Health(ctx context.Context) error {
	return c.Ping(ctx).Err()
}

// Collector exposes connection pool statistics.
func (c *Client) Collector() prometheus.Collector {
	return &poolCollector{client: c.Client}
}

var (
	poolHitsDesc = prometheus.NewDesc("trustcore_redis_pool_hits_total",
		"Times a free connection was found in the pool.", nil, nil)
	poolMissesDesc = prometheus.NewDesc("trustcore_redis_pool_misses_total",
		"Times a free connection was not found in the pool.", nil, nil)
	poolTimeoutsDesc = prometheus.NewDesc("trustcore_redis_pool_timeouts_total",
		"Times a wait for a connection timed out.", nil, nil)
	poolTotalDesc = prometheus.NewDesc("trustcore_redis_pool_connections",
		"Connections currently in the pool.", nil, nil)
	poolIdleDesc = prometheus.NewDesc("trustcore_redis_pool_idle_connections",
		"Idle connections currently in the pool.", nil, nil)
)

type poolCollector struct {
	client *redis.Client
}

func (p *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- poolHitsDesc
	ch <- poolMissesDesc
	ch <- poolTimeoutsDesc
	ch <- poolTotalDesc
	ch <- poolIdleDesc
}

func (p *poolCollector) Collect(ch chan<- prometheus.Metric) {
	s := p.client.PoolStats()
	ch <- prometheus.MustNewConstMetric(poolHitsDesc, prometheus.CounterValue, float64(s.Hits))
	ch <- prometheus.MustNewConstMetric(poolMissesDesc, prometheus.CounterValue, float64(s.Misses))
	ch <- prometheus.MustNewConstMetric(poolTimeoutsDesc, prometheus.CounterValue, float64(s.Timeouts))
	ch <- prometheus.MustNewConstMetric(poolTotalDesc, prometheus.GaugeValue, float64(s.TotalConns))
	ch <- prometheus.MustNewConstMetric(poolIdleDesc, prometheus.GaugeValue, float64(s.IdleConns))
}
