package browse

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// RedisCache shares browse results across processes. Keys are
// `<prefix><domain>:<sha256(url)>` so domain eviction is a prefix scan.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache connects to addr. An empty prefix gets the default.
func NewRedisCache(addr, password string, db int, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "apitap:browse:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})
	return &RedisCache{client: client, prefix: prefix}
}

// Ping verifies the connection.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) key(domain, url string) string {
	sum := sha256.Sum256([]byte(url))
	return c.prefix + domain + ":" + hex.EncodeToString(sum[:16])
}

// Get fetches and decodes a cached result. Decode failures read as a
// miss so a format change never wedges the cache.
func (c *RedisCache) Get(ctx context.Context, domain, url string) (*Result, bool) {
	data, err := c.client.Get(ctx, c.key(domain, url)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.WithError(err).Debug("browse: redis cache read failed")
		}
		return nil, false
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		log.WithError(err).Debug("browse: dropping undecodable cache entry")
		return nil, false
	}
	return &res, true
}

// Set stores res for ttl. Failures are logged, never surfaced; the
// cache is an optimization.
func (c *RedisCache) Set(ctx context.Context, domain, url string, res *Result, ttl time.Duration) {
	if res == nil || ttl <= 0 {
		return
	}
	data, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key(domain, url), data, ttl).Err(); err != nil {
		log.WithError(err).Debug("browse: redis cache write failed")
	}
}

// EvictDomain deletes every key for domain.
func (c *RedisCache) EvictDomain(ctx context.Context, domain string) int {
	pattern := c.prefix + domain + ":*"
	evicted := 0

	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err == nil {
			evicted++
		}
	}
	if err := iter.Err(); err != nil {
		log.WithError(err).Debug("browse: redis eviction scan failed")
	}
	return evicted
}
