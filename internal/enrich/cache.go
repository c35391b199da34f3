package enrich

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gomodule/redigo/redis"
	"github.com/rs/zerolog/log"

	"github.com/Yehonatan-Bar/skill-mill/pkg/models"
)

// Cache stores oracle responses across runs so unchanged documents do
// not incur repeat oracle charges. A miss and an unavailable backend
// look the same to callers.
type Cache interface {
	Get(ctx context.Context, key string) (models.EnrichmentResponse, bool)
	Put(ctx context.Context, key string, resp models.EnrichmentResponse)
}

// RedisCache is a Redis-backed response cache. Backend errors degrade
// to cache misses; they never fail enrichment.
type RedisCache struct {
	pool *redis.Pool
	ttl  time.Duration
}

// NewRedisCache connects a response cache to the Redis at addr. Entries
// expire after ttl.
func NewRedisCache(addr string, ttl time.Duration) *RedisCache {
	return &RedisCache{
		pool: &redis.Pool{
			MaxIdle:     3,
			IdleTimeout: 240 * time.Second,
			DialContext: func(ctx context.Context) (redis.Conn, error) {
				return redis.DialContext(ctx, "tcp", addr)
			},
		},
		ttl: ttl,
	}
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, key string) (models.EnrichmentResponse, bool) {
	var resp models.EnrichmentResponse
	conn, err := c.pool.GetContext(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("Enrichment cache unavailable")
		return resp, false
	}
	defer conn.Close()

	data, err := redis.Bytes(conn.Do("GET", key))
	if err == redis.ErrNil {
		return resp, false
	}
	if err != nil {
		log.Debug().Err(err).Str("key", key).Msg("Enrichment cache read failed")
		return resp, false
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("Enrichment cache entry malformed")
		return resp, false
	}
	return resp, true
}

// Put implements Cache.
func (c *RedisCache) Put(ctx context.Context, key string, resp models.EnrichmentResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	conn, err := c.pool.GetContext(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("Enrichment cache unavailable")
		return
	}
	defer conn.Close()

	if _, err := conn.Do("SETEX", key, int(c.ttl.Seconds()), data); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("Enrichment cache write failed")
	}
}

// Close releases the underlying connection pool.
func (c *RedisCache) Close() error {
	return c.pool.Close()
}
