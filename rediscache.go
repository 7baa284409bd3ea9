/*
Copyright 2024-2025 Alve Capital

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package predictgate

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/setter"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

type RedisCacheConfig struct {
	// Addr is the host:port of the redis server. Ignored if URL is set.
	Addr     string
	URL      string
	Password string
	DB       int

	// OpTimeout bounds each redis call. Default 5 seconds.
	OpTimeout clock.Duration

	Logger logrus.FieldLogger
}

func (c *RedisCacheConfig) SetDefaults() {
	setter.SetDefault(&c.Addr, "localhost:6379")
	setter.SetDefault(&c.OpTimeout, 5*clock.Second)
	setter.SetDefault(&c.Logger, logrus.WithField("category", "cache"))
}

// RedisCache is the shared cache backend. Expiration is delegated to redis
// via SETEX so entries vanish server side; a miss is reported for any
// backend error, keeping the Cache contract error free.
type RedisCache struct {
	client *redis.Client
	conf   RedisCacheConfig
	log    logrus.FieldLogger

	mu      sync.Mutex
	hits    int64
	misses  int64
	expired int64
}

var _ Cache = &RedisCache{}

// NewRedisCache connects to redis and verifies the connection with a ping.
func NewRedisCache(conf RedisCacheConfig) (*RedisCache, error) {
	conf.SetDefaults()

	opts := &redis.Options{
		Addr:     conf.Addr,
		Password: conf.Password,
		DB:       conf.DB,
	}
	if conf.URL != "" {
		var err error
		opts, err = redis.ParseURL(conf.URL)
		if err != nil {
			return nil, errors.Wrap(err, "while parsing redis URL")
		}
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), conf.OpTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "while connecting to redis")
	}

	return &RedisCache{
		client: client,
		conf:   conf,
		log:    conf.Logger,
	}, nil
}

func (c *RedisCache) Set(key string, value interface{}, ttl clock.Duration) bool {
	data, err := json.Marshal(value)
	if err != nil {
		c.log.WithError(err).Warnf("while serializing cache entry '%s'", key)
		return false
	}

	ctx, cancel := c.opContext()
	defer cancel()

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.log.WithError(err).Warnf("while writing cache entry '%s'", key)
		return false
	}
	return true
}

func (c *RedisCache) Get(key string, out interface{}) bool {
	ctx, cancel := c.opContext()
	defer cancel()

	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.WithError(err).Warnf("while reading cache entry '%s'", key)
		}
		c.count(&c.misses)
		return false
	}

	if err := json.Unmarshal(data, out); err != nil {
		c.log.WithError(err).Warnf("while deserializing cache entry '%s'", key)
		c.count(&c.misses)
		return false
	}

	c.count(&c.hits)
	return true
}

func (c *RedisCache) Delete(key string) bool {
	ctx, cancel := c.opContext()
	defer cancel()

	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.log.WithError(err).Warnf("while deleting cache entry '%s'", key)
		return false
	}
	return true
}

func (c *RedisCache) Clear() bool {
	ctx, cancel := c.opContext()
	defer cancel()

	if err := c.client.FlushDB(ctx).Err(); err != nil {
		c.log.WithError(err).Warn("while flushing cache")
		return false
	}

	c.mu.Lock()
	c.hits, c.misses, c.expired = 0, 0, 0
	c.mu.Unlock()
	return true
}

func (c *RedisCache) Stats(reset bool) CacheStats {
	ctx, cancel := c.opContext()
	defer cancel()

	var size int64
	if n, err := c.client.DBSize(ctx).Result(); err == nil {
		size = n
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{
		Hits:    c.hits,
		Misses:  c.misses,
		Expired: c.expired,
		Size:    size,
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	if reset {
		c.hits, c.misses, c.expired = 0, 0, 0
	}
	return stats
}

// Close releases the underlying redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.conf.OpTimeout)
}

func (c *RedisCache) count(counter *int64) {
	c.mu.Lock()
	*counter++
	c.mu.Unlock()
}
