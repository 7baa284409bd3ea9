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
	"encoding/json"
	"sync"

	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/setter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// TTLCache is the in-process cache backend. It is process-local only;
// deployments running more than one process should use RedisCache so checks
// survive restarts and are shared across workers.
type TTLCache struct {
	mu      sync.Mutex
	entries map[string]ttlEntry

	hits      int64
	misses    int64
	expired   int64
	lastSweep clock.Time
	sweepEach clock.Duration
	log       logrus.FieldLogger
}

type ttlEntry struct {
	value    []byte
	expireAt clock.Time
}

var _ Cache = &TTLCache{}
var _ prometheus.Collector = &TTLCache{}

var cacheSizeMetric = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "predictgate_cache_size",
	Help: "The number of unexpired entries held by the in-process cache.",
})
var cacheAccessMetric = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "predictgate_cache_access_count",
	Help: "Cache access counts.  Label \"type\" = hit|miss.",
}, []string{"type"})

// NewTTLCache creates an in-process cache. Expired entries are evicted
// lazily on read; a full sweep runs opportunistically on writes at most once
// per sweepInterval. Pass 0 for the default interval.
func NewTTLCache(sweepInterval clock.Duration) *TTLCache {
	setter.SetDefault(&sweepInterval, clock.Minute)

	return &TTLCache{
		entries:   make(map[string]ttlEntry),
		sweepEach: sweepInterval,
		lastSweep: clock.Now(),
		log:       logrus.WithField("category", "cache"),
	}
}

func (c *TTLCache) Set(key string, value interface{}, ttl clock.Duration) bool {
	data, err := json.Marshal(value)
	if err != nil {
		c.log.WithError(err).Warnf("while serializing cache entry '%s'", key)
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = ttlEntry{
		value:    data,
		expireAt: clock.Now().Add(ttl),
	}
	c.maybeSweep()
	return true
}

func (c *TTLCache) Get(key string, out interface{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		cacheAccessMetric.WithLabelValues("miss").Add(1)
		return false
	}

	// An expired entry counts as a miss and is removed on the spot.
	if !clock.Now().Before(entry.expireAt) {
		delete(c.entries, key)
		c.expired++
		c.misses++
		cacheAccessMetric.WithLabelValues("miss").Add(1)
		return false
	}

	if err := json.Unmarshal(entry.value, out); err != nil {
		c.log.WithError(err).Warnf("while deserializing cache entry '%s'", key)
		delete(c.entries, key)
		c.misses++
		cacheAccessMetric.WithLabelValues("miss").Add(1)
		return false
	}

	c.hits++
	cacheAccessMetric.WithLabelValues("hit").Add(1)
	return true
}

func (c *TTLCache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return true
}

func (c *TTLCache) Clear() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]ttlEntry)
	c.hits, c.misses, c.expired = 0, 0, 0
	return true
}

func (c *TTLCache) Stats(reset bool) CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{
		Hits:    c.hits,
		Misses:  c.misses,
		Expired: c.expired,
		Size:    int64(len(c.entries)),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	if reset {
		c.hits, c.misses, c.expired = 0, 0, 0
	}
	return stats
}

// maybeSweep evicts every expired entry, at most once per sweep interval.
// Correctness never depends on it; lazy eviction on read already guarantees
// no expired entry is returned. Callers must hold c.mu.
func (c *TTLCache) maybeSweep() {
	now := clock.Now()
	if now.Sub(c.lastSweep) < c.sweepEach {
		return
	}
	c.lastSweep = now

	var swept int
	for key, entry := range c.entries {
		if !now.Before(entry.expireAt) {
			delete(c.entries, key)
			c.expired++
			swept++
		}
	}
	if swept > 0 {
		c.log.Debugf("cache sweep removed %d expired entries", swept)
	}
}

// Describe fetches prometheus metrics to be registered
func (c *TTLCache) Describe(ch chan<- *prometheus.Desc) {
	cacheSizeMetric.Describe(ch)
	cacheAccessMetric.Describe(ch)
}

// Collect fetches metric counts and gauges from the cache
func (c *TTLCache) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	size := float64(len(c.entries))
	c.mu.Unlock()

	cacheSizeMetric.Set(size)
	cacheSizeMetric.Collect(ch)
	cacheAccessMetric.Collect(ch)
}
