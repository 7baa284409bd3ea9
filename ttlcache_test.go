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

package predictgate_test

import (
	"strconv"
	"sync"
	"testing"

	"github.com/alvecapital/predictgate"
	"github.com/mailgun/holster/v4/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTLCache(t *testing.T) {
	t.Run("Set and get", func(t *testing.T) {
		cache := predictgate.NewTTLCache(0)

		require.True(t, cache.Set("subscription:1", true, clock.Hour))

		var subscribed bool
		require.True(t, cache.Get("subscription:1", &subscribed))
		assert.True(t, subscribed)
	})

	t.Run("Missing key is a miss", func(t *testing.T) {
		cache := predictgate.NewTTLCache(0)

		var out int
		assert.False(t, cache.Get("referral:42", &out))

		stats := cache.Stats(false)
		assert.Equal(t, int64(1), stats.Misses)
		assert.Equal(t, int64(0), stats.Hits)
	})

	t.Run("Entry expires after TTL", func(t *testing.T) {
		defer clock.Freeze(clock.Now()).Unfreeze()
		cache := predictgate.NewTTLCache(0)

		require.True(t, cache.Set("short:1", "value", 5*clock.Minute))

		var out string
		clock.Advance(5*clock.Minute - clock.Millisecond)
		require.True(t, cache.Get("short:1", &out))
		assert.Equal(t, "value", out)

		clock.Advance(clock.Millisecond)
		assert.False(t, cache.Get("short:1", &out))

		stats := cache.Stats(false)
		assert.Equal(t, int64(1), stats.Expired)
		assert.Equal(t, int64(0), stats.Size)
	})

	t.Run("Last write wins", func(t *testing.T) {
		defer clock.Freeze(clock.Now()).Unfreeze()
		cache := predictgate.NewTTLCache(0)

		require.True(t, cache.Set("referral:7", 1, clock.Minute))
		require.True(t, cache.Set("referral:7", 2, clock.Hour))

		var count int
		clock.Advance(30 * clock.Minute)
		require.True(t, cache.Get("referral:7", &count))
		assert.Equal(t, 2, count)
	})

	t.Run("Delete and clear", func(t *testing.T) {
		cache := predictgate.NewTTLCache(0)

		cache.Set("user:1", "alice", clock.Hour)
		cache.Set("user:2", "bob", clock.Hour)

		require.True(t, cache.Delete("user:1"))
		var out string
		assert.False(t, cache.Get("user:1", &out))
		require.True(t, cache.Get("user:2", &out))

		require.True(t, cache.Clear())
		assert.False(t, cache.Get("user:2", &out))
		assert.Equal(t, int64(0), cache.Stats(false).Size)
	})

	t.Run("Stats reset", func(t *testing.T) {
		cache := predictgate.NewTTLCache(0)
		cache.Set("short:1", 1, clock.Hour)

		var out int
		cache.Get("short:1", &out)
		cache.Get("short:2", &out)

		stats := cache.Stats(true)
		assert.Equal(t, int64(1), stats.Hits)
		assert.Equal(t, int64(1), stats.Misses)
		assert.Equal(t, 0.5, stats.HitRate)

		stats = cache.Stats(false)
		assert.Equal(t, int64(0), stats.Hits)
		assert.Equal(t, int64(0), stats.Misses)
	})

	t.Run("Structured values round trip", func(t *testing.T) {
		cache := predictgate.NewTTLCache(0)
		in := predictgate.UserRecord{ID: 42, Username: "alice"}

		require.True(t, cache.Set("user:42", in, clock.Hour))

		var out predictgate.UserRecord
		require.True(t, cache.Get("user:42", &out))
		assert.Equal(t, in.ID, out.ID)
		assert.Equal(t, in.Username, out.Username)
	})

	t.Run("Concurrent reads and writes", func(t *testing.T) {
		const iterations = 500
		const concurrency = 20
		cache := predictgate.NewTTLCache(0)

		var launchWg, doneWg sync.WaitGroup
		launchWg.Add(1)

		for thread := 0; thread < concurrency; thread++ {
			doneWg.Add(2)

			go func() {
				defer doneWg.Done()
				launchWg.Wait()

				for i := 0; i < iterations; i++ {
					cache.Set("key:"+strconv.Itoa(i), i, clock.Hour)
				}
			}()

			go func() {
				defer doneWg.Done()
				launchWg.Wait()

				for i := 0; i < iterations; i++ {
					var out int
					if cache.Get("key:"+strconv.Itoa(i), &out) {
						assert.Equal(t, i, out)
					}
				}
			}()
		}

		launchWg.Done()
		doneWg.Wait()
	})
}

func TestCacheTTLs(t *testing.T) {
	var ttls predictgate.CacheTTLs
	ttls.SetDefaults()

	assert.Equal(t, 24*clock.Hour, ttls.TTLFor(predictgate.CategorySubscription))
	assert.Equal(t, clock.Hour, ttls.TTLFor(predictgate.CategoryReferral))
	assert.Equal(t, clock.Hour, ttls.TTLFor(predictgate.CategoryUser))
	assert.Equal(t, 5*clock.Minute, ttls.TTLFor(predictgate.CategoryShort))
	assert.Equal(t, clock.Minute, ttls.TTLFor(predictgate.CategoryTemporary))

	// Unknown categories fall back to the short-lived default.
	assert.Equal(t, 5*clock.Minute, ttls.TTLFor("mystery"))
}

func TestCacheKey(t *testing.T) {
	assert.Equal(t, "subscription:42",
		predictgate.CacheKey(predictgate.CategorySubscription, "42"))
}
