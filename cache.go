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
	"fmt"

	"github.com/mailgun/holster/v4/clock"
)

// Cache stores JSON-serializable values with per-entry expiration. All
// methods are best effort; backend or serialization failures are logged by
// the implementation and surface as a miss or a false return, never as an
// error. An expired entry must never be returned.
type Cache interface {
	// Set stores value under key for ttl, overwriting any existing entry.
	Set(key string, value interface{}, ttl clock.Duration) bool

	// Get deserializes the entry for key into out and reports whether an
	// unexpired entry was found. Reading an expired entry removes it.
	Get(key string, out interface{}) bool

	// Delete removes the entry for key. A missing key is not an error.
	Delete(key string) bool

	// Clear removes every entry and resets counters.
	Clear() bool

	// Stats returns point-in-time counters, optionally resetting them.
	Stats(reset bool) CacheStats
}

type CacheStats struct {
	Hits    int64
	Misses  int64
	Expired int64
	Size    int64
	HitRate float64
}

// Cache key categories. Each category carries its own default TTL so
// callers don't hardcode expirations at every call site.
const (
	CategorySubscription = "subscription"
	CategoryReferral     = "referral"
	CategoryUser         = "user"
	CategoryShort        = "short"
	CategoryTemporary    = "temporary"
)

// CacheTTLs maps a category to its default TTL. Zero-value fields fall back
// to the package defaults in SetDefaults.
type CacheTTLs struct {
	Subscription clock.Duration
	Referral     clock.Duration
	User         clock.Duration
	Short        clock.Duration
	Temporary    clock.Duration
}

func (t *CacheTTLs) SetDefaults() {
	if t.Subscription == 0 {
		t.Subscription = 24 * clock.Hour
	}
	if t.Referral == 0 {
		t.Referral = clock.Hour
	}
	if t.User == 0 {
		t.User = clock.Hour
	}
	if t.Short == 0 {
		t.Short = 5 * clock.Minute
	}
	if t.Temporary == 0 {
		t.Temporary = clock.Minute
	}
}

// TTLFor returns the default TTL for a category. Unknown categories get the
// short-lived default.
func (t *CacheTTLs) TTLFor(category string) clock.Duration {
	switch category {
	case CategorySubscription:
		return t.Subscription
	case CategoryReferral:
		return t.Referral
	case CategoryUser:
		return t.User
	case CategoryTemporary:
		return t.Temporary
	default:
		return t.Short
	}
}

// CacheKey namespaces a key by its category so unrelated domains never
// collide in a shared backend.
func CacheKey(category, key string) string {
	return fmt.Sprintf("%s:%s", category, key)
}
