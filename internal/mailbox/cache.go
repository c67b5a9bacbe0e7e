// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mailbox

import (
	"sync"
	"time"

	"github.com/bcem/reportingest/internal/models"
)

// DefaultCacheTTL is how long a full scan result stays usable.
const DefaultCacheTTL = 5 * time.Minute

// Cache holds the result of the most recent full scan. The entry is replaced
// as a whole and expires only by TTL.
type Cache struct {
	mu        sync.Mutex
	ttl       time.Duration
	key       string
	entries   []models.EmailMessage
	fetchedAt time.Time
}

// NewCache creates a cache whose entry expires after ttl.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{ttl: ttl}
}

// Get returns the cached entries for key if they were stored less than ttl
// before now.
func (c *Cache) Get(key string, now time.Time) ([]models.EmailMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil || c.key != key || now.Sub(c.fetchedAt) >= c.ttl {
		return nil, false
	}
	return c.entries, true
}

// Set replaces the cached entry.
func (c *Cache) Set(key string, entries []models.EmailMessage, now time.Time) {
	if entries == nil {
		entries = []models.EmailMessage{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key = key
	c.entries = entries
	c.fetchedAt = now
}
