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

// Package dedup provides an in-flight claim per message ID using a Redis key
// with TTL. It keeps concurrent batch runs (scheduled sync, manual trigger,
// one-shot backfill) from extracting the same message at the same time. The
// store's unique message ID remains the durable guard.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL bounds how long a crashed worker can hold a claim.
	DefaultTTL = 30 * time.Minute

	// keyPrefix namespaces claim keys in Redis.
	keyPrefix = "reports:inflight:"
)

// Filter tracks which message IDs are currently being processed.
type Filter struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewFilter creates a claim filter backed by Redis. A non-positive ttl uses
// DefaultTTL.
func NewFilter(rdb redis.Cmdable, ttl time.Duration) *Filter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Filter{
		rdb: rdb,
		ttl: ttl,
	}
}

// Claim returns true if no other worker holds messageID. If true, the claim
// is taken atomically (SETNX) and must be released with Release.
func (f *Filter) Claim(ctx context.Context, messageID string) (bool, error) {
	set, err := f.rdb.SetNX(ctx, key(messageID), 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}
	return set, nil
}

// Release drops the claim on messageID.
func (f *Filter) Release(ctx context.Context, messageID string) error {
	if err := f.rdb.Del(ctx, key(messageID)).Err(); err != nil {
		return fmt.Errorf("dedup DEL: %w", err)
	}
	return nil
}

func key(messageID string) string {
	return keyPrefix + messageID
}
