// Package geocache implements the optional Redis-backed long-term ISP
// lookup cache consumed by internal/ispinfo (SPEC_FULL.md §5),
// grounded in original_source/utils/isp_detector.py's Redis-first
// cache tier ("Check Redis cache first (fastest)", 7-day TTL). A Cache
// with no client configured degrades to memory-only lookups with no
// behavior change to callers.
package geocache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pasarguard/iplimiter/internal/model"
)

const ttl = 7 * 24 * time.Hour

const keyPrefix = "iplimiter:isp:"

// Cache is a Redis-backed cache satisfying internal/ispinfo.Cache. A
// nil *redis.Client makes every operation a silent no-op.
type Cache struct {
	client *redis.Client
}

// New wraps client. client may be nil, in which case the cache
// degrades to "always miss, never store" and callers fall through to
// a live lookup every time.
func New(client *redis.Client) *Cache {
	return &Cache{client: client}
}

type wireRecord struct {
	ISP    string `json:"isp"`
	Subnet string `json:"subnet"`
}

// Get returns the cached ISP record for ip, if present and unexpired.
func (c *Cache) Get(ctx context.Context, ip string) (model.ISPRecord, bool) {
	if c.client == nil {
		return model.ISPRecord{}, false
	}
	getCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	raw, err := c.client.Get(getCtx, keyPrefix+ip).Result()
	if err != nil {
		return model.ISPRecord{}, false
	}
	var wr wireRecord
	if err := json.Unmarshal([]byte(raw), &wr); err != nil {
		return model.ISPRecord{}, false
	}
	return model.ISPRecord{ISP: wr.ISP, Subnet: wr.Subnet}, true
}

// Set stores rec for ip with a 7-day TTL. Failures are swallowed: a
// cache write must never fail the caller's lookup.
func (c *Cache) Set(ctx context.Context, ip string, rec model.ISPRecord) {
	if c.client == nil {
		return
	}
	setCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	data, err := json.Marshal(wireRecord{ISP: rec.ISP, Subnet: rec.Subnet})
	if err != nil {
		return
	}
	_ = c.client.Set(setCtx, keyPrefix+ip, data, ttl).Err()
}

// Ping verifies connectivity at startup, matching the teacher's
// connectDB-style "fail fast if the optional dependency is configured
// but unreachable" convention.
func (c *Cache) Ping(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("geocache: ping: %w", err)
	}
	return nil
}
