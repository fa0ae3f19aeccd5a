// Copyright 2024 The MallQuest Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// lruEntry is one element of the in-process tier.
type lruEntry struct {
	key       string
	value     interface{}
	version   int64
	expiresAt time.Time
}

// lruCache is a bounded LRU with per-entry TTL, safe for concurrent use.
type lruCache struct {
	sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List
	entries  map[string]*list.Element
}

func newLRUCache(capacity int, ttl time.Duration) *lruCache {
	return &lruCache{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		entries:  make(map[string]*list.Element, capacity),
	}
}

func (c *lruCache) get(key string) (interface{}, int64, bool) {
	c.Lock()
	defer c.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, 0, false
	}
	entry := el.Value.(*lruEntry)
	if time.Now().After(entry.expiresAt) {
		c.order.Remove(el)
		delete(c.entries, key)
		return nil, 0, false
	}
	c.order.MoveToFront(el)
	return entry.value, entry.version, true
}

func (c *lruCache) put(key string, value interface{}, version int64) {
	c.Lock()
	defer c.Unlock()
	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*lruEntry)
		entry.value = value
		entry.version = version
		entry.expiresAt = time.Now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}
	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*lruEntry).key)
		}
	}
	el := c.order.PushFront(&lruEntry{key: key, value: value, version: version, expiresAt: time.Now().Add(c.ttl)})
	c.entries[key] = el
}

func (c *lruCache) evict(key string) {
	c.Lock()
	defer c.Unlock()
	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}
}

func (c *lruCache) len() int {
	c.Lock()
	defer c.Unlock()
	return c.order.Len()
}

// UserCache carries hot user snapshots and memoized mission templates. Writes
// are write-through from the Coordinator: Store first, then cache refresh. A
// distributed second tier sits between the LRU and the Store when Redis is
// enabled, and degrades silently when unreachable.
type UserCache struct {
	logger    *zap.Logger
	metrics   Metrics
	users     *lruCache
	templates *lruCache
	userTTL   time.Duration
	redis     *redis.Client
}

func NewUserCache(logger *zap.Logger, config Config, metrics Metrics) *UserCache {
	cc := config.GetCache()
	c := &UserCache{
		logger:    logger,
		metrics:   metrics,
		users:     newLRUCache(cc.UserEntries, time.Duration(cc.UserTTLSec)*time.Second),
		templates: newLRUCache(cc.TemplateEntries, time.Duration(cc.TemplateTTLSec)*time.Second),
		userTTL:   time.Duration(cc.UserTTLSec) * time.Second,
	}
	if config.GetRedis().Enabled {
		opts, err := redis.ParseURL(config.GetRedis().URL)
		if err != nil {
			logger.Warn("Invalid Redis URL, second cache tier disabled", zap.Error(err))
		} else {
			c.redis = redis.NewClient(opts)
		}
	}
	return c
}

func userCacheKey(tenantID, userID string) string {
	return "mq:user:" + tenantID + ":" + userID
}

// GetUser returns a cached snapshot no more stale than its TTL, checking the
// in-process tier first and the distributed tier second.
func (c *UserCache) GetUser(ctx context.Context, tenantID, userID string) (*UserSnapshot, bool) {
	key := userCacheKey(tenantID, userID)
	if v, _, ok := c.users.get(key); ok {
		c.metrics.CacheHit("user_lru")
		return v.(*UserSnapshot), true
	}
	if c.redis != nil {
		data, err := c.redis.Get(ctx, key).Bytes()
		if err == nil {
			var snapshot UserSnapshot
			if err := json.Unmarshal(data, &snapshot); err == nil {
				c.metrics.CacheHit("user_redis")
				c.users.put(key, &snapshot, snapshot.Version)
				return &snapshot, true
			}
		} else if err != redis.Nil {
			// Second tier unavailable; degrade to LRU-only.
			c.logger.Debug("Redis cache read failed", zap.Error(err))
		}
	}
	c.metrics.CacheMiss("user")
	return nil, false
}

// PutUser refreshes both tiers after a committed write.
func (c *UserCache) PutUser(ctx context.Context, snapshot *UserSnapshot) {
	key := userCacheKey(snapshot.TenantID, snapshot.ID)

	// On a version regression the entry is stale beyond repair; evict.
	if _, cachedVersion, ok := c.users.get(key); ok && cachedVersion > snapshot.Version {
		c.users.evict(key)
		return
	}
	c.users.put(key, snapshot, snapshot.Version)

	if c.redis != nil {
		data, err := json.Marshal(snapshot)
		if err == nil {
			if err := c.redis.Set(ctx, key, data, c.userTTL).Err(); err != nil {
				c.logger.Debug("Redis cache write failed", zap.Error(err))
			}
		}
	}
}

// EvictUser drops a snapshot from both tiers.
func (c *UserCache) EvictUser(ctx context.Context, tenantID, userID string) {
	key := userCacheKey(tenantID, userID)
	c.users.evict(key)
	if c.redis != nil {
		if err := c.redis.Del(ctx, key).Err(); err != nil {
			c.logger.Debug("Redis cache delete failed", zap.Error(err))
		}
	}
}

// GetTemplates returns the memoized mission templates for a tenant.
func (c *UserCache) GetTemplates(tenantID string) ([]*MissionTemplate, bool) {
	if v, _, ok := c.templates.get("mq:tmpl:" + tenantID); ok {
		c.metrics.CacheHit("template")
		return v.([]*MissionTemplate), true
	}
	c.metrics.CacheMiss("template")
	return nil, false
}

// PutTemplates re-materializes the template cache for a tenant.
func (c *UserCache) PutTemplates(tenantID string, templates []*MissionTemplate) {
	c.templates.put("mq:tmpl:"+tenantID, templates, 0)
}

// Redis exposes the second-tier client for collaborators that share the
// connection, or nil when the tier is disabled.
func (c *UserCache) Redis() *redis.Client { return c.redis }

// Stop closes the distributed tier connection.
func (c *UserCache) Stop() {
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			c.logger.Debug("Redis close failed", zap.Error(err))
		}
	}
}
