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
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLRUCacheEviction(t *testing.T) {
	cache := newLRUCache(3, time.Minute)
	cache.put("a", 1, 0)
	cache.put("b", 2, 0)
	cache.put("c", 3, 0)

	// Touch "a" so "b" becomes the least recently used.
	_, _, ok := cache.get("a")
	require.True(t, ok)

	cache.put("d", 4, 0)
	require.Equal(t, 3, cache.len())
	_, _, ok = cache.get("b")
	require.False(t, ok, "least recently used entry should be evicted")
	_, _, ok = cache.get("a")
	require.True(t, ok)
}

func TestLRUCacheTTL(t *testing.T) {
	cache := newLRUCache(10, 10*time.Millisecond)
	cache.put("a", 1, 0)
	_, _, ok := cache.get("a")
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, _, ok = cache.get("a")
	require.False(t, ok, "entry past its TTL must not be served")
}

func TestLRUCacheBounded(t *testing.T) {
	cache := newLRUCache(100, time.Minute)
	for i := 0; i < 1000; i++ {
		cache.put(fmt.Sprintf("key-%d", i), i, 0)
	}
	require.Equal(t, 100, cache.len())
}

func TestUserCacheWriteThroughAndVersion(t *testing.T) {
	cache := NewUserCache(zap.NewNop(), testConfig(), nopMetrics{})
	ctx := context.Background()

	newer := &UserSnapshot{ID: "u1", TenantID: "t1", Coins: 20, Version: 5}
	cache.PutUser(ctx, newer)

	got, ok := cache.GetUser(ctx, "t1", "u1")
	require.True(t, ok)
	require.Equal(t, int64(20), got.Coins)

	// A stale snapshot must not overwrite a newer one; the entry is evicted
	// instead so the next read repopulates from the Store.
	older := &UserSnapshot{ID: "u1", TenantID: "t1", Coins: 10, Version: 3}
	cache.PutUser(ctx, older)
	_, ok = cache.GetUser(ctx, "t1", "u1")
	require.False(t, ok)
}

func TestUserCacheEvict(t *testing.T) {
	cache := NewUserCache(zap.NewNop(), testConfig(), nopMetrics{})
	ctx := context.Background()

	cache.PutUser(ctx, &UserSnapshot{ID: "u1", TenantID: "t1", Version: 1})
	cache.EvictUser(ctx, "t1", "u1")
	_, ok := cache.GetUser(ctx, "t1", "u1")
	require.False(t, ok)
}

func TestTemplateCache(t *testing.T) {
	cache := NewUserCache(zap.NewNop(), testConfig(), nopMetrics{})

	_, ok := cache.GetTemplates("t1")
	require.False(t, ok)

	templates := []*MissionTemplate{{ID: "tmpl1", TenantID: "t1", Type: MissionDaily, Target: 3}}
	cache.PutTemplates("t1", templates)

	got, ok := cache.GetTemplates("t1")
	require.True(t, ok)
	require.Len(t, got, 1)
	require.Equal(t, "tmpl1", got[0].ID)
}
