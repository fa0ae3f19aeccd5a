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
	"sort"
	"sync"

	"go.uber.org/zap"
)

const leaderboardShardCap = 100

// Leaderboard reads are gather-scatter: each shard returns its own top-K
// (capped), then the partial boards merge into one ranked list. Reads see
// committed snapshots only; cross-shard ordering is eventually consistent.
func (c *Coordinator) Leaderboard(ctx context.Context, tenantID string, kind LeaderboardKind, limit int) ([]*LeaderboardEntry, error) {
	switch kind {
	case BoardCoins, BoardXP, BoardStreak, BoardAchievements, BoardSpending:
	default:
		return nil, NewError(KindValidation, "Unknown leaderboard kind")
	}
	if limit <= 0 || limit > leaderboardShardCap {
		limit = 20
	}

	shardCount := c.config.GetShardCount()
	partials := make([][]*LeaderboardEntry, shardCount)
	errs := make([]error, shardCount)

	var wg sync.WaitGroup
	for i := 0; i < shardCount; i++ {
		wg.Add(1)
		go func(shard int) {
			defer wg.Done()
			entries, err := c.store.TopUsers(ctx, shard, tenantID, kind, limit)
			if err != nil {
				errs[shard] = err
				return
			}
			partials[shard] = entries
		}(i)
	}
	wg.Wait()

	merged := make([]*LeaderboardEntry, 0, shardCount*limit)
	for i := 0; i < shardCount; i++ {
		if errs[i] != nil {
			// A degraded shard yields a partial board rather than an error.
			c.logger.Warn("Leaderboard shard read failed", zap.Int("shard", i), zap.Error(errs[i]))
			continue
		}
		merged = append(merged, partials[i]...)
	}

	sort.SliceStable(merged, func(a, b int) bool { return merged[a].Score > merged[b].Score })
	if len(merged) > limit {
		merged = merged[:limit]
	}
	for i, e := range merged {
		e.Rank = i + 1
	}
	return merged, nil
}
