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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRateLimiter(t *testing.T, store *fakeStore, mutate func(*RateLimitConfig)) *RateLimiter {
	t.Helper()
	cfg := testConfig()
	// Flush on every increment so the fake store count is authoritative.
	cfg.RateLimit.FlushThreshold = 1
	cfg.RateLimit.FlushIntervalMs = 0
	if mutate != nil {
		mutate(cfg.RateLimit)
	}
	return NewRateLimiter(zap.NewNop(), cfg, store, nopMetrics{})
}

func TestRateLimiterEnforcesCap(t *testing.T) {
	store := newFakeStore()
	limiter := newTestRateLimiter(t, store, nil)
	ctx := context.Background()

	// submit_receipt allows 10 per minute; the 11th is rejected.
	for i := 0; i < 10; i++ {
		decision := limiter.Check(ctx, "u1", ActionSubmitReceipt)
		require.True(t, decision.Allowed, "request %d should be admitted", i+1)
	}
	decision := limiter.Check(ctx, "u1", ActionSubmitReceipt)
	require.False(t, decision.Allowed)
	require.Greater(t, decision.RetryAfter, time.Duration(0))
}

func TestRateLimiterSubjectsIndependent(t *testing.T) {
	store := newFakeStore()
	limiter := newTestRateLimiter(t, store, nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.True(t, limiter.Check(ctx, "u1", ActionSubmitReceipt).Allowed)
	}
	require.False(t, limiter.Check(ctx, "u1", ActionSubmitReceipt).Allowed)
	require.True(t, limiter.Check(ctx, "u2", ActionSubmitReceipt).Allowed)
}

func TestRateLimiterUnknownActionAllows(t *testing.T) {
	store := newFakeStore()
	limiter := newTestRateLimiter(t, store, nil)
	require.True(t, limiter.Check(context.Background(), "u1", "unknown_action").Allowed)
}

func TestRateLimiterFailOpenWithinGrace(t *testing.T) {
	store := newFakeStore()
	store.rateIncrErr = errors.New("store down")
	limiter := newTestRateLimiter(t, store, nil)

	// submit_receipt is declared fail-open; a broken store within the grace
	// period admits the request on the local counter.
	require.True(t, limiter.Check(context.Background(), "u1", ActionSubmitReceipt).Allowed)
}

func TestRateLimiterFailClosedPastGrace(t *testing.T) {
	store := newFakeStore()
	store.rateIncrErr = errors.New("store down")
	limiter := newTestRateLimiter(t, store, func(cfg *RateLimitConfig) {
		cfg.StoreGraceSec = 0
	})

	// First failure records the outage start.
	limiter.Check(context.Background(), "u1", ActionLogin)
	// With a zero grace period, the fail-closed login action now rejects.
	require.False(t, limiter.Check(context.Background(), "u1", ActionLogin).Allowed)
}

func TestRateLimiterLocalCounterBoundsWithoutStore(t *testing.T) {
	store := newFakeStore()
	store.rateIncrErr = errors.New("store down")
	limiter := newTestRateLimiter(t, store, nil)
	ctx := context.Background()

	// Fail-open actions still respect the local per-process window.
	allowed := 0
	for i := 0; i < 20; i++ {
		if limiter.Check(ctx, "u1", ActionSubmitReceipt).Allowed {
			allowed++
		}
	}
	require.LessOrEqual(t, allowed, 10)
}
