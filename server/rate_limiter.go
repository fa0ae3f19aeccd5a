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
	"sync"
	"time"

	"go.uber.org/zap"
)

// Endpoint classes used as rate-limit actions.
const (
	ActionLogin         = "login"
	ActionRegister      = "register"
	ActionRefresh       = "refresh"
	ActionMFASetup      = "mfa_setup"
	ActionMFAVerify     = "mfa_verify"
	ActionSubmitReceipt = "submit_receipt"
	ActionPOSPurchase   = "pos_purchase"
	ActionReadUser      = "read_user"
	ActionGenMission    = "gen_mission"
	ActionClaimMission  = "claim_mission"
	ActionReadBoard     = "read_board"
)

// RateLimitDecision is what the limiter tells the transport.
type RateLimitDecision struct {
	Allowed    bool
	RetryAfter time.Duration
}

type rateBucket struct {
	windowStart int64
	storeCount  int64 // last count confirmed by the Store
	pending     int64 // local increments not yet flushed
	lastFlush   time.Time
}

// RateLimiter enforces fixed-window caps per (subject, action). A local
// per-process bucket absorbs bursts so the Store increment is amortized:
// pending increments flush at most every flush interval or every flush
// threshold increments per key.
type RateLimiter struct {
	sync.Mutex
	logger  *zap.Logger
	config  *RateLimitConfig
	store   Store
	metrics Metrics

	buckets map[string]*rateBucket

	// storeDownSince is zero while the Store is reachable. Past the grace
	// period, fail-closed actions reject and fail-open actions rely on the
	// local counter alone.
	storeDownSince time.Time
}

func NewRateLimiter(logger *zap.Logger, config Config, store Store, metrics Metrics) *RateLimiter {
	return &RateLimiter{
		logger:  logger,
		config:  config.GetRateLimit(),
		store:   store,
		metrics: metrics,
		buckets: make(map[string]*rateBucket),
	}
}

// Check decides whether one more request for (subject, action) fits in the
// current window. Subject is the user id when authenticated, else client ip.
func (r *RateLimiter) Check(ctx context.Context, subject, action string) RateLimitDecision {
	cfg, ok := r.config.Actions[action]
	if !ok || cfg.MaxRequests <= 0 {
		return RateLimitDecision{Allowed: true}
	}

	now := time.Now().UTC()
	window := int64(cfg.WindowSec)
	windowStart := (now.Unix() / window) * window
	windowEnd := time.Unix(windowStart+window, 0).UTC()
	key := subject + "|" + action

	r.Lock()
	bucket, ok := r.buckets[key]
	if !ok || bucket.windowStart != windowStart {
		bucket = &rateBucket{windowStart: windowStart, lastFlush: now}
		r.buckets[key] = bucket
		if len(r.buckets) > 1 {
			r.dropStaleLocked(now)
		}
	}

	if bucket.storeCount+bucket.pending >= int64(cfg.MaxRequests) {
		r.Unlock()
		r.metrics.RateLimited(action)
		return RateLimitDecision{Allowed: false, RetryAfter: windowEnd.Sub(now)}
	}
	bucket.pending++

	flush := bucket.pending >= int64(r.config.FlushThreshold) ||
		now.Sub(bucket.lastFlush) >= time.Duration(r.config.FlushIntervalMs)*time.Millisecond
	pending := bucket.pending
	r.Unlock()

	if !flush {
		return RateLimitDecision{Allowed: true}
	}

	count, err := r.store.RateLimitIncr(ctx, subject, action, windowStart, pending)
	r.Lock()
	defer r.Unlock()
	if err != nil {
		if r.storeDownSince.IsZero() {
			r.storeDownSince = now
			r.logger.Warn("Rate limit store unreachable, using local counters", zap.Error(err))
		}
		if cfg.FailClosed && now.Sub(r.storeDownSince) > time.Duration(r.config.StoreGraceSec)*time.Second {
			r.metrics.RateLimited(action)
			return RateLimitDecision{Allowed: false, RetryAfter: windowEnd.Sub(now)}
		}
		// Fail-open: the local counter keeps bounding this process.
		return RateLimitDecision{Allowed: true}
	}
	r.storeDownSince = time.Time{}

	// The Store count includes our just-flushed increments and anything
	// other processes added.
	if bucket.windowStart == windowStart {
		bucket.storeCount = count
		bucket.pending -= pending
		if bucket.pending < 0 {
			bucket.pending = 0
		}
		bucket.lastFlush = now
		if bucket.storeCount > int64(cfg.MaxRequests) {
			// Another process consumed the window; reflect it immediately.
			r.metrics.RateLimited(action)
			return RateLimitDecision{Allowed: false, RetryAfter: windowEnd.Sub(now)}
		}
	}
	return RateLimitDecision{Allowed: true}
}

// dropStaleLocked removes buckets whose window is at least two windows old.
// Callers hold the mutex.
func (r *RateLimiter) dropStaleLocked(now time.Time) {
	if len(r.buckets) < 4096 {
		return
	}
	for key, bucket := range r.buckets {
		cfg, ok := r.config.Actions[keyAction(key)]
		window := int64(60)
		if ok {
			window = int64(cfg.WindowSec)
		}
		if now.Unix()-bucket.windowStart > 2*window {
			delete(r.buckets, key)
		}
	}
}

func keyAction(key string) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '|' {
			return key[i+1:]
		}
	}
	return key
}
