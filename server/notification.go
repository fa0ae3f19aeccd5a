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
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Push message kinds delivered over the WebSocket.
const (
	PushCoinCollected     = "coin_collected"
	PushMissionReady      = "mission_ready"
	PushMissionExpired    = "mission_expired"
	PushLevelUp           = "level_up"
	PushVIPTierUp         = "vip_tier_up"
	PushNotification      = "notification"
	PushEmpireIncomeReady = "empire_income_ready"
	PushCompanionHungry   = "deer_hungry"
	PushCompanionBored    = "deer_bored"
)

// PushMessage is one unit of live fan-out. Persistence is handled separately
// by the Coordinator's transaction; the router only touches sockets.
type PushMessage struct {
	TenantID string                 `json:"-"`
	UserID   string                 `json:"-"`
	Kind     string                 `json:"kind"`
	Priority NotificationPriority   `json:"-"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
}

// NotificationRouter fans live updates out to connected sessions through a
// bounded queue. Under pressure, priorities below high are dropped; delivery
// is always best-effort and never fails a request.
type NotificationRouter struct {
	logger   *zap.Logger
	metrics  Metrics
	registry *SocketRegistry

	queue chan *PushMessage

	ctx         context.Context
	ctxCancelFn context.CancelFunc
	wg          sync.WaitGroup
}

func NewNotificationRouter(logger *zap.Logger, config Config, metrics Metrics, registry *SocketRegistry) *NotificationRouter {
	ctx, ctxCancelFn := context.WithCancel(context.Background())
	r := &NotificationRouter{
		logger:      logger,
		metrics:     metrics,
		registry:    registry,
		queue:       make(chan *PushMessage, config.GetNotification().QueueSize),
		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,
	}

	r.wg.Add(2)
	for i := 0; i < 2; i++ {
		go r.worker()
	}
	return r
}

func (r *NotificationRouter) worker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case msg := <-r.queue:
			data, err := json.Marshal(msg)
			if err != nil {
				r.logger.Error("Could not encode push message", zap.Error(err))
				continue
			}
			if r.registry.PushToUser(msg.UserID, data) {
				r.metrics.NotificationPushed()
			}
		}
	}
}

// Enqueue never blocks the request path. A full queue drops everything below
// high priority; high priority waits briefly before giving up.
func (r *NotificationRouter) Enqueue(msg *PushMessage) {
	select {
	case r.queue <- msg:
		return
	default:
	}

	if msg.Priority < PriorityHigh {
		r.metrics.NotificationDropped()
		return
	}
	select {
	case r.queue <- msg:
	case <-time.After(100 * time.Millisecond):
		r.metrics.NotificationDropped()
		r.logger.Warn("Dropped high priority push, queue saturated", zap.String("kind", msg.Kind))
	case <-r.ctx.Done():
	}
}

func (r *NotificationRouter) Stop() {
	r.ctxCancelFn()
	r.wg.Wait()
}
