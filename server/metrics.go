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
	"io"
	"net/http"
	"time"

	"github.com/uber-go/tally/v4"
	"github.com/uber-go/tally/v4/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Metrics records engine and runtime counters. A snapshot of the headline
// numbers backs the admin performance endpoint.
type Metrics interface {
	Stop(logger *zap.Logger)

	Api(route string, elapsed time.Duration, status int)
	CacheHit(tier string)
	CacheMiss(kind string)
	RateLimited(action string)
	RewardComputed(suspicious bool)
	ReceiptCommitted()
	VersionConflict()
	SchedulerJob(name string, elapsed time.Duration, units int)
	NotificationPushed()
	NotificationDropped()
	WebsocketOpened()
	WebsocketClosed()

	Snapshot() map[string]int64
	HTTPHandler() http.Handler
}

type LocalMetrics struct {
	logger *zap.Logger

	prometheusScope  tally.Scope
	prometheusCloser io.Closer
	reporter         prometheus.Reporter

	apiCount        *atomic.Int64
	receiptCount    *atomic.Int64
	suspiciousCount *atomic.Int64
	rateLimited     *atomic.Int64
	conflictCount   *atomic.Int64
	cacheHits       *atomic.Int64
	cacheMisses     *atomic.Int64
	pushed          *atomic.Int64
	dropped         *atomic.Int64
	sockets         *atomic.Int64
	startedAt       time.Time
}

func NewLocalMetrics(logger *zap.Logger, config Config) *LocalMetrics {
	reporter := prometheus.NewReporter(prometheus.Options{})
	scope, closer := tally.NewRootScope(tally.ScopeOptions{
		Prefix:         "mallquest",
		Tags:           map[string]string{"node": config.GetName()},
		CachedReporter: reporter,
		Separator:      prometheus.DefaultSeparator,
	}, time.Duration(5)*time.Second)

	return &LocalMetrics{
		logger:           logger,
		prometheusScope:  scope,
		prometheusCloser: closer,
		reporter:         reporter,
		apiCount:         atomic.NewInt64(0),
		receiptCount:     atomic.NewInt64(0),
		suspiciousCount:  atomic.NewInt64(0),
		rateLimited:      atomic.NewInt64(0),
		conflictCount:    atomic.NewInt64(0),
		cacheHits:        atomic.NewInt64(0),
		cacheMisses:      atomic.NewInt64(0),
		pushed:           atomic.NewInt64(0),
		dropped:          atomic.NewInt64(0),
		sockets:          atomic.NewInt64(0),
		startedAt:        time.Now().UTC(),
	}
}

func (m *LocalMetrics) Stop(logger *zap.Logger) {
	if err := m.prometheusCloser.Close(); err != nil {
		logger.Error("Error stopping metrics scope", zap.Error(err))
	}
}

func (m *LocalMetrics) Api(route string, elapsed time.Duration, status int) {
	m.apiCount.Inc()
	tagged := m.prometheusScope.Tagged(map[string]string{"route": route})
	tagged.Counter("api_request_count").Inc(1)
	tagged.Timer("api_request_latency").Record(elapsed)
	if status >= 500 {
		tagged.Counter("api_request_error").Inc(1)
	}
}

func (m *LocalMetrics) CacheHit(tier string) {
	m.cacheHits.Inc()
	m.prometheusScope.Tagged(map[string]string{"tier": tier}).Counter("cache_hit").Inc(1)
}

func (m *LocalMetrics) CacheMiss(kind string) {
	m.cacheMisses.Inc()
	m.prometheusScope.Tagged(map[string]string{"kind": kind}).Counter("cache_miss").Inc(1)
}

func (m *LocalMetrics) RateLimited(action string) {
	m.rateLimited.Inc()
	m.prometheusScope.Tagged(map[string]string{"action": action}).Counter("rate_limited").Inc(1)
}

func (m *LocalMetrics) RewardComputed(suspicious bool) {
	if suspicious {
		m.suspiciousCount.Inc()
		m.prometheusScope.Counter("reward_suspicious").Inc(1)
		return
	}
	m.prometheusScope.Counter("reward_computed").Inc(1)
}

func (m *LocalMetrics) ReceiptCommitted() {
	m.receiptCount.Inc()
	m.prometheusScope.Counter("receipt_committed").Inc(1)
}

func (m *LocalMetrics) VersionConflict() {
	m.conflictCount.Inc()
	m.prometheusScope.Counter("version_conflict").Inc(1)
}

func (m *LocalMetrics) SchedulerJob(name string, elapsed time.Duration, units int) {
	tagged := m.prometheusScope.Tagged(map[string]string{"job": name})
	tagged.Timer("scheduler_job_duration").Record(elapsed)
	tagged.Counter("scheduler_job_units").Inc(int64(units))
}

func (m *LocalMetrics) NotificationPushed() {
	m.pushed.Inc()
	m.prometheusScope.Counter("notification_pushed").Inc(1)
}

func (m *LocalMetrics) NotificationDropped() {
	m.dropped.Inc()
	m.prometheusScope.Counter("notification_dropped").Inc(1)
}

func (m *LocalMetrics) WebsocketOpened() {
	m.sockets.Inc()
	m.prometheusScope.Gauge("websocket_open").Update(float64(m.sockets.Load()))
}

func (m *LocalMetrics) WebsocketClosed() {
	m.sockets.Dec()
	m.prometheusScope.Gauge("websocket_open").Update(float64(m.sockets.Load()))
}

func (m *LocalMetrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"uptime_sec":            int64(time.Since(m.startedAt).Seconds()),
		"api_requests":          m.apiCount.Load(),
		"receipts_committed":    m.receiptCount.Load(),
		"receipts_suspicious":   m.suspiciousCount.Load(),
		"rate_limited":          m.rateLimited.Load(),
		"version_conflicts":     m.conflictCount.Load(),
		"cache_hits":            m.cacheHits.Load(),
		"cache_misses":          m.cacheMisses.Load(),
		"notifications_pushed":  m.pushed.Load(),
		"notifications_dropped": m.dropped.Load(),
		"websockets_open":       m.sockets.Load(),
	}
}

func (m *LocalMetrics) HTTPHandler() http.Handler {
	return m.reporter.HTTPHandler()
}
