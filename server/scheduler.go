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
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler runs the periodic jobs: empire income accrual, mission expiry,
// streak reset, cache refresh, notification and session sweeps, companion
// decay. Jobs never overlap with themselves and are idempotent at the
// granularity of their work unit.
type Scheduler struct {
	logger  *zap.Logger
	config  Config
	store   Store
	cache   *UserCache
	router  *NotificationRouter
	metrics Metrics

	cron *cron.Cron

	ctx         context.Context
	ctxCancelFn context.CancelFunc
}

func NewScheduler(logger *zap.Logger, config Config, store Store, cache *UserCache, router *NotificationRouter, metrics Metrics) *Scheduler {
	ctx, ctxCancelFn := context.WithCancel(context.Background())
	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger))
	return &Scheduler{
		logger:  logger,
		config:  config,
		store:   store,
		cache:   cache,
		router:  router,
		metrics: metrics,
		cron: cron.New(
			cron.WithChain(cron.SkipIfStillRunning(cronLogger)),
			cron.WithParser(cron.NewParser(cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		),
		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,
	}
}

// Start registers every job and begins ticking.
func (s *Scheduler) Start() error {
	sc := s.config.GetScheduler()
	jobs := []struct {
		name string
		spec string
		run  func(context.Context)
	}{
		{"empire_accrual", fmt.Sprintf("@every %ds", sc.AccrualIntervalSec), s.runEmpireAccrual},
		{"mission_expiry", fmt.Sprintf("@every %ds", sc.MissionExpirySec), s.runMissionExpiry},
		{"notification_sweep", fmt.Sprintf("@every %ds", sc.NotificationSweepSec), s.runNotificationSweep},
		{"session_cleanup", fmt.Sprintf("@every %ds", sc.SessionCleanupSec), s.runSessionCleanup},
		{"cache_refresh", fmt.Sprintf("@every %ds", sc.CacheRefreshSec), s.runCacheRefresh},
		{"companion_decay", fmt.Sprintf("@every %ds", sc.CompanionDecaySec), s.runCompanionDecay},
	}
	for _, job := range jobs {
		job := job
		if _, err := s.cron.AddFunc(job.spec, func() { s.instrument(job.name, job.run) }); err != nil {
			return fmt.Errorf("could not schedule %s: %w", job.name, err)
		}
	}

	// Streak reset fires at each tenant's midnight, so every tenant needs
	// its own timezone-pinned entry.
	tenants, err := s.store.ListTenants(s.ctx)
	if err != nil {
		return fmt.Errorf("could not list tenants for streak reset: %w", err)
	}
	for _, tenant := range tenants {
		tenant := tenant
		tz := tenant.Timezone
		if tz == "" {
			tz = s.config.GetTimezoneDefault()
		}
		spec := fmt.Sprintf("CRON_TZ=%s 0 0 * * *", tz)
		if _, err := s.cron.AddFunc(spec, func() {
			s.instrument("streak_reset", func(ctx context.Context) { s.runStreakReset(ctx, tenant) })
		}); err != nil {
			return fmt.Errorf("could not schedule streak reset for tenant %s: %w", tenant.ID, err)
		}
	}

	s.cron.Start()
	s.logger.Info("Scheduler started", zap.Int("tenants", len(tenants)))
	return nil
}

// Stop halts ticking and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	s.ctxCancelFn()
	select {
	case <-stopCtx.Done():
	case <-time.After(10 * time.Second):
		s.logger.Warn("Scheduler jobs still running at shutdown deadline")
	}
}

func (s *Scheduler) instrument(name string, run func(context.Context)) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(s.ctx, 60*time.Second)
	defer cancel()
	run(ctx)
	s.metrics.SchedulerJob(name, time.Since(start), 1)
}

// runEmpireAccrual credits pending income per shard, bounded per tick by the
// configured batch size. A shard-local cursor is implicit in last_accrued_at.
func (s *Scheduler) runEmpireAccrual(ctx context.Context) {
	now := time.Now().UTC()
	batch := s.config.GetScheduler().AccrualBatchSize
	for shard := 0; shard < s.config.GetShardCount(); shard++ {
		accrued, err := s.store.AccrueDueFacilities(ctx, shard, now, batch)
		if err != nil {
			s.logger.Error("Empire accrual failed", zap.Int("shard", shard), zap.Error(err))
			continue
		}
		for _, f := range accrued {
			if f.PendingIncome > 0 {
				s.router.Enqueue(&PushMessage{
					TenantID: f.TenantID, UserID: f.UserID, Kind: PushEmpireIncomeReady, Priority: PriorityLow,
					Payload: map[string]interface{}{"facility_id": f.ID, "pending_income": f.PendingIncome},
				})
			}
		}
	}
}

// runMissionExpiry transitions overdue active missions and notifies owners.
func (s *Scheduler) runMissionExpiry(ctx context.Context) {
	now := time.Now().UTC()
	for shard := 0; shard < s.config.GetShardCount(); shard++ {
		expired, err := s.store.ExpireDueMissions(ctx, shard, now, 500)
		if err != nil {
			s.logger.Error("Mission expiry failed", zap.Int("shard", shard), zap.Error(err))
			continue
		}
		if len(expired) == 0 {
			continue
		}
		notifications := make([]*Notification, 0, len(expired))
		for _, m := range expired {
			notifications = append(notifications, &Notification{
				ID:        newID(),
				TenantID:  m.TenantID,
				UserID:    m.UserID,
				Kind:      PushMissionExpired,
				Priority:  PriorityLow,
				Payload:   map[string]interface{}{"mission_id": m.ID, "template": m.TemplateID},
				CreatedAt: now,
				ExpiresAt: now.Add(time.Duration(s.config.GetNotification().ExpiryDays) * 24 * time.Hour),
			})
			s.router.Enqueue(&PushMessage{
				TenantID: m.TenantID, UserID: m.UserID, Kind: PushMissionExpired, Priority: PriorityLow,
				Payload: map[string]interface{}{"mission_id": m.ID},
			})
		}
		if err := s.store.InsertNotifications(ctx, notifications); err != nil {
			s.logger.Error("Could not persist expiry notifications", zap.Int("shard", shard), zap.Error(err))
		}
	}
}

// runStreakReset zeroes streaks for users who did not act yesterday, in the
// tenant's own timezone.
func (s *Scheduler) runStreakReset(ctx context.Context, tenant *Tenant) {
	tz := tenant.Timezone
	if tz == "" {
		tz = s.config.GetTimezoneDefault()
	}
	loc, err := loadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	yesterday := time.Now().In(loc).AddDate(0, 0, -1).Format("2006-01-02")

	var total int64
	for shard := 0; shard < s.config.GetShardCount(); shard++ {
		n, err := s.store.ResetLapsedStreaks(ctx, shard, tenant.ID, yesterday)
		if err != nil {
			s.logger.Error("Streak reset failed", zap.Int("shard", shard), zap.String("tenant", tenant.ID), zap.Error(err))
			continue
		}
		total += n
	}
	if total > 0 {
		s.logger.Info("Streaks reset", zap.String("tenant", tenant.ID), zap.Int64("users", total))
	}
}

// runNotificationSweep deletes notifications past expiry.
func (s *Scheduler) runNotificationSweep(ctx context.Context) {
	now := time.Now().UTC()
	for shard := 0; shard < s.config.GetShardCount(); shard++ {
		if _, err := s.store.SweepExpiredNotifications(ctx, shard, now); err != nil {
			s.logger.Error("Notification sweep failed", zap.Int("shard", shard), zap.Error(err))
		}
	}
}

// runSessionCleanup deletes sessions past their TTL.
func (s *Scheduler) runSessionCleanup(ctx context.Context) {
	now := time.Now().UTC()
	for shard := 0; shard < s.config.GetShardCount(); shard++ {
		if _, err := s.store.DeleteExpiredSessions(ctx, shard, now); err != nil {
			s.logger.Error("Session cleanup failed", zap.Int("shard", shard), zap.Error(err))
		}
	}
}

// runCacheRefresh re-materializes the mission template cache per tenant.
func (s *Scheduler) runCacheRefresh(ctx context.Context) {
	tenants, err := s.store.ListTenants(ctx)
	if err != nil {
		s.logger.Error("Cache refresh could not list tenants", zap.Error(err))
		return
	}
	for _, tenant := range tenants {
		templates, err := s.store.ListMissionTemplates(ctx, tenant.ID)
		if err != nil {
			s.logger.Error("Cache refresh failed", zap.String("tenant", tenant.ID), zap.Error(err))
			continue
		}
		s.cache.PutTemplates(tenant.ID, templates)
	}
}

// runCompanionDecay decrements companion stats and nudges neglectful owners
// when a stat crosses the hunger/boredom threshold.
func (s *Scheduler) runCompanionDecay(ctx context.Context) {
	const threshold = 20
	amount := s.config.GetScheduler().CompanionDecayAmount
	now := time.Now().UTC()
	for shard := 0; shard < s.config.GetShardCount(); shard++ {
		decayed, err := s.store.DecayCompanions(ctx, shard, amount, 1000, now)
		if err != nil {
			s.logger.Error("Companion decay failed", zap.Int("shard", shard), zap.Error(err))
			continue
		}
		for _, companion := range decayed {
			if companion.Health < threshold && companion.Health+amount >= threshold {
				s.router.Enqueue(&PushMessage{
					TenantID: companion.TenantID, UserID: companion.UserID, Kind: PushCompanionHungry, Priority: PriorityNormal,
					Payload: map[string]interface{}{"companion_id": companion.ID, "health": companion.Health},
				})
			}
			if companion.Happiness < threshold && companion.Happiness+amount >= threshold {
				s.router.Enqueue(&PushMessage{
					TenantID: companion.TenantID, UserID: companion.UserID, Kind: PushCompanionBored, Priority: PriorityNormal,
					Payload: map[string]interface{}{"companion_id": companion.ID, "happiness": companion.Happiness},
				})
			}
		}
	}
}
