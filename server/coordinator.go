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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"html"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// userLockWait bounds how long a request waits on the per-user mutex
	// before rejecting with busy.
	userLockWait = 500 * time.Millisecond

	versionConflictRetries = 3
)

// keyedMutex serializes mutating operations per (tenant, user). The shard
// transaction still enforces correctness if the mutex is bypassed across
// processes; the mutex exists to bound retry storms within one.
type keyedMutex struct {
	sync.Mutex
	locks map[string]chan struct{}
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]chan struct{})}
}

func (m *keyedMutex) acquire(ctx context.Context, key string, wait time.Duration) (func(), error) {
	m.Lock()
	ch, ok := m.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		m.locks[key] = ch
	}
	m.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-timer.C:
		return nil, ErrUserBusy
	case <-ctx.Done():
		return nil, WrapError(KindTransient, "Request cancelled", ctx.Err())
	}
}

// Coordinator executes requests end to end: admission, load, compute, atomic
// commit, notification fan-out. It is the only component that writes user
// state.
type Coordinator struct {
	logger      *zap.Logger
	config      Config
	store       Store
	cache       *UserCache
	authGate    *AuthGate
	rateLimiter *RateLimiter
	router      *NotificationRouter
	metrics     Metrics
	locks       *keyedMutex
}

func NewCoordinator(logger *zap.Logger, config Config, store Store, cache *UserCache, authGate *AuthGate, rateLimiter *RateLimiter, router *NotificationRouter, metrics Metrics) *Coordinator {
	return &Coordinator{
		logger:      logger,
		config:      config,
		store:       store,
		cache:       cache,
		authGate:    authGate,
		rateLimiter: rateLimiter,
		router:      router,
		metrics:     metrics,
		locks:       newKeyedMutex(),
	}
}

// Admit authenticates the token and checks the rate limit for the action.
// The subject is the user id when authenticated, otherwise the client ip.
func (c *Coordinator) Admit(ctx context.Context, token, action, clientIP string) (*SessionTokenClaims, error) {
	claims, err := c.authGate.Verify(ctx, token)
	if err != nil {
		return nil, err
	}
	if action != "" {
		if d := c.rateLimiter.Check(ctx, claims.UserID, action); !d.Allowed {
			return nil, ErrRateLimited
		}
	}
	return claims, nil
}

// AdmitPublic rate limits an unauthenticated request by client ip.
func (c *Coordinator) AdmitPublic(ctx context.Context, action, clientIP string) error {
	if d := c.rateLimiter.Check(ctx, clientIP, action); !d.Allowed {
		return ErrRateLimited
	}
	return nil
}

// ReceiptSubmission is the validated inbound shape of a receipt.
type ReceiptSubmission struct {
	Amount         float64
	StoreName      string
	Category       string
	WifiSSID       string
	Timestamp      time.Time
	IdempotencyKey string
	Source         ReceiptSource
}

// RewardResponse is the reward block of the receipt response.
type RewardResponse struct {
	Coins       int64              `json:"coins"`
	XP          int64              `json:"xp"`
	Multipliers map[string]float64 `json:"multipliers"`
	Bonus       int64              `json:"bonus"`
}

// UserTotals is the post-commit user block of mutating responses.
type UserTotals struct {
	Coins   int64  `json:"coins"`
	XP      int64  `json:"xp"`
	Level   int    `json:"level"`
	VIPTier string `json:"vip_tier"`
	Streak  int    `json:"streak"`
}

// ReceiptResponse is the public contract of POST /api/receipt.
type ReceiptResponse struct {
	ReceiptID string         `json:"receipt_id"`
	Status    string         `json:"status"`
	Reward    RewardResponse `json:"reward"`
	User      UserTotals     `json:"user"`
	Events    []DerivedEvent `json:"events"`
}

func userTotals(s *UserSnapshot) UserTotals {
	return UserTotals{
		Coins:   s.Coins,
		XP:      s.XP,
		Level:   s.Level,
		VIPTier: s.VIPTier.String(),
		Streak:  s.StreakDays,
	}
}

// SubmitReceipt runs the canonical flow: validate, load, compute, commit
// atomically under the idempotency key, refresh cache, fan out. userID is
// the credited player: the caller for mobile uploads, the target player for
// POS-originated purchases.
func (c *Coordinator) SubmitReceipt(ctx context.Context, tenant *Tenant, userID string, sub *ReceiptSubmission) (*ReceiptResponse, error) {
	policy := ResolvePolicy(c.config.GetPolicy(), tenant, c.config.GetTimezoneDefault())

	if err := validateSubmission(sub, policy); err != nil {
		return nil, err
	}

	requestHash := hashSubmission(sub)

	// Idempotency pre-check: a committed key returns the stored outcome
	// without taking the user lock.
	if stored, storedHash, found, err := c.store.GetIdempotentResponse(ctx, tenant.ID, userID, sub.IdempotencyKey); err != nil {
		return nil, err
	} else if found {
		if storedHash != requestHash {
			return nil, ErrIdempotencyReuse
		}
		return decodeReceiptResponse(stored)
	}

	release, err := c.locks.acquire(ctx, tenant.ID+":"+userID, userLockWait)
	if err != nil {
		return nil, err
	}
	defer release()

	var response *ReceiptResponse
	var pushes []*PushMessage
	var snapshot *UserSnapshot

	for attempt := 0; ; attempt++ {
		user, err := c.loadUser(ctx, tenant.ID, userID, attempt > 0)
		if err != nil {
			return nil, err
		}

		events, err := c.store.ListActiveEvents(ctx, tenant.ID, sub.Timestamp)
		if err != nil {
			return nil, err
		}
		recent, err := c.store.CountRecentStoreReceipts(ctx, tenant.ID, userID, sub.StoreName,
			sub.Timestamp.Add(-time.Duration(policy.DuplicateStoreMins)*time.Minute))
		if err != nil {
			return nil, err
		}

		receipt := &Receipt{
			ID:             newID(),
			TenantID:       tenant.ID,
			UserID:         userID,
			StoreName:      sub.StoreName,
			Category:       sub.Category,
			Amount:         sub.Amount,
			Currency:       policy.Currency,
			Source:         sub.Source,
			State:          ReceiptVerified,
			IdempotencyKey: sub.IdempotencyKey,
			WifiSSID:       sub.WifiSSID,
			SubmittedAt:    sub.Timestamp,
		}

		reward, err := ComputeReward(&RewardInput{
			User:                user,
			Receipt:             receipt,
			Policy:              policy,
			Events:              events,
			Now:                 sub.Timestamp,
			RecentStoreReceipts: recent,
		})
		if err != nil {
			return nil, err
		}
		c.metrics.RewardComputed(reward.Suspicious)

		receipt.Reward = &RewardSnapshot{
			Coins:       reward.Coins,
			XP:          reward.XP,
			BonusCoins:  reward.BonusCoins,
			VIPPoints:   reward.VIPPoints,
			Multipliers: reward.Multipliers,
			EventIDs:    reward.EventIDs,
		}

		delta := &UserDelta{
			ExpectedVersion: user.Version,
			Receipt:         receipt,
			LastActive:      sub.Timestamp,
		}
		status := "verified"
		responseEvents := []DerivedEvent{}

		if reward.Suspicious {
			// Credit is withheld pending review; the computed reward stays
			// on the receipt row for audit.
			receipt.State = ReceiptSuspicious
			status = "suspicious"
			delta.Notifications = append(delta.Notifications, c.newNotification(tenant.ID, userID,
				"receipt_review", PriorityNormal, map[string]interface{}{
					"receipt_id": receipt.ID,
					"reasons":    reward.FraudReasons,
				}))
		} else {
			c.applyRewardToDelta(delta, user, reward)
			c.evaluateMissions(ctx, tenant.ID, userID, receipt, delta)
			pushes = c.buildRewardPushes(tenant.ID, userID, reward, delta)
			c.appendRewardNotifications(tenant.ID, userID, reward, delta)
			responseEvents = reward.Events
		}

		result, err := c.store.ApplyUserDelta(ctx, tenant.ID, userID, delta, sub.IdempotencyKey, requestHash,
			func(committed *UserSnapshot) ([]byte, error) {
				resp := &ReceiptResponse{
					ReceiptID: receipt.ID,
					Status:    status,
					Reward: RewardResponse{
						Coins:       reward.Coins,
						XP:          reward.XP,
						Multipliers: reward.Multipliers,
						Bonus:       reward.BonusCoins + reward.UpgradeBonus,
					},
					User:   userTotals(committed),
					Events: responseEvents,
				}
				response = resp
				return json.Marshal(resp)
			})
		if err != nil {
			if errors.Is(err, ErrVersionConflict) && attempt < versionConflictRetries {
				c.metrics.VersionConflict()
				continue
			}
			return nil, err
		}

		if result.Replayed {
			return decodeReceiptResponse(result.Response)
		}
		snapshot = result.Snapshot
		break
	}

	// Steps after commit are best-effort: the response comes from the
	// committed snapshot, not the cache.
	c.cache.PutUser(ctx, snapshot)
	c.metrics.ReceiptCommitted()
	for _, p := range pushes {
		c.router.Enqueue(p)
	}
	return response, nil
}

// applyRewardToDelta folds a computed reward into the user delta.
func (c *Coordinator) applyRewardToDelta(delta *UserDelta, user *UserSnapshot, reward *RewardDelta) {
	var achievementCoins, achievementPoints int64
	for _, a := range reward.Achievements {
		a.ID = newID()
		a.EarnedAt = delta.LastActive
		achievementCoins += a.RewardCoins
		achievementPoints += a.Points
	}

	delta.CoinsDelta = reward.Coins + reward.BonusCoins + reward.UpgradeBonus + achievementCoins
	delta.XPDelta = reward.XP
	delta.VIPPointsDelta = reward.VIPPoints
	delta.AchievementPointsDelta = achievementPoints
	delta.SpendingDelta = delta.Receipt.Amount
	delta.NewLevel = &reward.LevelAfter
	delta.NewVIPTier = &reward.TierAfter
	delta.StreakDays = &reward.StreakDays
	delta.StreakLastDay = &reward.StreakLastDay
	delta.AddVisitedCategory = delta.Receipt.Category
	delta.Achievements = reward.Achievements
}

// evaluateMissions increments progress on every active mission whose
// predicate matches the receipt, within the same transaction as the commit.
func (c *Coordinator) evaluateMissions(ctx context.Context, tenantID, userID string, receipt *Receipt, delta *UserDelta) {
	missions, err := c.store.ListMissions(ctx, tenantID, userID, []MissionStatus{MissionActive})
	if err != nil {
		// Mission progress is recoverable; the receipt commit is not held
		// hostage to a mission read failure.
		c.logger.Warn("Could not list missions for progress", zap.Error(err), zap.String("user_id", userID))
		return
	}
	for _, m := range missions {
		if !missionMatches(m, receipt) {
			continue
		}
		progress := m.Progress + 1
		status := MissionActive
		if progress >= m.Target {
			status = MissionReadyToClaim
			delta.Notifications = append(delta.Notifications, c.newNotification(tenantID, userID,
				PushMissionReady, PriorityHigh, map[string]interface{}{
					"mission_id": m.ID,
					"template":   m.TemplateID,
				}))
		}
		delta.MissionChanges = append(delta.MissionChanges, MissionChange{
			MissionID: m.ID,
			Progress:  progress,
			Status:    status,
		})
	}
}

func missionMatches(m *Mission, receipt *Receipt) bool {
	if m.Category != "" && m.Category != receipt.Category {
		return false
	}
	if m.MinAmount > 0 && receipt.Amount < m.MinAmount {
		return false
	}
	return true
}

func (c *Coordinator) buildRewardPushes(tenantID, userID string, reward *RewardDelta, delta *UserDelta) []*PushMessage {
	pushes := make([]*PushMessage, 0, 2+len(delta.MissionChanges))
	pushes = append(pushes, &PushMessage{
		TenantID: tenantID, UserID: userID, Kind: PushCoinCollected, Priority: PriorityLow,
		Payload: map[string]interface{}{"coins": reward.Coins + reward.BonusCoins + reward.UpgradeBonus},
	})
	for _, e := range reward.Events {
		switch e.Type {
		case EventLevelUp:
			pushes = append(pushes, &PushMessage{TenantID: tenantID, UserID: userID, Kind: PushLevelUp, Priority: PriorityHigh, Payload: e.Payload})
		case EventVIPTierUp:
			pushes = append(pushes, &PushMessage{TenantID: tenantID, UserID: userID, Kind: PushVIPTierUp, Priority: PriorityHigh, Payload: e.Payload})
		}
	}
	for _, mc := range delta.MissionChanges {
		if mc.Status == MissionReadyToClaim {
			pushes = append(pushes, &PushMessage{
				TenantID: tenantID, UserID: userID, Kind: PushMissionReady, Priority: PriorityHigh,
				Payload: map[string]interface{}{"mission_id": mc.MissionID},
			})
		}
	}
	return pushes
}

// appendRewardNotifications persists durable notifications for milestone
// events inside the commit.
func (c *Coordinator) appendRewardNotifications(tenantID, userID string, reward *RewardDelta, delta *UserDelta) {
	for _, e := range reward.Events {
		switch e.Type {
		case EventLevelUp:
			delta.Notifications = append(delta.Notifications, c.newNotification(tenantID, userID, PushLevelUp, PriorityHigh, e.Payload))
		case EventVIPTierUp:
			delta.Notifications = append(delta.Notifications, c.newNotification(tenantID, userID, PushVIPTierUp, PriorityHigh, e.Payload))
		case EventAchievementUnlocked:
			delta.Notifications = append(delta.Notifications, c.newNotification(tenantID, userID, EventAchievementUnlocked, PriorityNormal, e.Payload))
		}
	}
}

func (c *Coordinator) newNotification(tenantID, userID, kind string, priority NotificationPriority, payload map[string]interface{}) *Notification {
	now := time.Now().UTC()
	return &Notification{
		ID:        newID(),
		TenantID:  tenantID,
		UserID:    userID,
		Kind:      kind,
		Priority:  priority,
		Payload:   payload,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(c.config.GetNotification().ExpiryDays) * 24 * time.Hour),
	}
}

// loadUser reads through the cache, bypassing it after a version conflict.
func (c *Coordinator) loadUser(ctx context.Context, tenantID, userID string, bypassCache bool) (*UserSnapshot, error) {
	if !bypassCache {
		if snapshot, ok := c.cache.GetUser(ctx, tenantID, userID); ok {
			return snapshot, nil
		}
	}
	snapshot, err := c.store.GetUser(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	c.cache.PutUser(ctx, snapshot)
	return snapshot, nil
}

// ReviewReceipt resolves a suspicious receipt. Approval credits the withheld
// reward snapshot atomically; rejection only flips the state.
func (c *Coordinator) ReviewReceipt(ctx context.Context, tenantID, receiptID string, approve bool, reviewer string) (*Receipt, error) {
	receipt, err := c.store.FindReceipt(ctx, tenantID, receiptID)
	if err != nil {
		return nil, err
	}
	if receipt.State != ReceiptSuspicious {
		return nil, NewError(KindConflict, "Receipt is not pending review")
	}

	release, err := c.locks.acquire(ctx, tenantID+":"+receipt.UserID, userLockWait)
	if err != nil {
		return nil, err
	}
	defer release()

	newState := ReceiptRejected
	delta := &UserDelta{
		ReceiptState: &ReceiptStateChange{ReceiptID: receiptID},
	}
	if approve && receipt.Reward != nil {
		newState = ReceiptVerified
		delta.CoinsDelta = receipt.Reward.Coins + receipt.Reward.BonusCoins
		delta.XPDelta = receipt.Reward.XP
		delta.VIPPointsDelta = receipt.Reward.VIPPoints
		delta.SpendingDelta = receipt.Amount
		delta.AddVisitedCategory = receipt.Category
		delta.Notifications = append(delta.Notifications, c.newNotification(tenantID, receipt.UserID,
			"receipt_approved", PriorityHigh, map[string]interface{}{"receipt_id": receiptID}))

		// Level and tier are step functions of the credited totals.
		user, err := c.store.GetUser(ctx, tenantID, receipt.UserID)
		if err != nil {
			return nil, err
		}
		tenant, err := c.store.GetTenant(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		policy := ResolvePolicy(c.config.GetPolicy(), tenant, c.config.GetTimezoneDefault())
		levelAfter := 1 + int((user.XP+delta.XPDelta)/int64(policy.XPPerLevel))
		if levelAfter < user.Level {
			levelAfter = user.Level
		}
		tierAfter := policy.TierFor(user.VIPPoints + delta.VIPPointsDelta)
		if tierAfter < user.VIPTier {
			tierAfter = user.VIPTier
		}
		delta.NewLevel = &levelAfter
		delta.NewVIPTier = &tierAfter
	}
	delta.ReceiptState.State = newState

	result, err := c.store.ApplyUserDelta(ctx, tenantID, receipt.UserID, delta, "review:"+receiptID, string(newState), nil)
	if err != nil {
		return nil, err
	}
	c.cache.PutUser(ctx, result.Snapshot)
	c.audit(ctx, tenantID, reviewer, "receipt_review", string(newState)+" "+receiptID)
	receipt.State = newState
	return receipt, nil
}

// ReverseReceipt writes the compensating record for a verified receipt; the
// only path by which totals decrease.
func (c *Coordinator) ReverseReceipt(ctx context.Context, tenantID, receiptID, admin string) (*Receipt, error) {
	receipt, err := c.store.FindReceipt(ctx, tenantID, receiptID)
	if err != nil {
		return nil, err
	}
	if receipt.State != ReceiptVerified {
		return nil, NewError(KindConflict, "Only verified receipts can be reversed")
	}
	if receipt.Reward == nil {
		return nil, NewError(KindConflict, "Receipt carries no reward snapshot")
	}

	release, err := c.locks.acquire(ctx, tenantID+":"+receipt.UserID, userLockWait)
	if err != nil {
		return nil, err
	}
	defer release()

	delta := &UserDelta{
		CoinsDelta:     -(receipt.Reward.Coins + receipt.Reward.BonusCoins),
		XPDelta:        -receipt.Reward.XP,
		VIPPointsDelta: -receipt.Reward.VIPPoints,
		SpendingDelta:  -receipt.Amount,
		ReceiptState:   &ReceiptStateChange{ReceiptID: receiptID, State: ReceiptReversed},
		Notifications: []*Notification{c.newNotification(tenantID, receipt.UserID,
			"receipt_reversed", PriorityHigh, map[string]interface{}{"receipt_id": receiptID})},
	}

	result, err := c.store.ApplyUserDelta(ctx, tenantID, receipt.UserID, delta, "reverse:"+receiptID, "reversed", nil)
	if err != nil {
		if ErrorKind(err) == KindValidation {
			return nil, NewError(KindConflict, "User balance too low to reverse this receipt")
		}
		return nil, err
	}
	c.cache.PutUser(ctx, result.Snapshot)
	c.audit(ctx, tenantID, admin, "receipt_reverse", receiptID)
	receipt.State = ReceiptReversed
	return receipt, nil
}

func (c *Coordinator) audit(ctx context.Context, tenantID, subject, action, detail string) {
	_ = c.store.InsertAudit(ctx, &AuditEntry{
		TenantID:  tenantID,
		Subject:   subject,
		Action:    action,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
}

func validateSubmission(sub *ReceiptSubmission, policy *TenantPolicy) error {
	if sub.Amount <= 0 {
		return NewError(KindValidation, "Amount must be positive")
	}
	// Amounts are normalized to two decimals at input.
	sub.Amount = float64(int64(sub.Amount*100+0.5)) / 100
	if sub.Amount > policy.MaxReceiptAmount {
		return NewError(KindValidation, "Amount exceeds the maximum receipt amount")
	}
	sub.StoreName = strings.TrimSpace(html.EscapeString(sub.StoreName))
	if sub.StoreName == "" || len(sub.StoreName) > 100 {
		return NewError(KindValidation, "Store name must be between 1 and 100 characters")
	}
	if sub.Category == "" {
		sub.Category = "general"
	}
	if _, known := policy.CategoryMultipliers[sub.Category]; !known {
		sub.Category = "general"
	}
	if !validIdempotencyKey(sub.IdempotencyKey) {
		return NewError(KindValidation, "Idempotency key is malformed")
	}
	if sub.Timestamp.IsZero() {
		sub.Timestamp = time.Now().UTC()
	}
	return nil
}

func validIdempotencyKey(key string) bool {
	if len(key) < 1 || len(key) > 128 {
		return false
	}
	for _, r := range key {
		if r < 0x21 || r > 0x7e {
			return false
		}
	}
	return true
}

func hashSubmission(sub *ReceiptSubmission) string {
	canonical, _ := json.Marshal(map[string]interface{}{
		"amount":   sub.Amount,
		"store":    sub.StoreName,
		"category": sub.Category,
		"source":   sub.Source,
	})
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

func decodeReceiptResponse(data []byte) (*ReceiptResponse, error) {
	var resp ReceiptResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, WrapError(KindInternal, "Could not decode stored response", err)
	}
	return &resp, nil
}
