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
	"fmt"
	"math"
	"time"
)

// Derived event types, emitted in this order.
const (
	EventReceiptVerified     = "receipt_verified"
	EventStreakExtended      = "streak_extended"
	EventLevelUp             = "level_up"
	EventVIPTierUp           = "vip_tier_up"
	EventAchievementUnlocked = "achievement_unlocked"
)

// Fraud flag reasons.
const (
	FraudAmountAboveThreshold = "amount_above_threshold"
	FraudDuplicateStore       = "duplicate_store_receipts"
	FraudStoreNotAllowed      = "store_not_allowed"
	FraudWifiMismatch         = "wifi_mismatch"
)

var (
	levelMilestones  = []int{5, 10, 25, 50, 100}
	streakMilestones = []int{3, 7, 14, 30, 60}
	coinMilestones   = []int64{1000, 10000, 100000, 1000000}
)

// RewardInput is everything the engine needs. RecentStoreReceipts is the
// count of this user's receipts for the same store inside the duplicate
// window; the Coordinator supplies it so the engine stays side-effect free.
type RewardInput struct {
	User                *UserSnapshot
	Receipt             *Receipt
	Policy              *TenantPolicy
	Events              []*Event
	Now                 time.Time
	RecentStoreReceipts int
}

// DerivedEvent is one entry of the ordered event list returned to clients.
type DerivedEvent struct {
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// RewardDelta is the deterministic output of the engine: what the receipt is
// worth, the user state that follows, and the ordered derived events.
type RewardDelta struct {
	Coins      int64
	XP         int64
	BonusCoins int64
	VIPPoints  int64

	Multipliers map[string]float64
	EventIDs    []string

	Suspicious   bool
	FraudReasons []string

	StreakDays     int
	StreakLastDay  string
	StreakExtended bool

	LevelAfter   int
	TierAfter    VIPTier
	UpgradeBonus int64

	Achievements []*Achievement
	Events       []DerivedEvent
}

// ComputeReward is a pure function: the same inputs always produce the same
// delta and event list. No clock reads, no I/O.
func ComputeReward(in *RewardInput) (*RewardDelta, error) {
	user, receipt, policy := in.User, in.Receipt, in.Policy

	categoryM := policy.CategoryMultiplier(receipt.Category)
	timeM := policy.TimeMultiplier(in.Now)
	vipM := policy.VIPCoinMultiplier(user.VIPTier)
	if categoryM <= 0 || timeM <= 0 || vipM <= 0 {
		return nil, ErrInvalidPolicy
	}

	eventM := 1.0
	eventIDs := make([]string, 0, len(in.Events))
	for _, e := range in.Events {
		if e.Multiplier <= 0 {
			return nil, ErrInvalidPolicy
		}
		if e.Eligible(user, receipt) {
			eventM *= e.Multiplier
			eventIDs = append(eventIDs, e.ID)
		}
	}
	if eventM > policy.EventMultiplierCap {
		eventM = policy.EventMultiplierCap
	}

	streakDays := user.StreakDays
	if streakDays > 60 {
		streakDays = 60
	}
	streakM := 1 + float64(streakDays)*0.01

	baseCoins := receipt.Amount * policy.BaseRate
	baseXP := receipt.Amount * policy.XPRate

	// Rounding is half-to-even, applied once at the end.
	coins := int64(math.RoundToEven(baseCoins * categoryM * timeM * vipM * eventM * streakM))
	xp := int64(math.RoundToEven(baseXP * categoryM * vipM * eventM))
	vipPoints := int64(math.RoundToEven(receipt.Amount))

	firstInCategory := !user.HasVisitedCategory(receipt.Category)
	var bonusCoins int64
	if firstInCategory {
		bonusCoins += policy.FirstCategoryBonus
	}

	delta := &RewardDelta{
		Coins:      coins,
		XP:         xp,
		BonusCoins: bonusCoins,
		VIPPoints:  vipPoints,
		Multipliers: map[string]float64{
			"category": categoryM,
			"time":     timeM,
			"vip":      vipM,
			"event":    eventM,
			"streak":   streakM,
		},
		EventIDs: eventIDs,
	}

	// Fraud heuristics: O(1) lookups, consumed by the Coordinator.
	if receipt.Amount > policy.SuspiciousAmount {
		delta.FraudReasons = append(delta.FraudReasons, FraudAmountAboveThreshold)
	}
	if policy.DuplicateStoreCount > 0 && in.RecentStoreReceipts+1 >= policy.DuplicateStoreCount {
		delta.FraudReasons = append(delta.FraudReasons, FraudDuplicateStore)
	}
	if !policy.StoreAllowed(receipt.StoreName) {
		delta.FraudReasons = append(delta.FraudReasons, FraudStoreNotAllowed)
	}
	if policy.RequireWifiPresence && !policy.WifiMatch(receipt.WifiSSID) {
		delta.FraudReasons = append(delta.FraudReasons, FraudWifiMismatch)
	}
	delta.Suspicious = len(delta.FraudReasons) > 0

	// Streak: advance on the first qualifying activity of a calendar day in
	// the tenant timezone.
	today := policy.dayString(in.Now)
	delta.StreakLastDay = today
	switch {
	case user.StreakLastDay == today:
		delta.StreakDays = user.StreakDays
	case user.StreakLastDay == policy.dayString(in.Now.AddDate(0, 0, -1)):
		delta.StreakDays = user.StreakDays + 1
		delta.StreakExtended = true
	default:
		delta.StreakDays = 1
		delta.StreakExtended = user.StreakDays == 0
	}

	// Levels and tiers are step functions of the post-receipt totals and
	// never decrease.
	xpAfter := user.XP + xp
	levelAfter := 1 + int(xpAfter/int64(policy.XPPerLevel))
	if levelAfter < user.Level {
		levelAfter = user.Level
	}
	delta.LevelAfter = levelAfter

	tierAfter := policy.TierFor(user.VIPPoints + vipPoints)
	if tierAfter < user.VIPTier {
		tierAfter = user.VIPTier
	}
	delta.TierAfter = tierAfter
	if tierAfter > user.VIPTier {
		delta.UpgradeBonus = policy.UpgradeBonus(tierAfter)
	}

	coinsAfter := user.Coins + coins + bonusCoins + delta.UpgradeBonus
	delta.Achievements = detectAchievements(user, receipt, delta, coinsAfter, firstInCategory)

	// Derived events, strictly ordered.
	delta.Events = append(delta.Events, DerivedEvent{Type: EventReceiptVerified, Payload: map[string]interface{}{
		"amount": receipt.Amount,
		"store":  receipt.StoreName,
	}})
	if delta.StreakExtended {
		delta.Events = append(delta.Events, DerivedEvent{Type: EventStreakExtended, Payload: map[string]interface{}{
			"streak_days": delta.StreakDays,
		}})
	}
	if levelAfter > user.Level {
		delta.Events = append(delta.Events, DerivedEvent{Type: EventLevelUp, Payload: map[string]interface{}{
			"level_before": user.Level,
			"level_after":  levelAfter,
		}})
	}
	if tierAfter > user.VIPTier {
		delta.Events = append(delta.Events, DerivedEvent{Type: EventVIPTierUp, Payload: map[string]interface{}{
			"tier_before": user.VIPTier.String(),
			"tier_after":  tierAfter.String(),
			"bonus":       delta.UpgradeBonus,
		}})
	}
	for _, a := range delta.Achievements {
		delta.Events = append(delta.Events, DerivedEvent{Type: EventAchievementUnlocked, Payload: map[string]interface{}{
			"name": a.Type,
		}})
	}

	return delta, nil
}

// detectAchievements finds every first-time threshold this receipt crosses.
func detectAchievements(user *UserSnapshot, receipt *Receipt, delta *RewardDelta, coinsAfter int64, firstInCategory bool) []*Achievement {
	achievements := make([]*Achievement, 0, 4)
	add := func(achievementType string, points int64) {
		achievements = append(achievements, &Achievement{
			TenantID: user.TenantID,
			UserID:   user.ID,
			Type:     achievementType,
			Points:   points,
		})
	}

	if user.Spending == 0 {
		add("first_receipt", 10)
	}
	if firstInCategory {
		add("first_category_"+receipt.Category, 10)
	}
	for _, m := range levelMilestones {
		if delta.LevelAfter >= m && user.Level < m {
			add(fmt.Sprintf("level_%d", m), 20)
		}
	}
	for _, m := range streakMilestones {
		if delta.StreakDays >= m && user.StreakDays < m {
			add(fmt.Sprintf("streak_%d", m), 20)
		}
	}
	for _, m := range coinMilestones {
		if coinsAfter >= m && user.Coins < m {
			add(fmt.Sprintf("coins_%d", m), 30)
		}
	}
	return achievements
}
