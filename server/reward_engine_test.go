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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testPolicy(t *testing.T) *TenantPolicy {
	t.Helper()
	tenant := &Tenant{ID: "t1", Timezone: "UTC"}
	return ResolvePolicy(NewPolicyConfig(), tenant, "UTC")
}

func testUser() *UserSnapshot {
	return &UserSnapshot{
		ID:                "u1",
		TenantID:          "t1",
		Level:             1,
		VIPTier:           VIPBronze,
		VisitedCategories: map[string]bool{},
		Version:           1,
	}
}

// Weekday morning so the time bucket multiplier is deterministic 1.0.
var testNow = time.Date(2024, 6, 5, 10, 0, 0, 0, time.UTC)

func testReceipt(amount float64, store, category string) *Receipt {
	return &Receipt{
		ID:        "r1",
		TenantID:  "t1",
		UserID:    "u1",
		StoreName: store,
		Category:  category,
		Amount:    amount,
	}
}

func TestComputeRewardBasicReceipt(t *testing.T) {
	delta, err := ComputeReward(&RewardInput{
		User:    testUser(),
		Receipt: testReceipt(100.00, "Deerfields Fashion", "fashion"),
		Policy:  testPolicy(t),
		Now:     testNow,
	})
	require.NoError(t, err)

	// 100 * 0.10 * 1.3 = 13 coins, 100 * 0.20 * 1.3 = 26 xp.
	require.Equal(t, int64(13), delta.Coins)
	require.Equal(t, int64(26), delta.XP)
	require.Equal(t, 1, delta.LevelAfter)
	require.False(t, delta.Suspicious)
	require.Equal(t, EventReceiptVerified, delta.Events[0].Type)

	require.Equal(t, 1.3, delta.Multipliers["category"])
	require.Equal(t, 1.0, delta.Multipliers["time"])
	require.Equal(t, 1.0, delta.Multipliers["vip"])
	require.Equal(t, 1.0, delta.Multipliers["event"])
	require.Equal(t, 1.0, delta.Multipliers["streak"])
}

func TestComputeRewardLevelUp(t *testing.T) {
	user := testUser()
	user.Coins = 13
	user.XP = 26
	user.Spending = 100
	user.VisitedCategories = map[string]bool{"fashion": true}

	delta, err := ComputeReward(&RewardInput{
		User:    user,
		Receipt: testReceipt(400.00, "Deerfields Electronics", "electronics"),
		Policy:  testPolicy(t),
		Now:     testNow,
	})
	require.NoError(t, err)

	// 400 * 0.20 * 1.2 = 96 xp; 26 + 96 = 122 -> level 2.
	require.Equal(t, int64(96), delta.XP)
	require.Equal(t, 2, delta.LevelAfter)

	var found bool
	for _, e := range delta.Events {
		if e.Type == EventLevelUp {
			found = true
			require.Equal(t, 1, e.Payload["level_before"])
			require.Equal(t, 2, e.Payload["level_after"])
		}
	}
	require.True(t, found, "expected a level_up event")
}

func TestComputeRewardDeterminism(t *testing.T) {
	in := &RewardInput{
		User:    testUser(),
		Receipt: testReceipt(250.50, "Deerfields Cafe", "dining"),
		Policy:  testPolicy(t),
		Events: []*Event{
			{ID: "e1", TenantID: "t1", Multiplier: 1.5, EndAt: testNow.Add(time.Hour)},
		},
		Now: testNow,
	}
	first, err := ComputeReward(in)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := ComputeReward(in)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestComputeRewardEventCap(t *testing.T) {
	events := []*Event{
		{ID: "e1", Multiplier: 2.0},
		{ID: "e2", Multiplier: 2.0},
		{ID: "e3", Multiplier: 2.0},
	}
	delta, err := ComputeReward(&RewardInput{
		User:    testUser(),
		Receipt: testReceipt(100, "Store", "grocery"),
		Policy:  testPolicy(t),
		Events:  events,
		Now:     testNow,
	})
	require.NoError(t, err)
	// 8x composition clamps to the 3x cap.
	require.Equal(t, 3.0, delta.Multipliers["event"])
	require.ElementsMatch(t, []string{"e1", "e2", "e3"}, delta.EventIDs)
}

func TestComputeRewardStreakSaturation(t *testing.T) {
	user := testUser()
	user.StreakDays = 90
	user.StreakLastDay = "2024-06-04"
	user.Spending = 1

	delta, err := ComputeReward(&RewardInput{
		User:    user,
		Receipt: testReceipt(100, "Store", "grocery"),
		Policy:  testPolicy(t),
		Now:     testNow,
	})
	require.NoError(t, err)
	// The multiplier saturates at +60% but the counter keeps counting.
	require.InDelta(t, 1.6, delta.Multipliers["streak"], 1e-9)
	require.Equal(t, 91, delta.StreakDays)
}

func TestComputeRewardStreakTransitions(t *testing.T) {
	policy := testPolicy(t)
	tests := []struct {
		name     string
		lastDay  string
		streak   int
		expect   int
		extended bool
	}{
		{"first ever", "", 0, 1, true},
		{"same day", "2024-06-05", 4, 4, false},
		{"consecutive day", "2024-06-04", 4, 5, true},
		{"lapsed", "2024-06-01", 4, 1, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			user := testUser()
			user.StreakDays = tc.streak
			user.StreakLastDay = tc.lastDay
			user.Spending = 1
			user.VisitedCategories = map[string]bool{"grocery": true}

			delta, err := ComputeReward(&RewardInput{
				User:    user,
				Receipt: testReceipt(50, "Store", "grocery"),
				Policy:  policy,
				Now:     testNow,
			})
			require.NoError(t, err)
			require.Equal(t, tc.expect, delta.StreakDays)
			require.Equal(t, tc.extended, delta.StreakExtended)
			require.Equal(t, "2024-06-05", delta.StreakLastDay)
		})
	}
}

func TestComputeRewardFraudFlags(t *testing.T) {
	policy := testPolicy(t)

	delta, err := ComputeReward(&RewardInput{
		User:    testUser(),
		Receipt: testReceipt(9500, "Store", "general"),
		Policy:  policy,
		Now:     testNow,
	})
	require.NoError(t, err)
	require.True(t, delta.Suspicious)
	require.Contains(t, delta.FraudReasons, FraudAmountAboveThreshold)

	delta, err = ComputeReward(&RewardInput{
		User:                testUser(),
		Receipt:             testReceipt(50, "Store", "general"),
		Policy:              policy,
		Now:                 testNow,
		RecentStoreReceipts: 2,
	})
	require.NoError(t, err)
	require.True(t, delta.Suspicious)
	require.Contains(t, delta.FraudReasons, FraudDuplicateStore)

	allowListed := testPolicy(t)
	allowListed.StoreAllowList = []string{"Approved Store"}
	delta, err = ComputeReward(&RewardInput{
		User:    testUser(),
		Receipt: testReceipt(50, "Unknown Store", "general"),
		Policy:  allowListed,
		Now:     testNow,
	})
	require.NoError(t, err)
	require.Contains(t, delta.FraudReasons, FraudStoreNotAllowed)

	wifi := testPolicy(t)
	wifi.RequireWifiPresence = true
	wifi.WifiSSIDs = []string{"Mall-WiFi"}
	receipt := testReceipt(50, "Store", "general")
	receipt.WifiSSID = "Other-WiFi"
	delta, err = ComputeReward(&RewardInput{User: testUser(), Receipt: receipt, Policy: wifi, Now: testNow})
	require.NoError(t, err)
	require.Contains(t, delta.FraudReasons, FraudWifiMismatch)
}

func TestComputeRewardInvalidPolicy(t *testing.T) {
	policy := testPolicy(t)
	policy.CategoryMultipliers = map[string]float64{"general": -1}

	_, err := ComputeReward(&RewardInput{
		User:    testUser(),
		Receipt: testReceipt(50, "Store", "general"),
		Policy:  policy,
		Now:     testNow,
	})
	require.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestComputeRewardVIPTierUp(t *testing.T) {
	user := testUser()
	user.VIPPoints = 950
	user.Spending = 500
	user.VisitedCategories = map[string]bool{"grocery": true}

	delta, err := ComputeReward(&RewardInput{
		User:    user,
		Receipt: testReceipt(100, "Store", "grocery"),
		Policy:  testPolicy(t),
		Now:     testNow,
	})
	require.NoError(t, err)
	// 950 + 100 crosses the 1000 point silver threshold.
	require.Equal(t, VIPSilver, delta.TierAfter)
	require.Equal(t, int64(100), delta.UpgradeBonus)

	var found bool
	for _, e := range delta.Events {
		if e.Type == EventVIPTierUp {
			found = true
			require.Equal(t, "bronze", e.Payload["tier_before"])
			require.Equal(t, "silver", e.Payload["tier_after"])
		}
	}
	require.True(t, found, "expected a vip_tier_up event")
}

func TestComputeRewardFirstTimeAchievements(t *testing.T) {
	delta, err := ComputeReward(&RewardInput{
		User:    testUser(),
		Receipt: testReceipt(100, "Store", "fashion"),
		Policy:  testPolicy(t),
		Now:     testNow,
	})
	require.NoError(t, err)

	types := make([]string, 0, len(delta.Achievements))
	for _, a := range delta.Achievements {
		types = append(types, a.Type)
	}
	require.Contains(t, types, "first_receipt")
	require.Contains(t, types, "first_category_fashion")
}

func TestTimeBucket(t *testing.T) {
	require.Equal(t, "morning", timeBucket(time.Date(2024, 6, 5, 8, 0, 0, 0, time.UTC)))
	require.Equal(t, "afternoon", timeBucket(time.Date(2024, 6, 5, 13, 0, 0, 0, time.UTC)))
	require.Equal(t, "evening", timeBucket(time.Date(2024, 6, 5, 19, 0, 0, 0, time.UTC)))
	require.Equal(t, "night", timeBucket(time.Date(2024, 6, 5, 23, 0, 0, 0, time.UTC)))
	require.Equal(t, "weekend", timeBucket(time.Date(2024, 6, 8, 13, 0, 0, 0, time.UTC)))
}

func TestTierFor(t *testing.T) {
	policy := testPolicy(t)
	require.Equal(t, VIPBronze, policy.TierFor(0))
	require.Equal(t, VIPBronze, policy.TierFor(999))
	require.Equal(t, VIPSilver, policy.TierFor(1000))
	require.Equal(t, VIPGold, policy.TierFor(5000))
	require.Equal(t, VIPPlatinum, policy.TierFor(20000))
	require.Equal(t, VIPDiamond, policy.TierFor(100000))
}
