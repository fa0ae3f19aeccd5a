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
	"time"
)

// FacilityView is the client-facing shape of an empire facility.
type FacilityView struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	Name          string `json:"name"`
	Level         int    `json:"level"`
	MaxLevel      int    `json:"max_level"`
	IncomePerHour int64  `json:"income_per_hour"`
	PendingIncome int64  `json:"pending_income"`
	UpgradeCost   int64  `json:"upgrade_cost"`
}

// upgradeCost scales the base cost by the level being purchased.
func upgradeCost(t *FacilityType, currentLevel int) int64 {
	return t.BaseCost * int64(currentLevel+1)
}

// facilityTypes returns the static catalogue.
func (c *Coordinator) facilityTypes(ctx context.Context) (map[string]*FacilityType, error) {
	types, err := c.store.ListFacilityTypes(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*FacilityType, len(types))
	for _, t := range types {
		byID[t.ID] = t
	}
	return byID, nil
}

// ListEmpire returns the user's facilities with pending income.
func (c *Coordinator) ListEmpire(ctx context.Context, tenantID, userID string) ([]*FacilityView, error) {
	facilities, err := c.store.ListFacilities(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	types, err := c.facilityTypes(ctx)
	if err != nil {
		return nil, err
	}

	views := make([]*FacilityView, 0, len(facilities))
	for _, f := range facilities {
		t, ok := types[f.TypeID]
		if !ok {
			continue
		}
		views = append(views, &FacilityView{
			ID:            f.ID,
			Type:          f.TypeID,
			Name:          t.Name,
			Level:         f.Level,
			MaxLevel:      t.MaxLevel,
			IncomePerHour: t.BaseIncomeHr * int64(f.Level),
			PendingIncome: f.PendingIncome,
			UpgradeCost:   upgradeCost(t, f.Level),
		})
	}
	return views, nil
}

// CollectResponse is the public contract of facility collection.
type CollectResponse struct {
	FacilityID string     `json:"facility_id"`
	Collected  int64      `json:"collected"`
	User       UserTotals `json:"user"`
}

// CollectEmpire moves a facility's pending income into coins atomically.
func (c *Coordinator) CollectEmpire(ctx context.Context, tenantID, userID, facilityID string) (*CollectResponse, error) {
	release, err := c.locks.acquire(ctx, tenantID+":"+userID, userLockWait)
	if err != nil {
		return nil, err
	}
	defer release()

	collection, err := c.store.CollectFacility(ctx, tenantID, userID, facilityID)
	if err != nil {
		return nil, err
	}
	c.cache.PutUser(ctx, collection.Snapshot)
	if collection.Collected > 0 {
		c.router.Enqueue(&PushMessage{
			TenantID: tenantID, UserID: userID, Kind: PushCoinCollected, Priority: PriorityLow,
			Payload: map[string]interface{}{"coins": collection.Collected, "facility_id": facilityID},
		})
	}
	return &CollectResponse{
		FacilityID: facilityID,
		Collected:  collection.Collected,
		User:       userTotals(collection.Snapshot),
	}, nil
}

// UpgradeEmpire debits coins and raises the facility level in one
// transaction, honoring unlock and max-level gates.
func (c *Coordinator) UpgradeEmpire(ctx context.Context, tenantID, userID, facilityID string) (*FacilityView, error) {
	release, err := c.locks.acquire(ctx, tenantID+":"+userID, userLockWait)
	if err != nil {
		return nil, err
	}
	defer release()

	facilities, err := c.store.ListFacilities(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	var target *Facility
	for _, f := range facilities {
		if f.ID == facilityID {
			target = f
			break
		}
	}
	if target == nil {
		return nil, NewError(KindNotFound, "Facility not found")
	}
	types, err := c.facilityTypes(ctx)
	if err != nil {
		return nil, err
	}
	t, ok := types[target.TypeID]
	if !ok {
		return nil, NewError(KindNotFound, "Unknown facility type")
	}

	cost := upgradeCost(t, target.Level)
	upgraded, err := c.store.UpgradeFacility(ctx, tenantID, userID, facilityID, cost, t.MaxLevel, t.UnlockLevel)
	if err != nil {
		return nil, err
	}
	c.cache.EvictUser(ctx, tenantID, userID)

	return &FacilityView{
		ID:            upgraded.ID,
		Type:          upgraded.TypeID,
		Name:          t.Name,
		Level:         upgraded.Level,
		MaxLevel:      t.MaxLevel,
		IncomePerHour: t.BaseIncomeHr * int64(upgraded.Level),
		PendingIncome: upgraded.PendingIncome,
		UpgradeCost:   upgradeCost(t, upgraded.Level),
	}, nil
}

// CompanionView is the client-facing shape of a pet.
type CompanionView struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	Name            string `json:"name"`
	Health          int    `json:"health"`
	Happiness       int    `json:"happiness"`
	Energy          int    `json:"energy"`
	XP              int64  `json:"xp"`
	Level           int    `json:"level"`
	LastInteraction string `json:"last_interaction"`
}

func companionView(c *Companion) *CompanionView {
	return &CompanionView{
		ID:              c.ID,
		Type:            c.Type,
		Name:            c.Name,
		Health:          clampStat(c.Health),
		Happiness:       clampStat(c.Happiness),
		Energy:          clampStat(c.Energy),
		XP:              c.XP,
		Level:           c.Level,
		LastInteraction: c.LastInteractionAt.UTC().Format(time.RFC3339),
	}
}

// ListCompanions returns the user's pets.
func (c *Coordinator) ListCompanions(ctx context.Context, tenantID, userID string) ([]*CompanionView, error) {
	companions, err := c.store.ListCompanions(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	views := make([]*CompanionView, 0, len(companions))
	for _, companion := range companions {
		views = append(views, companionView(companion))
	}
	return views, nil
}

// InteractCompanion feeds or plays with a pet, clamping stats at 100.
func (c *Coordinator) InteractCompanion(ctx context.Context, tenantID, userID, companionID, interaction string) (*CompanionView, error) {
	const interactionBoost = 25
	companion, err := c.store.InteractCompanion(ctx, tenantID, userID, companionID, interaction, interactionBoost)
	if err != nil {
		return nil, err
	}
	return companionView(companion), nil
}
