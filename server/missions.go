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
	"time"
)

// MissionView is the client-facing shape of a mission.
type MissionView struct {
	ID          string  `json:"id"`
	TemplateID  string  `json:"template_id"`
	Type        string  `json:"type"`
	Target      int64   `json:"target"`
	Progress    int64   `json:"progress"`
	Category    string  `json:"category,omitempty"`
	MinAmount   float64 `json:"min_amount,omitempty"`
	RewardCoins int64   `json:"reward_coins"`
	RewardXP    int64   `json:"reward_xp"`
	Status      string  `json:"status"`
	ExpiresAt   string  `json:"expires_at"`
}

func missionView(m *Mission) *MissionView {
	return &MissionView{
		ID:          m.ID,
		TemplateID:  m.TemplateID,
		Type:        string(m.Type),
		Target:      m.Target,
		Progress:    m.Progress,
		Category:    m.Category,
		MinAmount:   m.MinAmount,
		RewardCoins: m.RewardCoins,
		RewardXP:    m.RewardXP,
		Status:      string(m.Status),
		ExpiresAt:   m.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

// ListUserMissions returns the user's live missions.
func (c *Coordinator) ListUserMissions(ctx context.Context, tenantID, userID string) ([]*MissionView, error) {
	missions, err := c.store.ListMissions(ctx, tenantID, userID, []MissionStatus{MissionActive, MissionReadyToClaim})
	if err != nil {
		return nil, err
	}
	views := make([]*MissionView, 0, len(missions))
	for _, m := range missions {
		views = append(views, missionView(m))
	}
	return views, nil
}

// missionTemplates reads the tenant's templates through the cache.
func (c *Coordinator) missionTemplates(ctx context.Context, tenantID string) ([]*MissionTemplate, error) {
	if templates, ok := c.cache.GetTemplates(tenantID); ok {
		return templates, nil
	}
	templates, err := c.store.ListMissionTemplates(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	c.cache.PutTemplates(tenantID, templates)
	return templates, nil
}

// GenerateMission creates a personalized mission from the first template, in
// slot order, that the user has no live mission for. Favoring categories the
// user has not visited keeps the mission loop exploratory.
func (c *Coordinator) GenerateMission(ctx context.Context, tenant *Tenant, claims *SessionTokenClaims) (*MissionView, error) {
	templates, err := c.missionTemplates(ctx, tenant.ID)
	if err != nil {
		return nil, err
	}
	if len(templates) == 0 {
		return nil, NewError(KindNotFound, "No mission templates configured")
	}

	release, err := c.locks.acquire(ctx, tenant.ID+":"+claims.UserID, userLockWait)
	if err != nil {
		return nil, err
	}
	defer release()

	user, err := c.loadUser(ctx, tenant.ID, claims.UserID, true)
	if err != nil {
		return nil, err
	}
	live, err := c.store.ListMissions(ctx, tenant.ID, claims.UserID, []MissionStatus{MissionActive, MissionReadyToClaim})
	if err != nil {
		return nil, err
	}
	taken := make(map[string]bool, len(live))
	for _, m := range live {
		taken[m.TemplateID] = true
	}

	var chosen *MissionTemplate
	for _, t := range templates {
		if taken[t.ID] {
			continue
		}
		if chosen == nil {
			chosen = t
		}
		if t.Category != "" && !user.HasVisitedCategory(t.Category) {
			chosen = t
			break
		}
	}
	if chosen == nil {
		return nil, NewError(KindConflict, "All mission slots are occupied")
	}

	now := time.Now().UTC()
	mission := &Mission{
		ID:          newID(),
		TenantID:    tenant.ID,
		UserID:      claims.UserID,
		TemplateID:  chosen.ID,
		Type:        chosen.Type,
		Target:      chosen.Target,
		Category:    chosen.Category,
		MinAmount:   chosen.MinAmount,
		RewardCoins: chosen.RewardCoins,
		RewardXP:    chosen.RewardXP,
		Status:      MissionActive,
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Duration(chosen.DurationSec) * time.Second),
	}

	delta := &UserDelta{
		ExpectedVersion: user.Version,
		NewMissions:     []*Mission{mission},
		LastActive:      now,
	}
	result, err := c.store.ApplyUserDelta(ctx, tenant.ID, claims.UserID, delta, "", "", nil)
	if err != nil {
		return nil, err
	}
	c.cache.PutUser(ctx, result.Snapshot)
	return missionView(mission), nil
}

// MissionClaimResponse is the public contract of mission claiming.
type MissionClaimResponse struct {
	Mission *MissionView `json:"mission"`
	Reward  struct {
		Coins int64 `json:"coins"`
		XP    int64 `json:"xp"`
	} `json:"reward"`
	User UserTotals `json:"user"`
}

// ClaimMission credits a ready-to-claim mission. Claiming is idempotent: a
// second claim returns the stored outcome.
func (c *Coordinator) ClaimMission(ctx context.Context, tenant *Tenant, claims *SessionTokenClaims, missionID string) (*MissionClaimResponse, error) {
	idemKey := "mission_claim:" + missionID

	if stored, _, found, err := c.store.GetIdempotentResponse(ctx, tenant.ID, claims.UserID, idemKey); err != nil {
		return nil, err
	} else if found {
		return decodeClaimResponse(stored)
	}

	release, err := c.locks.acquire(ctx, tenant.ID+":"+claims.UserID, userLockWait)
	if err != nil {
		return nil, err
	}
	defer release()

	for attempt := 0; ; attempt++ {
		user, err := c.loadUser(ctx, tenant.ID, claims.UserID, true)
		if err != nil {
			return nil, err
		}
		mission, err := c.store.GetMission(ctx, tenant.ID, claims.UserID, missionID)
		if err != nil {
			return nil, err
		}
		switch mission.Status {
		case MissionReadyToClaim:
			// Proceed to credit below.
		case MissionCompleted:
			// Committed by an earlier claim; hand back its stored outcome.
			if stored, _, found, err := c.store.GetIdempotentResponse(ctx, tenant.ID, claims.UserID, idemKey); err == nil && found {
				return decodeClaimResponse(stored)
			}
			return nil, NewError(KindConflict, "Mission already claimed")
		case MissionExpired:
			return nil, NewError(KindConflict, "Mission has expired")
		default:
			return nil, NewError(KindConflict, "Mission is not ready to claim")
		}

		now := time.Now().UTC()
		policy := ResolvePolicy(c.config.GetPolicy(), tenant, c.config.GetTimezoneDefault())
		xpAfter := user.XP + mission.RewardXP
		levelAfter := 1 + int(xpAfter/int64(policy.XPPerLevel))
		if levelAfter < user.Level {
			levelAfter = user.Level
		}

		mission.Status = MissionCompleted
		mission.Progress = mission.Target
		delta := &UserDelta{
			ExpectedVersion: user.Version,
			CoinsDelta:      mission.RewardCoins,
			XPDelta:         mission.RewardXP,
			NewLevel:        &levelAfter,
			LastActive:      now,
			MissionChanges: []MissionChange{{
				MissionID: missionID,
				Progress:  mission.Target,
				Status:    MissionCompleted,
			}},
		}

		var response *MissionClaimResponse
		result, err := c.store.ApplyUserDelta(ctx, tenant.ID, claims.UserID, delta, idemKey, "claim",
			func(committed *UserSnapshot) ([]byte, error) {
				resp := &MissionClaimResponse{Mission: missionView(mission), User: userTotals(committed)}
				resp.Reward.Coins = mission.RewardCoins
				resp.Reward.XP = mission.RewardXP
				response = resp
				return json.Marshal(resp)
			})
		if err != nil {
			if err == ErrVersionConflict && attempt < versionConflictRetries {
				c.metrics.VersionConflict()
				continue
			}
			return nil, err
		}
		if result.Replayed {
			return decodeClaimResponse(result.Response)
		}

		c.cache.PutUser(ctx, result.Snapshot)
		c.router.Enqueue(&PushMessage{
			TenantID: tenant.ID, UserID: claims.UserID, Kind: PushCoinCollected, Priority: PriorityLow,
			Payload: map[string]interface{}{"coins": mission.RewardCoins},
		})
		return response, nil
	}
}

func decodeClaimResponse(data []byte) (*MissionClaimResponse, error) {
	var resp MissionClaimResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, WrapError(KindInternal, "Could not decode stored response", err)
	}
	return &resp, nil
}
