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

// DashboardResponse is the snapshot behind GET /api/user/{id}.
type DashboardResponse struct {
	UserID            string           `json:"user_id"`
	DisplayName       string           `json:"display_name"`
	Coins             int64            `json:"coins"`
	XP                int64            `json:"xp"`
	Level             int              `json:"level"`
	VIPTier           string           `json:"vip_tier"`
	VIPPoints         int64            `json:"vip_points"`
	AchievementPoints int64            `json:"achievement_points"`
	StreakDays        int              `json:"streak_days"`
	VisitedCategories []string         `json:"visited_categories"`
	Missions          []*MissionView   `json:"missions"`
	Achievements      []string         `json:"achievements"`
	Empire            []*FacilityView  `json:"empire"`
	Companions        []*CompanionView `json:"companions"`
	MemberSince       string           `json:"member_since"`
}

// Dashboard assembles the user's progression snapshot. Reads go through the
// cache; each subsection tolerates its own absence.
func (c *Coordinator) Dashboard(ctx context.Context, tenantID, userID string) (*DashboardResponse, error) {
	user, err := c.loadUser(ctx, tenantID, userID, false)
	if err != nil {
		return nil, err
	}

	missions, err := c.ListUserMissions(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	achievements, err := c.store.ListAchievements(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	empire, err := c.ListEmpire(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	companions, err := c.ListCompanions(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}

	categories := make([]string, 0, len(user.VisitedCategories))
	for category := range user.VisitedCategories {
		categories = append(categories, category)
	}
	achievementTypes := make([]string, 0, len(achievements))
	for _, a := range achievements {
		achievementTypes = append(achievementTypes, a.Type)
	}

	return &DashboardResponse{
		UserID:            user.ID,
		DisplayName:       user.DisplayName,
		Coins:             user.Coins,
		XP:                user.XP,
		Level:             user.Level,
		VIPTier:           user.VIPTier.String(),
		VIPPoints:         user.VIPPoints,
		AchievementPoints: user.AchievementPoints,
		StreakDays:        user.StreakDays,
		VisitedCategories: categories,
		Missions:          missions,
		Achievements:      achievementTypes,
		Empire:            empire,
		Companions:        companions,
		MemberSince:       user.CreatedAt.UTC().Format(time.RFC3339),
	}, nil
}

// NotificationView is the client-facing shape of a stored notification.
type NotificationView struct {
	ID        string                 `json:"id"`
	Kind      string                 `json:"kind"`
	Priority  int                    `json:"priority"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	CreatedAt string                 `json:"created_at"`
	Read      bool                   `json:"read"`
}

// ListUserNotifications returns live notifications, unread first.
func (c *Coordinator) ListUserNotifications(ctx context.Context, tenantID, userID string, limit int) ([]*NotificationView, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	notifications, err := c.store.ListNotifications(ctx, tenantID, userID, limit)
	if err != nil {
		return nil, err
	}
	views := make([]*NotificationView, 0, len(notifications))
	for _, n := range notifications {
		views = append(views, &NotificationView{
			ID:        n.ID,
			Kind:      n.Kind,
			Priority:  int(n.Priority),
			Payload:   n.Payload,
			CreatedAt: n.CreatedAt.UTC().Format(time.RFC3339),
			Read:      n.Read,
		})
	}
	return views, nil
}

// MarkNotificationRead flips the monotonic read flag.
func (c *Coordinator) MarkNotificationRead(ctx context.Context, tenantID, userID, notificationID string) error {
	return c.store.MarkNotificationRead(ctx, tenantID, userID, notificationID)
}
