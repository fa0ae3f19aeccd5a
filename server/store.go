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

// MissionChange is one mission progress update applied inside a user
// transaction.
type MissionChange struct {
	MissionID string
	Progress  int64
	Status    MissionStatus
}

// ReceiptStateChange moves a stored receipt to a new verification state.
type ReceiptStateChange struct {
	ReceiptID string
	State     ReceiptState
}

// UserDelta is the atomic composite mutation applied by the Coordinator. All
// parts commit in a single shard-local transaction or not at all.
type UserDelta struct {
	// ExpectedVersion enables optimistic concurrency: when > 0 the update
	// only applies if the user row still has this version.
	ExpectedVersion int64

	CoinsDelta             int64
	XPDelta                int64
	VIPPointsDelta         int64
	AchievementPointsDelta int64
	SpendingDelta          float64

	NewLevel   *int
	NewVIPTier *VIPTier

	StreakDays    *int
	StreakLastDay *string

	AddVisitedCategory string
	LastActive         time.Time

	Receipt       *Receipt
	ReceiptState  *ReceiptStateChange
	MissionChanges []MissionChange
	NewMissions   []*Mission
	Achievements  []*Achievement
	Notifications []*Notification
}

// ApplyResult is the outcome of ApplyUserDelta.
type ApplyResult struct {
	Snapshot *UserSnapshot
	Response []byte
	// Replayed is true when the idempotency key had already been consumed
	// and the stored response was returned instead of applying the delta.
	Replayed bool
}

// ResponseBuilder renders the client response from the post-commit snapshot.
// It runs inside the transaction so the response blob commits atomically with
// the delta.
type ResponseBuilder func(snapshot *UserSnapshot) ([]byte, error)

// FacilityCollection is the outcome of collecting a facility's income.
type FacilityCollection struct {
	Collected int64
	Facility  *Facility
	Snapshot  *UserSnapshot
}

// Store persists and retrieves the MallQuest entities across shards. All
// user-mutating operations are shard-local transactions.
type Store interface {
	// Tenants. The registry lives on shard 0.
	GetTenantByHost(ctx context.Context, host string) (*Tenant, error)
	GetTenant(ctx context.Context, tenantID string) (*Tenant, error)
	AddTenant(ctx context.Context, tenant *Tenant) error
	ListTenants(ctx context.Context) ([]*Tenant, error)

	// Users.
	GetUser(ctx context.Context, tenantID, userID string) (*UserSnapshot, error)
	GetUserByHandle(ctx context.Context, tenantID, handle string) (*UserSnapshot, error)
	CreateUser(ctx context.Context, user *UserSnapshot) error
	ApplyUserDelta(ctx context.Context, tenantID, userID string, delta *UserDelta, idemKey, requestHash string, build ResponseBuilder) (*ApplyResult, error)
	GetIdempotentResponse(ctx context.Context, tenantID, userID, idemKey string) (response []byte, requestHash string, found bool, err error)

	// Login security state.
	RecordLoginFailure(ctx context.Context, tenantID, userID string, threshold int, window, lockout time.Duration) (locked bool, err error)
	ClearLoginFailures(ctx context.Context, tenantID, userID string) error
	SetMFASecret(ctx context.Context, tenantID, userID, secret string, backupCodes []string) error
	ConsumeMFABackupCode(ctx context.Context, tenantID, userID, code string) (bool, error)

	// Sessions.
	RecordSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, tenantID, userID, tokenID string) (*Session, error)
	RevokeSession(ctx context.Context, tenantID, userID, tokenID string) error
	RevokeUserSessions(ctx context.Context, tenantID, userID string) error
	DeleteExpiredSessions(ctx context.Context, shard int, now time.Time) (int64, error)

	// Rate limiting.
	RateLimitIncr(ctx context.Context, subject, action string, windowStart int64, delta int64) (int64, error)

	// Receipts.
	GetReceipt(ctx context.Context, tenantID, userID, receiptID string) (*Receipt, error)
	FindReceipt(ctx context.Context, tenantID, receiptID string) (*Receipt, error)
	CountRecentStoreReceipts(ctx context.Context, tenantID, userID, storeName string, since time.Time) (int, error)

	// Missions.
	ListMissions(ctx context.Context, tenantID, userID string, statuses []MissionStatus) ([]*Mission, error)
	GetMission(ctx context.Context, tenantID, userID, missionID string) (*Mission, error)
	ExpireDueMissions(ctx context.Context, shard int, now time.Time, batch int) ([]*Mission, error)
	ListMissionTemplates(ctx context.Context, tenantID string) ([]*MissionTemplate, error)

	// Events.
	ListActiveEvents(ctx context.Context, tenantID string, now time.Time) ([]*Event, error)

	// Achievements.
	ListAchievements(ctx context.Context, tenantID, userID string) ([]*Achievement, error)

	// Leaderboards: per-shard top-K, merged by the caller.
	TopUsers(ctx context.Context, shard int, tenantID string, kind LeaderboardKind, limit int) ([]*LeaderboardEntry, error)

	// Empire.
	ListFacilities(ctx context.Context, tenantID, userID string) ([]*Facility, error)
	ListFacilityTypes(ctx context.Context) ([]*FacilityType, error)
	CollectFacility(ctx context.Context, tenantID, userID, facilityID string) (*FacilityCollection, error)
	UpgradeFacility(ctx context.Context, tenantID, userID, facilityID string, cost int64, maxLevel, unlockLevel int) (*Facility, error)
	AccrueDueFacilities(ctx context.Context, shard int, now time.Time, batch int) ([]*Facility, error)

	// Companions.
	ListCompanions(ctx context.Context, tenantID, userID string) ([]*Companion, error)
	InteractCompanion(ctx context.Context, tenantID, userID, companionID, interaction string, boost int) (*Companion, error)
	DecayCompanions(ctx context.Context, shard int, amount, batch int, now time.Time) ([]*Companion, error)

	// Notifications.
	InsertNotifications(ctx context.Context, notifications []*Notification) error
	ListNotifications(ctx context.Context, tenantID, userID string, limit int) ([]*Notification, error)
	MarkNotificationRead(ctx context.Context, tenantID, userID, notificationID string) error
	SweepExpiredNotifications(ctx context.Context, shard int, now time.Time) (int64, error)

	// Streaks.
	ResetLapsedStreaks(ctx context.Context, shard int, tenantID, yesterday string) (int64, error)

	// Audit.
	InsertAudit(ctx context.Context, entry *AuditEntry) error

	// Health.
	Ping(ctx context.Context) error
}
