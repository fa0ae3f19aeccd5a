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
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// nopMetrics satisfies Metrics without touching a metrics backend.
type nopMetrics struct{}

func (nopMetrics) Stop(*zap.Logger)                          {}
func (nopMetrics) Api(string, time.Duration, int)            {}
func (nopMetrics) CacheHit(string)                           {}
func (nopMetrics) CacheMiss(string)                          {}
func (nopMetrics) RateLimited(string)                        {}
func (nopMetrics) RewardComputed(bool)                       {}
func (nopMetrics) ReceiptCommitted()                         {}
func (nopMetrics) VersionConflict()                          {}
func (nopMetrics) SchedulerJob(string, time.Duration, int)   {}
func (nopMetrics) NotificationPushed()                       {}
func (nopMetrics) NotificationDropped()                      {}
func (nopMetrics) WebsocketOpened()                          {}
func (nopMetrics) WebsocketClosed()                          {}
func (nopMetrics) Snapshot() map[string]int64                { return map[string]int64{} }
func (nopMetrics) HTTPHandler() http.Handler                 { return http.NotFoundHandler() }

// fakeStore is an in-memory Store for exercising the Coordinator.
type fakeStore struct {
	mu sync.Mutex

	users         map[string]*UserSnapshot
	idemResponse  map[string][]byte
	idemHash      map[string]string
	receipts      map[string]*Receipt
	missions      map[string]*Mission
	achievements  map[string]*Achievement
	notifications []*Notification
	sessions      map[string]*Session
	rate          map[string]int64
	events        []*Event
	templates     []*MissionTemplate
	tenants       map[string]*Tenant

	conflictsLeft int
	recentCount   int
	rateIncrErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:        make(map[string]*UserSnapshot),
		idemResponse: make(map[string][]byte),
		idemHash:     make(map[string]string),
		receipts:     make(map[string]*Receipt),
		missions:     make(map[string]*Mission),
		achievements: make(map[string]*Achievement),
		sessions:     make(map[string]*Session),
		rate:         make(map[string]int64),
		tenants:      make(map[string]*Tenant),
	}
}

func userKey(tenantID, userID string) string { return tenantID + ":" + userID }

func cloneUser(u *UserSnapshot) *UserSnapshot {
	c := *u
	c.VisitedCategories = make(map[string]bool, len(u.VisitedCategories))
	for k, v := range u.VisitedCategories {
		c.VisitedCategories[k] = v
	}
	return &c
}

func (f *fakeStore) GetTenantByHost(ctx context.Context, host string) (*Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tenants {
		if t.HostDomain == host {
			return t, nil
		}
	}
	return nil, ErrTenantNotFound
}

func (f *fakeStore) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tenants[tenantID]; ok {
		return t, nil
	}
	return nil, ErrTenantNotFound
}

func (f *fakeStore) AddTenant(ctx context.Context, tenant *Tenant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tenants[tenant.ID] = tenant
	return nil
}

func (f *fakeStore) ListTenants(ctx context.Context) ([]*Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tenants := make([]*Tenant, 0, len(f.tenants))
	for _, t := range f.tenants {
		tenants = append(tenants, t)
	}
	return tenants, nil
}

func (f *fakeStore) GetUser(ctx context.Context, tenantID, userID string) (*UserSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userKey(tenantID, userID)]
	if !ok {
		return nil, ErrUserNotFound
	}
	return cloneUser(u), nil
}

func (f *fakeStore) GetUserByHandle(ctx context.Context, tenantID, handle string) (*UserSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.TenantID == tenantID && u.Handle == handle {
			return cloneUser(u), nil
		}
	}
	return nil, ErrUserNotFound
}

func (f *fakeStore) CreateUser(ctx context.Context, user *UserSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.TenantID == user.TenantID && u.Handle == user.Handle {
			return NewError(KindConflict, "Handle already in use")
		}
	}
	stored := cloneUser(user)
	stored.Version = 1
	stored.Level = 1
	if stored.VisitedCategories == nil {
		stored.VisitedCategories = map[string]bool{}
	}
	f.users[userKey(user.TenantID, user.ID)] = stored
	return nil
}

func (f *fakeStore) ApplyUserDelta(ctx context.Context, tenantID, userID string, delta *UserDelta, idemKey, requestHash string, build ResponseBuilder) (*ApplyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if idemKey != "" {
		if stored, ok := f.idemResponse[userKey(tenantID, userID)+":"+idemKey]; ok {
			if f.idemHash[userKey(tenantID, userID)+":"+idemKey] != requestHash {
				return nil, ErrIdempotencyReuse
			}
			return &ApplyResult{Snapshot: cloneUser(f.users[userKey(tenantID, userID)]), Response: stored, Replayed: true}, nil
		}
	}

	user, ok := f.users[userKey(tenantID, userID)]
	if !ok {
		return nil, ErrUserNotFound
	}
	if f.conflictsLeft > 0 {
		f.conflictsLeft--
		return nil, ErrVersionConflict
	}
	if delta.ExpectedVersion > 0 && delta.ExpectedVersion != user.Version {
		return nil, ErrVersionConflict
	}

	user.Coins += delta.CoinsDelta
	user.XP += delta.XPDelta
	user.VIPPoints += delta.VIPPointsDelta
	user.AchievementPoints += delta.AchievementPointsDelta
	user.Spending += delta.SpendingDelta
	if user.Coins < 0 {
		return nil, NewError(KindValidation, "Balance would become negative")
	}
	if delta.NewLevel != nil {
		user.Level = *delta.NewLevel
	}
	if delta.NewVIPTier != nil {
		user.VIPTier = *delta.NewVIPTier
	}
	if delta.StreakDays != nil {
		user.StreakDays = *delta.StreakDays
	}
	if delta.StreakLastDay != nil {
		user.StreakLastDay = *delta.StreakLastDay
	}
	if delta.AddVisitedCategory != "" {
		user.VisitedCategories[delta.AddVisitedCategory] = true
	}
	user.Version++

	if delta.Receipt != nil {
		f.receipts[delta.Receipt.ID] = delta.Receipt
	}
	if delta.ReceiptState != nil {
		if r, ok := f.receipts[delta.ReceiptState.ReceiptID]; ok {
			r.State = delta.ReceiptState.State
		}
	}
	for _, mc := range delta.MissionChanges {
		if m, ok := f.missions[mc.MissionID]; ok {
			m.Progress = mc.Progress
			m.Status = mc.Status
		}
	}
	for _, m := range delta.NewMissions {
		f.missions[m.ID] = m
	}
	for _, a := range delta.Achievements {
		key := userKey(tenantID, userID) + ":" + a.Type
		if _, exists := f.achievements[key]; !exists {
			f.achievements[key] = a
		}
	}
	f.notifications = append(f.notifications, delta.Notifications...)

	snapshot := cloneUser(user)
	var response []byte
	if build != nil {
		var err error
		if response, err = build(snapshot); err != nil {
			return nil, err
		}
	}
	if idemKey != "" {
		f.idemResponse[userKey(tenantID, userID)+":"+idemKey] = response
		f.idemHash[userKey(tenantID, userID)+":"+idemKey] = requestHash
	}
	return &ApplyResult{Snapshot: snapshot, Response: response}, nil
}

func (f *fakeStore) GetIdempotentResponse(ctx context.Context, tenantID, userID, idemKey string) ([]byte, string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := userKey(tenantID, userID) + ":" + idemKey
	if stored, ok := f.idemResponse[key]; ok {
		return stored, f.idemHash[key], true, nil
	}
	return nil, "", false, nil
}

func (f *fakeStore) RecordLoginFailure(ctx context.Context, tenantID, userID string, threshold int, window, lockout time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userKey(tenantID, userID)]
	if !ok {
		return false, ErrUserNotFound
	}
	now := time.Now().UTC()
	if u.FailedWindowStart.IsZero() || now.Sub(u.FailedWindowStart) > window {
		u.FailedLogins = 1
		u.FailedWindowStart = now
	} else {
		u.FailedLogins++
	}
	if u.FailedLogins >= threshold {
		u.LockedUntil = now.Add(lockout)
		return true, nil
	}
	return false, nil
}

func (f *fakeStore) ClearLoginFailures(ctx context.Context, tenantID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[userKey(tenantID, userID)]; ok {
		u.FailedLogins = 0
		u.FailedWindowStart = time.Time{}
		u.LockedUntil = time.Time{}
	}
	return nil
}

func (f *fakeStore) SetMFASecret(ctx context.Context, tenantID, userID, secret string, backupCodes []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[userKey(tenantID, userID)]; ok {
		u.MFASecret = secret
		u.MFABackupCodes = backupCodes
	}
	return nil
}

func (f *fakeStore) ConsumeMFABackupCode(ctx context.Context, tenantID, userID, code string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userKey(tenantID, userID)]
	if !ok {
		return false, ErrUserNotFound
	}
	for i, c := range u.MFABackupCodes {
		if c == code {
			u.MFABackupCodes = append(u.MFABackupCodes[:i], u.MFABackupCodes[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) RecordSession(ctx context.Context, session *Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[session.ID] = session
	return nil
}

func (f *fakeStore) GetSession(ctx context.Context, tenantID, userID, tokenID string) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[tokenID]; ok {
		return s, nil
	}
	return nil, ErrSessionNotFound
}

func (f *fakeStore) RevokeSession(ctx context.Context, tenantID, userID, tokenID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[tokenID]; ok {
		s.Revoked = true
	}
	return nil
}

func (f *fakeStore) RevokeUserSessions(ctx context.Context, tenantID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.TenantID == tenantID && s.UserID == userID {
			s.Revoked = true
		}
	}
	return nil
}

func (f *fakeStore) DeleteExpiredSessions(ctx context.Context, shard int, now time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeStore) RateLimitIncr(ctx context.Context, subject, action string, windowStart int64, delta int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rateIncrErr != nil {
		return 0, f.rateIncrErr
	}
	key := subject + "|" + action + "|" + time.Unix(windowStart, 0).String()
	f.rate[key] += delta
	return f.rate[key], nil
}

func (f *fakeStore) GetReceipt(ctx context.Context, tenantID, userID, receiptID string) (*Receipt, error) {
	return f.FindReceipt(ctx, tenantID, receiptID)
}

func (f *fakeStore) FindReceipt(ctx context.Context, tenantID, receiptID string) (*Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[receiptID]; ok {
		return r, nil
	}
	return nil, ErrReceiptNotFound
}

func (f *fakeStore) CountRecentStoreReceipts(ctx context.Context, tenantID, userID, storeName string, since time.Time) (int, error) {
	return f.recentCount, nil
}

func (f *fakeStore) ListMissions(ctx context.Context, tenantID, userID string, statuses []MissionStatus) ([]*Mission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	missions := make([]*Mission, 0)
	for _, m := range f.missions {
		if m.TenantID != tenantID || m.UserID != userID {
			continue
		}
		if len(statuses) == 0 {
			missions = append(missions, m)
			continue
		}
		for _, st := range statuses {
			if m.Status == st {
				missions = append(missions, m)
				break
			}
		}
	}
	return missions, nil
}

func (f *fakeStore) GetMission(ctx context.Context, tenantID, userID, missionID string) (*Mission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.missions[missionID]; ok {
		return m, nil
	}
	return nil, ErrMissionNotFound
}

func (f *fakeStore) ExpireDueMissions(ctx context.Context, shard int, now time.Time, batch int) ([]*Mission, error) {
	return nil, nil
}

func (f *fakeStore) ListMissionTemplates(ctx context.Context, tenantID string) ([]*MissionTemplate, error) {
	return f.templates, nil
}

func (f *fakeStore) ListActiveEvents(ctx context.Context, tenantID string, now time.Time) ([]*Event, error) {
	return f.events, nil
}

func (f *fakeStore) ListAchievements(ctx context.Context, tenantID, userID string) ([]*Achievement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	achievements := make([]*Achievement, 0)
	for _, a := range f.achievements {
		if a.TenantID == tenantID && a.UserID == userID {
			achievements = append(achievements, a)
		}
	}
	return achievements, nil
}

func (f *fakeStore) TopUsers(ctx context.Context, shard int, tenantID string, kind LeaderboardKind, limit int) ([]*LeaderboardEntry, error) {
	return nil, nil
}

func (f *fakeStore) ListFacilities(ctx context.Context, tenantID, userID string) ([]*Facility, error) {
	return nil, nil
}

func (f *fakeStore) ListFacilityTypes(ctx context.Context) ([]*FacilityType, error) {
	return nil, nil
}

func (f *fakeStore) CollectFacility(ctx context.Context, tenantID, userID, facilityID string) (*FacilityCollection, error) {
	return nil, NewError(KindNotFound, "Facility not found")
}

func (f *fakeStore) UpgradeFacility(ctx context.Context, tenantID, userID, facilityID string, cost int64, maxLevel, unlockLevel int) (*Facility, error) {
	return nil, NewError(KindNotFound, "Facility not found")
}

func (f *fakeStore) AccrueDueFacilities(ctx context.Context, shard int, now time.Time, batch int) ([]*Facility, error) {
	return nil, nil
}

func (f *fakeStore) ListCompanions(ctx context.Context, tenantID, userID string) ([]*Companion, error) {
	return nil, nil
}

func (f *fakeStore) InteractCompanion(ctx context.Context, tenantID, userID, companionID, interaction string, boost int) (*Companion, error) {
	return nil, NewError(KindNotFound, "Companion not found")
}

func (f *fakeStore) DecayCompanions(ctx context.Context, shard int, amount, batch int, now time.Time) ([]*Companion, error) {
	return nil, nil
}

func (f *fakeStore) InsertNotifications(ctx context.Context, notifications []*Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, notifications...)
	return nil
}

func (f *fakeStore) ListNotifications(ctx context.Context, tenantID, userID string, limit int) ([]*Notification, error) {
	return nil, nil
}

func (f *fakeStore) MarkNotificationRead(ctx context.Context, tenantID, userID, notificationID string) error {
	return nil
}

func (f *fakeStore) SweepExpiredNotifications(ctx context.Context, shard int, now time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeStore) ResetLapsedStreaks(ctx context.Context, shard int, tenantID, yesterday string) (int64, error) {
	return 0, nil
}

func (f *fakeStore) InsertAudit(ctx context.Context, entry *AuditEntry) error { return nil }

func (f *fakeStore) Ping(ctx context.Context) error { return nil }

// --------------------------------------------------------------- fixtures

func testConfig() *config {
	c := NewConfig()
	c.Auth.Secret = "test-secret-0123456789abcdef"
	return c
}

func newTestCoordinator(t *testing.T, store *fakeStore) *Coordinator {
	t.Helper()
	logger := zap.NewNop()
	cfg := testConfig()
	metrics := nopMetrics{}
	cache := NewUserCache(logger, cfg, metrics)
	sessionCache := NewLocalSessionCache(60)
	t.Cleanup(sessionCache.Stop)
	authGate := NewAuthGate(logger, cfg, store, sessionCache)
	sockets := NewSocketRegistry(logger, cfg, metrics)
	router := NewNotificationRouter(logger, cfg, metrics, sockets)
	t.Cleanup(router.Stop)
	rateLimiter := NewRateLimiter(logger, cfg, store, metrics)
	return NewCoordinator(logger, cfg, store, cache, authGate, rateLimiter, router, metrics)
}

func seedUser(store *fakeStore) *UserSnapshot {
	user := &UserSnapshot{
		ID:                "u1",
		TenantID:          "t1",
		Handle:            "player1",
		Role:              RolePlayer,
		Level:             1,
		Version:           1,
		VisitedCategories: map[string]bool{},
	}
	store.users[userKey("t1", "u1")] = user
	return user
}

var testTenant = &Tenant{ID: "t1", HostDomain: "mall.test", Name: "Test Mall", Timezone: "UTC"}

// ------------------------------------------------------------------ tests

func TestSubmitReceiptBasic(t *testing.T) {
	store := newFakeStore()
	seedUser(store)
	coordinator := newTestCoordinator(t, store)

	resp, err := coordinator.SubmitReceipt(context.Background(), testTenant, "u1", &ReceiptSubmission{
		Amount:         100.00,
		StoreName:      "Deerfields Fashion",
		Category:       "fashion",
		IdempotencyKey: "k1",
		Source:         SourceMobile,
		Timestamp:      testNow,
	})
	require.NoError(t, err)

	require.Equal(t, "verified", resp.Status)
	require.Equal(t, int64(13), resp.Reward.Coins)
	require.Equal(t, int64(26), resp.Reward.XP)
	require.Equal(t, 1, resp.User.Level)
	require.Equal(t, EventReceiptVerified, resp.Events[0].Type)

	user := store.users[userKey("t1", "u1")]
	require.Equal(t, int64(13), user.Coins)
	require.Equal(t, int64(26), user.XP)
	require.True(t, user.VisitedCategories["fashion"])
	require.Len(t, store.receipts, 1)
}

func TestSubmitReceiptIdempotentRetry(t *testing.T) {
	store := newFakeStore()
	seedUser(store)
	coordinator := newTestCoordinator(t, store)

	sub := func() *ReceiptSubmission {
		return &ReceiptSubmission{
			Amount:         100.00,
			StoreName:      "Deerfields Fashion",
			Category:       "fashion",
			IdempotencyKey: "k1",
			Source:         SourceMobile,
			Timestamp:      testNow,
		}
	}

	first, err := coordinator.SubmitReceipt(context.Background(), testTenant, "u1", sub())
	require.NoError(t, err)
	second, err := coordinator.SubmitReceipt(context.Background(), testTenant, "u1", sub())
	require.NoError(t, err)

	firstJSON, _ := json.Marshal(first)
	secondJSON, _ := json.Marshal(second)
	require.Equal(t, string(firstJSON), string(secondJSON))

	user := store.users[userKey("t1", "u1")]
	require.Equal(t, int64(13), user.Coins)
	require.Len(t, store.receipts, 1)
}

func TestSubmitReceiptIdempotencyKeyReuse(t *testing.T) {
	store := newFakeStore()
	seedUser(store)
	coordinator := newTestCoordinator(t, store)

	_, err := coordinator.SubmitReceipt(context.Background(), testTenant, "u1", &ReceiptSubmission{
		Amount: 100.00, StoreName: "Shop", Category: "fashion", IdempotencyKey: "k1", Source: SourceMobile, Timestamp: testNow,
	})
	require.NoError(t, err)

	_, err = coordinator.SubmitReceipt(context.Background(), testTenant, "u1", &ReceiptSubmission{
		Amount: 250.00, StoreName: "Shop", Category: "fashion", IdempotencyKey: "k1", Source: SourceMobile, Timestamp: testNow,
	})
	require.Error(t, err)
	require.Equal(t, KindConflict, ErrorKind(err))
}

func TestSubmitReceiptValidation(t *testing.T) {
	store := newFakeStore()
	seedUser(store)
	coordinator := newTestCoordinator(t, store)

	// One minor unit above the maximum is rejected.
	_, err := coordinator.SubmitReceipt(context.Background(), testTenant, "u1", &ReceiptSubmission{
		Amount: 10000.01, StoreName: "Shop", IdempotencyKey: "k1", Source: SourceMobile, Timestamp: testNow,
	})
	require.Error(t, err)
	require.Equal(t, KindValidation, ErrorKind(err))
	require.Empty(t, store.receipts)

	// Exactly at the maximum is accepted (and suspicious by amount).
	resp, err := coordinator.SubmitReceipt(context.Background(), testTenant, "u1", &ReceiptSubmission{
		Amount: 10000.00, StoreName: "Shop", IdempotencyKey: "k2", Source: SourceMobile, Timestamp: testNow,
	})
	require.NoError(t, err)
	require.Equal(t, "suspicious", resp.Status)
}

func TestSubmitReceiptSuspiciousWithholdsCredit(t *testing.T) {
	store := newFakeStore()
	seedUser(store)
	coordinator := newTestCoordinator(t, store)

	resp, err := coordinator.SubmitReceipt(context.Background(), testTenant, "u1", &ReceiptSubmission{
		Amount:         9500.00,
		StoreName:      "Shop",
		Category:       "general",
		IdempotencyKey: "k1",
		Source:         SourceMobile,
		Timestamp:      testNow,
	})
	require.NoError(t, err)
	require.Equal(t, "suspicious", resp.Status)
	require.Empty(t, resp.Events)

	// Totals unchanged, reward snapshot kept for audit.
	user := store.users[userKey("t1", "u1")]
	require.Zero(t, user.Coins)
	require.Zero(t, user.XP)
	require.Len(t, store.receipts, 1)
	for _, r := range store.receipts {
		require.Equal(t, ReceiptSuspicious, r.State)
		require.NotNil(t, r.Reward)
		require.Equal(t, int64(950), r.Reward.Coins)
	}
}

func TestSubmitReceiptVersionConflictRetries(t *testing.T) {
	store := newFakeStore()
	seedUser(store)
	coordinator := newTestCoordinator(t, store)

	store.conflictsLeft = 1
	resp, err := coordinator.SubmitReceipt(context.Background(), testTenant, "u1", &ReceiptSubmission{
		Amount: 100.00, StoreName: "Shop", Category: "fashion", IdempotencyKey: "k1", Source: SourceMobile, Timestamp: testNow,
	})
	require.NoError(t, err)
	require.Equal(t, int64(13), resp.Reward.Coins)

	store.conflictsLeft = 10
	_, err = coordinator.SubmitReceipt(context.Background(), testTenant, "u1", &ReceiptSubmission{
		Amount: 100.00, StoreName: "Shop", Category: "fashion", IdempotencyKey: "k2", Source: SourceMobile, Timestamp: testNow,
	})
	require.Error(t, err)
	require.Equal(t, KindConflict, ErrorKind(err))
}

func TestSubmitReceiptMissionProgress(t *testing.T) {
	store := newFakeStore()
	seedUser(store)
	coordinator := newTestCoordinator(t, store)

	store.missions["m1"] = &Mission{
		ID: "m1", TenantID: "t1", UserID: "u1", TemplateID: "tmpl1",
		Type: MissionDaily, Target: 1, Status: MissionActive,
		ExpiresAt: testNow.Add(24 * time.Hour),
	}

	_, err := coordinator.SubmitReceipt(context.Background(), testTenant, "u1", &ReceiptSubmission{
		Amount: 50.00, StoreName: "Shop", Category: "grocery", IdempotencyKey: "k1", Source: SourceMobile, Timestamp: testNow,
	})
	require.NoError(t, err)

	require.Equal(t, MissionReadyToClaim, store.missions["m1"].Status)
	require.Equal(t, int64(1), store.missions["m1"].Progress)
}

func TestClaimMissionIdempotent(t *testing.T) {
	store := newFakeStore()
	seedUser(store)
	coordinator := newTestCoordinator(t, store)

	store.missions["m1"] = &Mission{
		ID: "m1", TenantID: "t1", UserID: "u1", TemplateID: "tmpl1",
		Type: MissionDaily, Target: 3, Progress: 3, Status: MissionReadyToClaim,
		RewardCoins: 50, RewardXP: 25,
		ExpiresAt: testNow.Add(24 * time.Hour),
	}
	claims := &SessionTokenClaims{UserID: "u1", TenantID: "t1", Role: string(RolePlayer)}

	first, err := coordinator.ClaimMission(context.Background(), testTenant, claims, "m1")
	require.NoError(t, err)
	require.Equal(t, int64(50), first.Reward.Coins)
	require.Equal(t, int64(50), first.User.Coins)

	second, err := coordinator.ClaimMission(context.Background(), testTenant, claims, "m1")
	require.NoError(t, err)
	require.Equal(t, first.User.Coins, second.User.Coins)

	// Credited exactly once.
	require.Equal(t, int64(50), store.users[userKey("t1", "u1")].Coins)
	require.Equal(t, MissionCompleted, store.missions["m1"].Status)
}

func TestClaimMissionNotReady(t *testing.T) {
	store := newFakeStore()
	seedUser(store)
	coordinator := newTestCoordinator(t, store)

	store.missions["m1"] = &Mission{
		ID: "m1", TenantID: "t1", UserID: "u1", TemplateID: "tmpl1",
		Type: MissionDaily, Target: 3, Progress: 1, Status: MissionActive,
		ExpiresAt: testNow.Add(24 * time.Hour),
	}
	claims := &SessionTokenClaims{UserID: "u1", TenantID: "t1", Role: string(RolePlayer)}

	_, err := coordinator.ClaimMission(context.Background(), testTenant, claims, "m1")
	require.Error(t, err)
	require.Equal(t, KindConflict, ErrorKind(err))
}

func TestGenerateMissionOccupiedSlots(t *testing.T) {
	store := newFakeStore()
	seedUser(store)
	coordinator := newTestCoordinator(t, store)
	store.templates = []*MissionTemplate{
		{ID: "tmpl1", TenantID: "t1", Type: MissionDaily, Slot: 0, Target: 3, RewardCoins: 50, RewardXP: 20, DurationSec: 86400},
	}
	claims := &SessionTokenClaims{UserID: "u1", TenantID: "t1", Role: string(RolePlayer)}

	mission, err := coordinator.GenerateMission(context.Background(), testTenant, claims)
	require.NoError(t, err)
	require.Equal(t, "tmpl1", mission.TemplateID)
	require.Equal(t, string(MissionActive), mission.Status)

	_, err = coordinator.GenerateMission(context.Background(), testTenant, claims)
	require.Error(t, err)
	require.Equal(t, KindConflict, ErrorKind(err))
}

func TestReviewSuspiciousReceiptApprove(t *testing.T) {
	store := newFakeStore()
	store.tenants["t1"] = testTenant
	seedUser(store)
	coordinator := newTestCoordinator(t, store)

	_, err := coordinator.SubmitReceipt(context.Background(), testTenant, "u1", &ReceiptSubmission{
		Amount: 9500.00, StoreName: "Shop", Category: "general", IdempotencyKey: "k1", Source: SourceMobile, Timestamp: testNow,
	})
	require.NoError(t, err)

	var receiptID string
	for id := range store.receipts {
		receiptID = id
	}
	receipt, err := coordinator.ReviewReceipt(context.Background(), "t1", receiptID, true, "admin1")
	require.NoError(t, err)
	require.Equal(t, ReceiptVerified, receipt.State)

	// The withheld reward snapshot is credited on approval.
	user := store.users[userKey("t1", "u1")]
	require.Equal(t, int64(950), user.Coins)
	require.Equal(t, int64(1900), user.XP)
}

func TestKeyedMutexBusy(t *testing.T) {
	m := newKeyedMutex()
	release, err := m.acquire(context.Background(), "t1:u1", time.Second)
	require.NoError(t, err)

	_, err = m.acquire(context.Background(), "t1:u1", 10*time.Millisecond)
	require.ErrorIs(t, err, ErrUserBusy)

	release()
	release2, err := m.acquire(context.Background(), "t1:u1", time.Second)
	require.NoError(t, err)
	release2()
}
