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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// PostgresStore implements Store over a sharded set of Postgres databases.
// The tenant registry, events, mission templates and handle registry live on
// shard 0; all per-user rows live on the user's shard.
type PostgresStore struct {
	logger *zap.Logger
	shards *ShardSet
}

func NewPostgresStore(logger *zap.Logger, shards *ShardSet) *PostgresStore {
	return &PostgresStore{logger: logger, shards: shards}
}

func (s *PostgresStore) registry() *sql.DB { return s.shards.ForIndex(0) }

func (s *PostgresStore) Ping(ctx context.Context) error {
	for i := 0; i < s.shards.Count(); i++ {
		if err := s.shards.ForIndex(i).PingContext(ctx); err != nil {
			return WrapError(KindTransient, "Storage temporarily unavailable", err)
		}
	}
	return nil
}

// ----------------------------------------------------------------- tenants

const tenantColumns = "id, host_domain, name, branding, timezone, wifi_ssids, store_allow_list, policy_overrides, created_at"

func (s *PostgresStore) GetTenantByHost(ctx context.Context, host string) (*Tenant, error) {
	row := s.registry().QueryRowContext(ctx, "SELECT "+tenantColumns+" FROM tenants WHERE host_domain = $1", host)
	return scanTenant(row)
}

func (s *PostgresStore) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	row := s.registry().QueryRowContext(ctx, "SELECT "+tenantColumns+" FROM tenants WHERE id = $1", tenantID)
	return scanTenant(row)
}

func (s *PostgresStore) AddTenant(ctx context.Context, tenant *Tenant) error {
	branding, _ := json.Marshal(tenant.Branding)
	ssids, _ := json.Marshal(tenant.WifiSSIDs)
	allow, _ := json.Marshal(tenant.StoreAllowList)
	overrides, _ := json.Marshal(tenant.PolicyOverrides)
	_, err := s.registry().ExecContext(ctx, `
INSERT INTO tenants (id, host_domain, name, branding, timezone, wifi_ssids, store_allow_list, policy_overrides, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())`,
		tenant.ID, tenant.HostDomain, tenant.Name, branding, tenant.Timezone, ssids, allow, overrides)
	if err != nil {
		if isUniqueViolation(err, "tenants_host_domain_key") {
			return NewError(KindConflict, "Host domain already registered")
		}
		s.logger.Error("Could not insert tenant", zap.Error(err))
		return WrapError(KindTransient, "Could not insert tenant", err)
	}
	return nil
}

func (s *PostgresStore) ListTenants(ctx context.Context) ([]*Tenant, error) {
	rows, err := s.registry().QueryContext(ctx, "SELECT "+tenantColumns+" FROM tenants ORDER BY created_at")
	if err != nil {
		return nil, WrapError(KindTransient, "Could not list tenants", err)
	}
	defer rows.Close()
	tenants := make([]*Tenant, 0)
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

func scanTenant(row Scannable) (*Tenant, error) {
	var t Tenant
	var branding, ssids, allow, overrides []byte
	err := row.Scan(&t.ID, &t.HostDomain, &t.Name, &branding, &t.Timezone, &ssids, &allow, &overrides, &t.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrTenantNotFound
		}
		return nil, WrapError(KindTransient, "Could not read tenant", err)
	}
	_ = json.Unmarshal(branding, &t.Branding)
	_ = json.Unmarshal(ssids, &t.WifiSSIDs)
	_ = json.Unmarshal(allow, &t.StoreAllowList)
	if len(overrides) > 0 && string(overrides) != "null" {
		t.PolicyOverrides = &PolicyOverrides{}
		_ = json.Unmarshal(overrides, t.PolicyOverrides)
	}
	return &t, nil
}

// ------------------------------------------------------------------- users

const userColumns = `tenant_id, id, handle, display_name, language, role, password_hash, mfa_secret, mfa_backup_codes,
coins, xp, level, vip_tier, vip_points, achievement_points, social_score, spending,
streak_days, streak_last_day, visited_categories, friends, team_id,
failed_logins, failed_window_start, locked_until, version, created_at, last_active`

func scanUser(row Scannable) (*UserSnapshot, error) {
	var u UserSnapshot
	var role string
	var vipTier int
	var backupCodes, visited, friends []byte
	var teamID, streakLastDay, mfaSecret sql.NullString
	var failedWindowStart, lockedUntil sql.NullTime
	err := row.Scan(&u.TenantID, &u.ID, &u.Handle, &u.DisplayName, &u.Language, &role, &u.PasswordHash, &mfaSecret, &backupCodes,
		&u.Coins, &u.XP, &u.Level, &vipTier, &u.VIPPoints, &u.AchievementPoints, &u.SocialScore, &u.Spending,
		&u.StreakDays, &streakLastDay, &visited, &friends, &teamID,
		&u.FailedLogins, &failedWindowStart, &lockedUntil, &u.Version, &u.CreatedAt, &u.LastActive)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, WrapError(KindTransient, "Could not read user", err)
	}
	u.Role = Role(role)
	u.VIPTier = VIPTier(vipTier)
	u.MFASecret = mfaSecret.String
	u.StreakLastDay = streakLastDay.String
	u.TeamID = teamID.String
	if failedWindowStart.Valid {
		u.FailedWindowStart = failedWindowStart.Time
	}
	if lockedUntil.Valid {
		u.LockedUntil = lockedUntil.Time
	}
	_ = json.Unmarshal(backupCodes, &u.MFABackupCodes)
	u.VisitedCategories = make(map[string]bool)
	_ = json.Unmarshal(visited, &u.VisitedCategories)
	_ = json.Unmarshal(friends, &u.Friends)
	return &u, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, tenantID, userID string) (*UserSnapshot, error) {
	db := s.shards.ForUser(tenantID, userID)
	row := db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE tenant_id = $1 AND id = $2", tenantID, userID)
	return scanUser(row)
}

func (s *PostgresStore) GetUserByHandle(ctx context.Context, tenantID, handle string) (*UserSnapshot, error) {
	// Handles are claimed in a registry table on shard 0 so uniqueness holds
	// across shards; the user row itself lives on the user's shard.
	var userID string
	err := s.registry().QueryRowContext(ctx,
		"SELECT user_id FROM user_handles WHERE tenant_id = $1 AND handle = $2", tenantID, handle).Scan(&userID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, WrapError(KindTransient, "Could not look up handle", err)
	}
	return s.GetUser(ctx, tenantID, userID)
}

func (s *PostgresStore) CreateUser(ctx context.Context, user *UserSnapshot) error {
	// Claim the handle first. The unique index makes concurrent claims lose
	// cleanly; an orphaned claim without a user row is repaired by support
	// tooling, never reused silently.
	_, err := s.registry().ExecContext(ctx,
		"INSERT INTO user_handles (tenant_id, handle, user_id) VALUES ($1, $2, $3)",
		user.TenantID, user.Handle, user.ID)
	if err != nil {
		if isUniqueViolation(err, "user_handles_pkey") {
			return NewError(KindConflict, "Handle already in use")
		}
		s.logger.Error("Could not claim handle", zap.Error(err), zap.String("handle", user.Handle))
		return WrapError(KindTransient, "Could not create user", err)
	}

	backupCodes, _ := json.Marshal(user.MFABackupCodes)
	visited, _ := json.Marshal(user.VisitedCategories)
	friends, _ := json.Marshal(user.Friends)
	db := s.shards.ForUser(user.TenantID, user.ID)
	_, err = db.ExecContext(ctx, `
INSERT INTO users (tenant_id, id, handle, display_name, language, role, password_hash, mfa_secret, mfa_backup_codes,
	coins, xp, level, vip_tier, vip_points, achievement_points, social_score, spending,
	streak_days, streak_last_day, visited_categories, friends, team_id,
	failed_logins, failed_window_start, locked_until, version, created_at, last_active)
VALUES ($1, $2, $3, $4, $5, $6, $7, nullif($8, ''), $9, 0, 0, 1, 0, 0, 0, 0, 0, 0, NULL, $10, $11, nullif($12, ''), 0, NULL, NULL, 1, now(), now())`,
		user.TenantID, user.ID, user.Handle, user.DisplayName, user.Language, string(user.Role), user.PasswordHash,
		user.MFASecret, backupCodes, visited, friends, user.TeamID)
	if err != nil {
		if isUniqueViolation(err, "users_pkey") {
			return NewError(KindConflict, "User already exists")
		}
		s.logger.Error("Could not insert user", zap.Error(err), zap.String("user_id", user.ID))
		return WrapError(KindTransient, "Could not create user", err)
	}
	return nil
}

// errIdempotencyRace signals that a concurrent request committed the same
// idempotency key first; the caller re-reads the stored outcome.
var errIdempotencyRace = errors.New("idempotency race")

func (s *PostgresStore) ApplyUserDelta(ctx context.Context, tenantID, userID string, delta *UserDelta, idemKey, requestHash string, build ResponseBuilder) (*ApplyResult, error) {
	db := s.shards.ForUser(tenantID, userID)

	result, err := s.applyUserDeltaOnce(ctx, db, tenantID, userID, delta, idemKey, requestHash, build)
	if errors.Is(err, errIdempotencyRace) {
		// Lost the race to another request with the same key; the winner's
		// outcome is now committed.
		response, storedHash, found, err2 := s.GetIdempotentResponse(ctx, tenantID, userID, idemKey)
		if err2 != nil {
			return nil, err2
		}
		if !found {
			return nil, ErrStoreUnavailable
		}
		if storedHash != requestHash {
			return nil, ErrIdempotencyReuse
		}
		snapshot, err2 := s.GetUser(ctx, tenantID, userID)
		if err2 != nil {
			return nil, err2
		}
		return &ApplyResult{Snapshot: snapshot, Response: response, Replayed: true}, nil
	}
	return result, err
}

func (s *PostgresStore) applyUserDeltaOnce(ctx context.Context, db *sql.DB, tenantID, userID string, delta *UserDelta, idemKey, requestHash string, build ResponseBuilder) (*ApplyResult, error) {
	var result *ApplyResult
	err := ExecuteInTx(ctx, db, func(tx *sql.Tx) error {
		// Idempotency pre-check inside the transaction.
		if idemKey != "" {
			var storedHash string
			var storedResponse []byte
			err := tx.QueryRowContext(ctx,
				"SELECT request_hash, response_blob FROM idempotency WHERE tenant_id = $1 AND user_id = $2 AND idem_key = $3",
				tenantID, userID, idemKey).Scan(&storedHash, &storedResponse)
			if err == nil {
				if storedHash != requestHash {
					return ErrIdempotencyReuse
				}
				snapshot, err := scanUser(tx.QueryRowContext(ctx,
					"SELECT "+userColumns+" FROM users WHERE tenant_id = $1 AND id = $2", tenantID, userID))
				if err != nil {
					return err
				}
				result = &ApplyResult{Snapshot: snapshot, Response: storedResponse, Replayed: true}
				return nil
			}
			if err != sql.ErrNoRows {
				return WrapError(KindTransient, "Could not check idempotency", err)
			}
		}

		var newLevel, newVIPTier, streakDays sql.NullInt64
		if delta.NewLevel != nil {
			newLevel = sql.NullInt64{Int64: int64(*delta.NewLevel), Valid: true}
		}
		if delta.NewVIPTier != nil {
			newVIPTier = sql.NullInt64{Int64: int64(*delta.NewVIPTier), Valid: true}
		}
		if delta.StreakDays != nil {
			streakDays = sql.NullInt64{Int64: int64(*delta.StreakDays), Valid: true}
		}
		var streakLastDay sql.NullString
		if delta.StreakLastDay != nil {
			streakLastDay = sql.NullString{String: *delta.StreakLastDay, Valid: true}
		}
		var lastActive sql.NullTime
		if !delta.LastActive.IsZero() {
			lastActive = sql.NullTime{Time: delta.LastActive, Valid: true}
		}

		row := tx.QueryRowContext(ctx, `
UPDATE users SET
	coins = coins + $3,
	xp = xp + $4,
	vip_points = vip_points + $5,
	achievement_points = achievement_points + $6,
	spending = spending + $7,
	level = COALESCE($8, level),
	vip_tier = COALESCE($9, vip_tier),
	streak_days = COALESCE($10, streak_days),
	streak_last_day = COALESCE($11, streak_last_day),
	visited_categories = CASE WHEN $12 = '' THEN visited_categories ELSE visited_categories || jsonb_build_object($12::text, true) END,
	last_active = COALESCE($13, last_active),
	version = version + 1
WHERE tenant_id = $1 AND id = $2 AND ($14::bigint = 0 OR version = $14)
RETURNING `+userColumns,
			tenantID, userID, delta.CoinsDelta, delta.XPDelta, delta.VIPPointsDelta, delta.AchievementPointsDelta,
			delta.SpendingDelta, newLevel, newVIPTier, streakDays, streakLastDay, delta.AddVisitedCategory,
			lastActive, delta.ExpectedVersion)
		snapshot, err := scanUser(row)
		if err != nil {
			if errors.Is(err, ErrUserNotFound) {
				// Distinguish a missing user from a version conflict.
				var one int
				checkErr := tx.QueryRowContext(ctx, "SELECT 1 FROM users WHERE tenant_id = $1 AND id = $2", tenantID, userID).Scan(&one)
				if checkErr == sql.ErrNoRows {
					return ErrUserNotFound
				}
				return ErrVersionConflict
			}
			if isCheckViolation(err) {
				return NewError(KindValidation, "Balance would become negative")
			}
			return err
		}

		if delta.Receipt != nil {
			if err := insertReceiptTx(ctx, tx, delta.Receipt); err != nil {
				return err
			}
		}
		if delta.ReceiptState != nil {
			if _, err := tx.ExecContext(ctx,
				"UPDATE receipts SET state = $4 WHERE tenant_id = $1 AND user_id = $2 AND id = $3",
				tenantID, userID, delta.ReceiptState.ReceiptID, string(delta.ReceiptState.State)); err != nil {
				return WrapError(KindTransient, "Could not update receipt state", err)
			}
		}
		for _, mc := range delta.MissionChanges {
			if _, err := tx.ExecContext(ctx,
				"UPDATE missions SET progress = $4, status = $5 WHERE tenant_id = $1 AND user_id = $2 AND id = $3",
				tenantID, userID, mc.MissionID, mc.Progress, string(mc.Status)); err != nil {
				return WrapError(KindTransient, "Could not update mission", err)
			}
		}
		for _, m := range delta.NewMissions {
			if err := insertMissionTx(ctx, tx, m); err != nil {
				return err
			}
		}
		for _, a := range delta.Achievements {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO achievements (id, tenant_id, user_id, type, points, reward_coins, earned_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (tenant_id, user_id, type) DO NOTHING`,
				a.ID, a.TenantID, a.UserID, a.Type, a.Points, a.RewardCoins, a.EarnedAt); err != nil {
				return WrapError(KindTransient, "Could not insert achievement", err)
			}
		}
		if len(delta.Notifications) > 0 {
			if err := insertNotificationsTx(ctx, tx, delta.Notifications); err != nil {
				return err
			}
		}

		var response []byte
		if build != nil {
			if response, err = build(snapshot); err != nil {
				return err
			}
		}

		if idemKey != "" {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO idempotency (tenant_id, user_id, idem_key, request_hash, response_blob, created_at)
VALUES ($1, $2, $3, $4, $5, now())`,
				tenantID, userID, idemKey, requestHash, response); err != nil {
				if isUniqueViolation(err, "idempotency_pkey") {
					return errIdempotencyRace
				}
				return WrapError(KindTransient, "Could not record idempotency", err)
			}
		}

		result = &ApplyResult{Snapshot: snapshot, Response: response}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *PostgresStore) GetIdempotentResponse(ctx context.Context, tenantID, userID, idemKey string) ([]byte, string, bool, error) {
	db := s.shards.ForUser(tenantID, userID)
	var response []byte
	var requestHash string
	err := db.QueryRowContext(ctx,
		"SELECT response_blob, request_hash FROM idempotency WHERE tenant_id = $1 AND user_id = $2 AND idem_key = $3",
		tenantID, userID, idemKey).Scan(&response, &requestHash)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, "", false, nil
		}
		return nil, "", false, WrapError(KindTransient, "Could not check idempotency", err)
	}
	return response, requestHash, true, nil
}

// ---------------------------------------------------------- login security

func (s *PostgresStore) RecordLoginFailure(ctx context.Context, tenantID, userID string, threshold int, window, lockout time.Duration) (bool, error) {
	db := s.shards.ForUser(tenantID, userID)
	var locked bool
	err := ExecuteInTx(ctx, db, func(tx *sql.Tx) error {
		var failed int
		var windowStart sql.NullTime
		err := tx.QueryRowContext(ctx,
			"SELECT failed_logins, failed_window_start FROM users WHERE tenant_id = $1 AND id = $2 FOR UPDATE",
			tenantID, userID).Scan(&failed, &windowStart)
		if err != nil {
			if err == sql.ErrNoRows {
				return ErrUserNotFound
			}
			return err
		}

		now := time.Now().UTC()
		if !windowStart.Valid || now.Sub(windowStart.Time) > window {
			failed = 1
			windowStart = sql.NullTime{Time: now, Valid: true}
		} else {
			failed++
		}

		var lockedUntil sql.NullTime
		if failed >= threshold {
			lockedUntil = sql.NullTime{Time: now.Add(lockout), Valid: true}
			locked = true
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE users SET failed_logins = $3, failed_window_start = $4, locked_until = $5 WHERE tenant_id = $1 AND id = $2",
			tenantID, userID, failed, windowStart, lockedUntil)
		return err
	})
	if err != nil {
		return false, err
	}
	return locked, nil
}

func (s *PostgresStore) ClearLoginFailures(ctx context.Context, tenantID, userID string) error {
	db := s.shards.ForUser(tenantID, userID)
	_, err := db.ExecContext(ctx,
		"UPDATE users SET failed_logins = 0, failed_window_start = NULL, locked_until = NULL WHERE tenant_id = $1 AND id = $2",
		tenantID, userID)
	if err != nil {
		return WrapError(KindTransient, "Could not clear login failures", err)
	}
	return nil
}

func (s *PostgresStore) SetMFASecret(ctx context.Context, tenantID, userID, secret string, backupCodes []string) error {
	db := s.shards.ForUser(tenantID, userID)
	codes, _ := json.Marshal(backupCodes)
	_, err := db.ExecContext(ctx,
		"UPDATE users SET mfa_secret = nullif($3, ''), mfa_backup_codes = $4 WHERE tenant_id = $1 AND id = $2",
		tenantID, userID, secret, codes)
	if err != nil {
		return WrapError(KindTransient, "Could not store MFA secret", err)
	}
	return nil
}

func (s *PostgresStore) ConsumeMFABackupCode(ctx context.Context, tenantID, userID, code string) (bool, error) {
	db := s.shards.ForUser(tenantID, userID)
	var consumed bool
	err := ExecuteInTx(ctx, db, func(tx *sql.Tx) error {
		var raw []byte
		err := tx.QueryRowContext(ctx,
			"SELECT mfa_backup_codes FROM users WHERE tenant_id = $1 AND id = $2 FOR UPDATE",
			tenantID, userID).Scan(&raw)
		if err != nil {
			if err == sql.ErrNoRows {
				return ErrUserNotFound
			}
			return err
		}
		var codes []string
		_ = json.Unmarshal(raw, &codes)
		remaining := make([]string, 0, len(codes))
		for _, c := range codes {
			if !consumed && c == code {
				consumed = true
				continue
			}
			remaining = append(remaining, c)
		}
		if !consumed {
			return nil
		}
		updated, _ := json.Marshal(remaining)
		_, err = tx.ExecContext(ctx,
			"UPDATE users SET mfa_backup_codes = $3 WHERE tenant_id = $1 AND id = $2", tenantID, userID, updated)
		return err
	})
	if err != nil {
		return false, err
	}
	return consumed, nil
}

// ---------------------------------------------------------------- sessions

func (s *PostgresStore) RecordSession(ctx context.Context, session *Session) error {
	db := s.shards.ForUser(session.TenantID, session.UserID)
	_, err := db.ExecContext(ctx, `
INSERT INTO sessions (id, tenant_id, user_id, token_hash, issued_at, expires_at, ip, user_agent, revoked)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false)`,
		session.ID, session.TenantID, session.UserID, session.TokenHash,
		session.IssuedAt, session.ExpiresAt, session.IP, session.UserAgent)
	if err != nil {
		if isUniqueViolation(err, "") {
			return NewError(KindConflict, "Session already recorded")
		}
		return WrapError(KindTransient, "Could not record session", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, tenantID, userID, tokenID string) (*Session, error) {
	db := s.shards.ForUser(tenantID, userID)
	var sess Session
	err := db.QueryRowContext(ctx,
		"SELECT id, tenant_id, user_id, token_hash, issued_at, expires_at, ip, user_agent, revoked FROM sessions WHERE tenant_id = $1 AND user_id = $2 AND id = $3",
		tenantID, userID, tokenID).Scan(&sess.ID, &sess.TenantID, &sess.UserID, &sess.TokenHash,
		&sess.IssuedAt, &sess.ExpiresAt, &sess.IP, &sess.UserAgent, &sess.Revoked)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrSessionNotFound
		}
		return nil, WrapError(KindTransient, "Could not read session", err)
	}
	return &sess, nil
}

func (s *PostgresStore) RevokeSession(ctx context.Context, tenantID, userID, tokenID string) error {
	db := s.shards.ForUser(tenantID, userID)
	_, err := db.ExecContext(ctx,
		"UPDATE sessions SET revoked = true WHERE tenant_id = $1 AND user_id = $2 AND id = $3",
		tenantID, userID, tokenID)
	if err != nil {
		return WrapError(KindTransient, "Could not revoke session", err)
	}
	return nil
}

func (s *PostgresStore) RevokeUserSessions(ctx context.Context, tenantID, userID string) error {
	db := s.shards.ForUser(tenantID, userID)
	_, err := db.ExecContext(ctx,
		"UPDATE sessions SET revoked = true WHERE tenant_id = $1 AND user_id = $2", tenantID, userID)
	if err != nil {
		return WrapError(KindTransient, "Could not revoke sessions", err)
	}
	return nil
}

func (s *PostgresStore) DeleteExpiredSessions(ctx context.Context, shard int, now time.Time) (int64, error) {
	res, err := s.shards.ForIndex(shard).ExecContext(ctx, "DELETE FROM sessions WHERE expires_at < $1", now)
	if err != nil {
		return 0, WrapError(KindTransient, "Could not delete expired sessions", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ------------------------------------------------------------ rate limits

func (s *PostgresStore) RateLimitIncr(ctx context.Context, subject, action string, windowStart int64, delta int64) (int64, error) {
	db := s.shards.ForIndex(ShardIndex(subject, action, s.shards.Count()))
	var count int64
	err := db.QueryRowContext(ctx, `
INSERT INTO rate_limit (subject, action, window_start, count)
VALUES ($1, $2, $3, $4)
ON CONFLICT (subject, action, window_start) DO UPDATE SET count = rate_limit.count + $4
RETURNING count`, subject, action, windowStart, delta).Scan(&count)
	if err != nil {
		return 0, WrapError(KindTransient, "Could not increment rate limit", err)
	}
	return count, nil
}

// ---------------------------------------------------------------- receipts

const receiptColumns = "id, tenant_id, user_id, store_name, category, amount, currency, source, state, idem_key, wifi_ssid, submitted_at, reward"

func insertReceiptTx(ctx context.Context, tx *sql.Tx, r *Receipt) error {
	reward, _ := json.Marshal(r.Reward)
	_, err := tx.ExecContext(ctx, `
INSERT INTO receipts (id, tenant_id, user_id, store_name, category, amount, currency, source, state, idem_key, wifi_ssid, submitted_at, reward)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, nullif($11, ''), $12, $13)`,
		r.ID, r.TenantID, r.UserID, r.StoreName, r.Category, r.Amount, r.Currency, string(r.Source),
		string(r.State), r.IdempotencyKey, r.WifiSSID, r.SubmittedAt, reward)
	if err != nil {
		if isUniqueViolation(err, "receipts_idem_key") {
			return ErrIdempotencyReuse
		}
		return WrapError(KindTransient, "Could not insert receipt", err)
	}
	return nil
}

func scanReceipt(row Scannable) (*Receipt, error) {
	var r Receipt
	var source, state string
	var wifiSSID sql.NullString
	var reward []byte
	err := row.Scan(&r.ID, &r.TenantID, &r.UserID, &r.StoreName, &r.Category, &r.Amount, &r.Currency,
		&source, &state, &r.IdempotencyKey, &wifiSSID, &r.SubmittedAt, &reward)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrReceiptNotFound
		}
		return nil, WrapError(KindTransient, "Could not read receipt", err)
	}
	r.Source = ReceiptSource(source)
	r.State = ReceiptState(state)
	r.WifiSSID = wifiSSID.String
	if len(reward) > 0 && string(reward) != "null" {
		r.Reward = &RewardSnapshot{}
		_ = json.Unmarshal(reward, r.Reward)
	}
	return &r, nil
}

func (s *PostgresStore) GetReceipt(ctx context.Context, tenantID, userID, receiptID string) (*Receipt, error) {
	db := s.shards.ForUser(tenantID, userID)
	row := db.QueryRowContext(ctx,
		"SELECT "+receiptColumns+" FROM receipts WHERE tenant_id = $1 AND user_id = $2 AND id = $3",
		tenantID, userID, receiptID)
	return scanReceipt(row)
}

// FindReceipt locates a receipt by id without knowing the owner, scanning
// shards in order. Admin review paths only.
func (s *PostgresStore) FindReceipt(ctx context.Context, tenantID, receiptID string) (*Receipt, error) {
	for i := 0; i < s.shards.Count(); i++ {
		row := s.shards.ForIndex(i).QueryRowContext(ctx,
			"SELECT "+receiptColumns+" FROM receipts WHERE tenant_id = $1 AND id = $2", tenantID, receiptID)
		r, err := scanReceipt(row)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, ErrReceiptNotFound) {
			return nil, err
		}
	}
	return nil, ErrReceiptNotFound
}

func (s *PostgresStore) CountRecentStoreReceipts(ctx context.Context, tenantID, userID, storeName string, since time.Time) (int, error) {
	db := s.shards.ForUser(tenantID, userID)
	var count int
	err := db.QueryRowContext(ctx,
		"SELECT count(*) FROM receipts WHERE tenant_id = $1 AND user_id = $2 AND store_name = $3 AND submitted_at >= $4",
		tenantID, userID, storeName, since).Scan(&count)
	if err != nil {
		return 0, WrapError(KindTransient, "Could not count receipts", err)
	}
	return count, nil
}

// ---------------------------------------------------------------- missions

const missionColumns = "id, tenant_id, user_id, template_id, type, target, progress, category, min_amount, reward_coins, reward_xp, status, created_at, expires_at"

func insertMissionTx(ctx context.Context, tx *sql.Tx, m *Mission) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO missions (id, tenant_id, user_id, template_id, type, target, progress, category, min_amount, reward_coins, reward_xp, status, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, nullif($8, ''), $9, $10, $11, $12, $13, $14)`,
		m.ID, m.TenantID, m.UserID, m.TemplateID, string(m.Type), m.Target, m.Progress, m.Category,
		m.MinAmount, m.RewardCoins, m.RewardXP, string(m.Status), m.CreatedAt, m.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err, "missions_active_slot") {
			return NewError(KindConflict, "Mission already active for this template")
		}
		return WrapError(KindTransient, "Could not insert mission", err)
	}
	return nil
}

func scanMission(row Scannable) (*Mission, error) {
	var m Mission
	var mType, status string
	var category sql.NullString
	err := row.Scan(&m.ID, &m.TenantID, &m.UserID, &m.TemplateID, &mType, &m.Target, &m.Progress,
		&category, &m.MinAmount, &m.RewardCoins, &m.RewardXP, &status, &m.CreatedAt, &m.ExpiresAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrMissionNotFound
		}
		return nil, WrapError(KindTransient, "Could not read mission", err)
	}
	m.Type = MissionType(mType)
	m.Status = MissionStatus(status)
	m.Category = category.String
	return &m, nil
}

func (s *PostgresStore) ListMissions(ctx context.Context, tenantID, userID string, statuses []MissionStatus) ([]*Mission, error) {
	db := s.shards.ForUser(tenantID, userID)
	params := []interface{}{tenantID, userID}
	placeholders := make([]string, 0, len(statuses))
	for _, st := range statuses {
		params = append(params, string(st))
		placeholders = append(placeholders, "$"+strconv.Itoa(len(params)))
	}
	query := "SELECT " + missionColumns + " FROM missions WHERE tenant_id = $1 AND user_id = $2"
	if len(placeholders) > 0 {
		query += " AND status IN (" + strings.Join(placeholders, ", ") + ")"
	}
	query += " ORDER BY created_at"
	rows, err := db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, WrapError(KindTransient, "Could not list missions", err)
	}
	defer rows.Close()
	missions := make([]*Mission, 0)
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, err
		}
		missions = append(missions, m)
	}
	return missions, rows.Err()
}

func (s *PostgresStore) GetMission(ctx context.Context, tenantID, userID, missionID string) (*Mission, error) {
	db := s.shards.ForUser(tenantID, userID)
	row := db.QueryRowContext(ctx,
		"SELECT "+missionColumns+" FROM missions WHERE tenant_id = $1 AND user_id = $2 AND id = $3",
		tenantID, userID, missionID)
	return scanMission(row)
}

func (s *PostgresStore) ExpireDueMissions(ctx context.Context, shard int, now time.Time, batch int) ([]*Mission, error) {
	rows, err := s.shards.ForIndex(shard).QueryContext(ctx, `
UPDATE missions SET status = 'expired'
WHERE id IN (
	SELECT id FROM missions WHERE status = 'active' AND expires_at < $1 ORDER BY expires_at LIMIT $2
)
RETURNING `+missionColumns, now, batch)
	if err != nil {
		return nil, WrapError(KindTransient, "Could not expire missions", err)
	}
	defer rows.Close()
	expired := make([]*Mission, 0)
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, err
		}
		expired = append(expired, m)
	}
	return expired, rows.Err()
}

func (s *PostgresStore) ListMissionTemplates(ctx context.Context, tenantID string) ([]*MissionTemplate, error) {
	rows, err := s.registry().QueryContext(ctx,
		"SELECT id, tenant_id, type, slot, title, target, COALESCE(category, ''), min_amount, reward_coins, reward_xp, duration_sec FROM mission_templates WHERE tenant_id = $1 ORDER BY slot",
		tenantID)
	if err != nil {
		return nil, WrapError(KindTransient, "Could not list mission templates", err)
	}
	defer rows.Close()
	templates := make([]*MissionTemplate, 0)
	for rows.Next() {
		var t MissionTemplate
		var mType string
		if err := rows.Scan(&t.ID, &t.TenantID, &mType, &t.Slot, &t.Title, &t.Target, &t.Category,
			&t.MinAmount, &t.RewardCoins, &t.RewardXP, &t.DurationSec); err != nil {
			return nil, WrapError(KindTransient, "Could not read mission template", err)
		}
		t.Type = MissionType(mType)
		templates = append(templates, &t)
	}
	return templates, rows.Err()
}

// ------------------------------------------------------------------ events

func (s *PostgresStore) ListActiveEvents(ctx context.Context, tenantID string, now time.Time) ([]*Event, error) {
	rows, err := s.registry().QueryContext(ctx,
		"SELECT id, tenant_id, kind, multiplier, start_at, end_at, categories, min_vip_tier FROM events WHERE tenant_id = $1 AND start_at <= $2 AND end_at > $2",
		tenantID, now)
	if err != nil {
		return nil, WrapError(KindTransient, "Could not list events", err)
	}
	defer rows.Close()
	events := make([]*Event, 0)
	for rows.Next() {
		var e Event
		var categories []byte
		var minTier int
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Kind, &e.Multiplier, &e.StartAt, &e.EndAt, &categories, &minTier); err != nil {
			return nil, WrapError(KindTransient, "Could not read event", err)
		}
		e.MinVIPTier = VIPTier(minTier)
		_ = json.Unmarshal(categories, &e.Categories)
		events = append(events, &e)
	}
	return events, rows.Err()
}

// ------------------------------------------------------------ achievements

func (s *PostgresStore) ListAchievements(ctx context.Context, tenantID, userID string) ([]*Achievement, error) {
	db := s.shards.ForUser(tenantID, userID)
	rows, err := db.QueryContext(ctx,
		"SELECT id, tenant_id, user_id, type, points, reward_coins, earned_at FROM achievements WHERE tenant_id = $1 AND user_id = $2 ORDER BY earned_at",
		tenantID, userID)
	if err != nil {
		return nil, WrapError(KindTransient, "Could not list achievements", err)
	}
	defer rows.Close()
	achievements := make([]*Achievement, 0)
	for rows.Next() {
		var a Achievement
		if err := rows.Scan(&a.ID, &a.TenantID, &a.UserID, &a.Type, &a.Points, &a.RewardCoins, &a.EarnedAt); err != nil {
			return nil, WrapError(KindTransient, "Could not read achievement", err)
		}
		achievements = append(achievements, &a)
	}
	return achievements, rows.Err()
}

// ------------------------------------------------------------ leaderboards

func (s *PostgresStore) TopUsers(ctx context.Context, shard int, tenantID string, kind LeaderboardKind, limit int) ([]*LeaderboardEntry, error) {
	var scoreExpr string
	switch kind {
	case BoardCoins:
		scoreExpr = "coins"
	case BoardXP:
		scoreExpr = "xp"
	case BoardStreak:
		scoreExpr = "streak_days"
	case BoardAchievements:
		scoreExpr = "achievement_points"
	case BoardSpending:
		scoreExpr = "spending"
	default:
		return nil, NewError(KindValidation, "Unknown leaderboard kind")
	}
	query := fmt.Sprintf(
		"SELECT id, display_name, %s::float8 FROM users WHERE tenant_id = $1 AND role = 'player' ORDER BY %s DESC LIMIT $2",
		scoreExpr, scoreExpr)
	rows, err := s.shards.ForIndex(shard).QueryContext(ctx, query, tenantID, limit)
	if err != nil {
		return nil, WrapError(KindTransient, "Could not read leaderboard", err)
	}
	defer rows.Close()
	entries := make([]*LeaderboardEntry, 0, limit)
	for rows.Next() {
		var e LeaderboardEntry
		if err := rows.Scan(&e.UserID, &e.DisplayName, &e.Score); err != nil {
			return nil, WrapError(KindTransient, "Could not read leaderboard entry", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// ------------------------------------------------------------------ empire

const facilityColumns = "id, tenant_id, user_id, type_id, level, pending_income, last_collected_at, last_accrued_at"

func scanFacility(row Scannable) (*Facility, error) {
	var f Facility
	err := row.Scan(&f.ID, &f.TenantID, &f.UserID, &f.TypeID, &f.Level, &f.PendingIncome, &f.LastCollectedAt, &f.LastAccruedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, NewError(KindNotFound, "Facility not found")
		}
		return nil, WrapError(KindTransient, "Could not read facility", err)
	}
	return &f, nil
}

func (s *PostgresStore) ListFacilities(ctx context.Context, tenantID, userID string) ([]*Facility, error) {
	db := s.shards.ForUser(tenantID, userID)
	rows, err := db.QueryContext(ctx,
		"SELECT "+facilityColumns+" FROM facilities WHERE tenant_id = $1 AND user_id = $2 ORDER BY id", tenantID, userID)
	if err != nil {
		return nil, WrapError(KindTransient, "Could not list facilities", err)
	}
	defer rows.Close()
	facilities := make([]*Facility, 0)
	for rows.Next() {
		f, err := scanFacility(rows)
		if err != nil {
			return nil, err
		}
		facilities = append(facilities, f)
	}
	return facilities, rows.Err()
}

func (s *PostgresStore) ListFacilityTypes(ctx context.Context) ([]*FacilityType, error) {
	rows, err := s.registry().QueryContext(ctx,
		"SELECT id, name, max_level, unlock_level, base_cost, base_income_hr, accrual_sec FROM facility_types ORDER BY unlock_level")
	if err != nil {
		return nil, WrapError(KindTransient, "Could not list facility types", err)
	}
	defer rows.Close()
	types := make([]*FacilityType, 0)
	for rows.Next() {
		var t FacilityType
		if err := rows.Scan(&t.ID, &t.Name, &t.MaxLevel, &t.UnlockLevel, &t.BaseCost, &t.BaseIncomeHr, &t.AccrualSec); err != nil {
			return nil, WrapError(KindTransient, "Could not read facility type", err)
		}
		types = append(types, &t)
	}
	return types, rows.Err()
}

func (s *PostgresStore) CollectFacility(ctx context.Context, tenantID, userID, facilityID string) (*FacilityCollection, error) {
	db := s.shards.ForUser(tenantID, userID)
	var collection *FacilityCollection
	err := ExecuteInTx(ctx, db, func(tx *sql.Tx) error {
		facility, err := scanFacility(tx.QueryRowContext(ctx,
			"SELECT "+facilityColumns+" FROM facilities WHERE tenant_id = $1 AND user_id = $2 AND id = $3 FOR UPDATE",
			tenantID, userID, facilityID))
		if err != nil {
			return err
		}
		collected := facility.PendingIncome
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx,
			"UPDATE facilities SET pending_income = 0, last_collected_at = $4 WHERE tenant_id = $1 AND user_id = $2 AND id = $3",
			tenantID, userID, facilityID, now); err != nil {
			return WrapError(KindTransient, "Could not collect facility", err)
		}
		snapshot, err := scanUser(tx.QueryRowContext(ctx,
			"UPDATE users SET coins = coins + $3, version = version + 1 WHERE tenant_id = $1 AND id = $2 RETURNING "+userColumns,
			tenantID, userID, collected))
		if err != nil {
			return err
		}
		facility.PendingIncome = 0
		facility.LastCollectedAt = now
		collection = &FacilityCollection{Collected: collected, Facility: facility, Snapshot: snapshot}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return collection, nil
}

func (s *PostgresStore) UpgradeFacility(ctx context.Context, tenantID, userID, facilityID string, cost int64, maxLevel, unlockLevel int) (*Facility, error) {
	db := s.shards.ForUser(tenantID, userID)
	var upgraded *Facility
	err := ExecuteInTx(ctx, db, func(tx *sql.Tx) error {
		facility, err := scanFacility(tx.QueryRowContext(ctx,
			"SELECT "+facilityColumns+" FROM facilities WHERE tenant_id = $1 AND user_id = $2 AND id = $3 FOR UPDATE",
			tenantID, userID, facilityID))
		if err != nil {
			return err
		}
		if facility.Level >= maxLevel {
			return NewError(KindValidation, "Facility is at max level")
		}

		var userLevel int
		if err := tx.QueryRowContext(ctx,
			"SELECT level FROM users WHERE tenant_id = $1 AND id = $2", tenantID, userID).Scan(&userLevel); err != nil {
			if err == sql.ErrNoRows {
				return ErrUserNotFound
			}
			return WrapError(KindTransient, "Could not read user level", err)
		}
		if userLevel < unlockLevel {
			return NewError(KindValidation, "User level too low to upgrade this facility")
		}

		// The coin debit and level increment succeed or fail together.
		res, err := tx.ExecContext(ctx,
			"UPDATE users SET coins = coins - $3, version = version + 1 WHERE tenant_id = $1 AND id = $2 AND coins >= $3",
			tenantID, userID, cost)
		if err != nil {
			return WrapError(KindTransient, "Could not debit coins", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return NewError(KindValidation, "Not enough coins")
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE facilities SET level = level + 1 WHERE tenant_id = $1 AND user_id = $2 AND id = $3",
			tenantID, userID, facilityID); err != nil {
			return WrapError(KindTransient, "Could not upgrade facility", err)
		}
		facility.Level++
		upgraded = facility
		return nil
	})
	if err != nil {
		return nil, err
	}
	return upgraded, nil
}

func (s *PostgresStore) AccrueDueFacilities(ctx context.Context, shard int, now time.Time, batch int) ([]*Facility, error) {
	// Income accrues into pending_income; coins only move when the user
	// collects. income/hour = base_income_hr * level.
	rows, err := s.shards.ForIndex(shard).QueryContext(ctx, `
UPDATE facilities f SET
	pending_income = f.pending_income + floor(ft.base_income_hr * f.level * EXTRACT(EPOCH FROM ($1::timestamptz - f.last_accrued_at)) / 3600)::bigint,
	last_accrued_at = $1
FROM facility_types ft
WHERE ft.id = f.type_id
	AND f.last_accrued_at <= $1::timestamptz - make_interval(secs => ft.accrual_sec)
	AND f.id IN (
		SELECT id FROM facilities WHERE last_accrued_at <= $1::timestamptz ORDER BY last_accrued_at LIMIT $2
	)
RETURNING f.id, f.tenant_id, f.user_id, f.type_id, f.level, f.pending_income, f.last_collected_at, f.last_accrued_at`,
		now, batch)
	if err != nil {
		return nil, WrapError(KindTransient, "Could not accrue facilities", err)
	}
	defer rows.Close()
	accrued := make([]*Facility, 0)
	for rows.Next() {
		f, err := scanFacility(rows)
		if err != nil {
			return nil, err
		}
		accrued = append(accrued, f)
	}
	return accrued, rows.Err()
}

// -------------------------------------------------------------- companions

const companionColumns = "id, tenant_id, user_id, type, name, health, happiness, energy, xp, level, COALESCE(shelter_id, ''), last_interaction_at"

func scanCompanion(row Scannable) (*Companion, error) {
	var c Companion
	err := row.Scan(&c.ID, &c.TenantID, &c.UserID, &c.Type, &c.Name, &c.Health, &c.Happiness, &c.Energy,
		&c.XP, &c.Level, &c.ShelterID, &c.LastInteractionAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, NewError(KindNotFound, "Companion not found")
		}
		return nil, WrapError(KindTransient, "Could not read companion", err)
	}
	return &c, nil
}

func (s *PostgresStore) ListCompanions(ctx context.Context, tenantID, userID string) ([]*Companion, error) {
	db := s.shards.ForUser(tenantID, userID)
	rows, err := db.QueryContext(ctx,
		"SELECT "+companionColumns+" FROM companions WHERE tenant_id = $1 AND user_id = $2 ORDER BY id", tenantID, userID)
	if err != nil {
		return nil, WrapError(KindTransient, "Could not list companions", err)
	}
	defer rows.Close()
	companions := make([]*Companion, 0)
	for rows.Next() {
		c, err := scanCompanion(rows)
		if err != nil {
			return nil, err
		}
		companions = append(companions, c)
	}
	return companions, rows.Err()
}

func (s *PostgresStore) InteractCompanion(ctx context.Context, tenantID, userID, companionID, interaction string, boost int) (*Companion, error) {
	db := s.shards.ForUser(tenantID, userID)
	var stat string
	switch interaction {
	case "feed":
		stat = "health"
	case "play":
		stat = "happiness"
	default:
		return nil, NewError(KindValidation, "Unknown interaction")
	}
	// Feeding and entertaining clamp at 100.
	row := db.QueryRowContext(ctx, fmt.Sprintf(`
UPDATE companions SET %s = LEAST(100, %s + $4), energy = LEAST(100, energy + $5), xp = xp + 1, last_interaction_at = $6
WHERE tenant_id = $1 AND user_id = $2 AND id = $3
RETURNING `+companionColumns, stat, stat),
		tenantID, userID, companionID, boost, boost/2, time.Now().UTC())
	return scanCompanion(row)
}

func (s *PostgresStore) DecayCompanions(ctx context.Context, shard int, amount, batch int, now time.Time) ([]*Companion, error) {
	rows, err := s.shards.ForIndex(shard).QueryContext(ctx, `
UPDATE companions SET
	health = GREATEST(0, health - $1),
	happiness = GREATEST(0, happiness - $1),
	energy = GREATEST(0, energy - $1)
WHERE id IN (
	SELECT id FROM companions WHERE health > 0 OR happiness > 0 OR energy > 0 ORDER BY last_interaction_at LIMIT $2
)
RETURNING `+companionColumns, amount, batch)
	if err != nil {
		return nil, WrapError(KindTransient, "Could not decay companions", err)
	}
	defer rows.Close()
	decayed := make([]*Companion, 0)
	for rows.Next() {
		c, err := scanCompanion(rows)
		if err != nil {
			return nil, err
		}
		decayed = append(decayed, c)
	}
	return decayed, rows.Err()
}

// ----------------------------------------------------------- notifications

func insertNotificationsTx(ctx context.Context, tx *sql.Tx, notifications []*Notification) error {
	statements := make([]string, 0, len(notifications))
	params := make([]interface{}, 0, len(notifications)*9)
	for _, n := range notifications {
		base := len(params)
		placeholders := make([]string, 9)
		for i := range placeholders {
			placeholders[i] = "$" + strconv.Itoa(base+i+1)
		}
		statements = append(statements, "("+strings.Join(placeholders, ",")+")")
		payload, _ := json.Marshal(n.Payload)
		params = append(params, n.ID, n.TenantID, n.UserID, n.Kind, int(n.Priority), payload, n.CreatedAt, n.ExpiresAt, false)
	}
	query := "INSERT INTO notifications (id, tenant_id, user_id, kind, priority, payload, created_at, expires_at, read) VALUES " +
		strings.Join(statements, ", ")
	if _, err := tx.ExecContext(ctx, query, params...); err != nil {
		return WrapError(KindTransient, "Could not save notifications", err)
	}
	return nil
}

func (s *PostgresStore) InsertNotifications(ctx context.Context, notifications []*Notification) error {
	// Group by owning shard; scheduler batches can span users.
	byShard := make(map[int][]*Notification)
	for _, n := range notifications {
		idx := ShardIndex(n.TenantID, n.UserID, s.shards.Count())
		byShard[idx] = append(byShard[idx], n)
	}
	for idx, batch := range byShard {
		err := ExecuteInTx(ctx, s.shards.ForIndex(idx), func(tx *sql.Tx) error {
			return insertNotificationsTx(ctx, tx, batch)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, tenantID, userID string, limit int) ([]*Notification, error) {
	db := s.shards.ForUser(tenantID, userID)
	rows, err := db.QueryContext(ctx, `
SELECT id, tenant_id, user_id, kind, priority, payload, created_at, expires_at, read, dismissed
FROM notifications
WHERE tenant_id = $1 AND user_id = $2 AND expires_at > now() AND NOT dismissed
ORDER BY read, created_at DESC
LIMIT $3`, tenantID, userID, limit)
	if err != nil {
		return nil, WrapError(KindTransient, "Could not list notifications", err)
	}
	defer rows.Close()
	notifications := make([]*Notification, 0)
	for rows.Next() {
		var n Notification
		var priority int
		var payload []byte
		if err := rows.Scan(&n.ID, &n.TenantID, &n.UserID, &n.Kind, &priority, &payload,
			&n.CreatedAt, &n.ExpiresAt, &n.Read, &n.Dismissed); err != nil {
			return nil, WrapError(KindTransient, "Could not read notification", err)
		}
		n.Priority = NotificationPriority(priority)
		_ = json.Unmarshal(payload, &n.Payload)
		notifications = append(notifications, &n)
	}
	return notifications, rows.Err()
}

func (s *PostgresStore) MarkNotificationRead(ctx context.Context, tenantID, userID, notificationID string) error {
	db := s.shards.ForUser(tenantID, userID)
	res, err := db.ExecContext(ctx,
		"UPDATE notifications SET read = true WHERE tenant_id = $1 AND user_id = $2 AND id = $3",
		tenantID, userID, notificationID)
	if err != nil {
		return WrapError(KindTransient, "Could not mark notification read", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NewError(KindNotFound, "Notification not found")
	}
	return nil
}

func (s *PostgresStore) SweepExpiredNotifications(ctx context.Context, shard int, now time.Time) (int64, error) {
	res, err := s.shards.ForIndex(shard).ExecContext(ctx, "DELETE FROM notifications WHERE expires_at < $1", now)
	if err != nil {
		return 0, WrapError(KindTransient, "Could not sweep notifications", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ----------------------------------------------------------------- streaks

func (s *PostgresStore) ResetLapsedStreaks(ctx context.Context, shard int, tenantID, yesterday string) (int64, error) {
	// Users whose last qualifying day precedes yesterday did not act
	// yesterday; their streak resets to zero.
	res, err := s.shards.ForIndex(shard).ExecContext(ctx,
		"UPDATE users SET streak_days = 0, version = version + 1 WHERE tenant_id = $1 AND streak_days > 0 AND streak_last_day < $2",
		tenantID, yesterday)
	if err != nil {
		return 0, WrapError(KindTransient, "Could not reset streaks", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ------------------------------------------------------------------- audit

func (s *PostgresStore) InsertAudit(ctx context.Context, entry *AuditEntry) error {
	_, err := s.registry().ExecContext(ctx,
		"INSERT INTO audit_log (tenant_id, subject, action, detail, ip, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
		entry.TenantID, entry.Subject, entry.Action, entry.Detail, entry.IP, entry.CreatedAt)
	if err != nil {
		// Audit failures are logged, never propagated to the request path.
		s.logger.Error("Could not insert audit entry", zap.Error(err), zap.String("action", entry.Action))
	}
	return nil
}

// newID returns a fresh UUID v4 string.
func newID() string {
	return uuid.Must(uuid.NewV4()).String()
}
