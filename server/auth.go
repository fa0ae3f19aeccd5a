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
	"errors"
	"time"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// TokenPair is what a successful login or registration returns.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// AuthGate handles identity proofing and session lifecycle.
type AuthGate struct {
	logger       *zap.Logger
	config       Config
	store        Store
	sessionCache SessionCache
}

func NewAuthGate(logger *zap.Logger, config Config, store Store, sessionCache SessionCache) *AuthGate {
	return &AuthGate{
		logger:       logger,
		config:       config,
		store:        store,
		sessionCache: sessionCache,
	}
}

// Register creates a new account after checking password strength, and logs
// the user straight in.
func (a *AuthGate) Register(ctx context.Context, tenantID, handle, password, displayName string, role Role, ip, userAgent string) (*UserSnapshot, *TokenPair, error) {
	if len(handle) < 3 || len(handle) > 64 {
		return nil, nil, NewError(KindValidation, "Handle must be between 3 and 64 characters")
	}
	if err := checkPasswordStrength(password); err != nil {
		return nil, nil, err
	}
	if role == "" {
		role = RolePlayer
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), a.config.GetAuth().BcryptCost)
	if err != nil {
		return nil, nil, WrapError(KindInternal, "Could not hash password", err)
	}

	user := &UserSnapshot{
		ID:           newID(),
		TenantID:     tenantID,
		Handle:       handle,
		DisplayName:  displayName,
		Language:     "en",
		Role:         role,
		PasswordHash: hash,
		Level:        1,
		Version:      1,
	}
	if user.DisplayName == "" {
		user.DisplayName = handle
	}
	if err := a.store.CreateUser(ctx, user); err != nil {
		return nil, nil, err
	}

	pair, err := a.issueTokens(ctx, user, ip, userAgent)
	if err != nil {
		return nil, nil, err
	}
	return user, pair, nil
}

// Login verifies credentials and, when MFA is enrolled, a one-time code or a
// single-use backup code. Failures count toward the lockout policy.
func (a *AuthGate) Login(ctx context.Context, tenantID, handle, password, mfaCode, ip, userAgent string) (*UserSnapshot, *TokenPair, error) {
	user, err := a.store.GetUserByHandle(ctx, tenantID, handle)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			// Never disclose whether the account exists.
			return nil, nil, NewError(KindUnauthenticated, "Invalid credentials")
		}
		return nil, nil, err
	}

	now := time.Now().UTC()
	if user.LockedUntil.After(now) {
		a.audit(ctx, tenantID, user.ID, "login_locked", "attempt while locked", ip)
		return nil, nil, ErrAccountLocked
	}

	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)); err != nil {
		return nil, nil, a.recordFailure(ctx, user, ip, "bad password")
	}

	if user.MFASecret != "" {
		if mfaCode == "" {
			return nil, nil, NewError(KindUnauthenticated, "MFA code required")
		}
		if !verifyTOTP(user.MFASecret, mfaCode, now) {
			consumed, err := a.store.ConsumeMFABackupCode(ctx, tenantID, user.ID, mfaCode)
			if err != nil {
				return nil, nil, err
			}
			if !consumed {
				return nil, nil, a.recordFailure(ctx, user, ip, "bad MFA code")
			}
		}
	}

	if err := a.store.ClearLoginFailures(ctx, tenantID, user.ID); err != nil {
		a.logger.Warn("Could not clear login failures", zap.Error(err), zap.String("user_id", user.ID))
	}

	pair, err := a.issueTokens(ctx, user, ip, userAgent)
	if err != nil {
		return nil, nil, err
	}
	return user, pair, nil
}

func (a *AuthGate) recordFailure(ctx context.Context, user *UserSnapshot, ip, reason string) error {
	cfg := a.config.GetAuth()
	locked, err := a.store.RecordLoginFailure(ctx, user.TenantID, user.ID, cfg.LockoutThreshold,
		time.Duration(cfg.LockoutWindowSec)*time.Second, time.Duration(cfg.LockoutDurationSec)*time.Second)
	if err != nil {
		a.logger.Warn("Could not record login failure", zap.Error(err), zap.String("user_id", user.ID))
	}
	a.audit(ctx, user.TenantID, user.ID, "login_failed", reason, ip)
	if locked {
		a.audit(ctx, user.TenantID, user.ID, "account_locked", "failed attempt threshold reached", ip)
		return ErrAccountLocked
	}
	return NewError(KindUnauthenticated, "Invalid credentials")
}

// issueTokens mints an access and a refresh token and records both sessions.
func (a *AuthGate) issueTokens(ctx context.Context, user *UserSnapshot, ip, userAgent string) (*TokenPair, error) {
	cfg := a.config.GetAuth()
	now := time.Now().UTC()
	accessExpiry := now.Add(time.Duration(cfg.AccessTTLSec) * time.Second)
	refreshExpiry := now.Add(time.Duration(cfg.RefreshTTLSec) * time.Second)

	accessID := newID()
	refreshID := newID()

	accessToken, err := generateJWTToken(cfg.Secret, &SessionTokenClaims{
		UserID: user.ID, TenantID: user.TenantID, Role: string(user.Role),
		TokenID: accessID, TokenUse: tokenUseAccess, IssuedAt: now.Unix(), Expiry: accessExpiry.Unix(),
	})
	if err != nil {
		return nil, WrapError(KindInternal, "Could not sign token", err)
	}
	refreshToken, err := generateJWTToken(cfg.Secret, &SessionTokenClaims{
		UserID: user.ID, TenantID: user.TenantID, Role: string(user.Role),
		TokenID: refreshID, TokenUse: tokenUseRefresh, IssuedAt: now.Unix(), Expiry: refreshExpiry.Unix(),
	})
	if err != nil {
		return nil, WrapError(KindInternal, "Could not sign token", err)
	}

	for _, s := range []*Session{
		{ID: accessID, TenantID: user.TenantID, UserID: user.ID, TokenHash: tokenHash(accessToken), IssuedAt: now, ExpiresAt: accessExpiry, IP: ip, UserAgent: userAgent},
		{ID: refreshID, TenantID: user.TenantID, UserID: user.ID, TokenHash: tokenHash(refreshToken), IssuedAt: now, ExpiresAt: refreshExpiry, IP: ip, UserAgent: userAgent},
	} {
		if err := a.store.RecordSession(ctx, s); err != nil {
			return nil, err
		}
	}
	a.sessionCache.MarkValid(user.ID, accessID, accessExpiry)
	a.sessionCache.MarkValid(user.ID, refreshID, refreshExpiry)

	return &TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		AccessExpiresAt:  accessExpiry,
		RefreshExpiresAt: refreshExpiry,
	}, nil
}

// Verify checks signature, expiry and the revocation set. It returns the
// claim set on success.
func (a *AuthGate) Verify(ctx context.Context, token string) (*SessionTokenClaims, error) {
	return a.verifyUse(ctx, token, tokenUseAccess)
}

func (a *AuthGate) verifyUse(ctx context.Context, token, use string) (*SessionTokenClaims, error) {
	claims, err := parseSessionToken(a.config.GetAuth(), token)
	if err != nil {
		return nil, ErrUnauthenticated
	}
	if claims.TokenUse != use {
		return nil, ErrUnauthenticated
	}

	switch a.sessionCache.Status(claims.UserID, claims.TokenID) {
	case SessionRevoked:
		return nil, ErrUnauthenticated
	case SessionValid:
		return claims, nil
	}

	// Unknown to this process; consult the session table.
	session, err := a.store.GetSession(ctx, claims.TenantID, claims.UserID, claims.TokenID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, err
	}
	expiresAt := time.Unix(claims.Expiry, 0).UTC()
	if session.Revoked {
		a.sessionCache.MarkRevoked(claims.UserID, claims.TokenID, expiresAt)
		return nil, ErrUnauthenticated
	}
	a.sessionCache.MarkValid(claims.UserID, claims.TokenID, expiresAt)
	return claims, nil
}

// Refresh rotates the access token. Refreshing a revoked token revokes the
// whole chain for that user.
func (a *AuthGate) Refresh(ctx context.Context, refreshToken, ip, userAgent string) (*TokenPair, error) {
	claims, err := parseSessionToken(a.config.GetAuth(), refreshToken)
	if err != nil || claims.TokenUse != tokenUseRefresh {
		return nil, ErrUnauthenticated
	}

	session, err := a.store.GetSession(ctx, claims.TenantID, claims.UserID, claims.TokenID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, err
	}
	if session.Revoked {
		// Reuse of a revoked refresh token is a strong theft signal.
		if err := a.store.RevokeUserSessions(ctx, claims.TenantID, claims.UserID); err != nil {
			a.logger.Warn("Could not revoke session chain", zap.Error(err), zap.String("user_id", claims.UserID))
		}
		a.sessionCache.RemoveAll(claims.UserID)
		a.audit(ctx, claims.TenantID, claims.UserID, "refresh_reuse", "revoked refresh token replayed, chain revoked", ip)
		return nil, ErrUnauthenticated
	}

	user, err := a.store.GetUser(ctx, claims.TenantID, claims.UserID)
	if err != nil {
		return nil, err
	}
	return a.issueTokens(ctx, user, ip, userAgent)
}

// Revoke marks the token's session row; subsequent verify calls fail.
func (a *AuthGate) Revoke(ctx context.Context, token, ip string) error {
	claims, err := parseSessionToken(a.config.GetAuth(), token)
	if err != nil {
		return ErrUnauthenticated
	}
	if err := a.store.RevokeSession(ctx, claims.TenantID, claims.UserID, claims.TokenID); err != nil {
		return err
	}
	a.sessionCache.MarkRevoked(claims.UserID, claims.TokenID, time.Unix(claims.Expiry, 0).UTC())
	a.audit(ctx, claims.TenantID, claims.UserID, "token_revoked", "", ip)
	return nil
}

// MFAEnrollment is what MFASetup returns to the client.
type MFAEnrollment struct {
	Secret          string   `json:"secret"`
	ProvisioningURI string   `json:"provisioning_uri"`
	BackupCodes     []string `json:"backup_codes"`
}

// MFASetup enrolls TOTP for the user. Login requires a code from this point;
// MFAConfirm validates the enrollment and rolls it back on failure.
func (a *AuthGate) MFASetup(ctx context.Context, tenantID, userID string) (*MFAEnrollment, error) {
	user, err := a.store.GetUser(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	secret, err := newTOTPSecret()
	if err != nil {
		return nil, WrapError(KindInternal, "Could not generate MFA secret", err)
	}
	codes, err := newBackupCodes(a.config.GetAuth().MFABackupCodeCount)
	if err != nil {
		return nil, WrapError(KindInternal, "Could not generate backup codes", err)
	}
	if err := a.store.SetMFASecret(ctx, tenantID, userID, secret, codes); err != nil {
		return nil, err
	}
	return &MFAEnrollment{
		Secret:          secret,
		ProvisioningURI: totpProvisioningURI(a.config.GetAuth().MFAIssuer, user.Handle, secret),
		BackupCodes:     codes,
	}, nil
}

// MFAConfirm validates enrollment with a live code. An invalid code clears
// the pending secret so the user is not locked out of their account.
func (a *AuthGate) MFAConfirm(ctx context.Context, tenantID, userID, code string) error {
	user, err := a.store.GetUser(ctx, tenantID, userID)
	if err != nil {
		return err
	}
	if user.MFASecret == "" {
		return NewError(KindValidation, "MFA is not set up")
	}
	if !verifyTOTP(user.MFASecret, code, time.Now().UTC()) {
		if err := a.store.SetMFASecret(ctx, tenantID, userID, "", nil); err != nil {
			a.logger.Warn("Could not clear pending MFA secret", zap.Error(err), zap.String("user_id", userID))
		}
		return NewError(KindValidation, "Invalid MFA code, enrollment cancelled")
	}
	a.audit(ctx, tenantID, userID, "mfa_enrolled", "", "")
	return nil
}

func (a *AuthGate) audit(ctx context.Context, tenantID, subject, action, detail, ip string) {
	_ = a.store.InsertAudit(ctx, &AuditEntry{
		TenantID:  tenantID,
		Subject:   subject,
		Action:    action,
		Detail:    detail,
		IP:        ip,
		CreatedAt: time.Now().UTC(),
	})
}

// checkPasswordStrength enforces length >= 8 with at least one upper, lower,
// digit and symbol.
func checkPasswordStrength(password string) error {
	if len(password) < 8 {
		return NewError(KindValidation, "Password must be at least 8 characters")
	}
	var upper, lower, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		default:
			symbol = true
		}
	}
	if !upper || !lower || !digit || !symbol {
		return NewError(KindValidation, "Password must contain upper and lower case letters, a digit and a symbol")
	}
	return nil
}

func tokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
