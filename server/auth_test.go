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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestAuthGate(t *testing.T, store *fakeStore) *AuthGate {
	t.Helper()
	sessionCache := NewLocalSessionCache(60)
	t.Cleanup(sessionCache.Stop)
	return NewAuthGate(zap.NewNop(), testConfig(), store, sessionCache)
}

func TestCheckPasswordStrength(t *testing.T) {
	tests := []struct {
		password string
		ok       bool
	}{
		{"Aa1!aaaa", true},
		{"Str0ng&Password", true},
		{"short1!", false},
		{"alllowercase1!", false},
		{"ALLUPPERCASE1!", false},
		{"NoDigits!!", false},
		{"NoSymbols11", false},
	}
	for _, tc := range tests {
		err := checkPasswordStrength(tc.password)
		if tc.ok {
			require.NoError(t, err, tc.password)
		} else {
			require.Error(t, err, tc.password)
		}
	}
}

func TestRegisterAndLogin(t *testing.T) {
	store := newFakeStore()
	gate := newTestAuthGate(t, store)
	ctx := context.Background()

	user, tokens, err := gate.Register(ctx, "t1", "player1", "Str0ng&Pass", "Player One", RolePlayer, "1.2.3.4", "test")
	require.NoError(t, err)
	require.NotEmpty(t, tokens.AccessToken)
	require.NotEmpty(t, tokens.RefreshToken)
	require.Equal(t, 1, user.Level)

	// Weak passwords are rejected outright.
	_, _, err = gate.Register(ctx, "t1", "player2", "weak", "", RolePlayer, "", "")
	require.Error(t, err)
	require.Equal(t, KindValidation, ErrorKind(err))

	// Duplicate handles conflict.
	_, _, err = gate.Register(ctx, "t1", "player1", "Str0ng&Pass", "", RolePlayer, "", "")
	require.Error(t, err)
	require.Equal(t, KindConflict, ErrorKind(err))

	_, pair, err := gate.Login(ctx, "t1", "player1", "Str0ng&Pass", "", "1.2.3.4", "test")
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)

	_, _, err = gate.Login(ctx, "t1", "player1", "WrongPass1!", "", "1.2.3.4", "test")
	require.Error(t, err)
	require.Equal(t, KindUnauthenticated, ErrorKind(err))

	// Unknown accounts fail identically to bad passwords.
	_, _, err = gate.Login(ctx, "t1", "ghost", "Str0ng&Pass", "", "", "")
	require.Error(t, err)
	require.Equal(t, KindUnauthenticated, ErrorKind(err))
}

func TestLoginLockout(t *testing.T) {
	store := newFakeStore()
	gate := newTestAuthGate(t, store)
	ctx := context.Background()

	_, _, err := gate.Register(ctx, "t1", "player1", "Str0ng&Pass", "", RolePlayer, "", "")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, _, err = gate.Login(ctx, "t1", "player1", "WrongPass1!", "", "", "")
		require.Error(t, err)
	}
	// Account is now locked even with the right password.
	_, _, err = gate.Login(ctx, "t1", "player1", "Str0ng&Pass", "", "", "")
	require.ErrorIs(t, err, ErrAccountLocked)
}

func TestVerifyAndRevoke(t *testing.T) {
	store := newFakeStore()
	gate := newTestAuthGate(t, store)
	ctx := context.Background()

	_, tokens, err := gate.Register(ctx, "t1", "player1", "Str0ng&Pass", "", RolePlayer, "", "")
	require.NoError(t, err)

	claims, err := gate.Verify(ctx, tokens.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "t1", claims.TenantID)
	require.Equal(t, string(RolePlayer), claims.Role)

	// A refresh token is not an access token.
	_, err = gate.Verify(ctx, tokens.RefreshToken)
	require.ErrorIs(t, err, ErrUnauthenticated)

	// Revocation is final.
	require.NoError(t, gate.Revoke(ctx, tokens.AccessToken, ""))
	_, err = gate.Verify(ctx, tokens.AccessToken)
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestRefreshRotationAndChainRevocation(t *testing.T) {
	store := newFakeStore()
	gate := newTestAuthGate(t, store)
	ctx := context.Background()

	_, tokens, err := gate.Register(ctx, "t1", "player1", "Str0ng&Pass", "", RolePlayer, "", "")
	require.NoError(t, err)

	rotated, err := gate.Refresh(ctx, tokens.RefreshToken, "", "")
	require.NoError(t, err)
	require.NotEqual(t, tokens.AccessToken, rotated.AccessToken)

	// Replaying a revoked refresh token revokes the whole chain.
	require.NoError(t, gate.Revoke(ctx, tokens.RefreshToken, ""))
	_, err = gate.Refresh(ctx, tokens.RefreshToken, "", "")
	require.ErrorIs(t, err, ErrUnauthenticated)
	_, err = gate.Verify(ctx, rotated.AccessToken)
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestTokenSecretRotation(t *testing.T) {
	oldCfg := &AuthConfig{Secret: "old-secret-0123456789"}
	claims := &SessionTokenClaims{
		UserID: "u1", TenantID: "t1", Role: "player", TokenID: "tok1",
		TokenUse: tokenUseAccess, IssuedAt: time.Now().Unix(), Expiry: time.Now().Add(time.Hour).Unix(),
	}
	token, err := generateJWTToken(oldCfg.Secret, claims)
	require.NoError(t, err)

	// After rotation the previous secret still verifies.
	newCfg := &AuthConfig{Secret: "new-secret-0123456789", SecretPrev: "old-secret-0123456789"}
	parsed, err := parseSessionToken(newCfg, token)
	require.NoError(t, err)
	require.Equal(t, "u1", parsed.UserID)

	// Without the previous secret the token is rejected.
	strictCfg := &AuthConfig{Secret: "new-secret-0123456789"}
	_, err = parseSessionToken(strictCfg, token)
	require.Error(t, err)
}

func TestTokenExpiry(t *testing.T) {
	cfg := &AuthConfig{Secret: "secret-0123456789abc"}
	claims := &SessionTokenClaims{
		UserID: "u1", TenantID: "t1", TokenID: "tok1", TokenUse: tokenUseAccess,
		IssuedAt: time.Now().Add(-2 * time.Hour).Unix(), Expiry: time.Now().Add(-time.Hour).Unix(),
	}
	token, err := generateJWTToken(cfg.Secret, claims)
	require.NoError(t, err)

	_, err = parseSessionToken(cfg, token)
	require.Error(t, err)
}

func TestTOTPVerifyWindow(t *testing.T) {
	secret, err := newTOTPSecret()
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	step := now.Unix() / totpPeriodSec

	current, err := totpCode(secret, step)
	require.NoError(t, err)
	previous, err := totpCode(secret, step-1)
	require.NoError(t, err)
	next, err := totpCode(secret, step+1)
	require.NoError(t, err)
	stale, err := totpCode(secret, step-2)
	require.NoError(t, err)

	require.True(t, verifyTOTP(secret, current, now))
	require.True(t, verifyTOTP(secret, previous, now))
	require.True(t, verifyTOTP(secret, next, now))
	require.False(t, verifyTOTP(secret, stale, now))
	require.False(t, verifyTOTP(secret, "000000", now.Add(time.Hour)))
	require.False(t, verifyTOTP("", current, now))
}

func TestMFALoginFlow(t *testing.T) {
	store := newFakeStore()
	gate := newTestAuthGate(t, store)
	ctx := context.Background()

	user, _, err := gate.Register(ctx, "t1", "player1", "Str0ng&Pass", "", RolePlayer, "", "")
	require.NoError(t, err)

	enrollment, err := gate.MFASetup(ctx, "t1", user.ID)
	require.NoError(t, err)
	require.NotEmpty(t, enrollment.Secret)
	require.Contains(t, enrollment.ProvisioningURI, "otpauth://totp/")
	require.Len(t, enrollment.BackupCodes, 8)

	code, err := totpCode(enrollment.Secret, time.Now().UTC().Unix()/totpPeriodSec)
	require.NoError(t, err)
	require.NoError(t, gate.MFAConfirm(ctx, "t1", user.ID, code))

	// MFA is now required.
	_, _, err = gate.Login(ctx, "t1", "player1", "Str0ng&Pass", "", "", "")
	require.Error(t, err)

	code, err = totpCode(enrollment.Secret, time.Now().UTC().Unix()/totpPeriodSec)
	require.NoError(t, err)
	_, pair, err := gate.Login(ctx, "t1", "player1", "Str0ng&Pass", code, "", "")
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)

	// A backup code works exactly once.
	backup := enrollment.BackupCodes[0]
	_, _, err = gate.Login(ctx, "t1", "player1", "Str0ng&Pass", backup, "", "")
	require.NoError(t, err)
	_, _, err = gate.Login(ctx, "t1", "player1", "Str0ng&Pass", backup, "", "")
	require.Error(t, err)
}
