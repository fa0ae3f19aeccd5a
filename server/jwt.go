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
	"crypto"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v4"
)

const (
	tokenUseAccess  = "access"
	tokenUseRefresh = "refresh"
)

// SessionTokenClaims is the claim set carried by access and refresh tokens.
type SessionTokenClaims struct {
	UserID   string `json:"uid"`
	TenantID string `json:"tid"`
	Role     string `json:"rol"`
	TokenID  string `json:"jti"`
	TokenUse string `json:"use"`
	IssuedAt int64  `json:"iat"`
	Expiry   int64  `json:"exp"`
}

func (c *SessionTokenClaims) Valid() error {
	if c.Expiry <= jwt.TimeFunc().UTC().Unix() {
		return errors.New("token is expired")
	}
	return nil
}

func generateJWTToken(signingKey string, claims jwt.Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(signingKey))
}

func parseJWTToken(signingKey, tokenString string, outClaims jwt.Claims) error {
	token, err := jwt.ParseWithClaims(tokenString, outClaims, func(token *jwt.Token) (interface{}, error) {
		if s, ok := token.Method.(*jwt.SigningMethodHMAC); !ok || s.Hash != crypto.SHA256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(signingKey), nil
	})
	if err != nil {
		return err
	}
	if !token.Valid {
		return errors.New("token is invalid")
	}

	if err := outClaims.Valid(); err != nil {
		return errors.New("failed to extract claims from token")
	}
	return nil
}

// parseSessionToken verifies against the current secret, then the previous
// one. Keeping the prior secret valid for one token lifetime makes rotation
// transparent to live sessions.
func parseSessionToken(config *AuthConfig, tokenString string) (*SessionTokenClaims, error) {
	claims := &SessionTokenClaims{}
	err := parseJWTToken(config.Secret, tokenString, claims)
	if err != nil && config.SecretPrev != "" {
		claims = &SessionTokenClaims{}
		err = parseJWTToken(config.SecretPrev, tokenString, claims)
	}
	if err != nil {
		return nil, err
	}
	return claims, nil
}
