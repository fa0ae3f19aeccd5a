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
	"sync"
	"time"
)

// SessionCache keeps token validity decisions in memory so verify does not
// hit the session table on every request. Unknown tokens fall through to the
// Store; revocation marks are held for a full token lifetime so a revoked
// token can never be re-admitted by cache churn.
type SessionCache interface {
	Stop()

	// Status returns whether the token id is known valid, known revoked, or
	// unknown to this process.
	Status(userID, tokenID string) SessionCacheStatus
	// MarkValid records a verified token until its expiry.
	MarkValid(userID, tokenID string, expiresAt time.Time)
	// MarkRevoked records a revocation until the token would have expired.
	MarkRevoked(userID, tokenID string, expiresAt time.Time)
	// RemoveAll drops every cached mark for a user.
	RemoveAll(userID string)
}

type SessionCacheStatus int

const (
	SessionUnknown SessionCacheStatus = iota
	SessionValid
	SessionRevoked
)

type sessionCacheUser struct {
	valid   map[string]int64
	revoked map[string]int64
}

type LocalSessionCache struct {
	sync.RWMutex

	ctx         context.Context
	ctxCancelFn context.CancelFunc

	cache map[string]*sessionCacheUser
}

func NewLocalSessionCache(tokenExpirySec int64) SessionCache {
	ctx, ctxCancelFn := context.WithCancel(context.Background())

	s := &LocalSessionCache{
		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,

		cache: make(map[string]*sessionCacheUser),
	}

	go func() {
		ticker := time.NewTicker(2 * time.Duration(tokenExpirySec) * time.Second)
		for {
			select {
			case <-s.ctx.Done():
				ticker.Stop()
				return
			case t := <-ticker.C:
				ts := t.UTC().Unix()
				s.Lock()
				for userID, cache := range s.cache {
					for token, exp := range cache.valid {
						if exp <= ts {
							delete(cache.valid, token)
						}
					}
					for token, exp := range cache.revoked {
						if exp <= ts {
							delete(cache.revoked, token)
						}
					}
					if len(cache.valid) == 0 && len(cache.revoked) == 0 {
						delete(s.cache, userID)
					}
				}
				s.Unlock()
			}
		}
	}()

	return s
}

func (s *LocalSessionCache) Stop() {
	s.ctxCancelFn()
}

func (s *LocalSessionCache) Status(userID, tokenID string) SessionCacheStatus {
	s.RLock()
	defer s.RUnlock()
	cache, ok := s.cache[userID]
	if !ok {
		return SessionUnknown
	}
	now := time.Now().UTC().Unix()
	if exp, found := cache.revoked[tokenID]; found && exp > now {
		return SessionRevoked
	}
	if exp, found := cache.valid[tokenID]; found && exp > now {
		return SessionValid
	}
	return SessionUnknown
}

func (s *LocalSessionCache) MarkValid(userID, tokenID string, expiresAt time.Time) {
	s.Lock()
	cache, ok := s.cache[userID]
	if !ok {
		cache = &sessionCacheUser{valid: make(map[string]int64), revoked: make(map[string]int64)}
		s.cache[userID] = cache
	}
	cache.valid[tokenID] = expiresAt.UTC().Unix()
	s.Unlock()
}

func (s *LocalSessionCache) MarkRevoked(userID, tokenID string, expiresAt time.Time) {
	s.Lock()
	cache, ok := s.cache[userID]
	if !ok {
		cache = &sessionCacheUser{valid: make(map[string]int64), revoked: make(map[string]int64)}
		s.cache[userID] = cache
	}
	delete(cache.valid, tokenID)
	cache.revoked[tokenID] = expiresAt.UTC().Unix()
	s.Unlock()
}

func (s *LocalSessionCache) RemoveAll(userID string) {
	s.Lock()
	delete(s.cache, userID)
	s.Unlock()
}
