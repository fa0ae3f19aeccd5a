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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSessionCacheStatus(t *testing.T) {
	cache := NewLocalSessionCache(60)
	defer cache.Stop()

	expiry := time.Now().Add(time.Hour)
	require.Equal(t, SessionUnknown, cache.Status("u1", "tok1"))

	cache.MarkValid("u1", "tok1", expiry)
	require.Equal(t, SessionValid, cache.Status("u1", "tok1"))

	// Revocation wins over a previous valid mark.
	cache.MarkRevoked("u1", "tok1", expiry)
	require.Equal(t, SessionRevoked, cache.Status("u1", "tok1"))

	cache.MarkValid("u1", "tok2", expiry)
	cache.RemoveAll("u1")
	require.Equal(t, SessionUnknown, cache.Status("u1", "tok2"))
}

func TestSessionCacheExpiredMarks(t *testing.T) {
	cache := NewLocalSessionCache(60)
	defer cache.Stop()

	cache.MarkValid("u1", "tok1", time.Now().Add(-time.Second))
	require.Equal(t, SessionUnknown, cache.Status("u1", "tok1"))
}
