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
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestShardIndexDeterministic(t *testing.T) {
	for n := 1; n <= 8; n++ {
		idx := ShardIndex("t1", "u1", n)
		require.GreaterOrEqual(t, idx, 0)
		require.Less(t, idx, n)
		for i := 0; i < 10; i++ {
			require.Equal(t, idx, ShardIndex("t1", "u1", n), "routing must be stable")
		}
	}
}

func TestShardIndexSpread(t *testing.T) {
	const n = 4
	seen := make(map[int]int, n)
	for i := 0; i < 1000; i++ {
		seen[ShardIndex("t1", fmt.Sprintf("user-%d", i), n)]++
	}
	require.Len(t, seen, n, "all shards should receive users")
}

func TestRetryableError(t *testing.T) {
	require.False(t, retryableError(nil))
	require.False(t, retryableError(errors.New("plain")))
	require.True(t, retryableError(&pgconn.PgError{Code: "40001"}))
	require.True(t, retryableError(&pgconn.PgError{Code: "40P01"}))
	require.False(t, retryableError(&pgconn.PgError{Code: "23505"}))
}

func TestIsUniqueViolation(t *testing.T) {
	err := &pgconn.PgError{Code: "23505", Message: `duplicate key value violates unique constraint "users_handle_key"`}
	require.True(t, isUniqueViolation(err, ""))
	require.True(t, isUniqueViolation(err, "users_handle_key"))
	require.False(t, isUniqueViolation(err, "tenants_host_domain_key"))
	require.False(t, isUniqueViolation(errors.New("plain"), ""))
}
