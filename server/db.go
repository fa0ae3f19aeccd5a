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
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const (
	dbErrorUniqueViolation = pgerrcode.UniqueViolation
	dbErrorCheckViolation  = pgerrcode.CheckViolation
)

// ShardSet is the set of per-shard database handles. All rows for a given
// (tenant, user) pair live on exactly one shard.
type ShardSet struct {
	logger *zap.Logger
	dbs    []*sql.DB
}

// DbConnect opens one connection pool per configured shard DSN. Any
// unreachable shard is fatal at startup; the caller maps that to exit code 4.
func DbConnect(ctx context.Context, logger *zap.Logger, config Config) (*ShardSet, error) {
	addresses := config.GetDatabase().Addresses
	dbs := make([]*sql.DB, 0, len(addresses))
	for i, rawURL := range addresses {
		if !(strings.HasPrefix(rawURL, "postgresql://") || strings.HasPrefix(rawURL, "postgres://")) {
			rawURL = fmt.Sprintf("postgres://%s", rawURL)
		}
		parsedURL, err := url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("bad database connection URL for shard %d: %w", i, err)
		}
		query := parsedURL.Query()
		if len(query.Get("sslmode")) == 0 {
			query.Set("sslmode", "prefer")
			parsedURL.RawQuery = query.Encode()
		}

		db, err := sql.Open("pgx", parsedURL.String())
		if err != nil {
			return nil, fmt.Errorf("failed to open database for shard %d: %w", i, err)
		}

		pingCtx, pingCancel := context.WithTimeout(ctx, 15*time.Second)
		err = db.PingContext(pingCtx)
		pingCancel()
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("error pinging database for shard %d: %w", i, err)
		}

		db.SetConnMaxLifetime(time.Millisecond * time.Duration(config.GetDatabase().ConnMaxLifetimeMs))
		db.SetMaxOpenConns(config.GetDatabase().MaxOpenConns)
		db.SetMaxIdleConns(config.GetDatabase().MaxIdleConns)

		logger.Info("Database connected", zap.Int("shard", i), zap.String("host", parsedURL.Hostname()))
		dbs = append(dbs, db)
	}

	return &ShardSet{logger: logger, dbs: dbs}, nil
}

// Count returns the number of shards.
func (s *ShardSet) Count() int { return len(s.dbs) }

// ForUser routes to the shard owning the given (tenant, user) pair.
func (s *ShardSet) ForUser(tenantID, userID string) *sql.DB {
	return s.dbs[ShardIndex(tenantID, userID, len(s.dbs))]
}

// ForIndex returns the shard at a fixed index, for background scans.
func (s *ShardSet) ForIndex(i int) *sql.DB { return s.dbs[i] }

// DBs exposes the underlying handles, in shard order.
func (s *ShardSet) DBs() []*sql.DB { return s.dbs }

// Close closes every shard pool.
func (s *ShardSet) Close() {
	for _, db := range s.dbs {
		db.Close()
	}
}

// ShardIndex computes hash(tenant_id, user_id) mod n.
func ShardIndex(tenantID, userID string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(tenantID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(userID))
	return int(h.Sum32() % uint32(n))
}

// Scannable helps utility functions accept either *sql.Row or *sql.Rows when
// scanning one row at a time.
type Scannable interface {
	Scan(dest ...interface{}) error
}

// ExecuteInTx runs fn inside a transaction, retrying on serialization
// failures (SQLSTATE class 40) for up to 3 attempts with jittered backoff.
// Every attempt runs in a fresh transaction; the last failure is returned.
func ExecuteInTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) (err error) {
	var tx *sql.Tx
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	for i := 0; i < 3; i++ {
		if tx, err = db.BeginTx(ctx, nil); err != nil {
			tx = nil
			return err
		}
		if err = fn(tx); err == nil {
			err = tx.Commit()
		}
		if retryableError(err) {
			if rollbackErr := tx.Rollback(); rollbackErr != nil && rollbackErr != sql.ErrTxDone {
				tx = nil
				return rollbackErr
			}
			tx = nil
			if backoffErr := sleepJitter(ctx, i); backoffErr != nil {
				return backoffErr
			}
			continue
		}
		// Successful commit or non-retriable error.
		return err
	}
	return err
}

// ExecuteRetryable retries non-transactional operations on transient driver
// failures, up to 3 attempts with jittered backoff. Constraint violations are
// never retried.
func ExecuteRetryable(ctx context.Context, fn func() error) (err error) {
	for i := 0; i < 3; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if !retryableError(err) {
			return err
		}
		if backoffErr := sleepJitter(ctx, i); backoffErr != nil {
			return backoffErr
		}
	}
	return err
}

// retryableError reports whether the error is in the retriable 40XXX class.
func retryableError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 && pgErr.Code[:2] == "40" {
		return true
	}
	return false
}

// isUniqueViolation reports whether err is a unique constraint violation,
// optionally on a specific named constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != dbErrorUniqueViolation {
		return false
	}
	return constraint == "" || strings.Contains(pgErr.Message, constraint) || pgErr.ConstraintName == constraint
}

// isCheckViolation reports whether err is a check constraint violation.
func isCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == dbErrorCheckViolation
}

func sleepJitter(ctx context.Context, attempt int) error {
	backoff := time.Duration(1<<uint(attempt))*50*time.Millisecond + time.Duration(rand.Intn(50))*time.Millisecond
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(backoff):
		return nil
	}
}
