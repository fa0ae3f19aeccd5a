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

package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/Mosleh92/MallQuest/server"
	_ "github.com/jackc/pgx/v5/stdlib"
	migrate "github.com/rubenv/sql-migrate"
	"go.uber.org/zap"
)

const (
	migrationTable = "migration_info"
	dialect        = "postgres"
)

//go:embed sql/*
var sqlMigrateFS embed.FS

func migrationSource() *migrate.EmbedFileSystemMigrationSource {
	migrate.SetTable(migrationTable)
	migrate.SetIgnoreUnknown(true)
	return &migrate.EmbedFileSystemMigrationSource{
		FileSystem: sqlMigrateFS,
		Root:       "sql",
	}
}

// StartupCheck verifies every shard's schema matches the embedded
// migrations. A stale shard is fatal; main maps the error to exit code 3.
func StartupCheck(logger *zap.Logger, config server.Config, shardDBs []*sql.DB) error {
	ms := migrationSource()
	migrations, err := ms.FindMigrations()
	if err != nil {
		return fmt.Errorf("could not find migrations: %w", err)
	}

	for i, db := range shardDBs {
		records, err := migrate.GetMigrationRecords(db, dialect)
		if err != nil {
			return fmt.Errorf("shard %d: could not get migration records, run `mallquest migrate up`: %w", i, err)
		}
		diff := len(migrations) - len(records)
		if diff > 0 {
			return fmt.Errorf("shard %d: db schema outdated by %d migrations, run `mallquest migrate up`", i, diff)
		}
		if diff < 0 {
			logger.Warn("DB schema newer than this binary, update MallQuest", zap.Int("shard", i), zap.Int("migrations", -diff))
		}
	}
	return nil
}

// Parse runs the migrate subcommand against every configured shard. It never
// returns; the process exits with the documented codes.
func Parse(args []string, tmpLogger *zap.Logger, config server.Config) {
	if len(args) == 0 {
		tmpLogger.Error("Migrate requires a subcommand. Available commands are: 'up', 'down', 'status'.")
		os.Exit(2)
	}

	var direction migrate.MigrationDirection
	var status bool
	switch args[0] {
	case "up":
		direction = migrate.Up
	case "down":
		direction = migrate.Down
	case "status":
		status = true
	default:
		tmpLogger.Error("Unrecognized migrate subcommand. Available commands are: 'up', 'down', 'status'.")
		os.Exit(2)
	}

	ms := migrationSource()
	for i, rawURL := range config.GetDatabase().Addresses {
		db, err := connect(rawURL)
		if err != nil {
			tmpLogger.Error("Could not connect to shard", zap.Int("shard", i), zap.Error(err))
			os.Exit(4)
		}

		logger := tmpLogger.With(zap.Int("shard", i))
		if status {
			records, err := migrate.GetMigrationRecords(db, dialect)
			if err != nil {
				logger.Error("Could not read migration records", zap.Error(err))
				db.Close()
				os.Exit(3)
			}
			logger.Info("Migration status", zap.Int("applied", len(records)))
			db.Close()
			continue
		}

		limit := 0 // no limit; apply everything
		if direction == migrate.Down {
			limit = 1
		}
		applied, err := migrate.ExecMax(db, dialect, ms, direction, limit)
		db.Close()
		if err != nil {
			logger.Error("Failed to apply migrations", zap.Error(err))
			os.Exit(3)
		}
		logger.Info("Successfully applied migrations", zap.Int("count", applied))
	}
	os.Exit(0)
}

func connect(rawURL string) (*sql.DB, error) {
	if !(strings.HasPrefix(rawURL, "postgresql://") || strings.HasPrefix(rawURL, "postgres://")) {
		rawURL = "postgres://" + rawURL
	}
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	query := parsedURL.Query()
	if len(query.Get("sslmode")) == 0 {
		query.Set("sslmode", "prefer")
		parsedURL.RawQuery = query.Encode()
	}
	db, err := sql.Open("pgx", parsedURL.String())
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
