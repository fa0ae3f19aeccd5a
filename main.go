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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mosleh92/MallQuest/migrate"
	"github.com/Mosleh92/MallQuest/server"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	exitOK              = 0
	exitBadArguments    = 2
	exitSchemaOutdated  = 3
	exitStoreUnreachable = 4
)

var (
	version  = "dev"
	commitID = "unknown"
)

func main() {
	semver := fmt.Sprintf("%s+%s", version, commitID)
	consoleLogger := server.NewJSONLogger(os.Stdout, zapcore.InfoLevel)

	args := os.Args[1:]
	subcommand := "serve"
	if len(args) > 0 && args[0][0] != '-' {
		subcommand = args[0]
		args = args[1:]
	}

	switch subcommand {
	case "--version", "version":
		fmt.Println(semver)
		os.Exit(exitOK)
	case "serve", "worker":
		run(consoleLogger, semver, subcommand, args)
	case "migrate":
		config := parseArgs(consoleLogger, migrateFlagTail(args))
		migrate.Parse(migrateSubArgs(args), consoleLogger, config)
	case "tenant":
		runTenant(consoleLogger, args)
	default:
		consoleLogger.Error("Unrecognized subcommand. Available commands are: 'serve', 'worker', 'migrate', 'tenant'.",
			zap.String("subcommand", subcommand))
		os.Exit(exitBadArguments)
	}
}

// migrateSubArgs returns the migrate direction args before any flags.
func migrateSubArgs(args []string) []string {
	sub := make([]string, 0, 1)
	for _, a := range args {
		if a[0] == '-' {
			break
		}
		sub = append(sub, a)
	}
	return sub
}

// migrateFlagTail returns everything from the first flag onward.
func migrateFlagTail(args []string) []string {
	for i, a := range args {
		if a[0] == '-' {
			return args[i:]
		}
	}
	return nil
}

func parseArgs(consoleLogger *zap.Logger, args []string) server.Config {
	flags := flag.NewFlagSet("mallquest", flag.ExitOnError)
	var configPath string
	flags.StringVar(&configPath, "config", "", "The absolute file path to configuration YAML file.")
	if err := flags.Parse(args); err != nil {
		consoleLogger.Error("Could not parse command line arguments", zap.Error(err))
		os.Exit(exitBadArguments)
	}
	return server.ParseConfig(consoleLogger, configPath)
}

func run(consoleLogger *zap.Logger, semver, mode string, args []string) {
	config := parseArgs(consoleLogger, args)
	if err := config.Validate(consoleLogger); err != nil {
		consoleLogger.Error("Configuration invalid", zap.Error(err))
		os.Exit(exitBadArguments)
	}

	logger, startupLogger := server.SetupLogging(consoleLogger, config)
	startupLogger.Info("MallQuest starting", zap.String("version", semver), zap.String("mode", mode))
	startupLogger.Info("Node", zap.String("name", config.GetName()), zap.Int("shards", config.GetShardCount()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shards, err := server.DbConnect(ctx, startupLogger, config)
	if err != nil {
		startupLogger.Error("Store unreachable at startup", zap.Error(err))
		os.Exit(exitStoreUnreachable)
	}

	if err := migrate.StartupCheck(startupLogger, config, shards.DBs()); err != nil {
		startupLogger.Error("Schema check failed", zap.Error(err))
		os.Exit(exitSchemaOutdated)
	}

	store := server.NewPostgresStore(logger, shards)
	metrics := server.NewLocalMetrics(logger, config)
	cache := server.NewUserCache(logger, config, metrics)
	sessionCache := server.NewLocalSessionCache(int64(config.GetAuth().AccessTTLSec))
	authGate := server.NewAuthGate(logger, config, store, sessionCache)
	sockets := server.NewSocketRegistry(logger, config, metrics)
	router := server.NewNotificationRouter(logger, config, metrics, sockets)
	rateLimiter := server.NewRateLimiter(logger, config, store, metrics)
	coordinator := server.NewCoordinator(logger, config, store, cache, authGate, rateLimiter, router, metrics)

	scheduler := server.NewScheduler(logger, config, store, cache, router, metrics)
	if err := scheduler.Start(); err != nil {
		startupLogger.Error("Scheduler failed to start", zap.Error(err))
		os.Exit(exitStoreUnreachable)
	}

	var apiServer *server.ApiServer
	if mode == "serve" {
		apiServer = server.StartApiServer(logger, startupLogger, config, store, coordinator, authGate, metrics, sockets)
	}

	startupLogger.Info("Startup done")

	// Respect OS stop signals.
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-c

	startupLogger.Info("Shutting down")
	if apiServer != nil {
		apiServer.Stop()
	}
	scheduler.Stop()
	router.Stop()
	sessionCache.Stop()
	cache.Stop()
	metrics.Stop(logger)
	shards.Close()
	startupLogger.Info("Shutdown complete")
	os.Exit(exitOK)
}

func runTenant(consoleLogger *zap.Logger, args []string) {
	if len(args) == 0 {
		consoleLogger.Error("Tenant requires a subcommand. Available commands are: 'add', 'list'.")
		os.Exit(exitBadArguments)
	}
	sub := args[0]

	flags := flag.NewFlagSet("tenant", flag.ExitOnError)
	var configPath, host, name, timezone string
	flags.StringVar(&configPath, "config", "", "The absolute file path to configuration YAML file.")
	flags.StringVar(&host, "host", "", "Host domain the tenant serves.")
	flags.StringVar(&name, "name", "", "Tenant display name.")
	flags.StringVar(&timezone, "timezone", "", "Tenant IANA timezone.")
	if err := flags.Parse(args[1:]); err != nil {
		os.Exit(exitBadArguments)
	}

	config := server.ParseConfig(consoleLogger, configPath)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	shards, err := server.DbConnect(ctx, consoleLogger, config)
	if err != nil {
		consoleLogger.Error("Store unreachable", zap.Error(err))
		os.Exit(exitStoreUnreachable)
	}
	defer shards.Close()
	store := server.NewPostgresStore(consoleLogger, shards)

	switch sub {
	case "add":
		if host == "" || name == "" {
			consoleLogger.Error("Tenant add requires -host and -name")
			os.Exit(exitBadArguments)
		}
		if timezone == "" {
			timezone = config.GetTimezoneDefault()
		}
		tenant := &server.Tenant{
			ID:         uuid.Must(uuid.NewV4()).String(),
			HostDomain: host,
			Name:       name,
			Timezone:   timezone,
		}
		if err := store.AddTenant(ctx, tenant); err != nil {
			consoleLogger.Error("Could not add tenant", zap.Error(err))
			os.Exit(exitStoreUnreachable)
		}
		consoleLogger.Info("Tenant added", zap.String("id", tenant.ID), zap.String("host", host))
	case "list":
		tenants, err := store.ListTenants(ctx)
		if err != nil {
			consoleLogger.Error("Could not list tenants", zap.Error(err))
			os.Exit(exitStoreUnreachable)
		}
		for _, t := range tenants {
			fmt.Printf("%s\t%s\t%s\t%s\n", t.ID, t.HostDomain, t.Name, t.Timezone)
		}
	default:
		consoleLogger.Error("Unrecognized tenant subcommand. Available commands are: 'add', 'list'.")
		os.Exit(exitBadArguments)
	}
	os.Exit(exitOK)
}
