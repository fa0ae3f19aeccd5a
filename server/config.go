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
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const envPrefix = "MALLQUEST_"

// Config is the MallQuest server configuration.
type Config interface {
	GetName() string
	GetDataDir() string
	GetShardCount() int
	GetDatabase() *DatabaseConfig
	GetRedis() *RedisConfig
	GetAuth() *AuthConfig
	GetSocket() *SocketConfig
	GetLogger() *LoggerConfig
	GetRateLimit() *RateLimitConfig
	GetPolicy() *PolicyConfig
	GetCache() *CacheConfig
	GetScheduler() *SchedulerConfig
	GetNotification() *NotificationConfig
	GetTimezoneDefault() string

	Validate(logger *zap.Logger) error
}

// ParseConfig reads an optional YAML file then applies MALLQUEST_ environment
// overrides on top of defaults.
func ParseConfig(logger *zap.Logger, configPath string) Config {
	c := NewConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			logger.Fatal("Could not read config file", zap.String("path", configPath), zap.Error(err))
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			logger.Fatal("Could not parse config file", zap.String("path", configPath), zap.Error(err))
		}
	}

	c.applyEnvOverrides()
	return c
}

type config struct {
	Name            string              `yaml:"name"`
	DataDir         string              `yaml:"data_dir"`
	ShardCount      int                 `yaml:"shard_count"`
	ShardStrategy   string              `yaml:"shard_strategy"`
	Database        *DatabaseConfig     `yaml:"database"`
	Redis           *RedisConfig        `yaml:"redis"`
	Auth            *AuthConfig         `yaml:"auth"`
	Socket          *SocketConfig       `yaml:"socket"`
	Logger          *LoggerConfig       `yaml:"logger"`
	RateLimit       *RateLimitConfig    `yaml:"rate_limit"`
	Policy          *PolicyConfig       `yaml:"policy"`
	Cache           *CacheConfig        `yaml:"cache"`
	Scheduler       *SchedulerConfig    `yaml:"scheduler"`
	Notification    *NotificationConfig `yaml:"notification"`
	TimezoneDefault string              `yaml:"timezone_default"`
}

// NewConfig constructs a config struct populated with default server settings.
func NewConfig() *config {
	cwd, _ := os.Getwd()
	return &config{
		Name:            "mallquest",
		DataDir:         cwd + "/data",
		ShardCount:      1,
		ShardStrategy:   "hash",
		Database:        NewDatabaseConfig(),
		Redis:           NewRedisConfig(),
		Auth:            NewAuthConfig(),
		Socket:          NewSocketConfig(),
		Logger:          NewLoggerConfig(),
		RateLimit:       NewRateLimitConfig(),
		Policy:          NewPolicyConfig(),
		Cache:           NewCacheConfig(),
		Scheduler:       NewSchedulerConfig(),
		Notification:    NewNotificationConfig(),
		TimezoneDefault: "Asia/Dubai",
	}
}

func (c *config) GetName() string                      { return c.Name }
func (c *config) GetDataDir() string                   { return c.DataDir }
func (c *config) GetShardCount() int                   { return c.ShardCount }
func (c *config) GetDatabase() *DatabaseConfig         { return c.Database }
func (c *config) GetRedis() *RedisConfig               { return c.Redis }
func (c *config) GetAuth() *AuthConfig                 { return c.Auth }
func (c *config) GetSocket() *SocketConfig             { return c.Socket }
func (c *config) GetLogger() *LoggerConfig             { return c.Logger }
func (c *config) GetRateLimit() *RateLimitConfig       { return c.RateLimit }
func (c *config) GetPolicy() *PolicyConfig             { return c.Policy }
func (c *config) GetCache() *CacheConfig               { return c.Cache }
func (c *config) GetScheduler() *SchedulerConfig       { return c.Scheduler }
func (c *config) GetNotification() *NotificationConfig { return c.Notification }
func (c *config) GetTimezoneDefault() string           { return c.TimezoneDefault }

// Validate checks invariants that make the server unable to start. It returns
// an error rather than exiting so main can map it to the right exit code.
func (c *config) Validate(logger *zap.Logger) error {
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth secret is not set, configure auth.secret or %sAUTH_SECRET", envPrefix)
	}
	if len(c.Auth.Secret) < 16 {
		logger.Warn("Auth secret is shorter than 16 characters, tokens are weakly signed")
	}
	if c.ShardCount < 1 {
		return fmt.Errorf("shard_count must be >= 1, got %d", c.ShardCount)
	}
	if c.ShardStrategy != "hash" {
		return fmt.Errorf("unknown shard_strategy %q", c.ShardStrategy)
	}
	if len(c.Database.Addresses) != c.ShardCount {
		return fmt.Errorf("database addresses (%d) must match shard_count (%d)", len(c.Database.Addresses), c.ShardCount)
	}
	if c.Policy.BaseRate <= 0 || c.Policy.XPRate <= 0 || c.Policy.XPPerLevel <= 0 {
		return fmt.Errorf("policy rates must be positive")
	}
	if _, err := loadLocation(c.TimezoneDefault); err != nil {
		return fmt.Errorf("invalid timezone_default %q: %v", c.TimezoneDefault, err)
	}
	return nil
}

// applyEnvOverrides maps the documented MALLQUEST_ environment variables onto
// the config. Environment always wins over the YAML file.
func (c *config) applyEnvOverrides() {
	envStr := func(key string, target *string) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*target = v
		}
	}
	envInt := func(key string, target *int) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*target = n
			}
		}
	}
	envFloat := func(key string, target *float64) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*target = f
			}
		}
	}
	envBool := func(key string, target *bool) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*target = b
			}
		}
	}

	envInt("SHARD_COUNT", &c.ShardCount)
	envStr("SHARD_STRATEGY", &c.ShardStrategy)
	envStr("TIMEZONE_DEFAULT", &c.TimezoneDefault)

	// DATABASE_URL is the single-shard form; DATABASE_URL_SHARD_i overrides
	// individual shards when sharding is on.
	if v, ok := os.LookupEnv(envPrefix + "DATABASE_URL"); ok {
		c.Database.Addresses = []string{v}
	}
	addrs := make([]string, 0, c.ShardCount)
	anyShardEnv := false
	for i := 0; i < c.ShardCount; i++ {
		key := fmt.Sprintf("%sDATABASE_URL_SHARD_%d", envPrefix, i)
		if v, ok := os.LookupEnv(key); ok {
			anyShardEnv = true
			addrs = append(addrs, v)
		} else if i < len(c.Database.Addresses) {
			addrs = append(addrs, c.Database.Addresses[i])
		}
	}
	if anyShardEnv {
		c.Database.Addresses = addrs
	}

	envStr("REDIS_URL", &c.Redis.URL)
	envBool("REDIS_ENABLED", &c.Redis.Enabled)

	envStr("AUTH_SECRET", &c.Auth.Secret)
	envStr("AUTH_SECRET_PREV", &c.Auth.SecretPrev)
	envInt("ACCESS_TTL", &c.Auth.AccessTTLSec)
	envInt("REFRESH_TTL", &c.Auth.RefreshTTLSec)

	envFloat("POLICY_BASE_RATE", &c.Policy.BaseRate)
	envFloat("POLICY_XP_RATE", &c.Policy.XPRate)
	envInt("POLICY_XP_PER_LEVEL", &c.Policy.XPPerLevel)
	envFloat("POLICY_EVENT_CAP", &c.Policy.EventMultiplierCap)
	envFloat("POLICY_MAX_RECEIPT", &c.Policy.MaxReceiptAmount)
	envFloat("POLICY_SUSPICIOUS_AMOUNT", &c.Policy.SuspiciousAmount)

	envStr("MISSION_TEMPLATE_CACHE_BACKEND", &c.Cache.TemplateBackend)
	envInt("MISSION_TEMPLATE_CACHE_TTL", &c.Cache.TemplateTTLSec)

	// RATE_LIMIT_<ACTION>=<max>/<window seconds>, e.g. RATE_LIMIT_LOGIN=5/300.
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, envPrefix+"RATE_LIMIT_") {
			continue
		}
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		action := strings.ToLower(strings.TrimPrefix(parts[0], envPrefix+"RATE_LIMIT_"))
		spec := strings.SplitN(parts[1], "/", 2)
		if len(spec) != 2 {
			continue
		}
		max, err1 := strconv.Atoi(spec[0])
		window, err2 := strconv.Atoi(spec[1])
		if err1 != nil || err2 != nil {
			continue
		}
		prev, ok := c.RateLimit.Actions[action]
		failClosed := ok && prev.FailClosed
		c.RateLimit.Actions[action] = &RateLimitAction{MaxRequests: max, WindowSec: window, FailClosed: failClosed}
	}
}

// DatabaseConfig holds the Store connection settings. Addresses has one DSN
// per shard, in shard order.
type DatabaseConfig struct {
	Addresses         []string `yaml:"addresses"`
	ConnMaxLifetimeMs int      `yaml:"conn_max_lifetime_ms"`
	MaxOpenConns      int      `yaml:"max_open_conns"`
	MaxIdleConns      int      `yaml:"max_idle_conns"`
}

func NewDatabaseConfig() *DatabaseConfig {
	return &DatabaseConfig{
		Addresses:         []string{"postgres://postgres@127.0.0.1:5432/mallquest"},
		ConnMaxLifetimeMs: 3600000,
		MaxOpenConns:      100,
		MaxIdleConns:      25,
	}
}

// RedisConfig enables the distributed cache tier and rate-limit fallback.
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

func NewRedisConfig() *RedisConfig {
	return &RedisConfig{
		Enabled: false,
		URL:     "redis://127.0.0.1:6379/0",
	}
}

// AuthConfig is configuration relevant to token signing and account security.
type AuthConfig struct {
	Secret             string `yaml:"secret"`
	SecretPrev         string `yaml:"secret_prev"`
	AccessTTLSec       int    `yaml:"access_ttl_sec"`
	RefreshTTLSec      int    `yaml:"refresh_ttl_sec"`
	BcryptCost         int    `yaml:"bcrypt_cost"`
	LockoutThreshold   int    `yaml:"lockout_threshold"`
	LockoutWindowSec   int    `yaml:"lockout_window_sec"`
	LockoutDurationSec int    `yaml:"lockout_duration_sec"`
	MFAIssuer          string `yaml:"mfa_issuer"`
	MFABackupCodeCount int    `yaml:"mfa_backup_code_count"`
}

func NewAuthConfig() *AuthConfig {
	return &AuthConfig{
		Secret:             "",
		SecretPrev:         "",
		AccessTTLSec:       86400,
		RefreshTTLSec:      604800,
		BcryptCost:         10,
		LockoutThreshold:   5,
		LockoutWindowSec:   900,
		LockoutDurationSec: 900,
		MFAIssuer:          "MallQuest",
		MFABackupCodeCount: 8,
	}
}

// SocketConfig is configuration relevant to the HTTP and WebSocket transport.
type SocketConfig struct {
	Address              string `yaml:"address"`
	Port                 int    `yaml:"port"`
	ReadTimeoutMs        int    `yaml:"read_timeout_ms"`
	WriteTimeoutMs       int    `yaml:"write_timeout_ms"`
	IdleTimeoutMs        int    `yaml:"idle_timeout_ms"`
	WriteWaitMs          int    `yaml:"write_wait_ms"`
	PongWaitMs           int    `yaml:"pong_wait_ms"`
	PingPeriodMs         int    `yaml:"ping_period_ms"`
	MaxMessageSize       int64  `yaml:"max_message_size_bytes"`
	MaxRequestSize       int64  `yaml:"max_request_size_bytes"`
	WriteRequestTimeoutMs int   `yaml:"write_request_timeout_ms"`
	ReadRequestTimeoutMs  int   `yaml:"read_request_timeout_ms"`
}

func NewSocketConfig() *SocketConfig {
	return &SocketConfig{
		Address:               "",
		Port:                  7350,
		ReadTimeoutMs:         10000,
		WriteTimeoutMs:        10000,
		IdleTimeoutMs:         60000,
		WriteWaitMs:           5000,
		PongWaitMs:            10000,
		PingPeriodMs:          8000,
		MaxMessageSize:        4096,
		MaxRequestSize:        262144,
		WriteRequestTimeoutMs: 5000,
		ReadRequestTimeoutMs:  2000,
	}
}

// LoggerConfig is configuration relevant to logging levels and output.
type LoggerConfig struct {
	Level      string `yaml:"level"`
	Stdout     bool   `yaml:"stdout"`
	File       string `yaml:"file"`
	Rotation   bool   `yaml:"rotation"`
	MaxSize    int    `yaml:"max_size"`
	MaxAge     int    `yaml:"max_age"`
	MaxBackups int    `yaml:"max_backups"`
	LocalTime  bool   `yaml:"local_time"`
	Compress   bool   `yaml:"compress"`
	Format     string `yaml:"format"`
}

func NewLoggerConfig() *LoggerConfig {
	return &LoggerConfig{
		Level:      "info",
		Stdout:     true,
		File:       "",
		Rotation:   false,
		MaxSize:    100,
		MaxAge:     0,
		MaxBackups: 0,
		LocalTime:  false,
		Compress:   false,
		Format:     "json",
	}
}

// RateLimitAction declares the window for one endpoint class, plus whether the
// action rejects when the Store has been unreachable past the grace period.
type RateLimitAction struct {
	MaxRequests int  `yaml:"max_requests"`
	WindowSec   int  `yaml:"window_sec"`
	FailClosed  bool `yaml:"fail_closed"`
}

type RateLimitConfig struct {
	Actions         map[string]*RateLimitAction `yaml:"actions"`
	FlushIntervalMs int                         `yaml:"flush_interval_ms"`
	FlushThreshold  int                         `yaml:"flush_threshold"`
	StoreGraceSec   int                         `yaml:"store_grace_sec"`
}

func NewRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		Actions: map[string]*RateLimitAction{
			ActionLogin:         {MaxRequests: 5, WindowSec: 300, FailClosed: true},
			ActionRegister:      {MaxRequests: 5, WindowSec: 300, FailClosed: true},
			ActionRefresh:       {MaxRequests: 10, WindowSec: 60, FailClosed: true},
			ActionMFASetup:      {MaxRequests: 3, WindowSec: 3600, FailClosed: true},
			ActionMFAVerify:     {MaxRequests: 10, WindowSec: 300, FailClosed: true},
			ActionSubmitReceipt: {MaxRequests: 10, WindowSec: 60, FailClosed: false},
			ActionPOSPurchase:   {MaxRequests: 100, WindowSec: 60, FailClosed: false},
			ActionReadUser:      {MaxRequests: 30, WindowSec: 60, FailClosed: false},
			ActionGenMission:    {MaxRequests: 5, WindowSec: 300, FailClosed: false},
			ActionClaimMission:  {MaxRequests: 30, WindowSec: 60, FailClosed: false},
			ActionReadBoard:     {MaxRequests: 30, WindowSec: 60, FailClosed: false},
		},
		FlushIntervalMs: 1000,
		FlushThreshold:  100,
		StoreGraceSec:   30,
	}
}

// PolicyConfig is the tenant-default reward policy. Tenants override fields
// individually and the merged snapshot is frozen per receipt.
type PolicyConfig struct {
	BaseRate            float64            `yaml:"base_rate"`
	XPRate              float64            `yaml:"xp_rate"`
	XPPerLevel          int                `yaml:"xp_per_level"`
	EventMultiplierCap  float64            `yaml:"event_multiplier_cap"`
	MaxReceiptAmount    float64            `yaml:"max_receipt_amount"`
	SuspiciousAmount    float64            `yaml:"suspicious_amount"`
	CategoryMultipliers map[string]float64 `yaml:"category_multipliers"`
	TimeMultipliers     map[string]float64 `yaml:"time_multipliers"`
	DuplicateStoreCount int                `yaml:"duplicate_store_count"`
	DuplicateStoreMins  int                `yaml:"duplicate_store_mins"`
	RequireWifiPresence bool               `yaml:"require_wifi_presence"`
	FirstCategoryBonus  int64              `yaml:"first_category_bonus"`
}

func NewPolicyConfig() *PolicyConfig {
	return &PolicyConfig{
		BaseRate:           0.10,
		XPRate:             0.20,
		XPPerLevel:         100,
		EventMultiplierCap: 3.0,
		MaxReceiptAmount:   10000,
		SuspiciousAmount:   5000,
		CategoryMultipliers: map[string]float64{
			"fashion":     1.3,
			"electronics": 1.2,
			"dining":      1.1,
			"grocery":     1.0,
			"general":     1.0,
		},
		TimeMultipliers: map[string]float64{
			"morning":   1.0,
			"afternoon": 1.0,
			"evening":   1.0,
			"night":     1.0,
			"weekend":   1.0,
		},
		DuplicateStoreCount: 3,
		DuplicateStoreMins:  10,
		RequireWifiPresence: false,
		FirstCategoryBonus:  0,
	}
}

// CacheConfig bounds the in-process cache tiers.
type CacheConfig struct {
	UserEntries     int    `yaml:"user_entries"`
	UserTTLSec      int    `yaml:"user_ttl_sec"`
	TemplateEntries int    `yaml:"template_entries"`
	TemplateTTLSec  int    `yaml:"template_ttl_sec"`
	TemplateBackend string `yaml:"template_backend"`
}

func NewCacheConfig() *CacheConfig {
	return &CacheConfig{
		UserEntries:     1000,
		UserTTLSec:      60,
		TemplateEntries: 1000,
		TemplateTTLSec:  600,
		TemplateBackend: "memory",
	}
}

// SchedulerConfig holds per-job cadences and batch bounds.
type SchedulerConfig struct {
	AccrualIntervalSec   int `yaml:"accrual_interval_sec"`
	AccrualBatchSize     int `yaml:"accrual_batch_size"`
	MissionExpirySec     int `yaml:"mission_expiry_sec"`
	NotificationSweepSec int `yaml:"notification_sweep_sec"`
	SessionCleanupSec    int `yaml:"session_cleanup_sec"`
	CacheRefreshSec      int `yaml:"cache_refresh_sec"`
	CompanionDecaySec    int `yaml:"companion_decay_sec"`
	CompanionDecayAmount int `yaml:"companion_decay_amount"`
}

func NewSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		AccrualIntervalSec:   60,
		AccrualBatchSize:     500,
		MissionExpirySec:     300,
		NotificationSweepSec: 3600,
		SessionCleanupSec:    900,
		CacheRefreshSec:      600,
		CompanionDecaySec:    600,
		CompanionDecayAmount: 2,
	}
}

// NotificationConfig bounds notification retention and the live push queue.
type NotificationConfig struct {
	ExpiryDays int `yaml:"expiry_days"`
	QueueSize  int `yaml:"queue_size"`
}

func NewNotificationConfig() *NotificationConfig {
	return &NotificationConfig{
		ExpiryDays: 7,
		QueueSize:  1024,
	}
}
