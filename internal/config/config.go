// Package config loads the process configuration from a YAML file with
// environment overrides (a .env file is honoured in development).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Cache    CacheConfig    `yaml:"cache"`
	Auth     AuthConfig     `yaml:"auth"`
	Fines    FinesConfig    `yaml:"fines"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Events   EventsConfig   `yaml:"events"`
}

type ServerConfig struct {
	Bind string `yaml:"bind"`
	Env  string `yaml:"env"` // development | staging | production
}

type StoreConfig struct {
	DSN string `yaml:"dsn"` // empty = in-memory store
}

type CacheConfig struct {
	Addr     string `yaml:"addr"` // empty = process-local cache
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AuthConfig struct {
	HMACSecret         string        `yaml:"hmac_secret"`
	PreviousHMACSecret string        `yaml:"previous_hmac_secret"`
	AccessTokenTTL     time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL    time.Duration `yaml:"refresh_token_ttl"`
	BcryptCost         int           `yaml:"bcrypt_cost"`
	LockoutThreshold   int           `yaml:"lockout_threshold"`
	LockoutDuration    time.Duration `yaml:"lockout_duration"`
	OTPLifetime        time.Duration `yaml:"otp_lifetime"`
	OTPAttempts        int           `yaml:"otp_attempts"`
}

type FinesConfig struct {
	BaseCents     int64         `yaml:"base_cents"`
	Multiplier    float64       `yaml:"multiplier"`
	CapCents      int64         `yaml:"cap_cents"`
	FineThreshold int           `yaml:"fine_threshold"`
	SuspendAt     int           `yaml:"suspend_at"`
	BanAt         int           `yaml:"ban_at"`
	RecentWindow  time.Duration `yaml:"recent_window"`
}

type DispatchConfig struct {
	SubscriptionWindow time.Duration `yaml:"subscription_window"`
	GraceWindow        time.Duration `yaml:"grace_window"`
	DedupeWindow       time.Duration `yaml:"dedupe_window"`
	MaxRequests        int           `yaml:"max_requests"` // per RateWindow per phone
	RateWindow         time.Duration `yaml:"rate_window"`
	PendingTimeout     time.Duration `yaml:"pending_timeout"`
	AllocatedTimeout   time.Duration `yaml:"allocated_timeout"`
	SilentTimeout      time.Duration `yaml:"silent_timeout"`
	ExternalTimeout    time.Duration `yaml:"external_timeout"`
	RequestBudget      time.Duration `yaml:"request_budget"`
}

type EventsConfig struct {
	PubSubProject string `yaml:"pubsub_project"` // empty = in-memory bus only
	PubSubTopic   string `yaml:"pubsub_topic"`
}

// Load reads the YAML file at path (optional) and applies environment
// overrides and defaults. A missing file is not an error; the environment
// alone is enough to run.
func Load(path string) (*Config, error) {
	// Best effort: a .env file in the working directory populates os.Environ.
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("open config: %w", err)
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("HAVEN_BIND"); v != "" {
		c.Server.Bind = v
	}
	if v := os.Getenv("HAVEN_ENV"); v != "" {
		c.Server.Env = v
	}
	if v := os.Getenv("HAVEN_STORE_DSN"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("HAVEN_REDIS_ADDR"); v != "" {
		c.Cache.Addr = v
	}
	if v := os.Getenv("HAVEN_REDIS_PASSWORD"); v != "" {
		c.Cache.Password = v
	}
	if v := os.Getenv("HAVEN_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Cache.DB = n
		}
	}
	if v := os.Getenv("HAVEN_HMAC_SECRET"); v != "" {
		c.Auth.HMACSecret = v
	}
	if v := os.Getenv("HAVEN_PREVIOUS_HMAC_SECRET"); v != "" {
		c.Auth.PreviousHMACSecret = v
	}
	if v := os.Getenv("HAVEN_PUBSUB_PROJECT"); v != "" {
		c.Events.PubSubProject = v
	}
	if v := os.Getenv("HAVEN_PUBSUB_TOPIC"); v != "" {
		c.Events.PubSubTopic = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Bind == "" {
		c.Server.Bind = ":8080"
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}

	if c.Auth.AccessTokenTTL == 0 {
		c.Auth.AccessTokenTTL = 60 * time.Minute
	}
	if c.Auth.RefreshTokenTTL == 0 {
		c.Auth.RefreshTokenTTL = 7 * 24 * time.Hour
	}
	if c.Auth.BcryptCost < 12 {
		c.Auth.BcryptCost = 12
	}
	if c.Auth.LockoutThreshold == 0 {
		c.Auth.LockoutThreshold = 5
	}
	if c.Auth.LockoutDuration == 0 {
		c.Auth.LockoutDuration = 30 * time.Minute
	}
	if c.Auth.OTPLifetime == 0 {
		c.Auth.OTPLifetime = 10 * time.Minute
	}
	if c.Auth.OTPAttempts == 0 {
		c.Auth.OTPAttempts = 3
	}

	if c.Fines.BaseCents == 0 {
		c.Fines.BaseCents = 5000 // $50
	}
	if c.Fines.Multiplier == 0 {
		c.Fines.Multiplier = 1.5
	}
	if c.Fines.CapCents == 0 {
		c.Fines.CapCents = 50000 // $500
	}
	if c.Fines.FineThreshold == 0 {
		c.Fines.FineThreshold = 3
	}
	if c.Fines.SuspendAt == 0 {
		c.Fines.SuspendAt = 5
	}
	if c.Fines.BanAt == 0 {
		c.Fines.BanAt = 10
	}
	if c.Fines.RecentWindow == 0 {
		c.Fines.RecentWindow = 30 * 24 * time.Hour
	}

	if c.Dispatch.SubscriptionWindow == 0 {
		c.Dispatch.SubscriptionWindow = 30 * 24 * time.Hour
	}
	if c.Dispatch.GraceWindow == 0 {
		c.Dispatch.GraceWindow = 7 * 24 * time.Hour
	}
	if c.Dispatch.DedupeWindow == 0 {
		c.Dispatch.DedupeWindow = 2 * time.Minute
	}
	if c.Dispatch.MaxRequests == 0 {
		c.Dispatch.MaxRequests = 5
	}
	if c.Dispatch.RateWindow == 0 {
		c.Dispatch.RateWindow = 60 * time.Second
	}
	if c.Dispatch.PendingTimeout == 0 {
		c.Dispatch.PendingTimeout = 15 * time.Minute
	}
	if c.Dispatch.AllocatedTimeout == 0 {
		c.Dispatch.AllocatedTimeout = 10 * time.Minute
	}
	if c.Dispatch.SilentTimeout == 0 {
		c.Dispatch.SilentTimeout = 30 * time.Minute
	}
	if c.Dispatch.ExternalTimeout == 0 {
		c.Dispatch.ExternalTimeout = 10 * time.Second
	}
	if c.Dispatch.RequestBudget == 0 {
		c.Dispatch.RequestBudget = 15 * time.Second
	}

	if c.Events.PubSubTopic == "" {
		c.Events.PubSubTopic = "haven-events"
	}
}

// Development reports whether the process runs in development mode. Among
// other things, unsupported attestation platforms are accepted only here.
func (c *Config) Development() bool {
	return c.Server.Env == "development"
}
