// Package config loads the server configuration from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/technosupport/aquawatch/internal/ratelimit"
)

// EnvPath names the variable that overrides the config file location.
const EnvPath = "AQUAWATCH_CONFIG"

const DefaultPath = "config/default.yaml"

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	NATS      NATSConfig      `yaml:"nats"`
	Log       LogConfig       `yaml:"log"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Liveness  LivenessConfig  `yaml:"liveness"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Audit     AuditConfig     `yaml:"audit"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	RateLimit       RateLimits    `yaml:"rate_limit"`
}

// RateLimits are per client address. A zero rate disables the limit.
type RateLimits struct {
	Salt     string                `yaml:"salt"`
	API      ratelimit.LimitConfig `yaml:"api"`
	Readings ratelimit.LimitConfig `yaml:"readings"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN returns the lib/pq connection URL.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type NATSConfig struct {
	URL             string `yaml:"url"`
	SubjectPrefix   string `yaml:"subject_prefix"`
	PublishRetryMax int    `yaml:"publish_retry_max"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AlertsConfig holds the server-wide lifecycle defaults used when a device
// leaves its own interval unset.
type AlertsConfig struct {
	ActiveToRecent  time.Duration `yaml:"active_to_recent"`
	RecentToHistory time.Duration `yaml:"recent_to_history"`
	StaleActive     time.Duration `yaml:"stale_active"`
}

type SchedulerConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	ClearBackToNormal time.Duration `yaml:"clear_back_to_normal"`
	ArchiveRecent     time.Duration `yaml:"archive_recent"`
	PurgeDeleted      time.Duration `yaml:"purge_deleted"`
	ExpireStale       time.Duration `yaml:"expire_stale"`
}

type LivenessConfig struct {
	DeviceInterval time.Duration `yaml:"device_interval"`
	SensorInterval time.Duration `yaml:"sensor_interval"`
	DeviceTimeout  time.Duration `yaml:"device_timeout"`
	SensorTimeout  time.Duration `yaml:"sensor_timeout"`
}

type IngestConfig struct {
	DedupTTL     time.Duration `yaml:"dedup_ttl"`
	DedupMaxKeys int           `yaml:"dedup_max_keys"`
}

type AuditConfig struct {
	SpoolDir       string        `yaml:"spool_dir"`
	SpoolMaxMB     int64         `yaml:"spool_max_mb"`
	ReplayInterval time.Duration `yaml:"replay_interval"`
	RetentionDays  int           `yaml:"retention_days"`
	PruneInterval  time.Duration `yaml:"prune_interval"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			ShutdownTimeout: 5 * time.Second,
			AllowedOrigins:  []string{"*"},
			RateLimit: RateLimits{
				API:      ratelimit.LimitConfig{Rate: 300, Window: time.Minute},
				Readings: ratelimit.LimitConfig{Rate: 600, Window: time.Minute},
			},
		},
		Database: DatabaseConfig{Host: "localhost", Port: 5432, User: "aquawatch", Name: "aquawatch", SSLMode: "disable"},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		NATS:     NATSConfig{URL: "nats://127.0.0.1:4222", SubjectPrefix: "aquawatch.devices", PublishRetryMax: 3},
		Log:      LogConfig{Level: "info", Format: "json"},
		Alerts: AlertsConfig{
			ActiveToRecent:  30 * time.Second,
			RecentToHistory: 60 * time.Minute,
			StaleActive:     10 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			RetryAttempts:     2,
			RetryDelay:        2 * time.Second,
			ClearBackToNormal: 30 * time.Second,
			ArchiveRecent:     60 * time.Second,
			PurgeDeleted:      60 * time.Second,
			ExpireStale:       60 * time.Second,
		},
		Liveness: LivenessConfig{
			DeviceInterval: 30 * time.Second,
			SensorInterval: 60 * time.Second,
			DeviceTimeout:  60 * time.Second,
			SensorTimeout:  60 * time.Second,
		},
		Ingest: IngestConfig{DedupTTL: 5 * time.Minute, DedupMaxKeys: 10000},
		Audit: AuditConfig{
			SpoolDir:       "var/spool",
			SpoolMaxMB:     256,
			ReplayInterval: 30 * time.Second,
			RetentionDays:  90,
			PruneInterval:  24 * time.Hour,
		},
	}
}

// Path resolves the config file location.
func Path() string {
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads path over the defaults, then applies environment overrides.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	set := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	set("DB_HOST", &cfg.Database.Host)
	set("DB_USER", &cfg.Database.User)
	set("DB_PASSWORD", &cfg.Database.Password)
	set("DB_NAME", &cfg.Database.Name)
	set("REDIS_ADDR", &cfg.Redis.Addr)
	set("NATS_URL", &cfg.NATS.URL)
	set("PORT", &cfg.Server.Port)
	set("LOG_LEVEL", &cfg.Log.Level)
	set("LOG_FORMAT", &cfg.Log.Format)
	if v := os.Getenv("DB_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = p
		}
	}
}

func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	positive("alerts.active_to_recent", c.Alerts.ActiveToRecent)
	positive("alerts.recent_to_history", c.Alerts.RecentToHistory)
	positive("alerts.stale_active", c.Alerts.StaleActive)
	positive("scheduler.clear_back_to_normal", c.Scheduler.ClearBackToNormal)
	positive("scheduler.archive_recent", c.Scheduler.ArchiveRecent)
	positive("scheduler.purge_deleted", c.Scheduler.PurgeDeleted)
	positive("scheduler.expire_stale", c.Scheduler.ExpireStale)
	positive("liveness.device_timeout", c.Liveness.DeviceTimeout)
	positive("liveness.sensor_timeout", c.Liveness.SensorTimeout)
	positive("server.shutdown_timeout", c.Server.ShutdownTimeout)
	positive("audit.replay_interval", c.Audit.ReplayInterval)
	positive("audit.prune_interval", c.Audit.PruneInterval)
	if c.Scheduler.RetryAttempts < 0 {
		errs = append(errs, errors.New("scheduler.retry_attempts must not be negative"))
	}
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	return errors.Join(errs...)
}
