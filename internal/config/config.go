/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/friendsincode/storeplay/internal/schedule"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment   string
	HTTPBind      string
	HTTPPort      int
	DBBackend     DatabaseBackend
	DBDSN         string
	JWTSigningKey string

	// Playback engine
	TickInterval          time.Duration
	SnapshotRefresh       time.Duration
	TieBreak              schedule.TieBreak
	ProgressMaxDelta      time.Duration
	ProgressFlushInterval time.Duration
	DefaultVolume         float64
	AutoModeOnAttach      bool
	Autoplay              bool

	// Redis (cache and leader election)
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheEnabled  bool
	CacheTTL      time.Duration

	// Cross-node events; empty URL disables the bridge.
	NATSURL   string
	NATSToken string

	// MQTT players; empty broker disables the gateway.
	MQTTBroker      string
	MQTTUsername    string
	MQTTPassword    string
	MQTTTopicPrefix string

	// S3 mix sources
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Region          string
	S3Endpoint        string // For S3-compatible services (MinIO, Spaces, etc.)
	S3UsePathStyle    bool   // Required for MinIO
	MixURLTTL         time.Duration

	// Multi-instance configuration
	LeaderElectionEnabled bool
	InstanceID            string

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	RateLimitPerMinute int
	LogBufferSize      int

	LegacyEnvWarnings []string
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment:   getEnv("STOREPLAY_ENV", "development"),
		HTTPBind:      getEnv("STOREPLAY_HTTP_BIND", "0.0.0.0"),
		HTTPPort:      getEnvInt("STOREPLAY_HTTP_PORT", 8080),
		DBBackend:     DatabaseBackend(getEnv("STOREPLAY_DB_BACKEND", string(DatabasePostgres))),
		DBDSN:         getEnvAny([]string{"STOREPLAY_DB_DSN", "DATABASE_URL"}, ""),
		JWTSigningKey: getEnvAny([]string{"STOREPLAY_JWT_SIGNING_KEY", "JWT_SECRET"}, ""),

		TickInterval:          getEnvDuration("STOREPLAY_TICK_INTERVAL", time.Minute),
		SnapshotRefresh:       getEnvDuration("STOREPLAY_SNAPSHOT_REFRESH", 30*time.Second),
		ProgressMaxDelta:      getEnvDuration("STOREPLAY_PROGRESS_MAX_DELTA", 5*time.Second),
		ProgressFlushInterval: getEnvDuration("STOREPLAY_PROGRESS_FLUSH_INTERVAL", 5*time.Second),
		DefaultVolume:         getEnvFloat("STOREPLAY_DEFAULT_VOLUME", 0.7),
		AutoModeOnAttach:      getEnvBool("STOREPLAY_AUTO_MODE_ON_ATTACH", false),
		Autoplay:              getEnvBool("STOREPLAY_AUTOPLAY", false),

		RedisAddr:     getEnv("STOREPLAY_REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("STOREPLAY_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("STOREPLAY_REDIS_DB", 0),
		CacheEnabled:  getEnvBool("STOREPLAY_CACHE_ENABLED", false),
		CacheTTL:      getEnvDuration("STOREPLAY_CACHE_TTL", 5*time.Minute),

		NATSURL:   getEnv("STOREPLAY_NATS_URL", ""),
		NATSToken: getEnv("STOREPLAY_NATS_TOKEN", ""),

		MQTTBroker:      getEnv("STOREPLAY_MQTT_BROKER", ""),
		MQTTUsername:    getEnv("STOREPLAY_MQTT_USERNAME", ""),
		MQTTPassword:    getEnv("STOREPLAY_MQTT_PASSWORD", ""),
		MQTTTopicPrefix: getEnv("STOREPLAY_MQTT_TOPIC_PREFIX", "storeplay"),

		S3AccessKeyID:     getEnvAny([]string{"STOREPLAY_S3_ACCESS_KEY_ID", "AWS_ACCESS_KEY_ID"}, ""),
		S3SecretAccessKey: getEnvAny([]string{"STOREPLAY_S3_SECRET_ACCESS_KEY", "AWS_SECRET_ACCESS_KEY"}, ""),
		S3Region:          getEnvAny([]string{"STOREPLAY_S3_REGION", "AWS_REGION"}, "us-east-1"),
		S3Endpoint:        getEnv("STOREPLAY_S3_ENDPOINT", ""),
		S3UsePathStyle:    getEnvBool("STOREPLAY_S3_USE_PATH_STYLE", false),
		MixURLTTL:         getEnvDuration("STOREPLAY_MIX_URL_TTL", 6*time.Hour),

		LeaderElectionEnabled: getEnvBool("STOREPLAY_LEADER_ELECTION_ENABLED", false),
		InstanceID:            getEnv("STOREPLAY_INSTANCE_ID", ""),

		TracingEnabled:    getEnvBool("STOREPLAY_TRACING_ENABLED", false),
		OTLPEndpoint:      getEnv("STOREPLAY_OTLP_ENDPOINT", "localhost:4317"),
		TracingSampleRate: getEnvFloat("STOREPLAY_TRACING_SAMPLE_RATE", 1.0),

		RateLimitPerMinute: getEnvInt("STOREPLAY_RATE_LIMIT_PER_MINUTE", 600),
		LogBufferSize:      getEnvInt("STOREPLAY_LOG_BUFFER_SIZE", 5000),
	}

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}

	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("STOREPLAY_DB_DSN must be provided")
	}

	if cfg.JWTSigningKey == "" {
		return nil, fmt.Errorf("STOREPLAY_JWT_SIGNING_KEY must be provided")
	}

	tieBreak, err := schedule.ParseTieBreak(getEnv("STOREPLAY_TIE_BREAK", string(schedule.TieBreakNewest)))
	if err != nil {
		return nil, fmt.Errorf("STOREPLAY_TIE_BREAK: %w", err)
	}
	cfg.TieBreak = tieBreak

	if cfg.DefaultVolume < 0 || cfg.DefaultVolume > 1 {
		return nil, fmt.Errorf("STOREPLAY_DEFAULT_VOLUME must be within [0,1], got %v", cfg.DefaultVolume)
	}

	if strings.EqualFold(cfg.Environment, "production") && len(cfg.JWTSigningKey) < 32 {
		return nil, fmt.Errorf("STOREPLAY_JWT_SIGNING_KEY must be at least 32 bytes in production")
	}
	cfg.LegacyEnvWarnings = detectLegacyEnvWarnings()

	return cfg, nil
}

func detectLegacyEnvWarnings() []string {
	legacy := map[string]string{
		"DATABASE_URL":    "use STOREPLAY_DB_DSN",
		"JWT_SECRET":      "use STOREPLAY_JWT_SIGNING_KEY",
		"TRACING_ENABLED": "use STOREPLAY_TRACING_ENABLED",
		"REDIS_URL":       "use STOREPLAY_REDIS_ADDR",
	}

	warnings := make([]string, 0, len(legacy))
	for key, recommendation := range legacy {
		if os.Getenv(key) != "" {
			warnings = append(warnings, fmt.Sprintf("legacy env key %s is set; %s", key, recommendation))
		}
	}
	return warnings
}

// HTTPAddr returns the listen address.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.HTTPBind, c.HTTPPort)
}

// S3Enabled reports whether s3:// mix sources can be presigned.
func (c *Config) S3Enabled() bool {
	return c.S3AccessKeyID != "" || c.S3Endpoint != ""
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return def
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}
