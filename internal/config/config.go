package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/lyger/matsuri-monitor/internal/constants"
)

type Config struct {
	Server   ServerConfig
	Monitor  MonitorConfig
	Rules    RulesConfig
	Archive  ArchiveConfig
	Holodex  HolodexConfig
	YouTube  YouTubeConfig
	Redis    RedisConfig
	Postgres PostgresConfig
	S3       S3Config
	Logging  LoggingConfig
}

type ServerConfig struct {
	Port        int
	CORSOrigins []string
}

type MonitorConfig struct {
	UpdateInterval     time.Duration
	LiveCacheTTL       time.Duration
	ArchiveCacheTTL    time.Duration
	ChatRequestsPerSec float64
}

type RulesConfig struct {
	File string
}

type ArchiveConfig struct {
	Backend   string // file, s3, postgres, none
	Dir       string
	Retention time.Duration
}

type HolodexConfig struct {
	APIKeys []string
	Orgs    []string
}

type YouTubeConfig struct {
	APIKey string
}

type RedisConfig struct {
	Enabled      bool
	Host         string
	Port         int
	Password     string
	DB           int
	AlertChannel string
}

type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

type S3Config struct {
	Bucket          string
	Region          string
	Prefix          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

type LoggingConfig struct {
	Level string
	File  string
}

var archiveBackends = []string{"file", "s3", "postgres", "none"}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:        getEnvInt("SERVER_PORT", constants.ServerConfig.Port),
			CORSOrigins: parseCommaSeparated(getEnv("CORS_ORIGINS", "*")),
		},
		Monitor: MonitorConfig{
			UpdateInterval:     getEnvSeconds("UPDATE_INTERVAL_SECONDS", constants.SupervisorConfig.UpdateInterval),
			LiveCacheTTL:       getEnvSeconds("LIVE_CACHE_TTL_SECONDS", constants.CacheTTL.LiveSnapshot),
			ArchiveCacheTTL:    getEnvSeconds("ARCHIVE_CACHE_TTL_SECONDS", constants.CacheTTL.ArchiveSnapshot),
			ChatRequestsPerSec: getEnvFloat("CHAT_REQUESTS_PER_SECOND", constants.MonitorConfig.ChatRequestsPerSec),
		},
		Rules: RulesConfig{
			File: getEnv("RULES_FILE", "groupers.json"),
		},
		Archive: ArchiveConfig{
			Backend:   strings.ToLower(getEnv("ARCHIVE_BACKEND", "file")),
			Dir:       getEnv("ARCHIVES_DIR", "archives"),
			Retention: time.Duration(getEnvInt("ARCHIVE_RETENTION_HOURS", int(constants.SupervisorConfig.ArchiveRetention/time.Hour))) * time.Hour,
		},
		Holodex: HolodexConfig{
			APIKeys: collectAPIKeys("HOLODEX_API_KEY_"),
			Orgs:    parseCommaSeparated(getEnv("HOLODEX_ORGS", strings.Join(constants.WatchedOrgs, ","))),
		},
		YouTube: YouTubeConfig{
			APIKey: getEnv("YOUTUBE_API_KEY", ""),
		},
		Redis: RedisConfig{
			Enabled:      getEnvBool("REDIS_ENABLED", false),
			Host:         getEnv("REDIS_HOST", "localhost"),
			Port:         getEnvInt("REDIS_PORT", 6379),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getEnvInt("REDIS_DB", 0),
			AlertChannel: getEnv("REDIS_ALERT_CHANNEL", constants.RedisConfig.AlertChannel),
		},
		Postgres: PostgresConfig{
			Host:     getEnv("POSTGRES_HOST", "localhost"),
			Port:     getEnvInt("POSTGRES_PORT", 5432),
			User:     getEnv("POSTGRES_USER", "matsuri"),
			Password: getEnv("POSTGRES_PASSWORD", ""),
			Database: getEnv("POSTGRES_DB", "matsuri"),
			SSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		},
		S3: S3Config{
			Bucket:          getEnv("S3_BUCKET", ""),
			Region:          getEnv("S3_REGION", "us-east-1"),
			Prefix:          getEnv("S3_PREFIX", "archives"),
			Endpoint:        getEnv("S3_ENDPOINT", ""),
			AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
			File:  getEnv("LOG_FILE", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Monitor.UpdateInterval <= 0 {
		return fmt.Errorf("UPDATE_INTERVAL_SECONDS must be positive")
	}
	if c.Monitor.LiveCacheTTL < 0 || c.Monitor.ArchiveCacheTTL < 0 {
		return fmt.Errorf("cache TTLs must not be negative")
	}
	if c.Monitor.ChatRequestsPerSec <= 0 {
		return fmt.Errorf("CHAT_REQUESTS_PER_SECOND must be positive")
	}
	if c.Rules.File == "" {
		return fmt.Errorf("RULES_FILE is required")
	}
	if c.Archive.Retention <= 0 {
		return fmt.Errorf("ARCHIVE_RETENTION_HOURS must be positive")
	}
	if len(c.Holodex.Orgs) == 0 {
		return fmt.Errorf("HOLODEX_ORGS must name at least one organization")
	}

	if !slices.Contains(archiveBackends, c.Archive.Backend) {
		return fmt.Errorf("ARCHIVE_BACKEND must be one of %v, got %q", archiveBackends, c.Archive.Backend)
	}
	switch c.Archive.Backend {
	case "file":
		if c.Archive.Dir == "" {
			return fmt.Errorf("ARCHIVES_DIR is required for the file backend")
		}
	case "s3":
		if c.S3.Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required for the s3 backend")
		}
		if c.S3.Region == "" {
			return fmt.Errorf("S3_REGION is required for the s3 backend")
		}
	case "postgres":
		if c.Postgres.Host == "" || c.Postgres.Database == "" {
			return fmt.Errorf("POSTGRES_HOST and POSTGRES_DB are required for the postgres backend")
		}
	}

	if c.Redis.Enabled && c.Redis.Host == "" {
		return fmt.Errorf("REDIS_HOST is required when REDIS_ENABLED is set")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return time.Duration(f * float64(time.Second))
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func parseCommaSeparated(value string) []string {
	if value == "" {
		return []string{}
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func collectAPIKeys(prefix string) []string {
	keys := make([]string, 0)
	for i := 1; i <= 5; i++ {
		envKey := fmt.Sprintf("%s%d", prefix, i)
		if value := os.Getenv(envKey); value != "" {
			keys = append(keys, value)
		}
	}
	return keys
}
