// Package config provides configuration management for the slack exporter.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	apperrors "github.com/slack-exporter/internal/errors"
)

// Config holds all application configuration
type Config struct {
	Workspaces WorkspacesConfig
	Storage    StorageConfig
	Pacing     PacingConfig
	NameCache  NameCacheConfig
	Digest     DigestConfig
	Logging    LoggingConfig
}

// WorkspacesConfig holds the set of configured workspace credential sets
type WorkspacesConfig struct {
	Enabled    []string
	Workspaces map[string]WorkspaceConfig
}

// WorkspaceConfig holds credentials for a single workspace
type WorkspaceConfig struct {
	Name      string
	XoxcToken string
	XoxdToken string
	UserAgent string
	BaseURL   string
}

// StorageConfig holds export state store configuration. Backend selects the
// store implementation: file (default), redis or postgres.
type StorageConfig struct {
	Backend  string
	StateDir string
	Redis    RedisConfig
	Postgres PostgresConfig
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// PacingConfig holds rate pacing configuration for the two endpoint tiers
type PacingConfig struct {
	SearchPerMinute      int
	ThreadFetchPerMinute int
	BackoffBase          time.Duration
	BackoffMax           time.Duration
}

// NameCacheConfig holds display-name cache configuration
type NameCacheConfig struct {
	Dir      string
	StaleTTL time.Duration
}

// DigestConfig holds digest aggregator configuration
type DigestConfig struct {
	Lookback    time.Duration
	MaxTextLen  int
	SearchLimit int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		// .env file is optional - environment variables can be set directly
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Storage: StorageConfig{
			Backend:  getEnv("STATE_BACKEND", "file"),
			StateDir: getEnv("STATE_DIR", defaultStateDir()),
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 10),
			},
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "slack_exporter"),
				User:           getEnv("POSTGRES_USER", "exporter"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 10),
			},
		},
		Pacing: PacingConfig{
			SearchPerMinute:      getEnvAsInt("PACING_SEARCH_PER_MINUTE", 18),
			ThreadFetchPerMinute: getEnvAsInt("PACING_THREAD_FETCH_PER_MINUTE", 45),
			BackoffBase:          getEnvAsDuration("PACING_BACKOFF_BASE", 30*time.Second),
			BackoffMax:           getEnvAsDuration("PACING_BACKOFF_MAX", 5*time.Minute),
		},
		NameCache: NameCacheConfig{
			Dir:      getEnv("NAME_CACHE_DIR", defaultStateDir()),
			StaleTTL: getEnvAsDuration("NAME_CACHE_STALE_TTL", 24*time.Hour),
		},
		Digest: DigestConfig{
			Lookback:    getEnvAsDuration("DIGEST_LOOKBACK", 24*time.Hour),
			MaxTextLen:  getEnvAsInt("DIGEST_MAX_TEXT_LEN", 500),
			SearchLimit: getEnvAsInt("DIGEST_SEARCH_LIMIT", 100),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
	}

	config.Workspaces = loadWorkspaceConfigs()

	return config, nil
}

// Workspace returns the credential set for a named workspace. Unknown names
// and incomplete credential sets are configuration errors, reported before
// any remote call is made.
func (c *Config) Workspace(name string) (WorkspaceConfig, error) {
	ws, ok := c.Workspaces.Workspaces[name]
	if !ok {
		return WorkspaceConfig{}, apperrors.NewConfigurationError(
			fmt.Sprintf("unknown workspace %q (configured: %s)", name, strings.Join(c.Workspaces.Enabled, ", ")))
	}
	if ws.XoxcToken == "" || ws.XoxdToken == "" {
		return WorkspaceConfig{}, apperrors.NewConfigurationError(
			fmt.Sprintf("workspace %q is missing %s_XOXC_TOKEN or %s_XOXD_TOKEN", name, envPrefix(name), envPrefix(name)))
	}
	return ws, nil
}

// loadWorkspaceConfigs loads per-workspace credential sets. Workspace names
// come from SLACK_WORKSPACES; each workspace reads <NAME>_XOXC_TOKEN and
// <NAME>_XOXD_TOKEN prefixed variables.
func loadWorkspaceConfigs() WorkspacesConfig {
	names := strings.Split(getEnv("SLACK_WORKSPACES", ""), ",")

	workspaces := make(map[string]WorkspaceConfig)
	var enabled []string
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}

		prefix := envPrefix(name)
		workspaces[name] = WorkspaceConfig{
			Name:      name,
			XoxcToken: getEnv(prefix+"_XOXC_TOKEN", ""),
			XoxdToken: getEnv(prefix+"_XOXD_TOKEN", ""),
			UserAgent: getEnv(prefix+"_USER_AGENT", ""),
			BaseURL:   getEnv(prefix+"_BASE_URL", ""),
		}
		enabled = append(enabled, name)
	}

	return WorkspacesConfig{
		Enabled:    enabled,
		Workspaces: workspaces,
	}
}

func envPrefix(workspace string) string {
	return strings.ToUpper(strings.ReplaceAll(workspace, "-", "_"))
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".slack-exporter"
	}
	return home + "/.slack-exporter"
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
