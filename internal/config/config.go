package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the NetVault server configuration
type Config struct {
	HTTPAddr  string `json:"http_addr"`
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	// Storage
	StoreDriver string `json:"store_driver"`
	StoreDSN    string `json:"-"`
	MaxFindings int    `json:"max_findings"`

	// Files
	RulesDir        string `json:"rules_dir"`
	RulesHotReload  bool   `json:"rules_hot_reload"`
	RulesDebounceMs int    `json:"rules_debounce_ms"`
	InventoryFile   string `json:"inventory_file"`
	CredentialsFile string `json:"credentials_file"`
	MasterKey       string `json:"-"`

	// Orchestrator
	TickInterval              time.Duration `json:"tick_interval"`
	MaxInFlight               int           `json:"max_in_flight"`
	RetryMax                  int           `json:"retry_max"`
	RetryInitial              time.Duration `json:"retry_initial"`
	RetryMaxInterval          time.Duration `json:"retry_max_interval"`
	DegradedAfter             int           `json:"degraded_after"`
	ConnectorTimeoutFloor     time.Duration `json:"connector_timeout_floor"`
	EvaluateFailedCollections bool          `json:"evaluate_failed_collections"`
	RuleParallelism           int           `json:"rule_parallelism"`
	SuppressionCapacity       int           `json:"suppression_capacity"`

	// Agent channel
	HeartbeatInterval   time.Duration `json:"heartbeat_interval"`
	StaleFactor         int           `json:"stale_factor"`
	SweepInterval       time.Duration `json:"sweep_interval"`
	InboxSize           int           `json:"inbox_size"`
	AgentTokenSecret    string        `json:"-"`
	AgentTokenTTL       time.Duration `json:"agent_token_ttl"`
	SharedEnrollToken   string        `json:"-"`
	CollectOnSubmission bool          `json:"collect_on_submission"`

	// Connectors
	SSHKnownHosts string `json:"ssh_known_hosts"`

	// Events
	NATSURL       string `json:"nats_url"`
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"-"`
	RedisDB       int    `json:"redis_db"`
	EventPrefix   string `json:"event_prefix"`
}

// Load loads configuration from the environment, after reading an optional .env file
func Load() (*Config, error) {
	// A missing .env is the normal case outside development.
	_ = godotenv.Load()

	cfg := &Config{
		HTTPAddr:  getEnv("NETVAULT_HTTP_ADDR", ":8080"),
		LogLevel:  getEnv("NETVAULT_LOG_LEVEL", "info"),
		LogFormat: getEnv("NETVAULT_LOG_FORMAT", "json"),

		StoreDriver: getEnv("NETVAULT_STORE_DRIVER", "memory"),
		StoreDSN:    getEnv("NETVAULT_STORE_DSN", ""),
		MaxFindings: getIntEnv("NETVAULT_MAX_FINDINGS", 100000),

		RulesDir:        getEnv("NETVAULT_RULES_DIR", "rules.d"),
		RulesHotReload:  getBoolEnv("NETVAULT_RULES_HOT_RELOAD", false),
		RulesDebounceMs: getIntEnv("NETVAULT_RULES_DEBOUNCE_MS", 1000),
		InventoryFile:   getEnv("NETVAULT_INVENTORY_FILE", ""),
		CredentialsFile: getEnv("NETVAULT_CREDENTIALS_FILE", ""),
		MasterKey:       getEnv("NETVAULT_CREDENTIALS_MASTER_KEY", ""),

		TickInterval:              getDurationEnv("NETVAULT_TICK_INTERVAL", 60*time.Second),
		MaxInFlight:               getIntEnv("NETVAULT_MAX_IN_FLIGHT", 4),
		RetryMax:                  getIntEnv("NETVAULT_RETRY_MAX", 2),
		RetryInitial:              getDurationEnv("NETVAULT_RETRY_INITIAL", time.Second),
		RetryMaxInterval:          getDurationEnv("NETVAULT_RETRY_MAX_INTERVAL", 15*time.Second),
		DegradedAfter:             getIntEnv("NETVAULT_DEGRADED_AFTER", 3),
		ConnectorTimeoutFloor:     getDurationEnv("NETVAULT_CONNECTOR_TIMEOUT_FLOOR", 2*time.Second),
		EvaluateFailedCollections: getBoolEnv("NETVAULT_EVALUATE_FAILED_COLLECTIONS", false),
		RuleParallelism:           getIntEnv("NETVAULT_RULE_PARALLELISM", 8),
		SuppressionCapacity:       getIntEnv("NETVAULT_SUPPRESSION_CAPACITY", 10000),

		HeartbeatInterval:   getDurationEnv("NETVAULT_AGENT_HEARTBEAT_INTERVAL", 30*time.Second),
		StaleFactor:         getIntEnv("NETVAULT_AGENT_STALE_FACTOR", 3),
		SweepInterval:       getDurationEnv("NETVAULT_AGENT_SWEEP_INTERVAL", 15*time.Second),
		InboxSize:           getIntEnv("NETVAULT_AGENT_INBOX_SIZE", 8),
		AgentTokenSecret:    getEnv("NETVAULT_AGENT_TOKEN_SECRET", ""),
		AgentTokenTTL:       getDurationEnv("NETVAULT_AGENT_TOKEN_TTL", 720*time.Hour),
		SharedEnrollToken:   getEnv("NETVAULT_AGENT_ENROLL_TOKEN", ""),
		CollectOnSubmission: getBoolEnv("NETVAULT_COLLECT_ON_SUBMISSION", true),

		SSHKnownHosts: getEnv("NETVAULT_SSH_KNOWN_HOSTS", ""),

		NATSURL:       getEnv("NETVAULT_NATS_URL", ""),
		RedisAddr:     getEnv("NETVAULT_REDIS_ADDR", ""),
		RedisPassword: getEnv("NETVAULT_REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("NETVAULT_REDIS_DB", 0),
		EventPrefix:   getEnv("NETVAULT_EVENT_PREFIX", "netvault"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("http_addr cannot be empty")
	}
	switch c.StoreDriver {
	case "memory":
	case "sqlite", "postgres":
		if c.StoreDSN == "" {
			return fmt.Errorf("store_dsn is required for driver %s", c.StoreDriver)
		}
	default:
		return fmt.Errorf("unsupported store_driver %q", c.StoreDriver)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive")
	}
	if c.MaxInFlight <= 0 {
		return fmt.Errorf("max_in_flight must be positive")
	}
	if c.RetryMax < 0 {
		return fmt.Errorf("retry_max cannot be negative")
	}
	if c.RetryInitial <= 0 || c.RetryMaxInterval < c.RetryInitial {
		return fmt.Errorf("retry_initial must be positive and not exceed retry_max_interval")
	}
	if c.DegradedAfter <= 0 {
		return fmt.Errorf("degraded_after must be positive")
	}
	if c.ConnectorTimeoutFloor <= 0 {
		return fmt.Errorf("connector_timeout_floor must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	if c.StaleFactor <= 0 {
		return fmt.Errorf("stale_factor must be positive")
	}
	if c.InboxSize <= 0 {
		return fmt.Errorf("inbox_size must be positive")
	}
	if c.AgentTokenSecret == "" {
		return fmt.Errorf("agent_token_secret cannot be empty")
	}
	if c.MaxFindings <= 0 {
		return fmt.Errorf("max_findings must be positive")
	}
	return nil
}

// SlogLevel maps the configured log level to a slog level
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger from the configured level and format
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if strings.ToLower(c.LogFormat) == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getIntEnv gets an integer environment variable with a default value
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getDurationEnv accepts Go durations ("90s") or plain seconds ("90")
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

// getBoolEnv gets a bool environment variable with a default value
func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
