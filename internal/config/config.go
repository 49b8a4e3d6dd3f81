package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	API       APIConfig       `mapstructure:"api"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Peers     PeersConfig     `mapstructure:"peers"`
	Analysis  AnalysisConfig  `mapstructure:"analysis"`
	Database  DatabaseConfig  `mapstructure:"database"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Tracker   TrackerConfig   `mapstructure:"tracker"`
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// APIConfig holds the analysis backend endpoints and credentials
type APIConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	WSURL   string        `mapstructure:"ws_url"` // derived from base_url when empty
	Token   string        `mapstructure:"token"`  // session bearer token
	Timeout time.Duration `mapstructure:"timeout"`
}

// StreamConfig holds live event channel settings
type StreamConfig struct {
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"` // 0 disables the stall guard
	BufferSize       int           `mapstructure:"buffer_size"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

// PeersConfig holds peer list settings
type PeersConfig struct {
	MaxSurfaced int `mapstructure:"max_surfaced"`
}

// AnalysisConfig holds the options sent with every new run
type AnalysisConfig struct {
	EnableResearch bool `mapstructure:"enable_research"`
	MaxCompetitors int  `mapstructure:"max_competitors"`
	EnableCaching  bool `mapstructure:"enable_caching"`
}

// DatabaseConfig holds the local working store settings
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RateLimitConfig holds outbound throttling settings
type RateLimitConfig struct {
	APIRequestsPerSecond float64 `mapstructure:"api_requests_per_second"`
	APIBurst             int     `mapstructure:"api_burst"`
}

// SchedulerConfig holds periodic re-run settings
type SchedulerConfig struct {
	RerunCron  string        `mapstructure:"rerun_cron"`
	RunTimeout time.Duration `mapstructure:"run_timeout"`
}

// TrackerConfig holds Google Sheets export settings
type TrackerConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	SpreadsheetID      string `mapstructure:"spreadsheet_id"`
	CredentialsFile    string `mapstructure:"credentials_file"`
	ServiceAccountJSON string `mapstructure:"service_account_json"`
}

// AnthropicConfig holds Claude API settings for change digests
type AnthropicConfig struct {
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json or console
	Output string `mapstructure:"output"` // stdout, stderr or file path
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	// Load .env file if present (ignore errors if not found)
	_ = godotenv.Load()
	_ = godotenv.Load(".env.local")

	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")

		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".rivalwatch"))
		}
	}

	v.SetEnvPrefix("RIVALWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for secrets so they unmarshal even without a config file
	v.BindEnv("api.base_url", "RIVALWATCH_API_BASE_URL")
	v.BindEnv("api.token", "RIVALWATCH_API_TOKEN")
	v.BindEnv("database.dsn", "RIVALWATCH_DATABASE_DSN")
	v.BindEnv("anthropic.api_key", "RIVALWATCH_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	v.BindEnv("tracker.enabled", "RIVALWATCH_TRACKER_ENABLED")
	v.BindEnv("tracker.spreadsheet_id", "RIVALWATCH_TRACKER_SPREADSHEET_ID")
	v.BindEnv("tracker.credentials_file", "RIVALWATCH_TRACKER_CREDENTIALS_FILE")
	v.BindEnv("tracker.service_account_json", "RIVALWATCH_TRACKER_SERVICE_ACCOUNT_JSON")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "http://localhost:8000")
	v.SetDefault("api.timeout", 30*time.Second)

	v.SetDefault("stream.idle_timeout", 2*time.Minute)
	v.SetDefault("stream.buffer_size", 256)
	v.SetDefault("stream.handshake_timeout", 10*time.Second)

	// Bounds card rendering cost; not a backend limit
	v.SetDefault("peers.max_surfaced", 10)

	v.SetDefault("analysis.enable_research", false)
	v.SetDefault("analysis.max_competitors", 5)
	v.SetDefault("analysis.enable_caching", true)

	v.SetDefault("database.dsn", "./data/rivalwatch.db")

	v.SetDefault("rate_limit.api_requests_per_second", 5.0)
	v.SetDefault("rate_limit.api_burst", 10)

	v.SetDefault("scheduler.rerun_cron", "0 */6 * * *")
	v.SetDefault("scheduler.run_timeout", 20*time.Minute)

	v.SetDefault("tracker.enabled", false)

	v.SetDefault("anthropic.model", "claude-sonnet-4-20250514")
	v.SetDefault("anthropic.max_tokens", 1024)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "stderr")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if strings.TrimSpace(c.API.BaseURL) == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.Analysis.MaxCompetitors < 1 || c.Analysis.MaxCompetitors > 20 {
		return fmt.Errorf("analysis.max_competitors must be between 1 and 20")
	}
	if c.Peers.MaxSurfaced < 1 {
		return fmt.Errorf("peers.max_surfaced must be positive")
	}
	if c.Tracker.Enabled && c.Tracker.SpreadsheetID == "" {
		return fmt.Errorf("tracker.spreadsheet_id is required when tracker is enabled")
	}
	return nil
}

// StreamURL returns the websocket base URL, deriving it from the REST base URL when unset
func (c APIConfig) StreamURL() string {
	if c.WSURL != "" {
		return strings.TrimRight(c.WSURL, "/")
	}
	base := strings.TrimRight(c.BaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}
