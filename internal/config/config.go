package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Source        SourceConfig        `mapstructure:"source"`
	Store         StoreConfig         `mapstructure:"store"`
	Segment       SegmentConfig       `mapstructure:"segment"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Investigation InvestigationConfig `mapstructure:"investigation"`
	Archive       ArchiveConfig       `mapstructure:"archive"`
	Telegram      TelegramConfig      `mapstructure:"telegram"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// SourceConfig holds ingestion settings
type SourceConfig struct {
	DefaultSource  string        `mapstructure:"default_source"`
	BaseDir        string        `mapstructure:"base_dir"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// StoreConfig holds tabular store cache settings
type StoreConfig struct {
	CacheTTL           time.Duration `mapstructure:"cache_ttl"`
	TranslationMarkers []string      `mapstructure:"translation_markers"`
}

// SegmentConfig holds the default segmentation axes
type SegmentConfig struct {
	XDimension string `mapstructure:"x_dimension"`
	YDimension string `mapstructure:"y_dimension"`
	Measure    string `mapstructure:"measure"`
}

// LLMConfig holds completion endpoint configuration
type LLMConfig struct {
	Provider       string        `mapstructure:"provider"`
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	Model          string        `mapstructure:"model"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
	Temperature    float32       `mapstructure:"temperature"`
}

// InvestigationConfig holds orchestrator settings
type InvestigationConfig struct {
	Brand         string `mapstructure:"brand"`
	DomainContext string `mapstructure:"domain_context"`
	MaxTurns      int    `mapstructure:"max_turns"`
	FailureMarker string `mapstructure:"failure_marker"`
	MaxSampleRows int    `mapstructure:"max_sample_rows"`
}

// ArchiveConfig holds report archive configuration
type ArchiveConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	DBPath     string `mapstructure:"db_path"`
	MaxReports int    `mapstructure:"max_reports"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	FilePath string `mapstructure:"file_path"`
}

// Load reads configuration from file and environment variables. An empty path
// skips the file and uses defaults plus environment.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Enable environment variable override, e.g. GAPSCOPE_LLM_API_KEY
	v.SetEnvPrefix("GAPSCOPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Unmarshal into Config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Source defaults
	v.SetDefault("source.default_source", "")
	v.SetDefault("source.base_dir", "")
	v.SetDefault("source.timeout", "30s")
	v.SetDefault("source.max_retries", 3)
	v.SetDefault("source.retry_delay_base", "1s")

	// Store defaults
	v.SetDefault("store.cache_ttl", "30m")
	v.SetDefault("store.translation_markers", []string{})

	// Segment defaults
	v.SetDefault("segment.x_dimension", "brand")
	v.SetDefault("segment.y_dimension", "channel")
	v.SetDefault("segment.measure", "")

	// LLM defaults
	v.SetDefault("llm.provider", "placeholder")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.timeout", "60s")
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.retry_delay_base", "2s")
	v.SetDefault("llm.temperature", 0.2)

	// Investigation defaults
	v.SetDefault("investigation.brand", "")
	v.SetDefault("investigation.domain_context", "")
	v.SetDefault("investigation.max_turns", 8)
	v.SetDefault("investigation.failure_marker", "analysis failed, retry")
	v.SetDefault("investigation.max_sample_rows", 20)

	// Archive defaults
	v.SetDefault("archive.enabled", true)
	v.SetDefault("archive.db_path", "./data/gapscope.db")
	v.SetDefault("archive.max_reports", 200)

	// Telegram defaults
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", ":9464")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file_path", "")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Source config
	if c.Source.Timeout < 1*time.Second {
		return fmt.Errorf("source.timeout must be at least 1 second")
	}
	if c.Source.MaxRetries < 1 {
		return fmt.Errorf("source.max_retries must be at least 1")
	}

	// Validate Store config
	if c.Store.CacheTTL <= 0 {
		return fmt.Errorf("store.cache_ttl must be positive")
	}

	// Validate Segment config
	if c.Segment.XDimension == "" || c.Segment.YDimension == "" {
		return fmt.Errorf("segment.x_dimension and segment.y_dimension are required")
	}
	if c.Segment.XDimension == c.Segment.YDimension {
		return fmt.Errorf("segment.x_dimension and segment.y_dimension must differ")
	}

	// Validate LLM config
	validProviders := map[string]bool{"openai": true, "gemini": true, "placeholder": true}
	if !validProviders[c.LLM.Provider] {
		return fmt.Errorf("llm.provider must be one of: openai, gemini, placeholder")
	}
	if c.LLM.Timeout < 1*time.Second {
		return fmt.Errorf("llm.timeout must be at least 1 second")
	}
	if c.LLM.MaxRetries < 1 {
		return fmt.Errorf("llm.max_retries must be at least 1")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be between 0 and 2")
	}

	// Validate Investigation config
	if c.Investigation.MaxTurns < 1 {
		return fmt.Errorf("investigation.max_turns must be at least 1")
	}
	if strings.TrimSpace(c.Investigation.FailureMarker) == "" {
		return fmt.Errorf("investigation.failure_marker is required")
	}
	if c.Investigation.MaxSampleRows < 1 {
		return fmt.Errorf("investigation.max_sample_rows must be at least 1")
	}

	// Validate Archive config
	if c.Archive.Enabled {
		if c.Archive.DBPath == "" {
			return fmt.Errorf("archive.db_path is required when archive is enabled")
		}
		if c.Archive.MaxReports < 1 {
			return fmt.Errorf("archive.max_reports must be at least 1")
		}
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	// Validate Metrics config
	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics.listen_addr is required when metrics are enabled")
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}
