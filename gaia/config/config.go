package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	internal "github.com/ZanzyTHEbar/gaia-runner/gaia"

	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Scoring     ScoringConfig     `mapstructure:"scoring"`
	Dataset     DatasetConfig     `mapstructure:"dataset"`
	Provider    ProviderConfig    `mapstructure:"provider"`
	Agent       AgentConfig       `mapstructure:"agent"`
	Attachments AttachmentsConfig `mapstructure:"attachments"`
	Run         RunConfig         `mapstructure:"run"`
	Harness     HarnessConfig     `mapstructure:"harness"`
	Log         LogConfig         `mapstructure:"log"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
}

// ScoringConfig points at the question source and scoring service.
type ScoringConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Username  string        `mapstructure:"username"`   // Hugging Face username used for bulk submission
	AgentCode string        `mapstructure:"agent_code"` // link to the agent's source
	Timeout   time.Duration `mapstructure:"timeout"`
}

// DatasetConfig points at the dataset host serving attachments by file name.
type DatasetConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token"` // HF_TOKEN
}

// ProviderConfig stores the OpenAI-compatible backend settings.
type ProviderConfig struct {
	BaseURL            string        `mapstructure:"base_url"`
	APIKey             string        `mapstructure:"api_key"` // OPENAI_API_KEY
	TranscriptionModel string        `mapstructure:"transcription_model"`
	Timeout            time.Duration `mapstructure:"timeout"`
	MaxTokens          int           `mapstructure:"max_tokens"`

	// Extra request headers, e.g. for an authenticating gateway in front of the API
	Headers map[string]string `mapstructure:"headers"`
}

// AgentConfig is the immutable description of the answering agent.
type AgentConfig struct {
	Name          string   `mapstructure:"name"`
	Instructions  string   `mapstructure:"instructions"` // empty selects the GAIA system prompt
	Model         string   `mapstructure:"model"`
	Temperature   float32  `mapstructure:"temperature"`
	Tools         []string `mapstructure:"tools"`
	MaxToolDepth  int      `mapstructure:"max_tool_depth"`
	MaxIterations int      `mapstructure:"max_iterations"`
}

// AttachmentsConfig controls how question files are resolved.
type AttachmentsConfig struct {
	Source         string `mapstructure:"source"` // "scoring" | "dataset"
	InlineImages   bool   `mapstructure:"inline_images"`
	NormalizeAudio bool   `mapstructure:"normalize_audio"` // requires ffmpeg on PATH
	MaxTextBytes   int    `mapstructure:"max_text_bytes"`
	CacheCapacity  int    `mapstructure:"cache_capacity"`
}

// RunConfig controls the answering loop.
type RunConfig struct {
	Mode              string   `mapstructure:"mode"` // "feedback" | "single"
	MaxAttempts       int      `mapstructure:"max_attempts"`
	CarryConversation bool     `mapstructure:"carry_conversation"`
	SubmitAll         bool     `mapstructure:"submit_all"`
	Limit             int      `mapstructure:"limit"`
	TaskIDs           []string `mapstructure:"task_ids"`
}

// HarnessConfig stores agent harness configurations.
type HarnessConfig struct {
	// Cache settings
	CacheEnabled    bool `mapstructure:"cache_enabled"`     // Enable completion caching
	CacheCapacity   int  `mapstructure:"cache_capacity"`    // LRU cache capacity
	CacheTTLSeconds int  `mapstructure:"cache_ttl_seconds"` // Cache entry TTL

	// Rate limiting
	RateLimitEnabled bool    `mapstructure:"rate_limit_enabled"` // Enable provider rate limiting
	RateLimitRPS     float64 `mapstructure:"rate_limit_rps"`     // Sustained requests per second
	RateLimitBurst   int     `mapstructure:"rate_limit_burst"`   // Bucket size

	// Safety and validation
	EnableGuardrails bool     `mapstructure:"enable_guardrails"` // Validate answers and tool calls
	AllowedTools     []string `mapstructure:"allowed_tools"`     // Empty means every registered tool

	// Telemetry
	EnableTracing bool   `mapstructure:"enable_tracing"` // Enable span tracing
	Tracer        string `mapstructure:"tracer"`         // "zerolog" | "otel"

	// Performance
	ToolConcurrency int           `mapstructure:"tool_concurrency"` // Max concurrent tool executions
	ToolTimeout     time.Duration `mapstructure:"tool_timeout"`     // Per tool call
}

// LogConfig stores logger settings.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Pretty     bool   `mapstructure:"pretty"`
	File       string `mapstructure:"file"` // empty disables the file sink
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// TracingConfig controls the OpenTelemetry exporter.
type TracingConfig struct {
	ServiceName       string `mapstructure:"service_name"`
	CollectorEndpoint string `mapstructure:"collector_endpoint"`
}

var AppConfig Config

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("..")
		v.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		v.AddConfigPath(internal.DefaultConfigPath)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	v.AutomaticEnv()
	// Replace dots with underscores in env var names e.g. run.max_attempts becomes RUN_MAX_ATTEMPTS
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Conventional credential names
	_ = v.BindEnv("provider.api_key", "OPENAI_API_KEY")
	_ = v.BindEnv("provider.base_url", "OPENAI_BASE_URL")
	_ = v.BindEnv("dataset.token", "HF_TOKEN")
	_ = v.BindEnv("scoring.username", "HF_USERNAME")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; defaults and environment are enough to run.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	AppConfig = cfg
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("scoring.base_url", internal.DefaultScoringURL)
	v.SetDefault("scoring.username", "")
	v.SetDefault("scoring.agent_code", "")
	v.SetDefault("scoring.timeout", "60s")

	v.SetDefault("dataset.base_url", internal.DefaultDatasetURL)
	v.SetDefault("dataset.token", "")

	v.SetDefault("provider.base_url", internal.DefaultProviderURL)
	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.transcription_model", internal.DefaultTranscriptionModel)
	v.SetDefault("provider.timeout", "120s")
	v.SetDefault("provider.max_tokens", 2048)
	v.SetDefault("provider.headers", map[string]string{})

	v.SetDefault("agent.name", "Assistant")
	v.SetDefault("agent.instructions", "")
	v.SetDefault("agent.model", internal.DefaultModel)
	v.SetDefault("agent.temperature", 0.0)
	v.SetDefault("agent.tools", []string{"web_search", "web_fetch"})
	v.SetDefault("agent.max_tool_depth", 6)
	v.SetDefault("agent.max_iterations", 12)

	v.SetDefault("attachments.source", "scoring")
	v.SetDefault("attachments.inline_images", true)
	v.SetDefault("attachments.normalize_audio", false)
	v.SetDefault("attachments.max_text_bytes", 64*1024)
	v.SetDefault("attachments.cache_capacity", 64)

	v.SetDefault("run.mode", "feedback")
	v.SetDefault("run.max_attempts", internal.DefaultMaxAttempts)
	v.SetDefault("run.carry_conversation", false)
	v.SetDefault("run.submit_all", true)
	v.SetDefault("run.limit", 0)
	v.SetDefault("run.task_ids", []string{})

	v.SetDefault("harness.cache_enabled", true)
	v.SetDefault("harness.cache_capacity", 256)
	v.SetDefault("harness.cache_ttl_seconds", 3600) // 1 hour
	v.SetDefault("harness.rate_limit_enabled", true)
	v.SetDefault("harness.rate_limit_rps", 2.0)
	v.SetDefault("harness.rate_limit_burst", 4)
	v.SetDefault("harness.enable_guardrails", true)
	v.SetDefault("harness.allowed_tools", []string{})
	v.SetDefault("harness.enable_tracing", true)
	v.SetDefault("harness.tracer", "zerolog")
	v.SetDefault("harness.tool_concurrency", 4)
	v.SetDefault("harness.tool_timeout", "30s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", true)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 14)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", ":9464")

	v.SetDefault("tracing.service_name", internal.DefaultAppName)
	v.SetDefault("tracing.collector_endpoint", "")
}

// Validate rejects values the runner cannot work with.
func (c *Config) Validate() error {
	switch c.Run.Mode {
	case "feedback", "single":
	default:
		return fmt.Errorf("run.mode must be feedback or single, got %q", c.Run.Mode)
	}
	if c.Run.MaxAttempts < 1 {
		return fmt.Errorf("run.max_attempts must be at least 1, got %d", c.Run.MaxAttempts)
	}
	switch c.Attachments.Source {
	case "scoring", "dataset":
	default:
		return fmt.Errorf("attachments.source must be scoring or dataset, got %q", c.Attachments.Source)
	}
	switch c.Harness.Tracer {
	case "zerolog", "otel":
	default:
		return fmt.Errorf("harness.tracer must be zerolog or otel, got %q", c.Harness.Tracer)
	}
	if c.Scoring.BaseURL == "" {
		return fmt.Errorf("scoring.base_url is required")
	}
	return nil
}

// LoadDotEnv reads KEY=VALUE pairs from a dotenv file and exports the ones
// not already present in the environment. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read env file %s: %w", path, err)
	}

	for _, key := range v.AllKeys() {
		name := strings.ToUpper(key)
		if _, set := os.LookupEnv(name); set {
			continue
		}
		if err := os.Setenv(name, v.GetString(key)); err != nil {
			return fmt.Errorf("failed to export %s: %w", name, err)
		}
	}
	return nil
}
