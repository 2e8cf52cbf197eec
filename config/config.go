package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"sanad-trader/internal/ai/llm"
	"sanad-trader/internal/analysis"
	"sanad-trader/internal/decision"
	"sanad-trader/internal/eval"
	"sanad-trader/internal/health"
	"sanad-trader/internal/policy"
)

type Config struct {
	DatabaseConfig DatabaseConfig   `json:"database"`
	ServerConfig   ServerConfig     `json:"server"`
	LoggingConfig  LoggingConfig    `json:"logging"`
	PricingConfig  PricingConfig    `json:"pricing"`
	CacheConfig    CacheConfig      `json:"cache"`
	PolicyLimits   policy.Limits    `json:"policy"`
	DecisionConfig decision.Config  `json:"decision"`
	AIConfig       AIConfig         `json:"ai"`
	WorkerConfig   analysis.Config  `json:"worker"`
	EvalConfig     eval.Config      `json:"eval"`
	HealthConfig   health.Config    `json:"health"`
}

// DatabaseConfig holds the shared SQLite store settings
type DatabaseConfig struct {
	Path          string `json:"path"`
	BusyTimeoutMs int    `json:"busy_timeout_ms"`
}

type ServerConfig struct {
	Host  string `json:"host"`
	Port  int    `json:"port"`
	Debug bool   `json:"debug"`
}

type LoggingConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	JSONFormat bool   `json:"json_format"` // structured output for cron logs
}

// PricingConfig holds the DEX aggregator quote endpoint settings
type PricingConfig struct {
	BaseURL string        `json:"base_url"`
	Timeout time.Duration `json:"timeout"`
}

// CacheConfig controls the read-only JSON snapshot export
type CacheConfig struct {
	Dir string `json:"dir"`
}

// AIConfig holds LLM review configuration
type AIConfig struct {
	Enabled        bool          `json:"enabled"`
	Provider       string        `json:"provider"` // claude, openai, deepseek
	ClaudeAPIKey   string        `json:"claude_api_key"`
	OpenAIAPIKey   string        `json:"openai_api_key"`
	DeepSeekAPIKey string        `json:"deepseek_api_key"`
	Model          string        `json:"model"`
	JudgeModel     string        `json:"judge_model"`
	MaxTokens      int           `json:"max_tokens"`
	Temperature    float64       `json:"temperature"`
	CostPerCallUSD float64       `json:"cost_per_call_usd"`
	RequestTimeout time.Duration `json:"request_timeout"`
}

// Load reads config.json (when present) and applies environment overrides.
// Environment variables take precedence over the file.
func Load() (*Config, error) {
	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = defaults()
	}

	applyEnvOverrides(cfg)

	if cfg.DatabaseConfig.Path == "" {
		return nil, fmt.Errorf("database path is required (SANAD_DB_PATH or database.path)")
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		DatabaseConfig: DatabaseConfig{Path: "sanad.db", BusyTimeoutMs: 250},
		ServerConfig:   ServerConfig{Host: "0.0.0.0", Port: 8090},
		LoggingConfig:  LoggingConfig{Level: "info", JSONFormat: true},
		PricingConfig:  PricingConfig{BaseURL: "https://api.dexscreener.com", Timeout: 5 * time.Second},
		CacheConfig:    CacheConfig{Dir: "cache"},
		PolicyLimits:   policy.DefaultLimits(),
		DecisionConfig: decision.DefaultConfig(),
		AIConfig: AIConfig{
			Enabled:        true,
			Provider:       "claude",
			Model:          "claude-sonnet-4-20250514",
			JudgeModel:     "claude-sonnet-4-20250514",
			MaxTokens:      1024,
			Temperature:    0.3,
			CostPerCallUSD: 0.02,
			RequestTimeout: 30 * time.Second,
		},
		WorkerConfig: analysis.DefaultConfig(),
		EvalConfig:   eval.DefaultConfig(),
		HealthConfig: health.DefaultConfig(),
	}
}

func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config) {
	// Database
	cfg.DatabaseConfig.Path = getEnvOrDefault("SANAD_DB_PATH", cfg.DatabaseConfig.Path)
	cfg.DatabaseConfig.BusyTimeoutMs = getEnvIntOrDefault("SANAD_DB_BUSY_TIMEOUT_MS", cfg.DatabaseConfig.BusyTimeoutMs)

	// Server
	cfg.ServerConfig.Host = getEnvOrDefault("SANAD_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.Port = getEnvIntOrDefault("SANAD_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Debug = getEnvOrDefault("SANAD_DEBUG", "false") == "true"

	// Logging
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	if v := os.Getenv("LOG_JSON"); v != "" {
		cfg.LoggingConfig.JSONFormat = v == "true"
	}

	// Pricing
	cfg.PricingConfig.BaseURL = getEnvOrDefault("PRICING_BASE_URL", cfg.PricingConfig.BaseURL)
	cfg.PricingConfig.Timeout = getEnvDurationOrDefault("PRICING_TIMEOUT", cfg.PricingConfig.Timeout)

	// Cache
	cfg.CacheConfig.Dir = getEnvOrDefault("SANAD_CACHE_DIR", cfg.CacheConfig.Dir)

	// Policy budgets
	cfg.PolicyLimits.DailyAPIBudgetUSD = getEnvFloatOrDefault("API_BUDGET_DAILY_USD", cfg.PolicyLimits.DailyAPIBudgetUSD)
	cfg.PolicyLimits.MonthlyAPIBudgetUSD = getEnvFloatOrDefault("API_BUDGET_MONTHLY_USD", cfg.PolicyLimits.MonthlyAPIBudgetUSD)

	// AI. Keys come from the environment, never from config.json on disk.
	cfg.AIConfig.Enabled = getEnvOrDefault("AI_ENABLED", "true") == "true"
	cfg.AIConfig.Provider = getEnvOrDefault("AI_LLM_PROVIDER", cfg.AIConfig.Provider)
	cfg.AIConfig.ClaudeAPIKey = getEnvOrDefault("AI_CLAUDE_API_KEY", cfg.AIConfig.ClaudeAPIKey)
	cfg.AIConfig.OpenAIAPIKey = getEnvOrDefault("AI_OPENAI_API_KEY", cfg.AIConfig.OpenAIAPIKey)
	cfg.AIConfig.DeepSeekAPIKey = getEnvOrDefault("AI_DEEPSEEK_API_KEY", cfg.AIConfig.DeepSeekAPIKey)
	cfg.AIConfig.Model = getEnvOrDefault("AI_LLM_MODEL", cfg.AIConfig.Model)
	cfg.AIConfig.JudgeModel = getEnvOrDefault("AI_JUDGE_MODEL", cfg.AIConfig.JudgeModel)
	cfg.AIConfig.CostPerCallUSD = getEnvFloatOrDefault("AI_COST_PER_CALL_USD", cfg.AIConfig.CostPerCallUSD)
	cfg.AIConfig.RequestTimeout = getEnvDurationOrDefault("AI_REQUEST_TIMEOUT", cfg.AIConfig.RequestTimeout)

	// Worker
	cfg.WorkerConfig.ReviewTimeout = getEnvDurationOrDefault("WORKER_REVIEW_TIMEOUT", cfg.WorkerConfig.ReviewTimeout)
	cfg.WorkerConfig.BatchLimit = getEnvIntOrDefault("WORKER_BATCH_LIMIT", cfg.WorkerConfig.BatchLimit)
}

// ToClientConfig converts AIConfig to the format expected by the llm package,
// selecting the key matching the provider.
func (c *AIConfig) ToClientConfig() *llm.ClientConfig {
	key := c.ClaudeAPIKey
	switch llm.Provider(c.Provider) {
	case llm.ProviderOpenAI:
		key = c.OpenAIAPIKey
	case llm.ProviderDeepSeek:
		key = c.DeepSeekAPIKey
	}
	timeout := c.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &llm.ClientConfig{
		Provider:       llm.Provider(c.Provider),
		APIKey:         key,
		Model:          c.Model,
		JudgeModel:     c.JudgeModel,
		MaxTokens:      c.MaxTokens,
		Temperature:    c.Temperature,
		CostPerCallUSD: c.CostPerCallUSD,
		Timeout:        timeout,
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
