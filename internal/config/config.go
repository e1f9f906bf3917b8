// Package config loads application configuration from a YAML file, the
// environment and built-in defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/reasoning-cli/internal/cost"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Execution  ExecutionConfig  `yaml:"execution" mapstructure:"execution"`
	Estimate   EstimateConfig   `yaml:"estimate" mapstructure:"estimate"`
	Resilience ResilienceConfig `yaml:"resilience" mapstructure:"resilience"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key               string  `yaml:"key" mapstructure:"key"`
	BaseURL           string  `yaml:"base_url" mapstructure:"base_url"`
	Model             string  `yaml:"model" mapstructure:"model"`
	MaxTokens         int     `yaml:"max_tokens" mapstructure:"max_tokens"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	// NoBatch forces one Messages call per combination even when a
	// definition enables provider batching.
	NoBatch bool `yaml:"no_batch" mapstructure:"no_batch"`
}

// PricingConfig holds per-model token pricing. Models listed here replace
// the built-in rates of the same name.
type PricingConfig struct {
	Anthropic map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	BatchDiscount float64 `yaml:"batch_discount" mapstructure:"batch_discount"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// Rates returns the built-in Claude rates with the configured pricing laid
// over them.
func (p PricingConfig) Rates() cost.Rates {
	overrides := make(cost.Rates, len(p.Anthropic))
	for name, m := range p.Anthropic {
		overrides[name] = cost.ModelRate{
			Input:         m.Input,
			Output:        m.Output,
			BatchDiscount: m.BatchDiscount,
			CacheWriteMul: m.CacheWriteMul,
			CacheReadMul:  m.CacheReadMul,
		}
	}
	return cost.DefaultRates().Merge(overrides)
}

// ExecutionConfig holds defaults for definitions that leave execution
// constraints unset.
type ExecutionConfig struct {
	DefaultMaxConcurrentCalls int `yaml:"default_max_concurrent_calls" mapstructure:"default_max_concurrent_calls"`
	DefaultBatchSize          int `yaml:"default_batch_size" mapstructure:"default_batch_size"`
	FlushIntervalSecs         int `yaml:"flush_interval_secs" mapstructure:"flush_interval_secs"`
	FlushAttempts             int `yaml:"flush_attempts" mapstructure:"flush_attempts"`
	DefaultMaxCombinations    int `yaml:"default_max_combinations" mapstructure:"default_max_combinations"`
}

// EstimateConfig tunes cost and duration estimates.
type EstimateConfig struct {
	SecondsPerCall       float64 `yaml:"seconds_per_call" mapstructure:"seconds_per_call"`
	ExpectedOutputTokens int     `yaml:"expected_output_tokens" mapstructure:"expected_output_tokens"`
	PromptOverheadTokens int     `yaml:"prompt_overhead_tokens" mapstructure:"prompt_overhead_tokens"`
	CountCacheTTLSecs    int     `yaml:"count_cache_ttl_secs" mapstructure:"count_cache_ttl_secs"`
}

// CountCacheTTL returns the record count cache lifetime.
func (e EstimateConfig) CountCacheTTL() time.Duration {
	return time.Duration(e.CountCacheTTLSecs) * time.Second
}

// ResilienceConfig configures retries and the circuit breaker around the
// generation backend.
type ResilienceConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// MonitoringConfig configures instance statistics and alerting in serve
// mode. Zero thresholds disable the corresponding alert.
type MonitoringConfig struct {
	WebhookURL                 string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold       float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	OutputFailureRateThreshold float64 `yaml:"output_failure_rate_threshold" mapstructure:"output_failure_rate_threshold"`
	CostThresholdUSD           float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	CheckIntervalSecs          int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours        int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from ./config.yaml (optional) and REASONING_*
// environment variables.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file path. An empty path
// searches the working directory for config.yaml.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("REASONING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	// Keys without defaults are unknown to Unmarshal unless bound.
	_ = v.BindEnv("anthropic.key", "REASONING_ANTHROPIC_KEY", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("anthropic.base_url")
	_ = v.BindEnv("monitoring.webhook_url")
	_ = v.BindEnv("monitoring.cost_threshold_usd")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "reasoning.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("anthropic.requests_per_second", 5)
	v.SetDefault("anthropic.timeout_secs", 120)
	v.SetDefault("execution.default_max_concurrent_calls", 4)
	v.SetDefault("execution.default_batch_size", 10)
	v.SetDefault("execution.flush_interval_secs", 5)
	v.SetDefault("execution.flush_attempts", 3)
	v.SetDefault("execution.default_max_combinations", 1000)
	v.SetDefault("estimate.seconds_per_call", 6)
	v.SetDefault("estimate.expected_output_tokens", 400)
	v.SetDefault("estimate.prompt_overhead_tokens", 50)
	v.SetDefault("estimate.count_cache_ttl_secs", 60)
	v.SetDefault("resilience.max_attempts", 3)
	v.SetDefault("resilience.initial_backoff_ms", 500)
	v.SetDefault("resilience.max_backoff_ms", 30000)
	v.SetDefault("resilience.failure_threshold", 5)
	v.SetDefault("resilience.reset_timeout_secs", 30)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.output_failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
}

// Validate checks the configuration for the given mode: "execute" (runs
// that call the model), "serve" or "local" (store only).
func (c *Config) Validate(mode string) error {
	var errs []string
	req := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, msg)
		}
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
	}
	req(c.Store.DatabaseURL != "", "store.database_url is required")

	switch mode {
	case "local":
	case "execute":
		req(c.Anthropic.Key != "", "anthropic.key is required")
		c.validateModelPricing(&errs)
	case "serve":
		req(c.Anthropic.Key != "", "anthropic.key is required")
		req(c.Server.Port > 0 && c.Server.Port < 65536, "server.port must be > 0 and < 65536")
		c.validateModelPricing(&errs)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	req(c.Anthropic.MaxTokens > 0, "anthropic.max_tokens must be > 0")
	req(c.Anthropic.RequestsPerSecond >= 0, "anthropic.requests_per_second must be >= 0")
	req(c.Execution.DefaultMaxConcurrentCalls >= 1 && c.Execution.DefaultMaxConcurrentCalls <= 64,
		"execution.default_max_concurrent_calls must be between 1 and 64")
	req(c.Execution.DefaultBatchSize >= 1, "execution.default_batch_size must be >= 1")
	req(c.Execution.DefaultMaxCombinations >= 1, "execution.default_max_combinations must be >= 1")
	req(c.Estimate.SecondsPerCall >= 0, "estimate.seconds_per_call must be >= 0")
	req(c.Resilience.MaxAttempts >= 1, "resilience.max_attempts must be >= 1")
	for _, r := range []float64{c.Monitoring.FailureRateThreshold, c.Monitoring.OutputFailureRateThreshold} {
		if r < 0 || r > 1 {
			errs = append(errs, "monitoring failure rate thresholds must be between 0 and 1")
			break
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("config: invalid for %s: %s", mode, strings.Join(errs, "; "))
	}
	return nil
}

// validateModelPricing requires a rate for the default model, without which
// runs record zero cost and cost limits cannot be enforced.
func (c *Config) validateModelPricing(errs *[]string) {
	m := c.Anthropic.Model
	if m == "" {
		*errs = append(*errs, "anthropic.model is required")
		return
	}
	if !cost.NewCalculator(c.Pricing.Rates()).HasModel(m) {
		*errs = append(*errs, fmt.Sprintf("anthropic.model %q has no pricing; add it under pricing.anthropic", m))
	}
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
