// Package config loads swarm runtime configuration from environment
// variables, a .env file, and an optional YAML/JSON config file, using
// viper and godotenv the same way the rest of this family of tools does.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all swarm configuration.
type Config struct {
	App           AppConfig
	LLM           LLMConfig
	RateLimit     RateLimitConfig
	Orchestrator  OrchestratorConfig
	Checkpoint    CheckpointConfig
	Observability ObservabilityConfig
	Security      SecurityConfig
}

// AppConfig contains process-level configuration.
type AppConfig struct {
	Env      string `mapstructure:"env"`
	LogLevel string `mapstructure:"log_level"`
	Port     int    `mapstructure:"port"`
}

// LLMConfig contains the OpenAI-compatible transport configuration.
// APIKey and BaseURL are read through llm.ConfigSource on every call;
// Model is copied into the orchestrator and convo configs once at startup
// and is not re-read.
type LLMConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url"`
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// RateLimitConfig bounds concurrent LLM calls and the hourly call window.
type RateLimitConfig struct {
	MaxConcurrent   int `mapstructure:"max_concurrent"`
	MaxCallsPerHour int `mapstructure:"max_calls_per_hour"`
}

// OrchestratorConfig bounds the orchestrator/worker control loops.
type OrchestratorConfig struct {
	MaxOrchIterations int           `mapstructure:"max_orch_iterations"`
	MaxToolLoops      int           `mapstructure:"max_tool_loops"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	WorkerPoolSize    int           `mapstructure:"worker_pool_size"`
	TaskTimeout       time.Duration `mapstructure:"task_timeout"`
}

// CheckpointConfig selects and configures the checkpoint backend.
type CheckpointConfig struct {
	Backend  string `mapstructure:"backend"` // "file" or "redis"
	RedisURL string `mapstructure:"redis_url"`
}

// ObservabilityConfig configures logging, tracing and metrics.
type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Tracing TracingConfig `mapstructure:"tracing"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type LoggingConfig struct {
	Format string `mapstructure:"format"` // "json" or "console"
}

type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// SecurityConfig bounds what worker tools may do.
type SecurityConfig struct {
	AllowedCommands []string `mapstructure:"allowed_commands"`
	ShellTimeout    time.Duration `mapstructure:"shell_timeout"`
	ShellMaxOutput  int           `mapstructure:"shell_max_output"`
}

// Load reads configuration from (in increasing priority) defaults, a
// config file named "swarm" on the search path, and environment variables
// prefixed SWARM_. An optional .env file is loaded into the environment
// first, without overriding variables that are already set, so its values
// rank with the environment variables.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("SWARM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("swarm")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.port", 8080)

	// Keys without a default are invisible to Unmarshal when set only via
	// AutomaticEnv, so every env-settable key gets one here.
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "gpt-4o")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.temperature", 0.3)
	v.SetDefault("llm.max_tokens", 4096)

	v.SetDefault("ratelimit.max_concurrent", 5)
	v.SetDefault("ratelimit.max_calls_per_hour", 500)

	v.SetDefault("orchestrator.max_orch_iterations", 50)
	v.SetDefault("orchestrator.max_tool_loops", 20)
	v.SetDefault("orchestrator.max_attempts", 3)
	v.SetDefault("orchestrator.worker_pool_size", 3)
	v.SetDefault("orchestrator.task_timeout", 5*time.Minute)

	v.SetDefault("checkpoint.backend", "file")
	v.SetDefault("checkpoint.redis_url", "")

	v.SetDefault("observability.logging.format", "json")
	v.SetDefault("observability.tracing.enabled", false)
	v.SetDefault("observability.tracing.service_name", "swarm")
	v.SetDefault("observability.tracing.otlp_endpoint", "")
	v.SetDefault("observability.metrics.enabled", false)
	v.SetDefault("observability.metrics.port", 9090)
	v.SetDefault("observability.metrics.path", "/metrics")

	v.SetDefault("security.allowed_commands", []string{
		"go", "npm", "yarn", "pnpm", "git", "ls", "mkdir", "node", "python", "python3", "pytest", "make",
	})
	v.SetDefault("security.shell_timeout", 30*time.Second)
	v.SetDefault("security.shell_max_output", 1<<20)
}
