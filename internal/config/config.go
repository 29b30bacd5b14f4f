// Package config loads the resilience core's configuration: a nested,
// YAML-tagged Config struct with a DefaultConfig builder and a Load
// function backed by viper, matching every key this module's collaborator
// contract recognizes.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// BreakerConfig holds the recognized breaker.* and dlq_breaker.* options.
type BreakerConfig struct {
	FailureThreshold   int      `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	SuccessThreshold   int      `yaml:"success_threshold" mapstructure:"success_threshold"`
	RecoveryTimeoutS   float64  `yaml:"recovery_timeout_s" mapstructure:"recovery_timeout_s"`
	HalfOpenMaxCalls   int      `yaml:"half_open_max_calls" mapstructure:"half_open_max_calls"`
	ExcludedExceptions []string `yaml:"excluded_exceptions" mapstructure:"excluded_exceptions"`
}

// RetryConfig holds the recognized retry.* options.
type RetryConfig struct {
	MaxRetries      int     `yaml:"max_retries" mapstructure:"max_retries"`
	BaseDelayS      float64 `yaml:"base_delay_s" mapstructure:"base_delay_s"`
	MaxDelayS       float64 `yaml:"max_delay_s" mapstructure:"max_delay_s"`
	ExponentialBase float64 `yaml:"exponential_base" mapstructure:"exponential_base"`
	Jitter          bool    `yaml:"jitter" mapstructure:"jitter"`
}

// DegradationConfig holds the recognized degradation.* options.
type DegradationConfig struct {
	FailureThreshold  int     `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	RecoveryThreshold int     `yaml:"recovery_threshold" mapstructure:"recovery_threshold"`
	CheckIntervalS    float64 `yaml:"check_interval_s" mapstructure:"check_interval_s"`
	ProbeTimeoutS     float64 `yaml:"probe_timeout_s" mapstructure:"probe_timeout_s"`
	MemoryQueueMax    int     `yaml:"memory_queue_max" mapstructure:"memory_queue_max"`
	FallbackDir       string  `yaml:"fallback_dir" mapstructure:"fallback_dir"`
}

// FallbackQueueConfig holds the recognized fallback_queue.* options.
type FallbackQueueConfig struct {
	MaxSize int `yaml:"max_size" mapstructure:"max_size"`
}

// AIConfig holds the recognized ai.* options.
type AIConfig struct {
	RiskCacheTTLS        float64 `yaml:"risk_cache_ttl_s" mapstructure:"risk_cache_ttl_s"`
	HealthCheckIntervalS float64 `yaml:"health_check_interval_s" mapstructure:"health_check_interval_s"`
}

// Config is the complete, recognized configuration for the resilience core.
// Only the collaborator layers (broker, AI adapters, on-disk fallback
// storage) read environment variables directly; the core itself always
// takes a populated Config struct.
type Config struct {
	Breaker       BreakerConfig       `yaml:"breaker" mapstructure:"breaker"`
	Retry         RetryConfig         `yaml:"retry" mapstructure:"retry"`
	DLQBreaker    BreakerConfig       `yaml:"dlq_breaker" mapstructure:"dlq_breaker"`
	Degradation   DegradationConfig   `yaml:"degradation" mapstructure:"degradation"`
	FallbackQueue FallbackQueueConfig `yaml:"fallback_queue" mapstructure:"fallback_queue"`
	AI            AIConfig            `yaml:"ai" mapstructure:"ai"`
}

// DefaultConfig returns the configuration this module uses when no file or
// environment override is present, matching the defaults named across
// the breaker, retry, degradation, and AI fallback packages.
func DefaultConfig() *Config {
	return &Config{
		Breaker: BreakerConfig{
			FailureThreshold:   5,
			SuccessThreshold:   3,
			RecoveryTimeoutS:   30,
			HalfOpenMaxCalls:   3,
			ExcludedExceptions: []string{},
		},
		Retry: RetryConfig{
			MaxRetries:      3,
			BaseDelayS:      1,
			MaxDelayS:       30,
			ExponentialBase: 2,
			Jitter:          true,
		},
		DLQBreaker: BreakerConfig{
			FailureThreshold:   2,
			SuccessThreshold:   1,
			RecoveryTimeoutS:   30,
			HalfOpenMaxCalls:   1,
			ExcludedExceptions: []string{},
		},
		Degradation: DegradationConfig{
			FailureThreshold:  3,
			RecoveryThreshold: 2,
			CheckIntervalS:    15,
			ProbeTimeoutS:     10,
			MemoryQueueMax:    1000,
			FallbackDir:       "./fallback",
		},
		FallbackQueue: FallbackQueueConfig{
			MaxSize: 10000,
		},
		AI: AIConfig{
			RiskCacheTTLS:        300,
			HealthCheckIntervalS: 30,
		},
	}
}

// Load reads configuration from configFile (if non-empty) or from the
// standard search locations, overlays environment variables prefixed
// HSI_ (e.g. HSI_BREAKER_FAILURE_THRESHOLD), and unmarshals on top of
// DefaultConfig so unset keys keep their default value. An environment
// variable only overrides a key that also appears in the loaded config
// file; keys absent from the file are not read from the environment.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	cfg := DefaultConfig()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("resilience")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/hsi-resilience-core")
	}

	v.SetEnvPrefix("HSI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, nil
}
