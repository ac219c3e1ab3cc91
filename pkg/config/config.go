package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvProduction = "production"

type Config struct {
	Environment string          `mapstructure:"environment"`
	Server      ServerConfig    `mapstructure:"server"`
	Safeguard   SafeguardConfig `mapstructure:"safeguard"`
	Audit       AuditConfig     `mapstructure:"audit"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// SafeguardConfig is frozen after Load: it is passed by value into the
// components that read it and carries no setters. Any non-positive numeric
// field is a construction-time error.
type SafeguardConfig struct {
	MaxRequestsPerMinute          int      `mapstructure:"max_requests_per_minute"`
	MaxConsequentialPerMinute     int      `mapstructure:"max_consequential_per_minute"`
	CircuitFailureThreshold       int      `mapstructure:"circuit_failure_threshold"`
	CircuitRecoveryTimeoutSeconds int      `mapstructure:"circuit_recovery_timeout_seconds"`
	MaxPromptLength               int      `mapstructure:"max_prompt_length"`
	BlockedKeywords               []string `mapstructure:"blocked_keywords"`
	SensitiveParameterKeys        []string `mapstructure:"sensitive_parameter_keys"`
}

type AuditConfig struct {
	Sink             string                 `mapstructure:"sink"`
	RecentBufferSize int                    `mapstructure:"recent_buffer_size"`
	QueueSize        int                    `mapstructure:"queue_size"`
	Settings         map[string]interface{} `mapstructure:"settings"`
}

func (c SafeguardConfig) RecoveryTimeout() time.Duration {
	return time.Duration(c.CircuitRecoveryTimeoutSeconds) * time.Second
}

// Load reads <configPath>/aiguard.yaml plus AIGUARD_* environment overrides.
// Production environments must provide an explicit safeguard section: a
// default config in production fails closed at load time.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("aiguard")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.SetEnvPrefix("AIGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	explicit := v.IsSet("safeguard")
	setDefaultValues(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Environment == EnvProduction && !explicit {
		return nil, errors.New("production environment requires an explicit safeguard configuration")
	}

	cfg.Safeguard.normalize()
	if err := cfg.Safeguard.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaultValues(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 9090)
	v.SetDefault("safeguard.max_requests_per_minute", 60)
	v.SetDefault("safeguard.max_consequential_per_minute", 10)
	v.SetDefault("safeguard.circuit_failure_threshold", 5)
	v.SetDefault("safeguard.circuit_recovery_timeout_seconds", 60)
	v.SetDefault("safeguard.max_prompt_length", 100000)
	v.SetDefault("audit.sink", "file")
	v.SetDefault("audit.recent_buffer_size", 1024)
	v.SetDefault("audit.queue_size", 256)
}

func (c *SafeguardConfig) normalize() {
	for i, kw := range c.BlockedKeywords {
		c.BlockedKeywords[i] = strings.ToLower(strings.TrimSpace(kw))
	}
	for i, key := range c.SensitiveParameterKeys {
		c.SensitiveParameterKeys[i] = strings.ToLower(strings.TrimSpace(key))
	}
}

func (c SafeguardConfig) Validate() error {
	if c.MaxRequestsPerMinute <= 0 {
		return errors.New("safeguard config requires positive max_requests_per_minute")
	}
	if c.MaxConsequentialPerMinute <= 0 {
		return errors.New("safeguard config requires positive max_consequential_per_minute")
	}
	if c.MaxConsequentialPerMinute > c.MaxRequestsPerMinute {
		return errors.New("max_consequential_per_minute must not exceed max_requests_per_minute")
	}
	if c.CircuitFailureThreshold <= 0 {
		return errors.New("safeguard config requires positive circuit_failure_threshold")
	}
	if c.CircuitRecoveryTimeoutSeconds <= 0 {
		return errors.New("safeguard config requires positive circuit_recovery_timeout_seconds")
	}
	if c.MaxPromptLength <= 0 {
		return errors.New("safeguard config requires positive max_prompt_length")
	}
	return nil
}
