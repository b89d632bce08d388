package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Upstream   UpstreamConfig   `mapstructure:"upstream"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Guardrails GuardrailsConfig `mapstructure:"guardrails"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	CORS       CORSConfig       `mapstructure:"cors"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

type ServerConfig struct {
	Port             int           `mapstructure:"port"`
	MetricsPort      int           `mapstructure:"metrics_port"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdown time.Duration `mapstructure:"graceful_shutdown"`
}

// UpstreamConfig points at the OpenAI-compatible endpoint the gateway fronts
type UpstreamConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// CacheConfig controls the Redis-backed verdict cache
type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

type MonitoringConfig struct {
	EnableMetrics bool   `mapstructure:"enable_metrics"`
	ServiceName   string `mapstructure:"service_name"`
}

var cfg *Config

func Load(configPath string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.AddConfigPath(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/quilr-guard")
	}

	setDefaults()

	viper.AutomaticEnv()
	bindEnvVars()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	// The filter env vars are comma-separated allow-lists; when set they
	// override whatever the YAML declares.
	if v := viper.GetString("guardrails.apply_for_models_csv"); v != "" {
		config.Guardrails.ApplyForModels = splitTrim(v)
	}
	if v := viper.GetString("guardrails.apply_for_key_names_csv"); v != "" {
		config.Guardrails.ApplyForKeyNames = splitTrim(v)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	cfg = &config
	return cfg, nil
}

// Validate fails fast on malformed configuration. Missing credentials are a
// startup error, not a per-request surprise.
func (c *Config) Validate() error {
	if err := c.Guardrails.Validate(); err != nil {
		return err
	}
	if c.Cache.Enabled && c.Redis.URL == "" {
		return fmt.Errorf("cache.enabled requires redis.url")
	}
	return nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.port", 4000)
	viper.SetDefault("server.metrics_port", 9090)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "300s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.graceful_shutdown", "30s")

	// Upstream defaults
	viper.SetDefault("upstream.timeout", "300s")

	// Redis defaults
	viper.SetDefault("redis.db", 0)

	// Verdict cache defaults
	viper.SetDefault("cache.enabled", false)
	viper.SetDefault("cache.ttl", "300s")

	// Guardrails defaults
	viper.SetDefault("guardrails.enabled", true)
	viper.SetDefault("guardrails.providers.quilr.base_url", "https://guardrails.quilr.ai")
	viper.SetDefault("guardrails.providers.quilr.timeout", "10s")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "console")
	viper.SetDefault("logging.output_path", "")

	// CORS defaults
	viper.SetDefault("cors.allow_credentials", true)
	viper.SetDefault("cors.max_age", 86400)

	// Monitoring defaults
	viper.SetDefault("monitoring.enable_metrics", true)
	viper.SetDefault("monitoring.service_name", "quilr-guard")
}

func bindEnvVars() {
	// Server
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.metrics_port", "METRICS_PORT")
	viper.BindEnv("server.read_timeout", "SERVER_READ_TIMEOUT")
	viper.BindEnv("server.write_timeout", "SERVER_WRITE_TIMEOUT")

	// Upstream
	viper.BindEnv("upstream.base_url", "UPSTREAM_BASE_URL")
	viper.BindEnv("upstream.timeout", "UPSTREAM_TIMEOUT")

	// Redis
	viper.BindEnv("redis.url", "REDIS_URL")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	// Verdict cache
	viper.BindEnv("cache.enabled", "VERDICT_CACHE_ENABLED")
	viper.BindEnv("cache.ttl", "VERDICT_CACHE_TTL")

	// Quilr guardrails service
	viper.BindEnv("guardrails.providers.quilr.api_key", "QUILR_GUARDRAILS_KEY")
	viper.BindEnv("guardrails.providers.quilr.base_url", "QUILR_GUARDRAILS_BASE_URL")
	viper.BindEnv("guardrails.apply_for_models_csv", "APPLY_QUILR_GUARDRAILS_FOR_MODELS")
	viper.BindEnv("guardrails.apply_for_key_names_csv", "APPLY_QUILR_GUARDRAILS_FOR_KEY_NAMES")

	// Logging
	viper.BindEnv("logging.level", "LOG_LEVEL")
	viper.BindEnv("logging.format", "LOG_FORMAT")

	// CORS
	viper.BindEnv("cors.allowed_origins", "CORS_ALLOWED_ORIGINS")

	// Monitoring
	viper.BindEnv("monitoring.enable_metrics", "ENABLE_METRICS")
}

func Get() *Config {
	return cfg
}

func splitTrim(csv string) []string {
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
