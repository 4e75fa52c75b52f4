package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath         = "CONFIG_PATH"
	EnvDBConnection       = "DB_CONNECTION"
	EnvRedisAddr          = "REDIS_ADDR"
	EnvRedisPassword      = "REDIS_PASSWORD"
	EnvJWTSecret          = "JWT_SECRET"
	EnvJWTExpiry          = "JWT_EXPIRY"
	EnvUpstreamURL        = "UPSTREAM_URL"
	EnvVerificationSecret = "VERIFICATION_SECRET"
	EnvInternalSecret     = "INTERNAL_SECRET"
	EnvEnvironment        = "ENVIRONMENT"
)

// AppConfig holds resolved application configuration values.
type AppConfig struct {
	ConfigPath string
}

// LoadFromEnv loads app config from environment variables.
func LoadFromEnv() (AppConfig, error) {
	return AppConfig{ConfigPath: ResolveConfigPath(os.Getenv(EnvConfigPath))}, nil
}

// ResolveConfigPath normalizes the config path and applies defaults.
func ResolveConfigPath(p string) string {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		trimmed = "./config.yaml"
	}
	if abs, err := filepath.Abs(trimmed); err == nil {
		return abs
	}
	return trimmed
}

// ErrMissingDatabaseDSN indicates no database DSN is present in the config file.
var ErrMissingDatabaseDSN = errors.New("missing database dsn (set `database-dsn` or `database.dsn` in config file)")

// RedisConfig holds counter store connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// VerificationConfig holds the bot-verification vendor settings.
type VerificationConfig struct {
	Endpoint string `yaml:"endpoint"`
	Secret   string `yaml:"secret"`
}

// JWTConfig holds JWT secret and expiry settings.
type JWTConfig struct {
	Secret string        `yaml:"secret"`
	Expiry time.Duration `yaml:"expiry"`
}

// GatewayConfig is the static configuration for the gateway process.
// Dynamic thresholds live in the settings accessor, not here.
type GatewayConfig struct {
	Port         int                `yaml:"port"`
	Environment  string             `yaml:"environment"`
	Redis        RedisConfig        `yaml:"redis"`
	UpstreamURL  string             `yaml:"upstream-url"`
	Verification VerificationConfig `yaml:"verification"`
	// InternalSecret authenticates the protected pipeline's cost reconcile
	// callback. Empty disables the callback.
	InternalSecret string `yaml:"internal-secret"`
}

// Production reports whether the gateway runs with production defaults.
func (c GatewayConfig) Production() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

// defaultRedisPrefix namespaces gateway keys in a shared Redis instance.
const defaultRedisPrefix = "pg"

// LoadGatewayConfig reads the gateway config from the YAML file with env
// overrides for deployment-sensitive values.
func LoadGatewayConfig(configPath string) (GatewayConfig, error) {
	cfg := GatewayConfig{
		Port:        8318,
		Environment: "production",
		Redis:       RedisConfig{Prefix: defaultRedisPrefix},
	}

	data, errRead := os.ReadFile(configPath)
	if errRead == nil {
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
			return GatewayConfig{}, fmt.Errorf("parse config file: %w", errUnmarshal)
		}
	} else if !os.IsNotExist(errRead) {
		return GatewayConfig{}, fmt.Errorf("read config file: %w", errRead)
	}

	if addr := strings.TrimSpace(os.Getenv(EnvRedisAddr)); addr != "" {
		cfg.Redis.Addr = addr
	}
	if password := strings.TrimSpace(os.Getenv(EnvRedisPassword)); password != "" {
		cfg.Redis.Password = password
	}
	if upstream := strings.TrimSpace(os.Getenv(EnvUpstreamURL)); upstream != "" {
		cfg.UpstreamURL = upstream
	}
	if secret := strings.TrimSpace(os.Getenv(EnvVerificationSecret)); secret != "" {
		cfg.Verification.Secret = secret
	}
	if secret := strings.TrimSpace(os.Getenv(EnvInternalSecret)); secret != "" {
		cfg.InternalSecret = secret
	}
	if env := strings.TrimSpace(os.Getenv(EnvEnvironment)); env != "" {
		cfg.Environment = env
	}

	if strings.TrimSpace(cfg.Redis.Prefix) == "" {
		cfg.Redis.Prefix = defaultRedisPrefix
	}
	if cfg.Redis.DB < 0 {
		cfg.Redis.DB = 0
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		cfg.Port = 8318
	}
	return cfg, nil
}

// LoadDatabaseDSN reads the database DSN from the YAML config file.
func LoadDatabaseDSN(configPath string) (string, error) {
	if dsn := strings.TrimSpace(os.Getenv(EnvDBConnection)); dsn != "" {
		return dsn, nil
	}

	// fileConfig maps the YAML fields needed for DSN resolution.
	type fileConfig struct {
		DatabaseDSN string `yaml:"database-dsn"`
		Database    struct {
			DSN string `yaml:"dsn"`
		} `yaml:"database"`
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", fmt.Errorf("read config file: %w", err)
	}

	var cfg fileConfig
	if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
		return "", fmt.Errorf("parse config file: %w", errUnmarshal)
	}

	if dsn := strings.TrimSpace(cfg.DatabaseDSN); dsn != "" {
		return dsn, nil
	}
	if dsn := strings.TrimSpace(cfg.Database.DSN); dsn != "" {
		return dsn, nil
	}
	return "", ErrMissingDatabaseDSN
}

// defaultJWTExpiry is used when the config omits or invalidates JWT expiry.
const defaultJWTExpiry = 24 * time.Hour

// LoadJWTConfig loads JWT settings from the YAML config file.
func LoadJWTConfig(configPath string) (JWTConfig, error) {
	// fileConfig maps the YAML fields needed for JWT settings.
	type fileConfig struct {
		JWT JWTConfig `yaml:"jwt"`
	}

	result := JWTConfig{Expiry: defaultJWTExpiry}

	data, errRead := os.ReadFile(configPath)
	if errRead == nil {
		var cfg fileConfig
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal == nil {
			result = cfg.JWT
		}
	}

	if secret := strings.TrimSpace(os.Getenv(EnvJWTSecret)); secret != "" {
		result.Secret = secret
	}
	if expiryRaw := strings.TrimSpace(os.Getenv(EnvJWTExpiry)); expiryRaw != "" {
		if expiry, errParse := time.ParseDuration(expiryRaw); errParse == nil && expiry > 0 {
			result.Expiry = expiry
		}
	}

	if result.Expiry <= 0 {
		result.Expiry = defaultJWTExpiry
	}
	return result, nil
}
