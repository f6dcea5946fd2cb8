package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultAppName         = "BalanceHold"
	defaultAppEnv          = "development"
	defaultPort            = "8080"
	defaultGRPCPort        = "9090"
	defaultLogLevel        = "info"
	defaultShutdownDelay   = 10 * time.Second
	defaultIdempotencyTTL  = 24 * time.Hour
	defaultSweepInterval   = 5 * time.Second
	defaultSweepBatchSize  = 100
	defaultSweepLockTTL    = 30 * time.Second
	idemTTLSecondsEnvVar   = "IDEMPOTENCY_TTL_SECONDS"
	idemTTLDurEnvVar       = "IDEMPOTENCY_TTL"
	shutdownSecondsEnvVar  = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar = "SHUTDOWN_TIMEOUT"
	configFileEnvVar       = "CONFIG_FILE"
)

// Config captures application runtime configuration loaded from an optional
// YAML file and environment variables. Environment variables win.
type Config struct {
	AppName            string        `yaml:"app_name"`
	AppEnv             string        `yaml:"app_env"`
	Port               string        `yaml:"port"`
	GRPCPort           string        `yaml:"grpc_port"`
	LogLevel           string        `yaml:"log_level"`
	DatabaseURL        string        `yaml:"database_url"`
	DBMaxConns         int           `yaml:"db_max_conns"`
	RedisURL           string        `yaml:"redis_url"`
	ShutdownPeriod     time.Duration `yaml:"shutdown_timeout"`
	IdempotencyTTL     time.Duration `yaml:"idempotency_ttl"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	SweepBatchSize     int           `yaml:"sweep_batch_size"`
	SweepLockTTL       time.Duration `yaml:"sweep_lock_ttl"`
	RateLimitPerMinute int           `yaml:"rate_limit_per_minute"`
}

func defaults() Config {
	return Config{
		AppName:        defaultAppName,
		AppEnv:         defaultAppEnv,
		Port:           defaultPort,
		GRPCPort:       defaultGRPCPort,
		LogLevel:       defaultLogLevel,
		ShutdownPeriod: defaultShutdownDelay,
		IdempotencyTTL: defaultIdempotencyTTL,
		SweepInterval:  defaultSweepInterval,
		SweepBatchSize: defaultSweepBatchSize,
		SweepLockTTL:   defaultSweepLockTTL,
	}
}

// Load reads configuration values from the environment and populates a Config instance.
func Load() (Config, error) {
	cfg := defaults()

	if path := os.Getenv(configFileEnvVar); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	cfg.AppName = getEnv("APP_NAME", cfg.AppName)
	cfg.AppEnv = getEnv("APP_ENV", cfg.AppEnv)
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.GRPCPort = getEnv("GRPC_PORT", cfg.GRPCPort)
	cfg.LogLevel = strings.ToLower(getEnv("LOG_LEVEL", cfg.LogLevel))
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)

	var err error
	if cfg.ShutdownPeriod, err = durationFromEnv(shutdownSecondsEnvVar, shutdownDurationEnvVar, cfg.ShutdownPeriod); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = durationFromEnv(idemTTLSecondsEnvVar, idemTTLDurEnvVar, cfg.IdempotencyTTL); err != nil {
		return Config{}, err
	}
	if cfg.SweepInterval, err = durationFromEnv("", "SWEEP_INTERVAL", cfg.SweepInterval); err != nil {
		return Config{}, err
	}
	if cfg.SweepLockTTL, err = durationFromEnv("", "SWEEP_LOCK_TTL", cfg.SweepLockTTL); err != nil {
		return Config{}, err
	}
	if cfg.SweepBatchSize, err = intFromEnv("SWEEP_BATCH_SIZE", cfg.SweepBatchSize); err != nil {
		return Config{}, err
	}
	if cfg.DBMaxConns, err = intFromEnv("DB_MAX_CONNS", cfg.DBMaxConns); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitPerMinute, err = intFromEnv("RATE_LIMIT_PER_MINUTE", cfg.RateLimitPerMinute); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL must be set")
	}
	if c.RedisURL == "" && !c.IsDevelopment() {
		return fmt.Errorf("REDIS_URL must be set when APP_ENV=%s", c.AppEnv)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.SweepBatchSize <= 0 {
		return fmt.Errorf("SWEEP_BATCH_SIZE must be positive")
	}
	if c.SweepLockTTL <= 0 {
		return fmt.Errorf("SWEEP_LOCK_TTL must be positive")
	}
	return nil
}

func loadFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", configFileEnvVar, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// IsDevelopment reports whether the service runs in a local environment where
// Redis is optional.
func (c Config) IsDevelopment() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	return listenAddress(c.Port)
}

// GRPCAddress returns the listen address of the RPC server.
func (c Config) GRPCAddress() string {
	return listenAddress(c.GRPCPort)
}

func listenAddress(port string) string {
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

// durationFromEnv prefers the whole-seconds variable, then the Go duration one.
func durationFromEnv(secondsKey, durationKey string, fallback time.Duration) (time.Duration, error) {
	if secondsKey != "" {
		if v := os.Getenv(secondsKey); v != "" {
			seconds, err := strconv.Atoi(v)
			if err != nil {
				return 0, fmt.Errorf("invalid %s: %w", secondsKey, err)
			}
			return time.Duration(seconds) * time.Second, nil
		}
	}
	if v := os.Getenv(durationKey); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", durationKey, err)
		}
		return d, nil
	}
	return fallback, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
