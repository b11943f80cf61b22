package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"tally.com/internal/infrastructure/retry"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config holds the application configuration
type Config struct {
	Server    Server    `mapstructure:"server"`
	Auth      Auth      `mapstructure:"auth"`
	Storage   Storage   `mapstructure:"storage"`
	Transfer  Transfer  `mapstructure:"transfer"`
	Ledger    Ledger    `mapstructure:"ledger"`
	RateLimit RateLimit `mapstructure:"rateLimit"`
	Log       Log       `mapstructure:"log"`
}

// Server configuration
type Server struct {
	Port            string        `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"readTimeout"`
	WriteTimeout    time.Duration `mapstructure:"writeTimeout"`
	IdleTimeout     time.Duration `mapstructure:"idleTimeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
}

// Auth configuration. An empty JWTSecret trusts tokens verified upstream.
type Auth struct {
	JWTSecret     string `mapstructure:"jwtSecret"`
	IdentityClaim string `mapstructure:"identityClaim"`
}

// Storage selects and configures the ledger backend
type Storage struct {
	Driver   string   `mapstructure:"driver"`
	Postgres Postgres `mapstructure:"postgres"`
	Redis    Redis    `mapstructure:"redis"`
}

// Postgres configuration
type Postgres struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"maxOpenConns"`
	MaxIdleConns    int           `mapstructure:"maxIdleConns"`
	ConnMaxLifetime time.Duration `mapstructure:"connMaxLifetime"`
	AutoMigrate     bool          `mapstructure:"autoMigrate"`
}

// Redis configuration
type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Transfer configuration
type Transfer struct {
	Timeout time.Duration `mapstructure:"timeout"`
	Retry   Retry         `mapstructure:"retry"`
}

// Retry configuration for ledger contention
type Retry struct {
	MaxAttempts int           `mapstructure:"maxAttempts"`
	BaseDelay   time.Duration `mapstructure:"baseDelay"`
	MaxDelay    time.Duration `mapstructure:"maxDelay"`
	MaxElapsed  time.Duration `mapstructure:"maxElapsed"`
	Jitter      float64       `mapstructure:"jitter"`
}

// Ledger configuration
type Ledger struct {
	IdempotencyRetention time.Duration `mapstructure:"idempotencyRetention"`
}

// RateLimit configuration
type RateLimit struct {
	Enabled           bool          `mapstructure:"enabled"`
	RequestsPerSecond float64       `mapstructure:"requestsPerSecond"`
	Burst             int           `mapstructure:"burst"`
	IdleTTL           time.Duration `mapstructure:"idleTTL"`
}

// Log configuration
type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Policy converts the retry section into a retry.Policy.
func (r Retry) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts:  r.MaxAttempts,
		BaseDelay:    r.BaseDelay,
		MaxDelay:     r.MaxDelay,
		MaxElapsed:   r.MaxElapsed,
		JitterFactor: r.Jitter,
	}
}

func setDefaults(v *viper.Viper) {
	def := retry.DefaultPolicy()

	v.SetDefault("server.port", "8080")
	v.SetDefault("server.readTimeout", 15*time.Second)
	v.SetDefault("server.writeTimeout", 15*time.Second)
	v.SetDefault("server.idleTimeout", 60*time.Second)
	v.SetDefault("server.shutdownTimeout", 5*time.Second)
	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.identityClaim", "custom:username")
	v.SetDefault("storage.driver", DriverMemory)
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.maxOpenConns", 20)
	v.SetDefault("storage.postgres.maxIdleConns", 5)
	v.SetDefault("storage.postgres.connMaxLifetime", 30*time.Minute)
	v.SetDefault("storage.postgres.autoMigrate", false)
	v.SetDefault("storage.redis.addr", "")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("transfer.timeout", 5*time.Second)
	v.SetDefault("transfer.retry.maxAttempts", def.MaxAttempts)
	v.SetDefault("transfer.retry.baseDelay", def.BaseDelay)
	v.SetDefault("transfer.retry.maxDelay", def.MaxDelay)
	v.SetDefault("transfer.retry.maxElapsed", def.MaxElapsed)
	v.SetDefault("transfer.retry.jitter", def.JitterFactor)
	v.SetDefault("ledger.idempotencyRetention", 24*time.Hour)
	v.SetDefault("rateLimit.enabled", true)
	v.SetDefault("rateLimit.requestsPerSecond", 50)
	v.SetDefault("rateLimit.burst", 100)
	v.SetDefault("rateLimit.idleTTL", 10*time.Minute)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// LoadConfig loads configuration from YAML files in configDir.
// app-config.yaml is the base; <CONFIG_ENV>.yaml (default "local") is merged
// on top; TALLY_* environment variables win over both. A .env file in the
// working directory is loaded first when present.
func LoadConfig(configDir string) (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	configEnv := os.Getenv("CONFIG_ENV")
	if configEnv == "" {
		configEnv = "local"
	}

	v := viper.New()
	setDefaults(v)

	// Load base app-config.yaml as template/defaults (if it exists)
	baseConfigPath := filepath.Join(configDir, "app-config.yaml")
	if _, err := os.Stat(baseConfigPath); err == nil {
		v.SetConfigFile(baseConfigPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read base config file: %w", err)
		}
	}

	// Load environment-specific config (e.g., local.yaml when CONFIG_ENV=local)
	envConfigPath := filepath.Join(configDir, configEnv+".yaml")
	if _, err := os.Stat(envConfigPath); err == nil {
		v.SetConfigFile(envConfigPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to merge env config file: %w", err)
		}
	}

	v.SetEnvPrefix("TALLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Conventional names used by container platforms
	_ = v.BindEnv("server.port", "TALLY_SERVER_PORT", "PORT")
	_ = v.BindEnv("auth.jwtSecret", "TALLY_AUTH_JWTSECRET", "JWT_SECRET")
	_ = v.BindEnv("storage.postgres.dsn", "TALLY_STORAGE_POSTGRES_DSN", "DATABASE_URL")
	_ = v.BindEnv("storage.redis.addr", "TALLY_STORAGE_REDIS_ADDR", "REDIS_ADDR")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Storage.Postgres.DSN == "" {
			errs = append(errs, errors.New("storage.postgres.dsn is required for the postgres driver"))
		}
	case DriverRedis:
		if c.Storage.Redis.Addr == "" {
			errs = append(errs, errors.New("storage.redis.addr is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}

	if c.Transfer.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("transfer.retry.maxAttempts must be at least 1"))
	}
	if c.Transfer.Retry.Jitter < 0 || c.Transfer.Retry.Jitter > 1 {
		errs = append(errs, errors.New("transfer.retry.jitter must be within [0, 1]"))
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerSecond <= 0 {
		errs = append(errs, errors.New("rateLimit.requestsPerSecond must be positive when enabled"))
	}

	return errors.Join(errs...)
}
