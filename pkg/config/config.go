// Package config loads the engine configuration from an optional YAML file
// and TRANSFER_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"transfer-engine/pkg/gateway"
	"transfer-engine/pkg/idempotency/redis"
	"transfer-engine/pkg/logging"
	"transfer-engine/pkg/resilience"
	"transfer-engine/pkg/scheduler"
	"transfer-engine/pkg/transfer"
	"transfer-engine/pkg/transfer/postgres"
)

// EnvPrefix prefixes every environment override, e.g. TRANSFER_GATEWAY_BASE_URL.
const EnvPrefix = "TRANSFER"

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Lock drivers.
const (
	LockLocal    = "local"
	LockRedis    = "redis"
	LockPostgres = "postgres"
)

// Config is the full engine configuration.
type Config struct {
	Log        logging.Config           `mapstructure:"log" yaml:"log"`
	Gateway    gateway.Config           `mapstructure:"gateway" yaml:"gateway"`
	Breaker    resilience.BreakerConfig `mapstructure:"breaker" yaml:"breaker"`
	Retry      resilience.RetryConfig   `mapstructure:"retry" yaml:"retry"`
	Scheduler  scheduler.Config         `mapstructure:"scheduler" yaml:"scheduler"`
	Settlement SettlementConfig         `mapstructure:"settlement" yaml:"settlement"`
	Store      StoreConfig              `mapstructure:"store" yaml:"store"`
	Lock       LockConfig               `mapstructure:"lock" yaml:"lock"`
	HTTP       HTTPConfig               `mapstructure:"http" yaml:"http"`
	GRPC       GRPCConfig               `mapstructure:"grpc" yaml:"grpc"`
}

// SettlementConfig is the platform account recurring rent is paid into.
type SettlementConfig struct {
	Number     string `mapstructure:"number" yaml:"number"`
	BankCode   string `mapstructure:"bank_code" yaml:"bank_code"`
	BankName   string `mapstructure:"bank_name" yaml:"bank_name"`
	HolderName string `mapstructure:"holder_name" yaml:"holder_name"`
}

// Account converts the settlement config to an account reference.
func (s SettlementConfig) Account() transfer.AccountRef {
	return transfer.AccountRef{
		Number:     s.Number,
		BankCode:   s.BankCode,
		BankName:   s.BankName,
		HolderName: s.HolderName,
	}
}

// StoreConfig selects the ledger and contract store.
type StoreConfig struct {
	// Driver is "memory" or "postgres".
	Driver   string          `mapstructure:"driver" yaml:"driver"`
	Postgres postgres.Config `mapstructure:"postgres" yaml:"postgres"`
	// Migrate creates the schema on startup.
	Migrate bool `mapstructure:"migrate" yaml:"migrate"`
}

// LockConfig selects the per-operation-key locker.
type LockConfig struct {
	// Driver is "local", "redis" or "postgres".
	Driver string       `mapstructure:"driver" yaml:"driver"`
	Redis  redis.Config `mapstructure:"redis" yaml:"redis"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type GRPCConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

// Default returns a configuration that runs against a local bank simulator
// with in-memory stores.
func Default() Config {
	return Config{
		Log:       logging.DefaultConfig(),
		Gateway:   gateway.DefaultConfig(),
		Breaker:   resilience.DefaultBreakerConfig(),
		Retry:     resilience.DefaultRetryConfig(),
		Scheduler: scheduler.DefaultConfig(),
		Settlement: SettlementConfig{
			Number:     "000-000-000000",
			BankCode:   "081",
			BankName:   "Hana Bank",
			HolderName: "Rent Settlement",
		},
		Store: StoreConfig{
			Driver:   StoreMemory,
			Postgres: postgres.DefaultConfig(),
			Migrate:  true,
		},
		Lock: LockConfig{
			Driver: LockLocal,
			Redis:  redis.DefaultConfig(),
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		GRPC: GRPCConfig{
			Enabled: true,
			Addr:    ":9090",
		},
	}
}

// Load reads defaults, then the YAML file at path (if path is not empty),
// then TRANSFER_* environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")

	// Seed every key so AutomaticEnv can override keys absent from the file.
	defaults, err := yaml.Marshal(cfg)
	if err != nil {
		return cfg, fmt.Errorf("config: encode defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return cfg, fmt.Errorf("config: load defaults: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks every section.
func (c Config) Validate() error {
	var errs []error

	if c.Gateway.BaseURL == "" {
		errs = append(errs, errors.New("gateway: base_url is required"))
	}
	if c.Gateway.Timeout <= 0 {
		errs = append(errs, errors.New("gateway: timeout must be positive"))
	}
	errs = append(errs, c.Breaker.Validate(), c.Retry.Validate(), c.Scheduler.Validate())

	if c.Settlement.Number == "" {
		errs = append(errs, errors.New("settlement: number is required"))
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StorePostgres:
		if c.Store.Postgres.DSN == "" {
			errs = append(errs, errors.New("store: postgres.dsn is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("store: unknown driver %q", c.Store.Driver))
	}

	switch c.Lock.Driver {
	case LockLocal:
	case LockRedis:
		if c.Lock.Redis.LockTTL <= c.Gateway.Timeout {
			errs = append(errs, fmt.Errorf("lock: redis.lock_ttl (%s) must exceed gateway.timeout (%s)", c.Lock.Redis.LockTTL, c.Gateway.Timeout))
		}
	case LockPostgres:
		if c.Store.Driver != StorePostgres {
			errs = append(errs, errors.New("lock: postgres locking requires the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("lock: unknown driver %q", c.Lock.Driver))
	}

	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http: addr is required"))
	}
	if c.GRPC.Enabled && c.GRPC.Addr == "" {
		errs = append(errs, errors.New("grpc: addr is required when enabled"))
	}

	return errors.Join(errs...)
}

// BreakerConfig returns the breaker configuration.
func (c Config) BreakerConfig() resilience.BreakerConfig {
	return c.Breaker
}

// RetryPolicy builds the read-path retry policy.
func (c Config) RetryPolicy() *resilience.RetryPolicy {
	return resilience.NewRetryPolicy(c.Retry)
}

// LoggingConfig returns the logging configuration.
func (c Config) LoggingConfig() logging.Config {
	return c.Log
}

// WriteDefault writes the default configuration as YAML to path.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	header := []byte("# transfer engine configuration\n# Every key can be overridden with TRANSFER_<SECTION>_<KEY>, e.g. TRANSFER_GATEWAY_BASE_URL.\n")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}
	if err := os.WriteFile(path, append(header, data...), 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
