// Package config provides configuration management for the GPU scheduler.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Ledger backends.
const (
	LedgerBackendMemory   = "memory"
	LedgerBackendPostgres = "postgres"
)

// Config holds all configuration for the application.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Etcd      EtcdConfig      `mapstructure:"etcd"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Solver    SolverConfig    `mapstructure:"solver"`
	DRS       DRSConfig       `mapstructure:"drs"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Inventory InventoryConfig `mapstructure:"inventory"`
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MaxTxRetries    int           `mapstructure:"max_tx_retries"`
}

// URL returns the PostgreSQL connection URL.
func (c DatabaseConfig) URL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode,
	)
}

// EtcdConfig holds etcd configuration. An empty endpoint list disables the distributed
// consolidation lock.
type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	SessionTTL  int           `mapstructure:"session_ttl"`
}

// Enabled reports whether etcd is configured.
func (c EtcdConfig) Enabled() bool {
	return len(c.Endpoints) > 0
}

// RedisConfig holds Redis configuration. An empty host disables action publishing.
type RedisConfig struct {
	Host      string        `mapstructure:"host"`
	Port      int           `mapstructure:"port"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	ReportTTL time.Duration `mapstructure:"report_ttl"`
}

// Address returns the Redis address string.
func (c RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Enabled reports whether Redis is configured.
func (c RedisConfig) Enabled() bool {
	return c.Host != ""
}

// LedgerConfig selects the resource ledger backend.
type LedgerConfig struct {
	Backend string `mapstructure:"backend"`
}

// SchedulerConfig holds admission configuration.
type SchedulerConfig struct {
	ReclaimSolveTimeout time.Duration `mapstructure:"reclaim_solve_timeout"`
}

// SolverConfig holds the search limits of the integer solver.
type SolverConfig struct {
	MaxNodes             int     `mapstructure:"max_nodes"`
	IntegralityTolerance float64 `mapstructure:"integrality_tolerance"`
	RelativeGap          float64 `mapstructure:"relative_gap"`
}

// DRSConfig holds the periodic consolidation configuration.
type DRSConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Interval     time.Duration `mapstructure:"interval"`
	SolveTimeout time.Duration `mapstructure:"solve_timeout"`
	BinWeight    float64       `mapstructure:"bin_weight"`
	MoveWeight   float64       `mapstructure:"move_weight"`
	LockKey      string        `mapstructure:"lock_key"`
	LockTimeout  time.Duration `mapstructure:"lock_timeout"`
	AutoApply    bool          `mapstructure:"auto_apply"`
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// InventoryConfig is the team and node seed synced into the ledger at start.
type InventoryConfig struct {
	Teams []TeamConfig `mapstructure:"teams"`
	Nodes []NodeConfig `mapstructure:"nodes"`
}

// TeamConfig is a team quota entry.
type TeamConfig struct {
	Name  string  `mapstructure:"name"`
	Quota float64 `mapstructure:"quota"`
}

// NodeConfig is a GPU node entry.
type NodeConfig struct {
	Name     string  `mapstructure:"name"`
	Capacity float64 `mapstructure:"capacity"`
}

// Validate checks values that have no usable default.
func (c *Config) Validate() error {
	switch c.Ledger.Backend {
	case LedgerBackendMemory, LedgerBackendPostgres:
	default:
		return fmt.Errorf("unknown ledger backend %q", c.Ledger.Backend)
	}
	if c.DRS.Enabled && c.DRS.Interval <= 0 {
		return fmt.Errorf("drs.interval must be positive, got %s", c.DRS.Interval)
	}
	if c.DRS.BinWeight < 0 || c.DRS.MoveWeight < 0 {
		return fmt.Errorf("drs weights must not be negative")
	}
	return nil
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Environment variables
	v.SetEnvPrefix("PIPELINES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Database
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "pipelines")
	v.SetDefault("database.user", "pipelines")
	v.SetDefault("database.password", "pipelines")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.max_tx_retries", 5)

	// etcd
	v.SetDefault("etcd.endpoints", []string{})
	v.SetDefault("etcd.dial_timeout", "5s")
	v.SetDefault("etcd.session_ttl", 30)

	// Redis
	v.SetDefault("redis.host", "")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.report_ttl", "24h")

	// Ledger
	v.SetDefault("ledger.backend", LedgerBackendMemory)

	// Scheduler
	v.SetDefault("scheduler.reclaim_solve_timeout", "2s")

	// Solver
	v.SetDefault("solver.max_nodes", 20000)
	v.SetDefault("solver.integrality_tolerance", 1e-6)
	v.SetDefault("solver.relative_gap", 1e-4)

	// DRS
	v.SetDefault("drs.enabled", true)
	v.SetDefault("drs.interval", "10m")
	v.SetDefault("drs.solve_timeout", "30s")
	v.SetDefault("drs.bin_weight", 10.0)
	v.SetDefault("drs.move_weight", 1.0)
	v.SetDefault("drs.lock_key", "gpu-consolidation")
	v.SetDefault("drs.lock_timeout", "5s")
	v.SetDefault("drs.auto_apply", true)

	// Metrics
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.address", ":9090")

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}
