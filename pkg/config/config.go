// Package config loads the mixer's process configuration: env vars (via
// envdecode), an optional .env file (via godotenv), and an optional YAML
// file, following the trio the teacher's internal/config/cmd/appserver
// wiring already uses.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the ops HTTP surface (internal/httpapi).
type ServerConfig struct {
	Host string `json:"host" yaml:"host" env:"SERVER_HOST"`
	Port int    `json:"port" yaml:"port" env:"SERVER_PORT"`
}

// DatabaseConfig controls the postgres-backed Store.
type DatabaseConfig struct {
	Driver          string `json:"driver" yaml:"driver" env:"DATABASE_DRIVER"`
	DSN             string `json:"dsn" yaml:"dsn" env:"DATABASE_DSN"`
	MaxOpenConns    int    `json:"max_open_conns" yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// LoggingConfig controls pkg/logger.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" yaml:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// EngineConfig carries the MixingEngine options named in spec.md §6.
type EngineConfig struct {
	MaxConcurrentMixes      int   `json:"max_concurrent_mixes" yaml:"max_concurrent_mixes" env:"MAX_CONCURRENT_MIXES"`
	MinPoolSize             int64 `json:"min_pool_size" yaml:"min_pool_size" env:"MIN_POOL_SIZE"`
	MinCoinjoinParticipants int   `json:"min_coinjoin_participants" yaml:"min_coinjoin_participants" env:"MIN_COINJOIN_PARTICIPANTS"`
	PhaseDelayMs            int   `json:"phase_delay_ms" yaml:"phase_delay_ms" env:"PHASE_DELAY_MS"`
	MaxMixingTimeMs         int   `json:"max_mixing_time_ms" yaml:"max_mixing_time_ms" env:"MAX_MIXING_TIME_MS"`
	MaxRetryAttempts        int   `json:"max_retry_attempts" yaml:"max_retry_attempts" env:"MAX_RETRY_ATTEMPTS"`
	ShutdownTimeoutMs       int   `json:"shutdown_timeout_ms" yaml:"shutdown_timeout_ms" env:"SHUTDOWN_TIMEOUT_MS"`
	CoordinationTimeoutMs   int   `json:"coordination_timeout_ms" yaml:"coordination_timeout_ms" env:"COORDINATION_TIMEOUT_MS"`
	SigningTimeoutMs        int   `json:"signing_timeout_ms" yaml:"signing_timeout_ms" env:"SIGNING_TIMEOUT_MS"`
	CandidateToleranceBP    int   `json:"candidate_tolerance_bp" yaml:"candidate_tolerance_bp" env:"CANDIDATE_TOLERANCE_BP"`
	MinChunkAmount          int64 `json:"min_chunk_amount" yaml:"min_chunk_amount" env:"MIN_CHUNK_AMOUNT"`
	MaxChunkAmount          int64 `json:"max_chunk_amount" yaml:"max_chunk_amount" env:"MAX_CHUNK_AMOUNT"`
}

// RecoveryConfig carries the RecoveryManager cadence options of spec.md §6.
type RecoveryConfig struct {
	IntegrityCheckIntervalMs int `json:"integrity_check_interval_ms" yaml:"integrity_check_interval_ms" env:"INTEGRITY_CHECK_INTERVAL_MS"`
	MonitoringIntervalMs     int `json:"monitoring_interval_ms" yaml:"monitoring_interval_ms" env:"MONITORING_INTERVAL_MS"`
	MaxInconsistentRecords   int `json:"max_inconsistent_records" yaml:"max_inconsistent_records" env:"MAX_INCONSISTENT_RECORDS"`
}

// EncryptionConfig carries the `encryption.*` options of spec.md §6.
type EncryptionConfig struct {
	MasterKey             string `json:"master_key" yaml:"master_key" env:"ENCRYPTION_MASTER_KEY"`
	KeyRotationDays       int    `json:"key_rotation_days" yaml:"key_rotation_days" env:"ENCRYPTION_KEY_ROTATION_DAYS"`
	CompressionEnabled    bool   `json:"compression_enabled" yaml:"compression_enabled" env:"ENCRYPTION_COMPRESSION_ENABLED"`
	IntegrityCheckEnabled bool   `json:"integrity_check_enabled" yaml:"integrity_check_enabled" env:"ENCRYPTION_INTEGRITY_CHECK_ENABLED"`
}

// SchedulerConfig carries the payout scheduler's timing options.
type SchedulerConfig struct {
	PollIntervalMs  int    `json:"poll_interval_ms" yaml:"poll_interval_ms" env:"SCHEDULER_POLL_INTERVAL_MS"`
	SchedulerSkewMs int    `json:"scheduler_skew_ms" yaml:"scheduler_skew_ms" env:"SCHEDULER_SKEW_MS"`
	RedisAddr       string `json:"redis_addr" yaml:"redis_addr" env:"SCHEDULER_REDIS_ADDR"`
}

// GatewayConfig selects and configures the BlockchainGateway adapter.
type GatewayConfig struct {
	Driver string `json:"driver" yaml:"driver" env:"GATEWAY_DRIVER"`
}

// Config is the top-level mixer configuration structure.
type Config struct {
	Server     ServerConfig     `json:"server" yaml:"server"`
	Database   DatabaseConfig   `json:"database" yaml:"database"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
	Engine     EngineConfig     `json:"engine" yaml:"engine"`
	Recovery   RecoveryConfig   `json:"recovery" yaml:"recovery"`
	Encryption EncryptionConfig `json:"encryption" yaml:"encryption"`
	Scheduler  SchedulerConfig  `json:"scheduler" yaml:"scheduler"`
	Gateway    GatewayConfig    `json:"gateway" yaml:"gateway"`
}

// New returns a configuration populated with the defaults named in spec.md §6.
func New() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Logging: LoggingConfig{Level: "info", Format: "text", Output: "stdout", FilePrefix: "mixer"},
		Engine: EngineConfig{
			MaxConcurrentMixes:      100,
			MinPoolSize:             10,
			MinCoinjoinParticipants: 3,
			PhaseDelayMs:            30_000,
			MaxMixingTimeMs:         3_600_000,
			MaxRetryAttempts:        3,
			ShutdownTimeoutMs:       30_000,
			CoordinationTimeoutMs:   120_000,
			SigningTimeoutMs:        60_000,
			CandidateToleranceBP:    1000, // +/-10%
			MinChunkAmount:          1,
			MaxChunkAmount:          0, // 0 => derive from input_amount at submission
		},
		Recovery: RecoveryConfig{
			IntegrityCheckIntervalMs: 3_600_000,
			MonitoringIntervalMs:     300_000,
			MaxInconsistentRecords:   10,
		},
		Encryption: EncryptionConfig{
			KeyRotationDays:       90,
			IntegrityCheckEnabled: true,
		},
		Scheduler: SchedulerConfig{PollIntervalMs: 1000, SchedulerSkewMs: 5000},
		Gateway:   GatewayConfig{Driver: "simulated"},
	}
}

// Load loads configuration from an optional .env file, an optional YAML
// file (CONFIG_FILE env var, defaulting to configs/config.yaml), and
// environment variable overrides, in that order of increasing precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	if path == "" {
		path = "configs/config.yaml"
	}
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode errors out when no tagged field was present in the
		// environment at all; treat that as "no overrides" so local runs
		// work without exporting every variable.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("config: decode env: %w", err)
		}
	}

	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}

	return cfg, nil
}

// LoadFile reads configuration from a specific YAML file, defaults applied
// first. Used by tests that want deterministic config without touching the
// environment.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}
