// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/voltlink/internal/domain/market"
)

// EventbusConfig sets in-memory event bus sizing and durable delivery behaviour.
type EventbusConfig struct {
	BufferSize       int                 `yaml:"bufferSize"`
	FanoutWorkers    FanoutWorkerSetting `yaml:"fanoutWorkers"`
	Durable          bool                `yaml:"durable"`
	ReplayIntervalMs int                 `yaml:"replayIntervalMs"`
	ReplayBatchSize  int                 `yaml:"replayBatchSize"`
}

// ReplayInterval returns the outbox replay cadence.
func (c EventbusConfig) ReplayInterval() time.Duration {
	return time.Duration(c.ReplayIntervalMs) * time.Millisecond
}

type fanoutWorkerKind int

const (
	fanoutWorkerUnset fanoutWorkerKind = iota
	fanoutWorkerExplicit
	fanoutWorkerAuto
)

// FanoutWorkerSetting accepts either a positive integer or "auto".
type FanoutWorkerSetting struct {
	kind  fanoutWorkerKind
	value int
}

// UnmarshalYAML supports integer and "auto" values for fanout workers.
func (s *FanoutWorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	text := ""
	if node != nil {
		text = strings.TrimSpace(node.Value)
	}
	switch strings.ToLower(text) {
	case "", "default":
		*s = FanoutWorkerSetting{kind: fanoutWorkerUnset, value: 0}
		return nil
	case "auto":
		*s = FanoutWorkerSetting{kind: fanoutWorkerAuto, value: 0}
		return nil
	}
	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("fanoutWorkers: invalid value %q", node.Value)
	}
	if val <= 0 {
		return fmt.Errorf("fanoutWorkers: numeric value must be > 0")
	}
	*s = FanoutWorkerSetting{kind: fanoutWorkerExplicit, value: val}
	return nil
}

// FanoutWorkerCount returns the resolved worker count.
func (c EventbusConfig) FanoutWorkerCount() int {
	switch c.FanoutWorkers.kind {
	case fanoutWorkerExplicit:
		return c.FanoutWorkers.value
	case fanoutWorkerAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
	}
	return 4
}

// LoggingConfig controls the zap logger and optional rotating file output.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// RedisConfig addresses the redis latest-value cache.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// CacheConfig selects the latest-value cache backend.
type CacheConfig struct {
	Backend string      `yaml:"backend"`
	TTLMs   int         `yaml:"ttlMs"`
	Redis   RedisConfig `yaml:"redis"`
}

// TTL returns the cache entry lifetime. Zero keeps entries until overwritten.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLMs) * time.Millisecond
}

const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	Enabled           bool          `yaml:"enabled"`
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if env := strings.TrimSpace(os.Getenv("VOLTLINK_DATABASE_DSN")); env != "" {
		c.DSN = env
	}
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/voltlink"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	return nil
}

// OpsServerConfig exposes read-only health and status probes. An empty Addr disables the server.
type OpsServerConfig struct {
	Addr string `yaml:"addr"`
}

// ConnectorConfig tunes process-wide connector behaviour.
type ConnectorConfig struct {
	ConnectOnStart     bool `yaml:"connectOnStart"`
	ConnectConcurrency int  `yaml:"connectConcurrency"`
}

// MarketSource selects where market definitions are loaded from.
type MarketSource string

const (
	MarketSourceYAML     MarketSource = "yaml"
	MarketSourcePostgres MarketSource = "postgres"
)

// AppConfig is the unified voltlink application configuration sourced from YAML.
type AppConfig struct {
	Environment  Environment     `yaml:"environment"`
	Logging      LoggingConfig   `yaml:"logging"`
	Telemetry    TelemetryConfig `yaml:"telemetry"`
	Eventbus     EventbusConfig  `yaml:"eventbus"`
	Cache        CacheConfig     `yaml:"cache"`
	Database     DatabaseConfig  `yaml:"database"`
	OpsServer    OpsServerConfig `yaml:"opsServer"`
	Connector    ConnectorConfig `yaml:"connector"`
	MarketSource MarketSource    `yaml:"marketSource"`
	Markets      []market.Spec   `yaml:"markets"`
}

// Load reads and validates an AppConfig from the provided YAML file.
// Individual market entries are validated later by the registry so one bad entry never blocks the rest.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(bytes)
}

// Parse decodes, normalises and validates a YAML document.
func Parse(document []byte) (AppConfig, error) {
	var cfg AppConfig
	if err := yaml.Unmarshal(document, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	c.Logging.File = strings.TrimSpace(c.Logging.File)
	if c.Logging.MaxSizeMB <= 0 {
		c.Logging.MaxSizeMB = 100
	}
	if c.Logging.MaxBackups <= 0 {
		c.Logging.MaxBackups = 5
	}
	if c.Logging.MaxAgeDays <= 0 {
		c.Logging.MaxAgeDays = 7
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "voltlink"
	}

	if c.Eventbus.BufferSize <= 0 {
		c.Eventbus.BufferSize = 1024
	}
	if c.Eventbus.ReplayIntervalMs <= 0 {
		c.Eventbus.ReplayIntervalMs = 5000
	}
	if c.Eventbus.ReplayBatchSize <= 0 {
		c.Eventbus.ReplayBatchSize = 100
	}

	c.Cache.Backend = strings.ToLower(strings.TrimSpace(c.Cache.Backend))
	if c.Cache.Backend == "" {
		c.Cache.Backend = CacheBackendMemory
	}
	c.Cache.Redis.Addr = strings.TrimSpace(c.Cache.Redis.Addr)
	if env := strings.TrimSpace(os.Getenv("VOLTLINK_REDIS_ADDR")); env != "" {
		c.Cache.Redis.Addr = env
	}

	c.Database.applyDefaults()

	c.OpsServer.Addr = strings.TrimSpace(c.OpsServer.Addr)
	if c.Connector.ConnectConcurrency <= 0 {
		c.Connector.ConnectConcurrency = 4
	}

	c.MarketSource = MarketSource(strings.ToLower(strings.TrimSpace(string(c.MarketSource))))
	if c.MarketSource == "" {
		c.MarketSource = MarketSourceYAML
	}
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging level %q unsupported", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging format %q unsupported", c.Logging.Format)
	}

	if c.Eventbus.FanoutWorkerCount() <= 0 {
		return fmt.Errorf("eventbus fanoutWorkers must be >0")
	}
	if c.Eventbus.Durable && !c.Database.Enabled {
		return fmt.Errorf("eventbus durable delivery requires database.enabled")
	}

	switch c.Cache.Backend {
	case CacheBackendMemory:
	case CacheBackendRedis:
		if c.Cache.Redis.Addr == "" {
			return fmt.Errorf("cache redis addr required")
		}
	default:
		return fmt.Errorf("cache backend %q unsupported", c.Cache.Backend)
	}
	if c.Cache.TTLMs < 0 {
		return fmt.Errorf("cache ttlMs must be >=0")
	}

	switch c.MarketSource {
	case MarketSourceYAML:
		if len(c.Markets) == 0 {
			return fmt.Errorf("markets required when marketSource is yaml")
		}
	case MarketSourcePostgres:
		if !c.Database.Enabled {
			return fmt.Errorf("marketSource postgres requires database.enabled")
		}
	default:
		return fmt.Errorf("marketSource %q unsupported", c.MarketSource)
	}

	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
