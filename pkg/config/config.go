package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	SQLite     SQLiteConfig
	Redis      RedisConfig
	LLM        LLMConfig
	Snapshot   SnapshotConfig
	Aggregator AggregatorConfig
	Dispatcher DispatcherConfig
	Logging    LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int

	// RateLimitPerMinute caps write requests per client IP; 0 disables it.
	RateLimitPerMinute int
	Development        bool
}

type StorageConfig struct {
	// Backend selects the record store: sqlite, redis or memory.
	Backend string
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Host        string
	Port        int
	Password    string
	DB          int
	CacheTTLSec int
}

type LLMConfig struct {
	Model       string
	APIKey      string
	BaseURL     string
	Temperature float32
	MaxTokens   int
	TimeoutSec  int
}

type SnapshotConfig struct {
	// BaseURL of the order system holding prior snapshots; empty disables lookups.
	BaseURL    string
	APIKey     string
	TimeoutSec int
}

type AggregatorConfig struct {
	InvocationTimeoutSec int
	StaleAfterSec        int
	SweepIntervalSec     int
	CacheExtractions     bool
	// SchemaPromptFile replaces the built-in extraction instructions.
	SchemaPromptFile string
}

type DispatcherConfig struct {
	Workers   int
	QueueSize int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func (c AggregatorConfig) InvocationTimeout() time.Duration {
	return time.Duration(c.InvocationTimeoutSec) * time.Second
}

func (c AggregatorConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterSec) * time.Second
}

func (c AggregatorConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

func (c SnapshotConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c RedisConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSec) * time.Second
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/order-intake")

	return load(v)
}

// LoadFile reads configuration from an explicit file path.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix("ORDER_INTAKE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) validate() error {
	switch c.Storage.Backend {
	case "sqlite", "redis", "memory":
	default:
		return fmt.Errorf("invalid storage backend %q", c.Storage.Backend)
	}

	if c.Aggregator.StaleAfterSec < 0 {
		return fmt.Errorf("aggregator.staleAfterSec must not be negative")
	}

	if c.Dispatcher.Workers < 1 {
		return fmt.Errorf("dispatcher.workers must be at least 1")
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.bodyLimit", 26214400)
	v.SetDefault("server.rateLimitPerMinute", 600)
	v.SetDefault("server.development", false)

	v.SetDefault("storage.backend", "sqlite")

	v.SetDefault("sqlite.path", "./data/orders.db")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.cacheTTLSec", 3600)

	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.baseURL", "")
	v.SetDefault("llm.temperature", 0.0)
	v.SetDefault("llm.maxTokens", 4096)
	v.SetDefault("llm.timeoutSec", 60)

	v.SetDefault("snapshot.baseURL", "")
	v.SetDefault("snapshot.apiKey", "")
	v.SetDefault("snapshot.timeoutSec", 10)

	v.SetDefault("aggregator.invocationTimeoutSec", 120)
	v.SetDefault("aggregator.staleAfterSec", 0)
	v.SetDefault("aggregator.sweepIntervalSec", 300)
	v.SetDefault("aggregator.cacheExtractions", false)
	v.SetDefault("aggregator.schemaPromptFile", "")

	v.SetDefault("dispatcher.workers", 8)
	v.SetDefault("dispatcher.queueSize", 1024)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
