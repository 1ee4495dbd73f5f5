package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// LogConfig controls the logger built by bootstrap.InitLogger
type LogConfig struct {
	Level string `mapstructure:"level"`
	// Format is "console" or "json"
	Format string `mapstructure:"format"`
}

// DatabaseConfig points at the rule database document
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// EngineConfig tunes the classifier and the correlation store
type EngineConfig struct {
	Shards               int           `mapstructure:"shards"`
	Workers              int           `mapstructure:"workers"`
	TickInterval         time.Duration `mapstructure:"tick_interval"`
	StrictInvariants     bool          `mapstructure:"strict_invariants"`
	MaxContextMessages   int           `mapstructure:"max_context_messages"`
	ExpressionCacheSize  int           `mapstructure:"expression_cache_size"`
	RegexTimeoutMs       int           `mapstructure:"regex_timeout_ms"`
	RateLimiterCacheSize int           `mapstructure:"rate_limiter_cache_size"`
}

// InputConfig selects where serve reads records from. An empty path or
// "-" reads standard input.
type InputConfig struct {
	Path   string `mapstructure:"path"`
	Format string `mapstructure:"format"`
}

// RedisConfig configures the Redis list sink
type RedisConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Addr          string `mapstructure:"addr"`
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db"`
	PoolSize      int    `mapstructure:"pool_size"`
	Key           string `mapstructure:"key"`
	MaxLen        int64  `mapstructure:"max_len"`
	SyntheticOnly bool   `mapstructure:"synthetic_only"`
}

// SQLiteConfig configures the synthetic record archive
type SQLiteConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// OutputConfig selects the sinks emitted records go to. An empty path or
// "-" writes standard output.
type OutputConfig struct {
	Format string       `mapstructure:"format"`
	Path   string       `mapstructure:"path"`
	Redis  RedisConfig  `mapstructure:"redis"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

// APIConfig configures the HTTP surface
type APIConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	RateLimit    struct {
		RequestsPerSecond float64 `mapstructure:"requests_per_second"`
		Burst             int     `mapstructure:"burst"`
	} `mapstructure:"rate_limit"`
	// MaxBodyBytes bounds /api/v1/match request bodies
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
}

// SecretsConfig selects where credentials not present in the config come from
type SecretsConfig struct {
	Provider string `mapstructure:"provider"` // env, vault, aws
	Vault    struct {
		Address string `mapstructure:"address"`
		Token   string `mapstructure:"token"`
		Path    string `mapstructure:"path"`
	} `mapstructure:"vault"`
	AWS struct {
		Region    string `mapstructure:"region"`
		AccessKey string `mapstructure:"access_key"`
		SecretKey string `mapstructure:"secret_key"`
		SecretID  string `mapstructure:"secret_id"`
		Endpoint  string `mapstructure:"endpoint"`
	} `mapstructure:"aws"`
}

// Config holds all configuration for patterndb
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Input    InputConfig    `mapstructure:"input"`
	Output   OutputConfig   `mapstructure:"output"`
	API      APIConfig      `mapstructure:"api"`
	Secrets  SecretsConfig  `mapstructure:"secrets"`
}

var (
	inputFormats  = []string{"syslog", "json", "msgpack"}
	outputFormats = []string{"json", "msgpack"}
)

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")

	viper.SetDefault("database.path", "config/patterndb.yaml")

	viper.SetDefault("engine.shards", 16)
	viper.SetDefault("engine.workers", 1)
	viper.SetDefault("engine.tick_interval", "1s")
	viper.SetDefault("engine.strict_invariants", false)
	viper.SetDefault("engine.max_context_messages", 0) // unbounded
	viper.SetDefault("engine.expression_cache_size", 1024)
	viper.SetDefault("engine.regex_timeout_ms", 100)
	viper.SetDefault("engine.rate_limiter_cache_size", 4096)

	viper.SetDefault("input.path", "-")
	viper.SetDefault("input.format", "syslog")

	viper.SetDefault("output.format", "json")
	viper.SetDefault("output.path", "-")
	viper.SetDefault("output.redis.enabled", false)
	viper.SetDefault("output.redis.addr", "localhost:6379")
	viper.SetDefault("output.redis.db", 0)
	viper.SetDefault("output.redis.pool_size", 10)
	viper.SetDefault("output.redis.key", "patterndb:records")
	viper.SetDefault("output.redis.max_len", 0)
	viper.SetDefault("output.redis.synthetic_only", false)
	viper.SetDefault("output.sqlite.enabled", false)
	viper.SetDefault("output.sqlite.path", "data/synthetic.db")

	viper.SetDefault("api.enabled", true)
	viper.SetDefault("api.host", "127.0.0.1")
	viper.SetDefault("api.port", 8080)
	viper.SetDefault("api.read_timeout", "15s")
	viper.SetDefault("api.write_timeout", "15s")
	viper.SetDefault("api.rate_limit.requests_per_second", 50)
	viper.SetDefault("api.rate_limit.burst", 100)
	viper.SetDefault("api.max_body_bytes", 1<<20)

	viper.SetDefault("secrets.provider", "env")
	viper.SetDefault("secrets.vault.path", "secret/patterndb")
	viper.SetDefault("secrets.aws.secret_id", "patterndb/secrets")
}

// loadFromEnv sets up environment variable loading
func loadFromEnv() {
	viper.SetEnvPrefix("PATTERNDB")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// shorter names for the settings changed most often
	_ = viper.BindEnv("log.level", "PATTERNDB_LOG_LEVEL")
	_ = viper.BindEnv("database.path", "PATTERNDB_DATABASE")
	_ = viper.BindEnv("output.redis.addr", "PATTERNDB_REDIS_ADDR")
	_ = viper.BindEnv("output.sqlite.path", "PATTERNDB_SQLITE_PATH")
}

// LoadConfig loads configuration from file and environment variables. An
// explicit configFile must exist; otherwise config.yaml is looked up in the
// working directory and ./config and may be absent.
func LoadConfig(configFile string) (*Config, error) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
	}

	setDefaults()
	loadFromEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

// validateConfig validates the configuration for correctness
func validateConfig(config *Config) error {
	if _, err := zapcore.ParseLevel(config.Log.Level); err != nil {
		return fmt.Errorf("invalid log level %q", config.Log.Level)
	}
	if config.Log.Format != "console" && config.Log.Format != "json" {
		return fmt.Errorf("invalid log format %q (must be console or json)", config.Log.Format)
	}

	if strings.TrimSpace(config.Database.Path) == "" {
		return fmt.Errorf("database path cannot be empty")
	}

	e := config.Engine
	if e.Shards < 1 || e.Shards > 4096 {
		return fmt.Errorf("invalid engine shards: %d (must be 1-4096)", e.Shards)
	}
	if e.Workers < 1 {
		return fmt.Errorf("invalid engine workers: %d (must be positive)", e.Workers)
	}
	if e.TickInterval <= 0 {
		return fmt.Errorf("engine tick interval must be positive")
	}
	if e.MaxContextMessages < 0 {
		return fmt.Errorf("engine max context messages cannot be negative")
	}
	if e.ExpressionCacheSize < 1 {
		return fmt.Errorf("engine expression cache size must be positive")
	}
	if e.RegexTimeoutMs < 1 || e.RegexTimeoutMs > 10000 {
		return fmt.Errorf("invalid regex timeout: %dms (must be 1-10000)", e.RegexTimeoutMs)
	}
	if e.RateLimiterCacheSize < 1 {
		return fmt.Errorf("engine rate limiter cache size must be positive")
	}

	if !oneOf(config.Input.Format, inputFormats) {
		return fmt.Errorf("invalid input format %q (must be one of %s)", config.Input.Format, strings.Join(inputFormats, ", "))
	}
	if !oneOf(config.Output.Format, outputFormats) {
		return fmt.Errorf("invalid output format %q (must be one of %s)", config.Output.Format, strings.Join(outputFormats, ", "))
	}

	if r := config.Output.Redis; r.Enabled {
		if r.Addr == "" {
			return fmt.Errorf("redis sink enabled without an address")
		}
		if r.DB < 0 || r.PoolSize < 1 || r.MaxLen < 0 {
			return fmt.Errorf("invalid redis sink settings: db=%d pool_size=%d max_len=%d", r.DB, r.PoolSize, r.MaxLen)
		}
	}
	if s := config.Output.SQLite; s.Enabled && strings.TrimSpace(s.Path) == "" {
		return fmt.Errorf("sqlite sink enabled without a path")
	}

	if config.API.Enabled {
		if config.API.Port < 1 || config.API.Port > 65535 {
			return fmt.Errorf("invalid API port: %d (must be 1-65535)", config.API.Port)
		}
		if config.API.Host == "" {
			return fmt.Errorf("invalid API host: host cannot be empty")
		}
		if config.API.RateLimit.RequestsPerSecond <= 0 || config.API.RateLimit.Burst < 1 {
			return fmt.Errorf("invalid API rate limit: %v/s burst %d", config.API.RateLimit.RequestsPerSecond, config.API.RateLimit.Burst)
		}
		if config.API.MaxBodyBytes < 1 {
			return fmt.Errorf("API max body bytes must be positive")
		}
	}

	switch config.Secrets.Provider {
	case "env", "vault", "aws":
	default:
		return fmt.Errorf("unsupported secret provider: %s", config.Secrets.Provider)
	}
	return nil
}

func oneOf(s string, allowed []string) bool {
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}

// GetRegexTimeout returns the configured @PCRE@ match timeout, defaulting
// to 100ms if not set
func (c *Config) GetRegexTimeout() time.Duration {
	if c.Engine.RegexTimeoutMs == 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(c.Engine.RegexTimeoutMs) * time.Millisecond
}

// APIAddr returns the host:port the HTTP surface listens on
func (c *Config) APIAddr() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}
