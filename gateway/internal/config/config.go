// Package config provides configuration management using viper.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Feed     FeedConfig     `mapstructure:"feed"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Rate     RateConfig     `mapstructure:"rate"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Chain    ChainConfig    `mapstructure:"chain"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig holds server settings.
type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	FeedPort        int           `mapstructure:"feed_port"`
	Host            string        `mapstructure:"host"`
	BodyLimit       int           `mapstructure:"body_limit"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     string        `mapstructure:"cors_origins"`
}

// UpstreamConfig holds settings for calls forwarded to registered APIs.
type UpstreamConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	IdleConnTimeout time.Duration `mapstructure:"idle_conn_timeout"`
	BodyCaptureSize int           `mapstructure:"body_capture_size"`
	MaxResponseSize int64         `mapstructure:"max_response_size"`
	PoolSize        int           `mapstructure:"pool_size"`
	WalletKey       string        `mapstructure:"wallet_key"`
}

// LedgerConfig selects the usage ledger backend.
type LedgerConfig struct {
	Store            string        `mapstructure:"store"` // sql or memory
	RolloverInterval time.Duration `mapstructure:"rollover_interval"`
	AnalyticsFlush   time.Duration `mapstructure:"analytics_flush"`
}

// FeedConfig holds call feed hub settings.
type FeedConfig struct {
	SubscriberBufferSize  int           `mapstructure:"subscriber_buffer_size"`
	SlowConsumerThreshold int           `mapstructure:"slow_consumer_threshold"`
	ZombieTimeout         time.Duration `mapstructure:"zombie_timeout"`
}

// CacheConfig holds cache layer settings.
type CacheConfig struct {
	RecentCallsSize int           `mapstructure:"recent_calls_size"`
	CatalogTTL      time.Duration `mapstructure:"catalog_ttl"`
	AuthTTL         time.Duration `mapstructure:"auth_ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// RateConfig holds rate limiter settings.
type RateConfig struct {
	Window          time.Duration `mapstructure:"window"`
	BurstMultiplier float64       `mapstructure:"burst_multiplier"`
}

// DatabaseConfig holds SQL database settings.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // mysql or postgres
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig holds Redis settings. An empty Addr disables Redis.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// ChainConfig selects the cross-chain messenger.
type ChainConfig struct {
	Mode     string        `mapstructure:"mode"` // fake or overledger
	Endpoint string        `mapstructure:"endpoint"`
	APIKey   string        `mapstructure:"api_key"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Networks []string      `mapstructure:"networks"`
}

// LoggerConfig holds logger settings.
type LoggerConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
	Encoding    string `mapstructure:"encoding"`
}

// Load loads configuration from file and environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/ledgrapi")
	}

	// LEDGRAPI_DATABASE_HOST overrides database.host
	v.SetEnvPrefix("LEDGRAPI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.feed_port", 8081)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.body_limit", 4*1024*1024)
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.cors_origins", "*")

	// Upstream
	v.SetDefault("upstream.timeout", "30s")
	v.SetDefault("upstream.max_idle_conns", 256)
	v.SetDefault("upstream.idle_conn_timeout", "90s")
	v.SetDefault("upstream.body_capture_size", 1000)
	v.SetDefault("upstream.max_response_size", 10*1024*1024)
	v.SetDefault("upstream.pool_size", 1024)

	// Ledger
	v.SetDefault("ledger.store", "sql")
	v.SetDefault("ledger.rollover_interval", "1h")
	v.SetDefault("ledger.analytics_flush", "30s")

	// Feed
	v.SetDefault("feed.subscriber_buffer_size", 256)
	v.SetDefault("feed.slow_consumer_threshold", 512)
	v.SetDefault("feed.zombie_timeout", "60s")

	// Cache
	v.SetDefault("cache.recent_calls_size", 100)
	v.SetDefault("cache.catalog_ttl", "1m")
	v.SetDefault("cache.auth_ttl", "5m")
	v.SetDefault("cache.cleanup_interval", "5m")

	// Rate limiter
	v.SetDefault("rate.window", "1m")
	v.SetDefault("rate.burst_multiplier", 1.0)

	// Database
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.database", "ledgrapi")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.auto_migrate", false)
	v.SetDefault("database.max_open_conns", 100)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", "1h")

	// Redis
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.pool_size", 100)
	v.SetDefault("redis.min_idle_conns", 10)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")

	// Chain
	v.SetDefault("chain.mode", "fake")
	v.SetDefault("chain.timeout", "10s")
	v.SetDefault("chain.networks", []string{"ethereum", "polygon", "xdc", "xrpl", "quant"})

	// Logger
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.development", false)
	v.SetDefault("logger.encoding", "json")
}
