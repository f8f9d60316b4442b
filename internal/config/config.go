// Package config loads the server's configuration surface (spec.md §6)
// via viper, so it can come from a file, environment variables, or
// defaults, the way the rest of the retrieved corpus configures its
// servers (zulfikawr/warp, kenchrcum-s3-encryption-gateway).
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type EncryptionConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Key       string        `mapstructure:"key"`
	Algorithm string        `mapstructure:"algorithm"`
	CacheSize int           `mapstructure:"cache_size"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
}

type MessageCacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	MaxSize int           `mapstructure:"max_size"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// MessageQueueConfig tunes the queue built when Config.UseMessageQueue
// is set; there is no separate Enabled flag here, to avoid two knobs
// controlling the same thing.
type MessageQueueConfig struct {
	MaxSize         int           `mapstructure:"max_size"`
	BatchSize       int           `mapstructure:"batch_size"`
	ProcessInterval time.Duration `mapstructure:"process_interval"`
}

type AdapterConfig struct {
	// Kind selects the adapter backing: "memory", "redis", "mongo".
	Kind string `mapstructure:"kind"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisPrefix   string `mapstructure:"redis_prefix"`

	MongoURI    string `mapstructure:"mongo_uri"`
	MongoDB     string `mapstructure:"mongo_db"`
	MongoPrefix string `mapstructure:"mongo_prefix"`
}

type Config struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Path           string        `mapstructure:"path"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PingTimeout    time.Duration `mapstructure:"ping_timeout"`
	MaxConnections int           `mapstructure:"max_connections"`

	UseBatchHeartbeat bool `mapstructure:"use_batch_heartbeat"`
	UseMessageQueue   bool `mapstructure:"use_message_queue"`

	Encryption   EncryptionConfig   `mapstructure:"encryption"`
	MessageCache MessageCacheConfig `mapstructure:"message_cache"`
	MessageQueue MessageQueueConfig `mapstructure:"message_queue"`
	Adapter      AdapterConfig      `mapstructure:"adapter"`

	LogLevel string `mapstructure:"log_level"`
}

// Default returns the configuration defaults named throughout spec.md
// §4 and §6 (30s/60s heartbeat, batch size 100, delay 10ms, etc).
func Default() Config {
	return Config{
		Host:           "0.0.0.0",
		Port:           0,
		Path:           "/",
		PingInterval:   30 * time.Second,
		PingTimeout:    60 * time.Second,
		MaxConnections: 0,
		Encryption: EncryptionConfig{
			CacheSize: 1024,
			CacheTTL:  5 * time.Minute,
		},
		MessageCache: MessageCacheConfig{
			Enabled: true,
			MaxSize: 1000,
			TTL:     30 * time.Second,
		},
		MessageQueue: MessageQueueConfig{
			MaxSize:         10000,
			BatchSize:       100,
			ProcessInterval: 10 * time.Millisecond,
		},
		Adapter:  AdapterConfig{Kind: "memory", RedisPrefix: "ws", MongoPrefix: "ws"},
		LogLevel: "info",
	}
}

// Load reads configuration from the given file path (if non-empty),
// layered on Default(). An environment variable WSMESH_<KEY> overrides
// a setting only when the file also sets that key; with no file, Load
// returns Default() unchanged.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("WSMESH")
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}
