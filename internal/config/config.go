// Package config loads the room server configuration: built-in defaults,
// then an optional YAML file, then environment variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Fabric transports.
const (
	FabricNone  = "none"
	FabricNATS  = "nats"
	FabricRedis = "redis"
)

// ServerConfig configures the WebSocket listener.
type ServerConfig struct {
	ListenAddr        string        `yaml:"listen_addr" env:"LISTEN_ADDR"`
	WorkerPoolSize    int           `yaml:"worker_pool_size" env:"WORKER_POOL_SIZE"`
	MaxConnections    int           `yaml:"max_connections" env:"MAX_CONNECTIONS"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	TrustProxy        bool          `yaml:"trust_proxy" env:"TRUST_PROXY"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout" env:"HEARTBEAT_TIMEOUT"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// RoomConfig configures chat rooms.
type RoomConfig struct {
	Default           string        `yaml:"default" env:"DEFAULT_ROOM"`
	BusDelay          time.Duration `yaml:"bus_delay" env:"BUS_DELAY"`
	ValidateUsernames bool          `yaml:"validate_usernames" env:"VALIDATE_USERNAMES"`
	TypingPerSecond   float64       `yaml:"typing_per_second" env:"TYPING_PER_SECOND"`
	TypingBurst       int           `yaml:"typing_burst" env:"TYPING_BURST"`
	ScreenMessages    bool          `yaml:"screen_messages" env:"SCREEN_MESSAGES"`
	BlockedTerms      []string      `yaml:"blocked_terms" env:"BLOCKED_TERMS" envSeparator:","`
}

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	URL string `yaml:"url" env:"NATS_URL"`
}

// RedisConfig configures the Redis connection used by the Redis fabric and the
// shared rate limiter.
type RedisConfig struct {
	Addr      string `yaml:"addr" env:"REDIS_ADDR"`
	Password  string `yaml:"password" env:"REDIS_PASSWORD"`
	DB        int    `yaml:"db" env:"REDIS_DB"`
	RateLimit bool   `yaml:"rate_limit" env:"RATE_LIMIT"`
}

// Config is the complete room server configuration.
type Config struct {
	InstanceID     string        `yaml:"instance_id" env:"INSTANCE_ID"`
	Fabric         string        `yaml:"fabric" env:"FABRIC"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
	Server         ServerConfig  `yaml:"server"`
	Room           RoomConfig    `yaml:"room"`
	NATS           NATSConfig    `yaml:"nats"`
	Redis          RedisConfig   `yaml:"redis"`
}

// Default returns the built-in configuration: a single-instance server on
// :8080 with the fabric disabled.
func Default() Config {
	return Config{
		Fabric:         FabricNone,
		ConnectTimeout: 30 * time.Second,
		Server: ServerConfig{
			ListenAddr:        ":8080",
			WorkerPoolSize:    256,
			MaxConnections:    10000,
			WriteTimeout:      10 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			HeartbeatTimeout:  10 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Room: RoomConfig{
			Default:           "lobby",
			BusDelay:          100 * time.Millisecond,
			ValidateUsernames: true,
			TypingPerSecond:   10,
			TypingBurst:       20,
			ScreenMessages:    true,
		},
		NATS: NATSConfig{
			URL: "nats://127.0.0.1:4222",
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			RateLimit: true,
		},
	}
}

// Load builds the configuration. path names an optional YAML file; an empty
// path skips it. Environment variables override both.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.Fabric {
	case FabricNone, FabricNATS, FabricRedis:
	default:
		return fmt.Errorf("config: unknown fabric %q (want %s, %s or %s)", c.Fabric, FabricNone, FabricNATS, FabricRedis)
	}
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("config: server.listen_addr is empty")
	}
	if c.Server.MaxConnections <= 0 {
		return fmt.Errorf("config: server.max_connections must be positive")
	}
	if c.Server.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: server.heartbeat_interval must be positive")
	}
	if c.Room.Default == "" {
		return fmt.Errorf("config: room.default is empty")
	}
	if c.Room.BusDelay < 0 {
		return fmt.Errorf("config: room.bus_delay must not be negative")
	}
	if c.Room.TypingPerSecond <= 0 || c.Room.TypingBurst <= 0 {
		return fmt.Errorf("config: room typing limits must be positive")
	}
	return nil
}
