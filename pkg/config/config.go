package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"callrelay-backend/pkg/constants"
	"callrelay-backend/pkg/env"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	JWT       JWTConfig       `yaml:"jwt"`
	Log       LogConfig       `yaml:"log"`
	Signaling SignalingConfig `yaml:"signaling"`
	History   HistoryConfig   `yaml:"history"`
	ICE       ICEConfig       `yaml:"ice"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int      `yaml:"port"`
	Environment    string   `yaml:"environment"` // development, staging, production
	ServiceName    string   `yaml:"service_name"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatabaseConfig holds CockroachDB configuration
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"-"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Password string        `yaml:"-"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"pool_size"`
	Timeout  time.Duration `yaml:"timeout"`
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret   string `yaml:"-"`
	Audience string `yaml:"audience"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string `yaml:"level"`  // debug, info, warn, error
	Format   string `yaml:"format"` // json, text
	Output   string `yaml:"output"` // stdout, file
	FilePath string `yaml:"file_path"`
}

// SignalingConfig tunes the call signaling core and its WebSocket transport
type SignalingConfig struct {
	RingTimeout     time.Duration `yaml:"ring_timeout"`
	MaxConnections  int           `yaml:"max_connections"`
	SendBufferSize  int           `yaml:"send_buffer_size"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
}

// HistoryConfig tunes the asynchronous call history sink
type HistoryConfig struct {
	QueueSize int           `yaml:"queue_size"`
	Workers   int           `yaml:"workers"`
	Timeout   time.Duration `yaml:"timeout"`
}

// ICEConfig lists the STUN/TURN servers handed to browsers
type ICEConfig struct {
	STUNURLs       []string `yaml:"stun_urls"`
	TURNURLs       []string `yaml:"turn_urls"`
	TURNUsername   string   `yaml:"turn_username"`
	TURNCredential string   `yaml:"-"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8083,
			Environment: "development",
			ServiceName: "signaling-service",
			AllowedOrigins: []string{
				"http://localhost:3000",
				"http://localhost:8080",
				"http://127.0.0.1:3000",
				"http://127.0.0.1:8080",
			},
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     26257,
			User:     "root",
			Database: "callrelay",
			SSLMode:  "disable",
			MaxConns: 25,
			MinConns: 5,
		},
		Redis: RedisConfig{
			Host:     "localhost",
			Port:     6379,
			PoolSize: 10,
			Timeout:  5 * time.Second,
		},
		JWT: JWTConfig{
			Audience: "callrelay-api",
		},
		Log: LogConfig{
			Level:    "info",
			Format:   "json",
			Output:   "stdout",
			FilePath: "/logs/signaling.log",
		},
		Signaling: SignalingConfig{
			RingTimeout:     constants.DefaultRingTimeout,
			MaxConnections:  constants.DefaultMaxSignalingConnections,
			SendBufferSize:  constants.DefaultSendBufferSize,
			MaxMessageBytes: constants.DefaultMaxMessageBytes,
		},
		History: HistoryConfig{
			QueueSize: constants.DefaultHistoryQueueSize,
			Workers:   constants.DefaultHistoryWorkers,
			Timeout:   constants.DefaultHistoryTimeout,
		},
		ICE: ICEConfig{
			STUNURLs: []string{"stun:stun.l.google.com:19302"},
		},
	}
}

// Load builds the configuration from defaults, then the optional YAML file
// named by CONFIG_FILE, then environment variables.
func Load() (*Config, error) {
	cfg := Default()

	if path := env.GetString("CONFIG_FILE", ""); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(c); err != nil {
		return fmt.Errorf("decode config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.Port = env.GetInt("PORT", c.Server.Port)
	c.Server.Environment = env.GetString("ENV", c.Server.Environment)
	c.Server.ServiceName = env.GetString("SERVICE_NAME", c.Server.ServiceName)
	c.Server.AllowedOrigins = append(c.Server.AllowedOrigins, env.GetStringSlice("CORS_ALLOWED_ORIGINS", nil)...)

	c.Database.Host = env.GetString("DB_HOST", c.Database.Host)
	c.Database.Port = env.GetInt("DB_PORT", c.Database.Port)
	c.Database.User = env.GetString("DB_USER", c.Database.User)
	c.Database.Password = env.GetStringFromFile("DB_PASSWORD", c.Database.Password)
	c.Database.Database = env.GetString("DB_NAME", c.Database.Database)
	c.Database.SSLMode = env.GetString("DB_SSL_MODE", c.Database.SSLMode)
	c.Database.MaxConns = env.GetInt("DB_MAX_CONNS", c.Database.MaxConns)
	c.Database.MinConns = env.GetInt("DB_MIN_CONNS", c.Database.MinConns)

	c.Redis.Host = env.GetString("REDIS_HOST", c.Redis.Host)
	c.Redis.Port = env.GetInt("REDIS_PORT", c.Redis.Port)
	c.Redis.Password = env.GetStringFromFile("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = env.GetInt("REDIS_DB", c.Redis.DB)
	c.Redis.PoolSize = env.GetInt("REDIS_POOL_SIZE", c.Redis.PoolSize)
	c.Redis.Timeout = env.GetDuration("REDIS_TIMEOUT", c.Redis.Timeout)

	c.JWT.Secret = env.GetStringFromFile("JWT_SECRET", c.JWT.Secret)
	c.JWT.Audience = env.GetString("JWT_AUDIENCE", c.JWT.Audience)

	c.Log.Level = env.GetString("LOG_LEVEL", c.Log.Level)
	c.Log.Format = env.GetString("LOG_FORMAT", c.Log.Format)
	c.Log.Output = env.GetString("LOG_OUTPUT", c.Log.Output)
	c.Log.FilePath = env.GetString("LOG_FILE_PATH", c.Log.FilePath)

	c.Signaling.RingTimeout = env.GetDuration("RING_TIMEOUT", c.Signaling.RingTimeout)
	c.Signaling.MaxConnections = env.GetInt("WS_MAX_SIGNALING_CONNECTIONS", c.Signaling.MaxConnections)
	c.Signaling.SendBufferSize = env.GetInt("WS_SEND_BUFFER", c.Signaling.SendBufferSize)
	c.Signaling.MaxMessageBytes = int64(env.GetInt("WS_MAX_MESSAGE_BYTES", int(c.Signaling.MaxMessageBytes)))

	c.History.QueueSize = env.GetInt("HISTORY_QUEUE_SIZE", c.History.QueueSize)
	c.History.Workers = env.GetInt("HISTORY_WORKERS", c.History.Workers)
	c.History.Timeout = env.GetDuration("HISTORY_TIMEOUT", c.History.Timeout)

	c.ICE.STUNURLs = env.GetStringSlice("ICE_STUN_URLS", c.ICE.STUNURLs)
	c.ICE.TURNURLs = env.GetStringSlice("ICE_TURN_URLS", c.ICE.TURNURLs)
	c.ICE.TURNUsername = env.GetString("ICE_TURN_USERNAME", c.ICE.TURNUsername)
	c.ICE.TURNCredential = env.GetStringFromFile("ICE_TURN_CREDENTIAL", c.ICE.TURNCredential)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Environment == "production" {
		if c.JWT.Secret == "" {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
	}

	if c.Signaling.RingTimeout <= 0 {
		return fmt.Errorf("ring timeout must be positive, got %s", c.Signaling.RingTimeout)
	}
	if c.Signaling.MaxConnections <= 0 {
		return fmt.Errorf("max signaling connections must be positive, got %d", c.Signaling.MaxConnections)
	}
	if c.Signaling.SendBufferSize <= 0 {
		return fmt.Errorf("send buffer size must be positive, got %d", c.Signaling.SendBufferSize)
	}
	if c.Signaling.MaxMessageBytes <= 0 {
		return fmt.Errorf("max message bytes must be positive, got %d", c.Signaling.MaxMessageBytes)
	}
	if c.History.QueueSize <= 0 || c.History.Workers <= 0 {
		return fmt.Errorf("history queue size and workers must be positive")
	}
	if c.History.Timeout <= 0 {
		return fmt.Errorf("history timeout must be positive, got %s", c.History.Timeout)
	}
	if len(c.ICE.TURNURLs) > 0 && (c.ICE.TURNUsername == "" || c.ICE.TURNCredential == "") {
		return fmt.Errorf("TURN servers require ICE_TURN_USERNAME and ICE_TURN_CREDENTIAL")
	}

	return nil
}

// IsProduction reports whether the service runs in production mode
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}
