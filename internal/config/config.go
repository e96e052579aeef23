package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	GRPC     GRPCConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Realtime RealtimeConfig
	Logging  LoggingConfig
	HTTP     HTTPConfig
}

type ServerConfig struct {
	Host            string
	HTTPPort        string
	GRPCPort        string
	ShutdownTimeout time.Duration
}

type GRPCConfig struct {
	Enabled           bool
	ReflectionEnabled bool
}

type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DSN builds the lib/pq connection URL.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

type RedisConfig struct {
	Enabled    bool
	Addr       string
	Password   string
	DB         int
	SessionTTL time.Duration
}

type AuthConfig struct {
	TokenSecret   string
	SessionTTL    time.Duration
	PruneInterval time.Duration
}

type RealtimeConfig struct {
	SendBuffer      int
	EventsPerSecond float64
	Burst           int
	MaxMessageSize  int64
}

type LoggingConfig struct {
	Level  string
	Format string
}

type HTTPConfig struct {
	CORSOrigins string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.http_port", "8080")
	v.SetDefault("server.grpc_port", "50055")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("grpc.enabled", true)
	v.SetDefault("grpc.reflection_enabled", false)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "metachat")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.session_ttl", 10*time.Minute)

	v.SetDefault("auth.session_ttl", 7*24*time.Hour)
	v.SetDefault("auth.prune_interval", time.Hour)

	v.SetDefault("realtime.send_buffer", 256)
	v.SetDefault("realtime.events_per_second", 10)
	v.SetDefault("realtime.burst", 20)
	v.SetDefault("realtime.max_message_size", 64*1024)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("http.cors_origins", "http://localhost:3000")
}

// Load reads config.yaml from ./config or /app/config and overlays the environment
// (database.host -> DATABASE_HOST). A missing file is not an error.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath("/app/config")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return FromViper(v)
}

// FromViper builds a Config from an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            v.GetString("server.host"),
			HTTPPort:        v.GetString("server.http_port"),
			GRPCPort:        v.GetString("server.grpc_port"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
		},
		GRPC: GRPCConfig{
			Enabled:           v.GetBool("grpc.enabled"),
			ReflectionEnabled: v.GetBool("grpc.reflection_enabled"),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
		},
		Redis: RedisConfig{
			Enabled:    v.GetBool("redis.enabled"),
			Addr:       v.GetString("redis.addr"),
			Password:   v.GetString("redis.password"),
			DB:         v.GetInt("redis.db"),
			SessionTTL: v.GetDuration("redis.session_ttl"),
		},
		Auth: AuthConfig{
			TokenSecret:   v.GetString("auth.token_secret"),
			SessionTTL:    v.GetDuration("auth.session_ttl"),
			PruneInterval: v.GetDuration("auth.prune_interval"),
		},
		Realtime: RealtimeConfig{
			SendBuffer:      v.GetInt("realtime.send_buffer"),
			EventsPerSecond: v.GetFloat64("realtime.events_per_second"),
			Burst:           v.GetInt("realtime.burst"),
			MaxMessageSize:  v.GetInt64("realtime.max_message_size"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("logging.level"),
			Format: v.GetString("logging.format"),
		},
		HTTP: HTTPConfig{
			CORSOrigins: v.GetString("http.cors_origins"),
		},
	}

	if cfg.Auth.TokenSecret == "" {
		return nil, errors.New("auth.token_secret must be set")
	}
	if cfg.Realtime.SendBuffer <= 0 {
		return nil, fmt.Errorf("realtime.send_buffer must be positive, got %d", cfg.Realtime.SendBuffer)
	}

	return cfg, nil
}
