package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server   ServerConfig
	DB       DBConfig
	Redis    RedisConfig
	Upstream UpstreamConfig
	Quota    QuotaConfig
	Chat     ChatConfig
	Auth     AuthConfig
	NATS     NATSConfig
	Log      LogConfig
	CORS     CORSConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
	MaxConns int32
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// UpstreamConfig describes the hosted completion API the gateway relays to.
type UpstreamConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// QuotaConfig holds the tier caps and the per-identity rate window.
type QuotaConfig struct {
	Store         string // "postgres" or "memory"
	TrialDays     int
	TrialTotalCap int
	DailyCap      int
	RateWindow    time.Duration
	RateMax       int
}

type ChatConfig struct {
	SystemPrompt  string
	HistoryLimit  int
	HistoryTTL    time.Duration
	MaxMessageLen int
	Streaming     bool
}

// AuthConfig is optional: with an empty secret the gateway runs in
// device-identity mode and bearer tokens are ignored.
type AuthConfig struct {
	JWTSecret string
}

// NATSConfig is optional: with an empty URL usage events are not published.
type NATSConfig struct {
	URL string
}

type LogConfig struct {
	Level  string
	Format string
}

type CORSConfig struct {
	AllowedOrigins []string
}

func Load() (*Config, error) {
	k := koanf.New(".")

	// Load .env file if it exists (ignore error if missing)
	_ = k.Load(file.Provider(".env"), dotenv.Parser())

	// Load environment variables (override .env)
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "_", "."))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: k.String("server.host"),
			Port: k.Int("server.port"),
		},
		DB: DBConfig{
			Host:     k.String("db.host"),
			Port:     k.Int("db.port"),
			User:     k.String("db.user"),
			Password: k.String("db.password"),
			Name:     k.String("db.name"),
			SSLMode:  k.String("db.sslmode"),
			MaxConns: int32(k.Int("db.max.conns")),
		},
		Redis: RedisConfig{
			Host:     k.String("redis.host"),
			Port:     k.Int("redis.port"),
			Password: k.String("redis.password"),
			DB:       k.Int("redis.db"),
		},
		Upstream: UpstreamConfig{
			APIKey:      k.String("openai.api.key"),
			BaseURL:     k.String("openai.base.url"),
			Model:       k.String("openai.model"),
			MaxTokens:   k.Int("openai.max.tokens"),
			Temperature: k.Float64("openai.temperature"),
		},
		Quota: QuotaConfig{
			Store:         k.String("quota.store"),
			TrialDays:     k.Int("quota.trial.days"),
			TrialTotalCap: k.Int("quota.trial.total"),
			DailyCap:      k.Int("quota.daily.cap"),
			RateMax:       k.Int("quota.rate.max"),
		},
		Chat: ChatConfig{
			SystemPrompt:  k.String("chat.system.prompt"),
			HistoryLimit:  k.Int("chat.history.limit"),
			MaxMessageLen: k.Int("chat.max.message.len"),
			Streaming:     k.Bool("chat.streaming"),
		},
		Auth: AuthConfig{
			JWTSecret: k.String("auth.jwt.secret"),
		},
		NATS: NATSConfig{
			URL: k.String("nats.url"),
		},
		Log: LogConfig{
			Level:  k.String("log.level"),
			Format: k.String("log.format"),
		},
		CORS: CORSConfig{
			AllowedOrigins: k.Strings("cors.allowed.origins"),
		},
	}

	// Apply defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.DB.Host == "" {
		cfg.DB.Host = "localhost"
	}
	if cfg.DB.Port == 0 {
		cfg.DB.Port = 5432
	}
	if cfg.DB.User == "" {
		cfg.DB.User = "gateway"
	}
	if cfg.DB.Name == "" {
		cfg.DB.Name = "gateway"
	}
	if cfg.DB.SSLMode == "" {
		cfg.DB.SSLMode = "disable"
	}
	if cfg.DB.MaxConns == 0 {
		cfg.DB.MaxConns = 25
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Upstream.BaseURL == "" {
		cfg.Upstream.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Upstream.Model == "" {
		cfg.Upstream.Model = "gpt-4o-mini"
	}
	if cfg.Upstream.MaxTokens == 0 {
		cfg.Upstream.MaxTokens = 400
	}
	if cfg.Upstream.Temperature == 0 {
		cfg.Upstream.Temperature = 0.7
	}
	if cfg.Quota.Store == "" {
		cfg.Quota.Store = "postgres"
	}
	if cfg.Quota.TrialDays == 0 {
		cfg.Quota.TrialDays = 7
	}
	if cfg.Quota.TrialTotalCap == 0 {
		cfg.Quota.TrialTotalCap = 10
	}
	if cfg.Quota.DailyCap == 0 {
		cfg.Quota.DailyCap = 50
	}
	if cfg.Quota.RateMax == 0 {
		cfg.Quota.RateMax = 20
	}
	if cfg.Chat.SystemPrompt == "" {
		cfg.Chat.SystemPrompt = "You are FINLY Coach, a professional finance coach."
	}
	if cfg.Chat.HistoryLimit == 0 {
		cfg.Chat.HistoryLimit = 6
	}
	if cfg.Chat.MaxMessageLen == 0 {
		cfg.Chat.MaxMessageLen = 4000
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	// Parse durations
	cfg.Upstream.Timeout, err = parseDuration(k.String("openai.timeout"), "20s")
	if err != nil {
		return nil, fmt.Errorf("parsing openai timeout: %w", err)
	}
	cfg.Quota.RateWindow, err = parseDuration(k.String("quota.rate.window"), "60s")
	if err != nil {
		return nil, fmt.Errorf("parsing rate window: %w", err)
	}
	cfg.Chat.HistoryTTL, err = parseDuration(k.String("chat.history.ttl"), "1h")
	if err != nil {
		return nil, fmt.Errorf("parsing history ttl: %w", err)
	}

	return cfg, nil
}

func parseDuration(s, def string) (time.Duration, error) {
	if s == "" {
		s = def
	}
	return time.ParseDuration(s)
}
