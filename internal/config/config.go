package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/vitos/spot_scalper/internal/infrastructure/exchange"
	"github.com/vitos/spot_scalper/internal/infrastructure/storage"
	"github.com/vitos/spot_scalper/internal/infrastructure/telemetry"
	"github.com/vitos/spot_scalper/internal/usecase"
)

type Config struct {
	Engine    usecase.Settings `yaml:"engine"`
	Exchange  ExchangeConfig   `yaml:"exchange"`
	Storage   StorageConfig    `yaml:"storage"`
	Signals   SignalConfig     `yaml:"signals"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
	Notify    NotifyConfig     `yaml:"notify"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Logging   LoggingConfig    `yaml:"logging"`
}

// ExchangeConfig holds connection tuning. Credentials only come from the
// environment.
type ExchangeConfig struct {
	exchange.BinanceOptions `yaml:",inline"`

	APIKey    string `yaml:"-"`
	APISecret string `yaml:"-"`
}

type StorageConfig struct {
	SQLitePath string                  `yaml:"sqlite_path"`
	Postgres   storage.PostgresOptions `yaml:"postgres"`
}

type SignalConfig struct {
	Path   string        `yaml:"path"`
	MaxAge time.Duration `yaml:"max_age"`
}

type TelemetryConfig struct {
	usecase.TelemetryOptions `yaml:",inline"`

	Enabled   bool                       `yaml:"enabled"`
	WebSocket telemetry.WebSocketOptions `yaml:"websocket"`
}

type NotifyConfig struct {
	QueueSize int            `yaml:"queue_size"`
	Telegram  TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"-"`
	ChatID  int64  `yaml:"chat_id"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

func Default() Config {
	return Config{
		Engine: usecase.DefaultSettings(),
		Exchange: ExchangeConfig{BinanceOptions: exchange.BinanceOptions{
			BaseURL:           exchange.BinanceBaseURL,
			RequestsPerSecond: 10,
			Burst:             20,
			Timeout:           10 * time.Second,
		}},
		Storage: StorageConfig{SQLitePath: "scalper.db"},
		Signals: SignalConfig{Path: "signals.yaml", MaxAge: 5 * time.Minute},
		Telemetry: TelemetryConfig{TelemetryOptions: usecase.TelemetryOptions{
			QueueSize:     1024,
			BatchSize:     100,
			FlushInterval: 10 * time.Second,
			Policy:        usecase.DropOldest,
			BlockTimeout:  50 * time.Millisecond,
		}},
		Notify:  NotifyConfig{QueueSize: 64},
		Metrics: MetricsConfig{Enabled: true, Addr: ":9102"},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// credentials and overrides from the environment. A .env file in the working
// directory is loaded first when present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	c.Exchange.APIKey = os.Getenv("BINANCE_API_KEY")
	c.Exchange.APISecret = os.Getenv("BINANCE_API_SECRET")
	if v := os.Getenv("BINANCE_BASE_URL"); v != "" {
		c.Exchange.BaseURL = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Notify.Telegram.Token = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		c.Notify.Telegram.ChatID = id
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		c.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("TELEMETRY_TOKEN"); v != "" {
		c.Telemetry.WebSocket.Token = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	return nil
}

// Validate checks everything the run command needs before touching the
// exchange. Missing credentials are fatal.
func (c *Config) Validate() error {
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
		return errors.New("BINANCE_API_KEY and BINANCE_API_SECRET must be set")
	}
	if c.Exchange.BaseURL == "" {
		return errors.New("exchange.base_url is required")
	}
	if c.Storage.SQLitePath == "" {
		return errors.New("storage.sqlite_path is required")
	}
	if c.Signals.Path == "" {
		return errors.New("signals.path is required")
	}
	if c.Notify.Telegram.Enabled && (c.Notify.Telegram.Token == "" || c.Notify.Telegram.ChatID == 0) {
		return errors.New("telegram notifications need TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID")
	}
	if c.Telemetry.Enabled && c.Telemetry.WebSocket.URL == "" {
		return errors.New("telemetry.websocket.url is required when telemetry is enabled")
	}
	switch c.Telemetry.Policy {
	case usecase.DropOldest, usecase.BlockWithTimeout:
	default:
		return fmt.Errorf("unknown telemetry.policy %q", c.Telemetry.Policy)
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return errors.New("metrics.addr is required when metrics are enabled")
	}
	return nil
}
