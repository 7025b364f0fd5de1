// Package config loads screener configuration from an optional YAML
// file and SCREENER_* environment variables. Every key has a default,
// so a missing file is not an error; a file that was asked for
// explicitly, or exists but cannot be parsed, is.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"crypto-screener/internal/logging"
	"crypto-screener/internal/market"
)

// DefaultPath is where Load looks when no path is given.
const DefaultPath = "config.yaml"

// Config is the top-level configuration. Maps directly to the YAML
// file structure; environment overrides replace dots with underscores,
// so server.port becomes SCREENER_SERVER_PORT.
type Config struct {
	Server    ServerConfig   `mapstructure:"server"`
	Binance   BinanceConfig  `mapstructure:"binance"`
	Universe  UniverseConfig `mapstructure:"universe"`
	Intervals []string       `mapstructure:"intervals" validate:"min=1"`
	Traders   TradersConfig  `mapstructure:"traders"`
	Settings  SettingsConfig `mapstructure:"settings"`
	Notify    NotifyConfig   `mapstructure:"notify"`
	Logging   logging.Config `mapstructure:"logging"`

	// HeapBudgetMB caps the heap the cleanup supervisor aims for.
	// Zero disables pressure-driven sweeps.
	HeapBudgetMB int `mapstructure:"heap_budget_mb" validate:"gte=0"`
}

// ServerConfig holds the HTTP and websocket listener.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port" validate:"gte=1,lte=65535"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	JWTSecret      string   `mapstructure:"jwt_secret"`
	Debug          bool     `mapstructure:"debug"`
}

// BinanceConfig points at the exchange. Empty values select the
// production spot endpoints.
type BinanceConfig struct {
	BaseURL   string `mapstructure:"base_url" validate:"omitempty,url"`
	StreamURL string `mapstructure:"stream_url" validate:"omitempty,url"`
}

// UniverseConfig filters which pairs the screener follows: one quote
// asset, stablecoin bases excluded, top MaxSymbols by quote volume.
type UniverseConfig struct {
	QuoteAsset     string   `mapstructure:"quote_asset"`
	MaxSymbols     int      `mapstructure:"max_symbols" validate:"gte=1"`
	MinQuoteVolume float64  `mapstructure:"min_quote_volume" validate:"gte=0"`
	Exclude        []string `mapstructure:"exclude"`
}

// TradersConfig selects trader persistence.
type TradersConfig struct {
	Backend     string `mapstructure:"backend" validate:"oneof=memory file postgres"`
	Dir         string `mapstructure:"dir"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// SettingsConfig selects the runtime-preferences store. Backend none
// runs without persistence; settings endpoints then report 503.
type SettingsConfig struct {
	Backend string      `mapstructure:"backend" validate:"oneof=none file redis"`
	File    string      `mapstructure:"file"`
	Redis   RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db" validate:"gte=0"`
	PoolSize  int    `mapstructure:"pool_size" validate:"gte=0"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// NotifyConfig wires the optional alert providers.
type NotifyConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
	Discord  DiscordConfig  `mapstructure:"discord"`
	Email    EmailConfig    `mapstructure:"email"`
}

type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	WebhookURL string `mapstructure:"webhook_url" validate:"omitempty,url"`
}

type EmailConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Host     string   `mapstructure:"host"`
	Port     string   `mapstructure:"port"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	From     string   `mapstructure:"from" validate:"omitempty,email"`
	FromName string   `mapstructure:"from_name"`
	To       []string `mapstructure:"to" validate:"dive,email"`
}

// Load reads path (DefaultPath when empty) and applies environment
// overrides. Defaults are registered for every key; that is also what
// lets AutomaticEnv see keys that appear in no file.
func Load(path string) (*Config, error) {
	v := viper.New()
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	v.SetConfigFile(path)
	v.SetEnvPrefix("SCREENER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.debug", false)

	v.SetDefault("binance.base_url", "https://api.binance.com")
	v.SetDefault("binance.stream_url", "wss://stream.binance.com:9443")

	v.SetDefault("universe.quote_asset", "USDT")
	v.SetDefault("universe.max_symbols", 200)
	v.SetDefault("universe.min_quote_volume", 0)
	v.SetDefault("universe.exclude", []string{})

	v.SetDefault("intervals", []string{"1m"})

	v.SetDefault("traders.backend", "file")
	v.SetDefault("traders.dir", "data/traders")
	v.SetDefault("traders.postgres_dsn", "")

	v.SetDefault("settings.backend", "file")
	v.SetDefault("settings.file", "data/settings.json")
	v.SetDefault("settings.redis.addr", "localhost:6379")
	v.SetDefault("settings.redis.password", "")
	v.SetDefault("settings.redis.db", 0)
	v.SetDefault("settings.redis.pool_size", 0)
	v.SetDefault("settings.redis.key_prefix", "screener")

	v.SetDefault("notify.telegram.enabled", false)
	v.SetDefault("notify.telegram.bot_token", "")
	v.SetDefault("notify.telegram.chat_id", "")
	v.SetDefault("notify.discord.enabled", false)
	v.SetDefault("notify.discord.webhook_url", "")
	v.SetDefault("notify.email.enabled", false)
	v.SetDefault("notify.email.host", "")
	v.SetDefault("notify.email.port", "587")
	v.SetDefault("notify.email.username", "")
	v.SetDefault("notify.email.password", "")
	v.SetDefault("notify.email.from", "")
	v.SetDefault("notify.email.from_name", "")
	v.SetDefault("notify.email.to", []string{})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.json_format", false)

	v.SetDefault("heap_budget_mb", 0)
}

// Validate checks value ranges, per-backend requirements, and interval
// names.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	for _, raw := range c.Intervals {
		if _, err := market.ParseInterval(raw); err != nil {
			return fmt.Errorf("config: intervals: %w", err)
		}
	}
	if c.Traders.Backend == "file" && c.Traders.Dir == "" {
		return errors.New("config: traders.dir is required for the file backend")
	}
	if c.Traders.Backend == "postgres" && c.Traders.PostgresDSN == "" {
		return errors.New("config: traders.postgres_dsn is required for the postgres backend")
	}
	if c.Settings.Backend == "file" && c.Settings.File == "" {
		return errors.New("config: settings.file is required for the file backend")
	}
	if c.Settings.Backend == "redis" && c.Settings.Redis.Addr == "" {
		return errors.New("config: settings.redis.addr is required for the redis backend")
	}
	if c.Notify.Telegram.Enabled && (c.Notify.Telegram.BotToken == "" || c.Notify.Telegram.ChatID == "") {
		return errors.New("config: notify.telegram needs bot_token and chat_id")
	}
	if c.Notify.Discord.Enabled && c.Notify.Discord.WebhookURL == "" {
		return errors.New("config: notify.discord needs webhook_url")
	}
	if c.Notify.Email.Enabled && (c.Notify.Email.Host == "" || c.Notify.Email.From == "" || len(c.Notify.Email.To) == 0) {
		return errors.New("config: notify.email needs host, from and to")
	}
	return nil
}

// ParsedIntervals returns the interval set as typed values with
// duplicates removed. Call after Validate; unknown names are skipped
// here because Validate already rejected them.
func (c *Config) ParsedIntervals() []market.Interval {
	seen := make(map[market.Interval]bool, len(c.Intervals))
	out := make([]market.Interval, 0, len(c.Intervals))
	for _, raw := range c.Intervals {
		iv, err := market.ParseInterval(raw)
		if err != nil || seen[iv] {
			continue
		}
		seen[iv] = true
		out = append(out, iv)
	}
	return out
}

// HeapBudgetBytes converts the configured megabyte budget.
func (c *Config) HeapBudgetBytes() uint64 {
	return uint64(c.HeapBudgetMB) << 20
}
