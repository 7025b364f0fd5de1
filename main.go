// Crypto screener service binary. Loads configuration, assembles the
// screening engine (market-data ingestion, trader scheduling, signal
// store) and serves the HTTP/websocket API until SIGINT or SIGTERM.
//
// Exit codes: 0 clean shutdown, 1 configuration or startup failure,
// 2 market-data bootstrap failed after the fallback cascade.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"crypto-screener/config"
	"crypto-screener/internal/api"
	"crypto-screener/internal/engine"
	"crypto-screener/internal/ingest"
	"crypto-screener/internal/logging"
	"crypto-screener/internal/notify"
	"crypto-screener/internal/settings"
	"crypto-screener/internal/trader"
)

const shutdownTimeout = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := flag.String("config", "", "path to config file (default config.yaml when present)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	logger := logging.New(cfg.Logging)
	log := logging.Component(logger, "Main")

	ctx := context.Background()

	traderStore, closeTraders, err := openTraderStore(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("trader store unavailable")
		return 1
	}
	defer closeTraders()

	settingsSvc, closeSettings, err := openSettings(cfg, logger, log)
	if err != nil {
		log.Error().Err(err).Msg("settings store unavailable")
		return 1
	}
	defer closeSettings()

	notifier := buildNotify(cfg, logger, log)
	if notifier != nil {
		defer notifier.Stop()
	}

	eng, err := engine.New(ctx, engine.Options{
		Logger:    logger,
		BaseURL:   cfg.Binance.BaseURL,
		StreamURL: cfg.Binance.StreamURL,
		Universe: ingest.UniverseConfig{
			QuoteAsset:     cfg.Universe.QuoteAsset,
			MaxSymbols:     cfg.Universe.MaxSymbols,
			MinQuoteVolume: cfg.Universe.MinQuoteVolume,
			Exclude:        cfg.Universe.Exclude,
		},
		Intervals:       cfg.ParsedIntervals(),
		TraderStore:     traderStore,
		Settings:        settingsSvc,
		Notify:          notifier,
		HeapBudgetBytes: cfg.HeapBudgetBytes(),
	})
	if err != nil {
		log.Error().Err(err).Msg("engine construction failed")
		return 1
	}
	defer eng.Stop()

	if err := eng.Start(ctx); err != nil {
		if errors.Is(err, engine.ErrIngestFailed) {
			log.Error().Err(err).Msg("market data unavailable")
			return 2
		}
		log.Error().Err(err).Msg("engine start failed")
		return 1
	}

	srv := api.NewServer(eng, api.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		JWTSecret:      cfg.Server.JWTSecret,
		Debug:          cfg.Server.Debug,
	}, logger)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()
	log.Info().
		Str("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)).
		Int("symbols", eng.Status().UniverseSize).
		Msg("screener running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	code := 0
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serveErr:
		if err != nil {
			log.Error().Err(err).Msg("http server failed")
			code = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	eng.Stop()
	log.Info().Msg("shutdown complete")
	return code
}

func openTraderStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (trader.Store, func(), error) {
	switch cfg.Traders.Backend {
	case "memory":
		return trader.NewMemoryStore(), func() {}, nil
	case "file":
		st, err := trader.OpenFileStore(cfg.Traders.Dir)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("dir", cfg.Traders.Dir).Msg("file trader store")
		return st, func() {}, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Traders.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		st, err := trader.NewPostgresStore(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Info().Msg("postgres trader store")
		return st, pool.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown trader backend %q", cfg.Traders.Backend)
}

// openSettings returns a nil service for the none backend; the engine
// then runs on defaults and the settings endpoints report 503.
func openSettings(cfg *config.Config, root, log zerolog.Logger) (*settings.Service, func(), error) {
	var store settings.Store
	switch cfg.Settings.Backend {
	case "none":
		return nil, func() {}, nil
	case "file":
		st, err := settings.OpenFileStore(cfg.Settings.File)
		if err != nil {
			return nil, nil, err
		}
		store = st
		log.Info().Str("file", cfg.Settings.File).Msg("file settings store")
	case "redis":
		st, err := settings.OpenRedisStore(settings.RedisConfig{
			Addr:      cfg.Settings.Redis.Addr,
			Password:  cfg.Settings.Redis.Password,
			DB:        cfg.Settings.Redis.DB,
			PoolSize:  cfg.Settings.Redis.PoolSize,
			KeyPrefix: cfg.Settings.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		store = st
		log.Info().Str("addr", cfg.Settings.Redis.Addr).Msg("redis settings store")
	default:
		return nil, nil, fmt.Errorf("unknown settings backend %q", cfg.Settings.Backend)
	}
	return settings.NewService(store, root), func() { _ = store.Close() }, nil
}

func buildNotify(cfg *config.Config, root, log zerolog.Logger) *notify.Manager {
	tg := cfg.Notify.Telegram
	dc := cfg.Notify.Discord
	em := cfg.Notify.Email
	if !tg.Enabled && !dc.Enabled && !em.Enabled {
		return nil
	}
	m := notify.NewManager(root)
	if tg.Enabled {
		m.Add(notify.NewTelegramNotifier(notify.TelegramConfig{
			Enabled:  true,
			BotToken: tg.BotToken,
			ChatID:   tg.ChatID,
		}))
		log.Info().Msg("telegram notifications enabled")
	}
	if dc.Enabled {
		m.Add(notify.NewDiscordNotifier(notify.DiscordConfig{
			Enabled:    true,
			WebhookURL: dc.WebhookURL,
		}))
		log.Info().Msg("discord notifications enabled")
	}
	if em.Enabled {
		m.Add(notify.NewEmailNotifier(notify.EmailConfig{
			Enabled:  true,
			Host:     em.Host,
			Port:     em.Port,
			Username: em.Username,
			Password: em.Password,
			From:     em.From,
			FromName: em.FromName,
			To:       em.To,
		}))
		log.Info().Msg("email notifications enabled")
	}
	return m
}
