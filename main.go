package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"wa-gateway/bot"
	"wa-gateway/cache"
	"wa-gateway/config"
	"wa-gateway/dashboard"
	"wa-gateway/menu"
	"wa-gateway/server"
	"wa-gateway/session"
	"wa-gateway/utils"
	"wa-gateway/whatsapp"
)

const mainMenuGroupID = 1

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()

	ctx := context.Background()

	var store *menu.SQLiteStore
	err = utils.WithRetry(func() error {
		var err error
		store, err = menu.NewSQLiteStore(cfg.MenuDBPath, log)
		if err != nil {
			log.Warn().Err(err).Msg("menu db open attempt failed")
		}
		return err
	}, &utils.RetryConfig{
		InitialInterval: time.Second,
		MaxInterval:     5 * time.Second,
		MaxElapsedTime:  25 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("open menu store: %w", err)
	}
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("menu store ping: %w", err)
	}
	log.Info().Str("path", cfg.MenuDBPath).Msg("menu store ready")

	responseCache := cache.New(1000)
	defer responseCache.Stop()

	fetcher := menu.NewFetcher(cfg.FetchTimeout, responseCache, log)
	resolver := menu.NewResolver(store, fetcher, mainMenuGroupID, log)

	authDir := filepath.Join(filepath.Dir(cfg.WhatsappDBPath), "wa")
	dialer := whatsapp.NewDialer(authDir, log)
	defer dialer.Close()

	registry := session.NewRegistry()
	supervisor := session.NewSupervisor(registry, dialer, store, session.NewScheduler(), session.Config{
		QRTimeout:         cfg.QRTimeout,
		QRRetryDelay:      cfg.QRRetryDelay,
		HeartbeatInterval: cfg.HeartbeatInterval,
		MonitorInterval:   cfg.MonitorInterval,
		HeartbeatStale:    cfg.HeartbeatStale,
		RecoveryInterval:  cfg.RecoveryInterval,
		BackoffBase:       cfg.BackoffBase,
		BackoffCap:        cfg.BackoffCap,
	}, log)

	settings := bot.NewSettingsStore()
	limiter := bot.NewRateLimiter(rate.Limit(0.5), 1)
	defer limiter.Stop()
	pool := bot.NewWorkerPool(10)

	b := bot.New(resolver, settings, limiter, pool, supervisor, cfg.ReplyCooldown, log)
	supervisor.SetMessageHandler(b.Handle)
	supervisor.Start()
	defer supervisor.Stop()

	supervisor.Restore(ctx)

	dash := dashboard.New(cfg.MetricsPort, supervisor, log)
	dash.Start()
	defer dash.Stop()

	srv := server.New(supervisor, store, settings, log)
	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Msg("control api listening")
		errCh <- srv.Listen(fmt.Sprintf(":%d", cfg.Port))
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case s := <-sig:
		log.Info().Str("signal", s.String()).Msg("shutting down")
		if err := srv.Shutdown(); err != nil {
			log.Error().Err(err).Msg("server shutdown failed")
		}
		pool.Wait()
		return nil
	case err := <-errCh:
		return fmt.Errorf("control api: %w", err)
	}
}
