package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	// Servers
	Port        int `env:"PORT" envDefault:"4006"`
	MetricsPort int `env:"METRICS_PORT" envDefault:"8080"`

	// Storage
	MenuDBPath     string `env:"MENU_DB_PATH" envDefault:"data/menu.db"`
	WhatsappDBPath string `env:"WHATSAPP_DB_PATH" envDefault:"data/whatsapp.db"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Session lifecycle
	QRTimeout         time.Duration `env:"QR_TIMEOUT" envDefault:"30s"`
	QRRetryDelay      time.Duration `env:"QR_RETRY_DELAY" envDefault:"5s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"20s"`
	MonitorInterval   time.Duration `env:"MONITOR_INTERVAL" envDefault:"60s"`
	HeartbeatStale    time.Duration `env:"HEARTBEAT_STALE" envDefault:"3m"`
	RecoveryInterval  time.Duration `env:"RECOVERY_INTERVAL" envDefault:"45s"`
	BackoffBase       time.Duration `env:"BACKOFF_BASE" envDefault:"5s"`
	BackoffCap        time.Duration `env:"BACKOFF_CAP" envDefault:"60s"`

	// Bot behavior
	ReplyCooldown time.Duration `env:"REPLY_COOLDOWN" envDefault:"2s"`
	FetchTimeout  time.Duration `env:"FETCH_TIMEOUT" envDefault:"10s"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
