package config

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
)

type Config struct {
	DatabaseDSN       string        `env:"DATABASE_DSN,required=true"`
	RedisURL          string        `env:"REDIS_URL"`
	WebhookGatewayURL string        `env:"WEBHOOK_GATEWAY_URL,required=true"`
	RateLimitPerSec   int           `env:"RATE_LIMIT_PER_SEC,default=100"`
	StatsCacheTTL     time.Duration `env:"STATS_CACHE_TTL,default=5m"`
	RetentionDays     int           `env:"RETENTION_DAYS,default=90"`
	APIPort           int           `env:"API_PORT,default=8080"`
	LogLevel          string        `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}
