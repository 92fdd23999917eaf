// Package coord owns the connection to the coordination store and the
// per-campaign key namespace. Every multi-step transition on shared state
// runs as a server-side Lua script against keys from this namespace.
package coord

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Config holds coordination store connection configuration.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// NewClient connects to the coordination store and verifies connectivity.
func NewClient(cfg Config, logger zerolog.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("coordination store connection failed: %w", err)
	}

	logger.Info().
		Str("addr", cfg.Addr).
		Int("db", cfg.DB).
		Msg("connected to coordination store")

	return client, nil
}
