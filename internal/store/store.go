// Package store opens and verifies the broker's durable store connection.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/taskplane/taskplane/internal/common/config"
	"github.com/taskplane/taskplane/internal/common/logger"
)

// Open connects to the store described by cfg and verifies it with a ping.
// Both redis:// URLs and bare host:port addresses are accepted.
func Open(ctx context.Context, cfg config.StoreConfig, log *logger.Logger) (*redis.Client, error) {
	opts, err := parseOptions(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid store url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.OpTimeoutDuration())
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("store ping failed: %w", err)
	}

	log.Info("connected to store")
	return client, nil
}

func parseOptions(rawURL string) (*redis.Options, error) {
	if strings.Contains(rawURL, "://") {
		return redis.ParseURL(rawURL)
	}
	return &redis.Options{Addr: rawURL}, nil
}
