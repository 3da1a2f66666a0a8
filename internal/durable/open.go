package durable

import (
	"context"
	"strings"

	"github.com/aiori-io/aiori/internal/common/logger"
	"go.uber.org/zap"
)

// Open selects the substrate from the configured DSN: a redis:// or
// rediss:// URL opens the Redis store, anything else (including an
// empty DSN) falls back to the in-memory store with a notice.
func Open(ctx context.Context, url string, maxPending int, log *logger.Logger) (Store, error) {
	if strings.HasPrefix(url, "redis://") || strings.HasPrefix(url, "rediss://") {
		store, err := NewRedisStore(ctx, url, maxPending)
		if err != nil {
			return nil, err
		}
		log.Info("durable substrate: redis")
		return store, nil
	}

	if url != "" {
		log.Warn("durable substrate DSN not recognized, using in-memory store",
			zap.String("url", url))
	} else {
		log.Info("durable substrate: in-memory (no DSN configured)")
	}
	return NewMemory(maxPending), nil
}
