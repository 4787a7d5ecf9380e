package queue

import (
	"context"
	"fmt"

	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/config"
)

// Open constructs the configured Queue backend.
func Open(ctx context.Context, cfg *config.PipelineConfig) (Queue, error) {
	switch cfg.QueueBackend {
	case config.QueueBackendRedis:
		return NewRedisQueue(ctx, cfg.RedisURL, cfg.RedisKeyPrefix)
	case config.QueueBackendAMQP:
		return NewAMQPQueue(cfg.AMQPURL)
	default:
		return nil, fmt.Errorf("queue: unknown backend %q", cfg.QueueBackend)
	}
}
