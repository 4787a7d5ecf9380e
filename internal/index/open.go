package index

import (
	"context"
	"fmt"

	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/config"
)

// Open constructs the configured Index backend, migrating the Postgres
// schema first when that backend is selected.
func Open(ctx context.Context, cfg *config.PipelineConfig) (Index, error) {
	switch cfg.IndexBackend {
	case config.IndexBackendPostgres:
		if err := Migrate(cfg.PostgresURL); err != nil {
			return nil, err
		}
		return NewPostgresIndex(ctx, cfg.PostgresURL)
	case config.IndexBackendBolt:
		return NewBoltIndex(cfg.BoltPath)
	default:
		return nil, fmt.Errorf("index: unknown backend %q", cfg.IndexBackend)
	}
}
