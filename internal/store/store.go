package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/youbridge/internal/config"
)

// BindingStore persists (identity, model) -> chat mode id bindings. A binding is
// written at most once and never changed by this program.
type BindingStore interface {
	Get(ctx context.Context, identity, model string) (modeID string, ok bool, err error)
	Persist(ctx context.Context, identity, model, modeID string) error
}

// Open builds the store selected by cfg. The returned close function releases
// any resources held by the backend.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (BindingStore, func(), error) {
	switch cfg.Driver {
	case config.StoreDriverFile:
		s, err := NewFileStore(cfg.Path, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	case config.StoreDriverPostgres:
		s, err := OpenPostgres(ctx, cfg.Postgres.URL, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			s.Close()
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.StoreDriverMemory:
		return NewMemoryStore(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
