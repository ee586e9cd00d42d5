// Package builtin constructs the builtin extensions by name.
package builtin

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/alfredjeanlab/booger/internal/plugs"
	"github.com/alfredjeanlab/booger/internal/plugs/builtin/limits"
	"github.com/alfredjeanlab/booger/internal/plugs/builtin/stats"
	"github.com/alfredjeanlab/booger/internal/plugs/builtin/validate"
)

// Names lists the builtin extensions in their default order.
var Names = []string{validate.Name, stats.Name, limits.Name}

type opener func(ctx context.Context, p plugs.ConfigProvider, logger *slog.Logger) (plugs.Extension, error)

var openers = map[string]opener{
	validate.Name: func(_ context.Context, p plugs.ConfigProvider, _ *slog.Logger) (plugs.Extension, error) {
		return validate.Open(p)
	},
	stats.Name: func(ctx context.Context, p plugs.ConfigProvider, logger *slog.Logger) (plugs.Extension, error) {
		return stats.Open(ctx, p, logger)
	},
	limits.Name: func(ctx context.Context, p plugs.ConfigProvider, logger *slog.Logger) (plugs.Extension, error) {
		return limits.Open(ctx, p, logger)
	},
}

// Load opens the named extensions in order. On error, any extension already
// opened is closed.
func Load(ctx context.Context, names []string, p plugs.ConfigProvider, logger *slog.Logger) ([]plugs.Extension, error) {
	var exts []plugs.Extension
	seen := make(map[string]bool)
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		open, ok := openers[name]
		if !ok {
			Close(exts)
			return nil, fmt.Errorf("unknown builtin plug %q", name)
		}
		ext, err := open(ctx, p, logger)
		if err != nil {
			Close(exts)
			return nil, fmt.Errorf("open plug %s: %w", name, err)
		}
		exts = append(exts, ext)
	}
	return exts, nil
}

// Close closes every extension that holds resources.
func Close(exts []plugs.Extension) {
	for _, ext := range exts {
		if c, ok := ext.(io.Closer); ok {
			_ = c.Close()
		}
	}
}

// Migrator is implemented by extensions that own a database schema.
type Migrator interface {
	Migrate(ctx context.Context) error
}

// Migrate applies the schema of every extension that has one.
func Migrate(ctx context.Context, exts []plugs.Extension) error {
	for _, ext := range exts {
		m, ok := ext.(Migrator)
		if !ok {
			continue
		}
		if err := m.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate plug %s: %w", ext.Name(), err)
		}
	}
	return nil
}
