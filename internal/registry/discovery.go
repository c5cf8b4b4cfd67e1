package registry

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Discoverer probes one transport and registers what it finds.
type Discoverer interface {
	Name() string
	Discover(ctx context.Context, reg *Registry) error
}

// Discover runs every discoverer in parallel. A failing transport is logged
// and does not prevent the others from registering their devices.
func Discover(ctx context.Context, reg *Registry, discoverers ...Discoverer) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, d := range discoverers {
		d := d
		g.Go(func() error {
			if err := d.Discover(ctx, reg); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				reg.logger.Warn("Discovery failed", "transport", d.Name(), "error", err)
				return nil
			}
			slog.Debug("Discovery finished", "transport", d.Name())
			return nil
		})
	}
	return g.Wait()
}
