package tracelog

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Gate passes records to its handler unless muted. Handlers derived from it
// with WithAttrs or WithGroup share the same switch, so loggers built before
// Mute is called go quiet as well.
type Gate struct {
	handler slog.Handler
	muted   *atomic.Bool
}

var _ slog.Handler = (*Gate)(nil)

func NewGate(handler slog.Handler) *Gate {
	return &Gate{handler: handler, muted: new(atomic.Bool)}
}

// Mute drops every record until Unmute is called.
func (g *Gate) Mute() { g.muted.Store(true) }

func (g *Gate) Unmute() { g.muted.Store(false) }

func (g *Gate) Enabled(ctx context.Context, level slog.Level) bool {
	return !g.muted.Load() && g.handler.Enabled(ctx, level)
}

func (g *Gate) Handle(ctx context.Context, record slog.Record) error {
	if g.muted.Load() {
		return nil
	}
	return g.handler.Handle(ctx, record)
}

func (g *Gate) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Gate{handler: g.handler.WithAttrs(attrs), muted: g.muted}
}

func (g *Gate) WithGroup(name string) slog.Handler {
	return &Gate{handler: g.handler.WithGroup(name), muted: g.muted}
}
