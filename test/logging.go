// Package test holds helpers shared by the tests of the dragonfly packages:
// log routing, a fake coordination server, and archive fixtures.
package test

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dragonfly-scan/dragonfly/internal/log"
)

// Install the dispatching handler exactly once; tests running in parallel
// each carry their own destination in their Context.
var setup = sync.OnceFunc(func() {
	slog.SetDefault(slog.New(dispatch{}))
})

type ctxKey struct{}

// Dispatch implements [slog.Handler] by forwarding to the handler found in
// the record's Context. Records logged without one are dropped.
type dispatch struct {
	ops []func(slog.Handler) slog.Handler
}

var _ slog.Handler = dispatch{}

func (d dispatch) target(ctx context.Context) slog.Handler {
	if ctx == nil {
		return nil
	}
	h, _ := ctx.Value(ctxKey{}).(slog.Handler)
	return h
}

// Enabled implements [slog.Handler].
func (d dispatch) Enabled(ctx context.Context, l slog.Level) bool {
	h := d.target(ctx)
	return h != nil && h.Enabled(ctx, l)
}

// Handle implements [slog.Handler].
func (d dispatch) Handle(ctx context.Context, r slog.Record) error {
	h := d.target(ctx)
	if h == nil {
		return nil
	}
	for _, op := range d.ops {
		h = op(h)
	}
	if v, ok := ctx.Value(log.AttrsKey).(slog.Value); ok {
		r.AddAttrs(v.Group()...)
	}
	return h.Handle(ctx, r)
}

// WithAttrs implements [slog.Handler].
func (d dispatch) WithAttrs(attrs []slog.Attr) slog.Handler {
	return d.with(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

// WithGroup implements [slog.Handler].
func (d dispatch) WithGroup(name string) slog.Handler {
	return d.with(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (d dispatch) with(op func(slog.Handler) slog.Handler) dispatch {
	ops := make([]func(slog.Handler) slog.Handler, len(d.ops), len(d.ops)+1)
	copy(ops, d.ops)
	return dispatch{ops: append(ops, op)}
}

// Logging returns a [context.Context] that makes the default [slog.Logger]
// write to the output of the provided [testing.TB].
func Logging(t testing.TB, parent ...context.Context) context.Context {
	setup()
	ctx := context.Background()
	if len(parent) > 0 {
		ctx = parent[0]
	}
	start := time.Now()
	h := slog.NewTextHandler(t.Output(), &slog.HandlerOptions{
		AddSource: true,
		Level:     slog.LevelDebug,
		ReplaceAttr: func(g []string, a slog.Attr) slog.Attr {
			if g != nil {
				return a
			}
			switch a.Key {
			case slog.TimeKey:
				return slog.String(slog.TimeKey, "+"+time.Since(start).String())
			case slog.SourceKey:
				src, ok := a.Value.Any().(*slog.Source)
				if ok && src.Function != "" {
					return slog.String(slog.SourceKey, strings.TrimPrefix(src.Function, "github.com/dragonfly-scan/dragonfly/"))
				}
			}
			return a
		},
	})
	return context.WithValue(ctx, ctxKey{}, slog.Handler(h))
}
