// Package log carries per-request logging attributes in a [context.Context]
// so that every [slog] call made with that context picks them up.
//
// Packages log with the [slog] package-level functions and the "Context"
// variants (e.g. [slog.InfoContext]); the process installs a handler built
// with [New] or wrapped by [WrapHandler] as the default.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
)

type ctxkey int

const (
	_ ctxkey = iota

	// AttrsKey retrieves the [slog.Value] of kind "Group" holding the
	// attributes added with [With].
	AttrsKey

	// LevelKey retrieves a per-context minimum [slog.Leveler].
	LevelKey
)

// With returns a context with the arguments stored as [slog.Attr] at
// [AttrsKey]. Later keys replace earlier ones.
func With(ctx context.Context, args ...any) context.Context {
	return WithAttr(ctx, argsToAttrs(args)...)
}

// WithAttr returns a context with the attributes stored at [AttrsKey].
func WithAttr(ctx context.Context, attrs ...slog.Attr) context.Context {
	if v, ok := ctx.Value(AttrsKey).(slog.Value); ok {
		attrs = append(slices.Clone(v.Group()), attrs...)
	}
	// Walk backwards so the newest value for a key is the one kept.
	seen := make(map[string]struct{}, len(attrs))
	out := make([]slog.Attr, 0, len(attrs))
	for i := len(attrs) - 1; i >= 0; i-- {
		a := attrs[i]
		if _, dup := seen[a.Key]; dup {
			continue
		}
		seen[a.Key] = struct{}{}
		if a.Value.Kind() == slog.KindGroup && len(a.Value.Group()) == 0 {
			continue
		}
		out = append(out, a)
	}
	slices.Reverse(out)
	return context.WithValue(ctx, AttrsKey, slog.GroupValue(out...))
}

// WithLevel returns a context that lowers the minimum level for records
// logged with it.
func WithLevel(ctx context.Context, l slog.Leveler) context.Context {
	return context.WithValue(ctx, LevelKey, l)
}

// WrapHandler wraps the provided handler with an interceptor that adds the
// attributes stored at [AttrsKey] to every record.
func WrapHandler(next slog.Handler) slog.Handler {
	return handler{next: next}
}

// New constructs a logger writing to "w". The format is "json" or "text".
func New(w io.Writer, format string, level slog.Level) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch strings.ToLower(format) {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	case "text", "":
		h = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("log: unknown format %q", format)
	}
	return slog.New(WrapHandler(h)), nil
}

// ParseLevel parses the names accepted by [slog.Level.UnmarshalText], plus
// "warning".
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if strings.EqualFold(s, "warning") {
		s = "warn"
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return l, fmt.Errorf("log: %w", err)
	}
	return l, nil
}

var _ slog.Handler = handler{}

type handler struct {
	next slog.Handler
}

// Enabled implements [slog.Handler].
func (h handler) Enabled(ctx context.Context, l slog.Level) bool {
	if v, ok := ctx.Value(LevelKey).(slog.Leveler); ok && l >= v.Level() {
		return true
	}
	return h.next.Enabled(ctx, l)
}

// Handle implements [slog.Handler].
func (h handler) Handle(ctx context.Context, r slog.Record) error {
	if v, ok := ctx.Value(AttrsKey).(slog.Value); ok {
		r.AddAttrs(v.Group()...)
	}
	return h.next.Handle(ctx, r)
}

// WithAttrs implements [slog.Handler].
func (h handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return handler{next: h.next.WithAttrs(attrs)}
}

// WithGroup implements [slog.Handler].
func (h handler) WithGroup(name string) slog.Handler {
	return handler{next: h.next.WithGroup(name)}
}

// Lifted from the internals of [log/slog].
func argsToAttrs(args []any) []slog.Attr {
	const badKey = `!BADKEY`
	var attrs []slog.Attr
	for len(args) > 0 {
		switch x := args[0].(type) {
		case string:
			if len(args) == 1 {
				attrs = append(attrs, slog.String(badKey, x))
				args = nil
				continue
			}
			attrs = append(attrs, slog.Any(x, args[1]))
			args = args[2:]
		case slog.Attr:
			attrs = append(attrs, x)
			args = args[1:]
		default:
			attrs = append(attrs, slog.Any(badKey, x))
			args = args[1:]
		}
	}
	return attrs
}
