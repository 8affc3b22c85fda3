package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"testing/slogtest"

	"github.com/google/go-cmp/cmp"
)

func TestHandler(t *testing.T) {
	var buf bytes.Buffer
	results := func() (out []map[string]any) {
		dec := json.NewDecoder(&buf)
		for {
			v := make(map[string]any)
			err := dec.Decode(&v)
			switch {
			case err == nil:
			case errors.Is(err, io.EOF):
				return out
			default:
				t.Error(err)
				return out
			}
			delete(v, "time")
			out = append(out, v)
		}
	}

	t.Run("Slogtest", func(t *testing.T) {
		h := WrapHandler(slog.NewJSONHandler(&buf, nil))
		if err := slogtest.TestHandler(h, func() []map[string]any {
			var out []map[string]any
			dec := json.NewDecoder(&buf)
			for dec.More() {
				v := make(map[string]any)
				if err := dec.Decode(&v); err != nil {
					t.Fatal(err)
				}
				out = append(out, v)
			}
			return out
		}); err != nil {
			t.Error(err)
		}
		buf.Reset()
	})

	t.Run("With", func(t *testing.T) {
		h := WrapHandler(slog.NewJSONHandler(&buf, nil))
		ctx := With(context.Background(), "job", "pkg:pypi/foo@1.0", "attempt", "a")
		ctx = With(ctx, "attempt", "b")
		slog.New(h).Log(ctx, slog.LevelInfo, "scanned", "score", 5)
		want := []map[string]any{
			{
				"level":   "INFO",
				"msg":     "scanned",
				"score":   5.0,
				"job":     "pkg:pypi/foo@1.0",
				"attempt": "b",
			},
		}
		got := results()
		if !cmp.Equal(got, want) {
			t.Error(cmp.Diff(got, want))
		}
	})

	t.Run("WithLevel", func(t *testing.T) {
		h := WrapHandler(slog.NewJSONHandler(&buf, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		}))
		l := slog.New(h)
		ctx := context.Background()
		l.Log(ctx, slog.LevelInfo, "test", "call", 1)
		ctx = WithLevel(ctx, slog.LevelInfo)
		l.Log(ctx, slog.LevelInfo, "test", "call", 2)

		want := []map[string]any{
			{
				"level": "INFO",
				"msg":   "test",
				"call":  2.0,
			},
		}
		got := results()
		if !cmp.Equal(got, want) {
			t.Error(cmp.Diff(got, want))
		}
	})
}

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&buf, "json", slog.LevelDebug)
	if err != nil {
		t.Fatal(err)
	}
	l.DebugContext(With(context.Background(), "k", "v"), "hello")
	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got["k"] != "v" || got["msg"] != "hello" {
		t.Errorf("unexpected record: %v", got)
	}

	if _, err := New(&buf, "xml", slog.LevelInfo); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestParseLevel(t *testing.T) {
	tt := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range tt {
		got, err := ParseLevel(in)
		if err != nil {
			t.Errorf("%q: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("%q: got: %v, want: %v", in, got, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected error")
	}
}
