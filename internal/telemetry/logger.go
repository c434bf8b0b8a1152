package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"go.opentelemetry.io/contrib/bridges/otelslog"
)

// NewLogger returns the process logger: a text handler on w at level, plus,
// when exportLogs is set, a bridge that forwards every record to the global
// OTel log provider installed by [Setup] under the serviceName scope. An empty
// serviceName falls back to [DefaultServiceName].
func NewLogger(w io.Writer, level slog.Level, serviceName string, exportLogs bool) *slog.Logger {
	console := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	if !exportLogs {
		return slog.New(console)
	}
	return slog.New(fanout{console, newBridge(serviceName)})
}

func newBridge(serviceName string, opts ...otelslog.Option) slog.Handler {
	return otelslog.NewHandler(Config{ServiceName: serviceName}.Name(), opts...)
}

// fanout sends each record to every handler that accepts its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
