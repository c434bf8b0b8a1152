package telemetry

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/noop"
)

func TestNewLogger_ConsoleOnly(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo, "", false)

	logger.Debug("hidden")
	logger.Info("tick complete", "source", "encar")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug record written at info level: %s", out)
	}
	if !strings.Contains(out, "source=encar") {
		t.Errorf("output = %q, want source attribute", out)
	}
}

type countingHandler struct {
	level slog.Level
	n     *int
	attrs []slog.Attr
}

func (h countingHandler) Enabled(_ context.Context, l slog.Level) bool { return l >= h.level }
func (h countingHandler) Handle(context.Context, slog.Record) error  { *h.n++; return nil }
func (h countingHandler) WithAttrs(a []slog.Attr) slog.Handler {
	return countingHandler{level: h.level, n: h.n, attrs: append(h.attrs, a...)}
}
func (h countingHandler) WithGroup(string) slog.Handler { return h }

func TestFanout_RespectsEachLevel(t *testing.T) {
	var debug, warn int
	logger := slog.New(fanout{
		countingHandler{level: slog.LevelDebug, n: &debug},
		countingHandler{level: slog.LevelWarn, n: &warn},
	}).With("source", "che168")

	logger.Debug("d")
	logger.Info("i")
	logger.Warn("w")

	if debug != 3 || warn != 1 {
		t.Errorf("debug = %d, warn = %d; want 3, 1", debug, warn)
	}
}

func TestNewLogger_ExportUsesServiceName(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo, "relay-eu", true)
	if _, ok := logger.Handler().(fanout); !ok {
		t.Fatalf("handler = %T, want fanout", logger.Handler())
	}
	logger.Info("tick complete")
	if !strings.Contains(buf.String(), "tick complete") {
		t.Errorf("console output = %q", buf.String())
	}
}

type scopeRecorder struct {
	noop.LoggerProvider
	names []string
}

func (p *scopeRecorder) Logger(name string, _ ...log.LoggerOption) log.Logger {
	p.names = append(p.names, name)
	return noop.Logger{}
}

func TestNewBridge_ScopeFollowsServiceName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"relay-eu", "relay-eu"},
		{"", DefaultServiceName},
	}
	for _, tt := range tests {
		rec := &scopeRecorder{}
		newBridge(tt.in, otelslog.WithLoggerProvider(rec))
		if len(rec.names) != 1 || rec.names[0] != tt.want {
			t.Errorf("newBridge(%q) scopes = %v, want [%s]", tt.in, rec.names, tt.want)
		}
	}
}
