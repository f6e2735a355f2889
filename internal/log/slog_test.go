package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-filestream/internal/xerrors"
)

// helpers

func newTestLogger(t *testing.T, buf *bytes.Buffer, opts Options) Logger {
	t.Helper()
	opts.Writer = buf
	opts.JsonFormat = true
	l, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

// jsonRecord parses the last JSON log line in buf
func jsonRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &m); err != nil {
		t.Fatalf("parse JSON log line: %v\nraw: %s", err, buf.String())
	}
	return m
}

// ParseLevel

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"  warn ", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// slogLogger

func TestLogger_BaseAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "filestream", Version: "1.2.3", Commit: "abc"})

	l.Info(context.Background(), "hello", "k", "v")

	m := jsonRecord(t, &buf)
	if m["msg"] != "hello" || m["app"] != "filestream" || m["version"] != "1.2.3" || m["commit"] != "abc" || m["k"] != "v" {
		t.Fatalf("unexpected record: %v", m)
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "x", Level: slog.LevelWarn})

	l.Debug(context.Background(), "debug")
	l.Info(context.Background(), "info")
	if buf.Len() != 0 {
		t.Fatalf("debug/info should be filtered, got %s", buf.String())
	}
	l.Warn(context.Background(), "warn")
	if !strings.Contains(buf.String(), `"msg":"warn"`) {
		t.Fatalf("warn should pass: %s", buf.String())
	}
}

func TestLogger_WithCopyOnWrite(t *testing.T) {
	var buf bytes.Buffer
	base := newTestLogger(t, &buf, Options{App: "x"})
	child := base.With("component", "stream", 42, "ignored", "dangling")

	base.Info(context.Background(), "base")
	if m := jsonRecord(t, &buf); m["component"] != nil {
		t.Fatalf("With must not mutate parent: %v", m)
	}

	child.Info(context.Background(), "child")
	m := jsonRecord(t, &buf)
	if m["component"] != "stream" {
		t.Fatalf("child record missing component: %v", m)
	}
	if _, ok := m["dangling"]; ok {
		t.Fatalf("dangling key should be dropped: %v", m)
	}
}

func TestLogger_ErrorEnrichment(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "x", IncludeErrorLinks: true})

	err := xerrors.Wrap(fmt.Errorf("open: %w", errors.New("no such file")), "serve attachment")
	l.Error(context.Background(), err, "stream failed", "attachment_id", 7)

	m := jsonRecord(t, &buf)
	if m["level"] != "ERROR" || m["attachment_id"] != float64(7) {
		t.Fatalf("unexpected record: %v", m)
	}
	if m["err"] == nil || m["error_type"] == nil || m["cause_type"] == nil {
		t.Fatalf("missing error fields: %v", m)
	}
	chain, ok := m["error_chain"].([]any)
	if !ok || len(chain) != 3 {
		t.Fatalf("error_chain = %v, want 3 entries", m["error_chain"])
	}
	if _, ok := m["error_links"].([]any); !ok {
		t.Fatalf("error_links missing: %v", m)
	}
	if s, _ := m["stack"].(string); s == "" {
		t.Fatal("stack should be attached at error level")
	}
}

func TestLogger_ErrorNil(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "x"})

	l.Error(context.Background(), nil, "nothing wrong")
	if m := jsonRecord(t, &buf); m["err"] != nil {
		t.Fatalf("nil error should not add err field: %v", m)
	}
}

func TestLogger_TraceCorrelation(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "x"})

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3},
		SpanID:     trace.SpanID{4, 5, 6},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	l.Info(ctx, "traced")

	m := jsonRecord(t, &buf)
	if m["trace_id"] != sc.TraceID().String() || m["span_id"] != sc.SpanID().String() {
		t.Fatalf("trace fields missing: %v", m)
	}
}

// error chain helpers

func TestErrorChain_ReplacedError(t *testing.T) {
	cause := errors.New("stat failed")
	public := errors.New("not found")
	err := xerrors.Replace(cause, public, cause)

	chain := errorChain(err)
	joined := strings.Join(chain, "|")
	if !strings.Contains(joined, "not found") || !strings.Contains(joined, "stat failed") {
		t.Fatalf("chain should carry replacement and cause, got %v", chain)
	}
}

func TestClassifyTypes_SkipsWrappers(t *testing.T) {
	type pathErr struct{ error }
	err := xerrors.Wrap(fmt.Errorf("ctx: %w", &pathErr{errors.New("x")}), "outer")

	surface, root := classifyTypes(err)
	if !strings.Contains(surface, "pathErr") {
		t.Fatalf("surface = %q, want pathErr", surface)
	}
	if root != "*log.pathErr" {
		t.Fatalf("root = %q", root)
	}
}

func TestChainLinks_RespectsMax(t *testing.T) {
	err := xerrors.Wrap(xerrors.Wrap(xerrors.Wrap(errors.New("a"), "b"), "c"), "d")
	if got := chainLinks(err, 2); len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
}

// context / nop

func TestFromContext(t *testing.T) {
	if _, ok := FromContext(context.Background()).(nopLogger); !ok {
		t.Fatal("empty context should yield the no-op logger")
	}

	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "x"})
	ctx := WithContext(context.Background(), l)
	if FromContext(ctx) != l {
		t.Fatal("FromContext should return the stored logger")
	}
}

func TestNop_Safe(t *testing.T) {
	l := Nop().With("a", 1)
	ctx := context.Background()
	l.Debug(ctx, "d")
	l.Info(ctx, "i")
	l.Warn(ctx, "w")
	l.Error(ctx, errors.New("e"), "e")
	if err := l.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
}
