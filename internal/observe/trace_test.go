package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTestTracer installs an in-memory TracerProvider as the global provider
// for the duration of the test.
func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLogs routes the default logger into a buffer for the duration of the
// test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestSessionID_RoundTrip(t *testing.T) {
	if got := SessionID(context.Background()); got != "" {
		t.Errorf("SessionID(background) = %q, want empty", got)
	}
	ctx := WithSession(context.Background(), "6f1c")
	if got := SessionID(ctx); got != "6f1c" {
		t.Errorf("SessionID = %q, want 6f1c", got)
	}
}

func TestStartSpan_TagsSession(t *testing.T) {
	exp := useTestTracer(t)

	ctx := WithSession(context.Background(), "6f1c")
	_, open := StartSpan(ctx, "conversation.open")
	open.End()
	_, other := StartSpan(context.Background(), "config.reload")
	other.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	tagged := func(s tracetest.SpanStub) string {
		for _, a := range s.Attributes {
			if a.Key == SessionIDKey {
				return a.Value.AsString()
			}
		}
		return ""
	}
	if spans[0].Name != "conversation.open" || tagged(spans[0]) != "6f1c" {
		t.Errorf("span %q session.id = %q, want conversation.open tagged 6f1c", spans[0].Name, tagged(spans[0]))
	}
	if id := tagged(spans[1]); id != "" {
		t.Errorf("span without a session tagged %q", id)
	}
}

func TestTraceID(t *testing.T) {
	useTestTracer(t)

	if got := TraceID(context.Background()); got != "" {
		t.Errorf("TraceID(background) = %q, want empty", got)
	}
	ctx, span := StartSpan(context.Background(), "conversation.open")
	defer span.End()
	id := TraceID(ctx)
	if len(id) != 32 || strings.Trim(id, "0123456789abcdef") != "" {
		t.Errorf("TraceID = %q, want 32 hex digits", id)
	}
}

func TestLogger(t *testing.T) {
	useTestTracer(t)

	spanCtx, span := StartSpan(context.Background(), "conversation.open")
	defer span.End()

	tests := map[string]struct {
		ctx     context.Context
		want    []string
		notWant []string
	}{
		"bare": {
			ctx:     context.Background(),
			notWant: []string{"session_id=", "trace_id="},
		},
		"session only": {
			ctx:     WithSession(context.Background(), "6f1c"),
			want:    []string{"session_id=6f1c"},
			notWant: []string{"trace_id="},
		},
		"session and span": {
			ctx:  WithSession(spanCtx, "6f1c"),
			want: []string{"session_id=6f1c", "trace_id=" + TraceID(spanCtx), "span_id="},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			buf := captureLogs(t)
			Logger(tc.ctx).Info("conversation: starting session")

			logged := buf.String()
			for _, w := range tc.want {
				if !strings.Contains(logged, w) {
					t.Errorf("log line missing %q: %s", w, logged)
				}
			}
			for _, w := range tc.notWant {
				if strings.Contains(logged, w) {
					t.Errorf("log line should not contain %q: %s", w, logged)
				}
			}
		})
	}
}
