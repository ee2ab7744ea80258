package observe

import (
	"bytes"
	"context"
	"log/slog"
	"regexp"
	"strings"
	"testing"
)

var traceIDPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// captureLogs redirects the default logger into a buffer for the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without span = %q, want empty", got)
	}

	useTestTracer(t)
	seen := map[string]bool{}
	for range 50 {
		ctx, span := StartSpan(context.Background(), "segment")
		id := CorrelationID(ctx)
		span.End()
		if !traceIDPattern.MatchString(id) {
			t.Fatalf("CorrelationID = %q, want 32 hex chars", id)
		}
		if seen[id] {
			t.Fatalf("trace id %s repeated", id)
		}
		seen[id] = true
	}
}

func TestStartSpan(t *testing.T) {
	exp := useTestTracer(t)

	_, plain := StartSpan(context.Background(), "translate")
	plain.End()
	_, tagged := StartSpan(WithSession(context.Background(), "s1"), "synthesize")
	tagged.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	if spans[0].Name != "translate" || spans[1].Name != "synthesize" {
		t.Errorf("span names = %q, %q", spans[0].Name, spans[1].Name)
	}
	for _, kv := range spans[0].Attributes {
		if kv.Key == "parlox.session" {
			t.Errorf("untagged span carries %v", kv)
		}
	}
	found := false
	for _, kv := range spans[1].Attributes {
		if kv.Key == "parlox.session" && kv.Value.AsString() == "s1" {
			found = true
		}
	}
	if !found {
		t.Errorf("attributes %v missing parlox.session=s1", spans[1].Attributes)
	}
}

func TestSessionID(t *testing.T) {
	t.Parallel()

	if got := SessionID(context.Background()); got != "" {
		t.Errorf("SessionID(background) = %q", got)
	}
	ctx := WithSession(WithSession(context.Background(), "old"), "new")
	if got := SessionID(ctx); got != "new" {
		t.Errorf("SessionID = %q, want new", got)
	}
}

func TestLogger(t *testing.T) {
	useTestTracer(t)
	buf := captureLogs(t)

	Logger(context.Background()).Info("bare")
	ctx, span := StartSpan(WithSession(context.Background(), "sess-42"), "stt")
	defer span.End()
	Logger(ctx).Info("traced")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d log lines, want 2:\n%s", len(lines), buf.String())
	}
	if strings.Contains(lines[0], "trace_id") || strings.Contains(lines[0], "session=") {
		t.Errorf("bare line has context fields: %s", lines[0])
	}
	for _, want := range []string{"session=sess-42", "trace_id=" + CorrelationID(ctx), "span_id="} {
		if !strings.Contains(lines[1], want) {
			t.Errorf("traced line missing %q: %s", want, lines[1])
		}
	}
}
