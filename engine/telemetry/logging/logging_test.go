package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestCorrelatedLoggerPlainContext(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))
	lg := New(base)
	lg.InfoCtx(context.Background(), "hello", slog.String("k", "v"))
	out := buf.String()
	if !strings.Contains(out, "hello") || !strings.Contains(out, "k=v") {
		t.Fatalf("unexpected output %q", out)
	}
	if strings.Contains(out, "trace_id") {
		t.Fatalf("no correlation expected without span: %q", out)
	}
}

func TestNewNilFallsBackToDefault(t *testing.T) {
	if New(nil) == nil {
		t.Fatal("expected logger")
	}
}
