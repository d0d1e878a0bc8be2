package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestNewLoggerWithWriter_Formats(t *testing.T) {
	tests := []struct {
		format string
		want   []string
	}{
		{"text", []string{"msg=\"tick done\"", "queue=default"}},
		{"json", []string{`"msg":"tick done"`, `"queue":"default"`}},
		{"TEXT", []string{"queue=default"}},
		{"", []string{"queue=default"}},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		logger := NewLoggerWithWriter(slog.LevelInfo, tt.format, &buf)
		logger.Info("tick done", "queue", "default")

		for _, w := range tt.want {
			if !strings.Contains(buf.String(), w) {
				t.Errorf("format %q: expected %q in output, got: %s", tt.format, w, buf.String())
			}
		}
	}
}

func TestNewLoggerWithWriter_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelWarn, "text", &buf)

	logger.Info("should not appear")
	logger.Warn("should appear")

	output := buf.String()
	if strings.Contains(output, "should not appear") {
		t.Errorf("INFO message should be filtered at WARN level, got: %s", output)
	}
	if !strings.Contains(output, "should appear") {
		t.Errorf("WARN message should appear at WARN level, got: %s", output)
	}
}

func TestNewLoggerWithWriter_TraceIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelDebug, "text", &buf).With("component", "scheduler")

	tid, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	sid, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	logger.InfoContext(ctx, "dispatched", "task_id", "task_abc")

	output := buf.String()
	for _, want := range []string{
		"component=scheduler",
		"task_id=task_abc",
		"trace_id=4bf92f3577b34da6a3ce929d0e0e4736",
		"span_id=00f067aa0ba902b7",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}

	buf.Reset()
	logger.Info("no span")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("trace_id logged without span: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}
