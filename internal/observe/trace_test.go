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
	"go.opentelemetry.io/otel/trace"
)

func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
	return exp
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q; want empty", got)
	}

	useTestTracer(t)
	ctx, span := StartTurnSpan(context.Background(), "s", "c", "u")
	defer span.End()

	cid := CorrelationID(ctx)
	if len(cid) != 32 || strings.Trim(cid, "0123456789abcdef") != "" {
		t.Errorf("CorrelationID = %q; want 32 lowercase hex chars", cid)
	}
}

func TestStartTurnSpan(t *testing.T) {
	exp := useTestTracer(t)

	_, span := StartTurnSpan(context.Background(), "sess-1", "mbbs-guide", "utt-7")
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans; want 1", len(spans))
	}
	if spans[0].Name != "voice.turn" || spans[0].SpanKind != trace.SpanKindClient {
		t.Errorf("span = %s (%v)", spans[0].Name, spans[0].SpanKind)
	}
	got := map[string]string{}
	for _, kv := range spans[0].Attributes {
		got[string(kv.Key)] = kv.Value.AsString()
	}
	if got["session.id"] != "sess-1" || got["collection"] != "mbbs-guide" || got["utterance.id"] != "utt-7" {
		t.Errorf("attributes = %v", got)
	}
}

func TestLogger(t *testing.T) {
	useTestTracer(t)

	t.Run("with span", func(t *testing.T) {
		buf := captureLogs(t)
		ctx, span := StartTurnSpan(context.Background(), "s", "c", "u")
		defer span.End()

		Logger(ctx).Info("utterance sent")
		out := buf.String()
		if !strings.Contains(out, "trace_id="+CorrelationID(ctx)) || !strings.Contains(out, "span_id=") {
			t.Errorf("log line lacks trace fields: %s", out)
		}
	})

	t.Run("without span", func(t *testing.T) {
		buf := captureLogs(t)
		Logger(context.Background()).Info("idle")
		if strings.Contains(buf.String(), "trace_id") {
			t.Errorf("log line has trace fields: %s", buf.String())
		}
	})
}
