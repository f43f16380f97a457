package tracing_test

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/trace"

	"github.com/next-trace/scg-service-rpc/adapters/inmemory"
	"github.com/next-trace/scg-service-rpc/memory"
	"github.com/next-trace/scg-service-rpc/service"
	"github.com/next-trace/scg-service-rpc/tracing"
)

func sampledContext(t *testing.T) (context.Context, trace.SpanContext) {
	t.Helper()

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x4b, 0xf9, 0x2f, 0x35, 0x77, 0xb3, 0x4d, 0xa6, 0xa3, 0xce, 0x92, 0x9d, 0x0e, 0x0e, 0x47, 0x36},
		SpanID:     trace.SpanID{0x00, 0xf0, 0x67, 0xaa, 0x0b, 0xa9, 0x02, 0xb7},
		TraceFlags: trace.FlagsSampled,
	})

	return trace.ContextWithSpanContext(t.Context(), sc), sc
}

func TestPropagator_RoundTrip(t *testing.T) {
	p := tracing.New(nil)
	ctx, sc := sampledContext(t)

	h := map[string]string{}
	p.Inject(ctx, h)

	if h["traceparent"] != "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01" {
		t.Fatalf("traceparent = %q", h["traceparent"])
	}

	got := trace.SpanContextFromContext(p.Extract(context.Background(), h))
	if got.TraceID() != sc.TraceID() || got.SpanID() != sc.SpanID() || !got.IsRemote() {
		t.Fatalf("extracted %+v", got)
	}
}

func TestPropagator_EmptyHeaders(t *testing.T) {
	p := tracing.New(nil)

	h := map[string]string{}
	p.Inject(context.Background(), h)

	if len(h) != 0 {
		t.Fatalf("no span, no headers: %v", h)
	}

	ctx := context.Background()
	if p.Extract(ctx, nil) != ctx {
		t.Fatalf("extract without headers must return ctx unchanged")
	}

	// nil maps are ignored
	p.Inject(ctx, nil)
}

func TestPropagator_ThroughService(t *testing.T) {
	net := inmemory.NewNetwork()
	opt := service.WithPropagator(tracing.New(nil))

	a, cleanupA := memory.New(net, "A", opt)
	defer cleanupA()

	b, cleanupB := memory.New(net, "B", opt)
	defer cleanupB()

	if err := a.RegisterCommand("/trace", func(ctx context.Context, _ string, _, _, _ map[string]any) (service.Reply, error) {
		return service.BodyReply(map[string]any{"trace_id": trace.SpanContextFromContext(ctx).TraceID().String()}), nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, sc := sampledContext(t)
	if err := service.ConnectAll(ctx, "", a, b); err != nil {
		t.Fatalf("connect: %v", err)
	}

	resp, err := b.Call(ctx, "A", "/trace", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}

	if resp.Body["trace_id"] != sc.TraceID().String() {
		t.Fatalf("trace id not propagated: %v", resp.Body)
	}
}
