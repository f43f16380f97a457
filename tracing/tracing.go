// Package tracing carries OpenTelemetry context across the broker in message headers.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/next-trace/scg-service-rpc/contract/broker"
)

// Propagator adapts an OpenTelemetry TextMapPropagator to broker.HeaderPropagator.
type Propagator struct {
	tmp propagation.TextMapPropagator
}

var _ broker.HeaderPropagator = Propagator{}

// New wraps p. A nil p uses W3C trace context and baggage.
func New(p propagation.TextMapPropagator) Propagator {
	if p == nil {
		p = propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
	}

	return Propagator{tmp: p}
}

// Global uses whatever propagator is installed with otel.SetTextMapPropagator at call time.
func Global() Propagator { return Propagator{} }

func (p Propagator) propagator() propagation.TextMapPropagator { //nolint:ireturn
	if p.tmp == nil {
		return otel.GetTextMapPropagator()
	}

	return p.tmp
}

func (p Propagator) Inject(ctx context.Context, headers map[string]string) {
	if headers == nil {
		return
	}

	p.propagator().Inject(ctx, propagation.MapCarrier(headers))
}

func (p Propagator) Extract(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}

	return p.propagator().Extract(ctx, propagation.MapCarrier(headers))
}
