package broker

import "context"

// HeaderPropagator carries request-scoped context, such as a trace, across
// the broker inside message headers. Inject adds entries to headers; Extract
// returns ctx enriched with whatever headers hold. Safe for concurrent use.
type HeaderPropagator interface {
	Inject(ctx context.Context, headers map[string]string)
	Extract(ctx context.Context, headers map[string]string) context.Context
}

// NopHeaderPropagator propagates nothing.
type NopHeaderPropagator struct{}

func (NopHeaderPropagator) Inject(context.Context, map[string]string) {}

func (NopHeaderPropagator) Extract(ctx context.Context, _ map[string]string) context.Context {
	return ctx
}
