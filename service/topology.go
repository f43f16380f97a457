package service

import (
	"context"
	"fmt"

	"github.com/next-trace/scg-service-rpc/contract/broker"
	"github.com/next-trace/scg-service-rpc/routing"
)

// setup declares the topology of one stream on b and starts consuming it.
// Consumers run on runCtx so they outlive the ctx passed to Connect.
func (s *Service) setup(ctx, runCtx context.Context, st stream, b broker.Broker) error {
	switch st {
	case streamCommand:
		return s.declare(ctx, runCtx, b, s.rpcExchange, broker.Direct, s.commandQueue, true, false,
			[]string{s.commandQueue}, s.commandHandler(b))
	case streamResponse:
		return s.declare(ctx, runCtx, b, s.rpcExchange, broker.Direct, s.responseQueue, false, true,
			[]string{s.responseQueue}, s.onResponse)
	case streamEvent:
		return s.declare(ctx, runCtx, b, s.eventExchange, broker.Topic, s.eventQueue, true, false,
			s.eventKeys(), s.eventHandler())
	default:
		return fmt.Errorf("unknown stream %q", st)
	}
}

// declare runs exchange, queue, bindings, consume, strictly in that order.
func (s *Service) declare(
	ctx, runCtx context.Context,
	b broker.Broker,
	exchange string, kind broker.ExchangeKind,
	queue string, durable, exclusive bool,
	keys []string,
	h broker.DeliveryHandler,
) error {
	if err := b.DeclareExchange(ctx, exchange, kind, true); err != nil {
		return fmt.Errorf("declare exchange %q: %w", exchange, err)
	}

	if err := b.DeclareQueue(ctx, queue, durable, exclusive); err != nil {
		return fmt.Errorf("declare queue %q: %w", queue, err)
	}

	for _, key := range keys {
		if err := b.BindQueue(ctx, queue, exchange, key); err != nil {
			return fmt.Errorf("bind queue %q to %q with %q: %w", queue, exchange, key, err)
		}
	}

	if err := b.Consume(runCtx, queue, true, h); err != nil {
		return fmt.Errorf("consume %q: %w", queue, err)
	}

	return nil
}

func (s *Service) eventKeys() []string {
	paths := s.events.Paths()
	keys := make([]string, 0, len(paths))

	for _, p := range paths {
		keys = append(keys, routing.PathToRoutingKey(p))
	}

	return keys
}

// BindEvents binds the event queue for every event path registered so far.
// Use it after registering event routes on a connected Service.
func (s *Service) BindEvents(ctx context.Context) error {
	b, err := s.conn(streamEvent)
	if err != nil {
		return fmt.Errorf("bind events %s: %w", s.name, err)
	}

	for _, key := range s.eventKeys() {
		if err := b.BindQueue(ctx, s.eventQueue, s.eventExchange, key); err != nil {
			return fmt.Errorf("bind events %s with %q: %w", s.name, key, err)
		}
	}

	return nil
}
