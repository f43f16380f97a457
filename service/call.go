package service

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/next-trace/scg-service-rpc/contract/broker"
	berr "github.com/next-trace/scg-service-rpc/contract/errors"
	"github.com/next-trace/scg-service-rpc/internal/ids"
	"github.com/next-trace/scg-service-rpc/message"
	"github.com/next-trace/scg-service-rpc/routing"
)

type callOptions struct {
	query          map[string]any
	headers        map[string]any
	timeout        time.Duration
	expectResponse bool
}

// CallOption configures one Call.
type CallOption func(*callOptions)

// WithQuery sets the command's query mapping.
func WithQuery(q map[string]any) CallOption {
	return func(o *callOptions) { o.query = q }
}

// WithHeaders sets the command's application headers.
func WithHeaders(h map[string]any) CallOption {
	return func(o *callOptions) { o.headers = h }
}

// WithTimeout overrides the service's default call timeout. Non-positive values are ignored.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithoutResponse sends the command fire-and-forget: no reply-to is set, nothing
// is registered, and Call returns (nil, nil) once the command is published.
func WithoutResponse() CallOption {
	return func(o *callOptions) { o.expectResponse = false }
}

// Call sends a command for path to the service named target and waits for its
// response. It fails with a *CallTimeoutError when no response arrives in time,
// or with ctx.Err() when ctx ends first.
func (s *Service) Call(ctx context.Context, target, path string, body map[string]any, opts ...CallOption) (resp *message.Response, err error) {
	o := callOptions{timeout: s.callTimeout, expectResponse: true}
	for _, opt := range opts {
		opt(&o)
	}

	start := time.Now()

	defer func() {
		s.recorder.ObserveCall(s.name, target, callOutcome(err, o.expectResponse), time.Since(start))
	}()

	b, err := s.conn(streamCommand)
	if err != nil {
		return nil, fmt.Errorf("call %s %s: %w", target, path, err)
	}

	payload, err := message.Encode(message.Command{Path: path, Query: o.query, Body: body, Headers: o.headers})
	if err != nil {
		return nil, fmt.Errorf("call %s %s: %w", target, path, err)
	}

	id := ids.NewCorrelationID()

	ctx, span := s.tracer.Start(ctx, "rpc.call "+target,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			pathAttr(path),
			attribute.String("rpc.service", target),
			attribute.String("messaging.message.conversation_id", id),
		),
	)
	defer span.End()

	defer func() {
		if err != nil {
			spanError(span, err)
		}
	}()

	log := s.logger.With("target", target, "path", path, "correlation_id", id)

	props := broker.Properties{
		CorrelationID: id,
		MessageID:     ids.NewMessageID(),
		Headers:       s.headers(ctx),
	}

	if !o.expectResponse {
		if err := b.Publish(ctx, s.rpcExchange, target, payload, props); err != nil {
			return nil, fmt.Errorf("call %s %s: %w", target, path, err)
		}

		log.Debug("sent command; no response expected")

		return nil, nil
	}

	props.ReplyTo = s.responseQueue

	pc, err := s.pending.add(id)
	if err != nil {
		return nil, fmt.Errorf("call %s %s: %w", target, path, err)
	}

	s.recorder.SetPendingCalls(s.name, s.pending.len())

	defer func() {
		s.recorder.SetPendingCalls(s.name, s.pending.remove(id))
	}()

	if err := b.Publish(ctx, s.rpcExchange, target, payload, props); err != nil {
		return nil, fmt.Errorf("call %s %s: %w", target, path, err)
	}

	log.Debug("sent command", "timeout", o.timeout)

	timer := time.NewTimer(o.timeout)
	defer timer.Stop()

	select {
	case <-pc.done:
		span.SetAttributes(attribute.Int("rpc.status_code", pc.resp.StatusCode))

		return pc.resp, nil
	case <-timer.C:
		log.Error("call timed out", "timeout", o.timeout)

		return nil, &berr.CallTimeoutError{CorrelationID: id, Timeout: o.timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.stopped:
		return nil, fmt.Errorf("call %s %s: service shut down: %w", target, path, berr.ErrNotConnected)
	}
}

// Publish emits an event for path on the event exchange. Subscribers bound to
// the path's routing key (or a matching pattern) receive it.
func (s *Service) Publish(ctx context.Context, path string, body any, headers map[string]any) error {
	b, err := s.conn(streamEvent)
	if err != nil {
		return fmt.Errorf("publish event %s: %w", path, err)
	}

	payload, err := message.Encode(message.Event{Path: path, Body: body, Headers: headers})
	if err != nil {
		return fmt.Errorf("publish event %s: %w", path, err)
	}

	ctx, span := s.tracer.Start(ctx, "rpc.publish "+path,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(pathAttr(path)),
	)
	defer span.End()

	props := broker.Properties{MessageID: ids.NewMessageID(), Headers: s.headers(ctx)}

	if err := b.Publish(ctx, s.eventExchange, routing.PathToRoutingKey(path), payload, props); err != nil {
		spanError(span, err)

		return fmt.Errorf("publish event %s: %w", path, err)
	}

	s.logger.Debug("published event", "path", path, "message_id", props.MessageID)

	return nil
}
